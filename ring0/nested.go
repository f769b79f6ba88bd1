//go:build amd64 && linux

package ring0

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/bobuhiro11/gosvm/memory"
	"github.com/bobuhiro11/gosvm/svm"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/log"
)

// Nested page table entry bits. Nested walks are user accesses, so every
// level carries U.
const (
	nptPresent = 1 << 0
	nptWrite   = 1 << 1
	nptUser    = 1 << 2
	nptAddr    = 0x000ffffffffff000

	nptLevels = 4
	nptIndex  = 0x1ff
)

// MapNested builds 4-level nested page tables mapping the first size bytes
// of mem with 4K pages and returns the root. Backing pages are locked so
// their frames stay put while mapped.
func (n *Native) MapNested(mem memory.GuestMemory, size uint64) (uint64, error) {
	root, err := n.AllocPages(1)
	if err != nil {
		return 0, err
	}

	tables := []svm.Pages{root}
	byPA := map[uint64][]byte{root.PA: root.Data}

	cu := cleanup.Make(func() {
		for _, p := range tables {
			n.FreePages(p)
		}
	})
	defer cu.Clean()

	mapped := 0

	for gpa := uint64(0); gpa < size; gpa += svm.PageSize {
		b, ok := mem.Translate(gpa, false)
		if !ok || len(b) < svm.PageSize {
			continue
		}

		page := b[:svm.PageSize]
		if err := unix.Mlock(page); err != nil {
			return 0, fmt.Errorf("lock gpa %#x: %w", gpa, err)
		}

		hpa, err := n.physical(uintptr(unsafe.Pointer(&page[0])))
		if err != nil {
			return 0, fmt.Errorf("gpa %#x: %w", gpa, err)
		}

		leaf := hpa | nptPresent | nptUser
		if _, ok := mem.Translate(gpa, true); ok {
			leaf |= nptWrite
		}

		table := root.Data

		for level := nptLevels - 1; level > 0; level-- {
			off := (gpa >> (12 + 9*level) & nptIndex) * 8

			e := binary.LittleEndian.Uint64(table[off:])
			if e&nptPresent == 0 {
				p, err := n.AllocPages(1)
				if err != nil {
					return 0, err
				}

				tables = append(tables, p)
				byPA[p.PA] = p.Data
				e = p.PA | nptPresent | nptWrite | nptUser
				binary.LittleEndian.PutUint64(table[off:], e)
			}

			table = byPA[e&nptAddr]
		}

		binary.LittleEndian.PutUint64(table[(gpa>>12&nptIndex)*8:], leaf)
		mapped++
	}

	n.mu.Lock()
	n.nested[root.PA] = tables
	n.mu.Unlock()

	cu.Release()

	log.Infof("ring0: nested root %#x maps %d pages in %d tables", root.PA, mapped, len(tables))

	return root.PA, nil
}

// UnmapNested frees the tables of a root returned by MapNested. The guest
// pages stay locked until their owner unmaps them.
func (n *Native) UnmapNested(root uint64) {
	n.mu.Lock()
	tables := n.nested[root]
	delete(n.nested, root)
	n.mu.Unlock()

	for _, p := range tables {
		n.FreePages(p)
	}
}
