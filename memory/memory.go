// Package memory provides guest-physical RAM for machines: a set of
// mmap'd slots and the flat nested mapping the simulated processor walks.
package memory

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	errNoSlotsAvail = errors.New("maximal numbers of slots exhausted")
	errSlotNotFound = errors.New("unable to find MemorySlot")
	errOutOfRange   = errors.New("guest physical address not backed")
)

const (
	// Poison is an instruction that should force a vmexit.
	// it fills memory to make catching guest errors easier.
	// Disassembly:
	// 0:  b8 be ba fe ca          mov    eax,0xcafebabe
	// 5:  90                      nop
	// 6:  0f 0b                   ud2
	Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"

	highMemBase = 0x100000

	// DefaultMaxSlots bounds the number of slots of a Memory.
	DefaultMaxSlots = 32
)

// Slot flags.
const (
	FlagReadOnly uint32 = 1 << 0
)

// GuestMemory is a guest-physical address space as a nested-paging
// builder walks it. Translate returns the host bytes backing gpa up to the
// end of its region, and fails for unbacked addresses or writes to
// read-only regions.
type GuestMemory interface {
	Translate(gpa uint64, write bool) ([]byte, bool)
}

type Memory struct {
	Slots    []*MemorySlot
	MaxSlots uint32
	AS       *AddressSpace
}

type MemorySlot struct {
	Addr  uint64
	Size  int
	Slot  uint8
	Flags uint32
	AS    *AddressSpace
	Buf   []byte
}

// New returns guest memory with one RAM slot at address 0.
func New(ramsize int) (*Memory, error) {
	m := &Memory{
		MaxSlots: DefaultMaxSlots,
		AS:       NewAddressSpace("phys", 0, ^uint64(0)),
	}

	ram := NewAddressSpace("ram", 0, uint64(ramsize))
	if err := m.NewMemorySlot(0, ramsize, 0, ram); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Memory) FindSlot(addr uint64, size int) (*MemorySlot, error) {
	for _, slot := range m.Slots {
		if slot.Addr == addr && slot.Size == size {
			return slot, nil
		}
	}

	return nil, errSlotNotFound
}

func (m *Memory) NewMemorySlot(addr uint64, size int, flags uint32, as *AddressSpace) error {
	var err error

	if len(m.Slots) >= int(m.MaxSlots) {
		return errNoSlotsAvail
	}

	if err := m.AS.AddAddress(as); err != nil {
		return fmt.Errorf("slot %q at %#x: %w", as.Name, addr, err)
	}

	slot := &MemorySlot{
		Addr:  addr,
		Size:  size,
		Slot:  uint8(len(m.Slots)),
		Flags: flags,
		AS:    as,
	}

	slot.Buf, err = unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return err
	}

	// Poison memory.
	// 0 is valid instruction and if you start running in the middle of all those
	// 0's it is impossible to diagnose.
	for i := highMemBase; i < len(slot.Buf); i += len(Poison) {
		copy(slot.Buf[i:], Poison)
	}

	m.Slots = append(m.Slots, slot)

	return nil
}

// Translate returns the bytes from gpa to the end of its slot. Writes to
// read-only slots fail.
func (m *Memory) Translate(gpa uint64, write bool) ([]byte, bool) {
	as := m.AS.Lookup(gpa)
	if as == nil {
		return nil, false
	}

	for _, slot := range m.Slots {
		if slot.AS != as || gpa < slot.Addr || gpa >= slot.Addr+uint64(slot.Size) {
			continue
		}

		if write && slot.Flags&FlagReadOnly != 0 {
			return nil, false
		}

		return slot.Buf[gpa-slot.Addr:], true
	}

	return nil, false
}

// Load copies b into guest memory at gpa.
func (m *Memory) Load(gpa uint64, b []byte) error {
	dst, ok := m.Translate(gpa, false)
	if !ok || len(dst) < len(b) {
		return fmt.Errorf("load %d bytes at %#x: %w", len(b), gpa, errOutOfRange)
	}

	copy(dst, b)

	return nil
}

// Size returns the end of the highest slot.
func (m *Memory) Size() uint64 {
	var end uint64

	for _, slot := range m.Slots {
		end = max(end, slot.Addr+uint64(slot.Size))
	}

	return end
}

// Close unmaps every slot.
func (m *Memory) Close() error {
	var errs []error

	for _, slot := range m.Slots {
		if err := unix.Munmap(slot.Buf); err != nil {
			errs = append(errs, err)
		}
	}

	m.Slots = nil

	return errors.Join(errs...)
}
