//go:build amd64 && linux

// Package ring0 runs the engine on the processor the process runs on. The
// entry points execute privileged instructions, so the process must itself
// run at CPL 0 (a library OS or a sandbox that hosts Go code in ring 0).
package ring0

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/bobuhiro11/gosvm/cpuid"
	"github.com/bobuhiro11/gosvm/svm"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/bitmap"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

const (
	hugePageSize  = 2 << 20
	pagesPerChunk = hugePageSize / svm.PageSize

	pagemapPresent = 1 << 63
	pagemapPFNMask = 1<<55 - 1

	// TSC_AUX holds node<<12 | cpu.
	auxCPUMask = 0xfff
)

var (
	errNoPages = errors.New("ring0: out of physical pages")
	errNoPFN   = errors.New("ring0: physical address unavailable")
)

// chunk is one locked 2MB huge page, physically contiguous.
type chunk struct {
	data []byte
	pa   uint64
	used bitmap.Bitmap
}

type pinned struct {
	cpu int
	old unix.CPUSet
}

// Native implements svm.Hardware with real instructions.
type Native struct {
	ncpu    int
	pagemap int

	mu     sync.Mutex
	chunks []*chunk
	// pins is keyed by thread id.
	pins map[int]pinned
	// host holds the per-core page VMSAVE/VMLOAD use around VMRUN.
	host []svm.Pages
	// nested holds the table pages of each nested root.
	nested map[uint64][]svm.Pages
}

// New opens /proc/self/pagemap and allocates a host state page per core.
func New() (*Native, error) {
	fd, err := unix.Open("/proc/self/pagemap", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open pagemap: %w", err)
	}

	n := &Native{
		ncpu:    runtime.NumCPU(),
		pagemap: fd,
		pins:    make(map[int]pinned),
		nested:  make(map[uint64][]svm.Pages),
	}

	for cpu := 0; cpu < n.ncpu; cpu++ {
		p, err := n.AllocPages(1)
		if err != nil {
			n.Close()

			return nil, err
		}

		n.host = append(n.host, p)
	}

	log.Infof("ring0: %d cores", n.ncpu)

	return n, nil
}

// Close unmaps every chunk. Pages handed out are invalid afterwards.
func (n *Native) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var errs []error

	for _, c := range n.chunks {
		if err := unix.Munmap(c.data); err != nil {
			errs = append(errs, err)
		}
	}

	n.chunks = nil
	n.host = nil

	if err := unix.Close(n.pagemap); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (n *Native) CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	return cpuid.CPUIDSub(leaf, subleaf)
}

func (n *Native) ReadMSR(msr uint32) uint64        { return rdmsr(msr) }
func (n *Native) WriteMSR(msr uint32, value uint64) { wrmsr(msr, value) }
func (n *Native) ReadXCR0() uint64                 { return xgetbv(0) }
func (n *Native) WriteXCR0(value uint64)           { xsetbv(0, value) }
func (n *Native) RDTSC() uint64                    { return rdtsc() }

func (n *Native) ReadDR(i int) uint64 {
	switch i {
	case 0:
		return readDR0()
	case 1:
		return readDR1()
	case 2:
		return readDR2()
	case 3:
		return readDR3()
	}

	panic(fmt.Sprintf("ring0: no DR%d", i))
}

func (n *Native) WriteDR(i int, v uint64) {
	switch i {
	case 0:
		writeDR0(v)
	case 1:
		writeDR1(v)
	case 2:
		writeDR2(v)
	case 3:
		writeDR3(v)
	default:
		panic(fmt.Sprintf("ring0: no DR%d", i))
	}
}

// SaveFPU and RestoreFPU expect page-aligned areas from AllocPages.
func (n *Native) SaveFPU(area []byte, mask uint64)    { xsave(&area[0], mask) }
func (n *Native) RestoreFPU(area []byte, mask uint64) { xrstor(&area[0], mask) }

func (n *Native) NumCPUs() int { return n.ncpu }

// PreemptDisable locks the goroutine to its thread and the thread to the
// core it is on.
func (n *Native) PreemptDisable() int {
	runtime.LockOSThread()

	var p pinned
	if err := unix.SchedGetaffinity(0, &p.old); err != nil {
		log.Warningf("ring0: get affinity: %v", err)
	}

	for {
		p.cpu = int(rdtscp() & auxCPUMask)

		var set unix.CPUSet

		set.Set(p.cpu)

		if err := unix.SchedSetaffinity(0, &set); err != nil {
			log.Warningf("ring0: pin to cpu %d: %v", p.cpu, err)

			break
		}

		// The thread may have moved between reading TSC_AUX and pinning.
		if int(rdtscp()&auxCPUMask) == p.cpu {
			break
		}
	}

	n.mu.Lock()
	n.pins[unix.Gettid()] = p
	n.mu.Unlock()

	return p.cpu
}

func (n *Native) PreemptEnable() {
	tid := unix.Gettid()

	n.mu.Lock()
	p, ok := n.pins[tid]
	delete(n.pins, tid)
	n.mu.Unlock()

	if ok && p.old.Count() > 0 {
		if err := unix.SchedSetaffinity(0, &p.old); err != nil {
			log.Warningf("ring0: restore affinity: %v", err)
		}
	}

	runtime.UnlockOSThread()
}

// Broadcast runs fn on a thread pinned to each core. The threads are never
// unlocked, so they exit with their goroutines.
func (n *Native) Broadcast(fn func(cpu int) error) error {
	var g errgroup.Group

	for cpu := 0; cpu < n.ncpu; cpu++ {
		g.Go(func() error {
			runtime.LockOSThread()

			var set unix.CPUSet

			set.Set(cpu)

			if err := unix.SchedSetaffinity(0, &set); err != nil {
				return fmt.Errorf("cpu %d: %w", cpu, err)
			}

			if err := fn(cpu); err != nil {
				return fmt.Errorf("cpu %d: %w", cpu, err)
			}

			return nil
		})
	}

	return g.Wait()
}

// AllocPages carves n contiguous pages out of a huge page. n is limited to
// a huge page.
func (n *Native) AllocPages(np int) (svm.Pages, error) {
	if np <= 0 || np > pagesPerChunk {
		return svm.Pages{}, fmt.Errorf("%w: %d pages", errNoPages, np)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	for _, c := range n.chunks {
		if p, ok := c.take(np); ok {
			return p, nil
		}
	}

	c, err := n.grow()
	if err != nil {
		return svm.Pages{}, err
	}

	p, _ := c.take(np)

	return p, nil
}

func (n *Native) FreePages(p svm.Pages) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, c := range n.chunks {
		if p.PA < c.pa || p.PA >= c.pa+hugePageSize {
			continue
		}

		first := uint32((p.PA - c.pa) / svm.PageSize)
		for i := uint32(0); i < uint32(len(p.Data)/svm.PageSize); i++ {
			c.used.Remove(first + i)
		}

		return
	}

	log.Warningf("ring0: free of unknown pages at %#x", p.PA)
}

// VMRun switches to the guest on the pinned core.
func (n *Native) VMRun(vmcbPA uint64, gprs *[16]uint64) {
	n.mu.Lock()
	p, ok := n.pins[unix.Gettid()]
	n.mu.Unlock()

	if !ok {
		panic("ring0: VMRun outside PreemptDisable")
	}

	vmrun(vmcbPA, n.host[p.cpu].PA, gprs)
}

// grow maps, locks and resolves a new huge page. n.mu must be held.
func (n *Native) grow() (*chunk, error) {
	b, err := unix.Mmap(-1, 0, hugePageSize, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB|unix.MAP_POPULATE|unix.MAP_LOCKED)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errNoPages, err)
	}

	pa, err := n.physical(uintptr(unsafe.Pointer(&b[0])))
	if err != nil {
		_ = unix.Munmap(b)

		return nil, err
	}

	c := &chunk{data: b, pa: pa, used: bitmap.New(pagesPerChunk)}
	n.chunks = append(n.chunks, c)

	log.Debugf("ring0: huge page at %#x", pa)

	return c, nil
}

func (n *Native) physical(va uintptr) (uint64, error) {
	var buf [8]byte

	off := int64(va/svm.PageSize) * int64(len(buf))
	if _, err := unix.Pread(n.pagemap, buf[:], off); err != nil {
		return 0, fmt.Errorf("%w: %w", errNoPFN, err)
	}

	e := binary.LittleEndian.Uint64(buf[:])
	pfn := e & pagemapPFNMask

	// Without CAP_SYS_ADMIN the PFN reads as zero.
	if e&pagemapPresent == 0 || pfn == 0 {
		return 0, errNoPFN
	}

	return pfn * svm.PageSize, nil
}

// take marks the first run of np free pages used and zeroes it.
func (c *chunk) take(np int) (svm.Pages, bool) {
	var start uint32

	for {
		z, err := c.used.FirstZero(start)
		if err != nil || int(z)+np > pagesPerChunk {
			return svm.Pages{}, false
		}

		o, err := c.used.FirstOne(z)
		if err != nil || int(o) >= int(z)+np {
			for i := uint32(0); i < uint32(np); i++ {
				c.used.Add(z + i)
			}

			b := c.data[int(z)*svm.PageSize : (int(z)+np)*svm.PageSize]
			clear(b)

			return svm.Pages{Data: b, PA: c.pa + uint64(z)*svm.PageSize}, true
		}

		start = o + 1
	}
}
