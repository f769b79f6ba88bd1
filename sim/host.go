// Package sim is a software model of an SVM-capable host. It implements
// svm.Hardware: cores with their own MSRs, XCR0, debug and FPU registers,
// a page allocator with synthetic physical addresses, and a VMRUN that
// interprets guest code until it reaches an intercepted event.
//
// Only the instructions a test guest needs are interpreted; anything else
// raises #UD inside the guest.
package sim

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/gosvm/memory"
	"github.com/bobuhiro11/gosvm/svm"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/cpuid"
	"gvisor.dev/gvisor/pkg/sync"
)

var errNoPages = errors.New("sim: out of physical pages")

// Config describes the simulated processor.
type Config struct {
	CPUs int
	// NASID is the number of ASIDs reported by CPUID 0x8000000A.
	NASID uint32
	// NoFlushByASID hides the flush-by-ASID TLB control.
	NoFlushByASID bool
	// NoNestedPaging hides NP from CPUID.
	NoNestedPaging bool
	// SVMDisabled sets VM_CR.SVMDIS as firmware would.
	SVMDisabled bool
	// Budget is the number of guest instructions per entry before a
	// host interrupt forces an exit. Zero selects a default.
	Budget int
}

// Entry records one VMRUN.
type Entry struct {
	CPU        int
	ASID       uint32
	TLBControl uint8
	Clean      uint32
	ExitCode   svm.ExitCode
}

// Event records an event delivered to a guest.
type Event struct {
	Vector uint8
	Type   uint64
}

type core struct {
	msrs map[uint32]uint64
	xcr0 uint64
	drs  [4]uint64
	fpu  [svm.PageSize]byte
	// mu is held between PreemptDisable and PreemptEnable.
	mu sync.Mutex
}

// Host is a simulated multi-core SVM machine.
type Host struct {
	cfg      Config
	features cpuid.Static
	cores    []*core
	tsc      atomicbitops.Uint64

	mu       sync.Mutex
	cur      int
	held     int
	pages    map[uint64][]byte
	nextPA   uint64
	nested   map[uint64]memory.GuestMemory
	failNext int
	entries  []Entry
	events   []Event
	flushes  int
}

// New returns a host described by cfg.
func New(cfg Config) *Host {
	if cfg.CPUs <= 0 {
		cfg.CPUs = 1
	}

	if cfg.NASID == 0 {
		cfg.NASID = 64
	}

	if cfg.Budget <= 0 {
		cfg.Budget = 10000
	}

	h := &Host{
		cfg:      cfg,
		features: amdFeatures(cfg),
		pages:    make(map[uint64][]byte),
		nextPA:   1 << 40,
		nested:   make(map[uint64]memory.GuestMemory),
		held:     -1,
	}

	for i := 0; i < cfg.CPUs; i++ {
		c := &core{msrs: make(map[uint32]uint64)}
		c.xcr0 = svm.XCR0X87 | svm.XCR0SSE | svm.XCR0AVX
		c.msrs[svm.MSRNumEFER] = svm.EFERSCE | svm.EFERLME | svm.EFERLMA | svm.EFERNXE

		if cfg.SVMDisabled {
			c.msrs[svm.MSRNumVMCR] = svm.VMCRSVMDis | svm.VMCRLock
		}

		h.cores = append(h.cores, c)
	}

	return h
}

// SetCPU selects the core the next PreemptDisable lands on.
func (h *Host) SetCPU(cpu int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cpu < 0 || cpu >= len(h.cores) {
		panic(fmt.Sprintf("sim: cpu %d out of range", cpu))
	}

	h.cur = cpu
}

// FailEntries makes the next n VMRUNs fail with VMEXIT_INVALID.
func (h *Host) FailEntries(n int) {
	h.mu.Lock()
	h.failNext = n
	h.mu.Unlock()
}

// Entries returns a copy of the VMRUN log.
func (h *Host) Entries() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]Entry(nil), h.entries...)
}

// Events returns the events delivered to guests so far.
func (h *Host) Events() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]Event(nil), h.events...)
}

// Flushes counts entries that requested a TLB flush.
func (h *Host) Flushes() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.flushes
}

// MSR reads an MSR of a given core, for tests.
func (h *Host) MSR(cpu int, msr uint32) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.cores[cpu].msrs[msr]
}

// MapNested registers the first size bytes of mem as a flat nested
// address space and returns its root, a page-aligned synthetic physical
// address.
func (h *Host) MapNested(mem memory.GuestMemory, size uint64) (uint64, error) {
	p, err := h.AllocPages(1)
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	h.nested[p.PA] = bounded{mem: mem, size: size}
	h.mu.Unlock()

	return p.PA, nil
}

// UnmapNested releases a root returned by MapNested.
func (h *Host) UnmapNested(root uint64) {
	if b := h.page(root); b != nil {
		h.FreePages(svm.Pages{Data: b, PA: root})
	}
}

// bounded limits a guest memory to its mapped size.
type bounded struct {
	mem  memory.GuestMemory
	size uint64
}

func (b bounded) Translate(gpa uint64, write bool) ([]byte, bool) {
	if gpa >= b.size {
		return nil, false
	}

	buf, ok := b.mem.Translate(gpa, write)
	if !ok {
		return nil, false
	}

	if rest := b.size - gpa; uint64(len(buf)) > rest {
		buf = buf[:rest]
	}

	return buf, true
}

// core returns the core the caller is on.
func (h *Host) core() *core {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.held >= 0 {
		return h.cores[h.held]
	}

	return h.cores[h.cur]
}

func (h *Host) CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	out := lookup(h.features, leaf, subleaf)

	return out.Eax, out.Ebx, out.Ecx, out.Edx
}

func (h *Host) ReadMSR(msr uint32) uint64 {
	c := h.core()

	h.mu.Lock()
	defer h.mu.Unlock()

	return c.msrs[msr]
}

func (h *Host) WriteMSR(msr uint32, value uint64) {
	c := h.core()

	h.mu.Lock()
	defer h.mu.Unlock()

	c.msrs[msr] = value
}

func (h *Host) ReadXCR0() uint64        { return h.core().xcr0 }
func (h *Host) WriteXCR0(value uint64)  { h.core().xcr0 = value }
func (h *Host) ReadDR(n int) uint64     { return h.core().drs[n] }
func (h *Host) WriteDR(n int, v uint64) { h.core().drs[n] = v }

// RDTSC advances by one on every read so that elapsed time is visible.
func (h *Host) RDTSC() uint64 {
	return h.tsc.Add(1)
}

func (h *Host) SaveFPU(area []byte, _ uint64) {
	copy(area, h.core().fpu[:])
}

func (h *Host) RestoreFPU(area []byte, _ uint64) {
	copy(h.core().fpu[:], area)
}

func (h *Host) NumCPUs() int { return len(h.cores) }

func (h *Host) PreemptDisable() int {
	h.mu.Lock()
	cpu := h.cur
	c := h.cores[cpu]
	h.mu.Unlock()

	c.mu.Lock()

	h.mu.Lock()
	h.held = cpu
	h.mu.Unlock()

	return cpu
}

func (h *Host) PreemptEnable() {
	h.mu.Lock()
	c := h.cores[h.held]
	h.held = -1
	h.mu.Unlock()

	c.mu.Unlock()
}

// Broadcast runs fn on each core in turn.
func (h *Host) Broadcast(fn func(cpu int) error) error {
	var errs []error

	for cpu := range h.cores {
		c := h.cores[cpu]
		c.mu.Lock()

		h.mu.Lock()
		h.held = cpu
		h.mu.Unlock()

		if err := fn(cpu); err != nil {
			errs = append(errs, fmt.Errorf("cpu %d: %w", cpu, err))
		}

		h.mu.Lock()
		h.held = -1
		h.mu.Unlock()

		c.mu.Unlock()
	}

	return errors.Join(errs...)
}

func (h *Host) AllocPages(n int) (svm.Pages, error) {
	if n <= 0 {
		return svm.Pages{}, errNoPages
	}

	b, err := unix.Mmap(-1, 0, n*svm.PageSize, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return svm.Pages{}, fmt.Errorf("%w: %w", errNoPages, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	pa := h.nextPA
	h.nextPA += uint64(n * svm.PageSize)
	h.pages[pa] = b

	return svm.Pages{Data: b, PA: pa}, nil
}

func (h *Host) FreePages(p svm.Pages) {
	h.mu.Lock()
	delete(h.pages, p.PA)
	delete(h.nested, p.PA)
	h.mu.Unlock()

	_ = unix.Munmap(p.Data)
}

// page returns the allocation starting at pa.
func (h *Host) page(pa uint64) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.pages[pa]
}
