// Package machine assembles guest memory, the SVM engine and the I/O-port
// devices into a virtual machine that runs a flat real-mode image.
package machine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/bobuhiro11/gosvm/device"
	"github.com/bobuhiro11/gosvm/iodev"
	"github.com/bobuhiro11/gosvm/memory"
	"github.com/bobuhiro11/gosvm/serial"
	"github.com/bobuhiro11/gosvm/sim"
	"github.com/bobuhiro11/gosvm/svm"
	"golang.org/x/arch/x86/x86asm"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// InitialRegState GuestPhysAddr
//
//	0x00000000    +------------------+
//	              |  IVT             |
//	0x00000400    +------------------+
//	              |                  |
//	              |  stack           | <-- SS:SP
//	ImageAddr     +------------------+ <-- CS:IP, image [+ 0]
//	              |                  |
//	              |  image           |
//	              |                  |
//	0x00100000    +------------------+
//	              |  poison          |
//	MemSize       +------------------+
//
// Every VCPU starts at ImageAddr in real mode with DI holding its index.
const (
	ImageAddr = 0x7c00

	// SerialVector is where the 8259 would put COM1's IRQ 4 in real mode.
	SerialVector = 0x08 + serial.COM1IRQ

	dirIn  = 0
	dirOut = 1

	vectorGP = 13
)

var (
	errUnexpectedExit = errors.New("unexpected exit")
	errShutdown       = errors.New("guest shut down")
	errNoNestedMapper = errors.New("hardware cannot build nested page tables")
	errImageTooLarge  = errors.New("image does not fit below 1MB")
	errStringIO       = errors.New("string i/o is not supported")
)

// Config describes a machine.
type Config struct {
	NCPUs   int
	MemSize int

	// Hardware runs the guests. Nil selects a simulated host with NCPUs
	// cores.
	Hardware svm.Hardware

	CPUID          []svm.CPUIDOverride
	TPRPassthrough bool

	// Console receives serial and post-code output. Nil means stdout.
	Console io.Writer
}

// nestedMapper builds the nested page tables for guest memory.
type nestedMapper interface {
	MapNested(mem memory.GuestMemory, size uint64) (uint64, error)
	UnmapNested(root uint64)
}

type Machine struct {
	hw     svm.Hardware
	nested nestedMapper
	engine *svm.Engine
	vm     *svm.Machine
	mem    *memory.Memory
	root   uint64
	vcpus  []*svm.VCPU

	serial         *serial.Serial
	ioportHandlers [0x10000][2]func(m *Machine, port uint64, bytes []byte) error

	// irq is the level of the serial interrupt line, routed to VCPU 0.
	irq  atomicbitops.Bool
	wake chan struct{}

	stopped  atomicbitops.Bool
	done     chan struct{}
	stopOnce sync.Once
}

// New creates the machine and its VCPUs. Guest memory is mapped 1:1 into
// the nested address space.
func New(cfg Config) (*Machine, error) {
	if cfg.NCPUs <= 0 {
		cfg.NCPUs = 1
	}

	if cfg.Console == nil {
		cfg.Console = os.Stdout
	}

	if cfg.Hardware == nil {
		cfg.Hardware = sim.New(sim.Config{CPUs: cfg.NCPUs})
	}

	nested, ok := cfg.Hardware.(nestedMapper)
	if !ok {
		return nil, errNoNestedMapper
	}

	m := &Machine{
		hw:     cfg.Hardware,
		nested: nested,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	cu := cleanup.Make(func() { _ = m.Close() })
	defer cu.Clean()

	var err error

	if m.mem, err = memory.New(cfg.MemSize); err != nil {
		return nil, err
	}

	if m.engine, err = svm.Init(m.hw); err != nil {
		return nil, err
	}

	if m.root, err = nested.MapNested(m.mem, m.mem.Size()); err != nil {
		return nil, fmt.Errorf("nested mapping: %w", err)
	}

	if m.vm, err = m.engine.CreateMachine(svm.MachineConfig{NestedRoot: m.root}); err != nil {
		return nil, err
	}

	for i := 0; i < cfg.NCPUs; i++ {
		v, err := m.vm.CreateVCPU()
		if err != nil {
			return nil, fmt.Errorf("vcpu %d: %w", i, err)
		}

		m.vcpus = append(m.vcpus, v)

		if err := v.SetCPUIDOverrides(cfg.CPUID); err != nil {
			return nil, fmt.Errorf("vcpu %d: %w", i, err)
		}

		v.SetTPRPassthrough(cfg.TPRPassthrough)

		if err := m.initRegs(i); err != nil {
			return nil, err
		}
	}

	m.serial = serial.New(cfg.Console, m.setSerialIRQ)
	m.initIOPortHandlers(cfg.Console)

	cu.Release()

	return m, nil
}

// Close destroys the VCPUs, the engine machine and guest memory.
func (m *Machine) Close() error {
	var errs []error

	for _, v := range m.vcpus {
		if err := m.vm.DestroyVCPU(v); err != nil {
			errs = append(errs, err)
		}
	}

	m.vcpus = nil

	if m.vm != nil {
		if err := m.engine.DestroyMachine(m.vm); err != nil {
			errs = append(errs, err)
		}

		m.vm = nil
	}

	if m.root != 0 {
		m.nested.UnmapNested(m.root)
		m.root = 0
	}

	if m.engine != nil {
		if err := m.engine.Fini(); err != nil {
			errs = append(errs, err)
		}

		m.engine = nil
	}

	if m.mem != nil {
		if err := m.mem.Close(); err != nil {
			errs = append(errs, err)
		}

		m.mem = nil
	}

	return errors.Join(errs...)
}

// NCPUs returns the number of VCPUs.
func (m *Machine) NCPUs() int {
	return len(m.vcpus)
}

// VCPU returns VCPU i.
func (m *Machine) VCPU(i int) *svm.VCPU {
	return m.vcpus[i]
}

// Capabilities reports what the engine offers.
func (m *Machine) Capabilities() svm.Capabilities {
	return m.engine.Capabilities()
}

// LoadImage copies a flat real-mode image to ImageAddr.
func (m *Machine) LoadImage(r io.Reader) error {
	img, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	if ImageAddr+len(img) > 0x100000 {
		return fmt.Errorf("%w: %d bytes", errImageTooLarge, len(img))
	}

	return m.mem.Load(ImageAddr, img)
}

// Input feeds a byte to the serial console.
func (m *Machine) Input(b byte) {
	m.serial.Input(b)
}

// Stop makes every VCPU loop return. It is safe to call more than once
// and from any goroutine.
func (m *Machine) Stop() {
	m.stopOnce.Do(func() {
		m.stopped.Store(true)
		close(m.done)

		for _, v := range m.vcpus {
			v.RequestStop()
		}
	})
}

// Done is closed by Stop.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

func (m *Machine) initRegs(i int) error {
	v := m.vcpus[i]

	st, err := v.GetState(svm.StateSegs | svm.StateGPRs)
	if err != nil {
		return err
	}

	st.Segs[svm.SegCS].Selector = 0
	st.Segs[svm.SegCS].Base = 0
	st.GPRs[svm.GPRRIP] = ImageAddr
	st.GPRs[svm.GPRRSP] = ImageAddr
	st.GPRs[svm.GPRRDI] = uint64(i)

	return v.SetState(svm.StateSegs|svm.StateGPRs, st)
}

// setSerialIRQ follows the serial interrupt line and kicks VCPU 0 out of
// the guest so it can open an interrupt window.
func (m *Machine) setSerialIRQ(level bool) {
	m.irq.Store(level)

	if !level || len(m.vcpus) == 0 {
		return
	}

	select {
	case m.wake <- struct{}{}:
	default:
	}

	m.vcpus[0].RequestStop()
}

func (m *Machine) RunInfiniteLoop(ctx context.Context, i int) error {
	// The engine pins the thread around each world switch; keeping the
	// goroutine on one thread avoids re-pinning on every entry.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		isContinue, err := m.RunOnce(ctx, i)
		if err != nil {
			return err
		}

		if !isContinue {
			return nil
		}
	}
}

// RunOnce runs VCPU i until its next exit and resolves it. It returns
// false once the VCPU has nothing left to do.
func (m *Machine) RunOnce(ctx context.Context, i int) (bool, error) {
	v := m.vcpus[i]

	if i == 0 && m.irq.Load() {
		if err := m.requestIntWindow(v); err != nil {
			return false, err
		}
	}

	exit, err := v.Run(ctx)
	if err != nil {
		return false, err
	}

	switch exit.Reason {
	case svm.ExitNone:
		return ctx.Err() == nil && !m.stopped.Load(), nil
	case svm.ExitIO:
		return true, m.completeIO(v, &exit.IO)
	case svm.ExitRDMSR, svm.ExitWRMSR:
		log.Debugf("vcpu %d: %v of unknown msr %#x", i, exit.Reason, exit.MSR.MSR)

		return true, v.Inject(svm.Event{Type: svm.EventException, Vector: vectorGP})
	case svm.ExitCPUID:
		log.Debugf("vcpu %d: cpuid %#x.%#x -> %#x %#x %#x %#x", i,
			exit.CPUID.Leaf, exit.CPUID.Subleaf,
			exit.CPUID.EAX, exit.CPUID.EBX, exit.CPUID.ECX, exit.CPUID.EDX)

		return true, m.setRIP(v, exit.CPUID.NextRIP)
	case svm.ExitIntReady:
		if i == 0 && m.irq.Load() {
			return true, v.Inject(svm.Event{Type: svm.EventInterrupt, Vector: SerialVector})
		}

		return true, nil
	case svm.ExitNMIReady:
		return true, nil
	case svm.ExitTPRChanged:
		log.Debugf("vcpu %d: tpr %#x -> %#x", i, exit.TPR.Old, exit.TPR.New)

		return true, nil
	case svm.ExitHalted:
		return m.halt(ctx, i, exit.Halt.InterruptsEnabled), nil
	case svm.ExitShutdown:
		return false, fmt.Errorf("vcpu %d: %w", i, errShutdown)
	case svm.ExitMemory:
		return false, m.memoryError(i, &exit.Mem)
	case svm.ExitInvalid:
		return false, fmt.Errorf("vcpu %d: %w: %v (entry %t)", i, errUnexpectedExit,
			exit.Invalid.Code, exit.Invalid.Entry)
	}

	return false, fmt.Errorf("vcpu %d: %w: %v", i, errUnexpectedExit, exit.Reason)
}

// halt waits for something that can wake a halted VCPU. Only VCPU 0
// receives interrupts.
func (m *Machine) halt(ctx context.Context, i int, ie bool) bool {
	if !ie {
		log.Infof("vcpu %d: halted with interrupts disabled", i)

		return false
	}

	if i != 0 {
		select {
		case <-ctx.Done():
		case <-m.done:
		}

		return false
	}

	if m.irq.Load() {
		return true
	}

	select {
	case <-m.wake:
		return true
	case <-ctx.Done():
		return false
	case <-m.done:
		return false
	}
}

func (m *Machine) requestIntWindow(v *svm.VCPU) error {
	st, err := v.GetState(svm.StateIntr)
	if err != nil {
		return err
	}

	if st.Intr.IntWindowExiting {
		return nil
	}

	st.Intr.IntWindowExiting = true

	return v.SetState(svm.StateIntr, st)
}

func (m *Machine) setRIP(v *svm.VCPU, rip uint64) error {
	st, err := v.GetState(svm.StateGPRs)
	if err != nil {
		return err
	}

	st.GPRs[svm.GPRRIP] = rip

	return v.SetState(svm.StateGPRs, st)
}

// completeIO runs the port handler and retires the instruction.
func (m *Machine) completeIO(v *svm.VCPU, e *svm.IOExit) error {
	if e.Str {
		return fmt.Errorf("%w: port %#x", errStringIO, e.Port)
	}

	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], e.Data)

	dir := dirOut
	if e.In {
		dir = dirIn
	}

	bytes := buf[:e.OperandSize]
	if err := m.ioportHandlers[e.Port][dir](m, uint64(e.Port), bytes); err != nil {
		return err
	}

	st, err := v.GetState(svm.StateGPRs)
	if err != nil {
		return err
	}

	if e.In {
		mask := uint64(1)<<(8*uint(e.OperandSize)) - 1
		st.GPRs[svm.GPRRAX] = st.GPRs[svm.GPRRAX]&^mask | binary.LittleEndian.Uint64(buf[:])&mask
	}

	st.GPRs[svm.GPRRIP] = e.NextRIP

	return v.SetState(svm.StateGPRs, st)
}

func (m *Machine) memoryError(i int, e *svm.MemExit) error {
	insn := "?"

	if st, err := m.vcpus[i].GetState(svm.StateSegs | svm.StateGPRs | svm.StateMSRs); err == nil {
		if d, err := x86asm.Decode(e.InstBytes[:e.InstLen], mode(st)); err == nil {
			insn = Asm(&d, st.GPRs[svm.GPRRIP])
		}
	}

	return fmt.Errorf("vcpu %d: %w: %v access to %#x by %s", i, errUnexpectedExit, e.Prot, e.GPA, insn)
}

// mode returns the decoding width of the code segment.
func mode(st *svm.State) int {
	cs := st.Segs[svm.SegCS].Attrib

	switch {
	case st.MSRs[svm.MSREFER]&EFERxLMA != 0 && cs.L:
		return 64
	case cs.DB:
		return 32
	}

	return 16
}

// register routes the ports of d to it.
func (m *Machine) register(d device.IODevice) {
	for port := d.IOPort(); port < d.IOPort()+d.Size(); port++ {
		m.ioportHandlers[port][dirIn] = func(_ *Machine, port uint64, bytes []byte) error {
			return d.Read(port, bytes)
		}
		m.ioportHandlers[port][dirOut] = func(_ *Machine, port uint64, bytes []byte) error {
			return d.Write(port, bytes)
		}
	}
}

func (m *Machine) initIOPortHandlers(console io.Writer) {
	funcNone := func(m *Machine, port uint64, bytes []byte) error {
		return nil
	}

	funcError := func(m *Machine, port uint64, bytes []byte) error {
		return fmt.Errorf("%w: unexpected io port %#x", errUnexpectedExit, port)
	}

	// default handler
	for port := 0; port < 0x10000; port++ {
		for dir := dirIn; dir <= dirOut; dir++ {
			m.ioportHandlers[port][dir] = funcError
		}
	}

	for dir := dirIn; dir <= dirOut; dir++ {
		// DMA Page Registers (Commonly 74L612 Chip)
		for port := 0x81; port <= 0x9f; port++ {
			m.ioportHandlers[port][dir] = funcNone
		}
	}

	// VGA, CMOS clock, serial ports 2 to 4 and PCI mechanism #2 are absent.
	for _, d := range []*iodev.NoopDevice{
		{Port: 0x3c0, Psize: 0x1b},
		{Port: 0x3b4, Psize: 0x2},
		{Port: 0x70, Psize: 0x2},
		{Port: 0x2f8, Psize: 0x8},
		{Port: 0x3e8, Psize: 0x8},
		{Port: 0x2e8, Psize: 0x8},
		{Port: 0xc000, Psize: 0x1000},
	} {
		m.register(d)
	}

	// PS/2 Keyboard (Always 8042 Chip)
	for port := 0x60; port <= 0x6f; port++ {
		m.ioportHandlers[port][dirIn] = func(m *Machine, port uint64, bytes []byte) error {
			// Status register: system flag set, both buffers empty.
			// https://wiki.osdev.org/%228042%22_PS/2_Controller
			bytes[0] = 0x20

			return nil
		}
		m.ioportHandlers[port][dirOut] = funcNone
	}

	m.register(device.NewPostCodeDevice(console))
	m.register(iodev.NewACPIShutDownDevice(m.Stop, m.Stop))
	m.register(m.serial)
}
