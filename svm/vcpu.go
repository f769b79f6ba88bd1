package svm

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/log"
)

const (
	iopmPages  = 3
	msrpmPages = 2

	defaultPAT = 0x0007040600070406
)

// VCPU is one virtual processor. Run must not be called concurrently on
// the same VCPU; all other methods must not race with Run.
type VCPU struct {
	machine *Machine
	hw      Hardware
	id      int

	vmcbPage Pages
	iopm     Pages
	msrpm    Pages
	xsave    Pages
	hostFPU  Pages
	vmcb     *VMCB

	// gprs holds the registers the VMCB does not save.
	gprs [16]uint64
	// drs holds guest DR0-DR3; DR6 and DR7 live in the VMCB.
	drs [4]uint64

	gxcr0          uint64
	gtsc           uint64
	gtscWantUpdate bool

	asid       uint32
	sharedASID bool

	tlbGen        uint64
	lastCPU       int
	gtlbWantFlush bool

	intWindowExit bool
	nmiWindowExit bool
	evtPending    bool

	staged     State
	stagedMask StateMask

	event        uint64
	eventPending bool

	cpuidOverrides []CPUIDOverride
	tprPassthrough bool

	stop    atomicbitops.Bool
	running atomicbitops.Bool

	// Host state swapped around each entry.
	hostDRs  [4]uint64
	hostXCR0 uint64
}

// CreateVCPU allocates the VMCB and permission maps of a new VCPU and puts
// it in the architectural reset state.
func (m *Machine) CreateVCPU() (*VCPU, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := -1

	for i := 0; i < MaxVCPUs; i++ {
		if _, ok := m.vcpus[i]; !ok {
			id = i

			break
		}
	}

	if id < 0 {
		return nil, fmt.Errorf("machine has %d vcpus: %w", MaxVCPUs, ErrBusy)
	}

	e := m.engine
	v := &VCPU{
		machine:        m,
		hw:             e.hw,
		id:             id,
		lastCPU:        -1,
		tprPassthrough: true,
	}

	cu := cleanup.Make(func() {})
	defer cu.Clean()

	for _, a := range []struct {
		dst *Pages
		n   int
	}{
		{&v.vmcbPage, 1},
		{&v.iopm, iopmPages},
		{&v.msrpm, msrpmPages},
		{&v.xsave, 1},
		{&v.hostFPU, 1},
	} {
		p, err := e.hw.AllocPages(a.n)
		if err != nil {
			return nil, fmt.Errorf("vcpu %d: %w", id, err)
		}

		clear(p.Data)
		*a.dst = p

		cu.Add(func() { e.hw.FreePages(p) })
	}

	v.vmcb = VMCBAt(v.vmcbPage.Data)
	v.asid, v.sharedASID = e.asids.alloc()
	cu.Add(func() { e.asids.free(v.asid, v.sharedASID) })

	v.initControl()

	st := resetState()
	v.staged = *st
	v.stagedMask = StateAll

	v.commitState()

	m.vcpus[id] = v
	cu.Release()

	if v.sharedASID {
		log.Warningf("svm: vcpu %d uses the shared asid %d, every entry flushes", id, v.asid)
	}

	return v, nil
}

// DestroyVCPU releases v. v must not be running.
func (m *Machine) DestroyVCPU(v *VCPU) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.vcpus[v.id] != v {
		return ErrNotFound
	}

	if !v.running.CompareAndSwap(false, true) {
		return fmt.Errorf("vcpu %d is running: %w", v.id, ErrBusy)
	}

	delete(m.vcpus, v.id)

	e := m.engine
	e.asids.free(v.asid, v.sharedASID)

	for _, p := range []Pages{v.vmcbPage, v.iopm, v.msrpm, v.xsave, v.hostFPU} {
		e.hw.FreePages(p)
	}

	v.vmcb = nil

	return nil
}

// ID returns the index of v within its machine.
func (v *VCPU) ID() int { return v.id }

// ASID returns the ASID of v and whether it is the shared one.
func (v *VCPU) ASID() (uint32, bool) { return v.asid, v.sharedASID }

func (v *VCPU) initControl() {
	c := &v.vmcb.Control

	for _, i := range []Intercept{
		InterceptExcMC,
		InterceptINTR, InterceptNMI, InterceptSMI, InterceptINIT,
		InterceptRDPMC, InterceptCPUID, InterceptRSM, InterceptHLT,
		InterceptINVLPGA, InterceptIOIOProt, InterceptMSRProt,
		InterceptFERRFreeze, InterceptShutdown,
		InterceptVMRUN, InterceptVMMCALL, InterceptVMLOAD, InterceptVMSAVE,
		InterceptSTGI, InterceptCLGI, InterceptSKINIT, InterceptRDTSCP,
		InterceptICEBP, InterceptMONITOR, InterceptMWAIT, InterceptMWAITC,
		InterceptXSETBV, InterceptRDPRU,
		InterceptINVLPGB, InterceptINVLPGBI, InterceptINVPCID,
		InterceptMCOMMIT, InterceptTLBSYNC,
	} {
		c.SetIntercept(i)
	}

	// Every port exits.
	for i := range v.iopm.Data {
		v.iopm.Data[i] = 0xff
	}

	initMSRPM(v.msrpm.Data)

	c.IOPMBase = v.iopm.PA
	c.MSRPMBase = v.msrpm.PA
	c.ASID = v.asid
	c.NestedCtl = NestedCtlNP
	c.NestedCR3 = v.machine.root
	c.IntCtl = IntCtlVIntrMasking
	c.Clean = 0

	v.gtlbWantFlush = true
}

// resetState is the architectural state after INIT.
func resetState() *State {
	st := &State{}

	data := Segment{
		Limit:  0xffff,
		Attrib: SegmentAttrib{Type: 3, S: true, P: true},
	}
	for _, i := range []int{SegES, SegSS, SegDS, SegFS, SegGS} {
		st.Segs[i] = data
	}

	st.Segs[SegCS] = Segment{
		Selector: 0xf000,
		Base:     0xffff0000,
		Limit:    0xffff,
		Attrib:   SegmentAttrib{Type: 0xb, S: true, P: true},
	}
	st.Segs[SegGDT] = Segment{Limit: 0xffff}
	st.Segs[SegIDT] = Segment{Limit: 0xffff}
	st.Segs[SegLDT] = Segment{Limit: 0xffff, Attrib: SegmentAttrib{Type: 2, P: true}}
	st.Segs[SegTR] = Segment{Limit: 0xffff, Attrib: SegmentAttrib{Type: 3, P: true}}

	st.GPRs[GPRRIP] = 0xfff0
	st.GPRs[GPRRFLAGS] = rflagsFixed

	st.CRs[CR0] = cr0CD | cr0NW | cr0ET
	st.CRs[XCR0] = XCR0X87

	st.DRs[DR6] = 0xffff0ff0
	st.DRs[DR7] = 0x400

	st.MSRs[MSRPAT] = defaultPAT

	st.FPU.FCW = 0x37f
	st.FPU.MXCSR = 0x1f80
	st.FPU.MXCSRMask = 0xffbf

	return st
}

// EventType selects how an injected vector is delivered.
type EventType uint8

const (
	EventException EventType = iota
	EventInterrupt
)

// Event is an exception or external interrupt to deliver on the next entry.
type Event struct {
	Type      EventType
	Vector    uint8
	ErrorCode uint32
}

// exceptionHasError reports whether the processor pushes an error code.
func exceptionHasError(vector uint8) bool {
	switch vector {
	case 8, 10, 11, 12, 13, 14, 17, 30:
		return true
	}

	return false
}

// Inject queues ev for the next entry. Vectors the hardware cannot deliver
// as the requested type are rejected without touching the VCPU, and so is
// any event while an earlier one has not been delivered yet (ErrBusy).
func (v *VCPU) Inject(ev Event) error {
	if v.eventPending || v.evtPending {
		return fmt.Errorf("vcpu %d: event %#x not delivered yet: %w", v.id, v.pendingEvent(), ErrBusy)
	}

	var inj uint64

	switch ev.Type {
	case EventException:
		// NMI, breakpoint and #DE have dedicated delivery paths.
		if ev.Vector == 0 || ev.Vector == 2 || ev.Vector == 3 || ev.Vector >= 32 {
			return fmt.Errorf("exception vector %d: %w", ev.Vector, ErrInvalidEvent)
		}

		inj = MakeEvent(ev.Vector, EventTypeException, exceptionHasError(ev.Vector), ev.ErrorCode)
	case EventInterrupt:
		if ev.Vector == 2 {
			inj = MakeEvent(ev.Vector, EventTypeNMI, false, 0)
		} else {
			inj = MakeEvent(ev.Vector, EventTypeIntr, false, 0)
		}
	default:
		return fmt.Errorf("event type %d: %w", ev.Type, ErrInvalidEvent)
	}

	v.event = inj
	v.eventPending = true

	return nil
}

func (v *VCPU) pendingEvent() uint64 {
	if v.eventPending {
		return v.event
	}

	return v.vmcb.Control.EventInj
}

// commitEvent moves a queued event into the VMCB.
func (v *VCPU) commitEvent() {
	if !v.eventPending {
		return
	}

	v.vmcb.Control.EventInj = v.event
	v.eventPending = false
	v.evtPending = true
}

// injectFault makes the next entry deliver an exception raised by an exit
// handler.
func (v *VCPU) injectFault(vector uint8, errCode uint32) {
	v.vmcb.Control.EventInj = MakeEvent(vector, EventTypeException, exceptionHasError(vector), errCode)
	v.evtPending = true
}

const (
	vectorUD = 6
	vectorGP = 13
)

// SetTPRPassthrough selects whether guest CR8 writes stay in hardware
// (true, the default) or exit with ExitTPRChanged.
func (v *VCPU) SetTPRPassthrough(on bool) {
	v.tprPassthrough = on

	if on {
		v.vmcb.Control.ClearIntercept(InterceptCR8Write)
	} else {
		v.vmcb.Control.SetIntercept(InterceptCR8Write)
	}

	v.dirty(CleanIntercepts | CleanTPR)
}

// RequestStop makes the current or next Run return at the end of its
// iteration. It is safe to call from any goroutine.
func (v *VCPU) RequestStop() {
	v.stop.Store(true)
}

// dirty marks VMCB groups the processor must reload.
func (v *VCPU) dirty(bits uint32) {
	v.vmcb.Control.Clean &^= bits
}

func (v *VCPU) setIntWindow(on bool) {
	c := &v.vmcb.Control
	if on {
		c.SetIntercept(InterceptVINTR)
		c.IntCtl |= IntCtlVIRQ | IntCtlVIgnTPR
	} else {
		c.ClearIntercept(InterceptVINTR)
		c.IntCtl &^= IntCtlVIRQ | IntCtlVIgnTPR
	}

	v.intWindowExit = on
	v.dirty(CleanIntercepts | CleanTPR)
}

func (v *VCPU) setNMIWindow(on bool) {
	if on {
		v.vmcb.Control.SetIntercept(InterceptIRET)
	} else {
		v.vmcb.Control.ClearIntercept(InterceptIRET)
	}

	v.nmiWindowExit = on
	v.dirty(CleanIntercepts)
}
