package svm

// StateMask selects groups of VCPU state for SetState and GetState.
type StateMask uint32

const (
	StateSegs StateMask = 1 << iota
	StateGPRs
	StateCRs
	StateDRs
	StateMSRs
	StateIntr
	StateFPU

	StateAll = StateSegs | StateGPRs | StateCRs | StateDRs | StateMSRs | StateIntr | StateFPU
)

// Segment indices.
const (
	SegES = iota
	SegCS
	SegSS
	SegDS
	SegFS
	SegGS
	SegGDT
	SegIDT
	SegLDT
	SegTR
	NumSegs
)

// GPR indices, in instruction-encoding order. RIP and RFLAGS follow.
const (
	GPRRAX = iota
	GPRRCX
	GPRRDX
	GPRRBX
	GPRRSP
	GPRRBP
	GPRRSI
	GPRRDI
	GPRR8
	GPRR9
	GPRR10
	GPRR11
	GPRR12
	GPRR13
	GPRR14
	GPRR15
	GPRRIP
	GPRRFLAGS
	NumGPRs
)

// Control register indices.
const (
	CR0 = iota
	CR2
	CR3
	CR4
	CR8
	XCR0
	NumCRs
)

// Debug register indices.
const (
	DR0 = iota
	DR1
	DR2
	DR3
	DR6
	DR7
	NumDRs
)

// MSR indices.
const (
	MSREFER = iota
	MSRSTAR
	MSRLSTAR
	MSRCSTAR
	MSRSFMASK
	MSRKernelGSBase
	MSRSysenterCS
	MSRSysenterESP
	MSRSysenterEIP
	MSRPAT
	MSRTSC
	NumMSRs
)

// SegmentAttrib is the unpacked descriptor attribute set.
type SegmentAttrib struct {
	Type uint8
	S    bool
	DPL  uint8
	P    bool
	AVL  bool
	L    bool
	DB   bool
	G    bool
}

type Segment struct {
	Selector uint16
	Attrib   SegmentAttrib
	Limit    uint32
	Base     uint64
}

// IntrState is the interrupt-related state. EvtPending is read-only: it
// reports whether an injected event has not been delivered yet.
type IntrState struct {
	IntShadow        bool
	IntWindowExiting bool
	NMIWindowExiting bool
	EvtPending       bool
}

// FPUState is the legacy FXSAVE image in unpacked form.
type FPUState struct {
	FCW       uint16
	FSW       uint16
	FTW       uint8
	FOP       uint16
	FIP       uint64
	FDP       uint64
	MXCSR     uint32
	MXCSRMask uint32
	ST        [8][16]byte
	XMM       [16][16]byte
}

// State is the architecture-neutral state of a virtual CPU.
type State struct {
	Segs [NumSegs]Segment
	GPRs [NumGPRs]uint64
	CRs  [NumCRs]uint64
	DRs  [NumDRs]uint64
	MSRs [NumMSRs]uint64
	Intr IntrState
	FPU  FPUState
}

// copyGroups copies the groups in mask from src into dst.
func (dst *State) copyGroups(src *State, mask StateMask) {
	if mask&StateSegs != 0 {
		dst.Segs = src.Segs
	}

	if mask&StateGPRs != 0 {
		dst.GPRs = src.GPRs
	}

	if mask&StateCRs != 0 {
		dst.CRs = src.CRs
	}

	if mask&StateDRs != 0 {
		dst.DRs = src.DRs
	}

	if mask&StateMSRs != 0 {
		dst.MSRs = src.MSRs
	}

	if mask&StateIntr != 0 {
		dst.Intr = src.Intr
	}

	if mask&StateFPU != 0 {
		dst.FPU = src.FPU
	}
}
