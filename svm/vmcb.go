package svm

import (
	"fmt"
	"unsafe"
)

// PageSize is the size of the VMCB, the host-save area and the unit of
// every engine allocation.
const PageSize = 0x1000

// Intercept names one bit of the intercept vectors at the start of the
// control area. The upper bits select the 32-bit word and the low five bits
// the bit within it.
type Intercept uint32

const (
	interceptWordCR    = 0
	interceptWordDR    = 1
	interceptWordExc   = 2
	interceptWordMisc1 = 3
	interceptWordMisc2 = 4
	interceptWordMisc3 = 5
)

func intercept(word, bit uint32) Intercept { return Intercept(word<<5 | bit) }

var (
	InterceptCR8Write = intercept(interceptWordCR, 16+8)
	InterceptExcMC    = intercept(interceptWordExc, 18)

	InterceptINTR       = intercept(interceptWordMisc1, 0)
	InterceptNMI        = intercept(interceptWordMisc1, 1)
	InterceptSMI        = intercept(interceptWordMisc1, 2)
	InterceptINIT       = intercept(interceptWordMisc1, 3)
	InterceptVINTR      = intercept(interceptWordMisc1, 4)
	InterceptRDPMC      = intercept(interceptWordMisc1, 15)
	InterceptCPUID      = intercept(interceptWordMisc1, 18)
	InterceptRSM        = intercept(interceptWordMisc1, 19)
	InterceptIRET       = intercept(interceptWordMisc1, 20)
	InterceptHLT        = intercept(interceptWordMisc1, 24)
	InterceptINVLPGA    = intercept(interceptWordMisc1, 26)
	InterceptIOIOProt   = intercept(interceptWordMisc1, 27)
	InterceptMSRProt    = intercept(interceptWordMisc1, 28)
	InterceptFERRFreeze = intercept(interceptWordMisc1, 30)
	InterceptShutdown   = intercept(interceptWordMisc1, 31)

	InterceptVMRUN    = intercept(interceptWordMisc2, 0)
	InterceptVMMCALL  = intercept(interceptWordMisc2, 1)
	InterceptVMLOAD   = intercept(interceptWordMisc2, 2)
	InterceptVMSAVE   = intercept(interceptWordMisc2, 3)
	InterceptSTGI     = intercept(interceptWordMisc2, 4)
	InterceptCLGI     = intercept(interceptWordMisc2, 5)
	InterceptSKINIT   = intercept(interceptWordMisc2, 6)
	InterceptRDTSCP   = intercept(interceptWordMisc2, 7)
	InterceptICEBP    = intercept(interceptWordMisc2, 8)
	InterceptMONITOR  = intercept(interceptWordMisc2, 10)
	InterceptMWAIT    = intercept(interceptWordMisc2, 11)
	InterceptMWAITC   = intercept(interceptWordMisc2, 12)
	InterceptXSETBV   = intercept(interceptWordMisc2, 13)
	InterceptRDPRU    = intercept(interceptWordMisc2, 14)
	InterceptINVLPGB  = intercept(interceptWordMisc3, 0)
	InterceptINVLPGBI = intercept(interceptWordMisc3, 1)
	InterceptINVPCID  = intercept(interceptWordMisc3, 2)
	InterceptMCOMMIT  = intercept(interceptWordMisc3, 3)
	InterceptTLBSYNC  = intercept(interceptWordMisc3, 4)
)

// TLB_CONTROL values.
const (
	TLBControlNone       = 0x0
	TLBControlFlushAll   = 0x1
	TLBControlFlushGuest = 0x3
)

// VMCB clean bits. A set bit tells the processor that the cached copy of
// the group is still valid.
const (
	CleanIntercepts = 1 << 0
	CleanIOPM       = 1 << 1
	CleanASID       = 1 << 2
	CleanTPR        = 1 << 3
	CleanNP         = 1 << 4
	CleanCR         = 1 << 5
	CleanDR         = 1 << 6
	CleanDT         = 1 << 7
	CleanSeg        = 1 << 8
	CleanCR2        = 1 << 9
	CleanLBR        = 1 << 10
	CleanAVIC       = 1 << 11

	CleanAll = 1<<12 - 1
)

// int_ctl fields.
const (
	IntCtlVTPRMask     = 0xff
	IntCtlVIRQ         = 1 << 8
	IntCtlVIntrPrio    = 0xf << 16
	IntCtlVIgnTPR      = 1 << 20
	IntCtlVIntrMasking = 1 << 24
)

// int_state fields.
const (
	IntStateShadow = 1 << 0
)

// EVENTINJ and EXITINTINFO share this format.
const (
	EventVectorMask = 0xff
	EventTypeShift  = 8
	EventErrorValid = 1 << 11
	EventValid      = 1 << 31
	EventErrorShift = 32

	EventTypeIntr      = 0
	EventTypeNMI       = 2
	EventTypeException = 3
	EventTypeSoftIntr  = 4
)

// NestedCtlNP enables nested paging.
const NestedCtlNP = 1 << 0

// ExitCode is the value the processor stores in EXITCODE.
type ExitCode uint64

const (
	ExitCodeCR8Write       ExitCode = 0x18
	ExitCodeExcUD          ExitCode = 0x46
	ExitCodeExcMC          ExitCode = 0x52
	ExitCodeINTR           ExitCode = 0x60
	ExitCodeNMI            ExitCode = 0x61
	ExitCodeSMI            ExitCode = 0x62
	ExitCodeINIT           ExitCode = 0x63
	ExitCodeVINTR          ExitCode = 0x64
	ExitCodeRDTSC          ExitCode = 0x6e
	ExitCodeRDPMC          ExitCode = 0x6f
	ExitCodeCPUID          ExitCode = 0x72
	ExitCodeRSM            ExitCode = 0x73
	ExitCodeIRET           ExitCode = 0x74
	ExitCodeHLT            ExitCode = 0x78
	ExitCodeINVLPGA        ExitCode = 0x7a
	ExitCodeIOIO           ExitCode = 0x7b
	ExitCodeMSR            ExitCode = 0x7c
	ExitCodeFERRFreeze     ExitCode = 0x7e
	ExitCodeShutdown       ExitCode = 0x7f
	ExitCodeVMRUN          ExitCode = 0x80
	ExitCodeVMMCALL        ExitCode = 0x81
	ExitCodeVMLOAD         ExitCode = 0x82
	ExitCodeVMSAVE         ExitCode = 0x83
	ExitCodeSTGI           ExitCode = 0x84
	ExitCodeCLGI           ExitCode = 0x85
	ExitCodeSKINIT         ExitCode = 0x86
	ExitCodeRDTSCP         ExitCode = 0x87
	ExitCodeICEBP          ExitCode = 0x88
	ExitCodeMONITOR        ExitCode = 0x8a
	ExitCodeMWAIT          ExitCode = 0x8b
	ExitCodeMWAITC         ExitCode = 0x8c
	ExitCodeXSETBV         ExitCode = 0x8d
	ExitCodeRDPRU          ExitCode = 0x8e
	ExitCodeINVLPGB        ExitCode = 0xa0
	ExitCodeINVLPGBIllegal ExitCode = 0xa1
	ExitCodeINVPCID        ExitCode = 0xa2
	ExitCodeMCOMMIT        ExitCode = 0xa3
	ExitCodeTLBSYNC        ExitCode = 0xa4
	ExitCodeNPF            ExitCode = 0x400
	ExitCodeInvalid        ExitCode = 0xffffffffffffffff
)

var exitCodeNames = map[ExitCode]string{
	ExitCodeCR8Write:       "CR8_WRITE",
	ExitCodeExcUD:          "EXCP_UD",
	ExitCodeExcMC:          "EXCP_MC",
	ExitCodeINTR:           "INTR",
	ExitCodeNMI:            "NMI",
	ExitCodeSMI:            "SMI",
	ExitCodeINIT:           "INIT",
	ExitCodeVINTR:          "VINTR",
	ExitCodeRDTSC:          "RDTSC",
	ExitCodeRDPMC:          "RDPMC",
	ExitCodeCPUID:          "CPUID",
	ExitCodeRSM:            "RSM",
	ExitCodeIRET:           "IRET",
	ExitCodeHLT:            "HLT",
	ExitCodeINVLPGA:        "INVLPGA",
	ExitCodeIOIO:           "IOIO",
	ExitCodeMSR:            "MSR",
	ExitCodeFERRFreeze:     "FERR_FREEZE",
	ExitCodeShutdown:       "SHUTDOWN",
	ExitCodeVMRUN:          "VMRUN",
	ExitCodeVMMCALL:        "VMMCALL",
	ExitCodeVMLOAD:         "VMLOAD",
	ExitCodeVMSAVE:         "VMSAVE",
	ExitCodeSTGI:           "STGI",
	ExitCodeCLGI:           "CLGI",
	ExitCodeSKINIT:         "SKINIT",
	ExitCodeRDTSCP:         "RDTSCP",
	ExitCodeICEBP:          "ICEBP",
	ExitCodeMONITOR:        "MONITOR",
	ExitCodeMWAIT:          "MWAIT",
	ExitCodeMWAITC:         "MWAIT_CONDITIONAL",
	ExitCodeXSETBV:         "XSETBV",
	ExitCodeRDPRU:          "RDPRU",
	ExitCodeINVLPGB:        "INVLPGB",
	ExitCodeINVLPGBIllegal: "INVLPGB_ILLEGAL",
	ExitCodeINVPCID:        "INVPCID",
	ExitCodeMCOMMIT:        "MCOMMIT",
	ExitCodeTLBSYNC:        "TLBSYNC",
	ExitCodeNPF:            "NPF",
	ExitCodeInvalid:        "INVALID",
}

func (c ExitCode) String() string {
	if s, ok := exitCodeNames[c]; ok {
		return s
	}

	return fmt.Sprintf("ExitCode(%#x)", uint64(c))
}

// IOIO EXITINFO1 fields.
const (
	IOInfoIn        = 1 << 0
	IOInfoStr       = 1 << 2
	IOInfoRep       = 1 << 3
	IOInfoSz8       = 1 << 4
	IOInfoSz16      = 1 << 5
	IOInfoSz32      = 1 << 6
	IOInfoA16       = 1 << 7
	IOInfoA32       = 1 << 8
	IOInfoA64       = 1 << 9
	IOInfoSegShift  = 10
	IOInfoSegMask   = 0x7
	IOInfoPortShift = 16
)

// NPF EXITINFO1 fields (page-fault error code format).
const (
	NPFPresent = 1 << 0
	NPFWrite   = 1 << 1
	NPFUser    = 1 << 2
	NPFExec    = 1 << 4
)

// VMCBControl is the control area, the first 0x400 bytes of the VMCB.
type VMCBControl struct {
	Intercepts  [6]uint32
	_           [0x3c - 0x18]byte
	PauseThresh uint16
	PauseCount  uint16
	IOPMBase    uint64
	MSRPMBase   uint64
	TSCOffset   uint64
	ASID        uint32
	TLBControl  uint8
	_           [3]byte
	IntCtl      uint32
	IntVector   uint32
	IntState    uint64
	ExitCode    ExitCode
	ExitInfo1   uint64
	ExitInfo2   uint64
	ExitIntInfo uint64
	NestedCtl   uint64
	AVICBar     uint64
	GHCB        uint64
	EventInj    uint64
	NestedCR3   uint64
	VirtExt     uint64
	Clean       uint32
	_           uint32
	NextRIP     uint64
	InsnLen     uint8
	InsnBytes   [15]byte
	_           [0x400 - 0xe0]byte
}

// VMCBSegment is a segment register in the save area. Attrib is the
// 12-bit packed form of the descriptor attributes.
type VMCBSegment struct {
	Selector uint16
	Attrib   uint16
	Limit    uint32
	Base     uint64
}

// VMCBState is the state save area at offset 0x400.
type VMCBState struct {
	ES           VMCBSegment
	CS           VMCBSegment
	SS           VMCBSegment
	DS           VMCBSegment
	FS           VMCBSegment
	GS           VMCBSegment
	GDTR         VMCBSegment
	LDTR         VMCBSegment
	IDTR         VMCBSegment
	TR           VMCBSegment
	_            [0xcb - 0xa0]byte
	CPL          uint8
	_            [4]byte
	EFER         uint64
	_            [0x148 - 0xd8]byte
	CR4          uint64
	CR3          uint64
	CR0          uint64
	DR7          uint64
	DR6          uint64
	RFLAGS       uint64
	RIP          uint64
	_            [0x1d8 - 0x180]byte
	RSP          uint64
	_            [0x1f8 - 0x1e0]byte
	RAX          uint64
	STAR         uint64
	LSTAR        uint64
	CSTAR        uint64
	SFMASK       uint64
	KernelGSBase uint64
	SysenterCS   uint64
	SysenterESP  uint64
	SysenterEIP  uint64
	CR2          uint64
	_            [0x268 - 0x248]byte
	GPAT         uint64
	DebugCtl     uint64
	BrFrom       uint64
	BrTo         uint64
	LastExcFrom  uint64
	LastExcTo    uint64
}

const vmcbStateSize = 0x298

// VMCB is the hardware control block of one virtual CPU.
type VMCB struct {
	Control VMCBControl
	State   VMCBState
	_       [PageSize - 0x400 - vmcbStateSize]byte
}

// VMCBAt overlays a VMCB on a page. The page must be at least PageSize
// bytes and must not move.
func VMCBAt(page []byte) *VMCB {
	if len(page) < PageSize {
		panic(fmt.Sprintf("vmcb page too small: %d", len(page)))
	}

	return (*VMCB)(unsafe.Pointer(&page[0]))
}

func (c *VMCBControl) SetIntercept(i Intercept) {
	c.Intercepts[i>>5] |= 1 << (i & 31)
}

func (c *VMCBControl) ClearIntercept(i Intercept) {
	c.Intercepts[i>>5] &^= 1 << (i & 31)
}

func (c *VMCBControl) Intercepted(i Intercept) bool {
	return c.Intercepts[i>>5]&(1<<(i&31)) != 0
}

// VTPR returns the virtual task priority (CR8).
func (c *VMCBControl) VTPR() uint64 {
	return uint64(c.IntCtl & IntCtlVTPRMask)
}

func (c *VMCBControl) SetVTPR(v uint64) {
	c.IntCtl = c.IntCtl&^IntCtlVTPRMask | uint32(v&0xf)
}

// MakeEvent builds an EVENTINJ value.
func MakeEvent(vector uint8, typ uint64, hasErr bool, errCode uint32) uint64 {
	ev := uint64(vector) | typ<<EventTypeShift | EventValid
	if hasErr {
		ev |= EventErrorValid | uint64(errCode)<<EventErrorShift
	}

	return ev
}

// Segment attribute bits in the packed VMCB form.
const (
	attribTypeMask = 0xf
	attribS        = 1 << 4
	attribDPLShift = 5
	attribP        = 1 << 7
	attribAVL      = 1 << 8
	attribL        = 1 << 9
	attribDB       = 1 << 10
	attribG        = 1 << 11
)

// SetSegment packs a neutral segment into s.
func (s *VMCBSegment) SetSegment(seg *Segment) {
	a := uint16(seg.Attrib.Type) & attribTypeMask
	a |= uint16(seg.Attrib.DPL&3) << attribDPLShift

	for _, f := range []struct {
		on  bool
		bit uint16
	}{
		{seg.Attrib.S, attribS},
		{seg.Attrib.P, attribP},
		{seg.Attrib.AVL, attribAVL},
		{seg.Attrib.L, attribL},
		{seg.Attrib.DB, attribDB},
		{seg.Attrib.G, attribG},
	} {
		if f.on {
			a |= f.bit
		}
	}

	s.Selector = seg.Selector
	s.Attrib = a
	s.Limit = seg.Limit
	s.Base = seg.Base
}

// Segment unpacks s into the neutral form.
func (s *VMCBSegment) Segment() Segment {
	return Segment{
		Selector: s.Selector,
		Base:     s.Base,
		Limit:    s.Limit,
		Attrib: SegmentAttrib{
			Type: uint8(s.Attrib & attribTypeMask),
			S:    s.Attrib&attribS != 0,
			DPL:  uint8(s.Attrib>>attribDPLShift) & 3,
			P:    s.Attrib&attribP != 0,
			AVL:  s.Attrib&attribAVL != 0,
			L:    s.Attrib&attribL != 0,
			DB:   s.Attrib&attribDB != 0,
			G:    s.Attrib&attribG != 0,
		},
	}
}

// segment returns the save-area slot of a neutral segment index.
func (s *VMCBState) segment(i int) *VMCBSegment {
	switch i {
	case SegES:
		return &s.ES
	case SegCS:
		return &s.CS
	case SegSS:
		return &s.SS
	case SegDS:
		return &s.DS
	case SegFS:
		return &s.FS
	case SegGS:
		return &s.GS
	case SegGDT:
		return &s.GDTR
	case SegIDT:
		return &s.IDTR
	case SegLDT:
		return &s.LDTR
	case SegTR:
		return &s.TR
	}

	panic(fmt.Sprintf("bad segment index %d", i))
}

// Segment returns the save-area segment for a neutral segment index.
func (s *VMCBState) Segment(i int) *VMCBSegment { return s.segment(i) }
