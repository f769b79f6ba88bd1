package svm

import "gvisor.dev/gvisor/pkg/log"

type exitHandler func(v *VCPU, exit *Exit)

var exitHandlers map[ExitCode]exitHandler

func init() {
	exitHandlers = map[ExitCode]exitHandler{
		ExitCodeINTR:     exitResolved,
		ExitCodeNMI:      exitResolved,
		ExitCodeSMI:      exitResolved,
		ExitCodeINIT:     exitResolved,
		ExitCodeExcMC:    exitResolved,
		ExitCodeVINTR:    (*VCPU).exitVINTR,
		ExitCodeIRET:     (*VCPU).exitIRET,
		ExitCodeCPUID:    (*VCPU).exitCPUID,
		ExitCodeHLT:      (*VCPU).exitHLT,
		ExitCodeIOIO:     (*VCPU).exitIO,
		ExitCodeMSR:      (*VCPU).exitMSR,
		ExitCodeXSETBV:   (*VCPU).exitXSETBV,
		ExitCodeNPF:      (*VCPU).exitNPF,
		ExitCodeCR8Write: (*VCPU).exitCR8Write,
		ExitCodeShutdown: exitShutdown,
	}

	for _, c := range []ExitCode{
		ExitCodeRDPMC, ExitCodeRSM, ExitCodeINVLPGA, ExitCodeFERRFreeze,
		ExitCodeVMRUN, ExitCodeVMMCALL, ExitCodeVMLOAD, ExitCodeVMSAVE,
		ExitCodeSTGI, ExitCodeCLGI, ExitCodeSKINIT, ExitCodeRDTSCP,
		ExitCodeICEBP, ExitCodeMONITOR, ExitCodeMWAIT, ExitCodeMWAITC,
		ExitCodeRDPRU, ExitCodeINVLPGB, ExitCodeINVLPGBIllegal,
		ExitCodeINVPCID, ExitCodeMCOMMIT, ExitCodeTLBSYNC,
	} {
		exitHandlers[c] = (*VCPU).exitUD
	}
}

// dispatch resolves the exit stored in the VMCB.
func (v *VCPU) dispatch(exit *Exit) {
	code := v.vmcb.Control.ExitCode

	h, ok := exitHandlers[code]
	if !ok {
		log.Warningf("svm: vcpu %d: unexpected exit %v info1 %#x info2 %#x",
			v.id, code, v.vmcb.Control.ExitInfo1, v.vmcb.Control.ExitInfo2)

		exit.Reason = ExitInvalid
		exit.Invalid = InvalidExit{Code: code, Entry: code == ExitCodeInvalid}

		return
	}

	h(v, exit)
}

// advance retires the intercepted instruction.
func (v *VCPU) advance() {
	v.vmcb.State.RIP = v.vmcb.Control.NextRIP
	v.vmcb.Control.IntState &^= IntStateShadow
}

func exitResolved(_ *VCPU, exit *Exit) {
	exit.Reason = ExitNone
}

func exitShutdown(_ *VCPU, exit *Exit) {
	exit.Reason = ExitShutdown
}

// exitUD rejects instructions the guest was told it does not have.
func (v *VCPU) exitUD(exit *Exit) {
	v.injectFault(vectorUD, 0)
	exit.Reason = ExitNone
}

func (v *VCPU) exitVINTR(exit *Exit) {
	v.setIntWindow(false)
	exit.Reason = ExitIntReady
}

func (v *VCPU) exitIRET(exit *Exit) {
	v.setNMIWindow(false)
	exit.Reason = ExitNMIReady
}

func (v *VCPU) exitHLT(exit *Exit) {
	ie := v.vmcb.State.RFLAGS&rflagsIF != 0
	if ie && v.intWindowExit {
		v.setIntWindow(false)
	}

	v.advance()

	exit.Reason = ExitHalted
	exit.Halt = HaltExit{InterruptsEnabled: ie}
}

func (v *VCPU) exitIO(exit *Exit) {
	c := &v.vmcb.Control
	info := c.ExitInfo1

	io := IOExit{
		Port:    uint16(info >> IOInfoPortShift),
		In:      info&IOInfoIn != 0,
		Seg:     -1,
		Rep:     info&IOInfoRep != 0,
		Str:     info&IOInfoStr != 0,
		NextRIP: c.ExitInfo2,
	}

	switch {
	case info&IOInfoSz32 != 0:
		io.OperandSize = 4
	case info&IOInfoSz16 != 0:
		io.OperandSize = 2
	default:
		io.OperandSize = 1
	}

	switch {
	case info&IOInfoA64 != 0:
		io.AddressSize = 8
	case info&IOInfoA32 != 0:
		io.AddressSize = 4
	default:
		io.AddressSize = 2
	}

	if io.Str {
		io.Seg = ioSegment(int(info >> IOInfoSegShift & IOInfoSegMask))
	}

	if !io.In {
		io.Data = v.vmcb.State.RAX & (1<<(8*uint(io.OperandSize)) - 1)
	}

	exit.Reason = ExitIO
	exit.IO = io
}

// ioSegment converts the hardware segment number (ES, CS, SS, DS, FS, GS)
// to a segment index.
func ioSegment(n int) int {
	return [...]int{SegES, SegCS, SegSS, SegDS, SegFS, SegGS, SegDS, SegDS}[n]
}

func (v *VCPU) exitNPF(exit *Exit) {
	c := &v.vmcb.Control

	m := MemExit{
		GPA:     c.ExitInfo2,
		InstLen: c.InsnLen,
	}

	switch {
	case c.ExitInfo1&NPFExec != 0:
		m.Prot = ProtExec
	case c.ExitInfo1&NPFWrite != 0:
		m.Prot = ProtWrite
	default:
		m.Prot = ProtRead
	}

	if m.InstLen > uint8(len(m.InstBytes)) {
		m.InstLen = uint8(len(m.InstBytes))
	}

	copy(m.InstBytes[:], c.InsnBytes[:m.InstLen])

	exit.Reason = ExitMemory
	exit.Mem = m
}

func (v *VCPU) exitXSETBV(exit *Exit) {
	s := &v.vmcb.State
	mask := v.machine.engine.xcr0Mask
	val := s.RAX&0xffffffff | v.gprs[GPRRDX]<<32

	exit.Reason = ExitNone

	switch {
	case uint32(v.gprs[GPRRCX]) != 0,
		s.CPL != 0,
		val&^mask != 0,
		val&XCR0X87 == 0,
		val&XCR0AVX != 0 && val&XCR0SSE == 0:
		v.injectFault(vectorGP, 0)

		return
	}

	v.gxcr0 = val
	v.advance()
}

// exitCR8Write handles a TPR write while passthrough is off. With decode
// assists EXITINFO1 names the source register.
func (v *VCPU) exitCR8Write(exit *Exit) {
	c := &v.vmcb.Control
	if c.ExitInfo1&(1<<63) == 0 {
		v.injectFault(vectorUD, 0)
		exit.Reason = ExitNone

		return
	}

	var val uint64

	switch gpr := int(c.ExitInfo1 & 0xf); gpr {
	case GPRRAX:
		val = v.vmcb.State.RAX
	case GPRRSP:
		val = v.vmcb.State.RSP
	default:
		val = v.gprs[gpr]
	}

	old := c.VTPR()
	c.SetVTPR(val)
	v.dirty(CleanTPR)
	v.advance()

	exit.Reason = ExitTPRChanged
	exit.TPR = TPRExit{Old: old, New: c.VTPR()}
}
