package svm

import (
	"encoding/binary"
	"fmt"
)

const (
	rflagsFixed = 1 << 1
	rflagsIF    = 1 << 9

	cr0ET = 1 << 4
	cr0WP = 1 << 16
	cr0NW = 1 << 29
	cr0CD = 1 << 30
	cr0PG = 1 << 31

	cr4PSE     = 1 << 4
	cr4PAE     = 1 << 5
	cr4PGE     = 1 << 7
	cr4PCIDE   = 1 << 17
	cr4OSXSAVE = 1 << 18
	cr4SMEP    = 1 << 20

	cr0TLB = cr0PG | cr0WP | cr0CD | cr0NW
	cr4TLB = cr4PGE | cr4PAE | cr4PSE | cr4SMEP | cr4PCIDE
)

// FXSAVE image offsets inside the extended-state area.
const (
	fxFCW       = 0
	fxFSW       = 2
	fxFTW       = 4
	fxFOP       = 6
	fxFIP       = 8
	fxFDP       = 16
	fxMXCSR     = 24
	fxMXCSRMask = 28
	fxST        = 32
	fxXMM       = 160
	xstateBV    = 512
)

// SetState stages the groups of st selected by mask. They reach the VMCB
// at the next Run or GetState; a later SetState overwrites earlier values.
func (v *VCPU) SetState(mask StateMask, st *State) error {
	if mask&^StateAll != 0 {
		return fmt.Errorf("state mask %#x: %w", mask, ErrInvalidConfig)
	}

	v.staged.copyGroups(st, mask)
	v.stagedMask |= mask

	return nil
}

// GetState returns the groups selected by mask. Staged state is committed
// first so a SetState is always visible.
func (v *VCPU) GetState(mask StateMask) (*State, error) {
	if mask&^StateAll != 0 {
		return nil, fmt.Errorf("state mask %#x: %w", mask, ErrInvalidConfig)
	}

	v.commitState()

	return v.readState(mask), nil
}

func (v *VCPU) commitState() {
	if v.stagedMask == 0 {
		return
	}

	v.applyState(&v.staged, v.stagedMask)
	v.stagedMask = 0
}

// tlbChanged reports whether st changes guest state that the TLB caches.
func (v *VCPU) tlbChanged(st *State, mask StateMask) bool {
	s := &v.vmcb.State

	if mask&StateCRs != 0 {
		if (s.CR0^st.CRs[CR0])&cr0TLB != 0 || s.CR3 != st.CRs[CR3] || (s.CR4^st.CRs[CR4])&cr4TLB != 0 {
			return true
		}
	}

	if mask&StateMSRs != 0 && (s.EFER^st.MSRs[MSREFER])&eferTLB != 0 {
		return true
	}

	return false
}

func (v *VCPU) applyState(st *State, mask StateMask) {
	s := &v.vmcb.State
	c := &v.vmcb.Control

	if v.tlbChanged(st, mask) {
		v.gtlbWantFlush = true
	}

	if mask&StateSegs != 0 {
		for i := 0; i < NumSegs; i++ {
			s.segment(i).SetSegment(&st.Segs[i])
		}

		s.CPL = st.Segs[SegSS].Attrib.DPL
		v.dirty(CleanSeg | CleanDT)
	}

	if mask&StateGPRs != 0 {
		copy(v.gprs[:], st.GPRs[:16])
		s.RAX = st.GPRs[GPRRAX]
		s.RSP = st.GPRs[GPRRSP]
		s.RIP = st.GPRs[GPRRIP]
		s.RFLAGS = st.GPRs[GPRRFLAGS]
	}

	if mask&StateCRs != 0 {
		s.CR0 = st.CRs[CR0]
		s.CR2 = st.CRs[CR2]
		s.CR3 = st.CRs[CR3]
		s.CR4 = st.CRs[CR4]
		c.SetVTPR(st.CRs[CR8])

		if x := v.machine.engine.xcr0Mask; x != 0 {
			v.gxcr0 = st.CRs[XCR0]&x | XCR0X87
		}

		v.dirty(CleanCR | CleanCR2 | CleanTPR)
	}

	if mask&StateDRs != 0 {
		v.drs[0] = st.DRs[DR0]
		v.drs[1] = st.DRs[DR1]
		v.drs[2] = st.DRs[DR2]
		v.drs[3] = st.DRs[DR3]
		s.DR6 = st.DRs[DR6]
		s.DR7 = st.DRs[DR7]
		v.dirty(CleanDR)
	}

	if mask&StateMSRs != 0 {
		s.EFER = st.MSRs[MSREFER] | EFERSVME
		s.STAR = st.MSRs[MSRSTAR]
		s.LSTAR = st.MSRs[MSRLSTAR]
		s.CSTAR = st.MSRs[MSRCSTAR]
		s.SFMASK = st.MSRs[MSRSFMASK]
		s.KernelGSBase = st.MSRs[MSRKernelGSBase]
		s.SysenterCS = st.MSRs[MSRSysenterCS]
		s.SysenterESP = st.MSRs[MSRSysenterESP]
		s.SysenterEIP = st.MSRs[MSRSysenterEIP]
		s.GPAT = st.MSRs[MSRPAT]
		v.gtsc = st.MSRs[MSRTSC]
		v.gtscWantUpdate = true
		v.dirty(CleanCR | CleanNP)
	}

	if mask&StateIntr != 0 {
		if st.Intr.IntShadow {
			c.IntState |= IntStateShadow
		} else {
			c.IntState &^= IntStateShadow
		}

		if st.Intr.IntWindowExiting != v.intWindowExit {
			v.setIntWindow(st.Intr.IntWindowExiting)
		}

		if st.Intr.NMIWindowExiting != v.nmiWindowExit {
			v.setNMIWindow(st.Intr.NMIWindowExiting)
		}
	}

	if mask&StateFPU != 0 {
		putFPU(v.xsave.Data, &st.FPU)
		binary.LittleEndian.PutUint64(v.xsave.Data[xstateBV:], v.machine.engine.xcr0Mask)
	}
}

func (v *VCPU) readState(mask StateMask) *State {
	s := &v.vmcb.State
	c := &v.vmcb.Control
	st := &State{}

	if mask&StateSegs != 0 {
		for i := 0; i < NumSegs; i++ {
			st.Segs[i] = s.segment(i).Segment()
		}
	}

	if mask&StateGPRs != 0 {
		copy(st.GPRs[:16], v.gprs[:])
		st.GPRs[GPRRAX] = s.RAX
		st.GPRs[GPRRSP] = s.RSP
		st.GPRs[GPRRIP] = s.RIP
		st.GPRs[GPRRFLAGS] = s.RFLAGS
	}

	if mask&StateCRs != 0 {
		st.CRs[CR0] = s.CR0
		st.CRs[CR2] = s.CR2
		st.CRs[CR3] = s.CR3
		st.CRs[CR4] = s.CR4
		st.CRs[CR8] = c.VTPR()
		st.CRs[XCR0] = v.gxcr0
	}

	if mask&StateDRs != 0 {
		st.DRs[DR0] = v.drs[0]
		st.DRs[DR1] = v.drs[1]
		st.DRs[DR2] = v.drs[2]
		st.DRs[DR3] = v.drs[3]
		st.DRs[DR6] = s.DR6
		st.DRs[DR7] = s.DR7
	}

	if mask&StateMSRs != 0 {
		st.MSRs[MSREFER] = s.EFER &^ EFERSVME
		st.MSRs[MSRSTAR] = s.STAR
		st.MSRs[MSRLSTAR] = s.LSTAR
		st.MSRs[MSRCSTAR] = s.CSTAR
		st.MSRs[MSRSFMASK] = s.SFMASK
		st.MSRs[MSRKernelGSBase] = s.KernelGSBase
		st.MSRs[MSRSysenterCS] = s.SysenterCS
		st.MSRs[MSRSysenterESP] = s.SysenterESP
		st.MSRs[MSRSysenterEIP] = s.SysenterEIP
		st.MSRs[MSRPAT] = s.GPAT
		st.MSRs[MSRTSC] = v.gtsc
	}

	if mask&StateIntr != 0 {
		st.Intr = IntrState{
			IntShadow:        c.IntState&IntStateShadow != 0,
			IntWindowExiting: v.intWindowExit,
			NMIWindowExiting: v.nmiWindowExit,
			EvtPending:       v.evtPending,
		}
	}

	if mask&StateFPU != 0 {
		getFPU(v.xsave.Data, &st.FPU)
	}

	return st
}

func putFPU(area []byte, f *FPUState) {
	le := binary.LittleEndian

	le.PutUint16(area[fxFCW:], f.FCW)
	le.PutUint16(area[fxFSW:], f.FSW)
	area[fxFTW] = f.FTW
	le.PutUint16(area[fxFOP:], f.FOP)
	le.PutUint64(area[fxFIP:], f.FIP)
	le.PutUint64(area[fxFDP:], f.FDP)
	le.PutUint32(area[fxMXCSR:], f.MXCSR)
	le.PutUint32(area[fxMXCSRMask:], f.MXCSRMask)

	for i := range f.ST {
		copy(area[fxST+16*i:], f.ST[i][:])
	}

	for i := range f.XMM {
		copy(area[fxXMM+16*i:], f.XMM[i][:])
	}
}

func getFPU(area []byte, f *FPUState) {
	le := binary.LittleEndian

	f.FCW = le.Uint16(area[fxFCW:])
	f.FSW = le.Uint16(area[fxFSW:])
	f.FTW = area[fxFTW]
	f.FOP = le.Uint16(area[fxFOP:])
	f.FIP = le.Uint64(area[fxFIP:])
	f.FDP = le.Uint64(area[fxFDP:])
	f.MXCSR = le.Uint32(area[fxMXCSR:])
	f.MXCSRMask = le.Uint32(area[fxMXCSRMask:])

	for i := range f.ST {
		copy(f.ST[i][:], area[fxST+16*i:])
	}

	for i := range f.XMM {
		copy(f.XMM[i][:], area[fxXMM+16*i:])
	}
}
