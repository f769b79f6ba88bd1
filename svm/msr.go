package svm

// nbCfgInitAPICCPUIDLo makes APIC IDs follow CPUID numbering.
const nbCfgInitAPICCPUIDLo = 1 << 54

// MSRPMBit locates msr in the MSR permission map. The read intercept is
// bit shift of byte off, the write intercept the next bit. MSRs outside
// the three mapped ranges always exit.
func MSRPMBit(msr uint32) (off int, shift uint, ok bool) {
	var base int

	switch {
	case msr < 0x2000:
	case msr >= 0xc0000000 && msr < 0xc0002000:
		base, msr = 0x800, msr-0xc0000000
	case msr >= 0xc0010000 && msr < 0xc0012000:
		base, msr = 0x1000, msr-0xc0010000
	default:
		return 0, 0, false
	}

	bit := msr * 2

	return base + int(bit/8), uint(bit % 8), true
}

// initMSRPM intercepts everything except the MSRs whose guest copy lives
// in the VMCB.
func initMSRPM(pm []byte) {
	for i := range pm {
		pm[i] = 0xff
	}

	pass := func(msr uint32, read, write bool) {
		off, shift, ok := MSRPMBit(msr)
		if !ok {
			return
		}

		if read {
			pm[off] &^= 1 << shift
		}

		if write {
			pm[off] &^= 1 << (shift + 1)
		}
	}

	for _, msr := range []uint32{
		MSRNumFSBase, MSRNumGSBase, MSRNumKernelGSBase,
		MSRNumSTAR, MSRNumLSTAR, MSRNumCSTAR, MSRNumSFMASK,
		MSRNumSysenterCS, MSRNumSysenterESP, MSRNumSysenterEIP,
		MSRNumPAT,
	} {
		pass(msr, true, true)
	}

	pass(MSRNumTSC, true, false)
}

type msrResult int

const (
	msrHandled msrResult = iota
	msrFault
	msrExit
)

func msrIgnored(msr uint32) bool {
	switch msr {
	case MSRNumCmpHalt, MSRNumDEConfig, MSRNumICConfig, MSRNumPatchLevel:
		return true
	}

	return false
}

func msrDenied(msr uint32) bool {
	switch msr {
	case MSRNumVMCR, MSRNumVMHsavePA, MSRNumSVMKey:
		return true
	}

	return false
}

func (v *VCPU) readMSR(msr uint32) (uint64, msrResult) {
	s := &v.vmcb.State

	switch {
	case msrDenied(msr):
		return 0, msrFault
	case msrIgnored(msr):
		return 0, msrHandled
	}

	switch msr {
	case MSRNumEFER:
		return s.EFER &^ EFERSVME, msrHandled
	case MSRNumFSBase:
		return s.FS.Base, msrHandled
	case MSRNumGSBase:
		return s.GS.Base, msrHandled
	case MSRNumKernelGSBase:
		return s.KernelGSBase, msrHandled
	case MSRNumSTAR:
		return s.STAR, msrHandled
	case MSRNumLSTAR:
		return s.LSTAR, msrHandled
	case MSRNumCSTAR:
		return s.CSTAR, msrHandled
	case MSRNumSFMASK:
		return s.SFMASK, msrHandled
	case MSRNumSysenterCS:
		return s.SysenterCS, msrHandled
	case MSRNumSysenterESP:
		return s.SysenterESP, msrHandled
	case MSRNumSysenterEIP:
		return s.SysenterEIP, msrHandled
	case MSRNumPAT:
		return s.GPAT, msrHandled
	case MSRNumTSC:
		return v.hw.RDTSC() + v.vmcb.Control.TSCOffset, msrHandled
	case MSRNumNBConfig:
		return nbCfgInitAPICCPUIDLo, msrHandled
	}

	return 0, msrExit
}

func (v *VCPU) writeMSR(msr uint32, val uint64) msrResult {
	s := &v.vmcb.State

	switch {
	case msrDenied(msr):
		return msrFault
	case msrIgnored(msr):
		return msrHandled
	}

	switch msr {
	case MSRNumEFER:
		if val&^eferValid != 0 {
			return msrFault
		}

		if (s.EFER^val)&eferTLB != 0 {
			v.gtlbWantFlush = true
		}

		s.EFER = val | EFERSVME
		v.dirty(CleanCR)
	case MSRNumFSBase:
		s.FS.Base = val
	case MSRNumGSBase:
		s.GS.Base = val
	case MSRNumKernelGSBase:
		s.KernelGSBase = val
	case MSRNumSTAR:
		s.STAR = val
	case MSRNumLSTAR:
		s.LSTAR = val
	case MSRNumCSTAR:
		s.CSTAR = val
	case MSRNumSFMASK:
		s.SFMASK = val
	case MSRNumSysenterCS:
		s.SysenterCS = val
	case MSRNumSysenterESP:
		s.SysenterESP = val
	case MSRNumSysenterEIP:
		s.SysenterEIP = val
	case MSRNumPAT:
		s.GPAT = val
		v.dirty(CleanNP)
	case MSRNumTSC:
		// Applied as an offset by the next entry, on whichever core it runs.
		v.gtsc = val
		v.gtscWantUpdate = true
	case MSRNumNBConfig:
	default:
		return msrExit
	}

	return msrHandled
}

func (v *VCPU) exitMSR(exit *Exit) {
	s := &v.vmcb.State
	msr := uint32(v.gprs[GPRRCX])
	write := v.vmcb.Control.ExitInfo1 == 1

	var (
		val uint64
		res msrResult
	)

	if write {
		val = s.RAX&0xffffffff | v.gprs[GPRRDX]<<32
		res = v.writeMSR(msr, val)
	} else {
		val, res = v.readMSR(msr)
	}

	switch res {
	case msrHandled:
		if !write {
			s.RAX = val & 0xffffffff
			v.gprs[GPRRDX] = val >> 32
		}

		v.advance()
		exit.Reason = ExitNone
	case msrFault:
		v.injectFault(vectorGP, 0)
		exit.Reason = ExitNone
	case msrExit:
		exit.Reason = ExitRDMSR
		if write {
			exit.Reason = ExitWRMSR
		}

		exit.MSR = MSRExit{
			MSR:     msr,
			Value:   val,
			NextRIP: v.vmcb.Control.NextRIP,
		}
	}
}
