package svm

import (
	"fmt"

	"github.com/bobuhiro11/gosvm/cpuid"
)

const (
	cpuidHypervisorBase = 0x40000000
	cpuidExtendedBase   = 0x80000000

	// hypervisorVendor is returned by leaf 0x40000000 in EBX, ECX, EDX.
	hypervisorVendor = "GoSVMGoSVM  "
)

// CPUIDRegs is one value per result register.
type CPUIDRegs struct {
	EAX uint32 `yaml:"eax"`
	EBX uint32 `yaml:"ebx"`
	ECX uint32 `yaml:"ecx"`
	EDX uint32 `yaml:"edx"`
}

func (r CPUIDRegs) overlaps(o CPUIDRegs) bool {
	return r.EAX&o.EAX|r.EBX&o.EBX|r.ECX&o.ECX|r.EDX&o.EDX != 0
}

func (r CPUIDRegs) empty() bool {
	return r == CPUIDRegs{}
}

// CPUIDOverride adjusts the result of one leaf after the built-in masks.
// With Exit set the leaf is handed to the caller instead.
type CPUIDOverride struct {
	Leaf uint32    `yaml:"leaf"`
	Set  CPUIDRegs `yaml:"set"`
	Del  CPUIDRegs `yaml:"del"`
	Exit bool      `yaml:"exit"`
}

func (o *CPUIDOverride) validate() error {
	switch {
	case o.Leaf >= cpuidHypervisorBase && o.Leaf < cpuidExtendedBase:
		return fmt.Errorf("leaf %#x is reserved for the hypervisor", o.Leaf)
	case o.Leaf >= cpuidExtendedBase+0x10000000:
		return fmt.Errorf("leaf %#x out of range", o.Leaf)
	case o.Set.overlaps(o.Del):
		return fmt.Errorf("leaf %#x sets and clears the same bits", o.Leaf)
	case o.Exit && !(o.Set.empty() && o.Del.empty()):
		return fmt.Errorf("leaf %#x exits and carries masks", o.Leaf)
	}

	return nil
}

// SetCPUIDOverrides replaces the override list of v. A rejected list
// leaves the previous one in place.
func (v *VCPU) SetCPUIDOverrides(list []CPUIDOverride) error {
	if len(list) > MaxCPUIDOverrides {
		return fmt.Errorf("%d cpuid overrides, max %d: %w", len(list), MaxCPUIDOverrides, ErrInvalidConfig)
	}

	seen := make(map[uint32]bool, len(list))

	for i := range list {
		if err := list[i].validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}

		if seen[list[i].Leaf] {
			return fmt.Errorf("leaf %#x listed twice: %w", list[i].Leaf, ErrInvalidConfig)
		}

		seen[list[i].Leaf] = true
	}

	v.cpuidOverrides = append([]CPUIDOverride(nil), list...)

	return nil
}

// clampLeaf maps out-of-range leaves to the highest basic leaf, which is
// what the processor does for leaves above its maximum.
func (e *Engine) clampLeaf(leaf uint32) uint32 {
	switch {
	case leaf < cpuidHypervisorBase:
		if leaf > e.maxBasic {
			return e.maxBasic
		}
	case leaf < cpuidExtendedBase:
		if leaf > cpuidHypervisorBase {
			return e.maxBasic
		}
	default:
		if leaf > e.maxExtended {
			return e.maxBasic
		}
	}

	return leaf
}

// Feature bits hidden from or forced on for the guest. OSXSAVE is
// recomputed from guest CR4.
const (
	cpuid1ECXHidden = 1<<cpuid.MWAIT | 1<<cpuid.VMX | 1<<cpuid.SMX |
		1<<cpuid.EST | 1<<cpuid.TM2 | 1<<cpuid.XTPR | 1<<cpuid.PDCM |
		1<<cpuid.TSC_DEADLINE | 1<<cpuid.OSXSAVE
	cpuid1ECXOSXSAVE = 1 << cpuid.OSXSAVE
	cpuid1ECXHV      = 1 << cpuid.HYPERVISOR

	cpuid1EDXHidden = 1<<cpuid.MCE | 1<<cpuid.MCA | 1<<cpuid.DS |
		1<<cpuid.ACPI | 1<<cpuid.SELFSNOOP | 1<<cpuid.ACC | 1<<cpuid.PBE

	cpuid7EBXHidden = 1<<cpuid.SGX | 1<<cpuid.HLE | 1<<cpuid.RTM |
		1<<cpuid.CQM | 1<<cpuid.MPX | 1<<cpuid.RDT_A | 1<<cpuid.AVX512F |
		1<<cpuid.INTEL_PT
	cpuid7ECXHidden = 1<<cpuid.UMIP | 1<<cpuid.WAITPKG | 1<<cpuid.AVX512_VPOPCNTDQ
	cpuid7EDXHidden = 0xffffffff

	cpuidXSaveEAXAllowed = 1<<cpuid.XSAVEOPT | 1<<cpuid.XSAVEC | 1<<cpuid.XGETBV1

	cpuidExt1ECXHidden = 1<<cpuid.SVM | 1<<cpuid.EXTAPIC | 1<<cpuid.OSVW |
		1<<cpuid.IBS | 1<<cpuid.WDT | 1<<cpuid.LWP | 1<<cpuid.PERFCTR_CORE |
		1<<cpuid.PERFCTR_NB
	cpuidExt1EDXHidden = 1 << cpuid.RDTSCP

	cpuidExt7EDXAllowed = 1 << cpuid.INVTSC
)

// maskCPUID applies the built-in policy to a host result for leaf/subleaf.
func (v *VCPU) maskCPUID(leaf, subleaf uint32, r *CPUIDRegs) {
	e := v.machine.engine

	switch leaf {
	case 0x1:
		r.EBX = r.EBX&0x0000ffff | 1<<16 | uint32(v.id)<<24
		r.ECX &^= cpuid1ECXHidden
		r.ECX |= cpuid1ECXHV

		if v.vmcb.State.CR4&cr4OSXSAVE != 0 {
			r.ECX |= cpuid1ECXOSXSAVE
		}

		r.EDX &^= cpuid1EDXHidden
	case 0x5, 0x6:
		*r = CPUIDRegs{}
	case 0x7:
		if subleaf != 0 {
			*r = CPUIDRegs{}

			break
		}

		r.EAX = 0
		r.EBX &^= cpuid7EBXHidden
		r.ECX &^= cpuid7ECXHidden
		r.EDX &^= cpuid7EDXHidden
	case 0xd:
		switch {
		case e.xcr0Mask == 0:
			*r = CPUIDRegs{}
		case subleaf == 0:
			r.EAX = uint32(e.xcr0Mask)
			r.EDX = uint32(e.xcr0Mask >> 32)
		case subleaf == 1:
			r.EAX &= cpuidXSaveEAXAllowed
			r.EBX, r.ECX, r.EDX = 0, 0, 0
		case subleaf < 64 && e.xcr0Mask&(1<<subleaf) == 0:
			*r = CPUIDRegs{}
		}
	case cpuidHypervisorBase:
		r.EAX = cpuidHypervisorBase
		r.EBX, r.ECX, r.EDX = vendorRegs(hypervisorVendor)
	case cpuidExtFeatures:
		r.ECX &^= cpuidExt1ECXHidden
		r.EDX &^= cpuidExt1EDXHidden
	case 0x80000007:
		r.EAX, r.EBX, r.ECX = 0, 0, 0
		r.EDX &= cpuidExt7EDXAllowed
	case cpuidSVMFeatures:
		*r = CPUIDRegs{}
	}
}

func vendorRegs(s string) (ebx, ecx, edx uint32) {
	var b [12]byte

	copy(b[:], s)

	le := func(p []byte) uint32 {
		return uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16 | uint32(p[3])<<24
	}

	return le(b[0:4]), le(b[4:8]), le(b[8:12])
}

// cpuidResult computes what the guest sees for leaf/subleaf, before any
// override that exits. It has no side effect.
func (v *VCPU) cpuidResult(leaf, subleaf uint32) (CPUIDRegs, *CPUIDOverride) {
	e := v.machine.engine
	leaf = e.clampLeaf(leaf)

	var r CPUIDRegs
	if leaf != cpuidHypervisorBase {
		r.EAX, r.EBX, r.ECX, r.EDX = e.hw.CPUID(leaf, subleaf)
	}

	v.maskCPUID(leaf, subleaf, &r)

	for i := range v.cpuidOverrides {
		o := &v.cpuidOverrides[i]
		if o.Leaf != leaf {
			continue
		}

		if o.Exit {
			return r, o
		}

		r.EAX = r.EAX&^o.Del.EAX | o.Set.EAX
		r.EBX = r.EBX&^o.Del.EBX | o.Set.EBX
		r.ECX = r.ECX&^o.Del.ECX | o.Set.ECX
		r.EDX = r.EDX&^o.Del.EDX | o.Set.EDX
	}

	return r, nil
}

func (v *VCPU) exitCPUID(exit *Exit) {
	s := &v.vmcb.State
	leaf := uint32(s.RAX)
	subleaf := uint32(v.gprs[GPRRCX])

	r, o := v.cpuidResult(leaf, subleaf)

	s.RAX = uint64(r.EAX)
	v.gprs[GPRRBX] = uint64(r.EBX)
	v.gprs[GPRRCX] = uint64(r.ECX)
	v.gprs[GPRRDX] = uint64(r.EDX)

	if o != nil {
		exit.Reason = ExitCPUID
		exit.CPUID = CPUIDExit{
			Leaf:    leaf,
			Subleaf: subleaf,
			EAX:     r.EAX,
			EBX:     r.EBX,
			ECX:     r.ECX,
			EDX:     r.EDX,
			NextRIP: v.vmcb.Control.NextRIP,
		}

		return
	}

	v.advance()
	exit.Reason = ExitNone
}
