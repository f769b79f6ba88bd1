package cpuid

import (
	"errors"
	"fmt"
	"math/bits"
)

func cpuidLow(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) // implemented in cpuid_amd64.s

func CPUID(leaf uint32) (uint32, uint32, uint32, uint32) {
	return cpuidLow(leaf, 0)
}

// CPUIDSub executes CPUID with a subleaf in ECX.
func CPUIDSub(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
	return cpuidLow(leaf, subleaf)
}

// CPUIDPatch forces one bit of one leaf on. Exactly one of the register
// bits must be given; Bit is the bit number plus one so that zero means
// unset.
type CPUIDPatch struct {
	Function uint32 `yaml:"function"`
	EAXBit   uint8  `yaml:"eax"`
	EBXBit   uint8  `yaml:"ebx"`
	ECXBit   uint8  `yaml:"ecx"`
	EDXBit   uint8  `yaml:"edx"`
}

var errInvalidPatchset = errors.New("invalid patch. Only 1 bit allowed")

// Regs returns the patched bit as a mask in its register.
func (p *CPUIDPatch) Regs() (eax, ebx, ecx, edx uint32, err error) {
	set := 0

	for _, f := range []struct {
		bit uint8
		dst *uint32
	}{
		{p.EAXBit, &eax},
		{p.EBXBit, &ebx},
		{p.ECXBit, &ecx},
		{p.EDXBit, &edx},
	} {
		if f.bit == 0 {
			continue
		}

		if f.bit > 32 {
			return 0, 0, 0, 0, fmt.Errorf("leaf %#x bit %d: %w", p.Function, f.bit-1, errInvalidPatchset)
		}

		set++
		*f.dst = 1 << (f.bit - 1)
	}

	if set != 1 || bits.OnesCount32(eax|ebx|ecx|edx) != 1 {
		return 0, 0, 0, 0, fmt.Errorf("leaf %#x: %w", p.Function, errInvalidPatchset)
	}

	return eax, ebx, ecx, edx, nil
}
