package sim

import (
	"github.com/bobuhiro11/gosvm/svm"
	"gvisor.dev/gvisor/pkg/cpuid"
)

// amdFeatures builds the CPUID table of a small AMD family 17h part.
func amdFeatures(cfg Config) cpuid.Static {
	s := make(cpuid.Static)

	// "AuthenticAMD"
	s.Set(cpuid.In{Eax: 0x0}, cpuid.Out{Eax: 0x10, Ebx: 0x68747541, Ecx: 0x444d4163, Edx: 0x69746e65})
	s.Set(cpuid.In{Eax: 0x1}, cpuid.Out{
		Eax: 0x00800f12,
		Ebx: 0x00080800,
		// SSE3, PCLMULQDQ, MONITOR, SSSE3, FMA, CX16, SSE4.1, SSE4.2,
		// MOVBE, POPCNT, AES, XSAVE, OSXSAVE, AVX, F16C, RDRAND.
		Ecx: 0x7ed8320b,
		Edx: 0x178bfbff,
	})
	s.Set(cpuid.In{Eax: 0x5}, cpuid.Out{Eax: 0x40, Ebx: 0x40, Ecx: 0x3, Edx: 0x11})
	s.Set(cpuid.In{Eax: 0x6}, cpuid.Out{Eax: 0x4, Ecx: 0x1})
	s.Set(cpuid.In{Eax: 0x7}, cpuid.Out{Ebx: 0x209c01a9})
	s.Set(cpuid.In{Eax: 0xd}, cpuid.Out{Eax: 0x207, Ebx: 0x340, Ecx: 0x380})
	s.Set(cpuid.In{Eax: 0xd, Ecx: 1}, cpuid.Out{Eax: 0xf, Ebx: 0x340})
	s.Set(cpuid.In{Eax: 0xd, Ecx: 2}, cpuid.Out{Eax: 0x100, Ebx: 0x240})
	s.Set(cpuid.In{Eax: 0x10}, cpuid.Out{})

	s.Set(cpuid.In{Eax: 0x80000000}, cpuid.Out{Eax: 0x80000021, Ebx: 0x68747541, Ecx: 0x444d4163, Edx: 0x69746e65})
	s.Set(cpuid.In{Eax: 0x80000001}, cpuid.Out{
		Eax: 0x00800f12,
		// LAHF, CmpLegacy, SVM, ExtApicSpace, AltMovCr8, ABM, SSE4A,
		// MisAlignSse, 3DNowPrefetch, OSVW.
		Ecx: 0x35c233ff,
		// NX, MmxExt, FFXSR, Page1GB, RDTSCP, LM.
		Edx: 0x2fd3fbff,
	})
	s.Set(cpuid.In{Eax: 0x80000007}, cpuid.Out{Edx: 0x6799})
	s.Set(cpuid.In{Eax: 0x80000008}, cpuid.Out{Eax: 0x3030, Ecx: uint32(cfg.CPUs - 1)})

	edx := uint32(svm.SVMFeatureNRIPS | svm.SVMFeatureVMCBClean | svm.SVMFeatureDecode)
	if !cfg.NoNestedPaging {
		edx |= svm.SVMFeatureNP
	}

	if !cfg.NoFlushByASID {
		edx |= svm.SVMFeatureFlushByASID
	}

	s.Set(cpuid.In{Eax: 0x8000000a}, cpuid.Out{Eax: 0x1, Ebx: cfg.NASID, Edx: edx})
	s.Set(cpuid.In{Eax: 0x80000021}, cpuid.Out{})

	return s
}

// lookup answers a CPUID query. Leaves that take a subleaf return zeros
// for subleaves the table does not list; other leaves ignore ECX.
func lookup(s cpuid.Static, leaf, subleaf uint32) cpuid.Out {
	if out, ok := s[cpuid.In{Eax: leaf, Ecx: subleaf}]; ok {
		return out
	}

	switch leaf {
	case 0x4, 0x7, 0xb, 0xd, 0xf, 0x10:
		return cpuid.Out{}
	}

	return s.Query(cpuid.In{Eax: leaf})
}
