// Package svm runs guests on AMD processors with SVM and nested paging.
//
// An Engine owns the per-core host state and the ASID pool. Machines carry
// an opaque nested page-table root supplied by the caller, and each VCPU
// owns one VMCB. VCPU.Run enters the guest, resolves a fixed set of exits
// itself and returns the rest as an Exit record.
package svm

import (
	"fmt"

	"github.com/bobuhiro11/gosvm/cpuid"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
)

// MSR numbers used by the engine.
const (
	MSRNumEFER         = 0xc0000080
	MSRNumSTAR         = 0xc0000081
	MSRNumLSTAR        = 0xc0000082
	MSRNumCSTAR        = 0xc0000083
	MSRNumSFMASK       = 0xc0000084
	MSRNumFSBase       = 0xc0000100
	MSRNumGSBase       = 0xc0000101
	MSRNumKernelGSBase = 0xc0000102
	MSRNumSysenterCS   = 0x174
	MSRNumSysenterESP  = 0x175
	MSRNumSysenterEIP  = 0x176
	MSRNumPAT          = 0x277
	MSRNumTSC          = 0x10
	MSRNumPatchLevel   = 0x8b
	MSRNumNBConfig     = 0xc001001f
	MSRNumCmpHalt      = 0xc0010055
	MSRNumVMCR         = 0xc0010114
	MSRNumVMHsavePA    = 0xc0010117
	MSRNumSVMKey       = 0xc0010118
	MSRNumICConfig     = 0xc0011021
	MSRNumDEConfig     = 0xc0011029
)

// EFER bits.
const (
	EFERSCE   = 1 << 0
	EFERLME   = 1 << 8
	EFERLMA   = 1 << 10
	EFERNXE   = 1 << 11
	EFERSVME  = 1 << 12
	EFERLMSLE = 1 << 13
	EFERFFXSR = 1 << 14
	EFERTCE   = 1 << 15

	eferValid = EFERSCE | EFERLME | EFERLMA | EFERNXE | EFERSVME | EFERLMSLE | EFERFFXSR | EFERTCE
	eferTLB   = EFERLMA | EFERNXE
)

// VM_CR bits.
const (
	VMCRLock   = 1 << 3
	VMCRSVMDis = 1 << 4
)

// XCR0 bits.
const (
	XCR0X87 = 1 << 0
	XCR0SSE = 1 << 1
	XCR0AVX = 1 << 2

	xcr0Default = XCR0X87 | XCR0SSE | XCR0AVX
)

// CPUID bits consulted by the probe.
const (
	cpuidExtFeatures = 0x80000001
	cpuidSVMFeatures = 0x8000000a

	cpuidExtECXSVM = 1 << cpuid.SVM

	SVMFeatureNP          = 1 << cpuid.NPT
	SVMFeatureNRIPS       = 1 << cpuid.NRIPS
	SVMFeatureVMCBClean   = 1 << cpuid.VMCBCLEAN
	SVMFeatureFlushByASID = 1 << cpuid.FLUSHBYASID
	SVMFeatureDecode      = 1 << cpuid.DECODEASSISTS
)

const (
	maxBasicLeaf    = 0xd
	maxExtendedLeaf = 0x80000008

	// MaxCPUIDOverrides is the largest override list a VCPU accepts.
	MaxCPUIDOverrides = 32

	// MaxVCPUs is the number of VCPUs a machine can hold.
	MaxVCPUs = 128

	// xsaveAreaSize covers x87, SSE and AVX state with the XSAVE header.
	xsaveAreaSize = PageSize
)

// Probe reports whether hw can run guests with nested paging. It fails
// closed: any missing feature or a firmware lock-out returns false.
func Probe(hw Hardware) bool {
	maxExt, _, _, _ := hw.CPUID(0x80000000, 0)
	if maxExt < cpuidSVMFeatures {
		return false
	}

	if _, _, ecx, _ := hw.CPUID(cpuidExtFeatures, 0); ecx&cpuidExtECXSVM == 0 {
		return false
	}

	_, _, _, edx := hw.CPUID(cpuidSVMFeatures, 0)
	if edx&SVMFeatureNP == 0 || edx&SVMFeatureNRIPS == 0 {
		return false
	}

	return hw.ReadMSR(MSRNumVMCR)&VMCRSVMDis == 0
}

// VCPUConf lists the per-VCPU configuration knobs.
type VCPUConf struct {
	CPUID bool
	TPR   bool
}

// Capabilities is what the engine offers to its callers.
type Capabilities struct {
	XCR0Mask          uint64
	MaxCPUIDOverrides int
	MaxVCPUs          int
	VCPUConf          VCPUConf
}

// Engine is the process-wide SVM state: host-save pages, the ASID pool and
// the values derived from the processor at Init.
type Engine struct {
	hw Hardware

	hsave []Pages
	asids *asidAllocator

	xcr0Mask    uint64
	maxBasic    uint32
	maxExtended uint32
	tlbFlush    uint8
	svmFeatures uint32

	mu        sync.Mutex
	machines  map[*Machine]struct{}
	finalized bool
}

// Init prepares every core for SVM and returns the engine. It must run
// before any machine is created.
func Init(hw Hardware) (*Engine, error) {
	if !Probe(hw) {
		return nil, ErrUnsupported
	}

	e := &Engine{
		hw:       hw,
		machines: make(map[*Machine]struct{}),
	}

	_, nasid, _, features := hw.CPUID(cpuidSVMFeatures, 0)
	if nasid < minASIDs {
		return nil, fmt.Errorf("%d asids, need %d: %w", nasid, minASIDs, ErrUnsupported)
	}

	e.svmFeatures = features

	e.tlbFlush = TLBControlFlushAll
	if features&SVMFeatureFlushByASID != 0 {
		e.tlbFlush = TLBControlFlushGuest
	}

	e.asids = newASIDAllocator(nasid)

	if maxBasic, _, _, _ := hw.CPUID(0, 0); maxBasic >= 0xd {
		lo, _, _, hi := hw.CPUID(0xd, 0)
		e.xcr0Mask = xcr0Default & (uint64(hi)<<32 | uint64(lo))
	}

	e.maxBasic, _, _, _ = hw.CPUID(0, 0)
	if e.maxBasic > maxBasicLeaf {
		e.maxBasic = maxBasicLeaf
	}

	e.maxExtended, _, _, _ = hw.CPUID(0x80000000, 0)
	if e.maxExtended > maxExtendedLeaf {
		e.maxExtended = maxExtendedLeaf
	}

	e.hsave = make([]Pages, hw.NumCPUs())
	for i := range e.hsave {
		p, err := hw.AllocPages(1)
		if err != nil {
			e.freeHostSave()

			return nil, fmt.Errorf("host save area for cpu %d: %w", i, err)
		}

		clear(p.Data)
		e.hsave[i] = p
	}

	if err := hw.Broadcast(e.enableCPU); err != nil {
		_ = hw.Broadcast(e.disableCPU)
		e.freeHostSave()

		return nil, fmt.Errorf("enabling svm: %w", err)
	}

	log.Infof("svm: initialized on %d cpus, xcr0 mask %#x, max leaves %#x/%#x, tlb flush %d",
		len(e.hsave), e.xcr0Mask, e.maxBasic, e.maxExtended, e.tlbFlush)

	return e, nil
}

func (e *Engine) enableCPU(cpu int) error {
	if cpu >= len(e.hsave) {
		return fmt.Errorf("cpu %d out of range", cpu)
	}

	e.hw.WriteMSR(MSRNumEFER, e.hw.ReadMSR(MSRNumEFER)|EFERSVME)
	e.hw.WriteMSR(MSRNumVMHsavePA, e.hsave[cpu].PA)

	return nil
}

func (e *Engine) disableCPU(int) error {
	e.hw.WriteMSR(MSRNumVMHsavePA, 0)
	e.hw.WriteMSR(MSRNumEFER, e.hw.ReadMSR(MSRNumEFER)&^EFERSVME)

	return nil
}

func (e *Engine) freeHostSave() {
	for _, p := range e.hsave {
		if p.Data != nil {
			e.hw.FreePages(p)
		}
	}

	e.hsave = nil
}

// Fini turns SVM off on every core and releases the host-save pages. All
// machines must have been destroyed.
func (e *Engine) Fini() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finalized {
		return ErrFinalized
	}

	if len(e.machines) != 0 {
		return fmt.Errorf("%d machines alive: %w", len(e.machines), ErrBusy)
	}

	if err := e.hw.Broadcast(e.disableCPU); err != nil {
		return fmt.Errorf("disabling svm: %w", err)
	}

	e.freeHostSave()
	e.finalized = true

	return nil
}

// Capabilities returns the extended-state mask and the configuration knobs.
func (e *Engine) Capabilities() Capabilities {
	return Capabilities{
		XCR0Mask:          e.xcr0Mask,
		MaxCPUIDOverrides: MaxCPUIDOverrides,
		MaxVCPUs:          MaxVCPUs,
		VCPUConf: VCPUConf{
			CPUID: true,
			TPR:   true,
		},
	}
}
