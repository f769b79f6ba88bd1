package svm

// Pages is a physically contiguous run of host pages. Data is page aligned
// and stays mapped until FreePages.
type Pages struct {
	Data []byte
	PA   uint64
}

// Hardware is the privileged surface the engine runs on. ring0.Native
// implements it on a CPL0 host and sim.Host implements it in software.
//
// Methods that touch per-core state (MSRs, XCR0, debug and FPU registers,
// VMRun) act on the core the caller is running on; the engine calls them
// only between PreemptDisable and PreemptEnable, or from Broadcast.
type Hardware interface {
	CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)
	ReadMSR(msr uint32) uint64
	WriteMSR(msr uint32, value uint64)
	ReadXCR0() uint64
	WriteXCR0(value uint64)
	RDTSC() uint64

	// ReadDR and WriteDR access DR0-DR3 by number.
	ReadDR(n int) uint64
	WriteDR(n int, value uint64)

	// SaveFPU and RestoreFPU move the extended state selected by mask
	// between the core and an XSAVE area.
	SaveFPU(area []byte, mask uint64)
	RestoreFPU(area []byte, mask uint64)

	NumCPUs() int

	// PreemptDisable pins the caller to its current core and returns the
	// core index.
	PreemptDisable() int
	PreemptEnable()

	// Broadcast runs fn once on every core and waits for all of them.
	Broadcast(fn func(cpu int) error) error

	AllocPages(n int) (Pages, error)
	FreePages(p Pages)

	// VMRun performs one world switch into the VMCB at vmcbPA. gprs holds
	// the guest registers that the VMCB does not; RAX and RSP slots are
	// unused.
	VMRun(vmcbPA uint64, gprs *[16]uint64)
}
