package cpuid

import "strconv"

// Feature bit positions of the leaves the engine masks or requires. Names
// follow arch/x86/include/asm/cpufeatures.h in Linux.

// The unifed interface which contains all CPU features.
type Feature interface {
	F1Ecx | F1Edx | F7Ebx | F7Ecx | XSaveEax | Ext1Ecx | Ext1Edx | PowerEdx | SVMEdx

	String() string
}

type (
	// F1Ecx is a bit of CPUID 0x1 ECX.
	F1Ecx uint32
	// F1Edx is a bit of CPUID 0x1 EDX.
	F1Edx uint32
	// F7Ebx is a bit of CPUID 0x7.0 EBX.
	F7Ebx uint32
	// F7Ecx is a bit of CPUID 0x7.0 ECX.
	F7Ecx uint32
	// XSaveEax is a bit of CPUID 0xD.1 EAX.
	XSaveEax uint32
	// Ext1Ecx is a bit of CPUID 0x80000001 ECX.
	Ext1Ecx uint32
	// Ext1Edx is a bit of CPUID 0x80000001 EDX.
	Ext1Edx uint32
	// PowerEdx is a bit of CPUID 0x80000007 EDX.
	PowerEdx uint32
	// SVMEdx is a bit of CPUID 0x8000000A EDX.
	SVMEdx uint32
)

// Mask returns the register value with the given bits set.
func Mask[T Feature](fs ...T) uint32 {
	var m uint32

	for _, f := range fs {
		m |= 1 << uint32(f)
	}

	return m
}

//nolint:stylecheck
const (
	XMM3         F1Ecx = 0  /* "pni" SSE-3 */
	PCLMULQDQ    F1Ecx = 1  /* PCLMULQDQ instruction */
	DTES64       F1Ecx = 2  /* 64-bit Debug Store */
	MWAIT        F1Ecx = 3  /* "monitor" MONITOR/MWAIT support */
	DSCPL        F1Ecx = 4  /* "ds_cpl" CPL-qualified (filtered) Debug Store */
	VMX          F1Ecx = 5  /* Hardware virtualization */
	SMX          F1Ecx = 6  /* Safer Mode eXtensions */
	EST          F1Ecx = 7  /* Enhanced SpeedStep */
	TM2          F1Ecx = 8  /* Thermal Monitor 2 */
	SSSE3        F1Ecx = 9  /* Supplemental SSE-3 */
	CID          F1Ecx = 10 /* Context ID */
	SDBG         F1Ecx = 11 /* Silicon Debug */
	FMA          F1Ecx = 12 /* Fused multiply-add */
	CX16         F1Ecx = 13 /* CMPXCHG16B instruction */
	XTPR         F1Ecx = 14 /* Send Task Priority Messages */
	PDCM         F1Ecx = 15 /* Perf/Debug Capabilities MSR */
	PCID         F1Ecx = 17 /* Process Context Identifiers */
	DCA          F1Ecx = 18 /* Direct Cache Access */
	XMM4_1       F1Ecx = 19 /* "sse4_1" SSE-4.1 */
	XMM4_2       F1Ecx = 20 /* "sse4_2" SSE-4.2 */
	X2APIC       F1Ecx = 21 /* X2APIC */
	MOVBE        F1Ecx = 22 /* MOVBE instruction */
	POPCNT       F1Ecx = 23 /* POPCNT instruction */
	TSC_DEADLINE F1Ecx = 24 /* TSC deadline timer */
	AES          F1Ecx = 25 /* AES instructions */
	XSAVE        F1Ecx = 26 /* XSAVE/XRSTOR/XSETBV/XGETBV instructions */
	OSXSAVE      F1Ecx = 27 /* XSAVE instruction enabled in the OS */
	AVX          F1Ecx = 28 /* Advanced Vector Extensions */
	F16C         F1Ecx = 29 /* 16-bit FP conversions */
	RDRAND       F1Ecx = 30 /* RDRAND instruction */
	HYPERVISOR   F1Ecx = 31 /* Running on a hypervisor */
)

const (
	FPU       F1Edx = 0  /* Onboard FPU */
	VME       F1Edx = 1  /* Virtual Mode Extensions */
	DE        F1Edx = 2  /* Debugging Extensions */
	PSE       F1Edx = 3  /* Page Size Extensions */
	TSC       F1Edx = 4  /* Time Stamp Counter */
	MSR       F1Edx = 5  /* Model-Specific Registers */
	PAE       F1Edx = 6  /* Physical Address Extensions */
	MCE       F1Edx = 7  /* Machine Check Exception */
	CX8       F1Edx = 8  /* CMPXCHG8 instruction */
	APIC      F1Edx = 9  /* Onboard APIC */
	SEP       F1Edx = 11 /* SYSENTER/SYSEXIT */
	MTRR      F1Edx = 12 /* Memory Type Range Registers */
	PGE       F1Edx = 13 /* Page Global Enable */
	MCA       F1Edx = 14 /* Machine Check Architecture */
	CMOV      F1Edx = 15 /* CMOV instructions (plus FCMOVcc, FCOMI with FPU) */
	PAT       F1Edx = 16 /* Page Attribute Table */
	PSE36     F1Edx = 17 /* 36-bit PSEs */
	CLFLUSH   F1Edx = 19 /* CLFLUSH instruction */
	DS        F1Edx = 21 /* "dts" Debug Store */
	ACPI      F1Edx = 22 /* ACPI via MSR */
	MMX       F1Edx = 23 /* Multimedia Extensions */
	FXSR      F1Edx = 24 /* FXSAVE/FXRSTOR, CR4.OSFXSR */
	XMM       F1Edx = 25 /* "sse" */
	XMM2      F1Edx = 26 /* "sse2" */
	SELFSNOOP F1Edx = 27 /* "ss" CPU self snoop */
	HT        F1Edx = 28 /* Hyper-Threading */
	ACC       F1Edx = 29 /* "tm" Automatic clock control */
	IA64      F1Edx = 30 /* IA-64 processor */
	PBE       F1Edx = 31 /* Pending Break Enable */
)

//nolint:stylecheck
const (
	FSGSBASE   F7Ebx = 0  /* RDFSBASE, WRFSBASE, RDGSBASE, WRGSBASE instructions */
	TSC_ADJUST F7Ebx = 1  /* TSC adjustment MSR 0x3B */
	SGX        F7Ebx = 2  /* Software Guard Extensions */
	BMI1       F7Ebx = 3  /* 1st group bit manipulation extensions */
	HLE        F7Ebx = 4  /* Hardware Lock Elision */
	AVX2       F7Ebx = 5  /* AVX2 instructions */
	SMEP       F7Ebx = 7  /* Supervisor Mode Execution Protection */
	BMI2       F7Ebx = 8  /* 2nd group bit manipulation extensions */
	ERMS       F7Ebx = 9  /* Enhanced REP MOVSB/STOSB instructions */
	INVPCID    F7Ebx = 10 /* Invalidate Processor Context ID */
	RTM        F7Ebx = 11 /* Restricted Transactional Memory */
	CQM        F7Ebx = 12 /* Cache QoS Monitoring */
	MPX        F7Ebx = 14 /* Memory Protection Extension */
	RDT_A      F7Ebx = 15 /* Resource Director Technology Allocation */
	AVX512F    F7Ebx = 16 /* AVX-512 Foundation */
	AVX512DQ   F7Ebx = 17 /* AVX-512 DQ (Double/Quad granular) Instructions */
	RDSEED     F7Ebx = 18 /* RDSEED instruction */
	ADX        F7Ebx = 19 /* ADCX and ADOX instructions */
	SMAP       F7Ebx = 20 /* Supervisor Mode Access Prevention */
	CLFLUSHOPT F7Ebx = 23 /* CLFLUSHOPT instruction */
	CLWB       F7Ebx = 24 /* CLWB instruction */
	INTEL_PT   F7Ebx = 25 /* Intel Processor Trace */
	SHA_NI     F7Ebx = 29 /* SHA1/SHA256 Instruction Extensions */
)

//nolint:stylecheck
const (
	AVX512VBMI       F7Ecx = 1  /* AVX512 Vector Bit Manipulation instructions */
	UMIP             F7Ecx = 2  /* User Mode Instruction Protection */
	PKU              F7Ecx = 3  /* Protection Keys for Userspace */
	OSPKE            F7Ecx = 4  /* OS Protection Keys Enable */
	WAITPKG          F7Ecx = 5  /* UMONITOR/UMWAIT/TPAUSE Instructions */
	GFNI             F7Ecx = 8  /* Galois Field New Instructions */
	VAES             F7Ecx = 9  /* Vector AES */
	VPCLMULQDQ       F7Ecx = 10 /* Carry-Less Multiplication Double Quadword */
	AVX512_VPOPCNTDQ F7Ecx = 14 /* POPCNT for vectors of DW/QW */
	LA57             F7Ecx = 16 /* 5-level page tables */
	RDPID            F7Ecx = 22 /* RDPID instruction */
)

const (
	XSAVEOPT XSaveEax = 0 /* XSAVEOPT instruction */
	XSAVEC   XSaveEax = 1 /* XSAVEC instruction */
	XGETBV1  XSaveEax = 2 /* XGETBV with ECX = 1 instruction */
	XSAVES   XSaveEax = 3 /* XSAVES/XRSTORS instructions */
)

//nolint:stylecheck
const (
	SYSCALL      Ext1Edx = 11 /* SYSCALL/SYSRET */
	MP           Ext1Edx = 19 /* MP Capable */
	NX           Ext1Edx = 20 /* Execute Disable */
	MMXEXT       Ext1Edx = 22 /* AMD MMX extensions */
	FXSR_OPT     Ext1Edx = 25 /* FXSAVE/FXRSTOR optimizations */
	GBPAGES      Ext1Edx = 26 /* "pdpe1gb" GB pages */
	RDTSCP       Ext1Edx = 27 /* RDTSCP */
	LM           Ext1Edx = 29 /* Long Mode (x86-64, 64-bit support) */
	THREEDNOWEXT Ext1Edx = 30 /* AMD 3DNow extensions */
	THREEDNOW    Ext1Edx = 31 /* 3DNow */
)

const (
	INVTSC PowerEdx = 8 /* "constant_tsc" TSC ticks at a constant rate in every P and C state */
)

//nolint:stylecheck
const (
	LAHF_LM       Ext1Ecx = 0  /* LAHF/SAHF in long mode */
	CMP_LEGACY    Ext1Ecx = 1  /* If yes HyperThreading not valid */
	SVM           Ext1Ecx = 2  /* Secure Virtual Machine */
	EXTAPIC       Ext1Ecx = 3  /* Extended APIC space */
	CR8_LEGACY    Ext1Ecx = 4  /* CR8 in 32-bit mode */
	ABM           Ext1Ecx = 5  /* Advanced bit manipulation */
	SSE4A         Ext1Ecx = 6  /* SSE-4A */
	MISALIGNSSE   Ext1Ecx = 7  /* Misaligned SSE mode */
	THREEDNOWPREF Ext1Ecx = 8  /* 3DNow prefetch instructions */
	OSVW          Ext1Ecx = 9  /* OS Visible Workaround */
	IBS           Ext1Ecx = 10 /* Instruction Based Sampling */
	XOP           Ext1Ecx = 11 /* extended AVX instructions */
	SKINIT        Ext1Ecx = 12 /* SKINIT/STGI instructions */
	WDT           Ext1Ecx = 13 /* Watchdog timer */
	LWP           Ext1Ecx = 15 /* Light Weight Profiling */
	FMA4          Ext1Ecx = 16 /* 4 operands MAC instructions */
	TCE           Ext1Ecx = 17 /* Translation Cache Extension */
	TBM           Ext1Ecx = 21 /* Trailing Bit Manipulations */
	TOPOEXT       Ext1Ecx = 22 /* Topology extensions CPUID leafs */
	PERFCTR_CORE  Ext1Ecx = 23 /* Core performance counter extensions */
	PERFCTR_NB    Ext1Ecx = 24 /* NB performance counter extensions */
)

//nolint:stylecheck
const (
	NPT             SVMEdx = 0  /* Nested Page Table support */
	LBRV            SVMEdx = 1  /* LBR Virtualization support */
	SVML            SVMEdx = 2  /* "svm_lock" SVM locking MSR */
	NRIPS           SVMEdx = 3  /* "nrip_save" SVM next_rip save */
	TSCRATEMSR      SVMEdx = 4  /* "tsc_scale" TSC scaling support */
	VMCBCLEAN       SVMEdx = 5  /* "vmcb_clean" VMCB clean bits support */
	FLUSHBYASID     SVMEdx = 6  /* flush-by-ASID support */
	DECODEASSISTS   SVMEdx = 7  /* Decode Assists support */
	PAUSEFILTER     SVMEdx = 10 /* filtered pause intercept */
	PFTHRESHOLD     SVMEdx = 12 /* pause filter threshold */
	AVIC            SVMEdx = 13 /* Virtual Interrupt Controller */
	V_VMSAVE_VMLOAD SVMEdx = 15 /* Virtual VMSAVE VMLOAD */
	VGIF            SVMEdx = 16 /* Virtual GIF */
	X2AVIC          SVMEdx = 18 /* Virtual x2apic */
	V_SPEC_CTRL     SVMEdx = 20 /* Virtual SPEC_CTRL */
	VNMI            SVMEdx = 25 /* Virtual NMI */
)

//nolint:gochecknoglobals
var AllF1Ecx = []F1Ecx{
	XMM3, PCLMULQDQ, DTES64, MWAIT, DSCPL, VMX, SMX, EST, TM2, SSSE3, CID,
	SDBG, FMA, CX16, XTPR, PDCM, PCID, DCA, XMM4_1, XMM4_2, X2APIC, MOVBE,
	POPCNT, TSC_DEADLINE, AES, XSAVE, OSXSAVE, AVX, F16C, RDRAND, HYPERVISOR,
}

//nolint:gochecknoglobals
var AllF1Edx = []F1Edx{
	FPU, VME, DE, PSE, TSC, MSR, PAE, MCE, CX8, APIC, SEP, MTRR, PGE, MCA,
	CMOV, PAT, PSE36, CLFLUSH, MMX, FXSR, XMM, XMM2, SELFSNOOP, DS, ACPI, HT,
	ACC, IA64, PBE,
}

//nolint:gochecknoglobals
var AllExt1Ecx = []Ext1Ecx{
	LAHF_LM, CMP_LEGACY, SVM, EXTAPIC, CR8_LEGACY, ABM, SSE4A, MISALIGNSSE,
	THREEDNOWPREF, OSVW, IBS, XOP, SKINIT, WDT, LWP, FMA4, TCE, TBM, TOPOEXT,
	PERFCTR_CORE, PERFCTR_NB,
}

//nolint:gochecknoglobals
var AllSVMEdx = []SVMEdx{
	NPT, LBRV, SVML, NRIPS, TSCRATEMSR, VMCBCLEAN, FLUSHBYASID, DECODEASSISTS,
	PAUSEFILTER, PFTHRESHOLD, AVIC, V_VMSAVE_VMLOAD, VGIF, X2AVIC, V_SPEC_CTRL,
	VNMI,
}

var f1EcxNames = map[F1Ecx]string{
	XMM3: "XMM3", PCLMULQDQ: "PCLMULQDQ", DTES64: "DTES64", MWAIT: "MWAIT",
	DSCPL: "DSCPL", VMX: "VMX", SMX: "SMX", EST: "EST", TM2: "TM2",
	SSSE3: "SSSE3", CID: "CID", SDBG: "SDBG", FMA: "FMA", CX16: "CX16",
	XTPR: "XTPR", PDCM: "PDCM", PCID: "PCID", DCA: "DCA", XMM4_1: "XMM4_1",
	XMM4_2: "XMM4_2", X2APIC: "X2APIC", MOVBE: "MOVBE", POPCNT: "POPCNT",
	TSC_DEADLINE: "TSC_DEADLINE", AES: "AES", XSAVE: "XSAVE",
	OSXSAVE: "OSXSAVE", AVX: "AVX", F16C: "F16C", RDRAND: "RDRAND",
	HYPERVISOR: "HYPERVISOR",
}

var f7EbxNames = map[F7Ebx]string{
	FSGSBASE: "FSGSBASE", TSC_ADJUST: "TSC_ADJUST", SGX: "SGX", BMI1: "BMI1",
	HLE: "HLE", AVX2: "AVX2", SMEP: "SMEP", BMI2: "BMI2", ERMS: "ERMS",
	INVPCID: "INVPCID", RTM: "RTM", CQM: "CQM", MPX: "MPX", RDT_A: "RDT_A",
	AVX512F: "AVX512F", AVX512DQ: "AVX512DQ", RDSEED: "RDSEED", ADX: "ADX",
	SMAP: "SMAP", CLFLUSHOPT: "CLFLUSHOPT", CLWB: "CLWB",
	INTEL_PT: "INTEL_PT", SHA_NI: "SHA_NI",
}

var f7EcxNames = map[F7Ecx]string{
	AVX512VBMI: "AVX512VBMI", UMIP: "UMIP", PKU: "PKU", OSPKE: "OSPKE",
	WAITPKG: "WAITPKG", GFNI: "GFNI", VAES: "VAES", VPCLMULQDQ: "VPCLMULQDQ",
	AVX512_VPOPCNTDQ: "AVX512_VPOPCNTDQ", LA57: "LA57", RDPID: "RDPID",
}

var xsaveEaxNames = map[XSaveEax]string{
	XSAVEOPT: "XSAVEOPT", XSAVEC: "XSAVEC", XGETBV1: "XGETBV1", XSAVES: "XSAVES",
}

var ext1EdxNames = map[Ext1Edx]string{
	SYSCALL: "SYSCALL", MP: "MP", NX: "NX", MMXEXT: "MMXEXT",
	FXSR_OPT: "FXSR_OPT", GBPAGES: "GBPAGES", RDTSCP: "RDTSCP", LM: "LM",
	THREEDNOWEXT: "3DNOWEXT", THREEDNOW: "3DNOW",
}

var powerEdxNames = map[PowerEdx]string{
	INVTSC: "INVTSC",
}

var f1EdxNames = map[F1Edx]string{
	FPU: "FPU", VME: "VME", DE: "DE", PSE: "PSE", TSC: "TSC", MSR: "MSR",
	PAE: "PAE", MCE: "MCE", CX8: "CX8", APIC: "APIC", SEP: "SEP", MTRR: "MTRR",
	PGE: "PGE", MCA: "MCA", CMOV: "CMOV", PAT: "PAT", PSE36: "PSE36",
	CLFLUSH: "CLFLUSH", MMX: "MMX", FXSR: "FXSR", XMM: "XMM", XMM2: "XMM2",
	SELFSNOOP: "SELFSNOOP", DS: "DS", ACPI: "ACPI", HT: "HT", ACC: "ACC",
	IA64: "IA64", PBE: "PBE",
}

var ext1EcxNames = map[Ext1Ecx]string{
	LAHF_LM: "LAHF_LM", CMP_LEGACY: "CMP_LEGACY", SVM: "SVM", EXTAPIC: "EXTAPIC",
	CR8_LEGACY: "CR8_LEGACY", ABM: "ABM", SSE4A: "SSE4A",
	MISALIGNSSE: "MISALIGNSSE", THREEDNOWPREF: "3DNOWPREFETCH", OSVW: "OSVW",
	IBS: "IBS", XOP: "XOP", SKINIT: "SKINIT", WDT: "WDT", LWP: "LWP",
	FMA4: "FMA4", TCE: "TCE", TBM: "TBM", TOPOEXT: "TOPOEXT",
	PERFCTR_CORE: "PERFCTR_CORE", PERFCTR_NB: "PERFCTR_NB",
}

var svmEdxNames = map[SVMEdx]string{
	NPT: "NPT", LBRV: "LBRV", SVML: "SVML", NRIPS: "NRIPS",
	TSCRATEMSR: "TSCRATEMSR", VMCBCLEAN: "VMCBCLEAN", FLUSHBYASID: "FLUSHBYASID",
	DECODEASSISTS: "DECODEASSISTS", PAUSEFILTER: "PAUSEFILTER",
	PFTHRESHOLD: "PFTHRESHOLD", AVIC: "AVIC", V_VMSAVE_VMLOAD: "V_VMSAVE_VMLOAD",
	VGIF: "VGIF", X2AVIC: "X2AVIC", V_SPEC_CTRL: "V_SPEC_CTRL", VNMI: "VNMI",
}

func name[T ~uint32](names map[T]string, f T, kind string) string {
	if s, ok := names[f]; ok {
		return s
	}

	return kind + "(" + strconv.FormatUint(uint64(f), 10) + ")"
}

func (f F1Ecx) String() string    { return name(f1EcxNames, f, "F1Ecx") }
func (f F1Edx) String() string    { return name(f1EdxNames, f, "F1Edx") }
func (f F7Ebx) String() string    { return name(f7EbxNames, f, "F7Ebx") }
func (f F7Ecx) String() string    { return name(f7EcxNames, f, "F7Ecx") }
func (f XSaveEax) String() string { return name(xsaveEaxNames, f, "XSaveEax") }
func (f Ext1Ecx) String() string  { return name(ext1EcxNames, f, "Ext1Ecx") }
func (f Ext1Edx) String() string  { return name(ext1EdxNames, f, "Ext1Edx") }
func (f PowerEdx) String() string { return name(powerEdxNames, f, "PowerEdx") }
func (f SVMEdx) String() string   { return name(svmEdxNames, f, "SVMEdx") }
