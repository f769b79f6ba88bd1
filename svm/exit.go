package svm

// MemProt is the kind of access that caused a nested page fault.
type MemProt uint8

const (
	ProtRead MemProt = iota
	ProtWrite
	ProtExec
)

func (p MemProt) String() string {
	switch p {
	case ProtWrite:
		return "write"
	case ProtExec:
		return "exec"
	}

	return "read"
}

// MemExit describes a nested page fault.
type MemExit struct {
	GPA       uint64
	Prot      MemProt
	InstLen   uint8
	InstBytes [15]byte
}

// IOExit describes a port access. Data holds RAX for OUT.
type IOExit struct {
	Port        uint16
	In          bool
	Seg         int
	AddressSize uint8
	OperandSize uint8
	Rep         bool
	Str         bool
	Data        uint64
	NextRIP     uint64
}

// MSRExit describes an MSR access the engine does not resolve. Value is
// meaningful for writes only.
type MSRExit struct {
	MSR     uint32
	Value   uint64
	NextRIP uint64
}

// CPUIDExit is produced for leaves whose override asks the caller to
// emulate. The registers hold the values the engine computed.
type CPUIDExit struct {
	Leaf    uint32
	Subleaf uint32
	EAX     uint32
	EBX     uint32
	ECX     uint32
	EDX     uint32
	NextRIP uint64
}

type HaltExit struct {
	InterruptsEnabled bool
}

type TPRExit struct {
	Old uint64
	New uint64
}

type InvalidExit struct {
	Code ExitCode
	// Entry is set when the processor rejected the VMCB itself.
	Entry bool
}

// ExitState is the snapshot of externally observable flags taken when
// Run returns.
type ExitState struct {
	RFLAGS           uint64
	CR8              uint64
	IntShadow        bool
	IntWindowExiting bool
	NMIWindowExiting bool
	EvtPending       bool
}

// Exit is the record returned by Run. Only the payload matching Reason is
// meaningful.
type Exit struct {
	Reason ExitReason

	Mem     MemExit
	IO      IOExit
	MSR     MSRExit
	CPUID   CPUIDExit
	Halt    HaltExit
	TPR     TPRExit
	Invalid InvalidExit

	State ExitState
}
