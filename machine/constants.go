package machine

// Architectural bits the debug helpers look at when walking guest state.
const (
	// CR0 bits.
	CR0xPE = 1
	CR0xPG = (1 << 31)

	// CR4 bits.
	CR4xPAE = (1 << 5)

	// EFER bits.
	EFERxLMA = (1 << 10)

	// 64-bit page table entry bits.
	PDE64xPRESENT = 1
	PDE64xPS      = (1 << 7)

	pteAddrMask = 0x000ffffffffff000
)
