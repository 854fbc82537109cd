package hv

// Regs is the register state read from or written to one VCPU. The layout
// is fixed-size so it can be carried verbatim in a migration stream.
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64

	CR0  uint64
	CR2  uint64
	CR3  uint64
	CR4  uint64
	CR8  uint64
	EFER uint64
}

// ResetRegs is the register state of a VCPU at machine power-on: flat real
// mode with execution starting at the reset vector.
func ResetRegs() Regs {
	return Regs{
		RFLAGS: 0x2,
		RIP:    0xfff0,
		CR0:    0x60000010,
	}
}
