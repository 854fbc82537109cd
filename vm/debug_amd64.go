package vm

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"vmproc/hv"
	"vmproc/memory"
)

var errNoRAMAtRIP = errors.New("rip outside guest ram")

// x86 instructions never exceed 15 bytes; grab 16 and let the decoder
// find the boundary.
const instFetchLen = 16

// Inst disassembles the instruction a VCPU is stopped at. Only
// meaningful while the VCPU is not executing, typically from an exit
// trace or a debugger hook.
func (m *Machine) Inst(vcpu uint32) (string, error) {
	regs, err := m.dev.ReadRegs(m.params.ID, vcpu)
	if err != nil {
		return "", fmt.Errorf("read regs: %w", err)
	}

	r := memory.FindRAM(m.params.Memranges, regs.RIP, instFetchLen)
	if r == nil {
		return "", fmt.Errorf("%w: %#x", errNoRAMAtRIP, regs.RIP)
	}

	off := regs.RIP - r.GPA

	inst, err := x86asm.Decode(r.Data[off:off+instFetchLen], 64)
	if err != nil {
		return "", fmt.Errorf("decode at %#x: %w", regs.RIP, err)
	}

	return x86asm.GNUSyntax(inst, regs.RIP, nil), nil
}

func (m *Machine) traceExit(vrp *hv.RunParams) {
	s, err := m.Inst(vrp.VCPUID)
	if err != nil {
		m.log.Debug().
			Uint32("vcpu", vrp.VCPUID).
			Stringer("reason", vrp.ExitReason).
			Err(err).
			Msg("vcpu exit")

		return
	}

	m.log.Debug().
		Uint32("vcpu", vrp.VCPUID).
		Stringer("reason", vrp.ExitReason).
		Str("inst", s).
		Msg("vcpu exit")
}
