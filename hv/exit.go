package hv

import "fmt"

// ExitReason says why a run slice returned to userspace.
type ExitReason uint32

const (
	// ExitNone: the slice ended without needing assistance (e.g. the
	// kernel handled the exit itself).
	ExitNone ExitReason = iota
	ExitIOReason
	ExitMMIOReason
	ExitHypercall
	ExitHLT
	ExitIntr
	ExitShutdown
	ExitFailEntry
	ExitInternalError
	// ExitTerminated: the kernel destroyed the guest; the worker loop
	// ends normally.
	ExitTerminated
)

func (e ExitReason) String() string {
	switch e {
	case ExitNone:
		return "none"
	case ExitIOReason:
		return "io"
	case ExitMMIOReason:
		return "mmio"
	case ExitHypercall:
		return "hypercall"
	case ExitHLT:
		return "hlt"
	case ExitIntr:
		return "intr"
	case ExitShutdown:
		return "shutdown"
	case ExitFailEntry:
		return "failentry"
	case ExitInternalError:
		return "internalerror"
	case ExitTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("ExitReason(%d)", uint32(e))
	}
}
