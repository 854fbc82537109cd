// Package hv is the adapter to the kernel hypervisor device. It defines
// the operation surface the rest of the process consumes and provides an
// ioctl-backed implementation of it.
package hv

import (
	"errors"
	"fmt"

	"vmproc/memory"
)

// Platform maxima enforced before any kernel resource is committed.
const (
	MaxVCPUs     = 64
	MaxMemRanges = 16
	MaxDisks     = 4
	MaxNICs      = 4
	// MaxNameLen includes the NUL terminator of the wire field.
	MaxNameLen = 64
)

// ErrConfig is any creation-parameter validation failure.
var ErrConfig = errors.New("invalid vm configuration")

// CreateParams describes one guest to the kernel device. ID and ASIDs are
// assigned by the kernel on creation.
type CreateParams struct {
	Name      string
	NCPUs     uint32
	Memranges []memory.Range
	NDisks    uint32
	NNICs     uint32
	SEV       bool

	ID    uint32
	ASIDs []uint32
}

// Validate fails fast on out-of-range counts so creation never partially
// registers a guest.
func (p *CreateParams) Validate() error {
	if len(p.Name) >= MaxNameLen {
		return fmt.Errorf("%w: name %q too long (max %d)", ErrConfig, p.Name, MaxNameLen-1)
	}

	if p.NCPUs < 1 || p.NCPUs > MaxVCPUs {
		return fmt.Errorf("%w: %d vcpus (max %d)", ErrConfig, p.NCPUs, MaxVCPUs)
	}

	if len(p.Memranges) < 1 || len(p.Memranges) > MaxMemRanges {
		return fmt.Errorf("%w: %d memory ranges (max %d)", ErrConfig, len(p.Memranges), MaxMemRanges)
	}

	if p.NDisks > MaxDisks {
		return fmt.Errorf("%w: %d disks (max %d)", ErrConfig, p.NDisks, MaxDisks)
	}

	if p.NNICs > MaxNICs {
		return fmt.Errorf("%w: %d nics (max %d)", ErrConfig, p.NNICs, MaxNICs)
	}

	return memory.ValidateMap(p.Memranges)
}

// InjectType selects what, if anything, to inject on the next run slice.
type InjectType uint8

const (
	InjectNone InjectType = iota
	InjectIntr
	InjectNMI
)

// Injection is the event delivered to the guest on VM entry.
type Injection struct {
	Type   InjectType
	Vector uint8
}

// RunParams is the per-VCPU request/response for one blocking run slice.
// The worker thread owning the VCPU overwrites Inject and IntrPending
// immediately before each run; the kernel fills IrqReady, ExitReason and
// the exit payload on return.
type RunParams struct {
	VMID   uint32
	VCPUID uint32

	// Inject is the interrupt to deliver on entry, if any.
	Inject Injection
	// IntrPending tells the kernel more interrupts are queued behind the
	// injected one, so it re-opens the interrupt window without a gap
	// between "delivered" and "more waiting".
	IntrPending bool

	// IrqReady reports whether the guest can accept an injection on the
	// next entry.
	IrqReady   bool
	ExitReason ExitReason
	IO         ExitIO
	MMIO       ExitMMIO
}

// ExitIO is the payload of an ExitIOReason exit.
type ExitIO struct {
	In   bool
	Size uint8
	Port uint16
	Data [4]byte
}

// ExitMMIO is the payload of an ExitMMIOReason exit.
type ExitMMIO struct {
	GPA     uint64
	Data    [8]byte
	Len     uint32
	IsWrite bool
}

// Device is the kernel hypervisor device as consumed by this process.
// Every operation returns the platform error code unchanged on failure.
type Device interface {
	// Create registers the guest and fills p.ID and p.ASIDs.
	Create(p *CreateParams) error
	// Terminate destroys the guest; running VCPUs observe ExitTerminated.
	Terminate(vmID uint32) error
	// Run executes one VCPU slice. It blocks until the guest exits back
	// to userspace or the kernel reports termination.
	Run(p *RunParams) error
	// Intr queues an interrupt vector for the guest.
	Intr(vmID, vcpuID uint32, vector uint8) error

	ReadRegs(vmID, vcpuID uint32) (Regs, error)
	WriteRegs(vmID, vcpuID uint32, regs Regs) error
	// ResetVCPU initializes a VCPU to the given register state.
	ResetVCPU(vmID, vcpuID uint32, regs Regs) error

	ReadVCPUParams(vmID, vcpuID uint32) (VCPUParams, error)
	WriteVCPUParams(vmID, vcpuID uint32, params VCPUParams) error

	// ShareMem re-enters host virtual to guest physical mappings at the
	// addresses recorded in ranges, retaining the kernel-side content.
	ShareMem(vmID uint32, ranges []memory.Range) error

	Close() error
}

// VCPUParams are kernel-private per-VCPU parameters (paravirtual clock
// bookkeeping) that must survive migration but are opaque to devices.
type VCPUParams struct {
	PvClockVersion   uint32
	PvClockFlags     uint32
	PvClockSystemGPA uint64
	PvClockWallGPA   uint64
}
