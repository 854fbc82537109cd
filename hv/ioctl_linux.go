package hv

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"vmproc/memory"
)

// DefaultPath is the hypervisor control node.
const DefaultPath = "/dev/vmm"

// ioctl request encoding (dir in bits 30-31, size 16-29, type 8-15, nr 0-7).
const (
	iocWrite = 1
	iocRead  = 2

	hvIoctlType = 'V'
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | hvIoctlType<<8 | nr
}

func iow(nr, size uintptr) uintptr  { return ioc(iocWrite, nr, size) }
func iowr(nr, size uintptr) uintptr { return ioc(iocWrite|iocRead, nr, size) }

var (
	reqCreate      = iowr(1, unsafe.Sizeof(rawCreate{}))
	reqRun         = iowr(2, unsafe.Sizeof(rawRun{}))
	reqTerminate   = iow(3, unsafe.Sizeof(rawTerminate{}))
	reqIntr        = iow(4, unsafe.Sizeof(rawIntr{}))
	reqReadRegs    = iowr(5, unsafe.Sizeof(rawRegs{}))
	reqWriteRegs   = iow(6, unsafe.Sizeof(rawRegs{}))
	reqResetVCPU   = iow(7, unsafe.Sizeof(rawRegs{}))
	reqReadParams  = iowr(8, unsafe.Sizeof(rawVCPUParams{}))
	reqWriteParams = iow(9, unsafe.Sizeof(rawVCPUParams{}))
	reqShareMem    = iow(10, unsafe.Sizeof(rawShareMem{}))
)

// Kernel ABI mirrors. Layouts are fixed; bools travel as bytes.
type rawMemRange struct {
	GPA  uint64
	HVA  uint64
	Size uint64
	Kind uint32
	_    uint32
}

type rawCreate struct {
	Name       [MaxNameLen]byte
	NCPUs      uint32
	NMemranges uint32
	NDisks     uint32
	NNICs      uint32
	SEV        uint32
	ID         uint32
	Memranges  [MaxMemRanges]rawMemRange
	ASIDs      [MaxVCPUs]uint32
}

type rawRun struct {
	VMID         uint32
	VCPUID       uint32
	InjectType   uint8
	InjectVector uint8
	IntrPending  uint8
	IrqReady     uint8
	ExitReason   uint32
	IOIn         uint8
	IOSize       uint8
	IOPort       uint16
	IOData       [4]byte
	MMIOGPA      uint64
	MMIOData     [8]byte
	MMIOLen      uint32
	MMIOIsWrite  uint8
	_            [3]byte
}

type rawTerminate struct {
	VMID uint32
}

type rawIntr struct {
	VMID   uint32
	VCPUID uint32
	Vector uint8
	_      [3]byte
}

type rawRegs struct {
	VMID   uint32
	VCPUID uint32
	Regs   Regs
}

type rawVCPUParams struct {
	VMID   uint32
	VCPUID uint32
	Params VCPUParams
}

type rawShareMem struct {
	VMID       uint32
	NMemranges uint32
	Memranges  [MaxMemRanges]rawMemRange
}

// IoctlDevice drives the kernel hypervisor through its control node. All
// failures surface the raw platform error code.
type IoctlDevice struct {
	f *os.File
}

var _ Device = (*IoctlDevice)(nil)

// Open opens the hypervisor control node at path.
func Open(path string) (*IoctlDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &IoctlDevice{f: f}, nil
}

func (d *IoctlDevice) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), req, uintptr(arg))
	if errno != 0 {
		return errno
	}

	return nil
}

func (d *IoctlDevice) Create(p *CreateParams) error {
	raw := rawCreate{
		NCPUs:      p.NCPUs,
		NMemranges: uint32(len(p.Memranges)),
		NDisks:     p.NDisks,
		NNICs:      p.NNICs,
	}

	// Validate caps the name below MaxNameLen, leaving the NUL in place.
	copy(raw.Name[:], p.Name)

	if p.SEV {
		raw.SEV = 1
	}

	for i := range p.Memranges {
		raw.Memranges[i] = toRawRange(&p.Memranges[i])
	}

	if err := d.ioctl(reqCreate, unsafe.Pointer(&raw)); err != nil {
		return err
	}

	p.ID = raw.ID
	p.ASIDs = make([]uint32, p.NCPUs)
	copy(p.ASIDs, raw.ASIDs[:p.NCPUs])

	return nil
}

func (d *IoctlDevice) Terminate(vmID uint32) error {
	raw := rawTerminate{VMID: vmID}

	return d.ioctl(reqTerminate, unsafe.Pointer(&raw))
}

func (d *IoctlDevice) Run(p *RunParams) error {
	raw := rawRun{
		VMID:         p.VMID,
		VCPUID:       p.VCPUID,
		InjectType:   uint8(p.Inject.Type),
		InjectVector: p.Inject.Vector,
	}

	if p.IntrPending {
		raw.IntrPending = 1
	}

	if err := d.ioctl(reqRun, unsafe.Pointer(&raw)); err != nil {
		return err
	}

	p.IrqReady = raw.IrqReady != 0
	p.ExitReason = ExitReason(raw.ExitReason)
	p.IO = ExitIO{
		In:   raw.IOIn != 0,
		Size: raw.IOSize,
		Port: raw.IOPort,
		Data: raw.IOData,
	}
	p.MMIO = ExitMMIO{
		GPA:     raw.MMIOGPA,
		Data:    raw.MMIOData,
		Len:     raw.MMIOLen,
		IsWrite: raw.MMIOIsWrite != 0,
	}

	return nil
}

func (d *IoctlDevice) Intr(vmID, vcpuID uint32, vector uint8) error {
	raw := rawIntr{VMID: vmID, VCPUID: vcpuID, Vector: vector}

	return d.ioctl(reqIntr, unsafe.Pointer(&raw))
}

func (d *IoctlDevice) ReadRegs(vmID, vcpuID uint32) (Regs, error) {
	raw := rawRegs{VMID: vmID, VCPUID: vcpuID}

	if err := d.ioctl(reqReadRegs, unsafe.Pointer(&raw)); err != nil {
		return Regs{}, err
	}

	return raw.Regs, nil
}

func (d *IoctlDevice) WriteRegs(vmID, vcpuID uint32, regs Regs) error {
	raw := rawRegs{VMID: vmID, VCPUID: vcpuID, Regs: regs}

	return d.ioctl(reqWriteRegs, unsafe.Pointer(&raw))
}

func (d *IoctlDevice) ResetVCPU(vmID, vcpuID uint32, regs Regs) error {
	raw := rawRegs{VMID: vmID, VCPUID: vcpuID, Regs: regs}

	return d.ioctl(reqResetVCPU, unsafe.Pointer(&raw))
}

func (d *IoctlDevice) ReadVCPUParams(vmID, vcpuID uint32) (VCPUParams, error) {
	raw := rawVCPUParams{VMID: vmID, VCPUID: vcpuID}

	if err := d.ioctl(reqReadParams, unsafe.Pointer(&raw)); err != nil {
		return VCPUParams{}, err
	}

	return raw.Params, nil
}

func (d *IoctlDevice) WriteVCPUParams(vmID, vcpuID uint32, params VCPUParams) error {
	raw := rawVCPUParams{VMID: vmID, VCPUID: vcpuID, Params: params}

	return d.ioctl(reqWriteParams, unsafe.Pointer(&raw))
}

func (d *IoctlDevice) ShareMem(vmID uint32, ranges []memory.Range) error {
	raw := rawShareMem{VMID: vmID, NMemranges: uint32(len(ranges))}

	for i := range ranges {
		raw.Memranges[i] = toRawRange(&ranges[i])
	}

	return d.ioctl(reqShareMem, unsafe.Pointer(&raw))
}

func (d *IoctlDevice) Close() error {
	return d.f.Close()
}

func toRawRange(r *memory.Range) rawMemRange {
	return rawMemRange{
		GPA:  r.GPA,
		HVA:  r.HVA,
		Size: r.Size,
		Kind: uint32(r.Kind),
	}
}
