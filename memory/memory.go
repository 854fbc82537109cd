// Package memory manages guest physical memory: the range layout of a
// guest, the host-side allocations backing each RAM range, and the
// remapping pass used when a guest is handed off during migration.
package memory

import (
	"errors"
	"fmt"
)

const (
	// PageSize is the allocation and migration-transfer granularity.
	// Every range size must be a multiple of it.
	PageSize = 4096

	// lowRAMEnd is the end of conventional low memory.
	lowRAMEnd = 0xa0000
	// highRAMBase is where RAM resumes above the legacy I/O hole.
	highRAMBase = 0x100000
)

var (
	ErrBadRangeSize = errors.New("range size not a multiple of page size")
	ErrTooSmall     = errors.New("guest memory size too small")
)

// Kind is the backing type of a guest physical range.
type Kind uint8

const (
	RAM Kind = iota
	MMIO
)

func (k Kind) String() string {
	if k == MMIO {
		return "mmio"
	}

	return "ram"
}

// Range is one contiguous guest physical interval. RAM ranges get a host
// allocation from Allocate; MMIO ranges never do. HVA and Data are written
// once by Allocate (or once more, to fresh values, by Remap) and are
// read-only everywhere else.
type Range struct {
	GPA  uint64
	Size uint64
	Kind Kind

	HVA  uint64
	Data []byte
}

// NewMap builds the default guest memory layout for size bytes of RAM:
// conventional memory below 640K, a reserved MMIO hole up to 1M, and the
// remaining RAM above 1M.
func NewMap(size uint64) ([]Range, error) {
	if size%PageSize != 0 {
		return nil, fmt.Errorf("%w: %#x", ErrBadRangeSize, size)
	}

	if size <= highRAMBase {
		return nil, fmt.Errorf("%w: %#x", ErrTooSmall, size)
	}

	return []Range{
		{GPA: 0, Size: lowRAMEnd, Kind: RAM},
		{GPA: lowRAMEnd, Size: highRAMBase - lowRAMEnd, Kind: MMIO},
		{GPA: highRAMBase, Size: size - highRAMBase, Kind: RAM},
	}, nil
}

// ValidateMap checks that every range is page aligned in size. Migration
// streams memory in fixed PageSize chunks, so this is a creation-time
// precondition, not something handled at migration time.
func ValidateMap(ranges []Range) error {
	for i := range ranges {
		if ranges[i].Size == 0 || ranges[i].Size%PageSize != 0 {
			return fmt.Errorf("%w: range %d size %#x", ErrBadRangeSize, i, ranges[i].Size)
		}
	}

	return nil
}

// RAMSize returns the total byte count of RAM ranges (MMIO carries no
// content).
func RAMSize(ranges []Range) uint64 {
	var total uint64

	for i := range ranges {
		if ranges[i].Kind == RAM {
			total += ranges[i].Size
		}
	}

	return total
}

// FindRAM returns the RAM range containing [gpa, gpa+size), or nil.
func FindRAM(ranges []Range, gpa, size uint64) *Range {
	for i := range ranges {
		r := &ranges[i]
		if r.Kind != RAM {
			continue
		}

		if gpa >= r.GPA && gpa+size <= r.GPA+r.Size {
			return r
		}
	}

	return nil
}
