// Package migration implements the byte-stream format used to hand a
// guest off between host processes. The stream is strictly sequential,
// with a fixed section order:
//
//	header
//	per-VCPU register blocks   (count = VCPU count)
//	memory contents            (RAM ranges in order, PageSize chunks)
//	opaque device-state block
//	opaque PCI-state block
//	opaque virtio-state block
//	per-VCPU kernel-parameter blocks (count = VCPU count)
//
// VCPU count and memory range layout are agreed out of band in the
// creation-parameters handshake; the stream does not carry them.
//
// Fixed-size structs travel little-endian; opaque blocks are prefixed
// with an 8-byte big-endian length.
package migration

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"vmproc/hv"
	"vmproc/memory"
)

const (
	streamMagic   = uint32(0x564d5053) // "VMPS"
	streamVersion = uint32(1)

	// ChunkSize is the fixed memory transfer granularity. Range sizes
	// divide it exactly by creation-time precondition.
	ChunkSize = memory.PageSize

	// maxBlockSize bounds opaque block allocation; a corrupt length
	// field must not exhaust host memory.
	maxBlockSize = 1 << 30
)

var (
	ErrBadMagic     = errors.New("stream header magic mismatch")
	ErrBadVersion   = errors.New("unsupported stream version")
	ErrBlockTooBig  = errors.New("opaque block exceeds size limit")
	ErrShortMemory  = errors.New("memory section truncated")
	errMMIOHasBytes = errors.New("mmio range has no stream content")
)

type header struct {
	Magic   uint32
	Version uint32
}

// Writer produces a migration stream section by section. Callers are
// responsible for emitting sections in the fixed order above.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

func (s *Writer) WriteHeader() error {
	h := header{Magic: streamMagic, Version: streamVersion}

	if err := binary.Write(s.w, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	return nil
}

// WriteRegs appends one VCPU register block.
func (s *Writer) WriteRegs(regs *hv.Regs) error {
	if err := binary.Write(s.w, binary.LittleEndian, regs); err != nil {
		return fmt.Errorf("write regs: %w", err)
	}

	return nil
}

// WriteMemory appends the contents of one RAM range, chunk by chunk.
// Every byte is transferred; there is no compression or sparsity
// detection.
func (s *Writer) WriteMemory(r *memory.Range) error {
	if r.Kind == memory.MMIO {
		return errMMIOHasBytes
	}

	for off := uint64(0); off < r.Size; off += ChunkSize {
		if _, err := s.w.Write(r.Data[off : off+ChunkSize]); err != nil {
			return fmt.Errorf("write memory chunk gpa %#x: %w", r.GPA+off, err)
		}
	}

	return nil
}

// WriteBlock appends one length-prefixed opaque state block.
func (s *Writer) WriteBlock(b []byte) error {
	var hdr [8]byte

	binary.BigEndian.PutUint64(hdr[:], uint64(len(b)))

	if _, err := s.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write block header: %w", err)
	}

	if len(b) > 0 {
		if _, err := s.w.Write(b); err != nil {
			return fmt.Errorf("write block payload: %w", err)
		}
	}

	return nil
}

// WriteVCPUParams appends one kernel-parameter block.
func (s *Writer) WriteVCPUParams(p *hv.VCPUParams) error {
	if err := binary.Write(s.w, binary.LittleEndian, p); err != nil {
		return fmt.Errorf("write vcpu params: %w", err)
	}

	return nil
}

// Reader consumes a migration stream in the same fixed order.
type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader { return &Reader{r: r} }

func (s *Reader) ReadHeader() error {
	var h header

	if err := binary.Read(s.r, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("read header: %w", err)
	}

	if h.Magic != streamMagic {
		return fmt.Errorf("%w: %#x", ErrBadMagic, h.Magic)
	}

	if h.Version != streamVersion {
		return fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}

	return nil
}

func (s *Reader) ReadRegs() (hv.Regs, error) {
	var regs hv.Regs

	if err := binary.Read(s.r, binary.LittleEndian, &regs); err != nil {
		return regs, fmt.Errorf("read regs: %w", err)
	}

	return regs, nil
}

// ReadMemory fills one RAM range from the stream, chunk by chunk.
func (s *Reader) ReadMemory(r *memory.Range) error {
	if r.Kind == memory.MMIO {
		return errMMIOHasBytes
	}

	for off := uint64(0); off < r.Size; off += ChunkSize {
		if _, err := io.ReadFull(s.r, r.Data[off:off+ChunkSize]); err != nil {
			return fmt.Errorf("%w: gpa %#x: %v", ErrShortMemory, r.GPA+off, err)
		}
	}

	return nil
}

func (s *Reader) ReadBlock() ([]byte, error) {
	var hdr [8]byte

	if _, err := io.ReadFull(s.r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read block header: %w", err)
	}

	length := binary.BigEndian.Uint64(hdr[:])
	if length > maxBlockSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBlockTooBig, length)
	}

	if length == 0 {
		return nil, nil
	}

	b := make([]byte, length)
	if _, err := io.ReadFull(s.r, b); err != nil {
		return nil, fmt.Errorf("read block payload (%d bytes): %w", length, err)
	}

	return b, nil
}

func (s *Reader) ReadVCPUParams() (hv.VCPUParams, error) {
	var p hv.VCPUParams

	if err := binary.Read(s.r, binary.LittleEndian, &p); err != nil {
		return p, fmt.Errorf("read vcpu params: %w", err)
	}

	return p, nil
}
