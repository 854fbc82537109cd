package memory

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Remap re-enters the host mappings for a guest whose memory already lives
// in the kernel, assigning fresh host virtual addresses to every RAM
// range.
//
// It works in two phases so the addresses cannot collide with concurrent
// allocations: first a reservation pass mmaps a read-only placeholder per
// RAM range to claim randomized, non-overlapping address space, then the
// placeholders are released and commit is invoked once with the chosen
// addresses. The kernel re-creates the mappings in place, so the guest's
// memory content is retained.
func Remap(ranges []Range, commit func([]Range) error) error {
	reserved := make([][]byte, len(ranges))

	for i := range ranges {
		r := &ranges[i]

		if r.Kind == MMIO {
			r.HVA = 0
			continue
		}

		buf, err := unix.Mmap(-1, 0, int(r.Size), unix.PROT_READ, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			for j := range reserved[:i] {
				if reserved[j] != nil {
					_ = unix.Munmap(reserved[j])
				}
			}

			return fmt.Errorf("reserve range %d: %w", i, err)
		}

		reserved[i] = buf
		r.HVA = uint64(bufAddr(buf))
	}

	// Drop the placeholders. The addresses stay ours only until someone
	// else maps, which is why commit is a single batched request.
	for i := range reserved {
		if reserved[i] == nil {
			continue
		}

		if err := unix.Munmap(reserved[i]); err != nil {
			return fmt.Errorf("unreserve range %d: %w", i, err)
		}
	}

	if err := commit(ranges); err != nil {
		return fmt.Errorf("remap commit: %w", err)
	}

	// The kernel has re-entered the mappings at the reserved addresses;
	// re-point each range's host slice at its new location.
	for i := range ranges {
		r := &ranges[i]

		if r.Kind == MMIO {
			continue
		}

		r.Data = unsafe.Slice((*byte)(unsafe.Pointer(uintptr(r.HVA))), r.Size)
	}

	return nil
}

func bufAddr(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(&buf[0]))
}
