package memory

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrNoMem reports host memory exhaustion while backing guest RAM. It is
// distinguishable from other allocation failures so callers can surface an
// actionable diagnostic.
var ErrNoMem = errors.New("could not allocate guest memory")

// Allocation failures must roll back cleanly, so the mmap pair is
// indirected for tests.
var (
	mmapAnon = func(size int) ([]byte, error) {
		return unix.Mmap(-1, 0, size,
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	}
	munmap = unix.Munmap
)

// Allocate backs every RAM range with a zero-initialized, shareable host
// mapping and records its host virtual address in the range.
//
// Each range gets its own mapping rather than one large one: the ranges
// land at independent randomized addresses, and the kernel device maps
// each guest physical range onto a full host mapping with no partial
// references.
//
// If any allocation fails, every mapping made so far is released before
// returning, so no partial success is observable.
func Allocate(ranges []Range) error {
	for i := range ranges {
		r := &ranges[i]

		if r.Kind == MMIO {
			continue
		}

		buf, err := mmapAnon(int(r.Size))
		if err != nil {
			Release(ranges[:i])

			if errors.Is(err, unix.ENOMEM) {
				return fmt.Errorf("%w: range %d (%s): %s",
					ErrNoMem, i, scaled(r.Size), dataLimit())
			}

			return fmt.Errorf("mmap range %d (%s): %w", i, scaled(r.Size), err)
		}

		r.Data = buf
		r.HVA = uint64(bufAddr(buf))
	}

	return nil
}

// Release unmaps every allocated RAM range and clears its host address.
func Release(ranges []Range) {
	for i := range ranges {
		r := &ranges[i]

		if r.Data == nil {
			continue
		}

		_ = munmap(r.Data)
		r.Data = nil
		r.HVA = 0
	}
}

// dataLimit describes the current data segment rlimit, for ENOMEM
// diagnostics.
func dataLimit() string {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_DATA, &lim); err != nil {
		return "data limit unknown"
	}

	return fmt.Sprintf("data limit is %s", scaled(lim.Cur))
}

func scaled(n uint64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%dG", n>>30)
	case n >= 1<<20:
		return fmt.Sprintf("%dM", n>>20)
	case n >= 1<<10:
		return fmt.Sprintf("%dK", n>>10)
	default:
		return fmt.Sprintf("%dB", n)
	}
}
