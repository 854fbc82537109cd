package memory

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

// The mmap pair is swapped out to exercise the rollback path; these
// tests therefore cannot run in parallel with each other.

func withFakeMmap(t *testing.T, failAt int) (mapped *int, unmapped *int) {
	t.Helper()

	origMmap, origMunmap := mmapAnon, munmap

	t.Cleanup(func() {
		mmapAnon, munmap = origMmap, origMunmap
	})

	var m, u int

	mmapAnon = func(size int) ([]byte, error) {
		if m == failAt {
			return nil, unix.ENOMEM
		}

		m++

		return make([]byte, size), nil
	}
	munmap = func([]byte) error {
		u++

		return nil
	}

	return &m, &u
}

func TestAllocateRollsBackOnFailure(t *testing.T) {
	// The second RAM range fails; the first must be unmapped again.
	_, unmapped := withFakeMmap(t, 1)

	ranges, err := NewMap(2 << 20)
	if err != nil {
		t.Fatal(err)
	}

	err = Allocate(ranges)
	if !errors.Is(err, ErrNoMem) {
		t.Fatalf("got %v, want ErrNoMem", err)
	}

	if *unmapped != 1 {
		t.Errorf("%d ranges unmapped on rollback, want 1", *unmapped)
	}

	for i := range ranges {
		if ranges[i].Data != nil || ranges[i].HVA != 0 {
			t.Errorf("range %d left mapped after failed allocation", i)
		}
	}
}

func TestAllocateENOMEMDiagnostic(t *testing.T) {
	withFakeMmap(t, 0)

	ranges, err := NewMap(2 << 20)
	if err != nil {
		t.Fatal(err)
	}

	err = Allocate(ranges)
	if !errors.Is(err, ErrNoMem) {
		t.Fatalf("got %v, want ErrNoMem", err)
	}

	// The diagnostic names the current data limit.
	if got := err.Error(); !strings.Contains(got, "data limit") {
		t.Errorf("diagnostic %q does not mention the data limit", got)
	}
}
