package memory_test

import (
	"errors"
	"testing"

	"vmproc/memory"
)

var errCommit = errors.New("commit refused")

func TestRemapCommitsReservedAddresses(t *testing.T) {
	t.Parallel()

	ranges, err := memory.NewMap(2 << 20)
	if err != nil {
		t.Fatal(err)
	}

	calls := 0

	err = memory.Remap(ranges, func(rs []memory.Range) error {
		calls++

		for i := range rs {
			if rs[i].Kind == memory.MMIO {
				if rs[i].HVA != 0 {
					t.Errorf("mmio range %d has a host address", i)
				}

				continue
			}

			if rs[i].HVA == 0 {
				t.Errorf("ram range %d committed without a host address", i)
			}

			if rs[i].HVA%memory.PageSize != 0 {
				t.Errorf("ram range %d address not page aligned", i)
			}
		}

		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// One batched commit, not one per range.
	if calls != 1 {
		t.Errorf("commit called %d times, want 1", calls)
	}
}

func TestRemapCommitFailure(t *testing.T) {
	t.Parallel()

	ranges, err := memory.NewMap(2 << 20)
	if err != nil {
		t.Fatal(err)
	}

	err = memory.Remap(ranges, func([]memory.Range) error { return errCommit })
	if !errors.Is(err, errCommit) {
		t.Fatalf("got %v, want commit error", err)
	}
}
