package memory_test

import (
	"errors"
	"testing"

	"vmproc/memory"
)

func TestNewMapLayout(t *testing.T) {
	t.Parallel()

	const size = 2 << 20

	ranges, err := memory.NewMap(size)
	if err != nil {
		t.Fatal(err)
	}

	if len(ranges) != 3 {
		t.Fatalf("got %d ranges, want 3", len(ranges))
	}

	if ranges[0].Kind != memory.RAM || ranges[0].GPA != 0 {
		t.Error("first range must be low ram at 0")
	}

	if ranges[1].Kind != memory.MMIO {
		t.Error("second range must be the mmio hole")
	}

	if ranges[2].Kind != memory.RAM || ranges[2].GPA != 0x100000 {
		t.Error("third range must be high ram at 1M")
	}

	if got := memory.RAMSize(ranges); got != size-ranges[1].Size {
		t.Errorf("ram size %#x, want %#x", got, size-ranges[1].Size)
	}

	// The hole carries no content; contiguity still has to hold.
	for i := 1; i < len(ranges); i++ {
		if ranges[i].GPA != ranges[i-1].GPA+ranges[i-1].Size {
			t.Errorf("gap before range %d", i)
		}
	}
}

func TestNewMapRejectsBadSizes(t *testing.T) {
	t.Parallel()

	if _, err := memory.NewMap(2<<20 + 1); !errors.Is(err, memory.ErrBadRangeSize) {
		t.Errorf("unaligned size: got %v", err)
	}

	if _, err := memory.NewMap(0x100000); !errors.Is(err, memory.ErrTooSmall) {
		t.Errorf("too small: got %v", err)
	}
}

func TestValidateMap(t *testing.T) {
	t.Parallel()

	good := []memory.Range{{Size: memory.PageSize}, {Size: 4 * memory.PageSize, Kind: memory.MMIO}}
	if err := memory.ValidateMap(good); err != nil {
		t.Error(err)
	}

	bad := []memory.Range{{Size: memory.PageSize + 1}}
	if err := memory.ValidateMap(bad); !errors.Is(err, memory.ErrBadRangeSize) {
		t.Errorf("got %v, want ErrBadRangeSize", err)
	}

	zero := []memory.Range{{Size: 0}}
	if err := memory.ValidateMap(zero); !errors.Is(err, memory.ErrBadRangeSize) {
		t.Errorf("got %v, want ErrBadRangeSize", err)
	}
}

func TestFindRAM(t *testing.T) {
	t.Parallel()

	ranges, err := memory.NewMap(2 << 20)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		gpa, size uint64
		want      int // index into ranges, -1 for nil
	}{
		{"low start", 0, 16, 0},
		{"low end", 0xa0000 - 16, 16, 0},
		{"in hole", 0xa0000, 16, -1},
		{"straddles hole", 0xa0000 - 8, 16, -1},
		{"high", 0x100000, 16, 2},
		{"past end", 2 << 20, 16, -1},
	}

	for _, tt := range tests {
		got := memory.FindRAM(ranges, tt.gpa, tt.size)

		if tt.want < 0 {
			if got != nil {
				t.Errorf("%s: expected no range", tt.name)
			}

			continue
		}

		if got != &ranges[tt.want] {
			t.Errorf("%s: wrong range", tt.name)
		}
	}
}

func TestAllocateBacksRAMOnly(t *testing.T) {
	t.Parallel()

	ranges, err := memory.NewMap(2 << 20)
	if err != nil {
		t.Fatal(err)
	}

	if err := memory.Allocate(ranges); err != nil {
		t.Fatal(err)
	}
	defer memory.Release(ranges)

	for i := range ranges {
		r := &ranges[i]

		if r.Kind == memory.MMIO {
			if r.Data != nil || r.HVA != 0 {
				t.Errorf("mmio range %d got a host mapping", i)
			}

			continue
		}

		if r.HVA == 0 || uint64(len(r.Data)) != r.Size {
			t.Fatalf("ram range %d not fully backed", i)
		}

		// Fresh mappings are zero and writable.
		r.Data[0] = 0xa5
		r.Data[len(r.Data)-1] = 0x5a
	}
}

func TestReleaseClearsMappings(t *testing.T) {
	t.Parallel()

	ranges, err := memory.NewMap(2 << 20)
	if err != nil {
		t.Fatal(err)
	}

	if err := memory.Allocate(ranges); err != nil {
		t.Fatal(err)
	}

	memory.Release(ranges)

	for i := range ranges {
		if ranges[i].Data != nil || ranges[i].HVA != 0 {
			t.Errorf("range %d still mapped after release", i)
		}
	}

	// Releasing twice is harmless.
	memory.Release(ranges)
}
