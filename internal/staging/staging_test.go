package staging

import (
	"errors"
	"math"
	"testing"

	"github.com/tinyrange/dmaprotect/internal/fwerr"
	"github.com/tinyrange/dmaprotect/internal/platform"
)

const (
	testBase = 0x400000
	testSize = 0x10000
)

func newBuffer(t *testing.T) *Buffer {
	t.Helper()
	ram := platform.NewRAM(0, 16<<20)
	b, err := New(ram, testBase, testSize, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

type span struct{ start, end uint64 }

func (s span) overlaps(o span) bool { return s.start < o.end && o.start < s.end }

func TestAllocationsNeverOverlap(t *testing.T) {
	b := newBuffer(t)

	var spans []span
	add := func(start, n uint64) {
		s := span{start, start + n}
		if s.start < testBase || s.end > testBase+testSize {
			t.Fatalf("allocation [0x%x, 0x%x) outside buffer", s.start, s.end)
		}
		for _, o := range spans {
			if s.overlaps(o) {
				t.Fatalf("allocation [0x%x, 0x%x) overlaps [0x%x, 0x%x)", s.start, s.end, o.start, o.end)
			}
		}
		spans = append(spans, s)
	}

	sizes := []uint64{1, 4096, 13, 0x2100, 7, 64, 0x1000, 3}
	for i, n := range sizes {
		if i%2 == 0 {
			alloc, err := b.AllocateFromBottom(n)
			if err != nil {
				t.Fatalf("AllocateFromBottom(%d): %v", n, err)
			}
			add(alloc.Payload, n)
			add(alloc.Record, RecordSize)
		} else {
			addr, err := b.AllocateFromTop(n)
			if err != nil {
				t.Fatalf("AllocateFromTop(%d): %v", n, err)
			}
			if addr%platform.PageSize != 0 {
				t.Fatalf("top allocation 0x%x not page aligned", addr)
			}
			add(addr, platform.AlignUp(n, platform.PageSize))
		}
	}

	s := b.Stats()
	if s.Bottom > s.Top {
		t.Fatalf("bottom 0x%x crossed top 0x%x", s.Bottom, s.Top)
	}
}

func TestOutOfResourcesLeavesCursors(t *testing.T) {
	b := newBuffer(t)
	if _, err := b.AllocateFromBottom(0x100); err != nil {
		t.Fatalf("AllocateFromBottom: %v", err)
	}
	if _, err := b.AllocateFromTop(0x1000); err != nil {
		t.Fatalf("AllocateFromTop: %v", err)
	}
	before := b.Stats()

	if _, err := b.AllocateFromTop(before.Free + 1); !errors.Is(err, fwerr.ErrOutOfResources) {
		t.Fatalf("oversized top allocation: err = %v", err)
	}
	if _, err := b.AllocateFromBottom(before.Free); !errors.Is(err, fwerr.ErrOutOfResources) {
		t.Fatalf("oversized bottom allocation: err = %v", err)
	}
	if after := b.Stats(); after != before {
		t.Fatalf("cursors moved: before %+v after %+v", before, after)
	}
}

func TestWrappingSizesRejected(t *testing.T) {
	b := newBuffer(t)
	before := b.Stats()
	for _, n := range []uint64{math.MaxUint64, math.MaxUint64 - 8, math.MaxUint64 - RecordSize} {
		if _, err := b.AllocateFromBottom(n); !errors.Is(err, fwerr.ErrInvalidParameter) {
			t.Errorf("AllocateFromBottom(0x%x): err = %v", n, err)
		}
		if _, err := b.AllocateFromTop(n); !errors.Is(err, fwerr.ErrInvalidParameter) {
			t.Errorf("AllocateFromTop(0x%x): err = %v", n, err)
		}
	}
	if after := b.Stats(); after != before {
		t.Fatalf("cursors moved: before %+v after %+v", before, after)
	}
}

func TestTopFreeOrder(t *testing.T) {
	b := newBuffer(t)
	first, _ := b.AllocateFromTop(0x1000)
	second, _ := b.AllocateFromTop(0x1800)
	if second != first-0x2000 {
		t.Fatalf("second top allocation 0x%x, want 0x%x", second, first-0x2000)
	}

	b.FreeFromTop(first, 0x1000)
	if got := b.Stats().Top; got != second {
		t.Fatalf("out-of-order free moved top to 0x%x", got)
	}
	b.FreeFromTop(second, 0x1800)
	if got := b.Stats().Top; got != first {
		t.Fatalf("top = 0x%x after LIFO free, want 0x%x", got, first)
	}
}

func TestBottomFreeOutOfOrderLeaks(t *testing.T) {
	b := newBuffer(t)
	a, _ := b.AllocateFromBottom(40)
	c, _ := b.AllocateFromBottom(100)
	bottom := b.Stats().Bottom

	if err := b.FreeFromBottom(a.Record); err != nil {
		t.Fatalf("out-of-order free: %v", err)
	}
	if got := b.Stats().Bottom; got != bottom {
		t.Fatalf("bottom moved to 0x%x on out-of-order free", got)
	}

	if err := b.FreeFromBottom(c.Record); err != nil {
		t.Fatalf("LIFO free: %v", err)
	}
	if got := b.Stats().Bottom; got != c.Payload {
		t.Fatalf("bottom = 0x%x, want 0x%x", got, c.Payload)
	}

	// The first record was invalidated and its space is not recovered.
	if err := b.FreeFromBottom(a.Record); !errors.Is(err, fwerr.ErrInvalidParameter) {
		t.Fatalf("second free of leaked record: err = %v", err)
	}
	if got := b.Stats().Bottom; got != c.Payload {
		t.Fatalf("bottom = 0x%x after reusing a leaked record", got)
	}
}

func TestRecordLayout(t *testing.T) {
	b := newBuffer(t)
	alloc, err := b.AllocateFromBottom(13)
	if err != nil {
		t.Fatalf("AllocateFromBottom: %v", err)
	}
	if alloc.Payload != testBase || alloc.Record != testBase+16 {
		t.Fatalf("allocation = %+v", alloc)
	}
	rec, err := b.ReadRecord(alloc.Record)
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	want := Record{Signature: Signature, NumberOfBytes: 13, DeviceAddress: testBase}
	if rec != want {
		t.Fatalf("record = %+v, want %+v", rec, want)
	}
	if _, err := b.ReadRecord(alloc.Payload); !errors.Is(err, fwerr.ErrInvalidParameter) {
		t.Fatalf("reading payload as record: err = %v", err)
	}
	if _, err := b.ReadRecord(testBase + testSize); !errors.Is(err, fwerr.ErrInvalidParameter) {
		t.Fatalf("reading outside buffer: err = %v", err)
	}
}

func TestNewRejectsUnalignedBase(t *testing.T) {
	ram := platform.NewRAM(0, 1<<20)
	if _, err := New(ram, 0x1234, 0x1000, nil); !errors.Is(err, fwerr.ErrInvalidParameter) {
		t.Fatalf("New: err = %v", err)
	}
}
