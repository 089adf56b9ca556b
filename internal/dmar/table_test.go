package dmar

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/dmaprotect/internal/fwerr"
)

var (
	gfxScope  = NewDeviceScope(ScopePCIEndpoint, 0, 0, PathEntry{Device: 2, Function: 0})
	usbScope  = NewDeviceScope(ScopePCIEndpoint, 0, 0, PathEntry{Device: 0x14, Function: 0})
	hpetScope = NewDeviceScope(ScopeHPET, 0, 0xf0, PathEntry{Device: 0x1f, Function: 0})
)

// fixChecksum recomputes the table checksum after a test mutates raw bytes.
func fixChecksum(blob []byte) {
	blob[9] = 0
	blob[9] = 0 - checksum(blob[:binary.LittleEndian.Uint32(blob[4:8])])
}

func TestParseCountsUnitsAmongOtherRecords(t *testing.T) {
	blob := NewBuilder(38).
		AddRecord(TypeRHSA, make([]byte, 16)).
		AddUnit(0, 0, 0xfed90000, gfxScope).
		AddRecord(TypeATSR, make([]byte, 4)).
		AddReserved(0, 0x7c000000, 0x7c7fffff, usbScope).
		AddUnit(FlagIncludePCIAll, 0, 0xfed91000, hpetScope).
		AddRecord(TypeANDD, make([]byte, 8)).
		AddUnit(0, 1, 0xfed92000).
		Bytes()

	tbl, err := Parse(blob)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if got := tbl.Header.HostAddressWidth; got != 38 {
		t.Fatalf("host address width = %d, want 38", got)
	}
	if len(tbl.Units) != 3 {
		t.Fatalf("unit count = %d, want 3", len(tbl.Units))
	}
	wantBases := []uint64{0xfed90000, 0xfed91000, 0xfed92000}
	for i, u := range tbl.Units {
		if u.Ordinal != i {
			t.Errorf("unit %d ordinal = %d", i, u.Ordinal)
		}
		if u.RegisterBase != wantBases[i] {
			t.Errorf("unit %d base = 0x%x, want 0x%x", i, u.RegisterBase, wantBases[i])
		}
	}
	if !tbl.Units[1].IncludePCIAll() || tbl.Units[0].IncludePCIAll() {
		t.Fatalf("include-all flag decoded incorrectly")
	}
	if tbl.Units[2].Segment != 1 {
		t.Fatalf("unit 2 segment = %d, want 1", tbl.Units[2].Segment)
	}
	if len(tbl.Units[0].Scopes) != 1 || !tbl.Units[0].Scopes[0].Equal(gfxScope) {
		t.Fatalf("unit 0 scopes = %v", tbl.Units[0].Scopes)
	}

	if len(tbl.Reserved) != 1 {
		t.Fatalf("reserved count = %d, want 1", len(tbl.Reserved))
	}
	r := tbl.Reserved[0]
	if r.Base != 0x7c000000 || r.Limit != 0x7c7fffff {
		t.Fatalf("reserved range = [0x%x, 0x%x]", r.Base, r.Limit)
	}
	if len(r.Scopes) != 1 || !r.Scopes[0].Equal(usbScope) {
		t.Fatalf("reserved scopes = %v", r.Scopes)
	}
}

func TestParseNoUnits(t *testing.T) {
	tbl, err := Parse(NewBuilder(38).AddRecord(TypeATSR, make([]byte, 4)).Bytes())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(tbl.Units) != 0 || len(tbl.Reserved) != 0 {
		t.Fatalf("unexpected records: %+v", tbl)
	}
}

func TestParseSkipsAbsentReserved(t *testing.T) {
	blob := NewBuilder(38).
		AddUnit(FlagIncludePCIAll, 0, 0xfed90000).
		AddReserved(0, 0, 0x1000, usbScope).
		AddReserved(0, 0x1000, 0, usbScope).
		AddReserved(0, 0x2000, 0x2fff, usbScope).
		Bytes()

	tbl, err := Parse(blob)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(tbl.Reserved) != 1 || tbl.Reserved[0].Base != 0x2000 {
		t.Fatalf("reserved = %+v, want only [0x2000, 0x2fff]", tbl.Reserved)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	good := func() []byte {
		return NewBuilder(38).AddUnit(0, 0, 0xfed90000, gfxScope).AddReserved(0, 0x1000, 0x1fff).Bytes()
	}

	for _, tc := range []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{
			name: "record runs past end",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint16(b[tableFixedSize+2:], 0x400)
				fixChecksum(b)
				return b
			},
		},
		{
			name: "record length below header",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint16(b[tableFixedSize+2:], 2)
				fixChecksum(b)
				return b
			},
		},
		{
			name: "DRHD shorter than fixed part",
			mutate: func(b []byte) []byte {
				out := NewBuilder(38).AddRecord(TypeDRHD, make([]byte, 4)).Bytes()
				return out
			},
		},
		{
			name: "device scope overruns record",
			mutate: func(b []byte) []byte {
				b[tableFixedSize+drhdFixedSize+1] = 0x40
				fixChecksum(b)
				return b
			},
		},
		{
			name: "declared length past blob",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[4:8], uint32(len(b)+16))
				return b
			},
		},
		{
			name: "trailing partial record",
			mutate: func(b []byte) []byte {
				b = append(b, 0, 0)
				binary.LittleEndian.PutUint32(b[4:8], uint32(len(b)))
				fixChecksum(b)
				return b
			},
		},
		{
			name: "checksum",
			mutate: func(b []byte) []byte {
				b[36]++
				return b
			},
		},
		{
			name: "signature",
			mutate: func(b []byte) []byte {
				copy(b, "APIC")
				fixChecksum(b)
				return b
			},
		},
		{
			name:   "short blob",
			mutate: func(b []byte) []byte { return b[:20] },
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.mutate(good()))
			if !errors.Is(err, fwerr.ErrInvalidConfiguration) {
				t.Fatalf("err = %v, want invalid configuration", err)
			}
		})
	}
}

func TestParseIgnoresBytesBeyondDeclaredLength(t *testing.T) {
	blob := NewBuilder(38).AddUnit(0, 0, 0xfed90000).Bytes()
	blob = append(blob, 0xff, 0xff, 0xff, 0xff, 0xff)

	tbl, err := Parse(blob)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(tbl.Units) != 1 {
		t.Fatalf("unit count = %d, want 1", len(tbl.Units))
	}
}

func TestOwnerOf(t *testing.T) {
	tbl, err := Parse(NewBuilder(38).
		AddUnit(0, 0, 0xfed90000, gfxScope).
		AddUnit(FlagIncludePCIAll, 0, 0xfed91000, hpetScope).
		AddUnit(0, 1, 0xfed92000, usbScope).
		Bytes())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	for _, tc := range []struct {
		name    string
		segment uint16
		scope   DeviceScope
		want    int
		found   bool
	}{
		{name: "exact match", segment: 0, scope: gfxScope, want: 0, found: true},
		{name: "include all unit does not own unlisted devices", segment: 0, scope: usbScope, want: -1},
		{name: "include all unit scopes are not searched", segment: 0, scope: hpetScope, want: -1},
		{name: "other segment exact", segment: 1, scope: usbScope, want: 2, found: true},
		{name: "other segment no owner", segment: 1, scope: gfxScope, want: -1},
		{name: "unknown segment", segment: 7, scope: gfxScope, want: -1},
		{
			name:    "same path different type",
			segment: 1,
			scope:   NewDeviceScope(ScopePCISubHierarchy, 0, 0, PathEntry{Device: 0x14, Function: 0}),
			want:    -1,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := tbl.OwnerOf(tc.segment, tc.scope)
			if got != tc.want || ok != tc.found {
				t.Fatalf("OwnerOf = (%d, %v), want (%d, %v)", got, ok, tc.want, tc.found)
			}
		})
	}
}

func TestDeviceScopeEncoding(t *testing.T) {
	s := NewDeviceScope(ScopePCISubHierarchy, 3, 0x80, PathEntry{Device: 1, Function: 0}, PathEntry{Device: 0, Function: 2})
	if s.Len() != 10 || s.Bytes()[1] != 10 {
		t.Fatalf("length = %d / %d, want 10", s.Len(), s.Bytes()[1])
	}
	if s.Type() != ScopePCISubHierarchy || s.EnumerationID() != 3 || s.StartBus() != 0x80 {
		t.Fatalf("header fields decoded wrong: %v", s.Bytes())
	}
	if got := s.String(); got != "bridge(80:01.0:00.2)" {
		t.Fatalf("String() = %q", got)
	}
	longer := NewDeviceScope(ScopePCISubHierarchy, 3, 0x80, PathEntry{Device: 1, Function: 0})
	if s.Equal(longer) || longer.Equal(s) {
		t.Fatalf("scopes of different length compare equal")
	}

	var zero DeviceScope
	if zero.Type() != 0 || zero.StartBus() != 0 || zero.EnumerationID() != 0 || zero.Len() != 0 || len(zero.Path()) != 0 {
		t.Fatalf("zero scope decoded as %v", zero)
	}
}

func TestDeviceScopePathLimit(t *testing.T) {
	path := make([]PathEntry, MaxScopePath)
	s := NewDeviceScope(ScopePCISubHierarchy, 0, 0, path...)
	if int(s.Bytes()[1]) != s.Len() || s.Len() != 0xfe {
		t.Fatalf("length field = %d, entry length = %d", s.Bytes()[1], s.Len())
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("NewDeviceScope accepted %d hops", MaxScopePath+1)
		}
	}()
	NewDeviceScope(ScopePCISubHierarchy, 0, 0, make([]PathEntry, MaxScopePath+1)...)
}

func TestParseDeviceScope(t *testing.T) {
	for _, text := range []string{"pci(00:1f.3)", "bridge(80:01.0:00.2)", "ioapic(f0:1f.0)"} {
		s, err := ParseDeviceScope(text)
		if err != nil {
			t.Fatalf("ParseDeviceScope(%q): %v", text, err)
		}
		if got := s.String(); got != text {
			t.Errorf("round trip of %q = %q", text, got)
		}
	}

	tooLong := "bridge(00" + strings.Repeat(":01.0", MaxScopePath+1) + ")"
	for _, text := range []string{"pci", "pci(00)", "nic(00:01.0)", "pci(zz:01.0)", "pci(00:20.0)", "pci(00:01.8)", tooLong} {
		if _, err := ParseDeviceScope(text); err == nil {
			t.Errorf("ParseDeviceScope(%q) succeeded", text)
		}
	}
}
