// Package dmar parses and builds ACPI DMA remapping (DMAR) tables.
//
// A DMAR table is the standard 36-byte ACPI header, a host address width byte,
// a flags byte, ten reserved bytes and then a chain of remapping structures,
// each starting with a 16-bit type and a 16-bit length.
package dmar

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/dmaprotect/internal/fwerr"
)

const (
	headerSize     = 36
	tableFixedSize = 48
	recordHdrSize  = 4

	drhdFixedSize  = 16
	rmrrFixedSize  = 24
	scopeFixedSize = 6

	Signature = "DMAR"
)

// RecordType identifies a remapping structure.
type RecordType uint16

const (
	TypeDRHD RecordType = 0 // remapping hardware unit
	TypeRMRR RecordType = 1 // reserved memory region
	TypeATSR RecordType = 2
	TypeRHSA RecordType = 3
	TypeANDD RecordType = 4
	TypeSATC RecordType = 5
)

func (t RecordType) String() string {
	switch t {
	case TypeDRHD:
		return "DRHD"
	case TypeRMRR:
		return "RMRR"
	case TypeATSR:
		return "ATSR"
	case TypeRHSA:
		return "RHSA"
	case TypeANDD:
		return "ANDD"
	case TypeSATC:
		return "SATC"
	default:
		return fmt.Sprintf("type%d", uint16(t))
	}
}

// FlagIncludePCIAll marks a DRHD that owns every PCI device in its segment
// not claimed by another unit.
const FlagIncludePCIAll uint8 = 1 << 0

// Header mirrors the ACPI table header plus the DMAR specific fields.
type Header struct {
	Signature       [4]byte
	Length          uint32
	Revision        uint8
	Checksum        uint8
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       [4]byte
	CreatorRevision uint32

	// HostAddressWidth holds N where the platform addresses N+1 bits.
	HostAddressWidth uint8
	Flags            uint8
}

// Unit is one remapping hardware unit definition.
type Unit struct {
	Ordinal      int
	Flags        uint8
	Segment      uint16
	RegisterBase uint64
	Scopes       []DeviceScope
}

// IncludePCIAll reports whether the unit covers all otherwise unclaimed
// devices of its segment.
func (u *Unit) IncludePCIAll() bool {
	return u.Flags&FlagIncludePCIAll != 0
}

// ReservedRegion is a reserved memory region (RMRR). Base and Limit are
// inclusive.
type ReservedRegion struct {
	Segment uint16
	Base    uint64
	Limit   uint64
	Scopes  []DeviceScope
}

// Table is a parsed DMAR table.
type Table struct {
	Header   Header
	Units    []Unit
	Reserved []ReservedRegion
}

// Parse decodes a DMAR blob. The engine array is sized by a counting pass
// before it is filled, and reserved regions are extracted by a third,
// independent pass. Any length field that runs past the declared end of the
// table is rejected.
func Parse(blob []byte) (*Table, error) {
	hdr, body, err := parseHeader(blob)
	if err != nil {
		return nil, err
	}

	count := 0
	if err := walk(body, func(typ RecordType, rec []byte) error {
		if typ == TypeDRHD {
			count++
		}
		return nil
	}); err != nil {
		return nil, err
	}

	units := make([]Unit, count)
	next := 0
	if err := walk(body, func(typ RecordType, rec []byte) error {
		if typ != TypeDRHD {
			return nil
		}
		u, err := parseUnit(rec)
		if err != nil {
			return err
		}
		u.Ordinal = next
		units[next] = u
		next++
		return nil
	}); err != nil {
		return nil, err
	}

	var reserved []ReservedRegion
	if err := walk(body, func(typ RecordType, rec []byte) error {
		if typ != TypeRMRR {
			return nil
		}
		r, err := parseReserved(rec)
		if err != nil {
			return err
		}
		// Zero base or limit is how firmware marks an absent entry.
		if r.Base == 0 || r.Limit == 0 {
			return nil
		}
		reserved = append(reserved, r)
		return nil
	}); err != nil {
		return nil, err
	}

	return &Table{Header: hdr, Units: units, Reserved: reserved}, nil
}

func parseHeader(blob []byte) (Header, []byte, error) {
	var hdr Header
	if len(blob) < tableFixedSize {
		return hdr, nil, fmt.Errorf("dmar: table is %d bytes, need at least %d: %w",
			len(blob), tableFixedSize, fwerr.ErrInvalidConfiguration)
	}

	copy(hdr.Signature[:], blob[0:4])
	if string(hdr.Signature[:]) != Signature {
		return hdr, nil, fmt.Errorf("dmar: bad signature %q: %w", hdr.Signature[:], fwerr.ErrInvalidConfiguration)
	}
	hdr.Length = binary.LittleEndian.Uint32(blob[4:8])
	hdr.Revision = blob[8]
	hdr.Checksum = blob[9]
	copy(hdr.OEMID[:], blob[10:16])
	copy(hdr.OEMTableID[:], blob[16:24])
	hdr.OEMRevision = binary.LittleEndian.Uint32(blob[24:28])
	copy(hdr.CreatorID[:], blob[28:32])
	hdr.CreatorRevision = binary.LittleEndian.Uint32(blob[32:36])
	hdr.HostAddressWidth = blob[36]
	hdr.Flags = blob[37]

	if hdr.Length < tableFixedSize || uint64(hdr.Length) > uint64(len(blob)) {
		return hdr, nil, fmt.Errorf("dmar: declared length %d outside [%d, %d]: %w",
			hdr.Length, tableFixedSize, len(blob), fwerr.ErrInvalidConfiguration)
	}
	table := blob[:hdr.Length]
	if sum := checksum(table); sum != 0 {
		return hdr, nil, fmt.Errorf("dmar: checksum mismatch (sum 0x%02x): %w", sum, fwerr.ErrInvalidConfiguration)
	}

	return hdr, table[tableFixedSize:], nil
}

// walk visits every remapping structure in body in table order.
func walk(body []byte, fn func(RecordType, []byte) error) error {
	c := cursor{buf: body}
	for c.remaining() > 0 {
		typ, rec, err := c.next()
		if err != nil {
			return err
		}
		if err := fn(typ, rec); err != nil {
			return err
		}
	}
	return nil
}

func parseUnit(rec []byte) (Unit, error) {
	if len(rec) < drhdFixedSize {
		return Unit{}, fmt.Errorf("dmar: DRHD length %d below %d: %w", len(rec), drhdFixedSize, fwerr.ErrInvalidConfiguration)
	}
	scopes, err := parseScopes(rec[drhdFixedSize:])
	if err != nil {
		return Unit{}, fmt.Errorf("dmar: DRHD: %w", err)
	}
	return Unit{
		Flags:        rec[4],
		Segment:      binary.LittleEndian.Uint16(rec[6:8]),
		RegisterBase: binary.LittleEndian.Uint64(rec[8:16]),
		Scopes:       scopes,
	}, nil
}

func parseReserved(rec []byte) (ReservedRegion, error) {
	if len(rec) < rmrrFixedSize {
		return ReservedRegion{}, fmt.Errorf("dmar: RMRR length %d below %d: %w", len(rec), rmrrFixedSize, fwerr.ErrInvalidConfiguration)
	}
	scopes, err := parseScopes(rec[rmrrFixedSize:])
	if err != nil {
		return ReservedRegion{}, fmt.Errorf("dmar: RMRR: %w", err)
	}
	return ReservedRegion{
		Segment: binary.LittleEndian.Uint16(rec[6:8]),
		Base:    binary.LittleEndian.Uint64(rec[8:16]),
		Limit:   binary.LittleEndian.Uint64(rec[16:24]),
		Scopes:  scopes,
	}, nil
}

func parseScopes(buf []byte) ([]DeviceScope, error) {
	var scopes []DeviceScope
	for len(buf) > 0 {
		if len(buf) < scopeFixedSize {
			return nil, fmt.Errorf("truncated device scope (%d bytes): %w", len(buf), fwerr.ErrInvalidConfiguration)
		}
		n := int(buf[1])
		if n < scopeFixedSize || n > len(buf) {
			return nil, fmt.Errorf("device scope length %d outside [%d, %d]: %w",
				n, scopeFixedSize, len(buf), fwerr.ErrInvalidConfiguration)
		}
		if (n-scopeFixedSize)%2 != 0 {
			return nil, fmt.Errorf("device scope path length %d is odd: %w", n-scopeFixedSize, fwerr.ErrInvalidConfiguration)
		}
		scopes = append(scopes, DeviceScope{raw: bytes.Clone(buf[:n])})
		buf = buf[n:]
	}
	return scopes, nil
}

// OwnerOf returns the ordinal of the unit whose own scope list holds an entry
// identical to scope. INCLUDE_PCI_ALL units are not searched; a device that
// is only covered by one has no owner.
func (t *Table) OwnerOf(segment uint16, scope DeviceScope) (int, bool) {
	for i := range t.Units {
		u := &t.Units[i]
		if u.Segment != segment || u.IncludePCIAll() {
			continue
		}
		for _, s := range u.Scopes {
			if s.Equal(scope) {
				return u.Ordinal, true
			}
		}
	}
	return -1, false
}

func checksum(b []byte) byte {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return sum
}
