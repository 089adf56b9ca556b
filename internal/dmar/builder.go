package dmar

import (
	"bytes"
	"encoding/binary"
)

// OEMInfo mirrors the ACPI table header OEM fields.
type OEMInfo struct {
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       [4]byte
	CreatorRevision uint32
}

// DefaultOEMInfo returns the header metadata used for generated tables.
func DefaultOEMInfo() OEMInfo {
	return OEMInfo{
		OEMID:           [6]byte{'T', 'I', 'N', 'Y', 'R', ' '},
		OEMTableID:      [8]byte{'T', 'I', 'N', 'Y', 'D', 'M', 'A', 'R'},
		OEMRevision:     1,
		CreatorID:       [4]byte{'T', 'R', 'Y', 'N'},
		CreatorRevision: 1,
	}
}

// Builder emits a DMAR table. Records are written in the order they are
// added.
type Builder struct {
	body bytes.Buffer
	oem  OEMInfo

	hostAddressWidth uint8
	flags            uint8
}

// NewBuilder starts a table for a platform that addresses hostAddressWidth+1
// bits.
func NewBuilder(hostAddressWidth uint8) *Builder {
	return &Builder{oem: DefaultOEMInfo(), hostAddressWidth: hostAddressWidth}
}

// SetOEM overrides the header OEM fields.
func (b *Builder) SetOEM(oem OEMInfo) *Builder {
	b.oem = oem
	return b
}

// SetFlags sets the DMAR flags byte (interrupt remapping, x2APIC opt-out).
func (b *Builder) SetFlags(flags uint8) *Builder {
	b.flags = flags
	return b
}

// AddUnit appends a DRHD record.
func (b *Builder) AddUnit(flags uint8, segment uint16, registerBase uint64, scopes ...DeviceScope) *Builder {
	rec := make([]byte, drhdFixedSize-recordHdrSize)
	rec[0] = flags
	binary.LittleEndian.PutUint16(rec[2:4], segment)
	binary.LittleEndian.PutUint64(rec[4:12], registerBase)
	return b.AddRecord(TypeDRHD, appendScopes(rec, scopes))
}

// AddReserved appends an RMRR record covering [base, limit].
func (b *Builder) AddReserved(segment uint16, base, limit uint64, scopes ...DeviceScope) *Builder {
	rec := make([]byte, rmrrFixedSize-recordHdrSize)
	binary.LittleEndian.PutUint16(rec[2:4], segment)
	binary.LittleEndian.PutUint64(rec[4:12], base)
	binary.LittleEndian.PutUint64(rec[12:20], limit)
	return b.AddRecord(TypeRMRR, appendScopes(rec, scopes))
}

// AddRecord appends an arbitrary remapping structure. payload excludes the
// 4-byte type/length header.
func (b *Builder) AddRecord(typ RecordType, payload []byte) *Builder {
	var hdr [recordHdrSize]byte
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(typ))
	binary.LittleEndian.PutUint16(hdr[2:4], uint16(recordHdrSize+len(payload)))
	b.body.Write(hdr[:])
	b.body.Write(payload)
	return b
}

// Bytes returns the complete table with length and checksum filled in.
func (b *Builder) Bytes() []byte {
	out := make([]byte, tableFixedSize, tableFixedSize+b.body.Len())
	copy(out[0:4], Signature)
	out[8] = 1
	copy(out[10:16], b.oem.OEMID[:])
	copy(out[16:24], b.oem.OEMTableID[:])
	binary.LittleEndian.PutUint32(out[24:28], b.oem.OEMRevision)
	copy(out[28:32], b.oem.CreatorID[:])
	binary.LittleEndian.PutUint32(out[32:36], b.oem.CreatorRevision)
	out[headerSize] = b.hostAddressWidth
	out[headerSize+1] = b.flags

	out = append(out, b.body.Bytes()...)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(out)))
	out[9] = 0 - checksum(out)
	return out
}

func appendScopes(rec []byte, scopes []DeviceScope) []byte {
	for _, s := range scopes {
		rec = append(rec, s.raw...)
	}
	return rec
}
