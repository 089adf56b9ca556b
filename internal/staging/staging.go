// Package staging implements the bounce buffer used for bus-master I/O while
// DMA protection is active.
//
// The buffer is carved from both ends. Page-granular common buffers are taken
// from the top, per-mapping staging areas from the bottom. Each bottom
// allocation is followed by a Record describing the mapping. Space is only
// reclaimed when freed in reverse allocation order; anything else stays
// allocated until the buffer is discarded.
package staging

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/tinyrange/dmaprotect/internal/fwerr"
	"github.com/tinyrange/dmaprotect/internal/platform"
)

// Signature marks a live Record ("DMAP").
const Signature uint32 = 'D' | 'M'<<8 | 'A'<<16 | 'P'<<24

// RecordSize is the encoded size of a Record.
const RecordSize = 32

const payloadAlign = 8

// Record describes one staged mapping. It lives in the buffer directly after
// the mapping's payload.
type Record struct {
	Signature     uint32
	Operation     uint32
	NumberOfBytes uint64
	HostAddress   uint64
	DeviceAddress uint64
}

func (r Record) encode() []byte {
	var b [RecordSize]byte
	binary.LittleEndian.PutUint32(b[0:], r.Signature)
	binary.LittleEndian.PutUint32(b[4:], r.Operation)
	binary.LittleEndian.PutUint64(b[8:], r.NumberOfBytes)
	binary.LittleEndian.PutUint64(b[16:], r.HostAddress)
	binary.LittleEndian.PutUint64(b[24:], r.DeviceAddress)
	return b[:]
}

func decodeRecord(b []byte) Record {
	return Record{
		Signature:     binary.LittleEndian.Uint32(b[0:]),
		Operation:     binary.LittleEndian.Uint32(b[4:]),
		NumberOfBytes: binary.LittleEndian.Uint64(b[8:]),
		HostAddress:   binary.LittleEndian.Uint64(b[16:]),
		DeviceAddress: binary.LittleEndian.Uint64(b[24:]),
	}
}

// Allocation is the result of AllocateFromBottom.
type Allocation struct {
	// Payload is the device-visible staging area.
	Payload uint64
	// Record is the address of the mapping record following the payload.
	Record uint64
}

// Stats is a snapshot of the buffer cursors.
type Stats struct {
	Base   uint64
	Size   uint64
	Top    uint64
	Bottom uint64
	Free   uint64
}

// Buffer is a two-sided bump allocator over [base, base+size).
type Buffer struct {
	mem  platform.Memory
	base uint64
	size uint64

	// bottom <= top always holds.
	top    uint64
	bottom uint64

	log *slog.Logger
}

// New creates a staging buffer over memory that the caller has already
// reserved. base must be page aligned.
func New(mem platform.Memory, base, size uint64, log *slog.Logger) (*Buffer, error) {
	if mem == nil {
		return nil, fmt.Errorf("staging: nil memory: %w", fwerr.ErrInvalidParameter)
	}
	if base%platform.PageSize != 0 {
		return nil, fmt.Errorf("staging: base 0x%x is not page aligned: %w", base, fwerr.ErrInvalidParameter)
	}
	if base+size < base {
		return nil, fmt.Errorf("staging: buffer [0x%x, +0x%x) wraps: %w", base, size, fwerr.ErrInvalidParameter)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Buffer{
		mem:    mem,
		base:   base,
		size:   size,
		top:    base + size,
		bottom: base,
		log:    log,
	}, nil
}

// Base returns the first address of the buffer.
func (b *Buffer) Base() uint64 { return b.base }

// Size returns the total capacity of the buffer.
func (b *Buffer) Size() uint64 { return b.size }

// Contains reports whether [addr, addr+n) lies inside the buffer.
func (b *Buffer) Contains(addr, n uint64) bool {
	return addr >= b.base && addr+n >= addr && addr+n <= b.base+b.size
}

// Stats returns the current cursor positions.
func (b *Buffer) Stats() Stats {
	return Stats{
		Base:   b.base,
		Size:   b.size,
		Top:    b.top,
		Bottom: b.bottom,
		Free:   b.top - b.bottom,
	}
}

// AllocateFromTop takes whole pages from the top of the buffer.
func (b *Buffer) AllocateFromTop(n uint64) (uint64, error) {
	length := platform.AlignUp(n, platform.PageSize)
	if n == 0 || length < n {
		return 0, fmt.Errorf("staging: invalid top allocation of 0x%x bytes: %w", n, fwerr.ErrInvalidParameter)
	}
	if length > b.top-b.bottom {
		return 0, fmt.Errorf("staging: top allocation of 0x%x bytes exceeds 0x%x free: %w",
			length, b.top-b.bottom, fwerr.ErrOutOfResources)
	}
	b.top -= length
	return b.top, nil
}

// FreeFromTop returns pages taken by AllocateFromTop. Only the most recent
// top allocation is reclaimed; freeing any other address leaks it.
func (b *Buffer) FreeFromTop(addr, n uint64) {
	if addr != b.top {
		b.log.Debug("staging: leaking out-of-order top free", "addr", addr, "top", b.top)
		return
	}
	b.top += platform.AlignUp(n, platform.PageSize)
	if end := b.base + b.size; b.top > end {
		b.top = end
	}
}

// AllocateFromBottom reserves n bytes of payload plus a trailing Record. The
// record is written with the signature, byte count and device address set.
func (b *Buffer) AllocateFromBottom(n uint64) (Allocation, error) {
	payload := platform.AlignUp(n, payloadAlign)
	length := payload + RecordSize
	if payload < n || length < payload {
		return Allocation{}, fmt.Errorf("staging: invalid bottom allocation of 0x%x bytes: %w", n, fwerr.ErrInvalidParameter)
	}
	if length > b.top-b.bottom {
		return Allocation{}, fmt.Errorf("staging: bottom allocation of 0x%x bytes exceeds 0x%x free: %w",
			length, b.top-b.bottom, fwerr.ErrOutOfResources)
	}

	alloc := Allocation{Payload: b.bottom, Record: b.bottom + payload}
	rec := Record{
		Signature:     Signature,
		NumberOfBytes: n,
		DeviceAddress: alloc.Payload,
	}
	if err := b.WriteRecord(alloc.Record, rec); err != nil {
		return Allocation{}, err
	}
	b.bottom += length
	return alloc, nil
}

// FreeFromBottom releases a bottom allocation by its record address. The
// record is invalidated either way, but space is only reclaimed when the
// record ends at the bottom cursor.
func (b *Buffer) FreeFromBottom(addr uint64) error {
	rec, err := b.ReadRecord(addr)
	if err != nil {
		return err
	}
	if err := b.WriteRecord(addr, Record{}); err != nil {
		return err
	}
	if addr+RecordSize != b.bottom {
		b.log.Debug("staging: leaking out-of-order bottom free", "record", addr, "bottom", b.bottom)
		return nil
	}
	b.bottom = rec.DeviceAddress
	return nil
}

// ReadRecord loads and validates the record at addr.
func (b *Buffer) ReadRecord(addr uint64) (Record, error) {
	if !b.Contains(addr, RecordSize) {
		return Record{}, fmt.Errorf("staging: record 0x%x outside buffer: %w", addr, fwerr.ErrInvalidParameter)
	}
	var raw [RecordSize]byte
	if _, err := b.mem.ReadAt(raw[:], int64(addr)); err != nil {
		return Record{}, fmt.Errorf("staging: read record 0x%x: %w", addr, err)
	}
	rec := decodeRecord(raw[:])
	if rec.Signature != Signature {
		return Record{}, fmt.Errorf("staging: bad record signature 0x%08x at 0x%x: %w",
			rec.Signature, addr, fwerr.ErrInvalidParameter)
	}
	if rec.DeviceAddress+platform.AlignUp(rec.NumberOfBytes, payloadAlign) != addr {
		return Record{}, fmt.Errorf("staging: record 0x%x does not follow its payload: %w", addr, fwerr.ErrInvalidParameter)
	}
	return rec, nil
}

// WriteRecord stores rec at addr.
func (b *Buffer) WriteRecord(addr uint64, rec Record) error {
	if !b.Contains(addr, RecordSize) {
		return fmt.Errorf("staging: record 0x%x outside buffer: %w", addr, fwerr.ErrInvalidParameter)
	}
	if _, err := b.mem.WriteAt(rec.encode(), int64(addr)); err != nil {
		return fmt.Errorf("staging: write record 0x%x: %w", addr, err)
	}
	return nil
}
