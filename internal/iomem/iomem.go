// Package iomem is the I/O memory service offered to boot-time drivers that
// need bus-master DMA while protection is active. Device accesses are bounced
// through the staging buffer, which is the only memory left unprotected.
package iomem

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/tinyrange/dmaprotect/internal/fwerr"
	"github.com/tinyrange/dmaprotect/internal/platform"
	"github.com/tinyrange/dmaprotect/internal/staging"
)

// Operation is the kind of bus-master transfer being mapped.
type Operation uint32

const (
	// BusMasterRead is a device read from host memory.
	BusMasterRead Operation = iota
	// BusMasterWrite is a device write to host memory.
	BusMasterWrite
	// BusMasterCommonBuffer is memory accessed by both CPU and device.
	BusMasterCommonBuffer
	BusMasterRead64
	BusMasterWrite64
	BusMasterCommonBuffer64
)

func (o Operation) String() string {
	switch o {
	case BusMasterRead:
		return "BusMasterRead"
	case BusMasterWrite:
		return "BusMasterWrite"
	case BusMasterCommonBuffer:
		return "BusMasterCommonBuffer"
	case BusMasterRead64:
		return "BusMasterRead64"
	case BusMasterWrite64:
		return "BusMasterWrite64"
	case BusMasterCommonBuffer64:
		return "BusMasterCommonBuffer64"
	default:
		return fmt.Sprintf("Operation(%d)", uint32(o))
	}
}

func (o Operation) Valid() bool { return o <= BusMasterCommonBuffer64 }

func (o Operation) common() bool {
	return o == BusMasterCommonBuffer || o == BusMasterCommonBuffer64
}

func (o Operation) deviceReads() bool { return o == BusMasterRead || o == BusMasterRead64 }

func (o Operation) deviceWrites() bool { return o == BusMasterWrite || o == BusMasterWrite64 }

// Mapping identifies a staged mapping. The zero Mapping is returned for
// common buffers, which need no staging.
type Mapping uint64

// Access is a device access right passed to SetAttribute.
type Access uint64

const (
	AccessRead Access = 1 << iota
	AccessWrite
)

// Service is the contract consumed by DMA-capable drivers.
type Service interface {
	Map(op Operation, host, length uint64) (device uint64, m Mapping, err error)
	Unmap(m Mapping) error
	AllocateBuffer(pages uint64) (uint64, error)
	FreeBuffer(addr, pages uint64) error
	SetAttribute(m Mapping, access Access) error
}

// Engine implements Service over a staging buffer.
type Engine struct {
	mem platform.Memory
	buf *staging.Buffer
	log *slog.Logger
}

// New returns a service that stages transfers through buf. mem must be the
// memory buf was created over.
func New(mem platform.Memory, buf *staging.Buffer, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{mem: mem, buf: buf, log: log}
}

// Buffer returns the underlying staging buffer.
func (e *Engine) Buffer() *staging.Buffer { return e.buf }

// Map prepares host memory for a bus-master operation and returns the
// address the device must use.
func (e *Engine) Map(op Operation, host, length uint64) (uint64, Mapping, error) {
	if !op.Valid() {
		return 0, 0, fmt.Errorf("iomem: unknown operation %d: %w", uint32(op), fwerr.ErrInvalidParameter)
	}
	if op.common() {
		return host, 0, nil
	}

	alloc, err := e.buf.AllocateFromBottom(length)
	if err != nil {
		return 0, 0, fmt.Errorf("iomem: map %s of 0x%x bytes: %w", op, length, err)
	}
	if op.deviceReads() {
		if err := e.copy(alloc.Payload, host, length); err != nil {
			// Nothing else can have been allocated since, so this reclaims.
			_ = e.buf.FreeFromBottom(alloc.Record)
			return 0, 0, err
		}
	}
	rec := staging.Record{
		Signature:     staging.Signature,
		Operation:     uint32(op),
		NumberOfBytes: length,
		HostAddress:   host,
		DeviceAddress: alloc.Payload,
	}
	if err := e.buf.WriteRecord(alloc.Record, rec); err != nil {
		return 0, 0, err
	}

	e.log.Debug("iomem: map", "op", op, "host", host, "device", alloc.Payload, "len", length)
	return alloc.Payload, Mapping(alloc.Record), nil
}

// Unmap completes a mapping, copying device writes back to host memory.
func (e *Engine) Unmap(m Mapping) error {
	if m == 0 {
		return nil
	}
	rec, err := e.buf.ReadRecord(uint64(m))
	if err != nil {
		return fmt.Errorf("iomem: unmap 0x%x: %w", uint64(m), err)
	}
	if Operation(rec.Operation).deviceWrites() {
		if err := e.copy(rec.HostAddress, rec.DeviceAddress, rec.NumberOfBytes); err != nil {
			return err
		}
	}
	e.log.Debug("iomem: unmap", "op", Operation(rec.Operation), "host", rec.HostAddress, "device", rec.DeviceAddress)
	return e.buf.FreeFromBottom(uint64(m))
}

// maxPages is the largest page count whose byte size fits in 64 bits.
const maxPages = math.MaxUint64 / platform.PageSize

// AllocateBuffer returns pages of common-buffer memory inside the staging
// buffer.
func (e *Engine) AllocateBuffer(pages uint64) (uint64, error) {
	if pages == 0 {
		return 0, fmt.Errorf("iomem: zero page buffer: %w", fwerr.ErrInvalidParameter)
	}
	if pages > maxPages {
		return 0, fmt.Errorf("iomem: allocate %d pages: %w", pages, fwerr.ErrOutOfResources)
	}
	addr, err := e.buf.AllocateFromTop(pages * platform.PageSize)
	if err != nil {
		return 0, fmt.Errorf("iomem: allocate %d pages: %w", pages, err)
	}
	return addr, nil
}

// FreeBuffer releases memory from AllocateBuffer.
func (e *Engine) FreeBuffer(addr, pages uint64) error {
	if pages > maxPages || !e.buf.Contains(addr, pages*platform.PageSize) {
		return fmt.Errorf("iomem: buffer 0x%x is not in the staging area: %w", addr, fwerr.ErrInvalidParameter)
	}
	e.buf.FreeFromTop(addr, pages*platform.PageSize)
	return nil
}

// SetAttribute accepts any access. Isolation comes from the protected
// ranges, not per-mapping rights.
func (e *Engine) SetAttribute(m Mapping, access Access) error {
	return nil
}

func (e *Engine) copy(dst, src, n uint64) error {
	if n == 0 {
		return nil
	}
	tmp := make([]byte, n)
	if _, err := e.mem.ReadAt(tmp, int64(src)); err != nil {
		return fmt.Errorf("iomem: read 0x%x: %w", src, err)
	}
	if _, err := e.mem.WriteAt(tmp, int64(dst)); err != nil {
		return fmt.Errorf("iomem: write 0x%x: %w", dst, err)
	}
	return nil
}

var _ Service = (*Engine)(nil)
