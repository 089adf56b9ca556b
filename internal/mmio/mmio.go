// Package mmio provides register windows over memory-mapped I/O, either backed
// by real physical memory or by device models attached to a Bus.
package mmio

import (
	"sync/atomic"
	"unsafe"
)

// Window is a block of memory-mapped registers addressed by byte offset from
// its base. Accesses never fail; like real hardware, a window with nothing
// behind it reads as all ones.
type Window interface {
	Read32(offset uint64) uint32
	Write32(offset uint64, value uint32)
	Read64(offset uint64) uint64
	Write64(offset uint64, value uint64)
}

// Mapper hands out register windows by physical base address.
type Mapper interface {
	Map(base, size uint64) (Window, error)
}

// Region is a span of physical address space claimed by a device.
type Region struct {
	Address uint64
	Size    uint64
}

// Handler serves reads and writes to memory-mapped registers.
type Handler interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// Device is a Handler that knows which regions it decodes.
type Device interface {
	Handler
	MMIORegions() []Region
}

// memWindow accesses registers through a mapped byte slice.
type memWindow struct {
	mem []byte
}

// NewMemoryWindow returns a Window over mem. mem must be 8-byte aligned; the
// slice returned by an mmap of a page qualifies.
func NewMemoryWindow(mem []byte) Window {
	return &memWindow{mem: mem}
}

func (w *memWindow) ptr(offset uint64, size uint64) unsafe.Pointer {
	if offset+size > uint64(len(w.mem)) {
		return nil
	}
	return unsafe.Pointer(&w.mem[offset])
}

func (w *memWindow) Read32(offset uint64) uint32 {
	p := w.ptr(offset, 4)
	if p == nil {
		return ^uint32(0)
	}
	return atomic.LoadUint32((*uint32)(p))
}

func (w *memWindow) Write32(offset uint64, value uint32) {
	if p := w.ptr(offset, 4); p != nil {
		atomic.StoreUint32((*uint32)(p), value)
	}
}

func (w *memWindow) Read64(offset uint64) uint64 {
	p := w.ptr(offset, 8)
	if p == nil {
		return ^uint64(0)
	}
	return atomic.LoadUint64((*uint64)(p))
}

func (w *memWindow) Write64(offset uint64, value uint64) {
	if p := w.ptr(offset, 8); p != nil {
		atomic.StoreUint64((*uint64)(p), value)
	}
}
