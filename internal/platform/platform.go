// Package platform models the boot-time services the DMA protection code
// consumes but does not own: physical memory and the page allocator.
package platform

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/tinyrange/dmaprotect/internal/fwerr"
)

// PageSize is the allocation granule of the page allocator.
const PageSize = 0x1000

// Memory is byte-addressable physical memory.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// PageAllocator reserves and releases whole pages of physical memory.
type PageAllocator interface {
	// AllocatePages reserves pages contiguous pages aligned to alignment
	// whose last byte lies at or below maxAddress.
	AllocatePages(pages, maxAddress, alignment uint64) (uint64, error)
	FreePages(addr, pages uint64) error
}

// Reservation is a span of RAM that is in use.
type Reservation struct {
	Name string
	Base uint64
	Size uint64
}

func (r Reservation) End() uint64 { return r.Base + r.Size }

// RAM is a contiguous block of simulated physical memory with a top-down
// page allocator.
type RAM struct {
	mu sync.Mutex

	base uint64
	mem  []byte

	reservations []Reservation
}

// NewRAM creates size bytes of zeroed memory starting at base.
func NewRAM(base, size uint64) *RAM {
	return &RAM{base: base, mem: make([]byte, size)}
}

// Base returns the first RAM address.
func (r *RAM) Base() uint64 { return r.base }

// TopOfMemory returns the first address after RAM.
func (r *RAM) TopOfMemory() uint64 { return r.base + uint64(len(r.mem)) }

func (r *RAM) translate(off int64, n int) (int, error) {
	if off < 0 || uint64(off) < r.base {
		return 0, fmt.Errorf("platform: address 0x%x below RAM", off)
	}
	idx := uint64(off) - r.base
	if idx+uint64(n) > uint64(len(r.mem)) || idx+uint64(n) < idx {
		return 0, fmt.Errorf("platform: access [0x%x, +0x%x) outside RAM", off, n)
	}
	return int(idx), nil
}

// ReadAt implements io.ReaderAt over physical addresses.
func (r *RAM) ReadAt(p []byte, off int64) (int, error) {
	idx, err := r.translate(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, r.mem[idx:]), nil
}

// WriteAt implements io.WriterAt over physical addresses.
func (r *RAM) WriteAt(p []byte, off int64) (int, error) {
	idx, err := r.translate(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(r.mem[idx:], p), nil
}

// Reserve marks a fixed span as in use, e.g. firmware-owned reserved memory.
func (r *RAM) Reserve(name string, base, size uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("platform: cannot reserve zero-size region %s", name)
	}
	res := Reservation{Name: name, Base: base, Size: size}
	if res.End() < base {
		return fmt.Errorf("platform: region %s wraps the address space", name)
	}
	if other, ok := r.overlapLocked(base, res.End()); ok {
		return fmt.Errorf("platform: region %s [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
			name, base, res.End(), other.Name, other.Base, other.End())
	}
	r.insertLocked(res)
	return nil
}

// AllocatePages implements PageAllocator, handing out the highest suitable
// address first.
func (r *RAM) AllocatePages(pages, maxAddress, alignment uint64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pages == 0 {
		return 0, fmt.Errorf("platform: zero page allocation: %w", fwerr.ErrInvalidParameter)
	}
	if alignment < PageSize {
		alignment = PageSize
	}
	if alignment&(alignment-1) != 0 {
		return 0, fmt.Errorf("platform: alignment 0x%x is not a power of 2: %w", alignment, fwerr.ErrInvalidParameter)
	}
	size := pages * PageSize

	end := r.TopOfMemory()
	if maxAddress != ^uint64(0) && maxAddress+1 < end {
		end = maxAddress + 1
	}

	for end >= r.base+size {
		addr := alignDown(end-size, alignment)
		if addr < r.base {
			break
		}
		other, ok := r.overlapLocked(addr, addr+size)
		if !ok {
			r.insertLocked(Reservation{Name: "pages", Base: addr, Size: size})
			return addr, nil
		}
		end = other.Base
	}

	return 0, fmt.Errorf("platform: no %d free pages below 0x%x aligned to 0x%x: %w",
		pages, maxAddress, alignment, fwerr.ErrOutOfResources)
}

// FreePages implements PageAllocator. Only whole allocations can be freed.
func (r *RAM) FreePages(addr, pages uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, res := range r.reservations {
		if res.Base == addr && res.Size == pages*PageSize {
			r.reservations = append(r.reservations[:i], r.reservations[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("platform: no allocation of %d pages at 0x%x: %w", pages, addr, fwerr.ErrInvalidParameter)
}

// Reservations returns a copy of all reservations in address order.
func (r *RAM) Reservations() []Reservation {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]Reservation, len(r.reservations))
	copy(result, r.reservations)
	return result
}

// overlapLocked returns the lowest reservation intersecting [start, end).
func (r *RAM) overlapLocked(start, end uint64) (Reservation, bool) {
	for _, res := range r.reservations {
		if start < res.End() && res.Base < end {
			return res, true
		}
	}
	return Reservation{}, false
}

func (r *RAM) insertLocked(res Reservation) {
	r.reservations = append(r.reservations, res)
	sort.Slice(r.reservations, func(i, j int) bool {
		return r.reservations[i].Base < r.reservations[j].Base
	})
}

// AlignUp rounds value up to a power-of-two alignment.
func AlignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

func alignDown(value, align uint64) uint64 {
	return value &^ (align - 1)
}

var (
	_ Memory        = (*RAM)(nil)
	_ PageAllocator = (*RAM)(nil)
)
