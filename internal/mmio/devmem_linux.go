//go:build linux

package mmio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// DevMem maps physical register windows through /dev/mem.
type DevMem struct {
	f        *os.File
	writable bool
	mappings [][]byte
}

// OpenDevMem opens /dev/mem. Without writable the windows are mapped
// read-only and writes through them are dropped.
func OpenDevMem(writable bool) (*DevMem, error) {
	flags := os.O_RDONLY
	if writable {
		flags = os.O_RDWR
	}
	f, err := os.OpenFile("/dev/mem", flags|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("mmio: open /dev/mem: %w", err)
	}
	return &DevMem{f: f, writable: writable}, nil
}

// Map maps [base, base+size) uncached.
func (d *DevMem) Map(base, size uint64) (Window, error) {
	pageSize := uint64(unix.Getpagesize())
	start := base &^ (pageSize - 1)
	delta := base - start
	length := (delta + size + pageSize - 1) &^ (pageSize - 1)

	prot := unix.PROT_READ
	if d.writable {
		prot |= unix.PROT_WRITE
	}
	mem, err := unix.Mmap(int(d.f.Fd()), int64(start), int(length), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmio: mmap 0x%x+0x%x: %w", start, length, err)
	}
	d.mappings = append(d.mappings, mem)

	w := NewMemoryWindow(mem[delta : delta+size])
	if !d.writable {
		return readOnlyWindow{w}, nil
	}
	return w, nil
}

// Close unmaps every window and closes /dev/mem.
func (d *DevMem) Close() error {
	for _, m := range d.mappings {
		if err := unix.Munmap(m); err != nil {
			return fmt.Errorf("mmio: munmap: %w", err)
		}
	}
	d.mappings = nil
	return d.f.Close()
}

type readOnlyWindow struct {
	Window
}

func (readOnlyWindow) Write32(uint64, uint32) {}
func (readOnlyWindow) Write64(uint64, uint64) {}
