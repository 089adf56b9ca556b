package mmio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
)

type binding struct {
	region  Region
	handler Handler
}

// Bus routes physical MMIO accesses to attached device models.
type Bus struct {
	bindings []binding
	log      *slog.Logger
}

// NewBus returns an empty bus. A nil logger selects slog.Default().
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log}
}

// Attach claims every region the device decodes.
func (b *Bus) Attach(dev Device) error {
	for _, r := range dev.MMIORegions() {
		if r.Size == 0 || r.Address+r.Size < r.Address {
			return fmt.Errorf("mmio: invalid region [0x%x, +0x%x)", r.Address, r.Size)
		}
		for _, existing := range b.bindings {
			e := existing.region
			if r.Address < e.Address+e.Size && e.Address < r.Address+r.Size {
				return fmt.Errorf("mmio: region [0x%x-0x%x) overlaps [0x%x-0x%x)",
					r.Address, r.Address+r.Size, e.Address, e.Address+e.Size)
			}
		}
		b.bindings = append(b.bindings, binding{region: r, handler: dev})
	}
	return nil
}

// HandleMMIO dispatches an access to the device that decodes it.
func (b *Bus) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	accessEnd := addr + uint64(len(data))
	if accessEnd < addr {
		return fmt.Errorf("mmio: access overflow at 0x%016x", addr)
	}

	for _, bd := range b.bindings {
		start := bd.region.Address
		end := start + bd.region.Size
		if addr >= start && accessEnd <= end {
			if isWrite {
				return bd.handler.WriteMMIO(addr, data)
			}
			return bd.handler.ReadMMIO(addr, data)
		}
	}

	return fmt.Errorf("mmio: no handler for address 0x%016x", addr)
}

// Map returns a window onto the registers at base. The whole span must be
// decoded by a single device.
func (b *Bus) Map(base, size uint64) (Window, error) {
	for _, bd := range b.bindings {
		start := bd.region.Address
		if base >= start && base+size <= start+bd.region.Size {
			return &busWindow{bus: b, base: base, size: size}, nil
		}
	}
	return nil, fmt.Errorf("mmio: nothing decodes [0x%x, +0x%x)", base, size)
}

type busWindow struct {
	bus  *Bus
	base uint64
	size uint64
}

func (w *busWindow) access(offset uint64, data []byte, isWrite bool) bool {
	if offset+uint64(len(data)) > w.size {
		w.bus.log.Warn("mmio: access outside window", "base", fmt.Sprintf("0x%x", w.base), "offset", offset)
		return false
	}
	if err := w.bus.HandleMMIO(w.base+offset, data, isWrite); err != nil {
		w.bus.log.Warn("mmio: device access failed", "addr", fmt.Sprintf("0x%x", w.base+offset), "write", isWrite, "err", err)
		return false
	}
	return true
}

func (w *busWindow) Read32(offset uint64) uint32 {
	var buf [4]byte
	if !w.access(offset, buf[:], false) {
		return ^uint32(0)
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func (w *busWindow) Write32(offset uint64, value uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	w.access(offset, buf[:], true)
}

func (w *busWindow) Read64(offset uint64) uint64 {
	var buf [8]byte
	if !w.access(offset, buf[:], false) {
		return ^uint64(0)
	}
	return binary.LittleEndian.Uint64(buf[:])
}

func (w *busWindow) Write64(offset uint64, value uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	w.access(offset, buf[:], true)
}
