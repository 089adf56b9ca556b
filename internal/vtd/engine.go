// Package vtd drives DMA remapping units: it owns the engine records found in
// the DMAR table, discovers the alignment of their protected memory range
// registers and programs those ranges.
package vtd

import (
	"fmt"
	"log/slog"
	"math/bits"

	"github.com/tinyrange/dmaprotect/internal/dmar"
	"github.com/tinyrange/dmaprotect/internal/fwerr"
	"github.com/tinyrange/dmaprotect/internal/mmio"
	"github.com/tinyrange/dmaprotect/internal/vtd/reg"
)

// MaxEngines is the number of engines an EngineMask can address.
const MaxEngines = 64

// EngineMask selects engines by ordinal.
type EngineMask uint64

// AllEngines returns a mask selecting ordinals [0, n).
func AllEngines(n int) EngineMask {
	if n >= MaxEngines {
		return ^EngineMask(0)
	}
	return EngineMask(1)<<n - 1
}

// MaskOf returns a mask selecting the given ordinals.
func MaskOf(ordinals ...int) EngineMask {
	var m EngineMask
	for _, o := range ordinals {
		m = m.Set(o)
	}
	return m
}

func (m EngineMask) Has(ordinal int) bool {
	return ordinal >= 0 && ordinal < MaxEngines && m&(1<<ordinal) != 0
}

func (m EngineMask) Set(ordinal int) EngineMask   { return m | 1<<ordinal }
func (m EngineMask) Clear(ordinal int) EngineMask { return m &^ (1 << ordinal) }
func (m EngineMask) Count() int                   { return bits.OnesCount64(uint64(m)) }

// Ordinals lists the selected ordinals in ascending order.
func (m EngineMask) Ordinals() []int {
	var out []int
	for v := uint64(m); v != 0; v &= v - 1 {
		out = append(out, bits.TrailingZeros64(v))
	}
	return out
}

func (m EngineMask) String() string {
	return fmt.Sprintf("%v", m.Ordinals())
}

// Engine is one remapping unit. Everything but the alignment fields is fixed
// once the registry is built; enable state lives in hardware.
type Engine struct {
	Ordinal       int
	Segment       uint16
	IncludePCIAll bool
	RegisterBase  uint64

	// HostAddressWidth holds N where the platform addresses N+1 bits.
	HostAddressWidth uint8
	Capability       uint64
	ExtCapability    uint64

	// Filled in by DiscoverAlignment.
	LowAlignment  uint64
	HighAlignment uint64

	regs mmio.Window
}

func (e *Engine) SupportsLowRange() bool  { return e.Capability&reg.CapPLMR != 0 }
func (e *Engine) SupportsHighRange() bool { return e.Capability&reg.CapPHMR != 0 }

// SupportsProtectedRanges reports whether either PMR register pair exists.
func (e *Engine) SupportsProtectedRanges() bool {
	return e.SupportsLowRange() || e.SupportsHighRange()
}

// AddressLimit is the first address past what the host can address.
func (e *Engine) AddressLimit() uint64 {
	if e.HostAddressWidth >= 63 {
		return 0
	}
	return 1 << (uint64(e.HostAddressWidth) + 1)
}

func (e *Engine) String() string {
	return fmt.Sprintf("vtd%d@0x%x", e.Ordinal, e.RegisterBase)
}

// Options tunes a Registry.
type Options struct {
	Poller Poller
	Logger *slog.Logger
}

// Registry owns the discovered engines and the mask of engines that still
// need the default protection.
type Registry struct {
	engines []*Engine
	active  EngineMask

	poll Poller
	log  *slog.Logger
}

// NewRegistry creates one engine per remapping unit in tbl, in table order,
// and reads each unit's capability registers through mapper.
func NewRegistry(tbl *dmar.Table, mapper mmio.Mapper, opts Options) (*Registry, error) {
	if len(tbl.Units) > MaxEngines {
		return nil, fmt.Errorf("vtd: %d remapping units, at most %d supported: %w",
			len(tbl.Units), MaxEngines, fwerr.ErrUnsupported)
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	r := &Registry{
		engines: make([]*Engine, len(tbl.Units)),
		active:  AllEngines(len(tbl.Units)),
		poll:    opts.Poller,
		log:     log,
	}

	for i := range tbl.Units {
		u := &tbl.Units[i]
		e := &Engine{
			Ordinal:          u.Ordinal,
			Segment:          u.Segment,
			IncludePCIAll:    u.IncludePCIAll(),
			RegisterBase:     u.RegisterBase,
			HostAddressWidth: tbl.Header.HostAddressWidth,
		}

		w, err := mapper.Map(u.RegisterBase, reg.WindowSize)
		if err != nil {
			return nil, fmt.Errorf("vtd: map engine %d registers: %w", e.Ordinal, err)
		}
		e.regs = w
		e.Capability = w.Read64(reg.Capability)
		e.ExtCapability = w.Read64(reg.ExtCapability)

		if end := reg.IOTLBOffset(e.ExtCapability) + 8; end > reg.WindowSize {
			size := (end + reg.WindowSize - 1) &^ (reg.WindowSize - 1)
			if e.regs, err = mapper.Map(u.RegisterBase, size); err != nil {
				return nil, fmt.Errorf("vtd: map engine %d IOTLB registers: %w", e.Ordinal, err)
			}
		}

		r.engines[i] = e
		log.Debug("vtd: engine registered",
			"engine", e.Ordinal,
			"base", fmt.Sprintf("0x%x", e.RegisterBase),
			"cap", fmt.Sprintf("0x%016x", e.Capability),
			"ecap", fmt.Sprintf("0x%016x", e.ExtCapability),
			"plmr", e.SupportsLowRange(),
			"phmr", e.SupportsHighRange(),
		)
	}

	return r, nil
}

// Len returns the number of engines.
func (r *Registry) Len() int { return len(r.engines) }

// Engine returns the engine with the given ordinal, or nil.
func (r *Registry) Engine(ordinal int) *Engine {
	if ordinal < 0 || ordinal >= len(r.engines) {
		return nil
	}
	return r.engines[ordinal]
}

// Engines returns every engine in ordinal order.
func (r *Registry) Engines() []*Engine {
	return r.engines
}

// All selects every engine.
func (r *Registry) All() EngineMask {
	return AllEngines(len(r.engines))
}

// ActiveMask is the set of engines that still receive the default
// buffer-bounding protection.
func (r *Registry) ActiveMask() EngineMask {
	return r.active
}

// ClearActive drops an engine from the default protection pool because a
// device-specific range already covers it.
func (r *Registry) ClearActive(ordinal int) {
	r.active = r.active.Clear(ordinal)
}

// ProtectionCapable selects the engines in mask that have a PMR register
// pair.
func (r *Registry) ProtectionCapable(mask EngineMask) EngineMask {
	var out EngineMask
	r.each(mask, func(e *Engine) {
		if e.SupportsProtectedRanges() {
			out = out.Set(e.Ordinal)
		}
	})
	return out
}

func (r *Registry) each(mask EngineMask, fn func(*Engine)) {
	for _, e := range r.engines {
		if mask.Has(e.Ordinal) {
			fn(e)
		}
	}
}
