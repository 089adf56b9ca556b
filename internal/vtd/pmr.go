package vtd

import (
	"errors"
	"fmt"

	"github.com/tinyrange/dmaprotect/internal/fwerr"
	"github.com/tinyrange/dmaprotect/internal/vtd/reg"
)

// Range is the half-open interval [Base, Base+Length). A Range of zero
// length disables its register pair.
type Range struct {
	Base   uint64
	Length uint64
}

// Span returns the range [start, end), or the zero Range when end <= start.
func Span(start, end uint64) Range {
	if end <= start {
		return Range{}
	}
	return Range{Base: start, Length: end - start}
}

func (r Range) Empty() bool { return r.Length == 0 }
func (r Range) End() uint64 { return r.Base + r.Length }

func (r Range) String() string {
	return fmt.Sprintf("[0x%x, 0x%x)", r.Base, r.End())
}

const lowRangeLimit = 1 << 32

// Disable turns off protected memory on one engine and waits for the
// hardware to report it off.
func (r *Registry) Disable(e *Engine) error {
	if !e.SupportsProtectedRanges() {
		return fmt.Errorf("vtd: %s: no protected memory range support: %w", e, fwerr.ErrUnsupported)
	}

	v := e.regs.Read32(reg.PMEnable)
	e.regs.Write32(reg.PMEnable, v&^reg.PmenEPM)
	if err := r.poll.Wait(e.String()+" disable protected memory", func() bool {
		return e.regs.Read32(reg.PMEnable)&reg.PmenPRS == 0
	}); err != nil {
		return err
	}

	r.log.Debug("vtd: protected memory disabled", "engine", e.Ordinal)
	return nil
}

// Enable turns on protected memory on one engine and waits for the hardware
// to report it on.
func (r *Registry) Enable(e *Engine) error {
	if !e.SupportsProtectedRanges() {
		return fmt.Errorf("vtd: %s: no protected memory range support: %w", e, fwerr.ErrUnsupported)
	}

	v := e.regs.Read32(reg.PMEnable)
	e.regs.Write32(reg.PMEnable, v|reg.PmenEPM)
	if err := r.poll.Wait(e.String()+" enable protected memory", func() bool {
		return e.regs.Read32(reg.PMEnable)&reg.PmenPRS != 0
	}); err != nil {
		return err
	}

	r.log.Debug("vtd: protected memory enabled", "engine", e.Ordinal)
	return nil
}

// checkRange validates one sub-range against an alignment and the span the
// register pair can express.
func checkRange(e *Engine, which RangeKind, rng Range, alignment uint64) error {
	if rng.Empty() {
		return nil
	}
	if !e.supports(which) {
		return fmt.Errorf("vtd: %s: %s range %v requested without %s capability: %w",
			e, which, rng, capName(which), fwerr.ErrUnsupported)
	}
	if !isAligned(rng.Base, alignment) || !isAligned(rng.Length, alignment) {
		return fmt.Errorf("vtd: %s: %s range %v not aligned to 0x%x: %w",
			e, which, rng, alignment, fwerr.ErrInvalidConfiguration)
	}

	limit := uint64(lowRangeLimit)
	if which == HighRange {
		limit = e.AddressLimit()
	}
	if rng.End() < rng.Base || (limit != 0 && rng.End() > limit) {
		return fmt.Errorf("vtd: %s: %s range %v exceeds 0x%x: %w",
			e, which, rng, limit, fwerr.ErrInvalidConfiguration)
	}
	return nil
}

func capName(which RangeKind) string {
	if which == HighRange {
		return "PHMR"
	}
	return "PLMR"
}

// SetRange programs both protected range register pairs of one engine. The
// alignments are rediscovered from hardware first. An empty sub-range is
// written with an all-ones base, which the hardware treats as disabled.
func (r *Registry) SetRange(e *Engine, low, high Range) error {
	var lowAlign, highAlign uint64
	if e.SupportsLowRange() {
		lowAlign = e.DiscoverAlignment(LowRange)
	}
	if e.SupportsHighRange() {
		highAlign = e.DiscoverAlignment(HighRange)
	}
	if err := checkRange(e, LowRange, low, lowAlign); err != nil {
		return err
	}
	if err := checkRange(e, HighRange, high, highAlign); err != nil {
		return err
	}

	if e.SupportsLowRange() {
		base := uint32(low.Base)
		if low.Empty() {
			base = ^uint32(0)
		}
		e.regs.Write32(reg.PLMBase, base)
		e.regs.Write32(reg.PLMLimit, base+uint32(low.Length)-1)
	}
	if e.SupportsHighRange() {
		base := high.Base
		if high.Empty() {
			base = ^uint64(0)
		}
		e.regs.Write64(reg.PHMBase, base)
		e.regs.Write64(reg.PHMLimit, base+high.Length-1)
	}

	r.log.Debug("vtd: protected ranges programmed", "engine", e.Ordinal, "low", low, "high", high)
	return nil
}

// SetDmaProtectedRange applies low and high to every engine in mask with a
// disable, program, enable sequence. The whole mask is validated against its
// effective alignment before any engine is touched. A failure part way
// through is returned as is; engines already programmed keep their new
// ranges.
func (r *Registry) SetDmaProtectedRange(mask EngineMask, low, high Range) error {
	lowAlign := r.EffectiveAlignment(mask, LowRange)
	highAlign := r.EffectiveAlignment(mask, HighRange)

	var err error
	r.each(mask, func(e *Engine) {
		if err != nil {
			return
		}
		if !e.SupportsProtectedRanges() {
			err = fmt.Errorf("vtd: %s: no protected memory range support: %w", e, fwerr.ErrUnsupported)
			return
		}
		if err = checkRange(e, LowRange, low, lowAlign); err != nil {
			return
		}
		err = checkRange(e, HighRange, high, highAlign)
	})
	if err != nil {
		return err
	}

	r.log.Info("vtd: set DMA protected range", "engines", mask, "low", low, "high", high)

	for _, e := range r.engines {
		if !mask.Has(e.Ordinal) {
			continue
		}
		if err := r.Disable(e); err != nil {
			return err
		}
		if err := r.SetRange(e, low, high); err != nil {
			return err
		}
		if err := r.Enable(e); err != nil {
			return err
		}
	}
	return nil
}

// DisableDmaProtection turns protected memory off on every engine in mask.
// Engines without PMR support are skipped rather than treated as failures.
func (r *Registry) DisableDmaProtection(mask EngineMask) error {
	for _, e := range r.engines {
		if !mask.Has(e.Ordinal) {
			continue
		}
		if err := r.Disable(e); err != nil {
			if errors.Is(err, fwerr.ErrUnsupported) {
				r.log.Debug("vtd: nothing to disable", "engine", e.Ordinal)
				continue
			}
			return err
		}
	}
	return nil
}
