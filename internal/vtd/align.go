package vtd

import (
	"github.com/tinyrange/dmaprotect/internal/vtd/reg"
)

// RangeKind selects the low (32-bit) or high (64-bit) protected range
// register pair.
type RangeKind int

const (
	LowRange RangeKind = iota
	HighRange
)

func (k RangeKind) String() string {
	if k == HighRange {
		return "high"
	}
	return "low"
}

// DiscoverAlignment learns the granularity of one base register. Writing all
// ones and reading back leaves the unimplemented low bits clear, so the
// two's complement of the readback is the minimum alignment. The high result
// is limited to the host address width. The original register value is
// restored afterwards.
func (e *Engine) DiscoverAlignment(which RangeKind) uint64 {
	switch which {
	case LowRange:
		saved := e.regs.Read32(reg.PLMBase)
		e.regs.Write32(reg.PLMBase, ^uint32(0))
		v := e.regs.Read32(reg.PLMBase)
		e.regs.Write32(reg.PLMBase, saved)
		e.LowAlignment = uint64(^v + 1)
		return e.LowAlignment
	default:
		saved := e.regs.Read64(reg.PHMBase)
		e.regs.Write64(reg.PHMBase, ^uint64(0))
		v := e.regs.Read64(reg.PHMBase)
		e.regs.Write64(reg.PHMBase, saved)
		e.HighAlignment = (^v + 1) & (e.AddressLimit() - 1)
		return e.HighAlignment
	}
}

func (e *Engine) supports(which RangeKind) bool {
	if which == LowRange {
		return e.SupportsLowRange()
	}
	return e.SupportsHighRange()
}

// EffectiveAlignment is the largest alignment among the engines in mask that
// implement the given register pair, or 0 when none does.
func (r *Registry) EffectiveAlignment(mask EngineMask, which RangeKind) uint64 {
	var out uint64
	r.each(mask, func(e *Engine) {
		if !e.supports(which) {
			return
		}
		if a := e.DiscoverAlignment(which); a > out {
			out = a
		}
	})
	return out
}

// isAligned treats alignment as a power of two. An alignment of zero means no
// base bit is implemented, so only zero qualifies.
func isAligned(v, alignment uint64) bool {
	return v&(alignment-1) == 0
}
