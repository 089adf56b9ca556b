package vtd

import "github.com/tinyrange/dmaprotect/internal/vtd/reg"

// Status is a register snapshot of one engine.
type Status struct {
	ProtectionEnabled  bool
	TranslationEnabled bool
	RootTable          uint64

	LowBase   uint32
	LowLimit  uint32
	HighBase  uint64
	HighLimit uint64
}

// Status reads the engine's current protection state. PMR registers are only
// read when the engine implements them.
func (e *Engine) Status() Status {
	gsts := e.regs.Read32(reg.GlobalStatus)
	s := Status{
		TranslationEnabled: gsts&reg.GstsTES != 0,
		RootTable:          e.regs.Read64(reg.RootTable),
	}
	if !e.SupportsProtectedRanges() {
		return s
	}
	s.ProtectionEnabled = e.regs.Read32(reg.PMEnable)&reg.PmenPRS != 0
	if e.SupportsLowRange() {
		s.LowBase = e.regs.Read32(reg.PLMBase)
		s.LowLimit = e.regs.Read32(reg.PLMLimit)
	}
	if e.SupportsHighRange() {
		s.HighBase = e.regs.Read64(reg.PHMBase)
		s.HighLimit = e.regs.Read64(reg.PHMLimit)
	}
	return s
}
