package vtd

import (
	"fmt"

	"github.com/tinyrange/dmaprotect/internal/fwerr"
	"github.com/tinyrange/dmaprotect/internal/vtd/reg"
)

// globalCommand writes the persistent status bits plus set, minus unset, and
// waits for done to accept the status register.
func (r *Registry) globalCommand(e *Engine, set, unset uint32, what string, done func(gsts uint32) bool) error {
	v := e.regs.Read32(reg.GlobalStatus) & reg.GstsPreserve
	e.regs.Write32(reg.GlobalCommand, (v|set)&^unset)
	return r.poll.Wait(e.String()+" "+what, func() bool {
		return done(e.regs.Read32(reg.GlobalStatus))
	})
}

// FlushWriteBuffer drains the engine's write buffer when the hardware
// requires software to do so.
func (r *Registry) FlushWriteBuffer(e *Engine) error {
	if e.Capability&reg.CapRWBF == 0 {
		return nil
	}
	return r.globalCommand(e, reg.GcmdWBF, 0, "flush write buffer", func(gsts uint32) bool {
		return gsts&reg.GstsWBFS == 0
	})
}

// InvalidateContextCache issues a global context-cache invalidation. Issuing
// one while another is outstanding is a programming error.
func (r *Registry) InvalidateContextCache(e *Engine) error {
	if e.regs.Read64(reg.ContextCmd)&reg.CcmdICC != 0 {
		return fmt.Errorf("vtd: %s: context cache invalidation already pending: %w", e, fwerr.ErrDeviceError)
	}
	e.regs.Write64(reg.ContextCmd, reg.CcmdICC|reg.CcmdCIRGGlobal)
	return r.poll.Wait(e.String()+" invalidate context cache", func() bool {
		return e.regs.Read64(reg.ContextCmd)&reg.CcmdICC == 0
	})
}

// InvalidateIOTLB issues a global IOTLB invalidation, draining reads and
// writes. Issuing one while another is outstanding is a programming error.
func (r *Registry) InvalidateIOTLB(e *Engine) error {
	off := reg.IOTLBOffset(e.ExtCapability)
	if e.regs.Read64(off)&reg.IotlbIVT != 0 {
		return fmt.Errorf("vtd: %s: IOTLB invalidation already pending: %w", e, fwerr.ErrDeviceError)
	}
	e.regs.Write64(off, reg.IotlbIVT|reg.IotlbIIRGGlobal|reg.IotlbDR|reg.IotlbDW)
	return r.poll.Wait(e.String()+" invalidate IOTLB", func() bool {
		return e.regs.Read64(off)&reg.IotlbIVT == 0
	})
}

// EnableTranslation switches an engine into full address remapping using the
// root table at rootTable.
func (r *Registry) EnableTranslation(e *Engine, rootTable uint64) error {
	e.regs.Write64(reg.RootTable, rootTable)
	if err := r.globalCommand(e, reg.GcmdSRTP, 0, "set root table pointer", func(gsts uint32) bool {
		return gsts&reg.GstsRTPS != 0
	}); err != nil {
		return err
	}

	if err := r.FlushWriteBuffer(e); err != nil {
		return err
	}
	if err := r.InvalidateContextCache(e); err != nil {
		return err
	}
	if err := r.InvalidateIOTLB(e); err != nil {
		return err
	}

	if err := r.globalCommand(e, reg.GcmdTE, 0, "enable translation", func(gsts uint32) bool {
		return gsts&reg.GstsTES != 0
	}); err != nil {
		return err
	}

	r.log.Info("vtd: translation enabled", "engine", e.Ordinal, "root", fmt.Sprintf("0x%x", rootTable))
	return nil
}

// DisableTranslation turns remapping off again. No invalidation is needed on
// the way down.
func (r *Registry) DisableTranslation(e *Engine) error {
	if err := r.FlushWriteBuffer(e); err != nil {
		return err
	}
	if err := r.globalCommand(e, 0, reg.GcmdTE, "disable translation", func(gsts uint32) bool {
		return gsts&reg.GstsTES == 0
	}); err != nil {
		return err
	}

	r.log.Info("vtd: translation disabled", "engine", e.Ordinal)
	return nil
}
