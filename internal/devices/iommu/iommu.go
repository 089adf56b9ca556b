// Package iommu models the register file of a DMA remapping unit closely
// enough to drive the protected memory range and translation handshakes.
package iommu

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/dmaprotect/internal/mmio"
	"github.com/tinyrange/dmaprotect/internal/vtd/reg"
)

const (
	defaultLowAlignment  = 1 << 20
	defaultHighAlignment = 1 << 21
	defaultIRO           = 0x50 // IOTLB registers at 0x500
	defaultAckDelay      = 2

	capND4     uint64 = 2       // 64K domains
	capSAGAW4L uint64 = 1 << 10 // 4-level page tables
)

// Faults makes individual handshakes never complete.
type Faults struct {
	ProtectedMemory     bool
	GlobalCommand       bool
	ContextInvalidation bool
	IOTLBInvalidation   bool
}

// Config describes one emulated unit.
type Config struct {
	Base uint64

	// HostAddressWidth holds N where the unit decodes N+1 address bits.
	HostAddressWidth uint8

	LowRange         bool // PLMR
	HighRange        bool // PHMR
	WriteBufferFlush bool // RWBF

	// Alignments must be powers of two; zero selects the default.
	LowAlignment  uint64
	HighAlignment uint64

	// IRO is the IOTLB register offset in 16-byte units.
	IRO uint64

	// AckDelay is the number of status reads before a command completes.
	AckDelay int

	Faults Faults
}

// Counters records how often each handshake completed.
type Counters struct {
	PMEnables            int
	PMDisables           int
	RootTableCommits     int
	WriteBufferFlushes   int
	ContextInvalidations int
	IOTLBInvalidations   int
}

type pending struct {
	active bool
	left   int
}

func (p *pending) start(delay int) {
	p.active = true
	p.left = delay
}

// tick advances the countdown and reports whether it just completed.
func (p *pending) tick(stuck bool) bool {
	if !p.active || stuck {
		return false
	}
	if p.left > 0 {
		p.left--
		return false
	}
	p.active = false
	return true
}

// Unit is an emulated remapping unit. It implements mmio.Device.
type Unit struct {
	cfg Config

	mu sync.Mutex

	capability    uint64
	extCapability uint64

	gsts      uint32
	rootTable uint64
	active    uint64 // root table latched by SRTP
	rootOp    pending
	wbfOp     pending
	teOp      pending
	teTarget  bool

	ccmd    uint64
	ccOp    pending
	iva     uint64
	iotlb   uint64
	iotlbOp pending

	pmen     uint32
	pmOp     pending
	pmTarget bool
	plmBase  uint32
	plmLimit uint32
	phmBase  uint64
	phmLimit uint64
	lowMask  uint32
	highMask uint64
	addrMask uint64

	counters Counters
}

// New returns a unit with every protection register disabled.
func New(cfg Config) *Unit {
	if cfg.LowAlignment == 0 {
		cfg.LowAlignment = defaultLowAlignment
	}
	if cfg.HighAlignment == 0 {
		cfg.HighAlignment = defaultHighAlignment
	}
	if cfg.IRO == 0 {
		cfg.IRO = defaultIRO
	}
	if cfg.AckDelay < 0 {
		cfg.AckDelay = 0
	}

	u := &Unit{cfg: cfg}

	u.capability = capND4 | capSAGAW4L | uint64(cfg.HostAddressWidth)<<reg.CapMGAWShift
	if cfg.LowRange {
		u.capability |= reg.CapPLMR
	}
	if cfg.HighRange {
		u.capability |= reg.CapPHMR
	}
	if cfg.WriteBufferFlush {
		u.capability |= reg.CapRWBF
	}
	u.extCapability = (cfg.IRO << reg.ExtCapIROShift) & reg.ExtCapIROMask

	u.addrMask = ^uint64(0)
	if cfg.HostAddressWidth < 63 {
		u.addrMask = 1<<(uint64(cfg.HostAddressWidth)+1) - 1
	}
	u.lowMask = ^uint32(cfg.LowAlignment - 1)
	u.highMask = ^(cfg.HighAlignment - 1) & u.addrMask

	// Out of reset both ranges are disabled: base above limit.
	u.plmBase = u.lowMask
	u.plmLimit = 0
	u.phmBase = u.highMask
	u.phmLimit = 0
	return u
}

// Config returns the configuration the unit was built with.
func (u *Unit) Config() Config { return u.cfg }

// MMIORegions implements mmio.Device.
func (u *Unit) MMIORegions() []mmio.Region {
	size := uint64(reg.WindowSize)
	if end := reg.IOTLBOffset(u.extCapability) + 8; end > size {
		size = (end + reg.WindowSize - 1) &^ (reg.WindowSize - 1)
	}
	return []mmio.Region{{Address: u.cfg.Base, Size: size}}
}

func (u *Unit) iotlbOffset() uint64 {
	return reg.IOTLBOffset(u.extCapability)
}

// ReadMMIO handles register reads.
func (u *Unit) ReadMMIO(addr uint64, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	offset := addr - u.cfg.Base
	var val uint64

	switch offset {
	case reg.Version:
		val = 0x10
	case reg.Capability:
		val = u.capability
	case reg.ExtCapability:
		val = u.extCapability
	case reg.GlobalCommand:
		val = 0
	case reg.GlobalStatus:
		u.advanceGlobalLocked()
		val = uint64(u.gsts)
	case reg.RootTable:
		val = u.rootTable
	case reg.ContextCmd:
		if u.ccOp.tick(u.cfg.Faults.ContextInvalidation) {
			u.ccmd &^= reg.CcmdICC
			u.counters.ContextInvalidations++
		}
		val = u.ccmd
	case reg.PMEnable:
		u.advancePMLocked()
		val = uint64(u.pmen)
	case reg.PLMBase:
		val = uint64(u.plmBase)
	case reg.PLMLimit:
		val = uint64(u.plmLimit)
	case reg.PHMBase:
		val = u.phmBase
	case reg.PHMLimit:
		val = u.phmLimit
	case u.iotlbOffset() - 8:
		val = u.iva
	case u.iotlbOffset():
		if u.iotlbOp.tick(u.cfg.Faults.IOTLBInvalidation) {
			u.iotlb &^= reg.IotlbIVT
			u.counters.IOTLBInvalidations++
		}
		val = u.iotlb
	}

	if len(data) > 8 {
		return fmt.Errorf("iommu: invalid read size %d", len(data))
	}
	for i := 0; i < len(data); i++ {
		data[i] = byte(val >> (i * 8))
	}
	return nil
}

// WriteMMIO handles register writes.
func (u *Unit) WriteMMIO(addr uint64, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if len(data) != 4 && len(data) != 8 {
		return fmt.Errorf("iommu: invalid write size %d", len(data))
	}
	var val uint64
	if len(data) == 8 {
		val = binary.LittleEndian.Uint64(data)
	} else {
		val = uint64(binary.LittleEndian.Uint32(data))
	}

	offset := addr - u.cfg.Base
	switch offset {
	case reg.GlobalCommand:
		u.globalCommandLocked(uint32(val))
	case reg.RootTable:
		u.rootTable = val &^ 0xfff
	case reg.ContextCmd:
		if val&reg.CcmdICC != 0 {
			u.ccmd = val
			u.ccOp.start(u.cfg.AckDelay)
		}
	case reg.PMEnable:
		if !u.cfg.LowRange && !u.cfg.HighRange {
			return nil
		}
		target := uint32(val)&reg.PmenEPM != 0
		u.pmen = (u.pmen &^ reg.PmenEPM) | uint32(val)&reg.PmenEPM
		if target != (u.pmen&reg.PmenPRS != 0) {
			u.pmTarget = target
			u.pmOp.start(u.cfg.AckDelay)
		}
	case reg.PLMBase:
		if u.cfg.LowRange {
			u.plmBase = uint32(val) & u.lowMask
		}
	case reg.PLMLimit:
		if u.cfg.LowRange {
			u.plmLimit = uint32(val) | ^u.lowMask
		}
	case reg.PHMBase:
		if u.cfg.HighRange {
			u.phmBase = val & u.highMask
		}
	case reg.PHMLimit:
		if u.cfg.HighRange {
			u.phmLimit = (val & u.addrMask) | (^u.highMask & u.addrMask)
		}
	case u.iotlbOffset() - 8:
		u.iva = val
	case u.iotlbOffset():
		if val&reg.IotlbIVT != 0 {
			u.iotlb = val
			u.iotlbOp.start(u.cfg.AckDelay)
		}
	}
	return nil
}

func (u *Unit) globalCommandLocked(cmd uint32) {
	if cmd&reg.GcmdSRTP != 0 {
		u.gsts &^= reg.GstsRTPS
		u.rootOp.start(u.cfg.AckDelay)
	}
	if cmd&reg.GcmdWBF != 0 && u.cfg.WriteBufferFlush {
		u.gsts |= reg.GstsWBFS
		u.wbfOp.start(u.cfg.AckDelay)
	}
	if target := cmd&reg.GcmdTE != 0; target != (u.gsts&reg.GstsTES != 0) {
		u.teTarget = target
		u.teOp.start(u.cfg.AckDelay)
	}
	// Interrupt remapping and queued invalidation are not modelled; their
	// status bits simply follow the command.
	const mirrored = reg.GcmdQIE | reg.GcmdIRE
	u.gsts = (u.gsts &^ mirrored) | (cmd & mirrored)
}

func (u *Unit) advanceGlobalLocked() {
	stuck := u.cfg.Faults.GlobalCommand
	if u.rootOp.tick(stuck) {
		u.active = u.rootTable
		u.gsts |= reg.GstsRTPS
		u.counters.RootTableCommits++
	}
	if u.wbfOp.tick(stuck) {
		u.gsts &^= reg.GstsWBFS
		u.counters.WriteBufferFlushes++
	}
	if u.teOp.tick(stuck) {
		if u.teTarget {
			u.gsts |= reg.GstsTES
		} else {
			u.gsts &^= reg.GstsTES
		}
	}
}

func (u *Unit) advancePMLocked() {
	if !u.pmOp.tick(u.cfg.Faults.ProtectedMemory) {
		return
	}
	if u.pmTarget {
		u.pmen |= reg.PmenPRS
		u.counters.PMEnables++
	} else {
		u.pmen &^= reg.PmenPRS
		u.counters.PMDisables++
	}
}

// Blocks reports whether a bus-master access to addr would be rejected by
// the protected memory ranges currently in force.
func (u *Unit) Blocks(addr uint64) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.pmen&reg.PmenPRS == 0 {
		return false
	}
	if u.cfg.LowRange && addr < 1<<32 && u.plmBase <= u.plmLimit &&
		uint32(addr) >= u.plmBase && uint32(addr) <= u.plmLimit {
		return true
	}
	if u.cfg.HighRange && u.phmBase <= u.phmLimit && addr >= u.phmBase && addr <= u.phmLimit {
		return true
	}
	return false
}

// ActiveRootTable returns the root table pointer latched by the last
// completed SRTP command.
func (u *Unit) ActiveRootTable() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.active
}

// Counters returns completed handshake counts.
func (u *Unit) Counters() Counters {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.counters
}

var (
	_ mmio.Device = (*Unit)(nil)
)
