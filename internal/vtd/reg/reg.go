// Package reg defines the register layout of a DMA remapping unit.
package reg

// Register offsets from the unit's register base.
const (
	Version       = 0x00 // 32-bit
	Capability    = 0x08 // 64-bit
	ExtCapability = 0x10 // 64-bit
	GlobalCommand = 0x18 // 32-bit, write only
	GlobalStatus  = 0x1c // 32-bit, read only
	RootTable     = 0x20 // 64-bit
	ContextCmd    = 0x28 // 64-bit
	FaultStatus   = 0x34 // 32-bit
	PMEnable      = 0x64 // 32-bit
	PLMBase       = 0x68 // 32-bit
	PLMLimit      = 0x6c // 32-bit
	PHMBase       = 0x70 // 64-bit
	PHMLimit      = 0x78 // 64-bit

	// WindowSize covers every fixed register. The IOTLB registers live at an
	// offset advertised in ECAP and may extend past it.
	WindowSize = 0x1000
)

// Capability register bits.
const (
	CapRWBF uint64 = 1 << 4 // write buffer flush required
	CapPLMR uint64 = 1 << 5 // protected low-memory region
	CapPHMR uint64 = 1 << 6 // protected high-memory region

	CapSAGAWShift = 8
	CapSAGAWMask  = 0x1f << CapSAGAWShift
	CapMGAWShift  = 16
	CapMGAWMask   = 0x3f << CapMGAWShift
)

// Extended capability register fields.
const (
	ExtCapIROShift = 8
	ExtCapIROMask  = 0x3ff << ExtCapIROShift
)

// IOTLBOffset returns the byte offset of the IOTLB invalidate register for a
// unit with the given extended capabilities. The IVA register sits 8 bytes
// below it.
func IOTLBOffset(ecap uint64) uint64 {
	return ((ecap&ExtCapIROMask)>>ExtCapIROShift)*16 + 8
}

// Global command and status bits. Command bits and their status
// counterparts share positions.
const (
	GcmdTE    uint32 = 1 << 31 // translation enable
	GcmdSRTP  uint32 = 1 << 30 // set root table pointer
	GcmdSFL   uint32 = 1 << 29
	GcmdEAFL  uint32 = 1 << 28
	GcmdWBF   uint32 = 1 << 27 // write buffer flush
	GcmdQIE   uint32 = 1 << 26
	GcmdIRE   uint32 = 1 << 25
	GcmdSIRTP uint32 = 1 << 24
	GcmdCFI   uint32 = 1 << 23

	GstsTES   uint32 = 1 << 31
	GstsRTPS  uint32 = 1 << 30
	GstsWBFS  uint32 = 1 << 27
	GstsQIES  uint32 = 1 << 26
	GstsIRES  uint32 = 1 << 25
	GstsIRTPS uint32 = 1 << 24

	// GstsPreserve selects the persistent status bits that must be written
	// back with every global command; one-shot bits are masked off.
	GstsPreserve uint32 = 0x96ffffff
)

// Context command register fields.
const (
	CcmdICC        uint64 = 1 << 63
	CcmdCIRGGlobal uint64 = 1 << 61
	CcmdCIRGDomain uint64 = 2 << 61
	CcmdCIRGDevice uint64 = 3 << 61
	CcmdCIRGMask   uint64 = 3 << 61
	CcmdCAIGMask   uint64 = 3 << 59
)

// IOTLB invalidate register fields.
const (
	IotlbIVT        uint64 = 1 << 63
	IotlbIIRGGlobal uint64 = 1 << 60
	IotlbIIRGDomain uint64 = 2 << 60
	IotlbIIRGPage   uint64 = 3 << 60
	IotlbDR         uint64 = 1 << 49
	IotlbDW         uint64 = 1 << 48
)

// Protected memory enable register bits.
const (
	PmenEPM uint32 = 1 << 31 // enable protected memory
	PmenPRS uint32 = 1 << 0  // protected region status
)
