// Package sim assembles a simulated platform (memory, remapping units and a
// DMAR table) from a YAML description so DMA protection setup can be run and
// inspected without real hardware.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/dmaprotect/internal/devices/iommu"
	"github.com/tinyrange/dmaprotect/internal/dmar"
	"github.com/tinyrange/dmaprotect/internal/mmio"
	"github.com/tinyrange/dmaprotect/internal/platform"
	"github.com/tinyrange/dmaprotect/internal/protect"
)

const (
	// SchemaVersion is the platform description format version.
	SchemaVersion = "v1.0.0"

	defaultMemorySize       = 256 << 20
	defaultHostAddressWidth = 38
	defaultUnitBase         = 0xfed90000
)

// Platform describes a simulated machine.
type Platform struct {
	Version string `yaml:"version"`
	Name    string `yaml:"name,omitempty"`

	MemoryBase uint64 `yaml:"memoryBase,omitempty"`
	MemorySize uint64 `yaml:"memorySize,omitempty"`

	// HostAddressWidth holds N where the platform addresses N+1 bits.
	HostAddressWidth uint8 `yaml:"hostAddressWidth,omitempty"`

	Policy protect.Policy `yaml:"policy"`

	// Firmware lists RAM owned by firmware, kept away from the staging buffer.
	Firmware []Region `yaml:"firmware,omitempty"`

	Engines  []Engine   `yaml:"engines"`
	Reserved []Reserved `yaml:"reserved,omitempty"`
}

// Region is a named span of memory.
type Region struct {
	Name string `yaml:"name"`
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
}

// Engine describes one remapping unit.
type Engine struct {
	Base          uint64 `yaml:"base,omitempty"`
	Segment       uint16 `yaml:"segment,omitempty"`
	IncludePCIAll bool   `yaml:"includePciAll,omitempty"`

	LowRange         bool `yaml:"lowRange"`
	HighRange        bool `yaml:"highRange"`
	WriteBufferFlush bool `yaml:"writeBufferFlush,omitempty"`

	LowAlignment  uint64 `yaml:"lowAlignment,omitempty"`
	HighAlignment uint64 `yaml:"highAlignment,omitempty"`
	AckDelay      int    `yaml:"ackDelay,omitempty"`

	// Stuck makes the protected memory handshake never complete.
	Stuck bool `yaml:"stuck,omitempty"`

	Scopes []string `yaml:"scopes,omitempty"`
}

// Reserved describes a reserved memory region (RMRR). Limit is inclusive.
type Reserved struct {
	Segment uint16   `yaml:"segment,omitempty"`
	Base    uint64   `yaml:"base"`
	Limit   uint64   `yaml:"limit"`
	Scopes  []string `yaml:"scopes"`
}

func (p *Platform) normalize() {
	if p.Version == "" {
		p.Version = SchemaVersion
	}
	if !strings.HasPrefix(p.Version, "v") {
		p.Version = "v" + p.Version
	}
	if p.Name == "" {
		p.Name = "platform"
	}
	if p.MemorySize == 0 {
		p.MemorySize = defaultMemorySize
	}
	if p.HostAddressWidth == 0 {
		p.HostAddressWidth = defaultHostAddressWidth
	}
	for i := range p.Engines {
		if p.Engines[i].Base == 0 {
			p.Engines[i].Base = defaultUnitBase + uint64(i)*0x1000
		}
	}
}

func (p *Platform) validate() error {
	if !semver.IsValid(p.Version) || semver.Major(p.Version) != semver.Major(SchemaVersion) {
		return fmt.Errorf("sim: unsupported platform version %q (want %s)", p.Version, SchemaVersion)
	}
	if len(p.Engines) == 0 {
		return fmt.Errorf("sim: platform %s has no engines", p.Name)
	}
	if p.MemorySize%platform.PageSize != 0 || p.MemoryBase%platform.PageSize != 0 {
		return fmt.Errorf("sim: memory [0x%x, +0x%x) is not page aligned", p.MemoryBase, p.MemorySize)
	}
	return nil
}

// ParsePlatform decodes a YAML platform description.
func ParsePlatform(data []byte) (Platform, error) {
	var p Platform
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Platform{}, fmt.Errorf("sim: parse platform: %w", err)
	}
	p.normalize()
	if err := p.validate(); err != nil {
		return Platform{}, err
	}
	return p, nil
}

// LoadPlatform reads a YAML platform description from disk.
func LoadPlatform(path string) (Platform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Platform{}, fmt.Errorf("sim: read platform: %w", err)
	}
	return ParsePlatform(data)
}

// Machine is a built platform.
type Machine struct {
	Platform Platform
	RAM      *platform.RAM
	Bus      *mmio.Bus
	Units    []*iommu.Unit
	DMAR     []byte
}

// Build creates memory, attaches one emulated unit per engine and encodes
// the DMAR table.
func Build(p Platform, log *slog.Logger) (*Machine, error) {
	if log == nil {
		log = slog.Default()
	}
	m := &Machine{
		Platform: p,
		RAM:      platform.NewRAM(p.MemoryBase, p.MemorySize),
		Bus:      mmio.NewBus(log),
	}
	b := dmar.NewBuilder(p.HostAddressWidth)

	for _, fw := range p.Firmware {
		if err := m.RAM.Reserve(fw.Name, fw.Base, fw.Size); err != nil {
			return nil, fmt.Errorf("sim: %w", err)
		}
	}

	for i, e := range p.Engines {
		scopes, err := parseScopes(e.Scopes)
		if err != nil {
			return nil, fmt.Errorf("sim: engine %d: %w", i, err)
		}
		u := iommu.New(iommu.Config{
			Base:             e.Base,
			HostAddressWidth: p.HostAddressWidth,
			LowRange:         e.LowRange,
			HighRange:        e.HighRange,
			WriteBufferFlush: e.WriteBufferFlush,
			LowAlignment:     e.LowAlignment,
			HighAlignment:    e.HighAlignment,
			AckDelay:         e.AckDelay,
			Faults:           iommu.Faults{ProtectedMemory: e.Stuck},
		})
		if err := m.Bus.Attach(u); err != nil {
			return nil, fmt.Errorf("sim: engine %d: %w", i, err)
		}
		m.Units = append(m.Units, u)

		var flags uint8
		if e.IncludePCIAll {
			flags |= dmar.FlagIncludePCIAll
		}
		b.AddUnit(flags, e.Segment, e.Base, scopes...)
	}

	for i, r := range p.Reserved {
		scopes, err := parseScopes(r.Scopes)
		if err != nil {
			return nil, fmt.Errorf("sim: reserved region %d: %w", i, err)
		}
		b.AddReserved(r.Segment, r.Base, r.Limit, scopes...)

		// Keep the staging buffer out of reserved memory that lies in RAM.
		if r.Base != 0 && r.Limit >= r.Base && m.contains(r.Base, r.Limit+1-r.Base) {
			if err := m.RAM.Reserve(fmt.Sprintf("rmrr%d", i), r.Base, r.Limit+1-r.Base); err != nil {
				return nil, fmt.Errorf("sim: %w", err)
			}
		}
	}

	m.DMAR = b.Bytes()
	log.Debug("sim: platform built",
		"name", p.Name,
		"memory", p.MemorySize,
		"engines", len(m.Units),
		"dmar", len(m.DMAR),
	)
	return m, nil
}

func (m *Machine) contains(base, size uint64) bool {
	return base >= m.RAM.Base() && base+size <= m.RAM.TopOfMemory()
}

func parseScopes(texts []string) ([]dmar.DeviceScope, error) {
	var out []dmar.DeviceScope
	for _, text := range texts {
		s, err := dmar.ParseDeviceScope(text)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Init runs DMA protection setup against the machine.
func (m *Machine) Init(ctx context.Context, log *slog.Logger) (*protect.Protection, error) {
	return protect.Init(ctx, protect.Options{
		Table:       m.DMAR,
		Registers:   m.Bus,
		Memory:      m.RAM,
		Pages:       m.RAM,
		TopOfMemory: m.RAM.TopOfMemory(),
		Policy:      m.Platform.Policy,
		Logger:      log,
	})
}

// Blocked reports whether any unit rejects a bus-master access to addr.
func (m *Machine) Blocked(addr uint64) bool {
	for _, u := range m.Units {
		if u.Blocks(addr) {
			return true
		}
	}
	return false
}
