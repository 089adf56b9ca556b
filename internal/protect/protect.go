// Package protect sets up DMA protection for a boot stage: it programs a
// device-specific range for every reserved memory region, bounds every other
// engine around a staging buffer, and publishes the I/O memory service that
// stages bus-master transfers through that buffer.
package protect

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tinyrange/dmaprotect/internal/dmar"
	"github.com/tinyrange/dmaprotect/internal/fwerr"
	"github.com/tinyrange/dmaprotect/internal/iomem"
	"github.com/tinyrange/dmaprotect/internal/mmio"
	"github.com/tinyrange/dmaprotect/internal/platform"
	"github.com/tinyrange/dmaprotect/internal/staging"
	"github.com/tinyrange/dmaprotect/internal/vtd"
)

// bufferLimit is the last address the staging buffer may occupy. Devices
// limited to 32-bit DMA must be able to reach it.
const bufferLimit = 1<<32 - 1

// Options are the inputs handed over by the earlier boot stage.
type Options struct {
	// Table is the raw DMAR table.
	Table []byte
	// Registers maps each engine's register window.
	Registers mmio.Mapper
	Memory    platform.Memory
	Pages     platform.PageAllocator

	// TopOfMemory is the first address above installed memory.
	TopOfMemory uint64

	Policy Policy
	Logger *slog.Logger
}

// Reservation records the range applied for one reserved memory region.
type Reservation struct {
	Region dmar.ReservedRegion
	Engine int
	Low    vtd.Range
	High   vtd.Range
}

// Protection is the state of an initialized boot stage.
type Protection struct {
	Table    *dmar.Table
	Registry *vtd.Registry
	Buffer   *staging.Buffer
	Service  *iomem.Engine

	// Default is the set of engines bounded around the staging buffer.
	Default vtd.EngineMask
	Low     vtd.Range
	High    vtd.Range

	Reservations []Reservation

	policy Policy
	log    *slog.Logger
}

// Init parses the DMAR table, applies the reserved-region and default
// protected ranges and returns the published service.
//
// ErrUnsupported and ErrOutOfResources leave protection off and may be
// handled by booting without isolation. Any other error is fatal.
func Init(ctx context.Context, opts Options) (*Protection, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	policy := opts.Policy
	policy.normalize()
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if opts.Registers == nil || opts.Memory == nil || opts.Pages == nil {
		return nil, fmt.Errorf("protect: registers, memory and page allocator are required: %w", fwerr.ErrInvalidParameter)
	}

	tbl, err := dmar.Parse(opts.Table)
	if err != nil {
		return nil, err
	}
	log.Info("protect: DMAR table parsed",
		"units", len(tbl.Units),
		"reserved", len(tbl.Reserved),
		"haw", tbl.Header.HostAddressWidth,
	)

	reg, err := vtd.NewRegistry(tbl, opts.Registers, vtd.Options{
		Poller: vtd.Poller{Limit: policy.PollLimit},
		Logger: log,
	})
	if err != nil {
		return nil, err
	}
	if reg.ProtectionCapable(reg.All()) == 0 {
		return nil, fmt.Errorf("protect: no engine supports protected memory ranges: %w", fwerr.ErrUnsupported)
	}

	p := &Protection{
		Table:    tbl,
		Registry: reg,
		policy:   policy,
		log:      log,
	}

	for _, region := range tbl.Reserved {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := p.protectReserved(region); err != nil {
			return nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	top := opts.TopOfMemory
	if policy.TopOfMemory != 0 {
		top = policy.TopOfMemory
	}
	if top == 0 {
		return nil, fmt.Errorf("protect: top of memory unknown: %w", fwerr.ErrInvalidParameter)
	}

	if err := p.protectDefault(opts.Memory, opts.Pages, top); err != nil {
		return nil, err
	}

	p.Service = iomem.New(opts.Memory, p.Buffer, log)
	log.Info("protect: I/O memory service ready",
		"buffer", fmt.Sprintf("0x%x", p.Buffer.Base()),
		"size", p.Buffer.Size(),
		"engines", p.Default,
	)
	return p, nil
}

// protectReserved shields everything but one reserved region from each
// engine owning one of its devices, and drops those engines from the
// default pool.
func (p *Protection) protectReserved(region dmar.ReservedRegion) error {
	var owners vtd.EngineMask
	for _, scope := range region.Scopes {
		owner, ok := p.Table.OwnerOf(region.Segment, scope)
		if !ok {
			p.log.Warn("protect: no engine owns reserved region device",
				"segment", region.Segment, "scope", scope)
			continue
		}
		owners = owners.Set(owner)
	}

	for _, ordinal := range owners.Ordinals() {
		e := p.Registry.Engine(ordinal)
		low := vtd.Span(0, region.Base)
		high := vtd.Span(region.Limit+1, e.AddressLimit())

		p.log.Info("protect: reserved memory region",
			"engine", ordinal,
			"base", fmt.Sprintf("0x%x", region.Base),
			"limit", fmt.Sprintf("0x%x", region.Limit),
		)
		if err := p.setRange(vtd.MaskOf(ordinal), low, high); err != nil {
			return fmt.Errorf("protect: reserved region [0x%x-0x%x]: %w", region.Base, region.Limit, err)
		}
		p.Registry.ClearActive(ordinal)
		p.Reservations = append(p.Reservations, Reservation{
			Region: region,
			Engine: ordinal,
			Low:    low,
			High:   high,
		})
	}
	return nil
}

// protectDefault reserves the staging buffer below 4 GiB and bounds every
// remaining engine around it.
func (p *Protection) protectDefault(mem platform.Memory, pages platform.PageAllocator, top uint64) error {
	reg := p.Registry
	mask := reg.ProtectionCapable(reg.ActiveMask())
	if skipped := reg.ActiveMask() &^ mask; skipped != 0 {
		p.log.Warn("protect: engines without protected memory ranges stay open", "engines", skipped)
	}

	alignment := uint64(platform.PageSize)
	lowAlign := reg.EffectiveAlignment(mask, vtd.LowRange)
	highAlign := reg.EffectiveAlignment(mask, vtd.HighRange)
	alignment = max(alignment, lowAlign, highAlign)

	size := platform.AlignUp(p.policy.BufferSize(), alignment)
	count := size / platform.PageSize
	base, err := pages.AllocatePages(count, bufferLimit, alignment)
	if err != nil {
		return fmt.Errorf("protect: reserve 0x%x byte staging buffer: %w", size, err)
	}

	buf, err := staging.New(mem, base, size, p.log)
	if err != nil {
		_ = pages.FreePages(base, count)
		return err
	}
	p.Buffer = buf
	p.Default = mask
	if mask == 0 {
		return nil
	}

	p.Low = vtd.Span(0, base)
	p.High = vtd.Span(base+size, platform.AlignUp(top, max(highAlign, 1)))
	if err := p.setRange(mask, p.Low, p.High); err != nil {
		_ = pages.FreePages(base, count)
		p.Buffer = nil
		return err
	}
	return nil
}

// setRange applies low and high to mask, leaving a sub-range empty on
// engines that lack its register pair.
func (p *Protection) setRange(mask vtd.EngineMask, low, high vtd.Range) error {
	var both, lowOnly, highOnly vtd.EngineMask
	for _, ordinal := range mask.Ordinals() {
		e := p.Registry.Engine(ordinal)
		switch {
		case e.SupportsLowRange() && e.SupportsHighRange():
			both = both.Set(ordinal)
		case e.SupportsLowRange():
			lowOnly = lowOnly.Set(ordinal)
		case e.SupportsHighRange():
			highOnly = highOnly.Set(ordinal)
		default:
			return fmt.Errorf("protect: %s: no protected memory range support: %w", e, fwerr.ErrUnsupported)
		}
	}

	for _, g := range []struct {
		mask      vtd.EngineMask
		low, high vtd.Range
	}{
		{both, low, high},
		{lowOnly, low, vtd.Range{}},
		{highOnly, vtd.Range{}, high},
	} {
		if g.mask == 0 {
			continue
		}
		if err := p.Registry.SetDmaProtectedRange(g.mask, g.low, g.high); err != nil {
			return err
		}
	}
	return nil
}

// Policy returns the normalized policy in effect.
func (p *Protection) Policy() Policy { return p.policy }

// Teardown is the end-of-stage hook. On the resume path it turns protection
// off on every engine so the next stage can program ranges from scratch.
func (p *Protection) Teardown() error {
	if p.policy.BootMode != BootResume {
		return nil
	}
	p.log.Info("protect: disabling DMA protection for resume")
	return p.Registry.DisableDmaProtection(p.Registry.All())
}

// EnableTranslation switches every engine to full address remapping with the
// given root table.
func (p *Protection) EnableTranslation(rootTable uint64) error {
	for _, e := range p.Registry.Engines() {
		if err := p.Registry.EnableTranslation(e, rootTable); err != nil {
			return err
		}
	}
	return nil
}

// DisableTranslation turns address remapping off on every engine.
func (p *Protection) DisableTranslation() error {
	for _, e := range p.Registry.Engines() {
		if err := p.Registry.DisableTranslation(e); err != nil {
			return err
		}
	}
	return nil
}

// EngineState is a reporting snapshot of one engine.
type EngineState struct {
	Engine  *vtd.Engine
	Default bool
	Status  vtd.Status
}

// State snapshots every engine.
func (p *Protection) State() []EngineState {
	var out []EngineState
	for _, e := range p.Registry.Engines() {
		out = append(out, EngineState{
			Engine:  e,
			Default: p.Default.Has(e.Ordinal),
			Status:  e.Status(),
		})
	}
	return out
}
