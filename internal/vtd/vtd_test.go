package vtd_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/dmaprotect/internal/devices/iommu"
	"github.com/tinyrange/dmaprotect/internal/dmar"
	"github.com/tinyrange/dmaprotect/internal/fwerr"
	"github.com/tinyrange/dmaprotect/internal/mmio"
	"github.com/tinyrange/dmaprotect/internal/vtd"
)

const hostAddressWidth = 38 // 39-bit physical addresses

func newRegistry(t *testing.T, poll int, cfgs ...iommu.Config) (*vtd.Registry, []*iommu.Unit) {
	t.Helper()

	bus := mmio.NewBus(nil)
	b := dmar.NewBuilder(hostAddressWidth)
	var units []*iommu.Unit
	for i, cfg := range cfgs {
		if cfg.Base == 0 {
			cfg.Base = 0xfed90000 + uint64(i)*0x1000
		}
		cfg.HostAddressWidth = hostAddressWidth
		u := iommu.New(cfg)
		if err := bus.Attach(u); err != nil {
			t.Fatalf("attach unit %d: %v", i, err)
		}
		units = append(units, u)
		b.AddUnit(0, 0, cfg.Base)
	}

	tbl, err := dmar.Parse(b.Bytes())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	r, err := vtd.NewRegistry(tbl, bus, vtd.Options{Poller: vtd.Poller{Limit: poll}})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return r, units
}

func pmrUnit(low, high uint64) iommu.Config {
	return iommu.Config{LowRange: true, HighRange: true, LowAlignment: low, HighAlignment: high, AckDelay: 1}
}

func TestRegistryReadsCapabilities(t *testing.T) {
	r, _ := newRegistry(t, 0,
		pmrUnit(1<<20, 1<<21),
		iommu.Config{},
		iommu.Config{HighRange: true},
	)

	if r.Len() != 3 {
		t.Fatalf("Len = %d", r.Len())
	}
	if got := r.ActiveMask(); got != vtd.MaskOf(0, 1, 2) {
		t.Fatalf("active mask = %v", got)
	}
	e0, e1, e2 := r.Engine(0), r.Engine(1), r.Engine(2)
	if !e0.SupportsLowRange() || !e0.SupportsHighRange() {
		t.Fatalf("engine 0 capability = 0x%x", e0.Capability)
	}
	if e1.SupportsProtectedRanges() {
		t.Fatalf("engine 1 claims PMR support")
	}
	if e2.SupportsLowRange() || !e2.SupportsHighRange() {
		t.Fatalf("engine 2 capability = 0x%x", e2.Capability)
	}
	if e0.HostAddressWidth != hostAddressWidth || e0.AddressLimit() != 1<<39 {
		t.Fatalf("address limit = 0x%x", e0.AddressLimit())
	}
	if got := r.ProtectionCapable(r.All()); got != vtd.MaskOf(0, 2) {
		t.Fatalf("capable mask = %v", got)
	}
	if r.Engine(3) != nil || r.Engine(-1) != nil {
		t.Fatalf("out of range ordinal returned an engine")
	}
}

func TestDiscoverAlignment(t *testing.T) {
	r, _ := newRegistry(t, 0, pmrUnit(1<<20, 1<<30))
	e := r.Engine(0)

	before := e.Status()
	if got := e.DiscoverAlignment(vtd.LowRange); got != 1<<20 {
		t.Fatalf("low alignment = 0x%x", got)
	}
	if got := e.DiscoverAlignment(vtd.HighRange); got != 1<<30 {
		t.Fatalf("high alignment = 0x%x", got)
	}
	if e.LowAlignment != 1<<20 || e.HighAlignment != 1<<30 {
		t.Fatalf("alignments not recorded: %x %x", e.LowAlignment, e.HighAlignment)
	}
	if after := e.Status(); after != before {
		t.Fatalf("probe left registers changed: %+v -> %+v", before, after)
	}
}

func TestEffectiveAlignment(t *testing.T) {
	r, _ := newRegistry(t, 0,
		pmrUnit(1<<20, 1<<21),
		pmrUnit(1<<22, 1<<20),
		iommu.Config{},
	)

	if got := r.EffectiveAlignment(vtd.MaskOf(0, 1), vtd.LowRange); got != 1<<22 {
		t.Fatalf("low = 0x%x", got)
	}
	if got := r.EffectiveAlignment(vtd.MaskOf(0, 1), vtd.HighRange); got != 1<<21 {
		t.Fatalf("high = 0x%x", got)
	}
	if got := r.EffectiveAlignment(vtd.MaskOf(2), vtd.LowRange); got != 0 {
		t.Fatalf("incapable engine alignment = 0x%x", got)
	}
	if got := r.EffectiveAlignment(0, vtd.HighRange); got != 0 {
		t.Fatalf("empty mask alignment = 0x%x", got)
	}
}

func TestSetDmaProtectedRange(t *testing.T) {
	r, units := newRegistry(t, 0, pmrUnit(1<<20, 1<<21), pmrUnit(1<<20, 1<<21))

	low := vtd.Span(0, 0x7c000000)
	high := vtd.Span(0x7e000000, 1<<39)
	if err := r.SetDmaProtectedRange(vtd.MaskOf(1), low, high); err != nil {
		t.Fatalf("set range: %v", err)
	}

	s := r.Engine(1).Status()
	if !s.ProtectionEnabled {
		t.Fatalf("protection not enabled")
	}
	if s.LowBase != 0 || s.LowLimit != 0x7bffffff {
		t.Fatalf("low = [0x%x, 0x%x]", s.LowBase, s.LowLimit)
	}
	if s.HighBase != 0x7e000000 || s.HighLimit != 1<<39-1 {
		t.Fatalf("high = [0x%x, 0x%x]", s.HighBase, s.HighLimit)
	}

	for _, tc := range []struct {
		addr    uint64
		blocked bool
	}{
		{addr: 0, blocked: true},
		{addr: 0x7bffffff, blocked: true},
		{addr: 0x7c000000},
		{addr: 0x7dffffff},
		{addr: 0x7e000000, blocked: true},
		{addr: 1 << 36, blocked: true},
	} {
		if got := units[1].Blocks(tc.addr); got != tc.blocked {
			t.Errorf("Blocks(0x%x) = %v, want %v", tc.addr, got, tc.blocked)
		}
	}

	if r.Engine(0).Status().ProtectionEnabled || units[0].Blocks(0) {
		t.Fatalf("engine outside the mask was touched")
	}
}

func TestSetDmaProtectedRangeRejectsMisalignment(t *testing.T) {
	for _, tc := range []struct {
		name      string
		low, high vtd.Range
	}{
		{name: "low length", low: vtd.Span(0, 0x7c080000), high: vtd.Span(0x7e000000, 1<<39)},
		{name: "low base", low: vtd.Range{Base: 0x80000, Length: 1 << 22}},
		{name: "high base", low: vtd.Span(0, 1<<22), high: vtd.Span(0x7e100000, 1<<39)},
		{name: "high length", high: vtd.Range{Base: 1 << 32, Length: 0x100000}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r, units := newRegistry(t, 0, pmrUnit(1<<20, 1<<21), pmrUnit(1<<22, 1<<20))

			var before []vtd.Status
			for _, e := range r.Engines() {
				before = append(before, e.Status())
			}

			err := r.SetDmaProtectedRange(r.All(), tc.low, tc.high)
			if !errors.Is(err, fwerr.ErrInvalidConfiguration) {
				t.Fatalf("err = %v, want invalid configuration", err)
			}
			for i, e := range r.Engines() {
				if after := e.Status(); after != before[i] {
					t.Fatalf("engine %d changed: %+v -> %+v", i, before[i], after)
				}
				if c := units[i].Counters(); c.PMEnables != 0 || c.PMDisables != 0 {
					t.Fatalf("engine %d saw handshakes: %+v", i, c)
				}
			}
		})
	}
}

func TestSetDmaProtectedRangeRejectsOutOfRange(t *testing.T) {
	r, _ := newRegistry(t, 0, pmrUnit(1<<20, 1<<21))

	err := r.SetDmaProtectedRange(r.All(), vtd.Span(0, 1<<33), vtd.Range{})
	if !errors.Is(err, fwerr.ErrInvalidConfiguration) {
		t.Fatalf("low past 4GiB: err = %v", err)
	}
	err = r.SetDmaProtectedRange(r.All(), vtd.Range{}, vtd.Span(1<<32, 1<<40))
	if !errors.Is(err, fwerr.ErrInvalidConfiguration) {
		t.Fatalf("high past address width: err = %v", err)
	}
}

func TestEmptyRangeUsesDisabledSentinel(t *testing.T) {
	r, units := newRegistry(t, 0, pmrUnit(1<<20, 1<<21))

	if err := r.SetDmaProtectedRange(r.All(), vtd.Span(0, 1<<30), vtd.Range{}); err != nil {
		t.Fatalf("set range: %v", err)
	}
	// The all-ones base keeps only its implemented bits, leaving the last
	// granule below the address limit as the whole "range".
	s := r.Engine(0).Status()
	if s.HighBase != 1<<39-1<<21 {
		t.Fatalf("empty high range base = 0x%x", s.HighBase)
	}
	if units[0].Blocks(1 << 35) {
		t.Fatalf("empty high range blocks")
	}
	if !units[0].Blocks(0x1000) {
		t.Fatalf("low range not blocking")
	}
}

func TestCollapsedSpanIsDisabled(t *testing.T) {
	if got := vtd.Span(0x7e000000, 0x7e000000); got != (vtd.Range{}) {
		t.Fatalf("Span of equal bounds = %+v", got)
	}
	if got := vtd.Span(0x7e000000, 0x1000); got != (vtd.Range{}) {
		t.Fatalf("Span of inverted bounds = %+v", got)
	}

	r, units := newRegistry(t, 0, pmrUnit(1<<20, 1<<21))
	collapsed := vtd.Range{Base: 0x7e000000}
	if err := r.SetDmaProtectedRange(r.All(), vtd.Span(0, 1<<30), collapsed); err != nil {
		t.Fatalf("set range: %v", err)
	}
	if s := r.Engine(0).Status(); s.HighBase != 1<<39-1<<21 {
		t.Fatalf("zero length high range base = 0x%x, want the disabled sentinel", s.HighBase)
	}
	if units[0].Blocks(0x7e000000) || units[0].Blocks(1<<35) {
		t.Fatalf("zero length high range blocks")
	}
}

func TestMissingCapability(t *testing.T) {
	r, _ := newRegistry(t, 0, iommu.Config{}, iommu.Config{LowRange: true})

	if err := r.Disable(r.Engine(0)); !errors.Is(err, fwerr.ErrUnsupported) {
		t.Fatalf("Disable: err = %v, want unsupported", err)
	}
	if err := r.SetDmaProtectedRange(vtd.MaskOf(0), vtd.Span(0, 1<<20), vtd.Range{}); !errors.Is(err, fwerr.ErrUnsupported) {
		t.Fatalf("SetDmaProtectedRange: err = %v, want unsupported", err)
	}
	if err := r.SetDmaProtectedRange(vtd.MaskOf(1), vtd.Range{}, vtd.Span(1<<32, 1<<33)); !errors.Is(err, fwerr.ErrUnsupported) {
		t.Fatalf("high range without PHMR: err = %v, want unsupported", err)
	}
}

func TestDisableDmaProtection(t *testing.T) {
	r, units := newRegistry(t, 0, pmrUnit(1<<20, 1<<21), iommu.Config{}, pmrUnit(1<<20, 1<<21))

	if err := r.SetDmaProtectedRange(vtd.MaskOf(0, 2), vtd.Span(0, 1<<30), vtd.Range{}); err != nil {
		t.Fatalf("set range: %v", err)
	}
	if err := r.DisableDmaProtection(r.All()); err != nil {
		t.Fatalf("disable: %v", err)
	}
	for _, i := range []int{0, 2} {
		if r.Engine(i).Status().ProtectionEnabled || units[i].Blocks(0x1000) {
			t.Fatalf("engine %d still protecting", i)
		}
	}
}

func TestPollLimit(t *testing.T) {
	cfg := pmrUnit(1<<20, 1<<21)
	cfg.Faults.ProtectedMemory = true
	r, _ := newRegistry(t, 64, cfg)

	err := r.SetDmaProtectedRange(r.All(), vtd.Span(0, 1<<30), vtd.Range{})
	if !errors.Is(err, fwerr.ErrDeviceError) {
		t.Fatalf("err = %v, want device error", err)
	}
	if !fwerr.Fatal(err) {
		t.Fatalf("poll timeout not fatal")
	}
}

func TestTranslationHandshake(t *testing.T) {
	r, units := newRegistry(t, 0, iommu.Config{WriteBufferFlush: true, AckDelay: 2, IRO: 0x200})
	e := r.Engine(0)

	if err := r.EnableTranslation(e, 0x7f000000); err != nil {
		t.Fatalf("enable: %v", err)
	}
	s := e.Status()
	if !s.TranslationEnabled || s.RootTable != 0x7f000000 {
		t.Fatalf("status = %+v", s)
	}
	if got := units[0].ActiveRootTable(); got != 0x7f000000 {
		t.Fatalf("active root = 0x%x", got)
	}
	c := units[0].Counters()
	want := iommu.Counters{RootTableCommits: 1, WriteBufferFlushes: 1, ContextInvalidations: 1, IOTLBInvalidations: 1}
	if c != want {
		t.Fatalf("counters = %+v, want %+v", c, want)
	}

	if err := r.DisableTranslation(e); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if e.Status().TranslationEnabled {
		t.Fatalf("translation still enabled")
	}
	if c := units[0].Counters(); c.ContextInvalidations != 1 || c.IOTLBInvalidations != 1 || c.WriteBufferFlushes != 2 {
		t.Fatalf("disable path counters = %+v", c)
	}
}

func TestTranslationSkipsFlushWithoutRWBF(t *testing.T) {
	r, units := newRegistry(t, 0, iommu.Config{})
	if err := r.EnableTranslation(r.Engine(0), 0x1000); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if c := units[0].Counters(); c.WriteBufferFlushes != 0 {
		t.Fatalf("flushed without RWBF: %+v", c)
	}
}

func TestReentrantInvalidation(t *testing.T) {
	for _, tc := range []struct {
		name   string
		faults iommu.Faults
		call   func(*vtd.Registry, *vtd.Engine) error
	}{
		{
			name:   "context cache",
			faults: iommu.Faults{ContextInvalidation: true},
			call:   (*vtd.Registry).InvalidateContextCache,
		},
		{
			name:   "iotlb",
			faults: iommu.Faults{IOTLBInvalidation: true},
			call:   (*vtd.Registry).InvalidateIOTLB,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r, _ := newRegistry(t, 32, iommu.Config{Faults: tc.faults})
			e := r.Engine(0)

			err := tc.call(r, e)
			if !errors.Is(err, fwerr.ErrDeviceError) {
				t.Fatalf("first: err = %v, want device error", err)
			}
			err = tc.call(r, e)
			if !errors.Is(err, fwerr.ErrDeviceError) || !strings.Contains(err.Error(), "already pending") {
				t.Fatalf("second: err = %v, want pending device error", err)
			}
		})
	}
}

func TestEngineMask(t *testing.T) {
	m := vtd.MaskOf(0, 3, 63)
	if !m.Has(3) || m.Has(2) || m.Has(64) || m.Has(-1) {
		t.Fatalf("Has wrong for %v", m)
	}
	if m.Count() != 3 {
		t.Fatalf("Count = %d", m.Count())
	}
	m = m.Clear(3)
	if got := m.String(); got != "[0 63]" {
		t.Fatalf("String = %q", got)
	}
	if vtd.AllEngines(3) != vtd.MaskOf(0, 1, 2) {
		t.Fatalf("AllEngines(3) = %v", vtd.AllEngines(3))
	}
	if vtd.AllEngines(64) != ^vtd.EngineMask(0) {
		t.Fatalf("AllEngines(64) = %v", vtd.AllEngines(64))
	}
}
