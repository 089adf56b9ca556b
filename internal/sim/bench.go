package sim

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/tinyrange/dmaprotect/internal/iomem"
	"github.com/tinyrange/dmaprotect/internal/platform"
	"github.com/tinyrange/dmaprotect/internal/protect"
	"github.com/tinyrange/dmaprotect/internal/timeslice"
)

var (
	sliceMapRead    = timeslice.RegisterKind("bench::map_read")
	sliceUnmapRead  = timeslice.RegisterKind("bench::unmap_read")
	sliceMapWrite   = timeslice.RegisterKind("bench::map_write")
	sliceUnmapWrite = timeslice.RegisterKind("bench::unmap_write")
	sliceVerify     = timeslice.RegisterKind("bench::verify")
)

// BenchOptions controls a bench run.
type BenchOptions struct {
	Iterations int
	// Size is the transfer size of each mapping.
	Size uint64
	// Seed makes the payloads reproducible.
	Seed uint64

	Recorder *timeslice.Recorder
	// Step is called after every iteration.
	Step func()
}

// BenchResult summarises a bench run.
type BenchResult struct {
	Iterations int
	Bytes      uint64
	Stats      []timeslice.Stat
}

// Bench drives read and write round trips through the published service and
// checks that host memory stays out of device reach while staged data does
// not.
func (m *Machine) Bench(ctx context.Context, p *protect.Protection, opts BenchOptions) (BenchResult, error) {
	if opts.Size == 0 {
		opts.Size = platform.PageSize
	}
	rec := opts.Recorder
	if rec == nil {
		rec = timeslice.NewRecorder()
	}

	pages := platform.AlignUp(opts.Size, platform.PageSize) / platform.PageSize
	host, err := m.RAM.AllocatePages(pages, ^uint64(0), 0)
	if err != nil {
		return BenchResult{}, fmt.Errorf("sim: bench host buffer: %w", err)
	}
	defer m.RAM.FreePages(host, pages)

	svc := p.Service
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	payload := make([]byte, opts.Size)
	readback := make([]byte, opts.Size)

	var result BenchResult
	for i := 0; i < opts.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		fillRandom(rng, payload)
		if _, err := m.RAM.WriteAt(payload, int64(host)); err != nil {
			return result, err
		}

		rec.Mark()
		dev, mapping, err := svc.Map(iomem.BusMasterRead, host, opts.Size)
		if err != nil {
			return result, err
		}
		rec.Record(sliceMapRead)

		if err := m.checkStaged(p, host, dev, payload, readback); err != nil {
			return result, err
		}
		rec.Record(sliceVerify)

		if err := svc.Unmap(mapping); err != nil {
			return result, err
		}
		rec.Record(sliceUnmapRead)

		dev, mapping, err = svc.Map(iomem.BusMasterWrite, host, opts.Size)
		if err != nil {
			return result, err
		}
		rec.Record(sliceMapWrite)

		fillRandom(rng, payload)
		if _, err := m.RAM.WriteAt(payload, int64(dev)); err != nil {
			return result, err
		}
		rec.Mark()
		if err := svc.Unmap(mapping); err != nil {
			return result, err
		}
		rec.Record(sliceUnmapWrite)

		if _, err := m.RAM.ReadAt(readback, int64(host)); err != nil {
			return result, err
		}
		if !bytes.Equal(readback, payload) {
			return result, fmt.Errorf("sim: iteration %d: device write not copied back to host", i)
		}
		rec.Record(sliceVerify)

		result.Iterations++
		result.Bytes += 2 * opts.Size
		if opts.Step != nil {
			opts.Step()
		}
	}

	if s := p.Buffer.Stats(); s.Bottom != s.Base {
		return result, fmt.Errorf("sim: staging buffer leaked 0x%x bytes", s.Bottom-s.Base)
	}
	result.Stats = rec.Summary()
	return result, nil
}

// checkStaged verifies the staged copy and that the default engines let
// devices reach it. Engines with both ranges must also block the host buffer.
func (m *Machine) checkStaged(p *protect.Protection, host, dev uint64, want, buf []byte) error {
	if _, err := m.RAM.ReadAt(buf, int64(dev)); err != nil {
		return err
	}
	if !bytes.Equal(buf, want) {
		return fmt.Errorf("sim: staged copy at 0x%x differs from host 0x%x", dev, host)
	}
	for _, ordinal := range p.Default.Ordinals() {
		u := m.Units[ordinal]
		if u.Blocks(dev) {
			return fmt.Errorf("sim: engine %d blocks staged address 0x%x", ordinal, dev)
		}
		if cfg := u.Config(); cfg.LowRange && cfg.HighRange && !u.Blocks(host) {
			return fmt.Errorf("sim: engine %d lets devices reach host address 0x%x", ordinal, host)
		}
	}
	return nil
}

func fillRandom(rng *rand.Rand, buf []byte) {
	for i := range buf {
		buf[i] = byte(rng.Uint32())
	}
}
