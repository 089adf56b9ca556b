package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/dmaprotect/internal/dmar"
	"github.com/tinyrange/dmaprotect/internal/fwerr"
	"github.com/tinyrange/dmaprotect/internal/protect"
	"github.com/tinyrange/dmaprotect/internal/sim"
	"github.com/tinyrange/dmaprotect/internal/timeslice"
)

var sliceInit = timeslice.RegisterKind("dmaprotect::init")

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [-debug] <command> [flags] [args...]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  parse <dmar.bin>            decode a DMAR table\n")
	fmt.Fprintf(os.Stderr, "  simulate <platform.yaml>    set up DMA protection on a simulated platform\n")
	fmt.Fprintf(os.Stderr, "  bench <platform.yaml>       stage DMA transfers through the simulated platform\n")
	fmt.Fprintf(os.Stderr, "  trace <file>                summarise a timing trace written by bench\n")
	fmt.Fprintf(os.Stderr, "  probe                       report the host's remapping units (linux)\n")
	fmt.Fprintf(os.Stderr, "\nFlags:\n")
	flag.PrintDefaults()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dmaprotect: %v\n", err)
		if fwerr.Fatal(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run() error {
	dbg := flag.Bool("debug", false, "enable debug logging")
	jsonLogs := flag.Bool("json", false, "log as JSON (default when stderr is not a terminal)")
	flag.Usage = usage
	flag.Parse()

	setupLogging(*dbg, *jsonLogs || !term.IsTerminal(int(os.Stderr.Fd())))

	args := flag.Args()
	if len(args) == 0 {
		usage()
		return fmt.Errorf("missing command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch args[0] {
	case "parse":
		return runParse(args[1:])
	case "simulate":
		return runSimulate(ctx, args[1:])
	case "bench":
		return runBench(ctx, args[1:])
	case "trace":
		return runTrace(args[1:])
	case "probe":
		return runProbe(args[1:])
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func setupLogging(debug, asJSON bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if asJSON {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}
}

func runParse(args []string) error {
	fs := flag.NewFlagSet("parse", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: parse <dmar.bin>")
	}

	blob, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("read table: %w", err)
	}
	tbl, err := dmar.Parse(blob)
	if err != nil {
		return err
	}
	printTable(os.Stdout, tbl)
	return nil
}

func printTable(w io.Writer, tbl *dmar.Table) {
	h := tbl.Header
	fmt.Fprintf(w, "DMAR rev %d oem %q/%q length %d host address width %d flags 0x%02x\n",
		h.Revision, h.OEMID[:], h.OEMTableID[:], h.Length, int(h.HostAddressWidth)+1, h.Flags)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UNIT\tSEGMENT\tREGISTERS\tINCLUDE_PCI_ALL\tSCOPES")
	for _, u := range tbl.Units {
		fmt.Fprintf(tw, "%d\t%04x\t0x%x\t%v\t%v\n", u.Ordinal, u.Segment, u.RegisterBase, u.IncludePCIAll(), u.Scopes)
	}
	tw.Flush()

	if len(tbl.Reserved) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RMRR\tSEGMENT\tBASE\tLIMIT\tSCOPES")
	for i, r := range tbl.Reserved {
		fmt.Fprintf(tw, "%d\t%04x\t0x%x\t0x%x\t%v\n", i, r.Segment, r.Base, r.Limit, r.Scopes)
	}
	tw.Flush()
}

func loadMachine(path, policyPath string) (*sim.Machine, error) {
	p, err := sim.LoadPlatform(path)
	if err != nil {
		return nil, err
	}
	if policyPath != "" {
		if p.Policy, err = protect.LoadPolicy(policyPath); err != nil {
			return nil, err
		}
	}
	return sim.Build(p, slog.Default())
}

func runSimulate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("simulate", flag.ExitOnError)
	policyPath := fs.String("policy", "", "policy YAML overriding the platform's policy")
	rootTable := fs.String("translation", "", "enable translation with this root table address after setup")
	teardown := fs.Bool("teardown", false, "run the end-of-stage teardown hook before reporting")
	dumpTable := fs.String("dump-dmar", "", "write the generated DMAR table to this file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: simulate [flags] <platform.yaml>")
	}

	m, err := loadMachine(fs.Arg(0), *policyPath)
	if err != nil {
		return err
	}
	if *dumpTable != "" {
		if err := os.WriteFile(*dumpTable, m.DMAR, 0o644); err != nil {
			return fmt.Errorf("write DMAR table: %w", err)
		}
	}

	p, err := m.Init(ctx, slog.Default())
	if err != nil {
		if fwerr.Recoverable(err) {
			slog.Warn("DMA protection unavailable, continuing without isolation", "error", err)
			return nil
		}
		return err
	}

	if *rootTable != "" {
		addr, err := strconv.ParseUint(*rootTable, 0, 64)
		if err != nil {
			return fmt.Errorf("parse root table address: %w", err)
		}
		if err := p.EnableTranslation(addr); err != nil {
			return err
		}
	}
	if *teardown {
		if err := p.Teardown(); err != nil {
			return err
		}
	}

	printState(os.Stdout, p)
	return nil
}

func printState(w io.Writer, p *protect.Protection) {
	s := p.Buffer.Stats()
	fmt.Fprintf(w, "staging buffer [0x%x, 0x%x) boot mode %s\n", s.Base, s.Base+s.Size, p.Policy().BootMode)
	if p.Default != 0 {
		fmt.Fprintf(w, "default engines %v low %v high %v\n", p.Default, p.Low, p.High)
	}
	for _, r := range p.Reservations {
		fmt.Fprintf(w, "rmrr [0x%x-0x%x] engine %d low %v high %v\n", r.Region.Base, r.Region.Limit, r.Engine, r.Low, r.High)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENGINE\tPMR\tLOW\tHIGH\tTRANSLATION\tDEFAULT")
	for _, st := range p.State() {
		e, s := st.Engine, st.Status
		low, high := "-", "-"
		if e.SupportsLowRange() {
			low = fmt.Sprintf("0x%x-0x%x/0x%x", s.LowBase, s.LowLimit, e.LowAlignment)
		}
		if e.SupportsHighRange() {
			high = fmt.Sprintf("0x%x-0x%x/0x%x", s.HighBase, s.HighLimit, e.HighAlignment)
		}
		fmt.Fprintf(tw, "%s\t%v\t%s\t%s\t%v\t%v\n", e, s.ProtectionEnabled, low, high, s.TranslationEnabled, st.Default)
	}
	tw.Flush()
}

func runBench(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	n := fs.Int("n", 1000, "number of read/write round trips")
	size := fs.Uint64("size", 4096, "bytes per transfer")
	seed := fs.Uint64("seed", uint64(time.Now().UnixNano()), "payload seed")
	tracePath := fs.String("trace", "", "write a timing trace to this file")
	policyPath := fs.String("policy", "", "policy YAML overriding the platform's policy")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: bench [flags] <platform.yaml>")
	}

	m, err := loadMachine(fs.Arg(0), *policyPath)
	if err != nil {
		return err
	}

	rec := timeslice.NewRecorder()
	if *tracePath != "" {
		f, err := os.Create(*tracePath)
		if err != nil {
			return fmt.Errorf("create trace file: %w", err)
		}
		defer f.Close()
		if err := rec.Stream(f); err != nil {
			return err
		}
	}

	p, err := m.Init(ctx, slog.Default())
	if err != nil {
		return err
	}
	rec.Record(sliceInit)

	bar := progressbar.Default(int64(*n), "staging")
	res, err := m.Bench(ctx, p, sim.BenchOptions{
		Iterations: *n,
		Size:       *size,
		Seed:       *seed,
		Recorder:   rec,
		Step:       func() { bar.Add(1) },
	})
	bar.Finish()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("bench interrupted", "iterations", res.Iterations)
		}
		return err
	}
	if err := rec.Flush(); err != nil {
		return err
	}

	fmt.Printf("%d round trips, %d bytes staged\n", res.Iterations, res.Bytes)
	printStats(os.Stdout, res.Stats)
	return nil
}

func printStats(w io.Writer, stats []timeslice.Stat) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PHASE\tCOUNT\tTOTAL\tMEAN\tMAX")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%d\t%v\t%v\t%v\n", s.Name, s.Count, s.Total, s.Mean(), s.Max)
	}
	tw.Flush()
}

func runTrace(args []string) error {
	fs := flag.NewFlagSet("trace", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: trace <file>")
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("open trace: %w", err)
	}
	defer f.Close()

	byName := map[string]*timeslice.Stat{}
	var order []string
	if err := timeslice.ReadAll(f, func(name string, d time.Duration) error {
		s, ok := byName[name]
		if !ok {
			s = &timeslice.Stat{Name: name}
			byName[name] = s
			order = append(order, name)
		}
		s.Count++
		s.Total += d
		s.Max = max(s.Max, d)
		return nil
	}); err != nil {
		return err
	}

	stats := make([]timeslice.Stat, 0, len(order))
	for _, name := range order {
		stats = append(stats, *byName[name])
	}
	printStats(os.Stdout, stats)
	return nil
}
