//go:build linux

package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/tinyrange/dmaprotect/internal/dmar"
	"github.com/tinyrange/dmaprotect/internal/mmio"
	"github.com/tinyrange/dmaprotect/internal/vtd"
)

const firmwareDMAR = "/sys/firmware/acpi/tables/DMAR"

// runProbe reports the host's remapping units. Alignment discovery writes
// the base registers, so it only runs with -write.
func runProbe(args []string) error {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	tablePath := fs.String("table", firmwareDMAR, "DMAR table to read")
	write := fs.Bool("write", false, "probe range alignments (writes PMR base registers)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	blob, err := os.ReadFile(*tablePath)
	if err != nil {
		return fmt.Errorf("read DMAR table: %w", err)
	}
	tbl, err := dmar.Parse(blob)
	if err != nil {
		return err
	}
	printTable(os.Stdout, tbl)
	fmt.Println()

	mem, err := mmio.OpenDevMem(*write)
	if err != nil {
		return err
	}
	defer mem.Close()

	reg, err := vtd.NewRegistry(tbl, mem, vtd.Options{Logger: slog.Default()})
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENGINE\tCAP\tECAP\tPLMR\tPHMR\tPMR ENABLED\tTRANSLATION\tLOW ALIGN\tHIGH ALIGN")
	for _, e := range reg.Engines() {
		lowAlign, highAlign := "-", "-"
		if *write && e.SupportsLowRange() {
			lowAlign = fmt.Sprintf("0x%x", e.DiscoverAlignment(vtd.LowRange))
		}
		if *write && e.SupportsHighRange() {
			highAlign = fmt.Sprintf("0x%x", e.DiscoverAlignment(vtd.HighRange))
		}
		s := e.Status()
		fmt.Fprintf(tw, "%s\t0x%016x\t0x%016x\t%v\t%v\t%v\t%v\t%s\t%s\n",
			e, e.Capability, e.ExtCapability, e.SupportsLowRange(), e.SupportsHighRange(),
			s.ProtectionEnabled, s.TranslationEnabled, lowAlign, highAlign)
	}
	return tw.Flush()
}
