// Command spoolease-sim exercises the streaming extract-then-calculate
// half of the fetch pipeline (spec.md §4.3, C3→C1→C2) against a 3MF
// file already on local disk, without needing a live printer or cloud
// host: it chunks the file the way a network read would, feeds it
// through the ZIP local-header extractor, and reports the G-code
// filament-usage entries the calculator flushes.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/spoolease/core/internal/gcodecalc"
	"github.com/spoolease/core/internal/threemf"
)

func main() {
	path := flag.String("file", "", "path to a .3mf file on disk")
	entry := flag.String("entry", "Metadata/plate_1.gcode", "ZIP entry name to extract")
	chunkSize := flag.Int("chunk", 4096, "bytes fed to the extractor per Feed call")
	flag.Parse()

	if *path == "" {
		log.Fatal("spoolease-sim: -file is required")
	}

	data, err := os.ReadFile(*path)
	if err != nil {
		log.Fatalf("spoolease-sim: reading %s: %v", *path, err)
	}

	var entries []gcodecalc.FilamentUsageEntry
	calc := gcodecalc.New(func(e gcodecalc.FilamentUsageEntry) {
		entries = append(entries, e)
	})

	extractor := threemf.New(*entry, 32*1024, func(chunk []byte) bool {
		if err := calc.Feed(chunk); err != nil {
			log.Fatalf("spoolease-sim: gcode parse error: %v", err)
		}
		return true
	})

	for offset := 0; offset < len(data); offset += *chunkSize {
		end := offset + *chunkSize
		if end > len(data) {
			end = len(data)
		}
		status, err := extractor.Feed(data[offset:end])
		if err != nil {
			log.Fatalf("spoolease-sim: extract error at byte %d: %v", offset, err)
		}
		if status == threemf.StreamEnded {
			break
		}
	}
	calc.Done()

	totals := make(map[int]float64)
	for _, e := range entries {
		totals[e.FilamentID] += e.Grams
	}

	out := struct {
		Entries []gcodecalc.FilamentUsageEntry `json:"entries"`
		Totals  map[int]float64                `json:"totals_by_filament_id"`
		Swaps   int                             `json:"filament_swaps"`
	}{Entries: entries, Totals: totals, Swaps: calc.SwapCount()}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
