package gcodecalc

import (
	"math"
	"testing"
)

func approxEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestGCodeMathScenario(t *testing.T) {
	var entries []FilamentUsageEntry
	c := New(func(e FilamentUsageEntry) { entries = append(entries, e) })

	script := "; filament_density: 1.24\n; filament_diameter: 1.75\nM620 S0A\nG1 E100\n; CHANGE_LAYER\n"
	if err := c.Feed([]byte(script)); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	c.Done()

	if len(entries) != 1 {
		t.Fatalf("entries = %+v, want exactly 1", entries)
	}
	want := 100 * math.Pi * 1.75 * 1.75 / 400 / 10 * 1.24
	if entries[0].Layer != 0 || entries[0].FilamentID != 0 {
		t.Fatalf("entry = %+v, want layer=0 id=0", entries[0])
	}
	if !approxEqual(entries[0].Grams, want, 1e-6) {
		t.Fatalf("grams = %v, want ≈ %v", entries[0].Grams, want)
	}
}

func TestFilamentSwapScenario(t *testing.T) {
	var entries []FilamentUsageEntry
	c := New(func(e FilamentUsageEntry) { entries = append(entries, e) })

	lines := []string{
		"; filament_density: 1.24,1.24",
		"; filament_diameter: 1.75,1.75",
		"M620 S0A",
		"G1 E50",
		"M620 S1A",
		"G1 E30",
		"; CHANGE_LAYER",
	}
	for _, l := range lines {
		if err := c.Feed([]byte(l + "\n")); err != nil {
			t.Fatalf("Feed(%q): %v", l, err)
		}
	}
	c.Done()

	if len(entries) != 2 {
		t.Fatalf("entries = %+v, want exactly 2", entries)
	}
	for _, e := range entries {
		if e.Layer != 0 {
			t.Fatalf("entry %+v: layer != 0", e)
		}
	}
	if entries[0].FilamentID != 0 || entries[1].FilamentID != 1 {
		t.Fatalf("entries = %+v, want ids 0 then 1", entries)
	}
	if c.SwapCount() != 1 {
		t.Fatalf("SwapCount() = %d, want 1", c.SwapCount())
	}
}

func TestNoExtrusionProducesNoEntries(t *testing.T) {
	var entries []FilamentUsageEntry
	c := New(func(e FilamentUsageEntry) { entries = append(entries, e) })

	if err := c.Feed([]byte("; filament_density: 1.24\n; CHANGE_LAYER\n")); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	c.Done()

	if len(entries) != 0 {
		t.Fatalf("entries = %+v, want none", entries)
	}
}

func TestPartialLineRetainedAcrossFeeds(t *testing.T) {
	var entries []FilamentUsageEntry
	c := New(func(e FilamentUsageEntry) { entries = append(entries, e) })

	full := "; filament_density: 1.24\n; filament_diameter: 1.75\nM620 S0A\nG1 E100\n; CHANGE_LAYER\n"
	for i := 0; i < len(full); i += 3 {
		end := i + 3
		if end > len(full) {
			end = len(full)
		}
		if err := c.Feed([]byte(full[i:end])); err != nil {
			t.Fatalf("Feed chunk: %v", err)
		}
	}
	c.Done()

	if len(entries) != 1 {
		t.Fatalf("entries = %+v, want exactly 1 regardless of chunking", entries)
	}
}

func TestM62011RetractionSubtractsFromTotals(t *testing.T) {
	var entries []FilamentUsageEntry
	c := New(func(e FilamentUsageEntry) { entries = append(entries, e) })

	lines := []string{
		"; filament_density: 1.24",
		"; filament_diameter: 1.75",
		"M620 S0A",
		"G1 E100",
		"M620.11 E10",
		"; CHANGE_LAYER",
	}
	for _, l := range lines {
		if err := c.Feed([]byte(l + "\n")); err != nil {
			t.Fatalf("Feed: %v", err)
		}
	}
	c.Done()

	if len(entries) != 1 {
		t.Fatalf("entries = %+v, want exactly 1", entries)
	}
	want := 90 * math.Pi * 1.75 * 1.75 / 400 / 10 * 1.24
	if !approxEqual(entries[0].Grams, want, 1e-6) {
		t.Fatalf("grams = %v, want ≈ %v", entries[0].Grams, want)
	}
}
