// Package gcodecalc implements the streaming G-code filament usage
// calculator (spec.md §4.2, C2): fed ASCII G-code incrementally, it
// emits one FilamentUsageEntry per layer change or filament swap,
// tracking extrusion position the same way a slicer-aware firmware
// tallies filament consumption per AMS slot.
package gcodecalc

import (
	"bufio"
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FilamentUsageEntry is one flushed accumulation of extruded filament
// for a given layer and filament id.
type FilamentUsageEntry struct {
	Layer      int
	FilamentID int
	Grams      float64
}

// OnEntry receives each flushed FilamentUsageEntry as it is produced.
type OnEntry func(FilamentUsageEntry)

// Calculator parses G-code fed incrementally via Feed.
type Calculator struct {
	onEntry OnEntry

	pending []byte // partial line retained across Feed calls

	densities []float64
	diameters []float64
	// filamentMap maps a 1-based G-code filament index (as it appears in
	// "; filament: n1,n2,..." ordinal position) to the 0-based
	// slicer-filament index named by its value.
	filamentMap map[int]int

	totalLayers int
	layer       int

	currentFilament *int
	position        float64
	committed       float64
	swapCount       int
}

// New creates a Calculator that reports flushed entries to onEntry.
func New(onEntry OnEntry) *Calculator {
	return &Calculator{
		onEntry:     onEntry,
		filamentMap: make(map[int]int),
	}
}

// SwapCount returns the number of filament-id changes observed so far
// via M620, for diagnostics.
func (c *Calculator) SwapCount() int { return c.swapCount }

// Feed appends data to the calculator, processing every complete line
// it contains. A trailing partial line is retained for the next call.
func (c *Calculator) Feed(data []byte) error {
	c.pending = append(c.pending, data...)

	for {
		idx := bytes.IndexByte(c.pending, '\n')
		if idx < 0 {
			break
		}
		line := c.pending[:idx]
		c.pending = c.pending[idx+1:]
		if err := c.processLine(string(line)); err != nil {
			return err
		}
	}
	return nil
}

// Done flushes any residual accumulated extrusion as a final entry.
// It does not attempt to process a trailing partial line without a
// terminating newline.
func (c *Calculator) Done() {
	c.flush()
}

func (c *Calculator) processLine(line string) error {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	if strings.HasPrefix(trimmed, ";") {
		return c.processComment(trimmed)
	}

	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return nil
	}
	cmd := fields[0]

	switch {
	case cmd == "M620":
		return c.processM620(fields)
	case cmd == "M620.11":
		return c.processM62011(fields)
	case isExtrusionMove(cmd):
		return c.processMove(fields)
	}
	return nil
}

func isExtrusionMove(cmd string) bool {
	switch cmd {
	case "G0", "G1", "G2", "G3":
		return true
	default:
		return false
	}
}

func (c *Calculator) processComment(line string) error {
	body := strings.TrimSpace(strings.TrimPrefix(line, ";"))

	switch {
	case strings.HasPrefix(body, "filament_density:"):
		vals, err := parseFloatList(strings.TrimPrefix(body, "filament_density:"))
		if err != nil {
			return fmt.Errorf("gcodecalc: filament_density: %w", err)
		}
		c.densities = vals

	case strings.HasPrefix(body, "filament_diameter:"):
		vals, err := parseFloatList(strings.TrimPrefix(body, "filament_diameter:"))
		if err != nil {
			return fmt.Errorf("gcodecalc: filament_diameter: %w", err)
		}
		c.diameters = vals

	case strings.HasPrefix(body, "filament:"):
		vals, err := parseIntList(strings.TrimPrefix(body, "filament:"))
		if err != nil {
			return fmt.Errorf("gcodecalc: filament: %w", err)
		}
		for i, v := range vals {
			c.filamentMap[i+1] = v
		}

	case strings.HasPrefix(body, "total layer number:"):
		n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(body, "total layer number:")))
		if err != nil {
			return fmt.Errorf("gcodecalc: total layer number: %w", err)
		}
		c.totalLayers = n

	case body == "CHANGE_LAYER":
		c.flush()
		c.layer++
	}
	return nil
}

// processM620 handles "M620 SxA": switch current filament to index x,
// flushing the prior filament's accumulation without advancing the
// layer counter.
func (c *Calculator) processM620(fields []string) error {
	var x int
	found := false
	for _, f := range fields[1:] {
		if len(f) > 1 && (f[0] == 'S' || f[0] == 's') {
			digits := strings.TrimFunc(f[1:], func(r rune) bool {
				return r < '0' || r > '9'
			})
			if digits == "" {
				continue
			}
			n, err := strconv.Atoi(digits)
			if err != nil {
				continue
			}
			x = n
			found = true
			break
		}
	}
	if !found {
		return nil
	}

	c.flush()
	c.position = 0

	if c.currentFilament == nil || *c.currentFilament != x {
		c.swapCount++
	}
	id := x
	c.currentFilament = &id
	return nil
}

// processM62011 handles "M620.11 ... E<len>": when E > 0, models
// retraction of filament back into the AMS by subtracting it from the
// running totals and the current position.
func (c *Calculator) processM62011(fields []string) error {
	e, ok, err := findEParam(fields)
	if err != nil {
		return fmt.Errorf("gcodecalc: M620.11: %w", err)
	}
	if !ok || e <= 0 {
		return nil
	}
	c.committed -= e
	c.position -= e
	return nil
}

func (c *Calculator) processMove(fields []string) error {
	e, ok, err := findEParam(fields)
	if err != nil {
		return fmt.Errorf("gcodecalc: move: %w", err)
	}
	if !ok || c.currentFilament == nil {
		return nil
	}
	c.position += e
	if c.position > 0 {
		c.committed += c.position
		c.position = 0
	}
	return nil
}

func (c *Calculator) flush() {
	if c.currentFilament == nil || c.committed == 0 {
		c.committed = 0
		return
	}
	id := *c.currentFilament
	grams := c.lengthToGrams(id, c.committed)
	c.committed = 0
	if c.onEntry != nil {
		c.onEntry(FilamentUsageEntry{Layer: c.layer, FilamentID: id, Grams: grams})
	}
}

// lengthToGrams converts an extruded length in mm to a mass in grams:
// g = length_mm × π × d²/400 × density / 10.
func (c *Calculator) lengthToGrams(filamentID int, lengthMM float64) float64 {
	var d, density float64
	if filamentID >= 0 && filamentID < len(c.diameters) {
		d = c.diameters[filamentID]
	}
	if filamentID >= 0 && filamentID < len(c.densities) {
		density = c.densities[filamentID]
	}
	return lengthMM * math.Pi * d * d / 400 * density / 10
}

func findEParam(fields []string) (float64, bool, error) {
	for _, f := range fields[1:] {
		if len(f) > 1 && (f[0] == 'E' || f[0] == 'e') {
			v, err := strconv.ParseFloat(f[1:], 64)
			if err != nil {
				return 0, false, fmt.Errorf("bad E parameter %q: %w", f, err)
			}
			return v, true, nil
		}
	}
	return 0, false, nil
}

func parseFloatList(s string) ([]float64, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func parseIntList(s string) ([]int, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ScanLines is a convenience for feeding a whole in-memory G-code buffer
// through a Calculator, used by tests and by cmd/spoolease-sim.
func ScanLines(c *Calculator, r *bufio.Scanner) error {
	for r.Scan() {
		if err := c.Feed(append(r.Bytes(), '\n')); err != nil {
			return err
		}
	}
	return r.Err()
}
