// Package kcal holds the per-printer K-factor (pressure advance)
// calibration tree referenced by SpoolRecordExt (spec.md §3): a nested
// table keyed printer -> extruder -> nozzle diameter -> nozzle id,
// alongside JSON (de)serialization so it can be persisted the same way
// the teacher keeps auxiliary non-CSV data separate from the CSV spool
// store.
package kcal

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Tree is a thread-safe printer -> extruder -> diameter -> nozzle-id ->
// K-factor table.
type Tree struct {
	mu   sync.RWMutex
	data map[string]map[string]map[float64]map[string]float64
}

// New creates an empty Tree.
func New() *Tree {
	return &Tree{data: make(map[string]map[string]map[float64]map[string]float64)}
}

// Get returns the calibrated K-factor for one printer/extruder/diameter/
// nozzle combination.
func (t *Tree) Get(printer, extruder string, diameter float64, nozzle string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	byExtruder, ok := t.data[printer]
	if !ok {
		return 0, false
	}
	byDiameter, ok := byExtruder[extruder]
	if !ok {
		return 0, false
	}
	byNozzle, ok := byDiameter[diameter]
	if !ok {
		return 0, false
	}
	k, ok := byNozzle[nozzle]
	return k, ok
}

// Set records the K-factor for one printer/extruder/diameter/nozzle
// combination, creating intermediate levels as needed.
func (t *Tree) Set(printer, extruder string, diameter float64, nozzle string, k float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	byExtruder, ok := t.data[printer]
	if !ok {
		byExtruder = make(map[string]map[float64]map[string]float64)
		t.data[printer] = byExtruder
	}
	byDiameter, ok := byExtruder[extruder]
	if !ok {
		byDiameter = make(map[float64]map[string]float64)
		byExtruder[extruder] = byDiameter
	}
	byNozzle, ok := byDiameter[diameter]
	if !ok {
		byNozzle = make(map[string]float64)
		byDiameter[diameter] = byNozzle
	}
	byNozzle[nozzle] = k
}

// Delete removes one printer/extruder/diameter/nozzle entry, pruning
// now-empty intermediate levels.
func (t *Tree) Delete(printer, extruder string, diameter float64, nozzle string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	byExtruder, ok := t.data[printer]
	if !ok {
		return
	}
	byDiameter, ok := byExtruder[extruder]
	if !ok {
		return
	}
	byNozzle, ok := byDiameter[diameter]
	if !ok {
		return
	}
	delete(byNozzle, nozzle)
	if len(byNozzle) == 0 {
		delete(byDiameter, diameter)
	}
	if len(byDiameter) == 0 {
		delete(byExtruder, extruder)
	}
	if len(byExtruder) == 0 {
		delete(t.data, printer)
	}
}

// flatEntry is one leaf of the tree, used only for JSON (de)serialization
// since Go's encoding/json cannot use float64 map keys directly.
type flatEntry struct {
	Printer  string  `json:"printer"`
	Extruder string  `json:"extruder"`
	Diameter float64 `json:"diameter"`
	Nozzle   string  `json:"nozzle"`
	K        float64 `json:"k"`
}

// MarshalJSON flattens the tree into a list of leaf entries.
func (t *Tree) MarshalJSON() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var entries []flatEntry
	for printer, byExtruder := range t.data {
		for extruder, byDiameter := range byExtruder {
			for diameter, byNozzle := range byDiameter {
				for nozzle, k := range byNozzle {
					entries = append(entries, flatEntry{printer, extruder, diameter, nozzle, k})
				}
			}
		}
	}
	return json.Marshal(entries)
}

// UnmarshalJSON rebuilds the tree from a list of leaf entries.
func (t *Tree) UnmarshalJSON(raw []byte) error {
	var entries []flatEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("kcal: unmarshal: %w", err)
	}

	t.mu.Lock()
	t.data = make(map[string]map[string]map[float64]map[string]float64)
	t.mu.Unlock()

	for _, e := range entries {
		t.Set(e.Printer, e.Extruder, e.Diameter, e.Nozzle, e.K)
	}
	return nil
}
