package spoolstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spoolease/core/internal/spoolrecord"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	name := filepath.Join(dir, "spools")
	s, err := Open(name)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, name
}

func rec(id string) *spoolrecord.Record {
	return &spoolrecord.Record{ID: id, MaterialType: "PLA", Origin: spoolrecord.OriginSpoolEaseV1}
}

func TestInsertGetDelete(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.Insert(rec("A")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, ok := s.Get("A")
	if !ok || got.MaterialType != "PLA" {
		t.Fatalf("Get after insert: %+v, %v", got, ok)
	}

	if err := s.Delete("A"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Get("A"); ok {
		t.Fatalf("record should be gone after delete")
	}
}

func TestInsertNoOpWhenEqual(t *testing.T) {
	s, name := newTestStore(t)
	r := rec("A")
	if err := s.Insert(r); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	before, _ := os.ReadFile(name + ".db")
	if err := s.Insert(rec("A")); err != nil {
		t.Fatalf("second Insert: %v", err)
	}
	after, _ := os.ReadFile(name + ".db")
	if string(before) != string(after) {
		t.Fatalf("no-op insert changed file contents")
	}
}

func TestInsertGrowTombstonesOldSlot(t *testing.T) {
	s, name := newTestStore(t)
	r := rec("A")
	if err := s.Insert(r); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	grown := rec("A")
	grown.Note = strings.Repeat("x", 200)
	if err := s.Insert(grown); err != nil {
		t.Fatalf("Insert grown: %v", err)
	}

	got, ok := s.Get("A")
	if !ok || got.Note != grown.Note {
		t.Fatalf("expected grown record, got %+v", got)
	}

	data, err := os.ReadFile(name + ".db")
	if err != nil {
		t.Fatalf("reading db: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected old slot to be tombstoned and new one appended, got %d lines", len(lines))
	}
	firstLine := lines[0]
	for _, c := range firstLine {
		if c != '-' {
			t.Fatalf("expected first (old) line to be all '-', got %q", firstLine)
		}
	}
}

func TestDeleteLeavesTombstoneOfSameLength(t *testing.T) {
	s, name := newTestStore(t)
	if err := s.Insert(rec("A")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	encoded, _ := rec("A").EncodeCSV()

	if err := s.Delete("A"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	data, err := os.ReadFile(name + ".db")
	if err != nil {
		t.Fatalf("reading db: %v", err)
	}
	if len(data) != len(encoded) {
		t.Fatalf("tombstone length = %d, want %d", len(data), len(encoded))
	}
	body := strings.TrimRight(string(data), "\n")
	for _, c := range body {
		if c != '-' {
			t.Fatalf("tombstone body not all '-': %q", data)
		}
	}
}

func TestReopenReloadsIndex(t *testing.T) {
	s, name := newTestStore(t)
	if err := s.Insert(rec("A")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert(rec("B")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Delete("A"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	reopened, err := Open(name)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, ok := reopened.Get("A"); ok {
		t.Fatalf("deleted record should not reappear after reopen")
	}
	if _, ok := reopened.Get("B"); !ok {
		t.Fatalf("surviving record missing after reopen")
	}
}

func TestPackReclaimsTombstones(t *testing.T) {
	s, name := newTestStore(t)
	for _, id := range []string{"A", "B", "C"} {
		if err := s.Insert(rec(id)); err != nil {
			t.Fatalf("Insert %s: %v", id, err)
		}
	}
	if err := s.Delete("B"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if err := s.Pack(true); err != nil {
		t.Fatalf("Pack: %v", err)
	}

	data, err := os.ReadFile(name + ".db")
	if err != nil {
		t.Fatalf("reading db: %v", err)
	}
	if strings.Contains(string(data), "----") {
		t.Fatalf("pack left tombstone bytes behind: %q", data)
	}
	if _, ok := s.Get("A"); !ok {
		t.Fatalf("A missing after pack")
	}
	if _, ok := s.Get("C"); !ok {
		t.Fatalf("C missing after pack")
	}
	if _, ok := s.Get("B"); ok {
		t.Fatalf("B should remain deleted after pack")
	}

	backup, err := os.ReadFile(name + ".db1")
	if err != nil {
		t.Fatalf("reading backup: %v", err)
	}
	if !strings.Contains(string(backup), "----") {
		t.Fatalf("backup should hold the pre-pack file, tombstone bytes included: %q", backup)
	}
}

func TestPackWithoutBackupLeavesNoSidecar(t *testing.T) {
	s, name := newTestStore(t)
	if err := s.Insert(rec("A")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Pack(false); err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if _, err := os.Stat(name + ".db1"); !os.IsNotExist(err) {
		t.Fatalf("expected no .db1 sidecar when backup=false, stat err=%v", err)
	}
}
