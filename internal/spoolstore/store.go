// Package spoolstore implements the content-addressed CSV-on-disk spool
// database described in spec.md §4.7: an in-memory by-id index over a
// line-oriented CSV file, with same-length tombstone reclamation and an
// explicit compaction pass. The on-disk layout and load/save lifecycle
// follow the teacher's database.Database (JSON namespace files), adapted
// here to a single append/overwrite CSV file plus a small JSON manifest.
package spoolstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/spoolease/core/internal/spoolrecord"
)

const manifestVersion = "1"

type manifest struct {
	Version string `json:"version"`
}

// recordInfo is the byte offset and length of one record's serialized CSV
// row, including its trailing newline (spec.md §3, "CSV DB record info").
type recordInfo struct {
	offset int64
	length int64
}

// Store is a CSV-backed key/value database of spool records, keyed by
// Record.ID. All operations are serialized through a single mutex,
// matching spec.md §5's "SD card protected by a single mutex" model: the
// store is owned by exactly one task.
type Store struct {
	mu       sync.Mutex
	dbPath   string
	dbmPath  string
	records  map[string]*spoolrecord.Record
	infos    map[string]recordInfo
	fileSize int64
}

// Open reads "<name>.db" and "<name>.dbm" (creating the manifest with a
// default version if absent), indexing every live record by its byte
// offset and length.
func Open(name string) (*Store, error) {
	s := &Store{
		dbPath:  name + ".db",
		dbmPath: name + ".dbm",
		records: make(map[string]*spoolrecord.Record),
		infos:   make(map[string]recordInfo),
	}

	if err := s.ensureManifest(); err != nil {
		return nil, err
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureManifest() error {
	data, err := os.ReadFile(s.dbmPath)
	if err != nil {
		if os.IsNotExist(err) {
			return s.writeManifest()
		}
		return fmt.Errorf("spoolstore: reading manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("spoolstore: parsing manifest: %w", err)
	}
	return nil
}

func (s *Store) writeManifest() error {
	data, err := json.Marshal(manifest{Version: manifestVersion})
	if err != nil {
		return err
	}
	return os.WriteFile(s.dbmPath, data, 0644)
}

// load parses the CSV file line by line, skipping empty lines and
// all-tombstone lines, indexing every successfully decoded record.
func (s *Store) load() error {
	f, err := os.Open(s.dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("spoolstore: opening db: %w", err)
	}
	defer f.Close()

	var offset int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		raw := scanner.Text()
		lineLen := int64(len(raw)) + 1 // +1 for the newline stripped by Scanner

		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || isTombstone(trimmed) {
			offset += lineLen
			continue
		}

		rec, err := spoolrecord.DecodeCSV(raw)
		if err != nil {
			// Data error: skip the malformed record, per spec.md §7 (Data errors).
			offset += lineLen
			continue
		}
		s.records[rec.ID] = rec
		s.infos[rec.ID] = recordInfo{offset: offset, length: lineLen}
		offset += lineLen
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("spoolstore: scanning db: %w", err)
	}
	s.fileSize = offset
	return nil
}

func isTombstone(line string) bool {
	for _, c := range line {
		if c != '-' {
			return false
		}
	}
	return len(line) > 0
}

// Get returns a copy of the record with the given id, if present.
func (s *Store) Get(id string) (*spoolrecord.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// All returns a borrowed-view snapshot of every live record.
func (s *Store) All() []*spoolrecord.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*spoolrecord.Record, 0, len(s.records))
	for _, rec := range s.records {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

// Insert applies spec.md §4.7's insert rule:
//   - present and equal: no-op
//   - present and new serialization fits in the old slot: overwrite in place
//     (pad remainder with '-', end with '\n')
//   - present and larger: tombstone the old slot, append at end
//   - absent: append at end
func (s *Store) Insert(rec *spoolrecord.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, err := rec.EncodeCSV()
	if err != nil {
		return err
	}

	existing, present := s.records[rec.ID]
	if present && existing.Equal(rec) {
		return nil
	}

	f, err := os.OpenFile(s.dbPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("spoolstore: opening db for write: %w", err)
	}
	defer f.Close()

	if present {
		info := s.infos[rec.ID]
		if int64(len(encoded)) <= info.length {
			if err := writePadded(f, info.offset, info.length, encoded); err != nil {
				return err
			}
			s.records[rec.ID] = cloneRecord(rec)
			s.infos[rec.ID] = recordInfo{offset: info.offset, length: info.length}
			return nil
		}
		// Too large for the old slot: tombstone it, then append.
		if err := writeTombstone(f, info.offset, info.length); err != nil {
			return err
		}
	}

	newInfo, err := appendRecord(f, s.fileSize, encoded)
	if err != nil {
		return err
	}
	s.records[rec.ID] = cloneRecord(rec)
	s.infos[rec.ID] = newInfo
	s.fileSize = newInfo.offset + newInfo.length
	return nil
}

// Delete overwrites the record's bytes with a same-length tombstone and
// removes it from the index.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.infos[id]
	if !ok {
		return nil
	}

	f, err := os.OpenFile(s.dbPath, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("spoolstore: opening db for delete: %w", err)
	}
	defer f.Close()

	if err := writeTombstone(f, info.offset, info.length); err != nil {
		return err
	}
	delete(s.records, id)
	delete(s.infos, id)
	return nil
}

// SaveAll rewrites the whole file from the current in-memory index,
// in arbitrary map iteration order (each record still gets a valid,
// non-overlapping slot).
func (s *Store) SaveAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rewriteLocked()
}

// Pack concatenates all live records into a new contiguous buffer and
// rewrites the file in one pass, reclaiming tombstoned space (spec.md §4.7
// "Optional pack"). When backup is true, the pre-pack file is copied to
// "<name>.db1" first, so a crash mid-rewrite leaves a recoverable copy of
// the last known-good state (grounded in the original firmware's
// CsvDb::start(backup, pack), which does the same before compacting).
func (s *Store) Pack(backup bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if backup {
		if err := s.backupLocked(); err != nil {
			return err
		}
	}
	return s.rewriteLocked()
}

// backupLocked copies the current on-disk db file to its ".db1" sibling,
// overwriting any previous backup. A missing db file (nothing written yet)
// is not an error.
func (s *Store) backupLocked() error {
	data, err := os.ReadFile(s.dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("spoolstore: reading db for backup: %w", err)
	}
	if err := os.WriteFile(s.dbPath+"1", data, 0644); err != nil {
		return fmt.Errorf("spoolstore: writing backup: %w", err)
	}
	return nil
}

func (s *Store) rewriteLocked() error {
	var sb strings.Builder
	newInfos := make(map[string]recordInfo, len(s.records))
	var offset int64
	for id, rec := range s.records {
		encoded, err := rec.EncodeCSV()
		if err != nil {
			return err
		}
		newInfos[id] = recordInfo{offset: offset, length: int64(len(encoded))}
		sb.WriteString(encoded)
		offset += int64(len(encoded))
	}

	if err := os.WriteFile(s.dbPath, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("spoolstore: rewriting db: %w", err)
	}
	s.infos = newInfos
	s.fileSize = offset
	return nil
}

func cloneRecord(rec *spoolrecord.Record) *spoolrecord.Record {
	cp := *rec
	return &cp
}

// writePadded writes `encoded` at `offset`, padding the remainder of the
// `length`-byte slot with '-' and a trailing '\n', so the slot's overall
// length is unchanged (other records' offsets stay valid).
func writePadded(f *os.File, offset, length int64, encoded string) error {
	buf := make([]byte, length)
	copy(buf, []byte(encoded))
	for i := len(encoded); i < int(length)-1; i++ {
		buf[i] = '-'
	}
	if length > 0 {
		buf[length-1] = '\n'
	}
	_, err := f.WriteAt(buf, offset)
	return err
}

func writeTombstone(f *os.File, offset, length int64) error {
	buf := make([]byte, length)
	for i := int64(0); i < length-1; i++ {
		buf[i] = '-'
	}
	if length > 0 {
		buf[length-1] = '\n'
	}
	_, err := f.WriteAt(buf, offset)
	return err
}

func appendRecord(f *os.File, atOffset int64, encoded string) (recordInfo, error) {
	if _, err := f.WriteAt([]byte(encoded), atOffset); err != nil {
		return recordInfo{}, fmt.Errorf("spoolstore: appending record: %w", err)
	}
	return recordInfo{offset: atOffset, length: int64(len(encoded))}, nil
}
