// Package actionlog is the durable log of requested calendar actions: a
// single JSON array on disk, rewritten atomically on every mutation so the
// file is never observed half-written, even across a crash mid-write.
package actionlog

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"teebridge/internal/domain"
)

// ErrCorruptLog is internal only: a corrupt file is treated as empty and the
// error never reaches callers.
var ErrCorruptLog = errors.New("action log corrupt")

type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

// List returns all records. An unreadable or unparsable file is logged
// loudly and treated as an empty log; the process never dies on it.
func (s *Store) List() []domain.ActionRecord {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Str("path", s.path).Msg("read action log")
		}
		return nil
	}
	var records []domain.ActionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		log.Error().Err(ErrCorruptLog).Str("path", s.path).Str("cause", err.Error()).
			Msg("action log unreadable, treating as empty")
		return nil
	}
	return records
}

// Get returns the record with the given id if present.
func (s *Store) Get(id string) (domain.ActionRecord, bool) {
	for _, r := range s.List() {
		if r.ID == id {
			return r, true
		}
	}
	return domain.ActionRecord{}, false
}

// Append adds a record to the log.
func (s *Store) Append(rec domain.ActionRecord) error {
	records := append(s.List(), rec)
	return s.write(records)
}

// Update overwrites the record with the same id in place. A missing id is a
// warning-level no-op, not an error: the record may have been purged while
// the attempt was in flight.
func (s *Store) Update(rec domain.ActionRecord) error {
	records := s.List()
	for i := range records {
		if records[i].ID == rec.ID {
			records[i] = rec
			return s.write(records)
		}
	}
	log.Warn().Str("id", rec.ID).Msg("update for unknown action record, skipping")
	return nil
}

// Purge drops records older than maxAge and rewrites the file only if
// something was actually removed. Returns the number of dropped records.
func (s *Store) Purge(maxAge time.Duration, now time.Time) (int, error) {
	records := s.List()
	cutoff := now.Add(-maxAge)
	kept := records[:0]
	for _, r := range records {
		if recordTime(r).Before(cutoff) {
			continue
		}
		kept = append(kept, r)
	}
	dropped := len(records) - len(kept)
	if dropped == 0 {
		return 0, nil
	}
	return dropped, s.write(kept)
}

// recordTime is the best-effort age of a record: the numeric request
// timestamp when present, else the parsed completion or request strings.
func recordTime(r domain.ActionRecord) time.Time {
	if r.RequestTimestamp > 0 {
		return time.UnixMilli(r.RequestTimestamp)
	}
	for _, s := range []string{r.CompletedAt, r.RequestedAt} {
		if s == "" {
			continue
		}
		if t, err := time.ParseInLocation("2006.01.02 15.04.05", s, time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}

// write replaces the log atomically: marshal to <path>.tmp, then rename over
// the original. Rename is atomic on the same filesystem, so readers see the
// old array or the new one, never a partial write.
func (s *Store) write(records []domain.ActionRecord) error {
	if records == nil {
		records = []domain.ActionRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
