// Package history records a local index of past Root.Execute runs —
// start/end time and final JobState — so "how did the last few
// submissions of this job go" can be answered without re-parsing
// checkpoint files. Root.Execute writes a row only when a Store has been
// attached with Root.SetHistoryStore; nnlog does not read this index.
// This is not part of the source tool: it is a supplemental,
// purely local feature layered on top of the same BoltDB the wider
// ecosystem uses for durable indexes.
package history

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

var bucketRuns = []byte("runs")

// RunSummary is one past Root.Execute invocation.
type RunSummary struct {
	RunID   string    `json:"run_id"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Failed  bool      `json:"failed"`
	Aborted bool      `json:"aborted"`
	Err     string    `json:"err,omitempty"`
}

// Store is a BoltDB-backed append-only index of RunSummary rows.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the history database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRuns)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Record appends a completed run's summary.
func (s *Store) Record(r RunSummary) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("history: marshal summary: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).Put([]byte(r.RunID), b)
	})
}

// Recent returns up to n most recent runs, newest first.
func (s *Store) Recent(n int) ([]RunSummary, error) {
	var out []RunSummary
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			var r RunSummary
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.After(out[j].Start) })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}
