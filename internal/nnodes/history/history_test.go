package history

import (
	"path/filepath"
	"testing"
	"time"
)

func TestRecordAndRecentOrdersNewestFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	runs := []RunSummary{
		{RunID: "run-1", Start: base, End: base.Add(time.Minute)},
		{RunID: "run-2", Start: base.Add(time.Hour), End: base.Add(2 * time.Hour)},
		{RunID: "run-3", Start: base.Add(30 * time.Minute), End: base.Add(45 * time.Minute), Failed: true, Err: "boom"},
	}
	for _, r := range runs {
		if err := s.Record(r); err != nil {
			t.Fatalf("Record(%s): %v", r.RunID, err)
		}
	}

	got, err := s.Recent(0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(got))
	}
	want := []string{"run-2", "run-3", "run-1"}
	for i, id := range want {
		if got[i].RunID != id {
			t.Fatalf("expected order %v, got %v", want, runIDs(got))
		}
	}
	if !got[1].Failed || got[1].Err != "boom" {
		t.Fatalf("expected run-3 to carry its failure details, got %+v", got[1])
	}
}

func TestRecentRespectsLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		r := RunSummary{RunID: filepath.Base(filepath.Join("run", string(rune('a'+i)))), Start: base.Add(time.Duration(i) * time.Hour)}
		if err := s.Record(r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected Recent(2) to cap at 2 rows, got %d", len(got))
	}
}

func runIDs(rs []RunSummary) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.RunID
	}
	return out
}
