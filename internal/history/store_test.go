package history

import (
	"testing"
	"time"

	"tallysync/internal/model"
)

func TestRingKeepsNewest(t *testing.T) {
	s := NewStore(3)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.Add(model.Run{ID: string(rune('a' + i)), Source: "A", StartedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	runs := s.List(0)
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].ID != "c" || runs[2].ID != "e" {
		t.Fatalf("unexpected ring order: %s..%s", runs[0].ID, runs[2].ID)
	}
	if last := s.List(1); len(last) != 1 || last[0].ID != "e" {
		t.Fatalf("List(1) should return newest run")
	}
	since := s.Since(base.Add(3 * time.Minute))
	if len(since) != 2 {
		t.Fatalf("Since: expected 2, got %d", len(since))
	}
}

func TestLastBySource(t *testing.T) {
	s := NewStore(10)
	s.Add(model.Run{ID: "1", Source: "A", Outcome: model.OutcomeCommitted})
	s.Add(model.Run{ID: "2", Source: "B", Outcome: model.OutcomeNoSnapshot})
	s.Add(model.Run{ID: "3", Source: "A", Outcome: model.OutcomeNothingToCommit})
	last := s.LastBySource()
	if last["A"].ID != "3" || last["B"].ID != "2" {
		t.Fatalf("unexpected last runs: %+v", last)
	}
	s.Clear()
	if len(s.List(0)) != 0 {
		t.Fatalf("clear should empty the ring")
	}
}
