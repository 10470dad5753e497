package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tallysync/internal/config"
	"tallysync/internal/model"
)

type fakeReconciler struct {
	mu      sync.Mutex
	calls   map[model.Source]int
	warmups int
	panicOn model.Source
	failOn  model.Source
}

func newFakeReconciler() *fakeReconciler {
	return &fakeReconciler{calls: make(map[model.Source]int)}
}

func (f *fakeReconciler) Sources() []model.Source { return []model.Source{"A", "B", "C"} }

func (f *fakeReconciler) Reconcile(_ context.Context, source model.Source, trigger model.Trigger) (model.Run, error) {
	f.mu.Lock()
	f.calls[source]++
	f.mu.Unlock()
	if source == f.panicOn {
		panic("boom")
	}
	if source == f.failOn {
		return model.Run{Source: source, Trigger: trigger, Outcome: model.OutcomeFailed}, errors.New("insert failed")
	}
	return model.Run{Source: source, Trigger: trigger, Outcome: model.OutcomeCommitted}, nil
}

func (f *fakeReconciler) Warmup(context.Context) map[model.Source]model.Counters {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.warmups++
	return nil
}

func (f *fakeReconciler) count(source model.Source) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[source]
}

func TestNextTick(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 3, 17, 0, time.UTC)
	if got := nextTick(now, 2*time.Minute, true); !got.Equal(time.Date(2024, 5, 1, 10, 4, 0, 0, time.UTC)) {
		t.Fatalf("aligned: %s", got)
	}
	if got := nextTick(now, 2*time.Minute, false); !got.Equal(now.Add(2 * time.Minute)) {
		t.Fatalf("unaligned: %s", got)
	}
	exact := time.Date(2024, 5, 1, 10, 4, 0, 0, time.UTC)
	if got := nextTick(exact, 2*time.Minute, true); !got.Equal(exact.Add(2 * time.Minute)) {
		t.Fatalf("on boundary: %s", got)
	}
}

func TestRunOnceIsolatesFailures(t *testing.T) {
	rec := newFakeReconciler()
	rec.panicOn = "A"
	rec.failOn = "B"
	s := New(config.SchedulerConfig{Interval: time.Minute}, rec, nil)

	runs := s.RunOnce(context.Background(), model.TriggerScheduled)
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].Outcome != model.OutcomeFailed || runs[0].Error == "" {
		t.Fatalf("panicking source should be recorded as failed: %+v", runs[0])
	}
	if runs[1].Outcome != model.OutcomeFailed {
		t.Fatalf("failing source: %+v", runs[1])
	}
	if runs[2].Outcome != model.OutcomeCommitted {
		t.Fatalf("healthy source should still commit: %+v", runs[2])
	}
}

func TestRunTicksUntilCancelled(t *testing.T) {
	rec := newFakeReconciler()
	rec.failOn = "C"
	s := New(config.SchedulerConfig{Interval: 10 * time.Millisecond, Warmup: true}, rec, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for s.Ticks() < 3 {
		select {
		case <-deadline:
			t.Fatalf("scheduler did not tick, ticks=%d", s.Ticks())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.warmups != 1 {
		t.Fatalf("expected one warm-up pass, got %d", rec.warmups)
	}
	if rec.count("A") < 3 || rec.count("C") < 3 {
		t.Fatalf("failing source must not stop the timer: A=%d C=%d", rec.count("A"), rec.count("C"))
	}
}

func TestSetInterval(t *testing.T) {
	s := New(config.SchedulerConfig{Interval: time.Minute}, newFakeReconciler(), nil)
	s.SetInterval(5 * time.Minute)
	if s.Interval() != 5*time.Minute {
		t.Fatalf("interval: %s", s.Interval())
	}
	s.SetInterval(0)
	if s.Interval() != 2*time.Minute {
		t.Fatalf("zero interval should fall back to default: %s", s.Interval())
	}
}
