package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"tallysync/internal/config"
	"tallysync/internal/model"
)

type Reconciler interface {
	Sources() []model.Source
	Reconcile(ctx context.Context, source model.Source, trigger model.Trigger) (model.Run, error)
	Warmup(ctx context.Context) map[model.Source]model.Counters
}

type Scheduler struct {
	rec      Reconciler
	logger   *slog.Logger
	interval atomic.Int64
	align    atomic.Bool
	warmup   bool
	now      func() time.Time
	ticks    atomic.Int64
}

func New(cfg config.SchedulerConfig, rec Reconciler, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		rec:    rec,
		logger: logger,
		warmup: cfg.Warmup,
		now:    time.Now,
	}
	s.UpdateConfig(cfg)
	return s
}

func (s *Scheduler) UpdateConfig(cfg config.SchedulerConfig) {
	s.SetInterval(cfg.Interval)
	s.align.Store(cfg.Align)
}

func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		d = 2 * time.Minute
	}
	s.interval.Store(int64(d))
}

func (s *Scheduler) Interval() time.Duration {
	return time.Duration(s.interval.Load())
}

func (s *Scheduler) Ticks() int64 {
	return s.ticks.Load()
}

func (s *Scheduler) Run(ctx context.Context) error {
	if s.warmup {
		s.rec.Warmup(ctx)
	}
	for {
		now := s.now()
		next := nextTick(now, s.Interval(), s.align.Load())
		if s.logger != nil {
			s.logger.Debug("next reconciliation scheduled", "at", next, "interval", s.Interval())
		}
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		s.RunOnce(ctx, model.TriggerScheduled)
		s.ticks.Add(1)
	}
}

func (s *Scheduler) RunOnce(ctx context.Context, trigger model.Trigger) []model.Run {
	sources := s.rec.Sources()
	runs := make([]model.Run, len(sources))

	var g errgroup.Group
	for i, source := range sources {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					runs[i] = model.Run{Source: source, Trigger: trigger, Outcome: model.OutcomeFailed, Error: fmt.Sprint(r)}
					if s.logger != nil {
						s.logger.Error("reconciliation panicked", "source", source, "panic", r)
					}
				}
			}()
			run, rerr := s.rec.Reconcile(ctx, source, trigger)
			runs[i] = run
			if rerr != nil && s.logger != nil {
				s.logger.Error("reconciliation failed", "source", source, "trigger", trigger, "err", rerr)
			}
			return nil
		})
	}
	_ = g.Wait()
	return runs
}

// nextTick returns when the next pass should fire. Aligned ticks land on
// wall-clock multiples of interval, like a */2 minute cron entry.
func nextTick(now time.Time, interval time.Duration, align bool) time.Time {
	if !align {
		return now.Add(interval)
	}
	return now.Truncate(interval).Add(interval)
}
