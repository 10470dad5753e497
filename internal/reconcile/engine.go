package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"tallysync/internal/config"
	"tallysync/internal/history"
	"tallysync/internal/model"
	"tallysync/internal/observability"
	"tallysync/internal/snapshot"
	"tallysync/internal/storage"
)

var ErrUnknownSource = errors.New("unknown source")

type Engine struct {
	logger    *slog.Logger
	metrics   *observability.Metrics
	history   *history.Store
	store     storage.Store
	snapshots *snapshot.Store
	cfg       atomic.Value
	inflight  singleflight.Group
	now       func() time.Time
}

func NewEngine(cfg *config.Config, logger *slog.Logger, snapshots *snapshot.Store, store storage.Store, historyStore *history.Store, metrics *observability.Metrics) *Engine {
	e := &Engine{
		logger:    logger,
		metrics:   metrics,
		history:   historyStore,
		store:     store,
		snapshots: snapshots,
		now:       func() time.Time { return time.Now().UTC() },
	}
	e.cfg.Store(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) runTimeout() time.Duration {
	if d := e.config().Scheduler.RunTimeout; d > 0 {
		return d
	}
	return 30 * time.Second
}

func (e *Engine) Sources() []model.Source {
	cfg := e.config()
	out := make([]model.Source, 0, len(cfg.Sources))
	for _, s := range cfg.SourceList() {
		out = append(out, model.Source(s))
	}
	return out
}

func (e *Engine) Known(source model.Source) bool {
	for _, s := range e.config().Sources {
		if model.Source(s) == source {
			return true
		}
	}
	return false
}

// Callers arriving while a pass for the same source is in flight receive its
// result with Shared set.
func (e *Engine) Reconcile(ctx context.Context, source model.Source, trigger model.Trigger) (model.Run, error) {
	if !e.Known(source) {
		return model.Run{}, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	leader := false
	v, err, _ := e.inflight.Do(string(source), func() (any, error) {
		leader = true
		// the pass must not be cut short when the caller that started it goes away
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.runTimeout())
		defer cancel()
		run, err := e.run(runCtx, source, trigger)
		if e.history != nil {
			e.history.Add(run)
		}
		e.metrics.RunFinished(run)
		return run, err
	})
	run, _ := v.(model.Run)
	if !leader {
		run.Shared = true
	}
	return run, err
}

func (e *Engine) run(ctx context.Context, source model.Source, trigger model.Trigger) (model.Run, error) {
	cfg := e.config()
	started := e.now()
	run := model.Run{
		ID:        uuid.NewString(),
		Source:    source,
		Trigger:   trigger,
		StartedAt: started,
	}
	finish := func(outcome model.Outcome) model.Run {
		run.Outcome = outcome
		run.Duration = time.Since(started)
		return run
	}

	snap, ok := e.snapshots.Get(source)
	if !ok || len(snap.Counters) == 0 {
		if e.logger != nil {
			e.logger.Info("no snapshot yet, skipping", "source", source, "trigger", trigger)
		}
		return finish(model.OutcomeNoSnapshot), nil
	}

	baseline, degraded := e.baseline(ctx, source)
	run.Baseline = baseline
	run.BaselineDegraded = degraded

	commit, regressed, positive := Delta(cfg.Schema.Metrics, snap.Counters, baseline)
	for _, m := range regressed {
		e.metrics.Regression(source, m)
		if e.logger != nil {
			e.logger.Info("counter below committed baseline, clamped to zero",
				"source", source,
				"metric", m,
				"snapshot", snap.Counters.Get(m),
				"baseline", baseline.Get(m),
			)
		}
	}
	if !positive {
		if e.logger != nil {
			e.logger.Info("nothing to commit", "source", source, "trigger", trigger)
		}
		return finish(model.OutcomeNothingToCommit), nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, cfg.Reconcile.WriteTimeout)
	defer cancel()
	id, err := e.store.InsertCommitted(writeCtx, source, e.now(), commit)
	if err != nil {
		run.Error = err.Error()
		if e.logger != nil {
			e.logger.Error("commit failed", "source", source, "trigger", trigger, "err", err)
		}
		return finish(model.OutcomeFailed), fmt.Errorf("commit %s: %w", source, err)
	}
	run.RecordID = id
	run.Committed = commit
	if e.logger != nil {
		e.logger.Info("delta committed",
			"source", source,
			"trigger", trigger,
			"record_id", id,
			"total", commit.Total(),
			"baseline_degraded", degraded,
		)
	}
	return finish(model.OutcomeCommitted), nil
}

func (e *Engine) Warmup(ctx context.Context) map[model.Source]model.Counters {
	out := make(map[model.Source]model.Counters)
	for _, source := range e.Sources() {
		base, degraded := e.baseline(ctx, source)
		out[source] = base
		if e.logger != nil {
			e.logger.Info("baseline loaded", "source", source, "total", base.Total(), "degraded", degraded)
		}
		if e.history != nil {
			e.history.Add(model.Run{
				ID:               uuid.NewString(),
				Source:           source,
				Trigger:          model.TriggerWarmup,
				StartedAt:        e.now(),
				Outcome:          model.OutcomeNothingToCommit,
				Baseline:         base,
				BaselineDegraded: degraded,
			})
		}
	}
	return out
}
