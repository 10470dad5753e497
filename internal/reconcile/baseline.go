package reconcile

import (
	"context"

	"tallysync/internal/model"
)

func (e *Engine) Baseline(ctx context.Context, source model.Source) model.Counters {
	base, _ := e.baseline(ctx, source)
	return base
}

func (e *Engine) baseline(ctx context.Context, source model.Source) (model.Counters, bool) {
	cfg := e.config()
	out := zeroCounters(cfg.Schema.Metrics)

	readCtx, cancel := context.WithTimeout(ctx, cfg.Aggregator.ReadTimeout)
	defer cancel()
	recs, err := e.store.ListCommitted(readCtx, source, cfg.Aggregator.PageSize)
	if err != nil {
		e.metrics.BaselineFailed(source)
		if e.logger != nil {
			e.logger.Warn("baseline read failed, using zero baseline", "source", source, "err", err)
		}
		return out, true
	}
	if len(recs) >= cfg.Aggregator.PageSize && e.logger != nil {
		e.logger.Warn("baseline page is full, older records are not counted",
			"source", source,
			"page_size", cfg.Aggregator.PageSize,
		)
	}
	for _, rec := range recs {
		out.Add(rec.Metrics)
	}
	return out, false
}

func zeroCounters(metrics []string) model.Counters {
	out := make(model.Counters, len(metrics))
	for _, m := range metrics {
		out[m] = 0
	}
	return out
}

func Delta(metrics []string, snapshot, baseline model.Counters) (commit model.Counters, regressed []string, positive bool) {
	commit = make(model.Counters, len(metrics))
	for _, m := range metrics {
		d := snapshot.Get(m) - baseline.Get(m)
		switch {
		case d > 0:
			commit[m] = d
			positive = true
		case d < 0:
			commit[m] = 0
			regressed = append(regressed, m)
		default:
			commit[m] = 0
		}
	}
	return commit, regressed, positive
}
