package ingest

import (
	"context"
	"log/slog"
	"time"

	"tallysync/internal/config"
	"tallysync/internal/observability"
)

type Message struct {
	Topic   string
	Key     []byte
	Payload []byte
}

type Handler func(Message)

// Feed holds one broker session. Run returns when the session ends, with a
// nil error only when ctx was cancelled.
type Feed interface {
	Name() string
	Run(ctx context.Context, handle Handler) error
}

type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

func BackoffFromConfig(c config.BackoffConfig) Backoff {
	return Backoff{Initial: c.Initial, Max: c.Max, Multiplier: c.Multiplier}
}

func (b Backoff) next(d time.Duration) time.Duration {
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	n := time.Duration(float64(d) * mult)
	if b.Max > 0 && n > b.Max {
		n = b.Max
	}
	return n
}

func Supervise(ctx context.Context, feed Feed, handle Handler, policy Backoff, logger *slog.Logger, metrics *observability.Metrics) {
	if policy.Initial <= 0 {
		policy.Initial = 5 * time.Second
	}
	delay := policy.Initial
	for {
		started := time.Now()
		err := feed.Run(ctx, handle)
		metrics.BrokerConnected(false)
		if ctx.Err() != nil {
			if logger != nil {
				logger.Info("telemetry feed stopped", "feed", feed.Name())
			}
			return
		}
		if policy.Max > 0 && time.Since(started) > policy.Max {
			delay = policy.Initial
		}
		if logger != nil {
			logger.Warn("telemetry feed session ended, retrying", "feed", feed.Name(), "err", err, "retry_in", delay)
		}
		metrics.BrokerReconnect()
		if !BackoffSleep(ctx, delay) {
			return
		}
		delay = policy.next(delay)
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
