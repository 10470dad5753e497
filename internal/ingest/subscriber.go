package ingest

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"tallysync/internal/config"
	"tallysync/internal/model"
	"tallysync/internal/normalize"
	"tallysync/internal/observability"
	"tallysync/internal/snapshot"
)

var (
	ErrNoSource      = errors.New("telemetry names no source")
	ErrUnknownSource = errors.New("telemetry names an unknown source")
)

type Subscriber struct {
	state     atomic.Pointer[resolver]
	snapshots *snapshot.Store
	metrics   *observability.Metrics
	logger    *slog.Logger
	now       func() time.Time
	// set once the missing-source hint has been logged for the current config
	hinted    atomic.Bool
}

type resolver struct {
	decoder       *normalize.Decoder
	sourceField   string
	sources       map[model.Source]struct{}
	defaultSource model.Source
}

func NewSubscriber(cfg *config.Config, snapshots *snapshot.Store, metrics *observability.Metrics, logger *slog.Logger) *Subscriber {
	s := &Subscriber{
		snapshots: snapshots,
		metrics:   metrics,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	s.UpdateConfig(cfg)
	return s
}

func (s *Subscriber) UpdateConfig(cfg *config.Config) {
	sources := make(map[model.Source]struct{}, len(cfg.Sources))
	for _, src := range cfg.Sources {
		sources[model.Source(src)] = struct{}{}
	}
	s.state.Store(&resolver{
		decoder:       normalize.NewDecoder(cfg.Schema, cfg.Telemetry.SourceField),
		sourceField:   cfg.Telemetry.SourceField,
		sources:       sources,
		defaultSource: model.Source(cfg.Telemetry.DefaultSource),
	})
	s.hinted.Store(false)
}

func (s *Subscriber) Handle(msg Message) {
	hint := string(msg.Key)
	if hint == "" {
		hint = lastTopicLevel(msg.Topic)
	}
	_, err := s.Accept(hint, msg.Topic, msg.Payload)
	if err == nil || s.logger == nil {
		return
	}
	if errors.Is(err, ErrNoSource) {
		if s.hinted.CompareAndSwap(false, true) {
			s.logger.Warn("telemetry dropped: no source in payload, key or topic; set telemetry.default_source or send the source field",
				"topic", msg.Topic,
				"source_field", s.state.Load().sourceField,
			)
			return
		}
		s.logger.Debug("telemetry dropped", "topic", msg.Topic, "err", err)
		return
	}
	s.logger.Warn("telemetry dropped", "topic", msg.Topic, "err", err)
}

func (s *Subscriber) Accept(hint, topic string, payload []byte) (model.Source, error) {
	st := s.state.Load()
	decoded, err := st.decoder.Decode(payload)
	if err != nil {
		s.metrics.MessageDropped("decode")
		return "", err
	}
	source, err := st.resolve(decoded.Source, hint)
	if err != nil {
		s.metrics.MessageDropped("source")
		return "", err
	}
	now := s.now()
	s.snapshots.Put(model.Snapshot{
		Source:     source,
		Counters:   decoded.Counters,
		ReceivedAt: now,
		Topic:      topic,
	})
	s.metrics.MessageReceived(source, now)
	if s.logger != nil {
		s.logger.Debug("snapshot updated", "source", source, "topic", topic, "total", decoded.Counters.Total())
	}
	return source, nil
}

func (r *resolver) resolve(named, hint string) (model.Source, error) {
	if named != "" {
		if !r.known(model.Source(named)) {
			return "", fmt.Errorf("%w: %q", ErrUnknownSource, named)
		}
		return model.Source(named), nil
	}
	if hint = strings.TrimSpace(hint); hint != "" && r.known(model.Source(hint)) {
		return model.Source(hint), nil
	}
	if r.defaultSource != "" {
		return r.defaultSource, nil
	}
	return "", ErrNoSource
}

func (r *resolver) known(source model.Source) bool {
	_, ok := r.sources[source]
	return ok
}

func (s *Subscriber) Known(source model.Source) bool {
	return s.state.Load().known(source)
}

func lastTopicLevel(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
