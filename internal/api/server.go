package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"tallysync/internal/config"
	"tallysync/internal/history"
	"tallysync/internal/model"
	"tallysync/internal/reconcile"
	"tallysync/internal/snapshot"
	"tallysync/internal/storage"
)

type Reconciler interface {
	Known(source model.Source) bool
	Sources() []model.Source
	Reconcile(ctx context.Context, source model.Source, trigger model.Trigger) (model.Run, error)
	Baseline(ctx context.Context, source model.Source) model.Counters
}

type Deps struct {
	Config    *config.Manager
	Engine    Reconciler
	Snapshots *snapshot.Store
	Store     storage.Store
	History   *history.Store
	// Push serves POST /telemetry/{source}; nil leaves the route unregistered.
	Push     http.Handler
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	Version  string
}

type Server struct {
	deps    Deps
	limiter *rate.Limiter
	started time.Time
}

type statusResponse struct {
	Status     string                     `json:"status"`
	Time       string                     `json:"time"`
	Uptime     string                     `json:"uptime"`
	Version    string                     `json:"version"`
	ConfigPath string                     `json:"config_path"`
	Sources    []model.Source             `json:"sources"`
	Transport  string                     `json:"transport"`
	Storage    string                     `json:"storage"`
	Interval   string                     `json:"interval"`
	Snapshots  int                        `json:"snapshots"`
	LastRuns   map[model.Source]model.Run `json:"last_runs"`
}

func NewServer(deps Deps) *Server {
	cfg := deps.Config.Get().API
	limit := rate.Limit(cfg.ManualRate)
	if cfg.ManualRate == 0 {
		limit = rate.Inf
	}
	return &Server{
		deps:    deps,
		limiter: rate.NewLimiter(limit, cfg.ManualBurst),
		started: time.Now().UTC(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /reconcile/{source}", s.handleReconcile)
	if s.deps.Push != nil {
		mux.Handle("POST /telemetry/{source}", s.deps.Push)
	}
	mux.HandleFunc("GET /records", s.handleRecords)
	mux.HandleFunc("GET /records/aggregate", s.handleAggregate)
	mux.HandleFunc("GET /records/totals", s.handleTotals)
	mux.HandleFunc("GET /records/latest", s.handleLatest)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /snapshots", s.handleSnapshots)
	mux.HandleFunc("GET /snapshots/{source}", s.handleSnapshot)
	mux.HandleFunc("GET /baseline/{source}", s.handleBaseline)
	mux.HandleFunc("GET /runs", s.handleRuns)
	mux.HandleFunc("POST /admin/clear", s.handleClear)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func Start(ctx context.Context, deps Deps) *http.Server {
	current := deps.Config.Get().API
	logger := deps.Logger
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           NewServer(deps).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	source := model.Source(r.PathValue("source"))
	if !s.deps.Engine.Known(source) {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}
	if !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "manual reconciliation rate limit exceeded")
		return
	}
	run, err := s.deps.Engine.Reconcile(r.Context(), source, model.TriggerManual)
	switch {
	case errors.Is(err, reconcile.ErrUnknownSource):
		writeError(w, http.StatusNotFound, "unknown source")
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status": run.Outcome,
			"error":  err.Error(),
			"run_id": run.ID,
		})
		return
	}
	if run.Outcome == model.OutcomeCommitted {
		writeJSON(w, http.StatusCreated, map[string]any{
			"status":    run.Outcome,
			"record_id": run.RecordID,
			"committed": run.Committed,
			"run_id":    run.ID,
			"shared":    run.Shared,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": run.Outcome,
		"run_id": run.ID,
	})
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	source, start, end, ok := s.rangeParams(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ctx, cancel := s.readContext(r)
	defer cancel()
	recs, err := s.deps.Store.QueryRange(ctx, storage.RangeQuery{Source: source, Start: start, End: end, Limit: limit})
	if err != nil {
		s.storageError(w, "records query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs, "count": len(recs)})
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	source, start, end, ok := s.rangeParams(w, r)
	if !ok {
		return
	}
	bucket, valid := model.ParseBucket(r.URL.Query().Get("bucket"))
	if !valid {
		writeError(w, http.StatusBadRequest, "bucket must be hour, day, week or month")
		return
	}
	ctx, cancel := s.readContext(r)
	defer cancel()
	buckets, err := s.deps.Store.Aggregate(ctx, storage.AggregateQuery{Source: source, Start: start, End: end, Bucket: bucket})
	if err != nil {
		s.storageError(w, "aggregate query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bucket": bucket, "buckets": buckets, "count": len(buckets)})
}

func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	source, ok := s.sourceParam(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.readContext(r)
	defer cancel()
	totals, err := s.deps.Store.Totals(ctx, source)
	if err != nil {
		s.storageError(w, "totals query failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": source, "totals": totals, "total": totals.Total()})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	source, ok := s.sourceParam(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.readContext(r)
	defer cancel()
	rec, found, err := s.deps.Store.Latest(ctx, source)
	if err != nil {
		s.storageError(w, "latest query failed", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no committed records")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.deps.Config.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Uptime:     time.Since(s.started).Truncate(time.Second).String(),
		Version:    s.deps.Version,
		ConfigPath: s.deps.Config.Path(),
		Sources:    s.deps.Engine.Sources(),
		Transport:  cfg.Telemetry.Transport,
		Storage:    cfg.Storage.Driver,
		Interval:   cfg.Scheduler.Interval.String(),
		LastRuns:   map[model.Source]model.Run{},
	}
	if s.deps.Snapshots != nil {
		resp.Snapshots = s.deps.Snapshots.Len()
	}
	if s.deps.History != nil {
		resp.LastRuns = s.deps.History.LastBySource()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, _ *http.Request) {
	all := s.deps.Snapshots.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": all, "count": len(all)})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.deps.Snapshots.Get(model.Source(r.PathValue("source")))
	if !ok {
		writeError(w, http.StatusNotFound, "no snapshot for source")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleBaseline(w http.ResponseWriter, r *http.Request) {
	source := model.Source(r.PathValue("source"))
	if !s.deps.Engine.Known(source) {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}
	base := s.deps.Engine.Baseline(r.Context(), source)
	writeJSON(w, http.StatusOK, map[string]any{"source": source, "baseline": base, "total": base.Total()})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var list []model.Run
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		list = s.deps.History.Since(ts)
	} else {
		list = s.deps.History.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": list, "count": len(list)})
}

// handleClear drops in-memory state only. Committed records are never
// deleted.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "runs"
	}
	switch target {
	case "all":
		s.deps.History.Clear()
		s.deps.Snapshots.Clear()
	case "runs":
		s.deps.History.Clear()
	case "snapshots":
		s.deps.Snapshots.Clear()
	default:
		writeError(w, http.StatusBadRequest, "target must be runs, snapshots or all")
		return
	}
	if s.deps.Logger != nil {
		s.deps.Logger.Warn("in-memory state cleared", "target", target)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "target": target})
}

func (s *Server) sourceParam(w http.ResponseWriter, r *http.Request) (model.Source, bool) {
	source := model.Source(strings.TrimSpace(r.URL.Query().Get("source")))
	if source != "" && !s.deps.Engine.Known(source) {
		writeError(w, http.StatusNotFound, "unknown source")
		return "", false
	}
	return source, true
}

func (s *Server) rangeParams(w http.ResponseWriter, r *http.Request) (model.Source, time.Time, time.Time, bool) {
	source, ok := s.sourceParam(w, r)
	if !ok {
		return "", time.Time{}, time.Time{}, false
	}
	var start, end time.Time
	for name, dst := range map[string]*time.Time{"start": &start, "end": &end} {
		v := r.URL.Query().Get(name)
		if v == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, name+" must be RFC3339")
			return "", time.Time{}, time.Time{}, false
		}
		*dst = ts.UTC()
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		writeError(w, http.StatusBadRequest, "end is before start")
		return "", time.Time{}, time.Time{}, false
	}
	return source, start, end, true
}

func (s *Server) readContext(r *http.Request) (context.Context, context.CancelFunc) {
	timeout := s.deps.Config.Get().Aggregator.ReadTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(r.Context(), timeout)
}

func (s *Server) storageError(w http.ResponseWriter, msg string, err error) {
	if s.deps.Logger != nil {
		s.deps.Logger.Error(msg, "err", err)
	}
	writeError(w, http.StatusInternalServerError, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
