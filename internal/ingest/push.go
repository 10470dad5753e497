package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"tallysync/internal/model"
)

type PushHandler struct {
	sub    *Subscriber
	logger *slog.Logger
}

func NewPushHandler(sub *Subscriber, logger *slog.Logger) *PushHandler {
	return &PushHandler{sub: sub, logger: logger}
}

func (h *PushHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hint := r.PathValue("source")
	if hint != "" && !h.sub.Known(model.Source(hint)) {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		writeError(w, http.StatusBadRequest, "empty body")
		return
	}

	payloads := []json.RawMessage{trim}
	if trim[0] == '[' {
		payloads = nil
		if err := json.Unmarshal(trim, &payloads); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json array")
			return
		}
	}
	if len(payloads) == 0 {
		writeError(w, http.StatusBadRequest, "empty batch")
		return
	}

	accepted, failed := 0, 0
	var lastErr error
	for _, p := range payloads {
		if _, err := h.sub.Accept(hint, "http", p); err != nil {
			failed++
			lastErr = err
			continue
		}
		accepted++
	}
	if failed > 0 && h.logger != nil {
		h.logger.Warn("push telemetry rejected", "source", hint, "failed", failed, "err", lastErr)
	}

	status := http.StatusAccepted
	if accepted == 0 {
		status = http.StatusUnprocessableEntity
		if errors.Is(lastErr, ErrUnknownSource) {
			status = http.StatusNotFound
		}
	}
	resp := map[string]any{"accepted": accepted, "failed": failed}
	if lastErr != nil {
		resp["error"] = lastErr.Error()
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
