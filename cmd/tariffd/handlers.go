package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/halverson/tariffproof"
	"github.com/halverson/tariffproof/resolve"
	"github.com/halverson/tariffproof/stacking"
	"github.com/halverson/tariffproof/store"
)

type handler struct {
	engine *tariffproof.Engine
}

func newHandler(e *tariffproof.Engine) *handler {
	return &handler{engine: e}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type resolveRequest struct {
	Program  string `json:"program_id"`
	HTS      string `json:"hts_code"`
	Material string `json:"material,omitempty"`
	AsOf     string `json:"as_of,omitempty"`
	Force    bool   `json:"force,omitempty"`
	Operator string `json:"operator,omitempty"`
}

func (h *handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	res := h.engine.Resolve(r.Context(), resolve.Request{
		Program:  req.Program,
		HTS:      req.HTS,
		Material: req.Material,
		AsOf:     req.AsOf,
		Force:    req.Force,
		Operator: req.Operator,
	})
	status := http.StatusOK
	if res.Outcome == resolve.OutcomeError {
		if res.Err.Kind == resolve.ErrKindInvalidInput {
			status = http.StatusBadRequest
		} else {
			status = http.StatusBadGateway
		}
	}
	writeJSON(w, status, res)
}

func (h *handler) handleStack(w http.ResponseWriter, r *http.Request) {
	var in stacking.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	res, err := h.engine.Stack(r.Context(), in)
	if err != nil {
		if errors.Is(err, stacking.ErrInvalidInput) || errors.Is(err, stacking.ErrInvalidAllocation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type ingestRequest struct {
	SourceKind string `json:"source_kind"`
	Locator    string `json:"locator"`
}

func (h *handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	docID, created, err := h.engine.Ingest(r.Context(), store.SourceKind(req.SourceKind), req.Locator)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"document_id": docID, "created": created})
}

func (h *handler) handleListReviews(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	entries, err := h.engine.PendingReviews(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviews": entries})
}

type reviewDecision struct {
	Status   string `json:"status"` // approved | rejected
	Operator string `json:"operator"`
}

func (h *handler) handleResolveReview(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid review id")
		return
	}
	var dec reviewDecision
	if err := json.NewDecoder(r.Body).Decode(&dec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := h.engine.ResolveReview(r.Context(), id, dec.Status, dec.Operator); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": dec.Status})
}

func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// logMiddleware logs each request with latency.
func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("http: request",
			"method", r.Method, "path", r.URL.Path,
			"elapsed", time.Since(start).Round(time.Millisecond))
	})
}

// authMiddleware enforces a bearer API key when one is configured.
func authMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey != "" && r.URL.Path != "/health" {
				if r.Header.Get("Authorization") != "Bearer "+apiKey {
					writeError(w, http.StatusUnauthorized, "unauthorized")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
