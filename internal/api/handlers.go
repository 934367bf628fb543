package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/polyhost/internal/dispatch"
	"github.com/mattjoyce/polyhost/internal/invocation"
	"github.com/mattjoyce/polyhost/internal/journal"
	"github.com/mattjoyce/polyhost/internal/worker"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
	maxInvokeBody       = 8 << 20
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:          "ok",
		Version:         s.config.Version,
		UptimeSeconds:   int64(time.Since(s.startedAt).Seconds()),
		FunctionsLoaded: len(s.dispatcher.Functions()),
		CheckedAt:       time.Now().UTC(),
	}
	for _, p := range s.dispatcher.Pools() {
		if p.Escalated {
			resp.PoolsEscalated++
		}
		for _, ch := range p.Channels {
			if ch.State == worker.Initialized {
				resp.WorkersInitialized++
			}
		}
	}

	status := http.StatusOK
	if resp.PoolsEscalated > 0 {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

// handleWorkers handles GET /workers.
func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, WorkersResponse{Pools: s.dispatcher.Pools()})
}

// handleWorkerHistory handles GET /workers/history?runtime=&limit=.
func (s *Server) handleWorkerHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotImplemented, "journal disabled")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	evs, err := s.history.RecentWorkerEvents(r.Context(), r.URL.Query().Get("runtime"), limit)
	if err != nil {
		s.logger.Error("failed to read worker history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read worker history")
		return
	}
	if evs == nil {
		evs = []journal.WorkerEvent{}
	}
	respondJSON(w, http.StatusOK, evs)
}

// handleInvocations handles GET /invocations?function=&limit=.
func (s *Server) handleInvocations(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotImplemented, "journal disabled")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	invs, err := s.history.RecentInvocations(r.Context(), r.URL.Query().Get("function"), limit)
	if err != nil {
		s.logger.Error("failed to read invocation history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read invocation history")
		return
	}
	if invs == nil {
		invs = []journal.Invocation{}
	}
	respondJSON(w, http.StatusOK, invs)
}

// handleListFunctions handles GET /functions.
func (s *Server) handleListFunctions(w http.ResponseWriter, r *http.Request) {
	fns := s.dispatcher.Functions()
	out := make([]FunctionResponse, 0, len(fns))
	for _, fn := range fns {
		out = append(out, functionResponse(fn))
	}
	respondJSON(w, http.StatusOK, out)
}

// handleGetFunction handles GET /functions/{id}.
func (s *Server) handleGetFunction(w http.ResponseWriter, r *http.Request) {
	fn, ok := s.dispatcher.Function(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "function not found")
		return
	}
	respondJSON(w, http.StatusOK, functionResponse(fn))
}

// handleInvoke handles POST /functions/{id}/invoke. It waits for the result
// up to InvokeTimeout, or the request's ?timeout= if shorter.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	fn, ok := s.dispatcher.Function(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "function not found")
		return
	}

	var req InvokeRequest
	if r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxInvokeBody))
		if err := dec.Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	timeout := s.config.InvokeTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, "timeout must be a positive duration")
			return
		}
		timeout = min(timeout, d)
	}

	ictx, err := s.dispatcher.Invoke(invocation.New(fn, req.Inputs, req.BindingData))
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrFunctionNotLoaded):
			s.writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, dispatch.ErrNoInitializedWorker),
			errors.Is(err, dispatch.ErrNoAvailableWorker),
			errors.Is(err, dispatch.ErrShutdown):
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.logger.Error("invoke failed", "function_id", fn.ID, "error", err)
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	result, err := ictx.Wait(ctx)

	resp := InvokeResponse{
		InvocationID: ictx.ID,
		FunctionID:   fn.ID,
		WorkerID:     ictx.WorkerID(),
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		resp.Status = "pending"
		resp.Error = "invocation did not finish in " + timeout.String()
		respondJSON(w, http.StatusGatewayTimeout, resp)
	case err != nil:
		resp.Status = journal.StatusFailed
		resp.Error = err.Error()
		resp.DurationMS = ictx.Duration().Milliseconds()
		respondJSON(w, http.StatusBadGateway, resp)
	default:
		resp.Status = journal.StatusSucceeded
		resp.Result = result
		resp.Outputs = ictx.BindingData()
		resp.DurationMS = ictx.Duration().Milliseconds()
		respondJSON(w, http.StatusOK, resp)
	}
}

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.config.Version, s.dispatcher.Functions()))
}

func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxHistoryLimit), nil
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
