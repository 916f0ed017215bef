package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/gyaneshwarpardhi/paycore/internal/apperr"
	"github.com/gyaneshwarpardhi/paycore/internal/attest"
	"github.com/gyaneshwarpardhi/paycore/internal/config"
	"github.com/gyaneshwarpardhi/paycore/internal/intent"
	"github.com/gyaneshwarpardhi/paycore/internal/ledger"
	"github.com/gyaneshwarpardhi/paycore/internal/metrics"
	"github.com/gyaneshwarpardhi/paycore/internal/pipeline"
	"github.com/gyaneshwarpardhi/paycore/internal/regime"
	"github.com/gyaneshwarpardhi/paycore/internal/venue"
)

const (
	maxBatchSize = 100
	dateLayout   = "2006-01-02"
)

// Handler holds all HTTP handler dependencies.
type Handler struct {
	o      *pipeline.Orchestrator
	loader *config.Loader
	stream http.Handler
	logger *slog.Logger
	mux    *http.ServeMux
}

// New creates an HTTP handler and registers all routes. loader and stream
// are optional; without them config reload and the event stream answer 501.
// When a loader is given, every config it accepts is applied to o.
func New(o *pipeline.Orchestrator, loader *config.Loader, stream http.Handler, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{o: o, loader: loader, stream: stream, logger: logger, mux: http.NewServeMux()}
	if loader != nil {
		loader.OnChange(h.applyConfig)
	}

	h.mux.HandleFunc("POST /v1/intents", h.processIntent)
	h.mux.HandleFunc("POST /v1/intents/async", h.submitIntent)
	h.mux.HandleFunc("POST /v1/intents/validate", h.validateIntents)
	h.mux.HandleFunc("GET /v1/intents", h.listIntents)
	h.mux.HandleFunc("GET /v1/intents/{id}", h.getIntent)
	h.mux.HandleFunc("DELETE /v1/intents/{id}", h.cancelIntent)
	h.mux.HandleFunc("POST /v1/batches/flush", h.flushBatches)
	h.mux.HandleFunc("GET /v1/batches/{id}", h.getBatch)
	h.mux.HandleFunc("GET /v1/batches/{id}/proof", h.getProof)
	h.mux.HandleFunc("GET /v1/routes/stats", h.routeStats)
	h.mux.HandleFunc("GET /v1/reports/tax", h.taxReport)
	h.mux.HandleFunc("PUT /v1/mode", h.setMode)
	h.mux.HandleFunc("PUT /v1/regime", h.setRegime)
	h.mux.HandleFunc("PATCH /v1/venues/{id}", h.patchVenue)
	h.mux.HandleFunc("POST /v1/config/reload", h.reloadConfig)
	h.mux.HandleFunc("GET /v1/stream", h.streamEvents)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(logger, h.mux)
}

// intentBody is the wire form of intent.Request with a human-readable TTL.
type intentBody struct {
	intent.Request
	TTL string `json:"ttl,omitempty"` // Go duration, e.g. "5m"
}

func (b intentBody) request() (intent.Request, error) {
	req := b.Request
	if b.TTL != "" {
		d, err := time.ParseDuration(b.TTL)
		if err != nil {
			return req, fmt.Errorf("invalid ttl: %w", err)
		}
		req.TTL = d
	}
	return req, nil
}

func decodeRequest(r *http.Request) (intent.Request, error) {
	var b intentBody
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		return intent.Request{}, fmt.Errorf("invalid JSON: %s", err)
	}
	return b.request()
}

// POST /v1/intents: run every stage and return the outcome.
func (h *Handler) processIntent(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, _ := h.o.Process(r.Context(), req)
	writeJSON(w, outcomeStatus(out), out)
}

// POST /v1/intents/async: compute now, finish on the worker pool.
func (h *Handler) submitIntent(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	in, err := h.o.Submit(r.Context(), req)
	switch {
	case errors.Is(err, pipeline.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	case err != nil:
		writeCoded(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, in)
}

// POST /v1/intents/validate: validate a batch without routing it. A
// passing batch is admitted into the aggregate state.
func (h *Handler) validateIntents(w http.ResponseWriter, r *http.Request) {
	var bodies []intentBody
	if err := json.NewDecoder(r.Body).Decode(&bodies); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if len(bodies) == 0 {
		writeError(w, http.StatusBadRequest, "batch must contain at least one intent")
		return
	}
	if len(bodies) > maxBatchSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch size %d exceeds max %d", len(bodies), maxBatchSize))
		return
	}

	ins := make([]*intent.Intent, 0, len(bodies))
	for i, b := range bodies {
		req, err := b.request()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("intent %d: %s", i, err))
			return
		}
		in, err := h.o.Generator.Generate(r.Context(), req)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("intent %d: %s", i, err))
			return
		}
		ins = append(ins, in)
	}
	res := h.o.Validator.ValidateFull(ins)
	status := http.StatusOK
	if !res.Valid {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]interface{}{
		"result":  res,
		"intents": ins,
	})
}

// GET /v1/intents: every retained intent.
func (h *Handler) listIntents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.o.Intents())
}

// GET /v1/intents/{id}: the intent and, once terminal, its outcome.
func (h *Handler) getIntent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	in, ok := h.o.Intent(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown intent "+id)
		return
	}
	body := map[string]interface{}{"intent": in}
	if out, ok := h.o.Outcome(id); ok {
		body["outcome"] = out
	}
	writeJSON(w, http.StatusOK, body)
}

// DELETE /v1/intents/{id}: request cancellation before routing.
func (h *Handler) cancelIntent(w http.ResponseWriter, r *http.Request) {
	err := h.o.Cancel(r.PathValue("id"))
	switch {
	case errors.Is(err, pipeline.ErrUnknownIntent):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrNotCancellable):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"cancel_requested": true})
	}
}

// POST /v1/batches/flush?force=true: cut and anchor batches now.
func (h *Handler) flushBatches(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	batches, err := h.o.Flush(r.Context(), force)
	if errors.Is(err, attest.ErrFlushInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	body := map[string]interface{}{
		"batches": batches,
		"pending": h.o.Attestor.Pending(),
	}
	if err != nil {
		body["error"] = err.Error()
		writeJSON(w, http.StatusBadGateway, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// GET /v1/batches/{id}
func (h *Handler) getBatch(w http.ResponseWriter, r *http.Request) {
	b, ok := h.o.Attestor.Batch(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, attest.ErrBatchNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GET /v1/batches/{id}/proof?leaf=: inclusion proof for a leaf hash.
func (h *Handler) getProof(w http.ResponseWriter, r *http.Request) {
	id, leaf := r.PathValue("id"), r.URL.Query().Get("leaf")
	if leaf == "" {
		writeError(w, http.StatusBadRequest, "leaf is required")
		return
	}
	p, err := h.o.Attestor.Proof(id, leaf)
	if err != nil {
		// unknown batch or a leaf outside it
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	valid, _ := h.o.Attestor.VerifyProof(id, *p)
	writeJSON(w, http.StatusOK, map[string]interface{}{"proof": p, "valid": valid})
}

// GET /v1/routes/stats
func (h *Handler) routeStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":  h.o.Router.Stats(),
		"venues": h.o.Router.Venues(),
	})
}

// GET /v1/reports/tax?start=&end=&format=csv|json: dates are YYYY-MM-DD,
// end exclusive. Defaults cover the current calendar year.
func (h *Handler) taxReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	now := time.Now().UTC()
	start := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(1, 0, 0)
	var err error
	if s := q.Get("start"); s != "" {
		if start, err = time.Parse(dateLayout, s); err != nil {
			writeError(w, http.StatusBadRequest, "invalid start: "+err.Error())
			return
		}
	}
	if s := q.Get("end"); s != "" {
		if end, err = time.Parse(dateLayout, s); err != nil {
			writeError(w, http.StatusBadRequest, "invalid end: "+err.Error())
			return
		}
	}
	if !end.After(start) {
		writeError(w, http.StatusBadRequest, "end must be after start")
		return
	}

	rep := h.o.Ledger.GenerateTaxReport(start, end)
	switch q.Get("format") {
	case "", "json":
		writeJSON(w, http.StatusOK, rep)
	case "csv":
		body, err := ledger.ToCSV(rep)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=tax-%s-%s.csv", start.Format(dateLayout), end.Format(dateLayout)))
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, body)
	default:
		writeError(w, http.StatusBadRequest, "format must be csv or json")
	}
}

// PUT /v1/mode {"mode": "test"|"live"}
func (h *Handler) setMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if body.Mode != "test" && body.Mode != "live" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("mode must be test or live, got %q", body.Mode))
		return
	}
	h.o.SetMode(body.Mode)
	writeJSON(w, http.StatusOK, map[string]string{"mode": h.o.Mode()})
}

// PUT /v1/regime: hot-swap to a preset or a custom definition. The body is
// a regime config in JSON or YAML: {"preset": "aggressive"} or
// {"custom": {...}}.
func (h *Handler) setRegime(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var conf config.RegimeConf
	if err := yaml.Unmarshal(data, &conf); err != nil {
		writeError(w, http.StatusBadRequest, "invalid regime: "+err.Error())
		return
	}
	if conf.Preset == "" && conf.Custom == nil {
		writeError(w, http.StatusBadRequest, "preset or custom is required")
		return
	}
	reg, err := regime.FromConfig(conf)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.o.SetRegime(reg)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"regime":  reg.Name,
		"version": reg.Version,
		"rules":   reg.RuleCount(),
		"summary": reg.Summary(),
	})
}

// PATCH /v1/venues/{id} {"enabled": bool, "priority": int}
func (h *Handler) patchVenue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Enabled  *bool `json:"enabled"`
		Priority *int  `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if body.Priority != nil && *body.Priority < 0 {
		writeError(w, http.StatusBadRequest, "priority must be >= 0")
		return
	}
	if body.Enabled != nil {
		if err := h.o.SetVenueEnabled(id, *body.Enabled); err != nil {
			writeVenueError(w, err)
			return
		}
	}
	if body.Priority != nil {
		if err := h.o.SetVenuePriority(id, *body.Priority); err != nil {
			writeVenueError(w, err)
			return
		}
	}
	for _, v := range h.o.Router.Venues() {
		if v.ID == id {
			writeJSON(w, http.StatusOK, v)
			return
		}
	}
	writeError(w, http.StatusNotFound, venue.ErrUnknownVenue.Error()+": "+id)
}

func writeVenueError(w http.ResponseWriter, err error) {
	if errors.Is(err, venue.ErrUnknownVenue) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// POST /v1/config/reload: re-read the config file and apply it.
func (h *Handler) reloadConfig(w http.ResponseWriter, r *http.Request) {
	if h.loader == nil {
		writeError(w, http.StatusNotImplemented, "no config file loaded")
		return
	}
	cfg, err := h.loader.Reload()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reloaded": true,
		"version":  cfg.Version,
		"mode":     h.o.Mode(),
		"regime":   h.o.Regime.Active().Name,
	})
}

func (h *Handler) applyConfig(cfg *config.PipelineConfig) {
	if err := h.o.ApplyConfig(cfg); err != nil {
		h.logger.Warn("config applied with errors", "version", cfg.Version, "err", err)
		return
	}
	h.logger.Info("config applied", "version", cfg.Version, "regime", h.o.Regime.Active().Name)
}

// GET /v1/stream: websocket event stream.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	if h.stream == nil {
		writeError(w, http.StatusNotImplemented, "event stream disabled")
		return
	}
	h.stream.ServeHTTP(w, r)
}

// GET /healthz: always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: 503 if the submission queue is >80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	util := h.o.QueueUtilization()
	metrics.QueueUtilization.Set(util)
	if util > 0.8 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":            "overloaded",
			"queue_utilization": util,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ready",
		"mode":              h.o.Mode(),
		"regime":            h.o.Regime.Active().Name,
		"queue_utilization": util,
	})
}

// outcomeStatus maps a terminal outcome onto an HTTP status. A settlement
// that could not be booked is still a 200; the code tells the caller.
func outcomeStatus(out *pipeline.Outcome) int {
	switch out.Status {
	case intent.StatusSettled:
		return http.StatusOK
	case intent.StatusRejected, intent.StatusExpired:
		return http.StatusUnprocessableEntity
	}
	switch out.Code {
	case apperr.CodeGenerationFailed:
		return http.StatusBadRequest
	case apperr.CodeCancelled:
		return http.StatusConflict
	case apperr.CodeRouteFailed, apperr.CodeNoEligibleVenue:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
