// Package api serves read-only views of the evidence layers over HTTP:
// monitoring signals, gold aggregates, the run log and lineage.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/gold"
	"github.com/sells-group/evidence-cli/internal/model"
	"github.com/sells-group/evidence-cli/internal/monitoring"
	"github.com/sells-group/evidence-cli/internal/store"
)

// Store is the subset of the evidence store the API reads.
type Store interface {
	Ping(ctx context.Context) error
	GetFact(ctx context.Context, decisionID string) (*model.GoldFact, error)
	ListFacts(ctx context.Context, w model.Window) ([]model.GoldFact, error)
	ListDaily(ctx context.Context, w model.Window) ([]model.DailyAggregate, error)
	ListRejectDaily(ctx context.Context, w model.Window, contractVersion string) ([]model.RejectDaily, error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	ListLineage(ctx context.Context, partition string) ([]model.LineageEvent, error)
	SilverCounts(ctx context.Context, partition string) ([]model.SilverCounts, error)
}

// SignalComputer computes monitoring signals on demand.
type SignalComputer interface {
	ComputeSignal(ctx context.Context, name string, w model.Window) (model.Signal, error)
	ComputeAll(ctx context.Context, w model.Window) ([]model.Signal, error)
}

// Options configures the router.
type Options struct {
	ContractVersion string
	CORSOrigins     []string
	// Gatherer backs /metrics. Nil omits the route.
	Gatherer prometheus.Gatherer
	// DefaultWindow is used when a request names no range. Default 24h.
	DefaultWindow time.Duration
	Clock         func() time.Time
}

// Handler wires the read endpoints to the store and signal computer.
type Handler struct {
	store   Store
	signals SignalComputer
	opts    Options
	log     *zap.Logger
}

// New constructs a Handler.
func New(st Store, signals SignalComputer, opts Options) *Handler {
	if opts.DefaultWindow <= 0 {
		opts.DefaultWindow = 24 * time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Handler{
		store:   st,
		signals: signals,
		opts:    opts,
		log:     zap.L().With(zap.String("component", "api")),
	}
}

// Router returns the full HTTP handler with middleware applied.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	h.Register(r)
	return r
}

// Register mounts the endpoints on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/health", h.handleHealth)
	if h.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/signals", h.handleSignals)
	r.Get("/signals/{name}", h.handleSignal)

	r.Get("/gold/daily", h.handleDaily)
	r.Get("/gold/rejects", h.handleRejectDaily)
	r.Get("/gold/risk-bands", h.handleRiskBands)
	r.Get("/gold/facts/{decision_id}", h.handleFact)

	r.Get("/runs", h.handleRuns)
	r.Get("/runs/{run_id}", h.handleRun)

	r.Get("/partitions/{partition}/lineage", h.handleLineage)
	r.Get("/partitions/{partition}/silver", h.handleSilverCounts)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.log.Warn("api: health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleSignals(w http.ResponseWriter, r *http.Request) {
	win, ok := h.window(w, r)
	if !ok {
		return
	}
	sigs, err := h.signals.ComputeAll(r.Context(), win)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"window": win, "signals": sigs})
}

func (h *Handler) handleSignal(w http.ResponseWriter, r *http.Request) {
	win, ok := h.window(w, r)
	if !ok {
		return
	}
	sig, err := h.signals.ComputeSignal(r.Context(), chi.URLParam(r, "name"), win)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

func (h *Handler) handleDaily(w http.ResponseWriter, r *http.Request) {
	win, ok := h.window(w, r)
	if !ok {
		return
	}
	rows, err := h.store.ListDaily(r.Context(), win)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"window": win, "rows": nonNil(rows)})
}

func (h *Handler) handleRejectDaily(w http.ResponseWriter, r *http.Request) {
	win, ok := h.window(w, r)
	if !ok {
		return
	}
	cv := r.URL.Query().Get("contract_version")
	if cv == "" {
		cv = h.opts.ContractVersion
	}
	rows, err := h.store.ListRejectDaily(r.Context(), win, cv)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"window": win, "contract_version": cv, "rows": nonNil(rows)})
}

func (h *Handler) handleRiskBands(w http.ResponseWriter, r *http.Request) {
	win, ok := h.window(w, r)
	if !ok {
		return
	}
	facts, err := h.store.ListFacts(r.Context(), win)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"window": win,
		"bands":  nonNil(gold.RiskBandDistribution(facts, win)),
	})
}

func (h *Handler) handleFact(w http.ResponseWriter, r *http.Request) {
	fact, err := h.store.GetFact(r.Context(), chi.URLParam(r, "decision_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fact)
}

func (h *Handler) handleRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		Stage:     model.RunStage(q.Get("stage")),
		Status:    model.RunStatus(q.Get("status")),
		Partition: q.Get("partition"),
		Limit:     50,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	runs, err := h.store.ListRuns(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": nonNil(runs)})
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) handleLineage(w http.ResponseWriter, r *http.Request) {
	events, err := h.store.ListLineage(r.Context(), chi.URLParam(r, "partition"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": nonNil(events)})
}

func (h *Handler) handleSilverCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.SilverCounts(r.Context(), chi.URLParam(r, "partition"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": nonNil(counts)})
}

// window reads from/to query parameters. Each accepts RFC3339 or a bare
// date. A missing to means now; a missing from means to minus the default
// window.
func (h *Handler) window(w http.ResponseWriter, r *http.Request) (model.Window, bool) {
	q := r.URL.Query()
	to := h.opts.Clock().UTC()
	if v := q.Get("to"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to: "+v)
			return model.Window{}, false
		}
		to = t
	}
	from := to.Add(-h.opts.DefaultWindow)
	if v := q.Get("from"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from: "+v)
			return model.Window{}, false
		}
		from = t
	}
	win, err := model.NewWindow(from, to)
	if err != nil {
		writeError(w, http.StatusBadRequest, "from must be before to")
		return model.Window{}, false
	}
	return win, true
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(model.PartitionLayout, v)
}

// fail maps domain errors to status codes and logs everything else.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, monitoring.ErrUnknownSignal):
		writeError(w, http.StatusNotFound, "unknown signal")
	default:
		h.log.Error("api: request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
