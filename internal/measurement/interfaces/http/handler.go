package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"ivlab/internal/audit"
	"ivlab/internal/auth"
	"ivlab/internal/measurement/application"
	measurement "ivlab/internal/measurement/domain"
	"ivlab/internal/measurement/interfaces/export"
	"ivlab/internal/observability/metrics"
)

const (
	timeLayout   = time.RFC3339
	maxOrderSize = 1 << 20
)

// Reloader re-reads station definitions.
type Reloader func(ctx context.Context) error

// Handler provides run HTTP endpoints.
type Handler struct {
	service *application.RunService
	query   *application.RunQuery
	reload  Reloader
	audit   audit.Logger
	logger  *zap.Logger
}

// Option configures the handler.
type Option func(*Handler)

// WithReloader enables POST /api/v1/setups/reload.
func WithReloader(reload Reloader) Option {
	return func(h *Handler) {
		h.reload = reload
	}
}

// WithAudit records submits, aborts and reloads.
func WithAudit(logger audit.Logger) Option {
	return func(h *Handler) {
		h.audit = logger
	}
}

// WithLogger sets the handler logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler constructs a handler.
func NewHandler(service *application.RunService, query *application.RunQuery, opts ...Option) (*Handler, error) {
	if service == nil {
		return nil, errors.New("runs handler: nil service")
	}
	if query == nil {
		return nil, errors.New("runs handler: nil query")
	}
	h := &Handler{service: service, query: query, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// ServeHTTP handles /api/v1/runs and subroutes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/v1/runs":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleSubmit(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/v1/runs/"):
		h.handleRun(w, r)
	case r.URL.Path == "/api/v1/setups/reload":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleReload(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type submitResponse struct {
	RunID   string   `json:"run_id"`
	Items   int      `json:"items"`
	Devices []string `json:"devices"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxOrderSize))
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	order, err := application.DecodeWorkOrder(body)
	if err != nil {
		metrics.IncWorkOrder("http", metrics.ResultError)
		respondError(w, err)
		return
	}
	if op, ok := auth.OperatorFromContext(r.Context()); ok {
		order.Operator = op.Name
	}
	plan, err := h.service.Submit(r.Context(), order)
	if err != nil {
		metrics.IncWorkOrder("http", metrics.ResultError)
		h.record(r, audit.ActionRunSubmit, "", err, body)
		respondError(w, err)
		return
	}
	metrics.IncWorkOrder("http", metrics.ResultSuccess)
	h.record(r, audit.ActionRunSubmit, plan.Run.ID, nil, body)
	writeJSON(w, http.StatusAccepted, submitResponse{RunID: plan.Run.ID, Items: len(plan.Items), Devices: plan.Devices()})
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	runID := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleGet(w, r, runID)
	case "abort":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		err := h.abort(r, runID)
		h.record(r, audit.ActionRunAbort, runID, err, nil)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "aborting"})
	case "export.xlsx", "report.pdf":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleExport(w, r, runID, action)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// abort stops runID. Authenticated callers must own the run unless their role may abort any run.
func (h *Handler) abort(r *http.Request, runID string) error {
	if op, ok := auth.OperatorFromContext(r.Context()); ok {
		detail, err := h.query.Run(r.Context(), runID)
		if err != nil {
			return err
		}
		if err := auth.AuthorizeAbort(op, detail.Run.Operator); err != nil {
			return err
		}
	}
	return h.service.Abort(runID)
}

type eventDTO struct {
	ID          string   `json:"id"`
	Kind        string   `json:"kind"`
	DeviceID    string   `json:"device_id"`
	SMUID       string   `json:"smu_id"`
	FirstSeq    int64    `json:"first_seq"`
	Count       int64    `json:"count"`
	Source      string   `json:"source"`
	Area        float64  `json:"area"`
	Status      string   `json:"status"`
	AbortReason string   `json:"abort_reason,omitempty"`
	OpenedAt    string   `json:"opened_at"`
	ClosedAt    string   `json:"closed_at,omitempty"`
	Voc         *float64 `json:"voc,omitempty"`
	Isc         *float64 `json:"isc,omitempty"`
	Pmax        *float64 `json:"pmax,omitempty"`
}

type runDTO struct {
	ID          string                    `json:"id"`
	Operator    string                    `json:"operator"`
	Description string                    `json:"description,omitempty"`
	SetupID     string                    `json:"setup_id"`
	Status      string                    `json:"status"`
	Active      bool                      `json:"active"`
	StartedAt   string                    `json:"started_at"`
	ClosedAt    string                    `json:"closed_at,omitempty"`
	Params      measurement.RunParameters `json:"params,omitempty"`
	Events      []eventDTO                `json:"events"`
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, runID string) {
	detail, err := h.query.Run(r.Context(), runID)
	if err != nil {
		respondError(w, err)
		return
	}
	run := detail.Run
	out := runDTO{
		ID:          run.ID,
		Operator:    run.Operator,
		Description: run.Description,
		SetupID:     run.SetupID,
		Status:      string(run.Status),
		Active:      h.service.Active(run.ID),
		StartedAt:   run.StartedAt.Format(timeLayout),
		ClosedAt:    formatTime(run.ClosedAt),
		Params:      run.Params,
		Events:      make([]eventDTO, 0, len(detail.Events)),
	}
	for _, item := range detail.Events {
		hd := item.Event.Header
		dto := eventDTO{
			ID:          hd.ID,
			Kind:        string(hd.Kind),
			DeviceID:    hd.DeviceID,
			SMUID:       hd.SMUID,
			FirstSeq:    hd.FirstSeq,
			Count:       hd.Count,
			Source:      string(hd.Source),
			Area:        hd.Area,
			Status:      string(hd.Status),
			AbortReason: hd.AbortReason,
			OpenedAt:    hd.OpenedAt.Format(timeLayout),
			ClosedAt:    formatTime(hd.ClosedAt),
		}
		if sweep, ok := item.Event.Sweep(); ok && sweep.Summary != nil {
			dto.Voc = finite(sweep.Summary.Voc)
			dto.Isc = finite(sweep.Summary.Isc)
			dto.Pmax = finite(sweep.Summary.Pmax)
		}
		out.Events = append(out.Events, dto)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request, runID, action string) {
	detail, err := h.query.Detail(r.Context(), runID)
	if err != nil {
		respondError(w, err)
		return
	}
	start := time.Now()
	var (
		data        []byte
		contentType string
	)
	switch action {
	case "export.xlsx":
		data, err = export.BuildRunXLSX(detail)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		data, err = export.BuildRunPDF(detail)
		contentType = "application/pdf"
	}
	if err != nil {
		metrics.ObserveExport(action, metrics.ResultError, time.Since(start))
		h.logger.Error("run export failed", zap.String("run_id", runID), zap.String("format", action), zap.Error(err))
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	metrics.ObserveExport(action, metrics.ResultSuccess, time.Since(start))
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename=\""+runID+"-"+action+"\"")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	if h.reload == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	err := h.reload(r.Context())
	h.record(r, audit.ActionReload, "", err, nil)
	if err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) record(r *http.Request, action, runID string, result error, body []byte) {
	if h.audit == nil {
		return
	}
	entry := audit.FromRequest(r, action, runID)
	entry.Result = metrics.ResultSuccess
	if result != nil {
		entry.Result = metrics.ResultError
	}
	if json.Valid(body) {
		entry.Metadata = body
	}
	if err := h.audit.Log(context.WithoutCancel(r.Context()), entry); err != nil {
		h.logger.Warn("audit log failed", zap.String("action", action), zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, measurement.ErrConfiguration):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, measurement.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, application.ErrBusy), errors.Is(err, application.ErrRunNotActive):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, auth.ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(timeLayout)
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
