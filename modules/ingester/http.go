package ingester

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/loghaul/loghaul/pkg/model"
	"github.com/loghaul/loghaul/pkg/queue"
)

var json_ = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	errCodeValidation  = "VALIDATION"
	errCodeUnavailable = "BACKEND_UNAVAILABLE"
	errCodeInternal    = "INTERNAL"
)

type submitResponse struct {
	Status   string `json:"status"`
	IngestID string `json:"ingest_id"`
}

type batchRequest struct {
	Logs []model.LogRecord `json:"logs"`
}

type batchResult struct {
	Status   string `json:"status"`
	IngestID string `json:"ingest_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

type batchResponse struct {
	Queued  int           `json:"queued"`
	Failed  int           `json:"failed"`
	Results []batchResult `json:"results"`
}

type queryResponse struct {
	Source  string              `json:"source"`
	Records jsoniter.RawMessage `json:"records"`
}

type statsResponse struct {
	TotalLogs   int64            `json:"total_logs"`
	LogsByLevel map[string]int64 `json:"logs_by_level"`
	Devices     map[string]int64 `json:"devices"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RegisterRoutes attaches the ingest API to the shared router.
func (i *Ingester) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/log", i.instrument("submit", i.handleSubmit)).Methods(http.MethodPost)
	r.HandleFunc("/api/logs/batch", i.instrument("submit_batch", i.handleSubmitBatch)).Methods(http.MethodPost)
	r.HandleFunc("/api/logs/{device_id}", i.instrument("query", i.handleQuery)).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", i.instrument("stats", i.handleStats)).Methods(http.MethodGet)
	r.HandleFunc("/health", i.instrument("health", i.handleHealth)).Methods(http.MethodGet)
}

func (i *Ingester) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h(w, r)
		i.metrics.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func (i *Ingester) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var rec model.LogRecord
	if err := json_.NewDecoder(r.Body).Decode(&rec); err != nil {
		i.writeError(w, http.StatusBadRequest, errCodeValidation, "malformed request body: "+err.Error())
		return
	}

	id, err := i.submit(r.Context(), &rec)
	if err != nil {
		i.writeSubmitError(w, err)
		return
	}

	i.writeJSON(w, http.StatusAccepted, submitResponse{Status: "queued", IngestID: id})
}

func (i *Ingester) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json_.NewDecoder(r.Body).Decode(&req); err != nil {
		i.writeError(w, http.StatusBadRequest, errCodeValidation, "malformed request body: "+err.Error())
		return
	}
	if len(req.Logs) == 0 {
		i.writeError(w, http.StatusBadRequest, errCodeValidation, "batch must contain at least one record")
		return
	}
	if len(req.Logs) > i.cfg.MaxBatchSize {
		i.writeError(w, http.StatusBadRequest, errCodeValidation,
			"batch exceeds maximum size "+strconv.Itoa(i.cfg.MaxBatchSize))
		return
	}

	now := time.Now().UTC()
	results := make([]batchResult, len(req.Logs))
	var valid []*model.LogRecord
	var validIdx []int
	for idx := range req.Logs {
		rec := &req.Logs[idx]
		if err := rec.Validate(); err != nil {
			results[idx] = batchResult{Status: "invalid", Error: err.Error()}
			continue
		}
		if rec.Timestamp.IsZero() {
			rec.Timestamp = now
		}
		valid = append(valid, rec)
		validIdx = append(validIdx, idx)
	}

	if len(valid) > 0 {
		outcomes, err := i.queue.AppendBatch(r.Context(), valid)
		if err != nil {
			i.writeSubmitError(w, err)
			return
		}
		for n, out := range outcomes {
			if out.Err != nil {
				results[validIdx[n]] = batchResult{Status: "failed", Error: out.Err.Error()}
				continue
			}
			results[validIdx[n]] = batchResult{Status: "queued", IngestID: out.IngestID}
		}
	}

	resp := batchResponse{Results: results}
	for _, res := range results {
		if res.Status == "queued" {
			resp.Queued++
		} else {
			resp.Failed++
		}
	}
	i.metrics.batchSize.Observe(float64(len(req.Logs)))

	i.writeJSON(w, http.StatusAccepted, resp)
}

func (i *Ingester) handleQuery(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]

	limit := i.cfg.DefaultQueryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			i.writeError(w, http.StatusBadRequest, errCodeValidation, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	if limit > i.cfg.MaxQueryLimit {
		limit = i.cfg.MaxQueryLimit
	}

	records, source, err := i.queryRecent(r.Context(), deviceID, limit)
	if err != nil {
		i.writeError(w, http.StatusServiceUnavailable, errCodeUnavailable, "log store unavailable: "+err.Error())
		return
	}

	i.writeJSON(w, http.StatusOK, queryResponse{Source: source, Records: jsoniter.RawMessage(records)})
}

func (i *Ingester) handleStats(w http.ResponseWriter, r *http.Request) {
	body, err := i.stats(r.Context())
	if err != nil {
		i.writeError(w, http.StatusServiceUnavailable, errCodeUnavailable, "log store unavailable: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (i *Ingester) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, healthy := i.health(r.Context())
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	i.writeJSON(w, code, status)
}

func (i *Ingester) writeSubmitError(w http.ResponseWriter, err error) {
	var vErr *model.ValidationError
	switch {
	case errors.As(err, &vErr):
		i.writeError(w, http.StatusBadRequest, errCodeValidation, vErr.Error())
	case errors.Is(err, queue.ErrBackendUnavailable):
		i.metrics.enqueueFailures.Inc()
		i.writeError(w, http.StatusServiceUnavailable, errCodeUnavailable, err.Error())
	default:
		i.writeError(w, http.StatusInternalServerError, errCodeInternal, err.Error())
	}
}

func (i *Ingester) writeError(w http.ResponseWriter, code int, errCode, msg string) {
	i.writeJSON(w, code, errorResponse{Code: errCode, Message: msg})
}

func (i *Ingester) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json_.NewEncoder(w).Encode(body); err != nil {
		level.Error(i.logger).Log("msg", "error writing response", "err", err)
	}
}
