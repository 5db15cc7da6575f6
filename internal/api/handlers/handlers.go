package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-agent/internal/agent"
	"github.com/dvloznov/finance-agent/internal/agenterr"
	"github.com/dvloznov/finance-agent/internal/api/middleware"
	"github.com/dvloznov/finance-agent/internal/backend"
	"github.com/dvloznov/finance-agent/internal/domain"
	"github.com/dvloznov/finance-agent/internal/jobs"
	"github.com/dvloznov/finance-agent/internal/logger"
)

const (
	maxQueryBody  = 64 << 10
	maxIngestBody = 32 << 20
)

// QueryService answers questions and runs native queries.
type QueryService interface {
	Ask(ctx context.Context, req agent.Request) (*agent.Response, error)
	Reject(ctx context.Context, req agent.Request, reason string) (*agent.Response, error)
	Direct(ctx context.Context, req agent.DirectRequest) domain.ExecutionResult
	Schemas(ctx context.Context) (map[domain.BackendKind]*backend.Schema, map[domain.BackendKind]error)
}

// IngestService accepts transaction records.
type IngestService interface {
	Ingest(ctx context.Context, records []domain.TransactionRecord) (agent.IngestResult, error)
}

// StatusFor maps a failure kind onto the HTTP status returned to callers.
func StatusFor(kind agenterr.Kind) int {
	switch kind {
	case "":
		return http.StatusOK
	case agenterr.KindInvalidRequest:
		return http.StatusBadRequest
	case agenterr.KindLowConfidenceIntent, agenterr.KindUnsupportedBackend, agenterr.KindSynthesisValidationFailed:
		return http.StatusUnprocessableEntity
	case agenterr.KindExecutionTimeout, agenterr.KindRequestTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// QueryHandler handles the question and native query endpoints.
type QueryHandler struct {
	svc QueryService
	log zerolog.Logger
}

// NewQueryHandler creates a new query handler.
func NewQueryHandler(svc QueryService, log zerolog.Logger) *QueryHandler {
	return &QueryHandler{svc: svc, log: log}
}

type queryRequest struct {
	Query      string `json:"query"`
	DatabaseID string `json:"database_id"`
	Context    struct {
		UserID    string     `json:"user_id"`
		Timestamp *time.Time `json:"timestamp"`
	} `json:"context"`
}

type attemptView struct {
	Provider  string `json:"provider"`
	Outcome   string `json:"outcome"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

type queryResult struct {
	Success                  bool                `json:"success"`
	InterpretedResults       string              `json:"interpreted_results"`
	GeneratedQuery           string              `json:"generated_query,omitempty"`
	QueryParameters          map[string]any      `json:"query_parameters,omitempty"`
	Backend                  string              `json:"backend,omitempty"`
	QuerySource              string              `json:"query_source,omitempty"`
	QueryType                string              `json:"query_type"`
	ExecutionTime            float64             `json:"execution_time"`
	ConfidenceScore          float64             `json:"confidence_score"`
	Columns                  []string            `json:"columns"`
	RawResults               []domain.Row        `json:"raw_results"`
	RowCount                 int                 `json:"row_count"`
	VisualizationHint        string              `json:"visualization_hint"`
	VisualizationSuggestions []string            `json:"visualization_suggestions"`
	FollowUpQuestions        []string            `json:"follow_up_questions,omitempty"`
	Warnings                 []string            `json:"warnings"`
	ErrorKind                string              `json:"error_kind,omitempty"`
	Intent                   *domain.QueryIntent `json:"intent,omitempty"`
	Attempts                 []attemptView       `json:"provider_attempts,omitempty"`
}

type queryResponse struct {
	QueryID string      `json:"query_id"`
	Result  queryResult `json:"result"`
}

// Query handles POST /query
func (h *QueryHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQueryBody)).Decode(&req); err != nil {
		resp, _ := h.svc.Reject(r.Context(), agent.Request{}, "the request body is not valid JSON")
		lg := logger.FromContext(r.Context())
		lg.Warn().Err(err).Str("query_id", resp.QueryID).Msg("Undecodable query body")
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	areq := agent.Request{Query: req.Query, DatabaseID: req.DatabaseID, UserID: req.Context.UserID}
	if req.Context.Timestamp != nil {
		areq.Timestamp = *req.Context.Timestamp
	}

	resp, err := h.svc.Ask(r.Context(), areq)
	if err != nil {
		lg := logger.FromContext(r.Context())
		lg.Warn().Err(err).Str("query_id", resp.QueryID).Msg("Query failed")
	}
	middleware.WriteJSON(w, StatusFor(resp.ErrorKind), queryResponse{QueryID: resp.QueryID, Result: toResult(resp)})
}

func toResult(resp *agent.Response) queryResult {
	res := resp.Result
	out := queryResult{
		Success:                  resp.Success,
		InterpretedResults:       resp.Interpretation.Narrative,
		QueryType:                string(resp.Intent.Type),
		ExecutionTime:            res.ExecutionTime.Seconds(),
		ConfidenceScore:          resp.Interpretation.Confidence,
		Columns:                  res.Columns,
		RawResults:               res.Rows,
		RowCount:                 res.RowCount,
		VisualizationHint:        string(resp.Interpretation.Visualization),
		VisualizationSuggestions: resp.Interpretation.Suggestions,
		FollowUpQuestions:        resp.Interpretation.FollowUps,
		Warnings:                 res.Warnings,
		ErrorKind:                string(resp.ErrorKind),
	}
	if resp.Intent.Type != "" {
		in := resp.Intent
		out.Intent = &in
	}
	if q := resp.Query; q != nil {
		out.GeneratedQuery = q.NativeText
		out.QueryParameters = q.Parameters
		out.Backend = string(q.Backend)
		out.QuerySource = string(q.Source)
	}
	for _, a := range resp.Attempts {
		out.Attempts = append(out.Attempts, attemptView{
			Provider:  a.Provider,
			Outcome:   string(a.Outcome),
			ElapsedMS: a.Elapsed.Milliseconds(),
		})
	}
	if out.RawResults == nil {
		out.RawResults = []domain.Row{}
	}
	if out.Columns == nil {
		out.Columns = []string{}
	}
	if out.Warnings == nil {
		out.Warnings = []string{}
	}
	if out.VisualizationSuggestions == nil {
		out.VisualizationSuggestions = []string{}
	}
	return out
}

type directRequest struct {
	ConnectionID string         `json:"connection_id"`
	Query        string         `json:"query"`
	Params       map[string]any `json:"params"`
	UserID       string         `json:"user_id"`
}

type directResponse struct {
	Success      bool         `json:"success"`
	Columns      []string     `json:"columns"`
	Data         []domain.Row `json:"data"`
	RowCount     int          `json:"row_count"`
	Truncated    bool         `json:"truncated"`
	ErrorKind    string       `json:"error_kind,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
}

// DirectQuery handles POST /direct_query
func (h *QueryHandler) DirectQuery(w http.ResponseWriter, r *http.Request) {
	var req directRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQueryBody)).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ConnectionID == "" || strings.TrimSpace(req.Query) == "" {
		middleware.WriteError(w, http.StatusBadRequest, "connection_id and query are required")
		return
	}

	res := h.svc.Direct(r.Context(), agent.DirectRequest{
		ConnectionID: req.ConnectionID,
		Query:        req.Query,
		Params:       req.Params,
		UserID:       req.UserID,
	})
	out := directResponse{
		Success:      res.Success,
		Columns:      res.Columns,
		Data:         res.Rows,
		RowCount:     res.RowCount,
		Truncated:    res.Truncated,
		ErrorKind:    res.ErrorKind,
		ErrorMessage: res.Error,
	}
	if out.Data == nil {
		out.Data = []domain.Row{}
	}
	middleware.WriteJSON(w, StatusFor(agenterr.Kind(res.ErrorKind)), out)
}

// Schema handles GET /schema
func (h *QueryHandler) Schema(w http.ResponseWriter, r *http.Request) {
	schemas, failures := h.svc.Schemas(r.Context())
	errs := make(map[domain.BackendKind]string, len(failures))
	for kind, err := range failures {
		h.log.Warn().Err(err).Str("backend", string(kind)).Msg("Schema unavailable")
		errs[kind] = "schema unavailable"
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"schemas": schemas,
		"errors":  errs,
	})
}

// IngestHandler handles transaction ingestion.
type IngestHandler struct {
	svc IngestService
	log zerolog.Logger
}

// NewIngestHandler creates a new ingest handler.
func NewIngestHandler(svc IngestService, log zerolog.Logger) *IngestHandler {
	return &IngestHandler{svc: svc, log: log}
}

// IngestTransactions handles POST /ingest/transactions
func (h *IngestHandler) IngestTransactions(w http.ResponseWriter, r *http.Request) {
	records, err := agent.DecodeRecords(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			middleware.WriteError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(records) == 0 {
		middleware.WriteError(w, http.StatusBadRequest, "No transactions in request")
		return
	}

	res, err := h.svc.Ingest(r.Context(), records)
	if err != nil {
		h.log.Error().Err(err).Int("records", len(records)).Msg("Failed to ingest transactions")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to ingest transactions")
		return
	}

	h.log.Info().
		Int("received", res.Received).
		Int("created", res.Created).
		Int("updated", res.Updated).
		Int("rejected", res.Rejected).
		Msg("Transactions ingested")
	middleware.WriteJSON(w, http.StatusOK, res)
}

// JobsHandler handles audit delivery job endpoints.
type JobsHandler struct {
	store jobs.JobStore
	log   zerolog.Logger
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(store jobs.JobStore, log zerolog.Logger) *JobsHandler {
	return &JobsHandler{
		store: store,
		log:   log,
	}
}

// GetJob handles GET /api/jobs/{id}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	ctx := r.Context()

	job, err := h.store.GetJob(ctx, jobID)
	if err != nil {
		if !errors.Is(err, jobs.ErrJobNotFound) {
			h.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job")
		}
		middleware.WriteError(w, http.StatusNotFound, "Job not found")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Parse query parameters
	query := r.URL.Query()
	filter := jobs.JobFilter{
		RecordID: query.Get("record_id"),
		Sink:     query.Get("sink"),
		Status:   jobs.JobStatus(query.Get("status")),
	}

	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = limit
		}
	}

	if offsetStr := query.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil {
			filter.Offset = offset
		}
	}

	jobsList, err := h.store.ListJobs(ctx, filter)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list jobs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobsList,
		"count": len(jobsList),
	})
}
