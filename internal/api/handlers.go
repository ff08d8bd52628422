package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"secure-code-sandbox/internal/analyzer"
	"secure-code-sandbox/internal/engine"
	"secure-code-sandbox/internal/monitor"
	"secure-code-sandbox/internal/orchestrator"
	"secure-code-sandbox/internal/storage"
)

type Handlers struct {
	orch        *orchestrator.Orchestrator
	analyzer    *analyzer.Analyzer
	sampler     *monitor.Sampler
	db          *storage.DB
	auditWriter *storage.AuditWriter
	metrics     *monitor.Metrics

	defaultLimits engine.Limits
	strictDefault bool
}

func NewHandlers(orch *orchestrator.Orchestrator, sampler *monitor.Sampler, db *storage.DB, auditWriter *storage.AuditWriter, metrics *monitor.Metrics, defaultLimits engine.Limits, strictDefault bool) *Handlers {
	return &Handlers{
		orch:          orch,
		analyzer:      analyzer.New(),
		sampler:       sampler,
		db:            db,
		auditWriter:   auditWriter,
		metrics:       metrics,
		defaultLimits: defaultLimits,
		strictDefault: strictDefault,
	}
}

func (h *Handlers) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	lang, code, ok := h.admitCode(w, r, req.Language, req.Code)
	if !ok {
		return
	}

	res, err := h.analyzer.Analyze(r.Context(), code, lang)
	if err != nil {
		writeError(w, err.Error(), "ANALYSIS_FAILED", http.StatusUnprocessableEntity, r)
		return
	}

	writeJSON(w, http.StatusOK, AnalyzeResponse{
		Success:         res.Success,
		Language:        string(res.Language),
		Errors:          res.Errors,
		Warnings:        res.Warnings,
		Metrics:         res.Metrics,
		ComplexityScore: analyzer.ComplexityScore(res.Metrics),
	})
}

func (h *Handlers) HandleValidate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	lang, code, ok := h.admitCode(w, r, req.Language, req.Code)
	if !ok {
		return
	}

	res, err := h.orch.Validate(r.Context(), code, lang)
	if err != nil {
		writeError(w, err.Error(), "VALIDATION_FAILED", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) HandleQuickValidate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	lang, code, ok := h.admitCode(w, r, req.Language, req.Code)
	if !ok {
		return
	}

	res, err := h.orch.QuickValidate(code, lang)
	if err != nil {
		writeError(w, err.Error(), "VALIDATION_FAILED", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeExecute(w, r)
	if !ok {
		return
	}

	result, err := h.orch.Execute(r.Context(), h.toOrchRequest(req))
	if err != nil {
		if errors.Is(err, engine.ErrInvalidRequest) || errors.Is(err, analyzer.ErrUnsupportedLanguage) {
			writeError(w, err.Error(), "VALIDATION_ERROR", http.StatusBadRequest, r)
			return
		}
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("execution failed")
		writeError(w, "execution failed", "EXECUTION_FAILED", http.StatusInternalServerError, r)
		return
	}

	h.logAudit(result, req.Code, r)
	writeJSON(w, http.StatusOK, result)
}

// HandleExecuteStream runs an execution while streaming telemetry samples
// as SSE events, followed by the buffered stdout/stderr and a done event.
func (h *Handlers) HandleExecuteStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeExecute(w, r)
	if !ok {
		return
	}

	stream := newEventStream(w)
	if stream == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	unsubscribe := h.sampler.Subscribe(func(u monitor.Usage) {
		stream.emitJSON("telemetry", u)
	})
	defer unsubscribe()

	result, err := h.orch.Execute(r.Context(), h.toOrchRequest(req))
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("streaming execution failed")
		stream.emit("error", err.Error())
		return
	}

	if result.Output != "" {
		stream.emit("stdout", result.Output)
	}
	if result.Stderr != "" {
		stream.emit("stderr", result.Stderr)
	}

	stream.emitJSON("done", map[string]any{
		"id":          result.ID,
		"success":     result.Success,
		"exit_code":   result.ExitCode,
		"duration_ms": result.Usage.ExecutionTimeMs,
		"error":       result.Error,
	})

	h.logAudit(result, req.Code, r)
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	exec, err := h.db.GetExecution(r.Context(), id)
	if err != nil {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}

	writeJSON(w, http.StatusOK, exec)
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	filter := storage.ExecutionFilter{
		Language: r.URL.Query().Get("language"),
		Status:   r.URL.Query().Get("status"),
		Verdict:  r.URL.Query().Get("verdict"),
		Limit:    100,
	}

	execs, err := h.db.ListExecutions(r.Context(), filter)
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, execs)
}

func (h *Handlers) decodeExecute(w http.ResponseWriter, r *http.Request) (ExecuteRequest, bool) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return req, false
	}
	if req.Language == "" {
		writeError(w, "language is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return req, false
	}
	if req.Code == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return req, false
	}
	return req, true
}

func (h *Handlers) toOrchRequest(req ExecuteRequest) orchestrator.Request {
	limits := req.Limits.Merge(h.defaultLimits)
	strict := req.StrictSecurityMode
	if strict == nil {
		s := h.strictDefault
		strict = &s
	}
	return orchestrator.Request{
		Language:               req.Language,
		Code:                   req.Code,
		Inputs:                 req.Inputs,
		Limits:                 &limits,
		StrictSecurityMode:     strict,
		SkipSecurityValidation: req.SkipSecurityValidation,
	}
}

func (h *Handlers) admitCode(w http.ResponseWriter, r *http.Request, language, code string) (analyzer.Language, string, bool) {
	if language == "" || code == "" {
		writeError(w, "language and code are required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return "", "", false
	}
	lang, err := analyzer.ParseLanguage(language)
	if err != nil {
		writeError(w, err.Error(), "UNSUPPORTED_LANGUAGE", http.StatusBadRequest, r)
		return "", "", false
	}
	return lang, code, true
}

func (h *Handlers) logAudit(result *orchestrator.Result, code string, r *http.Request) {
	if h.auditWriter == nil || result.Cached {
		return
	}

	hash := sha256.Sum256([]byte(code))
	status := "completed"
	switch {
	case result.FinalState == "blocked":
		status = "blocked"
	case !result.Success:
		status = "failed"
	}

	verdict := "skipped"
	var riskScore int
	var ruleIDs []string
	if v := result.SecurityValidation; v != nil {
		riskScore = v.RiskScore
		ruleIDs = v.ViolatedRuleIDs()
		if v.IsValid {
			verdict = "valid"
		} else {
			verdict = "blocked"
		}
	}

	completedAt := time.Now()
	h.auditWriter.Log(&storage.Execution{
		ID:              result.ID,
		Language:        result.Language,
		CodeHash:        hex.EncodeToString(hash[:]),
		ExitCode:        result.ExitCode,
		Output:          result.Output,
		Stderr:          result.Stderr,
		Error:           result.Error,
		DurationMS:      result.Usage.ExecutionTimeMs,
		MemoryPeakMB:    result.Usage.MemoryMB,
		CPUPercent:      result.Usage.CPUPercentEstimate,
		NetworkRequests: result.Usage.NetworkRequestCount,
		DomMutations:    result.Usage.DomMutationCount,
		RiskScore:       riskScore,
		Verdict:         verdict,
		RuleIDs:         ruleIDs,
		Status:          status,
		Cached:          result.Cached,
		RequestIP:       r.RemoteAddr,
		CreatedAt:       completedAt.Add(-time.Duration(result.Usage.ExecutionTimeMs) * time.Millisecond),
		CompletedAt:     &completedAt,
	})

	if v := result.SecurityValidation; v != nil {
		for _, f := range v.Violations {
			h.auditWriter.LogViolation(&storage.ViolationRecord{
				ExecutionID: result.ID,
				RuleID:      f.RuleID,
				Severity:    string(f.Severity),
				Detail:      f.Message,
				Line:        f.Line,
			})
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
