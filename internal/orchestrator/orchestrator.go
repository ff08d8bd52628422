// Package orchestrator coordinates one execution end to end: security
// validation, engine dispatch, resource monitoring, and result caching.
// Validation strictly precedes execution, and a caller always receives a
// terminal result or a request error, never a hang.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"

	"secure-code-sandbox/internal/analyzer"
	"secure-code-sandbox/internal/engine"
	"secure-code-sandbox/internal/monitor"
	"secure-code-sandbox/internal/security"
)

// Request errors. All wrap engine.ErrInvalidRequest so callers can
// distinguish a bad request from an execution failure with one check.
var (
	ErrEmptyCode    = fmt.Errorf("%w: code is empty", engine.ErrInvalidRequest)
	ErrCodeTooLarge = fmt.Errorf("%w: code exceeds size limit", engine.ErrInvalidRequest)
)

const defaultMaxCodeBytes = 1 << 20

// Request describes one execution. Limits nil selects the configured
// defaults; StrictSecurityMode nil defaults to true.
type Request struct {
	Language string         `json:"language"`
	Code     string         `json:"code"`
	Inputs   []string       `json:"inputs,omitempty"`
	Limits   *engine.Limits `json:"limits,omitempty"`

	// StrictSecurityMode controls whether a failed validation blocks
	// execution. Non-strict runs still validate and attach the result.
	StrictSecurityMode *bool `json:"strict_security_mode,omitempty"`

	// SkipSecurityValidation bypasses validation entirely; the result
	// then carries no SecurityValidation field.
	SkipSecurityValidation bool `json:"skip_security_validation,omitempty"`
}

// Strict resolves the effective strictness.
func (r *Request) Strict() bool {
	return r.StrictSecurityMode == nil || *r.StrictSecurityMode
}

// Result is the JSON-serializable terminal outcome of a request.
type Result struct {
	ID         string         `json:"id"`
	Language   string         `json:"language"`
	Success    bool           `json:"success"`
	Output     string         `json:"output"`
	Stderr     string         `json:"stderr,omitempty"`
	Error      string         `json:"error,omitempty"`
	ExitCode   int            `json:"exit_code"`
	Truncated  bool           `json:"truncated,omitempty"`
	Usage      monitor.Usage  `json:"usage"`
	Globals    map[string]any `json:"globals,omitempty"`
	Cached     bool           `json:"cached,omitempty"`
	FinalState string         `json:"final_state"`

	SecurityValidation *security.ValidationResult `json:"security_validation,omitempty"`
}

// Config tunes an Orchestrator.
type Config struct {
	DefaultLimits  engine.Limits
	SecurityPolicy security.Policy
	Options        security.Options
	MaxCodeBytes   int64
	CacheTTL       time.Duration
	Clock          Clock // nil selects the system clock
}

// Orchestrator serializes executions through the validate → execute →
// finalize pipeline. One execution is in flight per instance at a time.
type Orchestrator struct {
	cfg      Config
	secure   *security.Engine
	registry *engine.Registry
	sampler  *monitor.Sampler
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
	cache    *resultCache

	// runMu serializes executions; stateMu guards the observable state
	// so State() never blocks behind an in-flight run.
	runMu   sync.Mutex
	stateMu sync.Mutex
	state   State
}

// New wires an Orchestrator. metrics and tracer may be nil (the CLI
// runs without them).
func New(cfg Config, registry *engine.Registry, sampler *monitor.Sampler, metrics *monitor.Metrics, tracer *monitor.Tracer) *Orchestrator {
	if cfg.DefaultLimits == (engine.Limits{}) {
		cfg.DefaultLimits = engine.DefaultLimits()
	}
	if cfg.MaxCodeBytes <= 0 {
		cfg.MaxCodeBytes = defaultMaxCodeBytes
	}
	if registry == nil {
		registry = engine.NewRegistry()
	}
	if sampler == nil {
		sampler = monitor.NewSampler(0)
	}
	return &Orchestrator{
		cfg:      cfg,
		secure:   security.NewEngine(cfg.SecurityPolicy),
		registry: registry,
		sampler:  sampler,
		metrics:  metrics,
		tracer:   tracer,
		cache:    newResultCache(cfg.CacheTTL, cfg.Clock),
	}
}

// State reports the current pipeline state.
func (o *Orchestrator) State() State {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.state
}

// Statuses exposes per-engine readiness for health endpoints.
func (o *Orchestrator) Statuses() []engine.Status {
	return o.registry.Statuses()
}

// Validate runs security validation without executing.
func (o *Orchestrator) Validate(ctx context.Context, code string, lang analyzer.Language) (*security.ValidationResult, error) {
	res, err := o.secure.Validate(ctx, code, lang, o.cfg.Options)
	if err != nil {
		return nil, err
	}
	o.recordValidation(string(lang), res)
	return res, nil
}

// QuickValidate runs the fast text-only critical-rule scan.
func (o *Orchestrator) QuickValidate(code string, lang analyzer.Language) (*security.QuickResult, error) {
	return o.secure.QuickValidate(code, lang)
}

// Execute runs the full pipeline for one request. Malformed requests
// return an error wrapping engine.ErrInvalidRequest; every other path
// returns a structured Result.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Result, error) {
	lang, limits, err := o.admit(req)
	if err != nil {
		return nil, err
	}

	o.runMu.Lock()
	defer o.runMu.Unlock()
	defer o.setState(StateIdle)

	execID := uuid.NewString()
	sum := sha256.Sum256([]byte(req.Code))
	codeHash := hex.EncodeToString(sum[:])
	logger := log.With().
		Str("execution_id", execID).
		Str("language", string(lang)).
		Str("code_hash", codeHash).
		Logger()

	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.StartSpan(ctx, "execute",
			monitor.AttrExecID.String(execID),
			monitor.AttrLanguage.String(string(lang)),
			monitor.AttrCodeHash.String(codeHash),
		)
		defer span.End()
	}

	key := cacheKey(string(lang), req.Code, req.Inputs, limits)
	if cached, ok := o.cache.get(key); ok {
		o.recordCache("hit")
		logger.Debug().Str("cache_key", shortKey(key)).Msg("result cache hit")
		cached.ID = execID
		cached.Cached = true
		return &cached, nil
	}
	o.recordCache("miss")

	if o.metrics != nil {
		o.metrics.CodeSizeBytes.Observe(float64(len(req.Code)))
	}

	res := &Result{
		ID:       execID,
		Language: string(lang),
	}

	if !req.SkipSecurityValidation {
		o.setState(StateValidating)

		validation, err := o.secure.Validate(ctx, req.Code, lang, o.cfg.Options)
		if err != nil {
			return nil, err
		}
		o.recordValidation(string(lang), validation)
		res.SecurityValidation = validation
		verdict := "valid"
		if !validation.IsValid {
			verdict = "blocked"
		}
		monitor.AnnotateValidation(ctx, verdict, validation.RiskScore)

		if !validation.IsValid && req.Strict() {
			o.setState(StateBlocked)
			res.Success = false
			res.Error = security.BlockMessage(validation)
			res.FinalState = StateBlocked.String()

			logger.Warn().
				Int("risk_score", validation.RiskScore).
				Strs("rule_ids", validation.ViolatedRuleIDs()).
				Msg("execution blocked by security validation")

			o.finalize(res, key, &logger)
			return res, nil
		}
	}

	o.setState(StateExecuting)
	o.runEngine(ctx, lang, req, limits, res, &logger)
	monitor.AnnotateOutcome(ctx, res.ExitCode, res.Usage.ExecutionTimeMs)
	o.finalize(res, key, &logger)
	return res, nil
}

// admit validates request shape before any work is done.
func (o *Orchestrator) admit(req Request) (analyzer.Language, engine.Limits, error) {
	if len(req.Code) == 0 {
		return "", engine.Limits{}, ErrEmptyCode
	}
	if int64(len(req.Code)) > o.cfg.MaxCodeBytes {
		return "", engine.Limits{}, fmt.Errorf("%w (%d > %d bytes)", ErrCodeTooLarge, len(req.Code), o.cfg.MaxCodeBytes)
	}
	lang, err := analyzer.ParseLanguage(req.Language)
	if err != nil {
		return "", engine.Limits{}, err
	}
	limits := o.cfg.DefaultLimits
	if req.Limits != nil {
		limits = *req.Limits
	}
	if err := limits.Validate(); err != nil {
		return "", engine.Limits{}, err
	}
	return lang, limits, nil
}

func (o *Orchestrator) runEngine(ctx context.Context, lang analyzer.Language, req Request, limits engine.Limits, res *Result, logger *zerolog.Logger) {
	eng, err := o.registry.Get(lang)
	if err != nil {
		res.Error = err.Error()
		return
	}

	if o.metrics != nil {
		o.metrics.ActiveExecutions.Inc()
		defer o.metrics.ActiveExecutions.Dec()
	}

	engCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var sessMu sync.Mutex
	var session *monitor.Session

	// Alerts are recorded once in recordAlerts after finalization; here
	// the critical alert only aborts the run.
	onCritical := func(a monitor.Alert) {
		sentinel := engine.ErrMemoryLimit
		if strings.Contains(a.Message, "execution time") {
			sentinel = engine.ErrTimeout
		}
		cancel(fmt.Errorf("%w: %s", sentinel, a.Message))
	}

	start := time.Now()
	execRes, execErr := eng.Execute(engCtx, engine.Request{
		Code:   req.Code,
		Inputs: req.Inputs,
		Limits: limits,
		OnStart: func(pid int) {
			sessMu.Lock()
			session = o.sampler.Watch(engCtx, pid, limits, onCritical)
			sessMu.Unlock()
		},
	})
	elapsed := time.Since(start)

	if execRes != nil {
		res.Success = execRes.Success
		res.Output = execRes.Output
		res.Stderr = execRes.Stderr
		res.Error = execRes.Error
		res.ExitCode = execRes.ExitCode
		res.Truncated = execRes.Truncated
		res.Globals = execRes.Stats.Globals
		if o.metrics != nil {
			o.metrics.OutputSizeBytes.Observe(float64(len(execRes.Output)))
		}
	}

	sessMu.Lock()
	sess := session
	sessMu.Unlock()

	var stats engine.GuestStats
	var durationMs int64 = elapsed.Milliseconds()
	if execRes != nil {
		stats = execRes.Stats
		if execRes.DurationMs > 0 {
			durationMs = execRes.DurationMs
		}
	}
	if sess != nil {
		res.Usage = sess.Finalize(stats, durationMs)
	} else {
		res.Usage = monitor.Usage{
			ExecutionTimeMs:     durationMs,
			NetworkRequestCount: stats.NetworkRequests,
			DomMutationCount:    stats.DomMutations,
		}
	}
	o.recordAlerts(res.Usage.Alerts)

	if execErr != nil {
		res.Success = false
		if res.Error == "" {
			res.Error = execErr.Error()
		}
		if cause := context.Cause(engCtx); cause != nil && !errors.Is(cause, context.Canceled) {
			res.Error = cause.Error()
		}
		if o.metrics != nil {
			o.metrics.RecordError(faultType(execErr))
		}
	}

	status := "success"
	if !res.Success {
		status = "failure"
	}
	if o.metrics != nil {
		o.metrics.RecordExecution(string(lang), status, elapsed.Seconds())
	}
	logger.Info().
		Str("status", status).
		Int64("duration_ms", durationMs).
		Float64("peak_memory_mb", res.Usage.MemoryMB).
		Msg("execution finished")
}

func (o *Orchestrator) finalize(res *Result, key string, logger *zerolog.Logger) {
	o.setState(StateFinalized)
	if res.FinalState == "" {
		res.FinalState = StateFinalized.String()
	}
	o.cache.put(key, *res)
	logger.Debug().Str("cache_key", shortKey(key)).Msg("result cached")
}

func (o *Orchestrator) setState(s State) {
	o.stateMu.Lock()
	o.state = s
	o.stateMu.Unlock()
}

func (o *Orchestrator) recordValidation(lang string, v *security.ValidationResult) {
	if o.metrics == nil {
		return
	}
	verdict := "valid"
	if !v.IsValid {
		verdict = "blocked"
	}
	o.metrics.RecordValidation(lang, verdict, v.RiskScore)
}

func (o *Orchestrator) recordCache(outcome string) {
	if o.metrics != nil {
		o.metrics.RecordCache(outcome)
	}
}

func (o *Orchestrator) recordAlerts(alerts []monitor.Alert) {
	if o.metrics == nil {
		return
	}
	for _, a := range alerts {
		o.metrics.RecordAlert(string(a.Severity))
	}
}

// faultType maps sentinel errors to a metrics label.
func faultType(err error) string {
	switch {
	case errors.Is(err, engine.ErrTimeout):
		return "timeout"
	case errors.Is(err, engine.ErrCPULimit):
		return "cpu_limit"
	case errors.Is(err, engine.ErrMemoryLimit):
		return "memory_limit"
	case errors.Is(err, engine.ErrRecursionLimit):
		return "recursion_limit"
	case errors.Is(err, engine.ErrOutputLimit):
		return "output_limit"
	case errors.Is(err, engine.ErrNotAvailable):
		return "engine_unavailable"
	default:
		return "internal"
	}
}
