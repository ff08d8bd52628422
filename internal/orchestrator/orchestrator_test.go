package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"secure-code-sandbox/internal/analyzer"
	"secure-code-sandbox/internal/engine"
	"secure-code-sandbox/internal/monitor"
)

// mockEngine returns canned results without spawning a process.
type mockEngine struct {
	name   string
	result engine.Result
	err    error
	calls  atomic.Int32
	block  chan struct{} // when set, Execute waits for it or ctx
}

func (m *mockEngine) Name() string { return m.name }
func (m *mockEngine) Ready() bool  { return true }
func (m *mockEngine) Status() engine.Status {
	return engine.Status{Name: m.name, Ready: true}
}

func (m *mockEngine) Execute(ctx context.Context, req engine.Request) (*engine.Result, error) {
	m.calls.Add(1)
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return &engine.Result{Success: false}, context.Cause(ctx)
		}
	}
	r := m.result
	return &r, m.err
}

// fakeClock advances only when told to.
type fakeClock struct {
	mu  atomic.Int64 // unix nanos
}

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.mu.Store(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time        { return time.Unix(0, c.mu.Load()) }
func (c *fakeClock) Advance(d time.Duration) { c.mu.Add(int64(d)) }

func testOrchestrator(t *testing.T, mock *mockEngine, cfg Config) *Orchestrator {
	t.Helper()
	reg := engine.NewRegistry()
	reg.Register(analyzer.LangPython, mock)
	reg.Register(analyzer.LangJavaScript, mock)
	return New(cfg, reg, monitor.NewSampler(0), nil, nil)
}

func okEngine() *mockEngine {
	return &mockEngine{
		name: "python",
		result: engine.Result{
			Success:    true,
			Output:     "4\n",
			DurationMs: 12,
			Stats:      engine.GuestStats{Globals: map[string]any{"x": float64(4)}},
		},
	}
}

func TestExecute_HappyPath(t *testing.T) {
	mock := okEngine()
	o := testOrchestrator(t, mock, Config{})

	res, err := o.Execute(context.Background(), Request{
		Language: "python",
		Code:     "print(2+2)",
	})
	if err != nil {
		t.Fatalf("Execute = %v", err)
	}
	if !res.Success {
		t.Error("Success = false")
	}
	if res.Output != "4\n" {
		t.Errorf("Output = %q", res.Output)
	}
	if res.ID == "" {
		t.Error("missing execution ID")
	}
	if res.SecurityValidation == nil {
		t.Error("validation result must be attached by default")
	}
	if res.FinalState != "finalized" {
		t.Errorf("FinalState = %q, want finalized", res.FinalState)
	}
	if res.Globals["x"] != float64(4) {
		t.Errorf("Globals = %v", res.Globals)
	}
	if res.Usage.ExecutionTimeMs != 12 {
		t.Errorf("ExecutionTimeMs = %d, want engine-reported 12", res.Usage.ExecutionTimeMs)
	}
	if o.State() != StateIdle {
		t.Errorf("State = %s, want idle after return", o.State())
	}
}

func TestExecute_WithTracerAndMetrics(t *testing.T) {
	mock := okEngine()
	reg := engine.NewRegistry()
	reg.Register(analyzer.LangPython, mock)
	o := New(Config{}, reg, monitor.NewSampler(0), monitor.NewMetrics(), monitor.NewTracer())

	res, err := o.Execute(context.Background(), Request{
		Language: "python",
		Code:     "print(2+2)",
	})
	if err != nil {
		t.Fatalf("Execute = %v", err)
	}
	if !res.Success {
		t.Error("Success = false")
	}
	if res.FinalState != "finalized" {
		t.Errorf("FinalState = %q, want finalized", res.FinalState)
	}
}

func TestExecute_BlockedStrict(t *testing.T) {
	mock := okEngine()
	o := testOrchestrator(t, mock, Config{})

	res, err := o.Execute(context.Background(), Request{
		Language: "python",
		Code:     "eval(input())",
	})
	if err != nil {
		t.Fatalf("Execute = %v", err)
	}
	if res.Success {
		t.Error("hostile code must not succeed in strict mode")
	}
	if mock.calls.Load() != 0 {
		t.Error("engine must not run for blocked code")
	}
	if !strings.Contains(res.Error, "blocked by security") {
		t.Errorf("Error = %q", res.Error)
	}
	if res.FinalState != "blocked" {
		t.Errorf("FinalState = %q, want blocked", res.FinalState)
	}
	if res.SecurityValidation == nil || res.SecurityValidation.IsValid {
		t.Error("validation result must show the violation")
	}
}

func TestExecute_NonStrictProceeds(t *testing.T) {
	mock := okEngine()
	o := testOrchestrator(t, mock, Config{})

	strict := false
	res, err := o.Execute(context.Background(), Request{
		Language:           "python",
		Code:               "eval(input())",
		StrictSecurityMode: &strict,
	})
	if err != nil {
		t.Fatalf("Execute = %v", err)
	}
	if mock.calls.Load() != 1 {
		t.Error("non-strict mode must still execute")
	}
	if res.SecurityValidation == nil || res.SecurityValidation.IsValid {
		t.Error("failed validation must remain attached for transparency")
	}
	if !res.Success {
		t.Error("engine outcome decides success in non-strict mode")
	}
}

func TestExecute_SkipValidation(t *testing.T) {
	mock := okEngine()
	o := testOrchestrator(t, mock, Config{})

	res, err := o.Execute(context.Background(), Request{
		Language:               "python",
		Code:                   "eval(input())",
		SkipSecurityValidation: true,
	})
	if err != nil {
		t.Fatalf("Execute = %v", err)
	}
	if res.SecurityValidation != nil {
		t.Error("skipped validation must not attach a result, even for hostile code")
	}
	if mock.calls.Load() != 1 {
		t.Error("engine must run when validation is skipped")
	}
}

func TestExecute_MalformedRequests(t *testing.T) {
	o := testOrchestrator(t, okEngine(), Config{MaxCodeBytes: 64})

	badLimits := engine.DefaultLimits()
	badLimits.MaxMemoryMB = 1

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"empty code", Request{Language: "python"}, ErrEmptyCode},
		{"unsupported language", Request{Language: "cobol", Code: "x"}, analyzer.ErrUnsupportedLanguage},
		{"oversized code", Request{Language: "python", Code: strings.Repeat("a", 65)}, ErrCodeTooLarge},
		{"bad limits", Request{Language: "python", Code: "x=1", Limits: &badLimits}, engine.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Execute(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("Execute = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestExecute_EngineFault(t *testing.T) {
	mock := &mockEngine{
		name:   "python",
		result: engine.Result{Success: false, Output: "partial", Error: "Execution time limit exceeded"},
		err:    engine.ErrTimeout,
	}
	o := testOrchestrator(t, mock, Config{})

	res, err := o.Execute(context.Background(), Request{
		Language: "python",
		Code:     "x = 1",
	})
	if err != nil {
		t.Fatalf("faults are structured results, got error %v", err)
	}
	if res.Success {
		t.Error("Success = true on fault")
	}
	if res.Output != "partial" {
		t.Error("partial output must survive the fault")
	}
	if !strings.Contains(res.Error, "time limit") {
		t.Errorf("Error = %q", res.Error)
	}
}

func TestExecute_CacheHitSkipsEverything(t *testing.T) {
	mock := okEngine()
	clock := newFakeClock()
	o := testOrchestrator(t, mock, Config{CacheTTL: time.Minute, Clock: clock})

	req := Request{Language: "python", Code: "print(2+2)"}

	first, err := o.Execute(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := o.Execute(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}

	if mock.calls.Load() != 1 {
		t.Errorf("engine calls = %d, want 1 (second was cached)", mock.calls.Load())
	}
	if !second.Cached {
		t.Error("Cached = false on hit")
	}
	if second.ID == first.ID {
		t.Error("cached result must carry a fresh execution ID")
	}
	if second.Output != first.Output {
		t.Error("cached result must replay the stored outcome")
	}
}

func TestExecute_CacheExpiry(t *testing.T) {
	mock := okEngine()
	clock := newFakeClock()
	o := testOrchestrator(t, mock, Config{CacheTTL: time.Minute, Clock: clock})

	req := Request{Language: "python", Code: "print(2+2)"}
	if _, err := o.Execute(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	clock.Advance(2 * time.Minute)

	if _, err := o.Execute(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if mock.calls.Load() != 2 {
		t.Errorf("engine calls = %d, want 2 after TTL expiry", mock.calls.Load())
	}
}

func TestExecute_CacheKeyDiscriminates(t *testing.T) {
	mock := okEngine()
	o := testOrchestrator(t, mock, Config{CacheTTL: time.Minute})

	base := Request{Language: "python", Code: "print(input())"}
	withInput := base
	withInput.Inputs = []string{"a"}

	if _, err := o.Execute(context.Background(), base); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Execute(context.Background(), withInput); err != nil {
		t.Fatal(err)
	}
	if mock.calls.Load() != 2 {
		t.Error("different inputs must not share a cache entry")
	}

	tight := engine.DefaultLimits()
	tight.MaxCPUTimeMs = 200
	withLimits := base
	withLimits.Limits = &tight
	if _, err := o.Execute(context.Background(), withLimits); err != nil {
		t.Fatal(err)
	}
	if mock.calls.Load() != 3 {
		t.Error("different limits must not share a cache entry")
	}
}

func TestExecute_ZeroTTLDisablesCache(t *testing.T) {
	mock := okEngine()
	o := testOrchestrator(t, mock, Config{})

	req := Request{Language: "python", Code: "print(2+2)"}
	for i := 0; i < 2; i++ {
		if _, err := o.Execute(context.Background(), req); err != nil {
			t.Fatal(err)
		}
	}
	if mock.calls.Load() != 2 {
		t.Errorf("engine calls = %d, want 2 with caching disabled", mock.calls.Load())
	}
}

func TestExecute_CallerCancellation(t *testing.T) {
	mock := okEngine()
	mock.block = make(chan struct{})
	o := testOrchestrator(t, mock, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, err := o.Execute(ctx, Request{Language: "python", Code: "x = 1"})
	if err != nil {
		t.Fatalf("cancellation must finalize into a result, got %v", err)
	}
	if res.Success {
		t.Error("canceled execution must not report success")
	}
}

func TestValidateAndQuickValidate(t *testing.T) {
	o := testOrchestrator(t, okEngine(), Config{})

	v, err := o.Validate(context.Background(), "eval(x)", analyzer.LangPython)
	if err != nil {
		t.Fatal(err)
	}
	if v.IsValid {
		t.Error("eval must not validate")
	}

	q, err := o.QuickValidate("require('child_process').exec('ls')", analyzer.LangJavaScript)
	if err != nil {
		t.Fatal(err)
	}
	if q.IsValid {
		t.Error("child_process access must fail quick validation")
	}
}

func TestStateTransitions(t *testing.T) {
	mock := okEngine()
	mock.block = make(chan struct{})
	o := testOrchestrator(t, mock, Config{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.Execute(context.Background(), Request{Language: "python", Code: "x = 1"})
	}()

	deadline := time.After(time.Second)
	for o.State() != StateExecuting {
		select {
		case <-deadline:
			t.Fatal("never observed executing state")
		case <-time.After(time.Millisecond):
		}
	}
	close(mock.block)
	<-done

	if o.State() != StateIdle {
		t.Errorf("State = %s, want idle", o.State())
	}
}
