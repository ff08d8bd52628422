// Package engine executes validated guest code under enforced CPU, memory,
// wall-clock, recursion and output ceilings.
//
// One engine exists per supported language, all behind the same contract.
// Instead of patching a shared global namespace, each engine wraps the guest
// code with a generated prelude that exposes only a capability-gated set of
// host functions — stdin replay, counted-and-blocked network stubs, gated
// imports — and then runs the wrapped program under the language's own
// interpreter with hardening flags and rlimits.
package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"secure-code-sandbox/internal/analyzer"
)

// Request is one execution job handed to an engine.
type Request struct {
	Code   string
	Inputs []string
	Limits Limits

	// OnStart is invoked with the guest process pid once it is running,
	// letting the caller attach a resource sampler. May be nil.
	OnStart func(pid int)

	// FilterPrefixes are caller-supplied sentinel prefixes stripped from the
	// returned global bindings, on top of the built-in filtering.
	FilterPrefixes []string
}

// GuestStats are counters and bindings reported by the prelude from inside
// the guest.
type GuestStats struct {
	NetworkRequests int            `json:"network_requests"`
	DomMutations    int            `json:"dom_mutations"`
	Globals         map[string]any `json:"globals,omitempty"`
}

// Result is the normalized outcome of one execution. Partial output
// captured before a fault is always preserved.
type Result struct {
	Success    bool       `json:"success"`
	Output     string     `json:"output"`
	Stderr     string     `json:"stderr"`
	Error      string     `json:"error,omitempty"`
	ExitCode   int        `json:"exit_code"`
	DurationMs int64      `json:"duration_ms"`
	Truncated  bool       `json:"truncated,omitempty"`
	Stats      GuestStats `json:"stats"`
}

// Status reports an engine's readiness.
type Status struct {
	Name        string `json:"name"`
	Ready       bool   `json:"ready"`
	Interpreter string `json:"interpreter,omitempty"`
}

// Engine is the per-language execution contract. Implementations are not
// assumed reentrant; callers serialize requests per instance.
type Engine interface {
	Name() string

	// Execute runs guest code. Resource faults return both a partial Result
	// and the matching sentinel error; guest runtime faults are normalized
	// into Result.Error with a nil error.
	Execute(ctx context.Context, req Request) (*Result, error)

	// Ready reports whether the engine's interpreter has been discovered.
	// Execute before readiness awaits initialization instead of failing.
	Ready() bool

	Status() Status
}

// lazyInit performs one-time asynchronous initialization on first use.
type lazyInit struct {
	mu      sync.Mutex
	started bool
	done    chan struct{}
	ok      atomic.Bool
	err     error
}

// start launches init in the background if it has not run yet.
func (l *lazyInit) start(init func() error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return
	}
	l.started = true
	l.done = make(chan struct{})
	go func() {
		err := init()
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		l.ok.Store(err == nil)
		close(l.done)
	}()
}

// wait blocks until initialization finishes or ctx is done.
func (l *lazyInit) wait(ctx context.Context) error {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done == nil {
		return ErrNotAvailable
	}
	select {
	case <-done:
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *lazyInit) ready() bool { return l.ok.Load() }

// Registry maps languages to their engine implementations.
type Registry struct {
	engines map[analyzer.Language]Engine
}

// NewRegistry creates a registry with all supported engines.
func NewRegistry() *Registry {
	r := &Registry{engines: make(map[analyzer.Language]Engine)}
	r.Register(analyzer.LangPython, NewPythonEngine())
	r.Register(analyzer.LangJavaScript, NewNodeEngine())
	r.Register(analyzer.LangTypeScript, NewTypeScriptEngine())
	return r
}

// Register adds an engine for a language.
func (r *Registry) Register(lang analyzer.Language, e Engine) {
	r.engines[lang] = e
}

// Get returns the engine for the given language.
func (r *Registry) Get(lang analyzer.Language) (Engine, error) {
	e, ok := r.engines[lang]
	if !ok {
		return nil, analyzer.ErrUnsupportedLanguage
	}
	return e, nil
}

// Statuses reports the status of every registered engine.
func (r *Registry) Statuses() []Status {
	out := make([]Status, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, e.Status())
	}
	return out
}
