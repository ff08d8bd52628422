package engine

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"secure-code-sandbox/internal/analyzer"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	for _, lang := range analyzer.Languages() {
		e, err := r.Get(lang)
		if err != nil {
			t.Fatalf("Get(%s) = %v", lang, err)
		}
		if e == nil {
			t.Fatalf("Get(%s) returned nil engine", lang)
		}
	}

	if _, err := r.Get(analyzer.Language("fortran")); !errors.Is(err, analyzer.ErrUnsupportedLanguage) {
		t.Errorf("Get(fortran) = %v, want ErrUnsupportedLanguage", err)
	}

	if got := len(r.Statuses()); got != 3 {
		t.Errorf("Statuses() len = %d, want 3", got)
	}
}

func TestEngineNames(t *testing.T) {
	tests := []struct {
		e    Engine
		want string
		ext  string
	}{
		{NewPythonEngine(), "python", ".py"},
		{NewNodeEngine(), "javascript", ".js"},
		{NewTypeScriptEngine(), "typescript", ".ts"},
	}
	for _, tt := range tests {
		if tt.e.Name() != tt.want {
			t.Errorf("Name() = %q, want %q", tt.e.Name(), tt.want)
		}
		if tt.e.Ready() {
			t.Errorf("%s: Ready() before first Execute should be false", tt.want)
		}
	}
}

func TestDefaultLimits(t *testing.T) {
	l := DefaultLimits()
	if l.MaxMemoryMB != 32 {
		t.Errorf("MaxMemoryMB = %d, want 32", l.MaxMemoryMB)
	}
	if l.MaxCPUTimeMs != 5000 {
		t.Errorf("MaxCPUTimeMs = %d, want 5000", l.MaxCPUTimeMs)
	}
	if l.MaxWallClockMs != 10000 {
		t.Errorf("MaxWallClockMs = %d, want 10000", l.MaxWallClockMs)
	}
	if l.MaxOutputBytes != 10<<20 {
		t.Errorf("MaxOutputBytes = %d, want 10MB", l.MaxOutputBytes)
	}
	if l.MaxNetworkRequests != 10 {
		t.Errorf("MaxNetworkRequests = %d, want 10", l.MaxNetworkRequests)
	}
	if l.MaxDomMutations != 100 {
		t.Errorf("MaxDomMutations = %d, want 100", l.MaxDomMutations)
	}
	if err := l.Validate(); err != nil {
		t.Errorf("DefaultLimits().Validate() = %v, want nil", err)
	}
}

func TestLimits_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Limits)
	}{
		{"memory low", func(l *Limits) { l.MaxMemoryMB = 8 }},
		{"memory high", func(l *Limits) { l.MaxMemoryMB = 4096 }},
		{"cpu low", func(l *Limits) { l.MaxCPUTimeMs = 50 }},
		{"wall below cpu", func(l *Limits) { l.MaxWallClockMs = l.MaxCPUTimeMs - 1 }},
		{"output tiny", func(l *Limits) { l.MaxOutputBytes = 100 }},
		{"recursion low", func(l *Limits) { l.MaxRecursionDepth = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := DefaultLimits()
			tt.mutate(&l)
			if err := l.Validate(); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("Validate() = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestCappedBuffer(t *testing.T) {
	b := newCappedBuffer(10)

	n, err := b.Write([]byte("hello"))
	if n != 5 || err != nil {
		t.Fatalf("Write = (%d, %v)", n, err)
	}
	if b.Truncated() {
		t.Error("not truncated yet")
	}

	b.Write([]byte("world!!!!!"))
	if !b.Truncated() {
		t.Error("should be truncated")
	}
	if !strings.HasPrefix(b.String(), "helloworld") {
		t.Errorf("String() = %q, want helloworld prefix", b.String())
	}
	if !strings.Contains(b.String(), "[output truncated]") {
		t.Errorf("String() = %q, want truncation marker", b.String())
	}
}

func TestFilterGlobals(t *testing.T) {
	in := map[string]any{
		"x":          float64(5),
		"name":       "bob",
		"ok":         true,
		"_hidden":    1,
		"__dunder__": 2,
		"tmp_probe":  3,
		"items":      []any{1.0, 2.0},
	}
	out := filterGlobals(in, []string{"tmp_"})

	if _, ok := out["_hidden"]; ok {
		t.Error("underscore names must be filtered")
	}
	if _, ok := out["tmp_probe"]; ok {
		t.Error("sentinel-prefixed names must be filtered")
	}
	if out["x"] != float64(5) || out["name"] != "bob" || out["ok"] != true {
		t.Errorf("primitives must pass through, got %+v", out)
	}
	if _, isString := out["items"].(string); !isString {
		t.Errorf("composite values must fall back to string form, got %T", out["items"])
	}
}

func TestClassifyFault(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   error
	}{
		{"python recursion", "RecursionError: maximum recursion depth exceeded", ErrRecursionLimit},
		{"v8 stack", "RangeError: Maximum call stack size exceeded", ErrRecursionLimit},
		{"python memory", "MemoryError", ErrMemoryLimit},
		{"v8 heap", "FATAL ERROR: Reached heap limit Allocation failed - JavaScript heap out of memory", ErrMemoryLimit},
		{"clean", "TypeError: boom", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, got := classifyFault(tt.stderr, nil)
			if !errors.Is(got, tt.want) && !(got == nil && tt.want == nil) {
				t.Errorf("classifyFault() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPreludeRendering(t *testing.T) {
	wrapped, args, err := nodeWrap(Request{
		Code:   "console.log(1);",
		Inputs: []string{"alpha", "beta"},
		Limits: DefaultLimits(),
	}, "/tmp/t.json")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`["alpha","beta"]`,
		"/tmp/t.json",
		"console.log(1);",
		"__gatedRequire",
		"dom_mutations",
	} {
		if !strings.Contains(wrapped, want) {
			t.Errorf("node prelude missing %q", want)
		}
	}
	if len(args) != 1 || !strings.Contains(args[0], "--max-old-space-size=32") {
		t.Errorf("node extra args = %v", args)
	}

	py, err := renderPrelude(pythonPrelude, preludeData{
		TelePath:       jsonLiteral("/tmp/t.json"),
		InputsJSON:     jsonLiteral([]string{"x"}),
		UserCode:       "print(2+2)",
		CPUSeconds:     5,
		MemBytes:       1 << 20,
		RecursionDepth: 1000,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"setrecursionlimit(1000)",
		"RLIMIT_CPU, (5, 5)",
		"__gated_import",
		"print(2+2)",
	} {
		if !strings.Contains(py, want) {
			t.Errorf("python prelude missing %q", want)
		}
	}
}

// requireInterpreter skips tests that need a real guest interpreter.
func requireInterpreter(t *testing.T, names ...string) {
	t.Helper()
	for _, n := range names {
		if _, err := exec.LookPath(n); err == nil {
			return
		}
	}
	t.Skipf("interpreter %v not installed", names)
}

func TestPythonEngine_Execute(t *testing.T) {
	requireInterpreter(t, "python3", "python")
	e := NewPythonEngine()

	res, err := e.Execute(context.Background(), Request{
		Code:   "print(2+2)",
		Limits: DefaultLimits(),
	})
	if err != nil {
		t.Fatalf("Execute = %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false, stderr: %s", res.Stderr)
	}
	if res.Output != "4\n" {
		t.Errorf("Output = %q, want %q", res.Output, "4\n")
	}
	if !e.Ready() {
		t.Error("Ready() should be true after Execute")
	}
}

func TestPythonEngine_InputReplay(t *testing.T) {
	requireInterpreter(t, "python3", "python")
	e := NewPythonEngine()

	res, err := e.Execute(context.Background(), Request{
		Code:   "name = input()\nprint('hi ' + name)",
		Inputs: []string{"bob"},
		Limits: DefaultLimits(),
	})
	if err != nil {
		t.Fatalf("Execute = %v", err)
	}
	if res.Output != "bob\nhi bob\n" {
		t.Errorf("Output = %q, want echoed input then greeting", res.Output)
	}
}

func TestPythonEngine_BuiltinRestriction(t *testing.T) {
	requireInterpreter(t, "python3", "python")
	e := NewPythonEngine()

	// Validation would normally block this; the engine gate is independent
	// defense in depth.
	res, err := e.Execute(context.Background(), Request{
		Code:   "eval('1+1')",
		Limits: DefaultLimits(),
	})
	if err != nil {
		t.Fatalf("Execute = %v", err)
	}
	if res.Success {
		t.Error("eval must fail inside the sandbox")
	}
	if !strings.Contains(res.Error, "disabled in the sandbox") {
		t.Errorf("Error = %q, want disabled-in-sandbox message", res.Error)
	}
}

func TestPythonEngine_NetworkBlockedAndCounted(t *testing.T) {
	requireInterpreter(t, "python3", "python")
	e := NewPythonEngine()

	res, err := e.Execute(context.Background(), Request{
		Code: "try:\n    import socket\nexcept ImportError:\n    pass\nprint('done')",
		Limits: DefaultLimits(),
	})
	if err != nil {
		t.Fatalf("Execute = %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false, stderr: %s", res.Stderr)
	}
	if res.Stats.NetworkRequests != 1 {
		t.Errorf("NetworkRequests = %d, want 1", res.Stats.NetworkRequests)
	}
}

func TestPythonEngine_Timeout(t *testing.T) {
	requireInterpreter(t, "python3", "python")
	e := NewPythonEngine()

	limits := DefaultLimits()
	limits.MaxCPUTimeMs = 500
	limits.MaxWallClockMs = 1000

	start := time.Now()
	res, err := e.Execute(context.Background(), Request{
		Code:   "while True:\n    pass",
		Limits: limits,
	})
	elapsed := time.Since(start)

	if !IsResourceFault(err) {
		t.Fatalf("Execute err = %v, want a resource fault", err)
	}
	if res == nil || res.Success {
		t.Fatal("result must be a failure")
	}
	if res.Error == "" {
		t.Error("fault must carry a distinct message")
	}
	// Bounded grace period: watchdog budget plus kill overhead.
	if elapsed > 5*time.Second {
		t.Errorf("took %s, want bounded termination", elapsed)
	}
}

func TestPythonEngine_PartialOutputPreserved(t *testing.T) {
	requireInterpreter(t, "python3", "python")
	e := NewPythonEngine()

	res, err := e.Execute(context.Background(), Request{
		Code:   "print('before')\nraise ValueError('boom')",
		Limits: DefaultLimits(),
	})
	if err != nil {
		t.Fatalf("Execute = %v", err)
	}
	if res.Success {
		t.Error("Success = true, want false")
	}
	if !strings.Contains(res.Output, "before") {
		t.Errorf("partial output discarded: %q", res.Output)
	}
	if !strings.Contains(res.Error, "ValueError") {
		t.Errorf("Error = %q, want normalized ValueError", res.Error)
	}
}

func TestPythonEngine_GlobalsInspection(t *testing.T) {
	requireInterpreter(t, "python3", "python")
	e := NewPythonEngine()

	res, err := e.Execute(context.Background(), Request{
		Code:           "x = 5\nname = 'ada'\n_private = 1\ntmp_probe = 2",
		FilterPrefixes: []string{"tmp_"},
		Limits:         DefaultLimits(),
	})
	if err != nil {
		t.Fatalf("Execute = %v", err)
	}
	if res.Stats.Globals["x"] != float64(5) {
		t.Errorf("Globals[x] = %v, want 5", res.Stats.Globals["x"])
	}
	if res.Stats.Globals["name"] != "ada" {
		t.Errorf("Globals[name] = %v, want ada", res.Stats.Globals["name"])
	}
	if _, ok := res.Stats.Globals["_private"]; ok {
		t.Error("underscore globals must be filtered")
	}
	if _, ok := res.Stats.Globals["tmp_probe"]; ok {
		t.Error("sentinel-prefixed globals must be filtered")
	}
}

func TestNodeEngine_Execute(t *testing.T) {
	requireInterpreter(t, "node")
	e := NewNodeEngine()

	res, err := e.Execute(context.Background(), Request{
		Code:   "console.log(2 + 2);",
		Limits: DefaultLimits(),
	})
	if err != nil {
		t.Fatalf("Execute = %v", err)
	}
	if !res.Success {
		t.Fatalf("Success = false, stderr: %s", res.Stderr)
	}
	if res.Output != "4\n" {
		t.Errorf("Output = %q, want %q", res.Output, "4\n")
	}
}

func TestNodeEngine_DomMutationCounting(t *testing.T) {
	requireInterpreter(t, "node")
	e := NewNodeEngine()

	res, err := e.Execute(context.Background(), Request{
		Code:   "document.title = 'a'; document.body = 'b'; console.log('ok');",
		Limits: DefaultLimits(),
	})
	if err != nil {
		t.Fatalf("Execute = %v", err)
	}
	if res.Stats.DomMutations != 2 {
		t.Errorf("DomMutations = %d, want 2", res.Stats.DomMutations)
	}
}

func TestNodeEngine_FetchBlocked(t *testing.T) {
	requireInterpreter(t, "node")
	e := NewNodeEngine()

	res, err := e.Execute(context.Background(), Request{
		Code:   "fetch('https://example.com');",
		Limits: DefaultLimits(),
	})
	if err != nil {
		t.Fatalf("Execute = %v", err)
	}
	if res.Success {
		t.Error("fetch must fail inside the sandbox")
	}
	if res.Stats.NetworkRequests != 1 {
		t.Errorf("NetworkRequests = %d, want 1", res.Stats.NetworkRequests)
	}
}
