package engine

import (
	"context"
)

// PythonEngine executes Python guests under `python3 -I -B -u` with a
// capability-gating prelude and CPU/address-space rlimits set in-process.
type PythonEngine struct {
	base
}

// NewPythonEngine creates the engine; the interpreter is discovered lazily
// on first Execute.
func NewPythonEngine() *PythonEngine {
	return &PythonEngine{base: base{
		name:     "python",
		ext:      ".py",
		binNames: []string{"python3", "python"},
		// -I isolates from user site/env, -B skips .pyc, -u unbuffers output.
		baseArgs: []string{"-I", "-B", "-u"},
	}}
}

func (p *PythonEngine) Execute(ctx context.Context, req Request) (*Result, error) {
	return p.run(ctx, req, func(r Request, telemetryPath string) (string, []string, error) {
		wrapped, err := renderPrelude(pythonPrelude, preludeData{
			TelePath:       jsonLiteral(telemetryPath),
			InputsJSON:     jsonLiteral(nonNil(r.Inputs)),
			UserCode:       r.Code,
			CPUSeconds:     r.Limits.CPUSeconds(),
			MemBytes:       (r.Limits.MaxMemoryMB + addressSpaceOverheadMB) << 20,
			RecursionDepth: r.Limits.MaxRecursionDepth,
		})
		return wrapped, nil, err
	})
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
