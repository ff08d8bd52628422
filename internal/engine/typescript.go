package engine

import (
	"context"
)

// TypeScriptEngine executes TypeScript guests through node's built-in type
// stripping. The wrapper prelude is plain JavaScript, which is valid
// TypeScript, so the Node prelude is shared unchanged.
type TypeScriptEngine struct {
	base
}

// NewTypeScriptEngine creates the engine; node is discovered lazily on
// first Execute.
func NewTypeScriptEngine() *TypeScriptEngine {
	return &TypeScriptEngine{base: base{
		name:     "typescript",
		ext:      ".ts",
		binNames: []string{"node"},
		baseArgs: []string{
			"--disallow-code-generation-from-strings",
			"--experimental-strip-types",
			"--no-warnings",
		},
	}}
}

func (t *TypeScriptEngine) Execute(ctx context.Context, req Request) (*Result, error) {
	return t.run(ctx, req, nodeWrap)
}
