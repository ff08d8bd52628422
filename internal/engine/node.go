package engine

import (
	"context"
	"fmt"
)

// NodeEngine executes JavaScript guests under node with V8 hardening flags.
// Code generation from strings is disabled at the VM level, so eval and the
// Function constructor are dead even if the prelude gate were bypassed.
type NodeEngine struct {
	base
}

// NewNodeEngine creates the engine; node is discovered lazily on first
// Execute.
func NewNodeEngine() *NodeEngine {
	return &NodeEngine{base: base{
		name:     "javascript",
		ext:      ".js",
		binNames: []string{"node"},
		baseArgs: []string{"--disallow-code-generation-from-strings"},
	}}
}

func (n *NodeEngine) Execute(ctx context.Context, req Request) (*Result, error) {
	return n.run(ctx, req, nodeWrap)
}

func nodeWrap(r Request, telemetryPath string) (string, []string, error) {
	wrapped, err := renderPrelude(nodePrelude, preludeData{
		TelePath:   jsonLiteral(telemetryPath),
		InputsJSON: jsonLiteral(nonNil(r.Inputs)),
		UserCode:   r.Code,
	})
	// V8's old-space ceiling is the effective guest memory limit; recursion
	// depth maps onto the stack via the default V8 limit, with RangeError
	// normalized by classifyFault.
	args := []string{fmt.Sprintf("--max-old-space-size=%d", r.Limits.MaxMemoryMB)}
	return wrapped, args, err
}
