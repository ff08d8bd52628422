// Package analyzer parses untrusted source code and extracts structural
// metrics used by the security engine and the execution orchestrator.
//
// Parsing is done with tree-sitter grammars (python, javascript, typescript).
// When the grammar produces a tree that is mostly error nodes, a heuristic
// line scanner takes over and fills the same Metrics shape, so downstream
// consumers never need to know which path ran.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// Language identifies a supported source language.
type Language string

const (
	LangPython     Language = "python"
	LangJavaScript Language = "javascript"
	LangTypeScript Language = "typescript"
)

// ErrUnsupportedLanguage is returned for languages outside the supported set.
// Unlike parse failures, this is a hard failure and is never swallowed.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// ParseLanguage normalizes a language tag from an API request.
func ParseLanguage(s string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "python", "py":
		return LangPython, nil
	case "javascript", "js":
		return LangJavaScript, nil
	case "typescript", "ts":
		return LangTypeScript, nil
	default:
		return "", fmt.Errorf("%w: %q (supported: python, javascript, typescript)", ErrUnsupportedLanguage, s)
	}
}

// Languages returns all supported languages.
func Languages() []Language {
	return []Language{LangPython, LangJavaScript, LangTypeScript}
}

func grammarFor(lang Language) *sitter.Language {
	switch lang {
	case LangPython:
		return python.GetLanguage()
	case LangJavaScript:
		return javascript.GetLanguage()
	case LangTypeScript:
		return typescript.GetLanguage()
	default:
		return nil
	}
}

// Result is the outcome of a single analysis call. It is created fresh per
// call and owned by the caller.
type Result struct {
	Success  bool     `json:"success"`
	Language Language `json:"language"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Metrics  Metrics  `json:"metrics"`

	// tree is retained for rule evaluation; nil when the fallback scanner ran.
	tree   *sitter.Tree
	source []byte
}

// HasAST reports whether a real parse tree backs this result.
func (r *Result) HasAST() bool { return r.tree != nil }

// Root returns the parse tree root, or nil when the fallback scanner ran.
func (r *Result) Root() *sitter.Node {
	if r.tree == nil {
		return nil
	}
	return r.tree.RootNode()
}

// Source returns the analyzed source bytes.
func (r *Result) Source() []byte { return r.source }

// errorNodeTolerance is the fraction of named nodes that may be ERROR or
// MISSING before the tree is considered unusable and the fallback engages.
const errorNodeTolerance = 0.10

// Analyzer turns source code into an analysis Result.
type Analyzer struct{}

// New creates an Analyzer.
func New() *Analyzer { return &Analyzer{} }

// Analyze parses code and extracts metrics. Parse problems are reported
// through the Result (warnings on fallback, Success=false when both paths
// fail); only an unsupported language produces an error.
func (a *Analyzer) Analyze(ctx context.Context, code string, lang Language) (*Result, error) {
	grammar := grammarFor(lang)
	if grammar == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang)
	}

	src := []byte(code)
	res := &Result{Language: lang, source: src}
	res.Metrics.LinesOfCode = countCodeLines(code, lang)
	res.Metrics.Complexity = 1

	parser := sitter.NewParser()
	parser.SetLanguage(grammar)

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err == nil && tree != nil {
		root := tree.RootNode()
		total, bad := countErrorNodes(root)
		if bad == 0 || (total > 0 && float64(bad)/float64(total) <= errorNodeTolerance) {
			if bad > 0 {
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("syntax errors at %d of %d nodes; metrics may be incomplete", bad, total))
			}
			res.tree = tree
			extract(root, src, dialectFor(lang), &res.Metrics)
			res.Success = true
			return res, nil
		}
		log.Debug().
			Str("language", string(lang)).
			Int("error_nodes", bad).
			Int("total_nodes", total).
			Msg("primary parse unusable, engaging fallback scanner")
	}

	// Secondary path: heuristic line scanner.
	res.Warnings = append(res.Warnings,
		"primary parser failed; heuristic analysis used (reduced fidelity)")

	scanErrs := scanFallback(code, lang, &res.Metrics)
	if len(scanErrs) > 0 {
		res.Errors = append(res.Errors, scanErrs...)
		res.Success = false
		res.Metrics = Metrics{LinesOfCode: res.Metrics.LinesOfCode, Complexity: 1}
		return res, nil
	}

	res.Success = true
	return res, nil
}

// countErrorNodes walks the whole tree counting named nodes and how many of
// them are ERROR or MISSING.
func countErrorNodes(n *sitter.Node) (total, bad int) {
	if n == nil {
		return 0, 0
	}
	var walk func(node *sitter.Node)
	walk = func(node *sitter.Node) {
		total++
		if node.Type() == "ERROR" || node.IsMissing() {
			bad++
		}
		for i := 0; i < int(node.NamedChildCount()); i++ {
			walk(node.NamedChild(i))
		}
	}
	walk(n)
	return total, bad
}

func countCodeLines(code string, lang Language) int {
	n := 0
	for _, line := range strings.Split(code, "\n") {
		t := strings.TrimSpace(line)
		if t == "" {
			continue
		}
		if lang == LangPython && strings.HasPrefix(t, "#") {
			continue
		}
		if lang != LangPython && strings.HasPrefix(t, "//") {
			continue
		}
		n++
	}
	return n
}
