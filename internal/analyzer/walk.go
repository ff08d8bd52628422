package analyzer

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// dialect maps a grammar's node type names onto the closed set of kinds the
// metric walk cares about. Keeping this as data means one walk serves every
// language.
type dialect struct {
	functions map[string]bool
	classes   map[string]bool
	imports   map[string]bool
	loops     map[string]string // node type -> loop kind
	calls     map[string]bool
	breakStmt string
}

var pythonDialect = dialect{
	functions: set("function_definition", "lambda"),
	classes:   set("class_definition"),
	imports:   set("import_statement", "import_from_statement"),
	loops: map[string]string{
		"for_statement":   LoopFor,
		"while_statement": LoopWhile,
	},
	calls:     set("call"),
	breakStmt: "break_statement",
}

var ecmaDialect = dialect{
	functions: set(
		"function_declaration", "function_expression", "function",
		"arrow_function", "method_definition", "generator_function",
		"generator_function_declaration",
	),
	classes: set("class_declaration", "class"),
	imports: set("import_statement"),
	loops: map[string]string{
		"for_statement":    LoopFor,
		"for_in_statement": LoopFor,
		"while_statement":  LoopWhile,
		"do_statement":     LoopDoWhile,
	},
	calls:     set("call_expression", "new_expression"),
	breakStmt: "break_statement",
}

func dialectFor(lang Language) dialect {
	if lang == LangPython {
		return pythonDialect
	}
	return ecmaDialect
}

func set(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// extract walks the tree once, incrementing counters per node kind.
func extract(root *sitter.Node, src []byte, d dialect, m *Metrics) {
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		kind := n.Type()
		switch {
		case d.functions[kind]:
			m.Functions++
			m.Complexity++
		case d.classes[kind]:
			m.Classes++
			m.Complexity++
		case d.imports[kind]:
			m.Imports++
		case d.calls[kind]:
			if ci, ok := callInfo(n, src); ok {
				m.Calls = append(m.Calls, ci)
			}
		default:
			if loopKind, ok := d.loops[kind]; ok {
				m.Complexity++
				m.Loops = append(m.Loops, loopInfo(n, src, loopKind, d))
			}
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(root)
}

func callInfo(n *sitter.Node, src []byte) (CallInfo, bool) {
	target := n.ChildByFieldName("function")
	prefix := ""
	if target == nil {
		// new_expression names its callee "constructor".
		target = n.ChildByFieldName("constructor")
		prefix = "new "
	}
	if target == nil {
		return CallInfo{}, false
	}

	args := 0
	if argList := n.ChildByFieldName("arguments"); argList != nil {
		args = int(argList.NamedChildCount())
	}

	return CallInfo{
		Name:     prefix + target.Content(src),
		Line:     int(n.StartPoint().Row) + 1,
		Column:   int(n.StartPoint().Column),
		ArgCount: args,
	}, true
}

func loopInfo(n *sitter.Node, src []byte, kind string, d dialect) LoopInfo {
	info := LoopInfo{
		Kind:   kind,
		Line:   int(n.StartPoint().Row) + 1,
		Column: int(n.StartPoint().Column),
	}

	if body := n.ChildByFieldName("body"); body != nil {
		info.HasBreak = containsBreak(body, d.breakStmt)
	}

	switch n.Type() {
	case "while_statement", "do_statement":
		cond := unwrapParens(n.ChildByFieldName("condition"))
		info.IsInfinite = isLiteralTrue(cond, src) && !info.HasBreak
	case "for_statement":
		// Python's for_statement is a for-in loop; it has a "left" field and
		// cannot be infinite by the literal-condition rule.
		if n.ChildByFieldName("left") != nil {
			break
		}
		init := n.ChildByFieldName("initializer")
		cond := unwrapParens(n.ChildByFieldName("condition"))
		inc := n.ChildByFieldName("increment")
		if emptyClause(init) && emptyClause(cond) && emptyClause(inc) {
			info.IsInfinite = !info.HasBreak
		} else if cond != nil && isLiteralTrue(cond, src) {
			info.IsInfinite = !info.HasBreak
		}
	}
	return info
}

// containsBreak reports whether a break statement exists lexically anywhere
// inside the subtree. Reachability is syntactic, not flow-sensitive.
func containsBreak(n *sitter.Node, breakType string) bool {
	if n.Type() == breakType {
		return true
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if containsBreak(n.NamedChild(i), breakType) {
			return true
		}
	}
	return false
}

func unwrapParens(n *sitter.Node) *sitter.Node {
	for n != nil && (n.Type() == "parenthesized_expression" || n.Type() == "expression_statement") {
		if n.NamedChildCount() == 0 {
			return nil
		}
		n = n.NamedChild(0)
	}
	return n
}

func emptyClause(n *sitter.Node) bool {
	return n == nil || n.Type() == "empty_statement"
}

func isLiteralTrue(n *sitter.Node, src []byte) bool {
	if n == nil {
		return false
	}
	switch n.Type() {
	case "true":
		return true
	case "integer", "number":
		return strings.TrimSpace(n.Content(src)) != "0"
	default:
		return false
	}
}
