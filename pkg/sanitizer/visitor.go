package sanitizer

import "strings"

var blacklistedFunctionsDefault = map[string]bool{
	"eval": true, "exec": true, "compile": true, "__import__": true,
	"execfile": true, "input": true,
}

var blacklistedModules = map[string]bool{
	"os": true, "sys": true, "subprocess": true, "importlib": true,
	"ctypes": true, "cffi": true, "socket": true, "pickle": true,
	"shelve": true, "marshal": true, "builtins": true, "pty": true,
	"termios": true,
}

var blacklistedAttributes = map[string]bool{
	"__class__": true, "__bases__": true, "__mro__": true,
	"__subclasses__": true, "__globals__": true, "__builtins__": true,
	"__code__": true, "__closure__": true, "__dict__": true,
}

var shellArgCallees = map[string]bool{
	"subprocess.call": true, "subprocess.run": true,
	"subprocess.Popen": true, "subprocess.check_output": true,
}

var pathArgCallees = map[string]bool{
	"open": true, "pathlib.Path": true,
}

var protectedPathPrefixes = []string{
	"/etc/", "/sys/", "/proc/", "/root/", "/boot/", "/dev/", "~/.ssh", ".env",
}

// walker visits the parsed statement tree and records violations.
type walker struct {
	result          *Result
	extraFunctions  map[string]bool
}

func (w *walker) isBlacklistedFunction(name string) bool {
	return blacklistedFunctionsDefault[name] || w.extraFunctions[name]
}

func (w *walker) walkStmts(stmts []Stmt) {
	for _, s := range stmts {
		w.walkStmt(s)
	}
}

func (w *walker) walkStmt(s Stmt) {
	switch n := s.(type) {
	case ImportStmt:
		for _, m := range n.Modules {
			root := m
			if idx := strings.IndexByte(m, '.'); idx >= 0 {
				root = m[:idx]
			}
			if blacklistedModules[root] {
				w.result.addViolation("blacklisted_import",
					"import of blacklisted module '"+m+"' is forbidden", n.Line, n.Col)
			}
		}
	case ImportFromStmt:
		root := n.Module
		if idx := strings.IndexByte(n.Module, '.'); idx >= 0 {
			root = n.Module[:idx]
		}
		if blacklistedModules[root] {
			w.result.addViolation("blacklisted_import",
				"import from blacklisted module '"+n.Module+"' is forbidden", n.Line, n.Col)
		}
	case ExprStmt:
		for _, e := range n.Exprs {
			w.walkExpr(e)
		}
	case Block:
		w.walkStmts(n.Stmts)
	}
}

func (w *walker) walkExpr(e Expr) {
	if e == nil {
		return
	}
	switch n := e.(type) {
	case CallExpr:
		w.checkCall(n)
		w.walkExpr(n.Func)
		for _, a := range n.Args {
			w.walkExpr(a)
		}
		for _, kw := range n.Keywords {
			w.walkExpr(kw.Value)
		}
	case AttributeExpr:
		if blacklistedAttributes[n.Attr] {
			w.result.addViolation("blacklisted_attribute",
				"access to dunder attribute '"+n.Attr+"' is forbidden", n.Line, n.Col)
		}
		w.walkExpr(n.Value)
	case ContainerExpr:
		for _, el := range n.Elements {
			w.walkExpr(el)
		}
	case UnaryExpr:
		w.walkExpr(n.Operand)
	case BinaryExpr:
		w.walkExpr(n.Left)
		w.walkExpr(n.Right)
	}
}

func (w *walker) checkCall(call CallExpr) {
	name := resolveCallName(call.Func)

	if w.isBlacklistedFunction(name) {
		w.result.addViolation("blacklisted_call",
			"call to '"+name+"()' is forbidden", call.Line, call.Col)
	}

	if shellArgCallees[name] {
		for _, kw := range call.Keywords {
			if kw.Name != "shell" {
				continue
			}
			if isTruthyLiteral(kw.Value) {
				w.result.addViolation("shell_true",
					"'"+name+"(shell=True)' is forbidden - use explicit argument lists", call.Line, call.Col)
			}
		}
	}

	if pathArgCallees[name] && len(call.Args) > 0 {
		if lit, ok := call.Args[0].(StringLit); ok {
			for _, prefix := range protectedPathPrefixes {
				if strings.HasPrefix(lit.Value, prefix) {
					w.result.addViolation("protected_path",
						"access to protected path '"+lit.Value+"' is forbidden", call.Line, call.Col)
					break
				}
			}
		}
	}
}

// resolveCallName returns a dotted string representation of a call
// target, e.g. "subprocess.run" for subprocess.run(...).
func resolveCallName(e Expr) string {
	switch n := e.(type) {
	case NameExpr:
		return n.Name
	case AttributeExpr:
		parent := resolveCallName(n.Value)
		if parent == "" {
			return n.Attr
		}
		return parent + "." + n.Attr
	default:
		return ""
	}
}

// isTruthyLiteral reports whether e is a literal expression whose truth
// value is unambiguously true, without attempting constant folding of
// arbitrary expressions.
func isTruthyLiteral(e Expr) bool {
	switch n := e.(type) {
	case NameConstant:
		return n.Value == "True"
	case NumberLit:
		return n.Value != "0" && n.Value != "0.0"
	case StringLit:
		return n.Value != ""
	default:
		return false
	}
}
