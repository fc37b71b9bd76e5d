// Package template resolves {{ expression }} placeholders in flow
// configuration against the conversation context, the contact and the
// member profile.
package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ErrUndefined is returned by strict lookups when a path does not resolve.
var ErrUndefined = errors.New("undefined template reference")

// maxPasses bounds re-rendering of placeholders produced by substitution.
const maxPasses = 10

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*(.+?)\s*\}\}`)
	simplePathRe  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+|\[\d+\])*$`)
	indexRe       = regexp.MustCompile(`\[(\d+)\]`)
)

// Namespace is the data visible to templates.
type Namespace struct {
	Context map[string]any
	Contact map[string]any
	Profile map[string]any
}

// env merges the namespace into a single expression environment. Context
// variables live at the top level; the reserved names shadow them.
func (ns Namespace) env() map[string]any {
	env := make(map[string]any, len(ns.Context)+4)
	for k, v := range ns.Context {
		env[k] = v
	}
	ctx := ns.Context
	if ctx == nil {
		ctx = map[string]any{}
	}
	env["flow_context"] = ctx
	env["contact"] = orEmpty(ns.Contact)
	env["member_profile"] = orEmpty(ns.Profile)
	env["null"] = nil
	return env
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Resolver renders templates. The zero value is not usable; call New.
type Resolver struct {
	now      func() time.Time
	programs sync.Map // expression -> *vm.Program
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides the clock behind the today() and now_iso() helpers.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// New creates a Resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve renders value leniently. Strings are rendered, maps and slices are
// resolved recursively and everything else is returned unchanged.
func (r *Resolver) Resolve(value any, ns Namespace) any {
	switch v := value.(type) {
	case string:
		return r.renderString(v, ns)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = r.Resolve(item, ns)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = r.Resolve(item, ns)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = r.renderString(item, ns)
		}
		return out
	default:
		return value
	}
}

// ResolveString renders s and always returns a string.
func (r *Resolver) ResolveString(s string, ns Namespace) string {
	return Stringify(r.renderString(s, ns))
}

// renderString renders placeholders in s. A string consisting of exactly one
// placeholder yields the native value. An expression that does not compile
// returns s as-is.
func (r *Resolver) renderString(s string, ns Namespace) any {
	if !strings.Contains(s, "{{") {
		return s
	}
	env := ns.env()
	current := s
	for pass := 0; pass < maxPasses; pass++ {
		if inner, ok := singlePlaceholder(current); ok {
			v, err := r.evalLenient(inner, env)
			if err != nil {
				slog.Warn("Resolver.Resolve: render failed, returning original", "template", s, "error", err)
				return s
			}
			next, isString := v.(string)
			if !isString {
				if v == nil {
					return ""
				}
				return v
			}
			if next == current || !strings.Contains(next, "{{") {
				return next
			}
			current = next
			continue
		}

		var renderErr error
		next := placeholderRe.ReplaceAllStringFunc(current, func(m string) string {
			if renderErr != nil {
				return m
			}
			inner := placeholderRe.FindStringSubmatch(m)[1]
			v, err := r.evalLenient(inner, env)
			if err != nil {
				renderErr = err
				return m
			}
			return Stringify(v)
		})
		if renderErr != nil {
			slog.Warn("Resolver.Resolve: render failed, returning original", "template", s, "error", renderErr)
			return s
		}
		if next == current || !strings.Contains(next, "{{") {
			return next
		}
		current = next
	}
	slog.Warn("Resolver.Resolve: nesting limit reached", "template", s, "passes", maxPasses)
	return current
}

// singlePlaceholder reports whether s is exactly one placeholder and returns
// its expression.
func singlePlaceholder(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	loc := placeholderRe.FindStringSubmatchIndex(trimmed)
	if loc == nil || loc[0] != 0 || loc[1] != len(trimmed) {
		return "", false
	}
	return trimmed[loc[2]:loc[3]], true
}

// evalLenient evaluates one placeholder expression. Plain paths go through
// the path walker so missing keys and bad indexes become nil. Runtime
// failures caused by a missing operand are treated the same way; only a
// broken expression is an error.
func (r *Resolver) evalLenient(expression string, env map[string]any) (any, error) {
	if simplePathRe.MatchString(expression) {
		v, _ := walk(env, expression)
		return v, nil
	}
	program, err := r.program(expression)
	if err != nil {
		return nil, err
	}
	v, err := expr.Run(program, env)
	if err != nil {
		if missingOperand(err) {
			slog.Debug("Resolver.Resolve: undefined operand rendered empty", "expression", expression, "error", err)
			return nil, nil
		}
		return nil, err
	}
	return v, nil
}

// missingOperand reports whether a runtime error came from a nil operand or
// an index past the end rather than from the expression itself.
func missingOperand(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "nil") || strings.Contains(msg, "out of range")
}

// Lookup resolves path strictly. Placeholders inside the path are rendered
// first, so "items[{{ idx }}]" is accepted. It returns ErrUndefined when any
// segment is missing or an index is out of range.
func (r *Resolver) Lookup(path string, ns Namespace) (any, error) {
	p := strings.TrimSpace(path)
	if inner, ok := singlePlaceholder(p); ok {
		p = inner
	} else if strings.Contains(p, "{{") {
		p = strings.TrimSpace(r.ResolveString(p, ns))
	}
	if p == "" {
		return nil, fmt.Errorf("%w: empty path", ErrUndefined)
	}
	env := ns.env()
	if simplePathRe.MatchString(p) {
		v, ok := walk(env, p)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUndefined, p)
		}
		return v, nil
	}
	program, err := r.program(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUndefined, p, err)
	}
	v, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUndefined, p, err)
	}
	if v == nil {
		return nil, fmt.Errorf("%w: %s", ErrUndefined, p)
	}
	return v, nil
}

// program compiles expression once per Resolver. Programs are compiled
// against an empty environment so they do not depend on the value types of
// any one conversation.
func (r *Resolver) program(expression string) (*vm.Program, error) {
	if cached, ok := r.programs.Load(expression); ok {
		return cached.(*vm.Program), nil
	}
	opts := []expr.Option{expr.Env(map[string]any{}), expr.AllowUndefinedVariables()}
	opts = append(opts, r.functions()...)
	program, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, err
	}
	r.programs.Store(expression, program)
	return program, nil
}

// functions are the helpers available in every expression, in addition to
// the expr-lang builtins such as now(), upper() and len().
func (r *Resolver) functions() []expr.Option {
	return []expr.Option{
		expr.Function("default", func(params ...any) (any, error) {
			if len(params) != 2 {
				return nil, fmt.Errorf("default() expects 2 arguments, got %d", len(params))
			}
			if params[0] == nil || params[0] == "" {
				return params[1], nil
			}
			return params[0], nil
		}),
		expr.Function("today", func(params ...any) (any, error) {
			return r.now().Format("2006-01-02"), nil
		}, new(func() string)),
		expr.Function("now_iso", func(params ...any) (any, error) {
			return r.now().UTC().Format(time.RFC3339), nil
		}, new(func() string)),
		expr.Function("str", func(params ...any) (any, error) {
			return Stringify(params[0]), nil
		}, new(func(any) string)),
	}
}

// walk follows a dotted/indexed path such as "a.b[0].c" through root.
func walk(root map[string]any, path string) (any, bool) {
	segments := strings.Split(indexRe.ReplaceAllString(path, ".$1"), ".")
	container := gabs.Wrap(root)
	if !container.Exists(segments...) {
		return nil, false
	}
	return container.Search(segments...).Data(), true
}

// Walk exposes the path walker for callers holding plain JSON-like data.
func Walk(root map[string]any, path string) (any, bool) {
	if root == nil || path == "" {
		return nil, false
	}
	return walk(root, path)
}

// Stringify converts a resolved value to its textual form.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case time.Time:
		return t.Format(time.RFC3339)
	case map[string]any, []any:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	default:
		return fmt.Sprint(v)
	}
}
