// Package condition evaluates transition conditions against an inbound
// event and the conversation data.
package condition

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/template"
)

// DefaultHumanKeywords are matched by user_requests_human when a condition
// lists no keywords of its own.
var DefaultHumanKeywords = []string{"help", "support", "agent", "human", "operator"}

// Input is everything a condition may look at.
type Input struct {
	Event   models.InboundEvent
	Context map[string]any
	Contact map[string]any
	Profile map[string]any
	// ReplyAccepted is true when the event just answered a pending question.
	ReplyAccepted bool
}

func (in Input) namespace() template.Namespace {
	return template.Namespace{Context: in.Context, Contact: in.Contact, Profile: in.Profile}
}

// Evaluator evaluates conditions. It is safe for concurrent use.
type Evaluator struct {
	resolver *template.Resolver
	regexes  sync.Map // pattern -> *regexp.Regexp, or error
}

// New creates an Evaluator that resolves variable paths with resolver.
func New(resolver *template.Resolver) *Evaluator {
	if resolver == nil {
		resolver = template.New()
	}
	return &Evaluator{resolver: resolver}
}

// Evaluate reports whether cond holds for in. Unknown condition types and
// malformed conditions evaluate to false.
func (e *Evaluator) Evaluate(cond models.Condition, in Input) (result bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Evaluator.Evaluate: recovered from panic", "type", cond.Type, "panic", r)
			result = false
		}
	}()

	text := eventText(in.Event)
	switch cond.Type.Canonical() {
	case models.ConditionAlwaysTrue:
		return true
	case models.ConditionTextEquals:
		return e.textEquals(cond, text)
	case models.ConditionTextContains:
		return e.textContains(cond, text)
	case models.ConditionReplyIDEquals:
		return in.Event.ReplyID != "" && in.Event.ReplyID == template.Stringify(cond.Value)
	case models.ConditionEventKindIs:
		return eventKindIs(in.Event, template.Stringify(cond.Value))
	case models.ConditionTextMatchesRegex:
		return e.textMatchesRegex(cond, text)
	case models.ConditionVariableEquals:
		if cond.VariableName == "" {
			return false
		}
		actual, _ := e.lookup(cond.VariableName, in)
		return template.Stringify(actual) == template.Stringify(e.expected(cond.Value, in))
	case models.ConditionVariableExists:
		if cond.VariableName == "" {
			return false
		}
		actual, ok := e.lookup(cond.VariableName, in)
		exists := ok && !isEmpty(actual)
		slog.Debug("Evaluator.Evaluate: variable_exists", "variable", cond.VariableName, "result", exists)
		return exists
	case models.ConditionVariableContains:
		if cond.VariableName == "" {
			return false
		}
		actual, _ := e.lookup(cond.VariableName, in)
		return contains(actual, e.expected(cond.Value, in))
	case models.ConditionVariableLessThan, models.ConditionVariableGreaterThan:
		if cond.VariableName == "" {
			return false
		}
		actual, _ := e.lookup(cond.VariableName, in)
		a, okA := toFloat(actual)
		b, okB := toFloat(e.expected(cond.Value, in))
		if !okA || !okB {
			return false
		}
		if cond.Type.Canonical() == models.ConditionVariableLessThan {
			return a < b
		}
		return a > b
	case models.ConditionFormFieldEquals:
		if in.Event.Kind != models.EventFormResponse || cond.FieldPath == "" {
			return false
		}
		actual, ok := template.Walk(in.Event.FormResponse, cond.FieldPath)
		return ok && template.Stringify(actual) == template.Stringify(cond.Value)
	case models.ConditionQuestionReplyIsValid:
		want := true
		if b, ok := cond.Value.(bool); ok {
			want = b
		}
		return in.ReplyAccepted == want
	case models.ConditionUserRequestsHuman:
		return requestsHuman(cond, text)
	}

	slog.Warn("Evaluator.Evaluate: unknown condition type", "type", cond.Type)
	return false
}

// eventText is the trimmed text body of a genuine text event.
func eventText(ev models.InboundEvent) string {
	if ev.Kind != models.EventText {
		return ""
	}
	return ev.TrimmedText()
}

// keywords collects the literal(s) a text condition compares against.
func keywords(cond models.Condition) []string {
	var out []string
	switch v := cond.Value.(type) {
	case string:
		out = append(out, v)
	case []any:
		for _, item := range v {
			out = append(out, template.Stringify(item))
		}
	case []string:
		out = append(out, v...)
	case nil:
	default:
		out = append(out, template.Stringify(v))
	}
	if cond.Keyword != "" {
		out = append(out, cond.Keyword)
	}
	out = append(out, cond.Keywords...)

	cleaned := out[:0]
	for _, k := range out {
		if k = strings.TrimSpace(k); k != "" {
			cleaned = append(cleaned, k)
		}
	}
	return cleaned
}

func (e *Evaluator) textEquals(cond models.Condition, text string) bool {
	if text == "" {
		return false
	}
	for _, k := range keywords(cond) {
		if cond.CaseSensitive && k == text {
			return true
		}
		if !cond.CaseSensitive && strings.EqualFold(k, text) {
			return true
		}
	}
	return false
}

func (e *Evaluator) textContains(cond models.Condition, text string) bool {
	if text == "" {
		return false
	}
	haystack := text
	if !cond.CaseSensitive {
		haystack = strings.ToLower(text)
	}
	for _, k := range keywords(cond) {
		if !cond.CaseSensitive {
			k = strings.ToLower(k)
		}
		if strings.Contains(haystack, k) {
			return true
		}
	}
	return false
}

func (e *Evaluator) textMatchesRegex(cond models.Condition, text string) bool {
	pattern := cond.Pattern
	if pattern == "" {
		pattern = cond.Regex
	}
	if pattern == "" {
		pattern, _ = cond.Value.(string)
	}
	if pattern == "" || text == "" {
		return false
	}
	re, err := e.compile(pattern)
	if err != nil {
		slog.Error("Evaluator.Evaluate: invalid regex", "pattern", pattern, "error", err)
		return false
	}
	return re.MatchString(text)
}

// compile anchors pattern at the start of the input and caches the result.
// Patterns are case sensitive unless they carry their own (?i) flag.
func (e *Evaluator) compile(pattern string) (*regexp.Regexp, error) {
	if cached, ok := e.regexes.Load(pattern); ok {
		if err, isErr := cached.(error); isErr {
			return nil, err
		}
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile("^(?:" + pattern + ")")
	if err != nil {
		e.regexes.Store(pattern, err)
		return nil, err
	}
	e.regexes.Store(pattern, re)
	return re, nil
}

func eventKindIs(ev models.InboundEvent, want string) bool {
	if want == "" {
		return false
	}
	if string(ev.Kind) == want {
		return true
	}
	return ev.Media != nil && ev.Media.Type == want
}

// lookup resolves a variable path strictly. Paths with an explicit source
// prefix are looked up there; bare paths try the context, then the contact.
func (e *Evaluator) lookup(path string, in Input) (any, bool) {
	ns := in.namespace()
	v, err := e.resolver.Lookup(path, ns)
	if err == nil {
		return v, true
	}
	p := strings.TrimSpace(path)
	if strings.HasPrefix(p, "contact.") || strings.HasPrefix(p, "member_profile.") ||
		strings.HasPrefix(p, "flow_context.") || strings.Contains(p, "{{") {
		return nil, false
	}
	v, err = e.resolver.Lookup("contact."+p, ns)
	if err != nil {
		return nil, false
	}
	return v, true
}

// expected renders templated comparison values.
func (e *Evaluator) expected(v any, in Input) any {
	if s, ok := v.(string); ok && strings.Contains(s, "{{") {
		return e.resolver.Resolve(s, in.namespace())
	}
	return v
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func contains(container, item any) bool {
	if item == nil {
		return false
	}
	switch c := container.(type) {
	case string:
		s, ok := item.(string)
		return ok && strings.Contains(c, s)
	case []any:
		want := template.Stringify(item)
		for _, el := range c {
			if template.Stringify(el) == want {
				return true
			}
		}
	case []string:
		want := template.Stringify(item)
		for _, el := range c {
			if el == want {
				return true
			}
		}
	case map[string]any:
		_, ok := c[template.Stringify(item)]
		return ok
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func requestsHuman(cond models.Condition, text string) bool {
	if text == "" {
		return false
	}
	kws := cond.Keywords
	if len(kws) == 0 {
		kws = DefaultHumanKeywords
	}
	lower := strings.ToLower(text)
	for _, k := range kws {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" && strings.Contains(lower, k) {
			slog.Info("Evaluator.Evaluate: user requested a human", "keyword", k)
			return true
		}
	}
	return false
}
