package models

import "time"

// Reserved context keys written by the interpreter.
const (
	// ContextAwaitingReply holds the AwaitingReply descriptor of a pending question.
	ContextAwaitingReply = "_question_awaiting_reply_for"
	// ContextFallbackCount counts consecutive fallbacks for the same step.
	ContextFallbackCount = "_fallback_count"
	// ContextSimulatedTrigger carries a "reprompt_step_<name>" marker across a flow switch.
	ContextSimulatedTrigger = "simulated_trigger_keyword"
	// RepromptKeywordPrefix prefixes the synthetic keyword that resumes a named step.
	RepromptKeywordPrefix = "reprompt_step_"
)

// ConversationState is the single active position of a contact inside a flow.
type ConversationState struct {
	ContactID string         `json:"contact_id"`
	FlowName  string         `json:"flow_name"`
	StepName  string         `json:"step_name"`
	Context   map[string]any `json:"context,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// AwaitingReply describes the answer a question step is waiting for.
type AwaitingReply struct {
	VariableName     string    `json:"variable_name"`
	ExpectedType     ReplyType `json:"expected_type"`
	ValidationRegex  string    `json:"validation_regex,omitempty"`
	OriginalStepName string    `json:"original_question_step,omitempty"`
}

// ToMap renders the descriptor in its JSON-compatible context form.
func (a AwaitingReply) ToMap() map[string]any {
	m := map[string]any{
		"variable_name":          a.VariableName,
		"expected_type":          string(a.ExpectedType),
		"original_question_step": a.OriginalStepName,
	}
	if a.ValidationRegex != "" {
		m["validation_regex"] = a.ValidationRegex
	}
	return m
}

// AwaitingReplyFromContext extracts a pending descriptor, if any.
func AwaitingReplyFromContext(ctx map[string]any) (AwaitingReply, bool) {
	raw, ok := ctx[ContextAwaitingReply].(map[string]any)
	if !ok {
		return AwaitingReply{}, false
	}
	a := AwaitingReply{}
	a.VariableName, _ = raw["variable_name"].(string)
	if t, ok := raw["expected_type"].(string); ok {
		a.ExpectedType = ReplyType(t)
	}
	a.ValidationRegex, _ = raw["validation_regex"].(string)
	a.OriginalStepName, _ = raw["original_question_step"].(string)
	return a, true
}

// CopyContext returns a shallow copy of a context map, never nil.
func CopyContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		out[k] = v
	}
	return out
}
