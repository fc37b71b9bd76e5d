package flow

import (
	"log/slog"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Context keys handed to the recovery flow.
const (
	ContextOriginalFlow    = "original_flow_name"
	ContextOriginalStep    = "original_step_name"
	ContextOriginalContext = "original_context"
	ContextInvalidInput    = "invalid_input_text"
	ContextFallbackTotal   = "fallback_count"
)

// fallback moves the contact into the recovery flow after input at step
// could not be handled. Inside the recovery flow the original position is
// carried over so the contact can still return to it. A second fallback in
// the same event, or a missing recovery flow, ends the conversation.
func (r *run) fallback(flow *models.FlowDefinition, step *models.Step, ev models.InboundEvent) {
	r.fallbacks++
	if r.fallbacks > 1 {
		r.abort("repeated fallback within one event", "flow", flow.Name, "step", step.Name)
		return
	}
	recovery, ok := r.it.registry.Get(r.it.recoveryFlow)
	if !ok || !recovery.IsActive {
		r.abort("recovery flow not available", "flow", r.it.recoveryFlow, "error", ErrFlowNotFound)
		return
	}

	ctx := map[string]any{}
	if r.state != nil {
		ctx = r.state.Context
	}

	initial := map[string]any{ContextInvalidInput: lastInput(ev)}
	if flow.Name == recovery.Name {
		// Already recovering: keep pointing at where things went wrong first.
		count := intValue(ctx[ContextFallbackTotal]) + 1
		original, _ := ctx[ContextOriginalContext].(map[string]any)
		original = models.CopyContext(original)
		if fc, ok := original[models.ContextFallbackCount].(map[string]any); ok {
			original[models.ContextFallbackCount] = map[string]any{"step": fc["step"], "count": count}
		}
		initial[ContextOriginalFlow] = ctx[ContextOriginalFlow]
		initial[ContextOriginalStep] = ctx[ContextOriginalStep]
		initial[ContextOriginalContext] = original
		initial[ContextFallbackTotal] = count
		for _, k := range []string{"fallback_action", "max_retries", "re_prompt_message"} {
			if v, ok := ctx[k]; ok {
				initial[k] = v
			}
		}
	} else {
		count := 1
		if fc, ok := ctx[models.ContextFallbackCount].(map[string]any); ok && fc["step"] == step.Name {
			count = intValue(fc["count"]) + 1
		}
		original := make(map[string]any, len(ctx))
		for k, v := range ctx {
			if !strings.HasPrefix(k, "_") {
				original[k] = v
			}
		}
		original[models.ContextFallbackCount] = map[string]any{"step": step.Name, "count": count}
		initial[ContextOriginalFlow] = flow.Name
		initial[ContextOriginalStep] = step.Name
		initial[ContextOriginalContext] = original
		initial[ContextFallbackTotal] = count
		if q, ok := step.Config.(*models.QuestionConfig); ok && q.FallbackConfig != nil {
			fc := q.FallbackConfig
			initial["fallback_action"] = fc.Action
			initial["max_retries"] = fc.MaxRetries
			if fc.RePromptMessage != "" {
				initial["re_prompt_message"] = r.it.executor.resolver.ResolveString(fc.RePromptMessage, r.namespace())
			}
		}
	}

	slog.Info("Interpreter.fallback: entering recovery flow", "contact", r.contact.ID, "flow", flow.Name, "step", step.Name, "recovery", recovery.Name, "count", initial[ContextFallbackTotal])
	// The recovery flow gets its own step budget; a second fallback aborts.
	r.steps = 0
	r.switchTo(models.OutputAction{Type: models.OutputSwitchFlow, TargetFlow: recovery.Name, InitialContext: initial})
}

// intValue reads a count that may have been through a JSON round trip.
func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
