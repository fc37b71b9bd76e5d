package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/condition"
	"github.com/BTreeMap/FlowPipe/internal/flowdef"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/template"
)

// DefaultMaxIterations bounds the steps executed for one inbound event.
const DefaultMaxIterations = 25

// DefaultRecoveryFlow is the flow the fallback handler switches into.
const DefaultRecoveryFlow = "invalid_input_flow"

// Result is the outcome of interpreting one inbound event.
type Result struct {
	// Actions are the send actions, in order. Internal commands never
	// appear here.
	Actions []models.OutputAction
	// Effects run after the transaction commits.
	Effects Effects
	// State is the persisted state, nil when the contact ended idle.
	State *models.ConversationState
}

// Interpreter advances one contact's conversation per inbound event.
type Interpreter struct {
	registry      *flowdef.Registry
	executor      *Executor
	evaluator     *condition.Evaluator
	replies       *replyValidator
	maxIterations int
	recoveryFlow  string
	now           func() time.Time
}

// InterpreterOption configures an Interpreter.
type InterpreterOption func(*Interpreter)

// WithMaxIterations sets the per-event step budget.
func WithMaxIterations(n int) InterpreterOption {
	return func(it *Interpreter) {
		if n > 0 {
			it.maxIterations = n
		}
	}
}

// WithRecoveryFlow sets the flow entered when input cannot be handled.
func WithRecoveryFlow(name string) InterpreterOption {
	return func(it *Interpreter) {
		if name != "" {
			it.recoveryFlow = name
		}
	}
}

// NewInterpreter creates an Interpreter serving the flows in registry.
func NewInterpreter(registry *flowdef.Registry, executor *Executor, opts ...InterpreterOption) *Interpreter {
	if executor == nil {
		executor = NewExecutor(nil)
	}
	it := &Interpreter{
		registry:      registry,
		executor:      executor,
		replies:       &replyValidator{},
		maxIterations: DefaultMaxIterations,
		recoveryFlow:  DefaultRecoveryFlow,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(it)
	}
	it.evaluator = condition.New(executor.resolver)
	return it
}

// Run processes ev for the contact of tx and persists the resulting state
// through tx. Any panic is turned into a cleared state and an apology.
func (it *Interpreter) Run(ctx context.Context, tx Tx, ev models.InboundEvent) (res *Result, err error) {
	contact, err := tx.Contact(ctx)
	if err != nil {
		return nil, fmt.Errorf("load contact: %w", err)
	}
	r := &run{it: it, ctx: ctx, tx: tx, contact: contact}

	defer func() {
		if p := recover(); p != nil {
			slog.Error("Interpreter.Run: recovered from panic", "contact", contact.ID, "event", ev.ID, "panic", p)
			if cerr := tx.ClearState(ctx); cerr != nil {
				slog.Error("Interpreter.Run: clear state after panic failed", "contact", contact.ID, "error", cerr)
			}
			res = &Result{Actions: []models.OutputAction{models.TextAction(contact.WhatsAppID, MsgTechnicalDifficulties)}}
			err = nil
		}
	}()

	if contact.NeedsHumanIntervention {
		slog.Info("Interpreter.Run: contact awaiting human intervention, flows paused", "contact", contact.ID)
		return &Result{}, nil
	}

	r.state, err = tx.State(ctx)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	r.process(ev)

	if r.state != nil {
		if err := tx.SaveState(ctx, r.state); err != nil {
			return nil, err
		}
	} else if err := tx.ClearState(ctx); err != nil {
		return nil, err
	}
	return &Result{Actions: r.actions, Effects: r.effects, State: r.state}, nil
}

// run is the processing of one event.
type run struct {
	it      *Interpreter
	ctx     context.Context
	tx      Tx
	contact *models.Contact

	state   *models.ConversationState
	actions []models.OutputAction
	effects Effects

	steps     int
	fallbacks int
}

// internal builds a synthetic event for the run's contact.
func (r *run) internal(kind models.EventKind) models.InboundEvent {
	return models.InternalEvent(r.contact.WhatsAppID, kind)
}

func (r *run) say(text string) {
	r.actions = append(r.actions, models.TextAction(r.contact.WhatsAppID, text))
}

// abort clears the conversation and apologizes. It is the exit for missing
// flow or step references.
func (r *run) abort(reason string, args ...any) {
	slog.Error("Interpreter: "+reason, append([]any{"contact", r.contact.ID}, args...)...)
	r.state = nil
	r.say(MsgTechnicalDifficulties)
}

func (r *run) process(ev models.InboundEvent) {
	if r.state == nil {
		flow, step, ok := r.match(ev)
		if !ok {
			slog.Debug("Interpreter: no flow triggered", "contact", r.contact.ID, "kind", ev.Kind)
			r.say(MsgNotUnderstood)
			return
		}
		if r.start(flow, step, map[string]any{}, ev) {
			return
		}
		ev = r.internal(models.EventInternalFallthrough)
	} else if r.state.Context == nil {
		r.state.Context = map[string]any{}
	}

	for {
		flow, ok := r.it.registry.Get(r.state.FlowName)
		if !ok {
			r.abort("flow of state not found", "flow", r.state.FlowName)
			return
		}
		step := flow.Step(r.state.StepName)
		if step == nil {
			r.abort("step of state not found", "flow", flow.Name, "step", r.state.StepName)
			return
		}

		accepted := false
		if step.Kind == models.StepQuestion {
			awaiting, pending := models.AwaitingReplyFromContext(r.state.Context)
			if !pending && !ev.IsInternal() {
				// The descriptor is gone (e.g. the state was edited); re-arm it
				// without prompting and treat this event as the answer.
				res := r.it.executor.Execute(r.ctx, r.tx, StepRequest{Flow: flow, Step: step, Event: ev, Context: r.state.Context, Contact: r.contact, ReExecution: true})
				r.state.Context = res.Context
				awaiting, pending = models.AwaitingReplyFromContext(r.state.Context)
			}
			if ev.IsInternal() {
				return
			}
			if pending {
				value, valid := r.it.replies.validate(awaiting, ev)
				if !valid {
					slog.Info("Interpreter: reply rejected", "contact", r.contact.ID, "flow", flow.Name, "step", step.Name, "expected", awaiting.ExpectedType)
					r.fallback(flow, step, ev)
					return
				}
				if awaiting.VariableName != "" {
					r.state.Context[awaiting.VariableName] = value
				}
				delete(r.state.Context, models.ContextAwaitingReply)
				delete(r.state.Context, models.ContextFallbackCount)
				accepted = true
			}
		}

		next, ok := r.transition(step, ev, accepted)
		if !ok {
			slog.Info("Interpreter: no transition matched", "contact", r.contact.ID, "flow", flow.Name, "step", step.Name)
			r.fallback(flow, step, ev)
			return
		}
		target := flow.Step(next.To)
		if target == nil {
			r.abort("transition target not found", "flow", flow.Name, "step", step.Name, "target", next.To)
			return
		}
		if r.enter(flow, target, ev) {
			return
		}
		ev = r.internal(models.EventInternalFallthrough)
	}
}

// match finds the flow and step an idle contact's event starts.
func (r *run) match(ev models.InboundEvent) (*models.FlowDefinition, *models.Step, bool) {
	if ev.Kind != models.EventText {
		return nil, nil, false
	}
	text := ev.TrimmedText()
	if name, ok := repromptStep(text); ok {
		if flow, ok := r.it.registry.FlowOwningStep(name); ok {
			slog.Info("Interpreter: resuming step from reprompt keyword", "contact", r.contact.ID, "flow", flow.Name, "step", name)
			return flow, flow.Step(name), true
		}
	}
	flow, keyword, ok := r.it.registry.Match(text)
	if !ok {
		return nil, nil, false
	}
	step := flow.EntryStep()
	if step == nil {
		return nil, nil, false
	}
	slog.Info("Interpreter: flow triggered", "contact", r.contact.ID, "flow", flow.Name, "keyword", keyword)
	return flow, step, true
}

// repromptStep extracts the step name of a "reprompt_step_<name>" keyword.
func repromptStep(s string) (string, bool) {
	if len(s) <= len(models.RepromptKeywordPrefix) || !strings.EqualFold(s[:len(models.RepromptKeywordPrefix)], models.RepromptKeywordPrefix) {
		return "", false
	}
	return s[len(models.RepromptKeywordPrefix):], true
}

// transition returns the first transition of step whose condition holds.
func (r *run) transition(step *models.Step, ev models.InboundEvent, accepted bool) (models.Transition, bool) {
	in := condition.Input{
		Event:         ev,
		Context:       r.state.Context,
		Contact:       r.contact.Attributes(),
		Profile:       r.contact.Profile(),
		ReplyAccepted: accepted,
	}
	for _, tr := range step.OrderedTransitions() {
		if r.it.evaluator.Evaluate(tr.Condition, in) {
			slog.Debug("Interpreter: transition matched", "step", step.Name, "to", tr.To, "priority", tr.Priority)
			return tr, true
		}
	}
	return models.Transition{}, false
}

// start replaces any state with a new one at step and executes it. It
// reports whether processing of the event is finished.
func (r *run) start(flow *models.FlowDefinition, step *models.Step, initial map[string]any, ev models.InboundEvent) bool {
	r.state = &models.ConversationState{
		ContactID: r.contact.ID,
		FlowName:  flow.Name,
		StepName:  step.Name,
		Context:   initial,
		StartedAt: r.it.now().UTC(),
	}
	return r.enter(flow, step, ev)
}

// enter moves the state to step, executes it and applies its commands. It
// reports whether processing of the event is finished.
func (r *run) enter(flow *models.FlowDefinition, step *models.Step, ev models.InboundEvent) bool {
	r.steps++
	if r.steps > r.it.maxIterations {
		slog.Error("Interpreter: iteration limit reached", "contact", r.contact.ID, "flow", flow.Name, "step", step.Name, "limit", r.it.maxIterations)
		r.fallback(flow, step, ev)
		return true
	}

	r.state.StepName = step.Name
	res := r.it.executor.Execute(r.ctx, r.tx, StepRequest{Flow: flow, Step: step, Event: ev, Context: r.state.Context, Contact: r.contact})
	r.state.Context = res.Context
	if res.Contact != nil {
		r.contact = res.Contact
	}
	r.effects.merge(res.Effects)

	for _, a := range res.Actions {
		switch a.Type {
		case models.OutputClearState:
			r.state = nil
			return true
		case models.OutputSwitchFlow:
			return r.switchTo(a)
		default:
			r.actions = append(r.actions, a)
		}
	}
	return step.Kind.Pauses()
}

// switchTo replaces the state with one in the target flow and executes the
// first step there right away. A "reprompt_step_<name>" marker in the
// initial context starts at the named step instead of the entry step.
func (r *run) switchTo(a models.OutputAction) bool {
	flow, ok := r.it.registry.Get(a.TargetFlow)
	if !ok || !flow.IsActive {
		r.abort("switch target flow not available", "flow", a.TargetFlow, "error", ErrFlowNotFound)
		return true
	}
	initial := models.CopyContext(a.InitialContext)
	step := flow.EntryStep()
	if marker, _ := initial[models.ContextSimulatedTrigger].(string); marker != "" {
		if name, ok := repromptStep(marker); ok {
			delete(initial, models.ContextSimulatedTrigger)
			if s := flow.Step(name); s != nil {
				step = s
			} else {
				slog.Warn("Interpreter: reprompt step not in target flow, using entry step", "flow", flow.Name, "step", name, "error", ErrStepNotFound)
			}
		}
	}
	if step == nil {
		r.abort("switch target flow has no steps", "flow", flow.Name, "error", ErrStepNotFound)
		return true
	}
	slog.Info("Interpreter: switching flow", "contact", r.contact.ID, "flow", flow.Name, "step", step.Name)
	return r.start(flow, step, initial, r.internal(models.EventInternalSwitchFlow))
}

// namespace is the template view of the current run.
func (r *run) namespace() template.Namespace {
	var ctx map[string]any
	if r.state != nil {
		ctx = r.state.Context
	}
	return template.Namespace{Context: ctx, Contact: r.contact.Attributes(), Profile: r.contact.Profile()}
}
