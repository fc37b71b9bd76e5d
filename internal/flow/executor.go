package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/template"
)

// User-visible texts. Diagnostic detail is only ever logged.
const (
	MsgTechnicalDifficulties = "I seem to be having some technical difficulties. Please try again in a moment."
	MsgNotUnderstood         = "Sorry, I didn't understand that. Type 'menu' to see what I can help with."
	MsgTeamUnavailable       = "It seems our team is currently unavailable. Type 'menu' to see other options."
)

// DefaultHandoverTimeout is how long a handover waits for staff before the
// intervention is resolved automatically.
const DefaultHandoverTimeout = 30 * time.Minute

// StepRequest is the input of one step execution.
type StepRequest struct {
	Flow    *models.FlowDefinition
	Step    *models.Step
	Event   models.InboundEvent
	Context map[string]any
	Contact *models.Contact
	// ReExecution suppresses the user-facing prompt of question and
	// human_handover steps.
	ReExecution bool
}

// StepResult is the output of one step execution. Actions may contain
// internal clear-state and switch-flow commands for the interpreter.
type StepResult struct {
	Actions []models.OutputAction
	Context map[string]any
	Contact *models.Contact
	Effects Effects
}

// Executor executes single steps.
type Executor struct {
	resolver        *template.Resolver
	composer        *composer
	gateway         PaymentGateway
	adminNumber     string
	handoverTimeout time.Duration
	now             func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithPaymentGateway sets the gateway used by initiate_payment.
func WithPaymentGateway(g PaymentGateway) ExecutorOption {
	return func(e *Executor) {
		e.gateway = g
	}
}

// WithAssetResolver sets the resolver for media asset references.
func WithAssetResolver(a AssetResolver) ExecutorOption {
	return func(e *Executor) {
		e.composer.assets = a
	}
}

// WithPublicBaseURL sets the base URL relative media links are resolved against.
func WithPublicBaseURL(base string) ExecutorOption {
	return func(e *Executor) {
		e.composer.publicBaseURL = strings.TrimSpace(base)
	}
}

// WithAdminNumber sets the number notified when a notification names no
// groups or users.
func WithAdminNumber(number string) ExecutorOption {
	return func(e *Executor) {
		e.adminNumber = strings.TrimSpace(number)
	}
}

// WithHandoverTimeout sets the default human handover timeout.
func WithHandoverTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.handoverTimeout = d
		}
	}
}

// WithExecutorClock overrides the clock used for intervention timestamps.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		e.now = now
	}
}

// NewExecutor creates an Executor rendering templates with resolver.
func NewExecutor(resolver *template.Resolver, opts ...ExecutorOption) *Executor {
	if resolver == nil {
		resolver = template.New()
	}
	e := &Executor{
		resolver:        resolver,
		composer:        &composer{resolver: resolver},
		handoverTimeout: DefaultHandoverTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs req.Step. Configuration problems of the step are logged and
// produce no action for the affected part; they are never returned.
func (e *Executor) Execute(ctx context.Context, sess Session, req StepRequest) StepResult {
	x := &execution{
		Executor: e,
		ctx:      ctx,
		sess:     sess,
		req:      req,
		res: StepResult{
			Context: models.CopyContext(req.Context),
			Contact: req.Contact,
		},
	}
	step := req.Step
	slog.Debug("Executor.Execute", "contact", x.contactID(), "flow", x.flowName(), "step", step.Name, "type", step.Kind, "reExecution", req.ReExecution)

	if step.ConfigErr != nil || step.Config == nil {
		slog.Error("Executor.Execute: step config invalid", "flow", x.flowName(), "step", step.Name, "type", step.Kind, "error", step.ConfigErr)
		switch step.Kind {
		case models.StepEndFlow:
			x.emit(models.ClearStateAction())
		case models.StepHumanHandover:
			x.apologize()
		}
		return x.res
	}

	switch cfg := step.Config.(type) {
	case *models.SendMessageConfig:
		x.send(&cfg.MessageSpec)
	case *models.QuestionConfig:
		x.question(cfg)
	case *models.ActionConfig:
		x.actions(cfg.ActionsToRun)
	case *models.SwitchFlowConfig:
		x.switchFlow(cfg)
	case *models.EndFlowConfig:
		if cfg.MessageConfig != nil {
			x.send(cfg.MessageConfig)
		}
		x.emit(models.ClearStateAction())
	case *models.HumanHandoverConfig:
		x.handover(cfg)
	default:
		slog.Warn("Executor.Execute: unhandled step config", "step", step.Name, "config", fmt.Sprintf("%T", cfg))
	}
	return x.res
}

// execution carries the state of one Execute call.
type execution struct {
	*Executor
	ctx  context.Context
	sess Session
	req  StepRequest
	res  StepResult
}

func (x *execution) contactID() string {
	if x.res.Contact == nil {
		return ""
	}
	return x.res.Contact.ID
}

func (x *execution) recipient() string {
	if x.res.Contact == nil {
		return x.req.Event.ContactID
	}
	return x.res.Contact.WhatsAppID
}

func (x *execution) flowName() string {
	if x.req.Flow == nil {
		return ""
	}
	return x.req.Flow.Name
}

func (x *execution) ns() template.Namespace {
	return template.Namespace{
		Context: x.res.Context,
		Contact: x.res.Contact.Attributes(),
		Profile: x.res.Contact.Profile(),
	}
}

func (x *execution) resolve(v any) any {
	return x.resolver.Resolve(v, x.ns())
}

func (x *execution) resolveString(s string) string {
	return x.resolver.ResolveString(s, x.ns())
}

func (x *execution) emit(a models.OutputAction) {
	x.res.Actions = append(x.res.Actions, a)
}

func (x *execution) apologize() {
	x.emit(models.TextAction(x.recipient(), MsgTechnicalDifficulties))
	x.emit(models.ClearStateAction())
}

// send composes spec and appends it. A spec that yields no payload is
// logged and skipped.
func (x *execution) send(spec *models.MessageSpec) {
	action, err := x.composer.compose(x.ctx, spec, x.recipient(), x.ns())
	if err != nil {
		slog.Warn("Executor.send: no message produced", "flow", x.flowName(), "step", x.req.Step.Name, "error", err)
		return
	}
	x.emit(action)
}

func (x *execution) question(cfg *models.QuestionConfig) {
	if cfg.MessageConfig != nil && !x.req.ReExecution {
		x.send(cfg.MessageConfig)
	}
	x.res.Context[models.ContextAwaitingReply] = models.AwaitingReply{
		VariableName:     cfg.ReplyConfig.SaveToVariable,
		ExpectedType:     cfg.ReplyConfig.ExpectedType,
		ValidationRegex:  cfg.ReplyConfig.ValidationRegex,
		OriginalStepName: x.req.Step.Name,
	}.ToMap()
	slog.Debug("Executor.question: awaiting reply", "step", x.req.Step.Name, "variable", cfg.ReplyConfig.SaveToVariable, "expected", cfg.ReplyConfig.ExpectedType)
}

func (x *execution) switchFlow(cfg *models.SwitchFlowConfig) {
	initial := map[string]any{}
	if cfg.BaseContextVariable != "" {
		if base, ok := x.res.Context[cfg.BaseContextVariable].(map[string]any); ok {
			initial = models.CopyContext(base)
		} else {
			slog.Warn("Executor.switchFlow: base context variable is not an object", "step", x.req.Step.Name, "variable", cfg.BaseContextVariable)
		}
	}
	if len(cfg.InitialContextTemplate) > 0 {
		if resolved, ok := x.resolve(cfg.InitialContextTemplate).(map[string]any); ok {
			for k, v := range resolved {
				initial[k] = v
			}
		}
	}
	if cfg.TriggerKeywordToPass != "" {
		if kw := strings.TrimSpace(x.resolveString(cfg.TriggerKeywordToPass)); kw != "" {
			initial[models.ContextSimulatedTrigger] = kw
		}
	}
	target := strings.TrimSpace(x.resolveString(cfg.TargetFlowName))
	slog.Info("Executor.switchFlow", "contact", x.contactID(), "from", x.flowName(), "to", target)
	x.emit(models.OutputAction{Type: models.OutputSwitchFlow, TargetFlow: target, InitialContext: initial})
}

// handover never leaves the contact mid-handover: any failure ends in an
// apology and a cleared state.
func (x *execution) handover(cfg *models.HumanHandoverConfig) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Executor.handover: recovered from panic", "contact", x.contactID(), "step", x.req.Step.Name, "panic", r)
			x.res.Actions = nil
			x.res.Effects = Effects{}
			x.apologize()
		}
	}()

	if cfg.PreHandoverMessageText != "" && !x.req.ReExecution {
		if text := strings.TrimSpace(x.resolveString(cfg.PreHandoverMessageText)); text != "" {
			x.emit(models.TextAction(x.recipient(), text))
		}
	}

	requestedAt := x.now().UTC().Truncate(time.Microsecond)
	if err := x.sess.SetIntervention(x.ctx, true, &requestedAt); err != nil {
		slog.Error("Executor.handover: set intervention failed", "contact", x.contactID(), "error", err)
		x.res.Actions = nil
		x.apologize()
		return
	}
	if x.res.Contact != nil {
		updated := *x.res.Contact
		updated.NeedsHumanIntervention = true
		updated.InterventionRequestedAt = &requestedAt
		x.res.Contact = &updated
	}

	timeout := x.handoverTimeout
	if cfg.TimeoutMinutes > 0 {
		timeout = time.Duration(cfg.TimeoutMinutes) * time.Minute
	}
	x.res.Effects.Jobs = append(x.res.Effects.Jobs, InterventionTimeoutJob(x.contactID(), requestedAt, timeout))

	text := ""
	if cfg.NotificationDetails != "" {
		text = strings.TrimSpace(x.resolveString(cfg.NotificationDetails))
	}
	if text == "" {
		text = x.handoverSummary()
	}
	x.notify(text, cfg.NotifyGroups, cfg.NotifyUsers)
	x.emit(models.ClearStateAction())
	slog.Info("Executor.handover: contact flagged for human intervention", "contact", x.contactID(), "flow", x.flowName(), "step", x.req.Step.Name)
}

// handoverSummary describes the contact and where they were for staff.
func (x *execution) handoverSummary() string {
	var b strings.Builder
	name := x.req.Event.ContactID
	if x.res.Contact != nil {
		name = fmt.Sprintf("%s (%s)", x.res.Contact.DisplayName(), x.res.Contact.WhatsAppID)
	}
	fmt.Fprintf(&b, "Contact %s requires human assistance.\n", name)
	fmt.Fprintf(&b, "Flow: %s\nStep: %s\n", x.flowName(), x.req.Step.Name)
	if last := lastInput(x.req.Event); last != "" {
		fmt.Fprintf(&b, "Last input: %s\n", last)
	}
	keys := make([]string, 0, len(x.res.Context))
	for k := range x.res.Context {
		if !strings.HasPrefix(k, "_") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, template.Stringify(x.res.Context[k]))
	}
	return strings.TrimRight(b.String(), "\n")
}

// notify queues a staff notification. Without groups or users it falls
// back to the configured admin number.
func (x *execution) notify(text string, groups, users []string) {
	if len(groups) == 0 && len(users) == 0 {
		if x.adminNumber == "" {
			slog.Warn("Executor.notify: no recipients and no admin number configured, dropping notification", "contact", x.contactID(), "step", x.req.Step.Name)
			return
		}
		users = []string{x.adminNumber}
	}
	x.res.Effects.Notifications = append(x.res.Effects.Notifications, models.Notification{
		Groups:    groups,
		Users:     users,
		Text:      text,
		ContactID: x.contactID(),
		FlowName:  x.flowName(),
		StepName:  x.req.Step.Name,
	})
}

// lastInput is a readable rendering of what the contact sent.
func lastInput(ev models.InboundEvent) string {
	switch {
	case ev.IsInternal():
		return ""
	case ev.Text != "":
		return strings.TrimSpace(ev.Text)
	case ev.ReplyTitle != "":
		return ev.ReplyTitle
	case ev.ReplyID != "":
		return ev.ReplyID
	case ev.Media != nil:
		return "[" + ev.Media.Type + "]"
	}
	return string(ev.Kind)
}
