package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/flowdef"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/template"
	"github.com/BTreeMap/FlowPipe/internal/testutil"
)

func newTestRegistry(t *testing.T) *flowdef.Registry {
	t.Helper()
	reg := flowdef.NewRegistry()
	if _, err := reg.LoadDirInto("testdata"); err != nil {
		t.Fatalf("LoadDirInto failed: %v", err)
	}
	for _, name := range []string{"main_menu", "member_registration", "invalid_input_flow", "looping", "broken_switch", "priorities", "dormant"} {
		if _, ok := reg.Get(name); !ok {
			t.Fatalf("Expected flow %q to be registered", name)
		}
	}
	return reg
}

// recordingNotifier captures notifications.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []models.Notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, note models.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return n.err
}

func (n *recordingNotifier) notifications() []models.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.Notification(nil), n.sent...)
}

// fakeGateway answers every payment with a fixed outcome.
type fakeGateway struct {
	result models.PaymentInitiation
	err    error
	calls  int
}

func (g *fakeGateway) InitiatePayment(_ context.Context, p *models.Payment, _ models.PaymentRequest) (models.PaymentInitiation, error) {
	g.calls++
	out := g.result
	out.PaymentID = p.ID
	return out, g.err
}

var testNow = time.Date(2026, 3, 1, 9, 30, 0, 123456789, time.UTC)

// harness wires a processor over a temp SQLite store and the testdata flows.
type harness struct {
	t           *testing.T
	ctx         context.Context
	store       *store.SQLiteStore
	registry    *flowdef.Registry
	notifier    *recordingNotifier
	interpreter *Interpreter
	processor   *Processor
}

func newHarness(t *testing.T, opts ...InterpreterOption) *harness {
	t.Helper()
	st := testutil.NewSQLiteStore(t)
	reg := newTestRegistry(t)
	notifier := &recordingNotifier{}
	resolver := template.New(template.WithClock(func() time.Time { return testNow }))
	executor := NewExecutor(resolver, WithExecutorClock(func() time.Time { return testNow }))
	interpreter := NewInterpreter(reg, executor, opts...)
	return &harness{
		t:           t,
		ctx:         context.Background(),
		store:       st,
		registry:    reg,
		notifier:    notifier,
		interpreter: interpreter,
		processor:   NewProcessor(st, interpreter, WithNotifier(notifier)),
	}
}

func (h *harness) contact(whatsappID string) *models.Contact {
	h.t.Helper()
	c, _, err := h.store.EnsureContact(h.ctx, whatsappID, "Ada")
	if err != nil {
		h.t.Fatalf("EnsureContact failed: %v", err)
	}
	return c
}

func (h *harness) send(ev models.InboundEvent) []models.OutputAction {
	h.t.Helper()
	actions, err := h.processor.Process(h.ctx, ev)
	if err != nil {
		h.t.Fatalf("Process(%s) failed: %v", ev.ID, err)
	}
	return actions
}

func (h *harness) state(contactID string) *models.ConversationState {
	h.t.Helper()
	st, err := h.store.GetState(h.ctx, contactID)
	if err != nil {
		h.t.Fatalf("GetState failed: %v", err)
	}
	return st
}

func (h *harness) outbox() []store.OutboxMessage {
	h.t.Helper()
	msgs, err := h.store.ClaimDueOutboxMessages(h.ctx, time.Now().Add(time.Hour), 100)
	if err != nil {
		h.t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	return msgs
}

func textEvent(contact, id, text string) models.InboundEvent {
	return models.InboundEvent{ID: id, ContactID: contact, ContactName: "Ada", Kind: models.EventText, Text: text}
}

func replyEvent(contact, id, replyID string) models.InboundEvent {
	return models.InboundEvent{ID: id, ContactID: contact, Kind: models.EventInteractive, ReplyID: replyID, ReplyTitle: replyID}
}

// bodyOf returns the user-visible text of a send action.
func bodyOf(a models.OutputAction) string {
	switch a.MessageType {
	case models.MessageText:
		s, _ := a.Payload["body"].(string)
		return s
	case models.MessageInteractive:
		body, _ := a.Payload["body"].(map[string]any)
		s, _ := body["text"].(string)
		return s
	}
	return ""
}

func bodies(actions []models.OutputAction) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, bodyOf(a))
	}
	return out
}
