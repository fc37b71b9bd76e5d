package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// Processor turns inbound events into outbox messages. Each event is
// handled in one transaction of its contact, so events of the same contact
// never interleave while different contacts proceed in parallel.
type Processor struct {
	store       store.Store
	interpreter *Interpreter
	notifier    Notifier
	scheduler   JobScheduler
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithNotifier sets where staff notifications are delivered.
func WithNotifier(n Notifier) ProcessorOption {
	return func(p *Processor) {
		p.notifier = n
	}
}

// WithJobScheduler overrides the durable job scheduler.
func WithJobScheduler(s JobScheduler) ProcessorOption {
	return func(p *Processor) {
		p.scheduler = s
	}
}

// NewProcessor creates a Processor. Jobs are scheduled in st unless
// WithJobScheduler says otherwise.
func NewProcessor(st store.Store, interpreter *Interpreter, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:       st,
		interpreter: interpreter,
		scheduler:   NewStoreJobScheduler(st),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process handles one inbound event and returns the send actions it
// produced. A replayed event id produces nothing. Failures during
// interpretation are answered with an apology and are not returned; an
// error means the event could not be handled at all.
func (p *Processor) Process(ctx context.Context, ev models.InboundEvent) (actions []models.OutputAction, err error) {
	if err := models.Validate(ev); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	if ev.IsInternal() {
		return nil, fmt.Errorf("invalid event: internal kind %q", ev.Kind)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	contact, created, err := p.store.EnsureContact(ctx, ev.ContactID, strings.TrimSpace(ev.ContactName))
	if err != nil {
		return nil, fmt.Errorf("ensure contact: %w", err)
	}
	if created {
		slog.Info("Processor.Process: new contact", "contactID", contact.ID, "whatsappID", contact.WhatsAppID)
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Processor.Process: recovered from panic", "contactID", contact.ID, "event", ev.ID, "panic", r)
			actions, err = p.fail(ctx, contact, ev), nil
		}
	}()

	var (
		res       *Result
		duplicate bool
	)
	txErr := p.store.WithContactTx(ctx, contact.ID, func(tx store.ContactTx) error {
		fresh, err := tx.RecordInbound(ctx, ev.ID)
		if err != nil {
			return fmt.Errorf("claim event: %w", err)
		}
		if !fresh {
			duplicate = true
			return nil
		}
		res, err = p.interpreter.Run(ctx, tx, ev)
		if err != nil {
			return err
		}
		for i, a := range res.Actions {
			body, err := encodeOutbound(a)
			if err != nil {
				return err
			}
			if _, err := tx.EnqueueOutbox(ctx, a.Recipient, string(a.MessageType), body, fmt.Sprintf("%s:%d", ev.ID, i)); err != nil {
				return fmt.Errorf("queue message %d: %w", i, err)
			}
		}
		return nil
	})
	if txErr != nil {
		slog.Error("Processor.Process: event failed", "contactID", contact.ID, "event", ev.ID, "error", txErr)
		return p.fail(ctx, contact, ev), nil
	}
	if duplicate {
		slog.Info("Processor.Process: duplicate event ignored", "contactID", contact.ID, "event", ev.ID)
		return nil, nil
	}

	p.dispatch(ctx, contact.ID, res.Effects)
	return res.Actions, nil
}

// fail clears the contact's conversation and queues an apology in a fresh
// transaction of the contact, after the failed one has rolled back.
func (p *Processor) fail(ctx context.Context, contact *models.Contact, ev models.InboundEvent) []models.OutputAction {
	apology := models.TextAction(contact.WhatsAppID, MsgTechnicalDifficulties)
	err := p.store.WithContactTx(ctx, contact.ID, func(tx store.ContactTx) error {
		if err := tx.ClearState(ctx); err != nil {
			return fmt.Errorf("clear state: %w", err)
		}
		body, err := encodeOutbound(apology)
		if err != nil {
			return err
		}
		if _, err := tx.EnqueueOutbox(ctx, contact.WhatsAppID, string(apology.MessageType), body, ev.ID+":failed"); err != nil {
			return fmt.Errorf("queue apology: %w", err)
		}
		return nil
	})
	if err != nil {
		slog.Error("Processor.fail: recovery failed", "contactID", contact.ID, "event", ev.ID, "error", err)
	}
	return []models.OutputAction{apology}
}

// dispatch runs the side effects of a committed event. Failures are logged
// only; the conversation has already moved on.
func (p *Processor) dispatch(ctx context.Context, contactID string, eff Effects) {
	if eff.Empty() {
		return
	}
	for _, n := range eff.Notifications {
		if p.notifier == nil {
			slog.Warn("Processor.dispatch: no notifier configured, dropping notification", "contactID", contactID, "groups", n.Groups, "users", n.Users)
			continue
		}
		if err := p.notifier.Notify(ctx, n); err != nil {
			slog.Error("Processor.dispatch: notification failed", "contactID", contactID, "error", err)
		}
	}
	for _, job := range eff.Jobs {
		if p.scheduler == nil {
			slog.Error("Processor.dispatch: no job scheduler configured, dropping job", "contactID", contactID, "kind", job.Kind)
			continue
		}
		id, err := p.scheduler.Schedule(ctx, job)
		if err != nil {
			slog.Error("Processor.dispatch: schedule job failed", "contactID", contactID, "kind", job.Kind, "error", err)
			continue
		}
		slog.Debug("Processor.dispatch: job scheduled", "contactID", contactID, "kind", job.Kind, "jobID", id, "runAt", job.RunAt)
	}
}

// encodeOutbound renders a send action as an outbox payload.
func encodeOutbound(a models.OutputAction) (string, error) {
	data, err := json.Marshal(a.Envelope())
	if err != nil {
		return "", fmt.Errorf("encode %s message: %w", a.MessageType, err)
	}
	return string(data), nil
}

// DecodeOutbound parses an outbox payload written by the processor.
func DecodeOutbound(payloadJSON string) (models.OutboundEnvelope, error) {
	var env models.OutboundEnvelope
	if err := json.Unmarshal([]byte(payloadJSON), &env); err != nil {
		return env, fmt.Errorf("decode outbox payload: %w", err)
	}
	if env.MessageType == "" {
		return env, fmt.Errorf("decode outbox payload: missing message type")
	}
	return env, nil
}
