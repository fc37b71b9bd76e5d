package messaging

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// DefaultIntakeWorkers is the number of concurrent intake workers.
const DefaultIntakeWorkers = 4

// EventHandler processes one inbound event.
type EventHandler interface {
	Process(ctx context.Context, ev models.InboundEvent) ([]models.OutputAction, error)
}

// NewOutboxSendFunc returns the outbox callback that delivers queued
// messages through svc.
func NewOutboxSendFunc(svc Service) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		env, err := flow.DecodeOutbound(msg.PayloadJSON)
		if err != nil {
			return fmt.Errorf("outbox message %s: %w", msg.ID, err)
		}
		return svc.Send(ctx, msg.Recipient, env)
	}
}

// RunIntake feeds inbound events into h until events closes or ctx is done.
// Events are sharded by contact over workers, so one contact's events are
// handled in arrival order while different contacts proceed in parallel.
func RunIntake(ctx context.Context, events <-chan models.InboundEvent, h EventHandler, workers int) {
	if workers <= 0 {
		workers = DefaultIntakeWorkers
	}
	shards := make([]chan models.InboundEvent, workers)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan models.InboundEvent, DefaultChannelBufferSize)
		wg.Add(1)
		go func(in <-chan models.InboundEvent) {
			defer wg.Done()
			for ev := range in {
				handle(ctx, h, ev)
			}
		}(shards[i])
	}
	defer func() {
		for _, ch := range shards {
			close(ch)
		}
		wg.Wait()
		slog.Info("RunIntake: stopped")
	}()

	slog.Info("RunIntake: started", "workers", workers)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			select {
			case shards[shardOf(ev.ContactID, workers)] <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func handle(ctx context.Context, h EventHandler, ev models.InboundEvent) {
	actions, err := h.Process(ctx, ev)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		slog.Error("RunIntake: event failed", "contact", ev.ContactID, "eventID", ev.ID, "error", err)
		return
	}
	slog.Debug("RunIntake: event processed", "contact", ev.ContactID, "eventID", ev.ID, "messages", len(actions))
}

func shardOf(contactID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(contactID))
	return int(h.Sum32() % uint32(n))
}

// LogReceipts drains receipts until the channel closes or ctx is done.
func LogReceipts(ctx context.Context, receipts <-chan models.Receipt) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-receipts:
			if !ok {
				return
			}
			slog.Debug("LogReceipts: receipt", "to", r.To, "status", r.Status, "time", r.Time)
		}
	}
}
