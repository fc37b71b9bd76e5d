package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// Job kind constants for durable jobs scheduled by flows.
const (
	JobKindResolveIntervention = "resolve_human_intervention"
)

// ResolveInterventionPayload is the JSON payload for resolve_human_intervention jobs.
// RequestedAt identifies the handover the job belongs to.
type ResolveInterventionPayload struct {
	ContactID   string    `json:"contact_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// InterventionTimeoutJob is the job that ends the handover requested at
// requestedAt once timeout has passed. Its dedupe key is unique per handover.
func InterventionTimeoutJob(contactID string, requestedAt time.Time, timeout time.Duration) ScheduledJob {
	return ScheduledJob{
		Kind:      JobKindResolveIntervention,
		RunAt:     requestedAt.Add(timeout),
		Payload:   ResolveInterventionPayload{ContactID: contactID, RequestedAt: requestedAt},
		DedupeKey: fmt.Sprintf("%s:%s:%d", JobKindResolveIntervention, contactID, requestedAt.UnixMicro()),
	}
}

// JobStore is the persistence a job handler needs.
type JobStore interface {
	WithContactTx(ctx context.Context, contactID string, fn func(tx store.ContactTx) error) error
}

// RegisterJobHandlers registers all flow-related job handlers with the given JobRunner.
func RegisterJobHandlers(runner *store.JobRunner, st JobStore) {
	runner.RegisterHandler(JobKindResolveIntervention, makeResolveInterventionHandler(st))
}

// makeResolveInterventionHandler clears a handover nobody picked up and
// tells the contact. A job whose handover was already resolved, or
// superseded by a newer one, does nothing.
func makeResolveInterventionHandler(st JobStore) store.JobHandler {
	return func(ctx context.Context, payload string) error {
		var p ResolveInterventionPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", JobKindResolveIntervention, err)
		}
		slog.Info("JobHandler.resolve_human_intervention: executing", "contactID", p.ContactID, "requestedAt", p.RequestedAt)

		return st.WithContactTx(ctx, p.ContactID, func(tx store.ContactTx) error {
			c, err := tx.Contact(ctx)
			if err != nil {
				return fmt.Errorf("failed to load contact: %w", err)
			}
			// Idempotency: only the job of the current handover may resolve it
			if !c.NeedsHumanIntervention || c.InterventionRequestedAt == nil || !c.InterventionRequestedAt.Equal(p.RequestedAt) {
				slog.Info("JobHandler.resolve_human_intervention: intervention already resolved, skipping", "contactID", p.ContactID)
				return nil
			}
			if err := tx.SetIntervention(ctx, false, nil); err != nil {
				return fmt.Errorf("failed to clear intervention: %w", err)
			}
			body, err := encodeOutbound(models.TextAction(c.WhatsAppID, MsgTeamUnavailable))
			if err != nil {
				return err
			}
			key := fmt.Sprintf("%s:%s:%d", JobKindResolveIntervention, p.ContactID, p.RequestedAt.UnixMicro())
			if _, err := tx.EnqueueOutbox(ctx, c.WhatsAppID, string(models.MessageText), body, key); err != nil {
				return fmt.Errorf("failed to queue unavailable message: %w", err)
			}
			slog.Info("JobHandler.resolve_human_intervention: intervention timed out", "contactID", p.ContactID)
			return nil
		})
	}
}

// StoreJobScheduler schedules flow jobs in the durable job table.
type StoreJobScheduler struct {
	repo store.JobRepo
}

var _ JobScheduler = (*StoreJobScheduler)(nil)

// NewStoreJobScheduler creates a scheduler backed by repo.
func NewStoreJobScheduler(repo store.JobRepo) *StoreJobScheduler {
	return &StoreJobScheduler{repo: repo}
}

// Schedule encodes the job payload as JSON and enqueues it. Jobs with the
// dedupe key of a pending job return that job's id.
func (s *StoreJobScheduler) Schedule(ctx context.Context, job ScheduledJob) (string, error) {
	data, err := json.Marshal(job.Payload)
	if err != nil {
		return "", fmt.Errorf("invalid %s payload: %w", job.Kind, err)
	}
	id, err := s.repo.EnqueueJob(ctx, job.Kind, job.RunAt, string(data), job.DedupeKey)
	if err != nil {
		return "", err
	}
	slog.Debug("StoreJobScheduler.Schedule", "id", id, "kind", job.Kind, "runAt", job.RunAt)
	return id, nil
}
