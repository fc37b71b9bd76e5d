package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

// InterventionLister lists contacts currently handed to staff.
type InterventionLister interface {
	ListContactsNeedingIntervention(ctx context.Context) ([]models.Contact, error)
}

// InterventionTimeouts re-arms the timeout job of every open handover.
// Timeout jobs are scheduled after the handover commits, so a crash in
// between leaves a contact paused with nothing to release it. Scheduling is
// deduplicated per handover, so open handovers that still have their job
// are left untouched.
type InterventionTimeouts struct {
	contacts  InterventionLister
	scheduler flow.JobScheduler
	timeout   time.Duration
}

var _ Recoverable = (*InterventionTimeouts)(nil)

// NewInterventionTimeouts creates the recoverable. A non-positive timeout
// uses flow.DefaultHandoverTimeout.
func NewInterventionTimeouts(contacts InterventionLister, scheduler flow.JobScheduler, timeout time.Duration) *InterventionTimeouts {
	if timeout <= 0 {
		timeout = flow.DefaultHandoverTimeout
	}
	return &InterventionTimeouts{contacts: contacts, scheduler: scheduler, timeout: timeout}
}

// RecoverState schedules a timeout job for each open handover.
func (r *InterventionTimeouts) RecoverState(ctx context.Context) error {
	contacts, err := r.contacts.ListContactsNeedingIntervention(ctx)
	if err != nil {
		return fmt.Errorf("list open handovers: %w", err)
	}
	failed := 0
	for _, c := range contacts {
		if c.InterventionRequestedAt == nil {
			slog.Warn("InterventionTimeouts.RecoverState: handover without request time, skipping", "contactID", c.ID)
			continue
		}
		job := flow.InterventionTimeoutJob(c.ID, *c.InterventionRequestedAt, r.timeout)
		id, err := r.scheduler.Schedule(ctx, job)
		if err != nil {
			slog.Error("InterventionTimeouts.RecoverState: schedule failed", "contactID", c.ID, "error", err)
			failed++
			continue
		}
		slog.Debug("InterventionTimeouts.RecoverState: timeout armed", "contactID", c.ID, "job", id, "runAt", job.RunAt)
	}
	slog.Info("InterventionTimeouts.RecoverState: open handovers checked", "count", len(contacts), "failed", failed)
	if failed > 0 {
		return fmt.Errorf("failed to arm %d of %d handover timeouts", failed, len(contacts))
	}
	return nil
}
