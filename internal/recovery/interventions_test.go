package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/testutil"
)

func flagContact(t *testing.T, st store.Store, whatsappID string, at *time.Time) *models.Contact {
	t.Helper()
	ctx := context.Background()
	c, _, err := st.EnsureContact(ctx, whatsappID, "")
	if err != nil {
		t.Fatalf("EnsureContact failed: %v", err)
	}
	err = st.WithContactTx(ctx, c.ID, func(tx store.ContactTx) error {
		return tx.SetIntervention(ctx, true, at)
	})
	if err != nil {
		t.Fatalf("SetIntervention failed: %v", err)
	}
	return c
}

func TestInterventionTimeoutsArmsOpenHandovers(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	ctx := context.Background()
	requested := time.Now().Add(-time.Hour).UTC().Truncate(time.Microsecond)
	contact := flagContact(t, st, "263771234567", &requested)

	r := NewInterventionTimeouts(st, flow.NewStoreJobScheduler(st), 10*time.Minute)
	if err := r.RecoverState(ctx); err != nil {
		t.Fatalf("RecoverState failed: %v", err)
	}
	// A second pass must not add another job for the same handover.
	if err := r.RecoverState(ctx); err != nil {
		t.Fatalf("Second RecoverState failed: %v", err)
	}

	jobs, err := st.ClaimDueJobs(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("Expected one timeout job, got %d", len(jobs))
	}
	if jobs[0].Kind != flow.JobKindResolveIntervention {
		t.Errorf("Expected kind %q, got %q", flow.JobKindResolveIntervention, jobs[0].Kind)
	}
	want := flow.InterventionTimeoutJob(contact.ID, requested, 10*time.Minute).DedupeKey
	if jobs[0].DedupeKey != want {
		t.Errorf("Expected dedupe key %q, got %q", want, jobs[0].DedupeKey)
	}
}

// failingScheduler rejects every job.
type failingScheduler struct{ calls int }

func (s *failingScheduler) Schedule(context.Context, flow.ScheduledJob) (string, error) {
	s.calls++
	return "", errors.New("jobs table missing")
}

func TestInterventionTimeoutsReportsScheduleFailures(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	now := time.Now()
	flagContact(t, st, "263771234567", &now)
	flagContact(t, st, "263779999999", nil)

	sched := &failingScheduler{}
	r := NewInterventionTimeouts(st, sched, 0)
	if err := r.RecoverState(context.Background()); err == nil {
		t.Error("Expected an error when scheduling fails")
	}
	if sched.calls != 1 {
		t.Errorf("Expected only the stamped handover to be scheduled, got %d calls", sched.calls)
	}
}
