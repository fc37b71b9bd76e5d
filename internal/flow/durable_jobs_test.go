package flow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/testutil"
)

// handover drives the test contact into the human_handover step.
func handover(t *testing.T, h *harness) *models.Contact {
	t.Helper()
	c := h.contact(testContact)
	h.send(textEvent(testContact, "e1", "menu"))
	actions := h.send(replyEvent(testContact, "e2", "talk_to_someone"))
	if len(actions) != 1 || bodyOf(actions[0]) != "Connecting you with our team." {
		t.Fatalf("Expected the pre-handover notice, got %v", bodies(actions))
	}
	return c
}

func TestHandoverFlagsContactAndSchedulesTimeout(t *testing.T) {
	h := newHarness(t)
	c := handover(t, h)
	requestedAt := testNow.Truncate(time.Microsecond)

	updated, err := h.store.GetContact(h.ctx, c.ID)
	if err != nil {
		t.Fatalf("GetContact failed: %v", err)
	}
	if !updated.NeedsHumanIntervention {
		t.Error("Expected the contact to need intervention")
	}
	if updated.InterventionRequestedAt == nil || !updated.InterventionRequestedAt.Equal(requestedAt) {
		t.Errorf("Expected requested at %v, got %v", requestedAt, updated.InterventionRequestedAt)
	}
	if st := h.state(c.ID); st != nil {
		t.Errorf("Expected no state after handover, got %+v", st)
	}

	notes := h.notifier.notifications()
	if len(notes) != 1 {
		t.Fatalf("Expected 1 notification, got %d", len(notes))
	}
	if len(notes[0].Groups) != 1 || notes[0].Groups[0] != "Pastoral Team" {
		t.Errorf("Expected Pastoral Team, got %v", notes[0].Groups)
	}
	if notes[0].ContactID != c.ID || notes[0].StepName != "handover" {
		t.Errorf("Expected notification about %s/handover, got %+v", c.ID, notes[0])
	}

	jobs, err := h.store.ClaimDueJobs(h.ctx, requestedAt.Add(31*time.Minute), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("Expected 1 job, got %d", len(jobs))
	}
	if jobs[0].Kind != JobKindResolveIntervention {
		t.Errorf("Expected %q, got %q", JobKindResolveIntervention, jobs[0].Kind)
	}
	if !jobs[0].RunAt.Equal(requestedAt.Add(30 * time.Minute)) {
		t.Errorf("Expected run at %v, got %v", requestedAt.Add(30*time.Minute), jobs[0].RunAt)
	}
	var p ResolveInterventionPayload
	if err := json.Unmarshal([]byte(jobs[0].PayloadJSON), &p); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if p.ContactID != c.ID || !p.RequestedAt.Equal(requestedAt) {
		t.Errorf("Expected payload for %s at %v, got %+v", c.ID, requestedAt, p)
	}
}

func TestEventsArePausedDuringIntervention(t *testing.T) {
	h := newHarness(t)
	c := handover(t, h)

	actions := h.send(textEvent(testContact, "e3", "menu"))
	if len(actions) != 0 {
		t.Errorf("Expected no actions while paused, got %v", bodies(actions))
	}
	if st := h.state(c.ID); st != nil {
		t.Errorf("Expected no state while paused, got %+v", st)
	}
}

func TestResolveInterventionHandler(t *testing.T) {
	h := newHarness(t)
	c := handover(t, h)
	requestedAt := testNow.Truncate(time.Microsecond)
	h.outbox() // drain the conversation messages

	handler := makeResolveInterventionHandler(h.store)
	payload, _ := json.Marshal(ResolveInterventionPayload{ContactID: c.ID, RequestedAt: requestedAt})
	if err := handler(h.ctx, string(payload)); err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	updated, err := h.store.GetContact(h.ctx, c.ID)
	if err != nil {
		t.Fatalf("GetContact failed: %v", err)
	}
	if updated.NeedsHumanIntervention {
		t.Error("Expected the intervention to be cleared")
	}
	msgs := h.outbox()
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 outbox message, got %d", len(msgs))
	}
	env, err := DecodeOutbound(msgs[0].PayloadJSON)
	if err != nil {
		t.Fatalf("DecodeOutbound failed: %v", err)
	}
	if env.Payload["body"] != MsgTeamUnavailable {
		t.Errorf("Expected %q, got %v", MsgTeamUnavailable, env.Payload["body"])
	}

	// Running again is a no-op.
	if err := handler(h.ctx, string(payload)); err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if msgs := h.outbox(); len(msgs) != 0 {
		t.Errorf("Expected no new messages, got %d", len(msgs))
	}

	// Flows run again once resolved.
	if actions := h.send(textEvent(testContact, "e3", "menu")); len(actions) != 1 {
		t.Errorf("Expected the menu after resolution, got %v", bodies(actions))
	}
}

func TestStaleInterventionJobDoesNotClobberNewerHandover(t *testing.T) {
	h := newHarness(t)
	c := handover(t, h)
	newer := testNow.Add(time.Hour).Truncate(time.Microsecond)
	err := h.store.WithContactTx(h.ctx, c.ID, func(tx store.ContactTx) error {
		return tx.SetIntervention(h.ctx, true, &newer)
	})
	if err != nil {
		t.Fatalf("SetIntervention failed: %v", err)
	}

	payload, _ := json.Marshal(ResolveInterventionPayload{ContactID: c.ID, RequestedAt: testNow.Truncate(time.Microsecond)})
	if err := makeResolveInterventionHandler(h.store)(h.ctx, string(payload)); err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	updated, err := h.store.GetContact(h.ctx, c.ID)
	if err != nil {
		t.Fatalf("GetContact failed: %v", err)
	}
	if !updated.NeedsHumanIntervention {
		t.Error("Expected the newer intervention to stay")
	}
}

func TestResolveInterventionHandlerRejectsBadPayload(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	if err := makeResolveInterventionHandler(s)(context.Background(), "{not json"); err == nil {
		t.Error("Expected an error for a malformed payload")
	}
}

func TestJobRunnerDispatchesRegisteredHandlers(t *testing.T) {
	h := newHarness(t)
	c := handover(t, h)

	runner := store.NewJobRunner(h.store, time.Second)
	RegisterJobHandlers(runner, h.store)

	// The job is due long after testNow; reschedule it into the past.
	payload, _ := json.Marshal(ResolveInterventionPayload{ContactID: c.ID, RequestedAt: testNow.Truncate(time.Microsecond)})
	if _, err := h.store.EnqueueJob(h.ctx, JobKindResolveIntervention, time.Now().Add(-time.Minute), string(payload), ""); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	runner.PollOnce(h.ctx)

	updated, err := h.store.GetContact(h.ctx, c.ID)
	if err != nil {
		t.Fatalf("GetContact failed: %v", err)
	}
	if updated.NeedsHumanIntervention {
		t.Error("Expected the runner to resolve the intervention")
	}
}

func TestStoreJobSchedulerDedupes(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	sched := NewStoreJobScheduler(s)
	job := ScheduledJob{
		Kind:      JobKindResolveIntervention,
		RunAt:     time.Now().Add(time.Hour),
		Payload:   ResolveInterventionPayload{ContactID: "c1", RequestedAt: testNow},
		DedupeKey: "resolve_human_intervention:c1:1",
	}
	first, err := sched.Schedule(context.Background(), job)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	second, err := sched.Schedule(context.Background(), job)
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if first != second {
		t.Errorf("Expected the same job id, got %q and %q", first, second)
	}
}
