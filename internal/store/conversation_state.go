package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

func (c conn) getState(ctx context.Context, contactID string) (*models.ConversationState, error) {
	var st models.ConversationState
	var contextJSON string
	err := c.queryRow(ctx,
		`SELECT contact_id, flow_name, step_name, context, started_at, updated_at FROM conversation_states WHERE contact_id = ?`,
		contactID,
	).Scan(&st.ContactID, &st.FlowName, &st.StepName, &contextJSON, &st.StartedAt, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug(c.d.name+" GetState not found", "contactID", contactID)
		return nil, nil
	}
	if err != nil {
		slog.Error(c.d.name+" GetState failed", "error", err, "contactID", contactID)
		return nil, fmt.Errorf("get conversation state: %w", err)
	}
	st.Context = decodeJSONMap(contextJSON)
	return &st, nil
}

func (c conn) deleteState(ctx context.Context, contactID string) error {
	if _, err := c.exec(ctx, `DELETE FROM conversation_states WHERE contact_id = ?`, contactID); err != nil {
		slog.Error(c.d.name+" DeleteState failed", "error", err, "contactID", contactID)
		return fmt.Errorf("delete conversation state: %w", err)
	}
	slog.Debug(c.d.name+" DeleteState succeeded", "contactID", contactID)
	return nil
}

// GetState returns the active state for contactID, or nil when idle.
func (s *sqlBase) GetState(ctx context.Context, contactID string) (*models.ConversationState, error) {
	return s.conn().getState(ctx, contactID)
}

// DeleteState removes any active state for contactID.
func (s *sqlBase) DeleteState(ctx context.Context, contactID string) error {
	return s.conn().deleteState(ctx, contactID)
}

func (t *contactTx) State(ctx context.Context) (*models.ConversationState, error) {
	return t.getState(ctx, t.contactID)
}

// SaveState writes the single state row of the contact. The primary key on
// contact_id guarantees at most one row.
func (t *contactTx) SaveState(ctx context.Context, st *models.ConversationState) error {
	now := time.Now().UTC()
	if st.StartedAt.IsZero() {
		st.StartedAt = now
	}
	st.UpdatedAt = now
	st.ContactID = t.contactID

	_, err := t.exec(ctx,
		`INSERT INTO conversation_states (contact_id, flow_name, step_name, context, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (contact_id) DO UPDATE SET
		   flow_name = excluded.flow_name,
		   step_name = excluded.step_name,
		   context = excluded.context,
		   started_at = excluded.started_at,
		   updated_at = excluded.updated_at`,
		t.contactID, st.FlowName, st.StepName, encodeJSON(st.Context), st.StartedAt.UTC(), now,
	)
	if err != nil {
		slog.Error(t.d.name+" SaveState failed", "error", err, "contactID", t.contactID, "flow", st.FlowName, "step", st.StepName)
		return fmt.Errorf("save conversation state: %w", err)
	}
	slog.Debug(t.d.name+" SaveState succeeded", "contactID", t.contactID, "flow", st.FlowName, "step", st.StepName)
	return nil
}

func (t *contactTx) ClearState(ctx context.Context) error {
	return t.deleteState(ctx, t.contactID)
}
