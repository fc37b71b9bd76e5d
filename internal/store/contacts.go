package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/google/uuid"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

const contactColumns = `id, whatsapp_id, name, needs_human_intervention, intervention_requested_at, custom_fields, member_profile, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(row rowScanner) (*models.Contact, error) {
	var c models.Contact
	var requestedAt sql.NullTime
	var customFields, profile string
	if err := row.Scan(&c.ID, &c.WhatsAppID, &c.Name, &c.NeedsHumanIntervention, &requestedAt,
		&customFields, &profile, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if requestedAt.Valid {
		t := requestedAt.Time.UTC()
		c.InterventionRequestedAt = &t
	}
	c.CustomFields = decodeJSONMap(customFields)
	c.MemberProfile = decodeJSONMap(profile)
	return &c, nil
}

func (c conn) getContact(ctx context.Context, column, value string) (*models.Contact, error) {
	contact, err := scanContact(c.queryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE `+column+` = ?`, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("contact %s=%s: %w", column, value, ErrNotFound)
	}
	if err != nil {
		slog.Error(c.d.name+" GetContact failed", "error", err, column, value)
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return contact, nil
}

// EnsureContact returns the contact for whatsappID, creating it if needed.
func (s *sqlBase) EnsureContact(ctx context.Context, whatsappID, name string) (*models.Contact, bool, error) {
	c := s.conn()
	now := time.Now().UTC()
	result, err := c.exec(ctx,
		`INSERT INTO contacts (id, whatsapp_id, name, needs_human_intervention, custom_fields, member_profile, created_at, updated_at)
		 VALUES (?, ?, ?, FALSE, '{}', '{}', ?, ?)
		 ON CONFLICT (whatsapp_id) DO NOTHING`,
		uuid.NewString(), whatsappID, name, now, now,
	)
	if err != nil {
		slog.Error(s.d.name+" EnsureContact insert failed", "error", err, "whatsappID", whatsappID)
		return nil, false, fmt.Errorf("ensure contact %s: %w", whatsappID, err)
	}
	n, _ := result.RowsAffected()
	contact, err := c.getContact(ctx, "whatsapp_id", whatsappID)
	if err != nil {
		return nil, false, err
	}
	if n > 0 {
		slog.Info(s.d.name+" EnsureContact created contact", "contactID", contact.ID, "whatsappID", whatsappID)
	}
	return contact, n > 0, nil
}

func (s *sqlBase) GetContact(ctx context.Context, id string) (*models.Contact, error) {
	return s.conn().getContact(ctx, "id", id)
}

// ListContactsNeedingIntervention returns contacts currently handed to staff.
func (s *sqlBase) ListContactsNeedingIntervention(ctx context.Context) ([]models.Contact, error) {
	rows, err := s.conn().query(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE needs_human_intervention = ? ORDER BY intervention_requested_at ASC`, true)
	if err != nil {
		slog.Error(s.d.name+" ListContactsNeedingIntervention failed", "error", err)
		return nil, fmt.Errorf("list contacts needing intervention: %w", err)
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		contacts = append(contacts, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}
	return contacts, nil
}

func (t *contactTx) Contact(ctx context.Context) (*models.Contact, error) {
	return t.getContact(ctx, "id", t.contactID)
}

// SetContactField updates a top-level contact field or a nested custom field.
// "member_profile.<path>" is routed to the member profile.
func (t *contactTx) SetContactField(ctx context.Context, path string, value any) error {
	parts := strings.Split(strings.TrimSpace(path), ".")
	if len(parts) == 0 || parts[0] == "" {
		return fmt.Errorf("empty contact field path")
	}
	if models.ProtectedContactFields[parts[0]] {
		slog.Warn(t.d.name+" SetContactField rejected protected field", "contactID", t.contactID, "field", path)
		return fmt.Errorf("contact field %q is protected", parts[0])
	}

	switch parts[0] {
	case "name":
		if len(parts) != 1 {
			return fmt.Errorf("contact field %q has no nested fields", parts[0])
		}
		name, _ := value.(string)
		_, err := t.exec(ctx, `UPDATE contacts SET name = ?, updated_at = ? WHERE id = ?`, name, time.Now().UTC(), t.contactID)
		if err != nil {
			return fmt.Errorf("update contact name: %w", err)
		}
		return nil
	case "member_profile":
		if len(parts) == 1 {
			fields, ok := value.(map[string]any)
			if !ok {
				return fmt.Errorf("member_profile must be set from a map, got %T", value)
			}
			return t.UpdateMemberProfile(ctx, fields)
		}
		return t.UpdateMemberProfile(ctx, map[string]any{strings.Join(parts[1:], "."): value})
	case "custom_fields":
		contact, err := t.Contact(ctx)
		if err != nil {
			return err
		}
		fields := contact.CustomFields
		if len(parts) == 1 {
			m, ok := value.(map[string]any)
			if !ok {
				return fmt.Errorf("custom_fields must be set from a map, got %T", value)
			}
			fields = m
		} else if fields, err = setPath(fields, parts[1:], value); err != nil {
			return fmt.Errorf("set custom field %s: %w", path, err)
		}
		_, err = t.exec(ctx, `UPDATE contacts SET custom_fields = ?, updated_at = ? WHERE id = ?`,
			encodeJSON(fields), time.Now().UTC(), t.contactID)
		if err != nil {
			return fmt.Errorf("update custom fields: %w", err)
		}
		slog.Debug(t.d.name+" SetContactField succeeded", "contactID", t.contactID, "field", path)
		return nil
	}
	return fmt.Errorf("unknown contact field %q", parts[0])
}

// UpdateMemberProfile merges fields into the profile document.
func (t *contactTx) UpdateMemberProfile(ctx context.Context, fields map[string]any) error {
	contact, err := t.Contact(ctx)
	if err != nil {
		return err
	}
	profile := contact.MemberProfile
	applied := 0
	for key, value := range fields {
		parts := strings.Split(strings.TrimSpace(key), ".")
		if parts[0] == "" || models.ProtectedProfileFields[parts[0]] {
			slog.Warn(t.d.name+" UpdateMemberProfile skipped protected field", "contactID", t.contactID, "field", key)
			continue
		}
		if profile, err = setPath(profile, parts, value); err != nil {
			slog.Warn(t.d.name+" UpdateMemberProfile skipped field", "contactID", t.contactID, "field", key, "error", err)
			continue
		}
		applied++
	}
	if applied == 0 {
		return nil
	}
	profile["last_updated_from_conversation"] = time.Now().UTC().Format(time.RFC3339)

	_, err = t.exec(ctx, `UPDATE contacts SET member_profile = ?, updated_at = ? WHERE id = ?`,
		encodeJSON(profile), time.Now().UTC(), t.contactID)
	if err != nil {
		slog.Error(t.d.name+" UpdateMemberProfile failed", "error", err, "contactID", t.contactID)
		return fmt.Errorf("update member profile: %w", err)
	}
	slog.Debug(t.d.name+" UpdateMemberProfile succeeded", "contactID", t.contactID, "fields", applied)
	return nil
}

func (t *contactTx) SetIntervention(ctx context.Context, needed bool, requestedAt *time.Time) error {
	var at any
	if requestedAt != nil {
		at = requestedAt.UTC()
	}
	_, err := t.exec(ctx,
		`UPDATE contacts SET needs_human_intervention = ?, intervention_requested_at = ?, updated_at = ? WHERE id = ?`,
		needed, at, time.Now().UTC(), t.contactID,
	)
	if err != nil {
		slog.Error(t.d.name+" SetIntervention failed", "error", err, "contactID", t.contactID)
		return fmt.Errorf("set intervention: %w", err)
	}
	slog.Debug(t.d.name+" SetIntervention succeeded", "contactID", t.contactID, "needed", needed)
	return nil
}

// setPath writes value at the nested path inside doc, creating
// intermediate objects as needed.
func setPath(doc map[string]any, path []string, value any) (map[string]any, error) {
	if doc == nil {
		doc = map[string]any{}
	}
	container := gabs.Wrap(doc)
	if _, err := container.Set(value, path...); err != nil {
		return doc, err
	}
	out, ok := container.Data().(map[string]any)
	if !ok {
		return doc, fmt.Errorf("document is not an object")
	}
	return out, nil
}
