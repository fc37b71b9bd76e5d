package models

import "time"

// Contact is the person on the other side of the conversation.
type Contact struct {
	ID                      string         `json:"id"`
	WhatsAppID              string         `json:"whatsapp_id"`
	Name                    string         `json:"name,omitempty"`
	NeedsHumanIntervention  bool           `json:"needs_human_intervention"`
	InterventionRequestedAt *time.Time     `json:"intervention_requested_at,omitempty"`
	CustomFields            map[string]any `json:"custom_fields,omitempty"`
	MemberProfile           map[string]any `json:"member_profile,omitempty"`
	CreatedAt               time.Time      `json:"created_at"`
	UpdatedAt               time.Time      `json:"updated_at"`
}

// Contact fields that flows may never overwrite.
var ProtectedContactFields = map[string]bool{
	"id":          true,
	"pk":          true,
	"whatsapp_id": true,
}

// Member profile fields that flows may never overwrite.
var ProtectedProfileFields = map[string]bool{
	"id":                             true,
	"pk":                             true,
	"contact":                        true,
	"contact_id":                     true,
	"created_at":                     true,
	"updated_at":                     true,
	"last_updated_from_conversation": true,
}

// Attributes exposes the contact to templates as a JSON-like map.
func (c *Contact) Attributes() map[string]any {
	if c == nil {
		return map[string]any{}
	}
	attrs := map[string]any{
		"id":                       c.ID,
		"whatsapp_id":              c.WhatsAppID,
		"name":                     c.Name,
		"needs_human_intervention": c.NeedsHumanIntervention,
		"custom_fields":            c.CustomFields,
	}
	if c.CustomFields == nil {
		attrs["custom_fields"] = map[string]any{}
	}
	if c.InterventionRequestedAt != nil {
		attrs["intervention_requested_at"] = c.InterventionRequestedAt.UTC().Format(time.RFC3339)
	}
	return attrs
}

// Profile returns the member profile map, never nil.
func (c *Contact) Profile() map[string]any {
	if c == nil || c.MemberProfile == nil {
		return map[string]any{}
	}
	return c.MemberProfile
}

// DisplayName returns the contact's name, falling back to the WhatsApp id.
func (c *Contact) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.WhatsAppID
}
