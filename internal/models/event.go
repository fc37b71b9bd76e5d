package models

import (
	"strings"
	"time"
)

// EventKind tags an inbound event.
type EventKind string

const (
	EventText                EventKind = "text"
	EventInteractive         EventKind = "interactive"
	EventMedia               EventKind = "media"
	EventLocation            EventKind = "location"
	EventFormResponse        EventKind = "form_response"
	EventInternalFallthrough EventKind = "internal_fallthrough"
	EventInternalSwitchFlow  EventKind = "internal_switch_flow"
)

// InboundEvent is one message or interaction received for a contact.
// ContactID is the sender's WhatsApp id; ContactName is the profile name
// reported by the transport, used when the contact is first seen.
type InboundEvent struct {
	ID           string         `json:"id,omitempty"`
	ContactID    string         `json:"contact_id" validate:"required"`
	ContactName  string         `json:"contact_name,omitempty"`
	Kind         EventKind      `json:"kind"`
	Text         string         `json:"text,omitempty"`
	ReplyID      string         `json:"reply_id,omitempty"`
	ReplyTitle   string         `json:"reply_title,omitempty"`
	Media        *MediaRef      `json:"media,omitempty"`
	Location     *Coordinates   `json:"location,omitempty"`
	FormResponse map[string]any `json:"form_response,omitempty"`
	ReceivedAt   time.Time      `json:"received_at,omitempty"`
}

// MediaRef points at media received from a contact.
type MediaRef struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	Link     string `json:"link,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// Coordinates is a location shared by a contact.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// IsInternal reports whether the event was synthesized by the interpreter.
func (e InboundEvent) IsInternal() bool {
	return e.Kind == EventInternalFallthrough || e.Kind == EventInternalSwitchFlow
}

// TrimmedText returns the text body without surrounding whitespace.
// Internal events never carry text.
func (e InboundEvent) TrimmedText() string {
	if e.IsInternal() {
		return ""
	}
	return strings.TrimSpace(e.Text)
}

// InternalEvent builds a synthetic event for contactID.
func InternalEvent(contactID string, kind EventKind) InboundEvent {
	return InboundEvent{ContactID: contactID, Kind: kind, ReceivedAt: time.Now()}
}
