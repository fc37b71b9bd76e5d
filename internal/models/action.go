package models

// OutputActionType distinguishes genuine sends from internal control commands.
type OutputActionType string

const (
	OutputSendMessage OutputActionType = "send_message"
	OutputClearState  OutputActionType = "internal_clear_state"
	OutputSwitchFlow  OutputActionType = "internal_switch_flow"
)

// OutputAction is a side-effect request produced by the step executor.
// Only send actions ever leave the interpreter.
type OutputAction struct {
	Type           OutputActionType `json:"type"`
	Recipient      string           `json:"recipient,omitempty"`
	MessageType    MessageType      `json:"message_type,omitempty"`
	Payload        map[string]any   `json:"payload,omitempty"`
	TargetFlow     string           `json:"target_flow,omitempty"`
	InitialContext map[string]any   `json:"initial_context,omitempty"`
}

// IsInternal reports whether a is a control command.
func (a OutputAction) IsInternal() bool {
	return a.Type == OutputClearState || a.Type == OutputSwitchFlow
}

// TextAction builds a plain text send action.
func TextAction(recipient, body string) OutputAction {
	return OutputAction{
		Type:        OutputSendMessage,
		Recipient:   recipient,
		MessageType: MessageText,
		Payload:     map[string]any{"body": body},
	}
}

// ClearStateAction builds the internal clear-state command.
func ClearStateAction() OutputAction {
	return OutputAction{Type: OutputClearState}
}

// SendActions filters out internal commands.
func SendActions(actions []OutputAction) []OutputAction {
	var out []OutputAction
	for _, a := range actions {
		if !a.IsInternal() {
			out = append(out, a)
		}
	}
	return out
}

// OutboundEnvelope is the durable form of a send action stored in the
// outbox and decoded by the messaging layer.
type OutboundEnvelope struct {
	MessageType MessageType    `json:"message_type"`
	Payload     map[string]any `json:"payload"`
}

// Envelope returns the outbox form of a send action.
func (a OutputAction) Envelope() OutboundEnvelope {
	return OutboundEnvelope{MessageType: a.MessageType, Payload: a.Payload}
}
