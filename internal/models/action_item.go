package models

// ActionType names a sub-action of an action step.
type ActionType string

const (
	ActionSetContextVariable    ActionType = "set_context_variable"
	ActionUpdateContactField    ActionType = "update_contact_field"
	ActionUpdateMemberProfile   ActionType = "update_member_profile"
	ActionRecordPayment         ActionType = "record_payment"
	ActionInitiatePayment       ActionType = "initiate_payment"
	ActionRecordSubmission      ActionType = "record_submission"
	ActionRecordEventBooking    ActionType = "record_event_booking"
	ActionSendAdminNotification ActionType = "send_admin_notification"
	ActionQueryModel            ActionType = "query_model"
	ActionUpdateModelRecord     ActionType = "update_model_record"
	ActionSwitchFlow            ActionType = "switch_flow"
)

var actionAliases = map[ActionType]ActionType{
	"record_prayer_request":          ActionRecordSubmission,
	"initiate_paynow_giving_payment": ActionInitiatePayment,
}

// Canonical resolves legacy aliases to the canonical action type.
func (t ActionType) Canonical() ActionType {
	if c, ok := actionAliases[t]; ok {
		return c
	}
	return t
}

// IsKnown reports whether t (after alias resolution) is a supported sub-action.
func (t ActionType) IsKnown() bool {
	switch t.Canonical() {
	case ActionSetContextVariable, ActionUpdateContactField, ActionUpdateMemberProfile,
		ActionRecordPayment, ActionInitiatePayment, ActionRecordSubmission, ActionRecordEventBooking,
		ActionSendAdminNotification, ActionQueryModel, ActionUpdateModelRecord, ActionSwitchFlow:
		return true
	}
	return false
}

// ActionItem is one sub-action. Fields are shared across action types; the
// struct-level validator checks the ones each type requires.
type ActionItem struct {
	ActionType ActionType `json:"action_type" validate:"required"`

	VariableName   string         `json:"variable_name,omitempty"`
	ValueTemplate  any            `json:"value_template,omitempty"`
	FieldPath      string         `json:"field_path,omitempty"`
	FieldsToUpdate map[string]any `json:"fields_to_update,omitempty"`

	AmountTemplate         string `json:"amount_template,omitempty"`
	PaymentTypeTemplate    string `json:"payment_type_template,omitempty"`
	PaymentMethodTemplate  string `json:"payment_method_template,omitempty"`
	CurrencyTemplate       string `json:"currency_template,omitempty"`
	StatusTemplate         string `json:"status_template,omitempty"`
	PhoneNumberTemplate    string `json:"phone_number_template,omitempty"`
	EmailTemplate          string `json:"email_template,omitempty"`
	ProofOfPaymentTemplate string `json:"proof_of_payment_template,omitempty"`
	NotesTemplate          string `json:"notes_template,omitempty"`

	TextTemplate        string `json:"text_template,omitempty"`
	CategoryTemplate    string `json:"category_template,omitempty"`
	IsAnonymousTemplate any    `json:"is_anonymous_template,omitempty"`

	EventIDTemplate     string `json:"event_id_template,omitempty"`
	TicketCountTemplate string `json:"ticket_count_template,omitempty"`

	MessageTemplate string   `json:"message_template,omitempty"`
	NotifyGroups    []string `json:"notify_groups,omitempty"`
	NotifyUsers     []string `json:"notify_users,omitempty"`

	Source          string         `json:"source,omitempty"`
	FiltersTemplate map[string]any `json:"filters_template,omitempty"`
	OrderBy         []string       `json:"order_by,omitempty"`
	Limit           int            `json:"limit,omitempty" validate:"gte=0"`
	UpdatesTemplate map[string]any `json:"updates_template,omitempty"`

	TargetFlowName         string         `json:"target_flow_name,omitempty"`
	InitialContextTemplate map[string]any `json:"initial_context_template,omitempty"`
}
