package models

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Package-level validator instance
var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Report json field names so errors match the definition files.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	validate.RegisterStructValidation(validateMessageSpec, MessageSpec{})
	validate.RegisterStructValidation(validateMedia, MediaContent{})
	validate.RegisterStructValidation(validateInteractive, InteractiveContent{})
	validate.RegisterStructValidation(validateActionItem, ActionItem{})
	validate.RegisterStructValidation(validateReplyConfig, ReplyConfig{})
}

// Validate checks v against its struct tags and the registered struct-level
// rules and returns a readable error listing every failing field.
func Validate(v any) error {
	if v == nil {
		return fmt.Errorf("config cannot be nil")
	}
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		msgs := make([]string, 0, len(validationErrors))
		for _, fe := range validationErrors {
			msgs = append(msgs, fmt.Sprintf("field '%s' failed validation (rule: %s)", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("%s", strings.Join(msgs, "; "))
	}
	return err
}

func validateMessageSpec(sl validator.StructLevel) {
	m := sl.Current().Interface().(MessageSpec)
	var present bool
	switch m.MessageType {
	case MessageText:
		present = m.Text != nil
	case MessageImage, MessageDocument, MessageAudio, MessageVideo, MessageSticker:
		present = m.Media() != nil
	case MessageInteractive:
		present = m.Interactive != nil
	case MessageTemplate:
		present = m.Template != nil
	case MessageContacts:
		present = len(m.Contacts) > 0
	case MessageLocation:
		present = m.Location != nil
	default:
		return
	}
	if !present {
		sl.ReportError(m.MessageType, string(m.MessageType), string(m.MessageType), "payload_required", "")
	}
}

func validateMedia(sl validator.StructLevel) {
	m := sl.Current().Interface().(MediaContent)
	if m.AssetRef == "" && m.ID == "" && m.Link == "" {
		sl.ReportError(m.Link, "link", "Link", "media_source_required", "")
	}
}

func validateInteractive(sl validator.StructLevel) {
	ic := sl.Current().Interface().(InteractiveContent)
	switch ic.Type {
	case "button":
		if len(ic.Action.Buttons) == 0 {
			sl.ReportError(ic.Action.Buttons, "buttons", "Buttons", "buttons_required", "")
		}
	case "list":
		if ic.Action.Button == "" {
			sl.ReportError(ic.Action.Button, "button", "Button", "button_label_required", "")
		}
		if len(ic.Action.Sections) == 0 {
			sl.ReportError(ic.Action.Sections, "sections", "Sections", "sections_required", "")
		}
	}
}

func validateReplyConfig(sl validator.StructLevel) {
	rc := sl.Current().Interface().(ReplyConfig)
	if rc.ValidationRegex == "" {
		return
	}
	if _, err := regexp.Compile(rc.ValidationRegex); err != nil {
		sl.ReportError(rc.ValidationRegex, "validation_regex", "ValidationRegex", "regexp", "")
	}
}

// validateActionItem enforces the per-type required fields. Unknown action
// types pass validation; the executor logs and skips them at runtime.
func validateActionItem(sl validator.StructLevel) {
	a := sl.Current().Interface().(ActionItem)
	require := func(ok bool, field string) {
		if !ok {
			sl.ReportError(a.ActionType, field, field, "required_for_"+string(a.ActionType.Canonical()), "")
		}
	}
	switch a.ActionType.Canonical() {
	case ActionSetContextVariable:
		require(a.VariableName != "", "variable_name")
	case ActionUpdateContactField:
		require(a.FieldPath != "", "field_path")
	case ActionUpdateMemberProfile:
		require(len(a.FieldsToUpdate) > 0, "fields_to_update")
	case ActionRecordPayment, ActionInitiatePayment:
		require(a.AmountTemplate != "", "amount_template")
	case ActionRecordSubmission:
		require(a.TextTemplate != "", "text_template")
	case ActionRecordEventBooking:
		require(a.EventIDTemplate != "", "event_id_template")
	case ActionSendAdminNotification:
		require(a.MessageTemplate != "", "message_template")
	case ActionQueryModel:
		require(a.Source != "", "source")
		require(a.VariableName != "", "variable_name")
	case ActionUpdateModelRecord:
		require(a.Source != "", "source")
		require(len(a.FiltersTemplate) > 0, "filters_template")
		require(len(a.UpdatesTemplate) > 0, "updates_template")
	case ActionSwitchFlow:
		require(a.TargetFlowName != "", "target_flow_name")
	}
}
