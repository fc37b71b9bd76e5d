package condition

import (
	"testing"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

func textEvent(body string) models.InboundEvent {
	return models.InboundEvent{ContactID: "c1", Kind: models.EventText, Text: body}
}

func baseInput(ev models.InboundEvent) Input {
	return Input{
		Event: ev,
		Context: map[string]any{
			"selected_menu_option": "giving",
			"age":                  "42",
			"score":                7.5,
			"tags":                 []any{"youth", "choir"},
			"note":                 "needs a ride",
			"items":                []any{"a", "b"},
			"empty":                "",
		},
		Contact: map[string]any{"name": "Rudo", "whatsapp_id": "263700000001", "custom_fields": map[string]any{"zone": "north"}},
		Profile: map[string]any{"first_name": "Rudo"},
	}
}

func TestEvaluate(t *testing.T) {
	e := New(nil)

	tests := []struct {
		name string
		cond models.Condition
		ev   models.InboundEvent
		want bool
	}{
		{"always true", models.Condition{Type: models.ConditionAlwaysTrue}, textEvent(""), true},
		{"text equals case insensitive", models.Condition{Type: models.ConditionTextEquals, Value: "Menu"}, textEvent("  menu "), true},
		{"text equals case sensitive", models.Condition{Type: models.ConditionTextEquals, Value: "Menu", CaseSensitive: true}, textEvent("menu"), false},
		{"text equals keyword list", models.Condition{Type: models.ConditionTextEquals, Value: []any{"hi", "hello"}}, textEvent("Hello"), true},
		{"legacy keyword alias", models.Condition{Type: "user_reply_matches_keyword", Keyword: "yes"}, textEvent("YES"), true},
		{"text contains", models.Condition{Type: models.ConditionTextContains, Value: "pray"}, textEvent("I want to PRAY"), true},
		{"text on interactive event", models.Condition{Type: models.ConditionTextEquals, Value: "menu"}, models.InboundEvent{Kind: models.EventInteractive, Text: "menu"}, false},
		{"internal event never has text", models.Condition{Type: models.ConditionTextContains, Value: "x"}, models.InboundEvent{Kind: models.EventInternalFallthrough, Text: "x"}, false},
		{"reply id equals", models.Condition{Type: models.ConditionReplyIDEquals, Value: "trigger_registration_flow"}, models.InboundEvent{Kind: models.EventInteractive, ReplyID: "trigger_registration_flow"}, true},
		{"reply id missing", models.Condition{Type: models.ConditionReplyIDEquals, Value: ""}, textEvent("x"), false},
		{"event kind", models.Condition{Type: models.ConditionEventKindIs, Value: "media"}, models.InboundEvent{Kind: models.EventMedia, Media: &models.MediaRef{Type: "image"}}, true},
		{"event kind by media type", models.Condition{Type: "message_type_is", Value: "image"}, models.InboundEvent{Kind: models.EventMedia, Media: &models.MediaRef{Type: "image"}}, true},
		{"regex anchored at start", models.Condition{Type: models.ConditionTextMatchesRegex, Pattern: `\d+`}, textEvent("12 apples"), true},
		{"regex not at start", models.Condition{Type: models.ConditionTextMatchesRegex, Pattern: `\d+`}, textEvent("apples 12"), false},
		{"invalid regex", models.Condition{Type: models.ConditionTextMatchesRegex, Pattern: `(`}, textEvent("("), false},
		{"variable equals", models.Condition{Type: models.ConditionVariableEquals, VariableName: "selected_menu_option", Value: "giving"}, textEvent(""), true},
		{"variable equals number as string", models.Condition{Type: models.ConditionVariableEquals, VariableName: "score", Value: "7.5"}, textEvent(""), true},
		{"variable equals falls back to contact", models.Condition{Type: models.ConditionVariableEquals, VariableName: "name", Value: "Rudo"}, textEvent(""), true},
		{"variable equals contact prefix", models.Condition{Type: models.ConditionVariableEquals, VariableName: "contact.custom_fields.zone", Value: "north"}, textEvent(""), true},
		{"variable exists", models.Condition{Type: models.ConditionVariableExists, VariableName: "member_profile.first_name"}, textEvent(""), true},
		{"variable exists empty string", models.Condition{Type: models.ConditionVariableExists, VariableName: "empty"}, textEvent(""), false},
		{"variable exists index in range", models.Condition{Type: models.ConditionVariableExists, VariableName: "items[1]"}, textEvent(""), true},
		{"variable exists index past end", models.Condition{Type: models.ConditionVariableExists, VariableName: "items[2]"}, textEvent(""), false},
		{"variable exists missing", models.Condition{Type: models.ConditionVariableExists, VariableName: "member_profile.last_name"}, textEvent(""), false},
		{"variable contains substring", models.Condition{Type: models.ConditionVariableContains, VariableName: "note", Value: "ride"}, textEvent(""), true},
		{"variable contains list member", models.Condition{Type: models.ConditionVariableContains, VariableName: "tags", Value: "choir"}, textEvent(""), true},
		{"variable contains absent", models.Condition{Type: models.ConditionVariableContains, VariableName: "tags", Value: "ushers"}, textEvent(""), false},
		{"less than numeric string", models.Condition{Type: models.ConditionVariableLessThan, VariableName: "age", Value: 50}, textEvent(""), true},
		{"greater than float", models.Condition{Type: models.ConditionVariableGreaterThan, VariableName: "score", Value: "10"}, textEvent(""), false},
		{"less than non numeric", models.Condition{Type: models.ConditionVariableLessThan, VariableName: "note", Value: 5}, textEvent(""), false},
		{"form field equals", models.Condition{Type: models.ConditionFormFieldEquals, FieldPath: "screen.choice", Value: "yes"}, models.InboundEvent{Kind: models.EventFormResponse, FormResponse: map[string]any{"screen": map[string]any{"choice": "yes"}}}, true},
		{"human request default keywords", models.Condition{Type: models.ConditionUserRequestsHuman}, textEvent("Can I talk to an Agent?"), true},
		{"human request custom keywords", models.Condition{Type: models.ConditionUserRequestsHuman, Keywords: []string{"pastor"}}, textEvent("I need help"), false},
		{"unknown type", models.Condition{Type: "moon_phase_is"}, textEvent("x"), false},
		{"variable condition without name", models.Condition{Type: models.ConditionVariableEquals, Value: ""}, textEvent(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.Evaluate(tt.cond, baseInput(tt.ev)); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestQuestionReplyIsValid(t *testing.T) {
	e := New(nil)
	in := baseInput(textEvent("x"))

	in.ReplyAccepted = true
	if !e.Evaluate(models.Condition{Type: models.ConditionQuestionReplyIsValid, Value: true}, in) {
		t.Error("Expected accepted reply to satisfy value=true")
	}
	if e.Evaluate(models.Condition{Type: models.ConditionQuestionReplyIsValid, Value: false}, in) {
		t.Error("Expected accepted reply not to satisfy value=false")
	}

	in.ReplyAccepted = false
	if !e.Evaluate(models.Condition{Type: models.ConditionQuestionReplyIsValid, Value: false}, in) {
		t.Error("Expected missing reply to satisfy value=false")
	}
}

func TestEvaluateNilMapsDoNotPanic(t *testing.T) {
	e := New(nil)
	cond := models.Condition{Type: models.ConditionVariableExists, VariableName: "a.b[3]"}
	if e.Evaluate(cond, Input{Event: textEvent("x")}) {
		t.Error("Expected false for empty input")
	}
}
