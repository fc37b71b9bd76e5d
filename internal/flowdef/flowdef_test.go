package flowdef

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

const sampleYAML = `
name: prayer
is_active: true
priority: 3
trigger_keywords: [pray]
steps:
  - name: ask
    type: question
    is_entry_point: true
    config:
      message_config:
        message_type: text
        text:
          body: "What can we pray for?"
      reply_config:
        save_to_variable: request
        expected_type: text
    transitions:
      - to: done
        condition:
          type: question_reply_is_valid
  - name: done
    type: end_flow
    config:
      message_config:
        message_type: text
        text:
          body: "Thank you."
`

const sampleJSONC = `
// Comments and trailing commas are allowed.
{
  "name": "giving",
  "is_active": true,
  "trigger_keywords": ["give"],
  "steps": [
    {
      "name": "thanks",
      "type": "send_message",
      "is_entry_point": true,
      "config": {"message_type": "text", "text": {"body": "Thank you!"},},
    },
  ],
}
`

func TestParse(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		format string
		flow   string
		steps  int
	}{
		{"yaml", sampleYAML, "yaml", "prayer", 2},
		{"jsonc", sampleJSONC, "jsonc", "giving", 1},
		{"json extension", sampleJSONC, "json", "giving", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flow, err := Parse([]byte(tt.data), tt.format)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if flow.Name != tt.flow {
				t.Errorf("Expected %q, got %q", tt.flow, flow.Name)
			}
			if len(flow.Steps) != tt.steps {
				t.Errorf("Expected %d steps, got %d", tt.steps, len(flow.Steps))
			}
		})
	}

	if _, err := Parse([]byte(sampleYAML), "toml"); err == nil {
		t.Error("Expected an error for an unsupported format")
	}
	if _, err := Parse([]byte("{"), "json"); err == nil {
		t.Error("Expected an error for malformed JSON")
	}
}

func TestCompileDecodesStepConfigs(t *testing.T) {
	flow, err := Parse([]byte(sampleYAML), "yaml")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if problems := Compile(flow); len(problems) != 0 {
		t.Fatalf("Expected no problems, got %v", problems)
	}
	q, ok := flow.Step("ask").Config.(*models.QuestionConfig)
	if !ok {
		t.Fatalf("Expected a question config, got %T", flow.Step("ask").Config)
	}
	if q.ReplyConfig.SaveToVariable != "request" || q.MessageConfig.Text.Body != "What can we pray for?" {
		t.Errorf("Unexpected question config %+v", q)
	}
}

func TestCompileReportsProblems(t *testing.T) {
	flow := &models.FlowDefinition{
		Name: "broken",
		Steps: []*models.Step{
			{Name: "a", Kind: models.StepSendMessage, IsEntryPoint: true, RawConfig: map[string]any{"message_type": "text"},
				Transitions: []models.Transition{{To: "nowhere", Condition: models.Condition{Type: models.ConditionAlwaysTrue}}}},
			{Name: "b", Kind: "teleport"},
			{Name: "b", Kind: models.StepAction, IsEntryPoint: true, RawConfig: map[string]any{
				"actions_to_run": []any{map[string]any{"action_type": "fly"}},
			}, Transitions: []models.Transition{{To: "a", Condition: models.Condition{Type: "moon_is_full"}}}},
			{Name: "c", Kind: models.StepQuestion, RawConfig: map[string]any{"reply_config": map[string]any{"expected_type": "text"}}},
		},
	}
	problems := Compile(flow)

	want := []string{
		`step "a": transitions[0]: unknown target step "nowhere"`,
		`step "b": duplicate step name`,
		`unknown step type "teleport"`,
		`unknown action type "fly"`,
		`unknown condition type "moon_is_full"`,
		`step "c": invalid question config`,
		`2 entry points flagged`,
	}
	var all []string
	for _, p := range problems {
		all = append(all, p.Error())
	}
	joined := strings.Join(all, "\n")
	for _, w := range want {
		if !strings.Contains(joined, w) {
			t.Errorf("Expected a problem containing %q, got:\n%s", w, joined)
		}
	}
	if IsFatal(problems) {
		t.Error("Expected step problems not to be fatal")
	}
	if flow.Step("c").ConfigErr == nil || flow.Step("c").Config != nil {
		t.Error("Expected step c to keep its config error")
	}
}

func TestCompileFatalProblems(t *testing.T) {
	tests := []struct {
		name string
		flow *models.FlowDefinition
		want error
	}{
		{"no name", &models.FlowDefinition{Steps: []*models.Step{{Name: "a", Kind: models.StepEndFlow}}}, ErrNoName},
		{"no steps", &models.FlowDefinition{Name: "empty"}, ErrNoSteps},
		{"only empty steps", &models.FlowDefinition{Name: "hollow", Steps: []*models.Step{nil, {Kind: models.StepEndFlow}}}, ErrNoSteps},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			problems := Compile(tt.flow)
			if !IsFatal(problems) {
				t.Fatalf("Expected fatal problems, got %v", problems)
			}
			found := false
			for _, p := range problems {
				if errors.Is(p, tt.want) {
					found = true
				}
			}
			if !found {
				t.Errorf("Expected %v among %v", tt.want, problems)
			}
		})
	}
}

func TestCompileDropsEmptySteps(t *testing.T) {
	flow, err := Parse([]byte(`
name: gappy
is_active: true
trigger_keywords: [broke]
steps:
  - ~
  - name: a
    type: end_flow
    is_entry_point: true
  - type: end_flow
`), "yaml")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	r := NewRegistry()
	problems := r.Put(flow)
	if IsFatal(problems) {
		t.Fatalf("Expected the named step to keep the flow usable, got %v", problems)
	}
	if len(problems) != 2 {
		t.Errorf("Expected the empty and unnamed steps to be reported, got %v", problems)
	}
	if len(flow.Steps) != 1 || flow.Steps[0].Name != "a" {
		t.Fatalf("Expected only step a to remain, got %d steps", len(flow.Steps))
	}
	if entry := flow.EntryStep(); entry == nil || entry.Name != "a" {
		t.Errorf("Expected entry step a, got %v", entry)
	}
	if _, ok := r.FlowOwningStep("missing"); ok {
		t.Error("Expected no owner for an unknown step")
	}
	if f, ok := r.FlowOwningStep("a"); !ok || f.Name != "gappy" {
		t.Errorf("Expected gappy to own step a, got %v", f)
	}
}

func TestLoadDir(t *testing.T) {
	dir, err := os.MkdirTemp("", "flowdef_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	write := func(name, data string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(data), 0o644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}
	write("b_prayer.yaml", sampleYAML)
	write("a_giving.jsonc", sampleJSONC)
	write("notes.txt", "not a flow")

	flows, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}
	if len(flows) != 2 || flows[0].Name != "giving" || flows[1].Name != "prayer" {
		t.Errorf("Expected giving then prayer, got %v", flows)
	}

	write("c_again.yml", sampleYAML)
	if _, err := LoadDir(dir); err == nil || !strings.Contains(err.Error(), "defined in both") {
		t.Errorf("Expected a duplicate flow error, got %v", err)
	}
}

func TestShippedFlowsLoad(t *testing.T) {
	reg := NewRegistry()
	problems, err := reg.LoadDirInto("../../flows")
	if err != nil {
		t.Fatalf("LoadDirInto failed: %v", err)
	}
	if IsFatal(problems) {
		t.Fatalf("Expected shipped flows to be usable, got %v", problems)
	}
	for _, p := range problems {
		t.Logf("flow problem: %v", p)
	}
	for _, name := range []string{"main_menu", "member_registration", "invalid_input_flow", "giving", "prayer_request"} {
		if _, ok := reg.Get(name); !ok {
			t.Errorf("Expected flow %q to be registered", name)
		}
	}
}
