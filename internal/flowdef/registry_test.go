package flowdef

import (
	"context"
	"testing"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

func testFlow(name string, priority int, active bool, keywords []string, steps ...string) *models.FlowDefinition {
	f := &models.FlowDefinition{Name: name, Priority: priority, IsActive: active, TriggerKeywords: keywords}
	for i, s := range steps {
		f.Steps = append(f.Steps, &models.Step{
			Name:         s,
			Kind:         models.StepEndFlow,
			IsEntryPoint: i == 0,
		})
	}
	return f
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, f := range []*models.FlowDefinition{
		testFlow("giving", 5, true, []string{"give", "offering"}, "ask_amount"),
		testFlow("events", 5, true, []string{"event", "give back"}, "list_events"),
		testFlow("bookings", 5, true, []string{"event"}, "list_events"),
		testFlow("menu", 10, true, []string{"menu", "hi"}, "show_menu"),
		testFlow("retired", 99, false, []string{"give"}, "ask_amount"),
	} {
		if problems := r.Put(f); IsFatal(problems) {
			t.Fatalf("Put(%s) failed: %v", f.Name, problems)
		}
	}
	return r
}

func TestRegistryMatch(t *testing.T) {
	r := newTestRegistry(t)
	tests := []struct {
		text    string
		flow    string
		keyword string
	}{
		{"I want to GIVE", "giving", "give"},
		{"give back to the community", "events", "give back"},
		{"any event this week?", "bookings", "event"},
		{"  Menu ", "menu", "menu"},
		{"this morning", "menu", "hi"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			f, kw, ok := r.Match(tt.text)
			if !ok {
				t.Fatalf("Expected a match for %q", tt.text)
			}
			if f.Name != tt.flow || kw != tt.keyword {
				t.Errorf("Expected %s/%s, got %s/%s", tt.flow, tt.keyword, f.Name, kw)
			}
		})
	}

	for _, text := range []string{"", "   ", "nope"} {
		if f, _, ok := r.Match(text); ok {
			t.Errorf("Expected no match for %q, got %s", text, f.Name)
		}
	}
}

func TestRegistryPriorityBreaksKeywordTies(t *testing.T) {
	r := NewRegistry()
	r.Put(testFlow("low", 1, true, []string{"join"}, "a"))
	r.Put(testFlow("high", 7, true, []string{"join"}, "b"))
	f, _, ok := r.Match("join")
	if !ok || f.Name != "high" {
		t.Errorf("Expected high, got %v", f)
	}
}

func TestRegistryFlowOwningStep(t *testing.T) {
	r := newTestRegistry(t)
	f, ok := r.FlowOwningStep("ask_amount")
	if !ok || f.Name != "giving" {
		t.Errorf("Expected giving (retired is inactive), got %v", f)
	}
	f, ok = r.FlowOwningStep("list_events")
	if !ok || f.Name != "bookings" {
		t.Errorf("Expected bookings to win by name, got %v", f)
	}
	if _, ok := r.FlowOwningStep("missing"); ok {
		t.Error("Expected no owner for an unknown step")
	}
}

func TestRegistryRejectsFatalFlows(t *testing.T) {
	r := NewRegistry()
	problems := r.Put(&models.FlowDefinition{Name: "empty", IsActive: true})
	if !IsFatal(problems) {
		t.Fatalf("Expected fatal problems, got %v", problems)
	}
	if _, ok := r.Get("empty"); ok {
		t.Error("Expected the flow not to be registered")
	}
}

// memoryFlowStore keeps flow definitions in a map.
type memoryFlowStore struct {
	flows map[string]*models.FlowDefinition
}

func (m *memoryFlowStore) SaveFlowDefinition(_ context.Context, f *models.FlowDefinition) error {
	m.flows[f.Name] = f
	return nil
}

func (m *memoryFlowStore) ListFlowDefinitions(context.Context) ([]*models.FlowDefinition, error) {
	var out []*models.FlowDefinition
	for _, f := range m.flows {
		out = append(out, f)
	}
	return out, nil
}

func (m *memoryFlowStore) DeleteFlowDefinitionsExcept(_ context.Context, keep []string) (int64, error) {
	kept := map[string]bool{}
	for _, k := range keep {
		kept[k] = true
	}
	var n int64
	for name := range m.flows {
		if !kept[name] {
			delete(m.flows, name)
			n++
		}
	}
	return n, nil
}

func TestRegistrySyncAndLoadFromStore(t *testing.T) {
	ctx := context.Background()
	st := &memoryFlowStore{flows: map[string]*models.FlowDefinition{
		"stale": testFlow("stale", 0, true, nil, "x"),
	}}

	r := newTestRegistry(t)
	if err := r.Sync(ctx, st, false); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if len(st.flows) != 6 {
		t.Errorf("Expected 6 stored flows, got %d", len(st.flows))
	}
	if err := r.Sync(ctx, st, true); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if _, ok := st.flows["stale"]; ok {
		t.Error("Expected the stale flow to be pruned")
	}

	loaded := NewRegistry()
	if err := loaded.LoadFromStore(ctx, st); err != nil {
		t.Fatalf("LoadFromStore failed: %v", err)
	}
	if got := loaded.Names(); len(got) != 5 {
		t.Errorf("Expected 5 flows, got %v", got)
	}
	if active := loaded.Active(); len(active) != 4 || active[0].Name != "menu" {
		t.Errorf("Expected 4 active flows led by menu, got %d", len(active))
	}
}
