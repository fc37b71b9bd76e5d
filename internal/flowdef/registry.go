package flowdef

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Registry holds the compiled flow definitions served by this process.
// It is safe for concurrent use; flows are immutable once registered.
type Registry struct {
	mu    sync.RWMutex
	flows map[string]*models.FlowDefinition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{flows: make(map[string]*models.FlowDefinition)}
}

// Put compiles flow and registers it under its name, replacing any previous
// definition. Non-fatal problems are logged and returned; a flow with fatal
// problems is not registered.
func (r *Registry) Put(flow *models.FlowDefinition) []*ConfigError {
	problems := Compile(flow)
	for _, p := range problems {
		slog.Warn("Registry.Put: flow definition problem", "flow", p.Flow, "step", p.Step, "error", p.Err)
	}
	if IsFatal(problems) {
		slog.Error("Registry.Put: flow rejected", "flow", flow.Name)
		return problems
	}
	r.mu.Lock()
	r.flows[flow.Name] = flow
	r.mu.Unlock()
	slog.Debug("Registry.Put: flow registered", "flow", flow.Name, "active", flow.IsActive, "steps", len(flow.Steps))
	return problems
}

// Get returns the flow named name, active or not.
func (r *Registry) Get(name string) (*models.FlowDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flows[name]
	return f, ok
}

// All returns every registered flow ordered by name.
func (r *Registry) All() []*models.FlowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.FlowDefinition, 0, len(r.flows))
	for _, f := range r.flows {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Active returns the active flows ordered by descending priority, then name.
func (r *Registry) Active() []*models.FlowDefinition {
	var out []*models.FlowDefinition
	for _, f := range r.All() {
		if f.IsActive {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// Names returns the names of every registered flow.
func (r *Registry) Names() []string {
	flows := r.All()
	names := make([]string, len(flows))
	for i, f := range flows {
		names[i] = f.Name
	}
	return names
}

// Match finds the active flow triggered by text. A trigger keyword matches
// when it occurs in text, ignoring case. The longest matching keyword wins;
// ties go to the higher flow priority, then to the lower flow name.
func (r *Registry) Match(text string) (flow *models.FlowDefinition, keyword string, ok bool) {
	lowered := strings.ToLower(strings.TrimSpace(text))
	if lowered == "" {
		return nil, "", false
	}
	for _, f := range r.Active() {
		for _, kw := range f.TriggerKeywords {
			k := strings.ToLower(strings.TrimSpace(kw))
			if k == "" || !strings.Contains(lowered, k) {
				continue
			}
			if flow == nil || better(len(k), f, len(keyword), flow) {
				flow, keyword = f, k
			}
		}
	}
	return flow, keyword, flow != nil
}

func better(kwLen int, f *models.FlowDefinition, bestLen int, best *models.FlowDefinition) bool {
	if kwLen != bestLen {
		return kwLen > bestLen
	}
	if f.Priority != best.Priority {
		return f.Priority > best.Priority
	}
	return f.Name < best.Name
}

// FlowOwningStep returns the active flow that declares a step named step.
// When several do, the one Active lists first wins.
func (r *Registry) FlowOwningStep(step string) (*models.FlowDefinition, bool) {
	for _, f := range r.Active() {
		if f.Step(step) != nil {
			return f, true
		}
	}
	return nil, false
}

// FlowStore persists flow definitions.
type FlowStore interface {
	SaveFlowDefinition(ctx context.Context, flow *models.FlowDefinition) error
	ListFlowDefinitions(ctx context.Context) ([]*models.FlowDefinition, error)
	DeleteFlowDefinitionsExcept(ctx context.Context, keep []string) (int64, error)
}

// Sync writes every registered flow to st. With prune, stored flows that are
// not registered here are deleted.
func (r *Registry) Sync(ctx context.Context, st FlowStore, prune bool) error {
	flows := r.All()
	for _, f := range flows {
		if err := st.SaveFlowDefinition(ctx, f); err != nil {
			return fmt.Errorf("sync flow %s: %w", f.Name, err)
		}
	}
	if prune {
		n, err := st.DeleteFlowDefinitionsExcept(ctx, r.Names())
		if err != nil {
			return fmt.Errorf("prune flows: %w", err)
		}
		if n > 0 {
			slog.Info("Registry.Sync: pruned stale flows", "count", n)
		}
	}
	slog.Info("Registry.Sync: flows synced", "count", len(flows))
	return nil
}

// LoadFromStore registers every flow persisted in st.
func (r *Registry) LoadFromStore(ctx context.Context, st FlowStore) error {
	flows, err := st.ListFlowDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("load flows: %w", err)
	}
	for _, f := range flows {
		r.Put(f)
	}
	slog.Info("Registry.LoadFromStore: flows loaded", "count", len(flows))
	return nil
}

// LoadDirInto reads dir and registers every flow in it. The problems of all
// flows are returned together.
func (r *Registry) LoadDirInto(dir string) ([]*ConfigError, error) {
	flows, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	var problems []*ConfigError
	for _, f := range flows {
		problems = append(problems, r.Put(f)...)
	}
	return problems, nil
}
