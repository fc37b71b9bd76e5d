// Package flowdef loads flow definitions from YAML or JSONC files, decodes
// and validates their step configurations, and keeps the in-memory registry
// the interpreter resolves flows and trigger keywords against.
//
// The typical lifecycle:
//
//  1. LoadDir or ReadFile: definition files → []*models.FlowDefinition
//  2. Compile: decode each step config into its typed form, collecting problems
//  3. Registry.Put: make the flow available to the interpreter
//  4. Sync: persist the loaded set so other instances serve the same flows
package flowdef

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Flow-level problems that make a flow unusable.
var (
	ErrNoName  = errors.New("flow name is required")
	ErrNoSteps = errors.New("flow has no steps")
)

// ConfigError is a problem found in a flow definition. Step is empty for
// flow-level problems.
type ConfigError struct {
	Flow string
	Step string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("flow %q: %v", e.Flow, e.Err)
	}
	return fmt.Sprintf("flow %q step %q: %v", e.Flow, e.Step, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Extensions lists the file extensions LoadDir picks up.
var Extensions = []string{".yaml", ".yml", ".json", ".jsonc"}

// Parse decodes a single flow definition. format is "yaml" or "json"; JSON
// input may contain comments and trailing commas.
func Parse(data []byte, format string) (*models.FlowDefinition, error) {
	var flow models.FlowDefinition
	switch format {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &flow); err != nil {
			return nil, fmt.Errorf("parsing flow YAML: %w", err)
		}
	case "json", "jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), &flow); err != nil {
			return nil, fmt.Errorf("parsing flow JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported flow format %q", format)
	}
	return &flow, nil
}

// ReadFile reads and parses one definition file. The format follows the
// file extension.
func ReadFile(path string) (*models.FlowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	flow, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return flow, nil
}

// LoadDir reads every definition file directly inside dir, ordered by file
// name. A duplicate flow name across files is an error.
func LoadDir(dir string) ([]*models.FlowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading flow directory %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	seen := make(map[string]string)
	var flows []*models.FlowDefinition
	for _, entry := range entries {
		if entry.IsDir() || !hasFlowExtension(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		flow, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[flow.Name]; ok {
			return nil, fmt.Errorf("flow %q defined in both %s and %s", flow.Name, prev, path)
		}
		seen[flow.Name] = path
		flows = append(flows, flow)
		slog.Debug("flowdef.LoadDir: loaded flow", "flow", flow.Name, "path", path, "steps", len(flow.Steps))
	}
	return flows, nil
}

func hasFlowExtension(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Compile decodes every step config of flow into its typed form and returns
// all problems found. Empty and unnamed steps are removed from flow. A step whose config fails to decode keeps the error in
// ConfigErr and degrades at runtime; structural problems (missing name, no
// steps, duplicate step names, unknown step types, unknown transition
// targets) are reported the same way so callers can decide whether to
// reject the flow.
func Compile(flow *models.FlowDefinition) []*ConfigError {
	var problems []*ConfigError
	add := func(step string, err error) {
		problems = append(problems, &ConfigError{Flow: flow.Name, Step: step, Err: err})
	}

	if strings.TrimSpace(flow.Name) == "" {
		add("", ErrNoName)
	}
	if len(flow.Steps) == 0 {
		add("", ErrNoSteps)
		return problems
	}

	// Nil and unnamed steps cannot be addressed; they are reported and
	// dropped so nothing downstream sees them.
	names := make(map[string]bool, len(flow.Steps))
	kept := flow.Steps[:0]
	for i, step := range flow.Steps {
		if step == nil {
			add(fmt.Sprintf("steps[%d]", i), errors.New("empty step"))
			continue
		}
		if strings.TrimSpace(step.Name) == "" {
			add(fmt.Sprintf("steps[%d]", i), errors.New("step name is required"))
			continue
		}
		if names[step.Name] {
			add(step.Name, errors.New("duplicate step name"))
		}
		names[step.Name] = true
		kept = append(kept, step)
	}
	for i := len(kept); i < len(flow.Steps); i++ {
		flow.Steps[i] = nil
	}
	flow.Steps = kept
	if len(flow.Steps) == 0 {
		add("", ErrNoSteps)
		return problems
	}

	entries := 0
	for _, step := range flow.Steps {
		if step.IsEntryPoint {
			entries++
		}
		if !step.Kind.IsValid() {
			step.Config, step.ConfigErr = nil, fmt.Errorf("unknown step type %q", step.Kind)
			add(step.Name, step.ConfigErr)
		} else {
			step.Config, step.ConfigErr = models.DecodeStepConfig(step.Kind, step.RawConfig)
			if step.ConfigErr != nil {
				add(step.Name, step.ConfigErr)
			} else if ac, ok := step.Config.(*models.ActionConfig); ok {
				for i, item := range ac.ActionsToRun {
					if !item.ActionType.IsKnown() {
						add(step.Name, fmt.Errorf("actions_to_run[%d]: unknown action type %q", i, item.ActionType))
					}
				}
			}
		}
		for i, tr := range step.Transitions {
			if !names[tr.To] {
				add(step.Name, fmt.Errorf("transitions[%d]: unknown target step %q", i, tr.To))
			}
			if !tr.Condition.Type.IsKnown() {
				add(step.Name, fmt.Errorf("transitions[%d]: unknown condition type %q", i, tr.Condition.Type))
			}
		}
	}
	switch {
	case entries == 0:
		slog.Warn("flowdef.Compile: no entry point, first step will be used", "flow", flow.Name)
	case entries > 1:
		add("", fmt.Errorf("%d entry points flagged, the first one is used", entries))
	}
	return problems
}

// IsFatal reports whether problems make a flow unusable.
func IsFatal(problems []*ConfigError) bool {
	for _, p := range problems {
		if errors.Is(p.Err, ErrNoName) || errors.Is(p.Err, ErrNoSteps) {
			return true
		}
	}
	return false
}
