// Package models defines flow definitions, step configurations and runtime
// records shared by the FlowPipe packages.
package models

import (
	"log/slog"
	"sort"
)

// StepKind identifies what a step does when it is executed.
type StepKind string

const (
	StepSendMessage   StepKind = "send_message"
	StepQuestion      StepKind = "question"
	StepAction        StepKind = "action"
	StepSwitchFlow    StepKind = "switch_flow"
	StepEndFlow       StepKind = "end_flow"
	StepHumanHandover StepKind = "human_handover"
)

// IsValid reports whether k is one of the known step kinds.
func (k StepKind) IsValid() bool {
	switch k {
	case StepSendMessage, StepQuestion, StepAction, StepSwitchFlow, StepEndFlow, StepHumanHandover:
		return true
	}
	return false
}

// Pauses reports whether the interpreter stops after executing a step of
// this kind instead of falling through to the next transition.
func (k StepKind) Pauses() bool {
	return k == StepQuestion || k == StepEndFlow || k == StepHumanHandover
}

// FlowDefinition is a named conversation template.
type FlowDefinition struct {
	Name            string   `yaml:"name" json:"name" validate:"required"`
	Description     string   `yaml:"description,omitempty" json:"description,omitempty"`
	Version         int      `yaml:"version,omitempty" json:"version,omitempty"`
	IsActive        bool     `yaml:"is_active" json:"is_active"`
	Priority        int      `yaml:"priority,omitempty" json:"priority,omitempty"`
	TriggerKeywords []string `yaml:"trigger_keywords,omitempty" json:"trigger_keywords,omitempty"`
	Steps           []*Step  `yaml:"steps" json:"steps" validate:"required,min=1,dive"`
}

// Step is one unit of flow behaviour. RawConfig holds the configuration as
// written in the definition file; Config holds the typed configuration
// decoded from it at load time. When decoding fails ConfigErr is set and
// Config is nil.
type Step struct {
	Name         string         `yaml:"name" json:"name" validate:"required"`
	Kind         StepKind       `yaml:"type" json:"type" validate:"required"`
	IsEntryPoint bool           `yaml:"is_entry_point,omitempty" json:"is_entry_point,omitempty"`
	RawConfig    map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
	Transitions  []Transition   `yaml:"transitions,omitempty" json:"transitions,omitempty" validate:"dive"`

	Config    StepConfig `yaml:"-" json:"-"`
	ConfigErr error      `yaml:"-" json:"-"`
}

// Transition is a prioritized, conditional edge to another step of the same flow.
type Transition struct {
	To        string    `yaml:"to" json:"to" validate:"required"`
	Priority  int       `yaml:"priority,omitempty" json:"priority,omitempty"`
	Condition Condition `yaml:"condition" json:"condition"`
}

// Step returns the step with the given name, or nil.
func (f *FlowDefinition) Step(name string) *Step {
	for _, s := range f.Steps {
		if s != nil && s.Name == name {
			return s
		}
	}
	return nil
}

// EntryStep returns the step a newly triggered conversation starts at.
// Flows without an entry point fall back to their first step and flows
// with several use the first flagged one; both cases are logged.
func (f *FlowDefinition) EntryStep() *Step {
	var entry *Step
	count := 0
	var first *Step
	for _, s := range f.Steps {
		if s == nil {
			continue
		}
		if first == nil {
			first = s
		}
		if s.IsEntryPoint {
			if entry == nil {
				entry = s
			}
			count++
		}
	}
	if count > 1 {
		slog.Warn("FlowDefinition.EntryStep: multiple entry points, using first", "flow", f.Name, "entry", entry.Name, "count", count)
	}
	if entry == nil && first != nil {
		entry = first
		slog.Warn("FlowDefinition.EntryStep: no entry point flagged, using first step", "flow", f.Name, "entry", entry.Name)
	}
	return entry
}

// OrderedTransitions returns the step's transitions in ascending priority.
// Transitions with equal priority keep their declaration order.
func (s *Step) OrderedTransitions() []Transition {
	out := make([]Transition, len(s.Transitions))
	copy(out, s.Transitions)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}
