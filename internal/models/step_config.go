package models

import (
	"encoding/json"
	"fmt"
)

// StepConfig is the typed configuration of a step. The concrete type is
// determined by the step kind.
type StepConfig interface {
	StepKind() StepKind
}

// ReplyType is the kind of answer a question step expects.
type ReplyType string

const (
	ReplyText          ReplyType = "text"
	ReplyEmail         ReplyType = "email"
	ReplyNumber        ReplyType = "number"
	ReplyInteractiveID ReplyType = "interactive_id"
	ReplyMedia         ReplyType = "media"
	ReplyImage         ReplyType = "image"
)

type SendMessageConfig struct {
	MessageSpec
}

func (SendMessageConfig) StepKind() StepKind { return StepSendMessage }

type QuestionConfig struct {
	MessageConfig  *MessageSpec    `json:"message_config,omitempty"`
	ReplyConfig    ReplyConfig     `json:"reply_config"`
	FallbackConfig *FallbackConfig `json:"fallback_config,omitempty"`
}

func (QuestionConfig) StepKind() StepKind { return StepQuestion }

type ReplyConfig struct {
	SaveToVariable  string    `json:"save_to_variable" validate:"required"`
	ExpectedType    ReplyType `json:"expected_type" validate:"required,oneof=text email number interactive_id media image"`
	ValidationRegex string    `json:"validation_regex,omitempty"`
}

// FallbackConfig is passed through to the recovery flow so it can decide
// between re-prompting and escalating.
type FallbackConfig struct {
	Action          string `json:"action,omitempty" validate:"omitempty,oneof=re_prompt human_handover main_menu"`
	MaxRetries      int    `json:"max_retries,omitempty" validate:"gte=0"`
	RePromptMessage string `json:"re_prompt_message_text,omitempty"`
}

type ActionConfig struct {
	ActionsToRun []ActionItem `json:"actions_to_run" validate:"dive"`
}

func (ActionConfig) StepKind() StepKind { return StepAction }

type SwitchFlowConfig struct {
	TargetFlowName         string         `json:"target_flow_name" validate:"required"`
	InitialContextTemplate map[string]any `json:"initial_context_template,omitempty"`
	BaseContextVariable    string         `json:"base_context_variable,omitempty"`
	TriggerKeywordToPass   string         `json:"trigger_keyword_to_pass,omitempty"`
}

func (SwitchFlowConfig) StepKind() StepKind { return StepSwitchFlow }

type EndFlowConfig struct {
	MessageConfig *MessageSpec `json:"message_config,omitempty"`
}

func (EndFlowConfig) StepKind() StepKind { return StepEndFlow }

type HumanHandoverConfig struct {
	PreHandoverMessageText string   `json:"pre_handover_message_text,omitempty"`
	NotificationDetails    string   `json:"notification_details,omitempty"`
	NotifyGroups           []string `json:"notify_groups,omitempty"`
	NotifyUsers            []string `json:"notify_users,omitempty"`
	TimeoutMinutes         int      `json:"timeout_minutes,omitempty" validate:"gte=0"`
}

func (HumanHandoverConfig) StepKind() StepKind { return StepHumanHandover }

// DecodeStepConfig converts a raw configuration map into the typed
// configuration for kind and validates it.
func DecodeStepConfig(kind StepKind, raw map[string]any) (StepConfig, error) {
	var cfg StepConfig
	switch kind {
	case StepSendMessage:
		cfg = &SendMessageConfig{}
	case StepQuestion:
		cfg = &QuestionConfig{}
	case StepAction:
		cfg = &ActionConfig{}
	case StepSwitchFlow:
		cfg = &SwitchFlowConfig{}
	case StepEndFlow:
		cfg = &EndFlowConfig{}
	case StepHumanHandover:
		cfg = &HumanHandoverConfig{}
	default:
		return nil, fmt.Errorf("unknown step type %q", kind)
	}

	if raw == nil {
		raw = map[string]any{}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode %s config: %w", kind, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", kind, err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid %s config: %w", kind, err)
	}
	return cfg, nil
}
