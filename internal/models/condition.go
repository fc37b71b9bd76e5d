package models

// ConditionType tags the variant of a transition condition.
type ConditionType string

const (
	ConditionAlwaysTrue           ConditionType = "always_true"
	ConditionTextEquals           ConditionType = "text_equals"
	ConditionTextContains         ConditionType = "text_contains"
	ConditionReplyIDEquals        ConditionType = "reply_id_equals"
	ConditionEventKindIs          ConditionType = "event_kind_is"
	ConditionTextMatchesRegex     ConditionType = "text_matches_regex"
	ConditionVariableEquals       ConditionType = "variable_equals"
	ConditionVariableExists       ConditionType = "variable_exists"
	ConditionVariableContains     ConditionType = "variable_contains"
	ConditionVariableLessThan     ConditionType = "variable_less_than"
	ConditionVariableGreaterThan  ConditionType = "variable_greater_than"
	ConditionFormFieldEquals      ConditionType = "form_field_equals"
	ConditionQuestionReplyIsValid ConditionType = "question_reply_is_valid"
	ConditionUserRequestsHuman    ConditionType = "user_requests_human"
)

// conditionAliases maps legacy condition names onto their canonical type.
var conditionAliases = map[ConditionType]ConditionType{
	"user_reply_matches_keyword":  ConditionTextEquals,
	"user_reply_contains_keyword": ConditionTextContains,
	"interactive_reply_id_equals": ConditionReplyIDEquals,
	"message_type_is":             ConditionEventKindIs,
	"user_reply_matches_regex":    ConditionTextMatchesRegex,
	"nfm_response_field_equals":   ConditionFormFieldEquals,
}

// Canonical resolves legacy aliases to the canonical condition type.
func (t ConditionType) Canonical() ConditionType {
	if c, ok := conditionAliases[t]; ok {
		return c
	}
	return t
}

// IsKnown reports whether t (after alias resolution) is a supported condition type.
func (t ConditionType) IsKnown() bool {
	switch t.Canonical() {
	case ConditionAlwaysTrue, ConditionTextEquals, ConditionTextContains, ConditionReplyIDEquals,
		ConditionEventKindIs, ConditionTextMatchesRegex, ConditionVariableEquals, ConditionVariableExists,
		ConditionVariableContains, ConditionVariableLessThan, ConditionVariableGreaterThan,
		ConditionFormFieldEquals, ConditionQuestionReplyIsValid, ConditionUserRequestsHuman:
		return true
	}
	return false
}

// Condition is the test carried by a transition. Which fields are
// meaningful depends on Type.
type Condition struct {
	Type          ConditionType `yaml:"type" json:"type"`
	Value         any           `yaml:"value,omitempty" json:"value,omitempty"`
	CaseSensitive bool          `yaml:"case_sensitive,omitempty" json:"case_sensitive,omitempty"`
	VariableName  string        `yaml:"variable_name,omitempty" json:"variable_name,omitempty"`
	Pattern       string        `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Keywords      []string      `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	FieldPath     string        `yaml:"field_path,omitempty" json:"field_path,omitempty"`

	// Legacy spellings of Value and Pattern.
	Keyword string `yaml:"keyword,omitempty" json:"keyword,omitempty"`
	Regex   string `yaml:"regex,omitempty" json:"regex,omitempty"`
}
