package flow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/template"
)

// defaultEmailPattern is used for email replies without a validation regex.
const defaultEmailPattern = `^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`

// replyValidator checks answers against an awaiting-reply descriptor.
// Patterns match from the start of the reply.
type replyValidator struct {
	patterns sync.Map // pattern -> *regexp.Regexp
}

func (v *replyValidator) pattern(p string) (*regexp.Regexp, error) {
	if re, ok := v.patterns.Load(p); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(`^(?:` + p + `)`)
	if err != nil {
		return nil, fmt.Errorf("invalid validation regex %q: %w", p, err)
	}
	v.patterns.Store(p, re)
	return re, nil
}

func (v *replyValidator) matches(p, s string) bool {
	if p == "" {
		return true
	}
	re, err := v.pattern(p)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

// validate returns the value to store for a valid reply. Internal events
// never answer a question.
func (v *replyValidator) validate(a models.AwaitingReply, ev models.InboundEvent) (any, bool) {
	if ev.IsInternal() {
		return nil, false
	}
	text := ""
	if ev.Kind == models.EventText {
		text = ev.TrimmedText()
	}

	switch a.ExpectedType {
	case models.ReplyText:
		if text == "" || !v.matches(a.ValidationRegex, text) {
			return nil, false
		}
		return text, true

	case models.ReplyEmail:
		p := a.ValidationRegex
		if p == "" {
			p = defaultEmailPattern
		}
		if text == "" || !v.matches(p, text) {
			return nil, false
		}
		return text, true

	case models.ReplyNumber:
		if text == "" {
			return nil, false
		}
		n, err := strconv.ParseFloat(strings.ReplaceAll(text, ",", ""), 64)
		if err != nil {
			return nil, false
		}
		// The pattern sees the parsed number, not what was typed.
		if !v.matches(a.ValidationRegex, template.Stringify(n)) {
			return nil, false
		}
		return n, true

	case models.ReplyInteractiveID:
		if ev.Kind != models.EventInteractive || ev.ReplyID == "" || !v.matches(a.ValidationRegex, ev.ReplyID) {
			return nil, false
		}
		return ev.ReplyID, true

	case models.ReplyMedia, models.ReplyImage:
		if ev.Kind != models.EventMedia || ev.Media == nil {
			return nil, false
		}
		if a.ExpectedType == models.ReplyImage && ev.Media.Type != string(models.MessageImage) {
			return nil, false
		}
		return mediaValue(ev.Media), true
	}
	return nil, false
}

// mediaValue is the context form of a received media reference.
func mediaValue(m *models.MediaRef) map[string]any {
	out := map[string]any{"type": m.Type}
	if m.ID != "" {
		out["id"] = m.ID
	}
	if m.Link != "" {
		out["link"] = m.Link
	}
	if m.MimeType != "" {
		out["mime_type"] = m.MimeType
	}
	if m.Caption != "" {
		out["caption"] = m.Caption
	}
	return out
}
