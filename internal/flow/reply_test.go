package flow

import (
	"reflect"
	"testing"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

func TestReplyValidator(t *testing.T) {
	text := func(s string) models.InboundEvent {
		return models.InboundEvent{ContactID: "1", Kind: models.EventText, Text: s}
	}
	image := models.InboundEvent{ContactID: "1", Kind: models.EventMedia, Media: &models.MediaRef{Type: "image", ID: "m1", Caption: "receipt"}}
	audio := models.InboundEvent{ContactID: "1", Kind: models.EventMedia, Media: &models.MediaRef{Type: "audio", Link: "https://cdn.example/a.ogg"}}

	tests := []struct {
		name    string
		awaited models.AwaitingReply
		event   models.InboundEvent
		want    any
		ok      bool
	}{
		{"text trimmed", models.AwaitingReply{ExpectedType: models.ReplyText}, text("  Grace "), "Grace", true},
		{"text empty", models.AwaitingReply{ExpectedType: models.ReplyText}, text("   "), nil, false},
		{"text regex anchored at start", models.AwaitingReply{ExpectedType: models.ReplyText, ValidationRegex: `yes|no`}, text("yes please"), "yes please", true},
		{"text regex mismatch", models.AwaitingReply{ExpectedType: models.ReplyText, ValidationRegex: `yes|no`}, text("maybe yes"), nil, false},
		{"text from button", models.AwaitingReply{ExpectedType: models.ReplyText}, models.InboundEvent{ContactID: "1", Kind: models.EventInteractive, ReplyID: "x"}, nil, false},
		{"email default pattern", models.AwaitingReply{ExpectedType: models.ReplyEmail}, text("ada@example.org"), "ada@example.org", true},
		{"email invalid", models.AwaitingReply{ExpectedType: models.ReplyEmail}, text("ada at example"), nil, false},
		{"number", models.AwaitingReply{ExpectedType: models.ReplyNumber}, text("1,250.5"), 1250.5, true},
		{"number not numeric", models.AwaitingReply{ExpectedType: models.ReplyNumber}, text("forty"), nil, false},
		{"number regex", models.AwaitingReply{ExpectedType: models.ReplyNumber, ValidationRegex: `\d+$`}, text("42"), 42.0, true},
		{"number regex rejects", models.AwaitingReply{ExpectedType: models.ReplyNumber, ValidationRegex: `\d+$`}, text("4.2"), nil, false},
		{"number regex sees parsed value", models.AwaitingReply{ExpectedType: models.ReplyNumber, ValidationRegex: `\d{4}$`}, text("1,250"), 1250.0, true},
		{"number regex ignores typed zeros", models.AwaitingReply{ExpectedType: models.ReplyNumber, ValidationRegex: `0\d+$`}, text("042"), nil, false},
		{"interactive id", models.AwaitingReply{ExpectedType: models.ReplyInteractiveID}, models.InboundEvent{ContactID: "1", Kind: models.EventInteractive, ReplyID: "opt_1"}, "opt_1", true},
		{"interactive id regex", models.AwaitingReply{ExpectedType: models.ReplyInteractiveID, ValidationRegex: `opt_`}, models.InboundEvent{ContactID: "1", Kind: models.EventInteractive, ReplyID: "other"}, nil, false},
		{"interactive id from text", models.AwaitingReply{ExpectedType: models.ReplyInteractiveID}, text("opt_1"), nil, false},
		{"media", models.AwaitingReply{ExpectedType: models.ReplyMedia}, audio, map[string]any{"type": "audio", "link": "https://cdn.example/a.ogg"}, true},
		{"image", models.AwaitingReply{ExpectedType: models.ReplyImage}, image, map[string]any{"type": "image", "id": "m1", "caption": "receipt"}, true},
		{"image rejects audio", models.AwaitingReply{ExpectedType: models.ReplyImage}, audio, nil, false},
		{"invalid regex never matches", models.AwaitingReply{ExpectedType: models.ReplyText, ValidationRegex: `(`}, text("anything"), nil, false},
		{"internal event", models.AwaitingReply{ExpectedType: models.ReplyText}, models.InternalEvent("1", models.EventInternalFallthrough), nil, false},
		{"unknown type", models.AwaitingReply{ExpectedType: "video"}, text("hi"), nil, false},
	}

	v := &replyValidator{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := v.validate(tt.awaited, tt.event)
			if ok != tt.ok {
				t.Fatalf("Expected ok=%v, got %v (value %#v)", tt.ok, ok, got)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %#v, got %#v", tt.want, got)
			}
		})
	}
}
