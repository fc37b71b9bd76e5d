package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/template"
)

type fakeAssets map[string][2]string

func (a fakeAssets) ResolveAsset(_ context.Context, ref string) (string, string, error) {
	v, ok := a[ref]
	if !ok {
		return "", "", errors.New("asset not found")
	}
	return v[0], v[1], nil
}

func newTestComposer() *composer {
	return &composer{
		resolver:      template.New(),
		publicBaseURL: "https://church.example/static/",
		assets: fakeAssets{
			"welcome_video": {"media-77", ""},
			"map_pdf":       {"", "https://bucket.example/map.pdf?sig=1"},
		},
	}
}

var composeNS = template.Namespace{
	Context: map[string]any{"name": "Ada", "asset": "map_pdf", "lat": -17.82, "event": "Retreat"},
}

func TestComposeText(t *testing.T) {
	c := newTestComposer()
	a, err := c.compose(context.Background(), &models.MessageSpec{
		MessageType: models.MessageText,
		Text:        &models.TextContent{Body: " Hello {{ name }} ", PreviewURL: true},
	}, "15550001", composeNS)
	if err != nil {
		t.Fatalf("compose failed: %v", err)
	}
	if a.Recipient != "15550001" || a.Type != models.OutputSendMessage {
		t.Errorf("Unexpected action %+v", a)
	}
	if a.Payload["body"] != "Hello Ada" || a.Payload["preview_url"] != true {
		t.Errorf("Unexpected payload %v", a.Payload)
	}

	_, err = c.compose(context.Background(), &models.MessageSpec{
		MessageType: models.MessageText,
		Text:        &models.TextContent{Body: "{{ missing }}"},
	}, "15550001", composeNS)
	if err == nil {
		t.Error("Expected an error for a body that resolves to empty")
	}
}

func TestComposeMedia(t *testing.T) {
	tests := []struct {
		name    string
		kind    models.MessageType
		media   models.MediaContent
		want    map[string]any
		wantErr bool
	}{
		{
			name:  "asset id",
			kind:  models.MessageVideo,
			media: models.MediaContent{AssetRef: "welcome_video", Caption: "Hi {{ name }}"},
			want:  map[string]any{"id": "media-77", "caption": "Hi Ada"},
		},
		{
			name:  "templated asset link with filename",
			kind:  models.MessageDocument,
			media: models.MediaContent{AssetRef: "{{ asset }}", Filename: "map.pdf"},
			want:  map[string]any{"link": "https://bucket.example/map.pdf?sig=1", "filename": "map.pdf"},
		},
		{
			name:  "unknown asset falls back to id",
			kind:  models.MessageImage,
			media: models.MediaContent{AssetRef: "gone", ID: "media-1"},
			want:  map[string]any{"id": "media-1"},
		},
		{
			name:  "relative link made absolute",
			kind:  models.MessageImage,
			media: models.MediaContent{Link: "img/banner.png"},
			want:  map[string]any{"link": "https://church.example/static/img/banner.png"},
		},
		{
			name:  "audio drops caption",
			kind:  models.MessageAudio,
			media: models.MediaContent{Link: "https://cdn.example/a.ogg", Caption: "ignored"},
			want:  map[string]any{"link": "https://cdn.example/a.ogg"},
		},
		{
			name:    "no source",
			kind:    models.MessageImage,
			media:   models.MediaContent{Caption: "orphan"},
			wantErr: true,
		},
	}
	c := newTestComposer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := &models.MessageSpec{MessageType: tt.kind}
			m := tt.media
			switch tt.kind {
			case models.MessageImage:
				spec.Image = &m
			case models.MessageVideo:
				spec.Video = &m
			case models.MessageDocument:
				spec.Document = &m
			case models.MessageAudio:
				spec.Audio = &m
			}
			a, err := c.compose(context.Background(), spec, "15550001", composeNS)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected an error, got %v", a.Payload)
				}
				return
			}
			if err != nil {
				t.Fatalf("compose failed: %v", err)
			}
			if len(a.Payload) != len(tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, a.Payload)
			}
			for k, v := range tt.want {
				if a.Payload[k] != v {
					t.Errorf("Expected %s=%v, got %v", k, v, a.Payload[k])
				}
			}
		})
	}
}

func TestComposeInteractive(t *testing.T) {
	c := newTestComposer()
	spec := &models.MessageSpec{
		MessageType: models.MessageInteractive,
		Interactive: &models.InteractiveContent{
			Type: "button",
			Body: models.InteractiveBody{Text: "Join {{ event }}?"},
			Action: models.InteractiveAction{Buttons: []models.ReplyButton{
				{Type: "reply", Reply: models.ButtonReply{ID: "yes", Title: "Yes"}},
			}},
		},
	}
	a, err := c.compose(context.Background(), spec, "15550001", composeNS)
	if err != nil {
		t.Fatalf("compose failed: %v", err)
	}
	if bodyOf(a) != "Join Retreat?" {
		t.Errorf("Expected %q, got %q", "Join Retreat?", bodyOf(a))
	}
	buttons := a.Payload["action"].(map[string]any)["buttons"].([]any)
	if len(buttons) != 1 {
		t.Errorf("Expected 1 button, got %v", buttons)
	}

	spec.Interactive.Body.Text = "{{ nothing }}"
	if _, err := c.compose(context.Background(), spec, "15550001", composeNS); err == nil {
		t.Error("Expected an error for an empty interactive body")
	}
}

func TestComposeTemplateResolvesParameters(t *testing.T) {
	c := newTestComposer()
	a, err := c.compose(context.Background(), &models.MessageSpec{
		MessageType: models.MessageTemplate,
		Template: &models.TemplateContent{
			Name:     "event_reminder",
			Language: models.TemplateLanguage{Code: "en"},
			Components: []models.TemplateComponent{
				{Type: "header", Parameters: []map[string]any{{"type": "image", "image": map[string]any{"link": "img/{{ event }}.png"}}}},
				{Type: "body", Parameters: []map[string]any{{"type": "text", "text": "{{ name }}"}}},
				{Type: "button", SubType: "quick_reply", Index: "0", Parameters: []map[string]any{{"type": "payload", "payload": "rsvp_{{ event }}"}}},
			},
		},
	}, "15550001", composeNS)
	if err != nil {
		t.Fatalf("compose failed: %v", err)
	}
	comps := a.Payload["components"].([]any)
	header := comps[0].(map[string]any)["parameters"].([]any)[0].(map[string]any)
	if link := header["image"].(map[string]any)["link"]; link != "https://church.example/static/img/Retreat.png" {
		t.Errorf("Unexpected header link %v", link)
	}
	body := comps[1].(map[string]any)["parameters"].([]any)[0].(map[string]any)
	if body["text"] != "Ada" {
		t.Errorf("Expected Ada, got %v", body["text"])
	}
	button := comps[2].(map[string]any)["parameters"].([]any)[0].(map[string]any)
	if button["payload"] != "rsvp_Retreat" {
		t.Errorf("Expected rsvp_Retreat, got %v", button["payload"])
	}
	if a.Payload["name"] != "event_reminder" {
		t.Errorf("Expected the template name to stay, got %v", a.Payload["name"])
	}
}

func TestComposeContactsAndLocation(t *testing.T) {
	c := newTestComposer()
	a, err := c.compose(context.Background(), &models.MessageSpec{
		MessageType: models.MessageContacts,
		Contacts: []models.ContactCard{{
			Name:   models.ContactName{FormattedName: "Pastor {{ name }}"},
			Phones: []models.ContactPhone{{Phone: "+15550002"}},
		}},
	}, "15550001", composeNS)
	if err != nil {
		t.Fatalf("compose contacts failed: %v", err)
	}
	card := a.Payload["contacts"].([]any)[0].(map[string]any)
	if card["name"].(map[string]any)["formatted_name"] != "Pastor Ada" {
		t.Errorf("Unexpected card %v", card)
	}

	a, err = c.compose(context.Background(), &models.MessageSpec{
		MessageType: models.MessageLocation,
		Location:    &models.LocationContent{Latitude: -17.82, Longitude: 31.05, Name: "{{ event }} venue"},
	}, "15550001", composeNS)
	if err != nil {
		t.Fatalf("compose location failed: %v", err)
	}
	if a.Payload["name"] != "Retreat venue" || a.Payload["latitude"] != -17.82 {
		t.Errorf("Unexpected location %v", a.Payload)
	}

	if _, err := c.compose(context.Background(), &models.MessageSpec{MessageType: models.MessageContacts}, "15550001", composeNS); err == nil {
		t.Error("Expected an error without contact cards")
	}
}
