package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
)

func TestTwilioService_Send(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	ctx := context.Background()

	if err := svc.Send(ctx, "whatsapp:+15550001234", textEnvelope("hello")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	media := models.OutboundEnvelope{MessageType: models.MessageImage, Payload: map[string]any{
		"link": "https://cdn.example/flyer.png", "caption": "Flyer",
	}}
	if err := svc.Send(ctx, "15550001234", media); err != nil {
		t.Fatalf("Send media failed: %v", err)
	}

	msgs := mock.Messages()
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].To != "15550001234" || msgs[0].Body != "hello" || msgs[0].MediaURL != "" {
		t.Errorf("Unexpected text message %+v", msgs[0])
	}
	if msgs[1].MediaURL != "https://cdn.example/flyer.png" || msgs[1].Body != "Flyer" {
		t.Errorf("Unexpected media message %+v", msgs[1])
	}
	if r := <-svc.Receipts(); r.Status != models.MessageStatusSent {
		t.Errorf("Expected a sent receipt, got %+v", r)
	}

	svc.Stop()
	if err := svc.Send(ctx, "15550001234", textEnvelope("late")); err != ErrServiceStopped {
		t.Errorf("Expected ErrServiceStopped, got %v", err)
	}
}

func postWebhook(svc *TwilioService, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	svc.TwilioWebhookHandler(rec, req)
	return rec
}

func TestTwilioWebhookHandler(t *testing.T) {
	tests := []struct {
		name  string
		form  url.Values
		check func(t *testing.T, ev models.InboundEvent)
	}{
		{
			name: "text",
			form: url.Values{"From": {"whatsapp:+15550001234"}, "Body": {"menu"}, "MessageSid": {"SM1"}, "ProfileName": {"Ada"}},
			check: func(t *testing.T, ev models.InboundEvent) {
				if ev.Kind != models.EventText || ev.Text != "menu" || ev.ID != "SM1" || ev.ContactName != "Ada" {
					t.Errorf("Unexpected event %+v", ev)
				}
			},
		},
		{
			name: "button",
			form: url.Values{"From": {"whatsapp:+15550001234"}, "Body": {"Yes"}, "ButtonPayload": {"confirm_yes"}, "ButtonText": {"Yes"}},
			check: func(t *testing.T, ev models.InboundEvent) {
				if ev.Kind != models.EventInteractive || ev.ReplyID != "confirm_yes" || ev.ReplyTitle != "Yes" {
					t.Errorf("Unexpected event %+v", ev)
				}
			},
		},
		{
			name: "media",
			form: url.Values{"From": {"whatsapp:+15550001234"}, "NumMedia": {"1"}, "MediaUrl0": {"https://api.twilio.example/m/1"}, "MediaContentType0": {"application/pdf"}},
			check: func(t *testing.T, ev models.InboundEvent) {
				if ev.Kind != models.EventMedia || ev.Media.Type != "document" || ev.Media.Link != "https://api.twilio.example/m/1" {
					t.Errorf("Unexpected event %+v", ev)
				}
			},
		},
		{
			name: "location",
			form: url.Values{"From": {"whatsapp:+15550001234"}, "Latitude": {"-17.8"}, "Longitude": {"31.0"}, "Label": {"Church"}},
			check: func(t *testing.T, ev models.InboundEvent) {
				if ev.Kind != models.EventLocation || ev.Location.Latitude != -17.8 || ev.Location.Name != "Church" {
					t.Errorf("Unexpected event %+v", ev)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewTwilioService(twiliowhatsapp.NewMockClient())
			rec := postWebhook(svc, tt.form)
			if rec.Code != http.StatusOK {
				t.Fatalf("Expected 200, got %d", rec.Code)
			}
			ev := <-svc.Events()
			if ev.ContactID != "15550001234" {
				t.Errorf("Expected contact 15550001234, got %q", ev.ContactID)
			}
			tt.check(t, ev)
		})
	}
}

func TestTwilioWebhookHandlerRejects(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	for name, form := range map[string]url.Values{
		"missing from":    {"Body": {"hi"}},
		"missing content": {"From": {"whatsapp:+15550001234"}},
		"bad location":    {"From": {"whatsapp:+15550001234"}, "Latitude": {"north"}, "Longitude": {"1"}},
	} {
		if rec := postWebhook(svc, form); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", name, rec.Code)
		}
	}

	svc.Stop()
	rec := postWebhook(svc, url.Values{"From": {"whatsapp:+15550001234"}, "Body": {"hi"}})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 after Stop, got %d", rec.Code)
	}
}
