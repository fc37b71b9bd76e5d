package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
)

// TwilioService implements the Service interface using the Twilio API.
// Inbound messages arrive through TwilioWebhookHandler.
type TwilioService struct {
	client   twiliowhatsapp.TwilioWhatsAppSender
	receipts chan models.Receipt
	events   chan models.InboundEvent
	mu       sync.RWMutex
	stopped  bool
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a new TwilioService around client.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender) *TwilioService {
	return &TwilioService{
		client:   client,
		receipts: make(chan models.Receipt, DefaultChannelBufferSize),
		events:   make(chan models.InboundEvent, DefaultChannelBufferSize),
	}
}

// ValidateAndCanonicalizeRecipient reduces a phone number to its digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(strings.TrimPrefix(recipient, "whatsapp:"))
}

// Start is a no-op for Twilio (no live client)
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.receipts)
	close(s.events)
	return nil
}

// Send delivers env via Twilio and emits a sent receipt. Media with a link
// is sent as a Twilio media message; everything else as rendered text.
func (s *TwilioService) Send(ctx context.Context, to string, env models.OutboundEnvelope) error {
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrServiceStopped
	}

	if link := MediaLink(env); link != "" {
		caption, _ := env.Payload["caption"].(string)
		err = s.client.SendMedia(ctx, canonicalTo, caption, link)
	} else {
		var body string
		if body, err = RenderText(env); err != nil {
			return err
		}
		err = s.client.SendMessage(ctx, canonicalTo, body)
	}
	if err != nil {
		slog.Error("TwilioService.Send failed", "error", err, "to", canonicalTo)
		return err
	}
	emit(s.receipts, models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()}, "receipt", canonicalTo)
	return nil
}

// Receipts returns the channel for sent message receipts
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Events returns the channel of inbound events received by the webhook.
func (s *TwilioService) Events() <-chan models.InboundEvent {
	return s.events
}

// TwilioWebhookHandler handles inbound Twilio webhook requests.
// It parses incoming messages and emits them into the Events() channel.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.TwilioWebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	ev, err := inboundFromTwilio(r)
	if err != nil {
		slog.Warn("TwilioService.TwilioWebhookHandler: rejected webhook", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	slog.Debug("TwilioService.TwilioWebhookHandler: inbound message", "contact", ev.ContactID, "kind", ev.Kind)

	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		slog.Warn("TwilioService dropping inbound event (service stopped)", "contact", ev.ContactID)
		http.Error(w, "Service stopped", http.StatusServiceUnavailable)
		return
	}
	emit(s.events, ev, "event", ev.ContactID)
	s.mu.RUnlock()

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// inboundFromTwilio maps the webhook's form fields onto an inbound event.
func inboundFromTwilio(r *http.Request) (models.InboundEvent, error) {
	from := strings.TrimPrefix(strings.TrimPrefix(r.FormValue("From"), "whatsapp:"), "+")
	if from == "" {
		return models.InboundEvent{}, fmt.Errorf("missing From")
	}
	ev := models.InboundEvent{
		ID:          r.FormValue("MessageSid"),
		ContactID:   from,
		ContactName: r.FormValue("ProfileName"),
		ReceivedAt:  time.Now(),
	}

	numMedia, _ := strconv.Atoi(r.FormValue("NumMedia"))
	switch {
	case r.FormValue("ButtonPayload") != "":
		ev.Kind = models.EventInteractive
		ev.ReplyID = r.FormValue("ButtonPayload")
		ev.ReplyTitle = r.FormValue("ButtonText")
	case numMedia > 0:
		mime := r.FormValue("MediaContentType0")
		ev.Kind = models.EventMedia
		ev.Media = &models.MediaRef{
			Type:     mediaTypeOf(mime),
			Link:     r.FormValue("MediaUrl0"),
			MimeType: mime,
			Caption:  r.FormValue("Body"),
		}
	case r.FormValue("Latitude") != "" && r.FormValue("Longitude") != "":
		lat, errLat := strconv.ParseFloat(r.FormValue("Latitude"), 64)
		lng, errLng := strconv.ParseFloat(r.FormValue("Longitude"), 64)
		if errLat != nil || errLng != nil {
			return models.InboundEvent{}, fmt.Errorf("invalid location coordinates")
		}
		ev.Kind = models.EventLocation
		ev.Location = &models.Coordinates{Latitude: lat, Longitude: lng, Name: r.FormValue("Label"), Address: r.FormValue("Address")}
	case r.FormValue("Body") != "":
		ev.Kind = models.EventText
		ev.Text = r.FormValue("Body")
	default:
		return models.InboundEvent{}, fmt.Errorf("missing message content")
	}
	return ev, nil
}

// mediaTypeOf maps a MIME type onto a WhatsApp media type.
func mediaTypeOf(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/webp"):
		return "sticker"
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "video/"):
		return "video"
	case strings.HasPrefix(mime, "audio/"):
		return "audio"
	default:
		return "document"
	}
}
