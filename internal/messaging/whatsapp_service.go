package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
// Whatsmeow cannot send the Cloud API message types, so envelopes go out as
// their text rendering.
type WhatsAppService struct {
	client   whatsapp.WhatsAppSender
	waClient *whatsapp.Client // access to underlying client for event handling
	receipts chan models.Receipt
	events   chan models.InboundEvent
	mu       sync.RWMutex
	stopped  bool
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates a new WhatsAppService wrapping the given WhatsAppSender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	service := &WhatsAppService{
		client:   client,
		receipts: make(chan models.Receipt, DefaultChannelBufferSize),
		events:   make(chan models.InboundEvent, DefaultChannelBufferSize),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return service
}

// ValidateAndCanonicalizeRecipient reduces a phone number to its digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start registers the whatsmeow event handler when a live client is available.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no live client, skipping event handling")
		return nil
	}
	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		case *events.Receipt:
			s.handleMessageReceipt(v)
		}
	})
	slog.Info("WhatsAppService.Start: event handler registered")
	return nil
}

// Stop closes the receipt and event channels.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.waClient != nil {
		s.waClient.Disconnect()
	}
	close(s.receipts)
	close(s.events)
	slog.Info("WhatsAppService stopped and channels closed")
	return nil
}

// Send renders env as text, sends it and emits a sent receipt.
func (s *WhatsAppService) Send(ctx context.Context, to string, env models.OutboundEnvelope) error {
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	body, err := RenderText(env)
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrServiceStopped
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService.Send failed", "error", err, "to", canonicalTo)
		return err
	}
	emit(s.receipts, models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()}, "receipt", canonicalTo)
	return nil
}

// Receipts returns a channel of receipt events.
func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Events returns a channel of inbound contact events.
func (s *WhatsAppService) Events() <-chan models.InboundEvent {
	return s.events
}

func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	ev, ok := inboundFromWhatsApp(evt)
	if !ok {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	slog.Debug("WhatsAppService incoming event", "contact", ev.ContactID, "kind", ev.Kind)
	emit(s.events, ev, "event", ev.ContactID)
}

func (s *WhatsAppService) handleMessageReceipt(evt *events.Receipt) {
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return
	}
	receipt := models.Receipt{To: evt.MessageSource.Sender.User, Status: status, Time: evt.Timestamp.Unix()}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	emit(s.receipts, receipt, "receipt", receipt.To)
}

// inboundFromWhatsApp converts a whatsmeow message into an inbound event.
// Own messages, group chats and unsupported message kinds are skipped.
func inboundFromWhatsApp(evt *events.Message) (models.InboundEvent, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.InboundEvent{}, false
	}
	ev := models.InboundEvent{
		ID:          evt.Info.ID,
		ContactID:   evt.Info.Sender.User,
		ContactName: evt.Info.PushName,
		ReceivedAt:  evt.Info.Timestamp,
	}
	m := evt.Message

	switch {
	case m.GetConversation() != "":
		ev.Kind, ev.Text = models.EventText, m.GetConversation()
	case m.GetExtendedTextMessage().GetText() != "":
		ev.Kind, ev.Text = models.EventText, m.GetExtendedTextMessage().GetText()
	case m.GetButtonsResponseMessage() != nil:
		r := m.GetButtonsResponseMessage()
		ev.Kind, ev.ReplyID, ev.ReplyTitle = models.EventInteractive, r.GetSelectedButtonID(), r.GetSelectedDisplayText()
	case m.GetListResponseMessage() != nil:
		r := m.GetListResponseMessage()
		ev.Kind, ev.ReplyID, ev.ReplyTitle = models.EventInteractive, r.GetSingleSelectReply().GetSelectedRowID(), r.GetTitle()
	case m.GetTemplateButtonReplyMessage() != nil:
		r := m.GetTemplateButtonReplyMessage()
		ev.Kind, ev.ReplyID, ev.ReplyTitle = models.EventInteractive, r.GetSelectedID(), r.GetSelectedDisplayText()
	case m.GetImageMessage() != nil:
		img := m.GetImageMessage()
		ev.Kind = models.EventMedia
		ev.Media = &models.MediaRef{Type: "image", Link: img.GetURL(), MimeType: img.GetMimetype(), Caption: img.GetCaption()}
	case m.GetVideoMessage() != nil:
		v := m.GetVideoMessage()
		ev.Kind = models.EventMedia
		ev.Media = &models.MediaRef{Type: "video", Link: v.GetURL(), MimeType: v.GetMimetype(), Caption: v.GetCaption()}
	case m.GetDocumentMessage() != nil:
		d := m.GetDocumentMessage()
		ev.Kind = models.EventMedia
		ev.Media = &models.MediaRef{Type: "document", Link: d.GetURL(), MimeType: d.GetMimetype(), Caption: d.GetCaption()}
	case m.GetAudioMessage() != nil:
		a := m.GetAudioMessage()
		ev.Kind = models.EventMedia
		ev.Media = &models.MediaRef{Type: "audio", Link: a.GetURL(), MimeType: a.GetMimetype()}
	case m.GetStickerMessage() != nil:
		st := m.GetStickerMessage()
		ev.Kind = models.EventMedia
		ev.Media = &models.MediaRef{Type: "sticker", Link: st.GetURL(), MimeType: st.GetMimetype()}
	case m.GetLocationMessage() != nil:
		loc := m.GetLocationMessage()
		ev.Kind = models.EventLocation
		ev.Location = &models.Coordinates{
			Latitude:  loc.GetDegreesLatitude(),
			Longitude: loc.GetDegreesLongitude(),
			Name:      loc.GetName(),
			Address:   loc.GetAddress(),
		}
	default:
		slog.Debug("inboundFromWhatsApp: ignoring unsupported message", "from", evt.Info.Sender.String())
		return models.InboundEvent{}, false
	}
	if ev.ContactID == "" {
		return models.InboundEvent{}, false
	}
	return ev, true
}
