package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/MediBot/internal/models"
	"github.com/BTreeMap/MediBot/internal/whatsapp"
)

// WhatsAppService implements Service on top of the whatsmeow client.
type WhatsAppService struct {
	client   whatsapp.WhatsAppSender
	waClient *whatsapp.Client // set when client is the real connection
	ready    atomic.Bool
	events   chan models.InboundEvent
	receipts chan models.Receipt
	mu       sync.RWMutex
	stopped  bool
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService wraps client. When client is a *whatsapp.Client the service
// subscribes to its events in Start; otherwise events must be fed through dispatch.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	s := &WhatsAppService{
		client:   client,
		events:   make(chan models.InboundEvent, DefaultChannelBufferSize),
		receipts: make(chan models.Receipt, DefaultChannelBufferSize),
	}
	if wa, ok := client.(*whatsapp.Client); ok {
		s.waClient = wa
	}
	return s
}

// Start registers the event handler and connects.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil {
		slog.Debug("messaging.WhatsAppService.Start: no live client, skipping connect")
		return nil
	}
	s.waClient.AddEventHandler(s.dispatch)
	if err := s.waClient.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect WhatsApp: %w", err)
	}
	return nil
}

// Stop disconnects and closes the channels.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	s.ready.Store(false)
	if s.waClient != nil {
		s.waClient.Disconnect()
	}
	close(s.events)
	close(s.receipts)
	slog.Info("messaging.WhatsAppService.Stop: stopped")
	return nil
}

// IsReady reports whether the connection signalled readiness.
func (s *WhatsAppService) IsReady() bool {
	return s.ready.Load()
}

// SendMessage sends body to the chat id and returns the WhatsApp message id.
func (s *WhatsAppService) SendMessage(ctx context.Context, to, body string) (string, error) {
	if !s.ready.Load() {
		return "", ErrTransportNotReady
	}
	id, err := s.client.SendMessage(ctx, to, body)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTransportSendError, err)
	}
	s.emitReceipt(models.Receipt{To: to, MessageID: id, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return id, nil
}

// SendTypingIndicator sets or clears the composing state.
func (s *WhatsAppService) SendTypingIndicator(ctx context.Context, to string, typing bool) error {
	if !s.ready.Load() {
		return ErrTransportNotReady
	}
	return s.client.SendTyping(ctx, to, typing)
}

// Events returns inbound message events.
func (s *WhatsAppService) Events() <-chan models.InboundEvent {
	return s.events
}

// Receipts returns delivery receipts.
func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// dispatch handles one whatsmeow event.
func (s *WhatsAppService) dispatch(evt any) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleIncomingMessage(v)
	case *events.Receipt:
		s.handleMessageReceipt(v)
	case *events.Connected:
		s.ready.Store(true)
		slog.Info("messaging.WhatsAppService: connected, ready")
	case *events.Disconnected:
		s.ready.Store(false)
		slog.Warn("messaging.WhatsAppService: disconnected")
	case *events.LoggedOut:
		s.ready.Store(false)
		slog.Error("messaging.WhatsAppService: logged out", "reason", v.Reason)
	case *events.StreamReplaced:
		s.ready.Store(false)
		slog.Warn("messaging.WhatsAppService: stream replaced by another client")
	case *events.PairSuccess:
		slog.Info("messaging.WhatsAppService: paired", "jid", v.ID.String(), "platform", v.Platform)
	case *events.QR:
		slog.Info("messaging.WhatsAppService: QR codes issued", "count", len(v.Codes))
	default:
		slog.Debug("messaging.WhatsAppService: ignoring event", "type", fmt.Sprintf("%T", evt))
	}
}

// InboundFromWhatsApp converts a whatsmeow message event. It returns false for
// non-text messages.
func InboundFromWhatsApp(evt *events.Message) (models.InboundEvent, bool) {
	if evt.Message == nil {
		return models.InboundEvent{}, false
	}
	var text string
	switch {
	case evt.Message.Conversation != nil:
		text = *evt.Message.Conversation
	case evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil:
		text = *evt.Message.ExtendedTextMessage.Text
	default:
		return models.InboundEvent{}, false
	}

	channel := models.ChannelMessage
	if evt.Info.IsFromMe {
		channel = models.ChannelMessageCreate
	}
	return models.InboundEvent{
		ID:             string(evt.Info.ID),
		Channel:        channel,
		ConversationID: evt.Info.Chat.String(),
		Sender:         evt.Info.Sender.String(),
		SenderName:     evt.Info.PushName,
		Body:           text,
		FromMe:         evt.Info.IsFromMe,
		IsGroup:        evt.Info.IsGroup || evt.Info.Chat.Server == types.GroupServer,
		IsStatus:       evt.Info.Chat == types.StatusBroadcastJID,
		Timestamp:      evt.Info.Timestamp,
	}, true
}

func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	in, ok := InboundFromWhatsApp(evt)
	if !ok {
		slog.Debug("messaging.WhatsAppService: ignoring non-text message", "chat", evt.Info.Chat.String())
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	if !emit(s.events, in) {
		slog.Warn("messaging.WhatsAppService: events channel blocked, dropping message", "id", in.ID, "timeout", DefaultChannelTimeout)
	}
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
	for _, id := range evt.MessageIDs {
		s.emitReceipt(models.Receipt{To: evt.Chat.String(), MessageID: string(id), Status: status, Time: evt.Timestamp.Unix()})
	}
}

func (s *WhatsAppService) emitReceipt(r models.Receipt) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	if !emit(s.receipts, r) {
		slog.Warn("messaging.WhatsAppService: receipts channel blocked, dropping receipt", "to", r.To)
	}
}
