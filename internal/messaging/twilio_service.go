package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/MediBot/internal/models"
	"github.com/BTreeMap/MediBot/internal/twiliowhatsapp"
)

// TwilioService implements Service using the Twilio API. Inbound messages arrive through
// WebhookHandler.
type TwilioService struct {
	client    twiliowhatsapp.TwilioWhatsAppSender
	validator twiliowhatsapp.WebhookValidator
	publicURL string
	events    chan models.InboundEvent
	receipts  chan models.Receipt
	mu        sync.RWMutex
	started   bool
	stopped   bool
}

var _ Service = (*TwilioService)(nil)

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithWebhookValidation verifies X-Twilio-Signature against publicURL, the externally
// visible webhook URL.
func WithWebhookValidation(v twiliowhatsapp.WebhookValidator, publicURL string) TwilioOption {
	return func(s *TwilioService) {
		s.validator = v
		s.publicURL = publicURL
	}
}

// NewTwilioService wraps client.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{
		client:   client,
		events:   make(chan models.InboundEvent, DefaultChannelBufferSize),
		receipts: make(chan models.Receipt, DefaultChannelBufferSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start marks the service ready; the REST API needs no connection.
func (s *TwilioService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrServiceStopped
	}
	s.started = true
	slog.Info("messaging.TwilioService.Start: ready", "webhookValidation", s.validator != nil)
	return nil
}

// Stop closes the channels.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.events)
	close(s.receipts)
	return nil
}

// IsReady reports whether Start ran and Stop did not.
func (s *TwilioService) IsReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started && !s.stopped
}

// SendMessage sends via Twilio and returns the message SID.
func (s *TwilioService) SendMessage(ctx context.Context, to, body string) (string, error) {
	if !s.IsReady() {
		return "", ErrTransportNotReady
	}
	sid, err := s.client.SendMessage(ctx, twiliowhatsapp.Number(to), body)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTransportSendError, err)
	}
	s.emitReceipt(models.Receipt{To: to, MessageID: sid, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return sid, nil
}

// SendTypingIndicator is a no-op; Twilio has no typing indicator for WhatsApp.
func (s *TwilioService) SendTypingIndicator(ctx context.Context, to string, typing bool) error {
	if !s.IsReady() {
		return ErrTransportNotReady
	}
	return nil
}

// Events returns inbound message events.
func (s *TwilioService) Events() <-chan models.InboundEvent {
	return s.events
}

// Receipts returns delivery receipts.
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// twilioStatuses maps Twilio status callback values to receipt statuses.
var twilioStatuses = map[string]models.MessageStatus{
	"sent":        models.MessageStatusSent,
	"delivered":   models.MessageStatusDelivered,
	"read":        models.MessageStatusRead,
	"failed":      models.MessageStatusFailed,
	"undelivered": models.MessageStatusFailed,
}

// WebhookHandler accepts Twilio inbound message and status callback requests.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("messaging.TwilioService.WebhookHandler: bad form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.validator.ValidateWebhook(s.publicURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("messaging.TwilioService.WebhookHandler: invalid signature")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	sid := r.PostForm.Get("MessageSid")
	if status := r.PostForm.Get("MessageStatus"); status != "" && r.PostForm.Get("Body") == "" {
		if st, ok := twilioStatuses[status]; ok {
			s.emitReceipt(models.Receipt{To: twiliowhatsapp.Number(r.PostForm.Get("To")), MessageID: sid, Status: st, Time: time.Now().Unix()})
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	from := twiliowhatsapp.Number(r.PostForm.Get("From"))
	body := r.PostForm.Get("Body")
	if from == "" || body == "" {
		slog.Warn("messaging.TwilioService.WebhookHandler: missing fields", "from_set", from != "", "body_set", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	in := models.InboundEvent{
		ID:             sid,
		Channel:        models.ChannelMessage,
		ConversationID: from,
		Sender:         from,
		SenderName:     r.PostForm.Get("ProfileName"),
		Body:           body,
		IsGroup:        strings.Contains(from, "@g.us"),
		Timestamp:      time.Now(),
	}
	if !s.emitEvent(in) {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	slog.Debug("messaging.TwilioService.WebhookHandler: inbound message queued", "id", sid, "from", from)
	w.WriteHeader(http.StatusNoContent)
}

func (s *TwilioService) emitEvent(in models.InboundEvent) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("messaging.TwilioService: dropping inbound message, service stopped", "id", in.ID)
		return false
	}
	if !emit(s.events, in) {
		slog.Warn("messaging.TwilioService: events channel blocked, dropping message", "id", in.ID)
		return false
	}
	return true
}

func (s *TwilioService) emitReceipt(r models.Receipt) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	if !emit(s.receipts, r) {
		slog.Warn("messaging.TwilioService: receipts channel blocked, dropping receipt", "to", r.To)
	}
}
