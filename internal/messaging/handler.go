package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/BTreeMap/MediBot/internal/conversation"
	"github.com/BTreeMap/MediBot/internal/dedup"
	"github.com/BTreeMap/MediBot/internal/jitai"
	"github.com/BTreeMap/MediBot/internal/models"
	"github.com/BTreeMap/MediBot/internal/snapshot"
	"github.com/BTreeMap/MediBot/internal/store"
	"github.com/BTreeMap/MediBot/internal/util"
)

const (
	// ApologyMessage is sent when a reply could not be produced or delivered.
	ApologyMessage = "I'm sorry, I encountered an error processing your message. Please try again."
	// DefaultChatTimeout bounds the chat engine call, including the oracle round trip.
	DefaultChatTimeout = 90 * time.Second
	// DefaultSendTimeout bounds each transport send.
	DefaultSendTimeout = 30 * time.Second
)

// DefaultTrigger matches messages addressed to the bot.
var DefaultTrigger = regexp.MustCompile(`(?i)^\s*hi\s+medi\b`)

// Outcome is the terminal state of one inbound event.
type Outcome string

const (
	OutcomeWrongChannel Outcome = "wrong_channel"
	OutcomeEcho         Outcome = "echo"
	OutcomeSelfIgnored  Outcome = "self_ignored"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeOutOfScope   Outcome = "out_of_scope"
	OutcomeReplied      Outcome = "replied"
	OutcomeApologized   Outcome = "apologized"
	OutcomeFailed       Outcome = "failed"
)

// ChatResponder produces a validated Chat reply for a snapshot.
type ChatResponder interface {
	Chat(ctx context.Context, snap models.ContextSnapshot) (models.Chat, error)
}

// ReplyRecorder is told about every in-scope message from a participant.
type ReplyRecorder interface {
	RecordReply(participantID, body string) error
}

// ParticipantSource provides participant state for chat snapshots.
type ParticipantSource interface {
	GetParticipant(id string) (*models.Participant, error)
	ListAdherence(participantID, sinceDay string) ([]models.AdherenceEvent, error)
}

// HandlerOption configures an EventHandler.
type HandlerOption func(*EventHandler)

// WithInboundSet replaces the processed-inbound id set.
func WithInboundSet(s *dedup.Set) HandlerOption {
	return func(h *EventHandler) { h.processed = s }
}

// WithSentSet replaces the sent-by-bot id set. Share it with the outreach runner so
// proactive messages are recognized as echoes too.
func WithSentSet(s *dedup.Set) HandlerOption {
	return func(h *EventHandler) { h.sent = s }
}

// WithLocks shares per-conversation exclusion with other writers.
func WithLocks(k *util.KeyedMutex) HandlerOption {
	return func(h *EventHandler) { h.locks = k }
}

// WithTrigger replaces the invocation pattern.
func WithTrigger(re *regexp.Regexp) HandlerOption {
	return func(h *EventHandler) { h.trigger = re }
}

// WithParticipants enables participant context in chat snapshots.
func WithParticipants(p ParticipantSource) HandlerOption {
	return func(h *EventHandler) { h.participants = p }
}

// WithReplyRecorder registers the hook for in-scope messages.
func WithReplyRecorder(r ReplyRecorder) HandlerOption {
	return func(h *EventHandler) { h.replies = r }
}

// WithChatTimeout bounds the chat engine call.
func WithChatTimeout(d time.Duration) HandlerOption {
	return func(h *EventHandler) { h.chatTimeout = d }
}

// WithHandlerSendTimeout bounds each transport send.
func WithHandlerSendTimeout(d time.Duration) HandlerOption {
	return func(h *EventHandler) { h.sendTimeout = d }
}

// HandlerStats is a snapshot of handler counters and dedup set sizes.
type HandlerStats struct {
	Received     int64 `json:"received"`
	Replied      int64 `json:"replied"`
	Apologized   int64 `json:"apologized"`
	Dropped      int64 `json:"dropped"`
	InboundIDs   int   `json:"inbound_ids"`
	InboundLimit int   `json:"inbound_limit"`
	SentIDs      int   `json:"sent_ids"`
	SentLimit    int   `json:"sent_limit"`
}

// EventHandler filters inbound events and answers the in-scope ones with the chat engine.
type EventHandler struct {
	service       Service
	conversations *conversation.Store
	chat          ChatResponder
	builder       *snapshot.Builder
	participants  ParticipantSource
	replies       ReplyRecorder
	processed     *dedup.Set
	sent          *dedup.Set
	locks         *util.KeyedMutex
	trigger       *regexp.Regexp
	chatTimeout   time.Duration
	sendTimeout   time.Duration

	received   atomic.Int64
	replied    atomic.Int64
	apologized atomic.Int64
	dropped    atomic.Int64
}

// NewEventHandler wires a handler. Dedup sets and locks default to fresh instances.
func NewEventHandler(service Service, conversations *conversation.Store, chat ChatResponder, builder *snapshot.Builder, opts ...HandlerOption) *EventHandler {
	h := &EventHandler{
		service:       service,
		conversations: conversations,
		chat:          chat,
		builder:       builder,
		processed:     dedup.NewSet(dedup.DefaultInboundCapacity),
		sent:          dedup.NewSet(dedup.DefaultSentCapacity),
		locks:         util.NewKeyedMutex(),
		trigger:       DefaultTrigger,
		chatTimeout:   DefaultChatTimeout,
		sendTimeout:   DefaultSendTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SentSet returns the sent-by-bot id set.
func (h *EventHandler) SentSet() *dedup.Set {
	return h.sent
}

// Stats returns counters and dedup set sizes.
func (h *EventHandler) Stats() HandlerStats {
	return HandlerStats{
		Received:     h.received.Load(),
		Replied:      h.replied.Load(),
		Apologized:   h.apologized.Load(),
		Dropped:      h.dropped.Load(),
		InboundIDs:   h.processed.Len(),
		InboundLimit: h.processed.Capacity(),
		SentIDs:      h.sent.Len(),
		SentLimit:    h.sent.Capacity(),
	}
}

// Run handles events until the channel closes or ctx is done, then waits for
// in-flight events. Events of one conversation are handled one at a time in arrival
// order; conversations proceed in parallel. Events still queued when ctx is done are
// dropped.
func (h *EventHandler) Run(ctx context.Context, events <-chan models.InboundEvent) {
	queues := newConversationQueues(func(ev models.InboundEvent) {
		if ctx.Err() != nil {
			slog.Debug("messaging.EventHandler.Run: shutting down, event dropped", "id", ev.StableID(), "conversation", ev.ConversationID)
			return
		}
		h.HandleEvent(ctx, ev)
	})
	defer queues.wait()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			queues.enqueue(ev)
		}
	}
}

// admit decides whether ev enters processing. It returns the drop outcome, or "" to
// continue.
func (h *EventHandler) admit(ev models.InboundEvent) Outcome {
	switch {
	case ev.Channel == models.ChannelMessage && ev.FromMe:
		return OutcomeWrongChannel
	case ev.Channel == models.ChannelMessageCreate && !ev.FromMe:
		return OutcomeWrongChannel
	}
	id := ev.StableID()
	if h.sent.Contains(id) {
		return OutcomeEcho
	}
	if ev.FromMe && (ev.IsGroup || ev.IsStatus) {
		return OutcomeSelfIgnored
	}
	if !h.processed.Add(id) {
		return OutcomeDuplicate
	}
	if !h.trigger.MatchString(ev.Body) {
		return OutcomeOutOfScope
	}
	return ""
}

// HandleEvent runs one inbound event to a terminal state. Engine and transport errors
// never escape; the user gets the apology message instead.
func (h *EventHandler) HandleEvent(ctx context.Context, ev models.InboundEvent) Outcome {
	h.received.Add(1)
	if out := h.admit(ev); out != "" {
		h.dropped.Add(1)
		slog.Debug("messaging.EventHandler.HandleEvent: dropped", "id", ev.StableID(), "channel", ev.Channel, "outcome", out)
		return out
	}

	convID := ev.ConversationID
	unlock := h.locks.Lock(convID)
	defer unlock()

	slog.Info("messaging.EventHandler.HandleEvent: processing", "id", ev.StableID(), "conversation", convID, "length", len(ev.Body))
	h.conversations.Append(convID, conversation.RoleUser, ev.Body)
	if h.replies != nil {
		if err := h.replies.RecordReply(convID, ev.Body); err != nil {
			slog.Warn("messaging.EventHandler.HandleEvent: failed to record reply", "conversation", convID, "error", err)
		}
	}

	reply, err := h.generate(ctx, ev)
	if err != nil {
		slog.Error("messaging.EventHandler.HandleEvent: reply generation failed", "conversation", convID, "error", err)
		return h.apologize(ctx, convID)
	}

	h.conversations.Append(convID, conversation.RoleAssistant, reply)
	if _, err := h.send(ctx, convID, reply); err != nil {
		slog.Error("messaging.EventHandler.HandleEvent: reply delivery failed", "conversation", convID, "error", err)
		return h.apologize(ctx, convID)
	}
	h.replied.Add(1)
	return OutcomeReplied
}

func (h *EventHandler) generate(ctx context.Context, ev models.InboundEvent) (string, error) {
	p := models.Participant{ID: ev.ConversationID, Name: ev.SenderName}
	var adherence []models.AdherenceEvent
	if h.participants != nil {
		stored, err := h.participants.GetParticipant(ev.ConversationID)
		switch {
		case err == nil:
			p = *stored
			adherence, err = h.participants.ListAdherence(p.ID, h.builder.SinceDay(p, jitai.DefaultLookbackDays))
			if err != nil {
				return "", fmt.Errorf("failed to load adherence: %w", err)
			}
		case !errors.Is(err, store.ErrNotFound):
			return "", fmt.Errorf("failed to load participant: %w", err)
		}
	}

	var lastAssistant *string
	if conv := h.conversations.GetOrCreate(ev.ConversationID); conv != nil {
		if last, ok := conv.LastByRole(conversation.RoleAssistant); ok {
			lastAssistant = &last
		}
	}
	snap, err := h.builder.ForChat(p, adherence, lastAssistant, ev.Body)
	if err != nil {
		return "", err
	}

	h.typing(ctx, ev.ConversationID, true)
	defer h.typing(ctx, ev.ConversationID, false)

	chatCtx, cancel := context.WithTimeout(ctx, h.chatTimeout)
	defer cancel()
	c, err := h.chat.Chat(chatCtx, snap)
	if err != nil {
		return "", err
	}
	text := jitai.FormatChat(c)
	if text == "" {
		return "", fmt.Errorf("chat engine returned an empty message")
	}
	return text, nil
}

func (h *EventHandler) typing(ctx context.Context, to string, on bool) {
	if err := h.service.SendTypingIndicator(ctx, to, on); err != nil {
		slog.Debug("messaging.EventHandler: typing indicator failed", "conversation", to, "typing", on, "error", err)
	}
}

func (h *EventHandler) send(ctx context.Context, to, body string) (string, error) {
	sendCtx, cancel := context.WithTimeout(ctx, h.sendTimeout)
	defer cancel()
	id, err := h.service.SendMessage(sendCtx, to, body)
	if err != nil {
		return "", err
	}
	if id != "" {
		h.sent.Add(id)
	}
	return id, nil
}

func (h *EventHandler) apologize(ctx context.Context, to string) Outcome {
	if _, err := h.send(ctx, to, ApologyMessage); err != nil {
		slog.Error("messaging.EventHandler: apology delivery failed", "conversation", to, "error", err)
		return OutcomeFailed
	}
	h.apologized.Add(1)
	return OutcomeApologized
}
