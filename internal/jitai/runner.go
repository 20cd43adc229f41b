package jitai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/MediBot/internal/contract"
	"github.com/BTreeMap/MediBot/internal/models"
	"github.com/BTreeMap/MediBot/internal/snapshot"
	"github.com/BTreeMap/MediBot/internal/store"
	"github.com/BTreeMap/MediBot/internal/util"
)

// Defaults for the outreach runner.
const (
	DefaultConcurrency  = 4
	DefaultSendTimeout  = 30 * time.Second
	DefaultLookbackDays = 30
	// MaxFollowUpDelay caps follow_up_in_hours.
	MaxFollowUpDelay = 48 * time.Hour
)

// Sender delivers a text message and returns the transport message id.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) (string, error)
}

// SentRecorder records identifiers of messages the bot produced.
type SentRecorder interface {
	Add(id string) bool
}

// FollowUpScheduler runs fn after delay, replacing any pending function for key.
type FollowUpScheduler interface {
	ScheduleAfter(key string, delay time.Duration, fn func())
}

// RunnerOption configures an OutreachRunner.
type RunnerOption func(*OutreachRunner)

// WithConcurrency bounds how many participants are decided in parallel.
func WithConcurrency(n int) RunnerOption {
	return func(r *OutreachRunner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithSendTimeout bounds each outbound send.
func WithSendTimeout(d time.Duration) RunnerOption {
	return func(r *OutreachRunner) { r.sendTimeout = d }
}

// WithSentRecorder registers delivered message ids for echo suppression.
func WithSentRecorder(s SentRecorder) RunnerOption {
	return func(r *OutreachRunner) { r.sent = s }
}

// WithFollowUps enables follow-up decisions requested through follow_up_in_hours.
func WithFollowUps(f FollowUpScheduler) RunnerOption {
	return func(r *OutreachRunner) { r.followUps = f }
}

// WithKeyedMutex shares per-conversation exclusion with the inbound event handler.
func WithKeyedMutex(k *util.KeyedMutex) RunnerOption {
	return func(r *OutreachRunner) {
		if k != nil {
			r.locks = k
		}
	}
}

// WithBaseContext is the context follow-up decisions run under.
func WithBaseContext(ctx context.Context) RunnerOption {
	return func(r *OutreachRunner) { r.baseCtx = ctx }
}

// OutreachRunner calls the DecisionEngine at decision points and acts on the result:
// it persists every decision, delivers the ones that send, and tracks nonresponses.
type OutreachRunner struct {
	store       store.Store
	builder     *snapshot.Builder
	engine      *DecisionEngine
	sender      Sender
	sent        SentRecorder
	followUps   FollowUpScheduler
	locks       *util.KeyedMutex
	baseCtx     context.Context
	concurrency int
	sendTimeout time.Duration
	now         func() time.Time
}

// NewOutreachRunner wires a runner. sender may be nil for dry runs that only persist decisions.
func NewOutreachRunner(st store.Store, builder *snapshot.Builder, engine *DecisionEngine, sender Sender, opts ...RunnerOption) *OutreachRunner {
	r := &OutreachRunner{
		store:       st,
		builder:     builder,
		engine:      engine,
		sender:      sender,
		locks:       util.NewKeyedMutex(),
		baseCtx:     context.Background(),
		concurrency: DefaultConcurrency,
		sendTimeout: DefaultSendTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunDecisionPoint decides for every participant. Failures for one participant do not
// stop the others; they are joined into the returned error.
func (r *OutreachRunner) RunDecisionPoint(ctx context.Context, point models.DecisionPoint) error {
	participants, err := r.store.ListParticipants()
	if err != nil {
		return fmt.Errorf("failed to list participants: %w", err)
	}
	slog.Info("jitai.OutreachRunner.RunDecisionPoint: starting", "decisionPoint", point, "participants", len(participants))

	var (
		mu   sync.Mutex
		errs []error
		sent int
	)
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, p := range participants {
		id := p.ID
		g.Go(func() error {
			rec, err := r.DecideFor(ctx, id, point)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("participant %s: %w", id, err))
				return nil
			}
			if rec.Delivered {
				sent++
			}
			return nil
		})
	}
	_ = g.Wait()

	slog.Info("jitai.OutreachRunner.RunDecisionPoint: finished", "decisionPoint", point, "participants", len(participants), "sent", sent, "failed", len(errs))
	return errors.Join(errs...)
}

// DecideFor runs one decision for a participant and acts on it.
func (r *OutreachRunner) DecideFor(ctx context.Context, participantID string, point models.DecisionPoint) (*models.DecisionRecord, error) {
	if !models.IsValidDecisionPoint(point) {
		return nil, models.ErrInvalidDecisionPoint
	}
	unlock := r.locks.Lock(participantID)
	defer unlock()

	p, err := r.store.GetParticipant(participantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load participant: %w", err)
	}
	if n := r.builder.Nonresponses(*p); n != p.ConsecutiveNonresponses {
		slog.Debug("jitai.OutreachRunner.DecideFor: nonresponse pause lapsed", "participantID", p.ID, "stored", p.ConsecutiveNonresponses)
		p.ConsecutiveNonresponses = n
	}
	adherence, err := r.store.ListAdherence(p.ID, r.builder.SinceDay(*p, DefaultLookbackDays))
	if err != nil {
		return nil, fmt.Errorf("failed to load adherence: %w", err)
	}
	snap, err := r.builder.ForDecision(*p, adherence, point)
	if err != nil {
		return nil, err
	}

	res, err := r.engine.Evaluate(ctx, snap)
	if err != nil {
		return nil, err
	}

	rec := &models.DecisionRecord{
		ID:              uuid.NewString(),
		ParticipantID:   p.ID,
		DecisionPoint:   point,
		ContractVersion: contract.Version,
		Decision:        res.Decision,
		Overridden:      res.Overridden,
		CreatedAt:       r.now().UTC(),
	}

	var sendErr error
	if res.Decision.Send && r.sender != nil {
		sendErr = r.deliver(ctx, p, rec)
	}

	if err := r.store.SaveDecision(*rec); err != nil {
		slog.Error("jitai.OutreachRunner.DecideFor: failed to save decision", "participantID", p.ID, "error", err)
		return rec, fmt.Errorf("failed to save decision: %w", err)
	}

	if res.Decision.FollowUpInHours > 0 && r.followUps != nil {
		delay := followUpDelay(res.Decision.FollowUpInHours)
		id := p.ID
		r.followUps.ScheduleAfter(id, delay, func() { r.followUp(id) })
		slog.Debug("jitai.OutreachRunner.DecideFor: follow-up scheduled", "participantID", id, "delay", delay, "requestedHours", res.Decision.FollowUpInHours)
	}

	if sendErr != nil {
		return rec, sendErr
	}
	return rec, nil
}

// followUpDelay converts follow_up_in_hours to a delay no longer than MaxFollowUpDelay.
func followUpDelay(hours float64) time.Duration {
	if hours >= MaxFollowUpDelay.Hours() {
		return MaxFollowUpDelay
	}
	return time.Duration(hours * float64(time.Hour))
}

// followUp runs a follow-up decision at the decision point matching the participant's
// local time when it fires.
func (r *OutreachRunner) followUp(id string) {
	point := models.DecisionPointEvening
	if p, err := r.store.GetParticipant(id); err == nil {
		point = r.builder.CurrentDecisionPoint(*p)
	}
	if _, err := r.DecideFor(r.baseCtx, id, point); err != nil {
		slog.Error("jitai.OutreachRunner: follow-up decision failed", "participantID", id, "decisionPoint", point, "error", err)
	}
}

func (r *OutreachRunner) deliver(ctx context.Context, p *models.Participant, rec *models.DecisionRecord) error {
	body := FormatOutreach(rec.Decision)
	if body == "" {
		slog.Warn("jitai.OutreachRunner.deliver: decision to send has no text, skipping", "participantID", p.ID)
		return nil
	}

	sendCtx := ctx
	if r.sendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, r.sendTimeout)
		defer cancel()
	}
	msgID, err := r.sender.SendMessage(sendCtx, p.ID, body)
	if err != nil {
		slog.Error("jitai.OutreachRunner.deliver: send failed", "participantID", p.ID, "error", err)
		r.addReceipt(p.ID, "", models.MessageStatusFailed)
		return fmt.Errorf("failed to deliver outreach: %w", err)
	}
	if msgID != "" && r.sent != nil {
		r.sent.Add(msgID)
	}

	now := r.now().UTC()
	rec.Delivered = true
	rec.MessageID = msgID
	p.LastMessage = body
	p.LastOutreachAt = &now
	p.ConsecutiveNonresponses++
	if err := r.store.SaveParticipant(*p); err != nil {
		slog.Error("jitai.OutreachRunner.deliver: failed to update participant", "participantID", p.ID, "error", err)
	}
	slog.Info("jitai.OutreachRunner.deliver: outreach sent", "participantID", p.ID, "messageID", msgID, "consecutiveNonresponses", p.ConsecutiveNonresponses)
	return nil
}

// addReceipt records sends the transport never saw succeed; successful sends arrive on
// the transport's own receipt stream.
func (r *OutreachRunner) addReceipt(to, msgID string, status models.MessageStatus) {
	if err := r.store.AddReceipt(models.Receipt{To: to, MessageID: msgID, Status: status, Time: r.now().Unix()}); err != nil {
		slog.Warn("jitai.OutreachRunner: failed to record receipt", "to", to, "error", err)
	}
}

// RecordReply marks that the participant answered: nonresponses reset and the reply is
// kept for the next decision. Unknown participants are ignored.
func (r *OutreachRunner) RecordReply(participantID, body string) error {
	p, err := r.store.GetParticipant(participantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load participant: %w", err)
	}
	p.ConsecutiveNonresponses = 0
	p.LastUserReply = body
	if err := r.store.SaveParticipant(*p); err != nil {
		return fmt.Errorf("failed to save participant: %w", err)
	}
	slog.Debug("jitai.OutreachRunner.RecordReply: nonresponses reset", "participantID", participantID)
	return nil
}

// FormatOutreach renders a Decision as chat text: the long message (or the short
// notification when empty) followed by numbered quick replies.
func FormatOutreach(d models.Decision) string {
	text := strings.TrimSpace(d.LongMessage)
	if text == "" {
		text = strings.TrimSpace(d.ShortNotification)
	}
	return withQuickReplies(text, d.SuggestedButtons)
}

// FormatChat renders a Chat reply with numbered quick replies.
func FormatChat(c models.Chat) string {
	return withQuickReplies(strings.TrimSpace(c.Message), c.SuggestedButtons)
}

func withQuickReplies(text string, buttons []string) string {
	if text == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString(text)
	n := 0
	for _, btn := range buttons {
		btn = strings.TrimSpace(btn)
		if btn == "" {
			continue
		}
		if n == 0 {
			b.WriteString("\n")
		}
		n++
		fmt.Fprintf(&b, "\n%d. %s", n, btn)
	}
	return b.String()
}
