// Package snapshot assembles the immutable ContextSnapshot consumed by prompt construction.
package snapshot

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/MediBot/internal/models"
)

const dayLayout = "2006-01-02"

// QuietHours is a daily local-time window, possibly wrapping midnight, during which
// proactive messages are forbidden.
type QuietHours struct {
	Start time.Duration // offset from local midnight
	End   time.Duration
}

// DefaultQuietHours is 9:00 PM to 8:00 AM.
var DefaultQuietHours = QuietHours{Start: 21 * time.Hour, End: 8 * time.Hour}

// Contains reports whether the wall-clock time of t falls inside the window.
func (q QuietHours) Contains(t time.Time) bool {
	offset := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second
	if q.Start == q.End {
		return false
	}
	if q.Start < q.End {
		return offset >= q.Start && offset < q.End
	}
	return offset >= q.Start || offset < q.End
}

// Option configures a Builder.
type Option func(*Builder)

// WithQuietHours overrides the quiet-hours window.
func WithQuietHours(q QuietHours) Option {
	return func(b *Builder) { b.quiet = q }
}

// WithDefaultLocation sets the timezone used for participants without one.
func WithDefaultLocation(loc *time.Location) Option {
	return func(b *Builder) {
		if loc != nil {
			b.defaultLoc = loc
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// Builder derives snapshots from participant state and adherence history.
type Builder struct {
	quiet      QuietHours
	defaultLoc *time.Location
	now        func() time.Time
}

// NewBuilder creates a Builder with 21:00-08:00 quiet hours in UTC unless overridden.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{quiet: DefaultQuietHours, defaultLoc: time.UTC, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Location resolves the participant's timezone, falling back to the builder default.
func (b *Builder) Location(p models.Participant) *time.Location {
	if p.Timezone == "" {
		return b.defaultLoc
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		slog.Warn("snapshot.Builder.Location: unknown timezone, using default", "participantID", p.ID, "timezone", p.Timezone, "error", err)
		return b.defaultLoc
	}
	return loc
}

// IsQuietHours reports whether now is inside quiet hours for the participant.
func (b *Builder) IsQuietHours(p models.Participant) bool {
	return b.quiet.Contains(b.now().In(b.Location(p)))
}

// ForDecision builds the snapshot for a scheduled decision point.
func (b *Builder) ForDecision(p models.Participant, adherence []models.AdherenceEvent, point models.DecisionPoint) (models.ContextSnapshot, error) {
	snap := b.base(p, adherence)
	snap.DecisionPoint = point
	snap.LastUserReply = optional(p.LastUserReply)
	snap.Windows = &models.Windows{
		MorningWindow: orDefault(p.MorningWindow, models.DefaultMorningWindow),
		EveningWindow: orDefault(p.EveningWindow, models.DefaultEveningWindow),
	}
	if err := snap.ValidateForDecision(); err != nil {
		return models.ContextSnapshot{}, fmt.Errorf("invalid decision snapshot: %w", err)
	}
	return snap, nil
}

// ForChat builds the snapshot for a reactive reply. lastMessage is the most recent
// assistant message in the live conversation; when nil the participant's last outreach
// message is used.
func (b *Builder) ForChat(p models.Participant, adherence []models.AdherenceEvent, lastMessage *string, userMessage string) (models.ContextSnapshot, error) {
	snap := b.base(p, adherence)
	snap.UserMessage = userMessage
	if lastMessage != nil {
		snap.LastMessage = lastMessage
	}
	if err := snap.Validate(); err != nil {
		return models.ContextSnapshot{}, fmt.Errorf("invalid chat snapshot: %w", err)
	}
	return snap, nil
}

func (b *Builder) base(p models.Participant, adherence []models.AdherenceEvent) models.ContextSnapshot {
	loc := b.Location(p)
	now := b.now()
	local := now.In(loc)

	barriers := make([]string, len(p.KnownBarriers))
	copy(barriers, p.KnownBarriers)

	return models.ContextSnapshot{
		UserID:                  p.ID,
		Now:                     now,
		LocalTime:               local.Format(time.RFC3339),
		IsQuietHours:            b.quiet.Contains(local),
		ConsecutiveNonresponses: b.Nonresponses(p),
		RecentAdherence:         Summarize(adherence, local),
		LastMessage:             optional(p.LastMessage),
		KnownBarriers:           barriers,
		Preferences: models.Preferences{
			Tone:     p.Tone,
			Language: p.Language,
			Name:     p.Name,
		},
	}
}

// Summarize computes the trailing seven-day counts and the current taken streak as of
// the calendar day of localNow. When several events exist for one day the latest wins.
// The streak counts consecutive taken days ending today, or yesterday if today has no
// record yet.
func Summarize(events []models.AdherenceEvent, localNow time.Time) models.RecentAdherence {
	byDay := make(map[string]models.AdherenceEvent, len(events))
	for _, e := range events {
		if prev, ok := byDay[e.Day]; ok && prev.RecordedAt.After(e.RecordedAt) {
			continue
		}
		byDay[e.Day] = e
	}

	today := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), 0, 0, 0, 0, localNow.Location())
	var out models.RecentAdherence
	for i := 0; i < 7; i++ {
		e, ok := byDay[today.AddDate(0, 0, -i).Format(dayLayout)]
		if !ok {
			continue
		}
		if e.Taken {
			out.Last7.Taken++
		} else {
			out.Last7.Missed++
		}
	}

	day := today
	if _, ok := byDay[day.Format(dayLayout)]; !ok {
		day = day.AddDate(0, 0, -1)
	}
	for {
		e, ok := byDay[day.Format(dayLayout)]
		if !ok || !e.Taken {
			break
		}
		out.Streak++
		day = day.AddDate(0, 0, -1)
	}
	return out
}

// SinceDay returns the YYYY-MM-DD day that is days before the participant's local today.
// Adherence loaded from that day onward is enough for Summarize.
func (b *Builder) SinceDay(p models.Participant, days int) string {
	local := b.now().In(b.Location(p))
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
	return start.AddDate(0, 0, -days).Format(dayLayout)
}

// Nonresponses returns the participant's consecutive nonresponse count as it applies
// now. The count lapses to zero once the participant's local calendar day has moved
// past the day of the last outreach.
func (b *Builder) Nonresponses(p models.Participant) int {
	if p.ConsecutiveNonresponses == 0 || p.LastOutreachAt == nil {
		return p.ConsecutiveNonresponses
	}
	loc := b.Location(p)
	if p.LastOutreachAt.In(loc).Format(dayLayout) < b.now().In(loc).Format(dayLayout) {
		return 0
	}
	return p.ConsecutiveNonresponses
}

// CurrentDecisionPoint returns the decision point matching the participant's local time:
// morning before noon, evening from noon on.
func (b *Builder) CurrentDecisionPoint(p models.Participant) models.DecisionPoint {
	if b.now().In(b.Location(p)).Hour() < 12 {
		return models.DecisionPointMorning
	}
	return models.DecisionPointEvening
}

// Today returns the participant's local calendar day as YYYY-MM-DD.
func (b *Builder) Today(p models.Participant) string {
	return b.now().In(b.Location(p)).Format(dayLayout)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
