package models

import (
	"errors"
	"fmt"
	"time"
)

// DecisionPoint names one of the two daily outreach opportunities.
type DecisionPoint string

const (
	DecisionPointMorning DecisionPoint = "morning"
	DecisionPointEvening DecisionPoint = "evening"
)

// IsValidDecisionPoint reports whether dp is one of the two supported literals.
func IsValidDecisionPoint(dp DecisionPoint) bool {
	return dp == DecisionPointMorning || dp == DecisionPointEvening
}

// ParseDecisionPoint converts user input into a DecisionPoint.
func ParseDecisionPoint(s string) (DecisionPoint, error) {
	dp := DecisionPoint(s)
	if !IsValidDecisionPoint(dp) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDecisionPoint, s)
	}
	return dp, nil
}

var (
	ErrInvalidDecisionPoint = errors.New("decision point must be morning or evening")
	ErrNegativeCount        = errors.New("snapshot counts must be non-negative")
	ErrEmptyUserID          = errors.New("user id cannot be empty")
)

// AdherenceWindow counts doses taken and missed over the trailing week.
type AdherenceWindow struct {
	Taken  int `json:"taken"`
	Missed int `json:"missed"`
}

// RecentAdherence summarizes recent adherence for prompt construction.
type RecentAdherence struct {
	Last7  AdherenceWindow `json:"last_7"`
	Streak int             `json:"streak"`
}

// Preferences holds optional personalization hints.
type Preferences struct {
	Tone     string `json:"tone,omitempty"`
	Language string `json:"language,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Windows are the participant's morning and evening outreach windows, e.g. "07:00-09:00".
type Windows struct {
	MorningWindow string `json:"morning_window"`
	EveningWindow string `json:"evening_window"`
}

// ContextSnapshot is the immutable per-call input consumed by prompt construction.
// DecisionPoint and Windows are only set on the decision path; UserMessage only on the
// chat path.
type ContextSnapshot struct {
	UserID                  string          `json:"user_id"`
	Now                     time.Time       `json:"now"`
	LocalTime               string          `json:"local_time"`
	IsQuietHours            bool            `json:"is_quiet_hours"`
	DecisionPoint           DecisionPoint   `json:"decision_point,omitempty"`
	ConsecutiveNonresponses int             `json:"consecutive_nonresponses"`
	RecentAdherence         RecentAdherence `json:"recent_adherence"`
	LastMessage             *string         `json:"last_message"`
	LastUserReply           *string         `json:"last_user_reply"`
	KnownBarriers           []string        `json:"known_barriers"`
	Preferences             Preferences     `json:"preferences"`
	Windows                 *Windows        `json:"windows,omitempty"`
	UserMessage             string          `json:"user_message,omitempty"`
}

// Validate checks the invariants shared by both paths.
func (s ContextSnapshot) Validate() error {
	if s.UserID == "" {
		return ErrEmptyUserID
	}
	if s.ConsecutiveNonresponses < 0 || s.RecentAdherence.Streak < 0 ||
		s.RecentAdherence.Last7.Taken < 0 || s.RecentAdherence.Last7.Missed < 0 {
		return ErrNegativeCount
	}
	return nil
}

// ValidateForDecision additionally requires the decision-only fields.
func (s ContextSnapshot) ValidateForDecision() error {
	if err := s.Validate(); err != nil {
		return err
	}
	if !IsValidDecisionPoint(s.DecisionPoint) {
		return ErrInvalidDecisionPoint
	}
	return nil
}
