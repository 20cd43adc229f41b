package models

import (
	"errors"
	"regexp"
	"time"
)

// Default outreach windows used when a participant has none configured.
const (
	DefaultMorningWindow = "07:00-09:00"
	DefaultEveningWindow = "18:00-20:00"
)

var windowPattern = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d-([01]\d|2[0-3]):[0-5]\d$`)

var (
	ErrEmptyParticipantID = errors.New("participant id cannot be empty")
	ErrInvalidWindow      = errors.New("window must look like HH:MM-HH:MM")
	ErrInvalidTimezone    = errors.New("timezone is not a valid IANA location")
	ErrEmptyAdherenceDay  = errors.New("adherence day cannot be empty")
)

// Participant is everything the snapshot builder needs to know about a user beyond the
// live conversation. ID is the transport conversation identifier.
type Participant struct {
	ID                      string     `json:"id"`
	Name                    string     `json:"name,omitempty"`
	Tone                    string     `json:"tone,omitempty"`
	Language                string     `json:"language,omitempty"`
	Timezone                string     `json:"timezone,omitempty"`
	MorningWindow           string     `json:"morning_window,omitempty"`
	EveningWindow           string     `json:"evening_window,omitempty"`
	KnownBarriers           []string   `json:"known_barriers,omitempty"`
	ConsecutiveNonresponses int        `json:"consecutive_nonresponses"`
	LastMessage             string     `json:"last_message,omitempty"`
	LastUserReply           string     `json:"last_user_reply,omitempty"`
	LastOutreachAt          *time.Time `json:"last_outreach_at,omitempty"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// Validate checks the fields a caller can set through the API.
func (p *Participant) Validate() error {
	if p.ID == "" {
		return ErrEmptyParticipantID
	}
	if p.MorningWindow != "" && !windowPattern.MatchString(p.MorningWindow) {
		return ErrInvalidWindow
	}
	if p.EveningWindow != "" && !windowPattern.MatchString(p.EveningWindow) {
		return ErrInvalidWindow
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return ErrInvalidTimezone
		}
	}
	if p.ConsecutiveNonresponses < 0 {
		return ErrNegativeCount
	}
	return nil
}

// AddBarrier appends barrier unless it is already known, keeping insertion order.
func (p *Participant) AddBarrier(barrier string) bool {
	for _, b := range p.KnownBarriers {
		if b == barrier {
			return false
		}
	}
	p.KnownBarriers = append(p.KnownBarriers, barrier)
	return true
}

// AdherenceEvent records whether a dose was taken on a calendar day (YYYY-MM-DD).
type AdherenceEvent struct {
	ParticipantID string    `json:"participant_id"`
	Day           string    `json:"day"`
	Taken         bool      `json:"taken"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// DecisionRecord is a persisted Decision plus the context it was made in.
type DecisionRecord struct {
	ID              string        `json:"id"`
	ParticipantID   string        `json:"participant_id"`
	DecisionPoint   DecisionPoint `json:"decision_point"`
	ContractVersion string        `json:"contract_version"`
	Decision        Decision      `json:"decision"`
	Overridden      bool          `json:"overridden"`
	Delivered       bool          `json:"delivered"`
	MessageID       string        `json:"message_id,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}
