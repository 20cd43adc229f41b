// Package store provides storage backends for MediBot.
//
// It persists participants, adherence events, decision records and delivery receipts.
// Conversation history is deliberately not stored here; it lives in memory only.
package store

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/MediBot/internal/models"
)

// ErrNotFound is returned when a participant does not exist.
var ErrNotFound = errors.New("not found")

// Store is implemented by every backend.
type Store interface {
	AddReceipt(r models.Receipt) error
	GetReceipts() ([]models.Receipt, error)

	SaveParticipant(p models.Participant) error
	GetParticipant(id string) (*models.Participant, error)
	ListParticipants() ([]models.Participant, error)
	DeleteParticipant(id string) error

	// RecordAdherence stores one event per participant and day; a later event for the
	// same day replaces the earlier one.
	RecordAdherence(e models.AdherenceEvent) error
	// ListAdherence returns events with Day >= sinceDay, oldest first.
	ListAdherence(participantID, sinceDay string) ([]models.AdherenceEvent, error)

	SaveDecision(r models.DecisionRecord) error
	// ListDecisions returns the most recent records first. limit <= 0 means no limit.
	ListDecisions(participantID string, limit int) ([]models.DecisionRecord, error)

	Close() error
}

// Opts holds configuration for store backends.
type Opts struct {
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns the database/sql driver name for dsn: "postgres" for URLs and
// key/value connection strings, "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") || strings.Contains(lower, "user=") {
		return "postgres"
	}
	return "sqlite3"
}

// New opens the backend matching dsn. An empty dsn yields an in-memory store.
func New(dsn string) (Store, error) {
	if dsn == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}

// InMemoryStore keeps everything in process memory.
type InMemoryStore struct {
	mu           sync.RWMutex
	receipts     []models.Receipt
	participants map[string]models.Participant
	adherence    map[string]map[string]models.AdherenceEvent
	decisions    map[string][]models.DecisionRecord
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		participants: make(map[string]models.Participant),
		adherence:    make(map[string]map[string]models.AdherenceEvent),
		decisions:    make(map[string][]models.DecisionRecord),
	}
}

func (s *InMemoryStore) AddReceipt(r models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *InMemoryStore) GetReceipts() ([]models.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Receipt, len(s.receipts))
	copy(out, s.receipts)
	return out, nil
}

func (s *InMemoryStore) SaveParticipant(p models.Participant) error {
	if p.ID == "" {
		return models.ErrEmptyParticipantID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.participants[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	p.KnownBarriers = append([]string(nil), p.KnownBarriers...)
	s.participants[p.ID] = p
	return nil
}

func (s *InMemoryStore) GetParticipant(id string) (*models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	if !ok {
		return nil, ErrNotFound
	}
	p.KnownBarriers = append([]string(nil), p.KnownBarriers...)
	return &p, nil
}

func (s *InMemoryStore) ListParticipants() ([]models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		p.KnownBarriers = append([]string(nil), p.KnownBarriers...)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) DeleteParticipant(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.participants[id]; !ok {
		return ErrNotFound
	}
	delete(s.participants, id)
	delete(s.adherence, id)
	delete(s.decisions, id)
	return nil
}

func (s *InMemoryStore) RecordAdherence(e models.AdherenceEvent) error {
	if e.ParticipantID == "" {
		return models.ErrEmptyParticipantID
	}
	if e.Day == "" {
		return models.ErrEmptyAdherenceDay
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	days, ok := s.adherence[e.ParticipantID]
	if !ok {
		days = make(map[string]models.AdherenceEvent)
		s.adherence[e.ParticipantID] = days
	}
	days[e.Day] = e
	return nil
}

func (s *InMemoryStore) ListAdherence(participantID, sinceDay string) ([]models.AdherenceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AdherenceEvent
	for day, e := range s.adherence[participantID] {
		if day >= sinceDay {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day < out[j].Day })
	return out, nil
}

func (s *InMemoryStore) SaveDecision(r models.DecisionRecord) error {
	if r.ParticipantID == "" {
		return models.ErrEmptyParticipantID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[r.ParticipantID] = append(s.decisions[r.ParticipantID], r)
	return nil
}

func (s *InMemoryStore) ListDecisions(participantID string, limit int) ([]models.DecisionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.decisions[participantID]
	out := make([]models.DecisionRecord, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, records[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
