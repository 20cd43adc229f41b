package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/MediBot/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// sqlStore holds the queries shared by the SQLite and Postgres backends. Queries are
// written with ? placeholders and rebound for the driver.
type sqlStore struct {
	db     *sql.DB
	name   string
	rebind func(string) string
}

func questionMarks(q string) string { return q }

// dollarPlaceholders rewrites ? placeholders as $1, $2, ...
func dollarPlaceholders(q string) string {
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(q string, args ...interface{}) (sql.Result, error) {
	return s.db.Exec(s.rebind(q), args...)
}

func (s *sqlStore) query(q string, args ...interface{}) (*sql.Rows, error) {
	return s.db.Query(s.rebind(q), args...)
}

func (s *sqlStore) AddReceipt(r models.Receipt) error {
	_, err := s.exec(`INSERT INTO receipts (recipient, message_id, status, time) VALUES (?, ?, ?, ?)`, r.To, nilIfEmpty(r.MessageID), r.Status, r.Time)
	if err != nil {
		slog.Error(s.name+" AddReceipt failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	slog.Debug(s.name+" AddReceipt succeeded", "to", r.To, "status", r.Status)
	return nil
}

func (s *sqlStore) GetReceipts() ([]models.Receipt, error) {
	rows, err := s.query(`SELECT recipient, message_id, status, time FROM receipts ORDER BY id`)
	if err != nil {
		slog.Error(s.name+" GetReceipts query failed", "error", err)
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var receipts []models.Receipt
	for rows.Next() {
		var r models.Receipt
		var messageID sql.NullString
		if err := rows.Scan(&r.To, &messageID, &r.Status, &r.Time); err != nil {
			slog.Error(s.name+" GetReceipts scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan receipt row: %w", err)
		}
		r.MessageID = messageID.String
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		slog.Error(s.name+" GetReceipts rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate receipt rows: %w", err)
	}
	slog.Debug(s.name+" GetReceipts succeeded", "count", len(receipts))
	return receipts, nil
}

func (s *sqlStore) SaveParticipant(p models.Participant) error {
	if p.ID == "" {
		return models.ErrEmptyParticipantID
	}
	barriers, err := json.Marshal(nonNilStrings(p.KnownBarriers))
	if err != nil {
		return fmt.Errorf("failed to marshal barriers: %w", err)
	}
	now := time.Now().UTC()
	var lastOutreach interface{}
	if p.LastOutreachAt != nil {
		lastOutreach = p.LastOutreachAt.UTC()
	}
	_, err = s.exec(`INSERT INTO participants (id, name, tone, language, timezone, morning_window, evening_window,
			known_barriers, consecutive_nonresponses, last_message, last_user_reply, last_outreach_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			tone = excluded.tone,
			language = excluded.language,
			timezone = excluded.timezone,
			morning_window = excluded.morning_window,
			evening_window = excluded.evening_window,
			known_barriers = excluded.known_barriers,
			consecutive_nonresponses = excluded.consecutive_nonresponses,
			last_message = excluded.last_message,
			last_user_reply = excluded.last_user_reply,
			last_outreach_at = excluded.last_outreach_at,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Tone, p.Language, p.Timezone, p.MorningWindow, p.EveningWindow,
		string(barriers), p.ConsecutiveNonresponses, p.LastMessage, p.LastUserReply, lastOutreach, now, now)
	if err != nil {
		slog.Error(s.name+" SaveParticipant failed", "error", err, "participantID", p.ID)
		return fmt.Errorf("failed to save participant %s: %w", p.ID, err)
	}
	slog.Debug(s.name+" SaveParticipant succeeded", "participantID", p.ID)
	return nil
}

const participantColumns = `id, name, tone, language, timezone, morning_window, evening_window, known_barriers,
	consecutive_nonresponses, last_message, last_user_reply, last_outreach_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanParticipant(row rowScanner) (models.Participant, error) {
	var p models.Participant
	var barriers string
	var lastOutreach sql.NullTime
	err := row.Scan(&p.ID, &p.Name, &p.Tone, &p.Language, &p.Timezone, &p.MorningWindow, &p.EveningWindow,
		&barriers, &p.ConsecutiveNonresponses, &p.LastMessage, &p.LastUserReply, &lastOutreach, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	if barriers != "" {
		if err := json.Unmarshal([]byte(barriers), &p.KnownBarriers); err != nil {
			return p, fmt.Errorf("failed to unmarshal barriers: %w", err)
		}
	}
	if lastOutreach.Valid {
		t := lastOutreach.Time
		p.LastOutreachAt = &t
	}
	return p, nil
}

func (s *sqlStore) GetParticipant(id string) (*models.Participant, error) {
	row := s.db.QueryRow(s.rebind(`SELECT `+participantColumns+` FROM participants WHERE id = ?`), id)
	p, err := scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error(s.name+" GetParticipant failed", "error", err, "participantID", id)
		return nil, fmt.Errorf("failed to get participant %s: %w", id, err)
	}
	return &p, nil
}

func (s *sqlStore) ListParticipants() ([]models.Participant, error) {
	rows, err := s.query(`SELECT ` + participantColumns + ` FROM participants ORDER BY id`)
	if err != nil {
		slog.Error(s.name+" ListParticipants query failed", "error", err)
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	var out []models.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			slog.Error(s.name+" ListParticipants scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan participant row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate participant rows: %w", err)
	}
	slog.Debug(s.name+" ListParticipants succeeded", "count", len(out))
	return out, nil
}

func (s *sqlStore) DeleteParticipant(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM adherence_events WHERE participant_id = ?`,
		`DELETE FROM decisions WHERE participant_id = ?`,
	} {
		if _, err := tx.Exec(s.rebind(q), id); err != nil {
			return fmt.Errorf("failed to delete participant data: %w", err)
		}
	}
	res, err := tx.Exec(s.rebind(`DELETE FROM participants WHERE id = ?`), id)
	if err != nil {
		slog.Error(s.name+" DeleteParticipant failed", "error", err, "participantID", id)
		return fmt.Errorf("failed to delete participant %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	slog.Debug(s.name+" DeleteParticipant succeeded", "participantID", id)
	return nil
}

func (s *sqlStore) RecordAdherence(e models.AdherenceEvent) error {
	if e.ParticipantID == "" {
		return models.ErrEmptyParticipantID
	}
	if e.Day == "" {
		return models.ErrEmptyAdherenceDay
	}
	recordedAt := e.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	_, err := s.exec(`INSERT INTO adherence_events (participant_id, day, taken, recorded_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (participant_id, day) DO UPDATE SET taken = excluded.taken, recorded_at = excluded.recorded_at`,
		e.ParticipantID, e.Day, e.Taken, recordedAt.UTC())
	if err != nil {
		slog.Error(s.name+" RecordAdherence failed", "error", err, "participantID", e.ParticipantID, "day", e.Day)
		return fmt.Errorf("failed to record adherence for %s: %w", e.ParticipantID, err)
	}
	slog.Debug(s.name+" RecordAdherence succeeded", "participantID", e.ParticipantID, "day", e.Day, "taken", e.Taken)
	return nil
}

func (s *sqlStore) ListAdherence(participantID, sinceDay string) ([]models.AdherenceEvent, error) {
	rows, err := s.query(`SELECT participant_id, day, taken, recorded_at FROM adherence_events
		WHERE participant_id = ? AND day >= ? ORDER BY day`, participantID, sinceDay)
	if err != nil {
		slog.Error(s.name+" ListAdherence query failed", "error", err)
		return nil, fmt.Errorf("failed to query adherence: %w", err)
	}
	defer rows.Close()

	var out []models.AdherenceEvent
	for rows.Next() {
		var e models.AdherenceEvent
		if err := rows.Scan(&e.ParticipantID, &e.Day, &e.Taken, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan adherence row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate adherence rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) SaveDecision(r models.DecisionRecord) error {
	if r.ParticipantID == "" {
		return models.ErrEmptyParticipantID
	}
	payload, err := json.Marshal(r.Decision)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.exec(`INSERT INTO decisions (id, participant_id, decision_point, contract_version, decision_json, overridden, delivered, message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ParticipantID, string(r.DecisionPoint), r.ContractVersion, string(payload), r.Overridden, r.Delivered, nilIfEmpty(r.MessageID), createdAt.UTC())
	if err != nil {
		slog.Error(s.name+" SaveDecision failed", "error", err, "participantID", r.ParticipantID)
		return fmt.Errorf("failed to save decision for %s: %w", r.ParticipantID, err)
	}
	slog.Debug(s.name+" SaveDecision succeeded", "participantID", r.ParticipantID, "decisionID", r.ID, "send", r.Decision.Send)
	return nil
}

func (s *sqlStore) ListDecisions(participantID string, limit int) ([]models.DecisionRecord, error) {
	q := `SELECT id, participant_id, decision_point, contract_version, decision_json, overridden, delivered, message_id, created_at
		FROM decisions WHERE participant_id = ? ORDER BY created_at DESC, id DESC`
	args := []interface{}{participantID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.query(q, args...)
	if err != nil {
		slog.Error(s.name+" ListDecisions query failed", "error", err)
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var out []models.DecisionRecord
	for rows.Next() {
		var r models.DecisionRecord
		var point, payload string
		var messageID sql.NullString
		if err := rows.Scan(&r.ID, &r.ParticipantID, &point, &r.ContractVersion, &payload, &r.Overridden, &r.Delivered, &messageID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan decision row: %w", err)
		}
		r.DecisionPoint = models.DecisionPoint(point)
		r.MessageID = messageID.String
		if err := json.Unmarshal([]byte(payload), &r.Decision); err != nil {
			return nil, fmt.Errorf("failed to unmarshal decision %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate decision rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) Close() error {
	slog.Debug(s.name + " Close invoked")
	return s.db.Close()
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
