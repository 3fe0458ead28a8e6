package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tomasbenes/sara/internal/session"
)

// ErrNotFound is returned when no call matches the lookup.
var ErrNotFound = errors.New("store: not found")

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Call is one outbound call attempt.
type Call struct {
	ID             string     `json:"id,omitempty"`
	Provider       string     `json:"provider"`
	ProviderCallID string     `json:"provider_call_id"`
	FromNumber     string     `json:"from_number"`
	ToNumber       string     `json:"to_number"`
	CustomerRef    *string    `json:"customer_ref,omitempty"`
	Status         string     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// Turn is one persisted conversation turn.
type Turn struct {
	Speaker    string    `json:"speaker"`
	Text       string    `json:"text"`
	Sequence   int       `json:"sequence"`
	SpokenAt   time.Time `json:"spoken_at"`
	Confidence *float64  `json:"confidence,omitempty"`
}

// Outcome is the terminal result of a call, written once by the
// dispatcher. The upsert is keyed by the provider call id so redelivery
// produces one net row.
type Outcome struct {
	ProviderCallID  string          `json:"provider_call_id"`
	Outcome         string          `json:"outcome"`
	NextAction      string          `json:"next_action"`
	ExtractedJSON   json.RawMessage `json:"extracted_json"`
	DurationSeconds int             `json:"duration_seconds"`
	EndedAt         time.Time       `json:"ended_at"`
	Turns           []Turn          `json:"turns,omitempty"`
}

// CallListItem is a call with its outcome, if any.
type CallListItem struct {
	Call
	Outcome *Outcome `json:"outcome,omitempty"`
}

// CallDetail adds the full turn history.
type CallDetail struct {
	CallListItem
	Turns []Turn `json:"turns"`
}

// OutcomeFromSnapshot converts a terminal session snapshot into the
// persisted outcome row.
func OutcomeFromSnapshot(sn session.Snapshot, nextAction string) Outcome {
	extracted, err := json.Marshal(sn.Extracted)
	if err != nil {
		extracted = []byte("{}")
	}
	turns := make([]Turn, 0, len(sn.Turns))
	for i, t := range sn.Turns {
		turn := Turn{
			Speaker:  t.Speaker,
			Text:     t.Text,
			Sequence: i + 1,
			SpokenAt: t.Timestamp,
		}
		if t.Speaker == "customer" {
			c := t.Confidence
			turn.Confidence = &c
		}
		turns = append(turns, turn)
	}
	return Outcome{
		ProviderCallID:  sn.CallID,
		Outcome:         sn.Outcome,
		NextAction:      nextAction,
		ExtractedJSON:   extracted,
		DurationSeconds: int(sn.Duration().Seconds()),
		EndedAt:         sn.EndedAt,
		Turns:           turns,
	}
}

// UpsertCall inserts a call row, updating status on redelivered webhooks.
func (s *Store) UpsertCall(ctx context.Context, c Call) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO calls (provider, provider_call_id, from_number, to_number, customer_ref, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (provider_call_id)
		DO UPDATE SET status = EXCLUDED.status, customer_ref = COALESCE(EXCLUDED.customer_ref, calls.customer_ref)
	`, c.Provider, c.ProviderCallID, c.FromNumber, c.ToNumber, c.CustomerRef, c.Status, c.StartedAt)
	return err
}

// UpdateCallStatus records a provider status transition.
func (s *Store) UpdateCallStatus(ctx context.Context, providerCallID, status string, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE calls
		SET status = $2,
		    ended_at = CASE WHEN $2 IN ('completed', 'failed', 'busy', 'no-answer', 'canceled') THEN $3 ELSE ended_at END
		WHERE provider_call_id = $1
	`, providerCallID, status, at)
	return err
}

// RecordOutcome persists a terminal outcome and its turn history. Safe to
// call more than once for the same call.
func (s *Store) RecordOutcome(ctx context.Context, o Outcome) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO call_outcomes (provider_call_id, outcome, next_action, extracted, duration_seconds, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider_call_id)
		DO UPDATE SET outcome = EXCLUDED.outcome, next_action = EXCLUDED.next_action,
		              extracted = EXCLUDED.extracted, duration_seconds = EXCLUDED.duration_seconds
	`, o.ProviderCallID, o.Outcome, o.NextAction, string(o.ExtractedJSON), o.DurationSeconds, o.EndedAt)
	if err != nil {
		return fmt.Errorf("upsert outcome: %w", err)
	}

	for _, t := range o.Turns {
		_, err = tx.Exec(ctx, `
			INSERT INTO call_turns (provider_call_id, speaker, text, sequence, spoken_at, stt_confidence)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (provider_call_id, sequence) DO NOTHING
		`, o.ProviderCallID, t.Speaker, t.Text, t.Sequence, t.SpokenAt, t.Confidence)
		if err != nil {
			return fmt.Errorf("insert turn %d: %w", t.Sequence, err)
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE calls
		SET status = CASE WHEN $3 <> '' THEN $3 ELSE status END,
		    ended_at = COALESCE(ended_at, $2)
		WHERE provider_call_id = $1
	`, o.ProviderCallID, o.EndedAt, statusForOutcome(o.Outcome))
	if err != nil {
		return fmt.Errorf("update call: %w", err)
	}

	return tx.Commit(ctx)
}

// statusForOutcome maps a conversation outcome to the status the call row
// may be promoted to. Incomplete and system_error calls return "" so the
// telephony status (failed, busy, no-answer, ...) stays on the row.
func statusForOutcome(outcome string) string {
	switch outcome {
	case session.OutcomeAppointmentBooked, session.OutcomeWantsSimilar, session.OutcomeNotInterested:
		return "completed"
	}
	return ""
}

// ListCalls returns recent calls with their outcomes.
func (s *Store) ListCalls(ctx context.Context, limit int) ([]CallListItem, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT c.id, c.provider, c.provider_call_id, c.from_number, c.to_number, c.customer_ref,
		       c.status, c.started_at, c.ended_at,
		       o.outcome, o.next_action, o.extracted, o.duration_seconds, o.ended_at
		FROM calls c
		LEFT JOIN call_outcomes o ON o.provider_call_id = c.provider_call_id
		ORDER BY c.started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCallListItems(rows)
}

// GetCallDetail returns one call with its outcome and turn history.
func (s *Store) GetCallDetail(ctx context.Context, providerCallID string) (CallDetail, error) {
	var d CallDetail

	row := s.db.QueryRow(ctx, `
		SELECT c.id, c.provider, c.provider_call_id, c.from_number, c.to_number, c.customer_ref,
		       c.status, c.started_at, c.ended_at,
		       o.outcome, o.next_action, o.extracted, o.duration_seconds, o.ended_at
		FROM calls c
		LEFT JOIN call_outcomes o ON o.provider_call_id = c.provider_call_id
		WHERE c.provider_call_id = $1
	`, providerCallID)

	item, err := scanCallListItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return d, ErrNotFound
		}
		return d, err
	}
	d.CallListItem = item

	rows, err := s.db.Query(ctx, `
		SELECT speaker, text, sequence, spoken_at, stt_confidence
		FROM call_turns
		WHERE provider_call_id = $1
		ORDER BY sequence
	`, providerCallID)
	if err != nil {
		return d, err
	}
	defer rows.Close()

	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.Speaker, &t.Text, &t.Sequence, &t.SpokenAt, &t.Confidence); err != nil {
			return d, err
		}
		d.Turns = append(d.Turns, t)
	}
	return d, rows.Err()
}

// ListCallEvents returns the event trail for one call.
func (s *Store) ListCallEvents(ctx context.Context, providerCallID string, limit int) ([]CallEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	rows, err := s.db.Query(ctx, `
		SELECT event_type, event_data, created_at
		FROM call_events
		WHERE call_id = $1
		ORDER BY created_at
		LIMIT $2
	`, providerCallID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []CallEvent
	for rows.Next() {
		var e CallEvent
		if err := rows.Scan(&e.Type, &e.Data, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CallEvent is one row of the call event trail.
type CallEvent struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// DeleteCallsBefore removes calls (and their turns, outcomes and events)
// started before the cutoff. Used by the retention job.
func (s *Store) DeleteCallsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, q := range []string{
		`DELETE FROM call_turns WHERE provider_call_id IN (SELECT provider_call_id FROM calls WHERE started_at < $1)`,
		`DELETE FROM call_outcomes WHERE provider_call_id IN (SELECT provider_call_id FROM calls WHERE started_at < $1)`,
		`DELETE FROM call_events WHERE call_id IN (SELECT provider_call_id FROM calls WHERE started_at < $1)`,
	} {
		if _, err := tx.Exec(ctx, q, cutoff); err != nil {
			return 0, err
		}
	}

	tag, err := tx.Exec(ctx, `DELETE FROM calls WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCallListItem(row rowScanner) (CallListItem, error) {
	var item CallListItem
	var outcome, nextAction *string
	var extracted *string
	var durationSeconds *int
	var outcomeEndedAt *time.Time

	err := row.Scan(
		&item.ID, &item.Provider, &item.ProviderCallID, &item.FromNumber, &item.ToNumber,
		&item.CustomerRef, &item.Status, &item.StartedAt, &item.EndedAt,
		&outcome, &nextAction, &extracted, &durationSeconds, &outcomeEndedAt,
	)
	if err != nil {
		return item, err
	}

	if outcome != nil {
		o := &Outcome{
			ProviderCallID: item.ProviderCallID,
			Outcome:        *outcome,
		}
		if nextAction != nil {
			o.NextAction = *nextAction
		}
		if extracted != nil {
			o.ExtractedJSON = json.RawMessage(*extracted)
		}
		if durationSeconds != nil {
			o.DurationSeconds = *durationSeconds
		}
		if outcomeEndedAt != nil {
			o.EndedAt = *outcomeEndedAt
		}
		item.Outcome = o
	}
	return item, nil
}

func scanCallListItems(rows pgx.Rows) ([]CallListItem, error) {
	var items []CallListItem
	for rows.Next() {
		item, err := scanCallListItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
