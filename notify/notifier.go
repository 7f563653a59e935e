package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Event types recorded over a case's lifetime.
const (
	EventCaseOpened      = "CASE_OPENED"
	EventCounterEvidence = "COUNTER_EVIDENCE_SUBMITTED"
	EventRoundStarted    = "ROUND_STARTED"
	EventRoundVoted      = "ROUND_VOTED"
	EventRoundReassigned = "ROUND_REASSIGNED"
	EventEvidenceTimeout = "EVIDENCE_TIMEOUT"
	EventCaseCancelled   = "CASE_CANCELLED"
	EventCaseResolved    = "CASE_RESOLVED"
	EventCaseSettled     = "CASE_SETTLED"
)

// Event is one domain event emitted by a case transition: a history entry
// for the parties plus a notification for downstream delivery.
type Event struct {
	CaseID      string
	Type        string
	ActorID     *string
	Description string
	Payload     map[string]any
}

// Recorder appends events inside the caller's transaction so history and
// outbox rows commit atomically with the state change that caused them.
type Recorder struct{}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record writes the history entry and enqueues the outbox message.
func (Recorder) Record(ctx context.Context, tx pgx.Tx, ev Event) error {
	payload := map[string]any{
		"case_id":     ev.CaseID,
		"description": ev.Description,
	}
	for k, v := range ev.Payload {
		payload[k] = v
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal event payload: %w", err)
	}

	const historySQL = `
		INSERT INTO case_events (dispute_id, type, actor_id, description, payload)
		VALUES ($1, $2, $3::uuid, $4, $5::jsonb)
	`
	var actor any
	if ev.ActorID != nil && *ev.ActorID != "" {
		actor = *ev.ActorID
	}
	if _, err := tx.Exec(ctx, historySQL, ev.CaseID, ev.Type, actor, ev.Description, body); err != nil {
		return fmt.Errorf("notify: insert history: %w", err)
	}

	const outboxSQL = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, outboxSQL, TopicFor(ev.Type), body); err != nil {
		return fmt.Errorf("notify: enqueue outbox: %w", err)
	}
	return nil
}

// TopicFor maps an event type to its outbox topic.
func TopicFor(eventType string) string {
	return "dispute." + strings.ToLower(eventType)
}
