package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EventPayload is the structured, transition-specific payload.
type EventPayload map[string]any

// Writer persists audit records. It is consumed by the bus worker outside
// the transition's own transaction; the audit write is best-effort relative
// to the committed state change.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Write appends one event row. The type column's CHECK constraint rejects
// anything outside the producer enumeration.
func (w Writer) Write(ctx context.Context, ev Event) error {
	ts := ev.TS
	if ts == "" {
		ts = w.now().UTC().Format(time.RFC3339)
	}
	payload := ev.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,session_ref,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		ts, ev.Type, nullable(ev.ProjectID), ev.EntityKind, nullable(ev.EntityID), ev.ActorID, nullable(ev.SessionRef), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
