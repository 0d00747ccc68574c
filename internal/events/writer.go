package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"dutyline/internal/bus"
)

// Writer persists lifecycle events as an audit log.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, evtType, entityID, actorID string, payload map[string]any) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, nullable(entityID), nullable(actorID), string(data))
	return err
}

// Handler adapts the writer into a bus subscriber covering every event.
func (w Writer) Handler() bus.Handler {
	return func(ctx context.Context, event string, payload bus.Payload) error {
		entityID, _ := payload["task_id"].(string)
		actorID, _ := payload["actor"].(string)
		return w.Append(ctx, event, entityID, actorID, payload)
	}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
