package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dashsync/internal/db"
	"dashsync/internal/domain"
)

const (
	TypeJobCompleted   = "job.completed"
	TypeJobFailed      = "job.failed"
	TypeJobReclaimed   = "job.reclaimed"
	TypeSyncFinished   = "sync.finished"
	TypeWebhookApplied = "webhook.applied"
	TypeImportFinished = "import.finished"
)

// Writer appends rows to the audit log.
type Writer struct {
	DB     *sql.DB
	Driver string
	Now    func() time.Time
}

type EventPayload = map[string]any

func (w Writer) Append(ctx context.Context, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.DB == nil {
		return nil
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, db.Rebind(w.Driver, `INSERT INTO audit_log(id,ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`),
		uuid.NewString(), domain.FormatTime(now()), evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
