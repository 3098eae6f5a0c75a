package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"tbos/internal/db"
	"tbos/internal/domain"
)

// Event types appended by the engine.
const (
	DocumentCreated              = "document.created"
	DocumentTechnicalApproved    = "document.technical.approved"
	DocumentTechnicalRejected    = "document.technical.rejected"
	DocumentTechnicalBlocked     = "document.technical.blocked"
	DocumentTechnicalResubmitted = "document.technical.resubmitted"
	DocumentValidated            = "document.validated"
	DocumentRolledBack           = "document.rolled_back"
	LockAcquired                 = "lock.acquired"
	LockRenewed                  = "lock.renewed"
	LockReleased                 = "lock.released"
)

const (
	EntityDocument = "document"
	EntityLock     = "edit_lock"
)

type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

// Append inserts one event row inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, documentID, entityKind, entityID, actorID string, payload EventPayload) error {
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
	_, err = tx.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO events(ts,type,document_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`),
		domain.FormatTime(now()), evtType, nullable(documentID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
