package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"tbos/internal/domain"
)

const eventColumns = `id,ts,type,document_id,entity_kind,entity_id,actor_id,payload_json`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var docID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &docID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.DocumentID = docID.String
		e.EntityID = entityID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

type EventFilters struct {
	Type       string
	DocumentID string
	EntityKind string
}

// LatestEvents returns events newest first, optionally below a cursor id.
func (r Repo) LatestEvents(ctx context.Context, limit int, before int64, f EventFilters) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.DocumentID != "" {
		clauses = append(clauses, "document_id=?")
		args = append(args, f.DocumentID)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if before > 0 {
		clauses = append(clauses, "id<=?")
		args = append(args, before)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+eventColumns+` FROM events WHERE id>? ORDER BY id ASC LIMIT ?`), cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEventID returns the most recent event ID, 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
