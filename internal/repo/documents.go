package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"tbos/internal/db"
	"tbos/internal/domain"
)

const documentColumns = `id,kind,reference,client_name,formula,requires_technical_approval,technical_status,technical_block_reason,admin_status,rollback_count,created_by,created_at,updated_at,technically_approved_by,technically_approved_at,administratively_validated_by,administratively_validated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (domain.Document, error) {
	var d domain.Document
	var client, formula, reason sql.NullString
	err := row.Scan(&d.ID, &d.Kind, &d.Reference, &client, &formula, &d.RequiresTechnicalApproval,
		&d.TechnicalStatus, &reason, &d.AdminStatus, &d.RollbackCount, &d.CreatedBy, &d.CreatedAt, &d.UpdatedAt,
		&d.TechnicallyApprovedBy, &d.TechnicallyApprovedAt, &d.AdministrativelyValidatedBy, &d.AdministrativelyValidatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.ClientName = client.String
	d.Formula = formula.String
	d.TechnicalBlockReason = reason.String
	return d, nil
}

func (r Repo) InsertDocument(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	_, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO documents(`+documentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		d.ID, string(d.Kind), d.Reference, nullable(d.ClientName), nullable(d.Formula), d.RequiresTechnicalApproval,
		string(d.TechnicalStatus), nullable(d.TechnicalBlockReason), string(d.AdminStatus), d.RollbackCount,
		d.CreatedBy, d.CreatedAt, d.UpdatedAt,
		nullableStringPtr(d.TechnicallyApprovedBy), nullableStringPtr(d.TechnicallyApprovedAt),
		nullableStringPtr(d.AdministrativelyValidatedBy), nullableStringPtr(d.AdministrativelyValidatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("document %s: %w", d.ID, ErrConflict)
	}
	return err
}

func (r Repo) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	return r.GetDocumentTx(ctx, nil, id)
}

func (r Repo) GetDocumentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Document, error) {
	return scanDocument(r.on(tx).QueryRowContext(ctx, r.q(`SELECT `+documentColumns+` FROM documents WHERE id=?`), id))
}

// GetDocumentForUpdate reads the row and, on Postgres, holds a row lock
// until tx ends. SQLite serializes writers on its own.
func (r Repo) GetDocumentForUpdate(ctx context.Context, tx *sql.Tx, id string) (domain.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id=?`
	if r.Dialect == db.Postgres {
		query += ` FOR UPDATE`
	}
	return scanDocument(tx.QueryRowContext(ctx, r.q(query), id))
}

// UpdateDocumentIf writes next over the row only while it still matches
// prev's statuses and rollback count. It reports whether the row changed.
func (r Repo) UpdateDocumentIf(ctx context.Context, tx *sql.Tx, prev, next domain.Document) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE documents SET
technical_status=?, technical_block_reason=?, admin_status=?, rollback_count=?, updated_at=?,
technically_approved_by=?, technically_approved_at=?, administratively_validated_by=?, administratively_validated_at=?
WHERE id=? AND technical_status=? AND admin_status=? AND rollback_count=?`),
		string(next.TechnicalStatus), nullable(next.TechnicalBlockReason), string(next.AdminStatus), next.RollbackCount, next.UpdatedAt,
		nullableStringPtr(next.TechnicallyApprovedBy), nullableStringPtr(next.TechnicallyApprovedAt),
		nullableStringPtr(next.AdministrativelyValidatedBy), nullableStringPtr(next.AdministrativelyValidatedAt),
		prev.ID, string(prev.TechnicalStatus), string(prev.AdminStatus), prev.RollbackCount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type DocumentFilters struct {
	Kind            string
	TechnicalStatus string
	AdminStatus     string
	PendingOnly     bool
	Limit           int
	// Cursor is the created_at|id pair of the last item of the previous page.
	CursorCreatedAt string
	CursorID        string
}

// ListDocuments returns documents newest first.
func (r Repo) ListDocuments(ctx context.Context, f DocumentFilters) ([]domain.Document, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.TechnicalStatus != "" {
		clauses = append(clauses, "technical_status=?")
		args = append(args, f.TechnicalStatus)
	}
	if f.AdminStatus != "" {
		clauses = append(clauses, "admin_status=?")
		args = append(args, f.AdminStatus)
	}
	if f.PendingOnly {
		clauses = append(clauses, "requires_technical_approval=? AND technical_status=?")
		args = append(args, true, string(domain.TechnicalPending))
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM documents WHERE %s ORDER BY created_at DESC, id DESC LIMIT ?`, documentColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// CountPendingApprovals counts documents waiting on technical review.
func (r Repo) CountPendingApprovals(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM documents WHERE requires_technical_approval=? AND technical_status=?`),
		true, string(domain.TechnicalPending)).Scan(&n)
	return n, err
}
