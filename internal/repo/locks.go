package repo

import (
	"context"
	"database/sql"

	"tbos/internal/domain"
)

// TryAcquireLock inserts or takes over the lock row in one statement. The
// row is taken only when it is absent, held by the same actor, or expired
// at lock.AcquiredAt. A renewal by the live holder keeps the original
// acquired_at. It reports whether the row was written.
func (r Repo) TryAcquireLock(ctx context.Context, tx *sql.Tx, lock domain.EditLock) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO edit_locks(document_id,locked_by,locked_by_name,acquired_at,expires_at) VALUES (?,?,?,?,?)
ON CONFLICT(document_id) DO UPDATE SET
  acquired_at=CASE WHEN edit_locks.locked_by=excluded.locked_by AND edit_locks.expires_at>=excluded.acquired_at THEN edit_locks.acquired_at ELSE excluded.acquired_at END,
  locked_by=excluded.locked_by,
  locked_by_name=excluded.locked_by_name,
  expires_at=excluded.expires_at
WHERE edit_locks.locked_by=excluded.locked_by OR edit_locks.expires_at<excluded.acquired_at`),
		lock.DocumentID, lock.LockedBy, lock.LockedByName, lock.AcquiredAt, lock.ExpiresAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetLockTx returns the stored lock row, expired or not.
func (r Repo) GetLockTx(ctx context.Context, tx *sql.Tx, documentID string) (domain.EditLock, error) {
	var l domain.EditLock
	err := r.on(tx).QueryRowContext(ctx, r.q(`SELECT document_id,locked_by,locked_by_name,acquired_at,expires_at FROM edit_locks WHERE document_id=?`), documentID).
		Scan(&l.DocumentID, &l.LockedBy, &l.LockedByName, &l.AcquiredAt, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

func (r Repo) GetLock(ctx context.Context, documentID string) (domain.EditLock, error) {
	return r.GetLockTx(ctx, nil, documentID)
}

// DeleteLockHeldBy removes the lock only when actorID holds it.
func (r Repo) DeleteLockHeldBy(ctx context.Context, tx *sql.Tx, documentID, actorID string) (bool, error) {
	res, err := r.on(tx).ExecContext(ctx, r.q(`DELETE FROM edit_locks WHERE document_id=? AND locked_by=?`), documentID, actorID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
