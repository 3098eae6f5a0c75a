package engine

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"tbos/internal/domain"
	"tbos/internal/engine/auth"
	"tbos/internal/events"
	"tbos/internal/obs"
)

// AcquireLock takes or renews the edit lock on a document. ttl 0 means the
// configured default; longer than the configured maximum is clamped. When a
// different actor holds a live lock nothing is written and a LockedError
// names the holder.
func (e Engine) AcquireLock(ctx context.Context, documentID string, actor auth.Actor, ttl time.Duration) (lock domain.EditLock, err error) {
	defer func() { obs.ObserveLock(OpAcquireLock, ErrorCode(err)) }()
	if strings.TrimSpace(actor.ID) == "" {
		return domain.EditLock{}, invalidInput("actor id is required")
	}
	if ttl < 0 {
		return domain.EditLock{}, invalidInput("ttl must be positive")
	}
	cfg := e.config()
	if ttl == 0 {
		ttl = cfg.DefaultLockTTL()
	}
	if maxTTL := cfg.MaxLockTTL(); maxTTL > 0 && ttl > maxTTL {
		ttl = maxTTL
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.EditLock{}, storageErr(OpAcquireLock, err)
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetDocumentForUpdate(ctx, tx, documentID); err != nil {
		return domain.EditLock{}, storageErr(OpAcquireLock, err)
	}
	now := e.now()
	prior, err := e.activeLockTx(ctx, tx, documentID, now)
	if err != nil {
		return domain.EditLock{}, storageErr(OpAcquireLock, err)
	}
	ok, err := e.Repo.TryAcquireLock(ctx, tx, domain.EditLock{
		DocumentID:   documentID,
		LockedBy:     actor.ID,
		LockedByName: actor.DisplayName(),
		AcquiredAt:   domain.FormatTime(now),
		ExpiresAt:    domain.FormatTime(now.Add(ttl)),
	})
	if err != nil {
		return domain.EditLock{}, storageErr(OpAcquireLock, err)
	}
	if !ok {
		holder, err := e.Repo.GetLockTx(ctx, tx, documentID)
		if err != nil {
			// The row refused the write yet cannot be read back. Refuse rather
			// than guess who holds it.
			return domain.EditLock{}, StorageError{Op: OpAcquireLock, Err: err}
		}
		return domain.EditLock{}, LockedError{
			DocumentID:   documentID,
			LockedBy:     holder.LockedBy,
			LockedByName: holder.LockedByName,
			ExpiresAt:    holder.ExpiresAt,
		}
	}
	lock, err = e.Repo.GetLockTx(ctx, tx, documentID)
	if err != nil {
		return domain.EditLock{}, StorageError{Op: OpAcquireLock, Err: err}
	}

	evtType := events.LockAcquired
	payload := events.EventPayload{"expires_at": lock.ExpiresAt, "ttl_seconds": int(ttl / time.Second)}
	if prior != nil && prior.LockedBy == actor.ID {
		evtType = events.LockRenewed
	}
	if err := e.appendEvent(ctx, tx, evtType, documentID, events.EntityLock, actor.ID, payload); err != nil {
		return domain.EditLock{}, storageErr(OpAcquireLock, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.EditLock{}, storageErr(OpAcquireLock, err)
	}
	e.log().Debug("edit lock held",
		zap.String("document_id", documentID),
		zap.String("actor_id", actor.ID),
		zap.String("expires_at", lock.ExpiresAt),
		zap.Bool("renewed", evtType == events.LockRenewed))
	return lock, nil
}

// ReleaseLock drops the lock if actor holds it. Releasing a lock held by
// someone else, or no lock at all, is a no-op reported as false.
func (e Engine) ReleaseLock(ctx context.Context, documentID string, actor auth.Actor) (released bool, err error) {
	defer func() { obs.ObserveLock(OpReleaseLock, ErrorCode(err)) }()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, storageErr(OpReleaseLock, err)
	}
	defer tx.Rollback()
	released, err = e.Repo.DeleteLockHeldBy(ctx, tx, documentID, actor.ID)
	if err != nil {
		return false, storageErr(OpReleaseLock, err)
	}
	if !released {
		return false, nil
	}
	if err := e.appendEvent(ctx, tx, events.LockReleased, documentID, events.EntityLock, actor.ID, nil); err != nil {
		return false, storageErr(OpReleaseLock, err)
	}
	if err := tx.Commit(); err != nil {
		return false, storageErr(OpReleaseLock, err)
	}
	return true, nil
}

// GetLock returns the live lock on a document, or nil when there is none
// or it has expired.
func (e Engine) GetLock(ctx context.Context, documentID string) (*domain.EditLock, error) {
	lock, err := e.activeLockTx(ctx, nil, documentID, e.now())
	if err != nil {
		return nil, storageErr("get_lock", err)
	}
	return lock, nil
}

// IsExpired reports whether lock is inert at the engine's current time.
func (e Engine) IsExpired(lock *domain.EditLock) bool {
	return lock.Expired(e.now())
}
