package engine

import (
	"errors"
	"fmt"
	"strings"

	"tbos/internal/domain"
	"tbos/internal/engine/auth"
	"tbos/internal/repo"
)

var (
	ErrPermissionDenied          = auth.ErrPermissionDenied
	ErrInvalidState              = errors.New("invalid state")
	ErrTechnicalApprovalRequired = errors.New("technical approval required")
	ErrDocumentLocked            = errors.New("document locked")
	ErrStorageUnavailable        = errors.New("storage unavailable")
	ErrGuardRejected             = errors.New("rejected by data guard")
	ErrInvalidInput              = errors.New("invalid input")
)

// Reasons reported with ApprovalRequiredError.
const (
	ReasonAwaitingReview     = "awaiting technical review"
	ReasonTechnicalRejection = "technical rejection"
)

// StateError reports a transition that is not legal from the current status.
type StateError struct {
	Op     string
	Status string
	Detail string
}

func (e StateError) Error() string {
	msg := fmt.Sprintf("invalid state: cannot %s from %s", strings.ReplaceAll(e.Op, "_", " "), e.Status)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e StateError) Is(target error) bool { return target == ErrInvalidState }

// ApprovalRequiredError blocks administrative validation until the
// technical layer signs off.
type ApprovalRequiredError struct {
	Status domain.TechnicalStatus
	Reason string
	// Note carries the reviewer's text for rejections.
	Note string
}

func (e ApprovalRequiredError) Error() string {
	msg := fmt.Sprintf("technical approval required: %s", e.Reason)
	if e.Note != "" {
		msg += " (" + e.Note + ")"
	}
	return msg
}

func (e ApprovalRequiredError) Is(target error) bool { return target == ErrTechnicalApprovalRequired }

// LockedError describes the live lock held by someone else.
type LockedError struct {
	DocumentID   string
	LockedBy     string
	LockedByName string
	ExpiresAt    string
}

func (e LockedError) Error() string {
	return fmt.Sprintf("document %s is locked by %s until %s", e.DocumentID, e.LockedByName, e.ExpiresAt)
}

func (e LockedError) Is(target error) bool { return target == ErrDocumentLocked }

// StorageError wraps any store failure. The transition it interrupted had
// no effect.
type StorageError struct {
	Op  string
	Err error
}

func (e StorageError) Error() string {
	return fmt.Sprintf("storage unavailable during %s: %v", e.Op, e.Err)
}

func (e StorageError) Unwrap() error { return e.Err }

func (e StorageError) Is(target error) bool { return target == ErrStorageUnavailable }

// GuardRejectedError carries the issues the external data guard reported.
type GuardRejectedError struct {
	Issues []string
}

func (e GuardRejectedError) Error() string {
	if len(e.Issues) == 0 {
		return ErrGuardRejected.Error()
	}
	return ErrGuardRejected.Error() + ": " + strings.Join(e.Issues, "; ")
}

func (e GuardRejectedError) Is(target error) bool { return target == ErrGuardRejected }

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// storageErr passes not-found and conflict through and wraps everything
// else as StorageError.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, repo.ErrConflict) {
		return err
	}
	var se StorageError
	if errors.As(err, &se) {
		return err
	}
	return StorageError{Op: op, Err: err}
}

// ErrorCode maps an engine error to a stable machine-readable code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrTechnicalApprovalRequired):
		return "technical_approval_required"
	case errors.Is(err, ErrDocumentLocked):
		return "document_locked"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, ErrGuardRejected):
		return "guard_rejected"
	case errors.Is(err, ErrInvalidInput):
		return "bad_request"
	case errors.Is(err, repo.ErrNotFound):
		return "not_found"
	case errors.Is(err, repo.ErrConflict):
		return "conflict"
	default:
		return "internal_error"
	}
}
