package engine

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"time"

	"tbos/internal/domain"
	"tbos/internal/engine/auth"
	"tbos/internal/events"
)

var blockCodePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// technicalBlocker reports why the technical layer keeps a document from
// administrative validation, or nil.
func technicalBlocker(doc domain.Document) error {
	if !doc.RequiresTechnicalApproval {
		return nil
	}
	s := doc.TechnicalStatus
	switch {
	case s == domain.TechnicalApproved:
		return nil
	case s == domain.TechnicalRejected:
		return ApprovalRequiredError{Status: s, Reason: ReasonTechnicalRejection, Note: doc.TechnicalBlockReason}
	case s.IsBlocked():
		reason := doc.TechnicalBlockReason
		if reason == "" {
			reason = string(s)
		}
		return ApprovalRequiredError{Status: s, Reason: reason}
	default:
		return ApprovalRequiredError{Status: s, Reason: ReasonAwaitingReview}
	}
}

// ValidationBlocker is the eligibility rule of administrative validation.
// It returns nil when actor may validate doc at now, given the document's
// current lock (nil when none).
func ValidationBlocker(doc domain.Document, lock *domain.EditLock, actor auth.Actor, now time.Time) error {
	if err := auth.Require(actor, auth.CanCreateBons); err != nil {
		return err
	}
	if doc.AdminStatus == domain.AdminValidated {
		return StateError{Op: OpValidate, Status: string(doc.AdminStatus), Detail: "already validated"}
	}
	if err := technicalBlocker(doc); err != nil {
		return err
	}
	if !lock.Expired(now) && lock.LockedBy != actor.ID {
		return LockedError{
			DocumentID:   doc.ID,
			LockedBy:     lock.LockedBy,
			LockedByName: lock.LockedByName,
			ExpiresAt:    lock.ExpiresAt,
		}
	}
	return nil
}

func awaitingTechnicalDecision(op string, doc domain.Document) error {
	if !doc.RequiresTechnicalApproval {
		return StateError{Op: op, Status: string(doc.TechnicalStatus), Detail: "technical approval not required"}
	}
	switch doc.TechnicalStatus {
	case domain.TechnicalPending, domain.TechnicalNone:
		return nil
	}
	return StateError{Op: op, Status: string(doc.TechnicalStatus)}
}

// ApproveTechnical records the technical sign-off. Repeating it on an
// approved document fails.
func (e Engine) ApproveTechnical(ctx context.Context, id string, actor auth.Actor) (domain.Document, error) {
	if err := auth.Require(actor, auth.CanValidateTechnique); err != nil {
		return domain.Document{}, err
	}
	return e.transition(ctx, OpApproveTechnical, id, actor, func(_ *sql.Tx, doc domain.Document, now time.Time) (domain.Document, string, events.EventPayload, error) {
		if err := awaitingTechnicalDecision(OpApproveTechnical, doc); err != nil {
			return doc, "", nil, err
		}
		next := doc
		next.TechnicalStatus = domain.TechnicalApproved
		next.TechnicalBlockReason = ""
		next.TechnicallyApprovedBy = strPtr(actor.ID)
		next.TechnicallyApprovedAt = strPtr(domain.FormatTime(now))
		return next, events.DocumentTechnicalApproved, events.EventPayload{
			"from": doc.TechnicalStatus,
			"to":   next.TechnicalStatus,
		}, nil
	})
}

// RejectTechnical sends the document back for rework.
func (e Engine) RejectTechnical(ctx context.Context, id string, actor auth.Actor, note string) (domain.Document, error) {
	if err := auth.Require(actor, auth.CanValidateTechnique); err != nil {
		return domain.Document{}, err
	}
	note = strings.TrimSpace(note)
	return e.transition(ctx, OpRejectTechnical, id, actor, func(_ *sql.Tx, doc domain.Document, _ time.Time) (domain.Document, string, events.EventPayload, error) {
		if err := awaitingTechnicalDecision(OpRejectTechnical, doc); err != nil {
			return doc, "", nil, err
		}
		next := doc
		next.TechnicalStatus = domain.TechnicalRejected
		next.TechnicalBlockReason = note
		return next, events.DocumentTechnicalRejected, events.EventPayload{
			"from": doc.TechnicalStatus,
			"note": note,
		}, nil
	})
}

// BlockTechnical parks the document in BLOCKED_<code> with the technical
// layer's reason.
func (e Engine) BlockTechnical(ctx context.Context, id string, actor auth.Actor, code, reason string) (domain.Document, error) {
	if err := auth.Require(actor, auth.CanValidateTechnique); err != nil {
		return domain.Document{}, err
	}
	code = strings.TrimSpace(code)
	reason = strings.TrimSpace(reason)
	if !blockCodePattern.MatchString(code) {
		return domain.Document{}, invalidInput("block code must match [A-Za-z0-9_]+")
	}
	if reason == "" {
		return domain.Document{}, invalidInput("block reason is required")
	}
	return e.transition(ctx, OpBlockTechnical, id, actor, func(_ *sql.Tx, doc domain.Document, _ time.Time) (domain.Document, string, events.EventPayload, error) {
		if err := awaitingTechnicalDecision(OpBlockTechnical, doc); err != nil {
			return doc, "", nil, err
		}
		next := doc
		next.TechnicalStatus = domain.Blocked(code)
		next.TechnicalBlockReason = reason
		return next, events.DocumentTechnicalBlocked, events.EventPayload{
			"from":   doc.TechnicalStatus,
			"to":     next.TechnicalStatus,
			"reason": reason,
		}, nil
	})
}

// ResubmitTechnical puts a reworked document back in the review queue.
func (e Engine) ResubmitTechnical(ctx context.Context, id string, actor auth.Actor) (domain.Document, error) {
	if err := auth.Require(actor, auth.CanCreateBons); err != nil {
		return domain.Document{}, err
	}
	return e.transition(ctx, OpResubmitTechnical, id, actor, func(_ *sql.Tx, doc domain.Document, _ time.Time) (domain.Document, string, events.EventPayload, error) {
		if doc.TechnicalStatus != domain.TechnicalRejected && !doc.TechnicalStatus.IsBlocked() {
			return doc, "", nil, StateError{Op: OpResubmitTechnical, Status: string(doc.TechnicalStatus)}
		}
		next := doc
		next.TechnicalStatus = domain.TechnicalPending
		next.TechnicalBlockReason = ""
		return next, events.DocumentTechnicalResubmitted, events.EventPayload{
			"from": doc.TechnicalStatus,
		}, nil
	})
}

// ValidateAdministrative finalizes the document.
func (e Engine) ValidateAdministrative(ctx context.Context, id string, actor auth.Actor) (domain.Document, error) {
	if err := auth.Require(actor, auth.CanCreateBons); err != nil {
		return domain.Document{}, err
	}
	return e.transition(ctx, OpValidate, id, actor, func(tx *sql.Tx, doc domain.Document, now time.Time) (domain.Document, string, events.EventPayload, error) {
		lock, err := e.activeLockTx(ctx, tx, id, now)
		if err != nil {
			return doc, "", nil, storageErr(OpValidate, err)
		}
		if err := ValidationBlocker(doc, lock, actor, now); err != nil {
			return doc, "", nil, err
		}
		next := doc
		next.AdminStatus = domain.AdminValidated
		next.AdministrativelyValidatedBy = strPtr(actor.ID)
		next.AdministrativelyValidatedAt = strPtr(domain.FormatTime(now))
		return next, events.DocumentValidated, events.EventPayload{
			"technical_approval_status": doc.TechnicalStatus,
			"rollback_count":            doc.RollbackCount,
		}, nil
	})
}

// Rollback reopens a document for correction and bumps its permanent
// rollback counter.
func (e Engine) Rollback(ctx context.Context, id string, actor auth.Actor, reason string) (domain.Document, error) {
	if err := auth.RequireOverride(actor); err != nil {
		return domain.Document{}, err
	}
	threshold := e.config().Approval.HighRiskRollbackThreshold
	reason = strings.TrimSpace(reason)
	return e.transition(ctx, OpRollback, id, actor, func(_ *sql.Tx, doc domain.Document, _ time.Time) (domain.Document, string, events.EventPayload, error) {
		next := doc
		next.AdminStatus = domain.AdminDraft
		next.RollbackCount = doc.RollbackCount + 1
		next.AdministrativelyValidatedBy = nil
		next.AdministrativelyValidatedAt = nil
		payload := events.EventPayload{
			"from":           doc.AdminStatus,
			"rollback_count": next.RollbackCount,
			"high_risk":      threshold > 0 && next.RollbackCount >= threshold,
		}
		if reason != "" {
			payload["reason"] = reason
		}
		if doc.AdministrativelyValidatedBy != nil {
			payload["previously_validated_by"] = *doc.AdministrativelyValidatedBy
		}
		return next, events.DocumentRolledBack, payload, nil
	})
}

// HighRisk reports whether a document crossed the rollback reporting
// threshold. It never affects eligibility.
func (e Engine) HighRisk(doc domain.Document) bool {
	threshold := e.config().Approval.HighRiskRollbackThreshold
	return threshold > 0 && doc.RollbackCount >= threshold
}

// ValidationVerdict is the read-only answer to "may this actor validate now".
type ValidationVerdict struct {
	Eligible bool             `json:"eligible"`
	Code     string           `json:"code"`
	Reason   string           `json:"reason,omitempty"`
	Lock     *domain.EditLock `json:"lock,omitempty"`
	HighRisk bool             `json:"high_risk"`
}

// CheckValidation evaluates eligibility without changing anything.
func (e Engine) CheckValidation(ctx context.Context, id string, actor auth.Actor) (ValidationVerdict, error) {
	doc, err := e.Repo.GetDocument(ctx, id)
	if err != nil {
		return ValidationVerdict{}, storageErr("check_validation", err)
	}
	now := e.now()
	lock, err := e.activeLockTx(ctx, nil, id, now)
	if err != nil {
		return ValidationVerdict{}, storageErr("check_validation", err)
	}
	v := ValidationVerdict{Lock: lock, HighRisk: e.HighRisk(doc)}
	blocker := ValidationBlocker(doc, lock, actor, now)
	v.Eligible = blocker == nil
	v.Code = ErrorCode(blocker)
	if blocker != nil {
		var ar ApprovalRequiredError
		if errors.As(blocker, &ar) {
			v.Reason = ar.Reason
		} else {
			v.Reason = blocker.Error()
		}
	}
	return v, nil
}
