package domain

import (
	"strings"
	"time"
)

// TimeLayout is the fixed-width UTC layout used for every stored timestamp,
// so string comparison in SQL follows chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

type DocumentKind string

const (
	KindQuote DocumentKind = "quote"
	KindOrder DocumentKind = "order"
)

// TechnicalStatus is the technical approval sub-state of a document.
type TechnicalStatus string

const (
	TechnicalNone     TechnicalStatus = "NONE"
	TechnicalPending  TechnicalStatus = "PENDING"
	TechnicalApproved TechnicalStatus = "APPROVED"
	TechnicalRejected TechnicalStatus = "REJECTED"

	BlockedPrefix = "BLOCKED_"
)

// IsBlocked reports whether the status is one of the BLOCKED_* family.
func (s TechnicalStatus) IsBlocked() bool {
	return strings.HasPrefix(string(s), BlockedPrefix) && len(s) > len(BlockedPrefix)
}

// Blocked builds BLOCKED_<code>.
func Blocked(code string) TechnicalStatus {
	return TechnicalStatus(BlockedPrefix + strings.ToUpper(code))
}

type AdminStatus string

const (
	AdminDraft     AdminStatus = "DRAFT"
	AdminValidated AdminStatus = "VALIDATED"
)

type Document struct {
	ID                          string          `json:"id"`
	Kind                        DocumentKind    `json:"kind"`
	Reference                   string          `json:"reference"`
	ClientName                  string          `json:"client_name,omitempty"`
	Formula                     string          `json:"formula,omitempty"`
	RequiresTechnicalApproval   bool            `json:"requires_technical_approval"`
	TechnicalStatus             TechnicalStatus `json:"technical_approval_status"`
	TechnicalBlockReason        string          `json:"technical_block_reason,omitempty"`
	AdminStatus                 AdminStatus     `json:"administrative_validation_status"`
	RollbackCount               int             `json:"rollback_count"`
	CreatedBy                   string          `json:"created_by"`
	CreatedAt                   string          `json:"created_at"`
	UpdatedAt                   string          `json:"updated_at"`
	TechnicallyApprovedBy       *string         `json:"technically_approved_by,omitempty"`
	TechnicallyApprovedAt       *string         `json:"technically_approved_at,omitempty"`
	AdministrativelyValidatedBy *string         `json:"administratively_validated_by,omitempty"`
	AdministrativelyValidatedAt *string         `json:"administratively_validated_at,omitempty"`
}

// EditLock is a time-boxed advisory exclusivity marker on a document.
type EditLock struct {
	DocumentID   string `json:"document_id"`
	LockedBy     string `json:"locked_by"`
	LockedByName string `json:"locked_by_name"`
	AcquiredAt   string `json:"acquired_at"`
	ExpiresAt    string `json:"expires_at"`
}

// Expired reports whether the lock is inert at now. A nil lock is expired.
// Unparseable expiry counts as expired.
func (l *EditLock) Expired(now time.Time) bool {
	if l == nil {
		return true
	}
	exp, err := ParseTime(l.ExpiresAt)
	if err != nil {
		return true
	}
	return now.After(exp)
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	DocumentID string `json:"document_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}
