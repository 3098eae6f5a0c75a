package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"tbos/internal/config"
	"tbos/internal/db"
	"tbos/internal/domain"
	"tbos/internal/engine/auth"
	"tbos/internal/events"
	"tbos/internal/guard"
	"tbos/internal/ids"
	"tbos/internal/obs"
	"tbos/internal/repo"
)

// Operation names used in errors, metrics and logs.
const (
	OpCreate            = "create_document"
	OpApproveTechnical  = "approve_technical"
	OpRejectTechnical   = "reject_technical"
	OpBlockTechnical    = "block_technical"
	OpResubmitTechnical = "resubmit_technical"
	OpValidate          = "validate_administrative"
	OpRollback          = "rollback"
	OpAcquireLock       = "acquire_lock"
	OpReleaseLock       = "release_lock"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	Guard  guard.Checker
	Logger *zap.Logger
	Now    func() time.Time
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn, Dialect: dialect},
		Config: cfg,
		Guard:  guard.Noop{},
		Logger: zap.NewNop(),
		Now:    time.Now,
	}
}

// now is truncated to the stored timestamp precision so in-memory expiry
// checks agree with the string comparisons done in SQL.
func (e Engine) now() time.Time {
	clock := e.Now
	if clock == nil {
		clock = time.Now
	}
	return clock().UTC().Truncate(time.Microsecond)
}

func (e Engine) log() *zap.Logger {
	return obs.OrNop(e.Logger)
}

func (e Engine) config() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, documentID, entityKind, actorID string, payload events.EventPayload) error {
	w := events.Writer{Dialect: e.Repo.Dialect, Now: e.now}
	return w.Append(ctx, tx, evtType, documentID, entityKind, documentID, actorID, payload)
}

// DocumentCreateOptions are parameters for creating a quote or order.
type DocumentCreateOptions struct {
	ID                        string
	Kind                      domain.DocumentKind
	Reference                 string
	ClientName                string
	Formula                   string
	RequiresTechnicalApproval bool
}

// CreateDocument stores a new draft. Drafts needing technical approval start
// PENDING, others NONE.
func (e Engine) CreateDocument(ctx context.Context, opts DocumentCreateOptions, actor auth.Actor) (doc domain.Document, err error) {
	defer func() { obs.ObserveTransition(OpCreate, ErrorCode(err)) }()
	if err := auth.Require(actor, auth.CanCreateBons); err != nil {
		return domain.Document{}, err
	}
	if opts.Kind == "" {
		opts.Kind = domain.KindQuote
	}
	if opts.Kind != domain.KindQuote && opts.Kind != domain.KindOrder {
		return domain.Document{}, invalidInput("kind must be quote or order")
	}
	opts.Reference = strings.TrimSpace(opts.Reference)
	if opts.Reference == "" {
		return domain.Document{}, invalidInput("reference is required")
	}
	checker := e.Guard
	if checker == nil {
		checker = guard.Noop{}
	}
	verdict := checker.Check(ctx, guard.Submission{
		Kind:                      string(opts.Kind),
		Reference:                 opts.Reference,
		ClientName:                opts.ClientName,
		Formula:                   opts.Formula,
		RequiresTechnicalApproval: opts.RequiresTechnicalApproval,
		ActorID:                   actor.ID,
	})
	if !verdict.Valid {
		return domain.Document{}, GuardRejectedError{Issues: verdict.Issues}
	}

	now := e.now()
	ts := domain.FormatTime(now)
	doc = domain.Document{
		ID:                        opts.ID,
		Kind:                      opts.Kind,
		Reference:                 opts.Reference,
		ClientName:                opts.ClientName,
		Formula:                   opts.Formula,
		RequiresTechnicalApproval: opts.RequiresTechnicalApproval,
		TechnicalStatus:           domain.TechnicalNone,
		AdminStatus:               domain.AdminDraft,
		CreatedBy:                 actor.ID,
		CreatedAt:                 ts,
		UpdatedAt:                 ts,
	}
	if doc.ID == "" {
		doc.ID = ids.NewAt(now)
	}
	if doc.RequiresTechnicalApproval {
		doc.TechnicalStatus = domain.TechnicalPending
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Document{}, storageErr(OpCreate, err)
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDocument(ctx, tx, doc); err != nil {
		return domain.Document{}, storageErr(OpCreate, err)
	}
	payload := events.EventPayload{
		"kind":                        doc.Kind,
		"reference":                   doc.Reference,
		"requires_technical_approval": doc.RequiresTechnicalApproval,
		"technical_approval_status":   doc.TechnicalStatus,
	}
	if verdict.Skipped {
		payload["guard_skipped"] = true
	}
	if err := e.appendEvent(ctx, tx, events.DocumentCreated, doc.ID, events.EntityDocument, actor.ID, payload); err != nil {
		return domain.Document{}, storageErr(OpCreate, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Document{}, storageErr(OpCreate, err)
	}
	e.log().Info("document created",
		zap.String("document_id", doc.ID),
		zap.String("kind", string(doc.Kind)),
		zap.String("actor_id", actor.ID))
	return doc, nil
}

func (e Engine) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	doc, err := e.Repo.GetDocument(ctx, id)
	if err != nil {
		return domain.Document{}, storageErr("get_document", err)
	}
	return doc, nil
}

func (e Engine) ListDocuments(ctx context.Context, f repo.DocumentFilters) ([]domain.Document, error) {
	docs, err := e.Repo.ListDocuments(ctx, f)
	if err != nil {
		return nil, storageErr("list_documents", err)
	}
	return docs, nil
}

// PendingApprovalCount counts documents waiting on technical review.
func (e Engine) PendingApprovalCount(ctx context.Context) (int, error) {
	n, err := e.Repo.CountPendingApprovals(ctx)
	if err != nil {
		return 0, storageErr("count_pending", err)
	}
	return n, nil
}

// transitionFunc computes the next row from the current one or explains
// why the transition is refused.
type transitionFunc func(tx *sql.Tx, doc domain.Document, now time.Time) (next domain.Document, evtType string, payload events.EventPayload, err error)

// transition runs fn inside one transaction and writes its result with a
// compare-and-set on the statuses read at the start.
func (e Engine) transition(ctx context.Context, op, id string, actor auth.Actor, fn transitionFunc) (doc domain.Document, err error) {
	defer func() {
		obs.ObserveTransition(op, ErrorCode(err))
		if err != nil {
			e.log().Debug("transition refused",
				zap.String("operation", op),
				zap.String("document_id", id),
				zap.String("actor_id", actor.ID),
				zap.String("role", string(actor.Role)),
				zap.Error(err))
		}
	}()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Document{}, storageErr(op, err)
	}
	defer tx.Rollback()

	cur, err := e.Repo.GetDocumentForUpdate(ctx, tx, id)
	if err != nil {
		return domain.Document{}, storageErr(op, err)
	}
	now := e.now()
	next, evtType, payload, err := fn(tx, cur, now)
	if err != nil {
		return cur, err
	}
	next.UpdatedAt = domain.FormatTime(now)
	ok, err := e.Repo.UpdateDocumentIf(ctx, tx, cur, next)
	if err != nil {
		return cur, storageErr(op, err)
	}
	if !ok {
		return cur, StateError{Op: op, Status: string(cur.TechnicalStatus) + "/" + string(cur.AdminStatus), Detail: "document changed concurrently"}
	}
	if err := e.appendEvent(ctx, tx, evtType, id, events.EntityDocument, actor.ID, payload); err != nil {
		return cur, storageErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return cur, storageErr(op, err)
	}
	e.log().Info("document transition",
		zap.String("operation", op),
		zap.String("document_id", id),
		zap.String("actor_id", actor.ID),
		zap.String("technical_status", string(next.TechnicalStatus)),
		zap.String("admin_status", string(next.AdminStatus)))
	return next, nil
}

// activeLockTx returns the live lock on a document, or nil.
func (e Engine) activeLockTx(ctx context.Context, tx *sql.Tx, documentID string, now time.Time) (*domain.EditLock, error) {
	l, err := e.Repo.GetLockTx(ctx, tx, documentID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if l.Expired(now) {
		return nil, nil
	}
	return &l, nil
}

func strPtr(s string) *string { return &s }
