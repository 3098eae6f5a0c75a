package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"tbos/internal/domain"
	"tbos/internal/engine"
	"tbos/internal/engine/auth"
	"tbos/internal/feed"
	"tbos/internal/obs"
	"tbos/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Hub backs the SSE feed; nil disables it.
	Hub     *feed.Hub
	Pending *feed.PendingCounter
	// RatePerSecond <= 0 disables rate limiting.
	RatePerSecond float64
	RateBurst     int
	// TrustedProxies may set X-Forwarded-For for rate limiting.
	TrustedProxies []string
	Logger         *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"document_locked"`
	Message string         `json:"message" example:"document 01HV... is locked by Nadia until 2024-01-01T08:05:00.000000Z"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"locked_by\":\"fd-1\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the TBOS API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := obs.OrNop(cfg.Logger)
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	obs.Init()

	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(obs.Instrument(routeLabel))
	router.Use(requestLogger(logger))
	router.Use(RateLimit(cfg.RatePerSecond, cfg.RateBurst, cfg.TrustedProxies...))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("TBOS API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	router.Handle("/metrics", obs.Handler())
	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerMe(group)
	registerRoles(group)
	registerDocuments(group, cfg.Engine)
	registerTechnical(group, cfg.Engine)
	registerAdministrative(group, cfg.Engine)
	registerLocks(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerApprovals(group, cfg.Engine, cfg.Pending)
	registerDevAuth(group, cfg.Auth)
	registerFeed(router, basePath, cfg.Hub, logger)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func routeLabel(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	msg := err.Error()
	code := engine.ErrorCode(err)
	switch code {
	case "permission_denied":
		var pe auth.PermissionError
		var details map[string]any
		if errors.As(err, &pe) {
			details = map[string]any{"capability": pe.Capability, "role": pe.Role}
		}
		return newAPIError(http.StatusForbidden, code, msg, details)
	case "invalid_state":
		var st engine.StateError
		var details map[string]any
		if errors.As(err, &st) {
			details = map[string]any{"operation": st.Op, "status": st.Status}
		}
		return newAPIError(http.StatusConflict, code, msg, details)
	case "technical_approval_required":
		var ar engine.ApprovalRequiredError
		var details map[string]any
		if errors.As(err, &ar) {
			details = map[string]any{"status": ar.Status, "reason": ar.Reason}
			if ar.Note != "" {
				details["note"] = ar.Note
			}
		}
		return newAPIError(http.StatusConflict, code, msg, details)
	case "document_locked":
		var le engine.LockedError
		var details map[string]any
		if errors.As(err, &le) {
			details = map[string]any{"locked_by": le.LockedBy, "locked_by_name": le.LockedByName, "expires_at": le.ExpiresAt}
		}
		return newAPIError(http.StatusLocked, code, msg, details)
	case "storage_unavailable":
		return newAPIError(http.StatusServiceUnavailable, code, "storage unavailable", map[string]any{"error": msg})
	case "guard_rejected":
		var gr engine.GuardRejectedError
		var details map[string]any
		if errors.As(err, &gr) {
			details = map[string]any{"issues": gr.Issues}
		}
		return newAPIError(http.StatusUnprocessableEntity, code, msg, details)
	case "bad_request":
		return newAPIError(http.StatusBadRequest, code, msg, nil)
	case "not_found":
		return newAPIError(http.StatusNotFound, code, msg, nil)
	case "conflict":
		return newAPIError(http.StatusConflict, code, msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "permission_denied"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var oasJSON []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if oasJSON == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			oasJSON, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(oasJSON)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>TBOS API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := e.Repo.Ping(ctx); err != nil {
			return nil, handleError(engine.StorageError{Op: "health", Err: err})
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal and its capabilities",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		caps := principal.Capabilities()
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:      principal.ID,
			Name:         principal.Name,
			Role:         string(principal.Role),
			KnownRole:    principal.Role.Known(),
			Capabilities: caps,
			Granted:      caps.Names(),
			CanOverride:  principal.Role.HasOverrideAuthority(),
			Source:       principal.Source,
		}}, nil
	})
}

func registerRoles(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "role-capabilities",
		Method:      http.MethodGet,
		Path:        "/roles/{role}/capabilities",
		Summary:     "Resolve a role to its capability set",
	}, func(ctx context.Context, input *struct {
		Role string `path:"role"`
	}) (*struct {
		Body RoleCapabilitiesResponse `json:"body"`
	}, error) {
		role := auth.ParseRole(input.Role)
		return &struct {
			Body RoleCapabilitiesResponse `json:"body"`
		}{Body: RoleCapabilitiesResponse{
			Role:         input.Role,
			Canonical:    string(role.Canonical()),
			Known:        role.Known(),
			Capabilities: auth.Resolve(role),
			CanOverride:  role.HasOverrideAuthority(),
		}}, nil
	})
}

type documentOutput struct {
	Body DocumentResponse `json:"body"`
}

type documentPath struct {
	ID string `path:"id"`
}

var transitionErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusLocked,
	http.StatusServiceUnavailable,
}

func registerDocuments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-document",
		Method:        http.MethodPost,
		Path:          "/documents",
		Summary:       "Create a quote or order draft",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateDocumentRequest `json:"body"`
	}) (*documentOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		doc, err := e.CreateDocument(ctx, engine.DocumentCreateOptions{
			ID:                        strings.TrimSpace(input.Body.ID),
			Kind:                      domain.DocumentKind(input.Body.Kind),
			Reference:                 input.Body.Reference,
			ClientName:                input.Body.ClientName,
			Formula:                   input.Body.Formula,
			RequiresTechnicalApproval: input.Body.RequiresTechnicalApproval,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &documentOutput{Body: documentResponse(e, doc, nil)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-documents",
		Method:      http.MethodGet,
		Path:        "/documents",
		Summary:     "List documents, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Kind            string `query:"kind"`
		TechnicalStatus string `query:"technical_status"`
		AdminStatus     string `query:"admin_status"`
		Pending         bool   `query:"pending"`
		Limit           int    `query:"limit" default:"50"`
		Cursor          string `query:"cursor"`
	}) (*struct {
		Body paginatedDocuments `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.ListDocuments(ctx, repo.DocumentFilters{
			Kind:            input.Kind,
			TechnicalStatus: input.TechnicalStatus,
			AdminStatus:     input.AdminStatus,
			PendingOnly:     input.Pending,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedDocuments{Items: []DocumentResponse{}}
		if len(items) > limit {
			items = items[:limit]
			last := items[len(items)-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		resp.Items = append(resp.Items, mapDocuments(e, items)...)
		return &struct {
			Body paginatedDocuments `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-document",
		Method:      http.MethodGet,
		Path:        "/documents/{id}",
		Summary:     "Get a document with its active lock",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *documentPath) (*documentOutput, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		doc, err := e.GetDocument(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		lock, err := e.GetLock(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &documentOutput{Body: documentResponse(e, doc, lock)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-validation",
		Method:      http.MethodGet,
		Path:        "/documents/{id}/validation",
		Summary:     "Can the caller validate this document now",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *documentPath) (*struct {
		Body engine.ValidationVerdict `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		verdict, err := e.CheckValidation(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ValidationVerdict `json:"body"`
		}{Body: verdict}, nil
	})
}

func registerTechnical(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "approve-technical",
		Method:      http.MethodPost,
		Path:        "/documents/{id}/technical/approve",
		Summary:     "Record technical approval",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *documentPath) (*documentOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		doc, err := e.ApproveTechnical(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &documentOutput{Body: documentResponse(e, doc, nil)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-technical",
		Method:      http.MethodPost,
		Path:        "/documents/{id}/technical/reject",
		Summary:     "Reject technically",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body RejectTechnicalRequest `json:"body" required:"false"`
	}) (*documentOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		doc, err := e.RejectTechnical(ctx, input.ID, actor, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return &documentOutput{Body: documentResponse(e, doc, nil)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "block-technical",
		Method:      http.MethodPost,
		Path:        "/documents/{id}/technical/block",
		Summary:     "Block with a named technical reason",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body BlockTechnicalRequest `json:"body"`
	}) (*documentOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		doc, err := e.BlockTechnical(ctx, input.ID, actor, input.Body.Code, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &documentOutput{Body: documentResponse(e, doc, nil)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resubmit-technical",
		Method:      http.MethodPost,
		Path:        "/documents/{id}/technical/resubmit",
		Summary:     "Send a rejected or blocked document back to review",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *documentPath) (*documentOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		doc, err := e.ResubmitTechnical(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &documentOutput{Body: documentResponse(e, doc, nil)}, nil
	})
}

func registerAdministrative(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "validate-document",
		Method:      http.MethodPost,
		Path:        "/documents/{id}/validate",
		Summary:     "Administrative validation",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *documentPath) (*documentOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		doc, err := e.ValidateAdministrative(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &documentOutput{Body: documentResponse(e, doc, nil)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rollback-document",
		Method:      http.MethodPost,
		Path:        "/documents/{id}/rollback",
		Summary:     "Return a document to draft (ceo, supervisor)",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body RollbackRequest `json:"body" required:"false"`
	}) (*documentOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		doc, err := e.Rollback(ctx, input.ID, actor, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &documentOutput{Body: documentResponse(e, doc, nil)}, nil
	})
}

func registerLocks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "acquire-lock",
		Method:      http.MethodPost,
		Path:        "/documents/{id}/lock",
		Summary:     "Acquire or renew the edit lock",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body AcquireLockRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.EditLock `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		lock, err := e.AcquireLock(ctx, input.ID, actor, lockTTL(input.Body.TTLSeconds))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EditLock `json:"body"`
		}{Body: lock}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-lock",
		Method:      http.MethodDelete,
		Path:        "/documents/{id}/lock",
		Summary:     "Release the caller's edit lock",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *documentPath) (*struct {
		Body ReleaseLockResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		released, err := e.ReleaseLock(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReleaseLockResponse `json:"body"`
		}{Body: ReleaseLockResponse{Released: released}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-lock",
		Method:      http.MethodGet,
		Path:        "/documents/{id}/lock",
		Summary:     "Active edit lock",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *documentPath) (*struct {
		Body domain.EditLock `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		lock, err := e.GetLock(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if lock == nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no active lock", map[string]any{"document_id": input.ID})
		}
		return &struct {
			Body domain.EditLock `json:"body"`
		}{Body: *lock}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		DocumentID string `query:"document_id"`
		EntityKind string `query:"entity_kind"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, limit+1, cursorID, repo.EventFilters{
			Type:       input.Type,
			DocumentID: input.DocumentID,
			EntityKind: input.EntityKind,
		})
		if err != nil {
			return nil, handleError(engine.StorageError{Op: "list_events", Err: err})
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, mapEvents(items)...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerApprovals(api huma.API, e engine.Engine, pending *feed.PendingCounter) {
	if pending == nil {
		pending = &feed.PendingCounter{Source: e.Repo}
	}
	huma.Register(api, huma.Operation{
		OperationID: "pending-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals/pending",
		Summary:     "Documents waiting on technical review",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PendingApprovalsResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		n, err := pending.Refresh(ctx)
		if err != nil {
			return nil, handleError(engine.StorageError{Op: "count_pending", Err: err})
		}
		return &struct {
			Body PendingApprovalsResponse `json:"body"`
		}{Body: PendingApprovalsResponse{Pending: n}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if !authCfg.AllowDevHeaders {
			return nil, newAPIError(http.StatusNotFound, "not_found", "dev login disabled", nil)
		}
		actorID := strings.TrimSpace(input.Body.ActorID)
		if actorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, auth.Actor{
			ID:   actorID,
			Name: strings.TrimSpace(input.Body.Name),
			Role: auth.ParseRole(input.Body.Role),
		}, 0, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

// lockTTL converts ttl_seconds without overflowing; anything past the
// representable range saturates and is clamped by the engine.
func lockTTL(seconds int) time.Duration {
	if int64(seconds) > math.MaxInt64/int64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(seconds) * time.Second
}
