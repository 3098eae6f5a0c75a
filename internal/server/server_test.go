package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"tbos/internal/config"
	"tbos/internal/db"
	"tbos/internal/domain"
	"tbos/internal/engine"
	"tbos/internal/engine/auth"
	"tbos/internal/events"
	"tbos/internal/feed"
	"tbos/internal/migrate"
)

const testSecret = "test-secret"

var (
	frontdesk   = auth.Actor{ID: "fd-1", Name: "Nadia", Role: auth.RoleFrontdesk}
	frontdesk2  = auth.Actor{ID: "fd-2", Name: "Karim", Role: auth.RoleFrontdesk}
	technician  = auth.Actor{ID: "rt-1", Name: "Yassine", Role: "responsable_technique"}
	ceo         = auth.Actor{ID: "ceo-1", Name: "Samir", Role: auth.RoleCEO}
	centraliste = auth.Actor{ID: "ct-1", Role: auth.RoleCentraliste}
)

type testServer struct {
	*httptest.Server
	Engine engine.Engine
	Hub    *feed.Hub
}

func newTestEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(conn, dialect)
	require.NoError(t, err)
	return engine.New(conn, dialect, config.Default())
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	e := newTestEngine(t)
	hub := feed.NewHub(8)
	cfg := Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret},
		Hub:      hub,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	handler, err := New(cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, Engine: e, Hub: hub}
}

func (s *testServer) token(t *testing.T, actor auth.Actor) string {
	t.Helper()
	tok, err := SignToken(testSecret, actor, time.Hour, time.Now())
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, actor *auth.Actor, method, path string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != nil {
		req.Header.Set("Authorization", "Bearer "+s.token(t, *actor))
	}
	res, err := s.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

func decodeDocument(t *testing.T, data []byte) DocumentResponse {
	t.Helper()
	var doc DocumentResponse
	require.NoError(t, json.Unmarshal(data, &doc), string(data))
	return doc
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t, nil)
	status, body := srv.do(t, nil, http.MethodGet, "/v0/health", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	require.Contains(t, string(body), `"ok"`)
}

func TestRequiresAuthentication(t *testing.T) {
	srv := newTestServer(t, nil)
	status, body := srv.do(t, nil, http.MethodGet, "/v0/documents", nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "unauthorized", decodeError(t, body).Error.Code)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/documents", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	// Dev headers are ignored unless explicitly allowed.
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/v0/documents", nil)
	req.Header.Set("X-Actor-Id", "fd-1")
	res, err = srv.Client().Do(req)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestDevHeadersWhenAllowed(t *testing.T) {
	srv := newTestServer(t, func(c *Config) { c.Auth.AllowDevHeaders = true })
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/me", nil)
	req.Header.Set("X-Actor-Id", "fd-9")
	req.Header.Set("X-Actor-Role", " agent_administratif ")
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	var me WhoAmIResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&me))
	require.Equal(t, "fd-9", me.ActorID)
	require.Equal(t, "dev_header", me.Source)
	require.True(t, me.KnownRole)
	require.True(t, me.Capabilities.CreateBons)
	require.False(t, me.CanOverride)
}

func TestDevLogin(t *testing.T) {
	disabled := newTestServer(t, nil)
	status, _ := disabled.do(t, nil, http.MethodPost, "/v0/auth/dev/login", DevLoginRequest{ActorID: "x"})
	require.Equal(t, http.StatusNotFound, status)

	srv := newTestServer(t, func(c *Config) { c.Auth.AllowDevHeaders = true })
	status, body := srv.do(t, nil, http.MethodPost, "/v0/auth/dev/login", DevLoginRequest{ActorID: "ceo-1", Role: "ceo"})
	require.Equal(t, http.StatusOK, status, string(body))
	var login DevLoginResponse
	require.NoError(t, json.Unmarshal(body, &login))

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/me", nil)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	var me WhoAmIResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&me))
	require.Equal(t, "jwt", me.Source)
	require.True(t, me.CanOverride)
}

func TestRoleCapabilities(t *testing.T) {
	srv := newTestServer(t, nil)
	status, body := srv.do(t, &frontdesk, http.MethodGet, "/v0/roles/superviseur/capabilities", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var out RoleCapabilitiesResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, "supervisor", out.Canonical)
	require.True(t, out.CanOverride)
	require.True(t, out.Capabilities.ValidateTechnique)

	status, body = srv.do(t, &frontdesk, http.MethodGet, "/v0/roles/stranger/capabilities", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &out))
	require.False(t, out.Known)
	require.True(t, out.Capabilities.ViewStockModule)
	require.False(t, out.Capabilities.CreateBons)
}

func TestApprovalAndLockFlow(t *testing.T) {
	srv := newTestServer(t, nil)

	status, body := srv.do(t, &centraliste, http.MethodPost, "/v0/documents", CreateDocumentRequest{Reference: "Q-1"})
	require.Equal(t, http.StatusForbidden, status, string(body))
	require.Equal(t, "permission_denied", decodeError(t, body).Error.Code)

	status, body = srv.do(t, &frontdesk, http.MethodPost, "/v0/documents", CreateDocumentRequest{
		Kind:                      "quote",
		Reference:                 "Q-1",
		ClientName:                "Batiplus",
		RequiresTechnicalApproval: true,
	})
	require.Equal(t, http.StatusCreated, status, string(body))
	doc := decodeDocument(t, body)
	require.Equal(t, domain.TechnicalPending, doc.TechnicalStatus)
	docPath := "/v0/documents/" + doc.ID

	status, body = srv.do(t, &frontdesk, http.MethodGet, "/v0/approvals/pending", nil)
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"pending":1}`, string(body))

	status, body = srv.do(t, &frontdesk, http.MethodPost, docPath+"/validate", nil)
	require.Equal(t, http.StatusConflict, status)
	envelope := decodeError(t, body)
	require.Equal(t, "technical_approval_required", envelope.Error.Code)
	require.Equal(t, engine.ReasonAwaitingReview, envelope.Error.Details["reason"])

	status, _ = srv.do(t, &frontdesk, http.MethodPost, docPath+"/technical/approve", nil)
	require.Equal(t, http.StatusForbidden, status)

	status, body = srv.do(t, &technician, http.MethodPost, docPath+"/technical/approve", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	require.Equal(t, domain.TechnicalApproved, decodeDocument(t, body).TechnicalStatus)

	status, body = srv.do(t, &frontdesk2, http.MethodPost, docPath+"/lock", AcquireLockRequest{TTLSeconds: 120})
	require.Equal(t, http.StatusOK, status, string(body))
	var lock domain.EditLock
	require.NoError(t, json.Unmarshal(body, &lock))
	require.Equal(t, "fd-2", lock.LockedBy)

	status, body = srv.do(t, &frontdesk, http.MethodPost, docPath+"/lock", nil)
	require.Equal(t, http.StatusLocked, status)
	envelope = decodeError(t, body)
	require.Equal(t, "document_locked", envelope.Error.Code)
	require.Equal(t, "fd-2", envelope.Error.Details["locked_by"])

	status, body = srv.do(t, &frontdesk, http.MethodGet, docPath+"/validation", nil)
	require.Equal(t, http.StatusOK, status)
	var verdict engine.ValidationVerdict
	require.NoError(t, json.Unmarshal(body, &verdict))
	require.False(t, verdict.Eligible)
	require.Equal(t, "document_locked", verdict.Code)

	status, _ = srv.do(t, &frontdesk, http.MethodPost, docPath+"/validate", nil)
	require.Equal(t, http.StatusLocked, status)

	// Releasing someone else's lock is a quiet no-op.
	status, body = srv.do(t, &frontdesk, http.MethodDelete, docPath+"/lock", nil)
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"released":false}`, string(body))

	status, body = srv.do(t, &frontdesk2, http.MethodDelete, docPath+"/lock", nil)
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"released":true}`, string(body))

	status, _ = srv.do(t, &frontdesk, http.MethodGet, docPath+"/lock", nil)
	require.Equal(t, http.StatusNotFound, status)

	status, body = srv.do(t, &frontdesk, http.MethodPost, docPath+"/validate", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	validated := decodeDocument(t, body)
	require.Equal(t, domain.AdminValidated, validated.AdminStatus)
	require.NotNil(t, validated.AdministrativelyValidatedBy)

	status, _ = srv.do(t, &frontdesk, http.MethodPost, docPath+"/validate", nil)
	require.Equal(t, http.StatusConflict, status)

	status, _ = srv.do(t, &frontdesk, http.MethodPost, docPath+"/rollback", nil)
	require.Equal(t, http.StatusForbidden, status)

	status, body = srv.do(t, &ceo, http.MethodPost, docPath+"/rollback", RollbackRequest{Reason: "client changed formula"})
	require.Equal(t, http.StatusOK, status, string(body))
	rolled := decodeDocument(t, body)
	require.Equal(t, domain.AdminDraft, rolled.AdminStatus)
	require.Equal(t, 1, rolled.RollbackCount)
	require.False(t, rolled.HighRisk)

	status, body = srv.do(t, &frontdesk, http.MethodGet, "/v0/events?document_id="+doc.ID+"&limit=2", nil)
	require.Equal(t, http.StatusOK, status)
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Items, 2)
	require.Equal(t, events.DocumentRolledBack, page.Items[0].Type)
	require.NotEmpty(t, page.NextCursor)
}

func TestBlockAndResubmit(t *testing.T) {
	srv := newTestServer(t, nil)
	status, body := srv.do(t, &frontdesk, http.MethodPost, "/v0/documents", CreateDocumentRequest{Reference: "Q-2", RequiresTechnicalApproval: true})
	require.Equal(t, http.StatusCreated, status, string(body))
	docPath := "/v0/documents/" + decodeDocument(t, body).ID

	status, _ = srv.do(t, &technician, http.MethodPost, docPath+"/technical/block", BlockTechnicalRequest{Code: "bad code", Reason: "x"})
	require.Equal(t, http.StatusBadRequest, status)

	status, body = srv.do(t, &technician, http.MethodPost, docPath+"/technical/block", BlockTechnicalRequest{Code: "SLUMP", Reason: "slump out of range"})
	require.Equal(t, http.StatusOK, status, string(body))
	require.Equal(t, domain.TechnicalStatus("BLOCKED_SLUMP"), decodeDocument(t, body).TechnicalStatus)

	status, body = srv.do(t, &frontdesk, http.MethodPost, docPath+"/validate", nil)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "slump out of range", decodeError(t, body).Error.Details["reason"])

	status, body = srv.do(t, &frontdesk, http.MethodPost, docPath+"/technical/resubmit", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	require.Equal(t, domain.TechnicalPending, decodeDocument(t, body).TechnicalStatus)
}

func TestUnknownDocumentIs404(t *testing.T) {
	srv := newTestServer(t, nil)
	status, body := srv.do(t, &frontdesk, http.MethodGet, "/v0/documents/nope", nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "not_found", decodeError(t, body).Error.Code)

	status, _ = srv.do(t, &technician, http.MethodPost, "/v0/documents/nope/technical/approve", nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestStorageFailureIs503(t *testing.T) {
	srv := newTestServer(t, nil)
	doc, err := srv.Engine.CreateDocument(context.Background(), engine.DocumentCreateOptions{Reference: "Q-1"}, frontdesk)
	require.NoError(t, err)
	_, err = srv.Engine.DB.Exec(`DROP TABLE events`)
	require.NoError(t, err)

	docPath := "/v0/documents/" + doc.ID
	status, body := srv.do(t, &frontdesk, http.MethodPost, docPath+"/lock", AcquireLockRequest{TTLSeconds: 60})
	require.Equal(t, http.StatusServiceUnavailable, status, string(body))
	require.Equal(t, "storage_unavailable", decodeError(t, body).Error.Code)

	status, _ = srv.do(t, &frontdesk, http.MethodGet, docPath+"/lock", nil)
	require.Equal(t, http.StatusNotFound, status)

	status, body = srv.do(t, &frontdesk, http.MethodPost, docPath+"/validate", nil)
	require.Equal(t, http.StatusServiceUnavailable, status, string(body))
	status, body = srv.do(t, &frontdesk, http.MethodGet, docPath, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	require.Equal(t, domain.AdminDraft, decodeDocument(t, body).AdminStatus)
}

func TestHugeLockTTLIsClamped(t *testing.T) {
	srv := newTestServer(t, nil)
	status, body := srv.do(t, &frontdesk, http.MethodPost, "/v0/documents", CreateDocumentRequest{Reference: "Q-1"})
	require.Equal(t, http.StatusCreated, status, string(body))
	docPath := "/v0/documents/" + decodeDocument(t, body).ID

	status, body = srv.do(t, &frontdesk, http.MethodPost, docPath+"/lock", map[string]any{"ttl_seconds": int64(10_000_000_000)})
	require.Equal(t, http.StatusOK, status, string(body))
	var lock domain.EditLock
	require.NoError(t, json.Unmarshal(body, &lock))
	acquired, err := domain.ParseTime(lock.AcquiredAt)
	require.NoError(t, err)
	expires, err := domain.ParseTime(lock.ExpiresAt)
	require.NoError(t, err)
	require.Equal(t, config.Default().MaxLockTTL(), expires.Sub(acquired))
}

func TestListDocumentsPaginates(t *testing.T) {
	srv := newTestServer(t, nil)
	for _, ref := range []string{"Q-1", "Q-2", "Q-3"} {
		status, body := srv.do(t, &frontdesk, http.MethodPost, "/v0/documents", CreateDocumentRequest{Reference: ref})
		require.Equal(t, http.StatusCreated, status, string(body))
	}
	seen := map[string]bool{}
	cursor := ""
	for pages := 0; pages < 3; pages++ {
		path := "/v0/documents?limit=2"
		if cursor != "" {
			path += "&cursor=" + cursor
		}
		status, body := srv.do(t, &frontdesk, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, status, string(body))
		var page paginatedDocuments
		require.NoError(t, json.Unmarshal(body, &page))
		for _, d := range page.Items {
			require.False(t, seen[d.ID], "duplicate %s", d.ID)
			seen[d.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	require.Len(t, seen, 3)

	status, _ := srv.do(t, &frontdesk, http.MethodGet, "/v0/documents?cursor=broken", nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(1, 1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	call := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/v0/health", nil)
		req.RemoteAddr = ip + ":1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	require.Equal(t, http.StatusNoContent, call("10.0.0.1"))
	require.Equal(t, http.StatusTooManyRequests, call("10.0.0.1"))
	require.Equal(t, http.StatusNoContent, call("10.0.0.2"))

	passthrough := RateLimit(0, 0)(http.NotFoundHandler())
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		passthrough.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}
}

func TestRateLimitIgnoresForwardedForFromUntrustedPeers(t *testing.T) {
	h := RateLimit(1, 1, "10.0.0.9", "192.168.0.0/24")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	call := func(peer, xff string) int {
		req := httptest.NewRequest(http.MethodGet, "/v0/health", nil)
		req.RemoteAddr = peer + ":1234"
		if xff != "" {
			req.Header.Set("X-Forwarded-For", xff)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	// Rotating the header from a direct client does not earn new buckets.
	require.Equal(t, http.StatusNoContent, call("10.0.0.1", "1.1.1.1"))
	require.Equal(t, http.StatusTooManyRequests, call("10.0.0.1", "2.2.2.2"))

	// Behind a trusted proxy each forwarded client gets its own bucket.
	require.Equal(t, http.StatusNoContent, call("10.0.0.9", "3.3.3.3"))
	require.Equal(t, http.StatusTooManyRequests, call("10.0.0.9", "3.3.3.3"))
	require.Equal(t, http.StatusNoContent, call("10.0.0.9", "4.4.4.4"))

	// Entries prepended by the client are ignored; the last untrusted hop counts.
	require.Equal(t, http.StatusTooManyRequests, call("10.0.0.9", "9.9.9.9, 3.3.3.3"))
	require.Equal(t, http.StatusTooManyRequests, call("10.0.0.9", "8.8.8.8, 3.3.3.3, 192.168.0.7"))
}

func TestFeedStreamsEvents(t *testing.T) {
	srv := newTestServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v0/feed?types=lock.acquired", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+srv.token(t, frontdesk))
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	reader := bufio.NewReader(res.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": stream started\n", line)
	require.Eventually(t, func() bool { return srv.Hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	srv.Hub.Publish(domain.Event{ID: 1, Type: events.DocumentCreated, DocumentID: "d1", Payload: `{}`})
	srv.Hub.Publish(domain.Event{ID: 2, Type: events.LockAcquired, DocumentID: "d1", Payload: `{"ttl_seconds":300}`})

	var frame []string
	for len(frame) < 3 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line = strings.TrimRight(line, "\n"); line != "" {
			frame = append(frame, line)
		}
	}
	require.Equal(t, "id: 2", frame[0])
	require.Equal(t, "event: lock.acquired", frame[1])
	require.Contains(t, frame[2], `"ttl_seconds":300`)
}

func TestFeedDisabledWithoutHub(t *testing.T) {
	srv := newTestServer(t, func(c *Config) { c.Hub = nil })
	status, body := srv.do(t, &frontdesk, http.MethodGet, "/v0/feed", nil)
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.Equal(t, "feed_disabled", decodeError(t, body).Error.Code)
}

type received struct {
	mu      sync.Mutex
	headers []http.Header
	bodies  []webhookEvent
}

func (r *received) snapshot() ([]http.Header, []webhookEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]http.Header(nil), r.headers...), append([]webhookEvent(nil), r.bodies...)
}

func TestWebhookDispatcherDeliversFilteredEvents(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	got := &received{}
	failing := true
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.mu.Lock()
		defer got.mu.Unlock()
		if failing {
			failing = false
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		got.headers = append(got.headers, r.Header.Clone())
		got.bodies = append(got.bodies, evt)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer sink.Close()

	// Events committed before the first pass are not replayed.
	_, err := e.CreateDocument(ctx, engine.DocumentCreateOptions{Reference: "OLD"}, frontdesk)
	require.NoError(t, err)

	d := NewWebhookDispatcher(e.Repo, []config.WebhookConfig{{
		URL:    sink.URL,
		Events: []string{events.DocumentCreated},
		Secret: "s3cret",
	}}, nil)
	d.DispatchAll(ctx)

	doc, err := e.CreateDocument(ctx, engine.DocumentCreateOptions{Reference: "NEW"}, frontdesk)
	require.NoError(t, err)
	_, err = e.AcquireLock(ctx, doc.ID, frontdesk, 0)
	require.NoError(t, err)

	// First delivery fails and is retried on the next pass.
	d.DispatchAll(ctx)
	headers, bodies := got.snapshot()
	require.Empty(t, bodies)

	d.DispatchAll(ctx)
	headers, bodies = got.snapshot()
	require.Len(t, bodies, 1)
	require.Equal(t, events.DocumentCreated, bodies[0].Type)
	require.Equal(t, doc.ID, bodies[0].DocumentID)
	require.Equal(t, "s3cret", headers[0].Get("X-Tbos-Secret"))
	require.Equal(t, events.DocumentCreated, headers[0].Get("X-Tbos-Event"))
	require.NotEmpty(t, headers[0].Get("X-Tbos-Delivery"))

	d.DispatchAll(ctx)
	_, bodies = got.snapshot()
	require.Len(t, bodies, 1)
}

func TestWebhookDispatcherSkipsDisabledHooks(t *testing.T) {
	off := false
	d := NewWebhookDispatcher(nil, []config.WebhookConfig{
		{URL: "http://127.0.0.1:1/hook", Enabled: &off},
		{URL: "  "},
	}, nil)
	require.Empty(t, d.webhooks)
	// Run returns at once with nothing to do.
	d.Run(context.Background())
}

// memoryEventLog lets a test commit ids out of order.
type memoryEventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *memoryEventLog) commit(ids ...int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.events = append(m.events, domain.Event{ID: id, Type: events.DocumentCreated, EntityKind: events.EntityDocument, Payload: "{}"})
	}
	sort.Slice(m.events, func(i, j int) bool { return m.events[i].ID < m.events[j].ID })
}

func (m *memoryEventLog) EventsAfter(_ context.Context, limit int, cursor int64) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, evt := range m.events {
		if evt.ID > cursor && len(out) < limit {
			out = append(out, evt)
		}
	}
	return out, nil
}

func (m *memoryEventLog) LatestEventID(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return 0, nil
	}
	return m.events[len(m.events)-1].ID, nil
}

func TestWebhookDispatcherWaitsOnIDGaps(t *testing.T) {
	ctx := context.Background()
	got := &received{}
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		got.mu.Lock()
		got.bodies = append(got.bodies, evt)
		got.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer sink.Close()

	evlog := &memoryEventLog{}
	d := NewWebhookDispatcher(evlog, []config.WebhookConfig{{URL: sink.URL}}, nil)
	clock := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return clock }
	d.DispatchAll(ctx)

	delivered := func() []int64 {
		_, bodies := got.snapshot()
		return lo.Map(bodies, func(b webhookEvent, _ int) int64 { return b.ID })
	}

	// 2 is still in flight when 3 becomes visible.
	evlog.commit(1, 3)
	d.DispatchAll(ctx)
	require.Equal(t, []int64{1}, delivered())
	clock = clock.Add(time.Second)
	d.DispatchAll(ctx)
	require.Equal(t, []int64{1}, delivered())

	evlog.commit(2)
	d.DispatchAll(ctx)
	require.Equal(t, []int64{1, 2, 3}, delivered())

	// 4 never commits; the hook moves on once the grace period is over.
	evlog.commit(5)
	d.DispatchAll(ctx)
	require.Equal(t, []int64{1, 2, 3}, delivered())
	clock = clock.Add(defaultGapGrace)
	d.DispatchAll(ctx)
	require.Equal(t, []int64{1, 2, 3, 5}, delivered())
}
