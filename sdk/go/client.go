package tbossdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal TBOS HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Document is the API document model.
type Document struct {
	ID                          string  `json:"id"`
	Kind                        string  `json:"kind"`
	Reference                   string  `json:"reference"`
	ClientName                  string  `json:"client_name,omitempty"`
	Formula                     string  `json:"formula,omitempty"`
	RequiresTechnicalApproval   bool    `json:"requires_technical_approval"`
	TechnicalStatus             string  `json:"technical_approval_status"`
	TechnicalBlockReason        string  `json:"technical_block_reason,omitempty"`
	AdminStatus                 string  `json:"administrative_validation_status"`
	RollbackCount               int     `json:"rollback_count"`
	HighRisk                    bool    `json:"high_risk"`
	CreatedBy                   string  `json:"created_by"`
	CreatedAt                   string  `json:"created_at"`
	UpdatedAt                   string  `json:"updated_at"`
	TechnicallyApprovedBy       *string `json:"technically_approved_by,omitempty"`
	AdministrativelyValidatedBy *string `json:"administratively_validated_by,omitempty"`
	Lock                        *Lock   `json:"lock,omitempty"`
}

// NewDocument is the create payload.
type NewDocument struct {
	ID                        string `json:"id,omitempty"`
	Kind                      string `json:"kind,omitempty"`
	Reference                 string `json:"reference"`
	ClientName                string `json:"client_name,omitempty"`
	Formula                   string `json:"formula,omitempty"`
	RequiresTechnicalApproval bool   `json:"requires_technical_approval,omitempty"`
}

// Lock is an active edit lock.
type Lock struct {
	DocumentID   string `json:"document_id"`
	LockedBy     string `json:"locked_by"`
	LockedByName string `json:"locked_by_name"`
	AcquiredAt   string `json:"acquired_at"`
	ExpiresAt    string `json:"expires_at"`
}

// Me describes the authenticated principal.
type Me struct {
	ActorID      string          `json:"actor_id"`
	Name         string          `json:"name"`
	Role         string          `json:"role"`
	KnownRole    bool            `json:"known_role"`
	Capabilities map[string]bool `json:"capabilities"`
	CanOverride  bool            `json:"can_override"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	DocumentID string         `json:"document_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the API error code when the
// body carries the standard envelope.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateDocument creates a quote or order draft.
func (c *Client) CreateDocument(ctx context.Context, in NewDocument) (Document, error) {
	var resp Document
	err := c.do(ctx, http.MethodPost, "v0/documents", in, &resp)
	return resp, err
}

// GetDocument fetches a document with its active lock.
func (c *Client) GetDocument(ctx context.Context, id string) (Document, error) {
	var resp Document
	err := c.do(ctx, http.MethodGet, documentPath(id, ""), nil, &resp)
	return resp, err
}

func (c *Client) ApproveTechnical(ctx context.Context, id string) (Document, error) {
	var resp Document
	err := c.do(ctx, http.MethodPost, documentPath(id, "technical/approve"), nil, &resp)
	return resp, err
}

// Validate performs the administrative validation.
func (c *Client) Validate(ctx context.Context, id string) (Document, error) {
	var resp Document
	err := c.do(ctx, http.MethodPost, documentPath(id, "validate"), nil, &resp)
	return resp, err
}

func (c *Client) Rollback(ctx context.Context, id, reason string) (Document, error) {
	var resp Document
	err := c.do(ctx, http.MethodPost, documentPath(id, "rollback"), map[string]string{"reason": reason}, &resp)
	return resp, err
}

// AcquireLock acquires or renews the caller's edit lock; ttl 0 uses the
// server default.
func (c *Client) AcquireLock(ctx context.Context, id string, ttl time.Duration) (Lock, error) {
	var resp Lock
	body := map[string]int{"ttl_seconds": int(ttl / time.Second)}
	err := c.do(ctx, http.MethodPost, documentPath(id, "lock"), body, &resp)
	return resp, err
}

// ReleaseLock reports whether a lock held by the caller was removed.
func (c *Client) ReleaseLock(ctx context.Context, id string) (bool, error) {
	var resp struct {
		Released bool `json:"released"`
	}
	err := c.do(ctx, http.MethodDelete, documentPath(id, "lock"), nil, &resp)
	return resp.Released, err
}

func (c *Client) Me(ctx context.Context) (Me, error) {
	var resp Me
	err := c.do(ctx, http.MethodGet, "v0/me", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func documentPath(id, suffix string) string {
	p := "v0/documents/" + url.PathEscape(id)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
