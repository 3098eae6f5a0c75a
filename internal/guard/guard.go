// Package guard calls the external AI data guard that screens document
// drafts before they are stored.
//
// The guard fails open: when the endpoint cannot be reached or answers with
// something unusable, the draft is treated as valid and the skip is logged.
// This policy applies to the guard only; approval transitions and edit locks
// fail closed.
package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"tbos/internal/config"
	"tbos/internal/obs"
)

const defaultTimeout = 5 * time.Second

// Submission is the draft sent for screening.
type Submission struct {
	Kind                      string `json:"kind"`
	Reference                 string `json:"reference"`
	ClientName                string `json:"client_name,omitempty"`
	Formula                   string `json:"formula,omitempty"`
	RequiresTechnicalApproval bool   `json:"requires_technical_approval"`
	ActorID                   string `json:"actor_id"`
}

type Verdict struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues,omitempty"`
	// Skipped is set when the guard could not give an answer.
	Skipped bool `json:"-"`
}

type Checker interface {
	Check(ctx context.Context, s Submission) Verdict
}

// Noop accepts everything.
type Noop struct{}

func (Noop) Check(context.Context, Submission) Verdict { return Verdict{Valid: true} }

type Client struct {
	URL        string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// New returns a Client for an enabled guard and Noop otherwise.
func New(cfg config.GuardConfig, logger *zap.Logger) Checker {
	if !cfg.Enabled || cfg.URL == "" {
		return Noop{}
	}
	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &Client{
		URL:        cfg.URL,
		HTTPClient: &http.Client{Timeout: timeout},
		Logger:     obs.OrNop(logger),
	}
}

func (c *Client) Check(ctx context.Context, s Submission) Verdict {
	v, err := c.check(ctx, s)
	if err != nil {
		obs.ObserveGuard("skipped")
		obs.OrNop(c.Logger).Warn("data guard unavailable, accepting draft",
			zap.String("reference", s.Reference), zap.Error(err))
		return Verdict{Valid: true, Skipped: true}
	}
	if v.Valid {
		obs.ObserveGuard("valid")
	} else {
		obs.ObserveGuard("rejected")
	}
	return v
}

func (c *Client) check(ctx context.Context, s Submission) (Verdict, error) {
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return Verdict{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(data))
	if err != nil {
		return Verdict{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return Verdict{}, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return Verdict{}, fmt.Errorf("status %d: %s", res.StatusCode, bytes.TrimSpace(body))
	}
	var raw struct {
		Valid  *bool    `json:"valid"`
		Issues []string `json:"issues"`
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&raw); err != nil {
		return Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	if raw.Valid == nil {
		return Verdict{}, fmt.Errorf("verdict missing valid field")
	}
	return Verdict{Valid: *raw.Valid, Issues: raw.Issues}, nil
}
