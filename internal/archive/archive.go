// Package archive queries the archive status service for the dual-copy
// state of deposited artefacts.
//
// Protocol: GET <base>/status/<uniqueId> returns
//
//	{"mountPoint": "...", "filename": "...", "status": "DUL"}
//
// A 404 means the archive has no migration information yet.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Status codes reported by the archive.
const (
	CodeDualOnline   = "DUL"
	CodeDualOffline  = "OFL"
	CodeMigrating    = "MIG"
	CodeRegistered   = "REG"
	CodeNotAvailable = "dmattr information not available"
)

// Action is what the archiving step does for a status code.
type Action int

const (
	// ActionWait leaves the artefact in ARCHIVING until a later poll.
	ActionWait Action = iota
	// ActionArchived moves the artefact to ARCHIVED.
	ActionArchived
	// ActionRequestDualState submits a request_dual_state job.
	ActionRequestDualState
)

func (a Action) String() string {
	switch a {
	case ActionArchived:
		return "archived"
	case ActionRequestDualState:
		return "request-dual-state"
	default:
		return "wait"
	}
}

// ActionFor maps a status code onto an action. Unrecognised codes wait,
// the same as CodeNotAvailable.
func ActionFor(code string) Action {
	switch strings.TrimSpace(code) {
	case CodeDualOnline, CodeDualOffline:
		return ActionArchived
	case CodeRegistered:
		return ActionRequestDualState
	default:
		return ActionWait
	}
}

// Status is the archive's view of one artefact.
type Status struct {
	MountPoint string `json:"mountPoint"`
	Filename   string `json:"filename"`
	Status     string `json:"status"`
}

// UnavailableError means the status service could not be reached or
// answered with a server error.
type UnavailableError struct {
	UniqueIdentifier string
	Err              error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("archive: status service unavailable for %s: %v", e.UniqueIdentifier, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Config 存檔狀態服務客戶端配置
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64 // 每秒請求數，<=0 表示不限
	Burst     int
}

// Client is an HTTP client of the archive status service.
type Client struct {
	base       string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New 建立客戶端
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("archive: base url is empty")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("archive: invalid base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Client{
		base:       strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, cfg.Burst),
	}, nil
}

// Status fetches the status of one artefact. A 404 yields CodeNotAvailable;
// transport and server errors yield an *UnavailableError.
func (c *Client) Status(ctx context.Context, uniqueIdentifier string) (*Status, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &UnavailableError{UniqueIdentifier: uniqueIdentifier, Err: err}
	}

	u := c.base + "/status/" + escapePath(uniqueIdentifier)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UnavailableError{UniqueIdentifier: uniqueIdentifier, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UnavailableError{UniqueIdentifier: uniqueIdentifier, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &Status{Status: CodeNotAvailable}, nil
	case resp.StatusCode != http.StatusOK:
		return nil, &UnavailableError{
			UniqueIdentifier: uniqueIdentifier,
			Err:              fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var st Status
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("archive: decode status of %s: %w", uniqueIdentifier, err)
	}
	return &st, nil
}

// escapePath keeps the '/' of unique identifiers and escapes each segment.
func escapePath(uid string) string {
	parts := strings.Split(uid, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
