package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goodtune/kguard/internal/metrics"
	"github.com/goodtune/kguard/internal/storage"
	"github.com/rs/zerolog"
)

var (
	// ErrUnauthorized is returned on 401 and 403 responses.
	ErrUnauthorized = errors.New("backend: unauthorized")
	// ErrNotFound is returned on 404 responses.
	ErrNotFound = errors.New("backend: not found")
	// ErrNoCredentials is returned when no token or child is configured.
	ErrNoCredentials = errors.New("backend: no credentials")
	// ErrTokenExpired is returned when the stored token's exp has passed.
	ErrTokenExpired = errors.New("backend: token expired")
)

// DefaultTimeout bounds every backend call.
const DefaultTimeout = 8 * time.Second

// Version is reported in heartbeats.
var Version = "dev"

// maxErrorBody limits how much of an error response is kept.
const maxErrorBody = 512

// Client talks to the parent backend's REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a client for baseURL (for example
// http://localhost:8000/api).
func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    4,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		logger: logger.With().Str("component", "backend").Logger(),
	}
}

// Blocklist fetches the child's custom blocklist.
func (c *Client) Blocklist(ctx context.Context, creds Credentials) ([]storage.ListEntry, error) {
	if creds.ChildID == "" {
		return nil, ErrNoCredentials
	}
	var resp blocklistResponse
	if err := c.do(ctx, "blocklist", http.MethodGet, "/blocklist/"+url.PathEscape(creds.ChildID), creds.Token, nil, &resp); err != nil {
		return nil, err
	}
	return entries(resp.Blocklist), nil
}

// Allowlist fetches the child's allowlist.
func (c *Client) Allowlist(ctx context.Context, creds Credentials) ([]storage.ListEntry, error) {
	if creds.ChildID == "" {
		return nil, ErrNoCredentials
	}
	var resp allowlistResponse
	if err := c.do(ctx, "allowlist", http.MethodGet, "/allowlist/"+url.PathEscape(creds.ChildID), creds.Token, nil, &resp); err != nil {
		return nil, err
	}
	return entries(resp.Allowlist), nil
}

// Limits fetches the child's time rules in backend order.
func (c *Client) Limits(ctx context.Context, creds Credentials) ([]storage.DomainRule, error) {
	if creds.ChildID == "" {
		return nil, ErrNoCredentials
	}
	var resp limitsResponse
	if err := c.do(ctx, "limits", http.MethodGet, "/limits/"+url.PathEscape(creds.ChildID), creds.Token, nil, &resp); err != nil {
		return nil, err
	}
	rules := make([]storage.DomainRule, 0, len(resp.Limits))
	for _, l := range resp.Limits {
		rule := l.rule()
		if rule.Domain == "" {
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// UsageToday fetches the server's per-domain seconds for today.
func (c *Client) UsageToday(ctx context.Context, creds Credentials) (map[string]int64, error) {
	if creds.ChildID == "" {
		return nil, ErrNoCredentials
	}
	var resp usageResponse
	if err := c.do(ctx, "usage", http.MethodGet, "/usage/"+url.PathEscape(creds.ChildID)+"?days=1", creds.Token, nil, &resp); err != nil {
		return nil, err
	}
	usage := make(map[string]int64, len(resp.UsageMap))
	for domain, seconds := range resp.UsageMap {
		usage[storage.NormalizeDomain(domain)] += seconds
	}
	if len(usage) == 0 {
		for _, item := range resp.Usage {
			usage[storage.NormalizeDomain(item.Domain)] += item.Seconds
		}
	}
	return usage, nil
}

// UpsertLimit creates or updates a time rule, matched by domain.
func (c *Client) UpsertLimit(ctx context.Context, creds Credentials, rule storage.DomainRule) error {
	if creds.ChildID == "" {
		return ErrNoCredentials
	}
	return c.do(ctx, "upsert_limit", http.MethodPost, "/limits", creds.Token, limitFromRule(creds.ChildID, rule), nil)
}

// DeleteLimit deletes a time rule.
func (c *Client) DeleteLimit(ctx context.Context, creds Credentials, id string) error {
	return c.do(ctx, "delete_limit", http.MethodDelete, "/limits/"+url.PathEscape(id), creds.Token, nil, nil)
}

// LogBlock records a blocked navigation.
func (c *Client) LogBlock(ctx context.Context, creds Credentials, entry storage.BlockLogEntry) error {
	if creds.ChildID == "" {
		return ErrNoCredentials
	}
	return c.do(ctx, "log_block", http.MethodPost, "/logs/block", creds.Token, blockLogRequest{
		ChildID:  creds.ChildID,
		DeviceID: creds.DeviceID,
		URL:      entry.URL,
		Domain:   entry.Domain,
		Category: entry.Category,
	}, nil)
}

// LogHistory records a visit or a batch of foreground seconds.
func (c *Client) LogHistory(ctx context.Context, creds Credentials, entry storage.HistoryLogEntry) error {
	if creds.ChildID == "" {
		return ErrNoCredentials
	}
	return c.do(ctx, "log_history", http.MethodPost, "/logs/history", creds.Token, historyLogRequest{
		ChildID:   creds.ChildID,
		DeviceID:  creds.DeviceID,
		URL:       entry.URL,
		Domain:    entry.Domain,
		PageTitle: entry.PageTitle,
		Duration:  entry.DurationSeconds,
	}, nil)
}

// Heartbeat signals that the extension is still installed. The token is
// optional for this call.
func (c *Client) Heartbeat(ctx context.Context, creds Credentials, at time.Time) error {
	if creds.DeviceID == "" {
		return ErrNoCredentials
	}
	return c.do(ctx, "heartbeat", http.MethodPost, "/devices/"+url.PathEscape(creds.DeviceID)+"/heartbeat", creds.Token, heartbeatRequest{
		Timestamp:        at.UTC(),
		ExtensionVersion: Version,
		Status:           "active",
	}, nil)
}

// Children lists the parent's child profiles.
func (c *Client) Children(ctx context.Context, creds Credentials) ([]Child, error) {
	var resp childrenResponse
	if err := c.do(ctx, "list_children", http.MethodGet, "/children", creds.Token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Children, nil
}

// CreateChild creates a child profile and returns its id.
func (c *Client) CreateChild(ctx context.Context, creds Credentials, name string) (string, error) {
	var resp createChildResponse
	if err := c.do(ctx, "create_child", http.MethodPost, "/children", creds.Token, map[string]string{"name": name}, &resp); err != nil {
		return "", err
	}
	id := resp.ChildID
	if id == "" {
		id = resp.ID
	}
	if id == "" {
		return "", fmt.Errorf("create child: response has no id")
	}
	return id, nil
}

// RegisterDevice registers this install for the child.
func (c *Client) RegisterDevice(ctx context.Context, creds Credentials, device Device) error {
	return c.do(ctx, "register_device", http.MethodPost, "/devices", creds.Token, device, nil)
}

func (c *Client) do(ctx context.Context, operation, method, path, token string, body, out any) error {
	start := time.Now()
	err := c.roundTrip(ctx, method, path, token, body, out)
	metrics.BackendRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	metrics.BackendRequests.WithLabelValues(operation, resultLabel(err)).Inc()

	if err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	c.logger.Debug().Str("operation", operation).Dur("duration", time.Since(start)).Msg("Backend call succeeded")
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
