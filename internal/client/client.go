// Package client is the typed HTTP client for the settings store API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"sitepress/api/internal/logger"
	"sitepress/api/internal/settings"
)

const (
	defaultTimeout      = 30 * time.Second
	releaseAsyncTimeout = 5 * time.Second
	maxErrorBody        = 64 << 10
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *logger.Logger

	mu    sync.RWMutex
	token string
}

type Option func(*Client)

// WithHTTPClient replaces the default client. A client without a cookie jar
// gets one so the session cookie survives between calls.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithToken sends the token as a Bearer credential on every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

func WithLogger(log *logger.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("base URL required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		log:        logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("cookie jar: %w", err)
		}
		c.httpClient.Jar = jar
	}
	return c, nil
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

type Identity struct {
	Token         string `json:"token"`
	Email         string `json:"email"`
	Role          string `json:"role"`
	Authenticated bool   `json:"authenticated"`
}

// Login starts a session. The cookie lands in the jar and the token is kept
// for Bearer auth.
func (c *Client) Login(ctx context.Context, email string) (Identity, error) {
	var out Identity
	if err := c.do(ctx, http.MethodPost, "/api/session/login", nil, map[string]string{"email": email}, &out); err != nil {
		return Identity{}, err
	}
	out.Authenticated = true
	c.mu.Lock()
	c.token = out.Token
	c.mu.Unlock()
	return out, nil
}

func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/api/session/logout", nil, nil, nil); err != nil {
		return err
	}
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	return nil
}

func (c *Client) Session(ctx context.Context) (Identity, error) {
	var out Identity
	err := c.do(ctx, http.MethodGet, "/api/session", nil, nil, &out)
	return out, err
}

type documentResponse struct {
	Stage    settings.Stage    `json:"stage"`
	Settings settings.Document `json:"settings"`
}

func stageQuery(stage settings.Stage) url.Values {
	return url.Values{"stage": []string{string(stage)}}
}

func (c *Client) GetSettings(ctx context.Context, stage settings.Stage) (settings.Document, error) {
	var out documentResponse
	if err := c.do(ctx, http.MethodGet, "/api/settings", stageQuery(stage), nil, &out); err != nil {
		return nil, err
	}
	return documentOrEmpty(out.Settings), nil
}

func (c *Client) PutSettings(ctx context.Context, stage settings.Stage, doc settings.Document) (settings.Document, error) {
	var out documentResponse
	body := map[string]any{"settings": documentOrEmpty(doc)}
	if err := c.do(ctx, http.MethodPut, "/api/settings", stageQuery(stage), body, &out); err != nil {
		return nil, err
	}
	return documentOrEmpty(out.Settings), nil
}

type lockResponse struct {
	Lock *settings.Lock `json:"lock"`
}

// GetLock returns nil when no active lock exists.
func (c *Client) GetLock(ctx context.Context) (*settings.Lock, error) {
	var out lockResponse
	if err := c.do(ctx, http.MethodGet, "/api/settings/lock", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Lock, nil
}

// AcquireLock takes or renews the draft lock. ttlSeconds <= 0 uses the
// server default.
func (c *Client) AcquireLock(ctx context.Context, ttlSeconds int) (settings.Lock, error) {
	var out lockResponse
	body := map[string]any{}
	if ttlSeconds > 0 {
		body["ttlSeconds"] = ttlSeconds
	}
	if err := c.do(ctx, http.MethodPost, "/api/settings/lock", nil, body, &out); err != nil {
		return settings.Lock{}, err
	}
	if out.Lock == nil {
		return settings.Lock{}, &Error{Kind: KindServer, Message: "lock missing from response"}
	}
	return *out.Lock, nil
}

func (c *Client) ReleaseLock(ctx context.Context) (bool, error) {
	var out struct {
		Released bool `json:"released"`
	}
	if err := c.do(ctx, http.MethodDelete, "/api/settings/lock", nil, nil, &out); err != nil {
		return false, err
	}
	return out.Released, nil
}

// ReleaseLockAsync sends a release detached from any caller context. The
// returned channel yields the outcome once; nobody has to read it.
func (c *Client) ReleaseLockAsync() <-chan error {
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseAsyncTimeout)
		defer cancel()
		_, err := c.ReleaseLock(ctx)
		if err != nil {
			c.log.Warn("async lock release failed", "error", err)
		}
		done <- err
	}()
	return done
}

func (c *Client) PullLive(ctx context.Context) (settings.Document, error) {
	var out documentResponse
	if err := c.do(ctx, http.MethodPost, "/api/settings/pull", nil, nil, &out); err != nil {
		return nil, err
	}
	return documentOrEmpty(out.Settings), nil
}

// PublishRequest selects what goes live. An empty VersionID publishes the
// current draft.
type PublishRequest struct {
	VersionID  string `json:"versionId,omitempty"`
	Label      string `json:"label,omitempty"`
	Note       string `json:"note,omitempty"`
	SetDefault bool   `json:"setDefault,omitempty"`
}

func (c *Client) Publish(ctx context.Context, req PublishRequest) (settings.Document, settings.Version, error) {
	var out struct {
		Settings settings.Document `json:"settings"`
		Version  settings.Version  `json:"version"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/settings/publish", nil, req, &out); err != nil {
		return nil, settings.Version{}, err
	}
	return documentOrEmpty(out.Settings), out.Version, nil
}

type VersionQuery struct {
	Limit int
	Stage settings.Stage
	Query string
}

func (c *Client) ListVersions(ctx context.Context, q VersionQuery) ([]settings.Version, error) {
	query := url.Values{}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Stage != "" {
		query.Set("stage", string(q.Stage))
	}
	if text := strings.TrimSpace(q.Query); text != "" {
		query.Set("q", text)
	}
	var out struct {
		Versions []settings.Version `json:"versions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/settings/versions", query, nil, &out); err != nil {
		return nil, err
	}
	if out.Versions == nil {
		out.Versions = []settings.Version{}
	}
	return out.Versions, nil
}

type CreateVersionRequest struct {
	Label string         `json:"label,omitempty"`
	Note  string         `json:"note,omitempty"`
	Stage settings.Stage `json:"stage"`
}

func (c *Client) CreateVersion(ctx context.Context, req CreateVersionRequest) (settings.Version, error) {
	var out struct {
		Version settings.Version `json:"version"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/settings/versions", nil, req, &out); err != nil {
		return settings.Version{}, err
	}
	return out.Version, nil
}

// RestoreVersion overwrites the draft and returns the new draft document.
func (c *Client) RestoreVersion(ctx context.Context, id string) (settings.Document, error) {
	var out documentResponse
	if err := c.do(ctx, http.MethodPost, versionPath(id, "restore"), nil, nil, &out); err != nil {
		return nil, err
	}
	return documentOrEmpty(out.Settings), nil
}

func (c *Client) DeleteVersion(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, versionPath(id, ""), nil, nil, nil)
}

func (c *Client) SetDefaultVersion(ctx context.Context, id string) (settings.Version, error) {
	var out struct {
		Version settings.Version `json:"version"`
	}
	if err := c.do(ctx, http.MethodPost, versionPath(id, "default"), nil, nil, &out); err != nil {
		return settings.Version{}, err
	}
	return out.Version, nil
}

type deploymentResponse struct {
	Deployment settings.Deployment `json:"deployment"`
}

func (c *Client) ListDeployments(ctx context.Context) ([]settings.Deployment, error) {
	var out struct {
		Deployments []settings.Deployment `json:"deployments"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/settings/deployments", nil, nil, &out); err != nil {
		return nil, err
	}
	if out.Deployments == nil {
		out.Deployments = []settings.Deployment{}
	}
	return out.Deployments, nil
}

type ScheduleRequest struct {
	SnapshotID         string     `json:"snapshotId"`
	StartAt            time.Time  `json:"startAt"`
	EndAt              *time.Time `json:"endAt,omitempty"`
	FallbackSnapshotID *string    `json:"fallbackSnapshotId,omitempty"`
}

func (c *Client) ScheduleDeployment(ctx context.Context, req ScheduleRequest) (settings.Deployment, error) {
	var out deploymentResponse
	if err := c.do(ctx, http.MethodPost, "/api/settings/deployments", nil, req, &out); err != nil {
		return settings.Deployment{}, err
	}
	return out.Deployment, nil
}

func (c *Client) CancelDeployment(ctx context.Context, id string, applyFallback bool) (settings.Deployment, error) {
	var out deploymentResponse
	body := map[string]bool{"applyFallback": applyFallback}
	if err := c.do(ctx, http.MethodPost, deploymentPath(id, "cancel"), nil, body, &out); err != nil {
		return settings.Deployment{}, err
	}
	return out.Deployment, nil
}

func (c *Client) OverrideDeployment(ctx context.Context, id, reason string) (settings.Deployment, error) {
	var out deploymentResponse
	body := map[string]string{"reason": reason}
	if err := c.do(ctx, http.MethodPost, deploymentPath(id, "override"), nil, body, &out); err != nil {
		return settings.Deployment{}, err
	}
	return out.Deployment, nil
}

func (c *Client) History(ctx context.Context, stage settings.Stage, limit int) ([]settings.HistoryEntry, error) {
	query := stageQuery(stage)
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Entries []settings.HistoryEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/settings/history", query, nil, &out); err != nil {
		return nil, err
	}
	if out.Entries == nil {
		out.Entries = []settings.HistoryEntry{}
	}
	return out.Entries, nil
}

func versionPath(id, action string) string {
	path := "/api/settings/versions/" + url.PathEscape(id)
	if action != "" {
		path += "/" + action
	}
	return path
}

func deploymentPath(id, action string) string {
	return "/api/settings/deployments/" + url.PathEscape(id) + "/" + action
}

func documentOrEmpty(doc settings.Document) settings.Document {
	if doc == nil {
		return settings.Document{}
	}
	return doc
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debug("request failed", "method", method, "path", path, "error", err)
		return transportError(err)
	}
	defer resp.Body.Close()
	c.log.Debug("request", "method", method, "path", path, "status", resp.StatusCode, "durationMs", time.Since(started).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return decodeError(resp.StatusCode, data)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return &Error{Kind: KindServer, Status: resp.StatusCode, Message: "decode response", Err: err}
	}
	return nil
}
