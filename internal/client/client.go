package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"applyq.local/applyq/internal/cooldown"
	"applyq.local/applyq/internal/events"
	"applyq.local/applyq/internal/service"
	"applyq.local/applyq/internal/sessions"
)

const (
	ioTimeout     = 10 * time.Second
	maxBodyBytes  = 4 << 20
	snapshotLimit = 50
)

type Config struct {
	BaseURL string
	// TenantID scopes snapshots and the event stream; empty means all.
	TenantID string
}

func (c Config) Validate() error {
	raw := strings.TrimSpace(c.BaseURL)
	if raw == "" {
		return fmt.Errorf("api url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid api url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("api url must be http or https")
	}
	if parsed.Host == "" {
		return fmt.Errorf("api url host is required")
	}
	return nil
}

// Client reads the scheduler API and follows its live event stream.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client

	mu     sync.RWMutex
	conn   *websocket.Conn
	closed bool

	events chan events.Event
	errs   chan error
	done   chan struct{}
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/"),
		httpClient: &http.Client{Timeout: ioTimeout},
		events:     make(chan events.Event, 64),
		errs:       make(chan error, 16),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Snapshot is one poll of the scheduler's state.
type Snapshot struct {
	Tasks     []service.TaskStatus
	Sessions  []sessions.Record
	Cooldowns []cooldown.Entry
	Tenant    *service.TenantStatus
	FetchedAt time.Time
}

func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	out := Snapshot{FetchedAt: time.Now().UTC()}

	query := url.Values{}
	query.Set("limit", fmt.Sprint(snapshotLimit))
	if c.cfg.TenantID != "" {
		query.Set("tenant_id", c.cfg.TenantID)
	}

	var tasks struct {
		Tasks []service.TaskStatus `json:"tasks"`
	}
	if err := c.getJSON(ctx, "/v1/tasks?"+query.Encode(), &tasks); err != nil {
		return Snapshot{}, err
	}
	out.Tasks = tasks.Tasks

	var live struct {
		Sessions []sessions.Record `json:"sessions"`
	}
	if err := c.getJSON(ctx, "/v1/sessions?"+query.Encode(), &live); err != nil {
		return Snapshot{}, err
	}
	out.Sessions = live.Sessions

	var cooling struct {
		Cooldowns []cooldown.Entry `json:"cooldowns"`
	}
	if err := c.getJSON(ctx, "/v1/cooldowns", &cooling); err != nil {
		return Snapshot{}, err
	}
	out.Cooldowns = cooling.Cooldowns

	if c.cfg.TenantID != "" {
		var tenant service.TenantStatus
		if err := c.getJSON(ctx, "/v1/tenants/"+url.PathEscape(c.cfg.TenantID), &tenant); err != nil {
			return Snapshot{}, err
		}
		out.Tenant = &tenant
	}
	return out, nil
}

// Enqueue submits a task and returns its id.
func (c *Client) Enqueue(ctx context.Context, req service.EnqueueRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal enqueue request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/tasks", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build enqueue request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")

	var accepted struct {
		TaskID string `json:"task_id"`
	}
	if err := c.doJSON(httpReq, &accepted); err != nil {
		return "", err
	}
	return accepted.TaskID, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.doJSON(req, out)
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		message := strings.TrimSpace(string(body))
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return &StatusError{StatusCode: resp.StatusCode, RetryAfter: resp.Header.Get("Retry-After"), Message: message}
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

type StatusError struct {
	StatusCode int
	RetryAfter string
	Message    string
}

func (e *StatusError) Error() string {
	if e.RetryAfter != "" {
		return fmt.Sprintf("api status %d (retry after %ss): %s", e.StatusCode, e.RetryAfter, e.Message)
	}
	return fmt.Sprintf("api status %d: %s", e.StatusCode, e.Message)
}

func (c *Client) streamURL() string {
	wsURL := c.baseURL
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	wsURL += "/v1/stream"
	if c.cfg.TenantID != "" {
		wsURL += "?tenant_id=" + url.QueryEscape(c.cfg.TenantID)
	}
	return wsURL
}

// Connect opens the live event stream. Events arrive on Events until the
// stream ends, after which Done is closed.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client is closed")
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: ioTimeout}
	conn, _, err := dialer.DialContext(ctx, c.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("dial event stream: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(conn)
	return nil
}

func (c *Client) Events() <-chan events.Event {
	return c.events
}

func (c *Client) Errors() <-chan error {
	return c.errs
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(500*time.Millisecond))
		_ = conn.Close()
	}
	close(c.done)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.Close()
	for {
		var event events.Event
		if err := conn.ReadJSON(&event); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			c.mu.RLock()
			closed := c.closed
			c.mu.RUnlock()
			if !closed {
				c.pushErr(fmt.Errorf("read event stream: %w", err))
			}
			return
		}
		if strings.TrimSpace(string(event.Type)) == "" {
			continue
		}
		select {
		case c.events <- event:
		default:
			c.pushErr(fmt.Errorf("dropping event %s because the UI channel is full", event.ID))
		}
	}
}

func (c *Client) pushErr(err error) {
	if err == nil {
		return
	}
	select {
	case c.errs <- err:
	default:
	}
}
