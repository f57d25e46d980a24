package automation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"applyq.local/applyq/internal/health"
)

const (
	defaultDriverTimeout = 2 * time.Minute
	defaultRetryDelay    = time.Second
	maxRetryDelay        = 30 * time.Second
	maxLineBytes         = 1 << 20
)

// HTTPDriver talks to a remote browser automation service. It opens and
// closes automation identities and runs tasks on them, streaming progress
// back as newline-delimited JSON.
type HTTPDriver struct {
	baseURL          string
	token            string
	httpClient       *http.Client
	callTimeout      time.Duration
	logger           *log.Logger
	breakerThreshold int
	retryDelay       time.Duration
}

type Option func(*HTTPDriver)

func WithHTTPClient(client *http.Client) Option {
	return func(d *HTTPDriver) {
		if client != nil {
			d.httpClient = client
		}
	}
}

func WithToken(token string) Option {
	return func(d *HTTPDriver) {
		d.token = strings.TrimSpace(token)
	}
}

func WithBreakerThreshold(threshold int) Option {
	return func(d *HTTPDriver) {
		if threshold > 0 {
			d.breakerThreshold = threshold
		}
	}
}

// WithRetryDelay sets the wait between rate-limited run attempts when the
// driver sends no Retry-After header.
func WithRetryDelay(delay time.Duration) Option {
	return func(d *HTTPDriver) {
		if delay >= 0 {
			d.retryDelay = delay
		}
	}
}

// NewHTTPDriver builds a driver client. timeout bounds Open and Close; runs
// are bounded by their own deadline since the result is streamed.
func NewHTTPDriver(logger *log.Logger, baseURL string, timeout time.Duration, opts ...Option) *HTTPDriver {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if timeout <= 0 {
		timeout = defaultDriverTimeout
	}
	d := &HTTPDriver{
		baseURL:          strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		httpClient:       &http.Client{},
		callTimeout:      timeout,
		logger:           logger,
		breakerThreshold: 5,
		retryDelay:       defaultRetryDelay,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

type openSessionRequest struct {
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"session_id"`
}

type runRequest struct {
	SessionID string          `json:"session_id"`
	TenantID  string          `json:"tenant_id"`
	TaskID    string          `json:"task_id"`
	Kind      string          `json:"kind"`
	Attempt   int             `json:"attempt"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Deadline  *time.Time      `json:"deadline,omitempty"`
}

// runLine is one line of a run response stream.
type runLine struct {
	Type    string          `json:"type"`
	Step    string          `json:"step,omitempty"`
	Issue   string          `json:"issue,omitempty"`
	Detail  string          `json:"detail,omitempty"`
	Status  string          `json:"status,omitempty"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

func (d *HTTPDriver) Open(ctx context.Context, tenantID, sessionID string) error {
	body, err := json.Marshal(openSessionRequest{TenantID: tenantID, SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("marshal open session request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()
	resp, err := d.do(ctx, http.MethodPost, "/v1/sessions", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	return nil
}

func (d *HTTPDriver) Close(ctx context.Context, _ string, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()
	resp, err := d.do(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return checkStatus(resp)
}

// Execute runs the task on the leased session. Consecutive 429 responses are
// retried until the breaker opens, which ends the run as fatal.
func (d *HTTPDriver) Execute(ctx context.Context, run Run) Outcome {
	reporter := run.Reporter
	if reporter == nil {
		reporter = NopReporter{}
	}
	req := runRequest{
		SessionID: run.Lease.SessionID,
		TenantID:  run.Task.TenantID,
		TaskID:    run.Task.ID,
		Kind:      run.Task.Kind,
		Attempt:   run.Task.AttemptCount + 1,
		Payload:   run.Task.Payload,
	}
	if !run.Deadline.IsZero() {
		deadline := run.Deadline.UTC()
		req.Deadline = &deadline
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Fatal(fmt.Sprintf("marshal run request: %v", err))
	}

	breaker := health.NewBreaker(d.breakerThreshold)
	for {
		resp, err := d.do(ctx, http.MethodPost, "/v1/runs", body)
		if err != nil {
			return FromError(err)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			wait := retryAfter(resp.Header.Get("Retry-After"), d.retryDelay)
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxLineBytes))
			_ = resp.Body.Close()
			if err := breaker.Observe(resp.StatusCode); err != nil {
				d.logger.Printf("driver breaker open task_id=%s session_id=%s", run.Task.ID, run.Lease.SessionID)
				return Fatal(err.Error())
			}
			reporter.Warn(health.IssueRateLimited, fmt.Sprintf("driver returned 429, retrying in %s", wait))
			if err := sleepContext(ctx, wait); err != nil {
				return Transient(err.Error())
			}
			continue
		}
		_ = breaker.Observe(resp.StatusCode)
		out := d.readRun(resp, reporter)
		_ = resp.Body.Close()
		return out
	}
}

func (d *HTTPDriver) readRun(resp *http.Response, reporter Reporter) Outcome {
	if err := checkStatus(resp); err != nil {
		return FromError(err)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg runLine
		if err := json.Unmarshal(line, &msg); err != nil {
			return Transient(fmt.Sprintf("decode driver stream: %v", err))
		}
		switch msg.Type {
		case "progress":
			reporter.Progress(msg.Step)
		case "warning":
			issue, ok := health.ParseIssue(msg.Issue)
			if !ok {
				issue = health.ClassifyText(msg.Detail)
			}
			reporter.Warn(issue, msg.Detail)
		case "result":
			return outcomeFromLine(msg)
		default:
			d.logger.Printf("driver stream unknown line type=%q", msg.Type)
		}
	}
	if err := scanner.Err(); err != nil {
		return FromError(fmt.Errorf("read driver stream: %w", err))
	}
	return Transient("driver stream ended without a result")
}

func outcomeFromLine(msg runLine) Outcome {
	kind, ok := ParseKind(msg.Status)
	if !ok {
		return Transient(fmt.Sprintf("driver returned unknown status %q", msg.Status))
	}
	switch kind {
	case KindSuccess:
		return Success(msg.Result)
	case KindHealth:
		issue, _ := health.ParseIssue(msg.Issue)
		return Health(issue, msg.Message)
	case KindFatal:
		return Fatal(msg.Message)
	default:
		out := Transient(msg.Message)
		if issue, ok := health.ParseIssue(msg.Issue); ok {
			out.Issue = issue
		}
		return out
	}
}

func (d *HTTPDriver) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	if d.baseURL == "" {
		return nil, fmt.Errorf("driver url is not configured")
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build driver request: %w", err)
	}
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}
	if d.token != "" {
		req.Header.Set("authorization", "Bearer "+d.token)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call driver %s %s: %w", method, path, err)
	}
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxLineBytes))
	message := strings.TrimSpace(string(body))
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: message}
}

func retryAfter(header string, fallback time.Duration) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return fallback
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return fallback
	}
	wait := time.Duration(seconds) * time.Second
	if wait > maxRetryDelay {
		return maxRetryDelay
	}
	return wait
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
