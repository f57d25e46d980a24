package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"applyq.local/applyq/internal/events"
	"applyq.local/applyq/internal/queue"
	"applyq.local/applyq/internal/service"
	"applyq.local/applyq/internal/sessions"
)

const (
	maxEnqueueBodyBytes int64 = 1 << 20
	streamWriteTimeout        = 10 * time.Second
	streamPingInterval        = 30 * time.Second
	defaultListLimit          = 100
)

// StreamSource hands out live event subscriptions.
type StreamSource interface {
	Subscribe(tenantID string) (<-chan events.Event, func())
}

type server struct {
	logger  *log.Logger
	service *service.Service
	stream  StreamSource
	now     func() time.Time
}

func NewServer(logger *log.Logger, addr string, svc *service.Service, stream StreamSource) *http.Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	h := &server{
		logger:  logger,
		service: svc,
		stream:  stream,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/v1/tasks", h.handleTasks)
	mux.HandleFunc("/v1/tasks/", h.handleTask)
	mux.HandleFunc("/v1/tenants/", h.handleTenant)
	mux.HandleFunc("/v1/cooldowns", h.handleCooldowns)
	mux.HandleFunc("/v1/sessions", h.handleSessions)
	if stream != nil {
		mux.HandleFunc("/v1/stream", h.handleStream)
	}

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleEnqueue(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type enqueueRequestBody struct {
	TenantID    string          `json:"tenant_id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    json.RawMessage `json:"priority,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	NotBefore   *time.Time      `json:"not_before,omitempty"`
}

func (s *server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var body enqueueRequestBody
	dec := json.NewDecoder(io.LimitReader(r.Body, maxEnqueueBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return
	}
	if dec.More() {
		http.Error(w, "invalid json: trailing content", http.StatusBadRequest)
		return
	}

	priority, err := parsePriority(body.Priority)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req := service.EnqueueRequest{
		TenantID:    body.TenantID,
		Kind:        body.Kind,
		Payload:     body.Payload,
		Priority:    priority,
		MaxAttempts: body.MaxAttempts,
	}
	if body.NotBefore != nil {
		req.NotBefore = *body.NotBefore
	}

	task, err := s.service.Enqueue(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": true,
		"task_id":  task.ID,
		"status":   task.Status,
	})
}

// parsePriority accepts a number or one of low/normal/high.
func parsePriority(raw json.RawMessage) (int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return queue.PriorityNormal, nil
	}
	var asInt int
	if err := json.Unmarshal(raw, &asInt); err == nil {
		return asInt, nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err != nil {
		return 0, fmt.Errorf("invalid priority: %s", string(raw))
	}
	return queue.ParsePriority(asString)
}

func (s *server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := parseLimit(query.Get("limit"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	filter := queue.Filter{
		TenantID: strings.TrimSpace(query.Get("tenant_id")),
		Limit:    limit,
	}
	for _, raw := range query["status"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, ok := queue.ParseStatus(part)
			if !ok {
				http.Error(w, fmt.Sprintf("invalid status %q", part), http.StatusBadRequest)
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	tasks, err := s.service.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *server) handleTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	taskID, ok := pathID(r.URL.Path, "/v1/tasks/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	if r.URL.Query().Get("detail") == "full" {
		task, err := s.service.GetTask(r.Context(), taskID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}
	status, err := s.service.GetStatus(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *server) handleTenant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenantID, ok := pathID(r.URL.Path, "/v1/tenants/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	status, err := s.service.TenantStatus(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *server) handleCooldowns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entries, err := s.service.Cooldowns(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cooldowns": entries})
}

func (s *server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()
	limit, err := parseLimit(query.Get("limit"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	includeDisposed := false
	if raw := strings.TrimSpace(query.Get("include_disposed")); raw != "" {
		includeDisposed, err = strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, "invalid include_disposed", http.StatusBadRequest)
			return
		}
	}

	records, err := s.service.ListSessions(r.Context(), query.Get("tenant_id"), includeDisposed, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": records})
}

func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: isWebSocketOriginAllowed}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("stream ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch, cancel := s.stream.Subscribe(strings.TrimSpace(r.URL.Query().Get("tenant_id")))
	defer cancel()

	// Clients only listen; the read loop exists to notice disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				s.logger.Printf("stream write failed: %v", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	var rejected *sessions.RejectedError
	switch {
	case errors.As(err, &rejected):
		retryAfter := int(math.Ceil(rejected.RetryAfter(s.now()).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       err.Error(),
			"reason":      rejected.Reason,
			"retry_after": retryAfter,
		})
	case errors.Is(err, service.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		s.logger.Printf("request failed err=%v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func pathID(path, prefix string) (string, bool) {
	id := strings.TrimSpace(strings.TrimPrefix(path, prefix))
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return limit, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func isWebSocketOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsedOrigin, err := url.Parse(origin)
	if err != nil || strings.TrimSpace(parsedOrigin.Host) == "" {
		return false
	}
	return strings.EqualFold(parsedOrigin.Host, r.Host)
}
