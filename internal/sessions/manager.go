package sessions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"applyq.local/applyq/internal/cooldown"
	"applyq.local/applyq/internal/events"
	"applyq.local/applyq/internal/ids"
)

const (
	DefaultMaxPerTenant = 3
	DefaultUsesBudget   = 5
	DefaultMaxAge       = 48 * time.Hour
	DefaultIdleTimeout  = 5 * time.Minute
	DefaultReapInterval = 30 * time.Second

	recoveredReason = "process restarted"
)

var ErrManagerAlreadyStarted = errors.New("session manager already started")

type Options struct {
	MaxPerTenant     int
	UsesBudget       int
	MaxAge           time.Duration
	IdleTimeout      time.Duration
	ReapInterval     time.Duration
	DisposeOnSuccess bool
}

func (o Options) withDefaults() Options {
	if o.MaxPerTenant <= 0 {
		o.MaxPerTenant = DefaultMaxPerTenant
	}
	if o.UsesBudget <= 0 {
		o.UsesBudget = DefaultUsesBudget
	}
	if o.MaxAge <= 0 {
		o.MaxAge = DefaultMaxAge
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = DefaultReapInterval
	}
	return o
}

// Usage is a point-in-time view of one tenant's slots.
type Usage struct {
	TenantID string `json:"tenant_id"`
	Held     int    `json:"held"`
	InUse    int    `json:"in_use"`
	Idle     int    `json:"idle"`
	Max      int    `json:"max"`
}

// Manager hands out session leases per tenant. The live registry is the
// source of truth for slot accounting; the record store is written through
// for audit and dashboards.
type Manager struct {
	store  RecordStore
	ledger cooldown.Ledger
	opener Opener
	events events.Publisher
	logger *log.Logger
	opts   Options

	mu        sync.Mutex
	live      map[string]Record
	running   bool
	recovered bool
	stopCh    chan struct{}
	doneCh    chan struct{}

	now           func() time.Time
	tickerFactory func(interval time.Duration) reapTicker
}

func NewManager(store RecordStore, ledger cooldown.Ledger, opener Opener, publisher events.Publisher, logger *log.Logger, opts Options) *Manager {
	if store == nil {
		panic("sessions: record store is required")
	}
	if ledger == nil {
		panic("sessions: cooldown ledger is required")
	}
	if opener == nil {
		panic("sessions: opener is required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Manager{
		store:  store,
		ledger: ledger,
		opener: opener,
		events: events.OrNop(publisher),
		logger: logger,
		opts:   opts.withDefaults(),
		live:   make(map[string]Record),
		now: func() time.Time {
			return time.Now().UTC()
		},
		tickerFactory: func(interval time.Duration) reapTicker {
			return newRealTicker(interval)
		},
	}
}

func (m *Manager) Options() Options {
	return m.opts
}

// Acquire leases a session for taskID. Cooldown and capacity rejections are
// returned as *RejectedError and leave no session record behind.
func (m *Manager) Acquire(ctx context.Context, tenantID, taskID string) (Lease, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return Lease{}, fmt.Errorf("tenant_id is required")
	}
	if err := m.checkCooldown(ctx, tenantID); err != nil {
		return Lease{}, err
	}

	now := m.now()
	m.mu.Lock()
	if rec, ok := m.idleLocked(tenantID); ok {
		rec.Status = StatusInUse
		rec.CurrentTaskID = taskID
		rec.LastActivityAt = now
		rec.UpdatedAt = now
		m.live[rec.ID] = rec
		m.mu.Unlock()

		m.persist(ctx, rec)
		return Lease{SessionID: rec.ID, TenantID: tenantID, TaskID: taskID, AcquiredAt: now, Reused: true}, nil
	}
	if held := m.heldLocked(tenantID); held >= m.opts.MaxPerTenant {
		m.mu.Unlock()
		return Lease{}, &RejectedError{
			Reason:   ReasonCapacity,
			TenantID: tenantID,
			Detail:   fmt.Sprintf("%d/%d sessions held", held, m.opts.MaxPerTenant),
		}
	}
	rec := Record{
		ID:             ids.NewPrefixed("ses"),
		TenantID:       tenantID,
		Status:         StatusCreating,
		CreatedAt:      now,
		LastActivityAt: now,
		CurrentTaskID:  taskID,
		UsesRemaining:  m.opts.UsesBudget,
		UpdatedAt:      now,
	}
	m.live[rec.ID] = rec
	m.mu.Unlock()
	m.persist(ctx, rec)

	if err := m.opener.Open(ctx, tenantID, rec.ID); err != nil {
		m.mu.Lock()
		disposed, ok := m.disposeLocked(rec.ID, "open failed", m.now())
		m.mu.Unlock()
		if ok {
			m.finishDispose(ctx, disposed, false)
		}
		return Lease{}, fmt.Errorf("%w: %w", ErrOpenFailed, err)
	}
	// Another unit of the tenant may have hit a checkpoint while this
	// identity was logging in.
	if err := m.checkCooldown(ctx, tenantID); err != nil {
		m.mu.Lock()
		disposed, ok := m.disposeLocked(rec.ID, "tenant cooled down while opening", m.now())
		m.mu.Unlock()
		if ok {
			m.finishDispose(ctx, disposed, true)
		}
		return Lease{}, err
	}
	if err := m.ledger.Clear(ctx, tenantID); err != nil {
		m.logger.Printf("clear cooldown failed tenant_id=%s err=%v", tenantID, err)
	}

	now = m.now()
	m.mu.Lock()
	rec, ok := m.live[rec.ID]
	if !ok {
		m.mu.Unlock()
		return Lease{}, fmt.Errorf("%w: session disposed while opening", ErrOpenFailed)
	}
	rec.Status = StatusInUse
	rec.LastActivityAt = now
	rec.UpdatedAt = now
	m.live[rec.ID] = rec
	m.mu.Unlock()

	m.persist(ctx, rec)
	m.events.Publish(ctx, events.Event{
		Type:      events.TypeSessionCreated,
		TenantID:  tenantID,
		TaskID:    taskID,
		SessionID: rec.ID,
		Attributes: map[string]string{
			"uses_remaining": strconv.Itoa(rec.UsesRemaining),
		},
	})
	m.logger.Printf("session opened session_id=%s tenant_id=%s task_id=%s", rec.ID, tenantID, taskID)
	return Lease{SessionID: rec.ID, TenantID: tenantID, TaskID: taskID, AcquiredAt: now}, nil
}

// CheckAvailable reports whether a new acquisition for the tenant would be
// rejected right now.
func (m *Manager) CheckAvailable(ctx context.Context, tenantID string) error {
	tenantID = strings.TrimSpace(tenantID)
	if err := m.checkCooldown(ctx, tenantID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.idleLocked(tenantID); ok {
		return nil
	}
	if held := m.heldLocked(tenantID); held >= m.opts.MaxPerTenant {
		return &RejectedError{
			Reason:   ReasonCapacity,
			TenantID: tenantID,
			Detail:   fmt.Sprintf("%d/%d sessions held", held, m.opts.MaxPerTenant),
		}
	}
	return nil
}

func (m *Manager) checkCooldown(ctx context.Context, tenantID string) error {
	entry, err := m.ledger.Get(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("read cooldown ledger: %w", err)
	}
	if entry.Active(m.now()) {
		return &RejectedError{
			Reason:   ReasonOnCooldown,
			TenantID: tenantID,
			Until:    entry.Until,
			Detail:   entry.Reason,
		}
	}
	return nil
}

// Release ends a lease. It is a no-op unless the session is still leased to
// the lease's task.
func (m *Manager) Release(ctx context.Context, lease Lease, rel Release) {
	now := m.now()
	m.mu.Lock()
	rec, ok := m.live[lease.SessionID]
	if !ok || rec.Status != StatusInUse || rec.CurrentTaskID != lease.TaskID {
		m.mu.Unlock()
		return
	}
	if rel.Outcome == "" {
		rel.Outcome = OutcomeCompleted
	}
	rec.LastOutcome = rel.Outcome
	if rec.UsesRemaining > 0 {
		rec.UsesRemaining--
	}
	rec.CurrentTaskID = ""
	rec.LastActivityAt = now
	rec.UpdatedAt = now
	if rel.Taint {
		rec.Tainted = true
		rec.TaintReason = strings.TrimSpace(rel.TaintReason)
	}

	reason := m.releaseDisposeReason(rec, now)
	if reason == "" {
		rec.Status = StatusActive
		m.live[rec.ID] = rec
		m.mu.Unlock()
		m.persist(ctx, rec)
		return
	}
	m.live[rec.ID] = rec
	disposed, _ := m.disposeLocked(rec.ID, reason, now)
	m.mu.Unlock()
	m.finishDispose(ctx, disposed, true)
}

func (m *Manager) releaseDisposeReason(rec Record, now time.Time) string {
	switch {
	case rec.Tainted:
		if rec.TaintReason != "" {
			return "tainted: " + rec.TaintReason
		}
		return "tainted"
	case rec.PendingDispose != "":
		return rec.PendingDispose
	case rec.UsesRemaining <= 0:
		return "uses budget exhausted"
	case m.opts.DisposeOnSuccess && rec.LastOutcome == OutcomeCompleted:
		return "disposed after success"
	case now.Sub(rec.CreatedAt) >= m.opts.MaxAge:
		return "max age exceeded"
	default:
		return ""
	}
}

// Dispose tears down an idle session and reports whether it did. A leased
// session is flagged and disposed on release. Repeated calls are no-ops.
func (m *Manager) Dispose(ctx context.Context, sessionID, reason string) bool {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "disposed"
	}
	now := m.now()

	m.mu.Lock()
	rec, ok := m.live[sessionID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if rec.Status != StatusActive {
		if rec.PendingDispose != "" {
			m.mu.Unlock()
			return false
		}
		rec.PendingDispose = reason
		rec.UpdatedAt = now
		m.live[rec.ID] = rec
		m.mu.Unlock()
		m.persist(ctx, rec)
		return false
	}
	disposed, _ := m.disposeLocked(sessionID, reason, now)
	m.mu.Unlock()

	m.finishDispose(ctx, disposed, true)
	return true
}

// Reap disposes idle sessions past their age or idle limits and flags leased
// ones past their age. It returns the number disposed.
func (m *Manager) Reap(ctx context.Context) int {
	now := m.now()

	m.mu.Lock()
	var disposed, flagged []Record
	for id, rec := range m.live {
		switch rec.Status {
		case StatusActive:
			reason := ""
			if now.Sub(rec.CreatedAt) >= m.opts.MaxAge {
				reason = "max age exceeded"
			} else if now.Sub(rec.LastActivityAt) >= m.opts.IdleTimeout {
				reason = "idle timeout"
			}
			if reason == "" {
				continue
			}
			if out, ok := m.disposeLocked(id, reason, now); ok {
				disposed = append(disposed, out)
			}
		case StatusInUse:
			if rec.PendingDispose != "" || now.Sub(rec.CreatedAt) < m.opts.MaxAge {
				continue
			}
			rec.PendingDispose = "max age exceeded"
			rec.UpdatedAt = now
			m.live[id] = rec
			flagged = append(flagged, rec)
		}
	}
	m.mu.Unlock()

	for _, rec := range flagged {
		m.logger.Printf("session flagged for disposal session_id=%s tenant_id=%s reason=%q", rec.ID, rec.TenantID, rec.PendingDispose)
		m.persist(ctx, rec)
	}
	for _, rec := range disposed {
		m.finishDispose(ctx, rec, true)
	}
	return len(disposed)
}

// disposeLocked removes the session from the live registry, freeing its slot.
// Callers hold m.mu.
func (m *Manager) disposeLocked(sessionID, reason string, now time.Time) (Record, bool) {
	rec, ok := m.live[sessionID]
	if !ok {
		return Record{}, false
	}
	delete(m.live, sessionID)
	rec.Status = StatusDisposed
	rec.CurrentTaskID = ""
	rec.DisposedAt = now
	rec.DisposeReason = reason
	rec.UpdatedAt = now
	return rec, true
}

func (m *Manager) finishDispose(ctx context.Context, rec Record, closeIdentity bool) {
	if closeIdentity {
		if err := m.opener.Close(ctx, rec.TenantID, rec.ID); err != nil {
			m.logger.Printf("close session failed session_id=%s tenant_id=%s err=%v", rec.ID, rec.TenantID, err)
		}
	}
	m.persist(ctx, rec)
	m.logger.Printf("session disposed session_id=%s tenant_id=%s reason=%q", rec.ID, rec.TenantID, rec.DisposeReason)
	m.events.Publish(ctx, events.Event{
		Type:      events.TypeSessionDisposed,
		TenantID:  rec.TenantID,
		SessionID: rec.ID,
		Attributes: map[string]string{
			"reason":         rec.DisposeReason,
			"tainted":        strconv.FormatBool(rec.Tainted),
			"uses_remaining": strconv.Itoa(rec.UsesRemaining),
		},
	})
}

func (m *Manager) idleLocked(tenantID string) (Record, bool) {
	var best Record
	found := false
	for _, rec := range m.live {
		if rec.TenantID != tenantID || !rec.reusable() {
			continue
		}
		if !found || rec.LastActivityAt.After(best.LastActivityAt) {
			best = rec
			found = true
		}
	}
	return best, found
}

func (m *Manager) heldLocked(tenantID string) int {
	held := 0
	for _, rec := range m.live {
		if rec.TenantID == tenantID && rec.HoldsSlot() {
			held++
		}
	}
	return held
}

func (m *Manager) persist(ctx context.Context, rec Record) {
	if err := m.store.Save(context.WithoutCancel(ctx), rec); err != nil {
		m.logger.Printf("persist session failed session_id=%s status=%s err=%v", rec.ID, rec.Status, err)
	}
}

// Sessions returns the live sessions, optionally for one tenant.
func (m *Manager) Sessions(tenantID string) []Record {
	m.mu.Lock()
	out := make([]Record, 0, len(m.live))
	for _, rec := range m.live {
		if tenantID != "" && rec.TenantID != tenantID {
			continue
		}
		out = append(out, rec)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Manager) Usage(tenantID string) Usage {
	u := Usage{TenantID: tenantID, Max: m.opts.MaxPerTenant}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.live {
		if rec.TenantID != tenantID || !rec.HoldsSlot() {
			continue
		}
		u.Held++
		switch rec.Status {
		case StatusInUse:
			u.InUse++
		case StatusActive:
			u.Idle++
		}
	}
	return u
}

// History lists persisted records, including disposed ones when asked.
func (m *Manager) History(ctx context.Context, filter ListFilter) ([]Record, error) {
	return m.store.List(ctx, filter)
}

// Recover marks records left open by a previous process as disposed. Live
// sessions never survive a restart.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	n, err := m.store.DisposeOpen(ctx, recoveredReason, m.now())
	if err != nil {
		return 0, fmt.Errorf("recover sessions: %w", err)
	}
	if n > 0 {
		m.logger.Printf("disposed stale session records count=%d", n)
	}
	return n, nil
}
