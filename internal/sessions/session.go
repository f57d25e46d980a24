package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusCreating Status = "CREATING"
	StatusActive   Status = "ACTIVE"
	StatusInUse    Status = "IN_USE"
	StatusDisposed Status = "DISPOSED"
)

// Outcome is what a lease recorded on release.
type Outcome string

const (
	OutcomeCompleted Outcome = "COMPLETED"
	OutcomeError     Outcome = "ERROR"
)

// Record is one automation session. Records in CREATING, ACTIVE or IN_USE
// each hold one of the tenant's concurrency slots.
type Record struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	CurrentTaskID  string    `json:"current_task_id,omitempty"`
	UsesRemaining  int       `json:"uses_remaining"`
	Tainted        bool      `json:"tainted"`
	TaintReason    string    `json:"taint_reason,omitempty"`
	LastOutcome    Outcome   `json:"last_outcome,omitempty"`
	// PendingDispose is set when the reaper flags a leased session; the
	// session is disposed on release.
	PendingDispose string    `json:"pending_dispose,omitempty"`
	DisposedAt     time.Time `json:"disposed_at,omitempty"`
	DisposeReason  string    `json:"dispose_reason,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (r Record) HoldsSlot() bool {
	switch r.Status {
	case StatusCreating, StatusActive, StatusInUse:
		return true
	default:
		return false
	}
}

func (r Record) reusable() bool {
	return r.Status == StatusActive && !r.Tainted && r.PendingDispose == "" && r.UsesRemaining > 0
}

// Lease is exclusive use of one session by one task.
type Lease struct {
	SessionID  string    `json:"session_id"`
	TenantID   string    `json:"tenant_id"`
	TaskID     string    `json:"task_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	Reused     bool      `json:"reused"`
}

// Release describes how a lease ended.
type Release struct {
	Outcome     Outcome
	Taint       bool
	TaintReason string
}

var (
	ErrOnCooldown = errors.New("tenant is on cooldown")
	ErrAtCapacity = errors.New("tenant is at session capacity")
	ErrOpenFailed = errors.New("open automation session failed")
	ErrNotFound   = errors.New("session not found")
)

type RejectReason string

const (
	ReasonOnCooldown RejectReason = "on_cooldown"
	ReasonCapacity   RejectReason = "capacity"
)

// RejectedError is returned when no session may be handed out. No session
// record exists for a rejected acquisition.
type RejectedError struct {
	Reason   RejectReason
	TenantID string
	Until    time.Time
	Detail   string
}

func (e *RejectedError) Error() string {
	switch e.Reason {
	case ReasonOnCooldown:
		return fmt.Sprintf("tenant %s on cooldown until %s (%s)", e.TenantID, e.Until.Format(time.RFC3339), e.Detail)
	default:
		return fmt.Sprintf("tenant %s rejected: %s", e.TenantID, e.Reason)
	}
}

func (e *RejectedError) Unwrap() error {
	if e.Reason == ReasonOnCooldown {
		return ErrOnCooldown
	}
	return ErrAtCapacity
}

// RetryAfter is how long the caller should wait before trying again.
func (e *RejectedError) RetryAfter(now time.Time) time.Duration {
	if e.Until.After(now) {
		return e.Until.Sub(now)
	}
	return 0
}

// Opener establishes and tears down the automation identity behind a
// session (browser login, fingerprint).
type Opener interface {
	Open(ctx context.Context, tenantID, sessionID string) error
	Close(ctx context.Context, tenantID, sessionID string) error
}

type ListFilter struct {
	TenantID        string
	IncludeDisposed bool
	Limit           int
}

// RecordStore persists session records for audit and dashboards.
type RecordStore interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context, filter ListFilter) ([]Record, error)
	// DisposeOpen marks every non-disposed record disposed. Used at startup
	// since live sessions do not survive the process.
	DisposeOpen(ctx context.Context, reason string, at time.Time) (int, error)
}
