package cooldown

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrClosed = errors.New("ledger is closed")

// Entry is a tenant's cooldown state. A zero Until means no cooldown.
type Entry struct {
	TenantID         string    `json:"tenant_id"`
	Until            time.Time `json:"cooldown_until,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	RateLimitStrikes int       `json:"rate_limit_strikes"`
	UpdatedAt        time.Time `json:"updated_at,omitempty"`
}

func (e Entry) Active(now time.Time) bool {
	return !e.Until.IsZero() && e.Until.After(now)
}

// Remaining is the time left on an active cooldown, or zero.
func (e Entry) Remaining(now time.Time) time.Duration {
	if !e.Active(now) {
		return 0
	}
	return e.Until.Sub(now)
}

// Ledger holds at most one entry per tenant. Expired cooldowns read as
// inactive and are cleared lazily on the next Get.
type Ledger interface {
	Get(ctx context.Context, tenantID string) (Entry, error)
	// Block sets the tenant's cooldown. An existing later cooldown is kept.
	Block(ctx context.Context, tenantID string, until time.Time, reason string) (Entry, error)
	// Clear resets rate-limit strikes and removes an expired cooldown. An
	// active cooldown is kept.
	Clear(ctx context.Context, tenantID string) error
	// RecordRateLimit adds one consecutive strike and returns the new count.
	RecordRateLimit(ctx context.Context, tenantID string) (int, error)
	ResetStrikes(ctx context.Context, tenantID string) error
	// Active lists tenants currently cooling down.
	Active(ctx context.Context) ([]Entry, error)
}

func validateTenantID(tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("tenant_id is required")
	}
	return nil
}

func merge(existing Entry, until time.Time, reason string, now time.Time) Entry {
	out := existing
	if !existing.Active(now) || until.After(existing.Until) {
		out.Until = until.UTC()
		out.Reason = strings.TrimSpace(reason)
	}
	out.UpdatedAt = now
	return out
}
