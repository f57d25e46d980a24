package cooldown

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]Entry
	closed  bool
	now     func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		entries: make(map[string]Entry),
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (l *MemoryLedger) Get(_ context.Context, tenantID string) (Entry, error) {
	if err := validateTenantID(tenantID); err != nil {
		return Entry{}, err
	}
	tenantID = strings.TrimSpace(tenantID)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Entry{}, ErrClosed
	}

	entry, ok := l.entries[tenantID]
	if !ok {
		return Entry{TenantID: tenantID}, nil
	}
	now := l.now()
	if !entry.Until.IsZero() && !entry.Active(now) {
		entry.Until = time.Time{}
		entry.Reason = ""
		entry.UpdatedAt = now
		l.entries[tenantID] = entry
	}
	return entry, nil
}

func (l *MemoryLedger) Block(_ context.Context, tenantID string, until time.Time, reason string) (Entry, error) {
	if err := validateTenantID(tenantID); err != nil {
		return Entry{}, err
	}
	tenantID = strings.TrimSpace(tenantID)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return Entry{}, ErrClosed
	}

	existing, ok := l.entries[tenantID]
	if !ok {
		existing = Entry{TenantID: tenantID}
	}
	updated := merge(existing, until, reason, l.now())
	l.entries[tenantID] = updated
	return updated, nil
}

func (l *MemoryLedger) Clear(_ context.Context, tenantID string) error {
	if err := validateTenantID(tenantID); err != nil {
		return err
	}

	tenantID = strings.TrimSpace(tenantID)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	entry, ok := l.entries[tenantID]
	if !ok {
		return nil
	}
	now := l.now()
	if !entry.Active(now) {
		delete(l.entries, tenantID)
		return nil
	}
	entry.RateLimitStrikes = 0
	entry.UpdatedAt = now
	l.entries[tenantID] = entry
	return nil
}

func (l *MemoryLedger) RecordRateLimit(_ context.Context, tenantID string) (int, error) {
	if err := validateTenantID(tenantID); err != nil {
		return 0, err
	}
	tenantID = strings.TrimSpace(tenantID)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}

	entry, ok := l.entries[tenantID]
	if !ok {
		entry = Entry{TenantID: tenantID}
	}
	entry.RateLimitStrikes++
	entry.UpdatedAt = l.now()
	l.entries[tenantID] = entry
	return entry.RateLimitStrikes, nil
}

func (l *MemoryLedger) ResetStrikes(_ context.Context, tenantID string) error {
	if err := validateTenantID(tenantID); err != nil {
		return err
	}
	tenantID = strings.TrimSpace(tenantID)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	entry, ok := l.entries[tenantID]
	if !ok || entry.RateLimitStrikes == 0 {
		return nil
	}
	entry.RateLimitStrikes = 0
	entry.UpdatedAt = l.now()
	l.entries[tenantID] = entry
	return nil
}

func (l *MemoryLedger) Active(_ context.Context) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	now := l.now()
	out := make([]Entry, 0, len(l.entries))
	for _, entry := range l.entries {
		if entry.Active(now) {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Until.Before(out[j].Until) })
	return out, nil
}

func (l *MemoryLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
