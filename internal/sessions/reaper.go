package sessions

import (
	"context"
	"time"
)

// Start recovers stale records and runs the reaper until Stop or ctx ends.
func (m *Manager) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrManagerAlreadyStarted
	}
	m.running = true
	firstStart := !m.recovered
	m.mu.Unlock()

	// Records left open by a previous process are stale; later starts in
	// this process must not touch records of live sessions.
	if firstStart {
		if _, err := m.Recover(ctx); err != nil {
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
			return err
		}
	}

	m.mu.Lock()
	m.recovered = true
	if !m.running {
		// Stopped while recovering.
		m.mu.Unlock()
		return nil
	}
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	ticker := m.tickerFactory(m.opts.ReapInterval)
	m.stopCh = stopCh
	m.doneCh = doneCh
	m.mu.Unlock()

	go m.run(ctx, ticker, stopCh, doneCh)
	return nil
}

// Stop halts the reaper and disposes every idle session. Leased sessions are
// flagged so their holders dispose them on release.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	stopCh := m.stopCh
	doneCh := m.doneCh
	wasRunning := m.running
	m.running = false
	m.stopCh = nil
	m.doneCh = nil
	m.mu.Unlock()

	if wasRunning && stopCh != nil {
		close(stopCh)
		<-doneCh
	}

	for _, rec := range m.Sessions("") {
		m.Dispose(ctx, rec.ID, "shutdown")
	}
}

func (m *Manager) run(ctx context.Context, ticker reapTicker, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.Chan():
			if n := m.Reap(ctx); n > 0 {
				m.logger.Printf("reaped sessions count=%d", n)
			}
		}
	}
}

type reapTicker interface {
	Chan() <-chan time.Time
	Stop()
}

type realTicker struct {
	ticker *time.Ticker
}

func newRealTicker(interval time.Duration) *realTicker {
	return &realTicker{ticker: time.NewTicker(interval)}
}

func (t *realTicker) Chan() <-chan time.Time {
	return t.ticker.C
}

func (t *realTicker) Stop() {
	t.ticker.Stop()
}
