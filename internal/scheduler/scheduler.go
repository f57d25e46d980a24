package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"applyq.local/applyq/internal/automation"
	"applyq.local/applyq/internal/cooldown"
	"applyq.local/applyq/internal/events"
	"applyq.local/applyq/internal/health"
	"applyq.local/applyq/internal/queue"
	"applyq.local/applyq/internal/sessions"
)

const (
	DefaultPollInterval  = 5 * time.Second
	DefaultMaxConcurrent = 4
	DefaultBackoffCap    = 5 * time.Minute
	DefaultTaskTimeout   = 15 * time.Minute

	reportBuffer = 128
)

var ErrSchedulerAlreadyStarted = errors.New("scheduler already started")

// SessionPool leases automation sessions to tasks.
type SessionPool interface {
	Acquire(ctx context.Context, tenantID, taskID string) (sessions.Lease, error)
	Release(ctx context.Context, lease sessions.Lease, rel sessions.Release)
}

type Options struct {
	PollInterval  time.Duration
	MaxConcurrent int
	BackoffCap    time.Duration
	// TaskTimeout is passed to the executor as a deadline hint only.
	TaskTimeout time.Duration
	Policy      health.Policy
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = DefaultMaxConcurrent
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = DefaultBackoffCap
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = DefaultTaskTimeout
	}
	if o.Policy.Cooldowns == nil {
		o.Policy = health.DefaultPolicy()
	}
	return o
}

// Scheduler polls the queue and runs claimed tasks, one goroutine each.
// Progress reports and unit completions flow back to the poll loop over
// channels; the loop never waits on a running task.
type Scheduler struct {
	tasks    queue.Store
	sessions SessionPool
	ledger   cooldown.Ledger
	executor automation.Executor
	events   events.Publisher
	logger   *log.Logger
	opts     Options

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	reports  chan report
	unitDone chan string
	loopDone chan struct{}
	active   atomic.Int32

	now           func() time.Time
	tickerFactory func(interval time.Duration) schedulerTicker
}

type report struct {
	task    queue.Task
	step    string
	warning bool
	issue   health.Issue
	detail  string
}

func New(tasks queue.Store, pool SessionPool, ledger cooldown.Ledger, executor automation.Executor, publisher events.Publisher, logger *log.Logger, opts Options) *Scheduler {
	if tasks == nil {
		panic("scheduler: task store is required")
	}
	if pool == nil {
		panic("scheduler: session pool is required")
	}
	if ledger == nil {
		panic("scheduler: cooldown ledger is required")
	}
	if executor == nil {
		panic("scheduler: executor is required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Scheduler{
		tasks:    tasks,
		sessions: pool,
		ledger:   ledger,
		executor: executor,
		events:   events.OrNop(publisher),
		logger:   logger,
		opts:     opts.withDefaults(),
		now: func() time.Time {
			return time.Now().UTC()
		},
		tickerFactory: func(interval time.Duration) schedulerTicker {
			return newRealTicker(interval)
		},
	}
}

// Active is the number of tasks currently executing.
func (s *Scheduler) Active() int {
	return int(s.active.Load())
}

// Start requeues tasks orphaned by a previous process and begins polling.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyStarted
	}
	s.running = true
	s.mu.Unlock()

	recovered, err := s.tasks.RecoverOrphaned(ctx)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("recover orphaned tasks: %w", err)
	}
	for _, task := range recovered {
		s.logger.Printf("recovered orphaned task task_id=%s tenant_id=%s", task.ID, task.TenantID)
		s.publishTask(ctx, events.TypeTaskRetrying, task, map[string]string{"reason": "recovered"})
	}

	s.mu.Lock()
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	s.reports = make(chan report, reportBuffer)
	s.unitDone = make(chan string, s.opts.MaxConcurrent)
	ticker := s.tickerFactory(s.opts.PollInterval)
	s.stopCh = stopCh
	s.doneCh = doneCh
	s.loopDone = doneCh
	s.mu.Unlock()

	go s.run(ctx, ticker, stopCh, doneCh)
	return nil
}

// Stop stops claiming and waits for running tasks to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.running = false
	s.stopCh = nil
	s.doneCh = nil
	s.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

func (s *Scheduler) run(ctx context.Context, ticker schedulerTicker, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	defer ticker.Stop()

	// Units outlive a cancelled start context so they can settle their tasks.
	base := context.WithoutCancel(ctx)
	ctxDone := ctx.Done()
	stop := stopCh
	tick := ticker.Chan()
	draining := false
	active := 0

	active += s.claim(base, active)
	for {
		if draining && active == 0 {
			return
		}
		select {
		case <-ctxDone:
			draining, ctxDone, stop, tick = true, nil, nil, nil
		case <-stop:
			draining, ctxDone, stop, tick = true, nil, nil, nil
		case <-tick:
			active += s.claim(base, active)
		case r := <-s.reports:
			s.handleReport(base, r)
		case <-s.unitDone:
			active--
			s.active.Add(-1)
		}
	}
}

func (s *Scheduler) claim(ctx context.Context, active int) int {
	free := s.opts.MaxConcurrent - active
	if free <= 0 {
		return 0
	}
	claimed, err := s.tasks.ClaimBatch(ctx, free)
	if err != nil {
		s.logger.Printf("claim tasks failed err=%v", err)
		return 0
	}
	for _, task := range claimed {
		s.active.Add(1)
		s.logger.Printf("task claimed task_id=%s tenant_id=%s kind=%s attempt=%d", task.ID, task.TenantID, task.Kind, task.AttemptCount+1)
		go s.execute(ctx, task)
	}
	return len(claimed)
}

func (s *Scheduler) handleReport(ctx context.Context, r report) {
	if !r.warning {
		err := s.tasks.UpdateProgress(ctx, r.task.ID, r.step)
		if err != nil {
			if !errors.Is(err, queue.ErrInvalidTransition) {
				s.logger.Printf("update progress failed task_id=%s err=%v", r.task.ID, err)
			}
			return
		}
		s.publishTask(ctx, events.TypeTaskProgress, r.task, map[string]string{"step": r.step})
		return
	}

	attrs := map[string]string{"issue": string(r.issue), "detail": r.detail}
	if r.issue == health.IssueRateLimited {
		strikes, err := s.ledger.RecordRateLimit(ctx, r.task.TenantID)
		if err != nil {
			s.logger.Printf("record rate limit failed tenant_id=%s err=%v", r.task.TenantID, err)
		} else {
			attrs["strikes"] = fmt.Sprint(strikes)
		}
	}
	s.logger.Printf("health warning task_id=%s tenant_id=%s issue=%s detail=%q", r.task.ID, r.task.TenantID, r.issue, r.detail)
	s.publishTask(ctx, events.TypeHealthWarning, r.task, attrs)
}

// unitReporter drops reports that arrive after the poll loop has exited.
type unitReporter struct {
	reports chan<- report
	done    <-chan struct{}
	task    queue.Task
}

func (r unitReporter) Progress(step string) {
	r.send(report{task: r.task, step: step})
}

func (r unitReporter) Warn(issue health.Issue, detail string) {
	r.send(report{task: r.task, warning: true, issue: issue, detail: detail})
}

func (r unitReporter) send(rep report) {
	select {
	case r.reports <- rep:
	case <-r.done:
	}
}

func (s *Scheduler) publishTask(ctx context.Context, eventType events.Type, task queue.Task, attrs map[string]string) {
	s.events.Publish(ctx, events.Event{
		Type:       eventType,
		TenantID:   task.TenantID,
		TaskID:     task.ID,
		SessionID:  task.AssignedSessionID,
		Attributes: attrs,
	})
}

type schedulerTicker interface {
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
