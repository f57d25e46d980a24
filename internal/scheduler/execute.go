package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"applyq.local/applyq/internal/automation"
	"applyq.local/applyq/internal/events"
	"applyq.local/applyq/internal/health"
	"applyq.local/applyq/internal/queue"
	"applyq.local/applyq/internal/sessions"
)

// execute runs one claimed task to a settled state. Every failure, panics
// included, is classified here and never reaches the poll loop.
func (s *Scheduler) execute(ctx context.Context, task queue.Task) {
	var lease *sessions.Lease
	settled := false
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("task panicked task_id=%s panic=%v\n%s", task.ID, r, debug.Stack())
			if !settled {
				s.settle(ctx, task, lease, automation.Transient(fmt.Sprintf("panic: %v", r)))
			}
		}
		s.unitDone <- task.ID
	}()

	s.publishTask(ctx, events.TypeTaskStarted, task, map[string]string{"attempt": strconv.Itoa(task.AttemptCount + 1)})

	acquired, err := s.sessions.Acquire(ctx, task.TenantID, task.ID)
	if err != nil {
		settled = true
		s.deferAcquire(ctx, task, err)
		return
	}
	lease = &acquired
	if err := s.tasks.AssignSession(ctx, task.ID, acquired.SessionID); err != nil {
		s.logger.Printf("assign session failed task_id=%s session_id=%s err=%v", task.ID, acquired.SessionID, err)
	}
	task.AssignedSessionID = acquired.SessionID

	out := s.executor.Execute(ctx, automation.Run{
		Lease:    acquired,
		Task:     task,
		Deadline: s.now().Add(s.opts.TaskTimeout),
		Reporter: unitReporter{reports: s.reports, done: s.loopDone, task: task},
	})
	settled = true
	s.settle(ctx, task, lease, out)
}

// deferAcquire requeues a task whose session could not be acquired.
// Cooldown and capacity rejections do not consume an attempt.
func (s *Scheduler) deferAcquire(ctx context.Context, task queue.Task, err error) {
	var rejected *sessions.RejectedError
	if !errors.As(err, &rejected) {
		s.logger.Printf("acquire session failed task_id=%s tenant_id=%s err=%v", task.ID, task.TenantID, err)
		s.retryTransient(ctx, task, fmt.Sprintf("acquire session: %v", err))
		return
	}

	notBefore := rejected.Until
	if rejected.Reason != sessions.ReasonOnCooldown || notBefore.IsZero() {
		notBefore = s.now().Add(s.opts.PollInterval)
	}
	updated, err := s.tasks.MarkRetrying(ctx, task.ID, queue.Retry{NotBefore: notBefore})
	if err != nil {
		s.logger.Printf("defer task failed task_id=%s err=%v", task.ID, err)
		return
	}
	s.logger.Printf("task deferred task_id=%s tenant_id=%s reason=%s not_before=%s", task.ID, task.TenantID, rejected.Reason, updated.NotBefore.Format(time.RFC3339))
	s.publishTask(ctx, events.TypeTaskRetrying, updated, map[string]string{
		"reason":     string(rejected.Reason),
		"not_before": updated.NotBefore.Format(time.RFC3339),
	})
}

func (s *Scheduler) settle(ctx context.Context, task queue.Task, lease *sessions.Lease, out automation.Outcome) {
	switch out.Kind {
	case automation.KindSuccess:
		s.release(ctx, lease, sessions.Release{Outcome: sessions.OutcomeCompleted})
		s.complete(ctx, task, out)
		return
	case automation.KindFatal:
		s.release(ctx, lease, sessions.Release{Outcome: sessions.OutcomeError})
		s.fail(ctx, task, out.Message)
		return
	}

	issue := health.Classify(out.Signal())
	if issue == health.IssueNone {
		s.release(ctx, lease, sessions.Release{Outcome: sessions.OutcomeError})
		s.retryTransient(ctx, task, outcomeMessage(out))
		return
	}

	strikes := 0
	if issue == health.IssueRateLimited {
		n, err := s.ledger.RecordRateLimit(ctx, task.TenantID)
		if err != nil {
			s.logger.Printf("record rate limit failed tenant_id=%s err=%v", task.TenantID, err)
		}
		strikes = n
	}
	assessment := s.opts.Policy.Assess(issue, strikes)
	if assessment.Critical() {
		s.release(ctx, lease, sessions.Release{Outcome: sessions.OutcomeError, Taint: true, TaintReason: string(issue)})
		s.coolDown(ctx, task, assessment, outcomeMessage(out))
		return
	}

	s.release(ctx, lease, sessions.Release{Outcome: sessions.OutcomeError})
	s.logger.Printf("health warning task_id=%s tenant_id=%s issue=%s strikes=%d", task.ID, task.TenantID, issue, strikes)
	s.publishTask(ctx, events.TypeHealthWarning, task, map[string]string{
		"issue":   string(issue),
		"strikes": strconv.Itoa(strikes),
	})
	s.retry(ctx, task, queue.Retry{
		NotBefore: s.now().Add(s.backoff(task.AttemptCount + 1)),
		Message:   fmt.Sprintf("%s: %s", issue, outcomeMessage(out)),
	})
}

func (s *Scheduler) complete(ctx context.Context, task queue.Task, out automation.Outcome) {
	updated, err := s.tasks.MarkCompleted(ctx, task.ID, out.Result)
	if err != nil {
		s.logger.Printf("complete task failed task_id=%s err=%v", task.ID, err)
		return
	}
	if err := s.ledger.ResetStrikes(ctx, task.TenantID); err != nil {
		s.logger.Printf("reset strikes failed tenant_id=%s err=%v", task.TenantID, err)
	}
	s.logger.Printf("task completed task_id=%s tenant_id=%s attempts=%d", task.ID, task.TenantID, updated.AttemptCount+1)
	s.publishTask(ctx, events.TypeTaskCompleted, task, nil)
}

func (s *Scheduler) fail(ctx context.Context, task queue.Task, message string) {
	updated, err := s.tasks.MarkFailed(ctx, task.ID, message)
	if err != nil {
		s.logger.Printf("fail task failed task_id=%s err=%v", task.ID, err)
		return
	}
	s.logger.Printf("task failed task_id=%s tenant_id=%s err=%q", task.ID, task.TenantID, message)
	s.publishTask(ctx, events.TypeTaskFailed, updated, map[string]string{"error": message, "fatal": "true"})
}

// coolDown blocks the tenant and parks the task until the cooldown ends
// without charging an attempt.
func (s *Scheduler) coolDown(ctx context.Context, task queue.Task, assessment health.Assessment, message string) {
	until := s.now().Add(assessment.Cooldown)
	entry, err := s.ledger.Block(ctx, task.TenantID, until, string(assessment.Issue))
	if err != nil {
		s.logger.Printf("block tenant failed tenant_id=%s err=%v", task.TenantID, err)
	} else {
		until = entry.Until
	}

	s.logger.Printf("tenant cooling down tenant_id=%s issue=%s until=%s escalated=%t", task.TenantID, assessment.Issue, until.Format(time.RFC3339), assessment.Escalated)
	s.publishTask(ctx, events.TypeTenantCooldown, task, map[string]string{
		"issue":     string(assessment.Issue),
		"until":     until.Format(time.RFC3339),
		"escalated": strconv.FormatBool(assessment.Escalated),
	})
	s.retry(ctx, task, queue.Retry{
		NotBefore: until,
		Message:   fmt.Sprintf("%s: %s", assessment.Issue, message),
	})
}

func (s *Scheduler) retryTransient(ctx context.Context, task queue.Task, message string) {
	s.retry(ctx, task, queue.Retry{
		NotBefore:    s.now().Add(s.backoff(task.AttemptCount + 1)),
		Message:      message,
		CountAttempt: true,
	})
}

func (s *Scheduler) retry(ctx context.Context, task queue.Task, retry queue.Retry) {
	updated, err := s.tasks.MarkRetrying(ctx, task.ID, retry)
	if err != nil {
		s.logger.Printf("retry task failed task_id=%s err=%v", task.ID, err)
		return
	}
	if updated.Status == queue.StatusFailed {
		s.logger.Printf("task failed task_id=%s tenant_id=%s attempts=%d err=%q", task.ID, task.TenantID, updated.AttemptCount, retry.Message)
		s.publishTask(ctx, events.TypeTaskFailed, updated, map[string]string{
			"error":    retry.Message,
			"attempts": strconv.Itoa(updated.AttemptCount),
		})
		return
	}
	s.logger.Printf("task retrying task_id=%s tenant_id=%s attempts=%d not_before=%s err=%q", task.ID, task.TenantID, updated.AttemptCount, updated.NotBefore.Format(time.RFC3339), retry.Message)
	s.publishTask(ctx, events.TypeTaskRetrying, updated, map[string]string{
		"error":      retry.Message,
		"not_before": updated.NotBefore.Format(time.RFC3339),
	})
}

func (s *Scheduler) release(ctx context.Context, lease *sessions.Lease, rel sessions.Release) {
	if lease == nil {
		return
	}
	s.sessions.Release(ctx, *lease, rel)
}

// backoff is min(2^attempt seconds, cap).
func (s *Scheduler) backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 30 {
		return s.opts.BackoffCap
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > s.opts.BackoffCap {
		return s.opts.BackoffCap
	}
	return delay
}

func outcomeMessage(out automation.Outcome) string {
	msg := strings.TrimSpace(out.Message)
	if msg == "" {
		return string(out.Kind)
	}
	return msg
}
