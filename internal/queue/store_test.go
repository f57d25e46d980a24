package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	dbpkg "applyq.local/applyq/internal/db"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type storeFactory func(t *testing.T, clock *testClock, opts Options) Store

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, clock *testClock, opts Options) Store {
			s := NewMemoryStore(opts)
			s.now = clock.Now
			return s
		},
		"gorm": func(t *testing.T, clock *testClock, opts Options) Store {
			gormDB, err := dbpkg.OpenGorm("sqlite", filepath.Join(t.TempDir(), "queue.db"))
			if err != nil {
				t.Fatalf("open gorm: %v", err)
			}
			t.Cleanup(func() { _ = dbpkg.Close(gormDB) })
			s, err := NewGormStore(gormDB, opts)
			if err != nil {
				t.Fatalf("new gorm store: %v", err)
			}
			s.now = clock.Now
			return s
		},
	}
}

func forEachStore(t *testing.T, opts Options, fn func(t *testing.T, store Store, clock *testClock)) {
	t.Helper()
	for name, factory := range storeFactories() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			clock := newTestClock()
			fn(t, factory(t, clock, opts), clock)
		})
	}
}

func mustEnqueue(t *testing.T, store Store, clock *testClock, req NewTask) Task {
	t.Helper()
	task, err := store.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	clock.Advance(time.Millisecond)
	return task
}

func claimIDs(t *testing.T, store Store, limit int) []string {
	t.Helper()
	tasks, err := store.ClaimBatch(context.Background(), limit)
	if err != nil {
		t.Fatalf("claim batch: %v", err)
	}
	out := make([]string, 0, len(tasks))
	for _, task := range tasks {
		if task.Status != StatusProcessing {
			t.Fatalf("claimed task %s status got=%s want=PROCESSING", task.ID, task.Status)
		}
		out = append(out, task.ID)
	}
	return out
}

func TestEnqueueDefaultsAndValidation(t *testing.T) {
	forEachStore(t, Options{DefaultMaxAttempts: 4}, func(t *testing.T, store Store, clock *testClock) {
		task := mustEnqueue(t, store, clock, NewTask{
			TenantID: " tenant-1 ",
			Kind:     "easy_apply",
			Payload:  json.RawMessage(`{"job_id":"j1"}`),
			Priority: PriorityHigh,
		})
		if task.Status != StatusPending || task.MaxAttempts != 4 || task.TenantID != "tenant-1" {
			t.Fatalf("unexpected enqueued task %+v", task)
		}

		loaded, err := store.Get(context.Background(), task.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if string(loaded.Payload) != `{"job_id":"j1"}` {
			t.Fatalf("payload got=%s", loaded.Payload)
		}
		if loaded.AttemptCount != 0 || loaded.AssignedSessionID != "" {
			t.Fatalf("unexpected fresh task %+v", loaded)
		}

		if _, err := store.Enqueue(context.Background(), NewTask{Kind: "x"}); err == nil {
			t.Fatalf("expected missing tenant error")
		}
		if _, err := store.Enqueue(context.Background(), NewTask{TenantID: "t"}); err == nil {
			t.Fatalf("expected missing kind error")
		}
		if _, err := store.Enqueue(context.Background(), NewTask{TenantID: "t", Kind: "k", Payload: json.RawMessage(`{`)}); err == nil {
			t.Fatalf("expected invalid payload error")
		}
		if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestClaimBatchOrdersByPriorityThenAge(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, store Store, clock *testClock) {
		high1 := mustEnqueue(t, store, clock, NewTask{TenantID: "t", Kind: "k", Priority: PriorityHigh})
		normal := mustEnqueue(t, store, clock, NewTask{TenantID: "t", Kind: "k", Priority: PriorityNormal})
		high2 := mustEnqueue(t, store, clock, NewTask{TenantID: "t", Kind: "k", Priority: PriorityHigh})
		high3 := mustEnqueue(t, store, clock, NewTask{TenantID: "t", Kind: "k", Priority: PriorityHigh})

		first := claimIDs(t, store, 2)
		if len(first) != 2 || first[0] != high1.ID || first[1] != high2.ID {
			t.Fatalf("first cycle got=%v want=[%s %s]", first, high1.ID, high2.ID)
		}
		second := claimIDs(t, store, 1)
		if len(second) != 1 || second[0] != high3.ID {
			t.Fatalf("second cycle got=%v want=[%s]", second, high3.ID)
		}
		third := claimIDs(t, store, 5)
		if len(third) != 1 || third[0] != normal.ID {
			t.Fatalf("third cycle got=%v want=[%s]", third, normal.ID)
		}
		if rest := claimIDs(t, store, 5); len(rest) != 0 {
			t.Fatalf("expected nothing left to claim, got %v", rest)
		}
	})
}

func TestClaimBatchSkipsFutureNotBefore(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, store Store, clock *testClock) {
		task := mustEnqueue(t, store, clock, NewTask{TenantID: "t", Kind: "k", NotBefore: clock.Now().Add(time.Minute)})
		if got := claimIDs(t, store, 5); len(got) != 0 {
			t.Fatalf("expected no claim before not_before, got %v", got)
		}
		clock.Advance(time.Minute)
		if got := claimIDs(t, store, 5); len(got) != 1 || got[0] != task.ID {
			t.Fatalf("expected claim after not_before, got %v", got)
		}
	})
}

func TestRetryThenCompleteKeepsOneHistoryEntry(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, store Store, clock *testClock) {
		ctx := context.Background()
		task := mustEnqueue(t, store, clock, NewTask{TenantID: "t", Kind: "k", MaxAttempts: 3})
		claimIDs(t, store, 1)

		notBefore := clock.Now().Add(2 * time.Second)
		retried, err := store.MarkRetrying(ctx, task.ID, Retry{NotBefore: notBefore, Message: "element not found", CountAttempt: true})
		if err != nil {
			t.Fatalf("mark retrying: %v", err)
		}
		if retried.Status != StatusRetrying || retried.AttemptCount != 1 || !retried.NotBefore.Equal(notBefore) {
			t.Fatalf("unexpected retried task %+v", retried)
		}
		if got := claimIDs(t, store, 1); len(got) != 0 {
			t.Fatalf("retrying task claimed before delay: %v", got)
		}

		clock.Advance(2 * time.Second)
		if got := claimIDs(t, store, 1); len(got) != 1 {
			t.Fatalf("expected retried task to be claimable after delay")
		}
		done, err := store.MarkCompleted(ctx, task.ID, json.RawMessage(`{"applied":true}`))
		if err != nil {
			t.Fatalf("mark completed: %v", err)
		}
		if done.Status != StatusCompleted {
			t.Fatalf("status got=%s want=COMPLETED", done.Status)
		}

		loaded, err := store.Get(ctx, task.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if len(loaded.ErrorHistory) != 1 || loaded.ErrorHistory[0].Attempt != 1 || loaded.LastError() != "element not found" {
			t.Fatalf("unexpected error history %+v", loaded.ErrorHistory)
		}
		if string(loaded.Result) != `{"applied":true}` {
			t.Fatalf("result got=%s", loaded.Result)
		}
	})
}

func TestCountedRetriesExhaustToFailed(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, store Store, clock *testClock) {
		ctx := context.Background()
		task := mustEnqueue(t, store, clock, NewTask{TenantID: "t", Kind: "k", MaxAttempts: 2})

		claimIDs(t, store, 1)
		first, err := store.MarkRetrying(ctx, task.ID, Retry{NotBefore: clock.Now(), Message: "boom", CountAttempt: true})
		if err != nil {
			t.Fatalf("mark retrying: %v", err)
		}
		if first.Status != StatusRetrying {
			t.Fatalf("first failure status got=%s want=RETRYING", first.Status)
		}

		claimIDs(t, store, 1)
		second, err := store.MarkRetrying(ctx, task.ID, Retry{NotBefore: clock.Now(), Message: "boom again", CountAttempt: true})
		if err != nil {
			t.Fatalf("mark retrying: %v", err)
		}
		if second.Status != StatusFailed || second.AttemptCount != 2 {
			t.Fatalf("expected FAILED at max attempts, got %+v", second)
		}

		clock.Advance(time.Hour)
		if got := claimIDs(t, store, 5); len(got) != 0 {
			t.Fatalf("failed task must never be reclaimed, got %v", got)
		}
	})
}

func TestUncountedRetryKeepsAttemptCount(t *testing.T) {
	forEachStore(t, Options{HistoryLimit: 3}, func(t *testing.T, store Store, clock *testClock) {
		ctx := context.Background()
		task := mustEnqueue(t, store, clock, NewTask{TenantID: "t", Kind: "k", MaxAttempts: 1})

		for i := 0; i < 5; i++ {
			claimIDs(t, store, 1)
			retried, err := store.MarkRetrying(ctx, task.ID, Retry{NotBefore: clock.Now(), Message: "checkpoint"})
			if err != nil {
				t.Fatalf("mark retrying %d: %v", i, err)
			}
			if retried.Status != StatusRetrying || retried.AttemptCount != 0 {
				t.Fatalf("uncounted retry changed budget: %+v", retried)
			}
		}

		claimIDs(t, store, 1)
		if _, err := store.MarkRetrying(ctx, task.ID, Retry{NotBefore: clock.Now()}); err != nil {
			t.Fatalf("silent retry: %v", err)
		}
		loaded, err := store.Get(ctx, task.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if len(loaded.ErrorHistory) != 3 {
			t.Fatalf("history should be bounded to 3, got %d", len(loaded.ErrorHistory))
		}
	})
}

func TestInvalidTransitionsRejected(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, store Store, clock *testClock) {
		ctx := context.Background()
		task := mustEnqueue(t, store, clock, NewTask{TenantID: "t", Kind: "k"})

		if _, err := store.MarkCompleted(ctx, task.ID, nil); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("PENDING -> COMPLETED should be rejected, got %v", err)
		}
		if err := store.UpdateProgress(ctx, task.ID, "navigating"); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("progress on PENDING should be rejected, got %v", err)
		}
		if err := store.AssignSession(ctx, task.ID, "sess_1"); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("assign on PENDING should be rejected, got %v", err)
		}

		claimIDs(t, store, 1)
		if _, err := store.MarkFailed(ctx, task.ID, "bad payload"); err != nil {
			t.Fatalf("mark failed: %v", err)
		}
		if _, err := store.MarkRetrying(ctx, task.ID, Retry{}); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("FAILED -> RETRYING should be rejected, got %v", err)
		}
		if _, err := store.MarkCompleted(ctx, "missing", nil); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestProgressAndSessionAssignment(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, store Store, clock *testClock) {
		ctx := context.Background()
		task := mustEnqueue(t, store, clock, NewTask{TenantID: "t", Kind: "k"})
		claimIDs(t, store, 1)

		if err := store.AssignSession(ctx, task.ID, "sess_1"); err != nil {
			t.Fatalf("assign session: %v", err)
		}
		if err := store.UpdateProgress(ctx, task.ID, "filling_form"); err != nil {
			t.Fatalf("update progress: %v", err)
		}
		loaded, err := store.Get(ctx, task.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if loaded.AssignedSessionID != "sess_1" || loaded.ProgressStep != "filling_form" {
			t.Fatalf("unexpected in-flight task %+v", loaded)
		}

		done, err := store.MarkCompleted(ctx, task.ID, nil)
		if err != nil {
			t.Fatalf("mark completed: %v", err)
		}
		if done.AssignedSessionID != "" {
			t.Fatalf("assigned session must clear outside PROCESSING, got %q", done.AssignedSessionID)
		}
	})
}

func TestRecoverOrphaned(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, store Store, clock *testClock) {
		ctx := context.Background()
		orphan := mustEnqueue(t, store, clock, NewTask{TenantID: "t", Kind: "k"})
		waiting := mustEnqueue(t, store, clock, NewTask{TenantID: "t", Kind: "k", Priority: PriorityLow})
		claimIDs(t, store, 1)

		recovered, err := store.RecoverOrphaned(ctx)
		if err != nil {
			t.Fatalf("recover orphaned: %v", err)
		}
		if len(recovered) != 1 || recovered[0].ID != orphan.ID {
			t.Fatalf("unexpected recovered tasks %+v", recovered)
		}
		if recovered[0].Status != StatusRetrying || recovered[0].AttemptCount != 0 {
			t.Fatalf("unexpected recovered task %+v", recovered[0])
		}

		got, err := store.Get(ctx, waiting.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != StatusPending {
			t.Fatalf("pending task should be untouched, got %s", got.Status)
		}
	})
}

func TestListAndCountByStatus(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, store Store, clock *testClock) {
		ctx := context.Background()
		mustEnqueue(t, store, clock, NewTask{TenantID: "a", Kind: "k"})
		mustEnqueue(t, store, clock, NewTask{TenantID: "a", Kind: "k"})
		latest := mustEnqueue(t, store, clock, NewTask{TenantID: "b", Kind: "k"})
		claimIDs(t, store, 1)

		counts, err := store.CountByStatus(ctx, "a")
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if counts[StatusProcessing] != 1 || counts[StatusPending] != 1 {
			t.Fatalf("unexpected counts %+v", counts)
		}

		all, err := store.List(ctx, Filter{Limit: 10})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(all) != 3 || all[0].ID != latest.ID {
			t.Fatalf("expected newest first, got %d tasks", len(all))
		}
		pendingA, err := store.List(ctx, Filter{TenantID: "a", Statuses: []Status{StatusPending}})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(pendingA) != 1 {
			t.Fatalf("filtered list got=%d want=1", len(pendingA))
		}
	})
}

func TestConcurrentClaimsNeverDoubleClaim(t *testing.T) {
	forEachStore(t, Options{}, func(t *testing.T, store Store, clock *testClock) {
		const total = 20
		for i := 0; i < total; i++ {
			mustEnqueue(t, store, clock, NewTask{TenantID: "t", Kind: "k"})
		}

		var (
			mu   sync.Mutex
			seen = make(map[string]int)
			wg   sync.WaitGroup
		)
		for w := 0; w < 5; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					tasks, err := store.ClaimBatch(context.Background(), 3)
					if err != nil {
						t.Errorf("claim: %v", err)
						return
					}
					if len(tasks) == 0 {
						return
					}
					mu.Lock()
					for _, task := range tasks {
						seen[task.ID]++
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if len(seen) != total {
			t.Fatalf("claimed distinct got=%d want=%d", len(seen), total)
		}
		for id, n := range seen {
			if n != 1 {
				t.Fatalf("task %s claimed %d times", id, n)
			}
		}
	})
}
