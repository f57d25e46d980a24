package dashboard

import (
	"strings"
	"testing"
	"time"

	"applyq.local/applyq/internal/cooldown"
	"applyq.local/applyq/internal/events"
	"applyq.local/applyq/internal/queue"
	"applyq.local/applyq/internal/service"
	"applyq.local/applyq/internal/sessions"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFormatEvent(t *testing.T) {
	line := formatEvent(events.Event{
		Type:       events.TypeTenantCooldown,
		OccurredAt: fixedNow,
		TenantID:   "acme",
		TaskID:     "tsk_1",
		Attributes: map[string]string{"until": "2026-03-01T12:30:00Z", "issue": "SECURITY_CHALLENGE"},
	})
	if !strings.HasPrefix(line, "[red]") {
		t.Fatalf("expected cooldown to render as alert, got %q", line)
	}
	want := "2026-03-01T12:00:00Z tenant.cooldown tenant=acme task=tsk_1 issue=SECURITY_CHALLENGE until=2026-03-01T12:30:00Z"
	if !strings.HasSuffix(line, want) {
		t.Fatalf("expected %q, got %q", want, line)
	}

	progress := formatEvent(events.Event{Type: events.TypeTaskProgress, OccurredAt: fixedNow, TenantID: "acme"})
	if !strings.HasPrefix(progress, "[gray]") {
		t.Fatalf("expected progress to be muted, got %q", progress)
	}
}

func TestFormatEventEscapesBrackets(t *testing.T) {
	line := formatEvent(events.Event{
		Type:       events.TypeTaskFailed,
		OccurredAt: fixedNow,
		TenantID:   "acme",
		Attributes: map[string]string{"error": "[red]boom"},
	})
	if strings.Contains(line, "error=[red]boom") {
		t.Fatalf("expected attribute to be escaped, got %q", line)
	}
}

func TestRenderTasks(t *testing.T) {
	if got := renderTasks(nil, fixedNow); got != "[gray]no tasks" {
		t.Fatalf("unexpected empty render: %q", got)
	}
	out := renderTasks([]service.TaskStatus{
		{TaskID: "tsk_1", TenantID: "acme", Kind: "apply", Status: queue.StatusRetrying, AttemptCount: 1, MaxAttempts: 3, NotBefore: fixedNow.Add(90 * time.Second), Error: "timeout"},
		{TaskID: "tsk_2", TenantID: "acme", Kind: "apply", Status: queue.StatusCompleted, AttemptCount: 1, MaxAttempts: 3},
	}, fixedNow)
	lines := strings.Split(out, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two lines, got %q", out)
	}
	if !strings.HasPrefix(lines[0], "[yellow]") || !strings.Contains(lines[0], "in=1m30s") || !strings.Contains(lines[0], "err=timeout") {
		t.Fatalf("unexpected retrying line: %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "[green]") || strings.Contains(lines[1], "in=") {
		t.Fatalf("unexpected completed line: %q", lines[1])
	}
}

func TestRenderSessions(t *testing.T) {
	out := renderSessions([]sessions.Record{{
		ID:             "ses_1",
		TenantID:       "acme",
		Status:         sessions.StatusInUse,
		CreatedAt:      fixedNow.Add(-2 * time.Hour),
		LastActivityAt: fixedNow.Add(-time.Minute),
		CurrentTaskID:  "tsk_1",
		UsesRemaining:  4,
		PendingDispose: "max age exceeded",
	}}, fixedNow)
	for _, want := range []string{"[aqua]", "uses=4", "age=2h0m0s", "idle=1m0s", "task=tsk_1", "pending=max age exceeded"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %q", want, out)
		}
	}
}

func TestRenderCooldownsSkipsExpired(t *testing.T) {
	out := renderCooldowns([]cooldown.Entry{
		{TenantID: "late", Until: fixedNow.Add(time.Hour), Reason: "PLATFORM_CHECKPOINT"},
		{TenantID: "gone", Until: fixedNow.Add(-time.Minute), Reason: "RATE_LIMITED"},
		{TenantID: "soon", Until: fixedNow.Add(5 * time.Minute), Reason: "RATE_LIMITED", RateLimitStrikes: 2},
	}, fixedNow)
	lines := strings.Split(out, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two active cooldowns, got %q", out)
	}
	if !strings.Contains(lines[0], "soon RATE_LIMITED for 5m0s strikes=2") || !strings.Contains(lines[1], "late") {
		t.Fatalf("unexpected order or content: %q", out)
	}
	if got := renderCooldowns(nil, fixedNow); got != "[green]no tenants cooling down" {
		t.Fatalf("unexpected empty render: %q", got)
	}
}

func TestRenderTenant(t *testing.T) {
	until := fixedNow.Add(10 * time.Minute)
	out := renderTenant(&service.TenantStatus{
		TenantID:       "acme",
		CoolingDown:    true,
		CooldownUntil:  &until,
		CooldownReason: "SECURITY_CHALLENGE",
		Sessions:       sessions.Usage{TenantID: "acme", Held: 1, InUse: 1, Max: 3},
		Tasks:          map[queue.Status]int{queue.StatusPending: 2, queue.StatusCompleted: 5},
	}, fixedNow)
	want := "[red]tenant=acme sessions=1/3 in_use=1 idle=0 strikes=0 completed=5 pending=2 cooldown=10m0s (SECURITY_CHALLENGE)"
	if out != want {
		t.Fatalf("expected %q, got %q", want, out)
	}
	if renderTenant(nil, fixedNow) != "" {
		t.Fatalf("expected empty render for nil status")
	}
}

func TestParseEnqueue(t *testing.T) {
	req, err := parseEnqueue("acme", `apply {"job":"42"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req.TenantID != "acme" || req.Kind != "apply" || string(req.Payload) != `{"job":"42"}` {
		t.Fatalf("unexpected request: %+v", req)
	}
	if _, err := parseEnqueue("", "apply"); err == nil {
		t.Fatalf("expected error without tenant")
	}
	if _, err := parseEnqueue("acme", "apply {broken"); err == nil {
		t.Fatalf("expected error for invalid payload")
	}
}
