package main

import (
	"testing"
	"time"

	"applyq.local/applyq/internal/config"
	"applyq.local/applyq/internal/health"
)

func TestWebhookSubscriberName(t *testing.T) {
	if got := webhookSubscriberName(0, "https://hooks.example.com/applyq"); got != "hooks.example.com" {
		t.Fatalf("expected host name, got %q", got)
	}
	if got := webhookSubscriberName(2, "not a url"); got != "webhook-3" {
		t.Fatalf("expected fallback name, got %q", got)
	}
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Cooldowns.SecurityChallenge = 3 * time.Hour
	cfg.RateLimitEscalationThreshold = 5

	policy := policyFromConfig(cfg)
	if got := policy.Cooldown(health.IssueSecurityChallenge); got != 3*time.Hour {
		t.Fatalf("expected 3h security cooldown, got %s", got)
	}
	if got := policy.Cooldown(health.IssueRateLimited); got != config.DefaultCooldownRateLimited {
		t.Fatalf("expected default rate limit cooldown, got %s", got)
	}
	if policy.EscalationThreshold != 5 {
		t.Fatalf("expected threshold 5, got %d", policy.EscalationThreshold)
	}
}
