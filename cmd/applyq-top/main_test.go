package main

import (
	"testing"
	"time"

	"applyq.local/applyq/internal/config"
	"applyq.local/applyq/internal/queue"
)

func TestOptionsFromFlags(t *testing.T) {
	t.Setenv(config.EnvAPIURL, "")
	t.Setenv(envTenantID, "")

	opts, err := optionsFromFlags([]string{"-tenant", " acme ", "-refresh", "5s"})
	if err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if opts.Client.BaseURL != config.DefaultAPIURL || opts.Client.TenantID != "acme" || opts.Refresh != 5*time.Second {
		t.Fatalf("unexpected options: %+v", opts)
	}

	if _, err := optionsFromFlags([]string{"-api-url", "ftp://nope"}); err == nil {
		t.Fatalf("expected invalid url error")
	}
}

func TestOptionsFromFlagsUsesEnv(t *testing.T) {
	t.Setenv(config.EnvAPIURL, "http://scheduler:9000")
	t.Setenv(envTenantID, "globex")

	opts, err := optionsFromFlags(nil)
	if err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if opts.Client.BaseURL != "http://scheduler:9000" || opts.Client.TenantID != "globex" {
		t.Fatalf("unexpected options: %+v", opts)
	}
}

func TestEnqueueRequest(t *testing.T) {
	req, err := enqueueRequest("acme", "apply", `{"job":"42"}`, "high", 2)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if req.Priority != queue.PriorityHigh || req.MaxAttempts != 2 || string(req.Payload) != `{"job":"42"}` {
		t.Fatalf("unexpected request: %+v", req)
	}

	for _, tc := range []struct {
		name, tenant, kind, payload, priority string
	}{
		{name: "missing tenant", kind: "apply", priority: "normal"},
		{name: "missing kind", tenant: "acme", priority: "normal"},
		{name: "bad payload", tenant: "acme", kind: "apply", payload: "{", priority: "normal"},
		{name: "bad priority", tenant: "acme", kind: "apply", priority: "urgent"},
	} {
		if _, err := enqueueRequest(tc.tenant, tc.kind, tc.payload, tc.priority, 0); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}
