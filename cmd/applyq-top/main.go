package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"applyq.local/applyq/internal/client"
	"applyq.local/applyq/internal/config"
	"applyq.local/applyq/internal/dashboard"
	"applyq.local/applyq/internal/queue"
	"applyq.local/applyq/internal/service"
)

const envTenantID = "APPLYQ_TOP_TENANT_ID"

func main() {
	if len(os.Args) > 1 && strings.EqualFold(strings.TrimSpace(os.Args[1]), "enqueue") {
		if err := runEnqueueCommand(os.Args[2:]); err != nil {
			log.Fatalf("applyq-top enqueue failed: %v", err)
		}
		return
	}

	opts, err := optionsFromFlags(os.Args[1:])
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := dashboard.Run(ctx, opts); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Fatalf("applyq-top failed: %v", err)
	}
}

func optionsFromFlags(args []string) (dashboard.Options, error) {
	fs := flag.NewFlagSet("applyq-top", flag.ContinueOnError)
	apiURL := fs.String("api-url", config.EnvOrDefault(config.EnvAPIURL, config.DefaultAPIURL), "scheduler api base url")
	tenantID := fs.String("tenant", config.EnvOrDefault(envTenantID, ""), "tenant to focus on; empty shows all tenants")
	refresh := fs.Duration("refresh", 2*time.Second, "snapshot refresh interval")
	if err := fs.Parse(args); err != nil {
		return dashboard.Options{}, err
	}

	opts := dashboard.Options{
		Client: client.Config{
			BaseURL:  strings.TrimSpace(*apiURL),
			TenantID: strings.TrimSpace(*tenantID),
		},
		Refresh: *refresh,
	}
	return opts, opts.Client.Validate()
}

func runEnqueueCommand(args []string) error {
	fs := flag.NewFlagSet("applyq-top enqueue", flag.ContinueOnError)
	apiURL := fs.String("api-url", config.EnvOrDefault(config.EnvAPIURL, config.DefaultAPIURL), "scheduler api base url")
	tenantID := fs.String("tenant", config.EnvOrDefault(envTenantID, ""), "tenant id")
	kind := fs.String("kind", "", "task kind")
	payload := fs.String("payload", "", "task payload (json)")
	priority := fs.String("priority", "normal", "task priority (low|normal|high or a number)")
	maxAttempts := fs.Int("max-attempts", 0, "attempt budget; 0 uses the server default")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req, err := enqueueRequest(*tenantID, *kind, *payload, *priority, *maxAttempts)
	if err != nil {
		return err
	}
	cli, err := client.New(client.Config{BaseURL: strings.TrimSpace(*apiURL)})
	if err != nil {
		return err
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	taskID, err := cli.Enqueue(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("enqueued\ntask_id=%s\ntenant_id=%s\nkind=%s\n", taskID, req.TenantID, req.Kind)
	return nil
}

func enqueueRequest(tenantID, kind, payload, priority string, maxAttempts int) (service.EnqueueRequest, error) {
	req := service.EnqueueRequest{
		TenantID:    strings.TrimSpace(tenantID),
		Kind:        strings.TrimSpace(kind),
		MaxAttempts: maxAttempts,
	}
	if req.TenantID == "" || req.Kind == "" {
		return service.EnqueueRequest{}, fmt.Errorf("tenant and kind are required")
	}
	if payload = strings.TrimSpace(payload); payload != "" {
		if !json.Valid([]byte(payload)) {
			return service.EnqueueRequest{}, fmt.Errorf("payload is not valid json")
		}
		req.Payload = json.RawMessage(payload)
	}
	parsed, err := queue.ParsePriority(priority)
	if err != nil {
		return service.EnqueueRequest{}, err
	}
	req.Priority = parsed
	return req, nil
}
