package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"applyq.local/applyq/internal/automation"
	"applyq.local/applyq/internal/config"
	"applyq.local/applyq/internal/cooldown"
	"applyq.local/applyq/internal/db"
	"applyq.local/applyq/internal/dispatch"
	"applyq.local/applyq/internal/health"
	"applyq.local/applyq/internal/httpapi"
	"applyq.local/applyq/internal/queue"
	"applyq.local/applyq/internal/scheduler"
	"applyq.local/applyq/internal/service"
	"applyq.local/applyq/internal/sessions"
	"applyq.local/applyq/internal/subscribers"
	"applyq.local/applyq/internal/subscribers/discord"
	logging "applyq.local/applyq/internal/subscribers/logging"
	"applyq.local/applyq/internal/subscribers/stream"
	"applyq.local/applyq/internal/subscribers/webhook"
)

func main() {
	logger := log.New(os.Stdout, "applyq ", log.Ldate|log.Ltime|log.Lmicroseconds|log.LUTC)
	cfg, err := config.FromYAMLAndEnv()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	hub := stream.NewHub(logger)
	subs := []subscribers.Subscriber{logging.New(logger), hub}
	for idx, webhookURL := range cfg.WebhookURLs {
		name := webhookSubscriberName(idx, webhookURL)
		subs = append(subs, webhook.New(name, webhookURL, logger, webhook.WithEventFilter(webhook.SkipProgress)))
	}
	for idx, webhookURL := range cfg.AlertWebhookURLs {
		name := "alerts-" + webhookSubscriberName(idx, webhookURL)
		subs = append(subs, webhook.New(name, webhookURL, logger, webhook.AlertsOnly()))
	}
	if cfg.DiscordBotToken != "" {
		sender, err := discord.NewSessionSender(cfg.DiscordBotToken)
		if err != nil {
			logger.Fatalf("failed to initialize discord alerts: %v", err)
		}
		subs = append(subs, discord.New(sender, cfg.DiscordAlertChannelID, logger))
	}
	dispatcher := dispatch.New(logger, subs)

	gormDB, err := db.OpenGorm(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		logger.Fatalf("failed to open database: %v", err)
	}
	defer func() {
		if err := db.Close(gormDB); err != nil {
			logger.Printf("database close error: %v", err)
		}
	}()

	tasks, err := queue.NewGormStore(gormDB, queue.Options{
		DefaultMaxAttempts: cfg.DefaultMaxAttempts,
		HistoryLimit:       cfg.ErrorHistoryLimit,
	})
	if err != nil {
		logger.Fatalf("failed to initialize task store: %v", err)
	}
	records, err := sessions.NewGormStore(gormDB)
	if err != nil {
		logger.Fatalf("failed to initialize session store: %v", err)
	}
	ledger, err := cooldown.NewGormLedger(gormDB)
	if err != nil {
		logger.Fatalf("failed to initialize cooldown ledger: %v", err)
	}

	driver := automation.NewHTTPDriver(
		logger,
		cfg.DriverURL,
		cfg.DriverTimeout,
		automation.WithToken(cfg.DriverToken),
		automation.WithBreakerThreshold(cfg.BreakerThreshold),
	)

	manager := sessions.NewManager(records, ledger, driver, dispatcher, logger, sessions.Options{
		MaxPerTenant:     cfg.MaxSessionsPerTenant,
		UsesBudget:       cfg.SessionUsesBudget,
		MaxAge:           cfg.SessionMaxAge,
		IdleTimeout:      cfg.SessionIdleTimeout,
		ReapInterval:     cfg.ReapInterval,
		DisposeOnSuccess: cfg.SessionDisposeOnSuccess,
	})
	sched := scheduler.New(tasks, manager, ledger, driver, dispatcher, logger, scheduler.Options{
		PollInterval:  cfg.PollInterval,
		MaxConcurrent: cfg.MaxConcurrentTasks,
		BackoffCap:    cfg.BackoffCap,
		TaskTimeout:   cfg.TaskTimeout,
		Policy:        policyFromConfig(cfg),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(ctx); err != nil {
		logger.Fatalf("failed to start session manager: %v", err)
	}
	if err := sched.Start(ctx); err != nil {
		logger.Fatalf("failed to start scheduler: %v", err)
	}

	svc := service.New(logger, tasks, manager, ledger, dispatcher, service.Options{
		RejectAtCapacity: cfg.AdmissionRejectAtCapacity,
	})
	srv := httpapi.NewServer(logger, cfg.HTTPAddr, svc, hub)

	go func() {
		logger.Printf("listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server crashed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http server shutdown error: %v", err)
	}
	sched.Stop()
	manager.Stop(shutdownCtx)
	dispatcher.Wait()
}

func policyFromConfig(cfg config.Config) health.Policy {
	return health.Policy{
		Cooldowns: map[health.Issue]time.Duration{
			health.IssueRateLimited:        cfg.Cooldowns.RateLimited,
			health.IssueSessionExpired:     cfg.Cooldowns.SessionExpired,
			health.IssuePlatformCheckpoint: cfg.Cooldowns.PlatformCheckpoint,
			health.IssueSecurityChallenge:  cfg.Cooldowns.SecurityChallenge,
		},
		EscalationThreshold: cfg.RateLimitEscalationThreshold,
	}
}

func webhookSubscriberName(index int, webhookURL string) string {
	parsed, err := url.Parse(webhookURL)
	if err == nil {
		host := strings.TrimSpace(parsed.Host)
		if host != "" {
			return host
		}
	}
	return fmt.Sprintf("webhook-%d", index+1)
}
