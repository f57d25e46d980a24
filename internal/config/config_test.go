package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFromEnv_Default(t *testing.T) {
	homeDir := t.TempDir()
	t.Setenv("HOME", homeDir)
	setWorkingDir(t, t.TempDir())
	clearEnv(t)

	cfg := FromEnv()
	if cfg.HTTPAddr != DefaultHTTPAddr {
		t.Fatalf("expected default addr %q, got %q", DefaultHTTPAddr, cfg.HTTPAddr)
	}
	if cfg.DBDriver != DefaultDBDriver {
		t.Fatalf("expected default db driver %q, got %q", DefaultDBDriver, cfg.DBDriver)
	}
	expectedDSN := filepath.Join(homeDir, ".applyq", "applyq.db")
	if cfg.DBDSN != expectedDSN {
		t.Fatalf("expected default db dsn %q, got %q", expectedDSN, cfg.DBDSN)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Fatalf("poll interval got=%s want=5s", cfg.PollInterval)
	}
	if cfg.MaxSessionsPerTenant != 3 {
		t.Fatalf("max sessions per tenant got=%d want=3", cfg.MaxSessionsPerTenant)
	}
	if cfg.SessionUsesBudget != 5 {
		t.Fatalf("uses budget got=%d want=5", cfg.SessionUsesBudget)
	}
	if cfg.SessionMaxAge != 48*time.Hour {
		t.Fatalf("session max age got=%s want=48h", cfg.SessionMaxAge)
	}
	if cfg.SessionIdleTimeout != 5*time.Minute {
		t.Fatalf("session idle timeout got=%s want=5m", cfg.SessionIdleTimeout)
	}
	if cfg.Cooldowns.PlatformCheckpoint != time.Hour {
		t.Fatalf("checkpoint cooldown got=%s want=1h", cfg.Cooldowns.PlatformCheckpoint)
	}
	if cfg.Cooldowns.SecurityChallenge != 2*time.Hour {
		t.Fatalf("security challenge cooldown got=%s want=2h", cfg.Cooldowns.SecurityChallenge)
	}
	if cfg.BreakerThreshold != 5 {
		t.Fatalf("breaker threshold got=%d want=5", cfg.BreakerThreshold)
	}
	if cfg.ErrorHistoryLimit != 20 {
		t.Fatalf("error history limit got=%d want=20", cfg.ErrorHistoryLimit)
	}
	if !cfg.AdmissionRejectAtCapacity {
		t.Fatalf("expected admission to reject at capacity by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestFromEnv_DefaultPrefersLocalApplyqDir(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	workDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(workDir, ".applyq"), 0o700); err != nil {
		t.Fatalf("mkdir local .applyq: %v", err)
	}
	setWorkingDir(t, workDir)
	clearEnv(t)

	cfg := FromEnv()
	if cfg.DBDSN != filepath.Join(".applyq", "applyq.db") {
		t.Fatalf("expected local db dsn, got %q", cfg.DBDSN)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	setWorkingDir(t, t.TempDir())
	clearEnv(t)

	t.Setenv(EnvDBDriver, "POSTGRES")
	t.Setenv(EnvDBDSN, "postgres://env/db")
	t.Setenv(EnvPollInterval, "2s")
	t.Setenv(EnvMaxConcurrentTasks, "8")
	t.Setenv(EnvMaxSessionsPerTenant, "not-a-number")
	t.Setenv(EnvSessionDisposeOnSuccess, "yes")
	t.Setenv(EnvCooldownRateLimited, "10m")
	t.Setenv(EnvWebhookURLs, " http://a/hook , ,http://b/hook")
	t.Setenv(EnvAlertWebhookURLs, "http://pager/hook")

	cfg := FromEnv()
	if cfg.DBDriver != "postgres" {
		t.Fatalf("db driver got=%q want=postgres", cfg.DBDriver)
	}
	if cfg.DBDSN != "postgres://env/db" {
		t.Fatalf("db dsn got=%q", cfg.DBDSN)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Fatalf("poll interval got=%s want=2s", cfg.PollInterval)
	}
	if cfg.MaxConcurrentTasks != 8 {
		t.Fatalf("max concurrent tasks got=%d want=8", cfg.MaxConcurrentTasks)
	}
	if cfg.MaxSessionsPerTenant != DefaultMaxSessionsPerTenant {
		t.Fatalf("invalid int should keep default, got %d", cfg.MaxSessionsPerTenant)
	}
	if !cfg.SessionDisposeOnSuccess {
		t.Fatalf("expected dispose on success from env")
	}
	if cfg.Cooldowns.RateLimited != 10*time.Minute {
		t.Fatalf("rate limited cooldown got=%s want=10m", cfg.Cooldowns.RateLimited)
	}
	if len(cfg.WebhookURLs) != 2 || cfg.WebhookURLs[1] != "http://b/hook" {
		t.Fatalf("unexpected webhook urls %#v", cfg.WebhookURLs)
	}
	if len(cfg.AlertWebhookURLs) != 1 || cfg.AlertWebhookURLs[0] != "http://pager/hook" {
		t.Fatalf("unexpected alert webhook urls %#v", cfg.AlertWebhookURLs)
	}
}

func TestFromYAMLAndEnv_LoadsYAMLAndEnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	setWorkingDir(t, t.TempDir())
	clearEnv(t)
	t.Setenv(EnvDBDSN, "postgres://env/override")

	configPath := writeConfigFile(t, `
version: 1
server:
  http_addr: "127.0.0.1:7070"
  db_driver: "postgres"
  db_dsn: "postgres://yaml/db"
  admission_reject_at_capacity: false
scheduler:
  poll_interval: "1s"
  max_concurrent_tasks: 6
  backoff_cap: "90s"
sessions:
  max_per_tenant: 2
  uses_budget: 9
  dispose_on_success: true
health:
  cooldowns:
    platform_checkpoint: "45m"
  breaker_threshold: 7
driver:
  url: "http://driver.local"
alerts:
  webhook_urls: ["http://hook.local/a"]
  alert_webhook_urls: ["http://pager.local/a", "http://pager.local/b"]
  discord_bot_token: "bot"
  discord_alert_channel_id: "123"
`)
	t.Setenv(EnvConfigFile, configPath)

	cfg, err := FromYAMLAndEnv()
	if err != nil {
		t.Fatalf("FromYAMLAndEnv failed: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:7070" {
		t.Fatalf("unexpected HTTP addr %q", cfg.HTTPAddr)
	}
	if cfg.DBDSN != "postgres://env/override" {
		t.Fatalf("expected env DB DSN override, got %q", cfg.DBDSN)
	}
	if cfg.AdmissionRejectAtCapacity {
		t.Fatalf("expected admission_reject_at_capacity=false from yaml")
	}
	if cfg.PollInterval != time.Second {
		t.Fatalf("unexpected poll interval %s", cfg.PollInterval)
	}
	if cfg.MaxConcurrentTasks != 6 {
		t.Fatalf("unexpected max concurrent tasks %d", cfg.MaxConcurrentTasks)
	}
	if cfg.BackoffCap != 90*time.Second {
		t.Fatalf("unexpected backoff cap %s", cfg.BackoffCap)
	}
	if cfg.MaxSessionsPerTenant != 2 || cfg.SessionUsesBudget != 9 || !cfg.SessionDisposeOnSuccess {
		t.Fatalf("unexpected session settings %+v", cfg)
	}
	if cfg.Cooldowns.PlatformCheckpoint != 45*time.Minute {
		t.Fatalf("unexpected checkpoint cooldown %s", cfg.Cooldowns.PlatformCheckpoint)
	}
	if cfg.Cooldowns.SecurityChallenge != DefaultCooldownSecurityChallenge {
		t.Fatalf("expected default security challenge cooldown, got %s", cfg.Cooldowns.SecurityChallenge)
	}
	if cfg.BreakerThreshold != 7 {
		t.Fatalf("unexpected breaker threshold %d", cfg.BreakerThreshold)
	}
	if cfg.DriverURL != "http://driver.local" {
		t.Fatalf("unexpected driver url %q", cfg.DriverURL)
	}
	if len(cfg.WebhookURLs) != 1 || len(cfg.AlertWebhookURLs) != 2 || cfg.DiscordAlertChannelID != "123" {
		t.Fatalf("unexpected alerts config %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestFromYAMLAndEnv_InvalidDuration(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	setWorkingDir(t, t.TempDir())
	clearEnv(t)

	t.Setenv(EnvConfigFile, writeConfigFile(t, `
scheduler:
  poll_interval: "soon"
`))
	_, err := FromYAMLAndEnv()
	if err == nil || !strings.Contains(err.Error(), "scheduler.poll_interval") {
		t.Fatalf("expected poll interval error, got %v", err)
	}
}

func TestFromYAMLAndEnv_NonPositiveInt(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	setWorkingDir(t, t.TempDir())
	clearEnv(t)

	t.Setenv(EnvConfigFile, writeConfigFile(t, `
sessions:
  max_per_tenant: 0
`))
	_, err := FromYAMLAndEnv()
	if err == nil || !strings.Contains(err.Error(), "sessions.max_per_tenant") {
		t.Fatalf("expected max_per_tenant error, got %v", err)
	}
}

func TestFromYAMLAndEnv_ReadsLocalConfigFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	workDir := t.TempDir()
	setWorkingDir(t, workDir)
	clearEnv(t)

	if err := writeConfigFileAt(filepath.Join(workDir, ".applyq", "config.yaml"), `
server:
  http_addr: ":9191"
`); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := FromYAMLAndEnv()
	if err != nil {
		t.Fatalf("FromYAMLAndEnv failed: %v", err)
	}
	if cfg.HTTPAddr != ":9191" {
		t.Fatalf("expected local config addr, got %q", cfg.HTTPAddr)
	}
}

func TestFromYAMLAndEnv_MissingExplicitFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	setWorkingDir(t, t.TempDir())
	clearEnv(t)
	t.Setenv(EnvConfigFile, filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := FromYAMLAndEnv(); err == nil {
		t.Fatalf("expected missing explicit config file error")
	}
}

func TestConfigValidate(t *testing.T) {
	base := Defaults()
	base.DBDSN = "applyq.db"

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "empty addr", mutate: func(c *Config) { c.HTTPAddr = " " }, wantErr: EnvHTTPAddr},
		{name: "bad driver", mutate: func(c *Config) { c.DBDriver = "mysql" }, wantErr: EnvDBDriver},
		{name: "empty dsn", mutate: func(c *Config) { c.DBDSN = "" }, wantErr: EnvDBDSN},
		{name: "zero poll", mutate: func(c *Config) { c.PollInterval = 0 }, wantErr: EnvPollInterval},
		{name: "zero cooldown", mutate: func(c *Config) { c.Cooldowns.SecurityChallenge = 0 }, wantErr: EnvCooldownSecurityChallenge},
		{name: "zero cap", mutate: func(c *Config) { c.MaxSessionsPerTenant = 0 }, wantErr: EnvMaxSessionsPerTenant},
		{name: "discord half configured", mutate: func(c *Config) { c.DiscordBotToken = "x" }, wantErr: EnvDiscordAlertChannelID},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error got=%v want containing %q", err, tc.wantErr)
			}
		})
	}
}

func setWorkingDir(t *testing.T, dir string) {
	t.Helper()

	original, err := os.Getwd()
	if err != nil {
		t.Fatalf("get cwd: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(original) })

	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := writeConfigFileAt(path, content); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func writeConfigFileAt(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600)
}

func clearEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		EnvConfigFile, EnvHTTPAddr, EnvDBDriver, EnvDBDSN, EnvAPIURL, EnvAdmissionRejectAtCapacity,
		EnvPollInterval, EnvMaxConcurrentTasks, EnvDefaultMaxAttempts, EnvBackoffCap,
		EnvErrorHistoryLimit, EnvTaskTimeout, EnvMaxSessionsPerTenant, EnvSessionMaxAge,
		EnvSessionIdleTimeout, EnvSessionUsesBudget, EnvSessionDisposeOnSuccess, EnvReapInterval,
		EnvCooldownRateLimited, EnvCooldownSessionExpired, EnvCooldownPlatformCheckpoint,
		EnvCooldownSecurityChallenge, EnvRateLimitEscalationThreshold, EnvBreakerThreshold,
		EnvDriverURL, EnvDriverToken, EnvDriverTimeout, EnvWebhookURLs, EnvAlertWebhookURLs, EnvDiscordBotToken,
		EnvDiscordAlertChannelID,
	} {
		t.Setenv(key, "")
	}
}
