package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	EnvHTTPAddr                     = "APPLYQ_HTTP_ADDR"
	EnvDBDriver                     = "APPLYQ_DB_DRIVER"
	EnvDBDSN                        = "APPLYQ_DB_DSN"
	EnvAPIURL                       = "APPLYQ_API_URL"
	EnvAdmissionRejectAtCapacity    = "APPLYQ_ADMISSION_REJECT_AT_CAPACITY"
	EnvPollInterval                 = "APPLYQ_POLL_INTERVAL"
	EnvMaxConcurrentTasks           = "APPLYQ_MAX_CONCURRENT_TASKS"
	EnvDefaultMaxAttempts           = "APPLYQ_DEFAULT_MAX_ATTEMPTS"
	EnvBackoffCap                   = "APPLYQ_BACKOFF_CAP"
	EnvErrorHistoryLimit            = "APPLYQ_ERROR_HISTORY_LIMIT"
	EnvTaskTimeout                  = "APPLYQ_TASK_TIMEOUT"
	EnvMaxSessionsPerTenant         = "APPLYQ_MAX_SESSIONS_PER_TENANT"
	EnvSessionMaxAge                = "APPLYQ_SESSION_MAX_AGE"
	EnvSessionIdleTimeout           = "APPLYQ_SESSION_IDLE_TIMEOUT"
	EnvSessionUsesBudget            = "APPLYQ_SESSION_USES_BUDGET"
	EnvSessionDisposeOnSuccess      = "APPLYQ_SESSION_DISPOSE_ON_SUCCESS"
	EnvReapInterval                 = "APPLYQ_REAP_INTERVAL"
	EnvCooldownRateLimited          = "APPLYQ_COOLDOWN_RATE_LIMITED"
	EnvCooldownSessionExpired       = "APPLYQ_COOLDOWN_SESSION_EXPIRED"
	EnvCooldownPlatformCheckpoint   = "APPLYQ_COOLDOWN_PLATFORM_CHECKPOINT"
	EnvCooldownSecurityChallenge    = "APPLYQ_COOLDOWN_SECURITY_CHALLENGE"
	EnvRateLimitEscalationThreshold = "APPLYQ_RATE_LIMIT_ESCALATION_THRESHOLD"
	EnvBreakerThreshold             = "APPLYQ_BREAKER_THRESHOLD"
	EnvDriverURL                    = "APPLYQ_DRIVER_URL"
	EnvDriverToken                  = "APPLYQ_DRIVER_TOKEN"
	EnvDriverTimeout                = "APPLYQ_DRIVER_TIMEOUT"
	EnvWebhookURLs                  = "APPLYQ_WEBHOOK_URLS"
	EnvAlertWebhookURLs             = "APPLYQ_ALERT_WEBHOOK_URLS"
	EnvDiscordBotToken              = "APPLYQ_DISCORD_BOT_TOKEN"
	EnvDiscordAlertChannelID        = "APPLYQ_DISCORD_ALERT_CHANNEL_ID"
)

const (
	DefaultHTTPAddr                     = ":8080"
	DefaultDBDriver                     = "sqlite"
	DefaultDBDSN                        = ".applyq/applyq.db"
	DefaultAPIURL                       = "http://127.0.0.1:8080"
	DefaultAdmissionRejectAtCapacity    = true
	DefaultPollInterval                 = 5 * time.Second
	DefaultMaxConcurrentTasks           = 4
	DefaultMaxAttempts                  = 3
	DefaultBackoffCap                   = 5 * time.Minute
	DefaultErrorHistoryLimit            = 20
	DefaultTaskTimeout                  = 15 * time.Minute
	DefaultMaxSessionsPerTenant         = 3
	DefaultSessionMaxAge                = 48 * time.Hour
	DefaultSessionIdleTimeout           = 5 * time.Minute
	DefaultSessionUsesBudget            = 5
	DefaultSessionDisposeOnSuccess      = false
	DefaultReapInterval                 = 30 * time.Second
	DefaultCooldownRateLimited          = 30 * time.Minute
	DefaultCooldownSessionExpired       = 30 * time.Minute
	DefaultCooldownPlatformCheckpoint   = 60 * time.Minute
	DefaultCooldownSecurityChallenge    = 120 * time.Minute
	DefaultRateLimitEscalationThreshold = 3
	DefaultBreakerThreshold             = 5
	DefaultDriverTimeout                = 2 * time.Minute
)

type CooldownConfig struct {
	RateLimited        time.Duration
	SessionExpired     time.Duration
	PlatformCheckpoint time.Duration
	SecurityChallenge  time.Duration
}

type Config struct {
	HTTPAddr                  string
	DBDriver                  string
	DBDSN                     string
	APIURL                    string
	AdmissionRejectAtCapacity bool

	PollInterval       time.Duration
	MaxConcurrentTasks int
	DefaultMaxAttempts int
	BackoffCap         time.Duration
	ErrorHistoryLimit  int
	TaskTimeout        time.Duration

	MaxSessionsPerTenant    int
	SessionMaxAge           time.Duration
	SessionIdleTimeout      time.Duration
	SessionUsesBudget       int
	SessionDisposeOnSuccess bool
	ReapInterval            time.Duration

	Cooldowns                    CooldownConfig
	RateLimitEscalationThreshold int
	BreakerThreshold             int

	DriverURL     string
	DriverToken   string
	DriverTimeout time.Duration

	WebhookURLs           []string
	AlertWebhookURLs      []string
	DiscordBotToken       string
	DiscordAlertChannelID string
}

// FromEnv returns defaults overridden by APPLYQ_* variables only.
func FromEnv() Config {
	cfg := Defaults()
	applyEnv(&cfg)
	return cfg
}

// FromYAMLAndEnv layers defaults, the config file and the environment, in that order.
func FromYAMLAndEnv() (Config, error) {
	cfg := Defaults()

	fileCfg, err := loadFileConfig()
	if err != nil {
		return Config{}, err
	}
	if err := applyYAML(&cfg, fileCfg); err != nil {
		return Config{}, err
	}
	applyEnv(&cfg)

	return cfg, nil
}

func Defaults() Config {
	return Config{
		HTTPAddr:                  DefaultHTTPAddr,
		DBDriver:                  DefaultDBDriver,
		DBDSN:                     ResolvePath(DefaultDBDSN),
		APIURL:                    DefaultAPIURL,
		AdmissionRejectAtCapacity: DefaultAdmissionRejectAtCapacity,
		PollInterval:              DefaultPollInterval,
		MaxConcurrentTasks:        DefaultMaxConcurrentTasks,
		DefaultMaxAttempts:        DefaultMaxAttempts,
		BackoffCap:                DefaultBackoffCap,
		ErrorHistoryLimit:         DefaultErrorHistoryLimit,
		TaskTimeout:               DefaultTaskTimeout,
		MaxSessionsPerTenant:      DefaultMaxSessionsPerTenant,
		SessionMaxAge:             DefaultSessionMaxAge,
		SessionIdleTimeout:        DefaultSessionIdleTimeout,
		SessionUsesBudget:         DefaultSessionUsesBudget,
		SessionDisposeOnSuccess:   DefaultSessionDisposeOnSuccess,
		ReapInterval:              DefaultReapInterval,
		Cooldowns: CooldownConfig{
			RateLimited:        DefaultCooldownRateLimited,
			SessionExpired:     DefaultCooldownSessionExpired,
			PlatformCheckpoint: DefaultCooldownPlatformCheckpoint,
			SecurityChallenge:  DefaultCooldownSecurityChallenge,
		},
		RateLimitEscalationThreshold: DefaultRateLimitEscalationThreshold,
		BreakerThreshold:             DefaultBreakerThreshold,
		DriverTimeout:                DefaultDriverTimeout,
	}
}

func applyYAML(cfg *Config, source fileConfig) error {
	if value := strings.TrimSpace(source.Server.HTTPAddr); value != "" {
		cfg.HTTPAddr = value
	}
	if value := strings.TrimSpace(source.Server.DBDriver); value != "" {
		cfg.DBDriver = strings.ToLower(value)
	}
	if value := strings.TrimSpace(source.Server.DBDSN); value != "" {
		cfg.DBDSN = value
	}
	if value := strings.TrimSpace(source.Server.APIURL); value != "" {
		cfg.APIURL = value
	}
	if source.Server.AdmissionRejectAtCapacity != nil {
		cfg.AdmissionRejectAtCapacity = *source.Server.AdmissionRejectAtCapacity
	}

	var err error
	if cfg.PollInterval, err = parseOptionalDuration(source.Scheduler.PollInterval, cfg.PollInterval, "scheduler.poll_interval"); err != nil {
		return err
	}
	if cfg.MaxConcurrentTasks, err = parseOptionalInt(source.Scheduler.MaxConcurrentTasks, cfg.MaxConcurrentTasks, "scheduler.max_concurrent_tasks"); err != nil {
		return err
	}
	if cfg.DefaultMaxAttempts, err = parseOptionalInt(source.Scheduler.DefaultMaxAttempts, cfg.DefaultMaxAttempts, "scheduler.default_max_attempts"); err != nil {
		return err
	}
	if cfg.BackoffCap, err = parseOptionalDuration(source.Scheduler.BackoffCap, cfg.BackoffCap, "scheduler.backoff_cap"); err != nil {
		return err
	}
	if cfg.ErrorHistoryLimit, err = parseOptionalInt(source.Scheduler.ErrorHistoryLimit, cfg.ErrorHistoryLimit, "scheduler.error_history_limit"); err != nil {
		return err
	}
	if cfg.TaskTimeout, err = parseOptionalDuration(source.Scheduler.TaskTimeout, cfg.TaskTimeout, "scheduler.task_timeout"); err != nil {
		return err
	}

	if cfg.MaxSessionsPerTenant, err = parseOptionalInt(source.Sessions.MaxPerTenant, cfg.MaxSessionsPerTenant, "sessions.max_per_tenant"); err != nil {
		return err
	}
	if cfg.SessionMaxAge, err = parseOptionalDuration(source.Sessions.MaxAge, cfg.SessionMaxAge, "sessions.max_age"); err != nil {
		return err
	}
	if cfg.SessionIdleTimeout, err = parseOptionalDuration(source.Sessions.IdleTimeout, cfg.SessionIdleTimeout, "sessions.idle_timeout"); err != nil {
		return err
	}
	if cfg.SessionUsesBudget, err = parseOptionalInt(source.Sessions.UsesBudget, cfg.SessionUsesBudget, "sessions.uses_budget"); err != nil {
		return err
	}
	if source.Sessions.DisposeOnSuccess != nil {
		cfg.SessionDisposeOnSuccess = *source.Sessions.DisposeOnSuccess
	}
	if cfg.ReapInterval, err = parseOptionalDuration(source.Sessions.ReapInterval, cfg.ReapInterval, "sessions.reap_interval"); err != nil {
		return err
	}

	cooldowns := source.Health.Cooldowns
	if cfg.Cooldowns.RateLimited, err = parseOptionalDuration(cooldowns.RateLimited, cfg.Cooldowns.RateLimited, "health.cooldowns.rate_limited"); err != nil {
		return err
	}
	if cfg.Cooldowns.SessionExpired, err = parseOptionalDuration(cooldowns.SessionExpired, cfg.Cooldowns.SessionExpired, "health.cooldowns.session_expired"); err != nil {
		return err
	}
	if cfg.Cooldowns.PlatformCheckpoint, err = parseOptionalDuration(cooldowns.PlatformCheckpoint, cfg.Cooldowns.PlatformCheckpoint, "health.cooldowns.platform_checkpoint"); err != nil {
		return err
	}
	if cfg.Cooldowns.SecurityChallenge, err = parseOptionalDuration(cooldowns.SecurityChallenge, cfg.Cooldowns.SecurityChallenge, "health.cooldowns.security_challenge"); err != nil {
		return err
	}
	if cfg.RateLimitEscalationThreshold, err = parseOptionalInt(source.Health.RateLimitEscalationThreshold, cfg.RateLimitEscalationThreshold, "health.rate_limit_escalation_threshold"); err != nil {
		return err
	}
	if cfg.BreakerThreshold, err = parseOptionalInt(source.Health.BreakerThreshold, cfg.BreakerThreshold, "health.breaker_threshold"); err != nil {
		return err
	}

	if value := strings.TrimSpace(source.Driver.URL); value != "" {
		cfg.DriverURL = value
	}
	if value := strings.TrimSpace(source.Driver.Token); value != "" {
		cfg.DriverToken = value
	}
	if cfg.DriverTimeout, err = parseOptionalDuration(source.Driver.Timeout, cfg.DriverTimeout, "driver.timeout"); err != nil {
		return err
	}

	if len(source.Alerts.WebhookURLs) > 0 {
		cfg.WebhookURLs = splitList(strings.Join(source.Alerts.WebhookURLs, ","))
	}
	if len(source.Alerts.AlertWebhookURLs) > 0 {
		cfg.AlertWebhookURLs = splitList(strings.Join(source.Alerts.AlertWebhookURLs, ","))
	}
	if value := strings.TrimSpace(source.Alerts.DiscordBotToken); value != "" {
		cfg.DiscordBotToken = value
	}
	if value := strings.TrimSpace(source.Alerts.DiscordAlertChannelID); value != "" {
		cfg.DiscordAlertChannelID = value
	}

	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = EnvOrDefault(EnvHTTPAddr, cfg.HTTPAddr)
	cfg.DBDriver = strings.ToLower(EnvOrDefault(EnvDBDriver, cfg.DBDriver))
	cfg.DBDSN = EnvOrDefault(EnvDBDSN, cfg.DBDSN)
	cfg.APIURL = EnvOrDefault(EnvAPIURL, cfg.APIURL)
	cfg.AdmissionRejectAtCapacity = parseBoolEnv(EnvAdmissionRejectAtCapacity, cfg.AdmissionRejectAtCapacity)

	cfg.PollInterval = parseDurationEnv(EnvPollInterval, cfg.PollInterval)
	cfg.MaxConcurrentTasks = parseIntEnv(EnvMaxConcurrentTasks, cfg.MaxConcurrentTasks)
	cfg.DefaultMaxAttempts = parseIntEnv(EnvDefaultMaxAttempts, cfg.DefaultMaxAttempts)
	cfg.BackoffCap = parseDurationEnv(EnvBackoffCap, cfg.BackoffCap)
	cfg.ErrorHistoryLimit = parseIntEnv(EnvErrorHistoryLimit, cfg.ErrorHistoryLimit)
	cfg.TaskTimeout = parseDurationEnv(EnvTaskTimeout, cfg.TaskTimeout)

	cfg.MaxSessionsPerTenant = parseIntEnv(EnvMaxSessionsPerTenant, cfg.MaxSessionsPerTenant)
	cfg.SessionMaxAge = parseDurationEnv(EnvSessionMaxAge, cfg.SessionMaxAge)
	cfg.SessionIdleTimeout = parseDurationEnv(EnvSessionIdleTimeout, cfg.SessionIdleTimeout)
	cfg.SessionUsesBudget = parseIntEnv(EnvSessionUsesBudget, cfg.SessionUsesBudget)
	cfg.SessionDisposeOnSuccess = parseBoolEnv(EnvSessionDisposeOnSuccess, cfg.SessionDisposeOnSuccess)
	cfg.ReapInterval = parseDurationEnv(EnvReapInterval, cfg.ReapInterval)

	cfg.Cooldowns.RateLimited = parseDurationEnv(EnvCooldownRateLimited, cfg.Cooldowns.RateLimited)
	cfg.Cooldowns.SessionExpired = parseDurationEnv(EnvCooldownSessionExpired, cfg.Cooldowns.SessionExpired)
	cfg.Cooldowns.PlatformCheckpoint = parseDurationEnv(EnvCooldownPlatformCheckpoint, cfg.Cooldowns.PlatformCheckpoint)
	cfg.Cooldowns.SecurityChallenge = parseDurationEnv(EnvCooldownSecurityChallenge, cfg.Cooldowns.SecurityChallenge)
	cfg.RateLimitEscalationThreshold = parseIntEnv(EnvRateLimitEscalationThreshold, cfg.RateLimitEscalationThreshold)
	cfg.BreakerThreshold = parseIntEnv(EnvBreakerThreshold, cfg.BreakerThreshold)

	cfg.DriverURL = EnvOrDefault(EnvDriverURL, cfg.DriverURL)
	cfg.DriverToken = EnvOrDefault(EnvDriverToken, cfg.DriverToken)
	cfg.DriverTimeout = parseDurationEnv(EnvDriverTimeout, cfg.DriverTimeout)

	cfg.WebhookURLs = parseListEnv(EnvWebhookURLs, cfg.WebhookURLs)
	cfg.AlertWebhookURLs = parseListEnv(EnvAlertWebhookURLs, cfg.AlertWebhookURLs)
	cfg.DiscordBotToken = EnvOrDefault(EnvDiscordBotToken, cfg.DiscordBotToken)
	cfg.DiscordAlertChannelID = EnvOrDefault(EnvDiscordAlertChannelID, cfg.DiscordAlertChannelID)
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("%s must not be empty", EnvHTTPAddr)
	}
	switch strings.ToLower(strings.TrimSpace(c.DBDriver)) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%s must be sqlite or postgres", EnvDBDriver)
	}
	if strings.TrimSpace(c.DBDSN) == "" {
		return fmt.Errorf("%s must not be empty", EnvDBDSN)
	}

	positiveDurations := []struct {
		name  string
		value time.Duration
	}{
		{EnvPollInterval, c.PollInterval},
		{EnvBackoffCap, c.BackoffCap},
		{EnvTaskTimeout, c.TaskTimeout},
		{EnvSessionMaxAge, c.SessionMaxAge},
		{EnvSessionIdleTimeout, c.SessionIdleTimeout},
		{EnvReapInterval, c.ReapInterval},
		{EnvCooldownRateLimited, c.Cooldowns.RateLimited},
		{EnvCooldownSessionExpired, c.Cooldowns.SessionExpired},
		{EnvCooldownPlatformCheckpoint, c.Cooldowns.PlatformCheckpoint},
		{EnvCooldownSecurityChallenge, c.Cooldowns.SecurityChallenge},
		{EnvDriverTimeout, c.DriverTimeout},
	}
	for _, d := range positiveDurations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be > 0", d.name)
		}
	}

	positiveInts := []struct {
		name  string
		value int
	}{
		{EnvMaxConcurrentTasks, c.MaxConcurrentTasks},
		{EnvDefaultMaxAttempts, c.DefaultMaxAttempts},
		{EnvErrorHistoryLimit, c.ErrorHistoryLimit},
		{EnvMaxSessionsPerTenant, c.MaxSessionsPerTenant},
		{EnvSessionUsesBudget, c.SessionUsesBudget},
		{EnvRateLimitEscalationThreshold, c.RateLimitEscalationThreshold},
		{EnvBreakerThreshold, c.BreakerThreshold},
	}
	for _, n := range positiveInts {
		if n.value <= 0 {
			return fmt.Errorf("%s must be > 0", n.name)
		}
	}

	if (strings.TrimSpace(c.DiscordBotToken) == "") != (strings.TrimSpace(c.DiscordAlertChannelID) == "") {
		return fmt.Errorf("%s and %s must be provided together", EnvDiscordBotToken, EnvDiscordAlertChannelID)
	}
	return nil
}
