package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigFile           = "APPLYQ_CONFIG_FILE"
	defaultConfigFileName   = "config.yaml"
	alternateConfigFileName = "config.yml"
)

type fileConfig struct {
	Version   int                 `yaml:"version"`
	Server    fileServerConfig    `yaml:"server"`
	Scheduler fileSchedulerConfig `yaml:"scheduler"`
	Sessions  fileSessionsConfig  `yaml:"sessions"`
	Health    fileHealthConfig    `yaml:"health"`
	Driver    fileDriverConfig    `yaml:"driver"`
	Alerts    fileAlertsConfig    `yaml:"alerts"`
}

type fileServerConfig struct {
	HTTPAddr                  string `yaml:"http_addr"`
	DBDriver                  string `yaml:"db_driver"`
	DBDSN                     string `yaml:"db_dsn"`
	APIURL                    string `yaml:"api_url"`
	AdmissionRejectAtCapacity *bool  `yaml:"admission_reject_at_capacity"`
}

type fileSchedulerConfig struct {
	PollInterval       string `yaml:"poll_interval"`
	MaxConcurrentTasks *int   `yaml:"max_concurrent_tasks"`
	DefaultMaxAttempts *int   `yaml:"default_max_attempts"`
	BackoffCap         string `yaml:"backoff_cap"`
	ErrorHistoryLimit  *int   `yaml:"error_history_limit"`
	TaskTimeout        string `yaml:"task_timeout"`
}

type fileSessionsConfig struct {
	MaxPerTenant     *int   `yaml:"max_per_tenant"`
	MaxAge           string `yaml:"max_age"`
	IdleTimeout      string `yaml:"idle_timeout"`
	UsesBudget       *int   `yaml:"uses_budget"`
	DisposeOnSuccess *bool  `yaml:"dispose_on_success"`
	ReapInterval     string `yaml:"reap_interval"`
}

type fileHealthConfig struct {
	Cooldowns                    fileCooldownsConfig `yaml:"cooldowns"`
	RateLimitEscalationThreshold *int                `yaml:"rate_limit_escalation_threshold"`
	BreakerThreshold             *int                `yaml:"breaker_threshold"`
}

type fileCooldownsConfig struct {
	RateLimited        string `yaml:"rate_limited"`
	SessionExpired     string `yaml:"session_expired"`
	PlatformCheckpoint string `yaml:"platform_checkpoint"`
	SecurityChallenge  string `yaml:"security_challenge"`
}

type fileDriverConfig struct {
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Timeout string `yaml:"timeout"`
}

type fileAlertsConfig struct {
	WebhookURLs           []string `yaml:"webhook_urls"`
	AlertWebhookURLs      []string `yaml:"alert_webhook_urls"`
	DiscordBotToken       string   `yaml:"discord_bot_token"`
	DiscordAlertChannelID string   `yaml:"discord_alert_channel_id"`
}

func loadFileConfig() (fileConfig, error) {
	path, ok, err := resolveConfigFilePath()
	if err != nil {
		return fileConfig{}, err
	}
	if !ok {
		return fileConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("decode config file %s: %w", path, err)
	}
	return cfg, nil
}

func resolveConfigFilePath() (string, bool, error) {
	if explicit := EnvString(EnvConfigFile); explicit != "" {
		resolvedPath, err := expandPath(explicit)
		if err != nil {
			return "", false, fmt.Errorf("resolve %s: %w", EnvConfigFile, err)
		}
		info, err := os.Stat(resolvedPath)
		if err != nil {
			return "", false, fmt.Errorf("config file %s: %w", resolvedPath, err)
		}
		if info.IsDir() {
			return "", false, fmt.Errorf("config file %s is a directory", resolvedPath)
		}
		return resolvedPath, true, nil
	}

	candidates := []string{
		filepath.Join(applyqDirName, defaultConfigFileName),
		filepath.Join(applyqDirName, alternateConfigFileName),
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(homeDir, applyqDirName, defaultConfigFileName),
			filepath.Join(homeDir, applyqDirName, alternateConfigFileName),
		)
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", false, fmt.Errorf("config path %s is a directory", candidate)
			}
			return candidate, true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}
	return "", false, nil
}
