// Package core contains the business logic for the task delegate: the
// progress tracker, the timeout watchdog, error classification, and the
// orchestrator that ties them to the registry and the worker executor.
package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/valter-silva-au/ai-task-delegate/pkg/models"
)

// ConfigurationManager loads and validates the global .atdconfig file.
type ConfigurationManager interface {
	LoadGlobalConfig() (*models.GlobalConfig, error)
	ValidateConfig(cfg *models.GlobalConfig) error
	ResolveWorker(cfg *models.GlobalConfig, name string) (*models.WorkerProfile, error)
}

// viperConfigManager implements ConfigurationManager using Viper for
// reading the YAML configuration file.
type viperConfigManager struct {
	// basePath is the directory where .atdconfig resides.
	basePath string
}

// NewConfigurationManager creates a ConfigurationManager reading
// configuration relative to basePath.
func NewConfigurationManager(basePath string) ConfigurationManager {
	return &viperConfigManager{basePath: basePath}
}

// ResolveBasePath returns the delegate's home directory: $ATD_HOME when set,
// otherwise ~/.atd.
func ResolveBasePath() (string, error) {
	if custom := os.Getenv("ATD_HOME"); custom != "" {
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".atd"), nil
}

// defaultGlobalConfig returns a GlobalConfig populated with sensible defaults.
func defaultGlobalConfig(basePath string) *models.GlobalConfig {
	return &models.GlobalConfig{
		DefaultWorker: "codex",
		Workers: []models.WorkerProfile{
			{Name: "codex", Command: "codex", DefaultArgs: []string{"exec", "--json"}},
		},
		Concurrency:  2,
		DatabasePath: filepath.Join(basePath, "tasks.db"),
		EnvPolicy:    models.EnvInheritNone,
		Timeouts: models.TimeoutConfig{
			IdleSecs:      300,
			HardSecs:      1200,
			WarningSecs:   30,
			HeartbeatSecs: 30,
		},
		Maintenance: models.MaintenanceConfig{
			ReclaimSpec:      "@every 10m",
			ReclaimAfterSecs: 3600,
			PruneSpec:        "@daily",
			PruneAfterDays:   30,
		},
	}
}

// LoadGlobalConfig reads the .atdconfig file from the base path using Viper.
// If the file does not exist, defaults are returned.
func (cm *viperConfigManager) LoadGlobalConfig() (*models.GlobalConfig, error) {
	cfg := defaultGlobalConfig(cm.basePath)

	v := viper.New()
	v.SetConfigName(".atdconfig")
	v.SetConfigType("yaml")
	v.AddConfigPath(cm.basePath)

	// Set Viper defaults so missing keys fall back gracefully.
	v.SetDefault("default_worker", cfg.DefaultWorker)
	v.SetDefault("concurrency", cfg.Concurrency)
	v.SetDefault("database_path", cfg.DatabasePath)
	v.SetDefault("env_policy", string(cfg.EnvPolicy))
	v.SetDefault("timeouts.idle_secs", cfg.Timeouts.IdleSecs)
	v.SetDefault("timeouts.hard_secs", cfg.Timeouts.HardSecs)
	v.SetDefault("timeouts.warning_secs", cfg.Timeouts.WarningSecs)
	v.SetDefault("timeouts.heartbeat_secs", cfg.Timeouts.HeartbeatSecs)
	v.SetDefault("maintenance.reclaim_spec", cfg.Maintenance.ReclaimSpec)
	v.SetDefault("maintenance.reclaim_after_secs", cfg.Maintenance.ReclaimAfterSecs)
	v.SetDefault("maintenance.prune_spec", cfg.Maintenance.PruneSpec)
	v.SetDefault("maintenance.prune_after_days", cfg.Maintenance.PruneAfterDays)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading .atdconfig: %w", err)
	}

	cfg.DefaultWorker = v.GetString("default_worker")
	cfg.Concurrency = v.GetInt("concurrency")
	cfg.DatabasePath = v.GetString("database_path")
	cfg.EnvPolicy = models.EnvPolicy(v.GetString("env_policy"))
	cfg.EnvAllowlist = v.GetStringSlice("env_allowlist")
	cfg.Timeouts.IdleSecs = v.GetInt("timeouts.idle_secs")
	cfg.Timeouts.HardSecs = v.GetInt("timeouts.hard_secs")
	cfg.Timeouts.WarningSecs = v.GetInt("timeouts.warning_secs")
	cfg.Timeouts.HeartbeatSecs = v.GetInt("timeouts.heartbeat_secs")
	cfg.Notifications.Enabled = v.GetBool("notifications.enabled")
	cfg.Notifications.SlackWebhookURL = v.GetString("notifications.slack_webhook_url")
	cfg.Maintenance.ReclaimSpec = v.GetString("maintenance.reclaim_spec")
	cfg.Maintenance.ReclaimAfterSecs = v.GetInt("maintenance.reclaim_after_secs")
	cfg.Maintenance.PruneSpec = v.GetString("maintenance.prune_spec")
	cfg.Maintenance.PruneAfterDays = v.GetInt("maintenance.prune_after_days")

	if workers := parseWorkers(v.Get("workers")); len(workers) > 0 {
		cfg.Workers = workers
	}

	return cfg, nil
}

// parseWorkers maps the workers YAML list onto WorkerProfile values.
func parseWorkers(raw interface{}) []models.WorkerProfile {
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	var workers []models.WorkerProfile
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		var w models.WorkerProfile
		if name, ok := m["name"].(string); ok {
			w.Name = name
		}
		if cmd, ok := m["command"].(string); ok {
			w.Command = cmd
		}
		if model, ok := m["model"].(string); ok {
			w.Model = model
		}
		if args, ok := m["default_args"].([]interface{}); ok {
			for _, a := range args {
				if s, ok := a.(string); ok {
					w.DefaultArgs = append(w.DefaultArgs, s)
				}
			}
		}
		workers = append(workers, w)
	}
	return workers
}

// ValidateConfig checks the configuration for invalid values and returns a
// clear error message identifying every problem found.
func (cm *viperConfigManager) ValidateConfig(cfg *models.GlobalConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	var errs []string

	if cfg.Concurrency < 1 {
		errs = append(errs, fmt.Sprintf("concurrency must be at least 1, got %d", cfg.Concurrency))
	}
	switch cfg.EnvPolicy {
	case models.EnvInheritNone, models.EnvInheritAll, models.EnvAllowlist:
	default:
		errs = append(errs, fmt.Sprintf("env_policy %q is invalid, must be one of: none, all, allowlist", cfg.EnvPolicy))
	}
	if cfg.EnvPolicy == models.EnvAllowlist && len(cfg.EnvAllowlist) == 0 {
		errs = append(errs, "env_policy allowlist requires a non-empty env_allowlist")
	}
	if cfg.Timeouts.IdleSecs <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.idle_secs must be positive, got %d", cfg.Timeouts.IdleSecs))
	}
	if cfg.Timeouts.HardSecs <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.hard_secs must be positive, got %d", cfg.Timeouts.HardSecs))
	}
	if cfg.Timeouts.HardSecs > 0 && cfg.Timeouts.IdleSecs > cfg.Timeouts.HardSecs {
		errs = append(errs, "timeouts.idle_secs must not exceed timeouts.hard_secs")
	}
	for i, w := range cfg.Workers {
		if strings.TrimSpace(w.Name) == "" {
			errs = append(errs, fmt.Sprintf("workers[%d].name must not be empty", i))
		}
		if strings.TrimSpace(w.Command) == "" {
			errs = append(errs, fmt.Sprintf("workers[%d].command must not be empty", i))
		}
	}
	if cfg.DefaultWorker != "" {
		if _, err := cm.ResolveWorker(cfg, cfg.DefaultWorker); err != nil {
			errs = append(errs, fmt.Sprintf("default_worker %q does not match any workers entry", cfg.DefaultWorker))
		}
	}
	if cfg.Maintenance.ReclaimAfterSecs < 0 {
		errs = append(errs, fmt.Sprintf("maintenance.reclaim_after_secs must be non-negative, got %d", cfg.Maintenance.ReclaimAfterSecs))
	}
	if cfg.Maintenance.PruneAfterDays < 0 {
		errs = append(errs, fmt.Sprintf("maintenance.prune_after_days must be non-negative, got %d", cfg.Maintenance.PruneAfterDays))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ResolveWorker finds the named worker profile, falling back to the default
// worker when name is empty.
func (cm *viperConfigManager) ResolveWorker(cfg *models.GlobalConfig, name string) (*models.WorkerProfile, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is nil")
	}
	if name == "" {
		name = cfg.DefaultWorker
	}
	if name == "" {
		return nil, fmt.Errorf("no worker requested and no default_worker configured")
	}
	for i := range cfg.Workers {
		if cfg.Workers[i].Name == name {
			return &cfg.Workers[i], nil
		}
	}
	return nil, fmt.Errorf("unknown worker %q", name)
}
