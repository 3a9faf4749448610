package models

// WorkerProfile holds a named worker definition from the global config: the
// binary to launch plus default arguments and model selector.
type WorkerProfile struct {
	Name        string   `yaml:"name" mapstructure:"name"`
	Command     string   `yaml:"command" mapstructure:"command"`
	DefaultArgs []string `yaml:"default_args,omitempty" mapstructure:"default_args"`
	Model       string   `yaml:"model,omitempty" mapstructure:"model"`
}

// EnvPolicy selects which environment variables a spawned worker inherits.
type EnvPolicy string

const (
	// EnvInheritNone passes only explicitly provided variables. Default.
	EnvInheritNone EnvPolicy = "none"
	// EnvInheritAll passes the orchestrator's full environment through.
	EnvInheritAll EnvPolicy = "all"
	// EnvAllowlist passes only the variables named in EnvAllowlistNames.
	EnvAllowlist EnvPolicy = "allowlist"
)

// TimeoutConfig holds the watchdog windows, in seconds, as configured.
type TimeoutConfig struct {
	IdleSecs      int `yaml:"idle_secs" mapstructure:"idle_secs"`
	HardSecs      int `yaml:"hard_secs" mapstructure:"hard_secs"`
	WarningSecs   int `yaml:"warning_secs" mapstructure:"warning_secs"`
	HeartbeatSecs int `yaml:"heartbeat_secs" mapstructure:"heartbeat_secs"`
}

// NotificationConfig holds settings for pre-timeout warning delivery.
type NotificationConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	SlackWebhookURL string `yaml:"slack_webhook_url,omitempty" mapstructure:"slack_webhook_url"`
}

// MaintenanceConfig holds the background reclamation and pruning schedules.
type MaintenanceConfig struct {
	// ReclaimSpec is a cron spec for stuck-task reclamation, e.g. "@every 10m".
	ReclaimSpec string `yaml:"reclaim_spec" mapstructure:"reclaim_spec"`
	// ReclaimAfterSecs is the age past which a non-terminal task counts as stuck.
	ReclaimAfterSecs int `yaml:"reclaim_after_secs" mapstructure:"reclaim_after_secs"`
	// PruneSpec is a cron spec for deleting old terminal tasks.
	PruneSpec string `yaml:"prune_spec" mapstructure:"prune_spec"`
	// PruneAfterDays is the age past which terminal tasks are deleted.
	PruneAfterDays int `yaml:"prune_after_days" mapstructure:"prune_after_days"`
}

// GlobalConfig holds system-wide settings read from .atdconfig via Viper.
type GlobalConfig struct {
	DefaultWorker    string             `yaml:"default_worker" mapstructure:"default_worker"`
	Workers          []WorkerProfile    `yaml:"workers,omitempty" mapstructure:"workers"`
	Concurrency      int                `yaml:"concurrency" mapstructure:"concurrency"`
	DatabasePath     string             `yaml:"database_path,omitempty" mapstructure:"database_path"`
	EnvPolicy        EnvPolicy          `yaml:"env_policy" mapstructure:"env_policy"`
	EnvAllowlist     []string           `yaml:"env_allowlist,omitempty" mapstructure:"env_allowlist"`
	Timeouts         TimeoutConfig      `yaml:"timeouts" mapstructure:"timeouts"`
	Notifications    NotificationConfig `yaml:"notifications" mapstructure:"notifications"`
	Maintenance      MaintenanceConfig  `yaml:"maintenance" mapstructure:"maintenance"`
}
