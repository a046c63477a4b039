// Package config loads the single orchd configuration file.
// Missing keys fall back to defaults; a missing file is fine, an unreadable
// or malformed one is the only fatal condition at boot.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all orchd configuration.
type Config struct {
	// ProjectsRoot is the directory whose children are the managed projects.
	ProjectsRoot string `yaml:"projectsRoot"`

	// StatePath is the JSON state document (default <root>/.orchd/state.json).
	StatePath string `yaml:"statePath"`

	// DBPath is the embedded SQLite database (default <root>/.orchd/orchestrator.db).
	DBPath string `yaml:"dbPath"`

	// PrioritiesPath is the operator-maintained focus/skip/block file.
	PrioritiesPath string `yaml:"prioritiesPath"`

	AI            AIConfig            `yaml:"ai"`
	Notifications NotificationsConfig `yaml:"notifications"`
	QuietHours    QuietHoursConfig    `yaml:"quietHours"`
	Revenue       RevenueConfig       `yaml:"revenue"`
	Trust         TrustConfig         `yaml:"trust"`
	MorningDigest DigestConfig        `yaml:"morningDigest"`
	EveningDigest DigestConfig        `yaml:"eveningDigest"`
	WeeklyRevenue DigestConfig        `yaml:"weeklyRevenue"`
	Reminders     RemindersConfig     `yaml:"reminders"`
	Learning      LearningConfig      `yaml:"learning"`
	SMS           SMSConfig           `yaml:"sms"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// AIConfig configures the think loop and execution gates.
type AIConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Model           string   `yaml:"model"`
	Command         string   `yaml:"command"` // LLM CLI binary, invoked in print mode
	ThinkIntervalMs int      `yaml:"thinkIntervalMs"`
	MaxPromptLength int      `yaml:"maxPromptLength"`
	AutonomyLevel   string   `yaml:"autonomyLevel"` // boot default; persisted runtime level wins

	ProtectedProjects []string `yaml:"protectedProjects"`

	Cooldowns      CooldownConfig      `yaml:"cooldowns"`
	ResourceLimits ResourceLimitConfig `yaml:"resourceLimits"`

	MaxErrorRetries       int `yaml:"maxErrorRetries"`
	MaxSessionDurationMs  int `yaml:"maxSessionDurationMs"`
	MaxConcurrentSessions int `yaml:"maxConcurrentSessions"`
	StalenessDays         int `yaml:"stalenessDays"`

	ThinkTimeoutMs  int `yaml:"thinkTimeoutMs"`
	EvalTimeoutMs   int `yaml:"evalTimeoutMs"`
	DigestTimeoutMs int `yaml:"digestTimeoutMs"`
}

// CooldownConfig holds the minimum inter-action gaps.
type CooldownConfig struct {
	SameProjectMs int `yaml:"sameProjectMs"`
	SameActionMs  int `yaml:"sameActionMs"`
}

// ResourceLimitConfig holds thresholds below which work is skipped.
type ResourceLimitConfig struct {
	MinFreeMemoryMB int `yaml:"minFreeMemoryMB"`
}

// NotificationsConfig configures the tiered notifier.
type NotificationsConfig struct {
	DailyBudget     int `yaml:"dailyBudget"`
	BatchIntervalMs int `yaml:"batchIntervalMs"`
	DedupTTLMs      int `yaml:"dedupTtlMs"`
}

// QuietHoursConfig suppresses tier 2/3 sends inside a local-time window.
type QuietHoursConfig struct {
	Start    string `yaml:"start"` // "22:30"
	End      string `yaml:"end"`   // "07:00"
	Timezone string `yaml:"timezone"`
}

// RevenueConfig configures snapshot collection.
type RevenueConfig struct {
	Enabled                 bool   `yaml:"enabled"`
	CollectionIntervalScans int    `yaml:"collectionIntervalScans"`
	RetentionDays           int    `yaml:"retentionDays"`
	MiningPoolURL           string `yaml:"miningPoolUrl"`
	PriceOracleURL          string `yaml:"priceOracleUrl"`
	InferenceURL            string `yaml:"inferenceUrl"`
}

// TrustThreshold is one promotion gate.
type TrustThreshold struct {
	MinSessions int     `yaml:"minSessions"`
	MinAvgScore float64 `yaml:"minAvgScore"`
	MinDays     int     `yaml:"minDays"`
}

// TrustConfig configures trust accrual and promotion checks.
type TrustConfig struct {
	Enabled            bool           `yaml:"enabled"`
	CautiousToModerate TrustThreshold `yaml:"cautious_to_moderate"`
	ModerateToFull     TrustThreshold `yaml:"moderate_to_full"`
	PromotionCheckCron string         `yaml:"promotionCheckCron"`
}

// DigestConfig is a toggle plus a cron expression.
type DigestConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
}

// RemindersConfig toggles the reminder subsystem.
type RemindersConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Timezone string `yaml:"timezone"`
}

// LearningConfig gates the session learner.
type LearningConfig struct {
	MinEvaluations   int `yaml:"minEvaluations"`
	AnalysisInterval int `yaml:"analysisInterval"` // cache invalidation, in new rows
}

// SMSConfig configures the operator transport.
type SMSConfig struct {
	// SendCommand is the argv used to send one message; the text is appended
	// as the final argument.
	SendCommand []string `yaml:"sendCommand"`
	// InboxPath is the host message database read for inbound commands.
	InboxPath string `yaml:"inboxPath"`
	// MaxLength is the transport's single-message ceiling.
	MaxLength int `yaml:"maxLength"`
}

// LoggingConfig configures the zap root logger.
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	root := filepath.Join(home, "projects")

	return &Config{
		ProjectsRoot:   root,
		StatePath:      filepath.Join(root, ".orchd", "state.json"),
		DBPath:         filepath.Join(root, ".orchd", "orchestrator.db"),
		PrioritiesPath: filepath.Join(root, ".orchd", "priorities.yaml"),

		AI: AIConfig{
			Enabled:         true,
			Model:           "sonnet",
			Command:         "claude",
			ThinkIntervalMs: 300000,
			MaxPromptLength: 8000,
			AutonomyLevel:   "observe",
			Cooldowns: CooldownConfig{
				SameProjectMs: 10 * 60 * 1000,
				SameActionMs:  5 * 60 * 1000,
			},
			ResourceLimits: ResourceLimitConfig{
				MinFreeMemoryMB: 512,
			},
			MaxErrorRetries:       3,
			MaxSessionDurationMs:  45 * 60 * 1000,
			MaxConcurrentSessions: 3,
			StalenessDays:         7,
			ThinkTimeoutMs:        60000,
			EvalTimeoutMs:         30000,
			DigestTimeoutMs:       60000,
		},

		Notifications: NotificationsConfig{
			DailyBudget:     20,
			BatchIntervalMs: 30 * 60 * 1000,
			DedupTTLMs:      60 * 60 * 1000,
		},

		QuietHours: QuietHoursConfig{
			Start:    "22:30",
			End:      "07:00",
			Timezone: "Local",
		},

		Revenue: RevenueConfig{
			Enabled:                 true,
			CollectionIntervalScans: 5,
			RetentionDays:           90,
		},

		Trust: TrustConfig{
			Enabled: true,
			CautiousToModerate: TrustThreshold{
				MinSessions: 30,
				MinAvgScore: 3.5,
				MinDays:     7,
			},
			ModerateToFull: TrustThreshold{
				MinSessions: 50,
				MinAvgScore: 4.0,
				MinDays:     14,
			},
			PromotionCheckCron: "0 10 * * *",
		},

		MorningDigest: DigestConfig{Enabled: true, Cron: "0 7 * * *"},
		EveningDigest: DigestConfig{Enabled: true, Cron: "45 21 * * *"},
		WeeklyRevenue: DigestConfig{Enabled: true, Cron: "0 7 * * 0"},

		Reminders: RemindersConfig{Enabled: true, Timezone: "Local"},

		Learning: LearningConfig{
			MinEvaluations:   50,
			AnalysisInterval: 10,
		},

		SMS: SMSConfig{
			MaxLength: 1500,
		},
	}
}

// Load loads configuration from a YAML file over defaults.
// A missing file returns defaults; a malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if root := os.Getenv("ORCHD_PROJECTS_ROOT"); root != "" {
		c.ProjectsRoot = root
	}
	if db := os.Getenv("ORCHD_DB"); db != "" {
		c.DBPath = db
	}
	if model := os.Getenv("ORCHD_MODEL"); model != "" {
		c.AI.Model = model
	}
}

// ThinkInterval returns the default gap between think cycles.
func (c *Config) ThinkInterval() time.Duration {
	return msOr(c.AI.ThinkIntervalMs, 5*time.Minute)
}

// MaxSessionDuration returns the session timeout ceiling.
func (c *Config) MaxSessionDuration() time.Duration {
	return msOr(c.AI.MaxSessionDurationMs, 45*time.Minute)
}

// SameProjectCooldown returns the per-project cooldown window.
func (c *Config) SameProjectCooldown() time.Duration {
	return msOr(c.AI.Cooldowns.SameProjectMs, 10*time.Minute)
}

// SameActionCooldown returns the per-(project,action) cooldown window.
func (c *Config) SameActionCooldown() time.Duration {
	return msOr(c.AI.Cooldowns.SameActionMs, 5*time.Minute)
}

// BatchInterval returns the tier-3 flush cadence.
func (c *Config) BatchInterval() time.Duration {
	return msOr(c.Notifications.BatchIntervalMs, 30*time.Minute)
}

// DedupTTL returns the notification dedup window.
func (c *Config) DedupTTL() time.Duration {
	return msOr(c.Notifications.DedupTTLMs, time.Hour)
}

// ThinkTimeout returns the LLM timeout for a think cycle.
func (c *Config) ThinkTimeout() time.Duration {
	return msOr(c.AI.ThinkTimeoutMs, time.Minute)
}

// EvalTimeout returns the LLM timeout for a session evaluation.
func (c *Config) EvalTimeout() time.Duration {
	return msOr(c.AI.EvalTimeoutMs, 30*time.Second)
}

// DigestTimeout returns the LLM timeout for digest assembly.
func (c *Config) DigestTimeout() time.Duration {
	return msOr(c.AI.DigestTimeoutMs, time.Minute)
}

// QuietLocation resolves the quiet-hours timezone.
func (c *Config) QuietLocation() *time.Location {
	return locationOr(c.QuietHours.Timezone)
}

// ReminderLocation resolves the reminder timezone.
func (c *Config) ReminderLocation() *time.Location {
	return locationOr(c.Reminders.Timezone)
}

func locationOr(name string) *time.Location {
	if name == "" || name == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.Local
	}
	return loc
}

func msOr(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
