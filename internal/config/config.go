package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultListen            = ":8080"
	defaultAlertsPath        = "/alerts"
	defaultHealthPath        = "/healthz"
	defaultReadyPath         = "/readyz"
	defaultMaxBodyBytes      = 1 << 20
	defaultThrottleWindowSec = 300
	defaultRetentionSec      = 24 * 60 * 60
	defaultPartitions        = 4
	defaultQueueBuffer       = 256
	defaultMaxAttempts       = 5
	defaultRetryInitialMS    = 500
	defaultRetryMaxMS        = 30_000
	defaultAckWaitSec        = 30
	defaultNATSURL           = "nats://127.0.0.1:4222"
	defaultMetricsTimeoutSec = 3
	defaultLookback          = "15m"
	defaultNarrativeModel    = "gemini-2.0-flash"
	defaultNarrativeTimeout  = 8
	defaultNarrativeTokens   = 160
	defaultHandlerTimeoutSec = 5
	defaultBudgetSec         = 20
	defaultLineBudget        = 12
	defaultDefaultHandler    = "overview"
	defaultThrottleBucket    = "alertflow_throttle"
	defaultTrackerBucket     = "alertflow_tracker"

	// ServiceModeSingle runs memory-backed queue and stores in one process.
	ServiceModeSingle = "single"
	// ServiceModeNATS runs JetStream-backed queue and KV stores.
	ServiceModeNATS = "nats"
)

// Config holds service runtime settings and routing rules.
// Params: TOML sections from one file or a merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service   ServiceConfig   `toml:"service"`
	Log       LogConfig       `toml:"log"`
	Intake    IntakeConfig    `toml:"intake"`
	Throttle  ThrottleConfig  `toml:"throttle"`
	Tracker   TrackerConfig   `toml:"tracker"`
	Queue     QueueConfig     `toml:"queue"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Narrative NarrativeConfig `toml:"narrative"`
	Notify    NotifyConfig    `toml:"notify"`
	Routing   RoutingConfig   `toml:"routing"`
}

// ServiceConfig contains process-level settings.
// Params: service name, runtime mode, and per-envelope budget.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name                 string `toml:"name"`
	Mode                 string `toml:"mode"`
	ProcessingBudgetSec  int    `toml:"processing_budget_sec"`
	HandlerTimeoutSec    int    `toml:"handler_timeout_sec"`
	ReportLineBudget     int    `toml:"report_line_budget"`
	ShutdownGraceSeconds int    `toml:"shutdown_grace_sec"`
}

// LogConfig defines console/file log sinks.
// Params: per-sink enable, level, format, and file path.
// Returns: logging setup input.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one log sink.
// Params: enabled flag, level name, format, and optional path.
// Returns: sink behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// IntakeConfig configures the HTTP alert intake endpoint.
// Params: listen address, endpoint paths, and body size cap.
// Returns: intake behavior.
type IntakeConfig struct {
	Listen       string `toml:"listen"`
	AlertsPath   string `toml:"alerts_path"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// ThrottleConfig configures firing suppression.
// Params: suppression window and KV bucket for nats mode.
// Returns: throttle behavior.
type ThrottleConfig struct {
	WindowSec int    `toml:"window_sec"`
	Bucket    string `toml:"bucket"`
}

// Window returns suppression window duration.
// Params: none.
// Returns: window as time.Duration.
func (c ThrottleConfig) Window() time.Duration {
	return time.Duration(c.WindowSec) * time.Second
}

// TrackerConfig configures delivered-message correlation retention.
// Params: retention window and KV bucket for nats mode.
// Returns: tracker behavior.
type TrackerConfig struct {
	RetentionSec int    `toml:"retention_sec"`
	Bucket       string `toml:"bucket"`
}

// Retention returns tracked-message retention duration.
// Params: none.
// Returns: retention as time.Duration.
func (c TrackerConfig) Retention() time.Duration {
	return time.Duration(c.RetentionSec) * time.Second
}

// QueueConfig configures the reliable delivery queue.
// Params: NATS connection, partitioning, retry/backoff, and DLQ toggle.
// Returns: queue behavior for both runtime modes.
type QueueConfig struct {
	URL            []string `toml:"url"`
	Partitions     int      `toml:"partitions"`
	Buffer         int      `toml:"buffer"`
	MaxAttempts    int      `toml:"max_attempts"`
	RetryInitialMS int      `toml:"retry_initial_ms"`
	RetryMaxMS     int      `toml:"retry_max_ms"`
	AckWaitSec     int      `toml:"ack_wait_sec"`
	DLQ            bool     `toml:"dlq"`
}

// RetryInitial returns initial retry backoff.
// Params: none.
// Returns: backoff duration.
func (c QueueConfig) RetryInitial() time.Duration {
	return time.Duration(c.RetryInitialMS) * time.Millisecond
}

// RetryMax returns backoff ceiling.
// Params: none.
// Returns: maximum backoff duration.
func (c QueueConfig) RetryMax() time.Duration {
	return time.Duration(c.RetryMaxMS) * time.Millisecond
}

// MetricsConfig configures primary/secondary metric sources.
// Params: endpoints, optional bearer credential, timeout, and lookback.
// Returns: metrics adapter settings.
type MetricsConfig struct {
	PrimaryURL   string `toml:"primary_url"`
	BearerToken  string `toml:"bearer_token"`
	SecondaryURL string `toml:"secondary_url"`
	TimeoutSec   int    `toml:"timeout_sec"`
	Lookback     string `toml:"lookback"`
}

// Timeout returns per-call metrics timeout.
// Params: none.
// Returns: timeout duration.
func (c MetricsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// NarrativeConfig configures optional narrative enrichment.
// Params: enable flag, credential, model, timeout, and output bound.
// Returns: narrative generator settings.
type NarrativeConfig struct {
	Enabled         bool   `toml:"enabled"`
	APIKey          string `toml:"api_key"`
	Model           string `toml:"model"`
	TimeoutSec      int    `toml:"timeout_sec"`
	MaxOutputTokens int    `toml:"max_output_tokens"`
}

// Timeout returns narrative call timeout.
// Params: none.
// Returns: timeout duration.
func (c NarrativeConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// NotifyConfig defines outbound notification sinks.
// Params: per-channel transport settings.
// Returns: notification controls.
type NotifyConfig struct {
	Mattermost MattermostConfig `toml:"mattermost"`
	Telegram   TelegramConfig   `toml:"telegram"`
}

// MattermostConfig defines the Mattermost posts API sink.
// Params: base URL, bot token, channel id, timeout, and update capability.
// Returns: Mattermost sender configuration.
type MattermostConfig struct {
	Enabled     bool   `toml:"enabled"`
	BaseURL     string `toml:"base_url"`
	BotToken    string `toml:"bot_token"`
	ChannelID   string `toml:"channel_id"`
	TimeoutSec  int    `toml:"timeout_sec"`
	AllowUpdate bool   `toml:"allow_update"`
}

// TelegramConfig defines the Telegram bot sink.
// Params: bot token, chat id, and API base override.
// Returns: Telegram sender configuration.
type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
	APIBase  string `toml:"api_base"`
}

// RoutingConfig holds ordered diagnostic routing rules.
// Params: default handler/params and declaration-ordered rule list.
// Returns: router setup input.
type RoutingConfig struct {
	DefaultHandler string            `toml:"default_handler"`
	DefaultParams  map[string]string `toml:"default_params"`
	Rule           []RouteRule       `toml:"rule"`
}

// RouteRule is one (match, handler, params) routing entry.
// Params: label equality constraints and up to two handler names.
// Returns: evaluated in declaration order, first full match wins.
type RouteRule struct {
	Name    string            `toml:"name"`
	Match   map[string]string `toml:"match"`
	Handler string            `toml:"handler"`
	Also    string            `toml:"also"`
	Params  map[string]string `toml:"params"`
}

// Source selects one TOML file or a directory of fragments.
// Params: mutually exclusive file/dir paths.
// Returns: loadable config source.
type Source struct {
	file string
	dir  string
}

// FromCLI builds config source from CLI flags.
// Params: --config-file and --config-dir values.
// Returns: source or flag validation error.
func FromCLI(file, dir string) (Source, error) {
	file = strings.TrimSpace(file)
	dir = strings.TrimSpace(dir)
	switch {
	case file == "" && dir == "":
		return Source{}, errors.New("either --config-file or --config-dir is required")
	case file != "" && dir != "":
		return Source{}, errors.New("--config-file and --config-dir are mutually exclusive")
	}
	return Source{file: file, dir: dir}, nil
}

// FromFile builds single-file config source.
// Params: TOML file path.
// Returns: source value.
func FromFile(path string) Source {
	return Source{file: path}
}

// Load reads, merges, defaults, and validates the configuration snapshot.
// Params: none (source paths fixed at construction).
// Returns: validated config or load error.
func (s Source) Load() (Config, error) {
	docs, err := s.readDocuments()
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	for _, doc := range docs {
		previousRules := cfg.Routing.Rule
		cfg.Routing.Rule = nil
		if err := toml.Unmarshal(doc.body, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", doc.name, err)
		}
		if len(cfg.Routing.Rule) == 0 {
			cfg.Routing.Rule = previousRules
		} else {
			cfg.Routing.Rule = append(previousRules, cfg.Routing.Rule...)
		}
	}

	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type configDocument struct {
	name string
	body []byte
}

// readDocuments returns TOML documents in merge order.
// Params: none.
// Returns: one document for file source, sorted fragment list for dir source.
func (s Source) readDocuments() ([]configDocument, error) {
	if s.file != "" {
		body, err := os.ReadFile(s.file)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		return []configDocument{{name: s.file, body: body}}, nil
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read config dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		names = append(names, entry.Name())
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("config dir %q contains no *.toml fragments", s.dir)
	}
	sort.Strings(names)

	docs := make([]configDocument, 0, len(names))
	for _, name := range names {
		path := filepath.Join(s.dir, name)
		body, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config fragment: %w", err)
		}
		docs = append(docs, configDocument{name: path, body: body})
	}
	return docs, nil
}

// applyDefaults fills unset fields with runtime defaults.
// Params: decoded config pointer.
// Returns: none (config mutated in place).
func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "alertflow"
	}
	if cfg.Service.Mode == "" {
		cfg.Service.Mode = ServiceModeSingle
	}
	if cfg.Service.ProcessingBudgetSec <= 0 {
		cfg.Service.ProcessingBudgetSec = defaultBudgetSec
	}
	if cfg.Service.HandlerTimeoutSec <= 0 {
		cfg.Service.HandlerTimeoutSec = defaultHandlerTimeoutSec
	}
	if cfg.Service.ReportLineBudget <= 0 {
		cfg.Service.ReportLineBudget = defaultLineBudget
	}
	if cfg.Service.ShutdownGraceSeconds <= 0 {
		cfg.Service.ShutdownGraceSeconds = 10
	}

	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console = LogSinkConfig{Enabled: true, Level: "info", Format: "line"}
	}
	if cfg.Log.Console.Enabled {
		if cfg.Log.Console.Level == "" {
			cfg.Log.Console.Level = "info"
		}
		if cfg.Log.Console.Format == "" {
			cfg.Log.Console.Format = "line"
		}
	}
	if cfg.Log.File.Enabled {
		if cfg.Log.File.Level == "" {
			cfg.Log.File.Level = "info"
		}
		if cfg.Log.File.Format == "" {
			cfg.Log.File.Format = "json"
		}
	}

	if cfg.Intake.Listen == "" {
		cfg.Intake.Listen = defaultListen
	}
	if cfg.Intake.AlertsPath == "" {
		cfg.Intake.AlertsPath = defaultAlertsPath
	}
	if cfg.Intake.HealthPath == "" {
		cfg.Intake.HealthPath = defaultHealthPath
	}
	if cfg.Intake.ReadyPath == "" {
		cfg.Intake.ReadyPath = defaultReadyPath
	}
	if cfg.Intake.MaxBodyBytes <= 0 {
		cfg.Intake.MaxBodyBytes = defaultMaxBodyBytes
	}

	if cfg.Throttle.WindowSec <= 0 {
		cfg.Throttle.WindowSec = defaultThrottleWindowSec
	}
	if cfg.Throttle.Bucket == "" {
		cfg.Throttle.Bucket = defaultThrottleBucket
	}
	if cfg.Tracker.RetentionSec <= 0 {
		cfg.Tracker.RetentionSec = defaultRetentionSec
	}
	if cfg.Tracker.Bucket == "" {
		cfg.Tracker.Bucket = defaultTrackerBucket
	}

	if len(cfg.Queue.URL) == 0 {
		cfg.Queue.URL = []string{defaultNATSURL}
	}
	if cfg.Queue.Partitions <= 0 {
		cfg.Queue.Partitions = defaultPartitions
	}
	if cfg.Queue.Buffer <= 0 {
		cfg.Queue.Buffer = defaultQueueBuffer
	}
	if cfg.Queue.MaxAttempts <= 0 {
		cfg.Queue.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Queue.RetryInitialMS <= 0 {
		cfg.Queue.RetryInitialMS = defaultRetryInitialMS
	}
	if cfg.Queue.RetryMaxMS <= 0 {
		cfg.Queue.RetryMaxMS = defaultRetryMaxMS
	}
	if cfg.Queue.AckWaitSec <= 0 {
		cfg.Queue.AckWaitSec = defaultAckWaitSec
	}

	if cfg.Metrics.TimeoutSec <= 0 {
		cfg.Metrics.TimeoutSec = defaultMetricsTimeoutSec
	}
	if cfg.Metrics.Lookback == "" {
		cfg.Metrics.Lookback = defaultLookback
	}

	if cfg.Narrative.Model == "" {
		cfg.Narrative.Model = defaultNarrativeModel
	}
	if cfg.Narrative.TimeoutSec <= 0 {
		cfg.Narrative.TimeoutSec = defaultNarrativeTimeout
	}
	if cfg.Narrative.MaxOutputTokens <= 0 {
		cfg.Narrative.MaxOutputTokens = defaultNarrativeTokens
	}

	if cfg.Notify.Mattermost.Enabled && cfg.Notify.Mattermost.TimeoutSec <= 0 {
		cfg.Notify.Mattermost.TimeoutSec = 10
	}

	if cfg.Routing.DefaultHandler == "" {
		cfg.Routing.DefaultHandler = defaultDefaultHandler
	}
}

// validate rejects inconsistent configuration snapshots.
// Params: defaulted config.
// Returns: first validation error.
func validate(cfg Config) error {
	switch cfg.Service.Mode {
	case ServiceModeSingle, ServiceModeNATS:
	default:
		return fmt.Errorf("service.mode must be %q or %q, got %q", ServiceModeSingle, ServiceModeNATS, cfg.Service.Mode)
	}

	if _, err := time.ParseDuration(cfg.Metrics.Lookback); err != nil {
		return fmt.Errorf("metrics.lookback %q: %w", cfg.Metrics.Lookback, err)
	}

	if cfg.Narrative.Enabled && strings.TrimSpace(cfg.Narrative.APIKey) == "" {
		return errors.New("narrative.api_key is required when narrative is enabled")
	}

	if cfg.Notify.Mattermost.Enabled {
		if strings.TrimSpace(cfg.Notify.Mattermost.BaseURL) == "" {
			return errors.New("notify.mattermost.base_url is required")
		}
		if strings.TrimSpace(cfg.Notify.Mattermost.ChannelID) == "" {
			return errors.New("notify.mattermost.channel_id is required")
		}
	}
	if cfg.Notify.Telegram.Enabled {
		if strings.TrimSpace(cfg.Notify.Telegram.BotToken) == "" {
			return errors.New("notify.telegram.bot_token is required")
		}
		if strings.TrimSpace(cfg.Notify.Telegram.ChatID) == "" {
			return errors.New("notify.telegram.chat_id is required")
		}
	}

	for i, rule := range cfg.Routing.Rule {
		if len(rule.Match) == 0 {
			return fmt.Errorf("routing.rule[%d] (%s): match is required", i, rule.Name)
		}
		if strings.TrimSpace(rule.Handler) == "" {
			return fmt.Errorf("routing.rule[%d] (%s): handler is required", i, rule.Name)
		}
	}
	return nil
}
