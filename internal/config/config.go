// Package config handles configuration loading for loom.
// It supports XDG config paths, project-level overrides, LOOM_* environment
// variables and hot reload of the policy sections.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/ShayCichocki/loom/internal/policy"
)

// ProjectFile is the per-project override file searched for upward from
// the working directory.
const ProjectFile = ".loom.yaml"

// Config holds all configuration for loom.
type Config struct {
	Anthropic  AnthropicConfig  `mapstructure:"anthropic"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Loop       LoopConfig       `mapstructure:"loop"`
	Delegation DelegationConfig `mapstructure:"delegation"`
	Channel    ChannelConfig    `mapstructure:"channel"`
	Throttle   ThrottleConfig   `mapstructure:"throttle"`
	State      StateConfig      `mapstructure:"state"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	TUI        TUIConfig        `mapstructure:"tui"`
}

// AnthropicConfig holds settings for the LLM planner and scorer.
type AnthropicConfig struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`

	// UseBedrock routes requests through AWS Bedrock using the default
	// AWS credential chain instead of an API key.
	UseBedrock bool   `mapstructure:"use_bedrock"`
	Region     string `mapstructure:"region"`
}

// ExecutorConfig mirrors policy.ExecutorPolicy.
type ExecutorConfig struct {
	MaxConcurrency    int            `mapstructure:"max_concurrency"`
	ClassLimits       map[string]int `mapstructure:"class_limits"`
	NodeTimeout       time.Duration  `mapstructure:"node_timeout"`
	InlineResultLimit int            `mapstructure:"inline_result_limit"`

	// WorkDir is where shell capabilities run.
	WorkDir string `mapstructure:"work_dir"`
}

// LoopConfig mirrors policy.LoopPolicy.
type LoopConfig struct {
	PollTimeout      time.Duration `mapstructure:"poll_timeout"`
	MaxDrain         int           `mapstructure:"max_drain"`
	PlanRetryBackoff time.Duration `mapstructure:"plan_retry_backoff"`
	MaxReplans       int           `mapstructure:"max_replans"`
	HistorySize      int           `mapstructure:"history_size"`
	HistoryWindow    time.Duration `mapstructure:"history_window"`
}

// DelegationConfig mirrors policy.DelegationPolicy.
type DelegationConfig struct {
	MaxRounds       int           `mapstructure:"max_rounds"`
	Deadline        time.Duration `mapstructure:"deadline"`
	PassThreshold   float64       `mapstructure:"pass_threshold"`
	DominanceMargin float64       `mapstructure:"dominance_margin"`
}

// ChannelConfig mirrors policy.ChannelPolicy.
type ChannelConfig struct {
	Budget            int     `mapstructure:"budget"`
	DefaultCost       int     `mapstructure:"default_cost"`
	WarningThreshold  float64 `mapstructure:"warning_threshold"`
	EscalationReserve int     `mapstructure:"escalation_reserve"`
}

// ThrottleConfig mirrors policy.ThrottlePolicy.
type ThrottleConfig struct {
	Mode  string `mapstructure:"mode"`
	Floor int    `mapstructure:"floor"`
}

// StateConfig selects the database that records runs.
type StateConfig struct {
	// Driver is "sqlite", "sqlite3" (cgo) or "postgres".
	Driver string `mapstructure:"driver"`
	// DSN is a file path for sqlite or a connection string for postgres.
	// Empty means the default sqlite file under the user data directory.
	DSN string `mapstructure:"dsn"`
}

// MQTTConfig configures snapshot publication. Empty Broker disables it.
type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
	QoS      int    `mapstructure:"qos"`
}

// TUIConfig holds TUI display settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (LOOM_SECTION_KEY, ANTHROPIC_API_KEY)
// 2. Project config (.loom.yaml in current directory or parent)
// 3. User config (~/.config/loom/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(UserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return decode(v)
}

// LoadFromPath loads configuration from a specific file, with defaults and
// environment overrides applied.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("anthropic.api_key", "LOOM_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	cfg.State.DSN = os.ExpandEnv(cfg.State.DSN)
	return cfg, nil
}

// Save writes cfg to the user config file.
func Save(cfg *Config) error {
	dir := UserConfigDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return SaveTo(cfg, filepath.Join(dir, "config.yaml"))
}

// SaveTo writes cfg to path as YAML.
func SaveTo(cfg *Config, path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	for key, value := range cfg.settings() {
		v.Set(key, value)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return nil
}

func (c *Config) settings() map[string]interface{} {
	return map[string]interface{}{
		"anthropic.api_key":            c.Anthropic.APIKey,
		"anthropic.model":              c.Anthropic.Model,
		"anthropic.max_tokens":         c.Anthropic.MaxTokens,
		"anthropic.use_bedrock":        c.Anthropic.UseBedrock,
		"anthropic.region":             c.Anthropic.Region,
		"executor.max_concurrency":     c.Executor.MaxConcurrency,
		"executor.class_limits":        c.Executor.ClassLimits,
		"executor.node_timeout":        c.Executor.NodeTimeout.String(),
		"executor.inline_result_limit": c.Executor.InlineResultLimit,
		"executor.work_dir":            c.Executor.WorkDir,
		"loop.poll_timeout":            c.Loop.PollTimeout.String(),
		"loop.max_drain":               c.Loop.MaxDrain,
		"loop.plan_retry_backoff":      c.Loop.PlanRetryBackoff.String(),
		"loop.max_replans":             c.Loop.MaxReplans,
		"loop.history_size":            c.Loop.HistorySize,
		"loop.history_window":          c.Loop.HistoryWindow.String(),
		"delegation.max_rounds":        c.Delegation.MaxRounds,
		"delegation.deadline":          c.Delegation.Deadline.String(),
		"delegation.pass_threshold":    c.Delegation.PassThreshold,
		"delegation.dominance_margin":  c.Delegation.DominanceMargin,
		"channel.budget":               c.Channel.Budget,
		"channel.default_cost":         c.Channel.DefaultCost,
		"channel.warning_threshold":    c.Channel.WarningThreshold,
		"channel.escalation_reserve":   c.Channel.EscalationReserve,
		"throttle.mode":                c.Throttle.Mode,
		"throttle.floor":               c.Throttle.Floor,
		"state.driver":                 c.State.Driver,
		"state.dsn":                    c.State.DSN,
		"mqtt.broker":                  c.MQTT.Broker,
		"mqtt.topic":                   c.MQTT.Topic,
		"mqtt.client_id":               c.MQTT.ClientID,
		"mqtt.qos":                     c.MQTT.QoS,
		"tui.refresh_rate":             c.TUI.RefreshRate.String(),
	}
}

// Keys returns every configuration key in sorted order.
func (c *Config) Keys() []string {
	settings := c.settings()
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Value returns the display form of a dot-notation key.
func (c *Config) Value(key string) (string, error) {
	v, ok := c.settings()[strings.ToLower(key)]
	if !ok {
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
	return fmt.Sprint(v), nil
}

// SetValue sets one key in the config file at path, creating the file if
// needed. The value is converted to the key's type and the result must
// still decode, so nothing invalid is written.
func SetValue(path, key, value string) error {
	key = strings.ToLower(key)
	def, ok := Default().settings()[key]
	if !ok {
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	typed, err := convertValue(def, value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	v.Set(key, typed)

	check := newViper()
	if err := check.MergeConfigMap(v.AllSettings()); err != nil {
		return fmt.Errorf("merging %s: %w", key, err)
	}
	if _, err := decode(check); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return nil
}

func convertValue(like interface{}, value string) (interface{}, error) {
	switch like.(type) {
	case int:
		return strconv.Atoi(value)
	case float64:
		return strconv.ParseFloat(value, 64)
	case bool:
		return strconv.ParseBool(value)
	case string:
		return value, nil
	default:
		return nil, errors.New("edit the config file to change this key")
	}
}

// UserConfigPath returns the path to the user config file.
func UserConfigPath() string {
	return filepath.Join(UserConfigDir(), "config.yaml")
}

// ProjectConfigPath returns the path to the project config file if it exists.
func ProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults registers every key so environment overrides apply even when
// no file mentions them.
func setDefaults(v *viper.Viper) {
	for key, value := range Default().settings() {
		v.SetDefault(key, value)
	}
}

// UserConfigDir returns the XDG config directory for loom.
func UserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "loom")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "loom")
	}
	return filepath.Join(home, ".config", "loom")
}

// DefaultStatePath returns the sqlite file used when no DSN is configured.
func DefaultStatePath() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "loom", "state.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".loom", "state.db")
	}
	return filepath.Join(home, ".local", "share", "loom", "state.db")
}

// findProjectConfig searches for .loom.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		configPath := filepath.Join(cwd, ProjectFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return ""
		}
		cwd = parent
	}
}

// Default returns a Config with default values.
func Default() *Config {
	p := policy.Default()
	limits := make(map[string]int, len(p.Executor.ClassLimits))
	for k, v := range p.Executor.ClassLimits {
		limits[k] = v
	}
	return &Config{
		Anthropic: AnthropicConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
			Region:    "us-east-1",
		},
		Executor: ExecutorConfig{
			MaxConcurrency:    p.Executor.MaxConcurrency,
			ClassLimits:       limits,
			NodeTimeout:       p.Executor.NodeTimeout,
			InlineResultLimit: p.Executor.InlineResultLimit,
		},
		Loop: LoopConfig{
			PollTimeout:      p.Loop.PollTimeout,
			MaxDrain:         p.Loop.MaxDrain,
			PlanRetryBackoff: p.Loop.PlanRetryBackoff,
			MaxReplans:       p.Loop.MaxReplans,
			HistorySize:      p.Loop.HistorySize,
			HistoryWindow:    p.Loop.HistoryWindow,
		},
		Delegation: DelegationConfig{
			MaxRounds:       p.Delegation.MaxRounds,
			Deadline:        p.Delegation.Deadline,
			PassThreshold:   p.Delegation.PassThreshold,
			DominanceMargin: p.Delegation.DominanceMargin,
		},
		Channel: ChannelConfig{
			Budget:            p.Channel.Budget,
			DefaultCost:       p.Channel.DefaultCost,
			WarningThreshold:  p.Channel.WarningThreshold,
			EscalationReserve: p.Channel.EscalationReserve,
		},
		Throttle: ThrottleConfig{
			Mode:  p.Throttle.Mode,
			Floor: p.Throttle.Floor,
		},
		State: StateConfig{
			Driver: "sqlite",
		},
		MQTT: MQTTConfig{
			Topic:    "loom/snapshots",
			ClientID: "loom",
			QoS:      1,
		},
		TUI: TUIConfig{
			RefreshRate: 500 * time.Millisecond,
		},
	}
}

// Policy converts the configuration into validated policy parameters.
func (c *Config) Policy() *policy.Config {
	limits := make(map[string]int, len(c.Executor.ClassLimits))
	for k, v := range c.Executor.ClassLimits {
		limits[k] = v
	}
	p := &policy.Config{
		Executor: policy.ExecutorPolicy{
			MaxConcurrency:    c.Executor.MaxConcurrency,
			ClassLimits:       limits,
			NodeTimeout:       c.Executor.NodeTimeout,
			InlineResultLimit: c.Executor.InlineResultLimit,
		},
		Loop: policy.LoopPolicy{
			PollTimeout:      c.Loop.PollTimeout,
			MaxDrain:         c.Loop.MaxDrain,
			PlanRetryBackoff: c.Loop.PlanRetryBackoff,
			MaxReplans:       c.Loop.MaxReplans,
			HistorySize:      c.Loop.HistorySize,
			HistoryWindow:    c.Loop.HistoryWindow,
		},
		Delegation: policy.DelegationPolicy{
			MaxRounds:       c.Delegation.MaxRounds,
			Deadline:        c.Delegation.Deadline,
			PassThreshold:   c.Delegation.PassThreshold,
			DominanceMargin: c.Delegation.DominanceMargin,
		},
		Channel: policy.ChannelPolicy{
			Budget:            c.Channel.Budget,
			DefaultCost:       c.Channel.DefaultCost,
			WarningThreshold:  c.Channel.WarningThreshold,
			EscalationReserve: c.Channel.EscalationReserve,
		},
		Throttle: policy.ThrottlePolicy{
			Mode:  c.Throttle.Mode,
			Floor: c.Throttle.Floor,
		},
	}
	_ = p.Validate()
	return p
}

// Watcher reloads a config file whenever it changes on disk and hands the
// new configuration to every registered callback.
type Watcher struct {
	v    *viper.Viper
	mu   sync.Mutex
	cfg  *Config
	subs []func(*Config)
}

// Watch loads path and starts watching it for changes.
func Watch(path string) (*Watcher, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	w := &Watcher{v: v, cfg: cfg}
	v.OnConfigChange(w.reload)
	v.WatchConfig()
	return w, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

// OnChange registers fn to be called after each successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subs = append(w.subs, fn)
}

func (w *Watcher) reload(e fsnotify.Event) {
	cfg, err := decode(w.v)
	if err != nil {
		log.Printf("[config] warning: reload %s: %v", e.Name, err)
		return
	}
	w.mu.Lock()
	w.cfg = cfg
	subs := append(([]func(*Config))(nil), w.subs...)
	w.mu.Unlock()

	log.Printf("[config] reloaded %s (%s)", e.Name, e.Op)
	for _, fn := range subs {
		fn(cfg)
	}
}
