// Package config loads tierforge runtime configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/Rogers-F/tierforge/internal/domain"
)

// EnvPrefix prefixes environment overrides, e.g. TIERFORGE_BUDGET_MIN_INCREMENT.
const EnvPrefix = "TIERFORGE"

// BudgetConfig tunes the budget arbitration policy and the objective split.
type BudgetConfig struct {
	HeadroomPercent    float64 `mapstructure:"headroom_percent"`
	AutoMaxPercent     float64 `mapstructure:"auto_max_percent"`
	MinIncrement       int64   `mapstructure:"min_increment"`
	EstimatedStageCost int64   `mapstructure:"estimated_stage_cost"`
	OverheadPercent    float64 `mapstructure:"overhead_percent"`
	ReservePercent     float64 `mapstructure:"reserve_percent"`
}

// PipelineConfig tunes mutation validation.
type PipelineConfig struct {
	CICommand     string        `mapstructure:"ci_command"`
	CITimeout     time.Duration `mapstructure:"ci_timeout"`
	ShadowRoot    string        `mapstructure:"shadow_root"`
	KeepShadow    bool          `mapstructure:"keep_shadow"`
	MinConfidence float64       `mapstructure:"min_confidence"`
}

// ConflictConfig tunes the conflict resolver.
type ConflictConfig struct {
	Threshold float64 `mapstructure:"threshold"`
}

// ExecutionConfig defines how to launch the agent runner process.
type ExecutionConfig struct {
	Command     string            `mapstructure:"command"`
	Args        []string          `mapstructure:"args"`
	Env         map[string]string `mapstructure:"env"`
	Timeout     time.Duration     `mapstructure:"timeout"`
	TopK        int               `mapstructure:"top_k"`
	MaxParallel int               `mapstructure:"max_parallel"`
}

// Config holds the engine's runtime configuration.
type Config struct {
	DBPath     string          `mapstructure:"db_path"`
	ListenAddr string          `mapstructure:"listen_addr"`
	Workspace  string          `mapstructure:"workspace"`
	LogLevel   string          `mapstructure:"log_level"`
	LogPretty  bool            `mapstructure:"log_pretty"`
	Budget     BudgetConfig    `mapstructure:"budget"`
	Pipeline   PipelineConfig  `mapstructure:"pipeline"`
	Conflict   ConflictConfig  `mapstructure:"conflict"`
	Execution  ExecutionConfig `mapstructure:"execution"`
}

// Load reads a config file (JSON, YAML or TOML by extension), applies
// defaults and environment overrides, and validates.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return decode(v)
}

// Default returns a validated configuration built from defaults and
// environment variables only.
func Default() *Config {
	cfg := &Config{}
	_ = newViper().Unmarshal(cfg)
	return cfg
}

// Watch loads path and calls onChange with each successfully re-decoded
// configuration whenever the file is written. Invalid edits are logged and
// ignored so the running policy stays in force.
func Watch(path string, logger zerolog.Logger, onChange func(*Config)) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		handleChange(v, e, logger, onChange)
	})
	v.WatchConfig()
	return cfg, nil
}

func handleChange(v *viper.Viper, e fsnotify.Event, logger zerolog.Logger, onChange func(*Config)) {
	if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
		return
	}
	cfg, err := decode(v)
	if err != nil {
		logger.Warn().Err(err).Str("file", e.Name).Msg("config reload rejected")
		return
	}
	logger.Info().Str("file", e.Name).Msg("config reloaded")
	onChange(cfg)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", "tierforge.db")
	v.SetDefault("listen_addr", ":9800")
	v.SetDefault("workspace", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)

	v.SetDefault("budget.headroom_percent", 20.0)
	v.SetDefault("budget.auto_max_percent", 50.0)
	v.SetDefault("budget.min_increment", 1000)
	v.SetDefault("budget.estimated_stage_cost", 0)
	v.SetDefault("budget.overhead_percent", 10.0)
	v.SetDefault("budget.reserve_percent", 10.0)

	v.SetDefault("pipeline.ci_command", "")
	v.SetDefault("pipeline.ci_timeout", "10m")
	v.SetDefault("pipeline.shadow_root", "")
	v.SetDefault("pipeline.keep_shadow", false)
	v.SetDefault("pipeline.min_confidence", 0.0)

	v.SetDefault("conflict.threshold", 0.5)

	v.SetDefault("execution.command", "")
	v.SetDefault("execution.timeout", "15m")
	v.SetDefault("execution.top_k", 5)
	v.SetDefault("execution.max_parallel", 4)
}

func (c *Config) validate() error {
	var problems []string

	if c.DBPath == "" {
		problems = append(problems, "db_path is required")
	}
	if !inPercent(c.Budget.HeadroomPercent) {
		problems = append(problems, "budget.headroom_percent must be within [0,100]")
	}
	if !inPercent(c.Budget.AutoMaxPercent) {
		problems = append(problems, "budget.auto_max_percent must be within [0,100]")
	}
	if c.Budget.MinIncrement < 0 {
		problems = append(problems, "budget.min_increment must not be negative")
	}
	if c.Budget.EstimatedStageCost < 0 {
		problems = append(problems, "budget.estimated_stage_cost must not be negative")
	}
	if !inPercent(c.Budget.OverheadPercent) || !inPercent(c.Budget.ReservePercent) ||
		c.Budget.OverheadPercent+c.Budget.ReservePercent >= 100 {
		problems = append(problems, "budget.overhead_percent + budget.reserve_percent must be below 100")
	}
	if c.Pipeline.MinConfidence < 0 || c.Pipeline.MinConfidence > 1 {
		problems = append(problems, "pipeline.min_confidence must be within [0,1]")
	}
	if c.Conflict.Threshold < 0 {
		problems = append(problems, "conflict.threshold must not be negative")
	}
	if c.Execution.MaxParallel < 1 {
		problems = append(problems, "execution.max_parallel must be at least 1")
	}

	if len(problems) > 0 {
		return &domain.EngineError{
			Code:    domain.ErrConfigInvalid.Code,
			Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
		}
	}
	return nil
}

func inPercent(p float64) bool {
	return p >= 0 && p <= 100
}
