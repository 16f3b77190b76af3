package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Rogers-F/tierforge/internal/config"
	"github.com/Rogers-F/tierforge/internal/observability"
)

var (
	configPath string
	dbOverride string
)

var rootCmd = &cobra.Command{
	Use:   "tierforge",
	Short: "Control plane for tiered AI-agent coding runs",
	Long: `tierforge tracks an objective's task tree (orchestrator, domain leaders,
specialists), arbitrates token budgets, and drives proposed file mutations
through a validation pipeline before applying them to the target project.

Run "tierforge serve" for the HTTP API, or use the subcommands to act on the
database directly.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (json, yaml or toml)")
	rootCmd.PersistentFlags().StringVar(&dbOverride, "db", "", "override db_path from the config")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(controlCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(versionCmd)
}

// resolveConfigPath picks --config, then TIERFORGE_CONFIG, then a config
// file next to the executable or in the working directory.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if p := os.Getenv(config.EnvPrefix + "_CONFIG"); p != "" {
		return p
	}
	return discoverConfig()
}

func discoverConfig() string {
	names := []string{"config.json", "config.yaml", "config.toml"}
	var dirs []string
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	dirs = append(dirs, ".")
	for _, dir := range dirs {
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}

// loadConfig reads the resolved config file, or falls back to defaults and
// environment variables when there is none.
func loadConfig() (*config.Config, string, error) {
	path := resolveConfigPath()
	var cfg *config.Config
	if path == "" {
		cfg = config.Default()
	} else {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, "", err
		}
	}
	if dbOverride != "" {
		cfg.DBPath = dbOverride
	}
	return cfg, path, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	return observability.NewLogger("tierforge", cfg.LogLevel, cfg.LogPretty, os.Stderr)
}
