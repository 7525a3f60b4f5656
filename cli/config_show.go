package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/netresearch/jobbroker/config"
)

// ConfigShowCommand prints the effective configuration (defaults applied,
// JOB_ROOT_DIR override resolved) without instantiating any destination.
type ConfigShowCommand struct {
	ConfigFile string `long:"config" env:"JOBBROKER_CONFIG" description:"configuration file" default:"/etc/jobbroker/config.yaml"`
	LogLevel   string `long:"log-level" env:"JOBBROKER_LOG_LEVEL" description:"Set log level (overrides config)"`
	Logger     *slog.Logger
	LevelVar   *slog.LevelVar
}

// Execute runs the config show command.
func (c *ConfigShowCommand) Execute(_ []string) error {
	_ = ApplyLogLevel(c.LogLevel, c.LevelVar) // ignore error, fall back to default level

	c.Logger.Debug(fmt.Sprintf("Loading configuration from %q ... ", c.ConfigFile))
	cfg, err := config.Load(c.ConfigFile)
	if err != nil {
		c.Logger.Error("Failed to load configuration")
		return fmt.Errorf("load config: %w", err)
	}

	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, _ = fmt.Fprintln(os.Stdout, string(out))

	c.Logger.Debug("Configuration displayed successfully")
	return nil
}
