package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/netresearch/jobbroker/config"
	"github.com/netresearch/jobbroker/core"
)

// ValidateCommand loads the config file, compiles every application's
// command template and input_schema, and instantiates (then immediately
// closes) every configured destination — the same loud, early failure mode
// a running broker requires, without submitting any job.
type ValidateCommand struct {
	ConfigFile string `long:"config" env:"JOBBROKER_CONFIG" description:"configuration file" default:"/etc/jobbroker/config.yaml"`
	LogLevel   string `long:"log-level" env:"JOBBROKER_LOG_LEVEL" description:"Set log level (overrides config)"`
	Logger     *slog.Logger
	LevelVar   *slog.LevelVar
}

// Execute runs the validation command.
func (c *ValidateCommand) Execute(_ []string) error {
	if err := ApplyLogLevel(c.LogLevel, c.LevelVar); err != nil {
		c.Logger.Error(fmt.Sprintf("Failed to apply log level: %v", err))
		return fmt.Errorf("invalid log level configuration: %w", err)
	}

	c.Logger.Debug(fmt.Sprintf("Validating %q ... ", c.ConfigFile))
	cfg, err := config.Load(c.ConfigFile)
	if err != nil {
		c.Logger.Error("ERROR")
		return fmt.Errorf("load config: %w", err)
	}

	if _, err := core.NewApplicationRegistry(cfg.Applications(), cfg.InteractiveApps()); err != nil {
		c.Logger.Error("ERROR")
		return fmt.Errorf("compile applications: %w", err)
	}

	dests, err := cfg.BuildDestinations(&core.LogrusAdapter{Logger: logrus.New()})
	if err != nil {
		c.Logger.Error("ERROR")
		return fmt.Errorf("build destinations: %w", err)
	}
	defer func() { _ = dests.Close() }()

	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, _ = fmt.Fprintln(os.Stdout, string(out))

	c.Logger.Debug("OK")
	return nil
}
