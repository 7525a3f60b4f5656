package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jessevdk/go-flags"

	"github.com/netresearch/jobbroker/cli"
)

var (
	version string
	build   string
)

func buildLogger(level string) (*slog.Logger, *slog.LevelVar) {
	levelVar := &slog.LevelVar{}
	switch strings.ToLower(level) {
	case "trace", "debug":
		levelVar.Set(slog.LevelDebug)
	case "", "info", "notice":
		levelVar.Set(slog.LevelInfo)
	case "warning", "warn":
		levelVar.Set(slog.LevelWarn)
	case "error", "fatal", "panic", "critical":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     levelVar,
	})
	return slog.New(handler), levelVar
}

func main() {
	var pre struct {
		LogLevel   string `long:"log-level" env:"JOBBROKER_LOG_LEVEL"`
		ConfigFile string `long:"config" default:"/etc/jobbroker/config.yaml"`
	}
	args := os.Args[1:]
	preParser := flags.NewParser(&pre, flags.IgnoreUnknown)
	_, _ = preParser.ParseArgs(args)

	logger, levelVar := buildLogger(pre.LogLevel)

	parser := flags.NewNamedParser("jobbroker", flags.Default|flags.AllowBoolValues)
	_, _ = parser.AddCommand(
		"daemon",
		"run the job broker HTTP API",
		"",
		&cli.DaemonCommand{Logger: logger, LevelVar: levelVar, LogLevel: pre.LogLevel, ConfigFile: pre.ConfigFile, Version: version},
	)
	_, _ = parser.AddCommand(
		"validate",
		"validates the config file",
		"",
		&cli.ValidateCommand{Logger: logger, LevelVar: levelVar, LogLevel: pre.LogLevel, ConfigFile: pre.ConfigFile},
	)
	_, _ = parser.AddCommand(
		"config",
		"shows the effective runtime configuration",
		"",
		&cli.ConfigShowCommand{Logger: logger, LevelVar: levelVar, LogLevel: pre.LogLevel, ConfigFile: pre.ConfigFile},
	)
	_, _ = parser.AddCommand(
		"doctor",
		"diagnose job broker configuration and destination reachability",
		"",
		&cli.DoctorCommand{Logger: logger, LevelVar: levelVar, LogLevel: pre.LogLevel, ConfigFile: pre.ConfigFile},
	)

	if _, err := parser.ParseArgs(args); err != nil {
		if flags.WroteHelp(err) {
			return
		}

		var flagErr *flags.Error
		if errors.As(err, &flagErr) {
			parser.WriteHelp(os.Stdout)
			_, _ = fmt.Fprintf(os.Stdout, "\nBuild information\n  commit: %s\n  date:%s\n", version, build)
		}

		logger.Error("Command failed to execute")
		return
	}
}
