// Package config loads the YAML configuration surface: job_root_dir,
// destination_picker, applications, interactive_applications and
// destinations. Grounded on the prior CLI's load-then-decode-then-default
// pipeline, replacing its gopkg.in/ini.v1 source format with
// gopkg.in/yaml.v3 while keeping mapstructure for decoding and
// creasty/defaults for field defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/netresearch/jobbroker/core"
	"github.com/netresearch/jobbroker/core/adapters/gridfs"
	"github.com/netresearch/jobbroker/core/adapters/gridscheduler"
	"github.com/netresearch/jobbroker/core/adapters/localfs"
	"github.com/netresearch/jobbroker/core/adapters/memoryscheduler"
	"github.com/netresearch/jobbroker/core/adapters/queuescheduler"
	"github.com/netresearch/jobbroker/core/adapters/sftpfs"
	"github.com/netresearch/jobbroker/core/adapters/slurmscheduler"
	"github.com/netresearch/jobbroker/core/domain"
	"github.com/netresearch/jobbroker/core/ports"
)

// ApplicationConfig is an application's on-disk shape.
type ApplicationConfig struct {
	CommandTemplate string         `yaml:"command_template" validate:"required"`
	UploadNeeds     []string       `yaml:"upload_needs"`
	InputSchema     map[string]any `yaml:"input_schema"`
	AllowedRoles    []string       `yaml:"allowed_roles"`
	Summary         string         `yaml:"summary"`
	Description     string         `yaml:"description"`
}

// InteractiveApplicationConfig is an interactive application's on-disk
// shape.
type InteractiveApplicationConfig struct {
	CommandTemplate string         `yaml:"command_template" validate:"required"`
	InputSchema     map[string]any `yaml:"input_schema"`
	JobApplication  string         `yaml:"job_application"`
	Timeout         time.Duration  `yaml:"timeout" default:"30s"`
}

// DestinationConfig holds a destination's scheduler and filesystem blocks
// as raw maps; each is decoded into a concrete adapter Config once its
// "type" discriminator is known.
type DestinationConfig struct {
	Scheduler  map[string]any `yaml:"scheduler" validate:"required"`
	Filesystem map[string]any `yaml:"filesystem" validate:"required"`
}

// Config is the top-level configuration document.
type Config struct {
	JobRootDir              string                                  `yaml:"job_root_dir" json:"job_root_dir" validate:"required"`
	DestinationPicker       string                                  `yaml:"destination_picker" json:"destination_picker"`
	ApplicationConfigs      map[string]ApplicationConfig            `yaml:"applications" json:"applications"`
	InteractiveApplications map[string]InteractiveApplicationConfig `yaml:"interactive_applications" json:"interactive_applications"`
	Destinations            map[string]DestinationConfig            `yaml:"destinations" json:"destinations" validate:"required,min=1"`
}

// Load reads path, decodes it as YAML, applies field defaults and
// JOB_ROOT_DIR's environment override, then runs struct-level validation.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("apply config defaults: %w", err)
	}
	for name, ia := range cfg.InteractiveApplications {
		if err := defaults.Set(&ia); err != nil {
			return nil, fmt.Errorf("apply defaults for interactive_applications.%s: %w", name, err)
		}
		cfg.InteractiveApplications[name] = ia
	}

	if dir := os.Getenv("JOB_ROOT_DIR"); dir != "" {
		cfg.JobRootDir = dir
	}
	if cfg.DestinationPicker == "" {
		cfg.DestinationPicker = "first"
	}

	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Applications converts the decoded application map into domain values,
// keyed by name (the map key is the canonical name; an explicit "name"
// field inside the block is not read).
func (c *Config) Applications() []domain.Application {
	apps := make([]domain.Application, 0, len(c.ApplicationConfigs))
	for name, a := range c.ApplicationConfigs {
		apps = append(apps, domain.Application{
			Name:            name,
			CommandTemplate: a.CommandTemplate,
			UploadNeeds:     a.UploadNeeds,
			InputSchema:     a.InputSchema,
			AllowedRoles:    a.AllowedRoles,
			Summary:         a.Summary,
			Description:     a.Description,
		})
	}
	return apps
}

// InteractiveApps converts the decoded interactive application map into
// domain values.
func (c *Config) InteractiveApps() []domain.InteractiveApplication {
	apps := make([]domain.InteractiveApplication, 0, len(c.InteractiveApplications))
	for name, a := range c.InteractiveApplications {
		apps = append(apps, domain.InteractiveApplication{
			Name:            name,
			CommandTemplate: a.CommandTemplate,
			InputSchema:     a.InputSchema,
			JobApplication:  a.JobApplication,
			Timeout:         a.Timeout,
		})
	}
	return apps
}

// BuildDestinations constructs every configured Scheduler and Filesystem
// adapter and assembles them into a core.DestinationSet.
func (c *Config) BuildDestinations(logger core.Logger) (*core.DestinationSet, error) {
	dests := make([]*core.Destination, 0, len(c.Destinations))
	for name, d := range c.Destinations {
		sched, err := buildScheduler(name, d.Scheduler, logger)
		if err != nil {
			return nil, fmt.Errorf("destination %q scheduler: %w", name, err)
		}
		fs, err := buildFilesystem(name, d.Filesystem)
		if err != nil {
			return nil, fmt.Errorf("destination %q filesystem: %w", name, err)
		}
		dests = append(dests, &core.Destination{Name: name, Scheduler: sched, Filesystem: fs})
	}
	ds, err := core.NewDestinationSet(dests)
	if err != nil {
		return nil, err
	}
	return ds, nil
}

func typeOf(raw map[string]any) string {
	t, _ := raw["type"].(string)
	return t
}

func decodeTyped(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}
	return dec.Decode(raw)
}

func decodeWithDefaults(raw map[string]any, out any) error {
	if err := defaults.Set(out); err != nil {
		return fmt.Errorf("apply defaults: %w", err)
	}
	if err := decodeTyped(raw, out); err != nil {
		return fmt.Errorf("decode options: %w", err)
	}
	return validator.New().Struct(out)
}

func buildScheduler(destName string, raw map[string]any, logger core.Logger) (ports.Scheduler, error) {
	switch t := typeOf(raw); t {
	case "memory":
		var c memoryscheduler.Config
		if err := decodeWithDefaults(raw, &c); err != nil {
			return nil, err
		}
		return memoryscheduler.New(c, logger), nil
	case "slurm":
		var c slurmscheduler.Config
		if err := decodeWithDefaults(raw, &c); err != nil {
			return nil, err
		}
		return slurmscheduler.New(c, logger)
	case "arq":
		var c queuescheduler.Config
		if err := decodeWithDefaults(raw, &c); err != nil {
			return nil, err
		}
		return queuescheduler.New(c)
	case "dirac":
		var c gridscheduler.Config
		if err := decodeWithDefaults(raw, &c); err != nil {
			return nil, err
		}
		return gridscheduler.New(c), nil
	default:
		return nil, domain.NewConfigurationError(destName, fmt.Sprintf("unknown scheduler type %q", t), nil)
	}
}

func buildFilesystem(destName string, raw map[string]any) (ports.Filesystem, error) {
	switch t := typeOf(raw); t {
	case "local":
		return localfs.New(), nil
	case "sftp":
		var c sftpfs.Config
		if err := decodeWithDefaults(raw, &c); err != nil {
			return nil, err
		}
		return sftpfs.New(c)
	case "dirac":
		var c gridfs.Config
		if err := decodeWithDefaults(raw, &c); err != nil {
			return nil, err
		}
		return gridfs.New(c), nil
	default:
		return nil, domain.NewConfigurationError(destName, fmt.Sprintf("unknown filesystem type %q", t), nil)
	}
}
