package middlewares

import (
	"fmt"
	"os"
	"time"
)

// TriggerType defines when a webhook notification should be sent
type TriggerType string

const (
	TriggerAlways  TriggerType = "always"  // Send on every execution
	TriggerError   TriggerType = "error"   // Send only on errors
	TriggerSuccess TriggerType = "success" // Send only on success
)

// WebhookConfig holds configuration for a single webhook endpoint
type WebhookConfig struct {
	// Name is the unique identifier for this webhook (from the config section name)
	Name string `mapstructure:"-"`

	// Preset specifies the preset to use (e.g., "slack", "discord", "gh:org/repo/preset.yaml@v1.0")
	Preset string `mapstructure:"preset"`

	// ID is a generic identifier used by the preset's URL scheme (e.g., Slack workspace/bot ID)
	ID string `mapstructure:"id" json:"-"`

	// Secret is a generic secret/token used by the preset's URL scheme
	Secret string `mapstructure:"secret" json:"-"`

	// URL overrides the preset's url_scheme entirely (useful for custom endpoints)
	URL string `mapstructure:"url" json:"-"`

	// Link is an optional URL to include in notifications (e.g., link to logs, dashboard)
	Link string `mapstructure:"link"`

	// LinkText is the display text for the link (defaults to "View Details" if link is set)
	LinkText string `mapstructure:"link-text"`

	// Trigger determines when to send notifications
	Trigger TriggerType `mapstructure:"trigger"`

	// Timeout for the HTTP request
	Timeout time.Duration `mapstructure:"timeout"`

	// RetryCount is the number of retry attempts on failure
	RetryCount int `mapstructure:"retry-count"`

	// RetryDelay is the delay between retry attempts
	RetryDelay time.Duration `mapstructure:"retry-delay"`

	// CustomVars holds additional custom variables for template expansion
	CustomVars map[string]string `mapstructure:"-"`

	// Dedup is the notification deduplicator (set by config loader)
	Dedup *NotificationDedup `mapstructure:"-" json:"-"`
}

// WebhookGlobalConfig holds global webhook settings
type WebhookGlobalConfig struct {
	// Webhooks is a comma-separated list of webhook names to use globally
	Webhooks string `mapstructure:"webhooks"`

	// AllowRemotePresets enables fetching presets from remote URLs
	AllowRemotePresets bool `mapstructure:"allow-remote-presets"`

	// TrustedPresetSources is a comma-separated list of trusted remote preset sources.
	// Supports glob patterns (e.g., "gh:netresearch/*").
	TrustedPresetSources string `mapstructure:"trusted-preset-sources"`

	// PresetCacheTTL is how long to cache remote presets
	PresetCacheTTL time.Duration `mapstructure:"preset-cache-ttl"`

	// PresetCacheDir is the directory for caching remote presets
	PresetCacheDir string `mapstructure:"preset-cache-dir"`
}

// WebhookData is the data structure passed to webhook templates
type WebhookData struct {
	Job    WebhookJobData
	Job2   WebhookJobStateData
	Host   WebhookHostData
	Broker WebhookBrokerData
}

// WebhookJobData contains job identity information for templates
type WebhookJobData struct {
	Name        string
	Application string
	Destination string
}

// WebhookJobStateData contains terminal-state information for templates
type WebhookJobStateData struct {
	State    string
	Reason   string
	ExitCode *int
}

// WebhookHostData contains host information for templates
type WebhookHostData struct {
	Hostname  string
	Timestamp time.Time
}

// WebhookBrokerData contains broker metadata for templates
type WebhookBrokerData struct {
	Version string
}

// DefaultWebhookConfig returns default webhook configuration values
func DefaultWebhookConfig() *WebhookConfig {
	return &WebhookConfig{
		Trigger:    TriggerError,
		Timeout:    10 * time.Second,
		RetryCount: 3,
		RetryDelay: 5 * time.Second,
	}
}

// DefaultWebhookGlobalConfig returns default global webhook configuration
func DefaultWebhookGlobalConfig() *WebhookGlobalConfig {
	cacheDir := os.TempDir()
	if xdgCache := os.Getenv("XDG_CACHE_HOME"); xdgCache != "" {
		cacheDir = xdgCache + "/jobbroker/presets"
	}

	return &WebhookGlobalConfig{
		AllowRemotePresets:   false,
		TrustedPresetSources: "",
		PresetCacheTTL:       24 * time.Hour,
		PresetCacheDir:       cacheDir,
	}
}

// Validate checks the webhook configuration for errors
func (c *WebhookConfig) Validate() error {
	if c.Preset == "" && c.URL == "" {
		return fmt.Errorf("webhook %q: either preset or url must be specified", c.Name)
	}

	// Validate trigger type
	switch c.Trigger {
	case TriggerAlways, TriggerError, TriggerSuccess, "":
		// Valid or empty (will use default)
	default:
		return fmt.Errorf("webhook %q: invalid trigger %q (must be always, error, or success)", c.Name, c.Trigger)
	}

	if c.Timeout < 0 {
		return fmt.Errorf("webhook %q: timeout cannot be negative", c.Name)
	}

	if c.RetryCount < 0 {
		return fmt.Errorf("webhook %q: retry-count cannot be negative", c.Name)
	}

	if c.RetryDelay < 0 {
		return fmt.Errorf("webhook %q: retry-delay cannot be negative", c.Name)
	}

	return nil
}

// ApplyDefaults applies default values to empty fields
func (c *WebhookConfig) ApplyDefaults() {
	defaults := DefaultWebhookConfig()

	if c.Trigger == "" {
		c.Trigger = defaults.Trigger
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.Timeout
	}
	if c.RetryCount == 0 {
		c.RetryCount = defaults.RetryCount
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = defaults.RetryDelay
	}
}

// ShouldNotify determines if a notification should be sent based on trigger and execution state
func (c *WebhookConfig) ShouldNotify(failed, skipped bool) bool {
	switch c.Trigger {
	case TriggerError:
		return failed
	case TriggerSuccess:
		return !failed && !skipped
	case TriggerAlways:
		return true
	default:
		return failed // Default to error-only
	}
}
