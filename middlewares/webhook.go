package middlewares

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/netresearch/jobbroker/core"
)

// Version is set during build and used in webhook templates
var Version = "dev"

// Webhook sends an HTTP notification when a job reaches a terminal state.
type Webhook struct {
	Config       *WebhookConfig
	Preset       *Preset
	PresetLoader *PresetLoader
	Client       *http.Client
}

// NewWebhook creates a new Webhook notifier from configuration.
// Returns (nil, nil) when config is nil, indicating no notifier should be created.
func NewWebhook(config *WebhookConfig, loader *PresetLoader) (core.NotifyMiddleware, error) {
	if config == nil {
		return nil, nil //nolint:nilnil // nil config means no notifier needed, not an error
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	preset, err := loader.Load(config.Preset)
	if err != nil {
		return nil, fmt.Errorf("webhook %q: load preset %q: %w", config.Name, config.Preset, err)
	}

	if err := validatePresetVariables(preset, config); err != nil {
		return nil, fmt.Errorf("webhook %q: %w", config.Name, err)
	}

	return &Webhook{
		Config:       config,
		Preset:       preset,
		PresetLoader: loader,
		Client: &http.Client{
			Timeout:   config.Timeout,
			Transport: TransportFactory(),
		},
	}, nil
}

// validatePresetVariables checks that all required variables are provided
func validatePresetVariables(preset *Preset, config *WebhookConfig) error {
	for name, variable := range preset.Variables {
		if !variable.Required {
			continue
		}

		var value string
		switch name {
		case "id":
			value = config.ID
		case "secret":
			value = config.Secret
		case "url":
			value = config.URL
		default:
			if config.CustomVars != nil {
				value = config.CustomVars[name]
			}
		}

		if value == "" {
			return fmt.Errorf("required variable %q not provided (description: %s)", name, variable.Description)
		}
	}
	return nil
}

// Notify sends the webhook, retrying per configuration.
func (w *Webhook) Notify(n core.NotifyEvent) error {
	if !w.Config.ShouldNotify(n.State == "error", false) {
		return nil
	}
	if w.Config.Dedup != nil && n.State == "error" && !w.Config.Dedup.ShouldNotify(n) {
		return nil
	}
	return w.sendWithRetry(n)
}

// sendWithRetry sends the webhook with configurable retry logic
func (w *Webhook) sendWithRetry(n core.NotifyEvent) error {
	var lastErr error

	for attempt := 0; attempt <= w.Config.RetryCount; attempt++ {
		if attempt > 0 {
			time.Sleep(w.Config.RetryDelay)
		}

		if err := w.send(n); err != nil {
			lastErr = err
			continue
		}

		return nil
	}

	return fmt.Errorf("all %d attempts failed, last error: %w", w.Config.RetryCount+1, lastErr)
}

// send performs the actual HTTP request
func (w *Webhook) send(n core.NotifyEvent) error {
	data := w.buildWebhookDataWithPreset(n)

	targetURL, err := w.Preset.BuildURL(w.Config)
	if err != nil {
		return fmt.Errorf("build URL: %w", err)
	}

	if err := ValidateWebhookURL(targetURL); err != nil {
		return fmt.Errorf("URL validation: %w", err)
	}

	body, err := w.Preset.RenderBodyWithPreset(data)
	if err != nil {
		return fmt.Errorf("render body: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(context.Background(), w.Config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, w.Preset.Method, targetURL, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	for key, value := range w.Preset.Headers {
		value = w.substituteVariables(value)
		req.Header.Set(key, value)
	}

	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// substituteVariables replaces variable placeholders in a string
func (w *Webhook) substituteVariables(s string) string {
	s = strings.ReplaceAll(s, "{id}", w.Config.ID)
	s = strings.ReplaceAll(s, "{secret}", w.Config.Secret)
	s = strings.ReplaceAll(s, "{url}", w.Config.URL)

	for k, v := range w.Config.CustomVars {
		s = strings.ReplaceAll(s, "{"+k+"}", v)
	}

	return s
}

// buildWebhookData constructs the data structure for template rendering
func (w *Webhook) buildWebhookData(n core.NotifyEvent) *WebhookData {
	hostname, _ := os.Hostname()

	data := &WebhookData{
		Job: WebhookJobData{
			Name:        n.JobName,
			Application: n.Application,
			Destination: n.Destination,
		},
		Job2: WebhookJobStateData{
			State:    n.State,
			Reason:   n.Reason,
			ExitCode: n.ExitCode,
		},
		Host: WebhookHostData{
			Hostname:  hostname,
			Timestamp: time.Now(),
		},
		Broker: WebhookBrokerData{
			Version: Version,
		},
	}

	return data
}

// WebhookManager manages multiple webhook configurations
type WebhookManager struct {
	webhooks     map[string]*WebhookConfig
	presetLoader *PresetLoader
	globalConfig *WebhookGlobalConfig
}

// NewWebhookManager creates a new webhook manager
func NewWebhookManager(globalConfig *WebhookGlobalConfig) *WebhookManager {
	if globalConfig == nil {
		globalConfig = DefaultWebhookGlobalConfig()
	}

	return &WebhookManager{
		webhooks:     make(map[string]*WebhookConfig),
		presetLoader: NewPresetLoader(globalConfig),
		globalConfig: globalConfig,
	}
}

// Register adds a webhook configuration
func (m *WebhookManager) Register(config *WebhookConfig) error {
	if config.Name == "" {
		return fmt.Errorf("webhook name cannot be empty")
	}
	m.webhooks[config.Name] = config
	return nil
}

// Get returns a webhook configuration by name
func (m *WebhookManager) Get(name string) (*WebhookConfig, bool) {
	config, ok := m.webhooks[name]
	return config, ok
}

// GetMiddlewares returns notifiers for the specified webhook names
func (m *WebhookManager) GetMiddlewares(names []string) ([]core.NotifyMiddleware, error) {
	var notifiers []core.NotifyMiddleware

	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		config, ok := m.webhooks[name]
		if !ok {
			return nil, fmt.Errorf("webhook %q not found", name)
		}

		notifier, err := NewWebhook(config, m.presetLoader)
		if err != nil {
			return nil, fmt.Errorf("create webhook %q: %w", name, err)
		}

		if notifier != nil {
			notifiers = append(notifiers, notifier)
		}
	}

	return notifiers, nil
}

// GetGlobalMiddlewares returns notifiers for globally configured webhooks
func (m *WebhookManager) GetGlobalMiddlewares() ([]core.NotifyMiddleware, error) {
	if m.globalConfig.Webhooks == "" {
		return nil, nil
	}

	names := strings.Split(m.globalConfig.Webhooks, ",")
	return m.GetMiddlewares(names)
}

// ParseWebhookNames parses a comma-separated list of webhook names
func ParseWebhookNames(s string) []string {
	if s == "" {
		return nil
	}

	parts := strings.Split(s, ",")
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			names = append(names, p)
		}
	}
	return names
}

// ValidateWebhookURL validates a URL is safe for webhook requests (SSRF protection).
// This is a forward declaration - implementation in webhook_security.go
var ValidateWebhookURL func(rawURL string) error

func init() {
	if ValidateWebhookURL == nil {
		ValidateWebhookURL = func(rawURL string) error {
			u, err := url.Parse(rawURL)
			if err != nil {
				return fmt.Errorf("invalid URL: %w", err)
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return fmt.Errorf("URL scheme must be http or https")
			}
			if u.Host == "" {
				return fmt.Errorf("URL must have a host")
			}
			return nil
		}
	}
}

// PresetDataForTemplate provides preset config to templates that need it
type PresetDataForTemplate struct {
	ID       string
	Secret   string
	URL      string
	Link     string
	LinkText string
}

// buildWebhookDataWithPreset adds preset data to webhook data for templates that reference it
func (w *Webhook) buildWebhookDataWithPreset(n core.NotifyEvent) map[string]interface{} {
	data := w.buildWebhookData(n)

	linkText := w.Config.LinkText
	if w.Config.Link != "" && linkText == "" {
		linkText = "View Details"
	}

	return map[string]interface{}{
		"Job":    data.Job,
		"State":  data.Job2,
		"Host":   data.Host,
		"Broker": data.Broker,
		"Preset": PresetDataForTemplate{
			ID:       w.Config.ID,
			Secret:   w.Config.Secret,
			URL:      w.Config.URL,
			Link:     w.Config.Link,
			LinkText: linkText,
		},
	}
}

// RenderBodyWithPreset renders the body template with both webhook data and preset config
func (p *Preset) RenderBodyWithPreset(data map[string]interface{}) (string, error) {
	if p.Body == "" {
		return "", nil
	}

	tmpl, err := template.New("body").Funcs(webhookTemplateFuncs).Parse(p.Body)
	if err != nil {
		return "", fmt.Errorf("parse body template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute body template: %w", err)
	}

	return buf.String(), nil
}
