package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/netresearch/jobbroker/core"
)

func TestNewWebhookNilForNilConfig(t *testing.T) {
	notifier, err := NewWebhook(nil, NewPresetLoader(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notifier != nil {
		t.Error("expected NewWebhook to return nil for a nil config")
	}
}

func TestNewWebhookRejectsInvalidConfig(t *testing.T) {
	_, err := NewWebhook(&WebhookConfig{Name: "broken"}, NewPresetLoader(nil))
	if err == nil {
		t.Error("expected an error for a config missing both preset and url")
	}
}

func TestNewWebhookRejectsMissingRequiredVariable(t *testing.T) {
	loader := NewPresetLoader(nil)
	loader.bundledPresets["needs-id"] = &Preset{
		Name:      "needs-id",
		URLScheme: "https://hooks.example.com/{id}",
		Variables: map[string]PresetVariable{
			"id": {Required: true, Description: "workspace id"},
		},
	}

	_, err := NewWebhook(&WebhookConfig{Name: "alerts", Preset: "needs-id"}, loader)
	if err == nil {
		t.Error("expected an error when a required preset variable is missing")
	}
}

func TestNewWebhookBuildsNotifierForValidConfig(t *testing.T) {
	loader := NewPresetLoader(nil)
	loader.bundledPresets["simple"] = &Preset{
		Name:      "simple",
		URLScheme: "https://hooks.example.com/{id}",
		Method:    http.MethodPost,
		Headers:   map[string]string{},
	}

	notifier, err := NewWebhook(&WebhookConfig{Name: "alerts", Preset: "simple", ID: "abc"}, loader)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notifier == nil {
		t.Fatal("expected a non-nil notifier for a valid config")
	}
}

func TestWebhookNotifySkipsWhenTriggerDoesNotMatch(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := &Webhook{
		Config: &WebhookConfig{Trigger: TriggerError, Timeout: time.Second},
		Preset: &Preset{URLScheme: srv.URL, Method: http.MethodPost, Headers: map[string]string{}},
		Client: srv.Client(),
	}

	if err := w.Notify(core.NotifyEvent{JobName: "backup", State: "ok"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Error("expected webhook to not be called for a success event under the error trigger")
	}
}

func TestWebhookNotifyPostsOnMatchingTrigger(t *testing.T) {
	// httptest listens on 127.0.0.1, which the SSRF URL check rejects;
	// replace the check for the duration of this test.
	origValidate := ValidateWebhookURL
	ValidateWebhookURL = func(string) error { return nil }
	defer func() { ValidateWebhookURL = origValidate }()

	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		gotBody = string(buf)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := &Webhook{
		Config: &WebhookConfig{Trigger: TriggerError, Timeout: time.Second},
		Preset: &Preset{
			URLScheme: srv.URL,
			Method:    http.MethodPost,
			Headers:   map[string]string{},
			Body:      `{"job":"{{ .Job.Name }}"}`,
		},
		Client: srv.Client(),
	}

	if err := w.Notify(core.NotifyEvent{JobName: "backup", State: "error", Reason: "boom"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotBody != `{"job":"backup"}` {
		t.Errorf("unexpected request body: %q", gotBody)
	}
}

func TestWebhookSendWithRetryEventuallyFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := &Webhook{
		Config: &WebhookConfig{Trigger: TriggerAlways, Timeout: time.Second, RetryCount: 1, RetryDelay: time.Millisecond},
		Preset: &Preset{URLScheme: srv.URL, Method: http.MethodPost, Headers: map[string]string{}},
		Client: srv.Client(),
	}

	if err := w.Notify(core.NotifyEvent{JobName: "backup", State: "ok"}); err == nil {
		t.Error("expected Notify to return an error after exhausting retries")
	}
}

func TestWebhookSubstituteVariables(t *testing.T) {
	w := &Webhook{Config: &WebhookConfig{ID: "abc", Secret: "s3cr3t", CustomVars: map[string]string{"channel": "ops"}}}
	got := w.substituteVariables("id={id} secret={secret} channel={channel}")
	want := "id=abc secret=s3cr3t channel=ops"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestParseWebhookNames(t *testing.T) {
	got := ParseWebhookNames(" alerts , , slack-ops ")
	want := []string{"alerts", "slack-ops"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("got %v, want %v", got, want)
	}
	if got := ParseWebhookNames(""); got != nil {
		t.Errorf("expected nil for an empty string, got %v", got)
	}
}

func TestWebhookManagerRegisterAndGet(t *testing.T) {
	m := NewWebhookManager(nil)

	if err := m.Register(&WebhookConfig{Name: ""}); err == nil {
		t.Error("expected an error for a webhook with an empty name")
	}

	if err := m.Register(&WebhookConfig{Name: "alerts", Preset: "slack"}); err != nil {
		t.Fatalf("unexpected error registering webhook: %v", err)
	}

	cfg, ok := m.Get("alerts")
	if !ok || cfg.Name != "alerts" {
		t.Error("expected to retrieve the registered webhook config")
	}

	if _, ok := m.Get("missing"); ok {
		t.Error("expected Get to report missing webhooks as not found")
	}
}

func TestWebhookManagerGetMiddlewaresUnknownName(t *testing.T) {
	m := NewWebhookManager(nil)
	if _, err := m.GetMiddlewares([]string{"does-not-exist"}); err == nil {
		t.Error("expected an error for an unregistered webhook name")
	}
}

func TestWebhookManagerGetGlobalMiddlewaresEmpty(t *testing.T) {
	m := NewWebhookManager(&WebhookGlobalConfig{})
	notifiers, err := m.GetGlobalMiddlewares()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notifiers != nil {
		t.Error("expected no notifiers when no global webhooks are configured")
	}
}

func TestValidateWebhookURLFallbackInitialized(t *testing.T) {
	if ValidateWebhookURL == nil {
		t.Fatal("expected ValidateWebhookURL to be initialized")
	}
	if err := ValidateWebhookURL("not-a-url"); err == nil {
		t.Error("expected an invalid URL to fail validation")
	}
}
