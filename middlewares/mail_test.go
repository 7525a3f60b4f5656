package middlewares

import (
	"strings"
	"testing"

	"github.com/netresearch/jobbroker/core"
)

func TestNewMailNilForEmptyConfig(t *testing.T) {
	if NewMail(&MailConfig{}) != nil {
		t.Error("expected NewMail to return nil for an empty config")
	}
}

func TestNewMailNonNilForPopulatedConfig(t *testing.T) {
	m := NewMail(&MailConfig{SMTPHost: "smtp.example.com", EmailTo: "ops@example.com"})
	if m == nil {
		t.Fatal("expected NewMail to return a notifier for a populated config")
	}
}

func TestMailFromWithoutPlaceholder(t *testing.T) {
	m := &Mail{MailConfig{EmailFrom: "jobs@example.com"}}
	if got := m.from(); got != "jobs@example.com" {
		t.Errorf("expected from() to pass through a plain address, got %q", got)
	}
}

func TestMailFromWithHostnamePlaceholder(t *testing.T) {
	m := &Mail{MailConfig{EmailFrom: "jobs+%s@example.com"}}
	got := m.from()
	if !strings.HasPrefix(got, "jobs+") || !strings.HasSuffix(got, "@example.com") {
		t.Errorf("expected hostname to be interpolated into from address, got %q", got)
	}
}

func TestMailSubjectDefaultTemplate(t *testing.T) {
	m := &Mail{}
	got := m.subject(core.NotifyEvent{JobName: "backup", Application: "backup-app", State: "error"})
	if !strings.Contains(got, "backup") || !strings.Contains(got, "error") {
		t.Errorf("expected default subject to mention job name and state, got %q", got)
	}
}

func TestMailSubjectCustomTemplate(t *testing.T) {
	c := &MailConfig{EmailSubject: "custom: {{.JobName}}"}
	NewMail(c)
	m := &Mail{MailConfig: *c}

	got := m.subject(core.NotifyEvent{JobName: "backup"})
	if got != "custom: backup" {
		t.Errorf("expected custom subject template to render, got %q", got)
	}
}

func TestMailBodyRendersReason(t *testing.T) {
	m := &Mail{}
	got := m.body(core.NotifyEvent{JobName: "backup", Application: "backup-app", State: "error", Reason: "disk full"})
	if !strings.Contains(got, "backup") || !strings.Contains(got, "disk full") {
		t.Errorf("expected body to include job name and reason, got %q", got)
	}
}

func TestMailNotifySkipsSuccessWhenOnlyOnError(t *testing.T) {
	m := &Mail{MailConfig{MailOnlyOnError: true}}
	if err := m.Notify(core.NotifyEvent{JobName: "backup", State: "ok"}); err != nil {
		t.Errorf("expected Notify to no-op (not attempt delivery) for a skipped success event, got %v", err)
	}
}
