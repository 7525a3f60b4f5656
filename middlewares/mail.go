package middlewares

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"os"
	"strings"

	mail "github.com/go-mail/mail/v2"

	"github.com/netresearch/jobbroker/core"
)

// MailConfig configuration for the Mail notifier
type MailConfig struct {
	SMTPHost          string `mapstructure:"smtp-host"`
	SMTPPort          int    `mapstructure:"smtp-port"`
	SMTPUser          string `mapstructure:"smtp-user" json:"-"`
	SMTPPassword      string `mapstructure:"smtp-password" json:"-"`
	SMTPTLSSkipVerify bool   `mapstructure:"smtp-tls-skip-verify"`
	EmailTo           string `mapstructure:"email-to"`
	EmailFrom         string `mapstructure:"email-from"`
	EmailSubject      string `mapstructure:"email-subject"`
	MailOnlyOnError   bool   `mapstructure:"mail-only-on-error"`
	// Dedup is the notification deduplicator (set by config loader)
	Dedup *NotificationDedup `mapstructure:"-" json:"-"`

	// subjectTemplate is parsed from EmailSubject (internal, set by NewMail)
	subjectTemplate *template.Template
}

// NewMail returns a Mail notifier if the given configuration is not empty.
func NewMail(c *MailConfig) core.NotifyMiddleware {
	var m core.NotifyMiddleware

	if !IsEmpty(c) {
		if c.EmailSubject != "" {
			tmpl := template.New("custom-mail-subject")
			tmpl.Funcs(map[string]interface{}{"status": func(n core.NotifyEvent) string { return n.State }})
			if parsed, err := tmpl.Parse(c.EmailSubject); err == nil {
				c.subjectTemplate = parsed
			}
		}
		m = &Mail{MailConfig: *c}
	}

	return m
}

// Mail delivers an email when a job reaches a terminal state.
type Mail struct {
	MailConfig
}

// Notify sends an email describing the terminal job.
func (m *Mail) Notify(n core.NotifyEvent) error {
	if n.State != "error" && m.MailOnlyOnError {
		return nil
	}
	if m.Dedup != nil && n.State == "error" && !m.Dedup.ShouldNotify(n) {
		return nil
	}
	return m.sendMail(n)
}

func (m *Mail) sendMail(n core.NotifyEvent) error {
	msg := mail.NewMessage()
	msg.SetHeader("From", m.from())
	msg.SetHeader("To", strings.Split(m.EmailTo, ",")...)
	msg.SetHeader("Subject", m.subject(n))
	msg.SetBody("text/html", m.body(n))

	base := fmt.Sprintf("job_%s_%d", n.JobName, n.JobID)
	msg.Attach(base+".json", mail.SetCopyFunc(func(w io.Writer) error {
		js, _ := json.MarshalIndent(n, "", "  ")
		if _, err := w.Write(js); err != nil {
			return fmt.Errorf("write json attachment: %w", err)
		}
		return nil
	}))

	d := mail.NewDialer(m.SMTPHost, m.SMTPPort, m.SMTPUser, m.SMTPPassword)
	if m.SMTPTLSSkipVerify {
		// #nosec G402 -- explicit opt-in for development/legacy servers via config.
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	if err := d.DialAndSend(msg); err != nil {
		return fmt.Errorf("dial and send mail: %w", err)
	}
	return nil
}

func (m *Mail) from() string {
	if !strings.Contains(m.EmailFrom, "%") {
		return m.EmailFrom
	}

	hostname, _ := os.Hostname()
	return fmt.Sprintf(m.EmailFrom, hostname)
}

func (m *Mail) subject(n core.NotifyEvent) string {
	buf := bytes.NewBuffer(nil)

	tmpl := mailSubjectTemplate
	if m.subjectTemplate != nil {
		tmpl = m.subjectTemplate
	}
	_ = tmpl.Execute(buf, n)

	return buf.String()
}

func (m *Mail) body(n core.NotifyEvent) string {
	buf := bytes.NewBuffer(nil)
	_ = mailBodyTemplate.Execute(buf, n)

	return buf.String()
}

var mailBodyTemplate, mailSubjectTemplate *template.Template

func init() {
	f := map[string]interface{}{
		"status": func(n core.NotifyEvent) string { return n.State },
	}

	mailBodyTemplate = template.New("mail-body")
	mailSubjectTemplate = template.New("mail-subject")
	mailBodyTemplate.Funcs(f)
	mailSubjectTemplate.Funcs(f)

	template.Must(mailBodyTemplate.Parse(`
		<p>
			Job ​<b>{{.JobName}}</b> ({{.Application}}),
			finished <b>{{status .}}</b>​,
			reason: ​<pre>{{.Reason}}</pre>​
		</p>
  `))

	template.Must(mailSubjectTemplate.Parse(
		"[{{status .}}] Job {{.JobName}} ({{.Application}})",
	))
}
