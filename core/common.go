package core

import (
	"reflect"
	"time"
)

func nowUTC() time.Time { return time.Now().UTC() }

// Logger is the logging seam every core component depends on instead of a
// concrete logging library, so adapters stay swappable in tests.
type Logger interface {
	Criticalf(format string, args ...any)
	Debugf(format string, args ...any)
	Errorf(format string, args ...any)
	Noticef(format string, args ...any)
	Warningf(format string, args ...any)
}

// NotifyMiddleware is invoked by the orchestrator whenever a Job reaches a
// terminal state. Implementations (Slack, mail, webhook, save-to-disk) live
// in package middlewares and never block the state machine for long; a slow
// notifier only delays the notification, not the transition itself (the
// orchestrator fires notifications after the transition commits).
type NotifyMiddleware interface {
	Notify(n NotifyEvent) error
}

// NotifyEvent is the payload handed to a NotifyMiddleware.
type NotifyEvent struct {
	JobID       int64
	JobName     string
	Application string
	Destination string
	State       string // "ok" or "error"
	Reason      string
	ExitCode    *int
}

// notifierContainer deduplicates registered notifiers by concrete type so
// the same Slack/mail/webhook config is never double-registered across
// global and per-application layers.
type notifierContainer struct {
	m     map[string]NotifyMiddleware
	order []string
}

func (c *notifierContainer) Use(ns ...NotifyMiddleware) {
	if c.m == nil {
		c.m = make(map[string]NotifyMiddleware)
	}
	for _, n := range ns {
		if n == nil {
			continue
		}
		t := reflect.TypeOf(n).String()
		if _, ok := c.m[t]; ok {
			continue
		}
		c.order = append(c.order, t)
		c.m[t] = n
	}
}

func (c *notifierContainer) All() []NotifyMiddleware {
	out := make([]NotifyMiddleware, 0, len(c.order))
	for _, t := range c.order {
		out = append(out, c.m[t])
	}
	return out
}
