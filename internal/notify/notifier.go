// Package notify dispatches agent events to external providers (generic
// webhook, Discord, Telegram) with per-provider event filtering.
package notify

import (
	"context"
	"net/http"
	"time"

	"github.com/arvell/drops-agent/internal/logger"
	"github.com/arvell/drops-agent/internal/model"
	"github.com/arvell/drops-agent/internal/settings"
)

// defaultHTTPTimeout is the timeout for notification HTTP requests.
const defaultHTTPTimeout = 5 * time.Second

// Notifier is the interface every notification provider implements.
type Notifier interface {
	Send(ctx context.Context, event model.Event, title, message string) error
	Name() string
	IsEnabled() bool
	ShouldNotify(event model.Event) bool
}

// Dispatcher fans notifications out to every enabled provider that
// matches the event.
type Dispatcher struct {
	notifiers []Notifier
	log       *logger.Logger
}

// NewDispatcher builds a Dispatcher from the notifications configuration.
func NewDispatcher(cfg settings.NotificationsConfig, log *logger.Logger) *Dispatcher {
	d := &Dispatcher{log: log}

	httpClient := &http.Client{
		Timeout: defaultHTTPTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     30 * time.Second,
		},
	}

	if cfg.Webhook != nil && cfg.Webhook.URL != "" {
		method := cfg.Webhook.Method
		if method == "" {
			method = http.MethodPost
		}
		d.notifiers = append(d.notifiers, &Webhook{
			baseNotifier: baseNotifier{name: "Webhook", enabled: true, events: parseEvents(cfg.Webhook.Events)},
			url:          cfg.Webhook.URL,
			method:       method,
			httpClient:   httpClient,
		})
	}

	if cfg.Discord != nil && cfg.Discord.WebhookURL != "" {
		d.notifiers = append(d.notifiers, &Discord{
			baseNotifier: baseNotifier{name: "Discord", enabled: true, events: parseEvents(cfg.Discord.Events)},
			webhookURL:   cfg.Discord.WebhookURL,
			httpClient:   httpClient,
		})
	}

	if cfg.Telegram != nil && cfg.Telegram.Token != "" {
		d.notifiers = append(d.notifiers, &Telegram{
			baseNotifier: baseNotifier{name: "Telegram", enabled: true, events: parseEvents(cfg.Telegram.Events)},
			token:        cfg.Telegram.Token,
			chatID:       cfg.Telegram.ChatID,
			httpClient:   httpClient,
		})
	}

	return d
}

// Dispatch sends a notification to every matching provider. Sends run in
// their own goroutines so callers never block on a slow endpoint.
func (d *Dispatcher) Dispatch(ctx context.Context, event model.Event, title, message string) {
	for _, n := range d.notifiers {
		if !n.IsEnabled() || !n.ShouldNotify(event) {
			continue
		}
		go func(notifier Notifier) {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultHTTPTimeout)
			defer cancel()
			if err := notifier.Send(sendCtx, event, title, message); err != nil {
				d.log.Warn("Notification send failed",
					"provider", notifier.Name(),
					"event", string(event),
					"error", err,
				)
			}
		}(n)
	}
}

// NotifyFunc adapts the dispatcher to the logger's notification hook.
func (d *Dispatcher) NotifyFunc() logger.NotifyFunc {
	return func(ctx context.Context, message string, event model.Event) {
		d.Dispatch(ctx, event, "Drops Agent", message)
	}
}

// HasNotifiers reports whether any providers are configured.
func (d *Dispatcher) HasNotifiers() bool {
	return len(d.notifiers) > 0
}

func parseEvents(names []string) []model.Event {
	events := make([]model.Event, 0, len(names))
	for _, name := range names {
		if e := model.ParseEvent(name); e != "" {
			events = append(events, e)
		}
	}
	return events
}

func containsEvent(events []model.Event, event model.Event) bool {
	for _, e := range events {
		if e == event {
			return true
		}
	}
	return false
}
