package notify

import "github.com/arvell/drops-agent/internal/model"

// baseNotifier provides the shared Name/IsEnabled/ShouldNotify boilerplate
// for the concrete providers.
type baseNotifier struct {
	name    string
	enabled bool
	events  []model.Event
}

// Name returns the human-readable name of the notifier.
func (b *baseNotifier) Name() string { return b.name }

// IsEnabled reports whether this notifier is active.
func (b *baseNotifier) IsEnabled() bool { return b.enabled }

// ShouldNotify reports whether this notifier should fire for the given
// event. An empty filter matches everything.
func (b *baseNotifier) ShouldNotify(event model.Event) bool {
	if len(b.events) == 0 {
		return true
	}
	return containsEvent(b.events, event)
}
