// Package model holds the in-memory domain entities: campaigns, drops,
// benefits, games, channels, streams, and the pub-sub topic and message
// types. Cross-references between entities are identifiers, not pointers;
// the owning services enforce the invariants through the typed mutators.
package model

// Event classifies log lines that are worth surfacing to the user or to
// an external notifier.
type Event string

const (
	EventDropClaim      Event = "DROP_CLAIM"
	EventDropStatus     Event = "DROP_STATUS"
	EventChannelOnline  Event = "CHANNEL_ONLINE"
	EventChannelOffline Event = "CHANNEL_OFFLINE"
	EventChannelSwitch  Event = "CHANNEL_SWITCH"
	EventLoginRequired  Event = "LOGIN_REQUIRED"
	EventManualMode     Event = "MANUAL_MODE"
	EventMaintenance    Event = "MAINTENANCE"
)

var knownEvents = map[string]Event{
	string(EventDropClaim):      EventDropClaim,
	string(EventDropStatus):     EventDropStatus,
	string(EventChannelOnline):  EventChannelOnline,
	string(EventChannelOffline): EventChannelOffline,
	string(EventChannelSwitch):  EventChannelSwitch,
	string(EventLoginRequired):  EventLoginRequired,
	string(EventManualMode):     EventManualMode,
	string(EventMaintenance):    EventMaintenance,
}

// ParseEvent maps an event name to its Event value, empty for unknown names.
func ParseEvent(name string) Event {
	return knownEvents[name]
}
