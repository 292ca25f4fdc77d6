package model

import "fmt"

// TopicKind identifies the category of a pub-sub subscription.
type TopicKind int

const (
	// TopicUserDrops carries drop progress and claim events for the user.
	TopicUserDrops TopicKind = iota
	// TopicUserNotifications carries on-site notifications for the user.
	TopicUserNotifications
	// TopicStreamState tracks stream up/down and viewer counts for a channel.
	TopicStreamState
	// TopicStreamUpdate tracks broadcast settings changes for a channel.
	TopicStreamUpdate
)

var topicNames = map[TopicKind]string{
	TopicUserDrops:         "user-drop-events",
	TopicUserNotifications: "onsite-notifications",
	TopicStreamState:       "video-playback-by-id",
	TopicStreamUpdate:      "broadcast-settings-update",
}

// String returns the wire prefix for this topic kind.
func (k TopicKind) String() string {
	if name, ok := topicNames[k]; ok {
		return name
	}
	return "unknown"
}

// UserScoped reports whether the kind targets the user rather than a channel.
func (k TopicKind) UserScoped() bool {
	return k == TopicUserDrops || k == TopicUserNotifications
}

// Topic is a single pub-sub subscription: a kind plus its target
// (user ID or channel ID).
type Topic struct {
	Kind     TopicKind `json:"kind"`
	TargetID string    `json:"target_id"`
}

// NewUserTopic builds a user-scoped topic.
func NewUserTopic(kind TopicKind, userID string) Topic {
	return Topic{Kind: kind, TargetID: userID}
}

// NewChannelTopic builds a channel-scoped topic.
func NewChannelTopic(kind TopicKind, channelID string) Topic {
	return Topic{Kind: kind, TargetID: channelID}
}

// String returns the full wire topic in "name.id" form.
func (t Topic) String() string {
	return fmt.Sprintf("%s.%s", t.Kind, t.TargetID)
}
