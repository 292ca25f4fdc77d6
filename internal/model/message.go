package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MessageType identifies the payload kind inside a pub-sub MESSAGE.
type MessageType string

const (
	// Stream state messages.
	MsgTypeStreamUp   MessageType = "stream-up"
	MsgTypeStreamDown MessageType = "stream-down"
	MsgTypeViewCount  MessageType = "viewcount"
	MsgTypeCommercial MessageType = "commercial"

	// Broadcast settings messages.
	MsgTypeBroadcastSettings MessageType = "broadcast_settings_update"

	// Drop messages.
	MsgTypeDropProgress MessageType = "drop-progress"
	MsgTypeDropClaim    MessageType = "drop-claim"

	// Notification messages.
	MsgTypeCreateNotification MessageType = "create-notification"
)

// Message is a parsed pub-sub message routed to a handler by topic kind.
type Message struct {
	Topic      string         `json:"topic"`
	TargetID   string         `json:"target_id"`
	Type       MessageType    `json:"type"`
	Data       map[string]any `json:"data,omitempty"`
	Raw        map[string]any `json:"-"`
	Timestamp  time.Time      `json:"timestamp"`
	Identifier string         `json:"identifier"`
}

// ParseMessage decodes a raw pub-sub message for the given wire topic.
func ParseMessage(topicFull string, rawJSON []byte) (*Message, error) {
	topic, targetID := splitTopic(topicFull)

	var body map[string]any
	if err := json.Unmarshal(rawJSON, &body); err != nil {
		return nil, fmt.Errorf("parsing message body: %w", err)
	}

	msgType, _ := body["type"].(string)
	data, _ := body["data"].(map[string]any)

	msg := &Message{
		Topic:    topic,
		TargetID: targetID,
		Type:     MessageType(msgType),
		Data:     data,
		Raw:      body,
	}
	msg.Timestamp = msg.resolveTimestamp()
	msg.Identifier = fmt.Sprintf("%s.%s.%s", msg.Type, msg.Topic, msg.TargetID)

	return msg, nil
}

// Kind maps the wire topic back to its TopicKind. The boolean is false for
// topics this agent never subscribes to.
func (m *Message) Kind() (TopicKind, bool) {
	for kind, name := range topicNames {
		if name == m.Topic {
			return kind, true
		}
	}
	return 0, false
}

// DropID extracts the drop identifier from drop-progress/drop-claim data.
func (m *Message) DropID() string {
	if m.Data == nil {
		return ""
	}
	id, _ := m.Data["drop_id"].(string)
	return id
}

// ProgressMinutes extracts the authoritative minute counter from a
// drop-progress message.
func (m *Message) ProgressMinutes() (current, required int, ok bool) {
	if m.Data == nil {
		return 0, 0, false
	}
	cur, okCur := m.Data["current_progress_min"].(float64)
	req, okReq := m.Data["required_progress_min"].(float64)
	if !okCur || !okReq {
		return 0, 0, false
	}
	return int(cur), int(req), true
}

// DropInstanceID extracts the claim handle from a drop-claim message.
func (m *Message) DropInstanceID() string {
	if m.Data == nil {
		return ""
	}
	id, _ := m.Data["drop_instance_id"].(string)
	return id
}

func (m *Message) resolveTimestamp() time.Time {
	if m.Data != nil {
		if ts, ok := m.Data["timestamp"].(string); ok {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				return t
			}
		}
		if st, ok := m.Data["server_time"].(float64); ok {
			return time.Unix(int64(st), 0).UTC()
		}
	}
	if st, ok := m.Raw["server_time"].(float64); ok {
		return time.Unix(int64(st), 0).UTC()
	}
	return time.Now().UTC()
}

func (m *Message) String() string {
	return fmt.Sprintf("Message(type=%s, topic=%s, target=%s)", m.Type, m.Topic, m.TargetID)
}

func splitTopic(topicFull string) (string, string) {
	if i := strings.LastIndexByte(topicFull, '.'); i >= 0 {
		return topicFull[:i], topicFull[i+1:]
	}
	return topicFull, ""
}
