package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessageStreamUp(t *testing.T) {
	raw := []byte(`{"type":"stream-up","server_time":1700000000,"play_delay":0}`)

	msg, err := ParseMessage("video-playback-by-id.12345", raw)
	require.NoError(t, err)

	assert.Equal(t, "video-playback-by-id", msg.Topic)
	assert.Equal(t, "12345", msg.TargetID)
	assert.Equal(t, MsgTypeStreamUp, msg.Type)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), msg.Timestamp)

	kind, ok := msg.Kind()
	require.True(t, ok)
	assert.Equal(t, TopicStreamState, kind)
}

func TestParseMessageDropProgress(t *testing.T) {
	raw := []byte(`{
		"type": "drop-progress",
		"data": {
			"drop_id": "d-1",
			"current_progress_min": 42,
			"required_progress_min": 60,
			"timestamp": "2026-08-24T12:00:00Z"
		}
	}`)

	msg, err := ParseMessage("user-drop-events.999", raw)
	require.NoError(t, err)

	assert.Equal(t, "d-1", msg.DropID())
	current, required, ok := msg.ProgressMinutes()
	require.True(t, ok)
	assert.Equal(t, 42, current)
	assert.Equal(t, 60, required)
	assert.Equal(t, time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC), msg.Timestamp)

	kind, ok := msg.Kind()
	require.True(t, ok)
	assert.Equal(t, TopicUserDrops, kind)
}

func TestParseMessageDropClaim(t *testing.T) {
	raw := []byte(`{"type":"drop-claim","data":{"drop_id":"d-1","drop_instance_id":"inst-1"}}`)

	msg, err := ParseMessage("user-drop-events.999", raw)
	require.NoError(t, err)
	assert.Equal(t, MsgTypeDropClaim, msg.Type)
	assert.Equal(t, "inst-1", msg.DropInstanceID())
}

func TestParseMessageUnknownTopic(t *testing.T) {
	msg, err := ParseMessage("some-other-topic.1", []byte(`{"type":"whatever"}`))
	require.NoError(t, err)
	_, ok := msg.Kind()
	assert.False(t, ok)
}

func TestParseMessageMalformed(t *testing.T) {
	_, err := ParseMessage("video-playback-by-id.1", []byte(`{not json`))
	assert.Error(t, err)
}

func TestParseMessageMissingProgressFields(t *testing.T) {
	msg, err := ParseMessage("user-drop-events.1", []byte(`{"type":"drop-progress","data":{"drop_id":"d"}}`))
	require.NoError(t, err)
	_, _, ok := msg.ProgressMinutes()
	assert.False(t, ok)
}

func TestTopicString(t *testing.T) {
	assert.Equal(t, "video-playback-by-id.77", NewChannelTopic(TopicStreamState, "77").String())
	assert.Equal(t, "user-drop-events.1", NewUserTopic(TopicUserDrops, "1").String())
	assert.True(t, TopicUserDrops.UserScoped())
	assert.False(t, TopicStreamState.UserScoped())
}
