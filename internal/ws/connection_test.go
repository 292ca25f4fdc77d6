package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arvell/drops-agent/internal/model"
)

func readFrame(t *testing.T, ch <-chan []byte) Request {
	t.Helper()
	select {
	case data := <-ch:
		var req Request
		require.NoError(t, json.Unmarshal(data, &req))
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("no frame written")
		return Request{}
	}
}

func TestCloseReleasesMessageStream(t *testing.T) {
	conn := newConnection(nil, 0, staticAuth{}, testLogger(t))

	conn.Close()
	_, open := <-conn.Messages()
	assert.False(t, open)

	// A second close of a retired connection must be a no-op.
	conn.Close()
}

func TestBadAuthRelistensWithFreshToken(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	conn := newConnection(nil, 0, staticAuth{token: "tok"}, testLogger(t))
	conn.clock = clock

	topic := model.NewUserTopic(model.TopicUserDrops, "123")
	require.NoError(t, conn.Subscribe([]model.Topic{topic}))

	first := readFrame(t, conn.writeCh)
	require.Equal(t, TypeListen, first.Type)

	ctx := context.Background()
	conn.handleResponse(ctx, &Response{
		Type:  TypeResponse,
		Nonce: first.Nonce,
		Error: "ERR_BADAUTH",
	})

	clock.BlockUntilContext(ctx, 1)
	clock.Advance(badAuthRetryDelay)

	retry := readFrame(t, conn.writeCh)
	assert.Equal(t, TypeListen, retry.Type)
	require.NotNil(t, retry.Data)
	assert.Equal(t, []string{topic.String()}, retry.Data.Topics)
	assert.Equal(t, "tok", retry.Data.AuthToken)
	assert.NotEqual(t, first.Nonce, retry.Nonce)
}

func TestBadAuthSkipsUnsubscribedTopic(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	conn := newConnection(nil, 0, staticAuth{token: "tok"}, testLogger(t))
	conn.clock = clock

	topic := model.NewUserTopic(model.TopicUserDrops, "123")
	require.NoError(t, conn.Subscribe([]model.Topic{topic}))
	first := readFrame(t, conn.writeCh)

	ctx := context.Background()
	conn.handleResponse(ctx, &Response{
		Type:  TypeResponse,
		Nonce: first.Nonce,
		Error: "ERR_BADAUTH",
	})

	require.NoError(t, conn.Unsubscribe([]model.Topic{topic}))
	unlisten := readFrame(t, conn.writeCh)
	require.Equal(t, TypeUnlisten, unlisten.Type)

	clock.BlockUntilContext(ctx, 1)
	clock.Advance(badAuthRetryDelay)

	select {
	case data := <-conn.writeCh:
		t.Fatalf("unexpected frame after unsubscribe: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}
