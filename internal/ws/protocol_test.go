package ws

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestMarshalListen(t *testing.T) {
	req := Request{
		Type:  TypeListen,
		Nonce: "abc",
		Data: &RequestData{
			Topics:    []string{"user-drop-events.123"},
			AuthToken: "tok",
		},
	}

	out, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "LISTEN",
		"nonce": "abc",
		"data": {"topics": ["user-drop-events.123"], "auth_token": "tok"}
	}`, string(out))
}

func TestRequestMarshalPingOmitsEmptyFields(t *testing.T) {
	out, err := json.Marshal(Request{Type: TypePing})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"PING"}`, string(out))
}

func TestResponseUnmarshalMessage(t *testing.T) {
	raw := `{
		"type": "MESSAGE",
		"data": {"topic": "video-playback-by-id.42", "message": "{\"type\":\"stream-up\"}"}
	}`

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(raw), &resp))
	assert.Equal(t, TypeMessage, resp.Type)

	var data MessageData
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, "video-playback-by-id.42", data.Topic)
	assert.Equal(t, `{"type":"stream-up"}`, data.Message)
}

func TestResponseUnmarshalError(t *testing.T) {
	var resp Response
	require.NoError(t, json.Unmarshal(
		[]byte(`{"type":"RESPONSE","nonce":"n1","error":"ERR_BADAUTH"}`), &resp))
	assert.Equal(t, TypeResponse, resp.Type)
	assert.Equal(t, "n1", resp.Nonce)
	assert.Equal(t, "ERR_BADAUTH", resp.Error)
}
