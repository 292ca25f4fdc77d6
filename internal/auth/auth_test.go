package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arvell/drops-agent/internal/constants"
	"github.com/arvell/drops-agent/internal/httpx"
	"github.com/arvell/drops-agent/internal/logger"
)

func testAuthenticator(t *testing.T, cookieFile string) *Authenticator {
	t.Helper()
	log, err := logger.Setup(logger.Config{Level: slog.LevelError})
	require.NoError(t, err)
	return NewAuthenticator(cookieFile, &http.Client{}, nil, log)
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func tokenEndpointResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestRequestTokenAccessDenied(t *testing.T) {
	log, err := logger.Setup(logger.Config{Level: slog.LevelError})
	require.NoError(t, err)

	client := &http.Client{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
		return tokenEndpointResponse(http.StatusBadRequest,
			`{"status":400,"message":"access_denied"}`), nil
	})}
	a := NewAuthenticator(filepath.Join(t.TempDir(), "cookies.jar"), client, nil, log)

	_, err = a.requestToken(context.Background(), "device-code")
	assert.ErrorIs(t, err, ErrCaptchaRequired)
}

func TestRequestTokenPending(t *testing.T) {
	log, err := logger.Setup(logger.Config{Level: slog.LevelError})
	require.NoError(t, err)

	client := &http.Client{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
		return tokenEndpointResponse(http.StatusBadRequest,
			`{"status":400,"message":"authorization_pending"}`), nil
	})}
	a := NewAuthenticator(filepath.Join(t.TempDir(), "cookies.jar"), client, nil, log)

	resp, err := a.requestToken(context.Background(), "device-code")
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestGenerateDeviceID(t *testing.T) {
	a := generateDeviceID()
	b := generateDeviceID()

	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
	for _, r := range a {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		assert.True(t, ok, "unexpected character %q", r)
	}
}

func TestGenerateHex(t *testing.T) {
	h := GenerateHex(16)
	assert.Len(t, h, 32)
	for _, r := range h {
		ok := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')
		assert.True(t, ok, "unexpected character %q", r)
	}
	assert.NotEqual(t, h, GenerateHex(16))
}

func TestHeaders(t *testing.T) {
	a := testAuthenticator(t, filepath.Join(t.TempDir(), "cookies.jar"))
	a.authToken = "tok"
	a.deviceID = "dev"

	h := a.Headers()
	assert.Equal(t, "OAuth tok", h["Authorization"])
	assert.Equal(t, constants.ClientID, h["Client-Id"])
	assert.Equal(t, "dev", h["X-Device-Id"])
	assert.Equal(t, constants.DefaultUserAgent, h["User-Agent"])

	// Session ID is a fresh UUID per process.
	_, err := uuid.Parse(h["Client-Session-Id"])
	assert.NoError(t, err)
	assert.Equal(t, a.SessionID(), h["Client-Session-Id"])
}

func TestRestoreDeviceID(t *testing.T) {
	file := filepath.Join(t.TempDir(), "cookies.jar")

	jar := httpx.NewCookieJar()
	jar.Set("unique_id", "persisted-device")
	require.NoError(t, jar.Save(file))

	a := testAuthenticator(t, file)
	require.NoError(t, a.cookieJar.Load(file))
	a.restoreDeviceID()
	assert.Equal(t, "persisted-device", a.DeviceID())

	// A present device ID is never regenerated.
	a.ensureDeviceID()
	assert.Equal(t, "persisted-device", a.DeviceID())
}

func TestEnsureDeviceIDGenerates(t *testing.T) {
	a := testAuthenticator(t, filepath.Join(t.TempDir(), "cookies.jar"))
	a.ensureDeviceID()
	first := a.DeviceID()
	assert.Len(t, first, 32)

	a.ensureDeviceID()
	assert.Equal(t, first, a.DeviceID())
	assert.Equal(t, first, a.cookieJar.Get("unique_id"))
}

func TestInvalidateClearsPersistedToken(t *testing.T) {
	file := filepath.Join(t.TempDir(), "cookies.jar")
	a := testAuthenticator(t, file)
	a.authToken = "tok"
	a.cookieJar.Set("auth-token", "tok")

	a.Invalidate()

	assert.Empty(t, a.AuthToken())

	restored := httpx.NewCookieJar()
	require.NoError(t, restored.Load(file))
	assert.Empty(t, restored.Get("auth-token"))
}
