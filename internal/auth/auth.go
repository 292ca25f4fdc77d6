// Package auth handles Twitch authentication, token management, and
// credential persistence for the agent.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/arvell/drops-agent/internal/constants"
	"github.com/arvell/drops-agent/internal/httpx"
	"github.com/arvell/drops-agent/internal/logger"
)

// ErrLoginRequired is returned when no stored credential is usable and a
// fresh device code authorization is needed.
var ErrLoginRequired = errors.New("login required")

// ErrCaptchaRequired is returned when the platform interrupts the device
// code flow with a challenge or denial that cannot be resolved headlessly.
var ErrCaptchaRequired = errors.New("verification challenge required")

// DeviceCodePrompt is invoked when the user has to authorize the agent:
// it receives the verification URI and the code to enter there.
// Implementations must be non-blocking.
type DeviceCodePrompt func(verificationURI, userCode string)

// Authenticator handles Twitch login, token management, and cookie
// persistence. It is safe for concurrent use.
type Authenticator struct {
	mu sync.RWMutex

	login         string
	authToken     string
	userID        string
	deviceID      string
	clientSession string

	cookieJar  *httpx.CookieJar
	cookieFile string

	prompt     DeviceCodePrompt
	log        *logger.Logger
	httpClient *http.Client
}

// NewAuthenticator creates an Authenticator persisting credentials to
// cookieFile. The prompt callback surfaces device code authorization
// requests; it may be nil for console-only operation.
func NewAuthenticator(cookieFile string, httpClient *http.Client, prompt DeviceCodePrompt, log *logger.Logger) *Authenticator {
	return &Authenticator{
		cookieFile:    cookieFile,
		cookieJar:     httpx.NewCookieJar(),
		clientSession: uuid.New().String(),
		prompt:        prompt,
		log:           log,
		httpClient:    httpClient,
	}
}

// Login performs the authentication flow with the following priority:
//  1. Load cookies from file → validate token → success
//     1b. If token expired, try refresh token → validate → save → success
//  2. Auth token from TWITCH_AUTH_TOKEN env var → validate → save → success
//  3. Device Code Flow (TV-style login) → surface code → poll → save → success
func (a *Authenticator) Login(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if httpx.CookieFileExists(a.cookieFile) {
		a.log.Info("Loading existing cookies", "file", a.cookieFile)
		if err := a.cookieJar.Load(a.cookieFile); err != nil {
			a.log.Warn("Failed to load cookies, will try other methods", "error", err)
		} else {
			a.restoreDeviceID()
			token := a.cookieJar.Get("auth-token")
			if token != "" {
				a.authToken = token
				if err := a.validateToken(ctx); err == nil {
					a.log.Info("Successfully authenticated from cookies",
						"login", a.login, "user_id", a.userID)
					return nil
				}
				a.log.Warn("Cached token is invalid, will try refresh")
				a.authToken = ""

				if err := a.refreshAccessToken(ctx); err == nil {
					a.log.Info("Successfully authenticated via token refresh",
						"login", a.login, "user_id", a.userID)
					return nil
				}
				a.log.Warn("Token refresh failed, will try other methods")
			}
		}
	}
	a.ensureDeviceID()

	if envToken := os.Getenv("TWITCH_AUTH_TOKEN"); envToken != "" {
		a.log.Info("Using auth token from environment")
		a.authToken = envToken
		if err := a.validateToken(ctx); err != nil {
			a.log.Warn("Auth token from env is invalid, will try device code", "error", err)
			a.authToken = ""
		} else {
			a.log.Info("Successfully authenticated with env auth token",
				"login", a.login, "user_id", a.userID)
			a.saveCookies()
			return nil
		}
	}

	a.log.Warn("No valid credentials found, starting device code login")
	if err := a.loginWithDeviceCode(ctx); err != nil {
		return fmt.Errorf("device code login failed: %w", err)
	}
	return nil
}

// validateToken checks that the current auth token is valid by calling the
// Twitch OAuth2 validate endpoint, and records the login and user ID it
// belongs to.
func (a *Authenticator) validateToken(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, constants.ValidateURL, nil)
	if err != nil {
		return fmt.Errorf("create validate request: %w", err)
	}
	req.Header.Set("Authorization", "OAuth "+a.authToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("validate token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token validation failed with status %d", resp.StatusCode)
	}

	var result struct {
		Login  string `json:"login"`
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode validate response: %w", err)
	}

	a.login = result.Login
	a.userID = result.UserID
	return nil
}

// AuthToken returns the current OAuth token.
func (a *Authenticator) AuthToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.authToken
}

// UserID returns the authenticated user's Twitch numeric ID.
func (a *Authenticator) UserID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.userID
}

// DeviceID returns the device ID used for API requests.
func (a *Authenticator) DeviceID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.deviceID
}

// SessionID returns the per-process client session ID.
func (a *Authenticator) SessionID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.clientSession
}

// Login name of the authenticated user.
func (a *Authenticator) Username() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.login
}

// Headers returns the headers attached to all Twitch API requests.
func (a *Authenticator) Headers() map[string]string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return map[string]string{
		"Authorization":     "OAuth " + a.authToken,
		"Client-Id":         constants.ClientID,
		"Client-Session-Id": a.clientSession,
		"X-Device-Id":       a.deviceID,
		"User-Agent":        constants.DefaultUserAgent,
	}
}

// Invalidate drops the cached token after the API reports it expired, so
// the next Login run re-authorizes.
func (a *Authenticator) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.authToken = ""
	a.cookieJar.Set("auth-token", "")
	if err := a.cookieJar.Save(a.cookieFile); err != nil {
		a.log.Warn("Failed to save cookies after invalidation", "error", err)
	}
}

// restoreDeviceID picks the persisted device ID out of the jar, if any.
func (a *Authenticator) restoreDeviceID() {
	if id := a.cookieJar.Get("unique_id"); id != "" {
		a.deviceID = id
	}
}

func (a *Authenticator) ensureDeviceID() {
	if a.deviceID == "" {
		a.deviceID = generateDeviceID()
		a.cookieJar.Set("unique_id", a.deviceID)
	}
}

func (a *Authenticator) saveCookies() {
	a.cookieJar.Set("auth-token", a.authToken)
	a.cookieJar.Set("unique_id", a.deviceID)
	if a.userID != "" {
		a.cookieJar.Set("persistent", a.userID)
	}
	if err := a.cookieJar.Save(a.cookieFile); err != nil {
		a.log.Warn("Failed to save cookies", "error", err)
	} else {
		a.log.Info("Cookies saved", "file", a.cookieFile)
	}
}

// isInteractiveTerminal returns true if stdin is connected to a terminal.
func isInteractiveTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// generateDeviceID creates a random 32-character alphanumeric device ID.
func generateDeviceID() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		for i := range randomBytes {
			randomBytes[i] = charset[i%len(charset)]
		}
		return string(randomBytes)
	}
	for i := range randomBytes {
		randomBytes[i] = charset[int(randomBytes[i])%len(charset)]
	}
	return string(randomBytes)
}

// GenerateHex creates a random hex string of the given byte length.
func GenerateHex(numBytes int) string {
	randomBytes := make([]byte, numBytes)
	if _, err := rand.Read(randomBytes); err != nil {
		return strings.Repeat("0", numBytes*2)
	}
	return fmt.Sprintf("%x", randomBytes)
}
