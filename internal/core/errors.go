package core

import "errors"

// Sentinel errors that bubble out of Run and map to process exit codes.
var (
	// ErrExitRequest signals a clean user-requested shutdown.
	ErrExitRequest = errors.New("exit requested")
	// ErrLogin signals that authentication failed and cannot recover
	// without user action.
	ErrLogin = errors.New("login failed")
	// ErrCaptchaRequired signals the platform answered the login flow
	// with a challenge that must be solved interactively.
	ErrCaptchaRequired = errors.New("captcha required")
	// ErrWebsocketClosed signals that the pub-sub pool gave up
	// reconnecting.
	ErrWebsocketClosed = errors.New("websocket closed")
)
