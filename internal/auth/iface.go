package auth

import "context"

// Provider is the authentication interface used by the GQL and pub-sub
// clients. *Authenticator satisfies this interface.
type Provider interface {
	Login(ctx context.Context) error
	AuthToken() string
	UserID() string
	Username() string
	DeviceID() string
	SessionID() string
	Headers() map[string]string
	Invalidate()
}
