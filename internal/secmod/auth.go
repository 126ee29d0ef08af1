package secmod

import (
	"errors"
	"fmt"
	"sync"
)

// Sentinel errors for authentication.
var (
	// ErrAuthFailed indicates the credentials were rejected.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrAuthState indicates an operation arrived for an entry in the
	// wrong authentication state.
	ErrAuthState = errors.New("operation invalid in current authentication state")

	// ErrTooManyAttempts indicates the per-entry retry bound was hit.
	ErrTooManyAttempts = errors.New("too many authentication attempts")
)

// defaultMaxAuthAttempts bounds password retries when the vhost does not
// configure its own limit.
const defaultMaxAuthAttempts = 3

// Authenticator verifies credentials against a backend. RADIUS, PAM and
// GSSAPI backends are external collaborators implementing this contract;
// the built-in plain backend serves static credential maps.
type Authenticator interface {
	// CheckPassword verifies a username/password pair for a vhost.
	// A nil return completes the exchange; ErrAuthFailed rejects it.
	CheckPassword(vhost, username, password string) error
}

// PlainAuthenticator verifies against an in-memory credential map. Used
// for tests and minimal deployments.
type PlainAuthenticator struct {
	mu    sync.RWMutex
	creds map[string]string
}

// NewPlainAuthenticator creates a plain backend over a username->password
// map. The map is copied.
func NewPlainAuthenticator(creds map[string]string) *PlainAuthenticator {
	c := make(map[string]string, len(creds))
	for u, p := range creds {
		c[u] = p
	}
	return &PlainAuthenticator{creds: c}
}

// CheckPassword implements Authenticator.
func (a *PlainAuthenticator) CheckPassword(_, username, password string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	want, ok := a.creds[username]
	if !ok || want != password {
		return ErrAuthFailed
	}
	return nil
}

// startAuth transitions a fresh entry into the exchange.
func startAuth(e *ClientEntry, username, userAgent string) error {
	if e.State != AuthInactive {
		return fmt.Errorf("auth init in state %s: %w", e.State, ErrAuthState)
	}

	e.Acct.Username = username
	e.Acct.UserAgent = userAgent
	e.State = AuthInit
	return nil
}

// continueAuth runs one password step of the exchange. The attempt counter
// is advanced before the backend is consulted; exceeding the bound fails
// the entry terminally.
func continueAuth(e *ClientEntry, auth Authenticator, password string) error {
	if e.State != AuthInit && e.State != AuthCont {
		return fmt.Errorf("auth cont in state %s: %w", e.State, ErrAuthState)
	}

	maxAttempts := defaultMaxAuthAttempts
	if e.VHost != nil && e.VHost.MaxAuthAttempts > 0 {
		maxAttempts = e.VHost.MaxAuthAttempts
	}

	e.AuthAttempts++
	if e.AuthAttempts > maxAttempts {
		e.State = AuthFailed
		return ErrTooManyAttempts
	}

	vhost := ""
	if e.VHost != nil {
		vhost = e.VHost.Name
	}

	if err := auth.CheckPassword(vhost, e.Acct.Username, password); err != nil {
		if e.AuthAttempts >= maxAttempts {
			e.State = AuthFailed
		} else {
			e.State = AuthCont
		}
		return fmt.Errorf("user %q: %w", e.Acct.Username, err)
	}

	e.State = AuthCompleted
	return nil
}
