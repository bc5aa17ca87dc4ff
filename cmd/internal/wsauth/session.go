package wsauth

import (
	"errors"
	"net/http"
	"strings"
)

// SessionInfo is the authenticated identity attached to an upgrade request
// by the surrounding HTTP authentication layer. Parley only reads it; user
// administration and login live outside this service.
type SessionInfo struct {
	Username    string
	DisplayName string
	Permissions []string
}

// ErrNoSession is returned when a request carries no authenticated session.
var ErrNoSession = errors.New("wsauth: no authenticated session")

// SessionResolver extracts the authenticated session from a request.
// The production implementation is supplied by the auth middleware in front
// of this service.
type SessionResolver interface {
	Resolve(r *http.Request) (*SessionInfo, error)
}

// HeaderResolver is a development-only resolver that trusts the
// X-Parley-User header. Never deploy it behind an open port.
type HeaderResolver struct{}

// Resolve reads the identity from X-Parley-User / X-Parley-Display-Name.
func (HeaderResolver) Resolve(r *http.Request) (*SessionInfo, error) {
	username := strings.TrimSpace(r.Header.Get("X-Parley-User"))
	if username == "" {
		return nil, ErrNoSession
	}

	display := strings.TrimSpace(r.Header.Get("X-Parley-Display-Name"))
	if display == "" {
		display = username
	}

	return &SessionInfo{Username: username, DisplayName: display}, nil
}
