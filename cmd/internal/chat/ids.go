package chat

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"parley/cmd/internal/wsauth"
)

// ConnID identifies one live connection for its lifetime. It carries the
// owning session for authorship checks, but equality and map keys use only
// the random id: two connections from the same user are distinct.
type ConnID struct {
	id      string
	session *wsauth.SessionInfo
}

// User returns the authenticated identity behind the connection.
func (c ConnID) User() User { return User(c.session.Username) }

// Session returns the session info attached at registration.
func (c ConnID) Session() *wsauth.SessionInfo { return c.session }

// String returns the id for logging.
func (c ConnID) String() string { return c.id }

func (c ConnID) valid() bool { return c.id != "" }

// newConnID mints a ConnID. ULIDs sort by creation time, which keeps
// connection ids readable in logs.
func newConnID(session *wsauth.SessionInfo) (ConnID, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), rand.Reader)
	if err != nil {
		return ConnID{}, err
	}
	return ConnID{id: id.String(), session: session}, nil
}
