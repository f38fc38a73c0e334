package port

import "github.com/yaront1111/mandarin-sub007/internal/core/domain"

// Presence maps a user to their live connections. It is consulted by the
// broker on every delivery attempt and mutated only by connection lifecycle.
type Presence interface {
	LiveConnectionsFor(userID domain.UserID) []Connection
	Add(conn Connection)
	Remove(conn Connection)
}
