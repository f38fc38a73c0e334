package port

import "github.com/yaront1111/mandarin-sub007/internal/core/domain"

// Connection is one live relay endpoint of a user. A user may hold several.
type Connection interface {
	ID() domain.ConnectionID
	UserID() domain.UserID
	Send(frame domain.Frame) error
	Close() error
}
