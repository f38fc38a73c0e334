package port

import (
	"context"
	"time"

	"github.com/yaront1111/mandarin-sub007/internal/core/domain"
)

// SessionStore holds in-flight call sessions. Create enforces the
// one-active-session-per-pair invariant.
type SessionStore interface {
	Create(session *domain.CallSession) error
	Get(id domain.CallID) (*domain.CallSession, bool)
	// Release frees the pair slot of a session that reached a terminal state
	// and evicts the session after the retention window.
	Release(session *domain.CallSession, retention time.Duration)
	Delete(id domain.CallID)
	Active() int
	Len() int
	Range(fn func(*domain.CallSession) bool)
}

type CallHistoryRepository interface {
	Save(ctx context.Context, rec domain.CallRecord) error
	AverageDuration(ctx context.Context) (time.Duration, error)
	Recent(ctx context.Context, userID domain.UserID, limit int) ([]domain.CallRecord, error)
}
