package port

import (
	"context"

	"github.com/yaront1111/mandarin-sub007/internal/core/domain"
)

type Entitlements interface {
	CanInitiateCallType(ctx context.Context, userID domain.UserID, callType domain.CallType) (bool, error)
}

type Directory interface {
	Exists(ctx context.Context, userID domain.UserID) (bool, error)
	GetCallerInfo(ctx context.Context, userID domain.UserID) (domain.CallerInfo, error)
}
