package domain

import (
	"strings"

	"github.com/google/uuid"
)

// UserID is the opaque identity the directory hands out. Ordering between two
// UserIDs is plain byte-wise string comparison.
type UserID string

type CallID string

type ConnectionID string

func NewCallID() CallID {
	return CallID(uuid.New().String())
}

func NewConnectionID() ConnectionID {
	return ConnectionID(uuid.New().String())
}

func ParseCallID(s string) (CallID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrInvalidArgument
	}
	if len(s) > 128 {
		return "", ErrInvalidArgument
	}
	return CallID(s), nil
}

func ParseUserID(s string) (UserID, error) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 128 {
		return "", ErrInvalidArgument
	}
	return UserID(s), nil
}

func (id UserID) String() string {
	return string(id)
}

func (id CallID) String() string {
	return string(id)
}

func (id ConnectionID) String() string {
	return string(id)
}

// PairKey identifies an unordered pair of users.
type PairKey struct {
	Low  UserID
	High UserID
}

func NewPairKey(a, b UserID) PairKey {
	if a > b {
		a, b = b, a
	}
	return PairKey{Low: a, High: b}
}
