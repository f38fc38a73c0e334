package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/yaront1111/mandarin-sub007/internal/core/domain"
)

// User is a directory entry. CallTypes lists the call types the user may
// initiate; empty means audio only.
type User struct {
	ID        domain.UserID     `json:"id"`
	Name      string            `json:"name"`
	AvatarURL string            `json:"avatarUrl,omitempty"`
	CallTypes []domain.CallType `json:"callTypes,omitempty"`
}

// Directory is an in-process stand-in for the profile and entitlement
// services. In open mode every user id exists and may place any call type.
type Directory struct {
	mu    sync.RWMutex
	users map[domain.UserID]User
	open  bool
}

func NewDirectory(open bool, users ...User) *Directory {
	d := &Directory{
		users: make(map[domain.UserID]User, len(users)),
		open:  open,
	}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

// LoadFile reads a JSON array of users.
func LoadFile(path string, open bool) (*Directory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	var users []User
	if err := json.Unmarshal(raw, &users); err != nil {
		return nil, fmt.Errorf("decode directory: %w", err)
	}
	for _, u := range users {
		if u.ID == "" {
			return nil, fmt.Errorf("directory entry %q has no id", u.Name)
		}
	}
	return NewDirectory(open, users...), nil
}

func (d *Directory) Put(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

func (d *Directory) Exists(ctx context.Context, userID domain.UserID) (bool, error) {
	if d.open {
		return true, nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.users[userID]
	return ok, nil
}

func (d *Directory) GetCallerInfo(ctx context.Context, userID domain.UserID) (domain.CallerInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	if !ok {
		return domain.CallerInfo{Name: userID.String()}, nil
	}
	return domain.CallerInfo{Name: u.Name, AvatarURL: u.AvatarURL}, nil
}

func (d *Directory) CanInitiateCallType(ctx context.Context, userID domain.UserID, callType domain.CallType) (bool, error) {
	d.mu.RLock()
	u, ok := d.users[userID]
	d.mu.RUnlock()
	if !ok {
		return d.open, nil
	}
	if len(u.CallTypes) == 0 {
		return callType == domain.CallTypeAudio, nil
	}
	for _, t := range u.CallTypes {
		if t == callType {
			return true, nil
		}
	}
	return false, nil
}
