package memory

import (
	"errors"
	"testing"
	"time"

	"github.com/yaront1111/mandarin-sub007/internal/core/domain"
)

func TestSessionStore_OnePerPair(t *testing.T) {
	s := NewSessionStore()
	now := time.Now()
	first := domain.NewCallSession("c1", "alice", "bob", domain.CallTypeAudio, now)
	if err := s.Create(first); err != nil {
		t.Fatalf("Create: %v", err)
	}

	reversed := domain.NewCallSession("c2", "bob", "alice", domain.CallTypeVideo, now)
	if err := s.Create(reversed); !errors.Is(err, domain.ErrCallAlreadyActive) {
		t.Fatalf("reversed pair: err = %v, want ErrCallAlreadyActive", err)
	}
	dup := domain.NewCallSession("c1", "alice", "carol", domain.CallTypeAudio, now)
	if err := s.Create(dup); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("duplicate id: err = %v, want ErrInvalidArgument", err)
	}
	if s.Active() != 1 || s.Len() != 1 {
		t.Fatalf("Active=%d Len=%d", s.Active(), s.Len())
	}

	first.Lock()
	s.Release(first, time.Hour)
	first.Unlock()
	if s.Active() != 0 {
		t.Fatal("release must free the pair")
	}
	if _, ok := s.Get("c1"); !ok {
		t.Fatal("released session must stay readable during retention")
	}
	if err := s.Create(reversed); err != nil {
		t.Fatalf("pair should be free again: %v", err)
	}

	first.Lock()
	first.StopAllTimers()
	first.Unlock()
}

func TestSessionStore_EvictsAfterRetention(t *testing.T) {
	s := NewSessionStore()
	sess := domain.NewCallSession("c1", "alice", "bob", domain.CallTypeAudio, time.Now())
	if err := s.Create(sess); err != nil {
		t.Fatalf("Create: %v", err)
	}
	sess.Lock()
	s.Release(sess, 10*time.Millisecond)
	sess.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for s.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session never evicted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := s.Get("c1"); ok {
		t.Fatal("evicted session still readable")
	}
}

func TestSessionStore_DeleteKeepsNewerPairOwner(t *testing.T) {
	s := NewSessionStore()
	now := time.Now()
	old := domain.NewCallSession("old", "alice", "bob", domain.CallTypeAudio, now)
	_ = s.Create(old)
	old.Lock()
	s.Release(old, time.Hour)
	old.StopAllTimers()
	old.Unlock()

	fresh := domain.NewCallSession("new", "alice", "bob", domain.CallTypeAudio, now)
	if err := s.Create(fresh); err != nil {
		t.Fatalf("Create: %v", err)
	}
	s.Delete("old")
	if s.Active() != 1 {
		t.Fatal("deleting a stale session freed the active pair")
	}

	var seen []domain.CallID
	s.Range(func(sess *domain.CallSession) bool {
		seen = append(seen, sess.ID)
		return true
	})
	if len(seen) != 1 || seen[0] != "new" {
		t.Fatalf("Range saw %v", seen)
	}
}
