package syncer

import (
	"context"
	"testing"
	"time"

	"go-msgsync/internal/cache"
	"go-msgsync/internal/models"
)

func newManagerFixture(log *fakeLog) (*SyncManager, *MessageCache) {
	c := NewMessageCache(cache.NewMemoryKV(), 10*time.Minute, 100)
	f := NewPageFetcher(log, 30, time.Second)
	src := &fakeSource{sub: newFakeSub()}
	return NewSyncManager(c, f, src), c
}

func TestManagerOpenReturnsExistingSession(t *testing.T) {
	log := &fakeLog{msgs: []*models.Message{newMsg("m1", "me", baseTS)}}
	m, _ := newManagerFixture(log)
	ctx := context.Background()

	s1, err := m.Open(ctx, "me", "room-1", newRecNotifier())
	if err != nil {
		t.Fatal(err)
	}
	s2, err := m.Open(ctx, "me", "room-1", newRecNotifier())
	if err != nil {
		t.Fatal(err)
	}
	if s1 != s2 {
		t.Fatalf("expected same session for same (user, room)")
	}
}

// 同键并发 Open：后到的调用等首开完成，拿到的会话已有完整窗口。
func TestManagerConcurrentOpenWaitsForFirst(t *testing.T) {
	log := &fakeLog{
		msgs:          []*models.Message{newMsg("m1", "me", baseTS)},
		newestStarted: make(chan struct{}, 1),
		newestGate:    make(chan struct{}),
	}
	m, _ := newManagerFixture(log)
	ctx := context.Background()

	first := make(chan *RoomSession, 1)
	go func() {
		s, err := m.Open(ctx, "me", "room-1", newRecNotifier())
		if err != nil {
			t.Error(err)
		}
		first <- s
	}()
	<-log.newestStarted // 首开已进入拉取

	second := make(chan *RoomSession, 1)
	go func() {
		s, err := m.Open(ctx, "me", "room-1", newRecNotifier())
		if err != nil {
			t.Error(err)
		}
		second <- s
	}()

	select {
	case <-second:
		t.Fatalf("second open returned before first completed")
	case <-time.After(50 * time.Millisecond):
	}

	close(log.newestGate)
	var s1, s2 *RoomSession
	select {
	case s1 = <-first:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for first open")
	}
	select {
	case s2 = <-second:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for second open")
	}
	if s1 != s2 {
		t.Fatalf("expected same session")
	}
	assertIDs(t, s2.Snapshot(), "m1")
}

func TestManagerCloseRoomIdempotent(t *testing.T) {
	log := &fakeLog{msgs: []*models.Message{newMsg("m1", "me", baseTS)}}
	m, _ := newManagerFixture(log)
	ctx := context.Background()

	if _, err := m.Open(ctx, "me", "room-1", newRecNotifier()); err != nil {
		t.Fatal(err)
	}
	m.CloseRoom(ctx, "me", "room-1")
	m.CloseRoom(ctx, "me", "room-1")
	if _, ok := m.Get("me", "room-1"); ok {
		t.Fatalf("expected session removed")
	}
}

func TestManagerLogoutClosesSessionsAndClearsCache(t *testing.T) {
	log := &fakeLog{msgs: []*models.Message{newMsg("m1", "me", baseTS)}}
	m, c := newManagerFixture(log)
	ctx := context.Background()

	if _, err := m.Open(ctx, "me", "room-1", newRecNotifier()); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(ctx, "me", "room-1"); !ok {
		t.Fatalf("expected cache populated after open")
	}

	m.Logout(ctx, "me")

	if _, ok := m.Get("me", "room-1"); ok {
		t.Fatalf("expected sessions closed")
	}
	if _, ok := c.Get(ctx, "me", "room-1"); ok {
		t.Fatalf("expected cache cleared on logout")
	}
}
