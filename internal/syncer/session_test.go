package syncer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go-msgsync/internal/cache"
	"go-msgsync/internal/models"
)

func newSessionFixture(log *fakeLog, pageSize int) (*RoomSession, *MessageCache, *fakeSource, *recNotifier) {
	c := NewMessageCache(cache.NewMemoryKV(), 10*time.Minute, 100)
	f := NewPageFetcher(log, pageSize, time.Second)
	src := &fakeSource{sub: newFakeSub()}
	n := newRecNotifier()
	return NewRoomSession("me", "room-1", c, f, src, n), c, src, n
}

// 缓存窗口 [m1,m2] 与远端最新页 [m2',m3] 合并为 [m1,m2',m3]：
// m2 被远端版本覆盖，m1 保留，m3 追加。
func TestSessionOpenMergesCacheAndFetch(t *testing.T) {
	m2Edited := newMsg("m2", "bob", baseTS.Add(time.Second))
	m2Edited.Text = "edited"
	log := &fakeLog{msgs: []*models.Message{
		m2Edited,
		newMsg("m3", "alice", baseTS.Add(2 * time.Second)),
	}}
	s, c, _, n := newSessionFixture(log, 30)

	ctx := context.Background()
	c.Put(ctx, "me", "room-1", []*models.Message{
		newMsg("m1", "alice", baseTS),
		newMsg("m2", "bob", baseTS.Add(time.Second)),
	})

	if err := s.Open(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Close(ctx)

	got := n.last()
	assertIDs(t, got, "m1", "m2", "m3")
	if got[1].Text != "edited" {
		t.Fatalf("expected remote m2 to win, got %q", got[1].Text)
	}
	// 合并结果落回缓存
	cached, ok := c.Get(ctx, "me", "room-1")
	if !ok {
		t.Fatalf("expected cache write-back")
	}
	assertIDs(t, cached, "m1", "m2", "m3")
}

func TestSessionOpenNoCacheFetchErrorBubbles(t *testing.T) {
	log := &errLog{}
	s, _, _, _ := newSessionFixture(&log.fakeLog, 30)
	s.fetcher = NewPageFetcher(log, 30, time.Second)

	if err := s.Open(context.Background()); err == nil {
		t.Fatalf("expected fetch error to bubble without cache")
	}
}

type errLog struct{ fakeLog }

func (e *errLog) ListNewest(context.Context, string, int) ([]*models.Message, error) {
	return nil, errors.New("remote down")
}

func TestSessionOpenCacheHitServesStaleOnFetchError(t *testing.T) {
	log := &errLog{}
	s, c, _, n := newSessionFixture(&log.fakeLog, 30)
	s.fetcher = NewPageFetcher(log, 30, time.Second)

	ctx := context.Background()
	c.Put(ctx, "me", "room-1", []*models.Message{newMsg("m1", "alice", baseTS)})

	if err := s.Open(ctx); err != nil {
		t.Fatalf("expected stale view instead of error, got %v", err)
	}
	defer s.Close(ctx)
	assertIDs(t, n.last(), "m1")
}

func TestSessionNewBatchMergesAndSoundsOnce(t *testing.T) {
	log := &fakeLog{msgs: []*models.Message{newMsg("m1", "me", baseTS)}}
	s, _, src, n := newSessionFixture(log, 30)

	ctx := context.Background()
	if err := s.Open(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Close(ctx)
	drain(n)

	src.sub.newCh <- []*models.Message{
		newMsg("m2", "bob", baseTS.Add(time.Second)),
		newMsg("m3", "bob", baseTS.Add(2 * time.Second)),
	}
	n.waitSnapshot(t)

	assertIDs(t, n.last(), "m1", "m2", "m3")
	if n.soundCount() != 1 {
		t.Fatalf("sounds=%d want 1", n.soundCount())
	}
}

func TestSessionNoSoundForOwnBatch(t *testing.T) {
	log := &fakeLog{msgs: []*models.Message{newMsg("m1", "me", baseTS)}}
	s, _, src, n := newSessionFixture(log, 30)

	ctx := context.Background()
	if err := s.Open(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Close(ctx)
	drain(n)

	src.sub.newCh <- []*models.Message{newMsg("m2", "me", baseTS.Add(time.Second))}
	n.waitSnapshot(t)
	if n.soundCount() != 0 {
		t.Fatalf("sounds=%d want 0", n.soundCount())
	}
}

// 历史翻页不触发提示音：load_more 不经过实时监听器。
func TestSessionLoadMoreNeverSounds(t *testing.T) {
	log := seededLog(6)
	s, _, _, n := newSessionFixture(log, 3)

	ctx := context.Background()
	if err := s.Open(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Close(ctx)

	if err := s.LoadMore(ctx); err != nil {
		t.Fatal(err)
	}
	if n.soundCount() != 0 {
		t.Fatalf("sounds=%d want 0 for history", n.soundCount())
	}
	assertIDs(t, s.Snapshot(), "a", "b", "c", "d", "e", "f")
}

func TestSessionLoadMoreSingleFlight(t *testing.T) {
	log := seededLog(6)
	log.beforeStarted = make(chan struct{}, 2)
	log.beforeGate = make(chan struct{})
	s, _, _, _ := newSessionFixture(log, 3)

	ctx := context.Background()
	if err := s.Open(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Close(ctx)

	done := make(chan error, 1)
	go func() { done <- s.LoadMore(ctx) }()
	<-log.beforeStarted // 第一次拉取已在途

	// 在途期间的并发调用直接返回，不重复拉取
	if err := s.LoadMore(ctx); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&log.listBeforeCalls); got != 1 {
		t.Fatalf("listBeforeCalls=%d want 1", got)
	}

	close(log.beforeGate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	assertIDs(t, s.Snapshot(), "a", "b", "c", "d", "e", "f")
}

// 缓存带入了比拉取页更老的消息时，游标仍按拉取页推进：
// 缓存尾与拉取页之间的空洞通过后续翻页补齐，不会被跳过。
func TestSessionLoadMoreReachesGapBehindCachedSeed(t *testing.T) {
	log := seededLog(10) // a..j
	s, c, _, _ := newSessionFixture(log, 3)

	ctx := context.Background()
	c.Put(ctx, "me", "room-1", []*models.Message{newMsg("a", "alice", baseTS)})

	if err := s.Open(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Close(ctx)
	assertIDs(t, s.Snapshot(), "a", "h", "i", "j")

	if err := s.LoadMore(ctx); err != nil {
		t.Fatal(err)
	}
	assertIDs(t, s.Snapshot(), "a", "e", "f", "g", "h", "i", "j")

	if err := s.LoadMore(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.LoadMore(ctx); err != nil {
		t.Fatal(err)
	}
	assertIDs(t, s.Snapshot(), "a", "b", "c", "d", "e", "f", "g", "h", "i", "j")
	if s.HasMore() {
		t.Fatalf("expected history exhausted")
	}
}

// Open 降级到陈旧缓存后，后续 LoadMore 重试最新页，会话无需重连即可恢复。
func TestSessionLoadMoreRecoversAfterStaleOpen(t *testing.T) {
	log := &flakyLog{newestFails: 1}
	log.msgs = []*models.Message{
		newMsg("m1", "bob", baseTS.Add(time.Second)),
		newMsg("m2", "bob", baseTS.Add(2 * time.Second)),
	}
	s, c, _, n := newSessionFixture(&log.fakeLog, 30)
	s.fetcher = NewPageFetcher(log, 30, time.Second)

	ctx := context.Background()
	c.Put(ctx, "me", "room-1", []*models.Message{newMsg("m0", "bob", baseTS)})

	if err := s.Open(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Close(ctx)
	assertIDs(t, n.last(), "m0")

	if err := s.LoadMore(ctx); err != nil {
		t.Fatal(err)
	}
	assertIDs(t, s.Snapshot(), "m0", "m1", "m2")
	if n.soundCount() != 0 {
		t.Fatalf("sounds=%d want 0 for recovery fetch", n.soundCount())
	}
}

type flakyLog struct {
	fakeLog
	newestFails int32
}

func (f *flakyLog) ListNewest(ctx context.Context, roomID string, limit int) ([]*models.Message, error) {
	if atomic.AddInt32(&f.newestFails, -1) >= 0 {
		return nil, errors.New("remote down")
	}
	return f.fakeLog.ListNewest(ctx, roomID, limit)
}

func TestSessionDeltaModifiedAndRemoved(t *testing.T) {
	log := &fakeLog{msgs: []*models.Message{
		newMsg("m1", "me", baseTS),
		newMsg("m2", "bob", baseTS.Add(time.Second)),
	}}
	s, _, src, n := newSessionFixture(log, 30)

	ctx := context.Background()
	if err := s.Open(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Close(ctx)
	drain(n)

	edited := newMsg("m2", "bob", baseTS.Add(time.Second))
	edited.Text = "edited"
	edited.Edited = true
	src.sub.deltaCh <- models.Delta{Kind: models.DeltaModified, ID: "m2", Message: edited}
	n.waitSnapshot(t)
	got := n.last()
	assertIDs(t, got, "m1", "m2")
	if got[1].Text != "edited" || !got[1].Edited {
		t.Fatalf("expected edited m2, got %+v", got[1])
	}

	src.sub.deltaCh <- models.Delta{Kind: models.DeltaRemoved, ID: "m1"}
	n.waitSnapshot(t)
	assertIDs(t, n.last(), "m2")
}

// 同一条消息重复注入（历史页与实时增量重叠）不产生重复条目，后写覆盖先写。
func TestSessionDedupDeltaWins(t *testing.T) {
	log := &fakeLog{msgs: []*models.Message{newMsg("m1", "bob", baseTS)}}
	s, _, src, n := newSessionFixture(log, 30)

	ctx := context.Background()
	if err := s.Open(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Close(ctx)
	drain(n)

	dup := newMsg("m1", "bob", baseTS)
	dup.Text = "from delta"
	src.sub.newCh <- []*models.Message{dup}
	n.waitSnapshot(t)

	got := n.last()
	assertIDs(t, got, "m1")
	if got[0].Text != "from delta" {
		t.Fatalf("expected delta version to win, got %q", got[0].Text)
	}
}

func TestSessionViewRecalledAndDeletedForMe(t *testing.T) {
	recalled := newMsg("m1", "bob", baseTS)
	recalled.Recalled = true
	recalled.Text = ""
	recalled.MediaURL = ""
	hidden := newMsg("m2", "bob", baseTS.Add(time.Second))
	hidden.DeletedFor = []string{"me"}
	log := &fakeLog{msgs: []*models.Message{
		recalled,
		hidden,
		newMsg("m3", "me", baseTS.Add(2 * time.Second)),
	}}
	s, _, _, _ := newSessionFixture(log, 30)

	ctx := context.Background()
	if err := s.Open(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Close(ctx)

	got := s.Snapshot()
	assertIDs(t, got, "m1", "m3")
	if got[0].Text != RecalledPlaceholder {
		t.Fatalf("expected placeholder, got %q", got[0].Text)
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	log := &fakeLog{msgs: []*models.Message{newMsg("m1", "me", baseTS)}}
	s, _, _, _ := newSessionFixture(log, 30)

	ctx := context.Background()
	if err := s.Open(ctx); err != nil {
		t.Fatal(err)
	}
	s.Close(ctx)
	s.Close(ctx)
}
