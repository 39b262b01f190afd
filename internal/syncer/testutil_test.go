package syncer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go-msgsync/internal/models"
	"go-msgsync/internal/store"
)

var baseTS = time.Unix(1700000000, 0)

func newMsg(id, sender string, ts time.Time) *models.Message {
	return &models.Message{
		ID:        id,
		RoomID:    "room-1",
		RoomType:  models.RoomTypeC2C,
		SenderID:  sender,
		Text:      "text-" + id,
		Timestamp: ts,
		Status:    models.StatusSent,
	}
}

func ids(msgs []*models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func assertIDs(t *testing.T, got []*models.Message, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", ids(got), want)
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("got %v want %v", ids(got), want)
		}
	}
}

// fakeLog 内存消息日志：msgs 按时间戳升序维护。
type fakeLog struct {
	mu              sync.Mutex
	msgs            []*models.Message
	listBeforeCalls int32
	listNewestCalls int32
	beforeStarted   chan struct{} // 非 nil 时：ListBefore 开始即发信号
	beforeGate      chan struct{} // 非 nil 时：ListBefore 阻塞直到放行
	newestStarted   chan struct{} // 同上，作用于 ListNewest
	newestGate      chan struct{}
}

func (f *fakeLog) lastN(src []*models.Message, n int) []*models.Message {
	if len(src) > n {
		src = src[len(src)-n:]
	}
	out := make([]*models.Message, len(src))
	copy(out, src)
	return out
}

func (f *fakeLog) ListNewest(ctx context.Context, roomID string, limit int) ([]*models.Message, error) {
	atomic.AddInt32(&f.listNewestCalls, 1)
	if f.newestStarted != nil {
		f.newestStarted <- struct{}{}
	}
	if f.newestGate != nil {
		select {
		case <-f.newestGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastN(f.msgs, limit), nil
}

func (f *fakeLog) ListBefore(ctx context.Context, roomID string, before time.Time, limit int) ([]*models.Message, error) {
	atomic.AddInt32(&f.listBeforeCalls, 1)
	if f.beforeStarted != nil {
		f.beforeStarted <- struct{}{}
	}
	if f.beforeGate != nil {
		select {
		case <-f.beforeGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var older []*models.Message
	for _, m := range f.msgs {
		if m.Timestamp.Before(before) {
			older = append(older, m)
		}
	}
	return f.lastN(older, limit), nil
}

func (f *fakeLog) Append(_ context.Context, m *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeLog) Get(_ context.Context, roomID, id string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.msgs {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, fmt.Errorf("not found: %s", id)
}

func (f *fakeLog) Recall(context.Context, string, string) error          { return nil }
func (f *fakeLog) Edit(context.Context, string, string, string) error    { return nil }
func (f *fakeLog) SetPinned(context.Context, string, string, bool) error { return nil }
func (f *fakeLog) SetReactions(context.Context, string, string, map[string][]string) error {
	return nil
}
func (f *fakeLog) AddReply(context.Context, string, string, models.Reply) error { return nil }
func (f *fakeLog) MarkDeletedFor(context.Context, string, string, string) error { return nil }
func (f *fakeLog) UpdateStatus(context.Context, string, string, models.MessageStatus) error {
	return nil
}
func (f *fakeLog) DeleteExpired(context.Context, time.Time) error { return nil }

var _ store.MessageLog = (*fakeLog)(nil)

// fakeSub / fakeSource 进程内实时来源，测试从通道注入批次与增量。
type fakeSub struct {
	newCh   chan []*models.Message
	deltaCh chan models.Delta
	once    sync.Once
}

func newFakeSub() *fakeSub {
	return &fakeSub{
		newCh:   make(chan []*models.Message, 16),
		deltaCh: make(chan models.Delta, 16),
	}
}

func (s *fakeSub) NewMessages() <-chan []*models.Message { return s.newCh }
func (s *fakeSub) Deltas() <-chan models.Delta           { return s.deltaCh }
func (s *fakeSub) Close() error {
	s.once.Do(func() {
		close(s.newCh)
		close(s.deltaCh)
	})
	return nil
}

type fakeSource struct {
	sub        *fakeSub
	subscribes int32
}

func (f *fakeSource) Subscribe(context.Context, string) (Subscription, error) {
	atomic.AddInt32(&f.subscribes, 1)
	return f.sub, nil
}

// recNotifier 记录快照与提示音，每次快照向 ch 发一次信号。
type recNotifier struct {
	mu        sync.Mutex
	snapshots [][]*models.Message
	sounds    int
	ch        chan struct{}
}

func newRecNotifier() *recNotifier {
	return &recNotifier{ch: make(chan struct{}, 64)}
}

func (n *recNotifier) OnSnapshot(_, _ string, msgs []*models.Message) {
	n.mu.Lock()
	n.snapshots = append(n.snapshots, msgs)
	n.mu.Unlock()
	n.ch <- struct{}{}
}

func (n *recNotifier) OnSound(_, _ string) {
	n.mu.Lock()
	n.sounds++
	n.mu.Unlock()
}

func (n *recNotifier) last() []*models.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.snapshots) == 0 {
		return nil
	}
	return n.snapshots[len(n.snapshots)-1]
}

func (n *recNotifier) soundCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sounds
}

// waitSnapshot 等待下一次快照投递。
func (n *recNotifier) waitSnapshot(t *testing.T) {
	t.Helper()
	select {
	case <-n.ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for snapshot")
	}
}

func drain(n *recNotifier) {
	for {
		select {
		case <-n.ch:
		default:
			return
		}
	}
}
