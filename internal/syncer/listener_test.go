package syncer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go-msgsync/internal/models"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}

func TestListenerSoundOncePerForeignBatch(t *testing.T) {
	src := &fakeSource{sub: newFakeSub()}
	var batches, sounds int32
	l := NewDeltaListener(src, "room-1", "me", ListenerHooks{
		OnNew:   func([]*models.Message) { atomic.AddInt32(&batches, 1) },
		OnSound: func() { atomic.AddInt32(&sounds, 1) },
	})
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	// 批次含两条别人的消息：提示音恰好一次
	src.sub.newCh <- []*models.Message{
		newMsg("m1", "alice", baseTS),
		newMsg("m2", "bob", baseTS.Add(time.Second)),
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&batches) == 1 }, "batch delivered")
	if got := atomic.LoadInt32(&sounds); got != 1 {
		t.Fatalf("sounds=%d want 1", got)
	}

	// 纯自己的批次：不触发
	src.sub.newCh <- []*models.Message{newMsg("m3", "me", baseTS.Add(2 * time.Second))}
	waitFor(t, func() bool { return atomic.LoadInt32(&batches) == 2 }, "second batch delivered")
	if got := atomic.LoadInt32(&sounds); got != 1 {
		t.Fatalf("sounds=%d want 1 after own batch", got)
	}
}

func TestListenerStartIdempotent(t *testing.T) {
	src := &fakeSource{sub: newFakeSub()}
	l := NewDeltaListener(src, "room-1", "me", ListenerHooks{})

	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&src.subscribes); got != 1 {
		t.Fatalf("subscribes=%d want 1", got)
	}
	l.Stop()
}

func TestListenerStopIdempotent(t *testing.T) {
	src := &fakeSource{sub: newFakeSub()}
	l := NewDeltaListener(src, "room-1", "me", ListenerHooks{})
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	l.Stop()
	l.Stop()
	if l.Running() {
		t.Fatalf("expected stopped")
	}
}

func TestListenerDeliversDeltas(t *testing.T) {
	src := &fakeSource{sub: newFakeSub()}
	var got atomic.Value
	l := NewDeltaListener(src, "room-1", "me", ListenerHooks{
		OnDelta: func(d models.Delta) { got.Store(d) },
	})
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	src.sub.deltaCh <- models.Delta{Kind: models.DeltaRemoved, ID: "m1"}
	waitFor(t, func() bool { return got.Load() != nil }, "delta delivered")
	if d := got.Load().(models.Delta); d.Kind != models.DeltaRemoved || d.ID != "m1" {
		t.Fatalf("unexpected delta %+v", d)
	}
}
