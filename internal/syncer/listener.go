package syncer

import (
	"context"
	"sync"

	"go-msgsync/internal/metrics"
	"go-msgsync/internal/models"
)

// Subscription 一次房间订阅的句柄：
// - NewMessages 投递新消息批次（一次发布对应一个批次）
// - Deltas 投递可见窗口内的变更增量
// - Close 幂等，重复调用无副作用
type Subscription interface {
	NewMessages() <-chan []*models.Message
	Deltas() <-chan models.Delta
	Close() error
}

// DeltaSource 按房间建立实时订阅的来源（生产为 Redis 发布订阅，测试可注入假实现）。
type DeltaSource interface {
	Subscribe(ctx context.Context, roomID string) (Subscription, error)
}

// ListenerHooks 监听器向上层（合并会话）回调的钩子。
type ListenerHooks struct {
	OnNew   func(batch []*models.Message)
	OnDelta func(d models.Delta)
	OnSound func()
}

// DeltaListener 房间实时监听器。状态在"未订阅/已订阅"之间迁移：
// - Start 建立订阅并启动泵协程；已订阅时再次调用为空操作
// - Stop 关闭订阅；幂等
// 提示音规则：批次内存在非本人发送的消息则恰好触发一次；历史翻页不经过本监听器，绝不触发。
type DeltaListener struct {
	source      DeltaSource
	roomID      string
	localUserID string
	hooks       ListenerHooks

	mu      sync.Mutex
	sub     Subscription
	started bool
}

func NewDeltaListener(source DeltaSource, roomID, localUserID string, hooks ListenerHooks) *DeltaListener {
	return &DeltaListener{source: source, roomID: roomID, localUserID: localUserID, hooks: hooks}
}

func (l *DeltaListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}
	sub, err := l.source.Subscribe(ctx, l.roomID)
	if err != nil {
		return err
	}
	l.sub = sub
	l.started = true
	go l.pump(ctx, sub)
	return nil
}

func (l *DeltaListener) pump(ctx context.Context, sub Subscription) {
	newCh := sub.NewMessages()
	deltaCh := sub.Deltas()
	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return
		case batch, ok := <-newCh:
			if !ok {
				return
			}
			l.handleBatch(batch)
		case d, ok := <-deltaCh:
			if !ok {
				return
			}
			metrics.DeltasTotal.WithLabelValues(string(d.Kind)).Inc()
			if l.hooks.OnDelta != nil {
				l.hooks.OnDelta(d)
			}
		}
	}
}

func (l *DeltaListener) handleBatch(batch []*models.Message) {
	if len(batch) == 0 {
		return
	}
	metrics.DeltasTotal.WithLabelValues(string(models.DeltaAdded)).Add(float64(len(batch)))
	if l.hooks.OnNew != nil {
		l.hooks.OnNew(batch)
	}
	for _, m := range batch {
		if m.SenderID != l.localUserID {
			if l.hooks.OnSound != nil {
				metrics.SoundTriggersTotal.Inc()
				l.hooks.OnSound()
			}
			break
		}
	}
}

// Stop 关闭订阅；可重复调用。
func (l *DeltaListener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return
	}
	l.started = false
	if l.sub != nil {
		_ = l.sub.Close()
		l.sub = nil
	}
}

// Running 返回当前是否处于已订阅状态。
func (l *DeltaListener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}
