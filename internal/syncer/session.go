package syncer

import (
	"context"
	"log"
	"sync"
	"time"

	"go-msgsync/internal/metrics"
	"go-msgsync/internal/models"
)

// 撤回消息在合并视图中的占位文案
const RecalledPlaceholder = "This message was recalled"

// Notifier 合并会话向外投递结果的出口（生产为 WS 连接，测试可注入假实现）。
type Notifier interface {
	// OnSnapshot 投递该用户视角的完整合并视图（升序）。
	OnSnapshot(userID, roomID string, msgs []*models.Message)
	// OnSound 新消息提示音事件。
	OnSound(userID, roomID string)
}

// RoomSession 是单个 (用户, 房间) 的合并权威：
// 缓存窗口、历史分页与实时增量都汇入这里，按消息 ID 合并成唯一的升序窗口。
// 合并规则：同 ID 后写覆盖先写（实时增量覆盖历史页），新 ID 追加后整体稳定排序。
type RoomSession struct {
	UserID string
	RoomID string

	cache    *MessageCache
	fetcher  *PageFetcher
	source   DeltaSource
	notifier Notifier

	mu       sync.Mutex
	window   []*models.Message
	cursor   *time.Time
	hasMore  bool
	loading  bool
	closed   bool
	listener *DeltaListener
	cancel   context.CancelFunc
}

func NewRoomSession(userID, roomID string, c *MessageCache, f *PageFetcher, src DeltaSource, n Notifier) *RoomSession {
	return &RoomSession{UserID: userID, RoomID: roomID, cache: c, fetcher: f, source: src, notifier: n}
}

// Open 启动会话：
// 1) 缓存命中则立即投递缓存窗口（可能过期的数据先上屏）
// 2) 拉取最新一页并合并；无缓存时拉取失败直接上抛
// 3) 建立实时订阅，之后的新消息与变更增量持续汇入窗口
func (s *RoomSession) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	cached, hit := s.cache.Get(ctx, s.UserID, s.RoomID)
	if hit {
		s.window = cached
	}
	s.mu.Unlock()
	if hit {
		s.emitSnapshot()
	}

	page, err := s.fetcher.FetchNewest(ctx, s.RoomID)
	if err != nil {
		if !hit {
			return err
		}
		// 缓存命中时远端故障降级为陈旧视图
		log.Printf("RoomSession.Open fetch err=%v user=%s room=%s (serving cached)", err, s.UserID, s.RoomID)
	} else {
		s.mergePage(ctx, page)
	}

	listenerCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil
	}
	s.cancel = cancel
	s.listener = NewDeltaListener(s.source, s.RoomID, s.UserID, ListenerHooks{
		OnNew:   func(batch []*models.Message) { s.applyNew(batch) },
		OnDelta: func(d models.Delta) { s.applyDelta(d) },
		OnSound: func() { s.notifier.OnSound(s.UserID, s.RoomID) },
	})
	listener := s.listener
	s.mu.Unlock()
	if err := listener.Start(listenerCtx); err != nil {
		log.Printf("RoomSession.Open subscribe err=%v user=%s room=%s", err, s.UserID, s.RoomID)
	}
	s.emitSnapshot()
	return nil
}

// LoadMore 向前翻一页历史。并发调用合并为单次拉取：
// 已有拉取在途时直接返回，不排队也不重复请求。
// 游标为空说明 Open 时最新页拉取失败、会话还停留在缓存陈旧视图，
// 此时改为重试最新页，让会话在不重连的情况下恢复。
func (s *RoomSession) LoadMore(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.loading {
		s.mu.Unlock()
		return nil
	}
	recovering := s.cursor == nil
	if !recovering && !s.hasMore {
		s.mu.Unlock()
		return nil
	}
	s.loading = true
	var before time.Time
	if !recovering {
		before = *s.cursor
	}
	s.mu.Unlock()

	var page *Page
	var err error
	if recovering {
		page, err = s.fetcher.FetchNewest(ctx, s.RoomID)
	} else {
		page, err = s.fetcher.FetchBefore(ctx, s.RoomID, before)
	}

	s.mu.Lock()
	s.loading = false
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.mergePage(ctx, page)
	s.emitSnapshot()
	return nil
}

// mergePage 将一页历史合并进窗口并推进游标。
func (s *RoomSession) mergePage(ctx context.Context, page *Page) {
	start := time.Now()
	s.mu.Lock()
	s.window = MergeByID(s.window, page.Messages)
	SortByTimestamp(s.window)
	s.hasMore = page.HasMore
	// 游标只从拉取页推进，取当前值与本页最老消息中更早者。
	// 窗口最老值不可用：缓存可能带入比拉取页更老的消息，
	// 按窗口推进会把缓存尾与拉取页之间的空洞永久跳过。
	if page.NextCursor != nil && (s.cursor == nil || page.NextCursor.Before(*s.cursor)) {
		t := *page.NextCursor
		s.cursor = &t
	}
	snapshot := make([]*models.Message, len(s.window))
	copy(snapshot, s.window)
	s.mu.Unlock()
	s.cache.Put(ctx, s.UserID, s.RoomID, snapshot)
	metrics.MergeLatency.Observe(float64(time.Since(start).Milliseconds()))
}

// applyNew 实时新消息批次汇入窗口。
func (s *RoomSession) applyNew(batch []*models.Message) {
	start := time.Now()
	s.mu.Lock()
	s.window = MergeByID(s.window, batch)
	SortByTimestamp(s.window)
	snapshot := make([]*models.Message, len(s.window))
	copy(snapshot, s.window)
	s.mu.Unlock()
	s.cache.Put(context.Background(), s.UserID, s.RoomID, snapshot)
	metrics.MergeLatency.Observe(float64(time.Since(start).Milliseconds()))
	s.emitSnapshot()
}

// applyDelta 变更增量汇入窗口：
// - added 按新消息合并（不触发提示音，提示音只来自新消息通道）
// - modified 仅当消息仍在窗口内时原位替换
// - removed 从窗口移除
func (s *RoomSession) applyDelta(d models.Delta) {
	s.mu.Lock()
	switch d.Kind {
	case models.DeltaAdded:
		if d.Message != nil {
			s.window = MergeByID(s.window, []*models.Message{d.Message})
			SortByTimestamp(s.window)
		}
	case models.DeltaModified:
		if d.Message != nil {
			for i, m := range s.window {
				if m.ID == d.ID {
					s.window[i] = d.Message
					break
				}
			}
		}
	case models.DeltaRemoved:
		for i, m := range s.window {
			if m.ID == d.ID {
				s.window = append(s.window[:i], s.window[i+1:]...)
				break
			}
		}
	}
	snapshot := make([]*models.Message, len(s.window))
	copy(snapshot, s.window)
	s.mu.Unlock()
	s.cache.Put(context.Background(), s.UserID, s.RoomID, snapshot)
	s.emitSnapshot()
}

// Snapshot 返回该用户视角的合并视图：
// - deleted-for-me 的消息被过滤
// - 已撤回消息正文替换为占位文案
func (s *RoomSession) Snapshot() []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return viewOf(s.window, s.UserID)
}

// HasMore 返回是否还有更早的历史可翻。
func (s *RoomSession) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

func (s *RoomSession) emitSnapshot() {
	if s.notifier == nil {
		return
	}
	s.notifier.OnSnapshot(s.UserID, s.RoomID, s.Snapshot())
}

func viewOf(window []*models.Message, userID string) []*models.Message {
	out := make([]*models.Message, 0, len(window))
	for _, m := range window {
		if !m.VisibleTo(userID) {
			continue
		}
		if m.Recalled {
			copyMsg := *m
			copyMsg.Text = RecalledPlaceholder
			copyMsg.MediaURL = ""
			out = append(out, &copyMsg)
			continue
		}
		out = append(out, m)
	}
	return out
}

// Close 停止订阅并落盘最终窗口；幂等。
func (s *RoomSession) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	listener := s.listener
	cancel := s.cancel
	snapshot := make([]*models.Message, len(s.window))
	copy(snapshot, s.window)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if listener != nil {
		listener.Stop()
	}
	s.cache.Put(ctx, s.UserID, s.RoomID, snapshot)
}
