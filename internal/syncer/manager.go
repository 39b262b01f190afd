package syncer

import (
	"context"
	"sync"
)

// sessionEntry 会话及其启动完成信号：ready 关闭后 sess 才可对外暴露。
type sessionEntry struct {
	sess  *RoomSession
	ready chan struct{}
	err   error
}

// SyncManager 管理所有在线 (用户, 房间) 的合并会话。
type SyncManager struct {
	cache   *MessageCache
	fetcher *PageFetcher
	source  DeltaSource

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

func NewSyncManager(c *MessageCache, f *PageFetcher, src DeltaSource) *SyncManager {
	return &SyncManager{cache: c, fetcher: f, source: src, sessions: make(map[string]*sessionEntry)}
}

func sessionKey(userID, roomID string) string { return userID + "|" + roomID }

// Open 返回已有会话或新建并启动一个；同键并发调用只会启动一次，
// 后到的调用等待首个调用者完成启动，不会拿到半初始化的会话。
func (m *SyncManager) Open(ctx context.Context, userID, roomID string, n Notifier) (*RoomSession, error) {
	key := sessionKey(userID, roomID)
	m.mu.Lock()
	if e, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		<-e.ready
		if e.err != nil {
			return nil, e.err
		}
		return e.sess, nil
	}
	e := &sessionEntry{
		sess:  NewRoomSession(userID, roomID, m.cache, m.fetcher, m.source, n),
		ready: make(chan struct{}),
	}
	m.sessions[key] = e
	m.mu.Unlock()

	if err := e.sess.Open(ctx); err != nil {
		m.mu.Lock()
		delete(m.sessions, key)
		m.mu.Unlock()
		e.err = err
		close(e.ready)
		return nil, err
	}
	close(e.ready)
	return e.sess, nil
}

// Get 查询已完成启动的会话。
func (m *SyncManager) Get(userID, roomID string) (*RoomSession, bool) {
	m.mu.Lock()
	e, ok := m.sessions[sessionKey(userID, roomID)]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
		if e.err != nil {
			return nil, false
		}
		return e.sess, true
	default:
		return nil, false
	}
}

// CloseRoom 关闭单个会话。
func (m *SyncManager) CloseRoom(ctx context.Context, userID, roomID string) {
	m.mu.Lock()
	e, ok := m.sessions[sessionKey(userID, roomID)]
	if ok {
		delete(m.sessions, sessionKey(userID, roomID))
	}
	m.mu.Unlock()
	if ok {
		e.sess.Close(ctx)
	}
}

// Logout 关闭该用户的全部会话并清空其缓存窗口。
func (m *SyncManager) Logout(ctx context.Context, userID string) {
	m.mu.Lock()
	var closing []*RoomSession
	for key, e := range m.sessions {
		if e.sess.UserID == userID {
			closing = append(closing, e.sess)
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()
	for _, s := range closing {
		s.Close(ctx)
	}
	m.cache.ClearAll(ctx, userID)
}
