package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"go-msgsync/internal/cache"
	"go-msgsync/internal/metrics"
	"go-msgsync/internal/models"
)

// MessageCache 每个 (用户, 房间) 的消息窗口缓存：
// - msync:cache:msgs:<userId>:<roomId>：消息窗口 JSON 数组
// - msync:cache:meta:<userId>:<roomId>：写入时刻（毫秒）
// TTL 到期整体丢弃（不做部分过期）；每房间上限 maxSize，超出丢弃最老的。
// 缓存层任何故障均降级为未命中，不影响主链路。
type MessageCache struct {
	kv      cache.KV
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

func NewMessageCache(kv cache.KV, ttl time.Duration, maxSize int) *MessageCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 100
	}
	return &MessageCache{kv: kv, ttl: ttl, maxSize: maxSize, now: time.Now}
}

func msgsKey(userID, roomID string) string {
	return fmt.Sprintf("msync:cache:msgs:%s:%s", userID, roomID)
}
func metaKey(userID, roomID string) string {
	return fmt.Sprintf("msync:cache:meta:%s:%s", userID, roomID)
}

// Get 读取缓存窗口；未命中/到期/数据损坏均返回 ok=false。
func (c *MessageCache) Get(ctx context.Context, userID, roomID string) ([]*models.Message, bool) {
	metaVal, ok, err := c.kv.Get(ctx, metaKey(userID, roomID))
	if err != nil {
		log.Printf("MessageCache.Get meta err=%v user=%s room=%s", err, userID, roomID)
		return nil, false
	}
	if !ok {
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	storedAt, err := strconv.ParseInt(metaVal, 10, 64)
	if err != nil || c.now().UnixMilli()-storedAt > c.ttl.Milliseconds() {
		metrics.CacheExpiredTotal.Inc()
		c.Clear(ctx, userID, roomID)
		return nil, false
	}
	raw, ok, err := c.kv.Get(ctx, msgsKey(userID, roomID))
	if err != nil {
		log.Printf("MessageCache.Get msgs err=%v user=%s room=%s", err, userID, roomID)
		return nil, false
	}
	if !ok {
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	var msgs []*models.Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		log.Printf("MessageCache.Get corrupt payload user=%s room=%s err=%v", userID, roomID, err)
		c.Clear(ctx, userID, roomID)
		return nil, false
	}
	metrics.CacheHitsTotal.Inc()
	return msgs, true
}

// Put 将消息合并进缓存窗口：与已有内容按 ID 合并、按时间戳排序、超限截断。
// 重复写入同一批次不改变结果。
func (c *MessageCache) Put(ctx context.Context, userID, roomID string, msgs []*models.Message) {
	existing, _ := c.Get(ctx, userID, roomID)
	merged := MergeByID(existing, msgs)
	SortByTimestamp(merged)
	merged = TruncateKeepNewest(merged, c.maxSize)
	b, err := json.Marshal(merged)
	if err != nil {
		log.Printf("MessageCache.Put marshal err=%v user=%s room=%s", err, userID, roomID)
		return
	}
	if err := c.kv.Set(ctx, msgsKey(userID, roomID), string(b)); err != nil {
		log.Printf("MessageCache.Put msgs err=%v user=%s room=%s", err, userID, roomID)
		return
	}
	if err := c.kv.Set(ctx, metaKey(userID, roomID), strconv.FormatInt(c.now().UnixMilli(), 10)); err != nil {
		log.Printf("MessageCache.Put meta err=%v user=%s room=%s", err, userID, roomID)
	}
}

// Clear 丢弃单个房间的缓存窗口。
func (c *MessageCache) Clear(ctx context.Context, userID, roomID string) {
	if err := c.kv.Del(ctx, msgsKey(userID, roomID), metaKey(userID, roomID)); err != nil {
		log.Printf("MessageCache.Clear err=%v user=%s room=%s", err, userID, roomID)
	}
}

// ClearAll 丢弃该用户全部房间的缓存（登出时调用）。
func (c *MessageCache) ClearAll(ctx context.Context, userID string) {
	for _, prefix := range []string{
		fmt.Sprintf("msync:cache:msgs:%s:", userID),
		fmt.Sprintf("msync:cache:meta:%s:", userID),
	} {
		keys, err := c.kv.Keys(ctx, prefix)
		if err != nil {
			log.Printf("MessageCache.ClearAll keys err=%v user=%s", err, userID)
			continue
		}
		if err := c.kv.Del(ctx, keys...); err != nil {
			log.Printf("MessageCache.ClearAll del err=%v user=%s", err, userID)
		}
	}
}
