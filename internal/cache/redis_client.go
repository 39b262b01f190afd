package cache

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

// 本包封装了 Redis 客户端与同步网关使用的键空间：
// - 新消息通道：msync:room:new:<roomId>（载荷为消息批次 JSON 数组）
// - 变更通道：msync:room:mut:<roomId>（载荷为 Delta JSON）
// - 房间最新消息水位：msync:lastts:<roomId>
// - 用户已读水位：msync:readts:<userId>:<roomId>
// - 本地消息缓存：msync:cache:msgs:<userId>:<roomId> / msync:cache:meta:<userId>:<roomId>
var (
	redisClient *redis.Client
)

func InitRedis(addr, pass string, db int) {
	redisClient = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: pass,
		DB:       db,
	})
}

func Client() *redis.Client { return redisClient }

// NewMessageChannel 返回房间的新消息通道；MutationChannel 返回房间的变更通道。
func NewMessageChannel(roomID string) string { return fmt.Sprintf("msync:room:new:%s", roomID) }
func MutationChannel(roomID string) string   { return fmt.Sprintf("msync:room:mut:%s", roomID) }

// LastTSKey 返回房间最新消息时间戳键；ReadTSKey 返回用户已读水位键。
func LastTSKey(roomID string) string { return fmt.Sprintf("msync:lastts:%s", roomID) }
func ReadTSKey(userID, roomID string) string {
	return fmt.Sprintf("msync:readts:%s:%s", userID, roomID)
}
