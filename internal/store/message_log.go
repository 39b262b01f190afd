package store

import (
	"context"
	"time"

	"go-msgsync/internal/models"
)

// MessageLog 抽象远端有序消息日志，便于切换 MySQL/TiDB/MongoDB：
// - Append：写入消息（需具备 (room_id, client_msg_id) 幂等约束）
// - ListNewest/ListBefore：最新一页 / 游标向前翻页（均按时间戳升序返回）
// - Recall/Edit/SetReactions/SetPinned/AddReply/MarkDeletedFor/UpdateStatus：窗口内变更
// - DeleteExpired：清理到期的定时自毁消息
type MessageLog interface {
	// Append 写入消息；要求底层实现对 (room_id, client_msg_id) 提供唯一约束以实现幂等。
	Append(ctx context.Context, m *models.Message) error
	// ListNewest 拉取房间最新 limit 条，按时间戳升序返回。
	ListNewest(ctx context.Context, roomID string, limit int) ([]*models.Message, error)
	// ListBefore 拉取严格早于 before 的 limit 条，按时间戳升序返回。
	ListBefore(ctx context.Context, roomID string, before time.Time, limit int) ([]*models.Message, error)
	// Get 查询房间内指定消息。
	Get(ctx context.Context, roomID, id string) (*models.Message, error)
	// Recall 将消息标记为撤回并清空正文/媒体（单向，不物理删除）。
	Recall(ctx context.Context, roomID, id string) error
	// Edit 更新正文并打上编辑标记。
	Edit(ctx context.Context, roomID, id, text string) error
	// SetReactions 整体覆写表情集合（读-改-写由服务层完成）。
	SetReactions(ctx context.Context, roomID, id string, reactions map[string][]string) error
	// SetPinned 置顶/取消置顶。
	SetPinned(ctx context.Context, roomID, id string, pinned bool) error
	// AddReply 追加一条回复。
	AddReply(ctx context.Context, roomID, id string, r models.Reply) error
	// MarkDeletedFor 将用户加入 deleted_for 列表（delete-for-me）。
	MarkDeletedFor(ctx context.Context, roomID, id, userID string) error
	// UpdateStatus 推进投递状态（sent -> delivered -> read，不回退）。
	UpdateStatus(ctx context.Context, roomID, id string, status models.MessageStatus) error
	// DeleteExpired 清理到期自毁消息（可由后台任务周期调用）。
	DeleteExpired(ctx context.Context, before time.Time) error
}
