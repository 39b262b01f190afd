package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go-msgsync/internal/models"
)

// MessageStore 基于 SQL 的消息日志实现（MySQL/TiDB 兼容）。
// 约束：
// - messages 表需具备 (room_id, client_msg_id) 唯一键保障幂等
// - idx_room_ts 支撑按房间时间戳翻页
// - reactions/replies/deleted_for 以 JSON 文本列存储
type MessageStore struct{ DB *sql.DB }

func NewMessageStore(db *sql.DB) *MessageStore { return &MessageStore{DB: db} }

const messageColumns = `id, client_msg_id, room_id, room_type, sender_id, text, media_url, ts, status, edited, edited_at, recalled, recalled_at, pinned, reactions, replies, deleted_for, expire_at`

// Append 插入消息；使用 INSERT IGNORE 实现幂等写入。
func (s *MessageStore) Append(ctx context.Context, m *models.Message) error {
	reactions, _ := json.Marshal(m.Reactions)
	replies, _ := json.Marshal(m.Replies)
	deletedFor, _ := json.Marshal(m.DeletedFor)
	_, err := s.DB.ExecContext(ctx, `INSERT IGNORE INTO messages(`+messageColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.ClientMsgID, m.RoomID, m.RoomType, m.SenderID, m.Text, m.MediaURL, m.Timestamp, m.Status,
		m.Edited, m.EditedAt, m.Recalled, m.RecalledAt, m.Pinned, reactions, replies, deletedFor, m.ExpireAt)
	return err
}

// ListNewest 拉取房间最新 limit 条；倒序查询后翻转为升序。
func (s *MessageStore) ListNewest(ctx context.Context, roomID string, limit int) ([]*models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 30
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE room_id=? AND (expire_at IS NULL OR expire_at>NOW()) ORDER BY ts DESC LIMIT ?`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAscending(rows)
}

// ListBefore 拉取严格早于 before 的 limit 条；倒序查询后翻转为升序。
func (s *MessageStore) ListBefore(ctx context.Context, roomID string, before time.Time, limit int) ([]*models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 30
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE room_id=? AND ts<? AND (expire_at IS NULL OR expire_at>NOW()) ORDER BY ts DESC LIMIT ?`, roomID, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAscending(rows)
}

// Get 查询房间内指定消息。
func (s *MessageStore) Get(ctx context.Context, roomID, id string) (*models.Message, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE room_id=? AND id=?`, roomID, id)
	return scanMessage(row)
}

// Recall 标记撤回并清空正文/媒体（不删除物理记录）。
func (s *MessageStore) Recall(ctx context.Context, roomID, id string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE messages SET recalled=1, recalled_at=?, text='', media_url='' WHERE room_id=? AND id=? AND recalled=0`, time.Now(), roomID, id)
	return err
}

// Edit 更新正文；已撤回消息不可编辑。
func (s *MessageStore) Edit(ctx context.Context, roomID, id, text string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE messages SET text=?, edited=1, edited_at=? WHERE room_id=? AND id=? AND recalled=0`, text, time.Now(), roomID, id)
	return err
}

// SetReactions 整体覆写表情集合。
func (s *MessageStore) SetReactions(ctx context.Context, roomID, id string, reactions map[string][]string) error {
	b, _ := json.Marshal(reactions)
	_, err := s.DB.ExecContext(ctx, `UPDATE messages SET reactions=? WHERE room_id=? AND id=?`, b, roomID, id)
	return err
}

// SetPinned 置顶/取消置顶。
func (s *MessageStore) SetPinned(ctx context.Context, roomID, id string, pinned bool) error {
	v := 0
	if pinned {
		v = 1
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE messages SET pinned=? WHERE room_id=? AND id=?`, v, roomID, id)
	return err
}

// AddReply 读取现有回复列表后追加（回复量小，读-改-写足够）。
func (s *MessageStore) AddReply(ctx context.Context, roomID, id string, r models.Reply) error {
	m, err := s.Get(ctx, roomID, id)
	if err != nil {
		return err
	}
	replies := append(m.Replies, r)
	b, _ := json.Marshal(replies)
	_, err = s.DB.ExecContext(ctx, `UPDATE messages SET replies=? WHERE room_id=? AND id=?`, b, roomID, id)
	return err
}

// MarkDeletedFor 将用户加入 deleted_for 列表；重复调用无副作用。
func (s *MessageStore) MarkDeletedFor(ctx context.Context, roomID, id, userID string) error {
	m, err := s.Get(ctx, roomID, id)
	if err != nil {
		return err
	}
	if !m.VisibleTo(userID) {
		return nil
	}
	b, _ := json.Marshal(append(m.DeletedFor, userID))
	_, err = s.DB.ExecContext(ctx, `UPDATE messages SET deleted_for=? WHERE room_id=? AND id=?`, b, roomID, id)
	return err
}

// UpdateStatus 推进投递状态；FIELD 序保证只前进不回退。
func (s *MessageStore) UpdateStatus(ctx context.Context, roomID, id string, status models.MessageStatus) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE messages SET status=? WHERE room_id=? AND id=? AND FIELD(status,'sent','delivered','read') < FIELD(?,'sent','delivered','read')`, status, roomID, id, status)
	return err
}

// DeleteExpired 物理删除已到期的自毁消息（SQL 侧的简单清理策略）。
func (s *MessageStore) DeleteExpired(ctx context.Context, before time.Time) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM messages WHERE expire_at IS NOT NULL AND expire_at<=?`, before)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	m := &models.Message{}
	var editedAt, recalledAt, expireAt sql.NullTime
	var reactions, replies, deletedFor []byte
	if err := row.Scan(&m.ID, &m.ClientMsgID, &m.RoomID, &m.RoomType, &m.SenderID, &m.Text, &m.MediaURL, &m.Timestamp, &m.Status,
		&m.Edited, &editedAt, &m.Recalled, &recalledAt, &m.Pinned, &reactions, &replies, &deletedFor, &expireAt); err != nil {
		return nil, err
	}
	if editedAt.Valid {
		t := editedAt.Time
		m.EditedAt = &t
	}
	if recalledAt.Valid {
		t := recalledAt.Time
		m.RecalledAt = &t
	}
	if expireAt.Valid {
		t := expireAt.Time
		m.ExpireAt = &t
	}
	_ = json.Unmarshal(reactions, &m.Reactions)
	_ = json.Unmarshal(replies, &m.Replies)
	_ = json.Unmarshal(deletedFor, &m.DeletedFor)
	return m, nil
}

// collectAscending 读取倒序结果集并翻转为时间戳升序。
func collectAscending(rows *sql.Rows) ([]*models.Message, error) {
	var desc []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		desc = append(desc, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(desc)-1; i < j; i, j = i+1, j-1 {
		desc[i], desc[j] = desc[j], desc[i]
	}
	return desc, nil
}
