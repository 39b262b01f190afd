package store

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"go-msgsync/internal/cache"
	"go-msgsync/internal/models"
)

// RoomStore 维护房间索引与成员关系（rooms / user_rooms 两张表）。
// 房间列表的未读角标优先走 Redis 水位（lastts/readts），缺失时回落 read_receipts。
type RoomStore struct{ DB *sql.DB }

func NewRoomStore(db *sql.DB) *RoomStore { return &RoomStore{DB: db} }

// RoomWithUnread 房间列表条目：房间信息 + 该用户的未读标记。
type RoomWithUnread struct {
	models.Room
	Unread bool `json:"unread"`
}

// UpsertRoom 写入/刷新房间索引；last_msg_at 只前进。
func (s *RoomStore) UpsertRoom(ctx context.Context, roomID string, typ models.RoomType, lastMsgAt time.Time) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO rooms(id, type, last_msg_at, updated_at) VALUES(?,?,?,NOW())
		ON DUPLICATE KEY UPDATE last_msg_at=GREATEST(last_msg_at, VALUES(last_msg_at)), updated_at=NOW()`,
		roomID, typ, lastMsgAt)
	return err
}

// UpsertUserRoom 维护用户-房间关系（成员加入 / 扇出消费者批量调用）。
func (s *RoomStore) UpsertUserRoom(ctx context.Context, userID, roomID, role string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO user_rooms(user_id, room_id, role, created_at) VALUES(?,?,?,NOW())
		ON DUPLICATE KEY UPDATE role=VALUES(role)`, userID, roomID, role)
	return err
}

// ListMemberIDs 列出房间全部成员（群消息扇出使用）。
func (s *RoomStore) ListMemberIDs(ctx context.Context, roomID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT user_id FROM user_rooms WHERE room_id=?`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListWithUnread 返回用户的房间列表（按最新消息倒序）并批量计算未读标记：
// 1) Redis pipeline 一次拉取所有 lastts/readts 水位
// 2) 水位缺失的房间回落 read_receipts 表
func (s *RoomStore) ListWithUnread(ctx context.Context, userID string, receipts *ReceiptStore) ([]*RoomWithUnread, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT r.id, r.type, r.last_msg_at, r.updated_at
		FROM rooms r JOIN user_rooms ur ON ur.room_id=r.id
		WHERE ur.user_id=? ORDER BY r.last_msg_at DESC LIMIT 200`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*RoomWithUnread
	for rows.Next() {
		item := &RoomWithUnread{}
		if err := rows.Scan(&item.ID, &item.Type, &item.LastMsgAt, &item.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return list, nil
	}

	rdb := cache.Client()
	pipe := rdb.Pipeline()
	lastCmds := make([]*redis.StringCmd, len(list))
	readCmds := make([]*redis.StringCmd, len(list))
	for i, item := range list {
		lastCmds[i] = pipe.Get(ctx, cache.LastTSKey(item.ID))
		readCmds[i] = pipe.Get(ctx, cache.ReadTSKey(userID, item.ID))
	}
	_, _ = pipe.Exec(ctx) // redis.Nil 属于正常缺失

	for i, item := range list {
		lastTS := parseMS(lastCmds[i].Val())
		if lastTS == 0 {
			lastTS = item.LastMsgAt.UnixMilli()
		}
		readTS := parseMS(readCmds[i].Val())
		if readTS == 0 && receipts != nil {
			if r, err := receipts.Get(ctx, userID, item.ID); err == nil && r != nil {
				readTS = r.ReadAt
			}
		}
		item.Unread = lastTS > readTS
	}
	return list, nil
}

func parseMS(s string) int64 {
	if s == "" {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
