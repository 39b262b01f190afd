package store

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"time"

	"go-msgsync/internal/cache"
	"go-msgsync/internal/models"
)

// ReceiptStore 维护用户在房间内的已读水位（read_receipts 表，(user_id, room_id) 主键）。
// 已读水位同时写入 Redis（msync:readts:*）供房间列表角标快速读取。
type ReceiptStore struct{ DB *sql.DB }

func NewReceiptStore(db *sql.DB) *ReceiptStore { return &ReceiptStore{DB: db} }

func (s *ReceiptStore) Get(ctx context.Context, userID, roomID string) (*models.ReadReceipt, error) {
	r := &models.ReadReceipt{UserID: userID, RoomID: roomID}
	err := s.DB.QueryRowContext(ctx, `SELECT read_at, time FROM read_receipts WHERE user_id=? AND room_id=?`,
		userID, roomID).Scan(&r.ReadAt, &r.Time)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// UpsertReadAt 推进已读水位（只前进），并同步刷新 Redis 水位键。
func (s *ReceiptStore) UpsertReadAt(ctx context.Context, userID, roomID string, readAt int64) error {
	now := time.Now().UnixMilli()
	_, err := s.DB.ExecContext(ctx, `INSERT INTO read_receipts(user_id, room_id, read_at, time) VALUES(?,?,?,?)
		ON DUPLICATE KEY UPDATE read_at=GREATEST(read_at, VALUES(read_at)), time=VALUES(time)`,
		userID, roomID, readAt, now)
	if err != nil {
		return err
	}
	if rdb := cache.Client(); rdb != nil {
		if err := rdb.Set(ctx, cache.ReadTSKey(userID, roomID), readAt, 24*time.Hour).Err(); err != nil {
			log.Printf("ReceiptStore.UpsertReadAt redis err=%v user=%s room=%s", err, userID, roomID)
		}
	}
	return nil
}

// MarkAllReadInChunks 将用户全部房间的已读水位推进到当前时刻：
// - 先查出用户的房间列表，按 chunkSize 分块
// - 固定大小 worker 池并发执行，单块失败按 retry 次数重试
func (s *ReceiptStore) MarkAllReadInChunks(ctx context.Context, userID string, chunkSize, concurrency, retry int) error {
	if chunkSize <= 0 {
		chunkSize = 200
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT room_id FROM user_rooms WHERE user_id=?`, userID)
	if err != nil {
		return err
	}
	var roomIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		roomIDs = append(roomIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(roomIDs) == 0 {
		return nil
	}

	now := time.Now().UnixMilli()
	chunks := make(chan []string)
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for chunk := range chunks {
				for attempt := 0; attempt <= retry; attempt++ {
					if err := s.markChunk(ctx, userID, chunk, now); err != nil {
						log.Printf("ReceiptStore.MarkAllRead chunk err=%v attempt=%d user=%s", err, attempt, userID)
						time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
						continue
					}
					break
				}
			}
		}()
	}
	for start := 0; start < len(roomIDs); start += chunkSize {
		end := start + chunkSize
		if end > len(roomIDs) {
			end = len(roomIDs)
		}
		chunks <- roomIDs[start:end]
	}
	close(chunks)
	wg.Wait()
	return nil
}

func (s *ReceiptStore) markChunk(ctx context.Context, userID string, roomIDs []string, readAt int64) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, roomID := range roomIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO read_receipts(user_id, room_id, read_at, time) VALUES(?,?,?,?)
			ON DUPLICATE KEY UPDATE read_at=GREATEST(read_at, VALUES(read_at)), time=VALUES(time)`,
			userID, roomID, readAt, readAt); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if rdb := cache.Client(); rdb != nil {
		pipe := rdb.Pipeline()
		for _, roomID := range roomIDs {
			pipe.Set(ctx, cache.ReadTSKey(userID, roomID), readAt, 24*time.Hour)
		}
		_, _ = pipe.Exec(ctx)
	}
	return nil
}
