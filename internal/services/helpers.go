package services

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"go-msgsync/internal/cache"
	"go-msgsync/internal/models"
	"go-msgsync/internal/mq"
)

// publishBatch 向房间的新消息通道发布一个批次（JSON 数组）。
// 订阅端对一个批次最多触发一次提示音，因此发布侧尽量把同时产生的消息并批。
func publishBatch(ctx context.Context, roomID string, batch []*models.Message) {
	if len(batch) == 0 {
		return
	}
	b, err := json.Marshal(batch)
	if err != nil {
		log.Printf("publishBatch marshal err=%v room=%s", err, roomID)
		return
	}
	if err := cache.Client().Publish(ctx, cache.NewMessageChannel(roomID), b).Err(); err != nil {
		log.Printf("publishBatch publish err=%v room=%s", err, roomID)
	}
}

// publishDelta 向房间的变更通道发布一条增量。
func publishDelta(ctx context.Context, roomID string, d models.Delta) {
	b, err := json.Marshal(d)
	if err != nil {
		log.Printf("publishDelta marshal err=%v room=%s", err, roomID)
		return
	}
	if err := cache.Client().Publish(ctx, cache.MutationChannel(roomID), b).Err(); err != nil {
		log.Printf("publishDelta publish err=%v room=%s", err, roomID)
	}
}

// touchRoom 刷新房间索引与最新消息水位（水位短 TTL，过期回落 rooms 表）。
func (s *MessageService) touchRoom(ctx context.Context, m *models.Message) {
	if s.Rooms != nil {
		if err := s.Rooms.UpsertRoom(ctx, m.RoomID, m.RoomType, m.Timestamp); err != nil {
			log.Printf("MessageService.touchRoom upsert err=%v room=%s", err, m.RoomID)
		}
	}
	if rdb := cache.Client(); rdb != nil {
		if err := rdb.Set(ctx, cache.LastTSKey(m.RoomID), m.Timestamp.UnixMilli(), 10*time.Minute).Err(); err != nil {
			log.Printf("MessageService.touchRoom lastts err=%v room=%s", err, m.RoomID)
		}
	}
}

// fanout 群消息的成员索引扇出：
// - 配置了 Kafka 时投递扇出事件，由消费组异步落 user_rooms
// - 否则起协程分批直写，批间 sleep 控制数据库压力
func (s *MessageService) fanout(ctx context.Context, m *models.Message) {
	if s.Producer != nil {
		ev := &mq.FanoutEvent{RoomID: m.RoomID, MsgID: m.ID, SenderID: m.SenderID, TS: m.Timestamp.UnixMilli()}
		if err := s.Producer.SendFanout(ev); err != nil {
			log.Printf("MessageService.fanout kafka err=%v room=%s", err, m.RoomID)
		}
		return
	}
	go s.fanoutDirect(m.RoomID)
}

func (s *MessageService) fanoutDirect(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	members, err := s.Rooms.ListMemberIDs(ctx, roomID)
	if err != nil {
		log.Printf("MessageService.fanoutDirect members err=%v room=%s", err, roomID)
		return
	}
	batchSize := s.Cfg.FanoutBatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	sleep := time.Duration(s.Cfg.FanoutBatchSleepMS) * time.Millisecond
	for start := 0; start < len(members); start += batchSize {
		end := start + batchSize
		if end > len(members) {
			end = len(members)
		}
		for _, userID := range members[start:end] {
			if err := s.Rooms.UpsertUserRoom(ctx, userID, roomID, "member"); err != nil {
				log.Printf("MessageService.fanoutDirect upsert err=%v user=%s room=%s", err, userID, roomID)
			}
		}
		if end < len(members) && sleep > 0 {
			time.Sleep(sleep)
		}
	}
}
