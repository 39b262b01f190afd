package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"go-msgsync/internal/config"
	"go-msgsync/internal/models"
	"go-msgsync/internal/mq"
	"go-msgsync/internal/store"
)

// MessageService 消息写路径：落库、房间索引、水位、群扇出与实时发布。
// 读路径（缓存/分页/合并）在 syncer 包，互不直接依赖。
type MessageService struct {
	Log      store.MessageLog
	Rooms    *store.RoomStore
	Receipts *store.ReceiptStore
	Producer *mq.Producer // 可为 nil（未配置 Kafka 时走进程内扇出）
	Cfg      *config.Config
}

// SendRequest WS/HTTP 发送消息的入参。
type SendRequest struct {
	RoomID      string          `json:"roomId"`
	RoomType    models.RoomType `json:"roomType"`
	ClientMsgID string          `json:"clientMsgId"`
	Text        string          `json:"text"`
	MediaURL    string          `json:"mediaUrl"`
	TTLSeconds  int             `json:"ttlSeconds"` // >0 表示定时自毁
}

var ErrBadRequest = errors.New("bad request")

// Send 写入一条消息并推送给房间订阅者。
// 幂等：同一 (roomId, clientMsgId) 重复提交只落库一次（底层唯一约束吞重）。
func (s *MessageService) Send(ctx context.Context, senderID string, req *SendRequest) (*models.Message, error) {
	if req.RoomID == "" || senderID == "" || (req.Text == "" && req.MediaURL == "") {
		return nil, ErrBadRequest
	}
	if req.RoomType == "" {
		req.RoomType = models.RoomTypeC2C
	}
	now := time.Now()
	m := &models.Message{
		ID:          uuid.NewString(),
		ClientMsgID: req.ClientMsgID,
		RoomID:      req.RoomID,
		RoomType:    req.RoomType,
		SenderID:    senderID,
		Text:        req.Text,
		MediaURL:    req.MediaURL,
		Timestamp:   now,
		Status:      models.StatusSent,
	}
	if req.TTLSeconds > 0 {
		t := now.Add(time.Duration(req.TTLSeconds) * time.Second)
		m.ExpireAt = &t
	}
	if err := s.Log.Append(ctx, m); err != nil {
		return nil, err
	}

	s.touchRoom(ctx, m)

	// 发送者在自己房间里必然是成员
	if s.Rooms != nil {
		if err := s.Rooms.UpsertUserRoom(ctx, senderID, m.RoomID, "member"); err != nil {
			log.Printf("MessageService.Send upsert member err=%v room=%s", err, m.RoomID)
		}
	}

	if m.RoomType == models.RoomTypeGroup {
		s.fanout(ctx, m)
	}

	publishBatch(ctx, m.RoomID, []*models.Message{m})
	return m, nil
}

// Edit 编辑消息正文，仅发送者本人可编辑。
func (s *MessageService) Edit(ctx context.Context, userID, roomID, msgID, text string) (*models.Message, error) {
	if text == "" {
		return nil, ErrBadRequest
	}
	m, err := s.Log.Get(ctx, roomID, msgID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != userID {
		return nil, errors.New("not message sender")
	}
	if m.Recalled {
		return nil, errors.New("message recalled")
	}
	if err := s.Log.Edit(ctx, roomID, msgID, text); err != nil {
		return nil, err
	}
	return s.publishUpdated(ctx, roomID, msgID)
}

// Recall 撤回消息（单向）：正文与媒体被清空，所有订阅端展示占位符。
func (s *MessageService) Recall(ctx context.Context, userID, roomID, msgID string) (*models.Message, error) {
	m, err := s.Log.Get(ctx, roomID, msgID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != userID {
		return nil, errors.New("not message sender")
	}
	if err := s.Log.Recall(ctx, roomID, msgID); err != nil {
		return nil, err
	}
	return s.publishUpdated(ctx, roomID, msgID)
}

// ToggleReaction 切换表情：未点则加入，已点则移除；集合为空时键被删除。
func (s *MessageService) ToggleReaction(ctx context.Context, userID, roomID, msgID, emoji string) (*models.Message, error) {
	if emoji == "" {
		return nil, ErrBadRequest
	}
	m, err := s.Log.Get(ctx, roomID, msgID)
	if err != nil {
		return nil, err
	}
	reactions := m.Reactions
	if reactions == nil {
		reactions = make(map[string][]string)
	}
	users := reactions[emoji]
	found := -1
	for i, id := range users {
		if id == userID {
			found = i
			break
		}
	}
	if found >= 0 {
		users = append(users[:found], users[found+1:]...)
	} else {
		users = append(users, userID)
	}
	if len(users) == 0 {
		delete(reactions, emoji)
	} else {
		reactions[emoji] = users
	}
	if err := s.Log.SetReactions(ctx, roomID, msgID, reactions); err != nil {
		return nil, err
	}
	return s.publishUpdated(ctx, roomID, msgID)
}

// Pin 置顶/取消置顶。
func (s *MessageService) Pin(ctx context.Context, roomID, msgID string, pinned bool) (*models.Message, error) {
	if err := s.Log.SetPinned(ctx, roomID, msgID, pinned); err != nil {
		return nil, err
	}
	return s.publishUpdated(ctx, roomID, msgID)
}

// Reply 在原消息上追加快捷回复。
func (s *MessageService) Reply(ctx context.Context, userID, roomID, msgID, text string) (*models.Message, error) {
	if text == "" {
		return nil, ErrBadRequest
	}
	r := models.Reply{UserID: userID, Text: text, Timestamp: time.Now()}
	if err := s.Log.AddReply(ctx, roomID, msgID, r); err != nil {
		return nil, err
	}
	return s.publishUpdated(ctx, roomID, msgID)
}

// DeleteForMe 仅对该用户隐藏消息。变更仍广播到房间，
// 各订阅端按自己的可见性过滤，只有本人会看到消息消失。
func (s *MessageService) DeleteForMe(ctx context.Context, userID, roomID, msgID string) (*models.Message, error) {
	if err := s.Log.MarkDeletedFor(ctx, roomID, msgID, userID); err != nil {
		return nil, err
	}
	return s.publishUpdated(ctx, roomID, msgID)
}

// MarkDelivered 将消息投递状态推进为 delivered（不回退）。
func (s *MessageService) MarkDelivered(ctx context.Context, roomID, msgID string) (*models.Message, error) {
	if err := s.Log.UpdateStatus(ctx, roomID, msgID, models.StatusDelivered); err != nil {
		return nil, err
	}
	return s.publishUpdated(ctx, roomID, msgID)
}

// MarkRead 推进用户在房间内的已读水位。
func (s *MessageService) MarkRead(ctx context.Context, userID, roomID string, readAt int64) error {
	if readAt <= 0 {
		readAt = time.Now().UnixMilli()
	}
	return s.Receipts.UpsertReadAt(ctx, userID, roomID, readAt)
}

// MarkAllRead 将该用户全部房间推进到当前时刻（分块并发）。
func (s *MessageService) MarkAllRead(ctx context.Context, userID string) error {
	return s.Receipts.MarkAllReadInChunks(ctx, userID,
		s.Cfg.MarkAllReadChunkSize, s.Cfg.MarkAllReadConcurrency, s.Cfg.MarkAllReadRetry)
}

// publishUpdated 重新读取消息并向房间广播 modified 增量。
func (s *MessageService) publishUpdated(ctx context.Context, roomID, msgID string) (*models.Message, error) {
	m, err := s.Log.Get(ctx, roomID, msgID)
	if err != nil {
		return nil, err
	}
	publishDelta(ctx, roomID, models.Delta{Kind: models.DeltaModified, ID: msgID, Message: m})
	return m, nil
}
