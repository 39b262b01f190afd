package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go-msgsync/internal/models"
)

// MongoMessageStore 基于 MongoDB 的消息日志实现。
// 索引：
// - (room_id, client_msg_id) 唯一，保障幂等写入
// - (room_id, ts) 支撑翻页
// - expire_at TTL 索引，到期消息由 Mongo 自行清理
type MongoMessageStore struct {
	coll *mongo.Collection
}

type mongoMessage struct {
	ID          string               `bson:"_id"`
	ClientMsgID string               `bson:"client_msg_id"`
	RoomID      string               `bson:"room_id"`
	RoomType    models.RoomType      `bson:"room_type"`
	SenderID    string               `bson:"sender_id"`
	Text        string               `bson:"text"`
	MediaURL    string               `bson:"media_url"`
	Timestamp   time.Time            `bson:"ts"`
	Status      models.MessageStatus `bson:"status"`
	Edited      bool                 `bson:"edited"`
	EditedAt    *time.Time           `bson:"edited_at,omitempty"`
	Recalled    bool                 `bson:"recalled"`
	RecalledAt  *time.Time           `bson:"recalled_at,omitempty"`
	Pinned      bool                 `bson:"pinned"`
	Reactions   map[string][]string  `bson:"reactions,omitempty"`
	Replies     []models.Reply       `bson:"replies,omitempty"`
	DeletedFor  []string             `bson:"deleted_for,omitempty"`
	ExpireAt    *time.Time           `bson:"expire_at,omitempty"`
}

func NewMongoMessageStore(db *mongo.Database) (*MongoMessageStore, error) {
	s := &MongoMessageStore{coll: db.Collection("messages")}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "client_msg_id", Value: 1}},
			Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "ts", Value: -1}}},
		{Keys: bson.D{{Key: "expire_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0)},
	})
	return s, err
}

func toMongo(m *models.Message) *mongoMessage {
	return &mongoMessage{
		ID: m.ID, ClientMsgID: m.ClientMsgID, RoomID: m.RoomID, RoomType: m.RoomType,
		SenderID: m.SenderID, Text: m.Text, MediaURL: m.MediaURL, Timestamp: m.Timestamp,
		Status: m.Status, Edited: m.Edited, EditedAt: m.EditedAt, Recalled: m.Recalled,
		RecalledAt: m.RecalledAt, Pinned: m.Pinned, Reactions: m.Reactions,
		Replies: m.Replies, DeletedFor: m.DeletedFor, ExpireAt: m.ExpireAt,
	}
}

func fromMongo(d *mongoMessage) *models.Message {
	return &models.Message{
		ID: d.ID, ClientMsgID: d.ClientMsgID, RoomID: d.RoomID, RoomType: d.RoomType,
		SenderID: d.SenderID, Text: d.Text, MediaURL: d.MediaURL, Timestamp: d.Timestamp,
		Status: d.Status, Edited: d.Edited, EditedAt: d.EditedAt, Recalled: d.Recalled,
		RecalledAt: d.RecalledAt, Pinned: d.Pinned, Reactions: d.Reactions,
		Replies: d.Replies, DeletedFor: d.DeletedFor, ExpireAt: d.ExpireAt,
	}
}

// Append 写入消息；唯一键冲突视为幂等重复，吞掉错误。
func (s *MongoMessageStore) Append(ctx context.Context, m *models.Message) error {
	_, err := s.coll.InsertOne(ctx, toMongo(m))
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

func (s *MongoMessageStore) listPage(ctx context.Context, filter bson.M, limit int) ([]*models.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 30
	}
	opts := options.Find().SetSort(bson.D{{Key: "ts", Value: -1}}).SetLimit(int64(limit))
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var docs []*mongoMessage
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	// 倒序查询结果翻转为升序
	out := make([]*models.Message, len(docs))
	for i, d := range docs {
		out[len(docs)-1-i] = fromMongo(d)
	}
	return out, nil
}

func (s *MongoMessageStore) ListNewest(ctx context.Context, roomID string, limit int) ([]*models.Message, error) {
	return s.listPage(ctx, bson.M{"room_id": roomID}, limit)
}

func (s *MongoMessageStore) ListBefore(ctx context.Context, roomID string, before time.Time, limit int) ([]*models.Message, error) {
	return s.listPage(ctx, bson.M{"room_id": roomID, "ts": bson.M{"$lt": before}}, limit)
}

func (s *MongoMessageStore) Get(ctx context.Context, roomID, id string) (*models.Message, error) {
	var d mongoMessage
	if err := s.coll.FindOne(ctx, bson.M{"_id": id, "room_id": roomID}).Decode(&d); err != nil {
		return nil, err
	}
	return fromMongo(&d), nil
}

func (s *MongoMessageStore) Recall(ctx context.Context, roomID, id string) error {
	now := time.Now()
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "room_id": roomID, "recalled": false},
		bson.M{"$set": bson.M{"recalled": true, "recalled_at": now, "text": "", "media_url": ""}})
	return err
}

func (s *MongoMessageStore) Edit(ctx context.Context, roomID, id, text string) error {
	now := time.Now()
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "room_id": roomID, "recalled": false},
		bson.M{"$set": bson.M{"text": text, "edited": true, "edited_at": now}})
	return err
}

func (s *MongoMessageStore) SetReactions(ctx context.Context, roomID, id string, reactions map[string][]string) error {
	update := bson.M{"$set": bson.M{"reactions": reactions}}
	if len(reactions) == 0 {
		update = bson.M{"$unset": bson.M{"reactions": ""}}
	}
	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": id, "room_id": roomID}, update)
	return err
}

func (s *MongoMessageStore) SetPinned(ctx context.Context, roomID, id string, pinned bool) error {
	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": id, "room_id": roomID},
		bson.M{"$set": bson.M{"pinned": pinned}})
	return err
}

func (s *MongoMessageStore) AddReply(ctx context.Context, roomID, id string, r models.Reply) error {
	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": id, "room_id": roomID},
		bson.M{"$push": bson.M{"replies": r}})
	return err
}

// MarkDeletedFor 使用 $addToSet 保证重复调用无副作用。
func (s *MongoMessageStore) MarkDeletedFor(ctx context.Context, roomID, id, userID string) error {
	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": id, "room_id": roomID},
		bson.M{"$addToSet": bson.M{"deleted_for": userID}})
	return err
}

// UpdateStatus 只允许状态前进，不允许回退。
func (s *MongoMessageStore) UpdateStatus(ctx context.Context, roomID, id string, status models.MessageStatus) error {
	rank := map[models.MessageStatus][]models.MessageStatus{
		models.StatusDelivered: {models.StatusSent},
		models.StatusRead:      {models.StatusSent, models.StatusDelivered},
	}
	allowed, ok := rank[status]
	if !ok {
		return nil
	}
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "room_id": roomID, "status": bson.M{"$in": allowed}},
		bson.M{"$set": bson.M{"status": status}})
	return err
}

// DeleteExpired TTL 索引已兜底；这里提供主动清理以便与 SQL 实现行为一致。
func (s *MongoMessageStore) DeleteExpired(ctx context.Context, before time.Time) error {
	_, err := s.coll.DeleteMany(ctx, bson.M{"expire_at": bson.M{"$ne": nil, "$lte": before}})
	return err
}
