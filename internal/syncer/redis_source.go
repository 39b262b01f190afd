package syncer

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"

	"go-msgsync/internal/cache"
	"go-msgsync/internal/models"
)

// RedisDeltaSource 基于 Redis 发布订阅的实时来源。
// 同一房间订阅两个通道：msync:room:new:<roomId>（消息批次）与 msync:room:mut:<roomId>（变更增量）。
type RedisDeltaSource struct {
	client *redis.Client
}

func NewRedisDeltaSource() *RedisDeltaSource {
	return &RedisDeltaSource{client: cache.Client()}
}

type redisSubscription struct {
	pubsub  *redis.PubSub
	newCh   chan []*models.Message
	deltaCh chan models.Delta
	once    sync.Once
}

func (s *RedisDeltaSource) Subscribe(ctx context.Context, roomID string) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, cache.NewMessageChannel(roomID), cache.MutationChannel(roomID))
	// 确认订阅建立，避免漏掉首批消息
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	sub := &redisSubscription{
		pubsub:  pubsub,
		newCh:   make(chan []*models.Message, 16),
		deltaCh: make(chan models.Delta, 64),
	}
	go sub.route(roomID)
	return sub, nil
}

func (s *redisSubscription) route(roomID string) {
	defer close(s.newCh)
	defer close(s.deltaCh)
	newChannel := cache.NewMessageChannel(roomID)
	for msg := range s.pubsub.Channel() {
		if msg.Channel == newChannel {
			var batch []*models.Message
			if err := json.Unmarshal([]byte(msg.Payload), &batch); err != nil {
				log.Printf("RedisDeltaSource bad batch payload room=%s err=%v", roomID, err)
				continue
			}
			s.newCh <- batch
			continue
		}
		var d models.Delta
		if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
			log.Printf("RedisDeltaSource bad delta payload room=%s err=%v", roomID, err)
			continue
		}
		s.deltaCh <- d
	}
}

func (s *redisSubscription) NewMessages() <-chan []*models.Message { return s.newCh }
func (s *redisSubscription) Deltas() <-chan models.Delta           { return s.deltaCh }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() { err = s.pubsub.Close() })
	return err
}
