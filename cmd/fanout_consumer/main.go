// 群消息扇出消费者：消费 Kafka 扇出事件，批量刷新成员的房间索引与水位。
// 与 sync_server 分开部署，重放/积压不影响在线链路。
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"

	"go-msgsync/internal/cache"
	"go-msgsync/internal/config"
	"go-msgsync/internal/mq"
	"go-msgsync/internal/store"
	"go-msgsync/internal/store/sqlstore"
)

const consumerGroup = "msgsync-fanout"

func main() {
	cfg := config.Load()
	if cfg.KafkaBrokers == "" {
		log.Fatalf("SYNC_KAFKA_BROKERS required")
	}
	cache.InitRedis(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)

	sqlDSN := cfg.MySQLDSN
	if cfg.MessageDB == "tidb" {
		sqlDSN = cfg.TiDBDSN
	}
	db, err := sqlstore.Open(sqlDSN)
	if err != nil {
		log.Fatalf("sql open err=%v", err)
	}
	rooms := store.NewRoomStore(db)

	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	group, err := sarama.NewConsumerGroup(strings.Split(cfg.KafkaBrokers, ","), consumerGroup, saramaCfg)
	if err != nil {
		log.Fatalf("consumer group err=%v", err)
	}
	defer group.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		cancel()
	}()

	handler := &fanoutHandler{rooms: rooms, cfg: cfg}
	for ctx.Err() == nil {
		if err := group.Consume(ctx, []string{cfg.KafkaFanoutTopic}, handler); err != nil {
			log.Printf("consume err=%v", err)
			time.Sleep(time.Second)
		}
	}
	log.Printf("fanout consumer stopped")
}

type fanoutHandler struct {
	rooms *store.RoomStore
	cfg   *config.Config
}

func (h *fanoutHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *fanoutHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *fanoutHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var ev mq.FanoutEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			log.Printf("bad fanout event offset=%d err=%v", msg.Offset, err)
			sess.MarkMessage(msg, "")
			continue
		}
		h.apply(sess.Context(), &ev)
		sess.MarkMessage(msg, "")
	}
	return nil
}

// apply 把房间最新水位刷进 Redis，并分批补齐成员的 user_rooms 索引。
func (h *fanoutHandler) apply(ctx context.Context, ev *mq.FanoutEvent) {
	if rdb := cache.Client(); rdb != nil {
		if err := rdb.Set(ctx, cache.LastTSKey(ev.RoomID), ev.TS, 10*time.Minute).Err(); err != nil {
			log.Printf("fanout lastts err=%v room=%s", err, ev.RoomID)
		}
	}
	members, err := h.rooms.ListMemberIDs(ctx, ev.RoomID)
	if err != nil {
		log.Printf("fanout members err=%v room=%s", err, ev.RoomID)
		return
	}
	batchSize := h.cfg.FanoutBatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	sleep := time.Duration(h.cfg.FanoutBatchSleepMS) * time.Millisecond
	for start := 0; start < len(members); start += batchSize {
		end := start + batchSize
		if end > len(members) {
			end = len(members)
		}
		for _, userID := range members[start:end] {
			if err := h.rooms.UpsertUserRoom(ctx, userID, ev.RoomID, "member"); err != nil {
				log.Printf("fanout upsert err=%v user=%s room=%s", err, userID, ev.RoomID)
			}
		}
		if end < len(members) && sleep > 0 {
			time.Sleep(sleep)
		}
	}
}
