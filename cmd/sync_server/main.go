package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go-msgsync/internal/cache"
	"go-msgsync/internal/config"
	"go-msgsync/internal/metrics"
	"go-msgsync/internal/mq"
	httpapi "go-msgsync/internal/presentation/http"
	"go-msgsync/internal/ratelimit"
	"go-msgsync/internal/services"
	"go-msgsync/internal/store"
	"go-msgsync/internal/store/mongostore"
	"go-msgsync/internal/store/sqlstore"
	"go-msgsync/internal/syncer"
	"go-msgsync/internal/transport/ws"
)

func main() {
	cfg := config.Load()

	cache.InitRedis(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	if cfg.EnableMetrics {
		metrics.Init()
	}

	// 房间索引与已读水位始终在 SQL；消息日志可切换 mysql/tidb/mongodb
	sqlDSN := cfg.MySQLDSN
	if cfg.MessageDB == "tidb" {
		sqlDSN = cfg.TiDBDSN
	}
	db, err := sqlstore.Open(sqlDSN)
	if err != nil {
		log.Fatalf("sql open err=%v", err)
	}
	rooms := store.NewRoomStore(db)
	receipts := store.NewReceiptStore(db)

	var msgLog store.MessageLog
	switch cfg.MessageDB {
	case "mongodb":
		mdb, err := mongostore.Connect(cfg.MongoURI)
		if err != nil {
			log.Fatalf("mongo connect err=%v", err)
		}
		msgLog, err = store.NewMongoMessageStore(mdb)
		if err != nil {
			log.Fatalf("mongo indexes err=%v", err)
		}
	default:
		msgLog = store.NewMessageStore(db)
	}
	log.Printf("message log backend=%s", cfg.MessageDB)

	var producer *mq.Producer
	if cfg.KafkaBrokers != "" {
		producer, err = mq.NewProducer(cfg.KafkaBrokers, cfg.KafkaFanoutTopic)
		if err != nil {
			log.Fatalf("kafka producer err=%v", err)
		}
		defer producer.Close()
		log.Printf("kafka fanout enabled topic=%s", cfg.KafkaFanoutTopic)
	}

	msgService := &services.MessageService{
		Log: msgLog, Rooms: rooms, Receipts: receipts, Producer: producer, Cfg: cfg,
	}

	msgCache := syncer.NewMessageCache(
		cache.NewRedisKV(cache.Client()),
		time.Duration(cfg.CacheTTLSeconds)*time.Second,
		cfg.CacheMaxMessages,
	)
	fetcher := syncer.NewPageFetcher(msgLog, cfg.PageSize, time.Duration(cfg.FetchTimeoutMS)*time.Millisecond)
	manager := syncer.NewSyncManager(msgCache, fetcher, syncer.NewRedisDeltaSource())

	// 到期自毁消息的周期清理（Mongo 另有 TTL 索引兜底）
	retentionCtx, stopRetention := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-retentionCtx.Done():
				return
			case <-ticker.C:
				if err := msgLog.DeleteExpired(retentionCtx, time.Now()); err != nil {
					log.Printf("retention sweep err=%v", err)
				}
			}
		}
	}()

	wsServer := &ws.Server{
		Cfg:     cfg,
		Manager: manager,
		Msgs:    msgService,
		Limiter: ratelimit.NewLimiter(cache.Client(), cfg.WSSendQPS, cfg.WSSendBurst),
	}
	syncHandler := &httpapi.SyncHandler{
		Cfg: cfg, Msgs: msgService, Rooms: rooms, Receipts: receipts,
		Fetcher: fetcher, Cache: msgCache, Manager: manager,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	if cfg.EnableMetrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	r.GET("/ws", wsServer.HandleWS)
	syncHandler.Register(r.Group("/api"))

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}
	go func() {
		log.Printf("sync server listening addr=%s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen err=%v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Printf("shutting down")
	stopRetention()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown err=%v", err)
	}
}
