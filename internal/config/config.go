package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listenAddr"`
	RedisAddr  string `yaml:"redisAddr"`
	RedisDB    int    `yaml:"redisDB"`
	RedisPass  string `yaml:"redisPass"`
	MySQLDSN   string `yaml:"mysqlDSN"`
	TiDBDSN    string `yaml:"tidbDSN"`
	MongoURI   string `yaml:"mongoURI"`
	JWTSecret  string `yaml:"jwtSecret"`

	// 消息日志存储选择：mysql、tidb 或 mongodb（本地默认 mysql，线上建议 tidb/mongodb）
	MessageDB string `yaml:"messageDB"`

	// Kafka 配置（可选，群消息扇出）
	KafkaBrokers     string `yaml:"kafkaBrokers"` // 逗号分隔
	KafkaFanoutTopic string `yaml:"kafkaFanoutTopic"`

	// 扇出批量参数
	FanoutBatchSize    int `yaml:"fanoutBatchSize"`
	FanoutBatchSleepMS int `yaml:"fanoutBatchSleepMS"`

	// 标记全已读批量参数
	MarkAllReadChunkSize   int `yaml:"markAllReadChunkSize"`
	MarkAllReadConcurrency int `yaml:"markAllReadConcurrency"`
	MarkAllReadRetry       int `yaml:"markAllReadRetry"`

	// 本地消息缓存参数
	CacheTTLSeconds  int `yaml:"cacheTTLSeconds"`  // 缓存条目过期时间（默认 600）
	CacheMaxMessages int `yaml:"cacheMaxMessages"` // 每房间缓存上限（默认 100）

	// 分页拉取参数
	PageSize       int `yaml:"pageSize"`       // 每页消息数（默认 30）
	FetchTimeoutMS int `yaml:"fetchTimeoutMS"` // 单次历史拉取超时（默认 10000）

	// 速率限制（WS 发送）
	WSSendQPS   int `yaml:"wsSendQPS"`
	WSSendBurst int `yaml:"wsSendBurst"`

	// 指标开关
	EnableMetrics bool `yaml:"enableMetrics"`
}

func Load() *Config {
	// 1) 默认值
	cfg := &Config{
		ListenAddr: ":8080",
		RedisAddr:  "127.0.0.1:6379",
		RedisPass:  "",
		MySQLDSN:   "root:password@tcp(127.0.0.1:3306)/msgsync?parseTime=true&loc=Local&charset=utf8mb4",
		TiDBDSN:    "root:@tcp(127.0.0.1:4000)/msgsync?parseTime=true&loc=Local&charset=utf8mb4",
		MongoURI:   "mongodb://127.0.0.1:27017/msgsync",
		JWTSecret:  "change-me-in-prod",

		MessageDB: "mysql",

		KafkaBrokers:     "",
		KafkaFanoutTopic: "msgsync-room-fanout",

		FanoutBatchSize:        500,
		FanoutBatchSleepMS:     50,
		MarkAllReadChunkSize:   200,
		MarkAllReadConcurrency: 4,
		MarkAllReadRetry:       3,

		CacheTTLSeconds:  600,
		CacheMaxMessages: 100,

		PageSize:       30,
		FetchTimeoutMS: 10000,

		WSSendQPS:     20,
		WSSendBurst:   40,
		EnableMetrics: true,
	}

	// 2) YAML 覆盖（如果有）
	configPath := getEnv("SYNC_CONFIG_FILE", getEnv("CONFIG_FILE", "config.yml"))
	if st, err := os.Stat(configPath); err == nil && !st.IsDir() {
		if data, err2 := os.ReadFile(configPath); err2 == nil {
			_ = yaml.Unmarshal(data, cfg)
		}
	}

	// 3) 环境变量覆盖 YAML
	applyEnv(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	setStr := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	setInt := func(env string, dst *int) {
		if v := os.Getenv(env); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(env string, dst *bool) {
		if v := os.Getenv(env); v != "" {
			*dst = (v == "true" || v == "1" || v == "yes")
		}
	}

	setStr("SYNC_LISTEN_ADDR", &cfg.ListenAddr)
	setStr("SYNC_REDIS_ADDR", &cfg.RedisAddr)
	setStr("SYNC_REDIS_PASS", &cfg.RedisPass)
	setInt("SYNC_REDIS_DB", &cfg.RedisDB)
	setStr("SYNC_MYSQL_DSN", &cfg.MySQLDSN)
	setStr("SYNC_TIDB_DSN", &cfg.TiDBDSN)
	setStr("SYNC_MONGO_URI", &cfg.MongoURI)
	setStr("SYNC_JWT_SECRET", &cfg.JWTSecret)

	setStr("SYNC_MESSAGE_DB", &cfg.MessageDB)

	setStr("SYNC_KAFKA_BROKERS", &cfg.KafkaBrokers)
	setStr("SYNC_KAFKA_FANOUT_TOPIC", &cfg.KafkaFanoutTopic)

	setInt("SYNC_FANOUT_BATCH_SIZE", &cfg.FanoutBatchSize)
	setInt("SYNC_FANOUT_BATCH_SLEEP_MS", &cfg.FanoutBatchSleepMS)
	setInt("SYNC_MARKALLREAD_CHUNK_SIZE", &cfg.MarkAllReadChunkSize)
	setInt("SYNC_MARKALLREAD_CONCURRENCY", &cfg.MarkAllReadConcurrency)
	setInt("SYNC_MARKALLREAD_RETRY", &cfg.MarkAllReadRetry)

	setInt("SYNC_CACHE_TTL_SECONDS", &cfg.CacheTTLSeconds)
	setInt("SYNC_CACHE_MAX_MESSAGES", &cfg.CacheMaxMessages)

	setInt("SYNC_PAGE_SIZE", &cfg.PageSize)
	setInt("SYNC_FETCH_TIMEOUT_MS", &cfg.FetchTimeoutMS)

	setInt("SYNC_WS_SEND_QPS", &cfg.WSSendQPS)
	setInt("SYNC_WS_SEND_BURST", &cfg.WSSendBurst)
	setBool("SYNC_ENABLE_METRICS", &cfg.EnableMetrics)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
