package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	WSMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "msync_ws_messages_total", Help: "WS上行消息数"},
		[]string{"action"},
	)
	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "msync_cache_hits_total", Help: "本地消息缓存命中数"},
	)
	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "msync_cache_misses_total", Help: "本地消息缓存未命中数"},
	)
	CacheExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "msync_cache_expired_total", Help: "TTL到期整体丢弃的缓存条目数"},
	)
	PagesFetchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "msync_pages_fetched_total", Help: "历史分页拉取次数"},
	)
	DeltasTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "msync_deltas_total", Help: "实时增量处理数"},
		[]string{"kind"},
	)
	SoundTriggersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "msync_sound_triggers_total", Help: "新消息提示音触发数"},
	)
	MergeLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "msync_merge_latency_ms", Help: "合并层单次更新耗时(近似)", Buckets: prometheus.LinearBuckets(1, 2, 20)},
	)
)

func Init() {
	prometheus.MustRegister(WSMessagesTotal)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(CacheExpiredTotal)
	prometheus.MustRegister(PagesFetchedTotal)
	prometheus.MustRegister(DeltasTotal)
	prometheus.MustRegister(SoundTriggersTotal)
	prometheus.MustRegister(MergeLatency)
}
