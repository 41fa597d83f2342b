// Package metrics はキャッシュとリモート呼び出しの Prometheus メトリクスを提供します。
//
// *Collector のメソッドはすべて nil レシーバーで呼び出しても何もしません。
// メトリクスを使わない利用者はコンポーネントに nil を渡すだけで済みます。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "avatargen"

// Collector は画像生成クライアントのメトリクス一式です。
type Collector struct {
	CacheLookups      *prometheus.CounterVec
	CacheErrors       *prometheus.CounterVec
	RemoteAttempts    *prometheus.CounterVec
	Generations       *prometheus.CounterVec
	GenerationLatency prometheus.Histogram
}

// New は reg にメトリクスを登録した Collector を返します。
// reg が nil の場合は prometheus.DefaultRegisterer を使います。
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Collector{
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Total number of cache lookups by result (hit, miss)",
		}, []string{"result"}),
		CacheErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_errors_total",
			Help:      "Total number of non-fatal cache failures by operation",
		}, []string{"op"}),
		RemoteAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_attempts_total",
			Help:      "Total number of remote generation attempts by outcome kind",
		}, []string{"outcome"}),
		Generations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Total number of generate calls by source (cache, remote, error)",
		}, []string{"source"}),
		GenerationLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_seconds",
			Help:      "End-to-end latency of generate calls",
			Buckets:   []float64{0.005, 0.05, 0.5, 1, 2.5, 5, 10, 20, 40, 80},
		}),
	}
}

// CacheLookup はキャッシュ参照の結果を記録します。
func (c *Collector) CacheLookup(hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.CacheLookups.WithLabelValues(result).Inc()
}

// CacheError はキャッシュ層の非致命的な失敗を記録します。
func (c *Collector) CacheError(op string) {
	if c == nil {
		return
	}
	c.CacheErrors.WithLabelValues(op).Inc()
}

// RemoteAttempt はリモート呼び出し1回の結果を記録します。成功時は outcome に "success" を渡します。
func (c *Collector) RemoteAttempt(outcome string) {
	if c == nil {
		return
	}
	c.RemoteAttempts.WithLabelValues(outcome).Inc()
}

// Generation は generate 呼び出し1回の結果と所要時間を記録します。
func (c *Collector) Generation(source string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.Generations.WithLabelValues(source).Inc()
	c.GenerationLatency.Observe(elapsed.Seconds())
}
