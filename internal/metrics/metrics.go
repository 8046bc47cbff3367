package metrics

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"kvperf/internal/workload"
)

// Kind は操作の種類
type Kind string

const (
	KindGet    Kind = "get"
	KindSet    Kind = "set"
	KindDelete Kind = "delete"
	KindArpa   Kind = "arpa"
	KindView   Kind = "view"
)

// Kinds は集計対象の全操作種別
var Kinds = []Kind{KindGet, KindSet, KindDelete, KindArpa, KindView}

const (
	metricsPrefix     = "kvperf_"
	kindLabel         = "kind"
	testLabel         = "test"
	maxLatencySamples = 10000
)

// Collectors はセッション単位のPrometheusコレクタ
type Collectors struct {
	ops     *prometheus.CounterVec
	misses  prometheus.Counter
	errors  prometheus.Counter
	latency *prometheus.HistogramVec
}

// NewCollectors はregにコレクタを登録する
func NewCollectors(reg prometheus.Registerer, testName string) *Collectors {
	factory := promauto.With(reg)
	constLabels := prometheus.Labels{testLabel: testName}

	return &Collectors{
		ops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        metricsPrefix + "ops_total",
				Help:        "Number of operations issued by load workers",
				ConstLabels: constLabels,
			},
			[]string{kindLabel},
		),
		misses: factory.NewCounter(prometheus.CounterOpts{
			Name:        metricsPrefix + "misses_total",
			Help:        "Number of get misses",
			ConstLabels: constLabels,
		}),
		errors: factory.NewCounter(prometheus.CounterOpts{
			Name:        metricsPrefix + "errors_total",
			Help:        "Number of failed operations",
			ConstLabels: constLabels,
		}),
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        metricsPrefix + "op_latency_seconds",
				Help:        "Per-operation latency derived from worker samples",
				ConstLabels: constLabels,
				Buckets:     prometheus.ExponentialBuckets(0.00005, 2, 16),
			},
			[]string{kindLabel},
		),
	}
}

// Unregister はregからコレクタを外す
func (c *Collectors) Unregister(reg prometheus.Registerer) {
	if c == nil {
		return
	}
	reg.Unregister(c.ops)
	reg.Unregister(c.misses)
	reg.Unregister(c.errors)
	reg.Unregister(c.latency)
}

type kindStats struct {
	count     atomic.Uint64
	latencyNs atomic.Uint64
}

// Metrics はワーカーから報告されたサンプルを集計する
// 複数のゴルーチンから同時に呼び出してよい
type Metrics struct {
	kinds   map[Kind]*kindStats
	misses  atomic.Uint64
	errors  atomic.Uint64
	samples atomic.Uint64

	mu        sync.Mutex
	startTime time.Time
	firstOp   time.Time
	lastOp    time.Time
	latencies map[Kind][]time.Duration

	prom *Collectors
}

// New は新しいメトリクスを作成する
// prom が nil ならPrometheusへは出力しない
func New(prom *Collectors) *Metrics {
	m := &Metrics{
		kinds:     make(map[Kind]*kindStats, len(Kinds)),
		startTime: time.Now(),
		latencies: make(map[Kind][]time.Duration, len(Kinds)),
		prom:      prom,
	}
	for _, k := range Kinds {
		m.kinds[k] = &kindStats{}
	}
	return m
}

// Record はサンプルを1つ記録する
// サンプル内の各操作のレイテンシはサンプル所要時間を操作数で割った値とする
func (m *Metrics) Record(s workload.Sample) {
	m.samples.Add(1)
	m.misses.Add(s.Misses)
	m.errors.Add(s.Errors)

	total := s.Count()
	var perOp time.Duration
	if total > 0 {
		perOp = s.Latency() / time.Duration(total)
	}

	counts := map[Kind]uint64{
		KindGet:    s.Gets,
		KindSet:    s.Sets,
		KindDelete: s.Deletes,
		KindArpa:   s.Arpas,
		KindView:   s.Views,
	}
	for k, n := range counts {
		if n == 0 {
			continue
		}
		ks := m.kinds[k]
		ks.count.Add(n)
		ks.latencyNs.Add(uint64(perOp.Nanoseconds()) * n)
	}

	m.mu.Lock()
	if !s.Start.IsZero() && (m.firstOp.IsZero() || s.Start.Before(m.firstOp)) {
		m.firstOp = s.Start
	}
	if s.End.After(m.lastOp) {
		m.lastOp = s.End
	}
	for k, n := range counts {
		if n > 0 && len(m.latencies[k]) < maxLatencySamples {
			m.latencies[k] = append(m.latencies[k], perOp)
		}
	}
	m.mu.Unlock()

	if m.prom != nil {
		for k, n := range counts {
			if n == 0 {
				continue
			}
			m.prom.ops.WithLabelValues(string(k)).Add(float64(n))
			m.prom.latency.WithLabelValues(string(k)).Observe(perOp.Seconds())
		}
		m.prom.misses.Add(float64(s.Misses))
		m.prom.errors.Add(float64(s.Errors))
	}
}

// Count は種別ごとの操作数を返す
func (m *Metrics) Count(k Kind) uint64 {
	ks, ok := m.kinds[k]
	if !ok {
		return 0
	}
	return ks.count.Load()
}

// TotalOps は全種別の操作数を返す
func (m *Metrics) TotalOps() uint64 {
	var total uint64
	for _, ks := range m.kinds {
		total += ks.count.Load()
	}
	return total
}

// Misses はgetミス数を返す
func (m *Metrics) Misses() uint64 {
	return m.misses.Load()
}

// Errors は失敗した操作数を返す
func (m *Metrics) Errors() uint64 {
	return m.errors.Load()
}

// Samples は記録したサンプル数を返す
func (m *Metrics) Samples() uint64 {
	return m.samples.Load()
}

// AverageLatency は種別ごとの平均レイテンシを返す
func (m *Metrics) AverageLatency(k Kind) time.Duration {
	ks, ok := m.kinds[k]
	if !ok {
		return 0
	}
	n := ks.count.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(ks.latencyNs.Load() / n)
}

// Percentile は種別ごとのレイテンシのパーセンタイルを返す（サンプルベース）
func (m *Metrics) Percentile(k Kind, p float64) time.Duration {
	m.mu.Lock()
	sorted := slices.Clone(m.latencies[k])
	m.mu.Unlock()

	if len(sorted) == 0 {
		return 0
	}
	slices.Sort(sorted)

	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

// Throughput は最初のサンプル開始から最後のサンプル終了までの平均ops/secを返す
func (m *Metrics) Throughput() float64 {
	m.mu.Lock()
	first, last := m.firstOp, m.lastOp
	m.mu.Unlock()

	if first.IsZero() || !last.After(first) {
		return 0
	}
	return float64(m.TotalOps()) / last.Sub(first).Seconds()
}

// KindSnapshot は種別ごとの集計値
type KindSnapshot struct {
	Count   uint64        `yaml:"count" json:"count"`
	Average time.Duration `yaml:"avg" json:"avg"`
	P50     time.Duration `yaml:"p50" json:"p50"`
	P95     time.Duration `yaml:"p95" json:"p95"`
	P99     time.Duration `yaml:"p99" json:"p99"`
}

// Snapshot はメトリクスのスナップショット
type Snapshot struct {
	TotalOps   uint64                `yaml:"total-ops" json:"total-ops"`
	Misses     uint64                `yaml:"misses" json:"misses"`
	Errors     uint64                `yaml:"errors" json:"errors"`
	Samples    uint64                `yaml:"samples" json:"samples"`
	Throughput float64               `yaml:"ops-per-sec" json:"ops-per-sec"`
	Kinds      map[Kind]KindSnapshot `yaml:"kinds" json:"kinds"`
	Elapsed    time.Duration         `yaml:"elapsed" json:"elapsed"`
}

// Snapshot は現在のメトリクスのスナップショットを返す
// 操作のない種別は含まない
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{
		TotalOps:   m.TotalOps(),
		Misses:     m.Misses(),
		Errors:     m.Errors(),
		Samples:    m.Samples(),
		Throughput: m.Throughput(),
		Kinds:      make(map[Kind]KindSnapshot),
		Elapsed:    time.Since(m.startTime),
	}
	for _, k := range Kinds {
		n := m.Count(k)
		if n == 0 {
			continue
		}
		snap.Kinds[k] = KindSnapshot{
			Count:   n,
			Average: m.AverageLatency(k),
			P50:     m.Percentile(k, 0.50),
			P95:     m.Percentile(k, 0.95),
			P99:     m.Percentile(k, 0.99),
		}
	}
	return snap
}
