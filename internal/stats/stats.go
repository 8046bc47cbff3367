package stats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"kvperf/internal/events"
	"kvperf/internal/logger"
	"kvperf/internal/metrics"
	"kvperf/internal/mgmt"
	"kvperf/internal/remote"
	"kvperf/internal/workload"
)

var (
	// ErrSessionClosed はクローズ済みセッションへの操作を表す
	ErrSessionClosed = errors.New("stats session closed")
	// ErrSessionOpen は既にセッションが開いていることを表す
	ErrSessionOpen = errors.New("stats session already open")
)

// DefaultSampleInterval はサーバーのプロセス統計を取得する間隔
const DefaultSampleInterval = 10 * time.Second

// DefaultProcessNames はサンプリング対象のプロセス名
var DefaultProcessNames = []string{"beam.smp", "memcached", "moxi"}

// Options はCollectorの設定
type Options struct {
	// Enabled が false なら Open は nil セッションを返す
	Enabled  bool
	OutDir   string
	Format   Format
	Shells   remote.Connector
	Bus      *events.Bus
	Registry *prometheus.Registry
}

// SessionOptions はセッションの開始パラメータ
type SessionOptions struct {
	TestName           string
	Reference          string
	Servers            []mgmt.Server
	ProcessNames       []string
	Params             map[string]any
	ClientID           string
	CollectServerStats bool
	SampleInterval     time.Duration
}

// Collector はセッションを開き、閉じたセッションのレポートを出力する
// 同時に開けるセッションは1つだけ
type Collector struct {
	opts     Options
	registry *prometheus.Registry

	mu      sync.Mutex
	open    *Session
	reports []*Report
}

// NewCollector は新しいCollectorを作成する
func NewCollector(opts Options) *Collector {
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if opts.Format == "" {
		opts.Format = FormatYAML
	}
	return &Collector{opts: opts, registry: reg}
}

// Enabled は収集が有効かどうかを返す
func (c *Collector) Enabled() bool {
	return c != nil && c.opts.Enabled
}

// Registry はPrometheusレジストリを返す
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Reports はこれまでに閉じたセッションのレポートを返す
func (c *Collector) Reports() []*Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Report(nil), c.reports...)
}

// Current は開いているセッションを返す（なければnil）
func (c *Collector) Current() *Session {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Open はセッションを開く
// 収集が無効なら nil セッションを返す（nil セッションの操作は何もしない）
func (c *Collector) Open(ctx context.Context, opts SessionOptions) (*Session, error) {
	if !c.Enabled() {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open != nil {
		return nil, fmt.Errorf("open %s (current %s): %w", opts.TestName, c.open.opts.TestName, ErrSessionOpen)
	}

	if opts.ClientID == "" {
		opts.ClientID = uuid.NewString()
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = DefaultSampleInterval
	}
	if len(opts.ProcessNames) == 0 {
		opts.ProcessNames = DefaultProcessNames
	}

	prom := metrics.NewCollectors(c.registry, opts.TestName)
	s := &Session{
		id:      uuid.NewString(),
		opts:    opts,
		c:       c,
		prom:    prom,
		metrics: metrics.New(prom),
		started: time.Now(),
	}
	c.open = s

	if opts.CollectServerStats && c.opts.Shells != nil && len(opts.Servers) > 0 {
		var sctx context.Context
		sctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
		s.wg.Add(1)
		go s.sampleLoop(sctx)
	}

	c.opts.Bus.Publish(events.New(events.EventStatsOpen, opts.TestName, events.EventData{Phase: s.id}))
	logger.Info("stats", "Session %s opened (%s, client %s)", opts.TestName, s.id, opts.ClientID)
	return s, nil
}

func (c *Collector) release(s *Session, r *Report) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open == s {
		c.open = nil
	}
	s.prom.Unregister(c.registry)
	if r != nil {
		c.reports = append(c.reports, r)
	}
}

// ServerSample はサーバーのプロセス統計の1回分
type ServerSample struct {
	Time      time.Time        `yaml:"time" json:"time"`
	IP        string           `yaml:"ip" json:"ip"`
	Processes []remote.Process `yaml:"processes" json:"processes"`
}

// Session は1フェーズ分の統計を蓄積する
// RecordOps は複数のゴルーチンから同時に呼び出せる
type Session struct {
	id      string
	opts    SessionOptions
	c       *Collector
	prom    *metrics.Collectors
	metrics *metrics.Metrics
	started time.Time

	// closeMu は RecordOps (読み) と Close (書き) を排他する
	closeMu sync.RWMutex
	closed  bool

	sampleMu sync.Mutex
	samples  []ServerSample

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ID はセッションIDを返す
func (s *Session) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

// TestName はセッションのテスト名を返す
func (s *Session) TestName() string {
	if s == nil {
		return ""
	}
	return s.opts.TestName
}

// RecordOps はワーカーのサンプルを記録する
func (s *Session) RecordOps(sample workload.Sample) error {
	if s == nil {
		return nil
	}
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.metrics.Record(sample)
	return nil
}

// Snapshot は現在の集計値を返す
func (s *Session) Snapshot() metrics.Snapshot {
	if s == nil {
		return metrics.Snapshot{}
	}
	return s.metrics.Snapshot()
}

// Close はセッションを閉じてレポートを出力する
// 2回目以降の呼び出しは ErrSessionClosed を返す
func (s *Session) Close(totals workload.Ops) (*Report, error) {
	if s == nil {
		return nil, nil
	}

	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil, ErrSessionClosed
	}
	s.closed = true
	s.closeMu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
	}

	r := s.report(totals)
	err := r.export(s.c.opts.OutDir, s.c.opts.Format)
	s.c.release(s, r)

	s.c.opts.Bus.Publish(events.New(events.EventStatsClose, s.opts.TestName, events.EventData{
		Phase:    s.id,
		Ops:      r.Latency.TotalOps,
		Duration: r.End.Sub(r.Start).String(),
	}))
	if err != nil {
		return r, fmt.Errorf("export %s: %w", s.opts.TestName, err)
	}
	logger.Info("stats", "Session %s closed (%d ops recorded)", s.opts.TestName, r.Latency.TotalOps)
	return r, nil
}

func (s *Session) report(totals workload.Ops) *Report {
	ips := make([]string, len(s.opts.Servers))
	for i, srv := range s.opts.Servers {
		ips[i] = srv.IP
	}
	s.sampleMu.Lock()
	samples := append([]ServerSample(nil), s.samples...)
	s.sampleMu.Unlock()

	return &Report{
		ID:            s.id,
		Test:          s.opts.TestName,
		Reference:     s.opts.Reference,
		ClientID:      s.opts.ClientID,
		Params:        s.opts.Params,
		Servers:       ips,
		Start:         s.started,
		End:           time.Now(),
		Ops:           totals,
		Latency:       s.metrics.Snapshot(),
		ServerSamples: samples,
	}
}

// sampleLoop はサーバーのプロセス統計を定期的に取得する
func (s *Session) sampleLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.SampleInterval)
	defer ticker.Stop()

	for {
		s.sampleOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Session) sampleOnce(ctx context.Context) {
	for _, srv := range s.opts.Servers {
		procs, err := s.processes(ctx, srv)
		if err != nil {
			if ctx.Err() == nil {
				logger.Debug(srv.IP, "Process sample failed: %v", err)
			}
			continue
		}
		s.sampleMu.Lock()
		s.samples = append(s.samples, ServerSample{Time: time.Now(), IP: srv.IP, Processes: procs})
		s.sampleMu.Unlock()
	}
}

func (s *Session) processes(ctx context.Context, srv mgmt.Server) ([]remote.Process, error) {
	sh, err := s.c.opts.Shells.Connect(ctx, remote.Host{IP: srv.IP, User: srv.SSHUsername, Password: srv.SSHPassword})
	if err != nil {
		return nil, err
	}
	defer sh.Close()
	return sh.Processes(ctx, s.opts.ProcessNames)
}
