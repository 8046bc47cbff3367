package driver

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"kvperf/internal/events"
	"kvperf/internal/loadgen"
	"kvperf/internal/logger"
	"kvperf/internal/mgmt"
	"kvperf/internal/stats"
	"kvperf/internal/target"
	"kvperf/internal/workload"
)

const logTag = "driver"

// Waiter は収束待ちとゲートウェイ再起動を行う
// orchestrator.Controller がこれを満たす
type Waiter interface {
	WaitUntilDrained(ctx context.Context) (time.Time, error)
	RestartGateways(ctx context.Context) error
}

// Options はDriverの設定
type Options struct {
	Bus *events.Bus
}

// Driver は負荷生成器を同期またはバックグラウンドで実行する
type Driver struct {
	gen   loadgen.Generator
	api   mgmt.API
	wait  Waiter
	stats *stats.Collector
	rc    *workload.RunContext
	bus   *events.Bus
}

// New は新しいDriverを作成する
// stats が nil なら統計は収集しない
func New(gen loadgen.Generator, api mgmt.API, wait Waiter, collector *stats.Collector,
	rc *workload.RunContext, opts Options) *Driver {
	return &Driver{
		gen:   gen,
		api:   api,
		wait:  wait,
		stats: collector,
		rc:    rc,
		bus:   opts.Bus,
	}
}

// LoadOptions はバルクロードのパラメータ
type LoadOptions struct {
	NumItems int
	// Protocol はプロトコル指定子（空なら "binary"）
	Protocol  string
	UseDirect bool
	// StartAt が正ならRunStateをその値から始め、作成上限もずらす
	StartAt int
	// Eperf は ".load" 統計セッションを開き、ドレインを待ってから閉じる
	Eperf bool
	// Overrides はデフォルト設定に重ねるワークロードパラメータ
	Overrides map[string]any
}

// LoopOptions は継続ループのパラメータ
// Duration が正なら時間指定、そうでなければ NumOps（0なら NumItems）回の操作
type LoopOptions struct {
	NumOps     int
	Duration   time.Duration
	NumItems   int
	MaxItems   int
	MaxCreates int
	Clients    int
	Protocol   string
	UseDirect  bool
	StartAt    int
	TestName   string
	Eperf      bool
	// CollectServerStats はセッションでサーバーのプロセス統計を取る
	CollectServerStats bool
	Overrides          map[string]any
	// Control は外部から停止するためのトークン（nilなら内部で作る）
	Control *workload.Control
}

func (d *Driver) reader() *workload.Reader {
	return d.rc.Params.Reader()
}

// baseConfig は RunContext の共通パラメータを defaults に適用する
func (d *Driver) baseConfig(defaults workload.Config) (workload.Config, error) {
	r := d.reader()
	defaults.MinValueSize = r.Int("min_value_size", defaults.MinValueSize)
	defaults.Batch = r.Int("batch", workload.DefaultBatch)
	defaults.VBuckets = d.rc.VBuckets
	if err := r.Err(); err != nil {
		return defaults, err
	}
	return defaults, nil
}

// endpoint はプロトコル指定子を解決する
// マルチノード構成では常に membase-binary を使う
func (d *Driver) endpoint(ctx context.Context, protocol string, useDirect bool) (target.Endpoint, error) {
	if protocol == "" {
		protocol = "binary"
	}
	r := d.reader()
	if d.rc.MultiNode {
		sel, err := target.MultiNodeSelector(d.rc.Topology, r.String("protocol", ""))
		if err != nil {
			return target.Endpoint{}, err
		}
		protocol = sel
	}
	return target.Resolve(ctx, protocol, d.rc.Topology, useDirect, target.Options{
		Override: r.String("moxi", ""),
		Bucket:   d.rc.Bucket,
		Lookup:   d.api,
	})
}

// clientID は eperf モードでの prefix パラメータ（複数クライアントの識別子）
func (d *Driver) clientID() (int, error) {
	r := d.reader()
	prefix := r.Int("prefix", 0)
	return prefix, r.Err()
}

func (d *Driver) openSession(ctx context.Context, name string, cfg workload.Config, extra map[string]any,
	clientID string, collectServer bool) (*stats.Session, error) {
	params := configParams(cfg)
	for k, v := range extra {
		params[k] = v
	}
	return d.stats.Open(ctx, stats.SessionOptions{
		TestName:           name,
		Reference:          d.rc.Reference,
		Servers:            d.rc.Topology.Servers,
		Params:             params,
		ClientID:           clientID,
		CollectServerStats: collectServer,
	})
}

// abort はエラー時にセッションを閉じる（レポートは出力される）
func abort(s *stats.Session, ops workload.Ops) {
	if _, err := s.Close(ops); err != nil {
		logger.Warn(logTag, "Closing session %s after failure: %v", s.TestName(), err)
	}
}

// sinkOf は nil セッションを nil の Sink として返す
func sinkOf(s *stats.Session) loadgen.Sink {
	if s == nil {
		return nil
	}
	return s
}

func (d *Driver) run(ctx context.Context, phase string, cfg workload.Config, cur workload.RunState,
	ep target.Endpoint, sink loadgen.Sink, ctl *workload.Control) (workload.Ops, error) {
	logger.Info(logTag, "%s: %s", phase, ep)
	logger.Debug(logTag, "%s: cfg %+v cur %+v", phase, cfg, cur)
	d.bus.Publish(events.NewLoadStartEvent(phase, ep.HostPort))

	state, start, end, err := d.gen.Run(ctx, cfg, cur, ep, sink, ctl)
	ops := workload.OpsFrom(state, start, end)

	d.bus.Publish(events.NewLoadEndEvent(phase, ep.HostPort, state.Ops()-cur.Ops(), end.Sub(start)))
	if err != nil {
		return ops, fmt.Errorf("%s: %w", phase, err)
	}
	return ops, nil
}

// Load は NumItems 個のアイテムを作成するバルクロードを実行する
func (d *Driver) Load(ctx context.Context, opts LoadOptions) (workload.Ops, error) {
	defaults, err := d.baseConfig(workload.LoadDefaults())
	if err != nil {
		return workload.Ops{}, err
	}
	defaults.MaxItems = opts.NumItems
	defaults.MaxCreates = opts.NumItems
	cfg, err := workload.Build(opts.Overrides, defaults)
	if err != nil {
		return workload.Ops{}, err
	}

	var cur workload.RunState
	if opts.StartAt > 0 {
		s := uint64(opts.StartAt)
		cur = workload.RunState{Items: s, Gets: s, Sets: s, Creates: s}
		cfg.MaxCreates = opts.StartAt + opts.NumItems
		cfg.MaxItems = cfg.MaxCreates
	}

	var session *stats.Session
	if opts.Eperf {
		prefix, err := d.clientID()
		if err != nil {
			return workload.Ops{}, err
		}
		session, err = d.openSession(ctx, d.rc.Reference+".load", cfg, nil, strconv.Itoa(prefix), prefix == 0)
		if err != nil {
			return workload.Ops{}, err
		}
	}

	ep, err := d.endpoint(ctx, opts.Protocol, opts.UseDirect)
	if err != nil {
		abort(session, workload.Ops{})
		return workload.Ops{}, err
	}

	ops, err := d.run(ctx, "load", cfg, cur, ep, nil, workload.NewControl())
	d.rc.NumItemsLoaded = opts.NumItems
	if err != nil {
		abort(session, ops)
		return ops, err
	}

	if opts.Eperf {
		if _, err := d.wait.WaitUntilDrained(ctx); err != nil {
			abort(session, ops)
			return ops, err
		}
		if _, err := session.Close(ops); err != nil {
			return ops, err
		}
	}
	return ops, nil
}

// loopConfig はループ用の設定と初期RunStateを作る
func (d *Driver) loopConfig(opts LoopOptions) (workload.Config, workload.RunState, error) {
	numItems := opts.NumItems
	if numItems == 0 {
		numItems = d.rc.NumItemsLoaded
	}

	defaults, err := d.baseConfig(workload.LoopDefaults())
	if err != nil {
		return defaults, workload.RunState{}, err
	}
	defaults.MaxItems = numItems
	if opts.MaxItems > 0 {
		defaults.MaxItems = opts.MaxItems
	}
	defaults.MaxCreates = opts.MaxCreates
	defaults.Threads = max(opts.Clients, 1)
	if opts.Duration > 0 {
		defaults.Duration = opts.Duration
	} else {
		defaults.MaxOps = opts.NumOps
		if defaults.MaxOps == 0 {
			defaults.MaxOps = numItems
		}
	}

	cfg, err := workload.Build(opts.Overrides, defaults)
	if err != nil {
		return cfg, workload.RunState{}, err
	}

	cur := workload.RunState{Items: uint64(numItems)}
	if opts.StartAt > 0 {
		cur.Gets = uint64(opts.StartAt)
	}
	return cfg, cur, nil
}

// Loop は継続ループを実行し、ドレインを待ってから統計セッションを閉じる
func (d *Driver) Loop(ctx context.Context, opts LoopOptions) (workload.Ops, error) {
	cfg, cur, err := d.loopConfig(opts)
	if err != nil {
		return workload.Ops{}, err
	}

	var session *stats.Session
	if d.reader().Int("collect_stats", 1) != 0 {
		clientID := ""
		if opts.Eperf {
			prefix, err := d.clientID()
			if err != nil {
				return workload.Ops{}, err
			}
			clientID = strconv.Itoa(prefix)
		}
		extra := map[string]any{"test_time": time.Now().Unix(), "test_name": opts.TestName}
		session, err = d.openSession(ctx, d.rc.Reference+".loop", cfg, extra, clientID, opts.CollectServerStats)
		if err != nil {
			return workload.Ops{}, err
		}
	}

	ep, err := d.endpoint(ctx, opts.Protocol, opts.UseDirect)
	if err != nil {
		abort(session, workload.Ops{})
		return workload.Ops{}, err
	}

	ctl := opts.Control
	if ctl == nil {
		ctl = workload.NewControl()
	}
	ops, err := d.run(ctx, "loop", cfg, cur, ep, sinkOf(session), ctl)
	if err != nil {
		abort(session, ops)
		return ops, err
	}

	if _, err := d.wait.WaitUntilDrained(ctx); err != nil {
		abort(session, ops)
		return ops, err
	}
	if _, err := session.Close(ops); err != nil {
		return ops, err
	}
	return ops, nil
}

// LoopPrep はドレインを待ってからゲートウェイを再起動する
func (d *Driver) LoopPrep(ctx context.Context) error {
	if _, err := d.wait.WaitUntilDrained(ctx); err != nil {
		return err
	}
	return d.wait.RestartGateways(ctx)
}

// configParams はレポートに載せるためにConfigをmapにする
func configParams(cfg workload.Config) map[string]any {
	return map[string]any{
		"max-items":          cfg.MaxItems,
		"max-creates":        cfg.MaxCreates,
		"max-ops":            cfg.MaxOps,
		"time":               cfg.Duration.Seconds(),
		"exit-after-creates": cfg.ExitAfterCreates,
		"min-value-size":     cfg.MinValueSize,
		"ratio-sets":         cfg.RatioSets,
		"ratio-misses":       cfg.RatioMisses,
		"ratio-creates":      cfg.RatioCreates,
		"ratio-deletes":      cfg.RatioDeletes,
		"ratio-hot":          cfg.RatioHot,
		"ratio-hot-sets":     cfg.RatioHotSets,
		"ratio-hot-gets":     cfg.RatioHotGets,
		"ratio-expirations":  cfg.RatioExpirations,
		"expiration":         cfg.Expiration,
		"threads":            cfg.Threads,
		"kind":               string(cfg.Encoding),
		"batch":              cfg.Batch,
		"vbuckets":           cfg.VBuckets,
		"doc-cache":          cfg.DocCache,
		"prefix":             cfg.Prefix,
		"report":             cfg.Report,
		"hot-shift":          cfg.HotShift,
	}
}
