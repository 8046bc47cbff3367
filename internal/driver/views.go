package driver

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"kvperf/internal/loadgen"
	"kvperf/internal/logger"
	"kvperf/internal/mgmt"
	"kvperf/internal/stats"
	"kvperf/internal/worker"
	"kvperf/internal/workload"
)

const (
	defaultViewName     = "myview"
	defaultBuildTimeout = 480 * time.Second
)

// ViewOptions はビュークエリのファンアウトのパラメータ
type ViewOptions struct {
	// KeyMaker は "key_to_email" などのキー生成関数名
	KeyMaker string
	Map      string
	Reduce   string
	Limit    int
	// Clients はクエリを発行するワーカー数
	Clients int
	// Ops はワーカーごとのクエリ数
	Ops   int
	Items int
	// View はデザインドキュメント名とビュー名（空なら "myview"）
	View string
	// RateLimit はワーカーごとの毎秒クエリ数の上限（0で無制限）
	RateLimit    float64
	BuildTimeout time.Duration
	// Load が true なら先にJSONドキュメントをロードする
	Load bool
}

func (o ViewOptions) ddoc() string {
	return "_design/" + o.View
}

func (o ViewOptions) withDefaults(r *workload.Reader) ViewOptions {
	if o.View == "" {
		o.View = defaultViewName
	}
	if o.BuildTimeout <= 0 {
		o.BuildTimeout = defaultBuildTimeout
	}
	o.Clients = max(o.Clients, 1)
	o.Limit = max(r.Int("limit", o.Limit), 1)
	if o.Items <= 0 {
		o.Items = r.Int("items", 1000000)
	}
	if o.Ops <= 0 {
		o.Ops = r.Int("ops", 10000)
	}
	return o
}

// LoadDocs はビュー用のJSONドキュメントをロードしてループの準備をする
func (d *Driver) LoadDocs(ctx context.Context) error {
	r := d.reader()
	items := r.Int("items", 1000000)
	overrides := map[string]any{
		"min-value-size": r.Int("size", 1024),
		"kind":           r.String("kind", "json"),
		"doc-cache":      r.Int("doc_cache", 0),
		"prefix":         r.String("key_prefix", ""),
	}
	if err := r.Err(); err != nil {
		return err
	}
	if _, err := d.Load(ctx, LoadOptions{NumItems: items, UseDirect: true, Overrides: overrides}); err != nil {
		return err
	}
	return d.LoopPrep(ctx)
}

// createView はデザインドキュメントを作成する
// 既存のものがあればリビジョンを引き継いで更新する
func (d *Driver) createView(ctx context.Context, o ViewOptions) error {
	doc := mgmt.DesignDoc{
		ID:    o.ddoc(),
		Views: map[string]mgmt.View{o.View: {Map: o.Map, Reduce: o.Reduce}},
	}
	existing, err := d.api.GetDesignDoc(ctx, d.rc.Bucket, doc.ID)
	switch {
	case err == nil:
		doc.Rev = existing.Rev
	case !errors.Is(err, mgmt.ErrNotFound):
		logger.Debug(logTag, "Design doc %s lookup failed, creating: %v", doc.ID, err)
	}
	return d.api.PutDesignDoc(ctx, d.rc.Bucket, doc)
}

// ViewFanOut はビューを作ってビルド時間を計り、Clients個のワーカーでキー指定のクエリを発行する
// ctx がキャンセルされるとコントロールトークンを倒し、実行中のクエリが終わるのを待つ
func (d *Driver) ViewFanOut(ctx context.Context, opts ViewOptions) (workload.Ops, error) {
	r := d.reader()
	o := opts.withDefaults(r)
	if err := r.Err(); err != nil {
		return workload.Ops{}, err
	}
	keyMaker, err := loadgen.LookupKeyMaker(o.KeyMaker)
	if err != nil {
		return workload.Ops{}, &workload.ConfigError{Err: err}
	}

	if o.Load {
		if err := d.LoadDocs(ctx); err != nil {
			return workload.Ops{}, err
		}
	}

	if err := d.createView(ctx, o); err != nil {
		return workload.Ops{}, fmt.Errorf("create view %s: %w", o.View, err)
	}

	logger.Info(logTag, "Building view %s = %s; %s", o.View, o.Map, o.Reduce)
	var ops workload.Ops
	ops.ViewBuildStart = time.Now()
	if _, err := d.api.QueryView(ctx, d.rc.Bucket, o.ddoc(), o.View, mgmt.ViewQuery{
		StartKey: "a",
		Limit:    o.Limit,
		Timeout:  o.BuildTimeout,
	}); err != nil {
		return ops, fmt.Errorf("build view %s: %w", o.View, err)
	}
	ops.ViewBuildEnd = time.Now()

	session, err := d.stats.Open(ctx, stats.SessionOptions{
		TestName:  d.rc.Reference,
		Reference: d.rc.Reference,
		Servers:   d.rc.Topology.Servers,
		Params:    map[string]any{"test_name": d.rc.Reference, "test_time": time.Now().Unix()},
	})
	if err != nil {
		return ops, err
	}

	ctl := workload.NewControl()
	stop := context.AfterFunc(ctx, ctl.Stop)
	defer stop()

	logger.Info(logTag, "Accessing view %s with %d clients x %d ops", o.View, o.Clients, o.Ops)
	ops.StartTime = time.Now()
	q := &viewQueries{
		d:        d,
		o:        o,
		keyMaker: keyMaker,
		prefix:   r.String("key_prefix", ""),
		report:   max(o.Ops/10, 1),
		ctl:      ctl,
		session:  session,
		limiters: make([]*rate.Limiter, o.Clients),
	}
	if o.RateLimit > 0 {
		for i := range q.limiters {
			q.limiters[i] = rate.NewLimiter(rate.Limit(o.RateLimit), 1)
		}
	}

	// 実行中のクエリは ctx のキャンセル後も最後まで走らせる
	pool := worker.NewPool(worker.PoolConfig{Name: "views", NumWorkers: o.Clients, QueueFactor: 2})
	qctx := context.WithoutCancel(ctx)
	pool.Start(qctx)
	// 各クライアントはキー空間の別の位置から始める
	offset := o.Items / o.Clients
submit:
	for i := range o.Ops {
		for c := range o.Clients {
			if !ctl.Ok() {
				break submit
			}
			k := uint64((i + c*offset) % o.Items)
			if !pool.Submit(func(workerID int) { q.run(qctx, workerID, i, k) }) {
				break submit
			}
		}
	}
	pool.Wait()
	pool.Stop()
	logger.Debug(logTag, "View pool completed %d queries", pool.Completed())

	ops.EndTime = time.Now()
	ops.TotViews = q.views.Load()
	ops.TotErrors = q.failures.Load()

	if _, err := session.Close(ops); err != nil {
		return ops, err
	}
	if err := ctx.Err(); err != nil {
		return ops, err
	}
	return ops, nil
}

// viewQueries はプールのジョブが共有するクエリ状態
type viewQueries struct {
	d        *Driver
	o        ViewOptions
	keyMaker loadgen.KeyMaker
	prefix   string
	report   int
	ctl      *workload.Control
	session  *stats.Session
	// limiters はプールのワーカーごとのレート制限（無制限なら nil）
	limiters []*rate.Limiter

	views, failures atomic.Uint64
}

// run はキー番号 k に対する1回のクエリを発行する
func (q *viewQueries) run(ctx context.Context, workerID, i int, k uint64) {
	if !q.ctl.Ok() {
		return
	}
	if l := q.limiters[workerID]; l != nil {
		if err := l.Wait(ctx); err != nil || !q.ctl.Ok() {
			return
		}
	}

	e := q.keyMaker(loadgen.PrepareKey(k, q.prefix))
	start := time.Now()
	res, err := q.d.api.QueryView(ctx, q.d.rc.Bucket, q.o.ddoc(), q.o.View, mgmt.ViewQuery{StartKey: e, EndKey: e, Limit: q.o.Limit})
	end := time.Now()

	sample := workload.Sample{Views: 1, Start: start, End: end}
	if err != nil {
		sample.Errors = 1
		q.failures.Add(1)
		logger.Debug(logTag, "view query %v: %v", e, err)
	} else if i%q.report == 0 {
		logger.Debug(logTag, "view result for %s %v = %d rows", q.o.KeyMaker, e, len(res.Rows))
	}
	q.views.Add(1)
	_ = q.session.RecordOps(sample)
}

// ViewWithLoad はバックグラウンドでJSONのループを走らせながらビューのファンアウトを実行する
func (d *Driver) ViewWithLoad(ctx context.Context, vopts ViewOptions) (workload.Ops, error) {
	if vopts.Load {
		if err := d.LoadDocs(ctx); err != nil {
			return workload.Ops{}, err
		}
		vopts.Load = false
	}

	r := d.reader()
	items := r.Int("items", 1000000)
	protocol := r.String("protocol", "binary")
	if err := r.Err(); err != nil {
		return workload.Ops{}, err
	}

	bg := d.LoopBackground(ctx, LoopOptions{
		NumItems:  items,
		Duration:  24 * time.Hour,
		Protocol:  protocol,
		UseDirect: true,
		Overrides: map[string]any{"kind": "json", "batch": 1000},
	})

	ops, err := d.ViewFanOut(ctx, vopts)
	bgOps, bgErr := bg.Stop()
	logger.Info(logTag, "Background load stopped: sets %d gets %d", bgOps.TotSets, bgOps.TotGets)
	if err != nil {
		return ops, err
	}
	if bgErr != nil && !errors.Is(bgErr, context.Canceled) {
		return ops, bgErr
	}
	return ops, nil
}
