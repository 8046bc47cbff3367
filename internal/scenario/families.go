package scenario

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"time"

	"kvperf/internal/driver"
	"kvperf/internal/logger"
	"kvperf/internal/mgmt"
	"kvperf/internal/orchestrator"
	"kvperf/internal/workload"
)

// defaultDelay は遅延アクション（リバランス・コンパクション）の待ち時間
const defaultDelay = 10 * time.Second

// step は本体の前後に挟む小さな手順
type step func(ctx context.Context, env *Env) error

func runSteps(ctx context.Context, env *Env, steps []step) error {
	for _, s := range steps {
		if err := s(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// delay は delay_seconds パラメータを返す
func delay(r *workload.Reader) time.Duration {
	return time.Duration(r.Int("delay_seconds", int(defaultDelay/time.Second))) * time.Second
}

// withNodes は n-1 台をリバランスインしてマルチノード構成にする
// param が空でなければそのパラメータで台数を上書きできる
func withNodes(param string, n int) step {
	return func(ctx context.Context, env *Env) error {
		count := n
		if param != "" {
			r := env.Reader()
			count = r.Int(param, n)
			if err := r.Err(); err != nil {
				return err
			}
		}
		return env.Orch.Nodes(ctx, count)
	}
}

// delayedRebalance は遅延後に n-1 台をバックグラウンドでリバランスインする
func delayedRebalance(param string, n int) step {
	return func(ctx context.Context, env *Env) error {
		r := env.Reader()
		count := n
		if param != "" {
			count = r.Int(param, n)
		}
		d := delay(r)
		if err := r.Err(); err != nil {
			return err
		}
		env.Orch.DelayedRebalanceIn(ctx, count-1, d)
		return nil
	}
}

// delayedCompaction は遅延後に閾値 0.01% の自動コンパクションを設定する
func delayedCompaction() step {
	return func(ctx context.Context, env *Env) error {
		r := env.Reader()
		d := delay(r)
		if err := r.Err(); err != nil {
			return err
		}
		env.Orch.DelayedCompaction(ctx, false, 0.01, d)
		return nil
	}
}

// asyncThreads はerlang asyncスレッド数を変えてクラスタを再起動する
func asyncThreads(original, modified int) step {
	return func(ctx context.Context, env *Env) error {
		return env.Orch.SetAsyncThreshold(ctx, original, modified)
	}
}

// flushParams はフラッシュパラメータを設定して値を記録する
// 値はパラメータ名と同じテストパラメータで上書きできる
func flushParams(settings []orchestrator.FlushParam) step {
	return func(ctx context.Context, env *Env) error {
		r := env.Reader()
		resolved := make([]orchestrator.FlushParam, len(settings))
		for i, p := range settings {
			resolved[i] = orchestrator.FlushParam{Key: p.Key, Value: r.String(p.Key, p.Value)}
		}
		got, err := env.Orch.SetFlushParams(ctx, resolved)
		if err != nil {
			return err
		}
		noteStats(env, "before", got)
		return nil
	}
}

// readFlushParams はループ後の ep_<key> 統計を記録する
func readFlushParams(settings []orchestrator.FlushParam) step {
	return func(ctx context.Context, env *Env) error {
		keys := make([]string, len(settings))
		for i, p := range settings {
			keys[i] = p.Key
		}
		got, err := env.Orch.FlushParamStats(ctx, keys)
		if err != nil {
			return err
		}
		noteStats(env, "after", got)
		return nil
	}
}

func noteStats(env *Env, when string, got map[string]map[string]string) {
	for ip, stats := range got {
		for k, v := range stats {
			env.Note(fmt.Sprintf("%s %s@%s", when, k, ip), v)
		}
	}
}

// load は items 個をバルクロードして "load" フェーズとして記録する
// size が0なら min_value_size パラメータに従う
func (e *Env) load(ctx context.Context, items, size int, kind string, extra map[string]any) (workload.Ops, error) {
	overrides := map[string]any{"kind": kind}
	if size > 0 {
		overrides["min-value-size"] = size
	}
	maps.Copy(overrides, extra)
	ops, err := e.Driver.Load(ctx, driver.LoadOptions{NumItems: items, UseDirect: true, Overrides: overrides})
	e.Record("load", ops)
	return ops, err
}

// ratio はループの比率パラメータとデフォルト値
type ratio struct {
	name string
	def  float64
}

var (
	getRatios = []ratio{
		{"ratio_sets", 0.0}, {"ratio_misses", 0.0}, {"ratio_hot", 0.2}, {"ratio_hot_gets", 0.95},
	}
	setRatios = []ratio{
		{"ratio_sets", 1.0}, {"ratio_creates", 0.0}, {"ratio_hot", 0.2}, {"ratio_hot_sets", 0.95},
	}
	setJSONRatios = append(append([]ratio{}, setRatios...), ratio{"ratio_hot_gets", 0.95})
	mixedRatios   = []ratio{
		{"ratio_sets", 0.2}, {"ratio_misses", 0.2}, {"ratio_creates", 0.5},
		{"ratio_hot", 0.2}, {"ratio_hot_sets", 0.95}, {"ratio_hot_gets", 0.95},
	}
)

// loopShape はロード後に読み書きループを回す本体の形
type loopShape struct {
	kind    string
	size    int
	clients int
	// seconds が正なら操作数ではなく時間で止める
	seconds int
	ratios  []ratio
	// setSize はループの値サイズにも size を使う
	setSize bool

	before []step // ロード前
	during []step // ループ準備の後、ループ開始前
	after  []step // ループ後
}

func (s loopShape) body() BodyFunc {
	return func(ctx context.Context, env *Env) error {
		r := env.Reader()
		items := r.Int("items", 1000000)
		size := r.Int("size", s.size)
		kind := r.String("kind", s.kind)
		clients := r.Int("clients", s.clients)
		protocol := r.String("protocol", "binary")
		var numOps int
		var duration time.Duration
		if s.seconds > 0 {
			duration = time.Duration(r.Int("seconds", s.seconds)) * time.Second
		} else {
			numOps = r.Int("ops", 20000000)
		}
		overrides := map[string]any{"kind": kind}
		for _, rt := range s.ratios {
			overrides[rt.name] = r.Float(rt.name, rt.def)
		}
		if s.setSize {
			overrides["min-value-size"] = size
		}
		if err := r.Err(); err != nil {
			return err
		}

		if err := runSteps(ctx, env, s.before); err != nil {
			return err
		}
		if _, err := env.load(ctx, items, size, kind, nil); err != nil {
			return err
		}
		if err := env.Driver.LoopPrep(ctx); err != nil {
			return err
		}
		if err := runSteps(ctx, env, s.during); err != nil {
			return err
		}

		ops, err := env.Driver.Loop(ctx, driver.LoopOptions{
			NumOps:             numOps,
			Duration:           duration,
			NumItems:           items,
			Clients:            clients,
			Protocol:           protocol,
			UseDirect:          true,
			TestName:           env.Spec.Name,
			CollectServerStats: true,
			Overrides:          overrides,
		})
		env.Record("loop", ops)
		if err != nil {
			return err
		}
		return runSteps(ctx, env, s.after)
	}
}

// drainShape はロードしてディスクへの書き出し完了までを計る本体の形
type drainShape struct {
	size int
	kind string
	// ratioSets が空でなければ "ratio-sets" パラメータ（デフォルト0.9）をロードに使う
	ratioSets bool
	// clog は先頭サーバーのフラッシャーを止めてロードし、再開から書き出し完了までを計る
	clog   bool
	before []step
}

func (s drainShape) body() BodyFunc {
	return func(ctx context.Context, env *Env) error {
		r := env.Reader()
		items := r.Int("items", 1000000)
		size := r.Int("size", s.size)
		kind := r.String("kind", s.kind)
		extra := map[string]any{"doc-cache": r.Int("doc_cache", 0)}
		if s.ratioSets {
			extra["ratio-sets"] = r.Float("ratio-sets", 0.9)
		}
		if err := r.Err(); err != nil {
			return err
		}

		if err := runSteps(ctx, env, s.before); err != nil {
			return err
		}
		if s.clog {
			return s.clogged(ctx, env, items, size, kind, extra)
		}

		session, err := env.openStats(ctx, time.Now())
		if err != nil {
			return err
		}
		ops, err := env.load(ctx, items, size, kind, extra)
		if err != nil {
			_, _ = session.Close(ops)
			return err
		}
		end, err := env.Orch.WaitUntilDrained(ctx)
		if err != nil {
			_, _ = session.Close(ops)
			return err
		}
		ops.EndTime = end
		env.Record("drain", ops)
		env.Note("drain_seconds", strconv.FormatFloat(ops.Elapsed().Seconds(), 'f', 3, 64))
		_, err = session.Close(ops)
		return err
	}
}

func (s drainShape) clogged(ctx context.Context, env *Env, items, size int, kind string, extra map[string]any) error {
	primary, err := env.RC.Topology.Primary()
	if err != nil {
		return err
	}
	servers := []mgmt.Server{primary}
	if err := env.Orch.Clog(ctx, servers); err != nil {
		return err
	}
	ops, err := env.load(ctx, items, size, kind, extra)
	if err != nil {
		if uerr := env.Orch.Unclog(context.WithoutCancel(ctx), servers); uerr != nil {
			logger.Warn("", "Unclog after failed load: %v", uerr)
		}
		return err
	}

	session, err := env.openStats(ctx, time.Now())
	if err != nil {
		return err
	}
	start := time.Now()
	if err := env.Orch.Unclog(ctx, servers); err != nil {
		_, _ = session.Close(ops)
		return err
	}
	end, err := env.Orch.WaitUntilDrained(ctx)
	if err != nil {
		_, _ = session.Close(ops)
		return err
	}
	ops.StartTime, ops.EndTime = start, end
	env.Record("drain", ops)
	env.Note("drain_seconds", strconv.FormatFloat(end.Sub(start).Seconds(), 'f', 3, 64))
	_, err = session.Close(ops)
	return err
}

// viewShape はビュークエリの本体の形
type viewShape struct {
	keyMaker string
	mapFn    string
	reduce   string
	limit    int
	clients  int
	// clientsParam が true なら view_clients パラメータで上書きできる
	clientsParam bool
	// withLoad はクエリ中にバックグラウンドで書き込み負荷をかける
	withLoad bool

	before []step
	// afterLoad が空でなければ先にロードしてから実行する
	afterLoad []step
}

func (s viewShape) body() BodyFunc {
	return func(ctx context.Context, env *Env) error {
		r := env.Reader()
		clients := s.clients
		if s.clientsParam {
			clients = r.Int("view_clients", s.clients)
		}
		if err := r.Err(); err != nil {
			return err
		}

		if err := runSteps(ctx, env, s.before); err != nil {
			return err
		}
		opts := driver.ViewOptions{
			KeyMaker: s.keyMaker,
			Map:      s.mapFn,
			Reduce:   s.reduce,
			Limit:    s.limit,
			Clients:  clients,
			Load:     true,
		}
		if len(s.afterLoad) > 0 {
			if err := env.Driver.LoadDocs(ctx); err != nil {
				return err
			}
			if err := runSteps(ctx, env, s.afterLoad); err != nil {
				return err
			}
			opts.Load = false
		}

		var ops workload.Ops
		var err error
		if s.withLoad {
			ops, err = env.Driver.ViewWithLoad(ctx, opts)
		} else {
			ops, err = env.Driver.ViewFanOut(ctx, opts)
		}
		env.Record("views", ops)
		if err != nil {
			return err
		}
		env.Note("view_build_seconds", strconv.FormatFloat(ops.ViewBuildEnd.Sub(ops.ViewBuildStart).Seconds(), 'f', 3, 64))
		return nil
	}
}

// warmupShape はロード後にクラスタを再起動してウォームアップ時間を計る本体の形
type warmupShape struct {
	kind  string
	items int
	// expiring はアイテムに有効期限を付け、再起動後に期限切れを待つ
	expiring bool
	before   []step
}

func (s warmupShape) body() BodyFunc {
	return func(ctx context.Context, env *Env) error {
		r := env.Reader()
		items := r.Int("items", s.items)
		expiration := 0
		ratioExpirations := 0.0
		if s.expiring {
			expiration = r.Int("expiration", 20)
			ratioExpirations = r.Float("ratio_expirations", 1.0)
		}
		extra := map[string]any{
			"expiration":        expiration,
			"ratio-expirations": ratioExpirations,
			"doc-cache":         r.Int("doc_cache", 0),
		}
		if err := r.Err(); err != nil {
			return err
		}

		if err := runSteps(ctx, env, s.before); err != nil {
			return err
		}
		if _, err := env.load(ctx, items, 0, s.kind, extra); err != nil {
			return err
		}
		if _, err := env.Orch.WaitUntilDrained(ctx); err != nil {
			return err
		}
		if err := env.Orch.RestartCluster(ctx); err != nil {
			return err
		}

		start := time.Now()
		// 有効期限より長く待つ
		wait := env.settle
		if expiration > 0 {
			wait = max(wait, time.Duration(expiration+2)*time.Second)
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}

		session, err := env.openStats(ctx, start)
		if err != nil {
			return err
		}
		if err := env.Orch.WaitUntilWarmedUp(ctx); err != nil {
			_, _ = session.Close(workload.Ops{})
			return err
		}
		ops := workload.Ops{
			TotItems:  uint64(env.RC.NumItemsLoaded),
			StartTime: start,
			EndTime:   time.Now(),
		}
		env.Record("warmup", ops)
		env.Note("warmup_seconds", strconv.FormatFloat(ops.Elapsed().Seconds(), 'f', 3, 64))
		_, err = session.Close(ops)
		return err
	}
}

// zoneShape はノードをサーバーグループに振り分けてリバランスする本体の形
type zoneShape struct {
	// swap は全ノード投入後に最後のノードを外して再度振り分ける
	swap bool
}

func (s zoneShape) body() BodyFunc {
	return func(ctx context.Context, env *Env) error {
		r := env.Reader()
		zones := r.Int("zone", 2)
		items := r.Int("items", 1000)
		size := r.Int("value_size", 256)
		n := r.Int("nodes", len(env.RC.Topology.Servers))
		if err := r.Err(); err != nil {
			return err
		}
		if n > len(env.RC.Topology.Servers) {
			return fmt.Errorf("need %d servers, topology has %d", n, len(env.RC.Topology.Servers))
		}

		if _, err := env.load(ctx, items, size, string(workload.EncodingBinary), nil); err != nil {
			return err
		}

		var toAdd []string
		for _, srv := range env.RC.Topology.Servers[1:n] {
			toAdd = append(toAdd, srv.IP)
		}
		if err := env.Orch.AddRemoveAndRebalance(ctx, toAdd, nil, zones); err != nil {
			return err
		}
		env.RC.MultiNode = true
		env.Note("zones", strconv.Itoa(zones))
		env.Note("nodes", strconv.Itoa(n))

		if s.swap && len(toAdd) > 0 {
			last := toAdd[len(toAdd)-1]
			if err := env.Orch.AddRemoveAndRebalance(ctx, nil, []string{last}, zones); err != nil {
				return err
			}
			env.Note("removed", last)
		}
		return nil
	}
}

// zoneTeardown は作成したサーバーグループを削除する
func zoneTeardown(ctx context.Context, env *Env) error {
	r := env.Reader()
	zones := r.Int("zone", 2)
	if err := r.Err(); err != nil {
		return err
	}
	if zones <= 1 {
		return nil
	}
	return env.Orch.DeleteZones(ctx, zones)
}
