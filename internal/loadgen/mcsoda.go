package loadgen

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"kvperf/internal/logger"
	"kvperf/internal/target"
	"kvperf/internal/worker"
	"kvperf/internal/workload"
)

const (
	logTag       = "mcsoda"
	missKeyBase  = uint64(1) << 48
	maxDocCache  = 4096
	noMoreWork   = -1
	continueWork = 0
)

// McSoda は組み込みのワークロード生成器
// Threads個のクライアントがRunStateとControlを共有してバッチを発行する
type McSoda struct {
	dialer Dialer
}

// New は新しい生成器を作成する
func New(d Dialer) *McSoda {
	return &McSoda{dialer: d}
}

// Run はワークロードを実行し、終了時のRunStateと実行区間を返す
func (g *McSoda) Run(ctx context.Context, cfg workload.Config, cur workload.RunState, ep target.Endpoint,
	sink Sink, ctl *workload.Control) (workload.RunState, time.Time, time.Time, error) {
	if g.dialer == nil {
		return cur, time.Time{}, time.Time{}, errors.New("mcsoda: no dialer configured")
	}

	threads := max(cfg.Threads, 1)
	batch := cfg.Batch
	if batch <= 0 {
		batch = workload.DefaultBatch
	}

	conns := make([]Conn, 0, threads)
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()
	for range threads {
		c, err := g.dialer.Dial(ctx, ep, cfg)
		if err != nil {
			return cur, time.Time{}, time.Time{}, fmt.Errorf("mcsoda: connect %s %s: %w", ep.Family, ep.HostPort, err)
		}
		conns = append(conns, c)
	}

	logger.Info(logTag, "protocol %s host %s threads %d batch %d", ep.Family, ep.HostPort, threads, batch)

	r := &run{
		cfg:      cfg,
		counters: workload.NewCounters(cur),
		ctl:      ctl,
		sink:     sink,
		batch:    batch,
		json:     cfg.Encoding == workload.EncodingJSON,
	}

	start := time.Now()
	if cfg.Duration > 0 {
		r.deadline = start.Add(cfg.Duration)
	}

	worker.RunEach(ctx, logTag, threads, func(ctx context.Context, id int) {
		r.client(ctx, id, conns[id])
	})

	end := time.Now()
	state := r.counters.Snapshot()
	logger.Info(logTag, "done: sets %d gets %d creates %d misses %d errors %d in %v",
		state.Sets-cur.Sets, state.Gets-cur.Gets, state.Creates-cur.Creates,
		state.Misses-cur.Misses, state.Errors-cur.Errors, end.Sub(start).Round(time.Millisecond))

	if err := ctx.Err(); err != nil {
		return state, start, end, err
	}
	return state, start, end, nil
}

// run は1回のRun呼び出しでクライアント間に共有される状態
type run struct {
	cfg      workload.Config
	counters *workload.Counters
	ctl      *workload.Control
	sink     Sink
	batch    int
	json     bool
	deadline time.Time

	done       atomic.Bool
	lastReport atomic.Uint64
}

func (r *run) stopped(ctx context.Context) bool {
	if r.done.Load() || !r.ctl.Ok() || ctx.Err() != nil {
		return true
	}
	return !r.deadline.IsZero() && time.Now().After(r.deadline)
}

// client は1クライアント分のバッチ発行ループ
func (r *run) client(ctx context.Context, id int, conn Conn) {
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(id)))
	cache := make(map[string][]byte)
	ops := make([]Op, 0, r.batch)

	for !r.stopped(ctx) {
		ops = ops[:0]
		for len(ops) < r.batch {
			op, state := r.next(rng, cache)
			if state == noMoreWork {
				r.done.Store(true)
				break
			}
			ops = append(ops, op)
		}
		if len(ops) == 0 {
			return
		}

		start := time.Now()
		results := conn.Do(ctx, ops)
		sample := r.account(ops, results, start, time.Now())

		if r.sink != nil {
			if err := r.sink.RecordOps(sample); err != nil {
				logger.Debug(logTag, "client %d: dropping sample: %v", id, err)
			}
		}
		r.report()
	}
}

// next は次の操作を選ぶ
func (r *run) next(rng *rand.Rand, cache map[string][]byte) (Op, int) {
	cfg := r.cfg
	n := r.counters.ClaimOp()
	if cfg.MaxOps > 0 && n > uint64(cfg.MaxOps) {
		return Op{}, noMoreWork
	}

	items := r.keySpace()

	if rng.Float64() < cfg.RatioSets {
		if rng.Float64() < cfg.RatioCreates || items == 0 {
			if keyNum, ok := r.reserveCreate(); ok {
				return r.setOp(rng, cache, keyNum), continueWork
			}
			if cfg.ExitAfterCreates {
				return Op{}, noMoreWork
			}
		}
		if items == 0 {
			return r.setOp(rng, cache, 0), continueWork
		}

		keyNum := r.chooseKey(rng, items, cfg.RatioHotSets)
		if rng.Float64() < cfg.RatioDeletes {
			return r.op(OpDelete, keyNum), continueWork
		}
		return r.setOp(rng, cache, keyNum), continueWork
	}

	if cfg.ExitAfterCreates && r.createsExhausted() {
		return Op{}, noMoreWork
	}
	if items == 0 || rng.Float64() < cfg.RatioMisses {
		return r.op(OpGet, missKeyBase+rng.Uint64N(missKeyBase)), continueWork
	}
	return r.op(OpGet, r.chooseKey(rng, items, cfg.RatioHotGets)), continueWork
}

// keySpace は既存キーの数（MaxItemsで頭打ち）
func (r *run) keySpace() uint64 {
	items := r.counters.Items.Load()
	if r.cfg.MaxItems > 0 && items > uint64(r.cfg.MaxItems) {
		return uint64(r.cfg.MaxItems)
	}
	return items
}

func (r *run) createsExhausted() bool {
	return r.counters.Creates.Load() >= uint64(max(r.cfg.MaxCreates, 0))
}

// reserveCreate はMaxCreatesを超えないよう作成枠を1つ確保し、新しいキー番号を返す
func (r *run) reserveCreate() (uint64, bool) {
	limit := uint64(max(r.cfg.MaxCreates, 0))
	for {
		c := r.counters.Creates.Load()
		if c >= limit {
			return 0, false
		}
		if r.counters.Creates.CompareAndSwap(c, c+1) {
			return r.counters.Items.Add(1) - 1, true
		}
	}
}

// chooseKey はホットキー偏りを考慮して既存キーを選ぶ
// ホット領域は直近に作成されたRatioHot分のキーで、バッチごとにHotShiftずつずれる
func (r *run) chooseKey(rng *rand.Rand, items uint64, hotRatio float64) uint64 {
	hot := uint64(float64(items) * r.cfg.RatioHot)
	if hot == 0 || hot >= items {
		return rng.Uint64N(items)
	}

	base := items - hot
	if r.cfg.HotShift > 0 {
		base += uint64(r.cfg.HotShift) * (r.counters.OpsIssued() / uint64(r.batch))
	}
	if rng.Float64() < hotRatio {
		return (base + rng.Uint64N(hot)) % items
	}
	return (base + hot + rng.Uint64N(items-hot)) % items
}

func (r *run) op(kind OpKind, keyNum uint64) Op {
	key := PrepareKey(keyNum, r.cfg.Prefix)
	return Op{
		Kind:    kind,
		Key:     key,
		VBucket: VBucketOf(key, r.cfg.VBuckets),
	}
}

func (r *run) setOp(rng *rand.Rand, cache map[string][]byte, keyNum uint64) Op {
	op := r.op(OpSet, keyNum)
	op.Value = r.value(cache, op.Key)
	if r.cfg.RatioExpirations > 0 && rng.Float64() < r.cfg.RatioExpirations {
		op.Expiration = uint32(max(r.cfg.Expiration, 0))
	}
	return op
}

func (r *run) value(cache map[string][]byte, key string) []byte {
	if r.cfg.DocCache == 0 {
		return Value(key, r.cfg.MinValueSize, r.json)
	}
	if v, ok := cache[key]; ok {
		return v
	}
	if len(cache) >= maxDocCache {
		clear(cache)
	}
	v := Value(key, r.cfg.MinValueSize, r.json)
	cache[key] = v
	return v
}

// account はバッチ結果をカウンタに反映し、サンプルを返す
func (r *run) account(ops []Op, results []Result, start, end time.Time) workload.Sample {
	s := workload.Sample{Start: start, End: end}
	for i, op := range ops {
		switch op.Kind {
		case OpGet:
			s.Gets++
		case OpSet:
			s.Sets++
		case OpDelete:
			s.Deletes++
		}

		if i >= len(results) || results[i].Err != nil {
			s.Errors++
			continue
		}
		if op.Kind == OpGet && !results[i].Hit {
			s.Misses++
		}
	}

	r.counters.Gets.Add(s.Gets)
	r.counters.Sets.Add(s.Sets)
	r.counters.Deletes.Add(s.Deletes)
	r.counters.Misses.Add(s.Misses)
	r.counters.Errors.Add(s.Errors)
	return s
}

// report はReport操作ごとに進捗をログに出す
func (r *run) report() {
	if r.cfg.Report <= 0 {
		return
	}
	tick := r.counters.OpsIssued() / uint64(r.cfg.Report)
	last := r.lastReport.Load()
	if tick <= last || !r.lastReport.CompareAndSwap(last, tick) {
		return
	}
	s := r.counters.Snapshot()
	logger.Info(logTag, "items %d sets %d gets %d creates %d misses %d",
		s.Items, s.Sets, s.Gets, s.Creates, s.Misses)
}
