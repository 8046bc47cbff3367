package worker

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"kvperf/internal/logger"
)

const logTag = "pool"

// Job はワーカーが実行するジョブ
// 引数はワーカー番号（0始まり）
type Job func(workerID int)

// PoolConfig はワーカープールの設定
type PoolConfig struct {
	Name        string // ログ出力用の名前
	NumWorkers  int    // ワーカー数（0でCPU数）
	QueueFactor int    // キューサイズ = NumWorkers * QueueFactor
}

// Pool は負荷生成クライアントやビュークエリを並行実行するゴルーチンのプール
type Pool struct {
	name       string
	numWorkers int
	jobs       chan Job
	wg         sync.WaitGroup
	pending    sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	started    bool
	stopping   atomic.Bool
	completed  atomic.Uint64
	mu         sync.Mutex
}

// NewPool は新しいワーカープールを作成する
// NumWorkers が 0 以下なら CPU 数を使用
func NewPool(config PoolConfig) *Pool {
	numWorkers := config.NumWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	queueFactor := config.QueueFactor
	if queueFactor <= 0 {
		queueFactor = 4
	}
	name := config.Name
	if name == "" {
		name = "workers"
	}
	return &Pool{
		name:       name,
		numWorkers: numWorkers,
		jobs:       make(chan Job, numWorkers*queueFactor),
	}
}

// Start はワーカープールを起動する
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.started = true

	for i := range p.numWorkers {
		p.wg.Add(1)
		go p.worker(i)
	}

	logger.Debug(logTag, "%s started with %d workers", p.name, p.numWorkers)
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			p.discard()
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			job(id)
			p.completed.Add(1)
			p.pending.Done()
		}
	}
}

// discard はキャンセル後にキューに残ったジョブを実行せずに捨てる
func (p *Pool) discard() {
	for {
		select {
		case _, ok := <-p.jobs:
			if !ok {
				return
			}
			p.pending.Done()
		default:
			return
		}
	}
}

// Submit はジョブをプールに送信する（キューが満杯なら待つ）
func (p *Pool) Submit(job Job) (submitted bool) {
	if p.stopping.Load() {
		return false
	}

	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()
	if ctx == nil {
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Warn(logTag, "Submit to %s failed (channel may be closed): %v", p.name, r)
			p.pending.Done()
			submitted = false
		}
	}()

	select {
	case <-ctx.Done():
		return false
	default:
	}

	p.pending.Add(1)
	select {
	case <-ctx.Done():
		p.pending.Done()
		return false
	case p.jobs <- job:
		return true
	}
}

// Wait は送信済みのジョブがすべて完了（または破棄）するまで待つ
func (p *Pool) Wait() {
	p.pending.Wait()
}

// Stop はワーカープールを停止する
// 実行中のジョブの完了を待つ。未着手のジョブは破棄される
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.stopping.Store(true)
	p.cancel()
	p.wg.Wait()
	close(p.jobs)
	for range p.jobs {
		p.pending.Done()
	}

	p.mu.Lock()
	p.started = false
	p.mu.Unlock()

	logger.Debug(logTag, "%s stopped after %d jobs", p.name, p.completed.Load())
}

// NumWorkers はワーカー数を返す
func (p *Pool) NumWorkers() int {
	return p.numWorkers
}

// Completed は完了したジョブ数を返す
func (p *Pool) Completed() uint64 {
	return p.completed.Load()
}

// RunEach はn個のワーカーを起動し、各ワーカーでfnを1回ずつ実行して全完了を待つ
// 負荷生成のクライアントスレッドのように長時間走るループに使う
func RunEach(ctx context.Context, name string, n int, fn func(ctx context.Context, workerID int)) {
	if n <= 0 {
		n = 1
	}
	pool := NewPool(PoolConfig{Name: name, NumWorkers: n, QueueFactor: 1})
	pool.Start(ctx)
	defer pool.Stop()

	jobCtx := pool.ctx
	for i := range n {
		if !pool.Submit(func(int) { fn(jobCtx, i) }) {
			break
		}
	}
	pool.Wait()
}
