package driver

import (
	"context"
	"sync"

	"kvperf/internal/logger"
	"kvperf/internal/workload"
)

// Background はバックグラウンドで走るループ
type Background struct {
	ctl  *workload.Control
	done chan struct{}

	mu  sync.Mutex
	ops workload.Ops
	err error
}

// LoopBackground は統計もドレイン待ちもしないループを別ゴルーチンで開始する
// 呼び出し側は必ず Stop で停止して合流する
func (d *Driver) LoopBackground(ctx context.Context, opts LoopOptions) *Background {
	ctl := opts.Control
	if ctl == nil {
		ctl = workload.NewControl()
	}
	bg := &Background{ctl: ctl, done: make(chan struct{})}

	go func() {
		defer close(bg.done)

		ops, err := d.background(ctx, opts, ctl)
		bg.mu.Lock()
		bg.ops, bg.err = ops, err
		bg.mu.Unlock()
		if err != nil {
			logger.Warn(logTag, "Background loop ended: %v", err)
		}
	}()
	return bg
}

func (d *Driver) background(ctx context.Context, opts LoopOptions, ctl *workload.Control) (workload.Ops, error) {
	cfg, cur, err := d.loopConfig(opts)
	if err != nil {
		return workload.Ops{}, err
	}
	ep, err := d.endpoint(ctx, opts.Protocol, opts.UseDirect)
	if err != nil {
		return workload.Ops{}, err
	}
	return d.run(ctx, "loop-bg", cfg, cur, ep, nil, ctl)
}

// Done はループが終了すると閉じるチャネルを返す
func (b *Background) Done() <-chan struct{} {
	return b.done
}

// Stop はコントロールトークンを倒してからループの終了を待つ
func (b *Background) Stop() (workload.Ops, error) {
	b.ctl.Stop()
	<-b.done

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ops, b.err
}
