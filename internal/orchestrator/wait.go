package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"

	"kvperf/internal/events"
	"kvperf/internal/logger"
	"kvperf/internal/mgmt"
)

// DefaultPollInterval はポーリングの間隔
const DefaultPollInterval = time.Second

var errNotYet = errors.New("condition not met")

// WaitPolicy はポーリング待機の設定
// MaxWait が0なら条件が満たされるまで無期限に待つ
type WaitPolicy struct {
	Interval time.Duration
	MaxWait  time.Duration
}

// DefaultWaitPolicy は1秒間隔・無期限の待機設定を返す
func DefaultWaitPolicy() WaitPolicy {
	return WaitPolicy{Interval: DefaultPollInterval}
}

// Poll は cond が true を返すまで一定間隔で呼び出す
// cond のエラーは一時的なものとして扱い、ポーリングを続ける
func (w WaitPolicy) Poll(ctx context.Context, what string, cond func(ctx context.Context) (bool, error)) error {
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	opts := []retry.Option{
		retry.Context(ctx),
		retry.Delay(interval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			if !errors.Is(err, errNotYet) {
				logger.Debug("wait", "%s: attempt %d: %v", what, n+1, err)
			}
		}),
	}
	if w.MaxWait > 0 {
		opts = append(opts, retry.Attempts(uint(w.MaxWait/interval)+1))
	} else {
		opts = append(opts, retry.UntilSucceeded())
	}

	err := retry.Do(func() error {
		ok, err := cond(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errNotYet
		}
		return nil
	}, opts...)

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return &WaitTimeoutError{What: what, MaxWait: w.MaxWait, Last: err}
	}
}

// pollingServers はステータスを問い合わせるメンバーを返す（フェイルオーバー済みは除く）
func (c *Controller) pollingServers(ctx context.Context) ([]mgmt.Server, error) {
	statuses, err := c.api.NodeStatuses(ctx)
	if err != nil {
		return nil, fmt.Errorf("node statuses: %w", err)
	}
	servers := make([]mgmt.Server, 0, len(statuses))
	for _, s := range statuses {
		if s.Status == "inactiveFailed" {
			continue
		}
		servers = append(servers, c.serverFor(s.IP))
	}
	return servers, nil
}

// statOnAll は全メンバーで stat が want になるまで待つ
func (c *Controller) statOnAll(ctx context.Context, stat, want string) error {
	return c.wait.Poll(ctx, stat+"="+want, func(ctx context.Context) (bool, error) {
		servers, err := c.pollingServers(ctx)
		if err != nil {
			return false, err
		}
		for _, s := range servers {
			stats, err := c.api.NodeStats(ctx, s, c.rc.Bucket)
			if err != nil {
				return false, fmt.Errorf("%s: %w", s.IP, err)
			}
			if stats[stat] != want {
				return false, nil
			}
		}
		return true, nil
	})
}

// WaitUntilDrained は全ノードの ep_queue_size と ep_flusher_todo が0になるまで待ち、完了時刻を返す
func (c *Controller) WaitUntilDrained(ctx context.Context) (time.Time, error) {
	logger.Info("", "Waiting for persistence queues to drain")
	if err := c.statOnAll(ctx, "ep_queue_size", "0"); err != nil {
		return time.Time{}, err
	}
	if err := c.statOnAll(ctx, "ep_flusher_todo", "0"); err != nil {
		return time.Time{}, err
	}
	now := time.Now()
	c.bus.Publish(events.New(events.EventDrained, "cluster", events.EventData{}))
	logger.Info("", "Drained")
	return now, nil
}

// WaitUntilWarmedUp は全ノードの ep_warmup_thread が complete になるまで待つ
func (c *Controller) WaitUntilWarmedUp(ctx context.Context) error {
	logger.Info("", "Waiting for warmup to complete")
	if err := c.statOnAll(ctx, "ep_warmup_thread", "complete"); err != nil {
		return err
	}
	c.bus.Publish(events.New(events.EventWarmedUp, "cluster", events.EventData{}))
	logger.Info("", "Warmed up")
	return nil
}

// WaitUntilHealthy は全メンバーの状態が healthy になるまで待つ
func (c *Controller) WaitUntilHealthy(ctx context.Context) error {
	return c.wait.Poll(ctx, "nodes healthy", func(ctx context.Context) (bool, error) {
		statuses, err := c.api.NodeStatuses(ctx)
		if err != nil {
			return false, err
		}
		for _, s := range statuses {
			if s.Status != "healthy" {
				return false, nil
			}
		}
		return true, nil
	})
}

// WaitForVBucketMap はバケットのvbucketマップができるまで待ち、vbucket数を返す
func (c *Controller) WaitForVBucketMap(ctx context.Context, policy WaitPolicy) (int, error) {
	var n int
	err := policy.Poll(ctx, "vbucket map "+c.rc.Bucket, func(ctx context.Context) (bool, error) {
		m, err := c.api.VBucketMap(ctx, c.rc.Bucket)
		if err != nil {
			return false, err
		}
		n = m.NumVBuckets()
		return n > 0, nil
	})
	return n, err
}
