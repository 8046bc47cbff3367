package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"kvperf/internal/events"
	"kvperf/internal/logger"
	"kvperf/internal/mgmt"
	"kvperf/internal/remote"
	"kvperf/internal/workload"
)

// DefaultSettle は再起動後にウォームアップ確認を始めるまでの待ち時間
const DefaultSettle = 10 * time.Second

// Options はControllerの設定
type Options struct {
	Bus    *events.Bus
	Wait   WaitPolicy
	Settle time.Duration
}

// Controller はトポロジ変更・障害注入・収束待ちを行う
// Topology と MultiNode はメインのゴルーチンからだけ更新する
type Controller struct {
	api    mgmt.API
	shells remote.Connector
	rc     *workload.RunContext
	bus    *events.Bus
	wait   WaitPolicy
	settle time.Duration

	wg sync.WaitGroup
}

// New は新しいControllerを作成する
func New(api mgmt.API, shells remote.Connector, rc *workload.RunContext, opts Options) *Controller {
	if opts.Wait.Interval <= 0 {
		opts.Wait.Interval = DefaultPollInterval
	}
	if opts.Settle < 0 {
		opts.Settle = 0
	}
	return &Controller{
		api:    api,
		shells: shells,
		rc:     rc,
		bus:    opts.Bus,
		wait:   opts.Wait,
		settle: opts.Settle,
	}
}

// Wait は遅延アクションの終了を待つ
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) serverFor(ip string) mgmt.Server {
	for _, s := range c.rc.Topology.Servers {
		if s.IP == ip {
			return s
		}
	}
	return mgmt.Server{IP: ip}
}

func (c *Controller) primary() (mgmt.Server, error) {
	return c.rc.Topology.Primary()
}

// after は delay 後に fn をバックグラウンドで実行する
// エラーはログとイベントで報告され、呼び出し側には返らない
func (c *Controller) after(ctx context.Context, name string, delay time.Duration, fn func(ctx context.Context) error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			logger.Debug("", "Delayed %s cancelled", name)
			return
		case <-timer.C:
		}

		logger.Info("", "Delayed %s firing after %v", name, delay)
		if err := fn(ctx); err != nil {
			logger.Error("", "Delayed %s failed: %v", name, err)
			c.bus.Publish(events.NewActionFailedEvent(name, err))
		}
	}()
}

// Nodes は n-1 台をリバランスインしてマルチノード構成にする
func (c *Controller) Nodes(ctx context.Context, n int) error {
	if n > len(c.rc.Topology.Servers) {
		return fmt.Errorf("need %d servers, topology has %d", n, len(c.rc.Topology.Servers))
	}
	if n > 1 {
		if err := c.RebalanceIn(ctx, n-1); err != nil {
			return err
		}
	}
	c.rc.MultiNode = true
	return nil
}

// memberIPs はクラスタに参加済み（保留中を含む）のIPを返す
func (c *Controller) memberIPs(ctx context.Context) (map[string]mgmt.NodeStatus, error) {
	statuses, err := c.api.NodeStatuses(ctx)
	if err != nil {
		return nil, fmt.Errorf("node statuses: %w", err)
	}
	out := make(map[string]mgmt.NodeStatus, len(statuses))
	for _, s := range statuses {
		out[s.IP] = s
	}
	return out, nil
}

// RebalanceIn はまだクラスタにいないサーバーを count 台追加してリバランスする
func (c *Controller) RebalanceIn(ctx context.Context, count int) error {
	primary, err := c.primary()
	if err != nil {
		return err
	}
	members, err := c.memberIPs(ctx)
	if err != nil {
		return err
	}

	var add []string
	for _, s := range c.rc.Topology.Servers[1:] {
		if len(add) == count {
			break
		}
		if _, ok := members[s.IP]; !ok {
			add = append(add, s.IP)
		}
	}
	if len(add) < count {
		return fmt.Errorf("rebalance in %d: only %d servers available", count, len(add))
	}

	for _, ip := range add {
		if err := c.api.AddNode(ctx, primary.RestUsername, primary.RestPassword, ip); err != nil {
			return fmt.Errorf("add node %s: %w", ip, err)
		}
	}
	return c.rebalance(ctx, nil)
}

// DelayedRebalanceIn は delay 後にバックグラウンドで RebalanceIn を実行する
func (c *Controller) DelayedRebalanceIn(ctx context.Context, count int, delay time.Duration) {
	c.after(ctx, "rebalance-in", delay, func(ctx context.Context) error {
		return c.RebalanceIn(ctx, count)
	})
}

// RebalanceOut は指定ノードを外してリバランスする
func (c *Controller) RebalanceOut(ctx context.Context, ips []string) error {
	return c.rebalance(ctx, ips)
}

// AddRemoveAndRebalance はノードを追加・削除し、ゾーンを振り分けてリバランスする
func (c *Controller) AddRemoveAndRebalance(ctx context.Context, toAdd, toRemove []string, zoneCount int) error {
	primary, err := c.primary()
	if err != nil {
		return err
	}
	for _, ip := range toAdd {
		if err := c.api.AddNode(ctx, primary.RestUsername, primary.RestPassword, ip); err != nil {
			return fmt.Errorf("add node %s: %w", ip, err)
		}
	}
	return c.ShuffleZones(ctx, zoneCount, toRemove)
}

// rebalance は全メンバーを known として、eject を外すリバランスを実行し完了を待つ
func (c *Controller) rebalance(ctx context.Context, eject []string) error {
	statuses, err := c.api.NodeStatuses(ctx)
	if err != nil {
		return fmt.Errorf("node statuses: %w", err)
	}

	var known, ejected []string
	for _, s := range statuses {
		known = append(known, s.ID)
		if slices.Contains(eject, s.IP) {
			ejected = append(ejected, s.ID)
		}
	}
	if len(ejected) != len(eject) {
		return &RebalanceError{Known: known, Ejected: eject, Err: fmt.Errorf("eject list contains non-members")}
	}

	c.bus.Publish(events.NewRebalanceEvent(events.EventRebalanceStart, known, ejected))
	logger.Info("", "Rebalance: %d known, ejecting %v", len(known), ejected)

	if err := c.api.Rebalance(ctx, known, ejected); err != nil {
		return &RebalanceError{Known: known, Ejected: ejected, Err: err}
	}
	if err := c.api.MonitorRebalance(ctx); err != nil {
		return &RebalanceError{Known: known, Ejected: ejected, Err: err}
	}

	c.bus.Publish(events.NewRebalanceEvent(events.EventRebalanceDone, known, ejected))
	logger.Info("", "Rebalance completed")
	return nil
}

// Cleanup は先頭サーバー以外のメンバーを外してリバランスし、単一ノード構成に戻す
func (c *Controller) Cleanup(ctx context.Context) error {
	primary, err := c.primary()
	if err != nil {
		return err
	}
	members, err := c.memberIPs(ctx)
	if err != nil {
		return err
	}
	var eject []string
	for ip := range members {
		if ip != primary.IP {
			eject = append(eject, ip)
		}
	}
	slices.Sort(eject)
	if len(eject) > 0 {
		if err := c.rebalance(ctx, eject); err != nil {
			return err
		}
	}
	c.rc.MultiNode = false
	return nil
}

// ToggleCompaction は自動コンパクションを設定する
// クラスタが未対応の場合はログに残して続行する
func (c *Controller) ToggleCompaction(ctx context.Context, parallel bool, threshold float64) error {
	settings := mgmt.CompactionSettings{
		Parallel:              parallel,
		DBFragmentThreshold:   threshold,
		ViewFragmentThreshold: threshold,
	}
	if err := c.api.SetAutoCompaction(ctx, settings); err != nil {
		if errors.Is(err, mgmt.ErrUnsupported) {
			logger.Info("", "Auto-compaction not supported, continuing: %v", err)
			return nil
		}
		return fmt.Errorf("set auto-compaction: %w", err)
	}
	c.bus.Publish(events.New(events.EventCompaction, "cluster", events.EventData{}))
	return nil
}

// DelayedCompaction は delay 後にバックグラウンドで ToggleCompaction を実行する
func (c *Controller) DelayedCompaction(ctx context.Context, parallel bool, threshold float64, delay time.Duration) {
	c.after(ctx, "compaction", delay, func(ctx context.Context) error {
		return c.ToggleCompaction(ctx, parallel, threshold)
	})
}

// DatabaseSize はバケットの永続化サイズを返す
func (c *Controller) DatabaseSize(ctx context.Context) (int64, error) {
	return c.api.DatabaseDiskSize(ctx, c.rc.Bucket)
}

// forEachServer はサーバーごとに fn を実行し、全てのエラーをまとめて返す
func forEachServer(servers []mgmt.Server, fn func(s mgmt.Server) error) error {
	var result *multierror.Error
	for _, s := range servers {
		if err := fn(s); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", s.IP, err))
		}
	}
	return result.ErrorOrNil()
}
