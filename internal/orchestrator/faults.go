package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"kvperf/internal/events"
	"kvperf/internal/logger"
	"kvperf/internal/mgmt"
	"kvperf/internal/remote"
)

// FlushParam はflushctl_setで設定するパラメータ
type FlushParam struct {
	Key   string
	Value string
}

// Clog は各サーバーのフラッシャーを停止する
func (c *Controller) Clog(ctx context.Context, servers []mgmt.Server) error {
	return forEachServer(servers, func(s mgmt.Server) error {
		if err := c.api.FlushControl(ctx, s, c.rc.Bucket, mgmt.FlushStop); err != nil {
			return err
		}
		c.bus.Publish(events.NewFaultEvent(s.IP, events.FaultClog))
		logger.Info(s.IP, "Clogged")
		return nil
	})
}

// Unclog は各サーバーのフラッシャーを再開する
func (c *Controller) Unclog(ctx context.Context, servers []mgmt.Server) error {
	return forEachServer(servers, func(s mgmt.Server) error {
		if err := c.api.FlushControl(ctx, s, c.rc.Bucket, mgmt.FlushStart); err != nil {
			return err
		}
		c.bus.Publish(events.NewFaultClearedEvent(s.IP, events.FaultClog))
		logger.Info(s.IP, "Unclogged")
		return nil
	})
}

// SetFlushParams はパラメータを全サーバーに設定し、ep_<key> 統計を読み戻す
// 戻り値は IP ごとの ep_<key> の値
func (c *Controller) SetFlushParams(ctx context.Context, settings []FlushParam) (map[string]map[string]string, error) {
	err := forEachServer(c.rc.Topology.Servers, func(s mgmt.Server) error {
		for _, p := range settings {
			if err := c.api.SetFlushParam(ctx, s, c.rc.Bucket, p.Key, p.Value); err != nil {
				return fmt.Errorf("set %s: %w", p.Key, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	keys := make([]string, len(settings))
	for i, p := range settings {
		keys[i] = p.Key
	}
	return c.FlushParamStats(ctx, keys)
}

// FlushParamStats は全サーバーの ep_<key> 統計を IP ごとに返す
func (c *Controller) FlushParamStats(ctx context.Context, keys []string) (map[string]map[string]string, error) {
	servers := c.rc.Topology.Servers
	out := make(map[string]map[string]string, len(servers))
	err := forEachServer(servers, func(s mgmt.Server) error {
		stats, err := c.api.NodeStats(ctx, s, c.rc.Bucket)
		if err != nil {
			return err
		}
		got := make(map[string]string, len(keys))
		for _, k := range keys {
			got["ep_"+k] = stats["ep_"+k]
			logger.Info(s.IP, "ep_%s = %s", k, stats["ep_"+k])
		}
		out[s.IP] = got
		return nil
	})
	return out, err
}

func hostFor(s mgmt.Server) remote.Host {
	return remote.Host{IP: s.IP, User: s.SSHUsername, Password: s.SSHPassword}
}

func (c *Controller) withShell(ctx context.Context, host remote.Host, fn func(remote.Shell) error) error {
	if c.shells == nil {
		return fmt.Errorf("no remote shell connector configured")
	}
	sh, err := c.shells.Connect(ctx, host)
	if err != nil {
		return err
	}
	defer sh.Close()
	return fn(sh)
}

// StopServer はサーバープロセスを停止する
func (c *Controller) StopServer(ctx context.Context, s mgmt.Server) error {
	return c.withShell(ctx, hostFor(s), func(sh remote.Shell) error {
		return sh.StopServer(ctx)
	})
}

// StartServer はサーバープロセスを起動する
func (c *Controller) StartServer(ctx context.Context, s mgmt.Server) error {
	return c.withShell(ctx, hostFor(s), func(sh remote.Shell) error {
		return sh.StartServer(ctx)
	})
}

// RestartCluster は全サーバーを停止してから起動する
func (c *Controller) RestartCluster(ctx context.Context) error {
	servers := c.rc.Topology.Servers
	if err := forEachServer(servers, func(s mgmt.Server) error { return c.StopServer(ctx, s) }); err != nil {
		return fmt.Errorf("stop cluster: %w", err)
	}
	if err := forEachServer(servers, func(s mgmt.Server) error { return c.StartServer(ctx, s) }); err != nil {
		return fmt.Errorf("start cluster: %w", err)
	}
	return nil
}

// SetAsyncThreshold はerlang asyncスレッド数を original から modified に変更し、
// クラスタを再起動してウォームアップ完了を待つ
func (c *Controller) SetAsyncThreshold(ctx context.Context, original, modified int) error {
	logger.Info("", "Changing async threads %d -> %d", original, modified)
	err := forEachServer(c.rc.Topology.Servers, func(s mgmt.Server) error {
		return c.api.SetAsyncThreads(ctx, s, modified)
	})
	if err != nil {
		return fmt.Errorf("set async threads: %w", err)
	}

	if err := c.RestartCluster(ctx); err != nil {
		return err
	}
	if err := sleep(ctx, c.settle); err != nil {
		return err
	}
	return c.WaitUntilWarmedUp(ctx)
}

// RestartGateways は全ゲートウェイを停止・再起動する
func (c *Controller) RestartGateways(ctx context.Context) error {
	primary, err := c.primary()
	if err != nil {
		return err
	}
	spec := remote.GatewaySpec{
		Bucket:     c.rc.Bucket,
		ClusterURL: fmt.Sprintf("http://%s/pools/default/bucketsStreaming/%s", primary.RestAddr(), c.rc.Bucket),
	}

	var result error
	for _, g := range c.rc.Topology.Gateways {
		spec.Port = g.Port
		if spec.Port <= 0 {
			spec.Port = mgmt.DefaultGatewayPort
		}
		host := remote.Host{IP: g.IP, User: g.SSHUsername, Password: g.SSHPassword}
		err := c.withShell(ctx, host, func(sh remote.Shell) error {
			if err := sh.StopGateway(ctx); err != nil {
				return err
			}
			return sh.StartGateway(ctx, spec)
		})
		if err != nil {
			result = fmt.Errorf("gateway %s: %w", g.IP, err)
			logger.Error(g.IP, "Gateway restart failed: %v", err)
			continue
		}
		logger.Info(g.IP, "Gateway restarted on port %d", spec.Port)
	}
	return result
}

// Failover はノードをフェイルオーバーする
func (c *Controller) Failover(ctx context.Context, ip string) error {
	members, err := c.memberIPs(ctx)
	if err != nil {
		return err
	}
	st, ok := members[ip]
	if !ok {
		return fmt.Errorf("failover %s: not a cluster member", ip)
	}
	if err := c.api.FailoverNode(ctx, st.ID); err != nil {
		return fmt.Errorf("failover %s: %w", ip, err)
	}
	c.bus.Publish(events.NewFaultEvent(ip, events.FaultFailover))
	logger.Warn(ip, "Failed over")
	return nil
}

// AddBack はフェイルオーバーしたノードを戻してリバランスする
func (c *Controller) AddBack(ctx context.Context, ip string) error {
	members, err := c.memberIPs(ctx)
	if err != nil {
		return err
	}
	st, ok := members[ip]
	if !ok {
		return fmt.Errorf("add back %s: not a cluster member", ip)
	}
	if err := c.api.AddBackNode(ctx, st.ID); err != nil {
		return fmt.Errorf("add back %s: %w", ip, err)
	}
	if err := c.rebalance(ctx, nil); err != nil {
		return err
	}
	c.bus.Publish(events.NewFaultClearedEvent(ip, events.FaultFailover))
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// StopGateways は全ゲートウェイを停止する
func (c *Controller) StopGateways(ctx context.Context) error {
	var result *multierror.Error
	for _, g := range c.rc.Topology.Gateways {
		host := remote.Host{IP: g.IP, User: g.SSHUsername, Password: g.SSHPassword}
		err := c.withShell(ctx, host, func(sh remote.Shell) error {
			return sh.StopGateway(ctx)
		})
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("gateway %s: %w", g.IP, err))
		}
	}
	return result.ErrorOrNil()
}

// RestoreDataset はクラスタを停止し、各サーバーのデータディレクトリに
// データセットを展開してから起動し直す
func (c *Controller) RestoreDataset(ctx context.Context, url string) error {
	servers := c.rc.Topology.Servers
	if err := forEachServer(servers, func(s mgmt.Server) error { return c.StopServer(ctx, s) }); err != nil {
		return fmt.Errorf("stop cluster: %w", err)
	}
	err := forEachServer(servers, func(s mgmt.Server) error {
		return c.withShell(ctx, hostFor(s), func(sh remote.Shell) error {
			return sh.FetchDataset(ctx, url, s.DataPath)
		})
	})
	if err != nil {
		return fmt.Errorf("restore dataset %s: %w", url, err)
	}
	if err := forEachServer(servers, func(s mgmt.Server) error { return c.StartServer(ctx, s) }); err != nil {
		return fmt.Errorf("start cluster: %w", err)
	}
	logger.Info("", "Dataset %s restored on %d servers", url, len(servers))
	return nil
}

// FlushOSCaches は各サーバーのページキャッシュを破棄する
func (c *Controller) FlushOSCaches(ctx context.Context) error {
	return forEachServer(c.rc.Topology.Servers, func(s mgmt.Server) error {
		return c.withShell(ctx, hostFor(s), func(sh remote.Shell) error {
			_, err := sh.Execute(ctx, "sync; echo 3 > /proc/sys/vm/drop_caches")
			return err
		})
	})
}

// Settle は再起動後の待ち時間だけ待つ
func (c *Controller) Settle(ctx context.Context) error {
	return sleep(ctx, c.settle)
}
