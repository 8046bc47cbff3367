package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"kvperf/internal/loadgen"
	"kvperf/internal/node"
	"kvperf/internal/target"
	"kvperf/internal/workload"
)

// ErrNoActive はvbucketにアクティブノードがないことを表す
var ErrNoActive = errors.New("vbucket has no active node")

// Ensure Cluster implements loadgen.Dialer
var _ loadgen.Dialer = (*Cluster)(nil)

// Dial はシミュレーションクラスタへの接続を返す
// memcached-binary はゲートウェイ経由としてキーからvbucketを求め、
// membase-binary はクライアントが計算したvbucketをそのまま使う
func (c *Cluster) Dial(_ context.Context, ep target.Endpoint, _ workload.Config) (loadgen.Conn, error) {
	switch ep.Family {
	case "memcached-binary":
		return &kvConn{c: c, proxied: true}, nil
	case "membase-binary":
		return &kvConn{c: c}, nil
	default:
		return nil, fmt.Errorf("%w: %s", loadgen.ErrUnsupportedProtocol, ep.Family)
	}
}

type kvConn struct {
	c       *Cluster
	proxied bool
}

func (k *kvConn) Do(ctx context.Context, ops []loadgen.Op) []loadgen.Result {
	results := make([]loadgen.Result, len(ops))
	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		results[i] = k.c.apply(op, k.proxied)
	}
	return results
}

func (k *kvConn) Close() error {
	return nil
}

// route はvbucketのアクティブノードとレプリカノードを返す（c.mu を保持して呼ぶ）
func (c *Cluster) route(key string, vb uint16, proxied bool) (uint16, *node.Node, []*node.Node, error) {
	if c.bucket == nil {
		return 0, nil, nil, fmt.Errorf("no bucket")
	}
	m := c.bucket.vbmap
	if proxied {
		vb = loadgen.VBucketOf(key, len(m.Map))
	}
	if int(vb) >= len(m.Map) {
		return 0, nil, nil, fmt.Errorf("vbucket %d out of range (%d)", vb, len(m.Map))
	}

	chain := m.Map[vb]
	if chain[0] < 0 {
		return 0, nil, nil, fmt.Errorf("%w: vbucket %d", ErrNoActive, vb)
	}
	nodeAt := func(idx int) *node.Node {
		ip, _, _ := net.SplitHostPort(m.Servers[idx])
		return c.nodes[ip]
	}
	active := nodeAt(chain[0])
	var replicas []*node.Node
	for _, idx := range chain[1:] {
		if idx >= 0 {
			replicas = append(replicas, nodeAt(idx))
		}
	}
	return vb, active, replicas, nil
}

// apply は読み取りロックを保持したまま操作を実行し、リバランス中のvbucket移動と直列化する
func (c *Cluster) apply(op loadgen.Op, proxied bool) loadgen.Result {
	c.mu.RLock()
	defer c.mu.RUnlock()

	vb, active, replicas, err := c.route(op.Key, op.VBucket, proxied)
	if err != nil {
		return loadgen.Result{Err: err}
	}

	switch op.Kind {
	case loadgen.OpGet:
		v, ok, err := active.Get(vb, op.Key)
		return loadgen.Result{Hit: ok, Value: v, Err: err}

	case loadgen.OpSet:
		exp := time.Duration(op.Expiration) * time.Second
		if err := active.Set(vb, op.Key, op.Value, exp); err != nil {
			return loadgen.Result{Err: err}
		}
		for _, r := range replicas {
			_ = r.Set(vb, op.Key, op.Value, exp)
		}
		return loadgen.Result{Hit: true}

	case loadgen.OpDelete:
		ok, err := active.Delete(vb, op.Key)
		if err != nil {
			return loadgen.Result{Err: err}
		}
		for _, r := range replicas {
			_, _ = r.Delete(vb, op.Key)
		}
		return loadgen.Result{Hit: ok}

	default:
		return loadgen.Result{Err: fmt.Errorf("unknown op %v", op.Kind)}
	}
}
