package memcached

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"kvperf/internal/loadgen"
	"kvperf/internal/mgmt"
	"kvperf/internal/target"
	"kvperf/internal/workload"
)

// DefaultTimeout は1バッチあたりのI/Oタイムアウト
const DefaultTimeout = 30 * time.Second

// ErrNoVBucketOwner はvbucketにアクティブノードが割り当てられていないことを表す
var ErrNoVBucketOwner = errors.New("memcached: vbucket has no active node")

// VBucketSource はスマートクライアント接続のためのvbucketマップ取得元
type VBucketSource interface {
	VBucketMap(ctx context.Context, bucket string) (*mgmt.VBucketMap, error)
}

// Dialer は memcached-binary と membase-binary のエンドポイントに接続する
type Dialer struct {
	Timeout time.Duration
	Bucket  string
	// VBuckets は membase-binary でvbucketマップを取得するのに使う
	VBuckets VBucketSource
}

// Dial はエンドポイントのプロトコルファミリに応じた接続を返す
func (d *Dialer) Dial(ctx context.Context, ep target.Endpoint, _ workload.Config) (loadgen.Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	switch ep.Family {
	case "memcached-binary":
		c := newConn(ep.HostPort, timeout, ep.User, ep.Password)
		c.mu.Lock()
		err := c.connect(ctx)
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return &single{c: c}, nil

	case "membase-binary":
		if d.VBuckets == nil {
			return nil, fmt.Errorf("membase-binary needs a vbucket map source")
		}
		bucket := d.Bucket
		if bucket == "" {
			bucket = "default"
		}
		m, err := d.VBuckets.VBucketMap(ctx, bucket)
		if err != nil {
			return nil, fmt.Errorf("fetch vbucket map for %s: %w", bucket, err)
		}
		r := &routed{vbmap: m, conns: make([]*conn, len(m.Servers))}
		for i, addr := range m.Servers {
			r.conns[i] = newConn(addr, timeout, ep.User, ep.Password)
		}
		return r, nil

	default:
		return nil, fmt.Errorf("%w: %s", loadgen.ErrUnsupportedProtocol, ep.Family)
	}
}

// single は1ノード（またはゲートウェイ）への接続
type single struct {
	c *conn
}

func (s *single) Do(ctx context.Context, ops []loadgen.Op) []loadgen.Result {
	results := make([]loadgen.Result, len(ops))
	idx := make([]int, len(ops))
	for i := range idx {
		idx[i] = i
	}
	s.c.do(ctx, ops, idx, results)
	return results
}

func (s *single) Close() error {
	return s.c.close()
}

// routed はvbucketマップに従って各ノードへ直接送る接続
type routed struct {
	vbmap *mgmt.VBucketMap
	conns []*conn
}

func (r *routed) Do(ctx context.Context, ops []loadgen.Op) []loadgen.Result {
	results := make([]loadgen.Result, len(ops))
	groups := make(map[int][]int)

	for i, op := range ops {
		owner := -1
		if vb := int(op.VBucket); vb < len(r.vbmap.Map) && len(r.vbmap.Map[vb]) > 0 {
			owner = r.vbmap.Map[vb][0]
		}
		if owner < 0 || owner >= len(r.conns) {
			results[i].Err = fmt.Errorf("%w: vbucket %d", ErrNoVBucketOwner, op.VBucket)
			continue
		}
		groups[owner] = append(groups[owner], i)
	}

	var g errgroup.Group
	for owner, idx := range groups {
		g.Go(func() error {
			r.conns[owner].do(ctx, ops, idx, results)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *routed) Close() error {
	var errs []error
	for _, c := range r.conns {
		if err := c.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
