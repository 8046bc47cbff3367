// Package target resolves a protocol selector and cluster topology into the
// endpoint handed to the workload generator.
package target

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"kvperf/internal/mgmt"
)

// ErrMalformedSelector はプロトコル指定子を解釈できないことを表す
var ErrMalformedSelector = errors.New("malformed protocol selector")

const defaultScheme = "membase"

// Endpoint は負荷生成器に渡す接続先
type Endpoint struct {
	Family   string `yaml:"protocol" json:"protocol"`
	HostPort string `yaml:"host_port" json:"host_port"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"-" json:"-"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s %s %s", e.Family, e.HostPort, e.User)
}

// IsMembase はvbucket対応のスマートクライアント系プロトコルかを返す
func (e Endpoint) IsMembase() bool {
	return strings.HasPrefix(e.Family, "membase-")
}

// BucketLookup はゲートウェイポートの問い合わせに使うAPI
type BucketLookup interface {
	GetBucket(ctx context.Context, name string) (*mgmt.Bucket, error)
}

// Options は解決時の追加パラメータ
type Options struct {
	Override string // 明示的な host:port（moxiパラメータ）
	Bucket   string
	Lookup   BucketLookup
}

// Resolve はプロトコル指定子からエンドポイントを求める
// 副作用はゲートウェイポートの問い合わせ（読み取りのみ）に限られる
func Resolve(ctx context.Context, selector string, topology mgmt.Topology, useDirect bool, opts Options) (Endpoint, error) {
	if strings.Contains(selector, "://") {
		return parseURI(selector)
	}

	if selector == "" {
		return Endpoint{}, fmt.Errorf("%w: empty selector", ErrMalformedSelector)
	}

	hostPort, err := targetHostPort(ctx, topology, useDirect, opts)
	if err != nil {
		return Endpoint{}, err
	}

	return Endpoint{
		Family:   "memcached-" + selector,
		HostPort: hostPort,
	}, nil
}

// parseURI は scheme://[user[:pass]@]host[:port] 形式を解釈する
// ポートは常に管理ポート8091に置き換える
func parseURI(selector string) (Endpoint, error) {
	scheme, rest, _ := strings.Cut(selector, "://")
	if strings.Contains(rest, "://") {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrMalformedSelector, selector)
	}

	// スキームを省略した "://host" は membase として扱う
	if scheme == "" {
		scheme = defaultScheme
	}
	parts := strings.Split(scheme+"-binary", "-")
	family := strings.Join(parts[:2], "-")

	u, err := url.Parse("selector://" + rest)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %q: %v", ErrMalformedSelector, selector, err)
	}
	host := u.Hostname()
	if host == "" {
		return Endpoint{}, fmt.Errorf("%w: no host in %q", ErrMalformedSelector, selector)
	}

	ep := Endpoint{
		Family:   family,
		HostPort: net.JoinHostPort(host, strconv.Itoa(mgmt.DefaultRestPort)),
	}
	if u.User != nil {
		ep.User = u.User.Username()
		ep.Password, _ = u.User.Password()
	}
	return ep, nil
}

// targetHostPort は素のプロトコル名に対する接続先を優先順位に従って決める
func targetHostPort(ctx context.Context, topology mgmt.Topology, useDirect bool, opts Options) (string, error) {
	if opts.Override != "" {
		return opts.Override, nil
	}

	if useDirect {
		primary, err := topology.Primary()
		if err != nil {
			return "", err
		}
		return primary.DataAddr(), nil
	}

	if len(topology.Gateways) > 0 {
		return topology.Gateways[0].Addr(), nil
	}

	primary, err := topology.Primary()
	if err != nil {
		return "", err
	}
	if opts.Lookup == nil {
		return "", fmt.Errorf("no gateway configured and no cluster to query for %s", primary.IP)
	}

	bucket := opts.Bucket
	if bucket == "" {
		bucket = "default"
	}
	b, err := opts.Lookup.GetBucket(ctx, bucket)
	if err != nil {
		return "", fmt.Errorf("failed to query bucket %s for gateway port: %w", bucket, err)
	}
	if len(b.Nodes) == 0 {
		return "", fmt.Errorf("bucket %s has no nodes", bucket)
	}

	return net.JoinHostPort(primary.IP, strconv.Itoa(b.Nodes[0].GatewayPort)), nil
}

// MultiNodeSelector はマルチノード構成で使うプロトコル指定子を返す
// override が空でなければそれを優先する
func MultiNodeSelector(topology mgmt.Topology, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	primary, err := topology.Primary()
	if err != nil {
		return "", err
	}
	return "membase-binary://" + net.JoinHostPort(primary.IP, strconv.Itoa(mgmt.DefaultRestPort)), nil
}
