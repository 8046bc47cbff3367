package rest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/avast/retry-go/v4"

	"kvperf/internal/logger"
	"kvperf/internal/mgmt"
)

// DefaultRAMQuotaMB はバケット作成時のデフォルトのメモリ割当
const DefaultRAMQuotaMB = 256

var errRebalanceRunning = errors.New("rebalance running")

type bucketInfo struct {
	Name          string `json:"name"`
	ReplicaNumber int    `json:"replicaNumber"`
	Nodes         []struct {
		Hostname string `json:"hostname"`
		Ports    struct {
			Proxy  int `json:"proxy"`
			Direct int `json:"direct"`
		} `json:"ports"`
	} `json:"nodes"`
	VBucketServerMap struct {
		ServerList []string `json:"serverList"`
		VBucketMap [][]int  `json:"vBucketMap"`
	} `json:"vBucketServerMap"`
	BasicStats struct {
		DiskUsed int64 `json:"diskUsed"`
	} `json:"basicStats"`
}

type poolInfo struct {
	Nodes []struct {
		OTPNode           string `json:"otpNode"`
		Hostname          string `json:"hostname"`
		ClusterMembership string `json:"clusterMembership"`
		Status            string `json:"status"`
		ServerGroup       string `json:"serverGroup"`
	} `json:"nodes"`
}

type rebalanceProgress struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage"`
}

// hostOf は "ip:port" からIPを取り出す
func hostOf(hostname string) string {
	if h, _, err := net.SplitHostPort(hostname); err == nil {
		return h
	}
	return hostname
}

// InitCluster は管理者の資格情報とメモリ割当を設定する
func (c *Client) InitCluster(ctx context.Context, user, password string, memoryQuotaMB int) error {
	err := c.postForm(ctx, "/settings/web", url.Values{
		"username": {user},
		"password": {password},
		"port":     {"SAME"},
	})
	if err != nil {
		return fmt.Errorf("init cluster: %w", err)
	}
	c.mu.Lock()
	c.user, c.password = user, password
	c.mu.Unlock()

	if memoryQuotaMB > 0 {
		err := c.postForm(ctx, "/pools/default", url.Values{"memoryQuota": {strconv.Itoa(memoryQuotaMB)}})
		if err != nil {
			return fmt.Errorf("set memory quota: %w", err)
		}
	}
	logger.Info(c.ip, "Cluster initialized (quota %d MB)", memoryQuotaMB)
	return nil
}

// CreateBucket はmembaseバケットを作成する
func (c *Client) CreateBucket(ctx context.Context, spec mgmt.BucketSpec) error {
	quota := spec.RAMQuotaMB
	if quota <= 0 {
		quota = DefaultRAMQuotaMB
	}
	form := url.Values{
		"name":          {spec.Name},
		"bucketType":    {"membase"},
		"ramQuotaMB":    {strconv.Itoa(quota)},
		"replicaNumber": {strconv.Itoa(spec.Replicas)},
		"authType":      {"sasl"},
		"saslPassword":  {""},
	}
	if err := c.postForm(ctx, "/pools/default/buckets", form); err != nil {
		return fmt.Errorf("create bucket %s: %w", spec.Name, err)
	}
	logger.Info(c.ip, "Bucket %s created (replicas %d)", spec.Name, spec.Replicas)
	return nil
}

// DeleteBucket はバケットを削除する
func (c *Client) DeleteBucket(ctx context.Context, name string) error {
	err := c.request(ctx, "DELETE", c.base+"/pools/default/buckets/"+url.PathEscape(name), nil, "", nil)
	if err != nil {
		return fmt.Errorf("delete bucket %s: %w", name, err)
	}
	return nil
}

func (c *Client) bucket(ctx context.Context, name string) (*bucketInfo, error) {
	var info bucketInfo
	if err := c.get(ctx, "/pools/default/buckets/"+url.PathEscape(name), &info); err != nil {
		return nil, fmt.Errorf("bucket %s: %w", name, err)
	}
	return &info, nil
}

// GetBucket はバケットの状態を返す
func (c *Client) GetBucket(ctx context.Context, name string) (*mgmt.Bucket, error) {
	info, err := c.bucket(ctx, name)
	if err != nil {
		return nil, err
	}
	b := &mgmt.Bucket{Name: info.Name, Replicas: info.ReplicaNumber}
	for _, n := range info.Nodes {
		b.Nodes = append(b.Nodes, mgmt.BucketNode{
			Hostname:    n.Hostname,
			IP:          hostOf(n.Hostname),
			GatewayPort: n.Ports.Proxy,
		})
	}
	return b, nil
}

// VBucketMap はバケットのvbucket配置を返す
func (c *Client) VBucketMap(ctx context.Context, bucket string) (*mgmt.VBucketMap, error) {
	info, err := c.bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	return &mgmt.VBucketMap{
		Servers: info.VBucketServerMap.ServerList,
		Map:     info.VBucketServerMap.VBucketMap,
	}, nil
}

// DatabaseDiskSize はバケットのディスク使用量を返す
func (c *Client) DatabaseDiskSize(ctx context.Context, bucket string) (int64, error) {
	info, err := c.bucket(ctx, bucket)
	if err != nil {
		return 0, err
	}
	return info.BasicStats.DiskUsed, nil
}

// AddNode はノードをクラスタに追加する
func (c *Client) AddNode(ctx context.Context, user, password, ip string) error {
	err := c.postForm(ctx, "/controller/addNode", url.Values{
		"hostname": {ip},
		"user":     {user},
		"password": {password},
	})
	if err != nil {
		return fmt.Errorf("add node %s: %w", ip, err)
	}
	logger.Info(ip, "Node added to cluster")
	return nil
}

// NodeStatuses はクラスタメンバーの状態を返す
// clusterMembership が active 以外ならそれを Status とする
func (c *Client) NodeStatuses(ctx context.Context) ([]mgmt.NodeStatus, error) {
	var pool poolInfo
	if err := c.get(ctx, "/pools/default", &pool); err != nil {
		return nil, fmt.Errorf("node statuses: %w", err)
	}
	out := make([]mgmt.NodeStatus, 0, len(pool.Nodes))
	for _, n := range pool.Nodes {
		status := n.Status
		if n.ClusterMembership != "" && n.ClusterMembership != "active" {
			status = n.ClusterMembership
		}
		out = append(out, mgmt.NodeStatus{
			ID:     n.OTPNode,
			IP:     hostOf(n.Hostname),
			Status: status,
			Zone:   n.ServerGroup,
		})
	}
	return out, nil
}

// Rebalance はリバランスを開始する
func (c *Client) Rebalance(ctx context.Context, known, ejected []string) error {
	otps := func(nodes []string) string {
		out := make([]string, len(nodes))
		for i, n := range nodes {
			out[i] = otpNode(n)
		}
		return strings.Join(out, ",")
	}
	err := c.postForm(ctx, "/controller/rebalance", url.Values{
		"knownNodes":   {otps(known)},
		"ejectedNodes": {otps(ejected)},
	})
	if err != nil {
		return fmt.Errorf("rebalance: %w", err)
	}
	logger.Info(c.ip, "Rebalance started (known %d, ejected %v)", len(known), ejected)
	return nil
}

// MonitorRebalance はリバランスの完了をポーリングで待つ
func (c *Client) MonitorRebalance(ctx context.Context) error {
	var failed error
	err := retry.Do(
		func() error {
			var p rebalanceProgress
			if err := c.get(ctx, "/pools/default/rebalanceProgress", &p); err != nil {
				return retry.Unrecoverable(err)
			}
			if p.Status == "running" {
				return errRebalanceRunning
			}
			if p.ErrorMessage != "" {
				failed = &mgmt.RebalanceFailedError{Reason: p.ErrorMessage}
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(c.poll),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errRebalanceRunning) }),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("monitor rebalance: %w", err)
	}
	return failed
}

// FailoverNode はノードをフェイルオーバーする
func (c *Client) FailoverNode(ctx context.Context, otp string) error {
	if err := c.postForm(ctx, "/controller/failOver", url.Values{"otpNode": {otpNode(otp)}}); err != nil {
		return fmt.Errorf("failover %s: %w", otp, err)
	}
	return nil
}

// AddBackNode はフェイルオーバーしたノードを再追加する
func (c *Client) AddBackNode(ctx context.Context, otp string) error {
	if err := c.postForm(ctx, "/controller/reAddNode", url.Values{"otpNode": {otpNode(otp)}}); err != nil {
		return fmt.Errorf("add back %s: %w", otp, err)
	}
	return nil
}

// SetAutoCompaction は自動コンパクション設定を送る
// 対応していないビルドでは mgmt.ErrUnsupported を返す
func (c *Client) SetAutoCompaction(ctx context.Context, s mgmt.CompactionSettings) error {
	form := url.Values{}
	form.Set("parallelDBAndViewCompaction", strconv.FormatBool(s.Parallel))
	form.Set("databaseFragmentationThreshold[percentage]", strconv.FormatFloat(s.DBFragmentThreshold, 'f', -1, 64))
	if s.ViewFragmentThreshold > 0 {
		form.Set("viewFragmentationThreshold[percentage]", strconv.FormatFloat(s.ViewFragmentThreshold, 'f', -1, 64))
	}
	if err := c.postForm(ctx, "/controller/setAutoCompaction", form); err != nil {
		return unsupported("auto-compaction", err)
	}
	return nil
}

// SetAsyncThreads はノードのErlang asyncスレッド数を設定する
// 反映にはサーバーの再起動が必要
func (c *Client) SetAsyncThreads(ctx context.Context, server mgmt.Server, threads int) error {
	expr := fmt.Sprintf("ns_config:set({node, '%s', erl_async_threads}, %d).", otpNode(server.IP), threads)
	err := c.request(ctx, "POST", c.base+"/diag/eval", strings.NewReader(expr), "text/plain", nil)
	if err != nil {
		return unsupported("erlang async threads", err)
	}
	return nil
}
