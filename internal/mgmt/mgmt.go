// Package mgmt defines the harness's view of the cluster management interface.
package mgmt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

const (
	// DefaultRestPort は管理REST APIのポート
	DefaultRestPort = 8091
	// DefaultDataPort はmemcachedバイナリプロトコルの直接ポート
	DefaultDataPort = 11210
	// DefaultGatewayPort はゲートウェイ(moxi)のポート
	DefaultGatewayPort = 11211
)

var (
	// ErrUnsupported はクラスタのビルドが機能をサポートしていないことを表す
	ErrUnsupported = errors.New("feature not supported by cluster")
	// ErrNotFound はリソースが存在しないことを表す
	ErrNotFound = errors.New("not found")
	// ErrEmptyTopology はサーバーが1台も設定されていないことを表す
	ErrEmptyTopology = errors.New("topology has no servers")
)

// Server はクラスタノードの記述子
type Server struct {
	IP           string `yaml:"ip" json:"ip"`
	Port         int    `yaml:"port" json:"port"`
	RestUsername string `yaml:"rest_username" json:"rest_username"`
	RestPassword string `yaml:"rest_password" json:"rest_password"`
	SSHUsername  string `yaml:"ssh_username" json:"ssh_username"`
	SSHPassword  string `yaml:"ssh_password" json:"ssh_password"`
	DataPath     string `yaml:"data_path" json:"data_path"`
}

// RestPort は管理ポートを返す（未設定なら8091）
func (s Server) RestPort() int {
	if s.Port > 0 {
		return s.Port
	}
	return DefaultRestPort
}

// RestAddr は管理APIの host:port を返す
func (s Server) RestAddr() string {
	return net.JoinHostPort(s.IP, strconv.Itoa(s.RestPort()))
}

// DataAddr はデータポートの host:port を返す
func (s Server) DataAddr() string {
	return net.JoinHostPort(s.IP, strconv.Itoa(DefaultDataPort))
}

// Gateway はプロキシ/ゲートウェイノード（moxi）の記述子
type Gateway struct {
	IP          string `yaml:"ip" json:"ip"`
	Port        int    `yaml:"port" json:"port"`
	SSHUsername string `yaml:"ssh_username" json:"ssh_username"`
	SSHPassword string `yaml:"ssh_password" json:"ssh_password"`
}

// Addr はゲートウェイの host:port を返す
func (g Gateway) Addr() string {
	port := g.Port
	if port <= 0 {
		port = DefaultGatewayPort
	}
	return net.JoinHostPort(g.IP, strconv.Itoa(port))
}

// Topology はクラスタを構成するサーバーの順序付きリスト
type Topology struct {
	Servers  []Server  `yaml:"servers" json:"servers"`
	Gateways []Gateway `yaml:"gateways" json:"gateways"`
}

// Primary は先頭のサーバー（マスター）を返す
func (t Topology) Primary() (Server, error) {
	if len(t.Servers) == 0 {
		return Server{}, ErrEmptyTopology
	}
	return t.Servers[0], nil
}

// BucketSpec はバケット作成パラメータ
type BucketSpec struct {
	Name       string
	RAMQuotaMB int
	Replicas   int
}

// BucketNode はバケットを提供するノード
type BucketNode struct {
	Hostname    string
	IP          string
	GatewayPort int
}

// Bucket はバケットの状態
type Bucket struct {
	Name     string
	Replicas int
	Nodes    []BucketNode
}

// VBucketMap はvbucketの配置
// Map[vb][0] がアクティブ、以降がレプリカ。値はServersのインデックス（-1は未割当）
type VBucketMap struct {
	Servers []string
	Map     [][]int
}

// NumVBuckets はvbucket数を返す
func (m *VBucketMap) NumVBuckets() int {
	if m == nil {
		return 0
	}
	return len(m.Map)
}

// NodeStatus はクラスタメンバーの状態
type NodeStatus struct {
	ID     string // otpNode
	IP     string
	Status string
	Zone   string
}

// CompactionSettings は自動コンパクション設定
type CompactionSettings struct {
	Parallel              bool
	DBFragmentThreshold   float64
	ViewFragmentThreshold float64
}

// FlushAction はflushctlの操作
type FlushAction string

const (
	FlushStop  FlushAction = "stop"
	FlushStart FlushAction = "start"
)

// DesignDoc はビュー定義を含むデザインドキュメント
type DesignDoc struct {
	ID    string
	Rev   string
	Views map[string]View
}

// View はmap/reduce関数の組
type View struct {
	Map    string `json:"map"`
	Reduce string `json:"reduce,omitempty"`
}

// ViewRow はビュークエリ結果の1行
type ViewRow struct {
	ID    string `json:"id,omitempty"`
	Key   any    `json:"key"`
	Value any    `json:"value"`
}

// ViewResult はビュークエリ結果
type ViewResult struct {
	TotalRows int       `json:"total_rows"`
	Rows      []ViewRow `json:"rows"`
}

// ViewQuery はビュークエリのパラメータ
type ViewQuery struct {
	StartKey any
	EndKey   any
	Limit    int
	Timeout  time.Duration
}

// RebalanceFailedError はリバランス失敗を表す
type RebalanceFailedError struct {
	Reason string
}

func (e *RebalanceFailedError) Error() string {
	return fmt.Sprintf("rebalance failed: %s", e.Reason)
}

// API はクラスタ管理インターフェース
type API interface {
	InitCluster(ctx context.Context, user, password string, memoryQuotaMB int) error

	CreateBucket(ctx context.Context, spec BucketSpec) error
	DeleteBucket(ctx context.Context, name string) error
	GetBucket(ctx context.Context, name string) (*Bucket, error)
	VBucketMap(ctx context.Context, bucket string) (*VBucketMap, error)
	DatabaseDiskSize(ctx context.Context, bucket string) (int64, error)

	AddNode(ctx context.Context, user, password, ip string) error
	NodeStatuses(ctx context.Context) ([]NodeStatus, error)
	Rebalance(ctx context.Context, known, ejected []string) error
	MonitorRebalance(ctx context.Context) error
	FailoverNode(ctx context.Context, otpNode string) error
	AddBackNode(ctx context.Context, otpNode string) error

	ZoneExists(ctx context.Context, zone string) (bool, error)
	AddZone(ctx context.Context, zone string) error
	DeleteZone(ctx context.Context, zone string) error
	NodesInZone(ctx context.Context, zone string) ([]string, error)
	ShuffleNodesInZones(ctx context.Context, ips []string, from, to string) error

	SetAutoCompaction(ctx context.Context, settings CompactionSettings) error
	FlushControl(ctx context.Context, server Server, bucket string, action FlushAction) error
	SetFlushParam(ctx context.Context, server Server, bucket, key, value string) error
	SetAsyncThreads(ctx context.Context, server Server, threads int) error
	NodeStats(ctx context.Context, server Server, bucket string) (map[string]string, error)

	GetDesignDoc(ctx context.Context, bucket, name string) (*DesignDoc, error)
	PutDesignDoc(ctx context.Context, bucket string, doc DesignDoc) error
	QueryView(ctx context.Context, bucket, ddoc, view string, q ViewQuery) (*ViewResult, error)
}
