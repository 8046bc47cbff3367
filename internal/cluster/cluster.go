// Package cluster provides an in-memory simulated cluster.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"kvperf/internal/logger"
	"kvperf/internal/mgmt"
	"kvperf/internal/node"
)

// DefaultZone はノード追加時に割り当てられるゾーン
const DefaultZone = "Group 1"

var (
	// ErrUnknownHost はプロビジョニングされていないIPが指定されたことを表す
	ErrUnknownHost = errors.New("host not provisioned")
	// ErrUnauthorized は認証情報が一致しないことを表す
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRebalanceRunning はリバランス実行中であることを表す
	ErrRebalanceRunning = errors.New("rebalance already running")
	// ErrConflict はデザインドキュメントのリビジョンが一致しないことを表す
	ErrConflict = errors.New("document revision conflict")
)

// Config はシミュレーションクラスタの設定
type Config struct {
	NumVBuckets int
	GatewayPort int
	Node        node.Config
	// RebalanceStep は1 vbucketの移動ごとの待ち時間
	RebalanceStep time.Duration
	// CompactionUnsupported は自動コンパクション設定を ErrUnsupported にする
	CompactionUnsupported bool
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		NumVBuckets: 64,
		GatewayPort: mgmt.DefaultGatewayPort,
		Node:        node.DefaultConfig(),
	}
}

type memberState int

const (
	memberPending memberState = iota // 追加済み、リバランス前
	memberActive
	memberFailed
)

type member struct {
	ip    string
	zone  string
	state memberState
}

type bucket struct {
	spec  mgmt.BucketSpec
	vbmap *mgmt.VBucketMap
	ddocs map[string]*mgmt.DesignDoc
}

// Ensure Cluster implements mgmt.API
var _ mgmt.API = (*Cluster)(nil)

// Cluster はプロビジョニングされたノード群とクラスタメンバーシップを管理する
type Cluster struct {
	cfg Config

	mu         sync.RWMutex
	ips        []string
	nodes      map[string]*node.Node
	members    []*member
	zones      []string
	bucket     *bucket
	user       string
	password   string
	compaction mgmt.CompactionSettings
	gateways   map[string]bool
	commands   map[string][]string

	rebalanceDone chan struct{}
	rebalanceErr  error

	ctx context.Context
}

// New はIPごとにノードをプロビジョニングしたクラスタを作成する
func New(cfg Config, ips ...string) *Cluster {
	if cfg.NumVBuckets <= 0 {
		cfg.NumVBuckets = DefaultConfig().NumVBuckets
	}
	if cfg.GatewayPort <= 0 {
		cfg.GatewayPort = mgmt.DefaultGatewayPort
	}
	c := &Cluster{
		cfg:      cfg,
		nodes:    make(map[string]*node.Node, len(ips)),
		zones:    []string{DefaultZone},
		gateways: make(map[string]bool),
		commands: make(map[string][]string),
		ctx:      context.Background(),
	}
	for _, ip := range ips {
		c.provision(ip)
	}
	return c
}

// FromTopology はトポロジの全サーバーをプロビジョニングしたクラスタを作成する
func FromTopology(t mgmt.Topology, cfg Config) *Cluster {
	ips := make([]string, 0, len(t.Servers))
	for _, s := range t.Servers {
		ips = append(ips, s.IP)
	}
	return New(cfg, ips...)
}

func (c *Cluster) provision(ip string) {
	if _, ok := c.nodes[ip]; ok {
		return
	}
	c.ips = append(c.ips, ip)
	c.nodes[ip] = node.New(ip, c.cfg.Node)
}

// Node はIPに対応するノードを返す
func (c *Cluster) Node(ip string) (*node.Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[ip]
	return n, ok
}

// Size はプロビジョニングされたノード数を返す
func (c *Cluster) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ips)
}

// RunningCount は実行中のノード数を返す
func (c *Cluster) RunningCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	count := 0
	for _, n := range c.nodes {
		if n.Status() == node.StatusRunning {
			count++
		}
	}
	return count
}

// Members はアクティブなクラスタメンバーのIPを返す
func (c *Cluster) Members() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	for _, m := range c.members {
		if m.state == memberActive {
			out = append(out, m.ip)
		}
	}
	return out
}

func (c *Cluster) allNodes() []*node.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()

	nodes := make([]*node.Node, 0, len(c.ips))
	for _, ip := range c.ips {
		nodes = append(nodes, c.nodes[ip])
	}
	return nodes
}

// StartAll は全てのノードを並列に起動する
func (c *Cluster) StartAll(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	nodes := c.allNodes()
	logger.Info("", "Starting all nodes in cluster (count: %d)", len(nodes))

	var g errgroup.Group
	for _, n := range nodes {
		g.Go(func() error {
			if n.Status() != node.StatusStopped {
				return nil
			}
			return n.Start(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("", "Failed to start nodes: %v", err)
		return fmt.Errorf("start nodes: %w", err)
	}

	logger.Info("", "All nodes started successfully")
	return nil
}

// StopAll は全てのノードを停止する
func (c *Cluster) StopAll() error {
	nodes := c.allNodes()
	logger.Info("", "Stopping all nodes in cluster (count: %d)", len(nodes))

	var wg sync.WaitGroup
	for _, n := range nodes {
		if n.Status() == node.StatusStopped {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := n.Stop(); err != nil {
				logger.Warn("", "Failed to stop %s: %v", n.ID(), err)
			}
		}()
	}
	wg.Wait()

	logger.Info("", "All nodes stopped")
	return nil
}

func otpNode(ip string) string {
	return "ns_1@" + ip
}

func ipOf(otp string) string {
	ip, _ := strings.CutPrefix(otp, "ns_1@")
	return ip
}

func dataAddr(ip string) string {
	return net.JoinHostPort(ip, strconv.Itoa(mgmt.DefaultDataPort))
}

func (c *Cluster) member(ip string) *member {
	for _, m := range c.members {
		if m.ip == ip {
			return m
		}
	}
	return nil
}

func (c *Cluster) checkAuth(user, password string) error {
	if c.user != "" && (user != c.user || password != c.password) {
		return ErrUnauthorized
	}
	return nil
}

// InitCluster は先頭ノードを単一ノードクラスタとして初期化する
func (c *Cluster) InitCluster(_ context.Context, user, password string, memoryQuotaMB int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.ips) == 0 {
		return mgmt.ErrEmptyTopology
	}
	c.user, c.password = user, password
	if len(c.members) == 0 {
		c.members = []*member{{ip: c.ips[0], zone: DefaultZone, state: memberActive}}
	}
	logger.Info(c.ips[0], "Cluster initialized (quota %dMB)", memoryQuotaMB)
	return nil
}

// CreateBucket はバケットを作成し、現在のメンバーにvbucketを割り当てる
// シミュレーションでは同時に1バケットのみ保持できる
func (c *Cluster) CreateBucket(_ context.Context, spec mgmt.BucketSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bucket != nil {
		return fmt.Errorf("bucket %s already exists", c.bucket.spec.Name)
	}
	if len(c.members) == 0 {
		return fmt.Errorf("cluster not initialized")
	}

	active := c.activeIPs()
	servers := make([]string, len(active))
	for i, ip := range active {
		servers[i] = dataAddr(ip)
	}
	c.bucket = &bucket{
		spec: spec,
		vbmap: &mgmt.VBucketMap{
			Servers: servers,
			Map:     placeVBuckets(c.cfg.NumVBuckets, spec.Replicas, active, c.zoneOf),
		},
		ddocs: make(map[string]*mgmt.DesignDoc),
	}
	logger.Info("", "Bucket %s created (replicas %d, vbuckets %d)", spec.Name, spec.Replicas, c.cfg.NumVBuckets)
	return nil
}

// DeleteBucket はバケットとその全データを削除する
func (c *Cluster) DeleteBucket(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bucket == nil || c.bucket.spec.Name != name {
		return fmt.Errorf("bucket %s: %w", name, mgmt.ErrNotFound)
	}
	for _, n := range c.nodes {
		for vb := range c.cfg.NumVBuckets {
			n.DropVBucket(uint16(vb))
		}
	}
	c.bucket = nil
	logger.Info("", "Bucket %s deleted", name)
	return nil
}

func (c *Cluster) lookupBucket(name string) (*bucket, error) {
	if c.bucket == nil || c.bucket.spec.Name != name {
		return nil, fmt.Errorf("bucket %s: %w", name, mgmt.ErrNotFound)
	}
	return c.bucket, nil
}

// GetBucket はバケットの状態を返す
func (c *Cluster) GetBucket(_ context.Context, name string) (*mgmt.Bucket, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b, err := c.lookupBucket(name)
	if err != nil {
		return nil, err
	}
	out := &mgmt.Bucket{Name: b.spec.Name, Replicas: b.spec.Replicas}
	for _, ip := range c.activeIPs() {
		out.Nodes = append(out.Nodes, mgmt.BucketNode{
			Hostname:    net.JoinHostPort(ip, strconv.Itoa(mgmt.DefaultRestPort)),
			IP:          ip,
			GatewayPort: c.cfg.GatewayPort,
		})
	}
	return out, nil
}

// VBucketMap はvbucketマップのコピーを返す
func (c *Cluster) VBucketMap(_ context.Context, name string) (*mgmt.VBucketMap, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b, err := c.lookupBucket(name)
	if err != nil {
		return nil, err
	}
	out := &mgmt.VBucketMap{
		Servers: slices.Clone(b.vbmap.Servers),
		Map:     make([][]int, len(b.vbmap.Map)),
	}
	for i, chain := range b.vbmap.Map {
		out.Map[i] = slices.Clone(chain)
	}
	return out, nil
}

// DatabaseDiskSize は全メンバーの永続化済みサイズの合計を返す
func (c *Cluster) DatabaseDiskSize(_ context.Context, name string) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, err := c.lookupBucket(name); err != nil {
		return 0, err
	}
	var total int64
	for _, m := range c.members {
		total += c.nodes[m.ip].DiskBytes()
	}
	return total, nil
}

// AddNode はノードをクラスタに追加する（リバランスまでは保留状態）
func (c *Cluster) AddNode(_ context.Context, user, password, ip string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkAuth(user, password); err != nil {
		return err
	}
	if _, ok := c.nodes[ip]; !ok {
		return fmt.Errorf("add node %s: %w", ip, ErrUnknownHost)
	}
	if c.member(ip) != nil {
		return fmt.Errorf("node %s is already a cluster member", ip)
	}
	c.members = append(c.members, &member{ip: ip, zone: DefaultZone, state: memberPending})
	logger.Info(ip, "Node added to cluster")
	return nil
}

func memberStatus(m *member, n *node.Node) string {
	switch m.state {
	case memberPending:
		return "inactiveAdded"
	case memberFailed:
		return "inactiveFailed"
	}
	switch n.Status() {
	case node.StatusRunning:
		return "healthy"
	case node.StatusWarmup:
		return "warmup"
	default:
		return "unhealthy"
	}
}

// NodeStatuses はクラスタメンバーの状態を返す
func (c *Cluster) NodeStatuses(_ context.Context) ([]mgmt.NodeStatus, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]mgmt.NodeStatus, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, mgmt.NodeStatus{
			ID:     otpNode(m.ip),
			IP:     m.ip,
			Status: memberStatus(m, c.nodes[m.ip]),
			Zone:   m.zone,
		})
	}
	return out, nil
}

func (c *Cluster) activeIPs() []string {
	var out []string
	for _, m := range c.members {
		if m.state == memberActive {
			out = append(out, m.ip)
		}
	}
	return out
}

func (c *Cluster) zoneOf(ip string) string {
	if m := c.member(ip); m != nil {
		return m.zone
	}
	return ""
}

// ZoneExists はゾーンが存在するかを返す
func (c *Cluster) ZoneExists(_ context.Context, zone string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Contains(c.zones, zone), nil
}

// AddZone はゾーンを作成する
func (c *Cluster) AddZone(_ context.Context, zone string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if slices.Contains(c.zones, zone) {
		return fmt.Errorf("zone %q already exists", zone)
	}
	c.zones = append(c.zones, zone)
	logger.Info("", "Zone %q created", zone)
	return nil
}

// DeleteZone は空のゾーンを削除する
func (c *Cluster) DeleteZone(_ context.Context, zone string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := slices.Index(c.zones, zone)
	if i < 0 {
		return fmt.Errorf("zone %q: %w", zone, mgmt.ErrNotFound)
	}
	for _, m := range c.members {
		if m.zone == zone {
			return fmt.Errorf("zone %q is not empty", zone)
		}
	}
	c.zones = slices.Delete(c.zones, i, i+1)
	logger.Info("", "Zone %q deleted", zone)
	return nil
}

// NodesInZone はゾーンに属するメンバーのIPを返す
func (c *Cluster) NodesInZone(_ context.Context, zone string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !slices.Contains(c.zones, zone) {
		return nil, fmt.Errorf("zone %q: %w", zone, mgmt.ErrNotFound)
	}
	var out []string
	for _, m := range c.members {
		if m.zone == zone {
			out = append(out, m.ip)
		}
	}
	return out, nil
}

// ShuffleNodesInZones はノードをゾーン間で移動する（vbucketの再配置はリバランスで行う）
func (c *Cluster) ShuffleNodesInZones(_ context.Context, ips []string, from, to string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !slices.Contains(c.zones, to) {
		return fmt.Errorf("zone %q: %w", to, mgmt.ErrNotFound)
	}
	for _, ip := range ips {
		m := c.member(ip)
		if m == nil {
			return fmt.Errorf("node %s is not a cluster member", ip)
		}
		if m.zone != from {
			return fmt.Errorf("node %s is in zone %q, not %q", ip, m.zone, from)
		}
	}
	for _, ip := range ips {
		c.member(ip).zone = to
	}
	logger.Info("", "Moved %v from %q to %q", ips, from, to)
	return nil
}

// SetAutoCompaction は自動コンパクション設定を保存する
func (c *Cluster) SetAutoCompaction(_ context.Context, settings mgmt.CompactionSettings) error {
	if c.cfg.CompactionUnsupported {
		return fmt.Errorf("auto-compaction: %w", mgmt.ErrUnsupported)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compaction = settings
	logger.Info("", "Auto-compaction set (parallel=%t, db=%.2f%%)", settings.Parallel, settings.DBFragmentThreshold)
	return nil
}

// Compaction は現在の自動コンパクション設定を返す
func (c *Cluster) Compaction() mgmt.CompactionSettings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.compaction
}

func (c *Cluster) nodeFor(server mgmt.Server, bucketName string) (*node.Node, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, err := c.lookupBucket(bucketName); err != nil {
		return nil, err
	}
	n, ok := c.nodes[server.IP]
	if !ok {
		return nil, fmt.Errorf("%s: %w", server.IP, ErrUnknownHost)
	}
	return n, nil
}

// FlushControl はノードのフラッシャーを停止/再開する
func (c *Cluster) FlushControl(_ context.Context, server mgmt.Server, bucketName string, action mgmt.FlushAction) error {
	n, err := c.nodeFor(server, bucketName)
	if err != nil {
		return err
	}
	switch action {
	case mgmt.FlushStop:
		n.SetFlushing(false)
	case mgmt.FlushStart:
		n.SetFlushing(true)
	default:
		return fmt.Errorf("unknown flush action %q", action)
	}
	return nil
}

// SetFlushParam はノードのフラッシュパラメータを設定する
func (c *Cluster) SetFlushParam(_ context.Context, server mgmt.Server, bucketName, key, value string) error {
	n, err := c.nodeFor(server, bucketName)
	if err != nil {
		return err
	}
	n.SetParam(key, value)
	return nil
}

// SetAsyncThreads はノードのasyncスレッド数を設定する
func (c *Cluster) SetAsyncThreads(_ context.Context, server mgmt.Server, threads int) error {
	c.mu.RLock()
	n, ok := c.nodes[server.IP]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", server.IP, ErrUnknownHost)
	}
	n.SetAsyncThreads(threads)
	return nil
}

// NodeStats はノードのep-engine統計値を返す
func (c *Cluster) NodeStats(_ context.Context, server mgmt.Server, bucketName string) (map[string]string, error) {
	n, err := c.nodeFor(server, bucketName)
	if err != nil {
		return nil, err
	}
	return n.Stats(), nil
}
