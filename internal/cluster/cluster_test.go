package cluster

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvperf/internal/loadgen"
	"kvperf/internal/mgmt"
	"kvperf/internal/node"
	"kvperf/internal/remote"
	"kvperf/internal/target"
	"kvperf/internal/workload"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NumVBuckets = 16
	cfg.Node = node.Config{
		FlushInterval: time.Millisecond,
		FlushBatch:    1000,
		WarmupDelay:   time.Millisecond,
	}
	return cfg
}

func testIPs(n int) []string {
	ips := make([]string, n)
	for i := range ips {
		ips[i] = fmt.Sprintf("10.0.0.%d", i+1)
	}
	return ips
}

// newTestCluster は全ノードを起動し、先頭ノードでクラスタとバケットを作る
func newTestCluster(t *testing.T, n, replicas int) *Cluster {
	t.Helper()
	c := New(testConfig(), testIPs(n)...)
	ctx := context.Background()

	require.NoError(t, c.StartAll(ctx))
	t.Cleanup(func() { _ = c.StopAll() })
	require.Eventually(t, func() bool { return c.RunningCount() == n }, time.Second, time.Millisecond)

	require.NoError(t, c.InitCluster(ctx, "Administrator", "password", 256))
	require.NoError(t, c.CreateBucket(ctx, mgmt.BucketSpec{Name: "default", Replicas: replicas}))
	return c
}

func rebalanceAll(t *testing.T, c *Cluster, ejected ...string) {
	t.Helper()
	ctx := context.Background()
	statuses, err := c.NodeStatuses(ctx)
	require.NoError(t, err)
	var known []string
	for _, s := range statuses {
		known = append(known, s.ID)
	}
	require.NoError(t, c.Rebalance(ctx, known, ejected))
	require.NoError(t, c.MonitorRebalance(ctx))
}

func dial(t *testing.T, c *Cluster, family string) loadgen.Conn {
	t.Helper()
	conn, err := c.Dial(context.Background(), target.Endpoint{Family: family}, workload.Config{})
	require.NoError(t, err)
	return conn
}

func writeKeys(t *testing.T, c *Cluster, n int, asJSON bool) []string {
	t.Helper()
	conn := dial(t, c, "membase-binary")
	keys := make([]string, n)
	ops := make([]loadgen.Op, n)
	for i := range ops {
		keys[i] = loadgen.PrepareKey(uint64(i), "")
		ops[i] = loadgen.Op{
			Kind:    loadgen.OpSet,
			Key:     keys[i],
			Value:   loadgen.Value(keys[i], 32, asJSON),
			VBucket: loadgen.VBucketOf(keys[i], testConfig().NumVBuckets),
		}
	}
	for i, r := range conn.Do(context.Background(), ops) {
		require.NoError(t, r.Err, "set %s", keys[i])
	}
	return keys
}

func readHits(t *testing.T, c *Cluster, keys []string) int {
	t.Helper()
	conn := dial(t, c, "memcached-binary")
	ops := make([]loadgen.Op, len(keys))
	for i, k := range keys {
		ops[i] = loadgen.Op{Kind: loadgen.OpGet, Key: k}
	}
	hits := 0
	for _, r := range conn.Do(context.Background(), ops) {
		require.NoError(t, r.Err)
		if r.Hit {
			hits++
		}
	}
	return hits
}

func TestNewCluster(t *testing.T) {
	c := New(testConfig(), "10.0.0.1", "10.0.0.2", "10.0.0.1")
	assert.Equal(t, 2, c.Size())
	assert.Zero(t, c.RunningCount())
	assert.Empty(t, c.Members())

	_, ok := c.Node("10.0.0.2")
	assert.True(t, ok)
}

func TestFromTopology(t *testing.T) {
	topo := mgmt.Topology{Servers: []mgmt.Server{{IP: "10.0.0.1"}, {IP: "10.0.0.2"}}}
	c := FromTopology(topo, testConfig())
	assert.Equal(t, 2, c.Size())
}

func TestInitClusterEmpty(t *testing.T) {
	c := New(testConfig())
	assert.ErrorIs(t, c.InitCluster(context.Background(), "u", "p", 100), mgmt.ErrEmptyTopology)
}

func TestBucketLifecycle(t *testing.T) {
	c := newTestCluster(t, 1, 1)
	ctx := context.Background()

	assert.Error(t, c.CreateBucket(ctx, mgmt.BucketSpec{Name: "other"}), "only one bucket at a time")

	b, err := c.GetBucket(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Replicas)
	require.Len(t, b.Nodes, 1)
	assert.Equal(t, "10.0.0.1", b.Nodes[0].IP)
	assert.Equal(t, mgmt.DefaultGatewayPort, b.Nodes[0].GatewayPort)

	m, err := c.VBucketMap(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 16, m.NumVBuckets())
	assert.Equal(t, []string{"10.0.0.1:11210"}, m.Servers)
	for _, chain := range m.Map {
		assert.Equal(t, []int{0, -1}, chain, "single node has no replica")
	}

	_, err = c.GetBucket(ctx, "missing")
	assert.ErrorIs(t, err, mgmt.ErrNotFound)

	require.NoError(t, c.DeleteBucket(ctx, "default"))
	assert.ErrorIs(t, c.DeleteBucket(ctx, "default"), mgmt.ErrNotFound)
}

func TestAddNodeAuth(t *testing.T) {
	c := newTestCluster(t, 2, 0)
	ctx := context.Background()

	assert.ErrorIs(t, c.AddNode(ctx, "Administrator", "wrong", "10.0.0.2"), ErrUnauthorized)
	assert.ErrorIs(t, c.AddNode(ctx, "Administrator", "password", "10.9.9.9"), ErrUnknownHost)
	require.NoError(t, c.AddNode(ctx, "Administrator", "password", "10.0.0.2"))
	assert.Error(t, c.AddNode(ctx, "Administrator", "password", "10.0.0.2"))

	statuses, err := c.NodeStatuses(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, "healthy", statuses[0].Status)
	assert.Equal(t, "inactiveAdded", statuses[1].Status)
	assert.Equal(t, "ns_1@10.0.0.2", statuses[1].ID)
	assert.Equal(t, DefaultZone, statuses[1].Zone)
}

func TestRebalanceInPreservesData(t *testing.T) {
	c := newTestCluster(t, 4, 1)
	ctx := context.Background()
	keys := writeKeys(t, c, 200, false)

	for _, ip := range testIPs(4)[1:] {
		require.NoError(t, c.AddNode(ctx, "Administrator", "password", ip))
	}
	rebalanceAll(t, c)

	assert.Equal(t, testIPs(4), c.Members())
	m, err := c.VBucketMap(ctx, "default")
	require.NoError(t, err)
	assert.Len(t, m.Servers, 4)

	owners := map[int]bool{}
	for _, chain := range m.Map {
		owners[chain[0]] = true
		assert.NotEqual(t, chain[0], chain[1], "replica must be on another node")
		assert.GreaterOrEqual(t, chain[1], 0)
	}
	assert.Len(t, owners, 4, "active vbuckets spread over every node")

	assert.Equal(t, len(keys), readHits(t, c, keys))
}

func TestRebalanceOut(t *testing.T) {
	c := newTestCluster(t, 3, 1)
	ctx := context.Background()
	for _, ip := range testIPs(3)[1:] {
		require.NoError(t, c.AddNode(ctx, "Administrator", "password", ip))
	}
	rebalanceAll(t, c)
	keys := writeKeys(t, c, 100, false)

	rebalanceAll(t, c, "ns_1@10.0.0.3")
	assert.Equal(t, testIPs(2), c.Members())

	n3, _ := c.Node("10.0.0.3")
	assert.Zero(t, n3.Size(), "ejected node holds no vbuckets")
	assert.Equal(t, len(keys), readHits(t, c, keys))
}

func TestRebalanceFailsOnStoppedNode(t *testing.T) {
	c := newTestCluster(t, 2, 1)
	ctx := context.Background()

	require.NoError(t, c.AddNode(ctx, "Administrator", "password", "10.0.0.2"))
	n2, _ := c.Node("10.0.0.2")
	require.NoError(t, n2.Stop())

	statuses, _ := c.NodeStatuses(ctx)
	require.NoError(t, c.Rebalance(ctx, []string{statuses[0].ID, statuses[1].ID}, nil))

	err := c.MonitorRebalance(ctx)
	var rf *mgmt.RebalanceFailedError
	require.True(t, errors.As(err, &rf), "got %v", err)
	assert.Contains(t, rf.Reason, "10.0.0.2")
	assert.Equal(t, []string{"10.0.0.1"}, c.Members())
}

func TestRebalanceRejectsUnknownNodes(t *testing.T) {
	c := newTestCluster(t, 1, 0)
	ctx := context.Background()
	assert.Error(t, c.Rebalance(ctx, []string{"ns_1@10.0.0.1", "ns_1@10.0.0.7"}, nil))
	assert.Error(t, c.Rebalance(ctx, []string{"ns_1@10.0.0.1"}, []string{"ns_1@10.0.0.1"}))
}

func TestZoneAwarePlacement(t *testing.T) {
	c := newTestCluster(t, 4, 1)
	ctx := context.Background()
	for _, ip := range testIPs(4)[1:] {
		require.NoError(t, c.AddNode(ctx, "Administrator", "password", ip))
	}
	require.NoError(t, c.AddZone(ctx, "Group 2"))
	require.NoError(t, c.ShuffleNodesInZones(ctx, []string{"10.0.0.2", "10.0.0.4"}, DefaultZone, "Group 2"))
	rebalanceAll(t, c)

	zoneOf := map[string]string{}
	for _, zone := range []string{DefaultZone, "Group 2"} {
		ips, err := c.NodesInZone(ctx, zone)
		require.NoError(t, err)
		require.Len(t, ips, 2)
		for _, ip := range ips {
			zoneOf[ip+":11210"] = zone
		}
	}

	m, err := c.VBucketMap(ctx, "default")
	require.NoError(t, err)
	for vb, chain := range m.Map {
		require.GreaterOrEqual(t, chain[1], 0, "vbucket %d has no replica", vb)
		assert.NotEqual(t, zoneOf[m.Servers[chain[0]]], zoneOf[m.Servers[chain[1]]], "vbucket %d", vb)
	}
}

func TestZones(t *testing.T) {
	c := newTestCluster(t, 2, 0)
	ctx := context.Background()

	ok, err := c.ZoneExists(ctx, DefaultZone)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.AddZone(ctx, "Group 2"))
	assert.Error(t, c.AddZone(ctx, "Group 2"))

	assert.Error(t, c.ShuffleNodesInZones(ctx, []string{"10.0.0.1"}, "Group 2", DefaultZone), "node is not in source zone")
	require.NoError(t, c.ShuffleNodesInZones(ctx, []string{"10.0.0.1"}, DefaultZone, "Group 2"))
	assert.Error(t, c.DeleteZone(ctx, "Group 2"), "zone is not empty")

	require.NoError(t, c.ShuffleNodesInZones(ctx, []string{"10.0.0.1"}, "Group 2", DefaultZone))
	require.NoError(t, c.DeleteZone(ctx, "Group 2"))
	assert.ErrorIs(t, c.DeleteZone(ctx, "Group 2"), mgmt.ErrNotFound)
	_, err = c.NodesInZone(ctx, "Group 2")
	assert.ErrorIs(t, err, mgmt.ErrNotFound)
}

func TestFailoverPromotesReplica(t *testing.T) {
	c := newTestCluster(t, 2, 1)
	ctx := context.Background()
	require.NoError(t, c.AddNode(ctx, "Administrator", "password", "10.0.0.2"))
	rebalanceAll(t, c)
	keys := writeKeys(t, c, 100, false)

	require.NoError(t, c.FailoverNode(ctx, "ns_1@10.0.0.2"))
	assert.Error(t, c.FailoverNode(ctx, "ns_1@10.0.0.1"), "last active node")
	assert.Equal(t, len(keys), readHits(t, c, keys), "replicas serve every key")

	statuses, _ := c.NodeStatuses(ctx)
	assert.Equal(t, "inactiveFailed", statuses[1].Status)

	require.NoError(t, c.AddBackNode(ctx, "ns_1@10.0.0.2"))
	assert.Error(t, c.AddBackNode(ctx, "ns_1@10.0.0.2"))
	rebalanceAll(t, c)
	assert.Equal(t, testIPs(2), c.Members())
	assert.Equal(t, len(keys), readHits(t, c, keys))
}

func TestFailoverWithoutAddBackEjects(t *testing.T) {
	c := newTestCluster(t, 2, 1)
	ctx := context.Background()
	require.NoError(t, c.AddNode(ctx, "Administrator", "password", "10.0.0.2"))
	rebalanceAll(t, c)

	require.NoError(t, c.FailoverNode(ctx, "ns_1@10.0.0.2"))
	rebalanceAll(t, c)
	assert.Equal(t, []string{"10.0.0.1"}, c.Members())
}

func TestKVOperations(t *testing.T) {
	c := newTestCluster(t, 1, 0)
	conn := dial(t, c, "memcached-binary")
	ctx := context.Background()

	res := conn.Do(ctx, []loadgen.Op{
		{Kind: loadgen.OpSet, Key: "a", Value: []byte("1")},
		{Kind: loadgen.OpGet, Key: "a"},
		{Kind: loadgen.OpGet, Key: "missing"},
		{Kind: loadgen.OpDelete, Key: "a"},
		{Kind: loadgen.OpGet, Key: "a"},
	})
	require.Len(t, res, 5)
	for _, r := range res {
		assert.NoError(t, r.Err)
	}
	assert.True(t, res[1].Hit)
	assert.Equal(t, []byte("1"), res[1].Value)
	assert.False(t, res[2].Hit)
	assert.True(t, res[3].Hit)
	assert.False(t, res[4].Hit)

	_, err := c.Dial(ctx, target.Endpoint{Family: "memcached-ascii"}, workload.Config{})
	assert.ErrorIs(t, err, loadgen.ErrUnsupportedProtocol)

	smart := dial(t, c, "membase-binary")
	res = smart.Do(ctx, []loadgen.Op{{Kind: loadgen.OpGet, Key: "a", VBucket: 999}})
	assert.Error(t, res[0].Err)
}

func TestKVStoppedNodeErrors(t *testing.T) {
	c := newTestCluster(t, 1, 0)
	n, _ := c.Node("10.0.0.1")
	require.NoError(t, n.Stop())

	res := dial(t, c, "memcached-binary").Do(context.Background(), []loadgen.Op{{Kind: loadgen.OpGet, Key: "a"}})
	assert.ErrorIs(t, res[0].Err, node.ErrNotRunning)
}

func TestCompaction(t *testing.T) {
	c := newTestCluster(t, 1, 0)
	ctx := context.Background()
	settings := mgmt.CompactionSettings{Parallel: true, DBFragmentThreshold: 0.01}
	require.NoError(t, c.SetAutoCompaction(ctx, settings))
	assert.Equal(t, settings, c.Compaction())

	cfg := testConfig()
	cfg.CompactionUnsupported = true
	unsupported := New(cfg, "10.0.0.1")
	assert.ErrorIs(t, unsupported.SetAutoCompaction(ctx, settings), mgmt.ErrUnsupported)
}

func TestFlushControlAndStats(t *testing.T) {
	c := newTestCluster(t, 1, 0)
	ctx := context.Background()
	server := mgmt.Server{IP: "10.0.0.1"}

	require.NoError(t, c.FlushControl(ctx, server, "default", mgmt.FlushStop))
	stats, err := c.NodeStats(ctx, server, "default")
	require.NoError(t, err)
	assert.Equal(t, "paused", stats["ep_flusher_state"])

	require.NoError(t, c.FlushControl(ctx, server, "default", mgmt.FlushStart))
	assert.Error(t, c.FlushControl(ctx, server, "default", "bogus"))

	require.NoError(t, c.SetFlushParam(ctx, server, "default", "max_txn_size", "1000"))
	require.NoError(t, c.SetAsyncThreads(ctx, server, 32))
	stats, err = c.NodeStats(ctx, server, "default")
	require.NoError(t, err)
	assert.Equal(t, "1000", stats["ep_max_txn_size"])
	assert.Equal(t, "32", stats["ep_async_threads"])

	_, err = c.NodeStats(ctx, mgmt.Server{IP: "10.9.9.9"}, "default")
	assert.ErrorIs(t, err, ErrUnknownHost)
	_, err = c.NodeStats(ctx, server, "missing")
	assert.ErrorIs(t, err, mgmt.ErrNotFound)
}

func TestDatabaseDiskSize(t *testing.T) {
	c := newTestCluster(t, 1, 0)
	writeKeys(t, c, 50, false)

	require.Eventually(t, func() bool {
		size, err := c.DatabaseDiskSize(context.Background(), "default")
		return err == nil && size > 0
	}, time.Second, time.Millisecond)
}

func TestShell(t *testing.T) {
	c := newTestCluster(t, 1, 0)
	ctx := context.Background()

	_, err := c.Connect(ctx, remote.Host{IP: "10.9.9.9"})
	assert.ErrorIs(t, err, ErrUnknownHost)

	sh, err := c.Connect(ctx, remote.Host{IP: "10.0.0.1"})
	require.NoError(t, err)
	defer sh.Close()

	info, err := sh.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "linux", info.Type)

	procs, err := sh.Processes(ctx, []string{"memcached", "beam.smp"})
	require.NoError(t, err)
	require.Len(t, procs, 2)
	assert.Equal(t, "memcached", procs[0].Name)
	assert.Positive(t, procs[0].RSSKB)

	require.NoError(t, sh.StartGateway(ctx, remote.GatewaySpec{Port: 11211, Bucket: "default"}))
	assert.True(t, c.GatewayRunning("10.0.0.1"))
	require.NoError(t, sh.StopGateway(ctx))
	assert.False(t, c.GatewayRunning("10.0.0.1"))

	assert.Error(t, sh.FetchDataset(ctx, "http://example/ds.tgz", "/data"), "server still running")
	require.NoError(t, sh.StopServer(ctx))
	n, _ := c.Node("10.0.0.1")
	assert.Equal(t, node.StatusStopped, n.Status())

	procs, err = sh.Processes(ctx, []string{"memcached"})
	require.NoError(t, err)
	assert.Empty(t, procs)

	require.NoError(t, sh.FetchDataset(ctx, "http://example/ds.tgz", "/data"))
	require.NoError(t, sh.StartServer(ctx))
	assert.NotEqual(t, node.StatusStopped, n.Status())

	assert.Contains(t, c.Commands("10.0.0.1"), "fetch http://example/ds.tgz -> /data")
}
