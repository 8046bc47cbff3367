package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		FlushInterval: time.Millisecond,
		FlushBatch:    100,
		WarmupDelay:   5 * time.Millisecond,
	}
}

func startedNode(t *testing.T, cfg Config) *Node {
	t.Helper()
	n := New("10.0.0.1", cfg)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Stop() })
	require.Eventually(t, func() bool { return n.Status() == StatusRunning }, time.Second, time.Millisecond)
	return n
}

func TestNewNode(t *testing.T) {
	n := New("10.0.0.1", DefaultConfig())
	assert.Equal(t, "10.0.0.1", n.ID())
	assert.Equal(t, StatusStopped, n.Status())
}

func TestNodeLifecycle(t *testing.T) {
	cfg := fastConfig()
	cfg.WarmupDelay = 100 * time.Millisecond
	n := New("10.0.0.1", cfg)
	ctx := context.Background()

	require.NoError(t, n.Start(ctx))
	assert.Error(t, n.Start(ctx), "double start should fail")
	assert.Equal(t, "running", n.Stats()["ep_warmup_thread"])

	require.Eventually(t, func() bool {
		return n.Stats()["ep_warmup_thread"] == "complete"
	}, time.Second, time.Millisecond)
	assert.Equal(t, StatusRunning, n.Status())

	require.NoError(t, n.Stop())
	assert.Error(t, n.Stop(), "double stop should fail")
	assert.Equal(t, StatusStopped, n.Status())
}

func TestNodeRejectsDuringWarmup(t *testing.T) {
	cfg := fastConfig()
	cfg.WarmupDelay = time.Hour
	n := New("10.0.0.1", cfg)
	require.NoError(t, n.Start(context.Background()))
	defer n.Stop()

	err := n.Set(0, "k", []byte("v"), 0)
	assert.ErrorIs(t, err, ErrTempFail)
}

func TestNodeGetSetDelete(t *testing.T) {
	n := startedNode(t, fastConfig())

	require.NoError(t, n.Set(3, "k", []byte("v"), 0))
	v, ok, err := n.Get(3, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	_, ok, err = n.Get(4, "k")
	require.NoError(t, err)
	assert.False(t, ok, "key lives in vbucket 3 only")

	deleted, err := n.Delete(3, "k")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = n.Delete(3, "k")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestNodeExpiration(t *testing.T) {
	n := startedNode(t, fastConfig())

	require.NoError(t, n.Set(0, "short", []byte("v"), 10*time.Millisecond))
	require.NoError(t, n.Set(0, "long", []byte("v"), 0))
	assert.Equal(t, 2, n.Size())

	require.Eventually(t, func() bool { return n.Size() == 1 }, time.Second, time.Millisecond)
	_, ok, _ := n.Get(0, "short")
	assert.False(t, ok)
}

func TestNodeStoppedRejects(t *testing.T) {
	n := New("10.0.0.1", fastConfig())
	_, _, err := n.Get(0, "k")
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, n.Set(0, "k", nil, 0), ErrNotRunning)
}

func TestNodeSuspendResume(t *testing.T) {
	n := startedNode(t, fastConfig())

	require.NoError(t, n.Suspend())
	assert.Error(t, n.Suspend())
	assert.ErrorIs(t, n.Set(0, "k", nil, 0), ErrNotRunning)

	require.NoError(t, n.Resume())
	assert.Error(t, n.Resume())
	assert.NoError(t, n.Set(0, "k", nil, 0))
}

func TestNodeFlusherDrainsQueue(t *testing.T) {
	n := startedNode(t, fastConfig())

	for i := range 500 {
		require.NoError(t, n.Set(uint16(i%8), string(rune('a'+i%26))+string(rune(i)), []byte("value"), 0))
	}

	require.Eventually(t, func() bool {
		s := n.Stats()
		return s["ep_queue_size"] == "0" && s["ep_flusher_todo"] == "0"
	}, 2*time.Second, time.Millisecond)
	assert.Positive(t, n.DiskBytes())
}

func TestNodeClogHoldsQueue(t *testing.T) {
	n := startedNode(t, fastConfig())

	n.SetFlushing(false)
	for i := range 10 {
		require.NoError(t, n.Set(0, string(rune('a'+i)), []byte("v"), 0))
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "10", n.Stats()["ep_queue_size"])
	assert.Equal(t, "paused", n.Stats()["ep_flusher_state"])

	n.SetFlushing(true)
	require.Eventually(t, func() bool { return n.Stats()["ep_queue_size"] == "0" }, time.Second, time.Millisecond)
}

func TestNodeVBucketTransfer(t *testing.T) {
	src := startedNode(t, fastConfig())
	dst := New("10.0.0.2", fastConfig())

	require.NoError(t, src.Set(7, "a", []byte("1"), 0))
	require.NoError(t, src.Set(7, "b", []byte("2"), 0))

	data := src.ExportVBucket(7)
	dst.ImportVBucket(7, data)
	src.DropVBucket(7)

	assert.Zero(t, src.Size())
	assert.Equal(t, 2, dst.Size())

	seen := map[string]string{}
	dst.ForEach(7, func(k string, v []byte) { seen[k] = string(v) })
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, seen)
}

func TestNodeParamsInStats(t *testing.T) {
	n := New("10.0.0.1", fastConfig())
	n.SetParam("max_txn_size", "5000")
	n.SetAsyncThreads(16)

	s := n.Stats()
	assert.Equal(t, "5000", s["ep_max_txn_size"])
	assert.Equal(t, "16", s["ep_async_threads"])
}

func TestNodeConcurrentAccess(t *testing.T) {
	n := startedNode(t, fastConfig())

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				key := string(rune('A'+g)) + string(rune(i))
				_ = n.Set(uint16(g), key, []byte("v"), 0)
				_, _, _ = n.Get(uint16(g), key)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, n.Size())
}

func TestNodeDelay(t *testing.T) {
	n := startedNode(t, fastConfig())
	n.SetDelay(20 * time.Millisecond)

	start := time.Now()
	_, _, _ = n.Get(0, "k")
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}
