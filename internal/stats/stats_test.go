package stats

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvperf/internal/cluster"
	"kvperf/internal/events"
	"kvperf/internal/mgmt"
	"kvperf/internal/node"
	"kvperf/internal/workload"
)

func sample(gets, sets uint64) workload.Sample {
	end := time.Now()
	return workload.Sample{Gets: gets, Sets: sets, Start: end.Add(-time.Millisecond), End: end}
}

func TestDisabledCollector(t *testing.T) {
	c := NewCollector(Options{})

	s, err := c.Open(context.Background(), SessionOptions{TestName: "NPP-01.load"})
	require.NoError(t, err)
	assert.Nil(t, s)

	assert.NoError(t, s.RecordOps(sample(1, 1)))
	assert.Empty(t, s.ID())
	r, err := s.Close(workload.Ops{})
	assert.NoError(t, err)
	assert.Nil(t, r)
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	s, err := c.Open(context.Background(), SessionOptions{})
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Nil(t, c.Current())
}

func TestSessionLifecycle(t *testing.T) {
	c := NewCollector(Options{Enabled: true})
	ctx := context.Background()

	s, err := c.Open(ctx, SessionOptions{TestName: "NPP-01.loop"})
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.NotEmpty(t, s.ID())
	assert.Same(t, s, c.Current())

	_, err = c.Open(ctx, SessionOptions{TestName: "other"})
	assert.ErrorIs(t, err, ErrSessionOpen)

	require.NoError(t, s.RecordOps(sample(10, 5)))
	totals := workload.Ops{TotGets: 10, TotSets: 5}
	r, err := s.Close(totals)
	require.NoError(t, err)
	assert.Equal(t, "NPP-01.loop", r.Test)
	assert.Equal(t, uint64(15), r.Latency.TotalOps)
	assert.Equal(t, totals, r.Ops)
	assert.Empty(t, r.Path)
	assert.Nil(t, c.Current())

	assert.ErrorIs(t, s.RecordOps(sample(1, 0)), ErrSessionClosed)
	_, err = s.Close(totals)
	assert.ErrorIs(t, err, ErrSessionClosed)

	// 同じテスト名でもう一度開ける
	s2, err := c.Open(ctx, SessionOptions{TestName: "NPP-01.loop"})
	require.NoError(t, err)
	_, err = s2.Close(workload.Ops{})
	require.NoError(t, err)
	assert.Len(t, c.Reports(), 2)
}

func TestConcurrentRecordOps(t *testing.T) {
	c := NewCollector(Options{Enabled: true})
	s, err := c.Open(context.Background(), SessionOptions{TestName: "VP-001"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				_ = s.RecordOps(sample(1, 1))
			}
		}()
	}
	wg.Wait()

	r, err := s.Close(workload.Ops{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1600), r.Latency.TotalOps)
	assert.Equal(t, uint64(800), r.Latency.Samples)
}

func TestRecordRacesWithClose(t *testing.T) {
	c := NewCollector(Options{Enabled: true})
	s, err := c.Open(context.Background(), SessionOptions{TestName: "race"})
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted uint64
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				if s.RecordOps(sample(1, 0)) == nil {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}
		}()
	}
	r, err := s.Close(workload.Ops{})
	require.NoError(t, err)
	wg.Wait()

	// クローズ後に受け付けたサンプルはない
	assert.LessOrEqual(t, r.Latency.TotalOps, accepted)
	assert.Equal(t, accepted, s.Snapshot().TotalOps)
}

func TestPrometheusRegistration(t *testing.T) {
	c := NewCollector(Options{Enabled: true})
	s, err := c.Open(context.Background(), SessionOptions{TestName: "DRR-1M_2k"})
	require.NoError(t, err)
	require.NoError(t, s.RecordOps(sample(3, 2)))

	n, err := testutil.GatherAndCount(c.Registry(), "kvperf_ops_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.Close(workload.Ops{})
	require.NoError(t, err)
	n, err = testutil.GatherAndCount(c.Registry(), "kvperf_ops_total")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExportYAML(t *testing.T) {
	dir := t.TempDir()
	c := NewCollector(Options{Enabled: true, OutDir: dir})
	s, err := c.Open(context.Background(), SessionOptions{
		TestName:  "TS1.0 load",
		Reference: "TS1.0",
		Params:    map[string]any{"items": 1000},
		Servers:   []mgmt.Server{{IP: "10.0.0.1"}},
	})
	require.NoError(t, err)
	require.NoError(t, s.RecordOps(sample(4, 4)))

	r, err := s.Close(workload.Ops{TotSets: 4, TotGets: 4})
	require.NoError(t, err)
	require.NotEmpty(t, r.Path)
	assert.Equal(t, dir, filepath.Dir(r.Path))
	assert.Contains(t, filepath.Base(r.Path), "TS1.0_load-")

	loaded, err := LoadReport(r.Path)
	require.NoError(t, err)
	assert.Equal(t, "TS1.0", loaded.Reference)
	assert.Equal(t, []string{"10.0.0.1"}, loaded.Servers)
	assert.Equal(t, uint64(4), loaded.Ops.TotSets)
	assert.Equal(t, 1000, loaded.Params["items"])
}

func TestExportJSON(t *testing.T) {
	dir := t.TempDir()
	c := NewCollector(Options{Enabled: true, OutDir: dir, Format: FormatJSON})
	s, err := c.Open(context.Background(), SessionOptions{TestName: "WARM-01"})
	require.NoError(t, err)

	r, err := s.Close(workload.Ops{TotItems: 9})
	require.NoError(t, err)
	assert.Equal(t, ".json", filepath.Ext(r.Path))

	loaded, err := LoadReport(r.Path)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), loaded.Ops.TotItems)
	assert.Equal(t, r.ClientID, loaded.ClientID)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("yml")
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestServerSampling(t *testing.T) {
	cfg := cluster.DefaultConfig()
	cfg.Node = node.Config{FlushInterval: time.Millisecond, FlushBatch: 100, WarmupDelay: time.Millisecond}
	cl := cluster.New(cfg, "10.0.0.1")
	require.NoError(t, cl.StartAll(context.Background()))
	t.Cleanup(func() { _ = cl.StopAll() })

	bus := events.NewBus()
	defer bus.Close()
	ch := bus.Subscribe(events.EventStatsOpen, events.EventStatsClose)

	c := NewCollector(Options{Enabled: true, Shells: cl, Bus: bus})
	s, err := c.Open(context.Background(), SessionOptions{
		TestName:           "EA.B",
		Servers:            []mgmt.Server{{IP: "10.0.0.1"}},
		ProcessNames:       []string{"memcached", "beam.smp"},
		CollectServerStats: true,
		SampleInterval:     2 * time.Millisecond,
	})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	r, err := s.Close(workload.Ops{})
	require.NoError(t, err)
	require.NotEmpty(t, r.ServerSamples)
	first := r.ServerSamples[0]
	assert.Equal(t, "10.0.0.1", first.IP)
	require.Len(t, first.Processes, 2)
	assert.Equal(t, "memcached", first.Processes[0].Name)

	assert.Equal(t, events.EventStatsOpen, (<-ch).Type)
	assert.Equal(t, events.EventStatsClose, (<-ch).Type)
}
