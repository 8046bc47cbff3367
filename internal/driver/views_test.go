package driver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvperf/internal/workload"
)

const emailMap = "function (doc) { emit(doc.email, null); }"

func viewParams() workload.Params {
	return workload.Params{"items": 200, "size": 128}
}

func TestViewFanOut(t *testing.T) {
	f := newFixture(t, 1, viewParams())

	ops, err := f.drv.ViewFanOut(context.Background(), ViewOptions{
		KeyMaker: "key_to_email",
		Map:      emailMap,
		Clients:  3,
		Ops:      20,
		Load:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(60), ops.TotViews)
	assert.Zero(t, ops.TotErrors)
	assert.False(t, ops.ViewBuildEnd.Before(ops.ViewBuildStart))
	assert.False(t, ops.StartTime.Before(ops.ViewBuildEnd))
	assert.Equal(t, 200, f.rc.NumItemsLoaded)

	r := f.report(t, "TEST-01")
	assert.Equal(t, uint64(60), r.Ops.TotViews)
	assert.Equal(t, uint64(60), r.Latency.Samples)
	assert.Equal(t, "TEST-01", r.Params["test_name"])

	doc, err := f.cl.GetDesignDoc(context.Background(), "default", "_design/myview")
	require.NoError(t, err)
	assert.Equal(t, emailMap, doc.Views["myview"].Map)
}

func TestViewFanOutUpdatesExistingDoc(t *testing.T) {
	f := newFixture(t, 1, viewParams())
	ctx := context.Background()
	opts := ViewOptions{KeyMaker: "key_to_realm", Map: "function (doc) { emit(doc.realm, null); }", Ops: 5, Load: true}

	_, err := f.drv.ViewFanOut(ctx, opts)
	require.NoError(t, err)
	opts.Load = false
	_, err = f.drv.ViewFanOut(ctx, opts)
	require.NoError(t, err)

	doc, err := f.cl.GetDesignDoc(ctx, "default", "_design/myview")
	require.NoError(t, err)
	assert.Regexp(t, `^2-`, doc.Rev)
}

func TestViewFanOutUnknownKeyMaker(t *testing.T) {
	f := newFixture(t, 1, viewParams())

	_, err := f.drv.ViewFanOut(context.Background(), ViewOptions{KeyMaker: "key_to_zip", Map: emailMap})
	var cfgErr *workload.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestViewFanOutCanceled(t *testing.T) {
	f := newFixture(t, 1, viewParams())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.drv.ViewFanOut(ctx, ViewOptions{KeyMaker: "key_to_email", Map: emailMap})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestViewFanOutStopsOnCancel(t *testing.T) {
	f := newFixture(t, 1, viewParams())
	require.NoError(t, f.drv.LoadDocs(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	ops, err := f.drv.ViewFanOut(ctx, ViewOptions{
		KeyMaker:  "key_to_email",
		Map:       emailMap,
		Clients:   2,
		Ops:       1000000,
		RateLimit: 200,
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, ops.TotViews, uint64(2000000))

	r := f.report(t, "TEST-01")
	assert.Equal(t, ops.TotViews, r.Ops.TotViews, "session is closed with partial totals")
}

func TestViewWithLoad(t *testing.T) {
	f := newFixture(t, 1, viewParams())

	ops, err := f.drv.ViewWithLoad(context.Background(), ViewOptions{
		KeyMaker: "key_to_email",
		Map:      emailMap,
		Clients:  2,
		Ops:      10,
		Load:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(20), ops.TotViews)
	assert.Nil(t, f.stats.Current())
}

func TestViewFanOutRateLimitsEachWorker(t *testing.T) {
	f := newFixture(t, 1, viewParams())
	require.NoError(t, f.drv.LoadDocs(context.Background()))

	start := time.Now()
	ops, err := f.drv.ViewFanOut(context.Background(), ViewOptions{
		KeyMaker:  "key_to_email",
		Map:       emailMap,
		Clients:   2,
		Ops:       10,
		RateLimit: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(20), ops.TotViews)
	// 2ワーカーで20クエリ、各ワーカー毎秒50件なら少なくとも9間隔分かかる
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestViewFanOutManyClients(t *testing.T) {
	f := newFixture(t, 1, viewParams())

	ops, err := f.drv.ViewFanOut(context.Background(), ViewOptions{
		KeyMaker: "key_to_email",
		Map:      emailMap,
		Clients:  8,
		Ops:      7,
		Load:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(56), ops.TotViews)
	assert.Zero(t, ops.TotErrors)
}
