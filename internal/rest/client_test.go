package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvperf/internal/mgmt"
)

// fakeAPI はリクエストを記録するテスト用の管理APIサーバー
type fakeAPI struct {
	mux *http.ServeMux

	mu    sync.Mutex
	forms map[string]map[string]string
	auth  map[string]string
	body  map[string]string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		mux:   http.NewServeMux(),
		forms: make(map[string]map[string]string),
		auth:  make(map[string]string),
		body:  make(map[string]string),
	}
}

// record はフォームと認証情報を記録して 200 を返すハンドラ
func (f *fakeAPI) record(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	key := r.Method + " " + r.URL.Path
	f.body[key] = string(data)
	if r.Header.Get("Content-Type") == "application/x-www-form-urlencoded" {
		r.Body = io.NopCloser(strings.NewReader(string(data)))
		_ = r.ParseForm()
		form := make(map[string]string)
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		f.forms[key] = form
	}
	user, _, _ := r.BasicAuth()
	f.auth[key] = user
	w.WriteHeader(http.StatusOK)
}

func (f *fakeAPI) form(key string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forms[key]
}

func jsonHandler(v any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
}

func newTestClient(t *testing.T, f *fakeAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(f.mux)
	t.Cleanup(srv.Close)
	server := mgmt.Server{IP: "10.0.0.1", RestUsername: "Administrator", RestPassword: "password"}
	return NewWithBase(srv.URL, server, Options{PollInterval: time.Millisecond, ViewBase: srv.URL + "/couch"})
}

func TestInitClusterSwitchesCredentials(t *testing.T) {
	f := newFakeAPI()
	f.mux.HandleFunc("POST /settings/web", f.record)
	f.mux.HandleFunc("POST /pools/default", f.record)
	c := newTestClient(t, f)

	require.NoError(t, c.InitCluster(context.Background(), "admin2", "secret", 512))

	assert.Equal(t, map[string]string{"username": "admin2", "password": "secret", "port": "SAME"},
		f.form("POST /settings/web"))
	assert.Equal(t, "512", f.form("POST /pools/default")["memoryQuota"])
	f.mu.Lock()
	assert.Equal(t, "Administrator", f.auth["POST /settings/web"])
	assert.Equal(t, "admin2", f.auth["POST /pools/default"])
	f.mu.Unlock()
}

func TestCreateBucket(t *testing.T) {
	f := newFakeAPI()
	f.mux.HandleFunc("POST /pools/default/buckets", f.record)
	c := newTestClient(t, f)

	require.NoError(t, c.CreateBucket(context.Background(), mgmt.BucketSpec{Name: "default", Replicas: 2}))
	form := f.form("POST /pools/default/buckets")
	assert.Equal(t, "default", form["name"])
	assert.Equal(t, "2", form["replicaNumber"])
	assert.Equal(t, "256", form["ramQuotaMB"])
	assert.Equal(t, "membase", form["bucketType"])
}

func TestBucketQueries(t *testing.T) {
	f := newFakeAPI()
	f.mux.HandleFunc("GET /pools/default/buckets/default", jsonHandler(map[string]any{
		"name":          "default",
		"replicaNumber": 1,
		"nodes": []any{
			map[string]any{"hostname": "10.0.0.1:8091", "ports": map[string]int{"proxy": 11211, "direct": 11210}},
		},
		"vBucketServerMap": map[string]any{
			"serverList": []string{"10.0.0.1:11210", "10.0.0.2:11210"},
			"vBucketMap": [][]int{{0, 1}, {1, 0}},
		},
		"basicStats": map[string]any{"diskUsed": 4096},
	}))
	c := newTestClient(t, f)
	ctx := context.Background()

	b, err := c.GetBucket(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Replicas)
	require.Len(t, b.Nodes, 1)
	assert.Equal(t, "10.0.0.1", b.Nodes[0].IP)
	assert.Equal(t, 11211, b.Nodes[0].GatewayPort)

	m, err := c.VBucketMap(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, 2, m.NumVBuckets())
	assert.Equal(t, []int{1, 0}, m.Map[1])

	size, err := c.DatabaseDiskSize(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(4096), size)

	_, err = c.GetBucket(ctx, "missing")
	assert.ErrorIs(t, err, mgmt.ErrNotFound)
}

func TestNodeStatuses(t *testing.T) {
	f := newFakeAPI()
	f.mux.HandleFunc("GET /pools/default", jsonHandler(map[string]any{
		"nodes": []any{
			map[string]any{"otpNode": "ns_1@10.0.0.1", "hostname": "10.0.0.1:8091",
				"clusterMembership": "active", "status": "healthy", "serverGroup": "Group 1"},
			map[string]any{"otpNode": "ns_1@10.0.0.2", "hostname": "10.0.0.2:8091",
				"clusterMembership": "inactiveFailed", "status": "unhealthy", "serverGroup": "Group 2"},
		},
	}))
	c := newTestClient(t, f)

	statuses, err := c.NodeStatuses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []mgmt.NodeStatus{
		{ID: "ns_1@10.0.0.1", IP: "10.0.0.1", Status: "healthy", Zone: "Group 1"},
		{ID: "ns_1@10.0.0.2", IP: "10.0.0.2", Status: "inactiveFailed", Zone: "Group 2"},
	}, statuses)
}

func TestRebalanceAndMonitor(t *testing.T) {
	f := newFakeAPI()
	f.mux.HandleFunc("POST /controller/rebalance", f.record)
	var polls atomic.Int32
	f.mux.HandleFunc("GET /pools/default/rebalanceProgress", func(w http.ResponseWriter, r *http.Request) {
		status := "running"
		if polls.Add(1) > 2 {
			status = "none"
		}
		jsonHandler(map[string]string{"status": status})(w, r)
	})
	c := newTestClient(t, f)
	ctx := context.Background()

	require.NoError(t, c.Rebalance(ctx, []string{"10.0.0.1", "ns_1@10.0.0.2"}, []string{"10.0.0.2"}))
	form := f.form("POST /controller/rebalance")
	assert.Equal(t, "ns_1@10.0.0.1,ns_1@10.0.0.2", form["knownNodes"])
	assert.Equal(t, "ns_1@10.0.0.2", form["ejectedNodes"])

	require.NoError(t, c.MonitorRebalance(ctx))
	assert.Equal(t, int32(3), polls.Load())
}

func TestMonitorRebalanceFailure(t *testing.T) {
	f := newFakeAPI()
	f.mux.HandleFunc("GET /pools/default/rebalanceProgress",
		jsonHandler(map[string]string{"status": "none", "errorMessage": "Rebalance failed. See logs"}))
	c := newTestClient(t, f)

	err := c.MonitorRebalance(context.Background())
	var rerr *mgmt.RebalanceFailedError
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, rerr.Reason, "Rebalance failed")
}

func TestMonitorRebalanceCanceled(t *testing.T) {
	f := newFakeAPI()
	f.mux.HandleFunc("GET /pools/default/rebalanceProgress", jsonHandler(map[string]string{"status": "running"}))
	c := newTestClient(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.MonitorRebalance(ctx), context.DeadlineExceeded)
}

func TestAutoCompactionUnsupported(t *testing.T) {
	c := newTestClient(t, newFakeAPI())

	err := c.SetAutoCompaction(context.Background(), mgmt.CompactionSettings{DBFragmentThreshold: 30})
	assert.ErrorIs(t, err, mgmt.ErrUnsupported)
}

func TestAutoCompaction(t *testing.T) {
	f := newFakeAPI()
	f.mux.HandleFunc("POST /controller/setAutoCompaction", f.record)
	c := newTestClient(t, f)

	require.NoError(t, c.SetAutoCompaction(context.Background(), mgmt.CompactionSettings{Parallel: true, DBFragmentThreshold: 0.5}))
	form := f.form("POST /controller/setAutoCompaction")
	assert.Equal(t, "true", form["parallelDBAndViewCompaction"])
	assert.Equal(t, "0.5", form["databaseFragmentationThreshold[percentage]"])
	assert.NotContains(t, form, "viewFragmentationThreshold[percentage]")
}

func TestHTTPError(t *testing.T) {
	f := newFakeAPI()
	f.mux.HandleFunc("POST /controller/failOver", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "node not found", http.StatusInternalServerError)
	})
	c := newTestClient(t, f)

	err := c.FailoverNode(context.Background(), "10.0.0.9")
	var herr *HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusInternalServerError, herr.Status)
	assert.Equal(t, "node not found", herr.Body)
}

func TestServerGroups(t *testing.T) {
	f := newFakeAPI()
	f.mux.HandleFunc("GET /pools/default/serverGroups", jsonHandler(map[string]any{
		"uri": "/pools/default/serverGroups?rev=7",
		"groups": []any{
			map[string]any{"name": "Group 1", "uri": "/pools/default/serverGroups/0", "nodes": []any{
				map[string]string{"otpNode": "ns_1@10.0.0.1", "hostname": "10.0.0.1:8091"},
				map[string]string{"otpNode": "ns_1@10.0.0.2", "hostname": "10.0.0.2:8091"},
			}},
			map[string]any{"name": "Group 2", "uri": "/pools/default/serverGroups/1", "nodes": []any{}},
		},
	}))
	f.mux.HandleFunc("PUT /pools/default/serverGroups", f.record)
	f.mux.HandleFunc("DELETE /pools/default/serverGroups/1", f.record)
	c := newTestClient(t, f)
	ctx := context.Background()

	ok, err := c.ZoneExists(ctx, "Group 2")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.ZoneExists(ctx, "Group 3")
	require.NoError(t, err)
	assert.False(t, ok)

	nodes, err := c.NodesInZone(ctx, "Group 1")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, nodes)

	require.NoError(t, c.ShuffleNodesInZones(ctx, []string{"10.0.0.2"}, "Group 1", "Group 2"))
	f.mu.Lock()
	body := f.body["PUT /pools/default/serverGroups"]
	f.mu.Unlock()
	var sent serverGroups
	require.NoError(t, json.Unmarshal([]byte(body), &sent))
	require.Len(t, sent.Groups, 2)
	assert.Equal(t, []groupNode{{OTPNode: "ns_1@10.0.0.1"}}, sent.Groups[0].Nodes)
	assert.Equal(t, []groupNode{{OTPNode: "ns_1@10.0.0.2"}}, sent.Groups[1].Nodes)

	assert.Error(t, c.ShuffleNodesInZones(ctx, []string{"10.0.0.9"}, "Group 1", "Group 2"))
	assert.ErrorIs(t, c.ShuffleNodesInZones(ctx, nil, "Group 1", "Group 9"), mgmt.ErrNotFound)

	require.NoError(t, c.DeleteZone(ctx, "Group 2"))
	assert.ErrorIs(t, c.DeleteZone(ctx, "Group 9"), mgmt.ErrNotFound)
}

func TestDesignDocs(t *testing.T) {
	f := newFakeAPI()
	f.mux.HandleFunc("GET /couch/default/_design/A", jsonHandler(map[string]any{
		"_id": "_design/A", "_rev": "1-abc",
		"views": map[string]any{"city": map[string]string{"map": "function (doc) { emit(doc.city, null); }"}},
	}))
	f.mux.HandleFunc("PUT /couch/default/_design/B", f.record)
	c := newTestClient(t, f)
	ctx := context.Background()

	d, err := c.GetDesignDoc(ctx, "default", "_design/A")
	require.NoError(t, err)
	assert.Equal(t, "1-abc", d.Rev)
	assert.Contains(t, d.Views["city"].Map, "doc.city")

	_, err = c.GetDesignDoc(ctx, "default", "_design/missing")
	assert.ErrorIs(t, err, mgmt.ErrNotFound)

	require.NoError(t, c.PutDesignDoc(ctx, "default", mgmt.DesignDoc{
		ID:    "_design/B",
		Rev:   "3-def",
		Views: map[string]mgmt.View{"v": {Map: "function (doc) { emit(doc.name, null); }", Reduce: "_count"}},
	}))
	f.mu.Lock()
	body := f.body["PUT /couch/default/_design/B"]
	f.mu.Unlock()
	assert.JSONEq(t,
		`{"_rev":"3-def","views":{"v":{"map":"function (doc) { emit(doc.name, null); }","reduce":"_count"}}}`,
		body)
}

func TestQueryView(t *testing.T) {
	f := newFakeAPI()
	var query atomic.Value
	f.mux.HandleFunc("GET /couch/default/_design/A/_view/city", func(w http.ResponseWriter, r *http.Request) {
		query.Store(r.URL.Query())
		jsonHandler(map[string]any{
			"total_rows": 10,
			"rows":       []any{map[string]any{"id": "k1", "key": "abcd", "value": nil}},
		})(w, r)
	})
	c := newTestClient(t, f)

	res, err := c.QueryView(context.Background(), "default", "_design/A", "city",
		mgmt.ViewQuery{StartKey: "abcd", EndKey: "abcd", Limit: 5, Timeout: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, 10, res.TotalRows)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "k1", res.Rows[0].ID)

	q := query.Load().(url.Values)
	assert.Equal(t, []string{`"abcd"`}, q["startkey"])
	assert.Equal(t, []string{`"abcd"`}, q["endkey"])
	assert.Equal(t, []string{"5"}, q["limit"])
	assert.Equal(t, []string{"60000"}, q["connection_timeout"])
}

func TestFlushControlUnknownAction(t *testing.T) {
	c := newTestClient(t, newFakeAPI())
	err := c.FlushControl(context.Background(), mgmt.Server{IP: "10.0.0.1"}, "default", "pause")
	assert.ErrorContains(t, err, "unknown flush action")
}
