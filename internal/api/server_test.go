package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"kvperf/internal/cluster"
	"kvperf/internal/events"
	"kvperf/internal/loadgen"
	"kvperf/internal/mgmt"
	"kvperf/internal/node"
	"kvperf/internal/orchestrator"
	"kvperf/internal/scenario"
	"kvperf/internal/workload"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	var topo mgmt.Topology
	for i := range 2 {
		topo.Servers = append(topo.Servers, mgmt.Server{
			IP:           fmt.Sprintf("10.4.0.%d", i+1),
			RestUsername: "Administrator",
			RestPassword: "password",
		})
	}
	cfg := cluster.DefaultConfig()
	cfg.NumVBuckets = 8
	cfg.Node = node.Config{FlushInterval: time.Millisecond, FlushBatch: 1000, WarmupDelay: time.Millisecond}
	cl := cluster.FromTopology(topo, cfg)
	require.NoError(t, cl.StartAll(context.Background()))
	t.Cleanup(func() { _ = cl.StopAll() })

	config := scenario.DefaultConfig()
	config.Topology = topo
	config.Params = workload.Params{
		"dgm": 0, "items": 50, "ops": 100, "size": 64, "min_value_size": 64, "mem_quota": 256, "delay_seconds": 0,
	}
	config.Settle = 0
	config.Wait = orchestrator.WaitPolicy{Interval: time.Millisecond, MaxWait: 5 * time.Second}
	config.TeardownTimeout = 5 * time.Second

	engine := scenario.New(scenario.Backend{API: cl, Shells: cl, Generator: loadgen.New(cl)}, config)
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	srv := NewServer("127.0.0.1:0", engine, cl, bus)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Wait)
	return srv, ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestPresets(t *testing.T) {
	_, ts := newTestServer(t)

	var presets []PresetInfo
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/presets", &presets))
	assert.Len(t, presets, len(scenario.Presets()))
	assert.Equal(t, "npp-get-1client", presets[0].Name)
	assert.Equal(t, "NPP-01-1k.1", presets[0].Reference)
}

func TestStatusIdle(t *testing.T) {
	_, ts := newTestServer(t)

	var status StatusResponse
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/status", &status))
	assert.False(t, status.Running)
	assert.Empty(t, status.ScenarioName)

	var nodes []mgmt.NodeStatus
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/nodes", &nodes))
	assert.Empty(t, nodes)

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/result", nil))
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/chaos", nil))
}

func TestMethodNotAllowed(t *testing.T) {
	_, ts := newTestServer(t)

	resp := post(t, ts.URL+"/api/status", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, http.StatusMethodNotAllowed, getJSON(t, ts.URL+"/api/scenario/start", nil))
}

func TestScenarioStartErrors(t *testing.T) {
	_, ts := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, post(t, ts.URL+"/api/scenario/start", "{").StatusCode)
	assert.Equal(t, http.StatusNotFound, post(t, ts.URL+"/api/scenario/start", `{"preset":"nope"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(t, ts.URL+"/api/scenario/stop", "").StatusCode)
}

func TestScenarioRun(t *testing.T) {
	srv, ts := newTestServer(t)

	resp := post(t, ts.URL+"/api/scenario/start", `{"preset":"npp-get-1client","params":{"ops":50}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var started map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	assert.Equal(t, "NPP-01-1k.1", started["reference"])

	srv.Wait()

	var result scenario.Result
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/result", &result))
	assert.Equal(t, "npp-get-1client", result.Name)
	assert.Empty(t, result.Error)
	require.NotEmpty(t, result.Phases)

	var status StatusResponse
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/status", &status))
	assert.False(t, status.Running)
	assert.Equal(t, "npp-get-1client", status.LastScenario)

	metrics, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}

func TestWebSocketSendsStatus(t *testing.T) {
	_, ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, err := websocket.Dial(url, "", ts.URL)
	require.NoError(t, err)
	defer ws.Close()

	var msg string
	require.NoError(t, websocket.Message.Receive(ws, &msg))
	var got struct {
		Type   string         `json:"type"`
		Status StatusResponse `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(msg), &got))
	assert.Equal(t, "status", got.Type)
	assert.False(t, got.Status.Running)
}
