package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/websocket"

	"kvperf/internal/chaos"
	"kvperf/internal/events"
	"kvperf/internal/logger"
	"kvperf/internal/mgmt"
	"kvperf/internal/scenario"
	"kvperf/internal/workload"
)

// Server はシナリオの実行と状態をHTTPで公開するAPIサーバー
type Server struct {
	addr   string
	engine *scenario.Engine
	api    mgmt.API
	bus    *events.Bus

	mu        sync.RWMutex
	cancel    context.CancelFunc
	done      chan struct{}
	last      *scenario.Result
	wsClients map[*websocket.Conn]bool

	server *http.Server
}

// NewServer は新しいAPIサーバーを作成する
// bus のイベントはWebSocketクライアントに転送される
func NewServer(addr string, engine *scenario.Engine, api mgmt.API, bus *events.Bus) *Server {
	if bus == nil {
		bus = events.NewBus()
	}
	engine.SetEventBus(bus)
	return &Server{
		addr:      addr,
		engine:    engine,
		api:       api,
		bus:       bus,
		wsClients: make(map[*websocket.Conn]bool),
	}
}

// Handler はルーティング済みのハンドラを返す
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/nodes", s.handleNodes)
	mux.HandleFunc("/api/chaos", s.handleChaos)
	mux.HandleFunc("/api/result", s.handleResult)
	mux.HandleFunc("/api/scenario/start", s.handleScenarioStart)
	mux.HandleFunc("/api/scenario/stop", s.handleScenarioStop)
	mux.HandleFunc("/api/presets", s.handlePresets)
	mux.Handle("/metrics", promhttp.HandlerFor(s.engine.Registry(), promhttp.HandlerOpts{}))

	mux.Handle("/ws", websocket.Handler(s.handleWebSocket))
	return mux
}

// Start はサーバーを開始する
// ctx がキャンセルされると実行中のシナリオを止めてからシャットダウンする
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.forwardEvents(ctx)

	logger.Info("", "API Server starting on http://%s", s.addr)

	go func() {
		<-ctx.Done()
		s.stopScenario()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.Wait()
	return nil
}

// Wait は実行中のシナリオが終わるまで待つ
func (s *Server) Wait() {
	s.mu.RLock()
	done := s.done
	s.mu.RUnlock()
	if done != nil {
		<-done
	}
}

// StatusResponse はステータスレスポンス
type StatusResponse struct {
	Running      bool   `json:"running"`
	ScenarioName string `json:"scenario_name,omitempty"`
	LastScenario string `json:"last_scenario,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}

func (s *Server) status() StatusResponse {
	resp := StatusResponse{
		Running:      s.engine.IsRunning(),
		ScenarioName: s.engine.Current(),
	}
	s.mu.RLock()
	if s.last != nil {
		resp.LastScenario = s.last.Name
		resp.LastError = s.last.Error
	}
	s.mu.RUnlock()
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.status())
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	nodes, err := s.api.NodeStatuses(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if nodes == nil {
		nodes = []mgmt.NodeStatus{}
	}
	s.writeJSON(w, nodes)
}

func (s *Server) handleChaos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats := s.engine.ChaosStats()
	if stats == nil {
		stats = &chaos.Stats{ByType: map[string]uint64{}}
	}
	s.writeJSON(w, stats)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.mu.RLock()
	last := s.last
	s.mu.RUnlock()
	if last == nil {
		http.Error(w, "No scenario has completed", http.StatusNotFound)
		return
	}
	s.writeJSON(w, last)
}

// ScenarioRequest はシナリオ開始リクエスト
type ScenarioRequest struct {
	Preset string         `json:"preset"`
	Params map[string]any `json:"params,omitempty"`
}

func (s *Server) handleScenarioStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	spec, ok := scenario.GetPreset(req.Preset)
	if !ok {
		http.Error(w, "Unknown preset: "+req.Preset, http.StatusNotFound)
		return
	}
	spec.Params = workload.Params(req.Params)

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		http.Error(w, "Scenario already running", http.StatusConflict)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	// バックグラウンドで実行
	go func() {
		defer close(done)
		defer cancel()

		result, err := s.engine.Run(ctx, spec)
		if err != nil {
			logger.Error("", "Scenario %s failed: %v", spec.Name, err)
		}

		s.mu.Lock()
		s.cancel = nil
		if result != nil {
			s.last = result
		}
		s.mu.Unlock()

		s.broadcast(map[string]any{
			"type":   "scenario_complete",
			"result": result,
		})
	}()

	s.writeJSONStatus(w, http.StatusAccepted, map[string]string{
		"status":    "started",
		"scenario":  spec.Name,
		"reference": spec.Reference,
	})
}

// stopScenario は実行中のシナリオをキャンセルする
func (s *Server) stopScenario() bool {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

func (s *Server) handleScenarioStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.stopScenario() {
		http.Error(w, "No scenario running", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, map[string]string{"status": "stop requested"})
}

// PresetInfo はプリセット情報
type PresetInfo struct {
	Name        string          `json:"name"`
	Reference   string          `json:"reference"`
	Family      scenario.Family `json:"family"`
	Description string          `json:"description"`
}

func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	presets := scenario.Presets()
	infos := make([]PresetInfo, 0, len(presets))
	for _, p := range presets {
		infos = append(infos, PresetInfo{Name: p.Name, Reference: p.Reference, Family: p.Family, Description: p.Description})
	}
	s.writeJSON(w, infos)
}

// WebSocket handling
func (s *Server) handleWebSocket(ws *websocket.Conn) {
	s.mu.Lock()
	s.wsClients[ws] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.wsClients, ws)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	// 初期状態を送る
	if data, err := json.Marshal(map[string]any{"type": "status", "status": s.status()}); err == nil {
		_ = websocket.Message.Send(ws, string(data))
	}

	// Keep connection alive
	for {
		var msg string
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			break
		}
	}
}

func (s *Server) broadcast(data any) {
	s.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(s.wsClients))
	for ws := range s.wsClients {
		clients = append(clients, ws)
	}
	s.mu.RUnlock()

	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}

	for _, ws := range clients {
		_ = websocket.Message.Send(ws, string(jsonData))
	}
}

// forwardEvents はバスのイベントをWebSocketクライアントに転送する
func (s *Server) forwardEvents(ctx context.Context) {
	ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.broadcast(map[string]any{
				"type":  "event",
				"event": ev,
			})
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	s.writeJSONStatus(w, http.StatusOK, data)
}

func (s *Server) writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("", "Failed to encode JSON: %v", err)
	}
}
