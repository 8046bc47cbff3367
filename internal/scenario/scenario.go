package scenario

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"kvperf/internal/chaos"
	"kvperf/internal/driver"
	"kvperf/internal/events"
	"kvperf/internal/loadgen"
	"kvperf/internal/logger"
	"kvperf/internal/mgmt"
	"kvperf/internal/orchestrator"
	"kvperf/internal/remote"
	"kvperf/internal/stats"
	"kvperf/internal/workload"
)

// Family はシナリオの系統
type Family string

const (
	FamilyPeak         Family = "npp"
	FamilyDrain        Family = "drr"
	FamilyViews        Family = "vp"
	FamilyAsync        Family = "ea"
	FamilyTxnSize      Family = "ts"
	FamilyWarmup       Family = "warm"
	FamilyExperimental Family = "experimental"
	FamilyZones        Family = "zones"
)

// SetupFunc はクラスタとバケットを準備する
type SetupFunc func(ctx context.Context, env *Env) error

// BodyFunc はシナリオ本体
type BodyFunc func(ctx context.Context, env *Env) error

// Spec はシナリオの定義
type Spec struct {
	Name        string // テスト名（レポートの test_name）
	Reference   string // 参照名（例: "NPP-01-1k.1"）
	Family      Family
	Description string

	// Params はこのシナリオだけに適用するパラメータの上書き
	Params workload.Params

	Setup SetupFunc // nilなら DefaultSetup
	Body  BodyFunc
	// Teardown は共通の後始末の後に呼ばれる（省略可）
	Teardown func(ctx context.Context, env *Env) error
}

// Backend はシナリオが操作するクラスタ
type Backend struct {
	API       mgmt.API
	Shells    remote.Connector
	Generator loadgen.Generator
}

// Config はEngineの設定
type Config struct {
	Topology mgmt.Topology
	Params   workload.Params

	Wait   orchestrator.WaitPolicy
	Settle time.Duration

	OutDir string
	Format stats.Format

	// Chaos が nil でなければ本体の実行中に障害を注入する
	Chaos *chaos.Config

	TeardownTimeout time.Duration
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Params:          workload.Params{},
		Wait:            orchestrator.DefaultWaitPolicy(),
		Settle:          orchestrator.DefaultSettle,
		Format:          stats.FormatYAML,
		TeardownTimeout: 5 * time.Minute,
	}
}

// Phase は本体の1フェーズの集計
type Phase struct {
	Name string       `json:"name" yaml:"name"`
	Ops  workload.Ops `json:"ops" yaml:"ops"`
}

// Result はシナリオ実行結果
type Result struct {
	Name      string        `json:"name" yaml:"name"`
	Reference string        `json:"reference" yaml:"reference"`
	Family    Family        `json:"family" yaml:"family"`
	StartTime time.Time     `json:"start_time" yaml:"start_time"`
	EndTime   time.Time     `json:"end_time" yaml:"end_time"`
	Duration  time.Duration `json:"duration" yaml:"duration"`

	Phases  []Phase           `json:"phases" yaml:"phases"`
	Values  map[string]string `json:"values,omitempty" yaml:"values,omitempty"`
	Reports []*stats.Report   `json:"-" yaml:"-"`

	// カオス統計（無効なら nil）
	Faults *chaos.Stats `json:"faults,omitempty" yaml:"faults,omitempty"`

	FinalNodeStatus map[string]string `json:"final_node_status" yaml:"final_node_status"`
	Error           string            `json:"error,omitempty" yaml:"error,omitempty"`
}

// Env はセットアップと本体に渡される実行環境
type Env struct {
	Spec   Spec
	API    mgmt.API
	RC     *workload.RunContext
	Orch   *orchestrator.Controller
	Driver *driver.Driver
	Stats  *stats.Collector
	Bus    *events.Bus

	wait   orchestrator.WaitPolicy
	settle time.Duration

	mu     sync.Mutex
	result *Result
}

// Reader はテストパラメータのReaderを返す
func (e *Env) Reader() *workload.Reader {
	return e.RC.Params.Reader()
}

// Record はフェーズの集計を結果に追加する
func (e *Env) Record(phase string, ops workload.Ops) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.result.Phases = append(e.result.Phases, Phase{Name: phase, Ops: ops})
}

// Note は結果に値を記録する
func (e *Env) Note(key, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.result.Values == nil {
		e.result.Values = make(map[string]string)
	}
	e.result.Values[key] = value
}

// openStats は参照名のセッションを開く
func (e *Env) openStats(ctx context.Context, testTime time.Time) (*stats.Session, error) {
	return e.Stats.Open(ctx, stats.SessionOptions{
		TestName:           e.RC.Reference,
		Reference:          e.RC.Reference,
		Servers:            e.RC.Topology.Servers,
		Params:             map[string]any{"test_name": e.Spec.Name, "test_time": testTime.Unix()},
		CollectServerStats: true,
	})
}

// Engine はシナリオ実行エンジン
type Engine struct {
	config   Config
	backend  Backend
	eventBus *events.Bus
	registry *prometheus.Registry

	mu      sync.RWMutex
	running bool
	current string
	monkey  *chaos.Monkey
}

// New は新しいEngineを作成する
func New(backend Backend, config Config) *Engine {
	if config.Params == nil {
		config.Params = workload.Params{}
	}
	if config.TeardownTimeout <= 0 {
		config.TeardownTimeout = DefaultConfig().TeardownTimeout
	}
	return &Engine{
		config:   config,
		backend:  backend,
		registry: prometheus.NewRegistry(),
	}
}

// SetEventBus はイベントバスを設定する
func (e *Engine) SetEventBus(bus *events.Bus) {
	e.eventBus = bus
}

// Registry は統計セッションが使うPrometheusレジストリを返す
func (e *Engine) Registry() *prometheus.Registry {
	return e.registry
}

// Run はシナリオを実行する
// 本体が失敗しても後始末は行い、途中までの結果とエラーを返す
func (e *Engine) Run(ctx context.Context, spec Spec) (*Result, error) {
	if spec.Body == nil {
		return nil, fmt.Errorf("scenario %s has no body", spec.Name)
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, fmt.Errorf("scenario %s is already running", e.current)
	}
	e.running = true
	e.current = spec.Name
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.current = ""
		e.mu.Unlock()
	}()

	logger.Info("", "=== Scenario '%s' (%s) started ===", spec.Name, spec.Reference)
	if spec.Description != "" {
		logger.Info("", "Description: %s", spec.Description)
	}

	result := &Result{
		Name:      spec.Name,
		Reference: spec.Reference,
		Family:    spec.Family,
		StartTime: time.Now(),
	}
	env := e.newEnv(spec, result)

	runCtx, cancel := context.WithCancel(ctx)
	err := e.execute(runCtx, env)

	// 遅延アクションを止めてから後始末する
	cancel()
	env.Orch.Wait()
	e.collectNodeStatus(ctx, env, result)

	tctx, tcancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.TeardownTimeout)
	defer tcancel()
	if terr := Teardown(tctx, env); terr != nil {
		logger.Warn("", "Teardown: %v", terr)
	}
	if spec.Teardown != nil {
		if terr := spec.Teardown(tctx, env); terr != nil {
			logger.Warn("", "Scenario teardown: %v", terr)
		}
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	result.Reports = env.Stats.Reports()
	if err != nil {
		result.Error = err.Error()
	}
	e.eventBus.Publish(events.NewScenarioEndEvent(spec.Reference, result.Duration, err))

	if err != nil {
		logger.Error("", "=== Scenario '%s' failed: %v ===", spec.Name, err)
		return result, err
	}
	logger.Info("", "=== Scenario '%s' completed ===", spec.Name)
	return result, nil
}

func (e *Engine) newEnv(spec Spec, result *Result) *Env {
	params := e.config.Params.Merge(spec.Params)
	rc := workload.NewRunContext(e.config.Topology, params)
	rc.Reference = spec.Reference

	orch := orchestrator.New(e.backend.API, e.backend.Shells, rc, orchestrator.Options{
		Bus:    e.eventBus,
		Wait:   e.config.Wait,
		Settle: e.config.Settle,
	})
	collector := stats.NewCollector(stats.Options{
		Enabled:  rc.Params.Reader().Int("stats", 1) != 0,
		OutDir:   e.config.OutDir,
		Format:   e.config.Format,
		Shells:   e.backend.Shells,
		Bus:      e.eventBus,
		Registry: e.registry,
	})
	drv := driver.New(e.backend.Generator, e.backend.API, orch, collector, rc, driver.Options{Bus: e.eventBus})

	return &Env{
		Spec:   spec,
		API:    e.backend.API,
		RC:     rc,
		Orch:   orch,
		Driver: drv,
		Stats:  collector,
		Bus:    e.eventBus,
		wait:   e.config.Wait,
		settle: e.config.Settle,
		result: result,
	}
}

// execute はセットアップと本体を実行する
func (e *Engine) execute(ctx context.Context, env *Env) error {
	setup := env.Spec.Setup
	if setup == nil {
		setup = DefaultSetup
	}
	if err := setup(ctx, env); err != nil {
		return fmt.Errorf("setup failed: %w", err)
	}

	if e.config.Chaos != nil {
		monkey := chaos.New(env.Orch, env.RC.Topology.Servers, e.eventBus, *e.config.Chaos)
		e.mu.Lock()
		e.monkey = monkey
		e.mu.Unlock()
		monkey.Start(ctx)
		defer func() {
			monkey.Stop()
			s := monkey.Stats()
			env.mu.Lock()
			env.result.Faults = &s
			env.mu.Unlock()
		}()
	}

	logger.Info("", "spec: %s", env.Spec.Reference)
	e.eventBus.Publish(events.New(events.EventScenarioStart, env.Spec.Reference, events.EventData{Phase: env.Spec.Name}))
	return env.Spec.Body(ctx, env)
}

// collectNodeStatus はリバランスアウト前のメンバー状態を結果に残す
func (e *Engine) collectNodeStatus(ctx context.Context, env *Env, result *Result) {
	result.FinalNodeStatus = make(map[string]string)
	statuses, err := env.API.NodeStatuses(context.WithoutCancel(ctx))
	if err != nil {
		logger.Warn("", "Node statuses: %v", err)
		return
	}
	for _, s := range statuses {
		result.FinalNodeStatus[s.IP] = s.Status
	}
}

// IsRunning は実行中かどうかを返す
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Current は実行中のシナリオ名を返す
func (e *Engine) Current() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// ChaosStats はカオス統計を返す
func (e *Engine) ChaosStats() *chaos.Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.monkey == nil {
		return nil
	}
	stats := e.monkey.Stats()
	return &stats
}

// Report は結果をフォーマットして返す
func (r *Result) Report() string {
	status := "OK"
	if r.Error != "" {
		status = "FAILED: " + r.Error
	}
	report := fmt.Sprintf(`
================================================================================
                  SCENARIO REPORT: %s (%s)
================================================================================

EXECUTION SUMMARY
-----------------
  Family:         %s
  Start Time:     %s
  End Time:       %s
  Duration:       %v
  Status:         %s

PHASES
------
`,
		r.Name, r.Reference,
		r.Family,
		r.StartTime.Format("2006-01-02 15:04:05"),
		r.EndTime.Format("2006-01-02 15:04:05"),
		r.Duration.Round(time.Millisecond),
		status,
	)

	for _, p := range r.Phases {
		report += fmt.Sprintf("  %-10s sets %-10d gets %-10d creates %-10d misses %-8d views %-8d %10.1f ops/s  %v\n",
			p.Name, p.Ops.TotSets, p.Ops.TotGets, p.Ops.TotCreates, p.Ops.TotMisses, p.Ops.TotViews,
			p.Ops.Throughput(), p.Ops.Elapsed().Round(time.Millisecond))
	}

	if len(r.Reports) > 0 {
		report += "\nSTATS REPORTS\n-------------\n"
		for _, s := range r.Reports {
			line := fmt.Sprintf("  %-24s %d ops, %.1f ops/s", s.Test, s.Latency.TotalOps, s.Latency.Throughput)
			if s.Path != "" {
				line += "  -> " + s.Path
			}
			report += line + "\n"
		}
	}

	if len(r.Values) > 0 {
		report += "\nVALUES\n------\n"
		for _, k := range sortedKeys(r.Values) {
			report += fmt.Sprintf("  %-40s %s\n", k+":", r.Values[k])
		}
	}

	if r.Faults != nil {
		report += fmt.Sprintf("\nCHAOS STATISTICS\n----------------\n  Total Faults:     %d\n  Healed:           %d\n",
			r.Faults.TotalFaults, r.Faults.Healed)
	}

	report += "\nFINAL NODE STATUS\n-----------------\n"
	for _, ip := range sortedKeys(r.FinalNodeStatus) {
		report += fmt.Sprintf("  %-20s %s\n", ip+":", r.FinalNodeStatus[ip])
	}

	report += "\n================================================================================"
	return report
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
