package chaos

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"kvperf/internal/events"
	"kvperf/internal/logger"
	"kvperf/internal/mgmt"
)

// Injector はノードへの障害注入と復旧を行う
// orchestrator.Controller がこれを満たす
type Injector interface {
	Clog(ctx context.Context, servers []mgmt.Server) error
	Unclog(ctx context.Context, servers []mgmt.Server) error
	Failover(ctx context.Context, ip string) error
	AddBack(ctx context.Context, ip string) error
	StopServer(ctx context.Context, s mgmt.Server) error
	StartServer(ctx context.Context, s mgmt.Server) error
}

// Config はMonkeyの設定
type Config struct {
	Interval    time.Duration      // 注入間隔
	TargetCount int                // 1回あたりの対象ノード数
	Faults      []events.FaultType // 有効な障害タイプ
	HealAfter   time.Duration      // 障害を戻すまでの時間（0で停止時のみ）
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		TargetCount: 1,
		Faults:      []events.FaultType{events.FaultClog, events.FaultFailover, events.FaultRestart},
		HealAfter:   10 * time.Second,
	}
}

// Stats は障害注入の統計情報
type Stats struct {
	TotalFaults uint64            `json:"total_faults" yaml:"total_faults"`
	ByType      map[string]uint64 `json:"faults_by_type" yaml:"faults_by_type"`
	Healed      uint64            `json:"healed" yaml:"healed"`
}

type activeFault struct {
	server mgmt.Server
	fault  events.FaultType
	at     time.Time
}

// Monkey はロード実行中にランダムな障害を注入する
// 先頭サーバー（マスター）は対象にしない
type Monkey struct {
	config   Config
	injector Injector
	servers  []mgmt.Server
	bus      *events.Bus

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	active  map[string]activeFault
	total   uint64
	byType  map[events.FaultType]uint64
	healed  uint64
	healCtx context.Context
}

// New は新しいMonkeyを作成する
func New(injector Injector, servers []mgmt.Server, bus *events.Bus, config Config) *Monkey {
	if config.TargetCount <= 0 {
		config.TargetCount = 1
	}
	return &Monkey{
		config:   config,
		injector: injector,
		servers:  servers,
		bus:      bus,
		active:   make(map[string]activeFault),
		byType:   make(map[events.FaultType]uint64),
	}
}

// Start は障害注入を開始する
func (m *Monkey) Start(ctx context.Context) {
	if m.running.Swap(true) {
		return
	}

	var loopCtx context.Context
	loopCtx, m.cancel = context.WithCancel(ctx)
	m.mu.Lock()
	m.healCtx = context.WithoutCancel(ctx)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.injectLoop(loopCtx)

	if m.config.HealAfter > 0 {
		m.wg.Add(1)
		go m.healLoop(loopCtx)
	}

	logger.Info("chaos", "Monkey started (interval: %v, targets: %d)", m.config.Interval, m.config.TargetCount)
}

// Stop は障害注入を止め、残っている障害を全て戻す
func (m *Monkey) Stop() {
	if !m.running.Swap(false) {
		return
	}

	m.cancel()
	m.wg.Wait()
	m.healAll()

	logger.Info("chaos", "Monkey stopped (total faults: %d)", m.FaultCount())
}

func (m *Monkey) injectLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.inject(ctx)
		}
	}
}

func (m *Monkey) healLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(min(m.config.HealAfter/2, 500*time.Millisecond) + time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.healExpired()
		}
	}
}

func (m *Monkey) inject(ctx context.Context) {
	targets := m.selectTargets()
	if len(targets) == 0 {
		return
	}
	fault := m.selectFault()

	for _, s := range targets {
		if err := m.apply(ctx, s, fault); err != nil {
			logger.Warn(s.IP, "Monkey: %s failed: %v", fault, err)
			continue
		}
		logger.Warn(s.IP, "Monkey: injected %s", fault)

		m.mu.Lock()
		m.active[s.IP] = activeFault{server: s, fault: fault, at: time.Now()}
		m.total++
		m.byType[fault]++
		m.mu.Unlock()
	}
}

// selectTargets は障害中でないサーバーからランダムに選ぶ
func (m *Monkey) selectTargets() []mgmt.Server {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []mgmt.Server
	for i, s := range m.servers {
		if i == 0 {
			continue
		}
		if _, busy := m.active[s.IP]; !busy {
			candidates = append(candidates, s)
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	return candidates[:min(m.config.TargetCount, len(candidates))]
}

func (m *Monkey) selectFault() events.FaultType {
	if len(m.config.Faults) == 0 {
		return events.FaultClog
	}
	return m.config.Faults[rand.IntN(len(m.config.Faults))]
}

func (m *Monkey) apply(ctx context.Context, s mgmt.Server, fault events.FaultType) error {
	switch fault {
	case events.FaultFailover:
		return m.injector.Failover(ctx, s.IP)
	case events.FaultRestart:
		if err := m.injector.StopServer(ctx, s); err != nil {
			return err
		}
		m.bus.Publish(events.NewFaultEvent(s.IP, events.FaultRestart))
		return nil
	default:
		return m.injector.Clog(ctx, []mgmt.Server{s})
	}
}

func (m *Monkey) revert(ctx context.Context, f activeFault) error {
	switch f.fault {
	case events.FaultFailover:
		return m.injector.AddBack(ctx, f.server.IP)
	case events.FaultRestart:
		if err := m.injector.StartServer(ctx, f.server); err != nil {
			return err
		}
		m.bus.Publish(events.NewFaultClearedEvent(f.server.IP, events.FaultRestart))
		return nil
	default:
		return m.injector.Unclog(ctx, []mgmt.Server{f.server})
	}
}

// healExpired は HealAfter を過ぎた障害を戻す
func (m *Monkey) healExpired() {
	now := time.Now()
	m.mu.Lock()
	var due []activeFault
	for _, f := range m.active {
		if now.Sub(f.at) >= m.config.HealAfter {
			due = append(due, f)
		}
	}
	m.mu.Unlock()

	for _, f := range due {
		m.heal(f)
	}
}

func (m *Monkey) healAll() {
	m.mu.Lock()
	due := make([]activeFault, 0, len(m.active))
	for _, f := range m.active {
		due = append(due, f)
	}
	m.mu.Unlock()

	for _, f := range due {
		m.heal(f)
	}
}

func (m *Monkey) heal(f activeFault) {
	m.mu.Lock()
	ctx := m.healCtx
	m.mu.Unlock()

	if err := m.revert(ctx, f); err != nil {
		logger.Error(f.server.IP, "Monkey: failed to revert %s: %v", f.fault, err)
		return
	}
	logger.Info(f.server.IP, "Monkey: reverted %s", f.fault)

	m.mu.Lock()
	delete(m.active, f.server.IP)
	m.healed++
	m.mu.Unlock()
}

// IsRunning は実行中かどうかを返す
func (m *Monkey) IsRunning() bool {
	return m.running.Load()
}

// FaultCount は注入した障害の数を返す
func (m *Monkey) FaultCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Active は現在障害中のサーバーIPを返す
func (m *Monkey) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.active))
	for ip := range m.active {
		out = append(out, ip)
	}
	return out
}

// Stats は障害注入の統計を返す
func (m *Monkey) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	byType := make(map[string]uint64, len(m.byType))
	for t, n := range m.byType {
		byType[string(t)] = n
	}
	return Stats{TotalFaults: m.total, ByType: byType, Healed: m.healed}
}
