package workload

import (
	"sync/atomic"
	"time"
)

// RunState は1回の生成呼び出しのカウンタのスナップショット
// 連続呼び出しでは前回の終了状態を次回のシードにする
type RunState struct {
	Items   uint64 `yaml:"cur-items" json:"cur-items"`
	Gets    uint64 `yaml:"cur-gets" json:"cur-gets"`
	Sets    uint64 `yaml:"cur-sets" json:"cur-sets"`
	Creates uint64 `yaml:"cur-creates" json:"cur-creates"`
	Deletes uint64 `yaml:"cur-deletes" json:"cur-deletes"`
	Misses  uint64 `yaml:"cur-misses" json:"cur-misses"`
	Errors  uint64 `yaml:"cur-errors" json:"cur-errors"`
}

// Ops はget/set/deleteの合計操作数を返す
func (s RunState) Ops() uint64 {
	return s.Gets + s.Sets + s.Deletes
}

// Counters はワーカー間で共有されるアトミックなカウンタ
type Counters struct {
	Items   atomic.Uint64
	Gets    atomic.Uint64
	Sets    atomic.Uint64
	Creates atomic.Uint64
	Deletes atomic.Uint64
	Misses  atomic.Uint64
	Errors  atomic.Uint64

	ops atomic.Uint64
}

// NewCounters はRunStateをシードにしたカウンタを作成する
func NewCounters(seed RunState) *Counters {
	c := &Counters{}
	c.Items.Store(seed.Items)
	c.Gets.Store(seed.Gets)
	c.Sets.Store(seed.Sets)
	c.Creates.Store(seed.Creates)
	c.Deletes.Store(seed.Deletes)
	c.Misses.Store(seed.Misses)
	c.Errors.Store(seed.Errors)
	return c
}

// ClaimOp はこの呼び出しで実行する操作を1つ確保し、通し番号(1始まり)を返す
func (c *Counters) ClaimOp() uint64 {
	return c.ops.Add(1)
}

// OpsIssued はこの呼び出しで確保された操作数を返す
func (c *Counters) OpsIssued() uint64 {
	return c.ops.Load()
}

// Snapshot は現在値をRunStateとして返す
func (c *Counters) Snapshot() RunState {
	return RunState{
		Items:   c.Items.Load(),
		Gets:    c.Gets.Load(),
		Sets:    c.Sets.Load(),
		Creates: c.Creates.Load(),
		Deletes: c.Deletes.Load(),
		Misses:  c.Misses.Load(),
		Errors:  c.Errors.Load(),
	}
}

// Control はワーカーの協調キャンセル用トークン
// ゼロ値は実行可能状態。一度Stopしたら同じ実行中に戻らない
type Control struct {
	stopped atomic.Bool
}

// NewControl は実行可能状態のトークンを返す
func NewControl() *Control {
	return &Control{}
}

// Ok はワーカーが次の操作を開始してよいかを返す
func (c *Control) Ok() bool {
	if c == nil {
		return true
	}
	return !c.stopped.Load()
}

// Stop は全ワーカーに停止を要求する（確認応答はない）
func (c *Control) Stop() {
	if c == nil {
		return
	}
	c.stopped.Store(true)
}

// Sample はワーカーが報告する操作タイミングの1単位
type Sample struct {
	Gets    uint64    `json:"tot-gets"`
	Sets    uint64    `json:"tot-sets"`
	Deletes uint64    `json:"tot-deletes"`
	Arpas   uint64    `json:"tot-arpas"`
	Views   uint64    `json:"tot-views"`
	Misses  uint64    `json:"tot-misses"`
	Errors  uint64    `json:"tot-errors"`
	Start   time.Time `json:"start-time"`
	End     time.Time `json:"end-time"`
}

// Count はサンプル内の操作数を返す
func (s Sample) Count() uint64 {
	return s.Gets + s.Sets + s.Deletes + s.Arpas + s.Views
}

// Latency はサンプルの所要時間を返す
func (s Sample) Latency() time.Duration {
	if s.End.Before(s.Start) {
		return 0
	}
	return s.End.Sub(s.Start)
}
