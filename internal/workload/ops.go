package workload

import (
	"time"

	"kvperf/internal/mgmt"
)

// Ops はStatsセッションへ渡す合計値のレポート
// 主要フィールドは常に出力される（ゼロ埋め）
type Ops struct {
	TotSets    uint64    `yaml:"tot-sets" json:"tot-sets"`
	TotGets    uint64    `yaml:"tot-gets" json:"tot-gets"`
	TotItems   uint64    `yaml:"tot-items" json:"tot-items"`
	TotCreates uint64    `yaml:"tot-creates" json:"tot-creates"`
	TotMisses  uint64    `yaml:"tot-misses" json:"tot-misses"`
	StartTime  time.Time `yaml:"start-time" json:"start-time"`
	EndTime    time.Time `yaml:"end-time" json:"end-time"`

	TotDeletes     uint64    `yaml:"tot-deletes,omitempty" json:"tot-deletes,omitempty"`
	TotErrors      uint64    `yaml:"tot-errors,omitempty" json:"tot-errors,omitempty"`
	TotViews       uint64    `yaml:"tot-views,omitempty" json:"tot-views,omitempty"`
	ViewBuildStart time.Time `yaml:"view-build-start-time,omitempty" json:"view-build-start-time,omitzero"`
	ViewBuildEnd   time.Time `yaml:"view-build-end-time,omitempty" json:"view-build-end-time,omitzero"`
}

// OpsFrom はRunStateと実行時間からレポートを作る
func OpsFrom(s RunState, start, end time.Time) Ops {
	return Ops{
		TotSets:    s.Sets,
		TotGets:    s.Gets,
		TotItems:   s.Items,
		TotCreates: s.Creates,
		TotMisses:  s.Misses,
		TotDeletes: s.Deletes,
		TotErrors:  s.Errors,
		StartTime:  start,
		EndTime:    end,
	}
}

// Elapsed は計測区間の長さを返す
func (o Ops) Elapsed() time.Duration {
	if o.EndTime.Before(o.StartTime) {
		return 0
	}
	return o.EndTime.Sub(o.StartTime)
}

// Throughput は1秒あたりの操作数を返す
func (o Ops) Throughput() float64 {
	secs := o.Elapsed().Seconds()
	if secs == 0 {
		return 0
	}
	return float64(o.TotGets+o.TotSets+o.TotDeletes+o.TotViews) / secs
}

// RunContext は各コンポーネントに明示的に渡される実行コンテキスト
// VBuckets と MultiNode はメインのゴルーチンだけが更新する
type RunContext struct {
	Topology mgmt.Topology
	Params   Params
	Bucket   string
	// Reference は統計レポートに付けるシナリオの参照名（例: "NPP-01-1k"）
	Reference string

	// VBuckets はセットアップ時に取得したvbucket数
	// リバランス後は呼び出し側が取り直す必要がある
	VBuckets int
	// MultiNode はnodes()でノードを追加した後にtrueになる
	MultiNode bool
	// NumItemsLoaded はLoadで作成したアイテム数
	NumItemsLoaded int
}

// NewRunContext はデフォルトバケットのRunContextを作成する
func NewRunContext(topology mgmt.Topology, params Params) *RunContext {
	bucket := params.Reader().String("bucket", "default")
	return &RunContext{
		Topology: topology,
		Params:   params,
		Bucket:   bucket,
	}
}
