package scenario

import (
	"fmt"
	"sort"

	"kvperf/internal/orchestrator"
)

const emailMap = "function(doc) { emit(doc.email, 1); }"

// noDGM はDGMデータセットを復元しないセットアップ
var noDGM = BaseSetup(SetupOptions{DGM: false, Replicas: 1})

// NodePeakScenarios はノード単体ピーク性能（NPP）のシナリオを返す
func NodePeakScenarios() []Spec {
	npp := func(name, ref, desc string, shape loopShape) Spec {
		return Spec{Name: name, Reference: ref, Family: FamilyPeak, Description: desc, Body: shape.body()}
	}
	return []Spec{
		npp("npp-get-1client", "NPP-01-1k.1", "Gets from 1 client",
			loopShape{kind: "binary", size: 1024, clients: 1, ratios: getRatios}),
		npp("npp-get-4client", "NPP-02-1k.1", "Gets from 4 clients",
			loopShape{kind: "binary", size: 1024, clients: 4, ratios: getRatios}),
		npp("npp-set-1client", "NPP-03-1k.1", "Sets from 1 client",
			loopShape{kind: "binary", size: 1024, clients: 1, ratios: setRatios, setSize: true}),
		npp("npp-mixed-1client", "NPP-04-1k.1", "Mixed sets, gets and creates from 1 client",
			loopShape{kind: "binary", size: 1024, clients: 1, ratios: mixedRatios, setSize: true}),
		npp("npp-get-30client", "NPP-05-1k", "Gets from 30 clients for an hour",
			loopShape{kind: "binary", size: 1024, clients: 30, seconds: 60 * 60, ratios: getRatios}),
		npp("npp-get-5client-2node", "NPP-06-1k.1", "Gets from 5 clients on 2 nodes",
			loopShape{kind: "binary", size: 1024, clients: 5, ratios: getRatios, before: []step{withNodes("", 2)}}),
		npp("npp-get-5client-3node", "NPP-07-1k.1", "Gets from 5 clients on 3 nodes",
			loopShape{kind: "binary", size: 1024, clients: 5, ratios: getRatios, before: []step{withNodes("", 3)}}),
		npp("npp-get-5client-5node", "NPP-08-1k.1", "Gets from 5 clients on 5 nodes",
			loopShape{kind: "binary", size: 1024, clients: 5, ratios: getRatios, before: []step{withNodes("", 5)}}),
		npp("npp-get-1client-rebalance", "NPP-09-5k.1", "Gets from 1 client during a rebalance",
			loopShape{
				kind: "binary", size: 5000, clients: 1, ratios: getRatios,
				before: []step{withNodes("", 2)},
				during: []step{delayedRebalance("", 4)},
			}),
		npp("npp-mixed-1client-rebalance-json", "NPP-10-1k.1", "Mixed JSON ops from 1 client during a rebalance",
			loopShape{
				kind: "json", size: 1024, clients: 1, ratios: mixedRatios, setSize: true,
				before: []step{withNodes("", 2)},
				during: []step{delayedRebalance("", 4)},
			}),
		npp("npp-set-1client-json", "NPP-12-1k.1", "JSON sets from 1 client",
			loopShape{kind: "json", size: 1024, clients: 1, ratios: setJSONRatios, setSize: true}),
	}
}

// DrainScenarios はディスク書き出し速度（DRR）のシナリオを返す
func DrainScenarios() []Spec {
	drr := func(name, ref, desc string, shape drainShape) Spec {
		return Spec{Name: name, Reference: ref, Family: FamilyDrain, Description: desc, Body: shape.body()}
	}
	return []Spec{
		drr("drr-1m-2k", "DRR-01", "Drain 1M items of 2KB",
			drainShape{kind: "binary", size: 2048}),
		drr("drr-1m-1k", "DRR-02.1", "Drain 1M items of 1KB with 10% gets",
			drainShape{kind: "binary", size: 1024, ratioSets: true}),
		drr("drr-1m-rebalance", "DRR-03", "Drain 1M items during a rebalance",
			drainShape{kind: "binary", size: 1024, before: []step{withNodes("", 2), delayedRebalance("", 4)}}),
		drr("drr-1m-compaction", "DRR-04", "Drain 1M items during compaction",
			drainShape{kind: "binary", size: 1024, before: []step{delayedCompaction()}}),
		drr("drr-1m-clog", "DRR-06", "Drain 1M items queued behind a stopped flusher",
			drainShape{kind: "binary", size: 1024, clog: true}),
	}
}

// ViewScenarios はビュー性能（VP）のシナリオを返す
func ViewScenarios() []Spec {
	vp := func(name, ref, desc string, shape viewShape) Spec {
		return Spec{Name: name, Reference: ref, Family: FamilyViews, Description: desc, Body: shape.body()}
	}
	return []Spec{
		vp("vp-001", "VP-001", "Email view queries from 1 client",
			viewShape{keyMaker: "key_to_email", mapFn: emailMap, limit: 1, clients: 1}),
		vp("vp-002", "VP-002", "Reduced realm view queries",
			viewShape{
				keyMaker: "key_to_realm", mapFn: "function(doc) { emit(doc.realm, 1); }",
				reduce: "_count", limit: 10, clients: 1,
			}),
		vp("vp-004", "VP-004", "Email view queries from 4 clients",
			viewShape{keyMaker: "key_to_email", mapFn: emailMap, limit: 1, clients: 4, clientsParam: true}),
		vp("vp-005", "VP-005", "Email view queries on 2 nodes",
			viewShape{
				keyMaker: "key_to_email", mapFn: emailMap, limit: 1, clients: 4, clientsParam: true,
				before: []step{withNodes("nodes", 2)},
			}),
		vp("vp-006", "VP-006", "Email view queries during compaction",
			viewShape{
				keyMaker: "key_to_email", mapFn: emailMap, limit: 1, clients: 4, clientsParam: true,
				before: []step{delayedCompaction()},
			}),
		vp("vp-007", "VP-007", "Email view queries during a rebalance",
			viewShape{
				keyMaker: "key_to_email", mapFn: emailMap, limit: 1, clients: 4, clientsParam: true,
				before:    []step{withNodes("nodes", 2)},
				afterLoad: []step{delayedRebalance("nodes_after", 4)},
			}),
		vp("vp-008", "VP-008", "Email view queries under a background write load",
			viewShape{keyMaker: "key_to_email", mapFn: emailMap, limit: 1, clients: 4, clientsParam: true, withLoad: true}),
		vp("vp-009", "VP-009", "Email view queries under load on 2 nodes",
			viewShape{
				keyMaker: "key_to_email", mapFn: emailMap, limit: 1, clients: 4, clientsParam: true, withLoad: true,
				before: []step{withNodes("nodes", 2)},
			}),
	}
}

// AsyncScenarios はerlang asyncスレッド数を変えた書き出し（EA）のシナリオを返す
func AsyncScenarios() []Spec {
	ea := func(name, ref, kind string, original, modified int) Spec {
		return Spec{
			Name:        name,
			Reference:   ref,
			Family:      FamilyAsync,
			Description: fmt.Sprintf("Drain %s items with async threads %d -> %d", kind, original, modified),
			Setup:       noDGM,
			Body:        drainShape{kind: kind, size: 2048, before: []step{asyncThreads(original, modified)}}.body(),
		}
	}
	return []Spec{
		ea("ea-b-0", "EA.B.0", "binary", 0, 16),
		ea("ea-b-16", "EA.B.16", "binary", 16, 0),
		ea("ea-j-0", "EA.J.0", "json", 0, 16),
		ea("ea-j-16", "EA.J.16", "json", 16, 0),
	}
}

// TxnSizeScenarios はトランザクションサイズ（TS）のシナリオを返す
// max_txn_size と couch_vbucket_batch_count の組み合わせごとにSetループを回す
func TxnSizeScenarios() []Spec {
	sizes := []string{"1000", "2000", "4000", "8000", "10000"}
	batches := []string{"4", "8"}
	var specs []Spec
	for _, size := range sizes {
		for _, batch := range batches {
			i := len(specs)
			settings := []orchestrator.FlushParam{
				{Key: "max_txn_size", Value: size},
				{Key: "couch_vbucket_batch_count", Value: batch},
			}
			specs = append(specs, Spec{
				Name:        fmt.Sprintf("ts1-%d", i),
				Reference:   fmt.Sprintf("TS1.%d", i),
				Family:      FamilyTxnSize,
				Description: fmt.Sprintf("Sets with max_txn_size=%s couch_vbucket_batch_count=%s", size, batch),
				Setup:       noDGM,
				Body: loopShape{
					kind: "binary", size: 1024, clients: 1, ratios: setRatios, setSize: true,
					before: []step{flushParams(settings)},
					after:  []step{readFlushParams(settings)},
				}.body(),
			})
		}
	}
	return specs
}

// WarmupScenarios はウォームアップ時間（WARM）のシナリオを返す
func WarmupScenarios() []Spec {
	return []Spec{
		{
			Name: "warm-01-1", Reference: "WARM-01-1", Family: FamilyWarmup,
			Description: "Warmup after loading binary items",
			Setup:       noDGM,
			Body:        warmupShape{kind: "binary", items: 2000000}.body(),
		},
		{
			Name: "warm-01j-1", Reference: "WARM-01j-1", Family: FamilyWarmup,
			Description: "Warmup after loading JSON items",
			Setup:       noDGM,
			Body:        warmupShape{kind: "json", items: 2000000}.body(),
		},
		{
			Name: "warm-02-1", Reference: "WARM-02.1", Family: FamilyWarmup,
			Description: "Warmup of a DGM dataset with expired items",
			Body:        warmupShape{kind: "binary", items: 2000000, expiring: true}.body(),
		},
		{
			Name: "warm-03", Reference: "WARM-03", Family: FamilyWarmup,
			Description: "Warmup on 3 nodes with 2 replicas",
			Setup:       BaseSetup(SetupOptions{DGM: false, Replicas: 2}),
			Body:        warmupShape{kind: "binary", items: 15000000, before: []step{withNodes("nodes", 3)}}.body(),
		},
	}
}

// ExperimentalScenario は時間指定の混合ループを返す
func ExperimentalScenario() Spec {
	return Spec{
		Name: "experimental", Reference: "Experimental", Family: FamilyExperimental,
		Description: "Mixed ops from 1 client for 20 minutes",
		Body:        loopShape{kind: "binary", size: 1024, clients: 1, seconds: 20 * 60, ratios: mixedRatios, setSize: true}.body(),
	}
}

// ZoneScenarios はサーバーグループを使ったリバランスのシナリオを返す
func ZoneScenarios() []Spec {
	return []Spec{
		{
			Name: "reb-zone-in", Reference: "REB-ZONE-IN", Family: FamilyZones,
			Description: "Rebalance nodes in across server groups",
			Setup:       noDGM,
			Body:        zoneShape{}.body(),
			Teardown:    zoneTeardown,
		},
		{
			Name: "reb-zone-swap", Reference: "REB-ZONE-SWAP", Family: FamilyZones,
			Description: "Rebalance in across server groups, then rebalance the last node out",
			Setup:       noDGM,
			Body:        zoneShape{swap: true}.body(),
			Teardown:    zoneTeardown,
		},
	}
}

// Presets は全プリセットを系統順に返す
func Presets() []Spec {
	var all []Spec
	all = append(all, NodePeakScenarios()...)
	all = append(all, DrainScenarios()...)
	all = append(all, ViewScenarios()...)
	all = append(all, AsyncScenarios()...)
	all = append(all, TxnSizeScenarios()...)
	all = append(all, WarmupScenarios()...)
	all = append(all, ExperimentalScenario())
	all = append(all, ZoneScenarios()...)
	return all
}

// GetPreset は名前または参照名からプリセットシナリオを取得する
func GetPreset(name string) (Spec, bool) {
	for _, s := range Presets() {
		if s.Name == name || s.Reference == name {
			return s, true
		}
	}
	return Spec{}, false
}

// ListPresets は利用可能なプリセット名をソートして返す
func ListPresets() []string {
	presets := Presets()
	names := make([]string, 0, len(presets))
	for _, s := range presets {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}
