// Package metrics accumulates per-operation timing reported by load workers.
//
// Workers report a workload.Sample per batch. Metrics splits each sample into
// per-kind counts (get, set, delete, arpa, view) and derives a per-op latency
// from the sample duration. All methods are safe for concurrent use.
//
// # Basic Usage
//
//	reg := prometheus.NewRegistry()
//	m := metrics.New(metrics.NewCollectors(reg, "NPP-01-1k.loop"))
//
//	m.Record(workload.Sample{Gets: 100, Start: start, End: time.Now()})
//
//	snap := m.Snapshot()
//	fmt.Printf("ops=%d p99(get)=%v\n", snap.TotalOps, snap.Kinds[metrics.KindGet].P99)
//
// # Prometheus
//
// NewCollectors registers an ops counter and a latency histogram labelled by
// kind on the given registerer. Pass nil to New to skip Prometheus entirely.
package metrics
