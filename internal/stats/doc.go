// Package stats collects per-phase load statistics and exports reports.
//
// A Collector hands out at most one open Session at a time. Load workers
// stream workload.Sample values into the session through RecordOps, which
// is safe for concurrent use. Close stops the optional server sampler,
// snapshots the per-kind latencies and writes a YAML or JSON report.
//
// # Basic Usage
//
//	c := stats.NewCollector(stats.Options{Enabled: true, OutDir: "reports"})
//	s, err := c.Open(ctx, stats.SessionOptions{TestName: "NPP-01-1k.loop"})
//	if err != nil {
//	    return err
//	}
//	_ = s.RecordOps(sample)
//	report, err := s.Close(totals)
//
// # Disabled Collection
//
// When Options.Enabled is false, Open returns a nil *Session. Every Session
// method accepts a nil receiver, so callers never need to check.
//
// # Prometheus
//
// Each open session registers its collectors on the Collector's registry
// and unregisters them on Close.
package stats
