// Package driver runs workload generators against a resolved target.
//
// A Driver combines a loadgen.Generator, the cluster management API, a
// Waiter for persistence barriers and a stats.Collector. Each phase builds a
// workload.Config from defaults plus overrides, resolves the protocol
// selector to an endpoint and runs the generator to completion.
//
// # Phases
//
//   - Load creates NumItems items and records the count in the RunContext.
//   - Loop runs a mixed workload bounded by ops or time, streams samples to
//     a ".loop" stats session and waits for the write queues to drain.
//   - LoopBackground runs a loop without stats until Stop is called.
//   - ViewFanOut builds a view and queries it from several workers.
//
// # Basic Usage
//
//	d := driver.New(loadgen.New(dialer), api, orch, collector, rc, driver.Options{Bus: bus})
//	if _, err := d.Load(ctx, driver.LoadOptions{NumItems: 1000000}); err != nil {
//	    return err
//	}
//	if err := d.LoopPrep(ctx); err != nil {
//	    return err
//	}
//	ops, err := d.Loop(ctx, driver.LoopOptions{Duration: time.Hour, Clients: 4})
//
// # Cancellation
//
// Canceling the context passed to a phase stops its generator. Background
// loops also stop through their control token, which Stop flips before
// waiting for the goroutine to exit.
package driver
