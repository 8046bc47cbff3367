// Package workload holds the value types threaded through a harness run.
//
// Config is the canonical workload description handed to a generator. It
// is built from named scenario parameters layered over a family default set
// (LoadDefaults, LoopDefaults, WarmupDefaults) and is never mutated once
// built. The builder coerces loosely typed values ("0.5", 1, "json") but
// does not check that the operation ratios sum to at most 1.
//
// RunState is the snapshot of the cumulative counters of one generator
// invocation. Chained invocations seed the next call from the previous end
// state, so counts only ever grow. Counters is the shared atomic form used
// by concurrent workers.
//
// Control is the single cooperative cancellation flag. Workers poll Ok
// before every operation; Stop is sticky and has no acknowledgement.
//
// RunContext replaces process-wide test input: topology, parameters, the
// bucket under test and the vbucket count captured at setup.
package workload
