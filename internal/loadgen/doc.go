// Package loadgen defines the workload generator contract and provides the
// built-in generator.
//
// A Generator drives a statistically shaped key-value workload against an
// endpoint, sharing one RunState across its client goroutines and honouring a
// workload.Control token. McSoda is the built-in implementation; it speaks to
// the cluster through a Dialer so the wire protocol stays pluggable
// (see package memcached, and the simulated cluster's dialer).
//
// # Op selection
//
// For every op a client decides set vs get by RatioSets. Sets create a new
// key while creates remain under MaxCreates and RatioCreates allows it;
// otherwise they update (or, by RatioDeletes, delete) an existing key. Gets
// miss on purpose by RatioMisses. Existing keys are picked with hot-key bias:
// the newest RatioHot fraction of keys is hot, chosen with RatioHotSets or
// RatioHotGets probability.
//
// # Stop conditions
//
// A run ends when MaxOps ops were issued, Duration elapsed, creates are
// exhausted with ExitAfterCreates, the control token is stopped, or the
// context ends. Transport errors are counted in RunState.Errors.
package loadgen
