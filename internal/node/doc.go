// Package node provides the simulated data node used by the offline cluster
// backend.
//
// A Node stores items per vbucket and mimics the parts of a data node a load
// harness observes: a persistence queue drained by a background flusher
// (ep_queue_size, ep_flusher_todo), a warmup phase after start
// (ep_warmup_thread), flushctl stop/start, and ep-engine style stats.
//
// # Basic Usage
//
//	n := node.New("10.0.0.1", node.DefaultConfig())
//	if err := n.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer n.Stop()
//
//	_ = n.Set(vb, "key", []byte("value"), 0)
//	value, ok, err := n.Get(vb, "key")
//
// # Node Lifecycle
//
// Stopped -> Warmup -> Running, with Suspended as a fault state. Requests
// during warmup fail with ErrTempFail; requests to a stopped or suspended node
// fail with ErrNotRunning. Data survives Stop/Start.
package node
