// Package cluster provides an in-memory simulated cluster.
//
// A Cluster provisions one node.Node per IP address and layers cluster
// membership, server groups (zones), a single bucket with a vbucket map,
// design documents and views on top. It implements three interfaces so
// that the harness can run end to end without real machines:
//
//   - mgmt.API: the management REST surface (buckets, rebalance, zones,
//     flush control, stats, views)
//   - loadgen.Dialer: KV connections routed through the vbucket map
//   - remote.Connector: shells that start and stop nodes and report
//     process statistics
//
// # Basic Usage
//
//	c := cluster.New(cluster.DefaultConfig(), "10.0.0.1", "10.0.0.2")
//	if err := c.StartAll(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer c.StopAll()
//
//	_ = c.InitCluster(ctx, "Administrator", "password", 256)
//	_ = c.CreateBucket(ctx, mgmt.BucketSpec{Name: "default", Replicas: 1})
//
// # Rebalance
//
// Rebalance computes a target vbucket map and moves vbuckets one at a time
// on a background goroutine. Each move holds the cluster lock, and KV
// operations hold the read lock, so a write never lands on a vbucket copy
// that is about to be discarded. When two or more zones are in use, a
// replica is never placed in the zone of its active copy. MonitorRebalance
// blocks until the move finishes and reports *mgmt.RebalanceFailedError if
// a target node was not running.
//
// # Thread Safety
//
// All cluster operations are thread-safe and can be called concurrently.
package cluster
