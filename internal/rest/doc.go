// Package rest implements mgmt.API over the cluster's HTTP management API.
//
// Cluster, bucket, node, rebalance and server group calls go to the REST
// port (8091) of the primary server. Design documents and view queries go
// to the view port (8092). Persistence control and ep-engine statistics
// are not exposed over HTTP, so they are sent to each node's data port
// through memcached.Admin.
//
// # Errors
//
// A 404 response wraps mgmt.ErrNotFound. Calls for features the cluster
// build does not have (auto-compaction, server groups) wrap
// mgmt.ErrUnsupported. Every other non-2xx status is an *HTTPError.
package rest
