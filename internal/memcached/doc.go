// Package memcached implements the load generator's wire transport over the
// memcached binary protocol, using the packet codec from gocbcore's memd
// package.
//
// Two endpoint families are supported:
//
//   - memcached-binary: one pipelined connection to a node's data port or to
//     a gateway.
//   - membase-binary: a smart-client connection that fetches the bucket's
//     vbucket map from the management API and sends each op straight to the
//     node owning its vbucket.
//
// Batches are pipelined: every request of a batch is written before the
// responses are read back and matched by opaque. A missing key is reported
// as a miss, not as an error.
package memcached
