// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Loader batch sizes, latencies and failures per kind
//   - Router publications, fan-out, overflows and subscriber counts per topic
//   - Subscription endpoint connections, inbound frames and protocol violations
//   - Client connection state transitions and reconnect delays
package metrics
