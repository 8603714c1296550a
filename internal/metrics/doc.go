// Package metrics exposes recordd's Prometheus metrics: dispatch counts,
// open write transitions and step latency, coalescer hit rate, cache/durable
// backend outcomes, permission denials, and peer message bus replication
// state. Handler() serves them in the Prometheus exposition format.
package metrics
