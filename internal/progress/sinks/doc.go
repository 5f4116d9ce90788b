// Package sinks implements progress consumers: structured logging,
// Prometheus collectors, and a Pub/Sub publisher for external observers.
package sinks
