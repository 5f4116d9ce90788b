// Package progress is the Progress Notifier. The coordinator emits run-state
// deltas as Events; a non-blocking Hub batches them on a background goroutine
// and fans each batch out to pluggable sinks (structured logs, Prometheus,
// Pub/Sub). Delivery is best effort and never slows the pipeline down.
package progress
