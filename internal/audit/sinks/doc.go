// Package sinks contains audit.Sink implementations for durable storage,
// structured logs and Prometheus.
package sinks
