// Package metrics defines the Prometheus metrics of the voice origin service.
package metrics
