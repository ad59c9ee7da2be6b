// Package session runs capture sessions and aggregates their classification results.
//
// A Manager owns at most one active Session. The session's capture goroutine
// reads frames, drives the segmenter and hands finished segments to the
// classifier dispatcher. Outcomes flow through a channel into the session's
// Aggregator, a single goroutine that owns the result history, the live
// display state and the final verdict. Observers receive Updates through a Hub.
package session
