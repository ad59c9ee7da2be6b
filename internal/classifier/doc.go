// Package classifier implements the HTTP client for the voice origin prediction API
// and the asynchronous dispatcher that submits speech segments to it.
// It sends each segment as a multipart WAV upload, retries transient failures
// with exponential backoff, bounds concurrency, and reports every submission
// as exactly one Outcome.
package classifier
