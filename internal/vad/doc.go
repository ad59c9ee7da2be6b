// Package vad provides energy-based Voice Activity Detection for PCM-16 frames.
// A frame is active when enough of its samples exceed an amplitude threshold;
// the decision is a pure function of the frame and the configured thresholds.
package vad
