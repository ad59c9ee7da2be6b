// Package audio handles frame capture, speech segmentation and WAV encoding.
// It turns a continuous PCM-16 frame stream into bounded speech segments using
// the vad package, and wraps each segment into a self-describing WAV container.
package audio
