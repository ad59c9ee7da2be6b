// Package server implements the HTTP API of the voice origin service: session
// control, state queries, a WebSocket stream of session updates and the
// monitoring endpoints. It also provides UDPSource, a frame source fed by
// TLV audio packets over UDP.
package server
