// Package protocol implements the TLV packet format of the network audio feed.
//
// Every packet starts with an 8-byte header (type, total length, stream ID,
// direction). A start packet describes the stream, audio packets carry a
// sequence number followed by encoded audio, and an end packet closes the stream.
package protocol
