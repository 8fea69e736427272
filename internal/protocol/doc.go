// Package protocol owns the agent wire catalog.
//
// Ownership boundary:
// - message kinds, type tags and their static descriptors
// - version-dispatched body codecs
// - Parse/Serialise over the frame codec
//
// Transport concerns (handshake, cipher, scheduling) live in session,
// keystream and gateway.
package protocol
