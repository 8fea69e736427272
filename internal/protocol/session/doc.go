// Package session owns the agent session prologue and transport defaults.
//
// Ownership boundary:
// - plaintext hello exchange and version negotiation
// - session timeouts and frame limits
// - reconnect backoff
//
// Everything after the hello is keyed by keystream and framed by frame.
package session
