// Package gateway owns agent sessions after the hello exchange.
//
// A Conn runs one reader, one writer and one dispatcher goroutine over a
// ciphered socket. The Registry keeps at most one Registered Conn per agent
// identity; registering a newer Conn terminates the previous one. The
// Service accepts sockets, runs the handshake and wires the command-plane
// endpoint and the HTTP status surface onto the registry.
package gateway
