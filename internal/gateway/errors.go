package gateway

import "errors"

var (
	ErrReplaced          = errors.New("gateway: replaced by newer connection")
	ErrShutdown          = errors.New("gateway: shutting down")
	ErrConnectionClosed  = errors.New("gateway: connection closed")
	ErrNotRegistered     = errors.New("gateway: connection not registered")
	ErrAgentNotConnected = errors.New("gateway: agent not connected")
	ErrPeerClosed        = errors.New("gateway: peer closed connection")
	ErrProtocol          = errors.New("gateway: protocol error")
	ErrWrite             = errors.New("gateway: socket write failed")
	ErrUnknownCommand    = errors.New("gateway: unknown command kind")
	ErrInvalidCommand    = errors.New("gateway: invalid command")
)
