package reqresp

import (
	"errors"
	"time"
)

var (
	ErrTimeout         = errors.New("timeout waiting for response")
	ErrPeerGone        = errors.New("peer disconnected before responding")
	ErrTooManyRequests = errors.New("too many pending requests")
)

// RequestResponse represents a message that supports request-response correlation
type RequestResponse interface {
	GetRequestID() string
	SetRequestID(id string)
	GetReplyTo() string
	SetReplyTo(id string)
}

// Config holds configuration for request-response handling
type Config struct {
	MaxResponseWaitTimeout time.Duration // How long to wait for responses
	MaxPendingRequests     int           // Maximum number of pending requests
}

// DefaultConfig returns sensible defaults for request-response handling
func DefaultConfig() Config {
	return Config{
		MaxResponseWaitTimeout: 10 * time.Second,
		MaxPendingRequests:     100,
	}
}

// MessageSender defines the interface for sending messages over connections
type MessageSender interface {
	SendMessage(peerAddress string, msg RequestResponse) error
}
