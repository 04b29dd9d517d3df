package reqresp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type pendingRequest struct {
	peer      string
	responses chan RequestResponse
	gone      chan struct{}
	createdAt time.Time
}

// Client handles request-response correlation and timeout management
type Client struct {
	config          Config
	pendingRequests map[string]*pendingRequest
	pendingMutex    sync.RWMutex
	sender          MessageSender
}

// NewClient creates a new request-response client
func NewClient(config Config, sender MessageSender) *Client {
	return &Client{
		config:          config,
		pendingRequests: make(map[string]*pendingRequest),
		sender:          sender,
	}
}

// SendRequest sends a request and waits for a response with correlation.
// It fails with ErrTimeout, ErrPeerGone or the context's error.
func (c *Client) SendRequest(ctx context.Context, peerAddress string, msg RequestResponse) (RequestResponse, error) {
	requestID := uuid.NewString()
	pending := &pendingRequest{
		peer:      peerAddress,
		responses: make(chan RequestResponse, 1),
		gone:      make(chan struct{}),
		createdAt: time.Now(),
	}

	c.pendingMutex.Lock()
	if len(c.pendingRequests) >= c.config.MaxPendingRequests {
		c.pendingMutex.Unlock()
		return nil, ErrTooManyRequests
	}
	c.pendingRequests[requestID] = pending
	c.pendingMutex.Unlock()

	defer func() {
		c.pendingMutex.Lock()
		delete(c.pendingRequests, requestID)
		c.pendingMutex.Unlock()
	}()

	msg.SetRequestID(requestID)
	msg.SetReplyTo("")

	if err := c.sender.SendMessage(peerAddress, msg); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	timer := time.NewTimer(c.config.MaxResponseWaitTimeout)
	defer timer.Stop()

	select {
	case response := <-pending.responses:
		return response, nil
	case <-pending.gone:
		return nil, fmt.Errorf("%w: %s", ErrPeerGone, peerAddress)
	case <-timer.C:
		return nil, fmt.Errorf("%w from %s after %s", ErrTimeout, peerAddress, c.config.MaxResponseWaitTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleResponse delivers msg to the request waiting for it. It returns
// false when msg answers nothing pending from peerAddress.
func (c *Client) HandleResponse(peerAddress string, msg RequestResponse) bool {
	replyTo := msg.GetReplyTo()
	if replyTo == "" {
		return false
	}

	c.pendingMutex.RLock()
	pending, exists := c.pendingRequests[replyTo]
	c.pendingMutex.RUnlock()

	// a reply from anyone but the asked peer is ignored
	if !exists || pending.peer != peerAddress {
		return false
	}

	select {
	case pending.responses <- msg:
		return true
	default:
		return false
	}
}

// CancelPeer fails every request in flight to peerAddress. Requests to
// other peers are untouched.
func (c *Client) CancelPeer(peerAddress string) int {
	c.pendingMutex.Lock()
	defer c.pendingMutex.Unlock()
	n := 0
	for _, p := range c.pendingRequests {
		if p.peer == peerAddress {
			select {
			case <-p.gone:
			default:
				close(p.gone)
				n++
			}
		}
	}
	return n
}

// GetPendingRequestCount returns the number of currently pending requests
func (c *Client) GetPendingRequestCount() int {
	c.pendingMutex.RLock()
	defer c.pendingMutex.RUnlock()
	return len(c.pendingRequests)
}
