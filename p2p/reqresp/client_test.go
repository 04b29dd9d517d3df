package reqresp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type testMessage struct {
	requestID string
	replyTo   string
	body      string
}

func (m *testMessage) GetRequestID() string   { return m.requestID }
func (m *testMessage) SetRequestID(id string) { m.requestID = id }
func (m *testMessage) GetReplyTo() string     { return m.replyTo }
func (m *testMessage) SetReplyTo(id string)   { m.replyTo = id }

// echoSender answers every request from the addressed peer, unless the
// peer is marked silent.
type echoSender struct {
	mu     sync.Mutex
	client *Client
	silent map[string]bool
	sent   []RequestResponse
}

func (s *echoSender) SendMessage(peer string, msg RequestResponse) error {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	silent := s.silent[peer]
	s.mu.Unlock()
	if silent || msg.GetRequestID() == "" {
		return nil
	}
	reply := &testMessage{replyTo: msg.GetRequestID(), body: "re:" + msg.(*testMessage).body}
	go s.client.HandleResponse(peer, reply)
	return nil
}

func newTestClient(timeout time.Duration) (*Client, *echoSender) {
	sender := &echoSender{silent: make(map[string]bool)}
	client := NewClient(Config{MaxResponseWaitTimeout: timeout, MaxPendingRequests: 2}, sender)
	sender.client = client
	return client, sender
}

func TestSendRequest(t *testing.T) {
	client, _ := newTestClient(time.Second)

	resp, err := client.SendRequest(context.Background(), "peer-a", &testMessage{body: "ping"})
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	if got := resp.(*testMessage).body; got != "re:ping" {
		t.Errorf("SendRequest() body = %q, want %q", got, "re:ping")
	}
	if n := client.GetPendingRequestCount(); n != 0 {
		t.Errorf("GetPendingRequestCount() = %d, want 0", n)
	}
}

func TestSendRequestTimeout(t *testing.T) {
	client, sender := newTestClient(20 * time.Millisecond)
	sender.silent["peer-a"] = true

	_, err := client.SendRequest(context.Background(), "peer-a", &testMessage{body: "ping"})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("SendRequest() error = %v, want %v", err, ErrTimeout)
	}
}

func TestCancelPeerOnlyAffectsThatPeer(t *testing.T) {
	client, sender := newTestClient(5 * time.Second)
	sender.silent["peer-a"] = true

	errc := make(chan error, 1)
	go func() {
		_, err := client.SendRequest(context.Background(), "peer-a", &testMessage{body: "x"})
		errc <- err
	}()

	deadline := time.Now().Add(time.Second)
	for client.GetPendingRequestCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := client.CancelPeer("peer-b"); n != 0 {
		t.Errorf("CancelPeer(peer-b) = %d, want 0", n)
	}
	if n := client.CancelPeer("peer-a"); n != 1 {
		t.Errorf("CancelPeer(peer-a) = %d, want 1", n)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, ErrPeerGone) {
			t.Errorf("SendRequest() error = %v, want %v", err, ErrPeerGone)
		}
	case <-time.After(time.Second):
		t.Fatal("SendRequest() did not return after CancelPeer")
	}
}

func TestHandleResponseChecksSender(t *testing.T) {
	client, sender := newTestClient(50 * time.Millisecond)
	sender.silent["peer-a"] = true

	done := make(chan error, 1)
	go func() {
		_, err := client.SendRequest(context.Background(), "peer-a", &testMessage{body: "x"})
		done <- err
	}()

	var id string
	deadline := time.Now().Add(time.Second)
	for id == "" && time.Now().Before(deadline) {
		sender.mu.Lock()
		if len(sender.sent) > 0 {
			id = sender.sent[0].GetRequestID()
		}
		sender.mu.Unlock()
		time.Sleep(time.Millisecond)
	}

	if client.HandleResponse("peer-b", &testMessage{replyTo: id}) {
		t.Error("HandleResponse() accepted a reply from the wrong peer")
	}
	if client.HandleResponse("peer-a", &testMessage{}) {
		t.Error("HandleResponse() accepted a message without reply_to")
	}
	if err := <-done; !errors.Is(err, ErrTimeout) {
		t.Errorf("SendRequest() error = %v, want %v", err, ErrTimeout)
	}
}

func TestSendRequestLimit(t *testing.T) {
	client, sender := newTestClient(200 * time.Millisecond)
	sender.silent["slow"] = true

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.SendRequest(context.Background(), "slow", &testMessage{})
		}()
	}
	deadline := time.Now().Add(time.Second)
	for client.GetPendingRequestCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	_, err := client.SendRequest(context.Background(), "slow", &testMessage{})
	if !errors.Is(err, ErrTooManyRequests) {
		t.Errorf("SendRequest() error = %v, want %v", err, ErrTooManyRequests)
	}
	wg.Wait()
}
