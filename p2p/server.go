package p2p

import (
	"auric/events"
	"auric/p2p/reqresp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrSendQueueFull    = errors.New("peer send queue full")
	ErrServerStopped    = errors.New("p2p server stopped")
)

// Path is the HTTP path peers upgrade on
const Path = "/p2p"

// Config holds P2P server configuration
type Config struct {
	ListenAddr string
	NodeID     string

	// MaxMessageBytes bounds a single frame; larger frames end the connection
	MaxMessageBytes int64
	// ReadTimeout is the longest a peer may stay silent
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	SendQueue        int

	Policy  PeerPolicy
	ReqResp reqresp.Config
	Events  events.Emitter
}

// DefaultConfig returns the default server configuration
func DefaultConfig() Config {
	return Config{
		ListenAddr:       ":7070",
		MaxMessageBytes:  10 << 20,
		ReadTimeout:      90 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		SendQueue:        256,
		Policy:           DefaultPeerPolicy(),
		ReqResp:          reqresp.DefaultConfig(),
	}
}

// Handler receives peer lifecycle callbacks and decoded messages. Calls for
// one peer come from that peer's read goroutine, in order.
type Handler interface {
	PeerConnected(peer *Peer)
	PeerDisconnected(peer *Peer)
	HandleMessage(peer *Peer, msg *Message)
}

type peerConn struct {
	peer      *Peer
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (pc *peerConn) close() {
	pc.closeOnce.Do(func() {
		close(pc.done)
		pc.ws.Close()
	})
}

// Server handles P2P networking and message passing
type Server struct {
	config      Config
	listener    net.Listener
	httpServer  *http.Server
	upgrader    websocket.Upgrader
	peerManager *PeerManager
	reqResp     *reqresp.Client
	handler     Handler
	events      events.Emitter

	connsMu  sync.RWMutex
	conns    map[string]*peerConn
	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates a new P2P server
func NewServer(config Config) *Server {
	if config.Events == nil {
		config.Events = events.Nop
	}
	s := &Server{
		config:      config,
		peerManager: NewPeerManager(config.Policy),
		events:      config.Events,
		conns:       make(map[string]*peerConn),
		shutdown:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: config.HandshakeTimeout,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
	s.reqResp = reqresp.NewClient(config.ReqResp, s)
	return s
}

// logf logs with node ID prefix
func (s *Server) logf(format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	log.Printf("%s\tP2P\t%s", s.config.NodeID, message)
}

// SetHandler installs the message handler. It must be called before Start.
func (s *Server) SetHandler(h Handler) {
	s.handler = h
}

// Start begins listening for P2P connections
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.handleUpgrade)
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: s.config.HandshakeTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logf("serve: %v", err)
		}
	}()

	s.logf("listening on %s", listener.Addr())
	return nil
}

// Addr returns the bound listen address
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.peerManager.IsBanned(r.RemoteAddr) {
		http.Error(w, ErrPeerBanned.Error(), http.StatusForbidden)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logf("upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	s.runPeer(ws, r.RemoteAddr, true)
}

// Connect dials a peer and services the connection in the background.
func (s *Server) Connect(ctx context.Context, address string) error {
	if s.peerManager.IsBanned(address) {
		return ErrPeerBanned
	}
	if _, ok := s.peerManager.GetPeer(address); ok {
		return ErrPeerExists
	}
	dialer := websocket.Dialer{HandshakeTimeout: s.config.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, "ws://"+address+Path, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, err)
	}
	go s.runPeer(ws, address, false)
	return nil
}

func (s *Server) runPeer(ws *websocket.Conn, address string, inbound bool) {
	peer, err := s.peerManager.AddPeer(address, inbound)
	if err != nil {
		s.logf("refusing peer %s: %v", address, err)
		deadline := time.Now().Add(s.config.WriteTimeout)
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()), deadline)
		ws.Close()
		return
	}

	pc := &peerConn{
		peer: peer,
		ws:   ws,
		send: make(chan []byte, s.config.SendQueue),
		done: make(chan struct{}),
	}

	s.connsMu.Lock()
	select {
	case <-s.shutdown:
		s.connsMu.Unlock()
		s.peerManager.RemovePeer(address)
		ws.Close()
		return
	default:
	}
	s.conns[address] = pc
	s.wg.Add(1)
	s.connsMu.Unlock()

	s.logf("peer %s connected (inbound=%v)", address, inbound)
	s.events.Emit(events.New(events.PeerConnected, events.SeverityInfo, address, "peer connected"))

	defer func() {
		pc.close()
		s.connsMu.Lock()
		delete(s.conns, address)
		s.connsMu.Unlock()
		s.peerManager.RemovePeer(address)
		if n := s.reqResp.CancelPeer(address); n > 0 {
			s.logf("cancelled %d requests in flight to %s", n, address)
		}
		if s.handler != nil {
			s.handler.PeerDisconnected(peer)
		}
		s.events.Emit(events.New(events.PeerDisconnected, events.SeverityInfo, address, "peer disconnected"))
		s.logf("peer %s disconnected", address)
		s.wg.Done()
	}()

	go s.writeLoop(pc)
	if s.handler != nil {
		s.handler.PeerConnected(peer)
	}
	s.readLoop(pc)
}

func (s *Server) readLoop(pc *peerConn) {
	address := pc.peer.Address
	pc.ws.SetReadLimit(s.config.MaxMessageBytes)

	for {
		pc.ws.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		typ, data, err := pc.ws.ReadMessage()
		if err != nil {
			s.readFailed(pc, err)
			return
		}
		if typ != websocket.TextMessage {
			s.malformed(pc, fmt.Errorf("%w: frame type %d", ErrMalformedMessage, typ))
			return
		}
		if !s.peerManager.Allow(address) {
			s.events.Emit(events.New(events.RateLimited, events.SeverityWarning, address, "message rate exceeded"))
			s.Penalize(address, "message rate exceeded")
			continue
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			s.malformed(pc, err)
			return
		}
		s.peerManager.Touch(address)

		if s.reqResp.HandleResponse(address, msg) {
			continue
		}
		if msg.ReplyTo != "" {
			// late answer to a request that already timed out
			continue
		}
		if s.handler != nil {
			s.handler.HandleMessage(pc.peer, msg)
		}
	}
}

func (s *Server) readFailed(pc *peerConn, err error) {
	address := pc.peer.Address
	var netErr net.Error
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.logf("peer %s sent a frame over %d bytes", address, s.config.MaxMessageBytes)
		s.events.Emit(events.New(events.OversizedMessage, events.SeverityWarning, address, err.Error()))
		s.Penalize(address, "oversized message")
	case errors.As(err, &netErr) && netErr.Timeout():
		s.logf("peer %s timed out", address)
		s.events.Emit(events.New(events.PeerTimeout, events.SeverityWarning, address, "no traffic within read timeout"))
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
	default:
		select {
		case <-pc.done:
		default:
			s.logf("read from %s: %v", address, err)
		}
	}
}

func (s *Server) malformed(pc *peerConn, err error) {
	s.logf("malformed message from %s: %v", pc.peer.Address, err)
	s.events.Emit(events.New(events.MalformedMessage, events.SeverityWarning, pc.peer.Address, err.Error()))
	s.Penalize(pc.peer.Address, "malformed message")
}

func (s *Server) writeLoop(pc *peerConn) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	write := func(data []byte) bool {
		pc.ws.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		if err := pc.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			s.logf("write to %s: %v", pc.peer.Address, err)
			pc.close()
			return false
		}
		return true
	}

	for {
		select {
		case data := <-pc.send:
			if !write(data) {
				return
			}
		case <-ticker.C:
			msg, err := NewMessage(MessageTypePing, PingPayload{Timestamp: time.Now().Unix()})
			if err != nil {
				continue
			}
			data, err := json.Marshal(msg)
			if err != nil || !write(data) {
				return
			}
		case <-pc.done:
			deadline := time.Now().Add(s.config.WriteTimeout)
			_ = pc.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

// SendMessage implements the MessageSender interface for reqresp client
func (s *Server) SendMessage(peerAddress string, msg reqresp.RequestResponse) error {
	message, ok := msg.(*Message)
	if !ok {
		return fmt.Errorf("invalid message type %T", msg)
	}
	return s.Send(peerAddress, message)
}

// Send queues msg for peerAddress. A peer whose queue is full is dropped.
func (s *Server) Send(peerAddress string, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	s.connsMu.RLock()
	pc, ok := s.conns[peerAddress]
	s.connsMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerAddress)
	}

	select {
	case <-pc.done:
		return fmt.Errorf("%w: %s", reqresp.ErrPeerGone, peerAddress)
	default:
	}
	select {
	case pc.send <- data:
		return nil
	default:
		s.logf("send queue to %s full, dropping peer", peerAddress)
		pc.close()
		return fmt.Errorf("%w: %s", ErrSendQueueFull, peerAddress)
	}
}

// Broadcast sends msg to every connected peer except exclude and returns
// how many peers it was queued for.
func (s *Server) Broadcast(msg *Message, exclude string) int {
	sent := 0
	for _, peer := range s.peerManager.GetConnectedPeers() {
		if peer.Address == exclude {
			continue
		}
		if err := s.Send(peer.Address, msg); err != nil {
			s.logf("broadcast %s to %s: %v", msg.Type, peer.Address, err)
			continue
		}
		sent++
	}
	return sent
}

// Request sends msg and waits for the peer's reply.
func (s *Server) Request(ctx context.Context, peerAddress string, msg *Message) (*Message, error) {
	resp, err := s.reqResp.SendRequest(ctx, peerAddress, msg)
	if err != nil {
		return nil, err
	}
	return resp.(*Message), nil
}

// Disconnect closes the connection to peerAddress.
func (s *Server) Disconnect(peerAddress, reason string) {
	s.connsMu.RLock()
	pc, ok := s.conns[peerAddress]
	s.connsMu.RUnlock()
	if ok {
		s.logf("disconnecting %s: %s", peerAddress, reason)
		pc.close()
	}
}

// Penalize records a protocol violation and drops the peer once it is
// banned.
func (s *Server) Penalize(peerAddress, reason string) {
	if !s.peerManager.Misbehaving(peerAddress) {
		return
	}
	s.logf("banning %s: %s", peerAddress, reason)
	s.events.Emit(events.New(events.PeerBanned, events.SeverityError, peerAddress, reason))
	s.Disconnect(peerAddress, "banned")
}

// GetPeerManager returns the peer manager
func (s *Server) GetPeerManager() *PeerManager {
	return s.peerManager
}

// Stop closes the listener and every peer connection
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.connsMu.Lock()
		close(s.shutdown)
		conns := make([]*peerConn, 0, len(s.conns))
		for _, pc := range s.conns {
			conns = append(conns, pc)
		}
		s.connsMu.Unlock()

		if s.httpServer != nil {
			err = s.httpServer.Close()
		}
		for _, pc := range conns {
			pc.close()
		}
		s.wg.Wait()
	})
	return err
}
