package p2p

import (
	"auric/blockchain"
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrPeerLimit   = errors.New("peer limit reached")
	ErrPeerExists  = errors.New("peer already connected")
	ErrPeerBanned  = errors.New("peer is banned")
	ErrUnknownPeer = errors.New("unknown peer")
)

type PeerStatus int

const (
	PeerDisconnected PeerStatus = iota
	PeerConnecting
	PeerConnected
	PeerFailed
)

func (s PeerStatus) String() string {
	switch s {
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// PeerView is the best chain tip a peer has advertised.
type PeerView struct {
	Height    uint64
	Hash      blockchain.Hash32
	UpdatedAt time.Time
}

// Peer is one live connection. Address is the remote address of the
// connection and the key under which the peer is tracked.
type Peer struct {
	ID       string
	Address  string
	Inbound  bool
	LastSeen time.Time
	Status   PeerStatus

	mu         sync.Mutex
	view       PeerView
	violations int
	limiter    *rate.Limiter
}

// View returns the peer's last advertised tip.
func (p *Peer) View() PeerView {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.view
}

// IsConnected reports whether the peer completed its Hello.
func (p *Peer) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Status == PeerConnected
}

// Host is the address without port; bans apply to it.
func (p *Peer) Host() string {
	return hostOf(p.Address)
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// PeerPolicy bounds peers and their behaviour
type PeerPolicy struct {
	MaxPeers     int
	BanThreshold int
	BanDuration  time.Duration
	// MessageRate is the sustained messages per second allowed per peer
	MessageRate  float64
	MessageBurst int
}

// DefaultPeerPolicy returns the default peer limits
func DefaultPeerPolicy() PeerPolicy {
	return PeerPolicy{
		MaxPeers:     8,
		BanThreshold: 5,
		BanDuration:  15 * time.Minute,
		MessageRate:  5,
		MessageBurst: 100,
	}
}

type PeerManager struct {
	mu     sync.RWMutex
	policy PeerPolicy
	peers  map[string]*Peer
	banned map[string]time.Time
	now    func() time.Time
}

func NewPeerManager(policy PeerPolicy) *PeerManager {
	return &PeerManager{
		policy: policy,
		peers:  make(map[string]*Peer),
		banned: make(map[string]time.Time),
		now:    time.Now,
	}
}

// AddPeer registers a new connection from or to address.
func (pm *PeerManager) AddPeer(address string, inbound bool) (*Peer, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.isBannedLocked(hostOf(address)) {
		return nil, ErrPeerBanned
	}
	if _, ok := pm.peers[address]; ok {
		return nil, ErrPeerExists
	}
	if len(pm.peers) >= pm.policy.MaxPeers {
		return nil, ErrPeerLimit
	}

	peer := &Peer{
		Address:  address,
		Inbound:  inbound,
		LastSeen: pm.now(),
		Status:   PeerConnecting,
		limiter:  rate.NewLimiter(rate.Limit(pm.policy.MessageRate), pm.policy.MessageBurst),
	}
	pm.peers[address] = peer
	return peer, nil
}

func (pm *PeerManager) RemovePeer(address string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if p, ok := pm.peers[address]; ok {
		p.mu.Lock()
		p.Status = PeerDisconnected
		p.mu.Unlock()
		delete(pm.peers, address)
	}
}

func (pm *PeerManager) GetPeer(address string) (*Peer, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	p, ok := pm.peers[address]
	return p, ok
}

// FindByID returns the connected peer that introduced itself as id.
func (pm *PeerManager) FindByID(id string) (*Peer, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	for _, p := range pm.peers {
		p.mu.Lock()
		match := p.ID == id && p.Status == PeerConnected
		p.mu.Unlock()
		if match {
			return p, true
		}
	}
	return nil, false
}

// MarkConnected records the peer's node id and tip after Hello.
func (pm *PeerManager) MarkConnected(address, id string, view PeerView) error {
	pm.mu.RLock()
	p, ok := pm.peers[address]
	pm.mu.RUnlock()
	if !ok {
		return ErrUnknownPeer
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ID = id
	p.Status = PeerConnected
	p.view = view
	p.LastSeen = pm.now()
	return nil
}

func (pm *PeerManager) GetConnectedPeers() []*Peer {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	connectedPeers := make([]*Peer, 0, len(pm.peers))
	for _, p := range pm.peers {
		p.mu.Lock()
		status := p.Status
		p.mu.Unlock()
		if status == PeerConnected {
			connectedPeers = append(connectedPeers, p)
		}
	}
	return connectedPeers
}

func (pm *PeerManager) Count() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.peers)
}

// UpdateView raises the peer's advertised tip. Views only move forward in
// height so a stale announcement cannot lower them.
func (pm *PeerManager) UpdateView(address string, height uint64, hash blockchain.Hash32) {
	p, ok := pm.GetPeer(address)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LastSeen = pm.now()
	if height >= p.view.Height {
		p.view = PeerView{Height: height, Hash: hash, UpdatedAt: pm.now()}
	}
}

// Touch records traffic from the peer.
func (pm *PeerManager) Touch(address string) {
	if p, ok := pm.GetPeer(address); ok {
		p.mu.Lock()
		p.LastSeen = pm.now()
		p.mu.Unlock()
	}
}

// Allow takes one token from the peer's message budget.
func (pm *PeerManager) Allow(address string) bool {
	p, ok := pm.GetPeer(address)
	if !ok {
		return false
	}
	return p.limiter.Allow()
}

// Misbehaving counts one protocol violation against the peer and reports
// whether it crossed the ban threshold. A banned host cannot reconnect
// until the ban expires.
func (pm *PeerManager) Misbehaving(address string) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	p, ok := pm.peers[address]
	if !ok {
		return false
	}
	p.mu.Lock()
	p.violations++
	n := p.violations
	p.mu.Unlock()
	if n < pm.policy.BanThreshold {
		return false
	}
	pm.banned[hostOf(address)] = pm.now().Add(pm.policy.BanDuration)
	return true
}

// Ban excludes the peer's host immediately.
func (pm *PeerManager) Ban(address string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.banned[hostOf(address)] = pm.now().Add(pm.policy.BanDuration)
}

func (pm *PeerManager) IsBanned(address string) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.isBannedLocked(hostOf(address))
}

func (pm *PeerManager) isBannedLocked(host string) bool {
	until, ok := pm.banned[host]
	if !ok {
		return false
	}
	if !pm.now().Before(until) {
		delete(pm.banned, host)
		return false
	}
	return true
}

// BestPeer returns the connected peer advertising the highest tip above
// minHeight, skipping excluded addresses.
func (pm *PeerManager) BestPeer(minHeight uint64, exclude map[string]bool) (*Peer, bool) {
	var best *Peer
	var bestHeight uint64
	for _, p := range pm.GetConnectedPeers() {
		if exclude[p.Address] {
			continue
		}
		v := p.View()
		if v.Height <= minHeight {
			continue
		}
		if best == nil || v.Height > bestHeight {
			best, bestHeight = p, v.Height
		}
	}
	return best, best != nil
}
