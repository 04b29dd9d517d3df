package p2p

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DiscoveryConfig holds the statically configured peers to keep connected.
type DiscoveryConfig struct {
	SeedPeers   []string
	P2PServer   *Server
	Interval    time.Duration
	DialTimeout time.Duration
}

// Discovery keeps connections to the configured seed peers. Addresses are
// supplied by the operator; nothing is learned from other peers.
type Discovery struct {
	config DiscoveryConfig
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDiscovery creates a new discovery service
func NewDiscovery(config DiscoveryConfig) *Discovery {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Discovery{config: config, ctx: ctx, cancel: cancel}
}

// Start dials every seed now and redials dropped ones periodically.
func (d *Discovery) Start() {
	d.config.P2PServer.logf("Starting with %d seed peers", len(d.config.SeedPeers))
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.connectToSeeds()
		d.periodicDiscovery()
	}()
}

func (d *Discovery) Stop() {
	d.cancel()
	d.wg.Wait()
}

// connectToSeeds attempts to connect to every seed not already connected
// and returns how many new connections were made.
func (d *Discovery) connectToSeeds() int {
	pm := d.config.P2PServer.GetPeerManager()
	connected := 0
	for _, seedAddr := range d.config.SeedPeers {
		if _, ok := pm.GetPeer(seedAddr); ok {
			continue
		}
		if d.connectToPeer(seedAddr) {
			connected++
		}
	}
	return connected
}

// connectToPeer attempts to connect to a specific peer
func (d *Discovery) connectToPeer(address string) bool {
	ctx, cancel := context.WithTimeout(d.ctx, d.config.DialTimeout)
	defer cancel()

	err := d.config.P2PServer.Connect(ctx, address)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrPeerExists), errors.Is(err, context.Canceled):
	default:
		d.config.P2PServer.logf("Failed to connect to peer %s: %v", address, err)
	}
	return false
}

// periodicDiscovery redials seeds that dropped
func (d *Discovery) periodicDiscovery() {
	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if n := d.connectToSeeds(); n > 0 {
				d.config.P2PServer.logf("Reconnected to %d seed peers", n)
			}
		}
	}
}
