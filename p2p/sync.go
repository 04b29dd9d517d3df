package p2p

import (
	"auric/blockchain"
	"auric/events"
	"auric/p2p/reqresp"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// SyncState tracks the state of block synchronization
type SyncState int

const (
	// SyncStateIdle - not syncing
	SyncStateIdle SyncState = iota
	// SyncStateSyncing - fetching blocks from a peer
	SyncStateSyncing
	// SyncStateCaughtUp - no peer advertises a higher tip
	SyncStateCaughtUp
)

func (s SyncState) String() string {
	switch s {
	case SyncStateSyncing:
		return "syncing"
	case SyncStateCaughtUp:
		return "caught-up"
	default:
		return "idle"
	}
}

// BlockSyncer downloads the active chain of peers that advertise a higher
// tip. It works against one peer at a time; a peer that times out or
// serves invalid blocks is skipped and the next best peer is tried.
type BlockSyncer struct {
	mu       sync.RWMutex
	service  *Service
	interval time.Duration
	state    SyncState
	trigger  chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewBlockSyncer creates a syncer driven by service
func NewBlockSyncer(service *Service, interval time.Duration) *BlockSyncer {
	return &BlockSyncer{
		service:  service,
		interval: interval,
		state:    SyncStateIdle,
		trigger:  make(chan struct{}, 1),
	}
}

// Start starts the sync loop
func (bs *BlockSyncer) Start() {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.started {
		return
	}
	bs.ctx, bs.cancel = context.WithCancel(bs.service.ctx)
	bs.started = true
	bs.wg.Add(1)
	go bs.syncLoop()
}

// Stop stops the sync loop and waits for it
func (bs *BlockSyncer) Stop() {
	bs.mu.Lock()
	if !bs.started {
		bs.mu.Unlock()
		return
	}
	bs.started = false
	bs.mu.Unlock()

	bs.cancel()
	bs.wg.Wait()
}

// Trigger asks for a sync round without waiting for the next tick.
func (bs *BlockSyncer) Trigger() {
	select {
	case bs.trigger <- struct{}{}:
	default:
	}
}

// State returns the current sync state
func (bs *BlockSyncer) State() SyncState {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.state
}

func (bs *BlockSyncer) setState(state SyncState) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.state != state {
		bs.service.server.logf("sync: %s -> %s", bs.state, state)
		bs.state = state
	}
}

func (bs *BlockSyncer) syncLoop() {
	defer bs.wg.Done()

	ticker := time.NewTicker(bs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-bs.ctx.Done():
			return
		case <-ticker.C:
		case <-bs.trigger:
		}
		bs.syncRound()
	}
}

// syncRound syncs from the best peers in turn until none advertises more
// than we have.
func (bs *BlockSyncer) syncRound() {
	srv := bs.service.server
	tried := make(map[string]bool)
	for {
		if bs.ctx.Err() != nil {
			return
		}
		tip := bs.service.chain.GetTip()
		peer, ok := srv.peerManager.BestPeer(tip.Height, tried)
		if !ok {
			if bs.State() == SyncStateSyncing || len(tried) == 0 {
				bs.setState(SyncStateCaughtUp)
			}
			return
		}
		tried[peer.Address] = true
		bs.setState(SyncStateSyncing)

		err := bs.syncFrom(peer)
		switch {
		case err == nil:
		case errors.Is(err, blockchain.ErrNetworkTimeout):
			srv.events.Emit(events.New(events.PeerTimeout, events.SeverityWarning, peer.Address, err.Error()))
			srv.Disconnect(peer.Address, "stalled during sync")
		case blockchain.IsPeerFault(err):
			srv.logf("sync: %s served an invalid chain: %v", peer.Address, err)
			srv.Penalize(peer.Address, "invalid block during sync")
		case errors.Is(err, blockchain.ErrStorageFailure):
			srv.logf("sync: stopping, chain halted: %v", err)
			return
		case errors.Is(err, context.Canceled), errors.Is(err, ErrServerStopped):
			return
		default:
			srv.logf("sync: from %s: %v", peer.Address, err)
		}
	}
}

// syncFrom requests blocks from our tip upward. When a batch does not
// connect, the start height steps back by a doubling amount, never further
// than MaxReorgDepth below our tip.
func (bs *BlockSyncer) syncFrom(peer *Peer) error {
	svc := bs.service
	params := svc.chain.Params()
	batch := uint64(svc.config.MaxBlocksPerRequest)

	tip := svc.chain.GetTip()
	from := tip.Height + 1
	var back uint64

	for {
		if err := bs.ctx.Err(); err != nil {
			return err
		}
		blocks, err := svc.RequestBlocks(bs.ctx, peer.Address, from, from+batch-1)
		if err != nil {
			if errors.Is(err, reqresp.ErrPeerGone) {
				return nil
			}
			return err
		}
		if len(blocks) == 0 {
			return nil
		}

		disconnected := false
		for i, b := range blocks {
			if b.Height() != from+uint64(i) {
				return fmt.Errorf("%w: asked for height %d, got %d", blockchain.ErrMalformed, from+uint64(i), b.Height())
			}
			_, err := svc.importBlock(bs.ctx, b, peer.Address, true)
			var missing blockchain.ErrMissingParent
			if errors.As(err, &missing) {
				disconnected = true
				break
			}
			if err != nil {
				return err
			}
		}

		if disconnected {
			if back == 0 {
				back = 1
			} else {
				back *= 2
			}
			if back > params.MaxReorgDepth {
				return fmt.Errorf("%w: %s diverges more than %d blocks below our tip", blockchain.ErrReorgTooDeep, peer.Address, params.MaxReorgDepth)
			}
			tip = svc.chain.GetTip()
			if back >= tip.Height {
				if from == 1 {
					// everything above genesis was offered and none of it connects
					return fmt.Errorf("%w: chain from %s does not descend from our genesis", blockchain.ErrConsensusViolation, peer.Address)
				}
				back = tip.Height
			}
			from = tip.Height + 1 - back
			svc.server.logf("sync: batch from %s does not connect, retrying from %d", peer.Address, from)
			continue
		}

		last := blocks[len(blocks)-1].Height()
		if last >= peer.View().Height {
			return nil
		}
		from = last + 1
	}
}
