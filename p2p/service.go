package p2p

import (
	"auric/blockchain"
	"auric/blockchain/chain"
	"auric/p2p/reqresp"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Chain is the part of the chain state the sync protocol drives.
type Chain interface {
	GetTip() blockchain.ChainTip
	GetBlocks(from, to uint64, limit int) ([]*blockchain.Block, error)
	GetBlockByHash(hash blockchain.Hash32) (*blockchain.Block, error)
	HasBlock(hash blockchain.Hash32) bool
	RecentHashes(n int) []blockchain.Hash32
	ProcessBlock(block *blockchain.Block) (chain.Result, error)
	Params() *blockchain.Params
}

// TxPool holds relayed transactions pending inclusion.
type TxPool interface {
	Add(tx *blockchain.Transaction) error
	Has(id blockchain.Hash32) bool
}

// ServiceConfig tunes block sync and announcements
type ServiceConfig struct {
	SyncInterval        time.Duration
	AnnounceInterval    time.Duration
	MaxBlocksPerRequest int
	InventorySize       int
	ImportQueue         int
}

// DefaultServiceConfig returns the default sync settings
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		SyncInterval:        10 * time.Second,
		AnnounceInterval:    30 * time.Second,
		MaxBlocksPerRequest: 50,
		InventorySize:       16,
		ImportQueue:         128,
	}
}

type importResult struct {
	result chain.Result
	err    error
}

type importJob struct {
	block  *blockchain.Block
	origin string
	// sync jobs come from BlockSyncer, which handles gaps itself
	sync bool
	done chan importResult
}

// Service is the peer-facing protocol: it answers block requests, feeds
// received blocks and transactions into the chain and pool, and relays
// what was accepted.
type Service struct {
	config ServiceConfig
	server *Server
	chain  Chain
	pool   TxPool
	nodeID string
	syncer *BlockSyncer

	imports  chan *importJob
	fetching sync.Map

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates the protocol service and installs it as the server's
// message handler.
func NewService(config ServiceConfig, server *Server, c Chain, pool TxPool) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		config:  config,
		server:  server,
		chain:   c,
		pool:    pool,
		nodeID:  server.config.NodeID,
		imports: make(chan *importJob, config.ImportQueue),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.syncer = NewBlockSyncer(s, config.SyncInterval)
	server.SetHandler(s)
	return s
}

// Start launches the import goroutine, block sync and tip announcements.
func (s *Service) Start() {
	s.wg.Add(2)
	go s.importLoop()
	go s.announceLoop()
	s.syncer.Start()
}

// Stop ends background work. The server is stopped separately.
func (s *Service) Stop() {
	s.cancel()
	s.syncer.Stop()
	s.wg.Wait()
}

// Syncer returns the block syncer
func (s *Service) Syncer() *BlockSyncer {
	return s.syncer
}

// ImportBlock hands block to the import goroutine and waits for the chain's
// verdict. origin is the peer it came from, empty for local blocks.
func (s *Service) ImportBlock(ctx context.Context, block *blockchain.Block, origin string) (chain.Result, error) {
	return s.importBlock(ctx, block, origin, false)
}

func (s *Service) importBlock(ctx context.Context, block *blockchain.Block, origin string, fromSync bool) (chain.Result, error) {
	job := &importJob{block: block, origin: origin, sync: fromSync, done: make(chan importResult, 1)}
	select {
	case s.imports <- job:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.ctx.Done():
		return 0, ErrServerStopped
	}
	select {
	case r := <-job.done:
		return r.result, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.ctx.Done():
		return 0, ErrServerStopped
	}
}

// enqueue imports a gossiped block without waiting for the outcome.
func (s *Service) enqueue(block *blockchain.Block, origin string) {
	job := &importJob{block: block, origin: origin, done: make(chan importResult, 1)}
	select {
	case s.imports <- job:
	case <-s.ctx.Done():
	}
}

// importLoop is the only goroutine that hands network blocks to the chain.
func (s *Service) importLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case job := <-s.imports:
			res, err := s.chain.ProcessBlock(job.block)
			s.afterImport(job, res, err)
			job.done <- importResult{result: res, err: err}
		}
	}
}

func (s *Service) afterImport(job *importJob, res chain.Result, err error) {
	b := job.block
	var missing blockchain.ErrMissingParent
	switch {
	case err == nil && res.Accepted():
		s.server.logf("Block %d %x from %s: %s", b.Height(), b.Hash[:8], originName(job.origin), res)
		if !job.sync {
			s.RelayBlock(b, job.origin)
		}
	case errors.As(err, &missing):
		if job.sync || job.origin == "" {
			return
		}
		s.server.logf("Block %d %x from %s needs %x", b.Height(), b.Hash[:8], job.origin, missing.Hash[:8])
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.fetchByHash(job.origin, []blockchain.Hash32{missing.Hash})
		}()
	case err != nil:
		s.server.logf("Block %d %x from %s rejected: %v", b.Height(), b.Hash[:8], originName(job.origin), err)
		if job.origin != "" && blockchain.IsPeerFault(err) {
			s.server.Penalize(job.origin, blockchain.RejectCode(err))
		}
	}
}

func originName(origin string) string {
	if origin == "" {
		return "local"
	}
	return origin
}

// fetchByHash asks peer for the given blocks and imports them oldest first.
func (s *Service) fetchByHash(peerAddress string, hashes []blockchain.Hash32) {
	var want []blockchain.Hash32
	for _, h := range hashes {
		if _, busy := s.fetching.LoadOrStore(h, struct{}{}); !busy {
			want = append(want, h)
		}
	}
	defer func() {
		for _, h := range want {
			s.fetching.Delete(h)
		}
	}()
	if len(want) == 0 {
		return
	}

	blocks, err := s.RequestBlocksByHash(s.ctx, peerAddress, want)
	if err != nil {
		s.server.logf("Failed to fetch %d blocks from %s: %v", len(want), peerAddress, err)
		return
	}
	sortByHeight(blocks)
	for _, b := range blocks {
		if _, err := s.ImportBlock(s.ctx, b, peerAddress); err != nil && errors.Is(err, ErrServerStopped) {
			return
		}
	}
}

func sortByHeight(blocks []*blockchain.Block) {
	for i := 1; i < len(blocks); i++ {
		for j := i; j > 0 && blocks[j].Height() < blocks[j-1].Height(); j-- {
			blocks[j], blocks[j-1] = blocks[j-1], blocks[j]
		}
	}
}

// RelayBlock sends block to every connected peer except excludePeerAddr.
func (s *Service) RelayBlock(block *blockchain.Block, excludePeerAddr string) int {
	msg, err := NewMessage(MessageTypeBlock, BlockPayload{Block: block})
	if err != nil {
		s.server.logf("Failed to create relay message for block %x: %v", block.Hash[:8], err)
		return 0
	}
	return s.server.Broadcast(msg, excludePeerAddr)
}

// BroadcastTransaction sends tx to every connected peer except
// excludePeerAddr.
func (s *Service) BroadcastTransaction(tx *blockchain.Transaction, excludePeerAddr string) int {
	msg, err := NewMessage(MessageTypeTx, TxPayload{Transaction: tx})
	if err != nil {
		s.server.logf("Failed to create transaction message: %v", err)
		return 0
	}
	return s.server.Broadcast(msg, excludePeerAddr)
}

// AnnounceTip advertises our tip and recent hashes to all peers.
func (s *Service) AnnounceTip() int {
	tip := s.chain.GetTip()
	inv := InventoryPayload{
		TipHeight:   tip.Height,
		TipHash:     tip.Hash,
		KnownHashes: s.chain.RecentHashes(s.config.InventorySize),
	}
	msg, err := NewMessage(MessageTypeInventory, inv)
	if err != nil {
		return 0
	}
	return s.server.Broadcast(msg, "")
}

func (s *Service) announceLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.AnnounceTip()
		}
	}
}

// RequestBlocks fetches active blocks from..to from a peer.
func (s *Service) RequestBlocks(ctx context.Context, peerAddress string, from, to uint64) ([]*blockchain.Block, error) {
	msg, err := NewMessage(MessageTypeGetBlocks, GetBlocksPayload{From: from, To: to})
	if err != nil {
		return nil, err
	}
	return s.requestBlocks(ctx, peerAddress, msg)
}

// RequestBlocksByHash fetches specific blocks from a peer.
func (s *Service) RequestBlocksByHash(ctx context.Context, peerAddress string, hashes []blockchain.Hash32) ([]*blockchain.Block, error) {
	msg, err := NewMessage(MessageTypeGetBlocksByHash, GetBlocksByHashPayload{Hashes: hashes})
	if err != nil {
		return nil, err
	}
	return s.requestBlocks(ctx, peerAddress, msg)
}

func (s *Service) requestBlocks(ctx context.Context, peerAddress string, msg *Message) ([]*blockchain.Block, error) {
	resp, err := s.server.Request(ctx, peerAddress, msg)
	if err != nil {
		if errors.Is(err, reqresp.ErrTimeout) {
			return nil, fmt.Errorf("%w: %v", blockchain.ErrNetworkTimeout, err)
		}
		return nil, err
	}
	if resp.Type != MessageTypeBlocks {
		return nil, fmt.Errorf("%w: %s answered %s with %s", blockchain.ErrMalformed, peerAddress, msg.Type, resp.Type)
	}
	var payload BlocksPayload
	if err := resp.ParsePayload(&payload); err != nil {
		return nil, fmt.Errorf("%w: blocks from %s: %v", blockchain.ErrMalformed, peerAddress, err)
	}
	for _, b := range payload.Blocks {
		if b == nil {
			return nil, fmt.Errorf("%w: null block from %s", blockchain.ErrMalformed, peerAddress)
		}
	}
	return payload.Blocks, nil
}
