package chain

import (
	"auric/blockchain"
	"auric/blockchain/store"
	"auric/events"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strconv"
	"sync"
	"time"
)

// Result says what ProcessBlock did with a block.
type Result int

const (
	ResultExtended Result = iota
	ResultForked
	ResultReorganized
	ResultDuplicate
	ResultOrphaned
)

func (r Result) String() string {
	switch r {
	case ResultExtended:
		return "extended"
	case ResultForked:
		return "forked"
	case ResultReorganized:
		return "reorganized"
	case ResultDuplicate:
		return "duplicate"
	case ResultOrphaned:
		return "orphaned"
	default:
		return "unknown"
	}
}

// Accepted reports whether the block is now part of the block tree.
func (r Result) Accepted() bool {
	return r == ResultExtended || r == ResultForked || r == ResultReorganized
}

// blockNode is one entry of the block tree. Nodes link to their parent by
// hash only.
type blockNode struct {
	hash    blockchain.Hash32
	parent  blockchain.Hash32
	header  blockchain.BlockHeader
	work    *big.Int
	active  bool
	invalid bool
}

func (n *blockNode) height() uint64 {
	return n.header.Index
}

// Listener is told which blocks left and joined the active chain, in the
// order they were applied. It runs after the chain lock is released.
type Listener func(connected, disconnected []*blockchain.Block)

type Options struct {
	Events     events.Emitter
	Now        func() time.Time
	MaxOrphans int
	OrphanTTL  time.Duration
}

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.Events == nil {
		out.Events = events.Nop
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.MaxOrphans <= 0 {
		out.MaxOrphans = 100
	}
	if out.OrphanTTL <= 0 {
		out.OrphanTTL = 20 * time.Minute
	}
	return out
}

// State is the single writer of chain and UTXO state. Every mutation goes
// through ProcessBlock under one mutex; queries take the read lock so they
// see the state between two block applications, never during one.
type State struct {
	mu     sync.RWMutex
	store  store.LedgerStore
	params *blockchain.Params
	events events.Emitter
	now    func() time.Time

	index   map[blockchain.Hash32]*blockNode
	active  []*blockNode
	orphans *orphanPool

	listenersMu sync.Mutex
	listeners   []Listener

	// fault latches the first storage failure; no mutation runs until
	// Recover succeeds.
	fault error
}

// Open loads chain state from st, writing the genesis block into an empty
// store.
func Open(st store.LedgerStore, params *blockchain.Params, opts *Options) (*State, error) {
	if err := params.ValidateBasic(); err != nil {
		return nil, err
	}
	o := opts.withDefaults()
	s := &State{
		store:   st,
		params:  params,
		events:  o.Events,
		now:     o.Now,
		orphans: newOrphanPool(o.MaxOrphans, o.OrphanTTL),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *State) load() error {
	s.index = make(map[blockchain.Hash32]*blockNode)
	s.active = nil

	tipHeight, ok, err := s.store.GetTipHeight()
	if err != nil {
		return err
	}
	if !ok {
		if err := s.store.PutBlockAtomic(blockchain.GenesisBlock, &blockchain.UTXODelta{}); err != nil {
			return err
		}
		log.Printf("CHAIN\twrote genesis %s", blockchain.GenesisBlock.Hash)
	}

	for h := uint64(0); h <= tipHeight; h++ {
		block, err := s.store.GetBlockByHeight(h)
		if err != nil {
			return err
		}
		if h == 0 && !blockchain.IsGenesis(block) {
			return fmt.Errorf("store genesis %s does not match protocol genesis %s", block.Hash, blockchain.GenesisBlock.Hash)
		}
		var parent *blockNode
		if h > 0 {
			parent = s.active[h-1]
		}
		node := newNode(block, parent)
		node.active = true
		s.index[node.hash] = node
		s.active = append(s.active, node)
	}

	side, err := s.store.SideBlocks()
	if err != nil {
		return err
	}
	for progress := true; progress && len(side) > 0; {
		progress = false
		rest := side[:0]
		for _, b := range side {
			parent, ok := s.index[b.Header.PreviousHash]
			if !ok {
				rest = append(rest, b)
				continue
			}
			if _, dup := s.index[b.Hash]; !dup {
				s.index[b.Hash] = newNode(b, parent)
			}
			progress = true
		}
		side = rest
	}
	if len(side) > 0 {
		log.Printf("CHAIN\t%d stored side blocks do not connect, ignoring", len(side))
	}

	tip := s.tip()
	log.Printf("CHAIN\tloaded tip %d %s, %d known blocks", tip.height(), tip.hash, len(s.index))

	// a crash between the two halves of a reorg leaves a heavier branch
	// stored but inactive
	if best := s.bestCandidate(); best != nil {
		if _, _, err := s.reorganize(best); err != nil {
			log.Printf("CHAIN\tresuming switch to %s failed: %v", best.hash, err)
			if s.fault != nil {
				return s.fault
			}
		}
	}
	return nil
}

func newNode(block *blockchain.Block, parent *blockNode) *blockNode {
	var parentWork *big.Int
	if parent != nil {
		parentWork = parent.work
	}
	return &blockNode{
		hash:   block.Hash,
		parent: block.Header.PreviousHash,
		header: block.Header,
		work:   blockchain.AddWork(parentWork, block.Header.Difficulty),
	}
}

func (s *State) tip() *blockNode {
	return s.active[len(s.active)-1]
}

// bestCandidate returns the valid node with the most work if it beats the
// current tip.
func (s *State) bestCandidate() *blockNode {
	tip := s.tip()
	var best *blockNode
	for _, n := range s.index {
		if n.invalid || n.active {
			continue
		}
		if n.work.Cmp(tip.work) <= 0 {
			continue
		}
		if best == nil || n.work.Cmp(best.work) > 0 {
			best = n
		}
	}
	return best
}

// Subscribe registers l for active chain changes.
func (s *State) Subscribe(l Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *State) notify(connected, disconnected []*blockchain.Block) {
	if len(connected) == 0 && len(disconnected) == 0 {
		return
	}
	s.listenersMu.Lock()
	ls := append([]Listener(nil), s.listeners...)
	s.listenersMu.Unlock()
	for _, l := range ls {
		l(connected, disconnected)
	}
}

// ProcessBlock is the only way blocks enter the chain, whether mined
// locally or received from a peer. Orphans waiting on block are processed
// after it.
func (s *State) ProcessBlock(block *blockchain.Block) (Result, error) {
	s.mu.Lock()
	if s.fault != nil {
		err := fmt.Errorf("%w: chain halted: %v", blockchain.ErrStorageFailure, s.fault)
		s.mu.Unlock()
		return 0, err
	}

	block = block.DeepCopy()
	res, connected, disconnected, err := s.processLocked(block)
	if err == nil && res.Accepted() {
		c, d := s.processOrphansLocked(block.Hash)
		connected = append(connected, c...)
		disconnected = append(disconnected, d...)
	}
	s.mu.Unlock()

	s.notify(connected, disconnected)
	return res, err
}

func (s *State) processLocked(block *blockchain.Block) (Result, []*blockchain.Block, []*blockchain.Block, error) {
	if node, ok := s.index[block.Hash]; ok {
		if node.invalid {
			return 0, nil, nil, &blockchain.RuleError{
				Kind:   blockchain.ErrConsensusViolation,
				Code:   blockchain.CodeInvalidChain,
				Reason: fmt.Sprintf("block %s is known invalid", block.Hash),
			}
		}
		return ResultDuplicate, nil, nil, nil
	}
	if block.Header.Index == 0 {
		err := &blockchain.RuleError{
			Kind:   blockchain.ErrConsensusViolation,
			Code:   blockchain.CodeBadHeight,
			Reason: "genesis is fixed and cannot be replaced",
		}
		s.reject(block, err)
		return 0, nil, nil, err
	}

	parent, ok := s.index[block.Header.PreviousHash]
	if !ok {
		if s.orphans.has(block.Hash) {
			return ResultDuplicate, nil, nil, nil
		}
		// the claimed hash keys the pool, so it must be earned first
		if err := blockchain.CheckProofOfWork(block, s.params); err != nil {
			s.reject(block, err)
			return 0, nil, nil, err
		}
		if err := blockchain.CheckBlockSanity(block, s.params); err != nil {
			s.reject(block, err)
			return 0, nil, nil, err
		}
		s.orphans.add(block, s.now())
		missing := s.orphans.root(block.Header.PreviousHash)
		log.Printf("CHAIN\tblock %d %s is orphan, missing %s", block.Height(), block.Hash, missing)
		return ResultOrphaned, nil, nil, blockchain.ErrMissingParent{Hash: missing}
	}
	if parent.invalid {
		err := &blockchain.RuleError{
			Kind:   blockchain.ErrConsensusViolation,
			Code:   blockchain.CodeInvalidChain,
			Reason: fmt.Sprintf("parent %s is invalid", parent.hash),
		}
		s.markInvalid(newNode(block, parent))
		s.reject(block, err)
		return 0, nil, nil, err
	}

	if err := blockchain.ValidateBlockHeader(block, parent.hash, &parent.header, s.params, s.now()); err != nil {
		s.reject(block, err)
		return 0, nil, nil, err
	}
	if err := blockchain.CheckBlockSanity(block, s.params); err != nil {
		s.reject(block, err)
		return 0, nil, nil, err
	}

	node := newNode(block, parent)
	tip := s.tip()

	if parent == tip {
		if err := s.connect(node, block, nil); err != nil {
			return 0, nil, nil, err
		}
		log.Printf("CHAIN\textended to %d %s (%d txs)", node.height(), node.hash, len(block.Transactions))
		return ResultExtended, []*blockchain.Block{block}, nil, nil
	}

	s.index[node.hash] = node
	if err := s.store.PutSideBlock(block); err != nil {
		s.halt(err)
		return 0, nil, nil, err
	}

	if node.work.Cmp(tip.work) <= 0 {
		log.Printf("CHAIN\tstored fork block %d %s, active tip %d keeps more work", node.height(), node.hash, tip.height())
		return ResultForked, nil, nil, nil
	}

	connected, disconnected, err := s.reorganize(node)
	if err != nil {
		return 0, connected, disconnected, err
	}
	return ResultReorganized, connected, disconnected, nil
}

// connect validates block's transactions against the current tip state and
// appends it. delta, when non-nil, is a previously computed delta for a
// block known to be valid.
func (s *State) connect(node *blockNode, block *blockchain.Block, delta *blockchain.UTXODelta) error {
	if delta == nil {
		var err error
		delta, err = blockchain.ConnectBlockTransactions(block, s.store, s.params)
		if err != nil {
			if errors.Is(err, blockchain.ErrStorageFailure) {
				s.halt(err)
				return err
			}
			s.markInvalid(node)
			s.reject(block, err)
			return err
		}
	}
	if err := s.store.PutBlockAtomic(block, delta); err != nil {
		s.halt(err)
		return err
	}
	node.active = true
	s.index[node.hash] = node
	s.active = append(s.active, node)
	s.events.Emit(events.New(events.BlockAccepted, events.SeverityInfo, "", "block connected").
		With("hash", node.hash.String()).
		With("height", strconv.FormatUint(node.height(), 10)))
	return nil
}

// disconnectTip pops the tip block and returns it with the delta it had
// applied.
func (s *State) disconnectTip() (*blockchain.Block, *blockchain.UTXODelta, error) {
	tip := s.tip()
	block, err := s.store.GetBlockByHeight(tip.height())
	if err != nil {
		s.halt(err)
		return nil, nil, err
	}
	undo, err := s.store.GetUndo(tip.hash)
	if err != nil {
		s.halt(err)
		return nil, nil, err
	}
	if err := s.store.RemoveBlockAtomic(tip.height(), undo); err != nil {
		s.halt(err)
		return nil, nil, err
	}
	tip.active = false
	s.active = s.active[:len(s.active)-1]
	return block, undo, nil
}

// markInvalid flags n and every known descendant as invalid.
func (s *State) markInvalid(n *blockNode) {
	n.invalid = true
	s.index[n.hash] = n
	for _, other := range s.index {
		if other.invalid || other.height() <= n.height() {
			continue
		}
		for cur := other; cur != nil && cur.height() > n.height(); cur = s.index[cur.parent] {
			if cur.parent == n.hash {
				other.invalid = true
				break
			}
		}
	}
}

func (s *State) halt(err error) {
	if s.fault == nil {
		s.fault = err
		log.Printf("CHAIN\tstorage failure, halting chain mutation: %v", err)
		s.events.Emit(events.New(events.StorageFailure, events.SeverityCritical, "", err.Error()))
	}
}

func (s *State) reject(block *blockchain.Block, err error) {
	typ := events.BlockRejected
	switch {
	case blockchain.RejectCode(err) == blockchain.CodeBadPoW:
		typ = events.InvalidPoW
	case errors.Is(err, blockchain.ErrInvalidSignature):
		typ = events.InvalidSig
	case errors.Is(err, blockchain.ErrDoubleSpend):
		typ = events.DoubleSpend
	}
	log.Printf("CHAIN\trejected block %d %s: %v", block.Height(), block.Hash, err)
	s.events.Emit(events.New(typ, events.SeverityWarning, "", err.Error()).
		With("hash", block.Hash.String()).
		With("height", strconv.FormatUint(block.Height(), 10)).
		With("code", blockchain.RejectCode(err)))
}

// Halted returns the storage failure that stopped chain mutation, if any.
func (s *State) Halted() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fault
}

// Recover reloads all state from the store and clears a storage halt. The
// operator calls it once the underlying fault is fixed.
func (s *State) Recover() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.fault
	s.fault = nil
	if err := s.load(); err != nil {
		s.fault = err
		return err
	}
	if prev != nil {
		log.Printf("CHAIN\trecovered from storage failure: %v", prev)
	}
	return nil
}

func (s *State) Params() *blockchain.Params {
	return s.params
}
