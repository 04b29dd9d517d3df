package p2p

import (
	"auric/blockchain"
	"auric/blockchain/mempool"
	"auric/events"
	"errors"
	"time"
)

// PeerConnected sends our Hello; the peer counts as connected once its own
// Hello arrives.
func (s *Service) PeerConnected(peer *Peer) {
	tip := s.chain.GetTip()
	hello := HelloPayload{
		NodeID:      s.nodeID,
		Version:     ProtocolVersion,
		GenesisHash: blockchain.GenesisBlock.Hash,
		TipHeight:   tip.Height,
		TipHash:     tip.Hash,
	}
	msg, err := NewMessage(MessageTypeHello, hello)
	if err != nil {
		s.server.logf("Failed to create hello message: %v", err)
		return
	}
	if err := s.server.Send(peer.Address, msg); err != nil {
		s.server.logf("Failed to send hello to %s: %v", peer.Address, err)
	}
}

func (s *Service) PeerDisconnected(peer *Peer) {
	s.syncer.Trigger()
}

// HandleMessage handles different types of P2P messages
func (s *Service) HandleMessage(peer *Peer, msg *Message) {
	if msg.Type != MessageTypeHello && msg.Type != MessageTypePing && msg.Type != MessageTypePong {
		if !peer.IsConnected() {
			s.server.logf("Dropping %s from %s before hello", msg.Type, peer.Address)
			s.server.Penalize(peer.Address, "message before hello")
			return
		}
	}

	switch msg.Type {
	case MessageTypeHello:
		s.handleHello(peer, msg)
	case MessageTypeGetBlocks:
		s.handleGetBlocks(peer, msg)
	case MessageTypeGetBlocksByHash:
		s.handleGetBlocksByHash(peer, msg)
	case MessageTypeBlock:
		s.handleBlock(peer, msg)
	case MessageTypeTx:
		s.handleTx(peer, msg)
	case MessageTypeInventory:
		s.handleInventory(peer, msg)
	case MessageTypePing:
		s.handlePing(peer, msg)
	case MessageTypePong, MessageTypeBlocks:
		// pongs only refresh liveness; Blocks outside a request are ignored
	}
}

func (s *Service) parse(peer *Peer, msg *Message, payload interface{}) bool {
	if err := msg.ParsePayload(payload); err != nil {
		s.server.logf("Failed to parse %s from %s: %v", msg.Type, peer.Address, err)
		s.server.events.Emit(events.New(events.MalformedMessage, events.SeverityWarning, peer.Address, err.Error()).
			With("type", string(msg.Type)))
		s.server.Penalize(peer.Address, "unparseable "+string(msg.Type))
		return false
	}
	return true
}

func (s *Service) handleHello(peer *Peer, msg *Message) {
	var hello HelloPayload
	if !s.parse(peer, msg, &hello) {
		return
	}

	switch {
	case hello.GenesisHash != blockchain.GenesisBlock.Hash:
		s.server.logf("Peer %s is on another network (genesis %s)", peer.Address, hello.GenesisHash)
		s.server.Disconnect(peer.Address, "genesis mismatch")
		return
	case hello.NodeID == s.nodeID:
		s.server.Disconnect(peer.Address, "connected to self")
		return
	case hello.NodeID == "":
		s.server.Penalize(peer.Address, "hello without node id")
		s.server.Disconnect(peer.Address, "hello without node id")
		return
	}

	// two nodes dialing each other end up with two connections; both keep
	// the one dialed by the lower node id
	if existing, ok := s.server.peerManager.FindByID(hello.NodeID); ok && existing.Address != peer.Address {
		weDial := s.nodeID < hello.NodeID
		if peer.Inbound == weDial {
			s.server.Disconnect(peer.Address, "duplicate connection")
			return
		}
		s.server.Disconnect(existing.Address, "duplicate connection")
	}

	view := PeerView{Height: hello.TipHeight, Hash: hello.TipHash, UpdatedAt: time.Now()}
	if err := s.server.peerManager.MarkConnected(peer.Address, hello.NodeID, view); err != nil {
		return
	}
	s.server.logf("Hello from %s at %s (height %d)", hello.NodeID, peer.Address, hello.TipHeight)

	if hello.TipHeight > s.chain.GetTip().Height {
		s.syncer.Trigger()
	}
}

func (s *Service) handleGetBlocks(peer *Peer, msg *Message) {
	var req GetBlocksPayload
	if !s.parse(peer, msg, &req) {
		return
	}
	if req.To < req.From {
		s.server.Penalize(peer.Address, "inverted block range")
		return
	}
	blocks, err := s.chain.GetBlocks(req.From, req.To, s.config.MaxBlocksPerRequest)
	if err != nil {
		s.server.logf("Failed to load blocks %d..%d: %v", req.From, req.To, err)
	}
	s.replyBlocks(peer, msg, blocks)
}

func (s *Service) handleGetBlocksByHash(peer *Peer, msg *Message) {
	var req GetBlocksByHashPayload
	if !s.parse(peer, msg, &req) {
		return
	}
	hashes := req.Hashes
	if len(hashes) > s.config.MaxBlocksPerRequest {
		hashes = hashes[:s.config.MaxBlocksPerRequest]
	}
	var blocks []*blockchain.Block
	for _, h := range hashes {
		b, err := s.chain.GetBlockByHash(h)
		if err != nil {
			continue
		}
		blocks = append(blocks, b)
	}
	s.replyBlocks(peer, msg, blocks)
}

// replyBlocks answers req with as many blocks as fit in one message.
func (s *Service) replyBlocks(peer *Peer, req *Message, blocks []*blockchain.Block) {
	budget := int(s.server.config.MaxMessageBytes) / 2
	out := make([]*blockchain.Block, 0, len(blocks))
	used := 0
	for _, b := range blocks {
		size := blockchain.BlockSize(b) * 2
		if used+size > budget && len(out) > 0 {
			break
		}
		used += size
		out = append(out, b)
	}
	reply, err := NewReply(req, MessageTypeBlocks, BlocksPayload{Blocks: out})
	if err != nil {
		s.server.logf("Failed to create blocks reply: %v", err)
		return
	}
	if err := s.server.Send(peer.Address, reply); err != nil {
		s.server.logf("Failed to send %d blocks to %s: %v", len(out), peer.Address, err)
	}
}

func (s *Service) handleBlock(peer *Peer, msg *Message) {
	var payload BlockPayload
	if !s.parse(peer, msg, &payload) {
		return
	}
	if payload.Block == nil {
		s.server.Penalize(peer.Address, "empty block message")
		return
	}
	b := payload.Block
	s.server.peerManager.UpdateView(peer.Address, b.Height(), b.Hash)
	if s.chain.HasBlock(b.Hash) {
		return
	}
	s.enqueue(b, peer.Address)
}

func (s *Service) handleTx(peer *Peer, msg *Message) {
	var payload TxPayload
	if !s.parse(peer, msg, &payload) {
		return
	}
	tx := payload.Transaction
	if tx == nil {
		s.server.Penalize(peer.Address, "empty tx message")
		return
	}
	if s.pool.Has(tx.ID) {
		return
	}

	err := s.pool.Add(tx)
	switch {
	case err == nil:
		s.BroadcastTransaction(tx, peer.Address)
		return
	case errors.Is(err, mempool.ErrDuplicateTx),
		errors.Is(err, mempool.ErrPoolFull),
		errors.Is(err, mempool.ErrFeeTooLow):
		return
	case errors.Is(err, blockchain.ErrDoubleSpend):
		// may spend outputs this node has not seen yet
		return
	}

	typ := events.TxRejected
	if errors.Is(err, blockchain.ErrInvalidSignature) {
		typ = events.InvalidSig
	}
	s.server.logf("Rejected tx %s from %s: %v", tx.ID, peer.Address, err)
	s.server.events.Emit(events.New(typ, events.SeverityWarning, peer.Address, err.Error()).
		With("txid", tx.ID.String()).
		With("code", blockchain.RejectCode(err)))
	if blockchain.IsPeerFault(err) || errors.Is(err, blockchain.ErrInvalidSignature) {
		s.server.Penalize(peer.Address, "invalid transaction")
	}
}

func (s *Service) handleInventory(peer *Peer, msg *Message) {
	var inv InventoryPayload
	if !s.parse(peer, msg, &inv) {
		return
	}
	s.server.peerManager.UpdateView(peer.Address, inv.TipHeight, inv.TipHash)

	var unknown []blockchain.Hash32
	for _, h := range inv.KnownHashes {
		if !s.chain.HasBlock(h) {
			unknown = append(unknown, h)
		}
	}
	if len(unknown) > s.config.MaxBlocksPerRequest {
		// too far behind for hash fetches; sync by height instead
		s.syncer.Trigger()
		return
	}
	if len(unknown) > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.fetchByHash(peer.Address, unknown)
		}()
	}
	if inv.TipHeight > s.chain.GetTip().Height {
		s.syncer.Trigger()
	}
}

func (s *Service) handlePing(peer *Peer, msg *Message) {
	var ping PingPayload
	if !s.parse(peer, msg, &ping) {
		return
	}
	pong, err := NewReply(msg, MessageTypePong, PongPayload{Timestamp: ping.Timestamp})
	if err != nil {
		return
	}
	_ = s.server.Send(peer.Address, pong)
}
