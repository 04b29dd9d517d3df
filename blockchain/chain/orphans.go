package chain

import (
	"auric/blockchain"
	"log"
	"time"
)

type orphan struct {
	block *blockchain.Block
	added time.Time
}

// orphanPool holds blocks whose parent is not known yet, bounded in size
// and age.
type orphanPool struct {
	max      int
	ttl      time.Duration
	blocks   map[blockchain.Hash32]*orphan
	byParent map[blockchain.Hash32][]blockchain.Hash32
}

func newOrphanPool(max int, ttl time.Duration) *orphanPool {
	return &orphanPool{
		max:      max,
		ttl:      ttl,
		blocks:   make(map[blockchain.Hash32]*orphan),
		byParent: make(map[blockchain.Hash32][]blockchain.Hash32),
	}
}

func (p *orphanPool) has(hash blockchain.Hash32) bool {
	_, ok := p.blocks[hash]
	return ok
}

func (p *orphanPool) add(block *blockchain.Block, now time.Time) {
	p.expire(now)
	if len(p.blocks) >= p.max {
		p.evictOldest()
	}
	p.blocks[block.Hash] = &orphan{block: block, added: now}
	parent := block.Header.PreviousHash
	p.byParent[parent] = append(p.byParent[parent], block.Hash)
}

func (p *orphanPool) remove(hash blockchain.Hash32) {
	o, ok := p.blocks[hash]
	if !ok {
		return
	}
	delete(p.blocks, hash)
	parent := o.block.Header.PreviousHash
	siblings := p.byParent[parent]
	for i, h := range siblings {
		if h == hash {
			siblings = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	if len(siblings) == 0 {
		delete(p.byParent, parent)
	} else {
		p.byParent[parent] = siblings
	}
}

func (p *orphanPool) evictOldest() {
	var oldest blockchain.Hash32
	var oldestAt time.Time
	first := true
	for h, o := range p.blocks {
		if first || o.added.Before(oldestAt) {
			oldest, oldestAt, first = h, o.added, false
		}
	}
	if !first {
		p.remove(oldest)
	}
}

func (p *orphanPool) expire(now time.Time) {
	for h, o := range p.blocks {
		if now.Sub(o.added) > p.ttl {
			p.remove(h)
		}
	}
}

// children removes and returns the orphans whose parent is hash.
func (p *orphanPool) children(hash blockchain.Hash32) []*blockchain.Block {
	ids := append([]blockchain.Hash32(nil), p.byParent[hash]...)
	out := make([]*blockchain.Block, 0, len(ids))
	for _, id := range ids {
		out = append(out, p.blocks[id].block)
		p.remove(id)
	}
	return out
}

// root follows orphan parents from hash to the first block that is not an
// orphan itself: the block that must be fetched next.
func (p *orphanPool) root(hash blockchain.Hash32) blockchain.Hash32 {
	for i := 0; i <= len(p.blocks); i++ {
		o, ok := p.blocks[hash]
		if !ok {
			return hash
		}
		hash = o.block.Header.PreviousHash
	}
	return hash
}

func (p *orphanPool) len() int {
	return len(p.blocks)
}

// processOrphansLocked connects orphans that were waiting on parent, and
// their descendants in turn.
func (s *State) processOrphansLocked(parent blockchain.Hash32) ([]*blockchain.Block, []*blockchain.Block) {
	var connected, disconnected []*blockchain.Block
	queue := []blockchain.Hash32{parent}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for _, child := range s.orphans.children(next) {
			res, c, d, err := s.processLocked(child)
			if err != nil {
				log.Printf("CHAIN\torphan %s rejected: %v", child.Hash, err)
				if s.fault != nil {
					return connected, disconnected
				}
				continue
			}
			log.Printf("CHAIN\tconnected orphan %d %s (%s)", child.Height(), child.Hash, res)
			connected = append(connected, c...)
			disconnected = append(disconnected, d...)
			queue = append(queue, child.Hash)
		}
	}
	return connected, disconnected
}
