package chain

import (
	"auric/blockchain"
	"auric/events"
	"errors"
	"fmt"
	"log"
	"strconv"
)

type undoneBlock struct {
	block *blockchain.Block
	delta *blockchain.UTXODelta
}

// forkPoint walks from n back to the first active ancestor.
func (s *State) forkPoint(n *blockNode) (*blockNode, []*blockNode, error) {
	var path []*blockNode
	cur := n
	for !cur.active {
		path = append(path, cur)
		parent, ok := s.index[cur.parent]
		if !ok {
			return nil, nil, fmt.Errorf("block %s has no known ancestor on the active chain", n.hash)
		}
		cur = parent
	}
	// path is newest first; reverse into application order
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return cur, path, nil
}

// reorganize switches the active chain to end at newTip. On a validation
// failure in the new branch the old branch is restored and the failing
// block and its descendants are marked invalid.
func (s *State) reorganize(newTip *blockNode) ([]*blockchain.Block, []*blockchain.Block, error) {
	oldTip := s.tip()
	fork, path, err := s.forkPoint(newTip)
	if err != nil {
		return nil, nil, err
	}

	depth := oldTip.height() - fork.height()
	if depth > s.params.MaxReorgDepth {
		err := &blockchain.RuleError{
			Kind:   blockchain.ErrReorgTooDeep,
			Code:   blockchain.CodeReorgDepth,
			Reason: fmt.Sprintf("switching to %s needs %d blocks rolled back, limit %d", newTip.hash, depth, s.params.MaxReorgDepth),
		}
		log.Printf("CHAIN\t%v", err)
		s.events.Emit(events.New(events.ReorgRejected, events.SeverityError, "", err.Error()).
			With("depth", strconv.FormatUint(depth, 10)).
			With("candidate", newTip.hash.String()))
		return nil, nil, err
	}

	log.Printf("CHAIN\treorganizing: rolling back %d blocks to %d %s, applying %d", depth, fork.height(), fork.hash, len(path))

	var undone []undoneBlock
	for s.tip() != fork {
		block, delta, err := s.disconnectTip()
		if err != nil {
			return nil, nil, err
		}
		undone = append(undone, undoneBlock{block: block, delta: delta})
	}

	var connected []*blockchain.Block
	for _, node := range path {
		block, err := s.store.GetSideBlock(node.hash)
		if err != nil {
			s.halt(err)
			return nil, nil, err
		}
		if err := s.connect(node, block, nil); err != nil {
			if s.fault != nil {
				return nil, nil, err
			}
			if rerr := s.restore(fork, undone); rerr != nil {
				return nil, nil, rerr
			}
			return nil, nil, fmt.Errorf("competing branch invalid at %d: %w", node.height(), err)
		}
		connected = append(connected, block)
	}

	disconnected := make([]*blockchain.Block, len(undone))
	for i, u := range undone {
		disconnected[i] = u.block
	}

	log.Printf("CHAIN\treorganized: tip %d %s -> %d %s", oldTip.height(), oldTip.hash, newTip.height(), newTip.hash)
	s.events.Emit(events.New(events.ChainReorg, events.SeverityWarning, "", "active chain switched").
		With("depth", strconv.FormatUint(depth, 10)).
		With("old_tip", oldTip.hash.String()).
		With("new_tip", newTip.hash.String()))
	return connected, disconnected, nil
}

// restore rolls back to fork and re-applies the blocks removed from the
// old branch, newest last.
func (s *State) restore(fork *blockNode, undone []undoneBlock) error {
	for s.tip() != fork {
		if _, _, err := s.disconnectTip(); err != nil {
			return err
		}
	}
	for i := len(undone) - 1; i >= 0; i-- {
		u := undone[i]
		node, ok := s.index[u.block.Hash]
		if !ok {
			return errors.New("restored block missing from index")
		}
		if err := s.connect(node, u.block, u.delta); err != nil {
			return err
		}
	}
	log.Printf("CHAIN\trestored previous tip %d %s", s.tip().height(), s.tip().hash)
	return nil
}
