package store

import (
	"auric/blockchain"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/boltdb/bolt"
)

var (
	blocksBucket    = []byte("blocks")
	blockHashBucket = []byte("blockhash")
	metaBucket      = []byte("meta")
	utxoBucket      = []byte("utxo")
	undoBucket      = []byte("undo")
	sideBucket      = []byte("side")

	tipKey = []byte("tip")

	allBuckets = [][]byte{blocksBucket, blockHashBucket, metaBucket, utxoBucket, undoBucket, sideBucket}
)

// BoltStore is the durable LedgerStore. Each block write is a single bolt
// transaction, fsynced on commit.
type BoltStore struct {
	db   *bolt.DB
	path string
}

var _ LedgerStore = (*BoltStore)(nil)

// OpenBoltStore opens or creates the database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, storageErr("open "+path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, storageErr("create buckets", err)
	}
	log.Printf("STORE\topened %s", path)
	return &BoltStore{db: db, path: path}, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", blockchain.ErrStorageFailure, op, err)
}

func heightKey(h uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, h)
	return k
}

func utxoKey(op blockchain.OutPoint) []byte {
	k := make([]byte, 36)
	copy(k, op.TxID[:])
	binary.BigEndian.PutUint32(k[32:], op.Index)
	return k
}

func decodeUTXOKey(k []byte) blockchain.OutPoint {
	var op blockchain.OutPoint
	copy(op.TxID[:], k[:32])
	op.Index = binary.BigEndian.Uint32(k[32:])
	return op
}

func (s *BoltStore) view(op string, fn func(tx *bolt.Tx) error) error {
	err := s.db.View(fn)
	if err != nil && !errors.Is(err, blockchain.ErrNotFound) {
		return storageErr(op, err)
	}
	return err
}

func (s *BoltStore) update(op string, fn func(tx *bolt.Tx) error) error {
	if err := s.db.Update(fn); err != nil {
		return storageErr(op, err)
	}
	return nil
}

func tipOf(tx *bolt.Tx) (uint64, bool) {
	v := tx.Bucket(metaBucket).Get(tipKey)
	if v == nil {
		return 0, false
	}
	return binary.BigEndian.Uint64(v), true
}

func decodeBlock(raw []byte) (*blockchain.Block, error) {
	var b blockchain.Block
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *BoltStore) GetBlockByHeight(height uint64) (*blockchain.Block, error) {
	var block *blockchain.Block
	err := s.view("get block", func(tx *bolt.Tx) error {
		raw := tx.Bucket(blocksBucket).Get(heightKey(height))
		if raw == nil {
			return fmt.Errorf("block at height %d: %w", height, blockchain.ErrNotFound)
		}
		var err error
		block, err = decodeBlock(raw)
		return err
	})
	return block, err
}

func (s *BoltStore) GetHeightByHash(hash blockchain.Hash32) (uint64, error) {
	var height uint64
	err := s.view("get height", func(tx *bolt.Tx) error {
		v := tx.Bucket(blockHashBucket).Get(hash[:])
		if v == nil {
			return fmt.Errorf("block %s: %w", hash, blockchain.ErrNotFound)
		}
		height = binary.BigEndian.Uint64(v)
		return nil
	})
	return height, err
}

func (s *BoltStore) GetBlockByHash(hash blockchain.Hash32) (*blockchain.Block, error) {
	height, err := s.GetHeightByHash(hash)
	if err != nil {
		return nil, err
	}
	return s.GetBlockByHeight(height)
}

func (s *BoltStore) GetTipHeight() (uint64, bool, error) {
	var height uint64
	var ok bool
	err := s.view("get tip", func(tx *bolt.Tx) error {
		height, ok = tipOf(tx)
		return nil
	})
	return height, ok, err
}

func (s *BoltStore) GetUndo(hash blockchain.Hash32) (*blockchain.UTXODelta, error) {
	var delta blockchain.UTXODelta
	err := s.view("get undo", func(tx *bolt.Tx) error {
		raw := tx.Bucket(undoBucket).Get(hash[:])
		if raw == nil {
			return fmt.Errorf("undo for %s: %w", hash, blockchain.ErrNotFound)
		}
		return json.Unmarshal(raw, &delta)
	})
	if err != nil {
		return nil, err
	}
	return &delta, nil
}

func applyDelta(tx *bolt.Tx, delta *blockchain.UTXODelta) error {
	utxos := tx.Bucket(utxoBucket)
	for _, c := range delta.Created {
		raw, err := json.Marshal(c.Entry)
		if err != nil {
			return err
		}
		if err := utxos.Put(utxoKey(c.OutPoint), raw); err != nil {
			return err
		}
	}
	for _, sp := range delta.Spent {
		if err := utxos.Delete(utxoKey(sp.OutPoint)); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) PutBlockAtomic(block *blockchain.Block, delta *blockchain.UTXODelta) error {
	rawBlock, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("encode block: %w", err)
	}
	rawUndo, err := json.Marshal(delta)
	if err != nil {
		return fmt.Errorf("encode undo: %w", err)
	}
	height := block.Header.Index

	return s.update("put block", func(tx *bolt.Tx) error {
		tip, ok := tipOf(tx)
		if (ok && height != tip+1) || (!ok && height != 0) {
			return fmt.Errorf("put block at height %d on tip %d", height, tip)
		}
		if err := applyDelta(tx, delta); err != nil {
			return err
		}
		if err := tx.Bucket(blocksBucket).Put(heightKey(height), rawBlock); err != nil {
			return err
		}
		if err := tx.Bucket(blockHashBucket).Put(block.Hash[:], heightKey(height)); err != nil {
			return err
		}
		if err := tx.Bucket(undoBucket).Put(block.Hash[:], rawUndo); err != nil {
			return err
		}
		if err := tx.Bucket(sideBucket).Delete(block.Hash[:]); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Put(tipKey, heightKey(height))
	})
}

func (s *BoltStore) RemoveBlockAtomic(height uint64, delta *blockchain.UTXODelta) error {
	return s.update("remove block", func(tx *bolt.Tx) error {
		tip, ok := tipOf(tx)
		if !ok || tip != height {
			return fmt.Errorf("remove block at height %d, tip is %d", height, tip)
		}
		raw := tx.Bucket(blocksBucket).Get(heightKey(height))
		if raw == nil {
			return fmt.Errorf("block at height %d missing", height)
		}
		block, err := decodeBlock(raw)
		if err != nil {
			return err
		}
		if err := applyDelta(tx, delta.Inverse()); err != nil {
			return err
		}
		if err := tx.Bucket(sideBucket).Put(block.Hash[:], raw); err != nil {
			return err
		}
		if err := tx.Bucket(blocksBucket).Delete(heightKey(height)); err != nil {
			return err
		}
		if err := tx.Bucket(blockHashBucket).Delete(block.Hash[:]); err != nil {
			return err
		}
		if err := tx.Bucket(undoBucket).Delete(block.Hash[:]); err != nil {
			return err
		}
		if height == 0 {
			return tx.Bucket(metaBucket).Delete(tipKey)
		}
		return tx.Bucket(metaBucket).Put(tipKey, heightKey(height-1))
	})
}

func (s *BoltStore) GetUTXO(op blockchain.OutPoint) (blockchain.UTXOEntry, bool, error) {
	var entry blockchain.UTXOEntry
	var ok bool
	err := s.view("get utxo", func(tx *bolt.Tx) error {
		raw := tx.Bucket(utxoBucket).Get(utxoKey(op))
		if raw == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(raw, &entry)
	})
	return entry, ok, err
}

func (s *BoltStore) UTXOExists(op blockchain.OutPoint) (bool, error) {
	var ok bool
	err := s.view("utxo exists", func(tx *bolt.Tx) error {
		ok = tx.Bucket(utxoBucket).Get(utxoKey(op)) != nil
		return nil
	})
	return ok, err
}

func (s *BoltStore) UTXOsByAddress(addr blockchain.Address) ([]UTXO, error) {
	var out []UTXO
	err := s.view("scan utxos", func(tx *bolt.Tx) error {
		return tx.Bucket(utxoBucket).ForEach(func(k, v []byte) error {
			var entry blockchain.UTXOEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.Address == addr {
				out = append(out, UTXO{OutPoint: decodeUTXOKey(k), Entry: entry})
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) PutSideBlock(block *blockchain.Block) error {
	raw, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("encode block: %w", err)
	}
	return s.update("put side block", func(tx *bolt.Tx) error {
		return tx.Bucket(sideBucket).Put(block.Hash[:], raw)
	})
}

func (s *BoltStore) GetSideBlock(hash blockchain.Hash32) (*blockchain.Block, error) {
	var block *blockchain.Block
	err := s.view("get side block", func(tx *bolt.Tx) error {
		raw := tx.Bucket(sideBucket).Get(hash[:])
		if raw == nil {
			return fmt.Errorf("side block %s: %w", hash, blockchain.ErrNotFound)
		}
		var err error
		block, err = decodeBlock(raw)
		return err
	})
	return block, err
}

func (s *BoltStore) SideBlocks() ([]*blockchain.Block, error) {
	var out []*blockchain.Block
	err := s.view("scan side blocks", func(tx *bolt.Tx) error {
		return tx.Bucket(sideBucket).ForEach(func(_, v []byte) error {
			b, err := decodeBlock(v)
			if err != nil {
				return err
			}
			out = append(out, b)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) Close() error {
	if err := s.db.Close(); err != nil {
		return storageErr("close", err)
	}
	return nil
}
