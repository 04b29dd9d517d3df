package blockchain

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"lukechampine.com/blake3"
)

var signingDomain = []byte("auric-sign")

// Hash is the two-stage cascade used for every identity in the chain:
// SHA-256 over the input, then BLAKE3-256 over that digest.
func Hash(data []byte) Hash32 {
	first := sha256.Sum256(data)
	return Hash32(blake3.Sum256(first[:]))
}

func uint64ToBytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, n)
	return b
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	buf.Write(uint64ToBytes(uint64(len(b))))
	buf.Write(b)
}

// encodeTransaction writes the canonical body of tx. When withSignatures is
// false the signature fields are written as empty.
func encodeTransaction(tx *Transaction, withSignatures bool) []byte {
	var buf bytes.Buffer
	buf.Write(uint64ToBytes(uint64(len(tx.Inputs))))
	for _, in := range tx.Inputs {
		buf.Write(in.PrevTxID[:])
		buf.Write(uint64ToBytes(uint64(in.OutputIndex)))
		writeBytes(&buf, in.PublicKey)
		if withSignatures {
			writeBytes(&buf, in.Signature)
		} else {
			writeBytes(&buf, nil)
		}
	}
	buf.Write(uint64ToBytes(uint64(len(tx.Outputs))))
	for _, out := range tx.Outputs {
		writeBytes(&buf, []byte(out.Address))
		buf.Write(uint64ToBytes(out.Amount))
	}
	buf.Write(uint64ToBytes(uint64(tx.Timestamp)))
	buf.Write(uint64ToBytes(tx.Fee))
	buf.Write(uint64ToBytes(tx.Height))
	return buf.Bytes()
}

// HashTransaction derives the transaction id over the full body.
func HashTransaction(tx *Transaction) Hash32 {
	return Hash(encodeTransaction(tx, true))
}

// SigningHash is the message every input signs. Signatures are blanked so a
// signature never covers itself.
func SigningHash(tx *Transaction) Hash32 {
	body := encodeTransaction(tx, false)
	msg := make([]byte, 0, len(signingDomain)+len(body))
	msg = append(msg, signingDomain...)
	msg = append(msg, body...)
	return Hash(msg)
}

// SignInput signs input i of tx with signer and stores key and signature.
// The id must be recomputed with FinalizeTransaction once all inputs are
// signed.
func SignInput(tx *Transaction, i int, signer Signer) error {
	tx.Inputs[i].PublicKey = signer.PublicKey()
	msg := SigningHash(tx)
	sig, err := signer.Sign(msg[:])
	if err != nil {
		return err
	}
	tx.Inputs[i].Signature = sig
	return nil
}

// FinalizeTransaction sets tx.ID from the current body.
func FinalizeTransaction(tx *Transaction) {
	tx.ID = HashTransaction(tx)
}

// HashBlockHeader hashes index, timestamp, previous_hash, merkle_root,
// nonce, difficulty and miner_address in that order.
func HashBlockHeader(header *BlockHeader) Hash32 {
	var buf bytes.Buffer
	buf.Write(uint64ToBytes(header.Index))
	buf.Write(uint64ToBytes(uint64(header.Timestamp)))
	buf.Write(header.PreviousHash[:])
	buf.Write(header.MerkleRoot[:])
	buf.Write(uint64ToBytes(header.Nonce))
	buf.Write(uint64ToBytes(uint64(header.Difficulty)))
	buf.Write([]byte(header.MinerAddress))
	return Hash(buf.Bytes())
}

// MerkleRoot folds ids pairwise, duplicating the last id of an odd level.
// An empty list yields ZeroHash.
func MerkleRoot(ids []Hash32) Hash32 {
	if len(ids) == 0 {
		return ZeroHash
	}

	level := make([]Hash32, len(ids))
	copy(level, ids)

	var pair [64]byte
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]Hash32, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			copy(pair[:32], level[i][:])
			copy(pair[32:], level[i+1][:])
			next = append(next, Hash(pair[:]))
		}
		level = next
	}
	return level[0]
}

// MerkleTransactions computes the root over the transactions' claimed ids.
func MerkleTransactions(txs []Transaction) Hash32 {
	ids := make([]Hash32, len(txs))
	for i := range txs {
		ids[i] = txs[i].ID
	}
	return MerkleRoot(ids)
}

// TransactionSize is the canonical encoded size of tx in bytes.
func TransactionSize(tx *Transaction) int {
	return len(encodeTransaction(tx, true))
}

// BlockSize is the canonical encoded size of a block in bytes.
func BlockSize(b *Block) int {
	size := 8 + 8 + 32 + 32 + 8 + 8 + len(b.Header.MinerAddress) + 32
	for i := range b.Transactions {
		size += TransactionSize(&b.Transactions[i])
	}
	return size
}
