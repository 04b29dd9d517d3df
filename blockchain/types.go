package blockchain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Hash32 is a HashEngine digest. It marshals to JSON as lowercase hex.
type Hash32 [32]byte

var ZeroHash Hash32

func (h Hash32) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash32) IsZero() bool {
	return h == ZeroHash
}

func (h Hash32) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

func (h *Hash32) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := HashFromString(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

func HashFromString(s string) (Hash32, error) {
	var h Hash32
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(raw) != len(h) {
		return h, fmt.Errorf("invalid hash length %d", len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// OutPoint references one output of a prior transaction.
type OutPoint struct {
	TxID  Hash32 `json:"tx_id"`
	Index uint32 `json:"output_index"`
}

func (o OutPoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID, o.Index)
}

type TxInput struct {
	PrevTxID    Hash32 `json:"prev_tx_id"`
	OutputIndex uint32 `json:"output_index"`
	Signature   []byte `json:"signature"`
	PublicKey   []byte `json:"public_key"`
}

func (in TxInput) OutPoint() OutPoint {
	return OutPoint{TxID: in.PrevTxID, Index: in.OutputIndex}
}

type TxOutput struct {
	Address Address `json:"address"`
	Amount  uint64  `json:"amount"`
}

// Transaction moves value between addresses. A coinbase has no inputs and
// carries the height of the block that pays it in Height; for transfers
// Height is zero.
type Transaction struct {
	ID        Hash32     `json:"id"`
	Inputs    []TxInput  `json:"inputs"`
	Outputs   []TxOutput `json:"outputs"`
	Timestamp int64      `json:"timestamp"`
	Fee       uint64     `json:"fee"`
	Height    uint64     `json:"height,omitempty"`
}

func (tx *Transaction) IsCoinbase() bool {
	return len(tx.Inputs) == 0
}

type BlockHeader struct {
	Index        uint64  `json:"index"`
	Timestamp    int64   `json:"timestamp"`
	PreviousHash Hash32  `json:"previous_hash"`
	MerkleRoot   Hash32  `json:"merkle_root"`
	Nonce        uint64  `json:"nonce"`
	Difficulty   uint32  `json:"difficulty"`
	MinerAddress Address `json:"miner_address"`
}

type Block struct {
	Header       BlockHeader   `json:"header"`
	Hash         Hash32        `json:"hash"`
	Transactions []Transaction `json:"transactions"`
}

func (b *Block) Height() uint64 {
	return b.Header.Index
}

// UTXOEntry is the value stored for a live output. Height and Coinbase
// record where the output was created.
type UTXOEntry struct {
	Amount   uint64  `json:"amount"`
	Address  Address `json:"address"`
	Height   uint64  `json:"height"`
	Coinbase bool    `json:"coinbase,omitempty"`
}

// SpentOutput is undo data: an entry consumed by a block, kept so the block
// can be rolled back.
type SpentOutput struct {
	OutPoint OutPoint  `json:"outpoint"`
	Entry    UTXOEntry `json:"entry"`
}

type CreatedOutput struct {
	OutPoint OutPoint  `json:"outpoint"`
	Entry    UTXOEntry `json:"entry"`
}

// UTXODelta is the set of UTXO changes made by applying one block.
type UTXODelta struct {
	Created []CreatedOutput `json:"created"`
	Spent   []SpentOutput   `json:"spent"`
}

// Inverse returns the delta that undoes d.
func (d *UTXODelta) Inverse() *UTXODelta {
	inv := &UTXODelta{
		Created: make([]CreatedOutput, 0, len(d.Spent)),
		Spent:   make([]SpentOutput, 0, len(d.Created)),
	}
	for i := len(d.Spent) - 1; i >= 0; i-- {
		inv.Created = append(inv.Created, CreatedOutput(d.Spent[i]))
	}
	for i := len(d.Created) - 1; i >= 0; i-- {
		inv.Spent = append(inv.Spent, SpentOutput(d.Created[i]))
	}
	return inv
}

type ChainTip struct {
	Height uint64 `json:"height"`
	Hash   Hash32 `json:"hash"`
}

// DeepCopy returns a block that shares no slices with b.
func (b *Block) DeepCopy() *Block {
	cp := &Block{Header: b.Header, Hash: b.Hash}
	cp.Transactions = make([]Transaction, len(b.Transactions))
	for i := range b.Transactions {
		cp.Transactions[i] = b.Transactions[i].DeepCopy()
	}
	return cp
}

func (tx *Transaction) DeepCopy() Transaction {
	cp := *tx
	cp.Inputs = make([]TxInput, len(tx.Inputs))
	for i, in := range tx.Inputs {
		in.Signature = append([]byte(nil), in.Signature...)
		in.PublicKey = append([]byte(nil), in.PublicKey...)
		cp.Inputs[i] = in
	}
	cp.Outputs = append([]TxOutput(nil), tx.Outputs...)
	return cp
}
