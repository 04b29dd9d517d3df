package blockchain

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"math/big"
	"testing"

	"lukechampine.com/blake3"
)

func TestHashIsCascade(t *testing.T) {
	data := []byte("block data")
	first := sha256.Sum256(data)
	want := Hash32(blake3.Sum256(first[:]))
	if got := Hash(data); got != want {
		t.Errorf("Hash() = %s, want %s", got, want)
	}
}

func TestMerkleRoot(t *testing.T) {
	a, b, c := Hash([]byte("a")), Hash([]byte("b")), Hash([]byte("c"))
	pair := func(x, y Hash32) Hash32 {
		return Hash(append(append([]byte{}, x[:]...), y[:]...))
	}

	tests := []struct {
		name string
		ids  []Hash32
		want Hash32
	}{
		{"empty is sentinel", nil, ZeroHash},
		{"single id is root", []Hash32{a}, a},
		{"pair", []Hash32{a, b}, pair(a, b)},
		{"odd count duplicates last", []Hash32{a, b, c}, pair(pair(a, b), pair(c, c))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MerkleRoot(tt.ids); got != tt.want {
				t.Errorf("MerkleRoot() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMerkleRootIsOrderSensitive(t *testing.T) {
	cb, x, y := Hash([]byte("coinbase")), Hash([]byte("x")), Hash([]byte("y"))
	if MerkleRoot([]Hash32{cb, x, y}) == MerkleRoot([]Hash32{cb, y, x}) {
		t.Error("MerkleRoot() unchanged after swapping transactions")
	}
}

func TestSigningHashExcludesSignatures(t *testing.T) {
	tx := &Transaction{
		Inputs:    []TxInput{{PrevTxID: Hash([]byte("prev")), OutputIndex: 1, PublicKey: []byte{1, 2, 3}}},
		Outputs:   []TxOutput{{Address: "AUR1x", Amount: 5}},
		Timestamp: 10,
		Fee:       1,
	}
	before := SigningHash(tx)
	idBefore := HashTransaction(tx)

	tx.Inputs[0].Signature = []byte("signature bytes")
	if got := SigningHash(tx); got != before {
		t.Errorf("SigningHash() changed with signature: %s != %s", got, before)
	}
	if HashTransaction(tx) == idBefore {
		t.Error("HashTransaction() ignores the signature")
	}

	tx.Fee = 2
	if SigningHash(tx) == before {
		t.Error("SigningHash() ignores the fee")
	}
}

func TestHashBlockHeaderCoversAllFields(t *testing.T) {
	base := BlockHeader{Index: 1, Timestamp: 2, Nonce: 3, Difficulty: 4, MinerAddress: "AUR1m"}
	ref := HashBlockHeader(&base)

	mutations := map[string]func(h *BlockHeader){
		"index":         func(h *BlockHeader) { h.Index++ },
		"timestamp":     func(h *BlockHeader) { h.Timestamp++ },
		"previous hash": func(h *BlockHeader) { h.PreviousHash[0] = 1 },
		"merkle root":   func(h *BlockHeader) { h.MerkleRoot[0] = 1 },
		"nonce":         func(h *BlockHeader) { h.Nonce++ },
		"difficulty":    func(h *BlockHeader) { h.Difficulty++ },
		"miner":         func(h *BlockHeader) { h.MinerAddress = "AUR1n" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			h := base
			mutate(&h)
			if HashBlockHeader(&h) == ref {
				t.Errorf("HashBlockHeader() unchanged after changing %s", name)
			}
		})
	}
}

func TestBlockHashMeetsDifficulty(t *testing.T) {
	var h Hash32
	h[0] = 0x00
	h[1] = 0x0f

	tests := []struct {
		difficulty uint32
		want       bool
	}{
		{0, true},
		{8, true},
		{12, true},
		{13, false},
		{257, false},
	}
	for _, tt := range tests {
		if got := BlockHashMeetsDifficulty(h, tt.difficulty); got != tt.want {
			t.Errorf("BlockHashMeetsDifficulty(%d) = %v, want %v", tt.difficulty, got, tt.want)
		}
	}
}

func TestCalculateBlockWork(t *testing.T) {
	if got := CalculateBlockWork(10); got.Cmp(big.NewInt(1024)) != 0 {
		t.Errorf("CalculateBlockWork(10) = %v, want 1024", got)
	}
	total := AddWork(AddWork(nil, 3), 3)
	if total.Cmp(CalculateBlockWork(4)) != 0 {
		t.Errorf("two blocks at 3 = %v, want %v", total, CalculateBlockWork(4))
	}
}

func TestAddresses(t *testing.T) {
	key := testKey("alice")
	addr := AddressOf(key)

	if err := addr.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !addr.OwnedBy(key.PublicKey()) {
		t.Error("OwnedBy() = false for the deriving key")
	}
	if addr.OwnedBy(testKey("bob").PublicKey()) {
		t.Error("OwnedBy() = true for another key")
	}

	corrupt := []byte(addr)
	last := len(corrupt) - 1
	if corrupt[last] == '2' {
		corrupt[last] = '3'
	} else {
		corrupt[last] = '2'
	}
	if err := Address(corrupt).Validate(); err == nil {
		t.Error("Validate() accepted a corrupted address")
	}
	if err := Address("XXXX" + string(addr[4:])).Validate(); err == nil {
		t.Error("Validate() accepted an unknown tag")
	}
}

func TestHybridSignatures(t *testing.T) {
	key, err := GenerateHybridKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateHybridKey() error = %v", err)
	}
	addr := AddressOf(key)
	if addr[:4] != TagHybrid {
		t.Fatalf("address %s does not carry the hybrid tag", addr)
	}

	verifier, err := VerifierFor(addr)
	if err != nil {
		t.Fatalf("VerifierFor() error = %v", err)
	}
	msg := []byte("message")
	sig, err := key.Sign(msg)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if !verifier.Verify(msg, sig, key.PublicKey()) {
		t.Fatal("Verify() rejected a valid hybrid signature")
	}

	// a valid classical half does not rescue a broken post-quantum half
	broken := bytes.Clone(sig)
	broken[len(broken)-1] ^= 0xff
	if verifier.Verify(msg, broken, key.PublicKey()) {
		t.Error("Verify() accepted a tampered post-quantum signature")
	}

	// classical-only signatures are not enough for a hybrid address
	classical := bytes.Clone(sig[:64])
	if verifier.Verify(msg, classical, key.PublicKey()) {
		t.Error("Verify() accepted a classical-only signature")
	}
}
