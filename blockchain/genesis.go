package blockchain

const (
	GenesisTimestamp = 1729382400
	genesisMiner     = Address("AUR1genesis")
)

// GenesisBlock is the protocol-fixed root of every chain. It is not mined
// and carries no transactions.
var GenesisBlock *Block

func init() {
	header := BlockHeader{
		Index:        0,
		Timestamp:    GenesisTimestamp,
		MerkleRoot:   MerkleRoot(nil),
		MinerAddress: genesisMiner,
	}
	GenesisBlock = &Block{
		Header:       header,
		Hash:         HashBlockHeader(&header),
		Transactions: []Transaction{},
	}
}

// IsGenesis reports whether b is the genesis block.
func IsGenesis(b *Block) bool {
	return b.Header.Index == 0 && b.Hash == GenesisBlock.Hash
}
