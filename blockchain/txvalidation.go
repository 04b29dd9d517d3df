package blockchain

import (
	"math"
)

// UTXOView answers whether an output is live.
type UTXOView interface {
	GetUTXO(op OutPoint) (UTXOEntry, bool, error)
}

// BatchView layers the effects of a batch of transactions (one block, or
// one candidate transaction) over a base view. Outputs consumed earlier in
// the batch are no longer visible.
type BatchView struct {
	base    UTXOView
	height  uint64
	spent   map[OutPoint]struct{}
	created map[OutPoint]UTXOEntry
	delta   UTXODelta
}

// NewBatchView starts a batch whose outputs are created at height.
func NewBatchView(base UTXOView, height uint64) *BatchView {
	return &BatchView{
		base:    base,
		height:  height,
		spent:   make(map[OutPoint]struct{}),
		created: make(map[OutPoint]UTXOEntry),
	}
}

func (v *BatchView) GetUTXO(op OutPoint) (UTXOEntry, bool, error) {
	if _, ok := v.spent[op]; ok {
		return UTXOEntry{}, false, nil
	}
	if entry, ok := v.created[op]; ok {
		return entry, true, nil
	}
	return v.base.GetUTXO(op)
}

func (v *BatchView) spentInBatch(op OutPoint) bool {
	_, ok := v.spent[op]
	return ok
}

func (v *BatchView) spend(op OutPoint, entry UTXOEntry) {
	v.spent[op] = struct{}{}
	if _, ok := v.created[op]; ok {
		// created and consumed inside the batch: net effect is nothing
		delete(v.created, op)
		for i, c := range v.delta.Created {
			if c.OutPoint == op {
				v.delta.Created = append(v.delta.Created[:i], v.delta.Created[i+1:]...)
				break
			}
		}
		return
	}
	v.delta.Spent = append(v.delta.Spent, SpentOutput{OutPoint: op, Entry: entry})
}

func (v *BatchView) create(op OutPoint, entry UTXOEntry) {
	v.created[op] = entry
	v.delta.Created = append(v.delta.Created, CreatedOutput{OutPoint: op, Entry: entry})
}

// Delta returns the net UTXO changes of the batch so far.
func (v *BatchView) Delta() *UTXODelta {
	d := &UTXODelta{
		Created: append([]CreatedOutput(nil), v.delta.Created...),
		Spent:   append([]SpentOutput(nil), v.delta.Spent...),
	}
	return d
}

func addUint64(a, b uint64) (uint64, bool) {
	if a > math.MaxUint64-b {
		return 0, false
	}
	return a + b, true
}

// CheckTransactionSanity runs the context-free structural checks.
func CheckTransactionSanity(tx *Transaction, params *Params) error {
	if len(tx.Outputs) == 0 {
		return ruleError(ErrMalformed, CodeEmptyOutputs, "transaction %s has no outputs", tx.ID)
	}
	if len(tx.Inputs) > params.MaxTxInputs {
		return ruleError(ErrMalformed, CodeTooManyInputs, "%d inputs exceeds %d", len(tx.Inputs), params.MaxTxInputs)
	}
	if len(tx.Outputs) > params.MaxTxOutputs {
		return ruleError(ErrMalformed, CodeTooManyOutputs, "%d outputs exceeds %d", len(tx.Outputs), params.MaxTxOutputs)
	}

	var total uint64
	for i, out := range tx.Outputs {
		if out.Amount == 0 {
			return ruleError(ErrMalformed, CodeZeroAmount, "output %d has zero amount", i)
		}
		if err := out.Address.Validate(); err != nil {
			return ruleError(ErrMalformed, CodeBadAddress, "output %d: %v", i, err)
		}
		var ok bool
		if total, ok = addUint64(total, out.Amount); !ok {
			return ruleError(ErrMalformed, CodeOverflow, "output sum overflows")
		}
	}

	if tx.IsCoinbase() {
		if tx.Fee != 0 {
			return ruleError(ErrMalformed, CodeCoinbaseFee, "coinbase declares fee %d", tx.Fee)
		}
	} else {
		if tx.Height != 0 {
			return ruleError(ErrMalformed, CodeCoinbaseHeight, "transfer carries coinbase height %d", tx.Height)
		}
		seen := make(map[OutPoint]struct{}, len(tx.Inputs))
		for _, in := range tx.Inputs {
			op := in.OutPoint()
			if _, dup := seen[op]; dup {
				return ruleError(ErrDoubleSpend, CodeDuplicateInput, "input %s referenced twice", op)
			}
			seen[op] = struct{}{}
		}
	}

	if id := HashTransaction(tx); id != tx.ID {
		return ruleError(ErrMalformed, CodeBadTxID, "claimed id %s, computed %s", tx.ID, id)
	}
	return nil
}

// ValidateTransaction checks a non-coinbase transaction against view and,
// when it passes, applies it to view so later transactions in the same
// batch see its effects.
func ValidateTransaction(tx *Transaction, view *BatchView, params *Params) error {
	if tx.IsCoinbase() {
		return ruleError(ErrMalformed, CodeUnexpectedCoinbase, "transaction %s has no inputs", tx.ID)
	}
	if err := CheckTransactionSanity(tx, params); err != nil {
		return err
	}

	entries := make([]UTXOEntry, len(tx.Inputs))
	for i, in := range tx.Inputs {
		op := in.OutPoint()
		if view.spentInBatch(op) {
			return ruleError(ErrDoubleSpend, CodeSpentInBatch, "input %s already spent in this block", op)
		}
		entry, ok, err := view.GetUTXO(op)
		if err != nil {
			return err
		}
		if !ok {
			return ruleError(ErrDoubleSpend, CodeMissingInput, "input %s is unknown or spent", op)
		}
		entries[i] = entry
	}

	msg := SigningHash(tx)
	for i, in := range tx.Inputs {
		owner := entries[i].Address
		if !owner.OwnedBy(in.PublicKey) {
			return ruleError(ErrInvalidSignature, CodeKeyMismatch, "input %d key does not own %s", i, owner)
		}
		verifier, err := VerifierFor(owner)
		if err != nil {
			return ruleError(ErrMalformed, CodeBadAddress, "input %d: %v", i, err)
		}
		if !verifier.Verify(msg[:], in.Signature, in.PublicKey) {
			return ruleError(ErrInvalidSignature, CodeBadSignature, "input %d signature does not verify", i)
		}
	}

	var in, out uint64
	var ok bool
	for _, e := range entries {
		if in, ok = addUint64(in, e.Amount); !ok {
			return ruleError(ErrMalformed, CodeOverflow, "input sum overflows")
		}
	}
	for _, o := range tx.Outputs {
		out += o.Amount
	}
	need, ok := addUint64(out, tx.Fee)
	if !ok {
		return ruleError(ErrMalformed, CodeOverflow, "outputs plus fee overflow")
	}
	if in < need {
		return ruleError(ErrConsensusViolation, CodeInsufficientInputs, "inputs %d < outputs %d + fee %d", in, out, tx.Fee)
	}

	if err := checkFreshOutputs(tx, view); err != nil {
		return err
	}
	for i, input := range tx.Inputs {
		view.spend(input.OutPoint(), entries[i])
	}
	createOutputs(tx, view, false)
	return nil
}

// ValidateCoinbase checks the coinbase of a block at height collecting fees,
// and applies its outputs to view.
func ValidateCoinbase(tx *Transaction, height, fees uint64, view *BatchView, params *Params) error {
	if !tx.IsCoinbase() {
		return ruleError(ErrMalformed, CodeNoCoinbase, "first transaction %s has inputs", tx.ID)
	}
	if err := CheckTransactionSanity(tx, params); err != nil {
		return err
	}
	if tx.Height != height {
		return ruleError(ErrConsensusViolation, CodeCoinbaseHeight, "coinbase height %d in block %d", tx.Height, height)
	}

	allowed, ok := addUint64(params.Reward(height), fees)
	if !ok {
		return ruleError(ErrConsensusViolation, CodeOverflow, "reward plus fees overflows")
	}
	var paid uint64
	for _, o := range tx.Outputs {
		paid += o.Amount
	}
	switch params.CoinbasePolicy {
	case CoinbaseAtMost:
		if paid > allowed {
			return ruleError(ErrConsensusViolation, CodeCoinbaseAmount, "coinbase pays %d, at most %d allowed", paid, allowed)
		}
	default:
		if paid != allowed {
			return ruleError(ErrConsensusViolation, CodeCoinbaseAmount, "coinbase pays %d, want %d", paid, allowed)
		}
	}

	if err := checkFreshOutputs(tx, view); err != nil {
		return err
	}
	createOutputs(tx, view, true)
	return nil
}

func checkFreshOutputs(tx *Transaction, view *BatchView) error {
	for i := range tx.Outputs {
		op := OutPoint{TxID: tx.ID, Index: uint32(i)}
		_, exists, err := view.GetUTXO(op)
		if err != nil {
			return err
		}
		if exists {
			return ruleError(ErrConsensusViolation, CodeDuplicateOutput, "output %s already exists", op)
		}
	}
	return nil
}

func createOutputs(tx *Transaction, view *BatchView, coinbase bool) {
	for i, o := range tx.Outputs {
		view.create(OutPoint{TxID: tx.ID, Index: uint32(i)}, UTXOEntry{
			Amount:   o.Amount,
			Address:  o.Address,
			Height:   view.height,
			Coinbase: coinbase,
		})
	}
}
