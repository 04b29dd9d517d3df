package blockchain

import (
	"errors"
	"fmt"
)

// Error kinds. A RuleError matches the sentinel of its kind with errors.Is.
var (
	ErrMalformed          = errors.New("malformed")
	ErrConsensusViolation = errors.New("consensus violation")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrDoubleSpend        = errors.New("double spend")
	ErrReorgTooDeep       = errors.New("reorg too deep")
	ErrStorageFailure     = errors.New("storage failure")
	ErrNetworkTimeout     = errors.New("network timeout")
	ErrNotFound           = errors.New("not found")
)

// Rejection codes. They are stable strings callers can switch on.
const (
	CodeEmptyOutputs       = "empty-outputs"
	CodeZeroAmount         = "zero-amount"
	CodeOverflow           = "amount-overflow"
	CodeBadTxID            = "bad-txid"
	CodeTooManyInputs      = "too-many-inputs"
	CodeTooManyOutputs     = "too-many-outputs"
	CodeBadAddress         = "bad-address"
	CodeDuplicateInput     = "duplicate-input"
	CodeMissingInput       = "missing-input"
	CodeSpentInBatch       = "spent-in-block"
	CodeKeyMismatch        = "pubkey-address-mismatch"
	CodeBadSignature       = "bad-signature"
	CodeInsufficientInputs = "insufficient-inputs"
	CodeCoinbaseAmount     = "bad-coinbase-amount"
	CodeCoinbaseHeight     = "bad-coinbase-height"
	CodeCoinbaseFee        = "coinbase-fee"
	CodeUnexpectedCoinbase = "unexpected-coinbase"
	CodeDuplicateOutput    = "duplicate-output"

	CodeBadParent     = "bad-prev-hash"
	CodeBadHeight     = "bad-height"
	CodeTimeTooNew    = "time-too-new"
	CodeTimeTooOld    = "time-too-old"
	CodeBlockTooLarge = "block-too-large"
	CodeTooManyTxs    = "too-many-txs"
	CodeNoCoinbase    = "missing-coinbase"
	CodeBadMerkleRoot = "bad-merkle-root"
	CodeBadHash       = "bad-block-hash"
	CodeBadPoW        = "bad-pow"
	CodeLowDifficulty = "difficulty-too-low"
	CodeDuplicateTx   = "duplicate-tx"
	CodeInvalidChain  = "invalid-ancestor"
	CodeReorgDepth    = "reorg-too-deep"
	CodeMinerAddress  = "bad-miner-address"
)

// RuleError reports why a block or transaction was rejected.
type RuleError struct {
	Kind   error
	Code   string
	Reason string
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("%v: %s: %s", e.Kind, e.Code, e.Reason)
}

func (e *RuleError) Is(target error) bool {
	return target == e.Kind
}

func ruleError(kind error, code, format string, args ...interface{}) *RuleError {
	return &RuleError{Kind: kind, Code: code, Reason: fmt.Sprintf(format, args...)}
}

// ErrMissingParent is returned when a block's parent is not known.
type ErrMissingParent struct {
	Hash Hash32
}

func (e ErrMissingParent) Error() string {
	return fmt.Sprintf("missing parent block: %x", e.Hash[:8])
}

// RejectCode returns the code of the RuleError in err's chain, or "" if
// there is none.
func RejectCode(err error) string {
	var re *RuleError
	if errors.As(err, &re) {
		return re.Code
	}
	var mp ErrMissingParent
	if errors.As(err, &mp) {
		return "missing-parent"
	}
	return ""
}

// IsRetryable reports whether err may succeed later without the rejected
// data changing. An unknown parent or input may still arrive, a future
// timestamp becomes valid as the clock advances, and storage or network
// conditions may clear. Everything else is invalid forever.
func IsRetryable(err error) bool {
	var mp ErrMissingParent
	if errors.As(err, &mp) {
		return true
	}
	if errors.Is(err, ErrStorageFailure) || errors.Is(err, ErrNetworkTimeout) {
		return true
	}
	switch RejectCode(err) {
	case CodeMissingInput, CodeTimeTooNew:
		return true
	}
	return false
}

// IsPeerFault reports whether a peer that sent data failing with err should
// be penalized. Clock skew between honest nodes is not a fault.
func IsPeerFault(err error) bool {
	if RejectCode(err) == CodeTimeTooNew {
		return false
	}
	return errors.Is(err, ErrMalformed) || errors.Is(err, ErrConsensusViolation)
}
