package handlers

import (
	"auric/blockchain"
	"auric/node"
	"encoding/json"
	"errors"
	"net/http"
)

// Ledger is the node query surface the handlers project over HTTP.
type Ledger interface {
	GetTip() blockchain.ChainTip
	GetBlock(ref string) (*blockchain.Block, error)
	GetBalance(addr blockchain.Address) (node.Balance, error)
	SubmitTransaction(tx *blockchain.Transaction) node.SubmitResult
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorStatus maps ledger errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, blockchain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, blockchain.ErrMalformed):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
