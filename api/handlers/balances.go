package handlers

import (
	"auric/blockchain"
	"fmt"
	"net/http"
	"strings"
)

// HandleBalances serves /api/balances/{address}.
func HandleBalances(w http.ResponseWriter, r *http.Request, ledger Ledger) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	addr := strings.TrimPrefix(r.URL.Path, "/api/balances/")
	if addr == "" || addr == r.URL.Path {
		http.Error(w, "Address required in URL", http.StatusBadRequest)
		return
	}

	balance, err := ledger.GetBalance(blockchain.Address(addr))
	if err != nil {
		http.Error(w, fmt.Sprintf("Balance lookup failed: %v", err), errorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, balance)
}
