package handlers

import (
	"net/http"
)

func HandleChainTip(w http.ResponseWriter, r *http.Request, ledger Ledger) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, ledger.GetTip())
}
