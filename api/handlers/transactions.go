package handlers

import (
	"auric/blockchain"
	"encoding/json"
	"net/http"
)

// maxTxBody bounds a submitted transaction document
const maxTxBody = 1 << 20

// HandleTransactions accepts POSTed transactions into the pool. Rejections
// answer 422 with the rejection code and reason.
func HandleTransactions(w http.ResponseWriter, r *http.Request, ledger Ledger) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var tx blockchain.Transaction
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&tx); err != nil {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}

	res := ledger.SubmitTransaction(&tx)
	if !res.Accepted {
		writeJSON(w, http.StatusUnprocessableEntity, res)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}
