package handlers

import (
	"fmt"
	"net/http"
	"strings"
)

// HandleBlocks serves /api/blocks/{height|hash}.
func HandleBlocks(w http.ResponseWriter, r *http.Request, ledger Ledger) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ref := strings.TrimPrefix(r.URL.Path, "/api/blocks/")
	if ref == "" || ref == r.URL.Path {
		http.Error(w, "Block height or hash required in URL", http.StatusBadRequest)
		return
	}

	block, err := ledger.GetBlock(ref)
	if err != nil {
		http.Error(w, fmt.Sprintf("Block lookup failed: %v", err), errorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, block)
}
