package handlers

import (
	"auric/blockchain"
	"auric/node"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeLedger struct {
	blocks    map[string]*blockchain.Block
	balances  map[blockchain.Address]node.Balance
	submitted []*blockchain.Transaction
	reject    string
}

func (f *fakeLedger) GetTip() blockchain.ChainTip {
	return blockchain.ChainTip{Height: 7, Hash: blockchain.Hash32{7}}
}

func (f *fakeLedger) GetBlock(ref string) (*blockchain.Block, error) {
	if ref == "bogus" {
		return nil, fmt.Errorf("%w: bad reference", blockchain.ErrMalformed)
	}
	if b, ok := f.blocks[ref]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("block %s: %w", ref, blockchain.ErrNotFound)
}

func (f *fakeLedger) GetBalance(addr blockchain.Address) (node.Balance, error) {
	b, ok := f.balances[addr]
	if !ok {
		return node.Balance{}, fmt.Errorf("%w: unknown address", blockchain.ErrMalformed)
	}
	return b, nil
}

func (f *fakeLedger) SubmitTransaction(tx *blockchain.Transaction) node.SubmitResult {
	f.submitted = append(f.submitted, tx)
	if f.reject != "" {
		return node.SubmitResult{TxID: tx.ID, Code: f.reject, Reason: "rejected for test"}
	}
	return node.SubmitResult{Accepted: true, TxID: tx.ID}
}

func TestHandleChainTip(t *testing.T) {
	ledger := &fakeLedger{}
	rec := httptest.NewRecorder()
	HandleChainTip(rec, httptest.NewRequest(http.MethodGet, "/api/chain/tip", nil), ledger)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	var tip blockchain.ChainTip
	if err := json.NewDecoder(rec.Body).Decode(&tip); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if tip != ledger.GetTip() {
		t.Errorf("tip = %+v, want %+v", tip, ledger.GetTip())
	}

	rec = httptest.NewRecorder()
	HandleChainTip(rec, httptest.NewRequest(http.MethodPost, "/api/chain/tip", nil), ledger)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", rec.Code)
	}
}

func TestHandleBlocks(t *testing.T) {
	ledger := &fakeLedger{blocks: map[string]*blockchain.Block{"0": blockchain.GenesisBlock}}

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{"by height", http.MethodGet, "/api/blocks/0", http.StatusOK},
		{"unknown", http.MethodGet, "/api/blocks/9", http.StatusNotFound},
		{"malformed", http.MethodGet, "/api/blocks/bogus", http.StatusBadRequest},
		{"missing reference", http.MethodGet, "/api/blocks/", http.StatusBadRequest},
		{"wrong method", http.MethodPost, "/api/blocks/0", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			HandleBlocks(rec, httptest.NewRequest(tt.method, tt.path, nil), ledger)
			if rec.Code != tt.status {
				t.Errorf("Expected status %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}

	rec := httptest.NewRecorder()
	HandleBlocks(rec, httptest.NewRequest(http.MethodGet, "/api/blocks/0", nil), ledger)
	var got blockchain.Block
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Hash != blockchain.GenesisBlock.Hash {
		t.Errorf("block hash = %s, want %s", got.Hash, blockchain.GenesisBlock.Hash)
	}
}

func TestHandleBalances(t *testing.T) {
	ledger := &fakeLedger{balances: map[blockchain.Address]node.Balance{
		"AUR1known": {Address: "AUR1known", Confirmed: 100, Finalized: 50},
	}}

	rec := httptest.NewRecorder()
	HandleBalances(rec, httptest.NewRequest(http.MethodGet, "/api/balances/AUR1known", nil), ledger)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	var got node.Balance
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Confirmed != 100 || got.Finalized != 50 {
		t.Errorf("balance = %+v, want confirmed 100 finalized 50", got)
	}

	rec = httptest.NewRecorder()
	HandleBalances(rec, httptest.NewRequest(http.MethodGet, "/api/balances/nope", nil), ledger)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rec.Code)
	}
}

func TestHandleTransactions(t *testing.T) {
	tx := blockchain.Transaction{
		ID:      blockchain.Hash32{3},
		Outputs: []blockchain.TxOutput{{Address: "AUR1someone", Amount: 5}},
		Fee:     1,
	}
	body, err := json.Marshal(tx)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	tests := []struct {
		name           string
		method         string
		body           string
		reject         string
		expectedStatus int
		expectedInBody string
	}{
		{"accepted", http.MethodPost, string(body), "", http.StatusAccepted, `"accepted":true`},
		{"rejected", http.MethodPost, string(body), blockchain.CodeMissingInput, http.StatusUnprocessableEntity, blockchain.CodeMissingInput},
		{"invalid json", http.MethodPost, "{not json", "", http.StatusBadRequest, "Invalid JSON"},
		{"unknown field", http.MethodPost, `{"from":"x"}`, "", http.StatusBadRequest, "Invalid JSON"},
		{"wrong method", http.MethodGet, "", "", http.StatusMethodNotAllowed, "Method not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := &fakeLedger{reject: tt.reject}
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, "/api/transactions", bytes.NewBufferString(tt.body))
			HandleTransactions(rec, req, ledger)

			if rec.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.expectedInBody) {
				t.Errorf("Expected body to contain %q, got %q", tt.expectedInBody, rec.Body.String())
			}
			if tt.expectedStatus == http.StatusAccepted || tt.expectedStatus == http.StatusUnprocessableEntity {
				if len(ledger.submitted) != 1 || ledger.submitted[0].ID != tx.ID {
					t.Errorf("submitted = %v, want %s", ledger.submitted, tx.ID)
				}
			}
		})
	}
}
