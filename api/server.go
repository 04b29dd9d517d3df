// Package api serves the node query surface as JSON over HTTP.
package api

import (
	"auric/api/handlers"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"
)

// Server represents the HTTP API server
type Server struct {
	ledger handlers.Ledger
	addr   string
	mux    *http.ServeMux

	httpServer *http.Server
	listener   net.Listener
	wg         sync.WaitGroup
}

// NewServer creates a new API server listening on addr once started
func NewServer(addr string, ledger handlers.Ledger) *Server {
	server := &Server{
		ledger: ledger,
		addr:   addr,
		mux:    http.NewServeMux(),
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all HTTP endpoints
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/chain/tip", func(w http.ResponseWriter, r *http.Request) {
		handlers.HandleChainTip(w, r, s.ledger)
	})
	s.mux.HandleFunc("/api/blocks/", func(w http.ResponseWriter, r *http.Request) {
		handlers.HandleBlocks(w, r, s.ledger) // Handles /api/blocks/{height|hash}
	})
	s.mux.HandleFunc("/api/balances/", func(w http.ResponseWriter, r *http.Request) {
		handlers.HandleBalances(w, r, s.ledger)
	})
	s.mux.HandleFunc("/api/transactions", func(w http.ResponseWriter, r *http.Request) {
		handlers.HandleTransactions(w, r, s.ledger)
	})
}

// Handler returns the route multiplexer
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("API\tserve: %v", err)
		}
	}()
	log.Printf("API\tlistening on %s", listener.Addr())
	return nil
}

// Addr returns the bound listen address
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Close()
	s.wg.Wait()
	return err
}
