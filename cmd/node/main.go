package main

import (
	"auric/api"
	"auric/config"
	"auric/node"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

func main() {
	// Command line flags override the config file and environment
	configPath := flag.String("config", "", "YAML config file (defaults only if empty)")
	listen := flag.String("p2p", "", "P2P listen address")
	apiListen := flag.String("http", "", "HTTP API listen address")
	dataDir := flag.String("data", "", "Ledger data directory")
	nodeID := flag.String("id", "", "Node ID (auto-generated if not provided)")
	seeds := flag.String("seeds", "", "Comma-separated seed peers")
	mine := flag.String("mine", "", "Mine to this address")
	writeConfig := flag.String("write-config", "", "Write the effective config to this path and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *listen != "" {
		cfg.P2P.Listen = *listen
	}
	if *apiListen != "" {
		cfg.API.Listen = *apiListen
	}
	if *dataDir != "" {
		cfg.Node.DataDir = *dataDir
	}
	if *nodeID != "" {
		cfg.Node.ID = *nodeID
	}
	if *seeds != "" {
		cfg.P2P.Seeds = strings.Split(*seeds, ",")
	}
	if *mine != "" {
		cfg.Mining.Enabled = true
		cfg.Mining.Address = *mine
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if *writeConfig != "" {
		if err := config.Save(cfg, *writeConfig); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		return
	}

	fullNode, err := node.NewFullNode(cfg)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}
	if err := fullNode.Start(); err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}

	var httpAPI *api.Server
	if cfg.API.Listen != "" {
		httpAPI = api.NewServer(cfg.API.Listen, fullNode)
		if err := httpAPI.Start(); err != nil {
			fullNode.Stop()
			log.Fatalf("Failed to start HTTP API: %v", err)
		}
	}

	log.Printf("Node %s running: P2P on %s", cfg.Node.ID, fullNode.P2PAddr())
	if len(cfg.P2P.Seeds) > 0 {
		log.Printf("Seed peers: %v", cfg.P2P.Seeds)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if httpAPI != nil {
		httpAPI.Stop()
	}
	if err := fullNode.Stop(); err != nil {
		log.Fatalf("Shutdown failed: %v", err)
	}
}
