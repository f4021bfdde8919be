package main

import (
	"fmt"
	"os"

	"dsnode/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg, err := parseFlags()
	if err != nil {
		return err
	}

	logger.Init(cfg.LogLevel)

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	printStartupInfo(cfg, node)

	return node.Run()
}

// printStartupInfo displays the node configuration at startup.
func printStartupInfo(cfg *Config, node *Node) {
	logger.Info("starting DS node",
		"pubkey", node.key.Public().Short(),
		"listen", cfg.ListenAddr,
		"data", cfg.DataPath,
		"lookups", len(cfg.LookupAddrs),
		"testnet", cfg.Params.TestNetMode,
	)
}
