package main

import (
	"fmt"
	"os"
	"strings"

	"RandomDrop/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg, err := loadConfig(os.Args[1:], environ())
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.InitWith(os.Stdout, level)

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(cfg)

	return node.Run()
}

// environ returns the process environment as a map.
func environ() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cfg *Config) {
	logger.Info("starting drop node",
		"http", cfg.HTTPAddress,
		"data", cfg.DataPath,
		"owner", cfg.Owner,
		"inventory", cfg.InventorySize,
		"automine", cfg.Automine,
		"block_interval", cfg.BlockInterval,
	)
}
