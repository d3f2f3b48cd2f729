package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"RandomDrop/internal/drop"
)

// Config holds the node configuration.
// Environment variables set the defaults; command-line flags override them.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string `env:"DROP_DATA" envDefault:"./data"`

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string `env:"DROP_HTTP" envDefault:":8080"`

	// InventorySize is the number of values on offer, 1..N.
	InventorySize uint64 `env:"DROP_INVENTORY" envDefault:"100"`

	// TeamAllocation is how many values are set aside for the owner.
	TeamAllocation uint64 `env:"DROP_TEAM" envDefault:"20"`

	// PackSize is the number of values one purchase buys.
	PackSize uint64 `env:"DROP_PACK" envDefault:"10"`

	// Price is the pack price in wei as a decimal string.
	Price string `env:"DROP_PRICE_WEI" envDefault:"1"`

	// Owner is the hex address allowed to run privileged operations.
	Owner string `env:"DROP_OWNER"`

	// Automine seals one block per transaction instead of on a timer.
	Automine bool `env:"DROP_AUTOMINE" envDefault:"false"`

	// BlockInterval is the block production period when automine is off.
	BlockInterval time.Duration `env:"DROP_BLOCK_INTERVAL" envDefault:"2s"`

	// History is how many recent block hashes stay readable; 0 keeps all.
	History uint64 `env:"DROP_HISTORY" envDefault:"0"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"DROP_LOG_LEVEL" envDefault:"info"`

	// ImportPath, if set, restores this snapshot into an empty data directory at startup.
	ImportPath string `env:"DROP_SNAPSHOT_IMPORT"`

	// ExportPath, if set, receives a snapshot of the state at shutdown.
	ExportPath string `env:"DROP_SNAPSHOT_EXPORT"`
}

// loadConfig reads environ, then applies flags from args.
func loadConfig(args []string, environ map[string]string) (*Config, error) {
	cfg := &Config{}

	if err := env.ParseWithOptions(cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("parse environment:\n%w", err)
	}

	fs := flag.NewFlagSet("dropnode", flag.ContinueOnError)
	fs.StringVar(&cfg.DataPath, "data", cfg.DataPath, "Data directory path")
	fs.StringVar(&cfg.HTTPAddress, "http", cfg.HTTPAddress, "HTTP API address")
	fs.Uint64Var(&cfg.InventorySize, "inventory", cfg.InventorySize, "Inventory size N")
	fs.Uint64Var(&cfg.TeamAllocation, "team", cfg.TeamAllocation, "Values set aside for the owner")
	fs.Uint64Var(&cfg.PackSize, "pack", cfg.PackSize, "Values per purchase")
	fs.StringVar(&cfg.Price, "price", cfg.Price, "Pack price in wei")
	fs.StringVar(&cfg.Owner, "owner", cfg.Owner, "Owner address (hex)")
	fs.BoolVar(&cfg.Automine, "automine", cfg.Automine, "Seal a block after every transaction")
	fs.DurationVar(&cfg.BlockInterval, "block-interval", cfg.BlockInterval, "Block production interval")
	fs.Uint64Var(&cfg.History, "history", cfg.History, "Readable block hash window (0 = unbounded)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.StringVar(&cfg.ImportPath, "import", cfg.ImportPath, "Snapshot to restore at startup")
	fs.StringVar(&cfg.ExportPath, "export", cfg.ExportPath, "Snapshot to write at shutdown")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Drop returns the sale parameters.
func (c *Config) Drop() (drop.Config, error) {
	if !common.IsHexAddress(c.Owner) {
		return drop.Config{}, fmt.Errorf("invalid owner address %q", c.Owner)
	}

	price, err := uint256.FromDecimal(c.Price)
	if err != nil {
		return drop.Config{}, fmt.Errorf("invalid price %q:\n%w", c.Price, err)
	}

	dc := drop.Config{
		InventorySize:  c.InventorySize,
		TeamAllocation: c.TeamAllocation,
		PackSize:       c.PackSize,
		PricePerPack:   price,
		Owner:          common.HexToAddress(c.Owner),
	}

	if err := dc.Validate(); err != nil {
		return drop.Config{}, err
	}

	return dc, nil
}
