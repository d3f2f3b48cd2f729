package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"RandomDrop/internal/api"
	"RandomDrop/internal/chain"
	"RandomDrop/internal/drop"
	"RandomDrop/internal/logger"
	"RandomDrop/internal/snapshot"
	"RandomDrop/internal/storage"
	"RandomDrop/internal/token"
)

// Node represents a running drop node.
type Node struct {
	cfg     *Config
	storage *storage.Storage
	chain   *chain.Chain
	tokens  *token.Registry
	engine  *drop.Engine
	api     *api.Server
}

// NewNode creates and initializes a new node.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg}

	if err := n.initStorage(); err != nil {
		return nil, err
	}

	if err := n.importSnapshot(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initChain(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initDrop(); err != nil {
		n.Close()
		return nil, err
	}

	n.api = api.New(cfg.HTTPAddress, n.chain, n.engine, n.tokens, n.storage)

	return n, nil
}

// initStorage initializes the Pebble storage.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(n.cfg.DataPath + "/db")
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db

	return nil
}

// importSnapshot restores the configured snapshot, if any.
func (n *Node) importSnapshot() error {
	if n.cfg.ImportPath == "" {
		return nil
	}

	data, err := os.ReadFile(n.cfg.ImportPath)
	if err != nil {
		return fmt.Errorf("read snapshot:\n%w", err)
	}

	info, err := snapshot.Restore(n.storage, data)
	if err != nil {
		return fmt.Errorf("restore snapshot:\n%w", err)
	}

	logger.Info("snapshot restored", "path", n.cfg.ImportPath, "head", info.Head, "entries", info.Entries)

	return nil
}

// initChain opens the ledger.
func (n *Node) initChain() error {
	c, err := chain.New(n.storage, chain.Config{
		History:  n.cfg.History,
		Automine: n.cfg.Automine,
	})
	if err != nil {
		return fmt.Errorf("init chain:\n%w", err)
	}

	n.chain = c

	return nil
}

// initDrop creates the engine and installs it on first start.
func (n *Node) initDrop() error {
	dc, err := n.cfg.Drop()
	if err != nil {
		return fmt.Errorf("drop config:\n%w", err)
	}

	n.tokens = token.NewRegistry(dc.InventorySize)

	engine, err := drop.New(dc, n.chain, n.tokens)
	if err != nil {
		return err
	}
	n.engine = engine

	err = engine.CheckInstalled(n.storage)
	if err == nil {
		logger.Info("drop loaded", "head", n.chain.Head().Number)
		return nil
	}
	if !errors.Is(err, drop.ErrNotInstalled) {
		return fmt.Errorf("check installed drop:\n%w", err)
	}

	if _, err := n.chain.Execute(chain.Message{From: dc.Owner}, engine.Install); err != nil {
		return fmt.Errorf("install drop:\n%w", err)
	}

	if !n.cfg.Automine {
		if _, err := n.chain.Mine(); err != nil {
			return fmt.Errorf("seal install block:\n%w", err)
		}
	}

	return nil
}

// Run starts the node and blocks until shutdown signal.
func (n *Node) Run() error {
	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	if !n.cfg.Automine && n.cfg.BlockInterval > 0 {
		n.chain.StartMining(n.cfg.BlockInterval)
	}

	return n.waitForShutdown()
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// exportSnapshot writes the configured snapshot, if any.
func (n *Node) exportSnapshot() error {
	if n.cfg.ExportPath == "" || n.engine == nil {
		return nil
	}

	data, err := snapshot.Create(n.storage, n.chain.Head())
	if err != nil {
		return fmt.Errorf("create snapshot:\n%w", err)
	}

	if err := os.WriteFile(n.cfg.ExportPath, data, 0644); err != nil {
		return fmt.Errorf("write snapshot:\n%w", err)
	}

	logger.Info("snapshot exported", "path", n.cfg.ExportPath, "head", n.chain.Head().Number, "bytes", len(data))

	return nil
}

// Close shuts down all node components gracefully.
func (n *Node) Close() error {
	if n.api != nil {
		n.api.Stop()
	}

	if n.chain != nil {
		n.chain.Stop()
	}

	var err error
	if n.storage != nil {
		err = n.exportSnapshot()
		n.storage.Close()
	}

	return err
}
