// Command barrelkv-server hosts a BarrelKV store behind the HTTP JSON
// surface in package server. Configuration comes entirely from the
// environment (internal/config) plus BARRELKV_DIR and BARRELKV_ADDR; this
// binary only wires engine.Open to server.New and has no logic of its own.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/barrelkv/barrelkv/engine"
	"github.com/barrelkv/barrelkv/internal/config"
	"github.com/barrelkv/barrelkv/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "barrelkv-server:", err)
		os.Exit(1)
	}
}

func run() error {
	dir := os.Getenv("BARRELKV_DIR")
	if dir == "" {
		dir = "./barrelkv-data"
	}
	addr := os.Getenv("BARRELKV_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	log := slog.Default()

	eng, err := engine.Open(
		dir,
		engine.WithFlushThreshold(cfg.FlushThresholdBytes),
		engine.WithWALFlushInterval(cfg.WALFlushInterval),
		engine.WithBloomParams(cfg.BloomBitsPerKey, cfg.BloomHashCount),
		engine.WithLogger(log),
	)
	if err != nil {
		return err
	}
	defer eng.Close()

	srv := server.New(eng, log)
	return srv.Listen(addr)
}
