// Command kvs-server runs the FincasKV TCP server against a data
// directory backed by either the log-structured "kvs" engine or the
// bbolt-backed alternate engine.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"fincaskv/config"
	"fincaskv/network/server"
	"fincaskv/storage"
	"fincaskv/storage/altengine"
)

func main() {
	addr := flag.String("addr", "", "listen address (overrides config)")
	engineName := flag.String("engine", "", "storage engine: kvs or bolt (overrides config)")
	dataDir := flag.String("dir", "", "data directory (overrides config)")
	confPath := flag.String("conf", "", "path to an optional YAML config file")
	workers := flag.Int("workers", 0, "worker pool size (overrides config)")
	flag.Parse()

	if *confPath != "" {
		if err := config.Init(*confPath); err != nil {
			log.Fatalf("load config: %v", err)
		}
	} else {
		config.InitDefault()
	}
	cfg := config.Get()

	if *addr != "" {
		cfg.Network.Addr = *addr
	}
	if *engineName != "" {
		cfg.Storage.Engine = *engineName
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}
	if *workers != 0 {
		cfg.Network.Workers = *workers
	} else if cfg.Network.Workers == 0 {
		cfg.Network.Workers = runtime.NumCPU() * 4
	}

	engine, err := openEngine(cfg)
	if err != nil {
		log.Fatalf("open engine: %v", err)
	}
	defer engine.Close()

	srv := server.New(server.Config{
		Addr:       cfg.Network.Addr,
		Workers:    cfg.Network.Workers,
		QueueDepth: 1024,
	}, engine)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server: %v", err)
		}
	case <-sigCh:
		log.Println("fincaskv: shutting down")
		if err := srv.Stop(); err != nil {
			log.Printf("fincaskv: shutdown error: %v", err)
		}
	}
}

func openEngine(cfg *config.Config) (storage.Engine, error) {
	switch storage.EngineName(cfg.Storage.Engine) {
	case storage.EngineKVS, "":
		return storage.Open(
			storage.WithDataDir(cfg.Storage.DataDir),
			storage.WithCompactionThreshold(cfg.Storage.CompactionThreshold),
			storage.WithSyncPolicy(storage.SyncPolicy(cfg.Storage.SyncPolicy)),
			storage.WithSyncInterval(cfg.Storage.SyncInterval),
		)
	case storage.EngineBolt:
		return altengine.Open(cfg.Storage.DataDir)
	default:
		return nil, fmt.Errorf("unknown engine %q", cfg.Storage.Engine)
	}
}
