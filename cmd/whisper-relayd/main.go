package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"whisper2/go-server/internal/config"
	"whisper2/go-server/internal/relay"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	listenAddr := flag.String("listen", "", "listen address (overrides config)")
	configPath := flag.String("config", "", "path to relay.yaml (optional)")
	dataDir := flag.String("data-dir", "", "directory for relay state (overrides config)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("whisper-relayd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadFromPath(*configPath)
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if cfg.StorageSecret == "" {
		fmt.Fprintln(os.Stderr, "warning: WSP_STORAGE_SECRET is not set, state will not survive restarts")
	}

	srv, err := relay.New(cfg)
	if err != nil {
		log.Fatalf("whisper-relayd failed to initialize: %v", err)
	}

	log.Println("whisper-relayd starting")
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("whisper-relayd failed: %v", err)
	}
	log.Println("whisper-relayd stopped")
}
