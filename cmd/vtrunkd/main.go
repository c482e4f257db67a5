package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/vtrunkd/vtrunkd/internal/config"
	"github.com/vtrunkd/vtrunkd/internal/orchestrator"
	"github.com/vtrunkd/vtrunkd/internal/vtlog"
)

func main() {
	configPath := flag.String("config", "/etc/vtrunkd.yaml", "path to YAML configuration")
	debug := flag.Bool("debug", false, "enable debug logging")
	foreground := flag.Bool("foreground", false, "run in foreground (accepted for CLI compatibility; vtrunkd always runs in the foreground)")
	flag.Parse()
	_ = foreground

	level := "info"
	if *debug {
		level = "debug"
	}
	logger := vtlog.NewFromName(level, "")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger.Infof("starting vtrunkd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	orch := orchestrator.New(cfg, logger)
	if err := orchestrator.RunUntilShutdown(ctx, orch.Run); err != nil {
		log.Fatalf("fatal: %v", err)
	}

	logger.Infof("vtrunkd shutdown complete")
}
