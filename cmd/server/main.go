package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"lokiseq/config"
	"lokiseq/infra/logger"
	"lokiseq/service/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	mode := flag.String("mode", "", "start mode: "+strings.Join(config.Modes, ", "))
	checkpoints := flag.Bool("checkpoints", true, "write state checkpoints")
	flag.Parse()

	cfg, err := config.Load(*configPath, ".env")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "checkpoints" {
			cfg.Sequencer.CheckpointEnabled = *checkpoints
		}
	})

	if err := logger.Init(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer logger.Close()
	log := logger.WithComponent("main")

	// ---------------- Components ----------------

	sup, err := supervisor.New(cfg)
	if err != nil {
		log.WithError(err).Error("startup failed")
		return 1
	}

	// ---------------- Run ----------------

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithField("mode", cfg.Mode).Info("lokiseq starting")
	if err := sup.Run(ctx); err != nil {
		log.WithError(err).Error("stopped abnormally")
		return 1
	}
	return 0
}
