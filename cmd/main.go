package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"

	"github.com/ringfs/ringfs/config"
	"github.com/ringfs/ringfs/node"
	"github.com/ringfs/ringfs/server"
	"github.com/ringfs/ringfs/storage"
	"github.com/ringfs/ringfs/transport"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).
		With().Timestamp().Logger()

	store, err := storage.NewDisk(cfg.StoragePath, cfg.M, log)
	if err != nil {
		log.Error().Err(err).Str("path", cfg.StoragePath).Msg("storage init failed")
		os.Exit(1)
	}

	svc := node.New(node.Config{
		Address:         cfg.Address(),
		Bootstrap:       cfg.BootstrapAddr(),
		M:               cfg.M,
		StabilizePeriod: cfg.StabilizePeriod,
		JoinRetry:       cfg.JoinRetry,
		RPCTimeout:      cfg.RPCTimeout,
	}, store, transport.NewHTTP(cfg.RPCTimeout, log), log)

	lis, err := net.Listen("tcp", cfg.Address())
	if err != nil {
		log.Error().Err(err).Str("addr", cfg.Address()).Msg("bind failed")
		os.Exit(1)
	}

	banner(svc, cfg)

	if err := svc.Start(); err != nil {
		log.Error().Err(err).Msg("node start failed")
		os.Exit(1)
	}

	srv := server.NewServer(svc, log)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(lis) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		svc.Stop()
		srv.Stop()
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server failed")
			svc.Stop()
			os.Exit(1)
		}
	}
}

func banner(svc *node.Service, cfg config.Config) {
	self := svc.Self()
	head := color.New(color.FgCyan, color.Bold)
	head.Println("ringfs node")
	fmt.Printf("  address   %s\n", self.Addr)
	fmt.Printf("  ring id   %d (m=%d)\n", self.ID, cfg.M)
	if b := cfg.BootstrapAddr(); b != "" {
		fmt.Printf("  bootstrap %s\n", b)
	} else {
		color.Green("  new ring")
	}
	fmt.Println()
}
