package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/scaffold-mc/scaffolding/core/probe"
	"github.com/scaffold-mc/scaffolding/core/registry"
	"github.com/scaffold-mc/scaffolding/core/transport"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		listenAddr   = fs.StringP("listen-addr", "a", ":8967", "gateway listen address")
		logLevel     = fs.StringP("log-level", "l", "debug", "log level")
		maxFrameSize = fs.Int("max-frame-size", 0, "maximum inbound frame size in bytes (0 for default)")
		workers      = fs.Int("workers", 0, "request worker count (0 for default)")
		queueDepth   = fs.Int("queue-depth", 0, "request queue depth (0 for default)")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	srv := transport.NewServer(transport.Config{
		Logger:       &logger,
		ListenAddr:   *listenAddr,
		MaxFrameSize: *maxFrameSize,
		Workers:      *workers,
		QueueDepth:   *queueDepth,
	})
	reg := registry.New(registry.Config{
		Logger: &logger,
		Pusher: srv,
	})
	prober := probe.New(probe.Config{
		Logger: &logger,
	})

	reg.Mount(srv)
	prober.Mount(srv)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 1)
	)
	wg.Add(1)
	go srv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
