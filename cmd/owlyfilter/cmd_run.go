package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/SitinCloud/Owlyshield/internal/comport"
	"github.com/SitinCloud/Owlyshield/internal/core"
	"github.com/SitinCloud/Owlyshield/internal/filter"
)

// cmdRun boots the filter daemon: config, logging, audit bus, filter
// core, control port. It blocks until SIGINT/SIGTERM.
func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("c", "owlyfilter.yaml", "path to config file")
	_ = fs.Parse(args)

	cfg, err := core.LoadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ring := core.NewLogRingBuffer(1000)
	logger := newLogger(cfg.Logging, ring)
	logger.Info().Str("version", version).Msg("owlyfilter starting")

	var audit core.Publisher
	var bus *core.AuditBus
	if cfg.Bus.Enabled {
		bus, err = core.NewAuditBus(&cfg.Bus, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("audit bus failed to start")
		}
		audit = bus
	}

	filterCore := filter.NewCore(logger, audit)
	if err := filterCore.Register(); err != nil {
		logger.Fatal().Err(err).Msg("filter registration failed")
	}
	if err := filterCore.StartFiltering(); err != nil {
		logger.Fatal().Err(err).Msg("filter start failed")
	}

	port := comport.NewServer(filterCore, nil, logger)
	if err := port.Listen(cfg.Port.Addr()); err != nil {
		logger.Fatal().Err(err).Msg("control port failed to start")
	}
	logger.Info().Str("state", filterCore.State().String()).Msg("filtering; waiting for agent")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("shutting down")
	_ = port.Close()
	filterCore.Shutdown()
	if bus != nil {
		_ = bus.Close()
	}
}

// newLogger builds the daemon logger: console or JSON output, teed into
// the in-memory ring buffer for diagnostics.
func newLogger(cfg core.LoggingConfig, ring *core.LogRingBuffer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stderr
	if cfg.Format != "json" {
		out = zerolog.NewConsoleWriter()
	}
	return zerolog.New(io.MultiWriter(out, ring)).
		With().Timestamp().Logger().
		Level(level)
}
