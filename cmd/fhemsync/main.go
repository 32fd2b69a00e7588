package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/stepherg/fhemsync"
	"github.com/stepherg/fhemsync/config"
	"github.com/stepherg/fhemsync/internal/logger"
	"github.com/stepherg/fhemsync/internal/server"
	"github.com/stepherg/fhemsync/session"
)

// fhemsync: keeps the configured FHEM readings in sync, logs every update
// and serves the status API until SIGINT/SIGTERM.
func main() {
	configPath := flag.String("config", os.Getenv("FHEMSYNC_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log := logger.GetLogger()
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := logger.Init(cfg.Log); err != nil {
		log := logger.GetLogger()
		log.Fatal().Err(err).Msg("failed to init logger")
	}
	log := logger.WithComponent("main")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sess, err := session.New(session.Options{
		Options:    cfg.Options(),
		Registerer: reg,
		Logger:     logger.GetLogger(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create session")
	}

	if len(cfg.Readings) == 0 {
		log.Warn().Msg("no readings configured; only the status API will be served")
	}
	for _, raw := range cfg.Readings {
		sess.RegisterReading(raw).Subscribe(func(p fhemsync.Parameter) {
			log.Info().Str("reading", raw).Str("id", string(p.ID)).Str("value", p.Value).
				Str("time", p.SourceTimestamp).Msg("update")
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sess.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start session")
	}

	addr, errCh, err := server.Start(ctx, server.Config{
		ListenAddr: cfg.Listen,
		Parameters: sess.Store(),
		Status:     sess,
		Gatherer:   reg,
		Logger:     logger.WithComponent("server"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start status API")
	}
	go func() {
		if err := <-errCh; err != nil {
			log.Error().Err(err).Msg("status API error")
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	log.Info().Str("fhem", cfg.URL).Str("addr", addr.String()).Int("readings", len(cfg.Readings)).
		Msg("fhemsync running")
	<-sigCh
	log.Info().Msg("shutdown signal received; stopping")
	cancel()
	if err := sess.Stop(); err != nil {
		log.Warn().Err(err).Msg("stop session")
	}
}
