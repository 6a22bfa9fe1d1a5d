package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/zindgh/mqtt-broker/internal/broker"
	"github.com/zindgh/mqtt-broker/internal/config"
	"github.com/zindgh/mqtt-broker/internal/server"
	"github.com/zindgh/mqtt-broker/internal/store"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	flag.Parse()

	log.Println("starting mqtt broker...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	log.Printf("configuration loaded from %s", *configPath)
	log.Printf("server will bind to %s:%d (tls)", cfg.Server.Host, cfg.Server.Port)
	log.Printf("max qos level: %d", cfg.QoS.MaxQoS)

	creds, err := store.NewCredentialStore(cfg.Auth.UserStorePath)
	if err != nil {
		log.Fatalf("failed to open credential store: %v", err)
	}
	clientLog, err := store.NewClientLog(cfg.Storage.ClientDataDir)
	if err != nil {
		log.Fatalf("failed to open client storage: %v", err)
	}

	ackWindow := cfg.QoS.AckRetryBase * 8
	mediator := broker.NewMediator(
		creds,
		clientLog,
		cfg.QoS.AckRetryBase,
		cfg.QoS.AckMaxRetries,
		ackWindow,
		cfg.Server.HandshakeTimeout,
		cfg.Server.SafetyOfftime,
		cfg.QoS.StateSweepInterval,
	)

	srv, err := server.New(cfg, mediator)
	if err != nil {
		log.Fatalf("failed to create server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)

	observerStop := make(chan struct{})
	group.Go(func() error {
		mediator.Observer(observerStop)
		return nil
	})
	group.Go(func() error {
		mediator.SweepSessions(observerStop)
		return nil
	})

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
		group.Go(func() error {
			log.Printf("metrics listening on %s%s", metricsAddr, cfg.Metrics.Path)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-gctx.Done()
			return metricsSrv.Close()
		})
	}

	group.Go(func() error {
		if err := srv.Start(); err != nil {
			return fmt.Errorf("mqtt server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		log.Println("shutting down...")
		close(observerStop)
		return srv.Stop()
	})

	if err := group.Wait(); err != nil {
		log.Printf("server exited: %v", err)
	}
	log.Println("server stopped gracefully")
}
