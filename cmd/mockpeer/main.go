// filename: main.go
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/zerc/peermon/pkg/metrics"
	"github.com/zerc/peermon/pkg/mockpeer"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = "127.0.0.1:0"
	defaultMetricsAddr = ":8080"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	listenAddr := flag.String("listen", defaultListenAddr, "Address for the mock peer to listen on")
	metricsAddr := flag.String("metrics-addr", defaultMetricsAddr, "Address for the prometheus metrics endpoint")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level: logLevel,
	}))

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := mockpeer.New(&mockpeer.Config{
		Logger:  log,
		Addr:    *listenAddr,
		Handler: mockpeer.IsMasterHandler(),
	})
	if err != nil {
		log.Error("failed to create mock peer", "error", err)
		return err
	}
	if err := server.Run(); err != nil {
		log.Error("failed to start mock peer", "error", err)
		return err
	}
	log.Info("mock peer listening", "addr", server.Addr().String(), "version", version)

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		log.Info("metrics server listening", "addr", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			log.Error("metrics server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	if err := server.Stop(); err != nil {
		log.Error("failed to stop mock peer", "error", err)
		return err
	}
	return nil
}
