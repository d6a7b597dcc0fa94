package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/21programado/concordancia/internal/logging"
	"github.com/21programado/concordancia/internal/offline"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("CONCORDANCIA_CONFIG", "/concordancia.yaml"), "path to concordancia.yaml")
	flag.Parse()

	cfg, err := offline.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, configPath, logger); err != nil {
		logger.WithError(err).Error("exiting")
		os.Exit(1)
	}
}

func run(cfg offline.Config, configPath string, logger *logrus.Logger) error {
	svc, err := offline.NewService(cfg, offline.ServiceOptions{Logger: logger})
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.WithFields(logrus.Fields{
			"action":  "listen",
			"addr":    addr,
			"origin":  cfg.Server.Origin,
			"version": cfg.Version,
		}).Info("offline proxy listening")
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("server error")
			stop()
		}
	}()

	// Install runs while the server already passes requests straight through.
	if err := svc.Start(ctx); err != nil {
		logger.WithError(err).WithField("action", "install").Error("initial install failed, requests pass through uncached")
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		case <-hup:
			next, err := offline.LoadConfig(configPath)
			if err != nil {
				logger.WithError(err).WithField("action", "reload").Error("reload config")
				continue
			}
			if err := svc.Reload(ctx, next); err != nil {
				logger.WithError(err).WithField("action", "reload").Error("register new version")
			}
		}
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
