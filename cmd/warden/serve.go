package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/warden"
	"github.com/prometheus/client_golang/prometheus"
)

func runServeCommand(flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}
	if configPath == "" {
		return fmt.Errorf("config file required for serve command. Use --config=warden.toml or provide as argument")
	}

	cfg, err := warden.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	pidFile := flags.PIDFile
	if pidFile == "" {
		pidFile = cfg.Server.PIDFile
	}

	// Re-exec into the background; the child comes back through here
	// without the flag.
	if flags.Daemonize && os.Getppid() != 1 {
		return daemonize(pidFile, flags.LogFile)
	}

	gw, err := warden.New(cfg)
	if err != nil {
		return fmt.Errorf("error building gateway: %w", err)
	}
	logger := gw.Logger()

	if cfg.Metrics.Enabled {
		if err := warden.RegisterMetricsDefault(); err != nil {
			logger.Warn("failed to register metrics", "error", err)
		}
		if err := gw.RegisterUsageMetrics(prometheus.DefaultRegisterer); err != nil {
			logger.Warn("failed to register usage metrics", "error", err)
		}
		if cfg.Metrics.Listen != "" {
			go func() {
				if err := warden.ServeMetrics(cfg.Metrics.Listen); err != nil {
					logger.Error("metrics server error", "error", err)
				}
			}()
		}
	}

	srv, err := gw.HTTPServer()
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Sweep orphans and start the backend when already configured.
	gw.Start(context.Background())

	protocol := "HTTP"
	if gw.TLSEnabled() {
		protocol = "HTTPS"
	}
	fmt.Printf("Starting warden %s gateway on %s (admin at %s)\n", protocol, cfg.Server.Listen, cfg.Server.BasePath)
	logger.Info("gateway listening", "protocol", protocol, "listen", cfg.Server.Listen, "base_path", cfg.Server.BasePath)

	errCh := make(chan error, 1)
	go func() {
		var serveErr error
		if gw.TLSEnabled() {
			serveErr = srv.ListenAndServeTLS("", "")
		} else {
			serveErr = srv.ListenAndServe()
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		fmt.Printf("Received %s, shutting down...\n", sig)
	case err := <-errCh:
		_ = gw.Shutdown(context.Background())
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
	}
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	_ = removePidFile(pidFile)
	return nil
}
