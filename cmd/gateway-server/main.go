// Command gateway-server runs the device-cloud gateway: it accepts device
// TCP connections, performs the handshake, and keeps a DeviceSession open
// for each one for the life of the connection.
//
// Usage:
//
//	gateway-server [flags]
//
// Flags:
//
//	-config string     Path to a YAML configuration file
//	-listen string      Override listen_address from the config file
//	-log-level string   slog level: debug, info, warn, error (default "info")
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/device-cloud/gateway/pkg/config"
	devcrypto "github.com/device-cloud/gateway/pkg/crypto"
	"github.com/device-cloud/gateway/pkg/keystore"
	devlog "github.com/device-cloud/gateway/pkg/log"
	"github.com/device-cloud/gateway/pkg/pubsub"
	"github.com/device-cloud/gateway/pkg/server"
)

var (
	configPath   string
	listenFlag   string
	logLevelFlag string
)

func init() {
	flag.StringVar(&configPath, "config", "", "Path to a YAML configuration file")
	flag.StringVar(&listenFlag, "listen", "", "Override listen_address from the config file")
	flag.StringVar(&logLevelFlag, "log-level", "info", "slog level: debug, info, warn, error")
}

func main() {
	flag.Parse()

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			slog.Error("load config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if listenFlag != "" {
		cfg.ListenAddress = listenFlag
	}

	slogHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(logLevelFlag)})
	slogger := slog.New(slogHandler)
	slog.SetDefault(slogger)

	logger, err := buildLogger(slogger, cfg.LogFilePath)
	if err != nil {
		slog.Error("build logger", "error", err)
		os.Exit(1)
	}

	serverKeyPair, err := devcrypto.LoadServerKeyPair(cfg.ServerKeyPath)
	if err != nil {
		slog.Error("load server key pair", "path", cfg.ServerKeyPath, "error", err)
		os.Exit(1)
	}

	var store keystore.Store
	if cfg.KeystoreDir != "" {
		store = keystore.NewFileStore(cfg.KeystoreDir, serverKeyPair)
	} else {
		store = keystore.NewMemoryStore(serverKeyPair)
	}

	publisher := pubsub.New(logger)

	srv := server.New(store, publisher, logger, server.Options{
		ListenAddress:    cfg.ListenAddress,
		MaxConnections:   cfg.MaxConnections,
		HandshakeTimeout: cfg.HandshakeTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		slog.Error("start server", "error", err)
		os.Exit(1)
	}
	slog.Info("gateway started", "listen_address", cfg.ListenAddress, "max_connections", cfg.MaxConnections)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("gateway stopped")
}

func buildLogger(slogger *slog.Logger, logFilePath string) (devlog.Logger, error) {
	adapter := devlog.NewSlogAdapter(slogger)
	if logFilePath == "" {
		return adapter, nil
	}
	fileLogger, err := devlog.NewFileLogger(logFilePath)
	if err != nil {
		return nil, fmt.Errorf("open protocol log file %s: %w", logFilePath, err)
	}
	return devlog.NewMultiLogger(adapter, fileLogger), nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
