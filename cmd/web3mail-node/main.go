// Package main runs the reference web3mail node: the JSON-RPC endpoint over
// HTTP, an optional Redis request queue, an optional SMTP ingress and the
// outbound relay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shineum/web3mail-go/internal/config"
	"github.com/shineum/web3mail-go/internal/logging"
	"github.com/shineum/web3mail-go/internal/node"
	"github.com/shineum/web3mail-go/internal/relay"
	"github.com/shineum/web3mail-go/internal/relay/graph"
	"github.com/shineum/web3mail-go/internal/relay/ses"
	"github.com/shineum/web3mail-go/internal/relay/stdout"
	"github.com/shineum/web3mail-go/internal/smtp"
	nodetls "github.com/shineum/web3mail-go/internal/tls"
)

// shutdownTimeout bounds the HTTP server's graceful shutdown.
const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, os.Stdout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		slog.Error("node error", "error", err)
		os.Exit(1)
	}

	slog.Info("web3mail-node stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// run starts every configured listener and blocks until ctx is cancelled or
// one of them fails.
func run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	rel, err := selectRelay(ctx, cfg)
	if err != nil {
		return err
	}

	mailbox := node.NewMailbox(cfg.Node.Address)
	dispatcher := node.NewDispatcher(node.DispatcherConfig{
		Mailbox:  mailbox,
		ChainID:  cfg.Node.ChainID,
		Accounts: cfg.Node.Accounts,
		Relay:    rel,
	})
	defer dispatcher.Close()

	relayName := "none"
	if rel != nil {
		relayName = rel.Name()
	}
	slog.Info("starting web3mail-node",
		"address", cfg.Node.Address,
		"chain_id", cfg.Node.ChainID,
		"listen", cfg.Node.Listen,
		"relay", relayName,
		"redis", cfg.RedisConfigured(),
		"smtp", cfg.SMTP.Enabled,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errOnce.Do(func() { firstErr = fmt.Errorf("%s: %w", name, err) })
				cancel()
			}
		}()
	}

	start("http", func(ctx context.Context) error {
		return serveHTTP(ctx, cfg.Node.Listen, node.NewHTTPHandler(dispatcher, cfg.Node.Token))
	})

	if cfg.RedisConfigured() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		if err := client.Ping(ctx).Err(); err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Redis.Addr, err)
		}
		server := node.NewRedisServer(dispatcher, client, node.RedisServerConfig{
			RequestQueue:  cfg.Redis.RequestQueue,
			EventsChannel: cfg.Redis.EventsChannel,
		})
		start("redis", server.Run)
	}

	if cfg.SMTP.Enabled {
		tlsConfig, err := nodetls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("failed to setup TLS: %w", err)
		}

		tlsMode := "self-signed"
		if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
			tlsMode = "file"
		}
		slog.Info("SMTP ingress enabled",
			"listen", cfg.SMTP.Listen,
			"auth_enabled", cfg.AuthEnabled(),
			"tls_mode", tlsMode,
		)

		server := smtp.New(smtp.ServerConfig{
			ListenAddr:        cfg.SMTP.Listen,
			Hostname:          cfg.SMTP.Hostname,
			Store:             mailbox,
			TLSConfig:         tlsConfig,
			AuthUsername:      cfg.SMTP.Username,
			AuthPassword:      cfg.SMTP.Password,
			AllowInsecureAuth: cfg.SMTP.AllowInsecureAuth,
			MaxMessageBytes:   cfg.SMTP.MaxMessageSize,
		})
		start("smtp", server.ListenAndServe)
	}

	wg.Wait()
	return firstErr
}

// serveHTTP serves h on addr until ctx is cancelled.
func serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("JSON-RPC server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down JSON-RPC server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// selectRelay builds the relay named by the configuration. It returns nil
// for the none relay.
func selectRelay(ctx context.Context, cfg *config.Config) (relay.Relay, error) {
	switch cfg.Relay.Kind {
	case config.RelaySES:
		slog.Info("using AWS SES relay",
			"region", cfg.Relay.SES.Region,
			"sender", cfg.Relay.SES.Sender,
		)
		r, err := ses.New(ctx, ses.Config{
			Region:          cfg.Relay.SES.Region,
			AccessKeyID:     cfg.Relay.SES.AccessKeyID,
			SecretAccessKey: cfg.Relay.SES.SecretAccessKey,
			Sender:          cfg.Relay.SES.Sender,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES relay: %w", err)
		}
		return r, nil

	case config.RelayGraph:
		slog.Info("using Microsoft Graph relay",
			"tenant_id", cfg.Relay.Graph.TenantID,
			"sender", cfg.Relay.Graph.Sender,
		)
		return graph.New(graph.Config{
			TenantID:     cfg.Relay.Graph.TenantID,
			ClientID:     cfg.Relay.Graph.ClientID,
			ClientSecret: cfg.Relay.Graph.ClientSecret,
			Sender:       cfg.Relay.Graph.Sender,
		}), nil

	case config.RelayStdout:
		slog.Info("using stdout relay")
		return stdout.New(), nil

	case config.RelayNone:
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown relay %q", cfg.Relay.Kind)
	}
}
