package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"time"

	gosmtp "github.com/emersion/go-smtp"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// defaultMaxMessageBytes is used when ServerConfig.MaxMessageBytes is zero.
const defaultMaxMessageBytes = 10 * 1024 * 1024

// idleTimeout bounds a single read or write on a client connection.
const idleTimeout = 60 * time.Second

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is the server hostname used in the greeting and EHLO responses.
	Hostname string

	// Store receives every accepted message.
	Store Store

	// TLSConfig is the TLS configuration for STARTTLS support.
	// If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword configure SMTP AUTH.
	// If either is empty, authentication is not required.
	AuthUsername string
	AuthPassword string

	// AllowInsecureAuth offers AUTH on connections without TLS.
	AllowInsecureAuth bool

	// MaxMessageBytes caps the DATA size. Zero means 10 MB.
	MaxMessageBytes int64
}

// Server is an SMTP server that appends accepted messages to a Store.
type Server struct {
	config ServerConfig
	auth   *Authenticator
	srv    *gosmtp.Server
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}

	auth := NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword)

	srv := gosmtp.NewServer(&backend{auth: auth, store: cfg.Store})
	srv.Addr = cfg.ListenAddr
	srv.Domain = cfg.Hostname
	srv.TLSConfig = cfg.TLSConfig
	srv.MaxMessageBytes = cfg.MaxMessageBytes
	srv.MaxRecipients = 100
	srv.ReadTimeout = idleTimeout
	srv.WriteTimeout = idleTimeout
	srv.AllowInsecureAuth = cfg.AllowInsecureAuth

	return &Server{config: cfg, auth: auth, srv: srv}
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. On cancellation it
// stops accepting new connections and waits up to 30 seconds for in-flight
// sessions to complete.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, gosmtp.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down SMTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown timeout reached, forcing close", "error", err)
		s.srv.Close()
	} else {
		slog.Info("all sessions completed")
	}
	return nil
}
