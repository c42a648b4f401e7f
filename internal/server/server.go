package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"pairdesk/internal/config"
	"pairdesk/internal/constants"
	"pairdesk/internal/logger"
	"pairdesk/internal/metrics"
	"pairdesk/internal/relay"
	"pairdesk/internal/security"
	"pairdesk/internal/session"
	"pairdesk/internal/transfer"
)

// Deps are the long-lived components the HTTP surface is built on. The
// server owns them after New and releases them in Cleanup.
type Deps struct {
	Sessions  session.Repository
	Guard     *security.Guard
	AccessLog security.AccessLogStore
	Transfers *transfer.Manager
	Audit     *security.AuditLogger
	Log       *logger.Logger
}

type Server struct {
	conf           *config.Config
	Store          session.Repository
	Guard          *security.Guard
	AccessLog      security.AccessLogStore
	Transfers      *transfer.Manager
	Relay          *relay.Hub
	BruteProtector *security.BruteForceProtector
	AuditLogger    *security.AuditLogger
	IPs            *security.ClientIPResolver
	log            *logger.Logger
}

func New(conf *config.Config, deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = logger.Nop()
	}

	s := &Server{
		conf:           conf,
		Store:          deps.Sessions,
		Guard:          deps.Guard,
		AccessLog:      deps.AccessLog,
		Transfers:      deps.Transfers,
		BruteProtector: security.NewBruteForceProtector(constants.MaxLookupFailures, constants.BlockDuration),
		AuditLogger:    deps.Audit,
		IPs:            security.NewClientIPResolver(conf.Server.TrustedProxies),
		log:            log,
	}
	s.Relay = relay.NewHub(conf.Relay, deps.Sessions,
		relay.WithLogger(log),
		relay.WithAudit(deps.Audit),
		relay.WithAllowedOrigins(conf.Server.AllowedOrigins),
	)

	s.Store.OnExpire(func(code string) {
		metrics.SessionsExpired.Inc()
		s.release(code, relay.ControlSessionExpiry, "session expired")
		s.log.Info().Str("code", code).Msg("🗑 Session expired")
	})
	return s
}

// release drops everything attached to a session that is gone.
func (s *Server) release(code, kind, reason string) {
	s.Relay.Close(code, kind, reason)
	if n := s.Transfers.DropSession(code); n > 0 {
		s.log.Debug().Str("code", code).Int("transfers", n).Msg("dropped transfers")
	}
	if err := s.Guard.Forget(context.Background(), code); err != nil {
		s.log.Warn().Err(err).Str("code", code).Msg("failed to drop access log")
	}
}

// Handler returns the full middleware chain around the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(constants.EndpointGenerateCode, s.HandleGenerateCode)
	mux.HandleFunc(constants.EndpointVerify, s.HandleVerify)
	mux.HandleFunc(constants.EndpointSecurity, s.HandleSecurity)
	mux.HandleFunc(constants.EndpointFileTransfer, s.HandleFileTransfer)
	mux.HandleFunc("GET "+constants.EndpointSessions+"{code}", s.HandleGetSession)
	mux.HandleFunc("DELETE "+constants.EndpointSessions+"{code}", s.HandleEndSession)
	mux.HandleFunc("POST "+constants.EndpointSessions+"{code}/join", s.HandleJoin)
	mux.HandleFunc("POST "+constants.EndpointSessions+"{code}/permissions", s.HandlePermissions)
	mux.HandleFunc("POST "+constants.EndpointSessions+"{code}/chat", s.HandleChat)
	mux.HandleFunc(constants.EndpointQR, s.HandleQR)
	mux.HandleFunc(constants.EndpointQuality, s.HandleQuality)
	mux.HandleFunc(constants.EndpointWebSocket+"{code}", s.HandleWebSocket)
	mux.HandleFunc(constants.EndpointHealth, s.HandleHealth)
	if s.conf.Metrics.Enabled {
		mux.Handle(constants.EndpointMetrics, metrics.Handler())
	}

	var handler http.Handler = mux
	handler = security.MaxBodySize(s.maxBodySize())(handler)
	handler = RecoveryMiddleware(s.log)(handler)
	handler = CorsMiddleware(s.conf.Server.AllowedOrigins)(handler)
	handler = security.SecurityHeaders(handler)
	return handler
}

// maxBodySize fits one base64 encoded chunk of the configured size plus the
// JSON envelope around it.
func (s *Server) maxBodySize() int64 {
	return int64(base64.StdEncoding.EncodedLen(s.conf.Transfer.MaxChunkSize)) + constants.JSONEnvelopeSize
}

// Run serves until SIGINT/SIGTERM and then shuts down gracefully.
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

// Serve listens on the configured address until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	tlsConf := s.conf.Server.TLS
	useTLS := false
	if tlsConf.Enabled {
		if _, err := os.Stat(tlsConf.CertFile); err == nil {
			if _, err := os.Stat(tlsConf.KeyFile); err == nil {
				useTLS = true
			}
		}
		if !useTLS {
			s.log.Warn().Str("cert", tlsConf.CertFile).Msg("⚠️  TLS enabled but certs not found, serving plain HTTP")
		}
	}

	handler := s.Handler()
	if !useTLS {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(s.conf.Server.Port),
		Handler:           handler,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if useTLS {
			s.log.Info().Msg("🔒 HTTPS enabled (HTTP/2)")
			err = server.ListenAndServeTLS(tlsConf.CertFile, tlsConf.KeyFile)
		} else {
			s.log.Info().Msg("🌐 HTTP mode (HTTP/2 enabled)")
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.Info().Int("port", s.conf.Server.Port).Str("version", constants.Version).Msg("🚀 pairdesk server starting")

	select {
	case err := <-errCh:
		if err != nil {
			s.Cleanup()
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	s.log.Info().Msg("🛑 Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	s.Relay.Shutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("Server forced to shutdown")
	}

	s.Cleanup()
	s.log.Info().Msg("✅ Server stopped")
	return nil
}

func (s *Server) Cleanup() {
	s.Relay.Shutdown()
	s.BruteProtector.Close()
	if err := s.Transfers.Close(); err != nil {
		s.log.Warn().Err(err).Msg("failed to close transfers")
	}
	if err := s.Store.Close(); err != nil {
		s.log.Warn().Err(err).Msg("failed to close session store")
	}
	if s.AccessLog != nil {
		_ = s.AccessLog.Close()
	}
	_ = s.AuditLogger.Close()
}
