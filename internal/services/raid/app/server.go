// Package server wires the raid runtime and its HTTP/WebSocket lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/spolepaka/mathraid/internal/platform/timeouts"
	"github.com/spolepaka/mathraid/internal/services/raid/content"
	"github.com/spolepaka/mathraid/internal/services/raid/service"
	raidsqlite "github.com/spolepaka/mathraid/internal/services/raid/storage/sqlite"
)

// Config defines the inputs for the raid transport boundary.
type Config struct {
	HTTPAddr          string
	GRPCAddr          string
	DBPath            string
	CatalogPath       string
	ResumeTokenSecret string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	// Session tuning passes through to the service; zero values keep the
	// service defaults.
	Session service.Config
}

// Server hosts the raid HTTP/WebSocket process plus the gRPC health probe.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	grpcListener    net.Listener
	grpcServer      *grpc.Server
	health          *health.Server
	store           *raidsqlite.Store
	svc             *service.Service

	sweepStop context.CancelFunc
	sweepDone chan struct{}

	closeOnce sync.Once
}

// NewServer builds a configured raid server: storage, catalog, the session
// service, and both listeners.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	store, err := openRaidStore(config.DBPath)
	if err != nil {
		return nil, err
	}

	catalog := content.Build()
	if path := strings.TrimSpace(config.CatalogPath); path != "" {
		if err := content.LoadOverride(catalog, path); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("load catalog override: %w", err)
		}
	}

	svc := service.NewService(service.NewServiceInput{
		Store:   store,
		Catalog: catalog,
		Config:  config.Session,
	})

	tokens := newTokenIssuer(config.ResumeTokenSecret, 0, nil)
	if tokens == nil {
		log.Printf("raid: resume tokens disabled, no secret configured")
	}

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           NewHandler(svc, tokens),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	server := &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		store:           store,
		svc:             svc,
	}

	if grpcAddr := strings.TrimSpace(config.GRPCAddr); grpcAddr != "" {
		listener, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			server.Close()
			return nil, fmt.Errorf("listen on %s: %w", grpcAddr, err)
		}
		grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
		healthServer := health.NewServer()
		grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
		healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		server.grpcListener = listener
		server.grpcServer = grpcServer
		server.health = healthServer
	}

	return server, nil
}

func openRaidStore(path string) (*raidsqlite.Store, error) {
	if strings.TrimSpace(path) == "" {
		path = filepath.Join("data", "raid.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}
	store, err := raidsqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open raid store: %w", err)
	}
	return store, nil
}

// Run creates and serves a raid server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init raid server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve raid: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server, the health probe, and the
// abandonment sweep until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("raid server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	sweepCtx, sweepStop := context.WithCancel(context.Background())
	s.sweepStop = sweepStop
	s.sweepDone = make(chan struct{})
	go func() {
		defer close(s.sweepDone)
		s.svc.RunSweeper(sweepCtx)
	}()

	serveErr := make(chan error, 1)
	log.Printf("raid server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	if s.grpcServer != nil {
		log.Printf("raid health probe listening at %v", s.grpcListener.Addr())
		go func() {
			if err := s.grpcServer.Serve(s.grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Printf("raid health probe stopped: %v", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources. Safe to call more than once.
func (s *Server) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		if s.sweepStop != nil {
			s.sweepStop()
			<-s.sweepDone
		}
		if s.health != nil {
			s.health.Shutdown()
		}
		if s.grpcServer != nil {
			s.grpcServer.GracefulStop()
		}
		if s.svc != nil {
			s.svc.Stop()
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				log.Printf("close raid store: %v", err)
			}
		}
	})
}
