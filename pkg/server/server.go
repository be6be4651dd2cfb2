// Package server exposes turns over HTTP: start, cancel, list, resume (chunked HTTP and
// websocket), session notices and persisted messages.
package server

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/turnstream/pkg/model"
	"github.com/go-go-golems/turnstream/pkg/persistence/chatstore"
	"github.com/go-go-golems/turnstream/pkg/resume"
	"github.com/go-go-golems/turnstream/pkg/turn"
)

// Server drives the HTTP server, the orchestrator and the registry eviction loop.
type Server struct {
	settings Settings
	backend  *StreamBackend
	store    chatstore.MessageStore
	orch     *turn.Orchestrator
	handlers *Handlers
	httpSrv  *http.Server
	handler  http.Handler
}

// NewServer builds a server from parsed command values. A nil modelBackend selects the
// echo backend.
func NewServer(ctx context.Context, parsed *values.Values, modelBackend model.Backend) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	if parsed == nil {
		return nil, errors.New("parsed values are nil")
	}
	s := Settings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, &s); err != nil {
		return nil, errors.Wrap(err, "parse server settings")
	}
	backend, err := NewStreamBackendFromValues(ctx, parsed, BackendOptions{
		StaleAfter:    seconds(s.StaleAfterSeconds, 0),
		EvictInterval: seconds(s.EvictIntervalSeconds, 30*time.Second),
	})
	if err != nil {
		return nil, errors.Wrap(err, "build stream backend")
	}
	store, err := OpenMessageStore(s)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	if modelBackend == nil {
		modelBackend = &model.Echo{Delay: time.Duration(s.EchoDelayMs) * time.Millisecond}
	}
	srv, err := New(ctx, s, backend, store, modelBackend)
	if err != nil {
		_ = store.Close()
		_ = backend.Close()
		return nil, err
	}
	return srv, nil
}

// New assembles a server from already built parts. Turns run under ctx.
func New(ctx context.Context, s Settings, backend *StreamBackend, store chatstore.MessageStore, modelBackend model.Backend) (*Server, error) {
	if backend == nil {
		return nil, errors.New("stream backend is nil")
	}
	orch, err := turn.NewOrchestrator(turn.Config{
		BaseCtx:           ctx,
		Log:               backend.Log(),
		Control:           backend.Control(),
		Registry:          backend.Registry(),
		Store:             store,
		Backend:           modelBackend,
		TTL:               s.StreamTTL(),
		HeartbeatInterval: s.HeartbeatInterval(),
	})
	if err != nil {
		return nil, err
	}
	reader, err := resume.NewReader(backend.Log(), backend.Control())
	if err != nil {
		return nil, err
	}
	h, err := NewHandlers(orch, reader, store, backend.Control())
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	h.Mount(mux)

	addr := s.Addr
	if addr == "" {
		addr = ":8080"
	}
	return &Server{
		settings: s,
		backend:  backend,
		store:    store,
		orch:     orch,
		handlers: h,
		handler:  mux,
		httpSrv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}, nil
}

func (s *Server) Handler() http.Handler            { return s.handler }
func (s *Server) Orchestrator() *turn.Orchestrator { return s.orch }

// Run serves until ctx is cancelled or SIGINT/SIGTERM, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.httpSrv.Addr)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	if s == nil || s.httpSrv == nil {
		return errors.New("server is not initialized")
	}
	eg := errgroup.Group{}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	s.backend.StartEvictionLoop(srvCtx)

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}
		srvCancel()
		return s.shutdown(context.WithoutCancel(ctx))
	})

	eg.Go(func() error {
		log.Info().Str("addr", ln.Addr().String()).Msg("starting turnstream server")
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server listen error")
			srvCancel()
			return err
		}
		return nil
	})

	return eg.Wait()
}

func (s *Server) shutdown(base context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(base, s.settings.ShutdownTimeout())
	defer cancel()

	// Turns first: their terminal events end the streaming responses Shutdown waits for.
	if err := s.orch.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("in-flight turns were aborted")
	}
	// Hijacked websockets are not tracked by http.Server.
	s.handlers.Close()
	var firstErr error
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
		firstErr = err
	}
	if err := s.store.Close(); err != nil {
		log.Error().Err(err).Msg("message store close error")
	}
	if err := s.backend.Close(); err != nil {
		log.Error().Err(err).Msg("stream backend close error")
	}
	log.Info().Msg("server shutdown complete")
	return firstErr
}
