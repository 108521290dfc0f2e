// Package server exposes the transfer protocol ingress of a connector over
// gRPC and HTTP, and keeps track of the counterparties that talk to it.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/raulk/clock"
	"go.uber.org/multierr"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/dataspace-connector/internal/dispatcher"
)

var log = slog.With("component", "server")

// ErrAlreadyStarted is returned by Start on a running server.
var ErrAlreadyStarted = errors.New("server already started")

// Config holds the listen addresses; an empty address disables the
// listener.
type Config struct {
	GRPCAddr        string        `yaml:"grpc_addr"`
	HTTPAddr        string        `yaml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Server serves protocol messages to a dispatcher.Handler.
type Server struct {
	cfg     Config
	handler dispatcher.Handler
	clock   clock.Clock

	grpcServer *grpc.Server
	httpServer *http.Server
	grpcLis    net.Listener
	httpLis    net.Listener
	wg         sync.WaitGroup
	started    bool

	// Counterparty registry
	mu    sync.RWMutex
	peers map[string]*PeerInfo
}

// PeerInfo tracks the messages received from one counterparty.
type PeerInfo struct {
	Address  string    `json:"address"`
	Messages int       `json:"messages"`
	Failures int       `json:"failures"`
	LastType string    `json:"lastType"`
	LastSeen time.Time `json:"lastSeen"`
}

// Option configures a Server.
type Option func(*Server)

// WithClock sets the clock used for peer timestamps.
func WithClock(clk clock.Clock) Option {
	return func(s *Server) { s.clock = clk }
}

// WithGRPCListener serves gRPC on lis instead of listening on GRPCAddr.
func WithGRPCListener(lis net.Listener) Option {
	return func(s *Server) { s.grpcLis = lis }
}

// NewServer creates a server for h.
func NewServer(cfg Config, h dispatcher.Handler, opts ...Option) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		cfg:     cfg,
		handler: h,
		clock:   clock.New(),
		peers:   make(map[string]*PeerInfo),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleMessage records the sender and forwards msg to the wrapped handler.
func (s *Server) HandleMessage(ctx context.Context, msg dispatcher.Message) (dispatcher.Response, error) {
	resp, err := s.handler.HandleMessage(ctx, msg)
	s.touch(msg, err)
	if err != nil {
		log.Debug("Message not accepted", "type", msg.Type, "processID", msg.ProcessID, "error", err)
	}
	return resp, err
}

// Start opens the listeners and serves until Stop.
func (s *Server) Start() error {
	if s.started {
		return ErrAlreadyStarted
	}

	if s.grpcLis == nil && s.cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.GRPCAddr, err)
		}
		s.grpcLis = lis
	}
	if s.cfg.HTTPAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.HTTPAddr)
		if err != nil {
			if s.grpcLis != nil {
				_ = s.grpcLis.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.HTTPAddr, err)
		}
		s.httpLis = lis
	}

	if s.grpcLis != nil {
		s.grpcServer = grpc.NewServer()
		dispatcher.RegisterGRPCHandler(s.grpcServer, s)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.grpcServer.Serve(s.grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Error("gRPC server failed", "error", err)
			}
		}()
		log.Info("gRPC ingress listening", "addr", s.grpcLis.Addr().String())
	}
	if s.httpLis != nil {
		s.httpServer = &http.Server{Handler: s.Routes(), ReadHeaderTimeout: 5 * time.Second}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.httpServer.Serve(s.httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("HTTP server failed", "error", err)
			}
		}()
		log.Info("HTTP ingress listening", "addr", s.httpLis.Addr().String())
	}
	s.started = true
	return nil
}

// Stop drains in-flight requests until the shutdown timeout, then closes
// the listeners.
func (s *Server) Stop() error {
	if !s.started {
		return nil
	}
	var errs error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		errs = multierr.Append(errs, s.httpServer.Shutdown(ctx))
		cancel()
	}
	if s.grpcServer != nil {
		done := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.cfg.ShutdownTimeout):
			s.grpcServer.Stop()
		}
	}
	s.wg.Wait()
	s.started = false
	log.Info("Ingress stopped")
	return errs
}

// GRPCAddr returns the bound gRPC address or "".
func (s *Server) GRPCAddr() string {
	if s.grpcLis == nil {
		return ""
	}
	return s.grpcLis.Addr().String()
}

// HTTPAddr returns the bound HTTP address or "".
func (s *Server) HTTPAddr() string {
	if s.httpLis == nil {
		return ""
	}
	return s.httpLis.Addr().String()
}

// Routes returns the HTTP handler: protocol messages under /protocol, plus
// health and peer listings.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/protocol/", http.StripPrefix("/protocol", dispatcher.NewHTTPHandler(s)))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /peers", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.Peers()); err != nil {
			log.Debug("Failed to write peers", "error", err)
		}
	})
	return mux
}

// Peers returns a snapshot of the counterparty registry ordered by address.
func (s *Server) Peers() []PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PeerInfo, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Helpers

func (s *Server) touch(msg dispatcher.Message, err error) {
	addr := msg.CallbackAddress
	if addr == "" {
		addr = msg.ProcessID
	}
	if addr == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.peers[addr]
	if !ok {
		info = &PeerInfo{Address: addr}
		s.peers[addr] = info
	}
	info.Messages++
	if err != nil {
		info.Failures++
	}
	info.LastType = string(msg.Type)
	info.LastSeen = s.clock.Now()
}
