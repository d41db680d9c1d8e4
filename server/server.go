package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/goslang/store"
	"github.com/chazu/goslang/vm"
)

var log = commonlog.GetLogger("goslang.server")

// RunServer serves the run service over Connect (HTTP/JSON and binary
// protobuf) and, on a separate listener, plain gRPC.
type RunServer struct {
	worker  *Worker
	results *ResultStore
	service *RunService
	mux     *http.ServeMux
	grpc    *grpc.Server
	health  *health.Server

	stopSweeper func()
}

// ServerOption configures a RunServer.
type ServerOption func(*serverConfig)

type serverConfig struct {
	store     *store.Store
	defaults  vm.Options
	resultTTL time.Duration
}

// WithStore persists every run to st.
func WithStore(st *store.Store) ServerOption {
	return func(c *serverConfig) { c.store = st }
}

// WithDefaults sets the run options used when a request omits them.
func WithDefaults(opts vm.Options) ServerOption {
	return func(c *serverConfig) { c.defaults = opts }
}

// WithResultTTL sets how long unused results stay in memory.
func WithResultTTL(ttl time.Duration) ServerOption {
	return func(c *serverConfig) { c.resultTTL = ttl }
}

// New creates a RunServer.
func New(opts ...ServerOption) *RunServer {
	cfg := &serverConfig{resultTTL: 30 * time.Minute}
	for _, opt := range opts {
		opt(cfg)
	}

	worker := NewWorker()
	results := NewResultStore()
	svc := NewRunService(worker, results, cfg.store, cfg.defaults)

	s := &RunServer{
		worker:  worker,
		results: results,
		service: svc,
		mux:     http.NewServeMux(),
	}

	for procedure, fn := range map[string]unaryFunc{
		RunProcedure:         svc.Run,
		GetRunProcedure:      svc.GetRun,
		ListRunsProcedure:    svc.ListRuns,
		DisassembleProcedure: svc.Disassemble,
	} {
		s.mux.Handle(procedure, connect.NewUnaryHandler(procedure, connectUnary(fn)))
	}

	s.grpc, s.health = newGRPCServer(svc)

	// Sweep at a tenth of the TTL
	interval := cfg.resultTTL / 10
	if interval < time.Second {
		interval = time.Second
	}
	s.stopSweeper = results.StartSweeper(interval, cfg.resultTTL)

	return s
}

type unaryFunc func(context.Context, *structpb.Struct) (*structpb.Struct, error)

func connectUnary(fn unaryFunc) func(context.Context, *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return func(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
		out, err := fn(ctx, req.Msg)
		if err != nil {
			return nil, err
		}
		return connect.NewResponse(out), nil
	}
}

// Handler returns the Connect handler.
func (s *RunServer) Handler() http.Handler { return s.mux }

// GRPCServer returns the gRPC server.
func (s *RunServer) GRPCServer() *grpc.Server { return s.grpc }

// Service returns the run service.
func (s *RunServer) Service() *RunService { return s.service }

// Serve listens on httpAddr for Connect and, when grpcAddr is not empty,
// on grpcAddr for gRPC. It returns when ctx is cancelled or a listener
// fails.
func (s *RunServer) Serve(ctx context.Context, httpAddr, grpcAddr string) error {
	hl, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", httpAddr, err)
	}
	var gl net.Listener
	if grpcAddr != "" {
		gl, err = net.Listen("tcp", grpcAddr)
		if err != nil {
			hl.Close()
			return fmt.Errorf("listening on %s: %w", grpcAddr, err)
		}
	}
	return s.ServeListeners(ctx, hl, gl)
}

// ServeListeners serves on already-open listeners. gl may be nil.
func (s *RunServer) ServeListeners(ctx context.Context, hl, gl net.Listener) error {
	hs := &http.Server{Handler: s.mux}
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Noticef("Connect (HTTP/JSON): http://%s%s", hl.Addr(), RunProcedure)
		if err := hs.Serve(hl); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if gl != nil {
		g.Go(func() error {
			log.Noticef("gRPC: grpc://%s", gl.Addr())
			return s.grpc.Serve(gl)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		s.health.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := hs.Shutdown(shutdownCtx)
		if gl != nil {
			s.grpc.GracefulStop()
		}
		return err
	})

	return g.Wait()
}

// Stop shuts down the server's background work.
func (s *RunServer) Stop() {
	if s.stopSweeper != nil {
		s.stopSweeper()
	}
	s.health.SetServingStatus(RunServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	s.worker.Stop()
}
