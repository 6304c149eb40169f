// Package admin implements the administrative plane: a gRPC health +
// reflection server, a chi REST surface over the scheduler, and a gorilla
// websocket event stream sourced from the tracer collaborator. None of this
// is named directly in spec.md's core module list — it is the operational
// surface a running system needs around that core, grounded on the
// teacher's own handler/{grpc,lp,ws} trio and its interceptor-wrapping
// idiom (infra/server/grpc/interceptors/stream_auth.go).
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	recovery "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/kelpline/blockrt/internal/block"
	"github.com/kelpline/blockrt/internal/procgroup"
	"github.com/kelpline/blockrt/internal/scheduler"
	"github.com/kelpline/blockrt/internal/tracer"
)

// Server bundles the gRPC and HTTP sides of the admin plane around one
// scheduler and tracer (spec SPEC_FULL.md §B admin plane wiring).
type Server struct {
	sched  *scheduler.Scheduler
	tr     *tracer.Tracer
	names  *procgroup.Registry
	logger *slog.Logger

	grpcServer  *grpc.Server
	healthSrv   *health.Server
	router      chi.Router
	upgrader    websocket.Upgrader
}

// New builds the admin plane's gRPC server and HTTP router, both unstarted.
// names may be nil, in which case name-based lookup is unavailable and
// /blocks/by-name/{name} returns 404.
func New(sched *scheduler.Scheduler, tr *tracer.Tracer, names *procgroup.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		sched:    sched,
		tr:       tr,
		names:    names,
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}

	s.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.loggingUnary, recovery.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(recovery.StreamServerInterceptor()),
	)
	s.healthSrv = health.NewServer()
	s.healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s.grpcServer, s.healthSrv)
	reflection.Register(s.grpcServer)

	s.router = s.buildRouter()
	return s
}

// loggingUnary is the logging half of the teacher's interceptor-wrapping
// idiom (stream_auth.go wraps the stream; this wraps the unary call instead,
// generalized from auth injection to request logging).
func (s *Server) loggingUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logger.Debug("grpc call", "method", info.FullMethod, "duration", time.Since(start), "error", err)
	return resp, err
}

// GRPCServer exposes the underlying *grpc.Server for the caller to bind to a
// listener.
func (s *Server) GRPCServer() *grpc.Server { return s.grpcServer }

// Router exposes the REST + websocket HTTP handler.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/stats", s.handleStats)
	r.Post("/blocks", s.handleSpawn)
	r.Get("/blocks/{pid}", s.handleGetBlock)
	r.Delete("/blocks/{pid}", s.handleKill)
	r.Get("/blocks/by-name/{name}", s.handleGetBlockByName)
	r.Get("/ws/events", s.handleEvents)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Stats())
}

type spawnRequest struct {
	Name         string `json:"name"`
	Bytecode     []byte `json:"bytecode"`
	Capabilities uint32 `json:"capabilities"`
}

type spawnResponse struct {
	Pid block.Pid `json:"pid"`
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var bc *block.Bytecode
	if len(req.Bytecode) > 0 {
		bc = block.NewBytecode(req.Bytecode)
	}
	caps := block.NewCapSet(block.Capability(req.Capabilities))
	pid, err := s.sched.Spawn(bc, req.Name, caps, block.DefaultLimits())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusCreated, spawnResponse{Pid: pid})
}

type blockView struct {
	Pid          block.Pid `json:"pid"`
	Name         string    `json:"name"`
	State        string    `json:"state"`
	Reductions   int64     `json:"reductions"`
	MessagesSent int64     `json:"messages_sent"`
}

func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	pid, ok := parsePid(chi.URLParam(r, "pid"))
	if !ok {
		http.Error(w, "invalid pid", http.StatusBadRequest)
		return
	}
	s.writeBlockByPid(w, pid)
}

// handleGetBlockByName resolves a block by its process-group name before
// delegating to the same view as handleGetBlock; unavailable when the admin
// plane was constructed without a procgroup registry.
func (s *Server) handleGetBlockByName(w http.ResponseWriter, r *http.Request) {
	if s.names == nil {
		http.Error(w, "name lookup not available", http.StatusNotFound)
		return
	}
	pid, ok := s.names.Lookup(chi.URLParam(r, "name"))
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.writeBlockByPid(w, pid)
}

func (s *Server) writeBlockByPid(w http.ResponseWriter, pid block.Pid) {
	blk, ok := s.sched.GetBlock(pid)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	counters := blk.Counters().Snapshot()
	writeJSON(w, http.StatusOK, blockView{
		Pid:          blk.Pid(),
		Name:         blk.Name(),
		State:        blk.State().Load().String(),
		Reductions:   counters.Reductions,
		MessagesSent: counters.MessagesSent,
	})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	pid, ok := parsePid(chi.URLParam(r, "pid"))
	if !ok {
		http.Error(w, "invalid pid", http.StatusBadRequest)
		return
	}
	s.sched.Kill(pid)
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams the tracer's live spawn/exit feed to a websocket
// client, replaying its recent-event ring first so a client that connects
// mid-run isn't missing the history leading up to it (pump-loop shape per
// handler/ws/delivery.go's ServeHTTP).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.tr == nil {
		http.Error(w, "tracer not attached", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	for _, ev := range s.tr.Recent() {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	ctx := r.Context()
	msgs, err := s.tr.Subscribe(ctx)
	if err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			var ev tracer.Event
			if err := json.Unmarshal(m.Payload, &ev); err != nil {
				m.Ack()
				continue
			}
			m.Ack()
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func parsePid(s string) (block.Pid, bool) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return block.Invalid, false
	}
	return block.Pid(v), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
