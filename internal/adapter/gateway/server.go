// Package gateway is the HTTP surface of the relay: session gate, streaming
// chat endpoint, media and shell assets, and a websocket RPC that gives each
// browser connection its own turn controller.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"chatrelay/internal/domain"
	"chatrelay/internal/infra/config"
	"chatrelay/internal/infra/middleware"
	"chatrelay/internal/usecase/turn"
)

// RPCHandler handles a single RPC method call.
type RPCHandler func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error)

// StagedRPCHandler does the order-sensitive part of a call on the dispatch
// loop and returns the slow remainder, which runs concurrently with later
// requests on the same connection.
type StagedRPCHandler func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (finish func() (json.RawMessage, error), err error)

// ClientInfo identifies a websocket connection and owns its transcript.
type ClientInfo struct {
	ID   uint64
	User string
	Turn *turn.Controller
}

// clientConn tracks a single WebSocket connection.
type clientConn struct {
	info      *ClientInfo
	ws        *websocket.Conn
	sendCh    chan Frame // buffered outbound queue
	reqCh     chan Frame // requests, handled one at a time in arrival order
	done      chan struct{}
	closeOnce sync.Once
}

func (cc *clientConn) close() { cc.closeOnce.Do(func() { close(cc.done) }) }

// Deps holds the collaborators of a Server.
type Deps struct {
	Config     *config.Config
	Gateway    domain.CompletionGateway
	Normalizer domain.Normalizer
	Blobs      domain.BlobStore // nil in inline media mode
	Sessions   *Sessions        // nil disables the gate
	Logger     *slog.Logger
	Version    string
}

// Server is the relay's HTTP and WebSocket front end.
type Server struct {
	cfg        *config.Config
	gateway    domain.CompletionGateway
	normalizer domain.Normalizer
	blobs      domain.BlobStore
	sessions   *Sessions
	logger     *slog.Logger
	version    string
	started    time.Time
	metrics    *Metrics

	clients    sync.Map // connID (uint64) -> *clientConn
	handlersMu sync.RWMutex
	handlers   map[string]RPCHandler
	staged     map[string]StagedRPCHandler

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
	nextID    atomic.Uint64
}

// NewServer creates a server and registers the built-in routes and RPC methods.
func NewServer(deps Deps) (*Server, error) {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Defaults()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	sessions := deps.Sessions
	if sessions == nil {
		var err error
		sessions, err = NewSessions(SessionConfig{})
		if err != nil {
			return nil, err
		}
	}
	s := &Server{
		cfg:        cfg,
		gateway:    deps.Gateway,
		normalizer: deps.Normalizer,
		blobs:      deps.Blobs,
		sessions:   sessions,
		logger:     logger,
		version:    deps.Version,
		started:    time.Now(),
		metrics:    &Metrics{},
		handlers:   make(map[string]RPCHandler),
		staged:     make(map[string]StagedRPCHandler),
	}
	registerChatHandlers(s)
	return s, nil
}

// Metrics returns the server's counters.
func (s *Server) Metrics() *Metrics { return s.metrics }

// RegisterHandler adds an RPC handler for the given method name.
// Safe to call concurrently with active connections.
func (s *Server) RegisterHandler(method string, handler RPCHandler) {
	s.handlersMu.Lock()
	s.handlers[method] = handler
	delete(s.staged, method)
	s.handlersMu.Unlock()
}

// RegisterStagedHandler adds a two-phase RPC handler for the given method.
func (s *Server) RegisterStagedHandler(method string, handler StagedRPCHandler) {
	s.handlersMu.Lock()
	s.staged[method] = handler
	delete(s.handlers, method)
	s.handlersMu.Unlock()
}

// Handler builds the routed, gated and instrumented handler. ctx bounds
// background work such as rate limiter cleanup.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()

	loginLimit := middleware.RateLimitWithConfig(ctx, middleware.RateLimitConfig{
		RequestsPerMin: s.cfg.Server.LoginPerMinute,
		BurstSize:      s.cfg.Server.LoginBurst,
		Message:        "Too many login attempts",
	})
	mux.Handle("/api/auth", loginLimit(http.HandlerFunc(s.sessions.handleAuth)))
	mux.HandleFunc("GET /api/auth/check", s.sessions.handleCheck)

	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/models", s.handleModels)
	mux.HandleFunc("GET /api/media/{id}", s.handleMedia)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /ws", s.handleUpgrade)

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /login", s.handleLogin)
	mux.HandleFunc("GET /manifest.json", s.handleManifest)
	mux.HandleFunc("GET /sw.js", s.handleServiceWorker)
	mux.HandleFunc("GET /icon.svg", s.handleIcon)

	chain := middleware.Chain(
		middleware.Recover(s.logger),
		middleware.AccessLog(s.logger),
		middleware.SecurityHeaders,
		s.sessions.Gate,
	)
	return chain(mux)
}

// Start listens on the configured address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	srv := &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info("gateway started", "addr", listener.Addr().String(), "auth", s.sessions.Enabled())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop closes every websocket and shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.close()
		cc.info.Turn.Stop()
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})

	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	user, err := s.sessions.User(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.Server.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	controller := turn.New(turn.Deps{
		Gateway:        s.gateway,
		Normalizer:     s.normalizer,
		Logger:         s.logger.With("conn_id", connID),
		Model:          s.cfg.Provider.Model,
		MaxTokens:      s.cfg.Provider.MaxTokens,
		MaxAttachments: s.cfg.Media.MaxFiles,
	})
	cc := &clientConn{
		info:   &ClientInfo{ID: connID, User: user, Turn: controller},
		ws:     ws,
		sendCh: make(chan Frame, 64),
		reqCh:  make(chan Frame, 32),
		done:   make(chan struct{}),
	}
	s.clients.Store(connID, cc)
	s.metrics.WSConnections.Add(1)

	s.logger.Info("gateway client connected", "conn_id", connID, "user", user)

	ctx, cancel := context.WithCancel(r.Context())
	go s.writeLoop(cc)
	go s.watch(cc)
	go s.dispatchLoop(ctx, cc)

	// Read loop (blocking).
	s.readLoop(ctx, cc)

	cancel()
	cc.close()
	controller.Stop()
	s.clients.Delete(connID)
	s.metrics.WSConnections.Add(-1)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("gateway client disconnected", "conn_id", connID)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return
		}
		if frame.Type != FrameTypeRequest {
			continue
		}
		select {
		case cc.reqCh <- frame:
		case <-cc.done:
			return
		}
	}
}

// dispatchLoop handles a connection's requests sequentially, so chat actions
// reach the turn controller in the order the client sent them.
func (s *Server) dispatchLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.reqCh:
			s.dispatchRPC(ctx, cc, frame)
		}
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// watch forwards coalesced controller updates as transcript events.
func (s *Server) watch(cc *clientConn) {
	updates := cc.info.Turn.Updates()
	for {
		select {
		case <-cc.done:
			return
		case <-updates:
			payload, err := json.Marshal(cc.info.Turn.Snapshot())
			if err != nil {
				s.logger.Error("marshal transcript", "error", err)
				continue
			}
			frame := Frame{Type: FrameTypeEvent, Method: EventTranscriptUpdated, Payload: payload}
			select {
			case cc.sendCh <- frame:
			case <-cc.done:
				return
			}
		}
	}
}

func (s *Server) dispatchRPC(ctx context.Context, cc *clientConn, req Frame) {
	s.handlersMu.RLock()
	handler, ok := s.handlers[req.Method]
	staged, isStaged := s.staged[req.Method]
	s.handlersMu.RUnlock()
	s.metrics.RPCCalls.Add(1)

	switch {
	case ok:
		result, err := handler(ctx, cc.info, req.Payload)
		s.sendResponse(cc, req.ID, result, err)
	case isStaged:
		finish, err := staged(ctx, cc.info, req.Payload)
		if err != nil {
			s.sendResponse(cc, req.ID, nil, err)
			return
		}
		go func() {
			result, err := finish()
			s.sendResponse(cc, req.ID, result, err)
		}()
	default:
		s.sendResponse(cc, req.ID, nil, domain.NewDomainError("gateway.dispatch", domain.ErrRPCMethodNotFound, req.Method))
	}
}

func (s *Server) sendResponse(cc *clientConn, id uint64, result json.RawMessage, err error) {
	resp := Frame{
		Type:    FrameTypeResponse,
		ID:      id,
		Payload: result,
	}
	if err != nil {
		s.metrics.RPCErrors.Add(1)
		resp.Error = err.Error()
		resp.Code = string(domain.ErrorCodeOf(err))
	}
	select {
	case cc.sendCh <- resp:
	case <-cc.done:
	default:
		s.logger.Warn("gateway: dropped RPC response for slow client", "frame_id", id)
	}
}
