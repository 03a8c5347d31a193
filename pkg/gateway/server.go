// Package gateway serves the presentation feed: a websocket event stream and
// JSON-RPC methods over the repository, plus status, metrics and health
// endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/theatreblood/internal/observability"
	"github.com/harun/theatreblood/internal/tracing"
	"github.com/harun/theatreblood/pkg/repository"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// TraceHeader carries a caller-supplied trace id
const TraceHeader = "X-Trace-Id"

// Server is the gateway server
type Server struct {
	addr         string
	tickInterval time.Duration
	server       *http.Server
	listener     net.Listener
	upgrader     websocket.Upgrader
	clients      *ClientRegistry
	router       *RPCRouter
	auth         *AuthHandler
	broadcaster  *EventBroadcaster
	backend      Backend
	unsubscribe  func()
	logger       zerolog.Logger

	// repository events are relayed to clients off the notification loop
	relayMu     sync.RWMutex
	relayClosed bool
	relay       chan repository.Event
	relayDone   chan struct{}

	// ctx outlives single requests; work started on behalf of a client
	// (refreshes) runs on it
	ctx    context.Context
	cancel context.CancelFunc

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlightReqs   sync.WaitGroup
	tickCancel     context.CancelFunc
	tickWG         sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	TickInterval time.Duration
	Backend      Backend
	// RelayBuffer bounds repository events waiting to be sent to clients;
	// events past it are dropped with a warning. Defaults to 256.
	RelayBuffer int
	Logger      zerolog.Logger
}

// NewServer creates a server and subscribes it to backend events
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if cfg.TickInterval < 0 {
		cfg.TickInterval = 0
	}
	if cfg.RelayBuffer <= 0 {
		cfg.RelayBuffer = 256
	}

	observability.EnsureRegistered()

	clients := NewClientRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		tickInterval: cfg.TickInterval,
		clients:      clients,
		router:       NewRPCRouter(),
		auth:         NewAuthHandler(cfg.SharedSecret),
		broadcaster:  NewEventBroadcaster(clients, cfg.Logger),
		backend:      cfg.Backend,
		logger:       cfg.Logger,
		ctx:          ctx,
		cancel:       cancel,
		relay:        make(chan repository.Event, cfg.RelayBuffer),
		relayDone:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	s.registerBuiltinMethods()
	go s.runRelay()
	s.unsubscribe = cfg.Backend.Subscribe(s.forward)

	return s, nil
}

// forward runs on the repository's notification loop and never blocks on
// client sockets
func (s *Server) forward(evt repository.Event) {
	s.relayMu.RLock()
	defer s.relayMu.RUnlock()
	if s.relayClosed {
		return
	}
	select {
	case s.relay <- evt:
	default:
		s.logger.Warn().Str("event", evt.Type).Str("store", evt.Store).Msg("Gateway relay full, event dropped")
	}
}

func (s *Server) runRelay() {
	defer close(s.relayDone)
	for evt := range s.relay {
		s.broadcaster.BroadcastTyped(EventMessage{
			Event: evt.Type,
			Store: evt.Store,
			RunID: evt.RunID,
			Data:  evt,
		})
	}
}

// closeRelay stops accepting events and waits until queued ones are sent
func (s *Server) closeRelay() {
	s.relayMu.Lock()
	if !s.relayClosed {
		s.relayClosed = true
		close(s.relay)
	}
	s.relayMu.Unlock()
	<-s.relayDone
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/status", s.handleStatusHTTP)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start listens and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting Gateway Server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.startTickEmitter()
	return nil
}

// Addr returns the listening address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop tells clients, waits for in-flight requests until ctx is done, then
// closes every connection
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")
	s.unsubscribe()
	s.closeRelay()
	s.stopTickEmitter()

	s.broadcaster.Broadcast(EventShutdown, map[string]interface{}{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}
	s.cancel()

	for _, c := range s.clients.GetAll() {
		_ = c.Conn.Close()
	}

	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway Server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) startTickEmitter() {
	if s.tickInterval <= 0 {
		return
	}

	tickCtx, cancel := context.WithCancel(context.Background())
	s.tickCancel = cancel
	s.tickWG.Add(1)

	go func() {
		defer s.tickWG.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				s.broadcaster.Broadcast(EventTick, map[string]interface{}{"status": "alive"})
			}
		}
	}()
}

func (s *Server) stopTickEmitter() {
	if s.tickCancel != nil {
		s.tickCancel()
		s.tickCancel = nil
	}
	s.tickWG.Wait()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiter(),
		State:        StateConnecting,
	}

	if err := s.greet(client); err != nil {
		s.logger.Error().Err(err).Str("client_id", clientID).Msg("Failed to greet client")
		_ = conn.Close()
		return
	}
	s.clients.Add(client)

	s.logger.Info().
		Str("client_id", clientID).
		Str("ip", r.RemoteAddr).
		Bool("authenticated", client.Authenticated).
		Msg("Client connected")

	go s.handleClient(client)
}

// greet sends an auth challenge, or with auth disabled admits the client
// and sends its id
func (s *Server) greet(client *Client) error {
	if !s.auth.Enabled() {
		client.Authenticated = true
		client.State = StateAuthenticated
		return client.WriteJSON(EventMessage{
			Type:      "event",
			Event:     EventConnected,
			Data:      map[string]interface{}{"client_id": client.ID},
			Timestamp: time.Now().UnixMilli(),
		})
	}

	challenge, err := s.auth.GenerateChallenge()
	if err != nil {
		return err
	}
	client.Challenge = challenge
	client.State = StateAuthenticating
	return client.WriteJSON(AuthChallenge{Event: "auth.challenge", Challenge: challenge})
}

func (s *Server) handleClient(client *Client) {
	defer func() {
		client.State = StateDisconnected
		_ = client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("client_id", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("client_id", client.ID).Msg("WebSocket error")
			}
			return
		}
		s.clients.UpdateActivity(client.ID)
		s.handleMessage(client, message)
	}
}

func (s *Server) handleMessage(client *Client, message []byte) {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		s.handleAuthMessage(client, authResp)
		return
	}

	if !client.Authenticated {
		s.sendError(client, "", AuthenticationRequired, "Authentication required")
		return
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(client, "", ParseError, err.Error())
		}
		return
	}

	allowed, reason := client.RateLimiter.CheckRequestAllowed()
	if !allowed {
		code := RateLimitExceeded
		if reason == "too many concurrent requests" {
			code = TooManyConcurrent
		}
		s.sendError(client, req.ID, code, reason)
		return
	}

	client.RateLimiter.RecordRequestStart()
	s.inFlightReqs.Add(1)

	go func() {
		defer client.RateLimiter.RecordRequestEnd()
		defer s.inFlightReqs.Done()

		ctx := tracing.WithTraceID(withClientID(s.ctx, client.ID), tracing.NewTraceID())
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Debug().
			Str("client_id", client.ID).
			Str("request_id", req.ID).
			Str("method", req.Method).
			Msg("Gateway received RPC request")

		resp := s.router.RouteRequest(ctx, req)
		if err := client.WriteJSON(resp); err != nil {
			s.logger.Error().Err(err).Str("client_id", client.ID).Str("request_id", req.ID).Msg("Failed to send response")
		}
	}()
}

// handleRPC serves single-shot JSON-RPC over HTTP POST
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.auth.CheckRequest(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	req, err := s.router.ParseRequest(body)
	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &RPCError{Code: ParseError, Message: err.Error()}
		}
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: "2.0", Error: rpcErr})
		return
	}

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	traceID := r.Header.Get(TraceHeader)
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx := tracing.WithTraceID(r.Context(), traceID)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("request_id", req.ID).
		Str("method", req.Method).
		Msg("Gateway received HTTP RPC request")

	resp := s.router.RouteRequest(ctx, req)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("Failed to encode RPC response")
	}
}

func (s *Server) handleStatusHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.auth.CheckRequest(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	st, err := s.backend.Status(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to collect status")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  st,
		"clients": s.clients.Count(),
	})
}

func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) {
	result := s.auth.HandleAuthResponse(client, authResp.Signature)
	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to send auth result")
		return
	}

	if !result.Success {
		s.logger.Warn().Str("client_id", client.ID).Str("reason", result.Message).Msg("Authentication failed")
		if client.AuthAttempts >= maxAuthAttempts {
			_ = client.Conn.Close()
		}
		return
	}
	s.logger.Info().Str("client_id", client.ID).Msg("Client authenticated")
}

func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	resp := RPCResponse{
		ID:      requestID,
		JSONRPC: "2.0",
		Error:   &RPCError{Code: code, Message: message},
	}
	if err := client.WriteJSON(resp); err != nil {
		s.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to send error response")
	}
}

// Broadcast sends an event to every authenticated client
func (s *Server) Broadcast(event string, data interface{}) {
	s.broadcaster.Broadcast(event, data)
}

// RegisterMethod registers an extra RPC method
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// GetConnectedClients describes the connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}
