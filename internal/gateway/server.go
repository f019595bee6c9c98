// Package gateway is the WebSocket event layer: it upgrades connections,
// decodes event frames, drives the room registry and session store, and
// fans deliveries out through the per-socket delay queues.
package gateway

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/slowplay/slowplay/internal/auth"
	"github.com/slowplay/slowplay/internal/config"
	"github.com/slowplay/slowplay/internal/delayqueue"
	"github.com/slowplay/slowplay/internal/monitoring"
	"github.com/slowplay/slowplay/internal/registry"
	"github.com/slowplay/slowplay/internal/store"
	"github.com/slowplay/slowplay/internal/workers"
)

// Server owns the socket lifecycle and the event handlers.
type Server struct {
	cfg      *config.Config
	logger   zerolog.Logger
	store    *store.Store
	registry *registry.Registry
	queue    *delayqueue.Queue
	pool     *workers.Pool
	verifier *auth.Verifier

	handshakes *HandshakeLimiter
	messages   *MessageLimiter

	mu      sync.RWMutex
	clients map[string]*Client // socketID → client

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown int32
}

// NewServer wires the gateway. Call Start to launch the dispatcher and
// sweepers, and register HandleWebSocket on the HTTP router.
func NewServer(cfg *config.Config, st *store.Store, verifier *auth.Verifier, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		logger:     logger.With().Str("component", "gateway").Logger(),
		store:      st,
		registry:   registry.New(logger),
		verifier:   verifier,
		handshakes: NewHandshakeLimiter(cfg.HandshakeRateLimit, cfg.HandshakeRateTTL, logger),
		messages:   NewMessageLimiter(cfg.MessageRateLimit, cfg.MessageRateWindow),
		clients:    make(map[string]*Client),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.queue = delayqueue.New(s.pushToSocket, logger)
	s.pool = workers.NewPool(8, 1024, logger)
	return s
}

// Start launches the delay dispatcher, the worker pool and the sweepers.
func (s *Server) Start() {
	s.pool.Start(s.ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.queue.Run(s.ctx)
	}()
	s.startSweepers()
}

// HandleWebSocket upgrades an HTTP request into a client socket.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	clientIP := getClientIP(r)
	if !s.handshakes.Allow(clientIP) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	if !s.originAllowed(r.Header.Get("Origin")) {
		monitoring.ConnectionsRejected.WithLabelValues("bad_origin").Inc()
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	if s.clientCount() >= s.cfg.MaxConnections {
		monitoring.ConnectionsRejected.WithLabelValues("capacity").Inc()
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	identity := s.resolveIdentity(r)

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn().Err(err).Str("client_ip", clientIP).Msg("websocket upgrade failed")
		return
	}

	client := newClient(conn, identity)
	s.mu.Lock()
	s.clients[client.ID] = client
	s.mu.Unlock()

	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsActive.Set(float64(s.clientCount()))
	s.logger.Info().
		Str("socket_id", client.ID).
		Str("client_ip", clientIP).
		Bool("guest", identity.Guest).
		Msg("client connected")

	go s.writePump(client)
	go s.readPump(client)
}

// resolveIdentity authenticates the upgrade request's token query parameter,
// minting a guest identity when there is none or verification is disabled.
func (s *Server) resolveIdentity(r *http.Request) auth.Identity {
	token := r.URL.Query().Get("token")
	if token != "" && s.verifier.Enabled() {
		if id, err := s.verifier.Verify(r.Context(), token); err == nil {
			return id
		}
		s.logger.Debug().Msg("socket token rejected, continuing as guest")
	}
	return auth.Guest()
}

func (s *Server) originAllowed(origin string) bool {
	if s.cfg.CORSOrigin == "*" || origin == "" {
		return true
	}
	for _, allowed := range strings.Split(s.cfg.CORSOrigin, ",") {
		if strings.TrimSpace(allowed) == origin {
			return true
		}
	}
	return false
}

func (s *Server) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// pushToSocket delivers a payload to a live socket's send buffer. It is the
// delay queue's emit target; entries for sockets that disconnected in the
// meantime are silently dropped.
func (s *Server) pushToSocket(socketID string, payload []byte) {
	s.mu.RLock()
	client, ok := s.clients[socketID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	monitoring.MessagesDelivered.WithLabelValues("delayed").Inc()
	s.push(client, payload)
}

// push writes to a client's send buffer without blocking. A full buffer
// means the write pump is stuck; the frame is dropped.
func (s *Server) push(c *Client, payload []byte) {
	select {
	case c.send <- payload:
	default:
		s.logger.Warn().Str("socket_id", c.ID).Msg("send buffer full, dropping frame")
	}
}

// disconnectClient tears down a socket: registry removal with presence and
// offset fan-out, delay queue flush, rate limiter state, and an async
// disconnect timestamp in the store.
func (s *Server) disconnectClient(c *Client) {
	s.mu.Lock()
	if _, ok := s.clients[c.ID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c.ID)
	s.mu.Unlock()

	c.close()
	s.queue.Clear(c.ID)
	s.messages.Forget(c.ID)
	monitoring.ConnectionsActive.Set(float64(s.clientCount()))

	roomCode, sessionID, _ := c.session()
	if roomCode != "" {
		s.handleLeave(c, roomCode)
	}
	if sessionID != "" {
		s.pool.Submit(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.store.DisconnectSession(ctx, sessionID); err != nil {
				monitoring.StoreWriteFailures.WithLabelValues("disconnect_session").Inc()
				s.logger.Error().Err(err).Str("session_id", sessionID).Msg("disconnect persist failed")
			}
		})
	}
	s.logger.Info().Str("socket_id", c.ID).Msg("client disconnected")
}

// Shutdown stops accepting work, flushes pending store writes and closes
// every socket.
func (s *Server) Shutdown(ctx context.Context) {
	atomic.StoreInt32(&s.shuttingDown, 1)

	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}

	// Wait for readPump teardown to drain the registry and enqueue the
	// final store writes.
	deadline := time.After(5 * time.Second)
	for s.clientCount() > 0 {
		select {
		case <-deadline:
			s.logger.Warn().Int("remaining", s.clientCount()).Msg("shutdown drain timed out")
		case <-ctx.Done():
		case <-time.After(50 * time.Millisecond):
			continue
		}
		break
	}

	s.cancel()
	s.wg.Wait()
	s.pool.Stop()
	s.handshakes.Stop()
	s.logger.Info().Msg("gateway stopped")
}

// getClientIP extracts the client IP, preferring X-Forwarded-For so rate
// limiting works behind a proxy.
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
