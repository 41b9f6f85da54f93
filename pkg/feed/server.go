package feed

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var (
	feedActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "feed_active_connections",
		Help: "Current number of active feed WebSocket connections",
	})

	feedRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_rejected_total",
		Help: "Total number of rejected feed WebSocket connections",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(feedActiveConnections)
	prometheus.MustRegister(feedRejectedTotal)
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Options configures the feed server. Zero values take defaults.
type Options struct {
	// AllowedOrigins is the origin whitelist. "*" allows any origin but is
	// rejected when Production is set.
	AllowedOrigins []string

	// MaxConnections caps concurrent subscribers (default 256).
	MaxConnections int

	// RateLimit and RateBurst bound new connections per client IP
	// (default 5/s with a burst of 10).
	RateLimit float64
	RateBurst int

	Production bool
}

func (o Options) withDefaults() Options {
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = []string{"*"}
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = 256
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 5.0
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 10
	}
	return o
}

// SnapshotSource produces the catch-up message sent to each client right
// after it subscribes. Returning false skips the snapshot.
type SnapshotSource func() (Message, bool)

// Server owns the HTTP side of the feed: WebSocket upgrades, origin checks,
// per-IP rate limits and the connection cap.
type Server struct {
	hub      *Hub
	logger   Logger
	opts     Options
	upgrader websocket.Upgrader

	srv *http.Server
	mu  sync.Mutex

	connSemaphore chan struct{}
	ipLimiters    sync.Map // map[string]*rate.Limiter

	snapshotSource SnapshotSource
}

func NewServer(hub *Hub, logger Logger, opts Options) *Server {
	opts = opts.withDefaults()

	s := &Server{
		hub:           hub,
		logger:        logger,
		opts:          opts,
		connSemaphore: make(chan struct{}, opts.MaxConnections),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// SetSnapshotSource installs the per-subscribe catch-up provider.
func (s *Server) SetSnapshotSource(source SnapshotSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotSource = source
}

// checkOrigin validates the Origin header against the whitelist. Wildcard
// origins are refused in production mode.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		if s.logger != nil {
			s.logger.Warn("Rejected feed connection with missing Origin header", "remote_addr", r.RemoteAddr)
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("Rejected feed connection with invalid Origin", "origin", origin, "error", err)
		}
		return false
	}
	originStr := parsed.Scheme + "://" + parsed.Host

	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" {
			if s.opts.Production {
				if s.logger != nil {
					s.logger.Warn("Rejected wildcard origin in production mode", "origin", origin, "remote_addr", r.RemoteAddr)
				}
				feedRejectedTotal.WithLabelValues("invalid_origin").Inc()
				return false
			}
			return true
		}
		if originStr == allowed {
			return true
		}
	}

	if s.logger != nil {
		s.logger.Warn("Rejected feed connection from unauthorized origin", "origin", origin, "remote_addr", r.RemoteAddr)
	}
	feedRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

// Start serves /ws and /healthz on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)

	s.mu.Lock()
	s.srv = &http.Server{Addr: addr, Handler: mux}
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("Starting feed server", "addr", addr)
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return s.Stop(context.Background())
	}
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv == nil {
		return nil
	}
	if s.logger != nil {
		s.logger.Info("Stopping feed server")
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Rate limit and connection cap apply before the upgrade spends
	// any buffers.
	ip := s.remoteIP(r)
	if !s.ipLimiter(ip).Allow() {
		if s.logger != nil {
			s.logger.Warn("Feed IP rate limit exceeded", "ip", ip)
		}
		feedRejectedTotal.WithLabelValues("rate_limit").Inc()
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	select {
	case s.connSemaphore <- struct{}{}:
		feedActiveConnections.Inc()
		defer func() {
			<-s.connSemaphore
			feedActiveConnections.Dec()
		}()
	default:
		if s.logger != nil {
			s.logger.Warn("Feed connection cap reached")
		}
		feedRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("Feed upgrade failed", "error", err)
		}
		return
	}

	client := NewClient(uuid.New().String())
	s.hub.Register(client)

	// Catch-up snapshot goes to just this client, ahead of broadcasts
	s.mu.Lock()
	source := s.snapshotSource
	s.mu.Unlock()
	if source != nil {
		if msg, ok := source(); ok {
			client.Send(msg)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(conn, client)
	}()
	go func() {
		defer wg.Done()
		s.readPump(conn, client)
	}()
	wg.Wait()

	s.hub.Unregister(client)
	conn.Close()
}

// writePump drains the client's outbox onto the socket and keeps the
// connection alive with pings.
func (s *Server) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.Outbox():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				if s.logger != nil {
					s.logger.Warn("Feed write error", "client_id", client.id, "error", err)
				}
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes the socket for pong handling; subscribers never send data.
func (s *Server) readPump(conn *websocket.Conn, client *Client) {
	defer s.hub.Unregister(client)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				if s.logger != nil {
					s.logger.Warn("Feed read error", "client_id", client.id, "error", err)
				}
			}
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
		"time":    time.Now().Unix(),
	})
}

// BroadcastMessage fans a typed payload out to all subscribers.
func (s *Server) BroadcastMessage(msgType string, data interface{}) {
	s.hub.Broadcast(NewMessage(msgType, data))
}

// ClientCount returns the number of connected subscribers.
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

func (s *Server) remoteIP(r *http.Request) string {
	// RemoteAddr over X-Forwarded-For; forwarded headers are spoofable
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) ipLimiter(ip string) *rate.Limiter {
	if val, ok := s.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(rate.Limit(s.opts.RateLimit), s.opts.RateBurst)
	actual, _ := s.ipLimiters.LoadOrStore(ip, limiter)
	return actual.(*rate.Limiter)
}
