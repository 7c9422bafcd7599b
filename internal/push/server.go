// Package push is a development push endpoint. It serves the named-frame
// WebSocket stream that tab owners connect to, accepts typing notices and
// injected envelopes over HTTP, and fans them out to every open stream.
package push

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/fanline/realtime/internal/events"
	"github.com/fanline/realtime/internal/stream"
	"github.com/fanline/realtime/internal/typing"
)

// ServerConfig holds tunable parameters for the push server.
type ServerConfig struct {
	ListenAddr   string        // address to listen on, e.g. ":8080"
	WriteTimeout time.Duration // per-frame write deadline
	PingInterval time.Duration // how often idle streams are pinged
	TypingRPS    float64       // typing notices per second per conversation
	TypingBurst  int
	LimiterIdle  time.Duration // idle time after which a conversation's limiter is dropped
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:   ":8080",
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		TypingRPS:    5,
		TypingBurst:  10,
		LimiterIdle:  5 * time.Minute,
	}
}

// connection is one open stream with a write mutex serializing frames.
type connection struct {
	id      string
	conn    net.Conn
	writeMu sync.Mutex
}

func (c *connection) write(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
}

func (c *connection) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.conn, ws.NewPingFrame(nil))
}

// Server is the push endpoint.
type Server struct {
	config     ServerConfig
	httpServer *http.Server
	startedAt  time.Time
	now        func() time.Time

	mu    sync.RWMutex
	conns map[string]*connection

	limiters *limiterPool

	done     chan struct{}
	doneOnce sync.Once
}

// NewServer creates a Server.
func NewServer(config ServerConfig) *Server {
	def := DefaultServerConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = def.PingInterval
	}
	if config.TypingRPS <= 0 {
		config.TypingRPS = def.TypingRPS
	}
	if config.TypingBurst <= 0 {
		config.TypingBurst = def.TypingBurst
	}
	if config.LimiterIdle <= 0 {
		config.LimiterIdle = def.LimiterIdle
	}
	return &Server{
		config:    config,
		startedAt: time.Now(),
		now:       time.Now,
		conns:     make(map[string]*connection),
		limiters:  &limiterPool{rps: config.TypingRPS, burst: config.TypingBurst},
		done:      make(chan struct{}),
	}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/realtime/stream", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/api/typing", s.handleTyping).Methods(http.MethodPost)
	r.HandleFunc("/api/events", s.handleEvent).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return r
}

// Start starts the heartbeat and blocks serving HTTP.
func (s *Server) Start() error {
	s.httpServer = &http.Server{Addr: s.config.ListenAddr, Handler: s.Handler()}
	go s.heartbeat()

	log.Printf("push: server listening on %s", s.config.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("push: http server error: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP listener and closes every stream.
func (s *Server) Shutdown(ctx context.Context) error {
	s.doneOnce.Do(func() { close(s.done) })

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	s.mu.Lock()
	for id, c := range s.conns {
		c.conn.Close()
		delete(s.conns, id)
	}
	s.mu.Unlock()

	log.Printf("push: server stopped, all streams closed")
	return err
}

// Count returns the number of open streams.
func (s *Server) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Broadcast writes a named frame to every open stream and returns how many
// streams accepted it.
func (s *Server) Broadcast(name string, data interface{}) (int, error) {
	frame, err := stream.NewFrame(name, data)
	if err != nil {
		return 0, err
	}

	s.mu.RLock()
	targets := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if err := c.write(frame, s.config.WriteTimeout); err != nil {
			log.Printf("push: write failed stream=%s: %v", c.id, err)
			s.remove(c.id)
			continue
		}
		sent++
	}
	return sent, nil
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("push: upgrade failed: %v", err)
		return
	}

	c := &connection{id: uuid.New().String(), conn: conn}
	s.mu.Lock()
	s.conns[c.id] = c
	total := len(s.conns)
	s.mu.Unlock()
	log.Printf("push: stream opened id=%s (total=%d)", c.id, total)

	// The stream is one-way; reads only notice close and answer control frames.
	go func() {
		defer s.remove(c.id)
		c.readLoop()
	}()
}

// readLoop discards client data frames and answers control frames. Replies
// share writeMu with broadcasts so a pong never lands inside another frame.
func (c *connection) readLoop() {
	control := wsutil.ControlFrameHandler(c.conn, ws.StateServerSide)
	handle := func(h ws.Header, r io.Reader) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return control(h, r)
	}
	rd := &wsutil.Reader{
		Source:         c.conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: handle,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return
		}
		if hdr.OpCode.IsControl() {
			if err := handle(hdr, rd); err != nil {
				return
			}
			continue
		}
		if err := rd.Discard(); err != nil {
			return
		}
	}
}

func (s *Server) remove(id string) {
	s.mu.Lock()
	c, ok := s.conns[id]
	delete(s.conns, id)
	total := len(s.conns)
	s.mu.Unlock()
	if ok {
		c.conn.Close()
		log.Printf("push: stream closed id=%s (total=%d)", id, total)
	}
}

// handleTyping accepts {conversationId, isTyping, senderRole, draftText?}
// and relays it as a typing frame.
func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request) {
	var in typing.OutboundNotice
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	switch in.SenderRole {
	case typing.RoleFan, typing.RoleCreator, typing.RoleOperator:
	default:
		http.Error(w, "invalid senderRole", http.StatusBadRequest)
		return
	}
	if in.ConversationID == "" {
		http.Error(w, "conversationId required", http.StatusBadRequest)
		return
	}
	if !s.limiters.get(in.ConversationID, s.now()).Allow() {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	n := typing.Notice{
		ConversationID: in.ConversationID,
		FanID:          in.FanID,
		IsTyping:       in.IsTyping,
		SenderRole:     in.SenderRole,
		Ts:             s.now().UnixMilli(),
	}
	if in.DraftText != nil {
		d := typing.NormalizeDraft(*in.DraftText)
		n.DraftText = &d
	}
	s.respondBroadcast(w, stream.FrameTyping, n)
}

// handleEvent injects an envelope into every stream.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var env events.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if env.EventID == "" {
		id, err := ulid.New(ulid.Timestamp(s.now()), rand.Reader)
		if err != nil {
			http.Error(w, "failed to assign eventId", http.StatusInternalServerError)
			return
		}
		env.EventID = id.String()
	}
	if env.Type == "" {
		http.Error(w, "type required", http.StatusBadRequest)
		return
	}
	if env.CreatedAt == "" {
		env.CreatedAt = s.now().UTC().Format(time.RFC3339)
	}
	s.respondBroadcast(w, stream.FrameEvent, env)
}

func (s *Server) respondBroadcast(w http.ResponseWriter, name string, data interface{}) {
	sent, err := s.Broadcast(name, data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]int{"delivered": sent})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"streams": s.Count(),
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// heartbeat pings every stream each PingInterval and drops the ones that
// fail.
func (s *Server) heartbeat() {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if n := s.limiters.sweep(s.now().Add(-s.config.LimiterIdle)); n > 0 {
				log.Printf("push: dropped %d idle typing limiters", n)
			}

			s.mu.RLock()
			targets := make([]*connection, 0, len(s.conns))
			for _, c := range s.conns {
				targets = append(targets, c)
			}
			s.mu.RUnlock()

			for _, c := range targets {
				if err := c.ping(); err != nil {
					log.Printf("push: heartbeat ping failed stream=%s: %v", c.id, err)
					s.remove(c.id)
				}
			}
		}
	}
}

type pooledLimiter struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// limiterPool holds one token bucket per conversation.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*pooledLimiter
	rps   float64
	burst int
}

func (p *limiterPool) get(key string, now time.Time) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[string]*pooledLimiter)
	}
	pl, ok := p.m[key]
	if !ok {
		pl = &pooledLimiter{limiter: rate.NewLimiter(rate.Limit(p.rps), p.burst)}
		p.m[key] = pl
	}
	pl.lastUsed = now
	return pl.limiter
}

// sweep drops limiters unused since before cutoff and returns how many went.
func (p *limiterPool) sweep(cutoff time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	dropped := 0
	for key, pl := range p.m {
		if pl.lastUsed.Before(cutoff) {
			delete(p.m, key)
			dropped++
		}
	}
	return dropped
}

func (p *limiterPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
