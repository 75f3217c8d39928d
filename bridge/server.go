// Package bridge exposes the engine over WebSocket. Remote producers push
// domain events into the event feed; every connected client receives schedule
// transitions and, when the bridge is registered as an executor delegate,
// prepared payloads to execute.
package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/automaton/automation"
	"github.com/teranos/automaton/errors"
	"github.com/teranos/automaton/logger"
	"github.com/teranos/automaton/sym"
)

// EventSink receives decoded inbound events, typically a feed.Feed.
type EventSink interface {
	Emit(e automation.Event)
}

// Options tunes the bridge. Zero values take defaults.
type Options struct {
	// AllowedOrigins are origin prefixes accepted for browser clients.
	// Requests without an Origin header are always accepted.
	AllowedOrigins []string
	PingPeriod     time.Duration
	SendBuffer     int
}

const (
	DefaultPingPeriod = 54 * time.Second
	defaultSendBuffer = 64
	writeWait         = 10 * time.Second
	maxMessageSize    = 64 * 1024
)

// Server is the WebSocket bridge.
type Server struct {
	sink     EventSink
	log      *zap.SugaredLogger
	opts     Options
	upgrader websocket.Upgrader
	timeNow  func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	clients map[*client]struct{}

	received       atomic.Uint64
	broadcastDrops atomic.Uint64
}

// New creates a bridge feeding sink.
func New(sink EventSink, opts Options, log *zap.SugaredLogger) *Server {
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = DefaultPingPeriod
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	s := &Server{
		sink:    sink,
		log:     logger.OrDefault(log).Named("bridge").With(logger.FieldSymbol, sym.Bridge),
		opts:    opts,
		timeNow: time.Now,
		clients: make(map[*client]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  2048,
		WriteBufferSize: 2048,
		CheckOrigin:     s.checkOrigin,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Handler routes GET /events to the WebSocket endpoint and GET /healthz to a
// liveness probe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"clients": s.ClientCount(),
		})
	})
	return mux
}

// checkOrigin validates WebSocket origin against configured allowed origins.
// Prefix matching allows any port.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	s.log.Warnw("Rejected WebSocket origin", "origin", origin)
	return false
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		s.log.Debugw("WebSocket upgrade failed", logger.FieldError, err)
		return
	}

	c := &client{
		server: s,
		conn:   conn,
		send:   make(chan any, s.opts.SendBuffer),
		id:     uuid.NewString(),
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	s.log.Infow("Client connected", logger.FieldClientID, c.id, logger.FieldAddress, r.RemoteAddr)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	go func() {
		defer s.wg.Done()
		c.readPump()
	}()
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if ok {
		c.close()
		s.log.Infow("Client disconnected", logger.FieldClientID, c.id)
	}
}

func (s *Server) receive(c *client, raw []byte) {
	ev, err := DecodeEvent(raw)
	if err != nil {
		s.log.Debugw("Rejected inbound message", logger.FieldClientID, c.id, logger.FieldError, err)
		c.trySend(ErrorMessage{Type: TypeError, Error: err.Error()})
		return
	}
	s.received.Add(1)
	s.log.Debugw("Inbound event", logger.FieldClientID, c.id, logger.FieldEvent, ev.Type)
	s.sink.Emit(ev)
}

// ClientCount is the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// broadcast sends msg to every client whose buffer has room and returns how
// many accepted it.
func (s *Server) broadcast(msg any) int {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	sent := 0
	for _, c := range clients {
		if c.trySend(msg) {
			sent++
		} else {
			s.broadcastDrops.Add(1)
		}
	}
	return sent
}

// Forward broadcasts transitions until the channel closes or ctx is done.
func (s *Server) Forward(ctx context.Context, transitions <-chan automation.Transition) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case t, ok := <-transitions:
			if !ok {
				return
			}
			s.broadcast(TransitionMessage{Type: TypeTransition, Transition: t})
		}
	}
}

// Notify pushes a prepared payload to connected clients. It fails with
// ErrServiceUnavailable when no client accepted it, so the executor retries
// later. Its signature matches executor.NotifyFunc.
func (s *Server) Notify(ctx context.Context, data automation.ExecutionData, info automation.PreparedScheduleInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sent := s.broadcast(ExecuteMessage{
		Type:        TypeExecute,
		ScheduleID:  info.ScheduleID,
		PayloadType: data.Type,
		Payload:     data.Value,
		Info:        info,
		SentAt:      s.timeNow(),
	})
	if sent == 0 {
		return errors.WithDetailf(
			errors.Wrap(errors.ErrServiceUnavailable, "no bridge client accepted the execution"),
			"schedule_id=%s", info.ScheduleID)
	}
	s.log.Infow("Execution pushed",
		logger.FieldScheduleID, info.ScheduleID,
		logger.FieldPayloadType, data.Type,
		logger.FieldCount, sent,
	)
	return nil
}

// Stop closes every connection and waits for the pumps to exit.
func (s *Server) Stop() {
	s.mu.Lock()
	s.cancel()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
		delete(s.clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
		c.conn.Close()
	}
	s.wg.Wait()

	s.log.Infow("Bridge stopped",
		"received", s.received.Load(),
		"broadcast_drops", s.broadcastDrops.Load(),
	)
}
