// Package httpapi exposes the live delivery surface: WebSocket and SSE
// streams of turn events, the turn submission endpoint, and health.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kalviumcommunity/sumanize/internal/metrics"
	"github.com/kalviumcommunity/sumanize/internal/streaming"
)

// ConnState is the lifecycle of one WebSocket session. TERMINATED is reached
// straight from OPEN on heartbeat failure or a fatal protocol error, skipping
// the graceful close handshake.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
	StateTerminated
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateTerminated:
		return "TERMINATED"
	}
	return "UNKNOWN"
}

// minKeyLength is the validation floor for chatId/userId query parameters.
const minKeyLength = 5

// Session is one live WebSocket connection, owned by the hub for its
// lifetime.
type Session struct {
	ID     string
	ChatID string
	UserID string

	conn    *websocket.Conn
	send    chan streaming.Envelope
	done    chan struct{}
	limiter *rate.Limiter

	mu       sync.Mutex
	state    ConnState
	isAlive  bool
	lastPong time.Time

	closeOnce sync.Once
}

// Topic returns the delivery key this session is subscribed to.
func (s *Session) Topic() string { return streaming.Topic(s.UserID, s.ChatID) }

func (s *Session) setAlive() {
	s.mu.Lock()
	s.isAlive = true
	s.lastPong = time.Now()
	s.mu.Unlock()
}

// HubOptions carries the tunables the hub is constructed with. Zero values
// fall back to the production defaults.
type HubOptions struct {
	// HeartbeatInterval is the ping sweep period.
	HeartbeatInterval time.Duration
	// ZombieTimeout force-terminates a connection silent for this long,
	// regardless of ping state.
	ZombieTimeout time.Duration
	// SendBuffer is the per-session outbound queue depth.
	SendBuffer int
	// MessageRate / MessageBurst bound inbound client messages.
	MessageRate  rate.Limit
	MessageBurst int
}

func (o *HubOptions) defaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.ZombieTimeout <= 0 {
		o.ZombieTimeout = 60 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MessageRate <= 0 {
		o.MessageRate = rate.Limit(5)
	}
	if o.MessageBurst <= 0 {
		o.MessageBurst = 10
	}
}

// Hub is the stateful realization of the delivery channel: direct writes to
// whatever is connected for a (user, chat) key, with a heartbeat sweep over
// the whole registry. When a broker is attached, sessions additionally
// receive events published by other processes.
type Hub struct {
	registry *SessionRegistry
	broker   *streaming.Broker // optional cross-process feed
	logger   *zap.Logger
	opts     HubOptions
	upgrader websocket.Upgrader

	seqMu sync.Mutex
	seq   map[string]uint64

	shuttingDown bool
	shutdownMu   sync.RWMutex
	stopSweep    chan struct{}
	sweepDone    chan struct{}
}

// NewHub wires the hub around an injected registry. broker may be nil when
// the process runs single-node and all turns publish directly to the hub.
func NewHub(registry *SessionRegistry, broker *streaming.Broker, opts HubOptions, logger *zap.Logger) *Hub {
	opts.defaults()
	return &Hub{
		registry: registry,
		broker:   broker,
		logger:   logger,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // secured via proxy in prod
		},
		seq:       make(map[string]uint64),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
}

// Start launches the heartbeat sweep.
func (h *Hub) Start() {
	go h.runHeartbeat()
}

// RegisterRoutes registers the WebSocket endpoint on the mux.
func (h *Hub) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/stream/ws", h.handleWS)
}

// Publish implements streaming.Publisher with direct connection writes.
// Returns ErrNoSubscriber when nothing is connected for the topic so the
// aggregator can abandon the turn.
func (h *Hub) Publish(_ context.Context, topic string, ev streaming.Event) error {
	payload, err := streaming.MarshalEvent(ev)
	if err != nil {
		return err
	}
	sessions := h.registry.ByTopic(topic)
	if len(sessions) == 0 {
		return streaming.ErrNoSubscriber
	}
	env := streaming.Envelope{Topic: topic, Seq: h.nextSeq(topic), Event: payload}

	delivered := 0
	for _, s := range sessions {
		select {
		case s.send <- env:
			delivered++
		default:
			// Slow consumer: drop the event rather than block the turn.
			h.logger.Warn("Session send buffer full, dropping event",
				zap.String("connection_id", s.ID),
				zap.String("topic", topic))
		}
	}
	if delivered == 0 {
		return streaming.ErrNoSubscriber
	}
	return nil
}

func (h *Hub) nextSeq(topic string) uint64 {
	h.seqMu.Lock()
	defer h.seqMu.Unlock()
	h.seq[topic]++
	return h.seq[topic]
}

// handleWS validates correlation keys, upgrades, and runs the session pumps.
func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	h.shutdownMu.RLock()
	draining := h.shuttingDown
	h.shutdownMu.RUnlock()
	if draining {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	chatID := r.URL.Query().Get("chatId")
	userID := r.URL.Query().Get("userId")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// Validation happens before any subscription; a bad handshake gets a
	// close frame with the specific reason and nothing else.
	if reason := validateKeys(chatID, userID); reason != "" {
		metrics.ConnectionsTerminated.WithLabelValues("validation").Inc()
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	sess := &Session{
		ID:       uuid.New().String(),
		ChatID:   chatID,
		UserID:   userID,
		conn:     conn,
		send:     make(chan streaming.Envelope, h.opts.SendBuffer),
		done:     make(chan struct{}),
		limiter:  rate.NewLimiter(h.opts.MessageRate, h.opts.MessageBurst),
		state:    StateOpen,
		isAlive:  true,
		lastPong: time.Now(),
	}
	h.registry.Add(sess)
	metrics.ConnectionsActive.Inc()
	h.logger.Info("WebSocket connected",
		zap.String("connection_id", sess.ID),
		zap.String("topic", sess.Topic()))

	conn.SetPongHandler(func(string) error {
		sess.setAlive()
		return nil
	})

	// Replay backlog when the client reconnects with a last seen sequence.
	var brokerCh chan streaming.Envelope
	if h.broker != nil {
		if q := r.URL.Query().Get("last_event_id"); q != "" {
			if since, err := strconv.ParseUint(q, 10, 64); err == nil {
				for _, env := range h.broker.ReplaySince(sess.Topic(), since) {
					select {
					case sess.send <- env:
					default:
					}
				}
			}
		}
		brokerCh = h.broker.Subscribe(sess.Topic(), h.opts.SendBuffer)
	}

	go h.readPump(sess)
	h.writePump(sess, brokerCh)

	if brokerCh != nil {
		h.broker.Unsubscribe(sess.Topic(), brokerCh)
	}
	h.release(sess, StateClosed)
}

// readPump drains inbound frames so control handlers run, applying the
// per-connection message rate limit to anything that is not control traffic.
func (h *Hub) readPump(sess *Session) {
	for {
		if _, _, err := sess.conn.ReadMessage(); err != nil {
			h.release(sess, StateClosed)
			return
		}
		if !sess.limiter.Allow() {
			h.logger.Warn("Inbound message rate exceeded, terminating",
				zap.String("connection_id", sess.ID))
			h.terminate(sess, "rate_limit")
			return
		}
	}
}

// writePump serializes all data writes for the session. A nil brokerCh is
// fine: that select arm simply never fires.
func (h *Hub) writePump(sess *Session, brokerCh chan streaming.Envelope) {
	for {
		select {
		case <-sess.done:
			return
		case env := <-sess.send:
			if err := sess.conn.WriteJSON(env); err != nil {
				h.release(sess, StateClosed)
				return
			}
		case env, ok := <-brokerCh:
			if !ok {
				return
			}
			if err := sess.conn.WriteJSON(env); err != nil {
				h.release(sess, StateClosed)
				return
			}
		}
	}
}

// runHeartbeat pings every open session each interval. A session that did not
// acknowledge the previous ping is terminated; one silent past the zombie
// timeout is terminated regardless of ping state.
func (h *Hub) runHeartbeat() {
	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()
	defer close(h.sweepDone)

	for {
		select {
		case <-h.stopSweep:
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *Hub) sweep() {
	now := time.Now()
	for _, sess := range h.registry.All() {
		sess.mu.Lock()
		alive := sess.isAlive
		lastPong := sess.lastPong
		sess.isAlive = false
		sess.mu.Unlock()

		switch {
		case now.Sub(lastPong) > h.opts.ZombieTimeout:
			h.terminate(sess, "zombie")
		case !alive:
			h.terminate(sess, "heartbeat")
		default:
			deadline := now.Add(h.opts.HeartbeatInterval / 2)
			if err := sess.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				h.terminate(sess, "heartbeat")
			}
		}
	}
}

// terminate forcibly closes a session, OPEN -> TERMINATED.
func (h *Hub) terminate(sess *Session, reason string) {
	metrics.ConnectionsTerminated.WithLabelValues(reason).Inc()
	h.logger.Info("Terminating connection",
		zap.String("connection_id", sess.ID),
		zap.String("reason", reason))
	h.release(sess, StateTerminated)
}

// release finalizes a session exactly once: registry removal, state flip,
// socket close. The send channel stays open (publishers race with teardown);
// writePump exits via done instead.
func (h *Hub) release(sess *Session, final ConnState) {
	sess.closeOnce.Do(func() {
		sess.mu.Lock()
		sess.state = final
		sess.mu.Unlock()
		h.registry.Remove(sess)
		metrics.ConnectionsActive.Dec()
		close(sess.done)
		_ = sess.conn.Close()
	})
}

// Shutdown stops accepting connections, sends a close frame to every open
// session, and stops the heartbeat sweep. Shared resources (redis, db) are
// closed by main after this returns, so in-flight writes are not corrupted.
func (h *Hub) Shutdown(ctx context.Context) {
	h.shutdownMu.Lock()
	h.shuttingDown = true
	h.shutdownMu.Unlock()

	close(h.stopSweep)

	for _, sess := range h.registry.All() {
		sess.mu.Lock()
		sess.state = StateClosing
		sess.mu.Unlock()
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = sess.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		metrics.ConnectionsTerminated.WithLabelValues("shutdown").Inc()
		h.release(sess, StateClosed)
	}

	select {
	case <-h.sweepDone:
	case <-ctx.Done():
	}
}

func validateKeys(chatID, userID string) string {
	if len(chatID) < minKeyLength {
		return "chatId must be at least 5 characters"
	}
	if len(userID) < minKeyLength {
		return "userId must be at least 5 characters"
	}
	return ""
}
