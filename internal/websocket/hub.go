package websocket

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/raaihank/reflex-layer/internal/config"
	"github.com/raaihank/reflex-layer/internal/injection"
	"github.com/raaihank/reflex-layer/internal/logger"
	"github.com/raaihank/reflex-layer/internal/metrics"
	"github.com/raaihank/reflex-layer/internal/pipeline"
)

const (
	broadcastBuffer = 256
	clientBuffer    = 256

	defaultPingInterval = 54 * time.Second
)

// HubStats tracks WebSocket hub statistics
type HubStats struct {
	TotalConnections   int64     `json:"total_connections"`
	ActiveConnections  int64     `json:"active_connections"`
	TotalMessages      int64     `json:"total_messages"`
	TotalBroadcasts    int64     `json:"total_broadcasts"`
	DroppedEvents      int64     `json:"dropped_events"`
	LastConnectionTime time.Time `json:"last_connection_time"`
	LastBroadcastTime  time.Time `json:"last_broadcast_time"`
}

type directEvent struct {
	client *Client
	event  Event
}

// Hub maintains the set of active clients and broadcasts events to them.
// The client set is only mutated by Run.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Event
	direct     chan directEvent
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	cfg      config.WebSocketConfig
	upgrader websocket.Upgrader
	clientIP func(*http.Request) string
	metrics  *metrics.Metrics
	logger   *logger.Logger

	mu    sync.RWMutex
	stats HubStats
}

// NewHub creates a new WebSocket hub
func NewHub(cfg config.WebSocketConfig, m *metrics.Metrics, log *logger.Logger) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Event, broadcastBuffer),
		direct:     make(chan directEvent, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		cfg:        cfg,
		clientIP:   remoteHost,
		metrics:    m,
		logger:     log.WithComponent("websocket"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetClientIPFunc overrides how the hub derives a client's address
func (h *Hub) SetClientIPFunc(fn func(*http.Request) string) {
	h.clientIP = fn
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Run handles client registration and broadcasting until ctx is done
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Starting WebSocket hub")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("WebSocket hub stopped")
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case event := <-h.broadcast:
			h.deliver(event, nil)

		case d := <-h.direct:
			h.sendDirect(d)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.stats.TotalConnections++
	h.stats.ActiveConnections = int64(len(h.clients))
	h.stats.LastConnectionTime = time.Now()
	active := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetWebSocketClients(active)
	h.logger.Info("Client connected",
		zap.String("client_id", client.ID),
		zap.String("client_ip", client.IP),
		zap.Int("active_connections", active),
	)

	if h.cfg.Events.BroadcastConnections {
		h.deliver(h.connectionEvent("connected", client), client)
	}
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	close(client.Send)
	h.stats.ActiveConnections = int64(len(h.clients))
	active := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetWebSocketClients(active)
	h.logger.Info("Client disconnected",
		zap.String("client_id", client.ID),
		zap.String("client_ip", client.IP),
		zap.Int("active_connections", active),
	)

	if h.cfg.Events.BroadcastConnections {
		h.deliver(h.connectionEvent("disconnected", client), nil)
	}
}

func (h *Hub) connectionEvent(action string, client *Client) Event {
	return Event{
		Type:      EventTypeConnection,
		Timestamp: time.Now().UTC(),
		Data: ConnectionEvent{
			Action:    action,
			ClientID:  client.ID,
			ClientIP:  client.IP,
			UserAgent: client.UserAgent,
			Message:   fmt.Sprintf("Client %s %s", client.ID, action),
		},
	}
}

// deliver sends event to every subscribed client except exclude. Clients
// whose send buffer is full are dropped.
func (h *Hub) deliver(event Event, exclude *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stats.TotalBroadcasts++
	h.stats.LastBroadcastTime = time.Now()

	for client := range h.clients {
		if client == exclude || !shouldSendToClient(client, event) {
			continue
		}
		select {
		case client.Send <- event:
			h.stats.TotalMessages++
		default:
			h.logger.Warn("Client send channel full, closing connection",
				zap.String("client_id", client.ID),
			)
			delete(h.clients, client)
			close(client.Send)
		}
	}
	h.stats.ActiveConnections = int64(len(h.clients))
}

func (h *Hub) sendDirect(d directEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.clients[d.client] {
		return
	}
	select {
	case d.client.Send <- d.event:
		h.stats.TotalMessages++
	default:
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.Send)
	}
	h.stats.ActiveConnections = 0
	h.metrics.SetWebSocketClients(0)
}

// shouldSendToClient determines if an event should be sent to a specific client based on their subscription
func shouldSendToClient(client *Client, event Event) bool {
	sub := client.Subscription()
	if sub == nil {
		return true
	}
	if len(sub.Events) > 0 && !slices.Contains(sub.Events, event.Type) {
		return false
	}
	if sub.Filter != nil {
		return applyEventFilter(sub.Filter, event)
	}
	return true
}

// applyEventFilter applies filtering logic to determine if an event should be sent
func applyEventFilter(filter *EventFilter, event Event) bool {
	var floor injection.Severity
	if filter.MinSeverity != "" {
		if sev, err := injection.ParseSeverity(filter.MinSeverity); err == nil {
			floor = sev
		}
	}

	switch data := event.Data.(type) {
	case VerdictEvent:
		return severityAtLeast(data.HighestSeverity, floor)
	case InjectionDetectionEvent:
		if !severityAtLeast(data.HighestSeverity, floor) {
			return false
		}
		if len(filter.Categories) == 0 {
			return true
		}
		for _, c := range data.Categories {
			if slices.Contains(filter.Categories, c) {
				return true
			}
		}
		return false
	case RequestLogEvent:
		if filter.ExcludeHealth && (data.Path == "/health" || data.Path == "/ready") {
			return false
		}
	}
	return true
}

func severityAtLeast(value string, floor injection.Severity) bool {
	if floor == injection.SeverityNone {
		return true
	}
	sev, err := injection.ParseSeverity(value)
	return err == nil && sev >= floor
}

// BroadcastEvent sends an event to all connected clients (only if enabled in config)
func (h *Hub) BroadcastEvent(event Event) {
	if !h.shouldBroadcastEvent(event.Type) {
		return
	}

	select {
	case h.broadcast <- event:
	default:
		h.mu.Lock()
		h.stats.DroppedEvents++
		h.mu.Unlock()
		h.logger.Warn("Broadcast channel full, dropping event",
			zap.String("event_type", string(event.Type)),
		)
	}
}

// shouldBroadcastEvent checks if an event type should be broadcast based on configuration
func (h *Hub) shouldBroadcastEvent(eventType EventType) bool {
	if !h.cfg.Enabled {
		return false
	}

	switch eventType {
	case EventTypeVerdict, EventTypeRequestLog:
		return h.cfg.Events.BroadcastRequests
	case EventTypeInjectionDetection, EventTypePIIDetection:
		return h.cfg.Events.BroadcastDetections
	case EventTypeRateLimited:
		return h.cfg.Events.BroadcastRateLimits
	case EventTypeConnection:
		return h.cfg.Events.BroadcastConnections
	default:
		return false
	}
}

// Publish turns a pipeline record into hub events
func (h *Hub) Publish(rec pipeline.Record) {
	for _, event := range eventsFor(rec) {
		h.BroadcastEvent(event)
	}
}

func eventsFor(rec pipeline.Record) []Event {
	base := Event{Timestamp: rec.Timestamp, RequestID: rec.RequestID}

	if rec.Kind == pipeline.RecordRateLimited {
		if rec.RateLimit == nil {
			return nil
		}
		e := base
		e.Type = EventTypeRateLimited
		e.Data = RateLimitedEvent{
			Dimension:    string(rec.RateLimit.Dimension),
			Reason:       rec.RateLimit.Reason,
			RetryAfterMS: rec.RateLimit.RetryAfter.Milliseconds(),
			Endpoint:     rec.Endpoint,
		}
		return []Event{e}
	}

	verdict := base
	verdict.Type = EventTypeVerdict
	verdict.Data = VerdictEvent{
		Action:          string(rec.Action),
		RiskTier:        string(rec.RiskTier),
		HighestSeverity: rec.HighestSeverity.String(),
		PIICount:        rec.PIICount,
		InjectionCount:  rec.InjectionCount,
		CacheHit:        rec.CacheHit,
		ProcessingMS:    float64(rec.Duration.Microseconds()) / 1000,
	}
	events := []Event{verdict}

	if rec.InjectionCount > 0 {
		e := base
		e.Type = EventTypeInjectionDetection
		e.Data = InjectionDetectionEvent{
			Categories:      rec.InjectionCategories,
			HighestSeverity: rec.HighestSeverity.String(),
			TotalMatches:    rec.InjectionCount,
			Blocked:         rec.Action == pipeline.ActionBlock,
		}
		events = append(events, e)
	}
	if rec.PIICount > 0 {
		e := base
		e.Type = EventTypePIIDetection
		e.Data = PIIDetectionEvent{
			Types:         rec.PIITypes,
			TotalFindings: rec.PIICount,
		}
		events = append(events, e)
	}
	return events
}

// HandleWebSocket handles WebSocket connections
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="reflex-layer"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if limit := h.cfg.MaxConnections; limit > 0 && h.Stats().ActiveConnections >= int64(limit) {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          uuid.NewString(),
		Conn:        conn,
		Send:        make(chan Event, clientBuffer),
		ConnectedAt: time.Now(),
		IP:          h.clientIP(r),
		UserAgent:   r.UserAgent(),
		lastPing:    time.Now(),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go h.handleClientWrite(client)
	go h.handleClientRead(client)
}

func (h *Hub) authorized(r *http.Request) bool {
	if h.cfg.Username == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(h.cfg.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(h.cfg.Password)) == 1
	return userOK && passOK
}

// handleClientWrite handles writing messages to the client
func (h *Hub) handleClientWrite(client *Client) {
	interval := h.cfg.PingInterval
	if interval <= 0 {
		interval = defaultPingInterval
	}
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case event, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteJSON(event); err != nil {
				h.logger.Debug("Failed to write WebSocket message",
					zap.String("client_id", client.ID),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleClientRead handles reading messages from the client
func (h *Hub) handleClientRead(client *Client) {
	defer func() {
		select {
		case h.unregister <- client:
		case <-h.done:
		}
		client.Conn.Close()
	}()

	conn := client.Conn
	conn.SetReadLimit(h.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		client.touch()
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket error",
					zap.String("client_id", client.ID),
					zap.Error(err),
				)
			}
			return
		}
		h.handleClientMessage(client, msg)
	}
}

// handleClientMessage handles messages received from clients
func (h *Hub) handleClientMessage(client *Client, msg ClientMessage) {
	switch msg.Type {
	case "subscribe":
		if msg.Data == nil {
			return
		}
		client.setSubscription(msg.Data)
		h.logger.Debug("Client subscription updated",
			zap.String("client_id", client.ID),
			zap.Int("events", len(msg.Data.Events)),
		)
	case "ping":
		pong := Event{
			Type:      EventTypePong,
			Timestamp: time.Now().UTC(),
			Data:      map[string]string{"message": "pong"},
		}
		select {
		case h.direct <- directEvent{client: client, event: pong}:
		case <-h.done:
		}
	}
}

// Stats returns current hub statistics
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
