// Package push implements Push Delivery (spec.md §4.6): long-lived client
// sockets, a subscription registry keyed by (resourceId, streamType,
// format), and per-socket frame filtering. It generalizes the teacher's
// pkg/events ConnectionManager/Connection shape — registration maps, a
// per-channel subscriber set, sendJSON/sendRaw with write timeouts — from
// generic pub/sub channel names to the three-part subscription key, and
// adds the authentication handshake and per-socket send pacing the wire
// protocol requires.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Stream types valid on a subscribe frame (spec §4.6: "streamType ∈
// {activity, notification, message}" — email is not a push-subscribable
// stream).
const (
	StreamActivity     = "activity"
	StreamNotification = "notification"
	StreamMessage      = "message"
)

func validStreamType(s string) bool {
	switch s {
	case StreamActivity, StreamNotification, StreamMessage:
		return true
	default:
		return false
	}
}

// Authenticator verifies a client's first frame.
type Authenticator interface {
	Authenticate(ctx context.Context, userID, tenantAlias, signature string) error
}

// AccessChecker resolves whether a subscribe request may proceed, either via
// the socket's own authenticated identity or a previously issued token.
type AccessChecker interface {
	CanView(ctx context.Context, principalID, resourceID string) (bool, error)
	VerifyToken(ctx context.Context, token, resourceID string) (bool, error)
}

// Entry is one delivered activity, matching store.StreamEntryRow's shape
// without importing pkg/store (push only needs the wire-relevant fields).
type Entry struct {
	ActivityID   string          `json:"activityId"`
	ActivityType string          `json:"activityType"`
	Verb         string          `json:"verb"`
	Published    int64           `json:"published"`
	Actor        json.RawMessage `json:"actor,omitempty"`
	Object       json.RawMessage `json:"object,omitempty"`
	Target       json.RawMessage `json:"target,omitempty"`
}

// authFrame is the required first client frame.
type authFrame struct {
	Action      string `json:"action"`
	UserID      string `json:"userId"`
	TenantAlias string `json:"tenantAlias"`
	Signature   string `json:"signature"`
}

// clientFrame is every subsequent client → server frame.
type clientFrame struct {
	ID         string `json:"id"`
	Action     string `json:"action"`
	ResourceID string `json:"resourceId,omitempty"`
	StreamType string `json:"streamType,omitempty"`
	Format     string `json:"format,omitempty"`
	Token      string `json:"token,omitempty"`
}

// Config holds Push Delivery's socket tunables, sourced from
// config.PushConfig.
type Config struct {
	AuthenticationTimeout time.Duration
	WriteTimeout          time.Duration
	SendRatePerSecond     float64
	SendBurst             int
	Formats               []string
}

func (c Config) formats() []string {
	if len(c.Formats) == 0 {
		return []string{"activitystreams", "internal"}
	}
	return c.Formats
}

// subscription is one (resourceId, streamType, format) arm a connection has
// open.
type subscription struct {
	resourceID string
	streamType string
	format     string
}

func (s subscription) channelKey() string {
	return s.resourceID + "\x00" + s.streamType + "\x00" + s.format
}

// connection is a single authenticated duplex socket.
type connection struct {
	id            string
	conn          *websocket.Conn
	principalID   string
	pacer         *rate.Limiter
	writeTimeout  time.Duration
	subscriptions map[subscription]struct{}
}

func (c *connection) sendJSON(ctx context.Context, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("failed to marshal push frame", "connection_id", c.id, "error", err)
		return
	}
	if err := c.pacer.Wait(ctx); err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Warn("failed to write push frame", "connection_id", c.id, "error", err)
	}
}

// Manager is the process-wide subscription registry and socket lifecycle
// manager. One Manager instance serves every duplex connection accepted by
// this process.
type Manager struct {
	cfg  Config
	auth Authenticator
	acl  AccessChecker

	mu          sync.RWMutex
	connections map[string]*connection

	channelMu sync.RWMutex
	channels  map[string]map[string]struct{} // channelKey -> set of connection ids
}

// NewManager constructs a Manager.
func NewManager(cfg Config, auth Authenticator, acl AccessChecker) *Manager {
	return &Manager{
		cfg:         cfg,
		auth:        auth,
		acl:         acl,
		connections: make(map[string]*connection),
		channels:    make(map[string]map[string]struct{}),
	}
}

// HandleConnection manages one duplex socket's lifecycle: authentication
// handshake, then a read loop dispatching subscribe/unsubscribe/close
// frames, until the socket closes (spec §4.6). Blocks until the connection
// ends.
func (m *Manager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	principalID, err := m.authenticate(ctx, conn)
	if err != nil {
		m.sendAuthError(ctx, conn, err)
		_ = conn.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	c := &connection{
		id:            uuid.New().String(),
		conn:          conn,
		principalID:   principalID,
		pacer:         newPacer(m.cfg.SendRatePerSecond, m.cfg.SendBurst),
		writeTimeout:  m.cfg.WriteTimeout,
		subscriptions: make(map[subscription]struct{}),
	}
	m.register(c)
	defer m.unregister(c)
	activeSubscriptions.Inc()
	defer activeSubscriptions.Dec()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame clientFrame
		if jsonErr := json.Unmarshal(data, &frame); jsonErr != nil {
			continue
		}
		if frame.ID == "" && frame.Action != "close" {
			c.sendJSON(ctx, errorFrame("", "400"))
			continue
		}
		m.handleFrame(ctx, c, frame)
	}
}

func (m *Manager) authenticate(ctx context.Context, conn *websocket.Conn) (string, error) {
	authCtx, cancel := context.WithTimeout(ctx, m.cfg.AuthenticationTimeout)
	defer cancel()

	_, data, err := conn.Read(authCtx)
	if err != nil {
		return "", errors.New("no authentication frame received")
	}
	var frame authFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Action != "authentication" {
		return "", errors.New("malformed authentication frame")
	}
	if frame.UserID == "" || frame.Signature == "" {
		return "", errors.New("missing authentication fields")
	}
	if err := m.auth.Authenticate(authCtx, frame.UserID, frame.TenantAlias, frame.Signature); err != nil {
		return "", err
	}
	return frame.UserID, nil
}

func (m *Manager) sendAuthError(ctx context.Context, conn *websocket.Conn, _ error) {
	data, err := json.Marshal(errorFrame("", "401"))
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()
	_ = conn.Write(writeCtx, websocket.MessageText, data)
}

func (m *Manager) handleFrame(ctx context.Context, c *connection, frame clientFrame) {
	switch frame.Action {
	case "subscribe":
		m.handleSubscribe(ctx, c, frame)
	case "unsubscribe":
		m.handleUnsubscribe(c, frame)
		c.sendJSON(ctx, ackFrame(frame.ID))
	case "close":
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	default:
		c.sendJSON(ctx, errorFrame(frame.ID, "400"))
	}
}

func (m *Manager) handleSubscribe(ctx context.Context, c *connection, frame clientFrame) {
	if frame.ResourceID == "" || !validStreamType(frame.StreamType) {
		c.sendJSON(ctx, errorFrame(frame.ID, "400"))
		return
	}
	format := frame.Format
	if format == "" {
		format = m.cfg.formats()[0]
	}
	if !containsString(m.cfg.formats(), format) {
		c.sendJSON(ctx, errorFrame(frame.ID, "400"))
		return
	}

	allowed, err := m.authorizeSubscribe(ctx, c, frame)
	if err != nil || !allowed {
		c.sendJSON(ctx, errorFrame(frame.ID, "403"))
		return
	}

	sub := subscription{resourceID: frame.ResourceID, streamType: frame.StreamType, format: format}
	m.addSubscription(c, sub)
	c.sendJSON(ctx, ackFrame(frame.ID))
}

func (m *Manager) authorizeSubscribe(ctx context.Context, c *connection, frame clientFrame) (bool, error) {
	if frame.Token != "" {
		return m.acl.VerifyToken(ctx, frame.Token, frame.ResourceID)
	}
	if c.principalID == frame.ResourceID {
		return true, nil
	}
	return m.acl.CanView(ctx, c.principalID, frame.ResourceID)
}

func (m *Manager) handleUnsubscribe(c *connection, frame clientFrame) {
	if frame.Format != "" {
		m.removeSubscription(c, subscription{resourceID: frame.ResourceID, streamType: frame.StreamType, format: frame.Format})
		return
	}
	for _, format := range m.cfg.formats() {
		m.removeSubscription(c, subscription{resourceID: frame.ResourceID, streamType: frame.StreamType, format: format})
	}
}

func (m *Manager) addSubscription(c *connection, sub subscription) {
	m.channelMu.Lock()
	if _, ok := m.channels[sub.channelKey()]; !ok {
		m.channels[sub.channelKey()] = make(map[string]struct{})
	}
	m.channels[sub.channelKey()][c.id] = struct{}{}
	m.channelMu.Unlock()
	c.subscriptions[sub] = struct{}{}
}

func (m *Manager) removeSubscription(c *connection, sub subscription) {
	m.channelMu.Lock()
	if subs, ok := m.channels[sub.channelKey()]; ok {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(m.channels, sub.channelKey())
		}
	}
	m.channelMu.Unlock()
	delete(c.subscriptions, sub)
}

func (m *Manager) register(c *connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.id] = c
}

func (m *Manager) unregister(c *connection) {
	for sub := range c.subscriptions {
		m.removeSubscription(c, sub)
	}
	m.mu.Lock()
	delete(m.connections, c.id)
	m.mu.Unlock()
}

// Deliver fans a materialized StreamEntry out to every subscription on
// (recipientId, streamType, format), enforcing the segregation invariant
// that a subscription receives only activities routed to its own
// (resourceId, streamType) (spec §4.6).
func (m *Manager) Deliver(ctx context.Context, recipientID, streamType, format string, entry Entry, numNewActivities int) {
	sub := subscription{resourceID: recipientID, streamType: streamType, format: format}

	m.channelMu.RLock()
	ids, ok := m.channels[sub.channelKey()]
	if !ok {
		m.channelMu.RUnlock()
		return
	}
	connIDs := make([]string, 0, len(ids))
	for id := range ids {
		connIDs = append(connIDs, id)
	}
	m.channelMu.RUnlock()

	m.mu.RLock()
	conns := make([]*connection, 0, len(connIDs))
	for _, id := range connIDs {
		if c, ok := m.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()

	frame := deliveryFrame{
		StreamType:       streamType,
		Format:           format,
		Activities:       []Entry{entry},
		NumNewActivities: numNewActivities,
	}
	for _, c := range conns {
		c.sendJSON(ctx, frame)
	}
}

// ActiveConnections reports the number of currently authenticated sockets.
func (m *Manager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

type deliveryFrame struct {
	StreamType       string  `json:"streamType"`
	Format           string  `json:"format"`
	Activities       []Entry `json:"activities"`
	NumNewActivities int     `json:"numNewActivities"`
}

func ackFrame(id string) map[string]any {
	return map[string]any{"ack": true, "id": id}
}

func errorFrame(id, code string) map[string]any {
	return map[string]any{"error": map[string]string{"code": code}, "id": id}
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func newPacer(eventsPerSecond float64, burst int) *rate.Limiter {
	if eventsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(eventsPerSecond), burst)
}

var activeSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "activity_push_active_connections",
	Help: "Number of currently authenticated push delivery sockets.",
})

func init() {
	prometheus.MustRegister(activeSubscriptions)
}
