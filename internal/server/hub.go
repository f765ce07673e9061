// Package server coordinates session registration, frame dispatch, message
// broadcast, and connection cleanup for the relay via the Hub type.
package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Oyetundee/Ens-Chat-dApp/internal/identity"
	"github.com/Oyetundee/Ens-Chat-dApp/internal/logging"
	"github.com/Oyetundee/Ens-Chat-dApp/internal/protocol"
)

// ErrAuthRequired is logged when a connection acts before authenticating.
var ErrAuthRequired = errors.New("not authenticated")

const (
	authSuccessMessage   = "Authentication successful"
	authRequiredMessage  = "Not authenticated"
	invalidFormatMessage = "Invalid message format"
)

// Session is the authenticated presence of an identity on one connection.
type Session struct {
	Identity       string
	DisplayName    string
	LastActivityAt time.Time
	client         *Client
}

// inboundFrame is a decoded frame (or its decode error) handed from a read pump to the hub.
type inboundFrame struct {
	client *Client
	frame  protocol.Frame
	err    error
}

// Hub owns the session registry and the history buffer. All mutation happens on
// the Run goroutine; read pumps reach it only through channels. The mutex guards
// the maps for the read-only accessors used by health checks.
type Hub struct {
	cfg        Config
	log        *slog.Logger
	history    *History
	clients    map[*Client]struct{}
	sessions   map[string]*Session
	register   chan *Client
	unregister chan *Client
	inbound    chan inboundFrame
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	now        func() time.Time
}

// NewHub creates a hub ready to Run.
func NewHub(cfg Config, log *slog.Logger) *Hub {
	cfg = cfg.sanitize()
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:        cfg,
		log:        logging.OrDefault(log),
		history:    NewHistory(cfg.HistoryCapacity),
		clients:    make(map[*Client]struct{}),
		sessions:   make(map[string]*Session),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inboundFrame, 64),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

// Register hands a new connection to the hub. It returns false once the hub is shutting down.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

func (h *Hub) submit(in inboundFrame) bool {
	select {
	case h.inbound <- in:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Run starts the hub's event loop. It returns after Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case in := <-h.inbound:
			h.dispatch(in)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	if client == nil {
		h.log.Warn("Received nil client registration; skipping")
		return
	}

	h.mutex.Lock()
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mutex.Unlock()
	h.log.Info("Connection registered", "remote", client.remote, "conn_id", client.id, "connections", count)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

func (h *Hub) removeClient(client *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client)
	if s := client.session; s != nil && h.sessions[s.Identity] == s {
		delete(h.sessions, s.Identity)
	}
	count := len(h.clients)
	h.mutex.Unlock()

	client.closed = true
	close(client.send)

	attrs := []any{"remote", client.remote, "conn_id", client.id, "connections", count}
	if client.session != nil {
		attrs = append(attrs, "identity", client.session.Identity)
	}
	h.log.Info("Connection unregistered", attrs...)
}

// dispatch routes one inbound frame. Unknown tags are logged and ignored;
// malformed and invalid frames are answered with an error frame on the same connection.
func (h *Hub) dispatch(in inboundFrame) {
	client := in.client
	h.mutex.RLock()
	_, live := h.clients[client]
	h.mutex.RUnlock()
	if !live {
		return
	}

	if in.err != nil {
		if errors.Is(in.err, protocol.ErrUnknownFrameType) {
			h.log.Warn("Ignoring frame with unknown type", "remote", client.remote, "error", in.err)
			return
		}
		h.log.Warn("Rejected frame", "remote", client.remote, "error", in.err)
		h.sendError(client, invalidFormatMessage)
		return
	}

	switch f := in.frame.(type) {
	case protocol.Auth:
		h.handleAuth(client, f)
	case protocol.SendMessage:
		h.handleSendMessage(client, f)
	case protocol.Typing:
		h.handleTyping(client, f)
	default:
		h.log.Warn("Ignoring unhandled frame", "remote", client.remote, "type", in.frame.FrameType())
	}
}

func (h *Hub) handleAuth(client *Client, f protocol.Auth) {
	id, err := identity.Normalize(f.Address)
	if err != nil {
		h.sendError(client, invalidFormatMessage)
		return
	}

	now := h.now()
	session := &Session{
		Identity:       id,
		DisplayName:    f.EnsName,
		LastActivityAt: now,
		client:         client,
	}

	h.mutex.Lock()
	if prev := client.session; prev != nil && h.sessions[prev.Identity] == prev {
		delete(h.sessions, prev.Identity)
	}
	replaced := h.sessions[id]
	h.sessions[id] = session
	total := len(h.sessions)
	h.mutex.Unlock()
	client.session = session

	if replaced != nil && replaced.client != client {
		h.log.Info("Session replaced by new connection", "identity", id, "remote", client.remote)
	}
	h.log.Info("User authenticated", "identity", id, "name", f.EnsName, "remote", client.remote, "sessions", total)

	h.sendFrame(client, protocol.AuthSuccess{Message: authSuccessMessage})
	for _, msg := range h.history.Recent(h.cfg.CatchUpSize) {
		h.sendFrame(client, msg)
	}
}

func (h *Hub) handleSendMessage(client *Client, f protocol.SendMessage) {
	session := client.session
	if session == nil {
		h.rejectUnauthenticated(client, f)
		return
	}

	now := h.now()
	session.LastActivityAt = now

	if f.From != "" && !identity.Equal(f.From, session.Identity) {
		h.log.Debug("Overriding asserted sender with session identity", "from", f.From, "identity", session.Identity)
	}

	msg := protocol.Message{
		ID:              f.ID,
		From:            session.Identity,
		To:              canonicalDestination(f.To),
		Content:         f.Content,
		Timestamp:       f.Timestamp,
		FromName:        f.FromName,
		ToName:          f.ToName,
		ServerTimestamp: now.Unix(),
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = msg.ServerTimestamp
	}
	if msg.FromName == "" {
		msg.FromName = session.DisplayName
	}

	if h.history.Push(msg) {
		h.log.Debug("History full; evicted oldest message", "capacity", h.history.Capacity())
	}

	payload, err := protocol.Encode(msg)
	if err != nil {
		h.log.Error("Failed to encode message", "error", err)
		return
	}

	targets := h.sessionSnapshot("")
	h.log.Info("Broadcasting message", "id", msg.ID, "from", msg.From, "to", msg.To, "targets", len(targets))
	for _, target := range targets {
		h.enqueue(target.client, payload)
	}
}

func (h *Hub) handleTyping(client *Client, f protocol.Typing) {
	session := client.session
	if session == nil {
		h.rejectUnauthenticated(client, f)
		return
	}
	session.LastActivityAt = h.now()

	notice := protocol.TypingNotice{
		From:     session.Identity,
		FromName: f.FromName,
		Chat:     f.Chat,
	}
	if notice.FromName == "" {
		notice.FromName = session.DisplayName
	}

	payload, err := protocol.Encode(notice)
	if err != nil {
		h.log.Error("Failed to encode typing notice", "error", err)
		return
	}

	for _, target := range h.sessionSnapshot(session.Identity) {
		h.enqueue(target.client, payload)
	}
}

// sessionSnapshot returns the registered sessions, skipping the given identity.
func (h *Hub) sessionSnapshot(skip string) []*Session {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	out := make([]*Session, 0, len(h.sessions))
	for id, s := range h.sessions {
		if id == skip {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (h *Hub) rejectUnauthenticated(client *Client, f protocol.Frame) {
	h.log.Debug("Rejected frame", "remote", client.remote, "type", f.FrameType(), "error", ErrAuthRequired)
	h.sendError(client, authRequiredMessage)
}

func (h *Hub) sendError(client *Client, message string) {
	h.sendFrame(client, protocol.Error{Message: message})
}

func (h *Hub) sendFrame(client *Client, f protocol.Frame) {
	payload, err := protocol.Encode(f)
	if err != nil {
		h.log.Error("Failed to encode frame", "type", f.FrameType(), "error", err)
		return
	}
	h.enqueue(client, payload)
}

// enqueue places payload on the client's bounded outbound queue without blocking.
// When the queue is full the oldest pending frame is dropped.
func (h *Hub) enqueue(client *Client, payload []byte) {
	if client == nil || client.closed {
		return
	}

	select {
	case client.send <- payload:
		return
	default:
	}

	select {
	case <-client.send:
		h.log.Warn("Outbound queue full; dropped oldest frame", "remote", client.remote, "conn_id", client.id)
	default:
	}

	select {
	case client.send <- payload:
	default:
		h.log.Warn("Outbound queue full; dropped frame", "remote", client.remote, "conn_id", client.id)
	}
}

// SessionCount returns the number of authenticated sessions.
func (h *Hub) SessionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.sessions)
}

// ConnectionCount returns the number of open connections, authenticated or not.
func (h *Hub) ConnectionCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// History exposes the hub's message buffer for read access.
func (h *Hub) History() *History {
	return h.history
}

// shutdownClients closes all active client connections.
func (h *Hub) shutdownClients() {
	h.log.Info("Shutting down all client connections...")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		client.closeConnection()
	}

	h.log.Info("Closed client connections", "count", len(clients))
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("Initiating hub shutdown...")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.log.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}

func canonicalDestination(to string) string {
	if to == "" {
		return ""
	}
	return identity.Canonical(to)
}
