package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ibbo/rowan/internal/logging"
)

// Client is an authenticated WebSocket connection. Writes are serialised;
// turns started by the client are tracked so chat.cancel and disconnects
// can stop them.
type Client struct {
	ConnID      string
	Info        ClientInfo
	Socket      *websocket.Conn
	AuthResult  AuthResult
	ConnectedAt time.Time

	mu     sync.Mutex
	closed bool
	log    *logging.Logger

	turnsMu sync.Mutex
	turns   map[string]context.CancelFunc // request id -> cancel
}

// NewClient wraps a connection that has passed the handshake.
func NewClient(conn *websocket.Conn, info ClientInfo, authResult AuthResult, log *logging.Logger) *Client {
	return &Client{
		ConnID:      uuid.NewString(),
		Info:        info,
		Socket:      conn,
		AuthResult:  authResult,
		ConnectedAt: time.Now(),
		log:         log,
		turns:       make(map[string]context.CancelFunc),
	}
}

// Send writes a frame. It is safe for concurrent use.
func (c *Client) Send(frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	return c.Socket.WriteJSON(frame)
}

// SendEvent writes a named event frame.
func (c *Client) SendEvent(event string, payload any, seq int64) error {
	f, err := NewEvent(event, payload, seq)
	if err != nil {
		return err
	}
	return c.Send(f)
}

// Respond writes a success response for reqID.
func (c *Client) Respond(reqID string, payload any) error {
	f, err := NewResponse(reqID, payload)
	if err != nil {
		return err
	}
	return c.Send(f)
}

// RespondError writes a failed response for reqID.
func (c *Client) RespondError(reqID string, e ErrorShape) error {
	return c.Send(NewErrorResponse(reqID, e))
}

// ReadFrame reads and decodes the next frame.
func (c *Client) ReadFrame() (Frame, error) {
	_, msg, err := c.Socket.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// trackTurn registers a running turn. It reports false if reqID is
// already in use on this connection.
func (c *Client) trackTurn(reqID string, cancel context.CancelFunc) bool {
	c.turnsMu.Lock()
	defer c.turnsMu.Unlock()
	if _, dup := c.turns[reqID]; dup {
		return false
	}
	c.turns[reqID] = cancel
	return true
}

func (c *Client) untrackTurn(reqID string) {
	c.turnsMu.Lock()
	defer c.turnsMu.Unlock()
	delete(c.turns, reqID)
}

// cancelTurn cancels a running turn and reports whether one was found.
func (c *Client) cancelTurn(reqID string) bool {
	c.turnsMu.Lock()
	cancel, ok := c.turns[reqID]
	c.turnsMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// cancelTurns cancels every running turn.
func (c *Client) cancelTurns() {
	c.turnsMu.Lock()
	defer c.turnsMu.Unlock()
	for _, cancel := range c.turns {
		cancel()
	}
}

// Close cancels the client's turns and closes the socket.
func (c *Client) Close() error {
	c.cancelTurns()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.Socket.Close()
}

// ClientRegistry tracks connected clients.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	log     *logging.Logger
}

func NewClientRegistry(log *logging.Logger) *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]*Client), log: log}
}

func (r *ClientRegistry) Add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ConnID] = c
	r.log.Info().Str("connId", c.ConnID).Str("client", c.Info.ID).Msg("client connected")
}

func (r *ClientRegistry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, connID)
	r.log.Info().Str("connId", connID).Msg("client disconnected")
}

func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// CloseAll closes and forgets every client.
func (r *ClientRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.clients {
		c.Close()
		delete(r.clients, id)
	}
}
