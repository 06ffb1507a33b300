// Package websocket streams settlement events to subscribed clients.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"

	"github.com/dexlynlabs/perpcore/pkg/perp"
)

// Server fans the settlement event stream out over WebSocket. It implements
// perp.EventSink: emitted events are broadcast to every client subscribed to
// the event's kind (or to the "all" channel).
type Server struct {
	logger log.Logger
	config Config

	clients    map[*Client]bool
	clientsMu  sync.RWMutex
	register   chan *Client
	unregister chan *Client
	broadcast  chan Message

	messagesOut uint64
	clientCount int32
	sequence    uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Client is one WebSocket connection with its subscribed channels.
type Client struct {
	id       string
	conn     *websocket.Conn
	server   *Server
	send     chan []byte
	channels map[string]bool
	mu       sync.RWMutex
}

// Message is the wire envelope for outbound frames.
type Message struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Sequence  uint64      `json:"sequence,omitempty"`
}

// SubscribeRequest is the inbound subscribe/unsubscribe frame. Channel names
// are event kinds ("order_placed", "position_changed", ...) or "all".
type SubscribeRequest struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// ChannelAll receives every event kind.
const ChannelAll = "all"

// Config holds server tuning.
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingPeriod      time.Duration
	SendBuffer      int
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxMessageSize:  64 * 1024,
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingPeriod:      54 * time.Second, // must be less than PongTimeout
		SendBuffer:      256,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewServer creates the event feed server.
func NewServer(logger log.Logger, config Config) *Server {
	if logger == nil {
		logger = log.Root().New("module", "websocket")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		logger:     logger,
		config:     config,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client, 100),
		unregister: make(chan *Client, 100),
		broadcast:  make(chan Message, 1000),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the hub goroutine.
func (s *Server) Start() {
	s.wg.Add(1)
	go s.runHub()
}

// Stop closes every client and waits for the hub to drain.
func (s *Server) Stop() {
	s.cancel()
	s.clientsMu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.clientsMu.Unlock()
	s.wg.Wait()
}

// Emit implements perp.EventSink. A full broadcast buffer drops the frame;
// slow consumers must not stall settlement.
func (s *Server) Emit(ev perp.Event) {
	msg := Message{
		Type:      "event",
		Channel:   ev.Kind(),
		Data:      ev,
		Timestamp: time.Now().UnixMilli(),
		Sequence:  atomic.AddUint64(&s.sequence, 1),
	}
	select {
	case s.broadcast <- msg:
	default:
		s.logger.Warn("websocket: broadcast buffer full, dropping event", "kind", ev.Kind())
	}
}

// ServeHTTP upgrades the connection and starts the client pumps.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket: upgrade failed", "err", err)
		return
	}
	client := &Client{
		id:       fmt.Sprintf("%s-%d", r.RemoteAddr, time.Now().UnixNano()),
		conn:     conn,
		server:   s,
		send:     make(chan []byte, s.config.SendBuffer),
		channels: make(map[string]bool),
	}
	s.register <- client

	go client.writePump()
	go client.readPump()
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	return int(atomic.LoadInt32(&s.clientCount))
}

func (s *Server) runHub() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return

		case client := <-s.register:
			s.clientsMu.Lock()
			s.clients[client] = true
			s.clientsMu.Unlock()
			atomic.AddInt32(&s.clientCount, 1)
			s.logger.Debug("websocket: client connected", "id", client.id)

		case client := <-s.unregister:
			s.clientsMu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				close(client.send)
				atomic.AddInt32(&s.clientCount, -1)
			}
			s.clientsMu.Unlock()
			s.logger.Debug("websocket: client disconnected", "id", client.id)

		case msg := <-s.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("websocket: marshal frame", "err", err)
				continue
			}
			s.clientsMu.RLock()
			for client := range s.clients {
				if !client.subscribed(msg.Channel) {
					continue
				}
				select {
				case client.send <- data:
					atomic.AddUint64(&s.messagesOut, 1)
				default:
					// Slow client: drop the frame, not the connection.
				}
			}
			s.clientsMu.RUnlock()
		}
	}
}

func (c *Client) subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channels[ChannelAll] || c.channels[channel]
}

func (c *Client) readPump() {
	defer func() {
		c.server.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.server.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.server.config.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.server.config.PongTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req SubscribeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		switch req.Type {
		case "subscribe":
			c.mu.Lock()
			for _, ch := range req.Channels {
				c.channels[ch] = true
			}
			c.mu.Unlock()
		case "unsubscribe":
			c.mu.Lock()
			for _, ch := range req.Channels {
				delete(c.channels, ch)
			}
			c.mu.Unlock()
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.server.config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
