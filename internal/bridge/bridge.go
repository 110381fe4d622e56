// Package bridge fans bus events out to local UI clients over WebSocket.
// It is a one-way surface: clients observe settled state broadcasts and
// log lines, they never issue commands through it.
package bridge

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/berth-ai/berth/internal/eventbus"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second

	// Per-client send buffer. A client that cannot drain this many frames
	// is skipped rather than allowed to stall the fan-out.
	clientSendBuffer = 256
)

// Message is the JSON frame delivered to UI clients. Type carries the bus
// topic the payload arrived on.
type Message struct {
	Type      string    `json:"type"`
	Source    string    `json:"source,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SnapshotFunc supplies the application-state snapshot pushed to each
// client right after it connects, so observers never start from a blank
// view between coordinator broadcasts.
type SnapshotFunc func(ctx context.Context) (eventbus.AppStateEvent, error)

// Server owns the WebSocket fan-out: one hub goroutine, one forwarder per
// bus topic, and a read/write goroutine pair per client.
type Server struct {
	bus      *eventbus.Bus
	snapshot SnapshotFunc
	upgrader websocket.Upgrader

	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte

	subs []*eventbus.Subscription

	mu        sync.RWMutex
	done      chan struct{}
	closeOnce sync.Once
}

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

// NewServer subscribes to every bus topic immediately, so events published
// before Run starts draining are buffered rather than lost.
func NewServer(bus *eventbus.Bus, snapshot SnapshotFunc) *Server {
	s := &Server{
		bus:        bus,
		snapshot:   snapshot,
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return isBuiltinOrigin(origin)
			},
		},
	}

	topics := []eventbus.Topic{
		eventbus.TopicRuntimeStatus,
		eventbus.TopicRuntimeLog,
		eventbus.TopicTunnelStatus,
		eventbus.TopicAuthStatus,
		eventbus.TopicAppState,
	}
	for _, topic := range topics {
		s.subs = append(s.subs, bus.Subscribe(topic,
			eventbus.WithSubscriptionBuffer(64),
			eventbus.WithSubscriptionName("bridge."+string(topic))))
	}
	return s
}

// Run drains the bus subscriptions and dispatches frames to clients until
// Close is called.
func (s *Server) Run() {
	for _, sub := range s.subs {
		go s.forward(sub)
	}

	for {
		select {
		case c := <-s.register:
			s.mu.Lock()
			s.clients[c] = true
			s.mu.Unlock()
			s.sendSnapshot(c)

		case c := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[c]; ok {
				delete(s.clients, c)
				close(c.send)
			}
			s.mu.Unlock()

		case frame := <-s.broadcast:
			s.mu.RLock()
			for c := range s.clients {
				select {
				case c.send <- frame:
				default:
					// Client's send channel is full, skip
				}
			}
			s.mu.RUnlock()

		case <-s.done:
			s.mu.Lock()
			for c := range s.clients {
				delete(s.clients, c)
				close(c.send)
			}
			s.mu.Unlock()
			return
		}
	}
}

// Close shuts the fan-out down. Bus subscriptions are closed first so the
// forwarders stop producing, then the hub disconnects every client.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		for _, sub := range s.subs {
			sub.Close()
		}
		close(s.done)
	})
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// HandleWebSocket upgrades an HTTP request and registers the client.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Bridge] WebSocket upgrade error: %v", err)
		return
	}

	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, clientSendBuffer),
		server: s,
	}

	select {
	case s.register <- c:
	case <-s.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// forward turns bus envelopes into JSON frames on the broadcast channel.
func (s *Server) forward(sub *eventbus.Subscription) {
	for env := range sub.C() {
		frame, err := json.Marshal(Message{
			Type:      string(env.Topic),
			Source:    string(env.Source),
			Data:      env.Payload,
			Timestamp: env.Timestamp,
		})
		if err != nil {
			log.Printf("[Bridge] Failed to encode %s event: %v", env.Topic, err)
			continue
		}
		select {
		case s.broadcast <- frame:
		case <-s.done:
			return
		}
	}
}

func (s *Server) sendSnapshot(c *client) {
	if s.snapshot == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, err := s.snapshot(ctx)
	if err != nil {
		log.Printf("[Bridge] Failed to snapshot state for new client: %v", err)
		return
	}
	frame, err := json.Marshal(Message{
		Type:      string(eventbus.TopicAppState),
		Source:    string(eventbus.SourceCoordinator),
		Data:      state,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		log.Printf("[Bridge] Failed to encode snapshot: %v", err)
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

// readPump consumes (and discards) client frames so close handshakes and
// pongs are processed, and tears the client down when the peer goes away.
func (c *client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[Bridge] Client %s read error: %v", c.id, err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
