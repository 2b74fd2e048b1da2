package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// wsUpgrader is the default outer-transport binding (spec §9 DOMAIN STACK:
// gorilla/websocket), configured permissively the way small internal tools
// in the corpus typically do since the client is same-origin tooling, not a
// public browser surface.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsClient adapts one websocket connection to the Router's ClientConn
// contract, serializing writes through a single goroutine the way a bounded
// per-client channel keeps a slow client from blocking the session that's
// publishing to it (spec §5 "bounded buffering and drop-newest").
type wsClient struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	outbox chan Event
	done   chan struct{}
}

const wsOutboxSize = 256

func newWSClient(conn *websocket.Conn) *wsClient {
	c := &wsClient{
		id:     uuid.NewString(),
		conn:   conn,
		outbox: make(chan Event, wsOutboxSize),
		done:   make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *wsClient) ID() string { return c.id }

// Send enqueues ev for delivery, dropping it if the client's outbox is full
// rather than blocking the caller.
func (c *wsClient) Send(ev Event) {
	select {
	case c.outbox <- ev:
	default:
		log.Printf("server: client %s outbox full, dropping %s event", c.id, ev.Type)
	}
}

func (c *wsClient) writePump() {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.outbox:
			if err := c.conn.WriteJSON(ev); err != nil {
				log.Printf("server: client %s write: %v", c.id, err)
				c.close()
				return
			}
		}
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
	default:
		close(c.done)
		c.conn.Close()
	}
}

// ServeWS upgrades r to a websocket and pumps frames through router until
// the connection closes.
func ServeWS(router *Router, w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: upgrade: %v", err)
		return
	}

	client := newWSClient(conn)
	router.AddClient(client)
	defer func() {
		router.RemoveClient(client.ID())
		client.close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			client.Send(Event{Type: "error", Code: "MALFORMED_REQUEST", Message: err.Error()})
			continue
		}
		router.Handle(client, req)
	}
}
