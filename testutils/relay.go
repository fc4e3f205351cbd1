package testutils

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Relay is an in-process stand-in for the relay server. A client joins by sending JOIN; after that
// every JOINED roster is broadcast to all clients in the session, and any other message is
// forwarded to its `to` client, or to every other client when `to` is empty.
type Relay struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader
	mu       *sync.Mutex
	clients  map[string]*relayClient
	order    []string
}

type relayClient struct {
	id    string
	typ   string
	conn  *websocket.Conn
	write *sync.Mutex
}

func NewRelay(t *testing.T) *Relay {
	r := &Relay{
		t:       t,
		mu:      &sync.Mutex{},
		clients: make(map[string]*relayClient),
	}
	router := mux.NewRouter()
	router.HandleFunc("/ws", r.serveWS)
	r.srv = httptest.NewServer(router)
	t.Cleanup(r.Close)
	return r
}

// URL is the websocket URL to dial.
func (r *Relay) URL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/ws"
}

func (r *Relay) Close() {
	r.mu.Lock()
	for _, c := range r.clients {
		c.conn.Close()
	}
	r.clients = make(map[string]*relayClient)
	r.order = nil
	r.mu.Unlock()
	r.srv.Close()
}

// Kick closes the connection of clientID with the given close code.
func (r *Relay) Kick(clientID string, code int) {
	r.mu.Lock()
	c := r.clients[clientID]
	r.mu.Unlock()
	if c == nil {
		r.t.Fatalf("Relay.Kick: unknown client %s", clientID)
	}
	c.write.Lock()
	defer c.write.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, "kicked"), time.Now().Add(time.Second))
	c.conn.Close()
}

func (r *Relay) serveWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.t.Logf("Relay: upgrade failed: %s", err)
		return
	}
	var self *relayClient
	defer func() {
		conn.Close()
		if self != nil {
			r.leave(self)
		}
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg := gjson.ParseBytes(data)
		if self == nil {
			if msg.Get("type").Str != "JOIN" {
				continue
			}
			self = &relayClient{
				id:    msg.Get("clientId").Str,
				typ:   msg.Get("clientType").Str,
				conn:  conn,
				write: &sync.Mutex{},
			}
			r.join(self, msg.Get("sessionCode").Str)
			continue
		}
		if !msg.Get("from").Exists() {
			data, _ = sjson.SetBytes(data, "from", self.id)
		}
		r.forward(self, msg.Get("to").Str, data)
	}
}

func (r *Relay) join(c *relayClient, sessionCode string) {
	r.mu.Lock()
	if _, exists := r.clients[c.id]; !exists {
		r.order = append(r.order, c.id)
	}
	r.clients[c.id] = c
	r.mu.Unlock()
	r.broadcastRoster(sessionCode)
}

func (r *Relay) leave(c *relayClient) {
	r.mu.Lock()
	if r.clients[c.id] != c {
		r.mu.Unlock()
		return
	}
	delete(r.clients, c.id)
	for i, id := range r.order {
		if id == c.id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	others := r.snapshot()
	r.mu.Unlock()
	lost := []byte(`{"type":"CLIENT_LOST"}`)
	lost, _ = sjson.SetBytes(lost, "clientId", c.id)
	lost, _ = sjson.SetBytes(lost, "clientType", c.typ)
	for _, o := range others {
		o.send(lost)
	}
}

func (r *Relay) broadcastRoster(sessionCode string) {
	r.mu.Lock()
	clients := r.snapshot()
	r.mu.Unlock()
	roster := []byte(`{"type":"JOINED","connectedClients":[]}`)
	roster, _ = sjson.SetBytes(roster, "sessionCode", sessionCode)
	for _, c := range clients {
		roster, _ = sjson.SetBytes(roster, "connectedClients.-1", map[string]string{
			"clientId":   c.id,
			"clientType": c.typ,
		})
	}
	for _, c := range clients {
		c.send(roster)
	}
}

func (r *Relay) forward(from *relayClient, to string, data []byte) {
	r.mu.Lock()
	clients := r.snapshot()
	r.mu.Unlock()
	for _, c := range clients {
		if c == from || (to != "" && c.id != to) {
			continue
		}
		c.send(data)
	}
}

// must hold mu
func (r *Relay) snapshot() []*relayClient {
	out := make([]*relayClient, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.clients[id])
	}
	return out
}

func (c *relayClient) send(data []byte) {
	c.write.Lock()
	defer c.write.Unlock()
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}

// Companion is a scripted companion device for tests, talking to a Relay over a real websocket.
type Companion struct {
	t    *testing.T
	ID   string
	conn *websocket.Conn
}

// NewCompanion dials the relay and joins sessionCode as a companion.
func NewCompanion(t *testing.T, relayURL, id, sessionCode string) *Companion {
	conn, _, err := websocket.DefaultDialer.Dial(relayURL, nil)
	if err != nil {
		t.Fatalf("Companion %s: dial: %s", id, err)
	}
	t.Cleanup(func() { conn.Close() })
	c := &Companion{t: t, ID: id, conn: conn}
	c.Send(map[string]any{
		"type":        "JOIN",
		"sessionCode": sessionCode,
		"clientType":  "companion",
		"clientId":    id,
	})
	return c
}

// Send a message, filling in `from`.
func (c *Companion) Send(msg map[string]any) {
	if _, ok := msg["from"]; !ok && msg["type"] != "JOIN" {
		msg["from"] = c.ID
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		c.t.Fatalf("Companion %s: write: %s", c.ID, err)
	}
}

// WaitFor reads messages until one of type typ arrives, skipping others, and returns it.
func (c *Companion) WaitFor(typ string) gjson.Result {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	_ = c.conn.SetReadDeadline(deadline)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.t.Fatalf("Companion %s: waiting for %s: %s", c.ID, typ, err)
		}
		msg := gjson.ParseBytes(data)
		if msg.Get("type").Str == typ {
			return msg
		}
	}
}
