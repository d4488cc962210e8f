package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/ije/gox/log"
)

const hmrSocketURL = "/@hmr-ws"

// Update is one module the client should re-import. Path is the changed
// module, AcceptedPath the boundary that accepts it.
type Update struct {
	Type         string `json:"type"`
	Path         string `json:"path"`
	AcceptedPath string `json:"acceptedPath"`
	Timestamp    int64  `json:"timestamp"`
}

// Payload is a message pushed to the hmr clients.
type Payload struct {
	Type    string   `json:"type"`
	Updates []Update `json:"updates,omitempty"`
	Paths   []string `json:"paths,omitempty"`
	Path    string   `json:"path,omitempty"`
}

type wsClient struct {
	conn      *websocket.Conn
	writeLock sync.Mutex
}

func (c *wsClient) send(data []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// hub keeps the connected hmr clients.
type hub struct {
	lock    sync.RWMutex
	clients map[*wsClient]struct{}
	logger  *log.Logger
}

func newHub(logger *log.Logger) *hub {
	return &hub{clients: map[*wsClient]struct{}{}, logger: logger}
}

func (h *hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Upgrade") != "websocket" {
		http.Error(w, "Bad Request", 400)
		return
	}
	var upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has replied with an error already
		return
	}
	defer conn.Close()

	client := &wsClient{conn: conn}
	h.lock.Lock()
	h.clients[client] = struct{}{}
	h.lock.Unlock()
	defer func() {
		h.lock.Lock()
		delete(h.clients, client)
		h.lock.Unlock()
	}()

	if err := client.send([]byte(`{"type":"connected"}`)); err != nil {
		return
	}
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType == websocket.TextMessage && string(data) != "ping" {
			h.logger.Debugf("[hmr] unknown client message: %s", data)
		}
	}
}

// Len returns the number of connected clients.
func (h *hub) Len() int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.clients)
}

// broadcast sends the payload to every client as one frame.
func (h *hub) broadcast(payload *Payload) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Errorf("[hmr] encode payload: %v", err)
		return
	}
	h.lock.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.lock.RUnlock()
	for _, c := range clients {
		if err := c.send(data); err != nil {
			h.logger.Debugf("[hmr] send: %v", err)
			c.conn.Close()
		}
	}
}
