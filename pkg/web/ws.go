package web

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluxorio/flowstate/pkg/bus"
	"github.com/fluxorio/flowstate/pkg/core"
	"github.com/fluxorio/flowstate/pkg/engine"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsSendBufferSize = 64
)

// EventFeed pushes engine events to WebSocket clients. It runs on its
// own net/http listener because fasthttp does not speak the WebSocket
// upgrade gorilla expects.
type EventFeed struct {
	logger   core.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*feedClient]bool
	subs    []func()
	closed  bool

	server *http.Server
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewEventFeed creates a feed with no attached runtimes.
func NewEventFeed(logger core.Logger) *EventFeed {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	return &EventFeed{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*feedClient]bool),
	}
}

// Watch mirrors every engine event of the runtime to connected clients.
func (f *EventFeed) Watch(rt *engine.Runtime) {
	sub := rt.Bus().SubscribeAll(func(ev bus.EngineEvent) {
		f.broadcast(ev)
	})

	f.mu.Lock()
	f.subs = append(f.subs, sub.Close)
	f.mu.Unlock()
}

// Serve listens on addr and upgrades connections on path. It blocks
// until Shutdown.
func (f *EventFeed) Serve(addr, path string) error {
	mux := http.NewServeMux()
	mux.HandleFunc(path, f.handleUpgrade)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return fmt.Errorf("event feed is closed")
	}
	f.server = &http.Server{Addr: addr, Handler: mux}
	server := f.server
	f.mu.Unlock()

	f.logger.Infof("websocket event feed on %s%s", addr, path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("event feed: %w", err)
	}
	return nil
}

// Handler returns the upgrade handler for mounting on an existing
// net/http mux.
func (f *EventFeed) Handler() http.HandlerFunc {
	return f.handleUpgrade
}

func (f *EventFeed) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warnf("websocket upgrade: %v", err)
		return
	}

	client := &feedClient{
		conn: conn,
		send: make(chan []byte, wsSendBufferSize),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		conn.Close()
		return
	}
	f.clients[client] = true
	f.mu.Unlock()

	go f.writePump(client)
	go f.readPump(client)
}

// broadcast queues an event for every client; a client whose buffer is
// full is dropped rather than allowed to stall the bus.
func (f *EventFeed) broadcast(ev bus.EngineEvent) {
	data, err := core.JSONEncode(ev)
	if err != nil {
		f.logger.Errorf("encode engine event: %v", err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for client := range f.clients {
		select {
		case client.send <- data:
		default:
			f.dropLocked(client)
		}
	}
}

func (f *EventFeed) readPump(client *feedClient) {
	defer f.drop(client)

	client.conn.SetReadLimit(512)
	client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	// The feed is one-way; reads only service control frames.
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *EventFeed) writePump(client *feedClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case data, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *EventFeed) drop(client *feedClient) {
	f.mu.Lock()
	f.dropLocked(client)
	f.mu.Unlock()
}

func (f *EventFeed) dropLocked(client *feedClient) {
	if _, ok := f.clients[client]; !ok {
		return
	}
	delete(f.clients, client)
	close(client.send)
}

// Shutdown stops the listener, detaches from runtimes and closes every
// client.
func (f *EventFeed) Shutdown() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	subs := f.subs
	f.subs = nil
	clients := make([]*feedClient, 0, len(f.clients))
	for client := range f.clients {
		clients = append(clients, client)
	}
	f.clients = make(map[*feedClient]bool)
	server := f.server
	f.mu.Unlock()

	for _, unsubscribe := range subs {
		unsubscribe()
	}
	for _, client := range clients {
		close(client.send)
	}
	if server != nil {
		server.Close()
	}
}
