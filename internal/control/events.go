package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/airplay-multiroom/server/internal/control/hooks"
	"github.com/airplay-multiroom/server/internal/logger"
	"github.com/airplay-multiroom/server/internal/syncengine"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WireEvent is the JSON shape pushed to every subscribe_events() client.
type WireEvent struct {
	Type       string                 `json:"type"`
	Timestamp  int64                  `json:"timestamp"`
	ReceiverID string                 `json:"receiver_id,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// EventBroker fans out control-surface events to every connected
// subscribe_events() websocket client. It doubles as a hooks.Hook so the
// hook manager's existing per-event-type registration delivers
// device_added/device_removed/device_updated/status_changed traffic to
// it the same way it delivers to shell/webhook/stdio hooks; engine-only
// events (playback_state_changed) are relayed separately from the sync
// engine's channel.
type EventBroker struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	log     *slog.Logger
}

const brokerHookID = "event_broker"

// NewEventBroker creates a broker, registers it with the hook manager for
// every device/status event type, and starts relaying the sync engine's
// event channel.
func NewEventBroker(hookMgr *hooks.HookManager, engine *syncengine.Engine) *EventBroker {
	b := &EventBroker{
		clients: make(map[*wsClient]struct{}),
		log:     logger.Logger().With("component", "event_broker"),
	}
	for _, t := range []hooks.EventType{
		hooks.EventDeviceAdded,
		hooks.EventDeviceRemoved,
		hooks.EventDeviceUpdated,
		hooks.EventStatusChanged,
	} {
		_ = hookMgr.RegisterHook(t, b)
	}
	go b.relayEngineEvents(engine)
	return b
}

// Execute implements hooks.Hook: every triggered event is broadcast
// verbatim to connected clients.
func (b *EventBroker) Execute(ctx context.Context, event hooks.Event) error {
	b.broadcast(WireEvent{
		Type:       string(event.Type),
		Timestamp:  event.Timestamp,
		ReceiverID: event.ReceiverID,
		Data:       event.Data,
	})
	return nil
}

// Type implements hooks.Hook.
func (b *EventBroker) Type() string { return "websocket" }

// ID implements hooks.Hook.
func (b *EventBroker) ID() string { return brokerHookID }

func (b *EventBroker) relayEngineEvents(engine *syncengine.Engine) {
	for evt := range engine.Subscribe() {
		data := map[string]interface{}{}
		if evt.Payload != nil {
			data["payload"] = evt.Payload
		}
		b.broadcast(WireEvent{Type: evt.Type, Data: data})
	}
}

func (b *EventBroker) broadcast(e WireEvent) {
	payload, err := json.Marshal(e)
	if err != nil {
		b.log.Error("marshal event", "error", err)
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.clients {
		select {
		case c.send <- payload:
		default:
			b.log.Warn("client send buffer full, dropping event")
		}
	}
}

// ServeWS upgrades the request to a websocket and registers the
// connection as a subscribe_events() client until it disconnects.
func (b *EventBroker) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Error("websocket upgrade failed", "error", err)
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, 64)}

	b.mu.Lock()
	b.clients[client] = struct{}{}
	b.mu.Unlock()

	go b.writePump(client)
	b.readPump(client)
}

func (b *EventBroker) readPump(c *wsClient) {
	defer b.unregister(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *EventBroker) writePump(c *wsClient) {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (b *EventBroker) unregister(c *wsClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
}
