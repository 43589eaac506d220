package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/airplay-multiroom/server/internal/control/hooks"
	"github.com/airplay-multiroom/server/internal/registry"
	"github.com/airplay-multiroom/server/internal/syncengine"
)

func newTestBroker(t *testing.T) (*EventBroker, *hooks.HookManager) {
	t.Helper()
	reg := registry.New(fakeProbe{})
	engine := syncengine.New(reg, func(host string, port int) syncengine.ReceiverClient {
		return fakeReceiverClient{}
	}, syncengine.Config{SyncCheckInterval: time.Hour}, 44100, 16, 2)
	hookMgr := hooks.NewHookManager(hooks.DefaultHookConfig(), nil)
	t.Cleanup(func() { hookMgr.Close() })
	return NewEventBroker(hookMgr, engine), hookMgr
}

func TestEventBrokerRelaysHookEvents(t *testing.T) {
	broker, hookMgr := newTestBroker(t)

	ts := httptest.NewServer(http.HandlerFunc(broker.ServeWS))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)

	hookMgr.TriggerEvent(context.Background(), *hooks.NewEvent(hooks.EventDeviceAdded).
		WithReceiverID("r1").WithData("host", "10.0.0.9"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var evt WireEvent
	require.NoError(t, json.Unmarshal(msg, &evt))
	require.Equal(t, "device_added", evt.Type)
	require.Equal(t, "r1", evt.ReceiverID)
}
