package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roboricindustries/raycon-docks/pkg/auth"
	"github.com/roboricindustries/raycon-docks/pkg/dock"
	docks "github.com/roboricindustries/raycon-docks/pkg/schemas/docks/v1"
)

// tokenIsUser treats any non-empty token as the user id.
var tokenIsUser = auth.AuthenticatorFunc(func(r *http.Request) (dock.Actor, error) {
	tok := auth.TokenFromRequest(r)
	if tok == "" {
		return dock.Actor{}, auth.ErrUnauthenticated
	}
	return dock.Actor{UserID: tok}, nil
})

type wsFixture struct {
	reg  *Registry
	disp *Dispatcher
	hub  *Hub
	srv  *httptest.Server
	url  string
}

func newWSFixture(t *testing.T, cfg SessionConfig) *wsFixture {
	t.Helper()
	reg := NewRegistry(nil)
	f := &wsFixture{
		reg:  reg,
		disp: NewDispatcher(reg, nil, nil),
		hub:  NewHub(reg, tokenIsUser, cfg, nil),
	}
	f.srv = httptest.NewServer(f.hub)
	f.url = "ws" + strings.TrimPrefix(f.srv.URL, "http")
	t.Cleanup(func() {
		f.hub.CloseAll()
		f.srv.Close()
	})
	return f
}

func (f *wsFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(f.url+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readNotification(t *testing.T, ws *websocket.Conn) docks.Notification {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	n, err := docks.Decode(data)
	require.NoError(t, err)
	return n
}

func sendCommand(t *testing.T, ws *websocket.Conn, c docks.Command) {
	t.Helper()
	b, err := docks.EncodeCommand(c)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, b))
}

func TestHub_ConnectAckAndFilteredBroadcast(t *testing.T) {
	f := newWSFixture(t, SessionConfig{})
	ws := f.dial(t, "?token=alice")

	ack, ok := readNotification(t, ws).(docks.ConnectionAck)
	require.True(t, ok)
	assert.Equal(t, "alice", ack.UserID)
	assert.NotEmpty(t, ack.ConnectionID)
	_, registered := f.reg.Get(ack.ConnectionID)
	assert.True(t, registered)

	sendCommand(t, ws, docks.Subscribe{Filters: docks.Filters{Direction: dock.Inbound}})
	sub, ok := readNotification(t, ws).(docks.SubscribeAck)
	require.True(t, ok)
	assert.Equal(t, dock.Inbound, sub.Filters.Direction)

	f.disp.Publish(changeEvent(dock.KindUpdated, dock.Outbound, 2))
	f.disp.Publish(changeEvent(dock.KindUpdated, dock.Inbound, 3))

	upd, ok := readNotification(t, ws).(docks.AssignmentUpdated)
	require.True(t, ok)
	assert.Equal(t, int64(3), upd.Assignment.Version, "outbound change must be filtered out")
}

func TestHub_InitialDirectionFromQuery(t *testing.T) {
	f := newWSFixture(t, SessionConfig{})
	ws := f.dial(t, "?token=bob&direction=outbound")
	ack := readNotification(t, ws).(docks.ConnectionAck)

	e, ok := f.reg.Get(ack.ConnectionID)
	require.True(t, ok)
	assert.Equal(t, dock.Outbound, e.Filter.Direction)
}

func TestHub_RejectsUnauthenticated(t *testing.T) {
	f := newWSFixture(t, SessionConfig{})
	_, resp, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, f.reg.Len())
}

func TestHub_EchoesBearerSubprotocol(t *testing.T) {
	f := newWSFixture(t, SessionConfig{})
	dialer := websocket.Dialer{Subprotocols: []string{"Bearer.carol"}, HandshakeTimeout: 5 * time.Second}
	ws, _, err := dialer.Dial(f.url, nil)
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()

	assert.Equal(t, "Bearer.carol", ws.Subprotocol())
	ack := readNotification(t, ws).(docks.ConnectionAck)
	assert.Equal(t, "carol", ack.UserID)
}

func TestHub_Commands(t *testing.T) {
	f := newWSFixture(t, SessionConfig{})
	ws := f.dial(t, "?token=dave")
	ack := readNotification(t, ws).(docks.ConnectionAck)

	sendCommand(t, ws, docks.Ping{})
	_, ok := readNotification(t, ws).(docks.Pong)
	assert.True(t, ok)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"teleport"}`)))
	e, ok := readNotification(t, ws).(docks.Error)
	require.True(t, ok)
	assert.Equal(t, docks.CodeUnknownCommand, e.Code)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe","filters":{"direction":"up"}}`)))
	e, ok = readNotification(t, ws).(docks.Error)
	require.True(t, ok)
	assert.Equal(t, docks.CodeInvalidFilter, e.Code)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	e, ok = readNotification(t, ws).(docks.Error)
	require.True(t, ok)
	assert.Equal(t, docks.CodeInvalidMessage, e.Code)

	sendCommand(t, ws, docks.Unsubscribe{})
	_, ok = readNotification(t, ws).(docks.UnsubscribeAck)
	require.True(t, ok)
	entry, registered := f.reg.Get(ack.ConnectionID)
	require.True(t, registered, "unsubscribe keeps the connection registered")
	assert.False(t, entry.Subscribed)
}

func TestHub_RateLimitsCommands(t *testing.T) {
	f := newWSFixture(t, SessionConfig{CommandRate: 0.001, CommandBurst: 1})
	ws := f.dial(t, "?token=erin")
	readNotification(t, ws)

	sendCommand(t, ws, docks.Ping{})
	_, ok := readNotification(t, ws).(docks.Pong)
	require.True(t, ok)

	sendCommand(t, ws, docks.Ping{})
	e, ok := readNotification(t, ws).(docks.Error)
	require.True(t, ok)
	assert.Equal(t, docks.CodeRateLimited, e.Code)
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	f := newWSFixture(t, SessionConfig{})
	ws := f.dial(t, "?token=frank")
	ack := readNotification(t, ws).(docks.ConnectionAck)
	require.Equal(t, 1, f.reg.Len())

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool {
		_, ok := f.reg.Get(ack.ConnectionID)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSession_SendNeverBlocks(t *testing.T) {
	s := newSession("s1", dock.Actor{UserID: "u"}, nil, SessionConfig{QueueSize: 1}.withDefaults())
	require.NoError(t, s.Send([]byte("a")))
	assert.ErrorIs(t, s.Send([]byte("b")), ErrQueueFull)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Send([]byte("c")), ErrClosed)
}
