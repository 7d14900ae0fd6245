package hub

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/codestation/protocol"
	"github.com/isdmx/codestation/room"
)

type received struct {
	connID string
	env    protocol.Envelope
}

// recordingHandler joins rooms and relays chat and code like a tiny station
type recordingHandler struct {
	hub *Hub

	mu          sync.Mutex
	messages    []received
	disconnects []string
	rooms       map[string]string
}

func (h *recordingHandler) HandleMessage(_ context.Context, connID string, env protocol.Envelope) {
	h.mu.Lock()
	h.messages = append(h.messages, received{connID: connID, env: env})
	if h.rooms == nil {
		h.rooms = make(map[string]string)
	}
	joined := h.rooms[connID]
	h.mu.Unlock()

	switch env.Type {
	case protocol.JoinRoom:
		var p protocol.JoinRoomPayload
		_ = env.Bind(&p)
		h.mu.Lock()
		h.rooms[connID] = p.Room
		h.mu.Unlock()
		h.hub.Subscribe(connID, p.Room)
		frame, _ := protocol.Encode(protocol.JoinSuccess, room.Snapshot{})
		h.hub.Send(connID, frame)
	case protocol.SendMsg:
		var p protocol.SendMsgPayload
		_ = env.Bind(&p)
		frame, _ := protocol.Encode(protocol.ChatMsg, room.Message{Author: p.User, Text: p.Text})
		h.hub.Publish(joined, "", frame)
	case protocol.TypeCode:
		var p protocol.TypeCodePayload
		_ = env.Bind(&p)
		frame, _ := protocol.Encode(protocol.CodeUpdate, protocol.CodeUpdatePayload{TabID: p.TabID, Code: p.Code})
		h.hub.Publish(joined, connID, frame)
	}
}

func (h *recordingHandler) HandleDisconnect(_ context.Context, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects = append(h.disconnects, connID)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

func (h *recordingHandler) disconnected() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.disconnects...)
}

func startHub(t *testing.T, opts Options) (*Hub, *recordingHandler, *httptest.Server, context.CancelFunc) {
	t.Helper()

	h := New(zaptest.NewLogger(t), opts)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	handler := &recordingHandler{hub: h}
	srv := httptest.NewServer(h.ServeWS(handler))
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		cancel()
		<-h.Done()
	})
	return h, handler, srv, cancel
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeEvent(t *testing.T, conn *websocket.Conn, eventType string, payload any) {
	t.Helper()
	frame, err := protocol.Encode(eventType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(frame)
	require.NoError(t, err)
	return env
}

// expectSilence asserts nothing arrives for a short while. The connection
// cannot be read again afterwards.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, frame, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame %s", frame)
}

func join(t *testing.T, conn *websocket.Conn, user, roomName string) {
	t.Helper()
	writeEvent(t, conn, protocol.JoinRoom, protocol.JoinRoomPayload{User: user, Room: roomName, Type: "public"})
	assert.Equal(t, protocol.JoinSuccess, readEvent(t, conn).Type)
}

func TestHubDirectSend(t *testing.T) {
	h, handler, srv, _ := startHub(t, Options{})
	conn := dial(t, srv)

	join(t, conn, "ada", "lobby")

	require.Equal(t, 1, handler.count())
	handler.mu.Lock()
	assert.NotEmpty(t, handler.messages[0].connID)
	assert.Equal(t, protocol.JoinRoom, handler.messages[0].env.Type)
	handler.mu.Unlock()
	assert.Equal(t, 1, h.Clients())
}

func TestHubRoomFanOut(t *testing.T) {
	_, _, srv, _ := startHub(t, Options{})
	a := dial(t, srv)
	b := dial(t, srv)
	c := dial(t, srv)

	join(t, a, "ada", "r1")
	join(t, b, "bob", "r1")
	join(t, c, "cy", "r2")

	writeEvent(t, a, protocol.SendMsg, protocol.SendMsgPayload{Room: "r1", User: "ada", Text: "hi"})

	for _, conn := range []*websocket.Conn{a, b} {
		env := readEvent(t, conn)
		require.Equal(t, protocol.ChatMsg, env.Type)
		var msg room.Message
		require.NoError(t, env.Bind(&msg))
		assert.Equal(t, room.Message{Author: "ada", Text: "hi"}, msg)
	}
	expectSilence(t, c)
}

func TestHubPublishExceptSender(t *testing.T) {
	_, _, srv, _ := startHub(t, Options{})
	a := dial(t, srv)
	b := dial(t, srv)
	join(t, a, "ada", "r1")
	join(t, b, "bob", "r1")

	writeEvent(t, a, protocol.TypeCode, protocol.TypeCodePayload{Room: "r1", TabID: "tab-1", Code: "x = 1"})

	env := readEvent(t, b)
	require.Equal(t, protocol.CodeUpdate, env.Type)
	var p protocol.CodeUpdatePayload
	require.NoError(t, env.Bind(&p))
	assert.Equal(t, protocol.CodeUpdatePayload{TabID: "tab-1", Code: "x = 1"}, p)

	expectSilence(t, a)
}

func TestHubSkipsBadFrames(t *testing.T) {
	_, handler, srv, _ := startHub(t, Options{})
	conn := dial(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"output-update","data":{}}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"data":{}}`)))
	join(t, conn, "ada", "lobby")

	assert.Equal(t, 1, handler.count())
}

func TestHubDisconnect(t *testing.T) {
	h, handler, srv, _ := startHub(t, Options{})
	conn := dial(t, srv)
	join(t, conn, "ada", "lobby")

	handler.mu.Lock()
	connID := handler.messages[0].connID
	handler.mu.Unlock()

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		d := handler.disconnected()
		return len(d) == 1 && d[0] == connID
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubRateLimit(t *testing.T) {
	_, handler, srv, _ := startHub(t, Options{MessagesPerSecond: 1, MessageBurst: 1, MaxRateViolations: 3})
	conn := dial(t, srv)

	for i := 0; i < 10; i++ {
		writeEvent(t, conn, protocol.StopCode, protocol.StopCodePayload{Room: "r1", TabID: "tab-1"})
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.Equal(t, 1, handler.count())
	require.Eventually(t, func() bool { return len(handler.disconnected()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubDropsSlowClient(t *testing.T) {
	h := New(zaptest.NewLogger(t), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		<-h.Done()
	}()
	go h.Run(ctx)

	slow := &Client{hub: h, id: "slow", send: make(chan []byte, 1)}
	require.True(t, h.enqueue(op{kind: opRegister, client: slow}))
	h.Subscribe("slow", "r1")
	h.Publish("r1", "", []byte("one"))
	h.Publish("r1", "", []byte("two"))

	require.Eventually(t, func() bool { return h.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)

	frame, ok := <-slow.send
	assert.True(t, ok)
	assert.Equal(t, []byte("one"), frame)
	_, ok = <-slow.send
	assert.False(t, ok)

	// later deliveries to a dropped client are ignored
	h.Send("slow", []byte("three"))
	h.Publish("r1", "", []byte("four"))
}

func TestHubSubscribeMovesRooms(t *testing.T) {
	h := New(zaptest.NewLogger(t), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		<-h.Done()
	}()
	go h.Run(ctx)

	c := &Client{hub: h, id: "c1", send: make(chan []byte, 8)}
	h.enqueue(op{kind: opRegister, client: c})
	h.Subscribe("c1", "r1")
	h.Subscribe("c1", "r2")
	h.Publish("r1", "", []byte("to-r1"))
	h.Publish("r2", "", []byte("to-r2"))
	h.Send("c1", []byte("direct"))

	assert.Equal(t, []byte("to-r2"), <-c.send)
	assert.Equal(t, []byte("direct"), <-c.send)
}

func TestHubUnsubscribeStopsRoomDelivery(t *testing.T) {
	h := New(zaptest.NewLogger(t), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		<-h.Done()
	}()
	go h.Run(ctx)

	c := &Client{hub: h, id: "c1", send: make(chan []byte, 8)}
	h.enqueue(op{kind: opRegister, client: c})
	h.Subscribe("c1", "lobby")
	h.Unsubscribe("c1")
	h.Unsubscribe("ghost")
	h.Publish("lobby", "", []byte("to-lobby"))
	h.Send("c1", []byte("direct"))

	assert.Equal(t, []byte("direct"), <-c.send)
	assert.Equal(t, 1, h.Clients())
}

func TestHubShutdownClosesConnections(t *testing.T) {
	h, handler, srv, cancel := startHub(t, Options{})
	conn := dial(t, srv)
	join(t, conn, "ada", "lobby")

	cancel()
	<-h.Done()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.Eventually(t, func() bool { return len(handler.disconnected()) == 1 }, 2*time.Second, 10*time.Millisecond)

	// operations after shutdown return immediately
	h.Publish("lobby", "", []byte("late"))
	assert.Equal(t, 0, h.Clients())
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, 10*time.Second, o.WriteWait)
	assert.Equal(t, 60*time.Second, o.PongWait)
	assert.Equal(t, 54*time.Second, o.PingPeriod)
	assert.Equal(t, int64(1024*1024), o.MaxMessageBytes)
	assert.Equal(t, 512, o.SendBuffer)
	assert.InDelta(t, 100, o.MessagesPerSecond, 0)
	assert.Equal(t, 200, o.MessageBurst)
	assert.Equal(t, 1000, o.MaxRateViolations)

	o = Options{PongWait: time.Second, PingPeriod: 2 * time.Second}.withDefaults()
	assert.Equal(t, 900*time.Millisecond, o.PingPeriod)
}
