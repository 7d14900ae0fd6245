package hub

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/isdmx/codestation/config"
	"github.com/isdmx/codestation/protocol"
)

const (
	defaultWriteWait         = 10 * time.Second
	defaultPongWait          = 60 * time.Second
	defaultMaxMessageBytes   = 1024 * 1024
	defaultSendBuffer        = 512
	defaultMessagesPerSecond = 100
	defaultMessageBurst      = 200
	defaultMaxRateViolations = 1000
	opsBuffer                = 1024
)

// Handler consumes the events read from connections. Calls for a single
// connection are made sequentially from its read pump.
type Handler interface {
	HandleMessage(ctx context.Context, connID string, env protocol.Envelope)
	HandleDisconnect(ctx context.Context, connID string)
}

// Options holds connection limits and timings
type Options struct {
	WriteWait         time.Duration
	PongWait          time.Duration
	PingPeriod        time.Duration
	MaxMessageBytes   int64
	SendBuffer        int
	MessagesPerSecond float64
	MessageBurst      int
	MaxRateViolations int
}

// OptionsFromConfig maps the transport section onto Options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxMessageBytes:   cfg.Transport.MaxMessageBytes,
		SendBuffer:        cfg.Transport.SendBuffer,
		MessagesPerSecond: cfg.Transport.MessagesPerSecond,
		MessageBurst:      cfg.Transport.MessageBurst,
	}
}

func (o Options) withDefaults() Options {
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = defaultMaxMessageBytes
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultSendBuffer
	}
	if o.MessagesPerSecond <= 0 {
		o.MessagesPerSecond = defaultMessagesPerSecond
	}
	if o.MessageBurst <= 0 {
		o.MessageBurst = defaultMessageBurst
	}
	if o.MaxRateViolations <= 0 {
		o.MaxRateViolations = defaultMaxRateViolations
	}
	return o
}

type opKind int

const (
	opRegister opKind = iota
	opUnregister
	opSubscribe
	opUnsubscribe
	opPublish
	opSend
)

// op is one request to the Run loop. A single channel keeps every
// subscription and delivery in submission order.
type op struct {
	kind   opKind
	client *Client
	connID string
	room   string
	except string
	data   []byte
}

// Hub tracks connections and the room each one is subscribed to, and fans
// frames out to them.
type Hub struct {
	logger   *zap.Logger
	opts     Options
	upgrader websocket.Upgrader

	ops  chan op
	done chan struct{}

	// owned by Run
	clients map[string]*Client
	rooms   map[string]map[string]*Client

	clientCount atomic.Int64
	baseCtx     context.Context
	cancel      context.CancelFunc
}

// New creates a Hub. Run must be started before connections are served.
func New(logger *zap.Logger, opts Options) *Hub {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		logger: logger,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		ops:     make(chan op, opsBuffer),
		done:    make(chan struct{}),
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Run processes hub operations until ctx is done, then closes every connection
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	defer h.cancel()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case o := <-h.ops:
			h.apply(o)
		}
	}
}

// Done is closed once Run has returned
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Clients returns the number of registered connections
func (h *Hub) Clients() int {
	return int(h.clientCount.Load())
}

// Subscribe moves connID into room; later room publishes reach it
func (h *Hub) Subscribe(connID, room string) {
	h.enqueue(op{kind: opSubscribe, connID: connID, room: room})
}

// Unsubscribe removes connID from its room; the connection stays open
func (h *Hub) Unsubscribe(connID string) {
	h.enqueue(op{kind: opUnsubscribe, connID: connID})
}

// Publish sends data to every connection in room except the one named by except
func (h *Hub) Publish(room, except string, data []byte) {
	h.enqueue(op{kind: opPublish, room: room, except: except, data: data})
}

// Send delivers data to a single connection
func (h *Hub) Send(connID string, data []byte) {
	h.enqueue(op{kind: opSend, connID: connID, data: data})
}

func (h *Hub) enqueue(o op) bool {
	select {
	case h.ops <- o:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) apply(o op) {
	switch o.kind {
	case opRegister:
		h.clients[o.client.id] = o.client
		h.clientCount.Store(int64(len(h.clients)))
		h.logger.Debug("client connected", zap.String("conn", o.client.id), zap.Int("clients", len(h.clients)))

	case opUnregister:
		if h.clients[o.client.id] == o.client {
			h.remove(o.client)
			h.logger.Debug("client disconnected", zap.String("conn", o.client.id), zap.Int("clients", len(h.clients)))
		}

	case opSubscribe:
		c, ok := h.clients[o.connID]
		if !ok {
			return
		}
		h.leaveRoom(c)
		members, ok := h.rooms[o.room]
		if !ok {
			members = make(map[string]*Client)
			h.rooms[o.room] = members
		}
		members[c.id] = c
		c.room = o.room

	case opUnsubscribe:
		if c, ok := h.clients[o.connID]; ok {
			h.leaveRoom(c)
		}

	case opPublish:
		for id, c := range h.rooms[o.room] {
			if id != o.except {
				h.deliver(c, o.data)
			}
		}

	case opSend:
		if c, ok := h.clients[o.connID]; ok {
			h.deliver(c, o.data)
		}
	}
}

// deliver queues data on c, dropping c when its buffer is full
func (h *Hub) deliver(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		h.logger.Warn("dropping slow client", zap.String("conn", c.id), zap.String("room", c.room))
		h.remove(c)
	}
}

func (h *Hub) remove(c *Client) {
	h.leaveRoom(c)
	delete(h.clients, c.id)
	close(c.send)
	h.clientCount.Store(int64(len(h.clients)))
}

func (h *Hub) leaveRoom(c *Client) {
	if c.room == "" {
		return
	}
	if members, ok := h.rooms[c.room]; ok {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.rooms, c.room)
		}
	}
	c.room = ""
}

func (h *Hub) shutdown() {
	for _, c := range h.clients {
		close(c.send)
	}
	h.clients = make(map[string]*Client)
	h.rooms = make(map[string]map[string]*Client)
	h.clientCount.Store(0)
}

// ServeWS returns the websocket endpoint dispatching to handler
func (h *Hub) ServeWS(handler Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			hub:     h,
			conn:    conn,
			send:    make(chan []byte, h.opts.SendBuffer),
			id:      uuid.NewString(),
			limiter: rate.NewLimiter(rate.Limit(h.opts.MessagesPerSecond), h.opts.MessageBurst),
			logger:  h.logger,
		}
		if !h.enqueue(op{kind: opRegister, client: client}) {
			_ = conn.Close()
			return
		}

		go client.writePump()
		go client.readPump(h.baseCtx, handler)
	}
}
