package broker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zoff-tech/bookfinder/pkg/config"
	"github.com/zoff-tech/bookfinder/pkg/metrics"
)

var ErrBrokerClosed = errors.New("broker: closed")

type wsFrame struct {
	topic string
	data  []byte
}

type wsClient struct {
	hub    *WebsocketHub
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]struct{}
}

func (c *wsClient) wants(topic string) bool {
	if len(c.topics) == 0 {
		return true
	}
	_, ok := c.topics[topic]
	return ok
}

// WebsocketHub fans published events out to connected websocket subscribers.
// A subscriber may narrow its feed with one or more ?topic= query parameters.
// Slow subscribers are disconnected rather than allowed to block Publish.
type WebsocketHub struct {
	clients    map[*wsClient]bool
	count      atomic.Int64
	broadcast  chan wsFrame
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	closeOnce  sync.Once
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

var _ MessageBroker = (*WebsocketHub)(nil)
var _ http.Handler = (*WebsocketHub)(nil)

type WebsocketBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, logger *slog.Logger) (MessageBroker, error)

var NewWebsocketBroker WebsocketBrokerCreator = func(_ context.Context, _ *config.BrokerSettings, logger *slog.Logger) (MessageBroker, error) {
	hub := NewWebsocketHub(logger)
	go hub.Run()
	return hub, nil
}

func NewWebsocketHub(logger *slog.Logger) *WebsocketHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebsocketHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan wsFrame, 64),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Run owns the client set until Close.
func (h *WebsocketHub) Run() {
	for {
		select {
		case <-h.done:
			for client := range h.clients {
				if client.conn != nil {
					_ = client.conn.WriteControl(
						websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
						time.Now().Add(2*time.Second),
					)
				}
				h.drop(client)
			}
			h.logger.Debug("ws hub stopped, all clients disconnected")
			return
		case client := <-h.register:
			h.clients[client] = true
			h.setCount()
			h.logger.Debug("ws client connected", slog.Int("total", len(h.clients)))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
				h.logger.Debug("ws client disconnected", slog.Int("total", len(h.clients)))
			}
		case frame := <-h.broadcast:
			for client := range h.clients {
				if !client.wants(frame.topic) {
					continue
				}
				select {
				case client.send <- frame.data:
				default:
					h.logger.Debug("dropping slow ws client")
					h.drop(client)
				}
			}
		}
	}
}

func (h *WebsocketHub) drop(client *wsClient) {
	close(client.send)
	delete(h.clients, client)
	h.setCount()
}

func (h *WebsocketHub) setCount() {
	h.count.Store(int64(len(h.clients)))
	metrics.WebsocketClients.Set(float64(len(h.clients)))
}

// ClientCount is the number of connected subscribers.
func (h *WebsocketHub) ClientCount() int {
	return int(h.count.Load())
}

// Publish queues one frame for every subscriber of topic. With no subscribers
// it is a no-op; a full broadcast queue drops the frame.
func (h *WebsocketHub) Publish(ctx context.Context, topic string, payload []byte, headers map[string]string) error {
	select {
	case <-h.done:
		return ErrBrokerClosed
	default:
	}
	if h.ClientCount() == 0 {
		return nil
	}
	ctx, span := startPublishSpan(ctx, "websocket", topic)
	defer span.End()

	data, err := encodeEnvelope(topic, payload, withTraceHeaders(ctx, headers))
	if err != nil {
		return finishPublish(span, "websocket", len(payload), err)
	}
	select {
	case h.broadcast <- wsFrame{topic: topic, data: data}:
	default:
		h.logger.Warn("ws broadcast queue full, frame dropped", slog.String("topic", topic))
		metrics.BrokerPublishTotal.WithLabelValues("websocket", "dropped").Inc()
		return nil
	}
	return finishPublish(span, "websocket", len(payload), nil)
}

// Close signals the hub to stop and disconnect all clients.
func (h *WebsocketHub) Close() error {
	h.closeOnce.Do(func() { close(h.done) })
	return nil
}

// ServeHTTP upgrades the request and registers the connection.
func (h *WebsocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{hub: h, conn: conn, send: make(chan []byte, 256)}
	if topics := r.URL.Query()["topic"]; len(topics) > 0 {
		client.topics = make(map[string]struct{}, len(topics))
		for _, t := range topics {
			client.topics[t] = struct{}{}
		}
	}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
