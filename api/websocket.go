package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/seenimoa/openvalue/pkg/models"
	"github.com/seenimoa/openvalue/pkg/utils"
)

// Message types sent and received over the WebSocket.
const (
	MsgValuationComplete = "valuation_complete"
	MsgSubscribe         = "subscribe"
	MsgSubscribed        = "subscribed"
	MsgUnsubscribe       = "unsubscribe"
	MsgPing              = "ping"
	MsgPong              = "pong"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is enforced on the HTTP routes
	},
}

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

// WSMessage is a message sent over WebSocket connections.
type WSMessage struct {
	Type   string      `json:"type"`
	Ticker string      `json:"ticker,omitempty"`
	Data   interface{} `json:"data,omitempty"`
}

// ValuationEvent is the payload of a valuation_complete message.
type ValuationEvent struct {
	RequestID         string                 `json:"request_id"`
	Ticker            string                 `json:"ticker"`
	CurrentPrice      float64                `json:"current_price"`
	WeightedFairValue float64                `json:"weighted_fair_value"`
	UpsideToWeighted  float64                `json:"upside_to_weighted"`
	Recommendation    models.Recommendation  `json:"recommendation"`
	Confidence        models.ConfidenceLevel `json:"confidence"`
	Models            []models.ModelID       `json:"models"`
	Timestamp         time.Time              `json:"timestamp"`
}

// WSHub manages WebSocket connections and message broadcasting.
type WSHub struct {
	mu         sync.RWMutex
	clients    map[*WSClient]bool
	broadcast  chan WSMessage
	register   chan *WSClient
	unregister chan *WSClient
	quit       chan struct{}
	closeOnce  sync.Once
	logger     *zap.Logger
}

// WSClient represents a single WebSocket connection. A client with no
// subscriptions receives every message.
type WSClient struct {
	hub  *WSHub
	send chan WSMessage
	// replies carries direct answers to client messages. It is never
	// closed, so the read pump may write to it after the hub drops the client.
	replies chan WSMessage

	mu      sync.Mutex
	tickers map[string]bool
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *zap.Logger) *WSHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan WSMessage, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		quit:       make(chan struct{}),
		logger:     logger,
	}
}

// NewWSClient creates a client attached to h.
func NewWSClient(h *WSHub, buffer int) *WSClient {
	return &WSClient{
		hub:     h,
		send:    make(chan WSMessage, buffer),
		replies: make(chan WSMessage, 16),
		tickers: make(map[string]bool),
	}
}

// Run starts the hub event loop. It returns after Close.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(msg.Ticker) {
					continue
				}
				select {
				case client.send <- msg:
				default:
					// Slow client; disconnect
					delete(h.clients, client)
					close(client.send)
					h.logger.Warn("websocket client dropped: send buffer full")
				}
			}
			h.mu.Unlock()
		}
	}
}

// Close stops the event loop and closes every client.
func (h *WSHub) Close() {
	h.closeOnce.Do(func() { close(h.quit) })
}

// Broadcast sends a message to all connected WebSocket clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("websocket broadcast dropped", zap.String("type", msg.Type))
	}
}

// NotifyValuation broadcasts a valuation_complete event. It matches the
// valuation service's completion hook.
func (h *WSHub) NotifyValuation(res *models.FinalResult) {
	if res == nil {
		return
	}
	ms := make([]models.ModelID, 0, len(res.IndividualValuations))
	for _, v := range res.IndividualValuations {
		ms = append(ms, v.Model)
	}
	h.Broadcast(WSMessage{
		Type:   MsgValuationComplete,
		Ticker: res.Ticker,
		Data: ValuationEvent{
			RequestID:         res.RequestID,
			Ticker:            res.Ticker,
			CurrentPrice:      res.CurrentPrice,
			WeightedFairValue: res.ConsensusValuation.WeightedFairValue,
			UpsideToWeighted:  res.ConsensusValuation.UpsideToWeighted,
			Recommendation:    res.Recommendation,
			Confidence:        res.Confidence.Level,
			Models:            ms,
			Timestamp:         res.Timestamp,
		},
	})
}

// ClientCount returns the number of connected WebSocket clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Register adds a client to the hub.
func (h *WSHub) Register(client *WSClient) {
	select {
	case h.register <- client:
	case <-h.quit:
	}
}

// Unregister removes a client from the hub.
func (h *WSHub) Unregister(client *WSClient) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}

func (c *WSClient) wants(ticker string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ticker == "" || len(c.tickers) == 0 || c.tickers[ticker]
}

// subscribe updates the ticker filter and returns the current set.
func (c *WSClient) subscribe(tickers []string, on bool) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tickers {
		t = utils.NormalizeTicker(t)
		if !utils.ValidTicker(t) {
			continue
		}
		if on {
			c.tickers[t] = true
		} else {
			delete(c.tickers, t)
		}
	}
	out := make([]string, 0, len(c.tickers))
	for t := range c.tickers {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// handleWebSocket upgrades HTTP connections to WebSocket and streams
// valuation events to the client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewWSClient(s.wsHub, 256)
	s.wsHub.Register(client)

	go wsWritePump(conn, client, s.logger)
	go wsReadPump(conn, client, s.logger)
}

// subscription is the data of subscribe/unsubscribe messages.
type subscription struct {
	Tickers []string `json:"tickers"`
}

// wsReadPump pumps messages from the WebSocket connection to the hub.
func wsReadPump(conn *websocket.Conn, client *WSClient, logger *zap.Logger) {
	defer func() {
		client.hub.Unregister(client)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("websocket read error", zap.Error(err))
			}
			break
		}

		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		reply, ok := handleClientMessage(client, msg.Type, msg.Data)
		if !ok {
			continue
		}
		select {
		case client.replies <- reply:
		default:
		}
	}
}

// handleClientMessage returns the reply to a client message, if any.
func handleClientMessage(client *WSClient, typ string, data json.RawMessage) (WSMessage, bool) {
	switch typ {
	case MsgSubscribe, MsgUnsubscribe:
		var sub subscription
		if len(data) > 0 {
			if err := json.Unmarshal(data, &sub); err != nil {
				return WSMessage{}, false
			}
		}
		for i := range sub.Tickers {
			sub.Tickers[i] = strings.TrimSpace(sub.Tickers[i])
		}
		current := client.subscribe(sub.Tickers, typ == MsgSubscribe)
		return WSMessage{Type: MsgSubscribed, Data: subscription{Tickers: current}}, true
	case MsgPing:
		return WSMessage{Type: MsgPong}, true
	}
	return WSMessage{}, false
}

// wsWritePump pumps messages from the hub to the WebSocket connection.
func wsWritePump(conn *websocket.Conn, client *WSClient, logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				logger.Debug("websocket write failed", zap.Error(err))
				return
			}

		case msg := <-client.replies:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
