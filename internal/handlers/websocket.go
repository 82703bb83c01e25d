package handlers

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"fairplay-backend/internal/models"
	"fairplay-backend/internal/services"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 32
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Message struct {
	Type   string          `json:"type"`
	UserID string          `json:"user_id,omitempty"`
	Game   models.GameType `json:"game,omitempty"`
	Data   interface{}     `json:"data"`
}

type Client struct {
	UserID string
	conn   *websocket.Conn
	send   chan *Message

	mu    sync.Mutex
	games map[models.GameType]bool
}

// wants reports whether the client follows game. A client with no
// subscriptions follows every game.
func (c *Client) wants(game models.GameType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.games) == 0 || c.games[game]
}

func (c *Client) subscribe(game models.GameType, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.games[game] = true
	} else {
		delete(c.games, game)
	}
}

// WebSocketHub fans round events out to connected players. It implements
// services.Broadcaster; a slow client is dropped instead of blocking.
type WebSocketHub struct {
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message
}

func NewWebSocketHub() *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Message, 256),
	}
}

func (hub *WebSocketHub) OnRoundTransition(event *models.RoundEvent) {
	msg := &Message{
		Type: event.Type,
		Game: event.GameType,
		Data: event,
	}
	select {
	case hub.broadcast <- msg:
	default:
		log.Printf("websocket broadcast queue full, dropping event for round %s", event.RoundID)
	}
}

func (hub *WebSocketHub) Run(ctx context.Context) {
	for {
		select {
		case client := <-hub.register:
			hub.clients[client] = struct{}{}
			log.Printf("Client registered: %s", client.UserID)

		case client := <-hub.unregister:
			hub.remove(client)

		case message := <-hub.broadcast:
			hub.broadcastMessage(message)

		case <-ctx.Done():
			for client := range hub.clients {
				hub.remove(client)
			}
			return
		}
	}
}

func (hub *WebSocketHub) remove(client *Client) {
	if _, ok := hub.clients[client]; ok {
		delete(hub.clients, client)
		close(client.send)
		log.Printf("Client unregistered: %s", client.UserID)
	}
}

func (hub *WebSocketHub) broadcastMessage(message *Message) {
	for client := range hub.clients {
		if message.UserID != "" && client.UserID != message.UserID {
			continue
		}
		if message.Game != "" && !client.wants(message.Game) {
			continue
		}
		select {
		case client.send <- message:
		default:
			hub.remove(client)
		}
	}
}

type WebSocketHandler struct {
	hub    *WebSocketHub
	ledger *services.Ledger
}

func NewWebSocketHandler(hub *WebSocketHub, ledger *services.Ledger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:    hub,
		ledger: ledger,
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	userID := c.GetString("user_id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade to WebSocket: %v", err)
		return
	}

	client := &Client{
		UserID: userID,
		conn:   conn,
		send:   make(chan *Message, sendBuffer),
		games:  make(map[models.GameType]bool),
	}

	h.hub.register <- client
	go client.writePump()

	h.sendBalance(c.Request.Context(), client)
	h.readPump(client)
}

func (h *WebSocketHandler) readPump(client *Client) {
	defer func() {
		h.hub.unregister <- client
		client.conn.Close()
	}()

	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		err := client.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}

		h.handleMessage(client, &msg)
	}
}

func (h *WebSocketHandler) handleMessage(client *Client, msg *Message) {
	switch msg.Type {
	case "PING":
		h.trySend(client, &Message{
			Type: "PONG",
			Data: gin.H{"timestamp": time.Now().Unix()},
		})
	case "SUBSCRIBE_GAME", "UNSUBSCRIBE_GAME":
		name, ok := msg.Data.(string)
		if !ok {
			return
		}
		game, err := models.ParseGameType(name)
		if err != nil {
			return
		}
		client.subscribe(game, msg.Type == "SUBSCRIBE_GAME")
	}
}

func (h *WebSocketHandler) sendBalance(ctx context.Context, client *Client) {
	account, err := h.ledger.Account(ctx, client.UserID)
	if err != nil {
		log.Printf("Failed to get wallet for WS: %v", err)
		return
	}

	h.trySend(client, &Message{
		Type: "BALANCE_UPDATE",
		Data: models.BalanceResponse{
			AccountID: account.ID,
			Balance:   account.Balance,
			Frozen:    account.Frozen,
		},
	})
}

// trySend queues a direct reply. The hub may already have closed send, so
// the reply goes through the hub like any other message.
func (h *WebSocketHandler) trySend(client *Client, msg *Message) {
	msg.UserID = client.UserID
	select {
	case h.hub.broadcast <- msg:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
