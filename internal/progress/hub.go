// Package progress pushes live campaign progress to authorized
// observers over WebSocket. Observers subscribe per campaign; a
// subscription to a campaign the connected user does not own is
// silently ignored.
package progress

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sendflock/sendflock/internal/campaign"
	"github.com/sendflock/sendflock/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
	sendBuffer     = 64
)

// Authorizer reports whether userID may observe campaignID
type Authorizer func(ctx context.Context, userID, campaignID string) (bool, error)

// SnapshotSource returns the current snapshots of a user's active
// campaigns, pushed once on connect so observers do not start blind.
type SnapshotSource func(ctx context.Context, userID string) ([]*campaign.Snapshot, error)

// clientMessage is what observers send over the socket
type clientMessage struct {
	Type       string `json:"type"`
	CampaignID string `json:"campaign_id,omitempty"`
}

// serverMessage is what the hub sends
type serverMessage struct {
	Type       string             `json:"type"`
	CampaignID string             `json:"campaign_id,omitempty"`
	Data       *campaign.Snapshot `json:"data,omitempty"`
}

// Hub fans progress snapshots out to connected observers
type Hub struct {
	authorize Authorizer
	snapshots SnapshotSource
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	mu    sync.RWMutex
	conns map[*conn]struct{}
}

type conn struct {
	userID string
	ws     *websocket.Conn
	send   chan []byte

	subsMu sync.Mutex
	subs   map[string]struct{}
}

// NewHub creates a progress hub
func NewHub(authorize Authorizer, snapshots SnapshotSource, logger *slog.Logger) *Hub {
	return &Hub{
		authorize: authorize,
		snapshots: snapshots,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// auth happens before the upgrade; the socket itself is
			// origin-agnostic
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
}

// HandleWS upgrades the request and services the observer until it
// disconnects. The caller must have authenticated the request; userID
// is the authenticated identity.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request, userID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &conn{
		userID: userID,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		subs:   make(map[string]struct{}),
	}
	h.register(c)
	h.logger.Debug("observer connected", "user_id", userID)

	h.sendInitialSnapshots(r.Context(), c)

	go c.writePump()
	h.readPump(r.Context(), c)
}

// Publish fans a snapshot out to the owner's subscribed connections.
// Never blocks: slow connections lose updates, not the service.
func (h *Hub) Publish(snapshot *campaign.Snapshot) {
	msg, err := json.Marshal(&serverMessage{
		Type:       "campaign_progress",
		CampaignID: snapshot.CampaignID,
		Data:       snapshot,
	})
	if err != nil {
		h.logger.Error("failed to marshal snapshot", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		if c.userID != snapshot.UserID || !c.subscribed(snapshot.CampaignID) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			metrics.IncProgressDrops()
		}
	}
}

// Subscribers returns the number of connected observers
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close disconnects all observers
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		close(c.send)
		delete(h.conns, c)
	}
	metrics.SetProgressSubscribers(0)
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	metrics.SetProgressSubscribers(n)
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; ok {
		close(c.send)
		delete(h.conns, c)
	}
	n := len(h.conns)
	h.mu.Unlock()
	metrics.SetProgressSubscribers(n)
}

// sendInitialSnapshots pushes the current state of the user's active
// campaigns so a reconnecting observer catches up immediately. Active
// campaigns are implicitly subscribed.
func (h *Hub) sendInitialSnapshots(ctx context.Context, c *conn) {
	if h.snapshots == nil {
		return
	}
	snaps, err := h.snapshots(ctx, c.userID)
	if err != nil {
		h.logger.Warn("failed to load initial snapshots", "user_id", c.userID, "error", err)
		return
	}
	for _, snap := range snaps {
		c.subscribe(snap.CampaignID)
		msg, err := json.Marshal(&serverMessage{
			Type:       "campaign_progress",
			CampaignID: snap.CampaignID,
			Data:       snap,
		})
		if err != nil {
			continue
		}
		select {
		case c.send <- msg:
		default:
		}
	}
}

func (h *Hub) readPump(ctx context.Context, c *conn) {
	defer func() {
		h.unregister(c)
		c.ws.Close()
		h.logger.Debug("observer disconnected", "user_id", c.userID)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", "user_id", c.userID, "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		h.handleMessage(ctx, c, &msg)
	}
}

func (h *Hub) handleMessage(ctx context.Context, c *conn, msg *clientMessage) {
	switch msg.Type {
	case "subscribe_campaign":
		if msg.CampaignID == "" {
			return
		}
		ok, err := h.authorize(ctx, c.userID, msg.CampaignID)
		if err != nil {
			h.logger.Warn("subscription authorization failed",
				"user_id", c.userID,
				"campaign_id", msg.CampaignID,
				"error", err,
			)
			return
		}
		if !ok {
			// unauthorized subscriptions are dropped without a reply so
			// the socket leaks nothing about foreign campaign ids
			h.logger.Debug("unauthorized subscription dropped",
				"user_id", c.userID,
				"campaign_id", msg.CampaignID,
			)
			return
		}
		c.subscribe(msg.CampaignID)
		c.reply(&serverMessage{Type: "subscribed", CampaignID: msg.CampaignID})

	case "unsubscribe_campaign":
		c.unsubscribe(msg.CampaignID)
		c.reply(&serverMessage{Type: "unsubscribed", CampaignID: msg.CampaignID})

	case "ping":
		c.reply(&serverMessage{Type: "pong"})
	}
}

func (c *conn) subscribe(campaignID string) {
	c.subsMu.Lock()
	c.subs[campaignID] = struct{}{}
	c.subsMu.Unlock()
}

func (c *conn) unsubscribe(campaignID string) {
	c.subsMu.Lock()
	delete(c.subs, campaignID)
	c.subsMu.Unlock()
}

func (c *conn) subscribed(campaignID string) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	_, ok := c.subs[campaignID]
	return ok
}

func (c *conn) reply(msg *serverMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
