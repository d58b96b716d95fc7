// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relabs-tech/magnetic_fusion/internal/fusion"
	"github.com/relabs-tech/magnetic_fusion/internal/geomag"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

const (
	wsSendBuffer   = 64
	wsWriteTimeout = 2 * time.Second
)

// WSMessage is a request from the dashboard.
type WSMessage struct {
	Action    string            `json:"action"` // reset, recalibrate, set_reference, clear_reference
	IMU       string            `json:"imu,omitempty"`
	Reference *geomag.Reference `json:"reference,omitempty"`
}

// WSResponse is pushed to the dashboard.
type WSResponse struct {
	Type    string         `json:"type"` // fused, ack, error
	IMU     string         `json:"imu,omitempty"`
	Output  *fusion.Output `json:"output,omitempty"`
	Message string         `json:"message,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan WSResponse
}

// fusionHub streams fused records to websocket clients and forwards their
// control requests to the fusion service.
type fusionHub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}

	publish func(Command) error
}

func newFusionHub(publish func(Command) error) *fusionHub {
	return &fusionHub{
		clients: make(map[*wsClient]struct{}),
		publish: publish,
	}
}

// broadcast queues resp for every client. Slow clients miss records.
func (h *fusionHub) broadcast(resp WSResponse) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- resp:
		default:
		}
	}
}

func (h *fusionHub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *fusionHub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// ServeHTTP upgrades the connection and serves it until the client leaves.
func (h *fusionHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	c := &wsClient{conn: conn, send: make(chan WSResponse, wsSendBuffer)}
	h.register(c)
	defer h.unregister(c)

	go c.writeLoop()

	// Main message loop
	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("web: websocket read error: %v", err)
			}
			return
		}
		h.reply(c, h.handle(msg))
	}
}

func (h *fusionHub) handle(msg WSMessage) WSResponse {
	cmd := Command{Action: msg.Action, IMU: msg.IMU, Reference: msg.Reference}
	if err := cmd.validate(); err != nil {
		return WSResponse{Type: "error", IMU: msg.IMU, Message: err.Error()}
	}
	if err := h.publish(cmd); err != nil {
		return WSResponse{Type: "error", IMU: msg.IMU, Message: err.Error()}
	}
	log.Printf("web: forwarded %q (imu=%q)", cmd.Action, cmd.IMU)
	return WSResponse{Type: "ack", IMU: msg.IMU, Message: cmd.Action}
}

func (h *fusionHub) reply(c *wsClient, resp WSResponse) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- resp:
	default:
	}
}

func (c *wsClient) writeLoop() {
	for resp := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := c.conn.WriteJSON(resp); err != nil {
			log.Printf("web: websocket write error: %v", err)
			return
		}
	}
}
