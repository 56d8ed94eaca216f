package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/btlinux/gattd/utils"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Monitor is a local HTTP surface for watching the projection while
// the daemon runs: /info reports daemon state, /ws streams every
// mirrored callback event.
type Monitor struct {
	hub    *utils.MonitorHub
	status fmt.Stringer
	server *http.Server
	log    *logrus.Entry
}

func NewMonitor(addr string, hub *utils.MonitorHub, status fmt.Stringer) *Monitor {
	m := &Monitor{
		hub:    hub,
		status: status,
		log:    logrus.WithField("subsystem", "monitor"),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/info", m.handleInfo)
	mux.HandleFunc("/ws", m.handleWebSocket)
	m.server = &http.Server{Addr: addr, Handler: mux}
	return m
}

// Start serves in the background until Shutdown.
func (m *Monitor) Start() {
	go func() {
		m.log.WithField("addr", m.server.Addr).Info("monitor listening")
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.log.WithError(err).Error("monitor server stopped")
		}
	}()
}

func (m *Monitor) Shutdown(ctx context.Context) error {
	return m.server.Shutdown(ctx)
}

func (m *Monitor) handleInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := ""
	if m.status != nil {
		status = m.status.String()
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"bus_name": BusName,
		"object":   ObjectPath,
		"provider": status,
		"monitors": m.hub.ClientCount(),
	})
}

func (m *Monitor) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.WithError(err).Error("websocket upgrade failed")
		return
	}
	m.hub.AddClient(conn)

	go func() {
		defer m.hub.RemoveClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
