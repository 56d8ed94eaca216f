package server

import (
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

// Watcher runs a cleanup when the bus connection that owns a callback
// goes away. The exporter registers one cleanup per handle it hands
// out, so a departed client never leaks table entries or receives
// further events.
type Watcher interface {
	Watch(owner string, cleanup func())
}

const nameOwnerChangedRule = "type='signal',sender='org.freedesktop.DBus',interface='org.freedesktop.DBus',member='NameOwnerChanged'"

// DisconnectWatcher tracks bus-name ownership via NameOwnerChanged.
// When a watched unique name loses its owner, every cleanup registered
// under it fires once and the entry is dropped.
type DisconnectWatcher struct {
	conn *dbus.Conn
	log  *logrus.Entry

	mu       sync.Mutex
	cleanups map[string][]func()

	stopChan chan struct{}
	stopOnce sync.Once
}

func NewDisconnectWatcher(conn *dbus.Conn) *DisconnectWatcher {
	return &DisconnectWatcher{
		conn:     conn,
		log:      logrus.WithField("subsystem", "disconnect_watcher"),
		cleanups: make(map[string][]func()),
		stopChan: make(chan struct{}),
	}
}

// Start subscribes to NameOwnerChanged and begins dispatching.
func (w *DisconnectWatcher) Start() error {
	if err := w.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, nameOwnerChangedRule).Err; err != nil {
		return err
	}

	sigChan := make(chan *dbus.Signal, 64)
	w.conn.Signal(sigChan)

	go func() {
		for {
			select {
			case <-w.stopChan:
				w.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, nameOwnerChangedRule)
				w.conn.RemoveSignal(sigChan)
				return

			case sig := <-sigChan:
				if sig == nil || sig.Name != "org.freedesktop.DBus.NameOwnerChanged" {
					continue
				}
				if len(sig.Body) < 3 {
					continue
				}
				name, _ := sig.Body[0].(string)
				newOwner, _ := sig.Body[2].(string)
				if newOwner == "" {
					w.ownerLost(name)
				}
			}
		}
	}()
	return nil
}

func (w *DisconnectWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
}

// Watch registers a cleanup to run when owner disconnects from the
// bus.
func (w *DisconnectWatcher) Watch(owner string, cleanup func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cleanups[owner] = append(w.cleanups[owner], cleanup)
}

func (w *DisconnectWatcher) ownerLost(name string) {
	w.mu.Lock()
	cleanups := w.cleanups[name]
	delete(w.cleanups, name)
	w.mu.Unlock()

	if len(cleanups) == 0 {
		return
	}
	w.log.WithFields(logrus.Fields{
		"owner":    name,
		"cleanups": len(cleanups),
	}).Info("callback owner disconnected")
	for _, cleanup := range cleanups {
		cleanup()
	}
}
