package server

import (
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/btlinux/gattd/bluetooth"
	"github.com/btlinux/gattd/utils"
	"github.com/btlinux/gattd/wire"
)

// callbackFactory builds the event-forwarding proxies for a remote
// callback object. The exporter only depends on this seam, so tests
// can substitute in-process callbacks for bus-backed ones.
type callbackFactory interface {
	scanner(owner string, path dbus.ObjectPath) bluetooth.ScannerCallback
	advertiser(owner string, path dbus.ObjectPath) bluetooth.AdvertisingSetCallback
	client(owner string, path dbus.ObjectPath) bluetooth.GattClientCallback
}

// dbusFactory builds proxies that forward events over the bus with
// FlagNoReplyExpected: delivery never waits for the remote end.
type dbusFactory struct {
	conn *dbus.Conn
	hub  *utils.MonitorHub
}

func (f dbusFactory) remote(owner string, path dbus.ObjectPath, iface string) remoteObject {
	return remoteObject{
		obj:   f.conn.Object(owner, path),
		iface: iface,
		hub:   f.hub,
		log: logrus.WithFields(logrus.Fields{
			"subsystem": "callback_proxy",
			"owner":     owner,
			"path":      string(path),
		}),
	}
}

func (f dbusFactory) scanner(owner string, path dbus.ObjectPath) bluetooth.ScannerCallback {
	return &scannerProxy{f.remote(owner, path, ScannerCallbackInterface)}
}

func (f dbusFactory) advertiser(owner string, path dbus.ObjectPath) bluetooth.AdvertisingSetCallback {
	return &advertiserProxy{f.remote(owner, path, AdvertisingCallbackInterface)}
}

func (f dbusFactory) client(owner string, path dbus.ObjectPath) bluetooth.GattClientCallback {
	return &clientProxy{remoteObject: f.remote(owner, path, GattCallbackInterface)}
}

// remoteObject is the forwarding point shared by all proxies. Events
// are fire-and-forget; a dead remote is handled by the disconnect
// watcher, not by delivery errors.
type remoteObject struct {
	obj   dbus.BusObject
	iface string
	hub   *utils.MonitorHub
	log   *logrus.Entry
}

func (r remoteObject) emit(method string, args ...interface{}) {
	r.obj.Go(r.iface+"."+method, dbus.FlagNoReplyExpected, nil, args...)
}

func (r remoteObject) mirror(eventType string, payload interface{}) {
	if r.hub != nil {
		r.hub.Broadcast(utils.MonitorEvent{Type: eventType, Payload: payload})
	}
}

type scannerProxy struct {
	remoteObject
}

func (p *scannerProxy) OnScannerRegistered(uuid bluetooth.Uuid, scannerID uint8, status bluetooth.GattStatus) {
	p.emit("OnScannerRegistered", wire.UuidToWire(uuid), scannerID, uint32(status))
	p.mirror("scanner/registered", map[string]interface{}{
		"uuid":       uuid.String(),
		"scanner_id": scannerID,
		"status":     uint32(status),
	})
}

func (p *scannerProxy) OnScanResult(result bluetooth.ScanResult) {
	p.emit("OnScanResult", wire.ScanResultToWire(result))
	p.mirror("scanner/result", map[string]interface{}{
		"address": result.Address,
		"rssi":    result.Rssi,
	})
}

type advertiserProxy struct {
	remoteObject
}

func (p *advertiserProxy) OnAdvertisingSetStarted(regID int32, advertiserID int32, txPower int32, status int32) {
	p.emit("OnAdvertisingSetStarted", regID, advertiserID, txPower, status)
	p.mirror("advertiser/started", map[string]interface{}{
		"advertiser_id": advertiserID,
		"status":        status,
	})
}

func (p *advertiserProxy) OnOwnAddressRead(advertiserID int32, addressType int32, address string) {
	p.emit("OnOwnAddressRead", advertiserID, addressType, address)
}

func (p *advertiserProxy) OnAdvertisingSetStopped(advertiserID int32) {
	p.emit("OnAdvertisingSetStopped", advertiserID)
	p.mirror("advertiser/stopped", map[string]interface{}{"advertiser_id": advertiserID})
}

func (p *advertiserProxy) OnAdvertisingEnabled(advertiserID int32, enable bool, status int32) {
	p.emit("OnAdvertisingEnabled", advertiserID, enable, status)
}

func (p *advertiserProxy) OnAdvertisingDataSet(advertiserID int32, status int32) {
	p.emit("OnAdvertisingDataSet", advertiserID, status)
}

func (p *advertiserProxy) OnScanResponseDataSet(advertiserID int32, status int32) {
	p.emit("OnScanResponseDataSet", advertiserID, status)
}

func (p *advertiserProxy) OnAdvertisingParametersUpdated(advertiserID int32, txPower int32, status int32) {
	p.emit("OnAdvertisingParametersUpdated", advertiserID, txPower, status)
}

func (p *advertiserProxy) OnPeriodicAdvertisingParametersUpdated(advertiserID int32, status int32) {
	p.emit("OnPeriodicAdvertisingParametersUpdated", advertiserID, status)
}

func (p *advertiserProxy) OnPeriodicAdvertisingDataSet(advertiserID int32, status int32) {
	p.emit("OnPeriodicAdvertisingDataSet", advertiserID, status)
}

func (p *advertiserProxy) OnPeriodicAdvertisingEnabled(advertiserID int32, enable bool, status int32) {
	p.emit("OnPeriodicAdvertisingEnabled", advertiserID, enable, status)
}

type clientProxy struct {
	remoteObject
}

func (p *clientProxy) OnClientRegistered(status bluetooth.GattStatus, clientID int32) {
	p.emit("OnClientRegistered", uint32(status), clientID)
	p.mirror("client/registered", map[string]interface{}{
		"client_id": clientID,
		"status":    uint32(status),
	})
}

func (p *clientProxy) OnClientConnectionState(status bluetooth.GattStatus, clientID int32, connected bool, addr string) {
	p.emit("OnClientConnectionState", uint32(status), clientID, connected, addr)
	p.mirror("client/connection_state", map[string]interface{}{
		"client_id": clientID,
		"connected": connected,
		"addr":      addr,
	})
}

func (p *clientProxy) OnPhyUpdate(addr string, txPhy bluetooth.LePhy, rxPhy bluetooth.LePhy, status bluetooth.GattStatus) {
	p.emit("OnPhyUpdate", addr, uint32(txPhy), uint32(rxPhy), uint32(status))
}

func (p *clientProxy) OnPhyRead(addr string, txPhy bluetooth.LePhy, rxPhy bluetooth.LePhy, status bluetooth.GattStatus) {
	p.emit("OnPhyRead", addr, uint32(txPhy), uint32(rxPhy), uint32(status))
}

func (p *clientProxy) OnSearchComplete(addr string, services []bluetooth.GattService, status bluetooth.GattStatus) {
	p.emit("OnSearchComplete", addr, wire.ServicesToWire(services), uint32(status))
	p.mirror("client/search_complete", map[string]interface{}{
		"addr":     addr,
		"services": len(services),
	})
}

func (p *clientProxy) OnCharacteristicRead(addr string, status bluetooth.GattStatus, handle int32, value []byte) {
	p.emit("OnCharacteristicRead", addr, uint32(status), handle, value)
}

func (p *clientProxy) OnCharacteristicWrite(addr string, status bluetooth.GattStatus, handle int32) {
	p.emit("OnCharacteristicWrite", addr, uint32(status), handle)
}

func (p *clientProxy) OnExecuteWrite(addr string, status bluetooth.GattStatus) {
	p.emit("OnExecuteWrite", addr, uint32(status))
}

func (p *clientProxy) OnDescriptorRead(addr string, status bluetooth.GattStatus, handle int32, value []byte) {
	p.emit("OnDescriptorRead", addr, uint32(status), handle, value)
}

func (p *clientProxy) OnDescriptorWrite(addr string, status bluetooth.GattStatus, handle int32) {
	p.emit("OnDescriptorWrite", addr, uint32(status), handle)
}

func (p *clientProxy) OnNotify(addr string, handle int32, value []byte) {
	p.emit("OnNotify", addr, handle, value)
	p.mirror("client/notify", map[string]interface{}{
		"addr":   addr,
		"handle": handle,
		"size":   len(value),
	})
}

func (p *clientProxy) OnReadRemoteRssi(addr string, rssi int32, status bluetooth.GattStatus) {
	p.emit("OnReadRemoteRssi", addr, rssi, uint32(status))
}

func (p *clientProxy) OnConfigureMtu(addr string, mtu int32, status bluetooth.GattStatus) {
	p.emit("OnConfigureMtu", addr, mtu, uint32(status))
}

func (p *clientProxy) OnConnectionUpdated(addr string, interval int32, latency int32, timeout int32, status bluetooth.GattStatus) {
	p.emit("OnConnectionUpdated", addr, interval, latency, timeout, uint32(status))
}

func (p *clientProxy) OnServiceChanged(addr string) {
	p.emit("OnServiceChanged", addr)
}

// trackedClient wraps a client callback so the exporter learns the
// provider-assigned client id from the registration event. The id is
// what the disconnect cleanup needs to unregister the client later.
// Registration is asynchronous, so the owner can disconnect before the
// id exists; drop records that, and the registration event then hands
// the freshly assigned id straight to unregister instead of forwarding
// it to the departed endpoint.
type trackedClient struct {
	bluetooth.GattClientCallback

	unregister func(clientID int32)

	mu      sync.Mutex
	id      int32
	dropped bool
}

func newTrackedClient(cb bluetooth.GattClientCallback, unregister func(clientID int32)) *trackedClient {
	return &trackedClient{
		GattClientCallback: cb,
		unregister:         unregister,
		id:                 clientIDUnknown,
	}
}

const clientIDUnknown int32 = -1

// clientID reports the provider-assigned id, or clientIDUnknown while
// registration is still pending.
func (t *trackedClient) clientID() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// drop marks the owner gone. It reports the assigned id when the
// registration event already delivered one; otherwise the event
// handler unregisters the id itself on arrival.
func (t *trackedClient) drop() (int32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropped = true
	if t.id == clientIDUnknown {
		return clientIDUnknown, false
	}
	return t.id, true
}

func (t *trackedClient) OnClientRegistered(status bluetooth.GattStatus, clientID int32) {
	t.mu.Lock()
	if status == bluetooth.GattStatusSuccess {
		t.id = clientID
	}
	dropped := t.dropped
	t.mu.Unlock()

	if dropped {
		if status == bluetooth.GattStatusSuccess {
			t.unregister(clientID)
		}
		return
	}
	t.GattClientCallback.OnClientRegistered(status, clientID)
}
