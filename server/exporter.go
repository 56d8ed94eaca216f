package server

import (
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/btlinux/gattd/bluetooth"
	"github.com/btlinux/gattd/utils"
	"github.com/btlinux/gattd/wire"
)

type clientKey struct {
	owner string
	path  dbus.ObjectPath
}

type writeTarget struct {
	clientID int32
	addr     string
}

// Exporter is the bus-facing operation table of the GATT projection.
// Every exported method converts its wire arguments, delegates to the
// control-plane provider, and converts the result back. Callback
// registrations create forwarding proxies and tie their lifetime to
// the registrant's bus connection through the disconnect watcher.
//
// Operations against different actors never share a lock; write
// traffic against the same (client, address) pair is serialized with
// that pair's reliable-write transaction.
type Exporter struct {
	provider bluetooth.Provider
	watcher  Watcher
	factory  callbackFactory
	hub      *utils.MonitorHub
	log      *logrus.Entry

	mu         sync.Mutex
	scannerCbs map[uint32]string
	advCbs     map[uint32]string
	clients    map[clientKey]*trackedClient

	rwMu    sync.Mutex
	rwLocks map[writeTarget]*sync.Mutex

	stop func()
}

// NewExporter builds an exporter whose callbacks and liveness tracking
// ride the given bus connection.
func NewExporter(conn *dbus.Conn, provider bluetooth.Provider, hub *utils.MonitorHub) (*Exporter, error) {
	watcher := NewDisconnectWatcher(conn)
	if err := watcher.Start(); err != nil {
		return nil, err
	}
	e := newExporter(provider, watcher, dbusFactory{conn: conn, hub: hub}, hub)
	e.stop = watcher.Stop
	return e, nil
}

func newExporter(provider bluetooth.Provider, watcher Watcher, factory callbackFactory, hub *utils.MonitorHub) *Exporter {
	return &Exporter{
		provider:   provider,
		watcher:    watcher,
		factory:    factory,
		hub:        hub,
		log:        logrus.WithField("subsystem", "gatt_export"),
		scannerCbs: make(map[uint32]string),
		advCbs:     make(map[uint32]string),
		clients:    make(map[clientKey]*trackedClient),
		rwLocks:    make(map[writeTarget]*sync.Mutex),
	}
}

// Export places the operation table on the bus.
func (e *Exporter) Export(conn *dbus.Conn) error {
	return conn.Export(e, ObjectPath, GattInterface)
}

// Close stops the disconnect watcher. Exported methods stay callable;
// only liveness tracking ends.
func (e *Exporter) Close() {
	if e.stop != nil {
		e.stop()
	}
}

func invalidArgs(err error) *dbus.Error {
	return dbus.NewError(errInvalidArguments, []interface{}{err.Error()})
}

func providerErr(err error) *dbus.Error {
	return dbus.NewError(errFailed, []interface{}{err.Error()})
}

func unimplemented() *dbus.Error {
	return dbus.NewError(errUnimplemented, []interface{}{bluetooth.ErrUnimplemented.Error()})
}

func (e *Exporter) writeLock(target writeTarget) *sync.Mutex {
	e.rwMu.Lock()
	defer e.rwMu.Unlock()
	l, ok := e.rwLocks[target]
	if !ok {
		l = &sync.Mutex{}
		e.rwLocks[target] = l
	}
	return l
}

// releaseWriteLocks drops the write serialization entries of a
// departed client so the table does not grow with every pair ever
// written.
func (e *Exporter) releaseWriteLocks(clientID int32) {
	e.rwMu.Lock()
	defer e.rwMu.Unlock()
	for target := range e.rwLocks {
		if target.clientID == clientID {
			delete(e.rwLocks, target)
		}
	}
}

// Scanning.

func (e *Exporter) RegisterScannerCallback(sender dbus.Sender, path dbus.ObjectPath) (uint32, *dbus.Error) {
	owner := string(sender)
	cb := e.factory.scanner(owner, path)
	id := e.provider.RegisterScannerCallback(cb)

	e.mu.Lock()
	e.scannerCbs[id] = owner
	e.mu.Unlock()

	e.watcher.Watch(owner, func() { e.dropScannerCallback(id) })
	e.log.WithFields(logrus.Fields{"callback_id": id, "owner": owner}).Info("scanner callback registered")
	return id, nil
}

func (e *Exporter) dropScannerCallback(id uint32) {
	e.mu.Lock()
	_, ok := e.scannerCbs[id]
	delete(e.scannerCbs, id)
	e.mu.Unlock()
	if ok {
		e.provider.UnregisterScannerCallback(id)
	}
}

func (e *Exporter) UnregisterScannerCallback(callbackID uint32) (bool, *dbus.Error) {
	e.mu.Lock()
	_, known := e.scannerCbs[callbackID]
	delete(e.scannerCbs, callbackID)
	e.mu.Unlock()
	if !known {
		return false, nil
	}
	return e.provider.UnregisterScannerCallback(callbackID), nil
}

func (e *Exporter) RegisterScanner(callbackID uint32) ([]byte, *dbus.Error) {
	u, err := e.provider.RegisterScanner(callbackID)
	if err != nil {
		return nil, providerErr(err)
	}
	e.log.WithFields(logrus.Fields{"callback_id": callbackID, "uuid": u.String()}).Info("scanner registered")
	return wire.UuidToWire(u), nil
}

func (e *Exporter) UnregisterScanner(scannerID uint8) (bool, *dbus.Error) {
	return e.provider.UnregisterScanner(scannerID), nil
}

func (e *Exporter) StartScan(scannerID uint8, settings map[string]dbus.Variant, filters []map[string]dbus.Variant) *dbus.Error {
	s, err := wire.ScanSettingsFromWire(settings)
	if err != nil {
		return invalidArgs(err)
	}
	f, err := wire.ScanFiltersFromWire(filters)
	if err != nil {
		return invalidArgs(err)
	}
	if err := e.provider.StartScan(scannerID, s, f); err != nil {
		return providerErr(err)
	}
	return nil
}

func (e *Exporter) StopScan(scannerID uint8) *dbus.Error {
	if err := e.provider.StopScan(scannerID); err != nil {
		return providerErr(err)
	}
	return nil
}

// Scan-filter configuration, scan-parameter tuning and batch scanning
// are declared on the interface but not backed yet; they fail with a
// deterministic Unimplemented error rather than pretending to work.

func (e *Exporter) ScanFilterSetup() *dbus.Error { return unimplemented() }
func (e *Exporter) ScanFilterAdd() *dbus.Error { return unimplemented() }
func (e *Exporter) ScanFilterClear() *dbus.Error { return unimplemented() }
func (e *Exporter) ScanFilterEnable() *dbus.Error { return unimplemented() }
func (e *Exporter) ScanFilterDisable() *dbus.Error { return unimplemented() }
func (e *Exporter) SetScanParameters() *dbus.Error { return unimplemented() }
func (e *Exporter) BatchScanConfigStorage() *dbus.Error { return unimplemented() }
func (e *Exporter) BatchScanEnable() *dbus.Error { return unimplemented() }
func (e *Exporter) BatchScanDisable() *dbus.Error { return unimplemented() }
func (e *Exporter) BatchScanReadReports() *dbus.Error { return unimplemented() }

// Advertising.

func (e *Exporter) RegisterAdvertiserCallback(sender dbus.Sender, path dbus.ObjectPath) (uint32, *dbus.Error) {
	owner := string(sender)
	cb := e.factory.advertiser(owner, path)
	id := e.provider.RegisterAdvertiserCallback(cb)

	e.mu.Lock()
	e.advCbs[id] = owner
	e.mu.Unlock()

	e.watcher.Watch(owner, func() { e.dropAdvertiserCallback(id) })
	e.log.WithFields(logrus.Fields{"callback_id": id, "owner": owner}).Info("advertiser callback registered")
	return id, nil
}

func (e *Exporter) dropAdvertiserCallback(id uint32) {
	e.mu.Lock()
	_, ok := e.advCbs[id]
	delete(e.advCbs, id)
	e.mu.Unlock()
	if ok {
		e.provider.UnregisterAdvertiserCallback(id)
	}
}

func (e *Exporter) UnregisterAdvertiserCallback(callbackID uint32) *dbus.Error {
	e.mu.Lock()
	delete(e.advCbs, callbackID)
	e.mu.Unlock()
	e.provider.UnregisterAdvertiserCallback(callbackID)
	return nil
}

func (e *Exporter) StartAdvertisingSet(parameters map[string]dbus.Variant, advertiseData map[string]dbus.Variant,
	scanResponse map[string]dbus.Variant, periodicParameters map[string]dbus.Variant,
	periodicData map[string]dbus.Variant, duration int32, maxExtAdvEvents int32,
	callbackID uint32) (int32, *dbus.Error) {
	params, err := wire.AdvertisingSetParametersFromWire(parameters)
	if err != nil {
		return bluetooth.AdvertiserIDUnassigned, invalidArgs(err)
	}
	advData, err := wire.AdvertiseDataFromWire(advertiseData)
	if err != nil {
		return bluetooth.AdvertiserIDUnassigned, invalidArgs(err)
	}
	scanRsp, err := wire.OptionalAdvertiseDataFromWire(scanResponse)
	if err != nil {
		return bluetooth.AdvertiserIDUnassigned, invalidArgs(err)
	}
	periodicParams, perr := wire.OptionalPeriodicParametersFromWire(periodicParameters)
	if perr != nil {
		return bluetooth.AdvertiserIDUnassigned, invalidArgs(perr)
	}
	periodic, err := wire.OptionalAdvertiseDataFromWire(periodicData)
	if err != nil {
		return bluetooth.AdvertiserIDUnassigned, invalidArgs(err)
	}
	id, err := e.provider.StartAdvertisingSet(params, advData, scanRsp, periodicParams, periodic,
		duration, maxExtAdvEvents, callbackID)
	if err != nil {
		return bluetooth.AdvertiserIDUnassigned, providerErr(err)
	}
	e.log.WithField("advertiser_id", id).Info("advertising set started")
	return id, nil
}

func (e *Exporter) StopAdvertisingSet(advertiserID int32) *dbus.Error {
	if err := e.provider.StopAdvertisingSet(advertiserID); err != nil {
		return providerErr(err)
	}
	return nil
}

func (e *Exporter) GetOwnAddress(advertiserID int32) *dbus.Error {
	if err := e.provider.GetOwnAddress(advertiserID); err != nil {
		return providerErr(err)
	}
	return nil
}

func (e *Exporter) EnableAdvertisingSet(advertiserID int32, enable bool, duration int32, maxExtAdvEvents int32) *dbus.Error {
	if err := e.provider.EnableAdvertisingSet(advertiserID, enable, duration, maxExtAdvEvents); err != nil {
		return providerErr(err)
	}
	return nil
}

func (e *Exporter) SetAdvertisingData(advertiserID int32, data map[string]dbus.Variant) *dbus.Error {
	d, err := wire.AdvertiseDataFromWire(data)
	if err != nil {
		return invalidArgs(err)
	}
	if err := e.provider.SetAdvertisingData(advertiserID, d); err != nil {
		return providerErr(err)
	}
	return nil
}

func (e *Exporter) SetScanResponseData(advertiserID int32, data map[string]dbus.Variant) *dbus.Error {
	d, err := wire.AdvertiseDataFromWire(data)
	if err != nil {
		return invalidArgs(err)
	}
	if err := e.provider.SetScanResponseData(advertiserID, d); err != nil {
		return providerErr(err)
	}
	return nil
}

func (e *Exporter) SetAdvertisingParameters(advertiserID int32, parameters map[string]dbus.Variant) *dbus.Error {
	params, err := wire.AdvertisingSetParametersFromWire(parameters)
	if err != nil {
		return invalidArgs(err)
	}
	if err := e.provider.SetAdvertisingParameters(advertiserID, params); err != nil {
		return providerErr(err)
	}
	return nil
}

func (e *Exporter) SetPeriodicAdvertisingParameters(advertiserID int32, parameters map[string]dbus.Variant) *dbus.Error {
	params, err := wire.PeriodicAdvertisingParametersFromWire(parameters)
	if err != nil {
		return invalidArgs(err)
	}
	if err := e.provider.SetPeriodicAdvertisingParameters(advertiserID, params); err != nil {
		return providerErr(err)
	}
	return nil
}

func (e *Exporter) SetPeriodicAdvertisingData(advertiserID int32, data map[string]dbus.Variant) *dbus.Error {
	d, err := wire.AdvertiseDataFromWire(data)
	if err != nil {
		return invalidArgs(err)
	}
	if err := e.provider.SetPeriodicAdvertisingData(advertiserID, d); err != nil {
		return providerErr(err)
	}
	return nil
}

func (e *Exporter) SetPeriodicAdvertisingEnable(advertiserID int32, enable bool) *dbus.Error {
	if err := e.provider.SetPeriodicAdvertisingEnable(advertiserID, enable); err != nil {
		return providerErr(err)
	}
	return nil
}

// Periodic-advertising sync is not backed yet.

func (e *Exporter) StartSync() *dbus.Error { return unimplemented() }
func (e *Exporter) StopSync() *dbus.Error { return unimplemented() }
func (e *Exporter) CancelCreateSync() *dbus.Error { return unimplemented() }
func (e *Exporter) TransferSync() *dbus.Error { return unimplemented() }
func (e *Exporter) TransferSetInfo() *dbus.Error { return unimplemented() }
func (e *Exporter) SyncTxParameters() *dbus.Error { return unimplemented() }

// GATT client.

func (e *Exporter) RegisterClient(sender dbus.Sender, appUuid string, path dbus.ObjectPath, eattSupport bool) *dbus.Error {
	owner := string(sender)
	key := clientKey{owner: owner, path: path}
	tracked := newTrackedClient(e.factory.client(owner, path), e.lateUnregister)

	e.mu.Lock()
	e.clients[key] = tracked
	e.mu.Unlock()

	if err := e.provider.RegisterClient(appUuid, tracked, eattSupport); err != nil {
		e.mu.Lock()
		delete(e.clients, key)
		e.mu.Unlock()
		return providerErr(err)
	}

	e.watcher.Watch(owner, func() { e.dropClient(key) })
	e.log.WithFields(logrus.Fields{"app_uuid": appUuid, "owner": owner}).Info("gatt client registered")
	return nil
}

func (e *Exporter) dropClient(key clientKey) {
	e.mu.Lock()
	tracked, ok := e.clients[key]
	delete(e.clients, key)
	e.mu.Unlock()
	if !ok {
		return
	}
	if id, known := tracked.drop(); known {
		e.provider.UnregisterClient(id)
		e.releaseWriteLocks(id)
	}
}

// lateUnregister handles a registration event landing after its owner
// already disconnected: the id never reaches the departed endpoint and
// goes straight back to the provider.
func (e *Exporter) lateUnregister(clientID int32) {
	e.provider.UnregisterClient(clientID)
	e.releaseWriteLocks(clientID)
	e.log.WithField("client_id", clientID).Info("client unregistered, owner left before registration completed")
}

func (e *Exporter) UnregisterClient(clientID int32) *dbus.Error {
	e.mu.Lock()
	for key, tracked := range e.clients {
		if tracked.clientID() == clientID {
			delete(e.clients, key)
		}
	}
	e.mu.Unlock()
	e.releaseWriteLocks(clientID)
	if err := e.provider.UnregisterClient(clientID); err != nil {
		return providerErr(err)
	}
	return nil
}

func (e *Exporter) ClientConnect(clientID int32, addr string, isDirect bool, transport int32, opportunistic bool, phy int32) *dbus.Error {
	if err := e.provider.ClientConnect(clientID, addr, isDirect, transport, opportunistic, phy); err != nil {
		return providerErr(err)
	}
	return nil
}

func (e *Exporter) ClientDisconnect(clientID int32, addr string) *dbus.Error {
	if err := e.provider.ClientDisconnect(clientID, addr); err != nil {
		return providerErr(err)
	}
	return nil
}

func (e *Exporter) RefreshDevice(clientID int32, addr string) *dbus.Error {
	if err := e.provider.RefreshDevice(clientID, addr); err != nil {
		return providerErr(err)
	}
	return nil
}

func (e *Exporter) DiscoverServices(clientID int32, addr string) *dbus.Error {
	if err := e.provider.DiscoverServices(clientID, addr); err != nil {
		return providerErr(err)
	}
	return nil
}

func (e *Exporter) DiscoverServiceByUuid(clientID int32, addr string, uuid string) *dbus.Error {
	if err := e.provider.DiscoverServiceByUuid(clientID, addr, uuid); err != nil {
		return providerErr(err)
	}
	return nil
}

func (e *Exporter) ReadCharacteristic(clientID int32, addr string, handle int32, authReq int32) *dbus.Error {
	if err := e.provider.ReadCharacteristic(clientID, addr, handle, authReq); err != nil {
		return providerErr(err)
	}
	return nil
}

func (e *Exporter) ReadUsingCharacteristicUuid(clientID int32, addr string, uuid string, startHandle int32, endHandle int32, authReq int32) *dbus.Error {
	if err := e.provider.ReadUsingCharacteristicUuid(clientID, addr, uuid, startHandle, endHandle, authReq); err != nil {
		return providerErr(err)
	}
	return nil
}

// WriteCharacteristic returns the local admission result. Write
// traffic for one (client, address) pair is serialized against that
// pair's reliable-write transaction; a conflicting concurrent call
// gets BusyFail instead of blocking. Distinct pairs never contend.
func (e *Exporter) WriteCharacteristic(clientID int32, addr string, handle int32, writeType uint32, authReq int32, value []byte) (uint32, *dbus.Error) {
	wt, err := wire.GattWriteTypeFromWire(writeType)
	if err != nil {
		return uint32(bluetooth.WriteRequestFail), invalidArgs(err)
	}
	lock := e.writeLock(writeTarget{clientID: clientID, addr: addr})
	if !lock.TryLock() {
		return uint32(bluetooth.WriteBusyFail), nil
	}
	defer lock.Unlock()
	status := e.provider.WriteCharacteristic(clientID, addr, handle, wt, authReq, value)
	return uint32(status), nil
}

func (e *Exporter) ReadDescriptor(clientID int32, addr string, handle int32, authReq int32) *dbus.Error {
	if err := e.provider.ReadDescriptor(clientID, addr, handle, authReq); err != nil {
		return providerErr(err)
	}
	return nil
}

func (e *Exporter) WriteDescriptor(clientID int32, addr string, handle int32, authReq int32, value []byte) *dbus.Error {
	if err := e.provider.WriteDescriptor(clientID, addr, handle, authReq, value); err != nil {
		return providerErr(err)
	}
	return nil
}

func (e *Exporter) RegisterForNotification(clientID int32, addr string, handle int32, enable bool) *dbus.Error {
	if err := e.provider.RegisterForNotification(clientID, addr, handle, enable); err != nil {
		return providerErr(err)
	}
	return nil
}

func (e *Exporter) BeginReliableWrite(clientID int32, addr string) *dbus.Error {
	lock := e.writeLock(writeTarget{clientID: clientID, addr: addr})
	lock.Lock()
	defer lock.Unlock()
	if err := e.provider.BeginReliableWrite(clientID, addr); err != nil {
		return providerErr(err)
	}
	return nil
}

func (e *Exporter) EndReliableWrite(clientID int32, addr string, execute bool) *dbus.Error {
	lock := e.writeLock(writeTarget{clientID: clientID, addr: addr})
	lock.Lock()
	defer lock.Unlock()
	if err := e.provider.EndReliableWrite(clientID, addr, execute); err != nil {
		return providerErr(err)
	}
	return nil
}

func (e *Exporter) ReadRemoteRssi(clientID int32, addr string) *dbus.Error {
	if err := e.provider.ReadRemoteRssi(clientID, addr); err != nil {
		return providerErr(err)
	}
	return nil
}

func (e *Exporter) ConfigureMtu(clientID int32, addr string, mtu int32) *dbus.Error {
	if err := e.provider.ConfigureMtu(clientID, addr, mtu); err != nil {
		return providerErr(err)
	}
	return nil
}

func (e *Exporter) ConnectionParameterUpdate(clientID int32, addr string, minInterval int32, maxInterval int32,
	latency int32, timeout int32, minCeLen uint16, maxCeLen uint16) *dbus.Error {
	if err := e.provider.ConnectionParameterUpdate(clientID, addr, minInterval, maxInterval, latency, timeout, minCeLen, maxCeLen); err != nil {
		return providerErr(err)
	}
	return nil
}

func (e *Exporter) ClientSetPreferredPhy(clientID int32, addr string, txPhy uint32, rxPhy uint32, phyOptions int32) *dbus.Error {
	tx, err := wire.LePhyFromWire(txPhy)
	if err != nil {
		return invalidArgs(err)
	}
	rx, err := wire.LePhyFromWire(rxPhy)
	if err != nil {
		return invalidArgs(err)
	}
	if err := e.provider.ClientSetPreferredPhy(clientID, addr, tx, rx, phyOptions); err != nil {
		return providerErr(err)
	}
	return nil
}

func (e *Exporter) ClientReadPhy(clientID int32, addr string) *dbus.Error {
	if err := e.provider.ClientReadPhy(clientID, addr); err != nil {
		return providerErr(err)
	}
	return nil
}

// Remaining GATT-client extensions are not backed yet.

func (e *Exporter) ExecuteWrite() *dbus.Error { return unimplemented() }
func (e *Exporter) DeregisterForNotification() *dbus.Error { return unimplemented() }
func (e *Exporter) GetDeviceType() *dbus.Error { return unimplemented() }
func (e *Exporter) TestCommand() *dbus.Error { return unimplemented() }
func (e *Exporter) GetGattDb() *dbus.Error { return unimplemented() }

// GATT server role is not backed yet.

func (e *Exporter) RegisterServer() *dbus.Error { return unimplemented() }
func (e *Exporter) UnregisterServer() *dbus.Error { return unimplemented() }
func (e *Exporter) ServerConnect() *dbus.Error { return unimplemented() }
func (e *Exporter) ServerDisconnect() *dbus.Error { return unimplemented() }
func (e *Exporter) AddService() *dbus.Error { return unimplemented() }
func (e *Exporter) StopService() *dbus.Error { return unimplemented() }
func (e *Exporter) DeleteService() *dbus.Error { return unimplemented() }
func (e *Exporter) SendIndication() *dbus.Error { return unimplemented() }
func (e *Exporter) SendResponse() *dbus.Error { return unimplemented() }
func (e *Exporter) ServerSetPreferredPhy() *dbus.Error { return unimplemented() }
func (e *Exporter) ServerReadPhy() *dbus.Error { return unimplemented() }
