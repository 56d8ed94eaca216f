package server

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/btlinux/gattd/bluetooth"
	"github.com/btlinux/gattd/wire"
)

const (
	testOwner = ":1.42"
	testPath  = dbus.ObjectPath("/test/callback")
	testAddr  = "AA:BB:CC:DD:EE:FF"
)

// fakeWatcher records cleanups per owner so tests can simulate a bus
// disconnect without a bus.
type fakeWatcher struct {
	mu       sync.Mutex
	cleanups map[string][]func()
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{cleanups: make(map[string][]func())}
}

func (w *fakeWatcher) Watch(owner string, cleanup func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cleanups[owner] = append(w.cleanups[owner], cleanup)
}

func (w *fakeWatcher) disconnect(owner string) {
	w.mu.Lock()
	cleanups := w.cleanups[owner]
	delete(w.cleanups, owner)
	w.mu.Unlock()
	for _, cleanup := range cleanups {
		cleanup()
	}
}

// fakeFactory hands out in-process callbacks instead of bus proxies.
type fakeFactory struct {
	scannerCb    bluetooth.ScannerCallback
	advertiserCb bluetooth.AdvertisingSetCallback
	clientCb     bluetooth.GattClientCallback
}

func (f fakeFactory) scanner(string, dbus.ObjectPath) bluetooth.ScannerCallback {
	return f.scannerCb
}

func (f fakeFactory) advertiser(string, dbus.ObjectPath) bluetooth.AdvertisingSetCallback {
	return f.advertiserCb
}

func (f fakeFactory) client(string, dbus.ObjectPath) bluetooth.GattClientCallback {
	return f.clientCb
}

type scannerEvents struct {
	registered chan struct {
		uuid      bluetooth.Uuid
		scannerID uint8
		status    bluetooth.GattStatus
	}
	results chan bluetooth.ScanResult
}

func newScannerEvents() *scannerEvents {
	return &scannerEvents{
		registered: make(chan struct {
			uuid      bluetooth.Uuid
			scannerID uint8
			status    bluetooth.GattStatus
		}, 4),
		results: make(chan bluetooth.ScanResult, 4),
	}
}

func (s *scannerEvents) OnScannerRegistered(uuid bluetooth.Uuid, scannerID uint8, status bluetooth.GattStatus) {
	s.registered <- struct {
		uuid      bluetooth.Uuid
		scannerID uint8
		status    bluetooth.GattStatus
	}{uuid, scannerID, status}
}

func (s *scannerEvents) OnScanResult(result bluetooth.ScanResult) {
	s.results <- result
}

// advertiserEvents records the start event and ignores the rest.
type advertiserEvents struct {
	started chan int32
}

func newAdvertiserEvents() *advertiserEvents {
	return &advertiserEvents{started: make(chan int32, 4)}
}

func (a *advertiserEvents) OnAdvertisingSetStarted(regID int32, advertiserID int32, txPower int32, status int32) {
	a.started <- advertiserID
}

func (a *advertiserEvents) OnOwnAddressRead(int32, int32, string) {}
func (a *advertiserEvents) OnAdvertisingSetStopped(int32) {}
func (a *advertiserEvents) OnAdvertisingEnabled(int32, bool, int32) {}
func (a *advertiserEvents) OnAdvertisingDataSet(int32, int32) {}
func (a *advertiserEvents) OnScanResponseDataSet(int32, int32) {}
func (a *advertiserEvents) OnAdvertisingParametersUpdated(int32, int32, int32) {}
func (a *advertiserEvents) OnPeriodicAdvertisingParametersUpdated(int32, int32) {}
func (a *advertiserEvents) OnPeriodicAdvertisingDataSet(int32, int32) {}
func (a *advertiserEvents) OnPeriodicAdvertisingEnabled(int32, bool, int32) {}

// clientEvents records registration and connection state, ignoring the
// data-path events.
type clientEvents struct {
	registered chan int32
	connected  chan bool
	executed   chan bluetooth.GattStatus
}

func newClientEvents() *clientEvents {
	return &clientEvents{
		registered: make(chan int32, 4),
		connected:  make(chan bool, 4),
		executed:   make(chan bluetooth.GattStatus, 4),
	}
}

func (c *clientEvents) OnClientRegistered(status bluetooth.GattStatus, clientID int32) {
	c.registered <- clientID
}

func (c *clientEvents) OnClientConnectionState(status bluetooth.GattStatus, clientID int32, connected bool, addr string) {
	c.connected <- connected
}

func (c *clientEvents) OnExecuteWrite(addr string, status bluetooth.GattStatus) {
	c.executed <- status
}

func (c *clientEvents) OnPhyUpdate(string, bluetooth.LePhy, bluetooth.LePhy, bluetooth.GattStatus) {}
func (c *clientEvents) OnPhyRead(string, bluetooth.LePhy, bluetooth.LePhy, bluetooth.GattStatus) {}
func (c *clientEvents) OnSearchComplete(string, []bluetooth.GattService, bluetooth.GattStatus) {}
func (c *clientEvents) OnCharacteristicRead(string, bluetooth.GattStatus, int32, []byte) {}
func (c *clientEvents) OnCharacteristicWrite(string, bluetooth.GattStatus, int32) {}
func (c *clientEvents) OnDescriptorRead(string, bluetooth.GattStatus, int32, []byte) {}
func (c *clientEvents) OnDescriptorWrite(string, bluetooth.GattStatus, int32) {}
func (c *clientEvents) OnNotify(string, int32, []byte) {}
func (c *clientEvents) OnReadRemoteRssi(string, int32, bluetooth.GattStatus) {}
func (c *clientEvents) OnConfigureMtu(string, int32, bluetooth.GattStatus) {}
func (c *clientEvents) OnConnectionUpdated(string, int32, int32, int32, bluetooth.GattStatus) {}
func (c *clientEvents) OnServiceChanged(string) {}

func waitInt32(t *testing.T, ch chan int32, what string) int32 {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for %s", what)
		return 0
	}
}

// registerTestClient registers a client through the exporter and waits
// for the assigned id.
func registerTestClient(t *testing.T, e *Exporter, events *clientEvents) int32 {
	t.Helper()
	if derr := e.RegisterClient(dbus.Sender(testOwner), "7c3e9f10-1b2a-4c5d-8e6f-0123456789ab", testPath, false); derr != nil {
		t.Fatalf("RegisterClient failed: %v", derr)
	}
	return waitInt32(t, events.registered, "client registration")
}

func TestUnimplementedOperations(t *testing.T) {
	e := newExporter(bluetooth.NewSimProvider(), newFakeWatcher(), fakeFactory{}, nil)

	ops := map[string]func() *dbus.Error{
		"ScanFilterSetup":           e.ScanFilterSetup,
		"ScanFilterAdd":             e.ScanFilterAdd,
		"SetScanParameters":         e.SetScanParameters,
		"BatchScanEnable":           e.BatchScanEnable,
		"BatchScanReadReports":      e.BatchScanReadReports,
		"StartSync":                 e.StartSync,
		"TransferSync":              e.TransferSync,
		"ExecuteWrite":              e.ExecuteWrite,
		"DeregisterForNotification": e.DeregisterForNotification,
		"GetGattDb":                 e.GetGattDb,
		"RegisterServer":            e.RegisterServer,
		"AddService":                e.AddService,
		"SendResponse":              e.SendResponse,
		"ServerReadPhy":             e.ServerReadPhy,
	}
	for name, op := range ops {
		derr := op()
		if derr == nil {
			t.Errorf("%s returned no error", name)
			continue
		}
		if derr.Name != errUnimplemented {
			t.Errorf("%s returned %q, want %q", name, derr.Name, errUnimplemented)
		}
	}
}

func TestScanLifecycle(t *testing.T) {
	events := newScannerEvents()
	e := newExporter(bluetooth.NewSimProvider(), newFakeWatcher(), fakeFactory{scannerCb: events}, nil)

	cbID, derr := e.RegisterScannerCallback(dbus.Sender(testOwner), testPath)
	if derr != nil {
		t.Fatalf("RegisterScannerCallback failed: %v", derr)
	}

	uuidBytes, derr := e.RegisterScanner(cbID)
	if derr != nil {
		t.Fatalf("RegisterScanner failed: %v", derr)
	}
	if len(uuidBytes) != 16 {
		t.Fatalf("RegisterScanner returned %d bytes, want 16", len(uuidBytes))
	}

	var scannerID uint8
	select {
	case reg := <-events.registered:
		if reg.status != bluetooth.GattStatusSuccess {
			t.Fatalf("registration status %d", reg.status)
		}
		if !bytes.Equal(wire.UuidToWire(reg.uuid), uuidBytes) {
			t.Fatalf("registration uuid %s does not match the returned one", reg.uuid)
		}
		scannerID = reg.scannerID
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for scanner registration")
	}

	settings := wire.ScanSettingsToWire(bluetooth.ScanSettings{
		Interval: 96,
		Window:   48,
		ScanType: bluetooth.ScanTypeActive,
	})
	if derr := e.StartScan(scannerID, settings, nil); derr != nil {
		t.Fatalf("StartScan failed: %v", derr)
	}
	select {
	case result := <-events.results:
		if result.Address == "" {
			t.Error("scan result carried no address")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for scan result")
	}
	if derr := e.StopScan(scannerID); derr != nil {
		t.Fatalf("StopScan failed: %v", derr)
	}
}

func TestStartScanRejectsBadSettings(t *testing.T) {
	events := newScannerEvents()
	e := newExporter(bluetooth.NewSimProvider(), newFakeWatcher(), fakeFactory{scannerCb: events}, nil)

	cbID, _ := e.RegisterScannerCallback(dbus.Sender(testOwner), testPath)
	if _, derr := e.RegisterScanner(cbID); derr != nil {
		t.Fatalf("RegisterScanner failed: %v", derr)
	}
	var scannerID uint8
	select {
	case reg := <-events.registered:
		scannerID = reg.scannerID
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for scanner registration")
	}

	settings := wire.ScanSettingsToWire(bluetooth.ScanSettings{})
	settings["scan_type"] = dbus.MakeVariant(uint32(7))
	derr := e.StartScan(scannerID, settings, nil)
	if derr == nil {
		t.Fatal("StartScan accepted an unknown scan type")
	}
	if derr.Name != errInvalidArguments {
		t.Errorf("got error %q, want %q", derr.Name, errInvalidArguments)
	}
}

func TestScannerDisconnectCleanup(t *testing.T) {
	events := newScannerEvents()
	watcher := newFakeWatcher()
	e := newExporter(bluetooth.NewSimProvider(), watcher, fakeFactory{scannerCb: events}, nil)

	cbID, derr := e.RegisterScannerCallback(dbus.Sender(testOwner), testPath)
	if derr != nil {
		t.Fatalf("RegisterScannerCallback failed: %v", derr)
	}

	watcher.disconnect(testOwner)

	known, _ := e.UnregisterScannerCallback(cbID)
	if known {
		t.Error("callback still registered after owner disconnect")
	}
	if _, derr := e.RegisterScanner(cbID); derr == nil {
		t.Error("RegisterScanner succeeded against a cleaned-up callback")
	}
}

func TestAdvertisingLifecycle(t *testing.T) {
	events := newAdvertiserEvents()
	e := newExporter(bluetooth.NewSimProvider(), newFakeWatcher(), fakeFactory{advertiserCb: events}, nil)

	cbID, derr := e.RegisterAdvertiserCallback(dbus.Sender(testOwner), testPath)
	if derr != nil {
		t.Fatalf("RegisterAdvertiserCallback failed: %v", derr)
	}

	params := wire.AdvertisingSetParametersToWire(bluetooth.AdvertisingSetParameters{
		Connectable: true,
		IsLegacy:    true,
		Interval:    400,
	})
	advData := wire.AdvertiseDataToWire(bluetooth.AdvertiseData{
		ServiceUuids:        []string{"0000180d-0000-1000-8000-00805f9b34fb"},
		IncludeTxPowerLevel: true,
	})
	empty := wire.OptionalAdvertiseDataToWire(nil)

	id, derr := e.StartAdvertisingSet(params, advData, empty, wire.Props{}, empty, 0, 0, cbID)
	if derr != nil {
		t.Fatalf("StartAdvertisingSet failed: %v", derr)
	}
	if id == bluetooth.AdvertiserIDUnassigned {
		t.Fatal("StartAdvertisingSet returned the unassigned id on success")
	}
	if started := waitInt32(t, events.started, "advertising start"); started != id {
		t.Errorf("start event for advertiser %d, want %d", started, id)
	}

	if derr := e.StopAdvertisingSet(id); derr != nil {
		t.Fatalf("StopAdvertisingSet failed: %v", derr)
	}
}

func TestStartAdvertisingSetFailures(t *testing.T) {
	e := newExporter(bluetooth.NewSimProvider(), newFakeWatcher(), fakeFactory{advertiserCb: newAdvertiserEvents()}, nil)

	params := wire.AdvertisingSetParametersToWire(bluetooth.AdvertisingSetParameters{})
	advData := wire.AdvertiseDataToWire(bluetooth.AdvertiseData{})
	empty := wire.OptionalAdvertiseDataToWire(nil)

	// Unknown callback id: provider rejection, unassigned id.
	id, derr := e.StartAdvertisingSet(params, advData, empty, wire.Props{}, empty, 0, 0, 999)
	if derr == nil || derr.Name != errFailed {
		t.Errorf("unknown callback: got %v, want a %q error", derr, errFailed)
	}
	if id != bluetooth.AdvertiserIDUnassigned {
		t.Errorf("unknown callback: id %d, want %d", id, bluetooth.AdvertiserIDUnassigned)
	}

	// Malformed parameters: marshalling rejection, unassigned id.
	bad := wire.AdvertisingSetParametersToWire(bluetooth.AdvertisingSetParameters{})
	bad["connectable"] = dbus.MakeVariant("yes")
	id, derr = e.StartAdvertisingSet(bad, advData, empty, wire.Props{}, empty, 0, 0, 1)
	if derr == nil || derr.Name != errInvalidArguments {
		t.Errorf("bad parameters: got %v, want a %q error", derr, errInvalidArguments)
	}
	if id != bluetooth.AdvertiserIDUnassigned {
		t.Errorf("bad parameters: id %d, want %d", id, bluetooth.AdvertiserIDUnassigned)
	}
}

// gatedRegistrationProvider holds the registration event back until
// the gate opens, modeling a slow provider.
type gatedRegistrationProvider struct {
	*bluetooth.SimProvider
	gate chan struct{}
}

func (p *gatedRegistrationProvider) RegisterClient(appUuid string, cb bluetooth.GattClientCallback, eattSupport bool) error {
	return p.SimProvider.RegisterClient(appUuid, &gatedClientCallback{GattClientCallback: cb, gate: p.gate}, eattSupport)
}

type gatedClientCallback struct {
	bluetooth.GattClientCallback
	gate chan struct{}
}

func (g *gatedClientCallback) OnClientRegistered(status bluetooth.GattStatus, clientID int32) {
	<-g.gate
	g.GattClientCallback.OnClientRegistered(status, clientID)
}

func TestClientDisconnectBeforeRegistrationEvent(t *testing.T) {
	events := newClientEvents()
	provider := &gatedRegistrationProvider{
		SimProvider: bluetooth.NewSimProvider(),
		gate:        make(chan struct{}),
	}
	watcher := newFakeWatcher()
	e := newExporter(provider, watcher, fakeFactory{clientCb: events}, nil)

	if derr := e.RegisterClient(dbus.Sender(testOwner), "7c3e9f10-1b2a-4c5d-8e6f-0123456789ab", testPath, false); derr != nil {
		t.Fatalf("RegisterClient failed: %v", derr)
	}

	// The owner goes away while the registration event is still held
	// up inside the provider.
	watcher.disconnect(testOwner)
	close(provider.gate)

	// Once the event lands, the freshly assigned id must go straight
	// back to the provider.
	deadline := time.Now().Add(time.Second)
	for !strings.Contains(provider.String(), "clients=0") {
		if time.Now().After(deadline) {
			t.Fatalf("provider still holds the client: %s", provider.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The departed endpoint must not see the registration either.
	select {
	case id := <-events.registered:
		t.Errorf("registration for client %d was forwarded to a departed endpoint", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWriteLocksReleasedOnUnregister(t *testing.T) {
	events := newClientEvents()
	e := newExporter(bluetooth.NewSimProvider(), newFakeWatcher(), fakeFactory{clientCb: events}, nil)

	clientID := registerTestClient(t, e, events)
	if derr := e.ClientConnect(clientID, testAddr, true, 0, false, 1); derr != nil {
		t.Fatalf("ClientConnect failed: %v", derr)
	}
	if _, derr := e.WriteCharacteristic(clientID, testAddr, 2, uint32(bluetooth.GattWriteTypeDefault), 0, []byte{0x01}); derr != nil {
		t.Fatalf("WriteCharacteristic failed: %v", derr)
	}

	e.rwMu.Lock()
	locks := len(e.rwLocks)
	e.rwMu.Unlock()
	if locks == 0 {
		t.Fatal("write left no serialization entry to release")
	}

	if derr := e.UnregisterClient(clientID); derr != nil {
		t.Fatalf("UnregisterClient failed: %v", derr)
	}
	e.rwMu.Lock()
	locks = len(e.rwLocks)
	e.rwMu.Unlock()
	if locks != 0 {
		t.Errorf("%d write locks left after unregister", locks)
	}
}

func TestExporterClose(t *testing.T) {
	e := newExporter(bluetooth.NewSimProvider(), newFakeWatcher(), fakeFactory{}, nil)

	// No watcher hook attached: Close is a no-op.
	e.Close()

	stopped := 0
	e.stop = func() { stopped++ }
	e.Close()
	if stopped != 1 {
		t.Errorf("stop hook ran %d times, want 1", stopped)
	}
}

func TestClientDisconnectUnregisters(t *testing.T) {
	events := newClientEvents()
	watcher := newFakeWatcher()
	provider := bluetooth.NewSimProvider()
	e := newExporter(provider, watcher, fakeFactory{clientCb: events}, nil)

	clientID := registerTestClient(t, e, events)
	if derr := e.ClientConnect(clientID, testAddr, true, 0, false, 1); derr != nil {
		t.Fatalf("ClientConnect failed: %v", derr)
	}
	if _, derr := e.WriteCharacteristic(clientID, testAddr, 2, uint32(bluetooth.GattWriteTypeDefault), 0, []byte{0x01}); derr != nil {
		t.Fatalf("WriteCharacteristic failed: %v", derr)
	}

	watcher.disconnect(testOwner)

	if derr := e.ClientConnect(clientID, testAddr, true, 0, false, 1); derr == nil {
		t.Error("ClientConnect succeeded for an unregistered client")
	}
	e.rwMu.Lock()
	locks := len(e.rwLocks)
	e.rwMu.Unlock()
	if locks != 0 {
		t.Errorf("%d write locks left after owner disconnect", locks)
	}
}

func TestReliableWriteFlow(t *testing.T) {
	events := newClientEvents()
	provider := bluetooth.NewSimProvider()
	e := newExporter(provider, newFakeWatcher(), fakeFactory{clientCb: events}, nil)

	clientID := registerTestClient(t, e, events)
	if derr := e.ClientConnect(clientID, testAddr, true, 0, false, 1); derr != nil {
		t.Fatalf("ClientConnect failed: %v", derr)
	}
	select {
	case <-events.connected:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for connection event")
	}

	// End with no transaction open is a provider rejection.
	if derr := e.EndReliableWrite(clientID, testAddr, true); derr == nil || derr.Name != errFailed {
		t.Errorf("idle EndReliableWrite: got %v, want a %q error", derr, errFailed)
	}

	if derr := e.BeginReliableWrite(clientID, testAddr); derr != nil {
		t.Fatalf("BeginReliableWrite failed: %v", derr)
	}
	for i := 0; i < 2; i++ {
		status, derr := e.WriteCharacteristic(clientID, testAddr, 2, uint32(bluetooth.GattWriteTypeDefault), 0, []byte{byte(i)})
		if derr != nil {
			t.Fatalf("WriteCharacteristic failed: %v", derr)
		}
		if status != uint32(bluetooth.WriteSuccess) {
			t.Fatalf("queued write got status %d", status)
		}
	}
	if derr := e.EndReliableWrite(clientID, testAddr, true); derr != nil {
		t.Fatalf("EndReliableWrite failed: %v", derr)
	}
	select {
	case status := <-events.executed:
		if status != bluetooth.GattStatusSuccess {
			t.Errorf("execute completed with status %d", status)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for execute event")
	}

	if committed := provider.CommittedWrites(clientID, testAddr); len(committed) != 2 {
		t.Errorf("committed %d writes, want 2", len(committed))
	}
}

func TestWriteCharacteristicRejectsBadWriteType(t *testing.T) {
	events := newClientEvents()
	e := newExporter(bluetooth.NewSimProvider(), newFakeWatcher(), fakeFactory{clientCb: events}, nil)
	clientID := registerTestClient(t, e, events)

	status, derr := e.WriteCharacteristic(clientID, testAddr, 2, 99, 0, []byte{0x01})
	if derr == nil || derr.Name != errInvalidArguments {
		t.Errorf("got %v, want a %q error", derr, errInvalidArguments)
	}
	if status != uint32(bluetooth.WriteRequestFail) {
		t.Errorf("got status %d, want WriteRequestFail", status)
	}
}

// blockingWriteProvider parks writes against one address until
// released, so a test can hold the write path open.
type blockingWriteProvider struct {
	*bluetooth.SimProvider
	blockAddr string
	entered   chan struct{}
	release   chan struct{}
}

func (p *blockingWriteProvider) WriteCharacteristic(clientID int32, addr string, handle int32,
	writeType bluetooth.GattWriteType, authReq int32, value []byte) bluetooth.GattWriteRequestStatus {
	if addr == p.blockAddr {
		p.entered <- struct{}{}
		<-p.release
	}
	return bluetooth.WriteSuccess
}

func TestWriteSerializationPerTarget(t *testing.T) {
	provider := &blockingWriteProvider{
		SimProvider: bluetooth.NewSimProvider(),
		blockAddr:   testAddr,
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
	events := newClientEvents()
	e := newExporter(provider, newFakeWatcher(), fakeFactory{clientCb: events}, nil)
	clientID := registerTestClient(t, e, events)

	firstDone := make(chan uint32, 1)
	go func() {
		status, _ := e.WriteCharacteristic(clientID, testAddr, 2, uint32(bluetooth.GattWriteTypeDefault), 0, []byte{0x01})
		firstDone <- status
	}()
	select {
	case <-provider.entered:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for first write to enter the provider")
	}

	// Same target while the first write holds the lock: immediate busy.
	status, derr := e.WriteCharacteristic(clientID, testAddr, 2, uint32(bluetooth.GattWriteTypeDefault), 0, []byte{0x02})
	if derr != nil {
		t.Fatalf("conflicting write failed: %v", derr)
	}
	if status != uint32(bluetooth.WriteBusyFail) {
		t.Errorf("conflicting write got status %d, want WriteBusyFail", status)
	}

	// A different target never contends with the blocked one.
	status, derr = e.WriteCharacteristic(clientID, "11:22:33:44:55:66", 2, uint32(bluetooth.GattWriteTypeDefault), 0, []byte{0x03})
	if derr != nil {
		t.Fatalf("independent write failed: %v", derr)
	}
	if status != uint32(bluetooth.WriteSuccess) {
		t.Errorf("independent write got status %d, want WriteSuccess", status)
	}

	close(provider.release)
	select {
	case status := <-firstDone:
		if status != uint32(bluetooth.WriteSuccess) {
			t.Errorf("first write got status %d, want WriteSuccess", status)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for first write to finish")
	}
}
