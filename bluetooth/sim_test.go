package bluetooth

import (
	"testing"
	"time"
)

const testAddr = "AA:BB:CC:DD:EE:FF"

// recordingClientCb is a no-op GattClientCallback with optional hooks
// for the events a test cares about.
type recordingClientCb struct {
	onRegistered func(status GattStatus, clientID int32)
	onConnState  func(status GattStatus, clientID int32, connected bool, addr string)
	onCharWrite  func(addr string, status GattStatus, handle int32)
	onExecWrite  func(addr string, status GattStatus)
}

func (c *recordingClientCb) OnClientRegistered(status GattStatus, clientID int32) {
	if c.onRegistered != nil {
		c.onRegistered(status, clientID)
	}
}

func (c *recordingClientCb) OnClientConnectionState(status GattStatus, clientID int32, connected bool, addr string) {
	if c.onConnState != nil {
		c.onConnState(status, clientID, connected, addr)
	}
}

func (c *recordingClientCb) OnCharacteristicWrite(addr string, status GattStatus, handle int32) {
	if c.onCharWrite != nil {
		c.onCharWrite(addr, status, handle)
	}
}

func (c *recordingClientCb) OnExecuteWrite(addr string, status GattStatus) {
	if c.onExecWrite != nil {
		c.onExecWrite(addr, status)
	}
}

func (c *recordingClientCb) OnPhyUpdate(string, LePhy, LePhy, GattStatus) {}
func (c *recordingClientCb) OnPhyRead(string, LePhy, LePhy, GattStatus) {}
func (c *recordingClientCb) OnSearchComplete(string, []GattService, GattStatus) {}
func (c *recordingClientCb) OnCharacteristicRead(string, GattStatus, int32, []byte) {}
func (c *recordingClientCb) OnDescriptorRead(string, GattStatus, int32, []byte) {}
func (c *recordingClientCb) OnDescriptorWrite(string, GattStatus, int32) {}
func (c *recordingClientCb) OnNotify(string, int32, []byte) {}
func (c *recordingClientCb) OnReadRemoteRssi(string, int32, GattStatus) {}
func (c *recordingClientCb) OnConfigureMtu(string, int32, GattStatus) {}
func (c *recordingClientCb) OnConnectionUpdated(string, int32, int32, int32, GattStatus) {}
func (c *recordingClientCb) OnServiceChanged(string) {}

// registerConnectedClient registers a client, waits for the id, and
// connects it to testAddr.
func registerConnectedClient(t *testing.T, p *SimProvider, cb *recordingClientCb) int32 {
	t.Helper()

	registered := make(chan int32, 1)
	base := cb.onRegistered
	cb.onRegistered = func(status GattStatus, clientID int32) {
		if base != nil {
			base(status, clientID)
		}
		if status != GattStatusSuccess {
			t.Errorf("registration failed with status %d", status)
		}
		registered <- clientID
	}

	if err := p.RegisterClient("7c3e9f10-1b2a-4c5d-8e6f-0123456789ab", cb, false); err != nil {
		t.Fatalf("RegisterClient failed: %v", err)
	}

	var clientID int32
	select {
	case clientID = <-registered:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for client registration")
	}

	if err := p.ClientConnect(clientID, testAddr, true, 0, false, 1); err != nil {
		t.Fatalf("ClientConnect failed: %v", err)
	}
	return clientID
}

func TestReliableWriteCommit(t *testing.T) {
	p := NewSimProvider()
	clientID := registerConnectedClient(t, p, &recordingClientCb{})

	if err := p.BeginReliableWrite(clientID, testAddr); err != nil {
		t.Fatalf("BeginReliableWrite failed: %v", err)
	}

	values := [][]byte{{0x01}, {0x02, 0x03}, {0x04}}
	for i, v := range values {
		status := p.WriteCharacteristic(clientID, testAddr, 2, GattWriteTypeDefault, 0, v)
		if status != WriteSuccess {
			t.Fatalf("queued write %d got status %d, want WriteSuccess", i, status)
		}
	}

	if err := p.EndReliableWrite(clientID, testAddr, true); err != nil {
		t.Fatalf("EndReliableWrite(execute) failed: %v", err)
	}

	committed := p.CommittedWrites(clientID, testAddr)
	if len(committed) != len(values) {
		t.Fatalf("committed %d writes, want %d", len(committed), len(values))
	}
	for i, v := range values {
		if string(committed[i]) != string(v) {
			t.Errorf("committed[%d] = %x, want %x", i, committed[i], v)
		}
	}
}

func TestReliableWriteDiscard(t *testing.T) {
	p := NewSimProvider()
	clientID := registerConnectedClient(t, p, &recordingClientCb{})

	if err := p.BeginReliableWrite(clientID, testAddr); err != nil {
		t.Fatalf("BeginReliableWrite failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if status := p.WriteCharacteristic(clientID, testAddr, 2, GattWriteTypeDefault, 0, []byte{byte(i)}); status != WriteSuccess {
			t.Fatalf("queued write got status %d", status)
		}
	}
	if err := p.EndReliableWrite(clientID, testAddr, false); err != nil {
		t.Fatalf("EndReliableWrite(discard) failed: %v", err)
	}

	if committed := p.CommittedWrites(clientID, testAddr); len(committed) != 0 {
		t.Errorf("discarded transaction committed %d writes", len(committed))
	}
}

func TestReliableWriteStateErrors(t *testing.T) {
	p := NewSimProvider()
	clientID := registerConnectedClient(t, p, &recordingClientCb{})

	if err := p.EndReliableWrite(clientID, testAddr, true); err == nil {
		t.Error("EndReliableWrite from idle should fail")
	}

	if err := p.BeginReliableWrite(clientID, testAddr); err != nil {
		t.Fatalf("BeginReliableWrite failed: %v", err)
	}
	if err := p.BeginReliableWrite(clientID, testAddr); err == nil {
		t.Error("BeginReliableWrite while accumulating should fail")
	}
	if err := p.EndReliableWrite(clientID, testAddr, false); err != nil {
		t.Fatalf("EndReliableWrite failed: %v", err)
	}
	if err := p.EndReliableWrite(clientID, testAddr, false); err == nil {
		t.Error("second EndReliableWrite should fail")
	}
}

func TestWriteBusyWhilePending(t *testing.T) {
	p := NewSimProvider()

	release := make(chan struct{})
	delivered := make(chan struct{}, 2)
	cb := &recordingClientCb{
		onCharWrite: func(string, GattStatus, int32) {
			<-release
			delivered <- struct{}{}
		},
	}
	clientID := registerConnectedClient(t, p, cb)

	if status := p.WriteCharacteristic(clientID, testAddr, 2, GattWriteTypeDefault, 0, []byte{0x01}); status != WriteSuccess {
		t.Fatalf("first write got status %d", status)
	}
	if status := p.WriteCharacteristic(clientID, testAddr, 2, GattWriteTypeDefault, 0, []byte{0x02}); status != WriteBusyFail {
		t.Errorf("conflicting write got status %d, want WriteBusyFail", status)
	}

	close(release)
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for write completion")
	}
}

func TestWriteAdmissionFailures(t *testing.T) {
	p := NewSimProvider()
	clientID := registerConnectedClient(t, p, &recordingClientCb{})

	if status := p.WriteCharacteristic(clientID, testAddr, 2, GattWriteTypeDefault, 0, make([]byte, 513)); status != WriteInvalidLengthFail {
		t.Errorf("oversized write got status %d, want WriteInvalidLengthFail", status)
	}

	// Handle 4 is the read-only characteristic in the sim database.
	if status := p.WriteCharacteristic(clientID, testAddr, 4, GattWriteTypeDefault, 0, []byte{0x01}); status != WritePermissionFail {
		t.Errorf("read-only write got status %d, want WritePermissionFail", status)
	}

	if status := p.WriteCharacteristic(clientID, "11:22:33:44:55:66", 2, GattWriteTypeDefault, 0, []byte{0x01}); status != WriteRequestFail {
		t.Errorf("write to unconnected peer got status %d, want WriteRequestFail", status)
	}
}

func TestScannerLifecycle(t *testing.T) {
	p := NewSimProvider()

	type registration struct {
		uuid      Uuid
		scannerID uint8
		status    GattStatus
	}
	registered := make(chan registration, 1)
	results := make(chan ScanResult, 1)
	cb := &recordingScannerCb{
		onRegistered: func(u Uuid, id uint8, status GattStatus) {
			registered <- registration{u, id, status}
		},
		onResult: func(r ScanResult) { results <- r },
	}

	cbID := p.RegisterScannerCallback(cb)
	appUuid, err := p.RegisterScanner(cbID)
	if err != nil {
		t.Fatalf("RegisterScanner failed: %v", err)
	}

	var reg registration
	select {
	case reg = <-registered:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for scanner registration")
	}
	if reg.status != GattStatusSuccess {
		t.Fatalf("registration status %d", reg.status)
	}
	if reg.uuid != appUuid {
		t.Errorf("registration uuid %s does not match returned %s", reg.uuid, appUuid)
	}

	if err := p.StartScan(reg.scannerID, ScanSettings{Interval: 96, Window: 48}, nil); err != nil {
		t.Fatalf("StartScan failed: %v", err)
	}
	select {
	case <-results:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for scan result")
	}
	if err := p.StopScan(reg.scannerID); err != nil {
		t.Fatalf("StopScan failed: %v", err)
	}

	if !p.UnregisterScanner(reg.scannerID) {
		t.Error("UnregisterScanner returned false for a live scanner")
	}
	if err := p.StartScan(reg.scannerID, ScanSettings{}, nil); err == nil {
		t.Error("StartScan on an unregistered scanner should fail")
	}
}

type recordingScannerCb struct {
	onRegistered func(uuid Uuid, scannerID uint8, status GattStatus)
	onResult     func(result ScanResult)
}

func (c *recordingScannerCb) OnScannerRegistered(uuid Uuid, scannerID uint8, status GattStatus) {
	if c.onRegistered != nil {
		c.onRegistered(uuid, scannerID, status)
	}
}

func (c *recordingScannerCb) OnScanResult(result ScanResult) {
	if c.onResult != nil {
		c.onResult(result)
	}
}
