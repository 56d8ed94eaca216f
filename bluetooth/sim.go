package bluetooth

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// attMaxValueLen is the longest attribute value a write may carry.
const attMaxValueLen = 512

// permission bits of the simulated GATT database.
const (
	permRead  = 0x01
	permWrite = 0x10
)

type rwKey struct {
	clientID int32
	addr     string
}

type writeKey struct {
	clientID int32
	addr     string
	handle   int32
}

type queuedWrite struct {
	handle    int32
	writeType GattWriteType
	value     []byte
}

type simScanner struct {
	callbackID uint32
	uuid       Uuid
	scanning   bool
}

type simAdvSet struct {
	callbackID uint32
	params     AdvertisingSetParameters
	enabled    bool
}

type simClient struct {
	appUuid Uuid
	cb      GattClientCallback
	conns   map[string]bool
}

// SimProvider is an in-memory control-plane provider. It allocates
// actor handles, keeps scan/advertising/client bookkeeping, implements
// the reliable-write transaction state machine, and delivers every
// event asynchronously, the way the real stack does. It backs the
// daemon in development runs and the test suite.
type SimProvider struct {
	mu sync.Mutex

	log *logrus.Entry

	nextScannerCbID uint32
	scannerCbs      map[uint32]ScannerCallback
	nextScannerID   uint8
	scanners        map[uint8]*simScanner

	nextAdvCbID      uint32
	advCbs           map[uint32]AdvertisingSetCallback
	nextAdvertiserID int32
	advSets          map[int32]*simAdvSet

	nextClientID int32
	clients      map[int32]*simClient

	txns      map[rwKey][]queuedWrite
	committed map[rwKey][]queuedWrite
	inflight  map[writeKey]bool

	db      []GattService
	ownAddr string
}

// NewSimProvider returns a provider with a small canned GATT database
// behind every connected peer.
func NewSimProvider() *SimProvider {
	return &SimProvider{
		log:        logrus.WithField("subsystem", "sim_provider"),
		scannerCbs: make(map[uint32]ScannerCallback),
		scanners:   make(map[uint8]*simScanner),
		advCbs:     make(map[uint32]AdvertisingSetCallback),
		advSets:    make(map[int32]*simAdvSet),
		clients:    make(map[int32]*simClient),
		txns:       make(map[rwKey][]queuedWrite),
		committed:  make(map[rwKey][]queuedWrite),
		inflight:   make(map[writeKey]bool),
		db:         simGattDb(),
		ownAddr:    "00:11:22:33:44:55",
	}
}

// simGattDb builds the service tree every simulated peer serves:
// a primary service with a writable characteristic, a read-only
// characteristic, and a secondary included service.
func simGattDb() []GattService {
	svcUuid := mustUuid("0000180d-0000-1000-8000-00805f9b34fb")
	return []GattService{{
		Uuid:        svcUuid,
		InstanceID:  1,
		ServiceType: ServiceTypePrimary,
		Characteristics: []GattCharacteristic{
			{
				Uuid:        mustUuid("00002a37-0000-1000-8000-00805f9b34fb"),
				InstanceID:  2,
				Properties:  0x0a,
				Permissions: permRead | permWrite,
				KeySize:     16,
				WriteType:   GattWriteTypeDefault,
				Descriptors: []GattDescriptor{{
					Uuid:        mustUuid("00002902-0000-1000-8000-00805f9b34fb"),
					InstanceID:  3,
					Permissions: permRead | permWrite,
				}},
			},
			{
				Uuid:        mustUuid("00002a38-0000-1000-8000-00805f9b34fb"),
				InstanceID:  4,
				Properties:  0x02,
				Permissions: permRead,
				KeySize:     16,
				WriteType:   GattWriteTypeDefault,
			},
		},
		IncludedServices: []GattService{{
			Uuid:        mustUuid("0000180f-0000-1000-8000-00805f9b34fb"),
			InstanceID:  5,
			ServiceType: ServiceTypeSecondary,
		}},
	}}
}

func mustUuid(s string) Uuid {
	u, err := uuid.Parse(s)
	if err != nil {
		panic(err)
	}
	return Uuid(u)
}

func (p *SimProvider) characteristicAt(handle int32) *GattCharacteristic {
	for si := range p.db {
		for ci := range p.db[si].Characteristics {
			if p.db[si].Characteristics[ci].InstanceID == handle {
				return &p.db[si].Characteristics[ci]
			}
		}
	}
	return nil
}

// Scanning.

func (p *SimProvider) RegisterScannerCallback(cb ScannerCallback) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextScannerCbID++
	id := p.nextScannerCbID
	p.scannerCbs[id] = cb
	p.log.WithField("callback_id", id).Debug("scanner callback registered")
	return id
}

func (p *SimProvider) UnregisterScannerCallback(callbackID uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.scannerCbs[callbackID]; !ok {
		return false
	}
	delete(p.scannerCbs, callbackID)
	for id, s := range p.scanners {
		if s.callbackID == callbackID {
			delete(p.scanners, id)
		}
	}
	return true
}

func (p *SimProvider) RegisterScanner(callbackID uint32) (Uuid, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cb, ok := p.scannerCbs[callbackID]
	if !ok {
		return Uuid{}, errors.Errorf("unknown scanner callback %d", callbackID)
	}
	p.nextScannerID++
	id := p.nextScannerID
	appUuid := Uuid(uuid.New())
	p.scanners[id] = &simScanner{callbackID: callbackID, uuid: appUuid}
	go cb.OnScannerRegistered(appUuid, id, GattStatusSuccess)
	return appUuid, nil
}

func (p *SimProvider) UnregisterScanner(scannerID uint8) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.scanners[scannerID]; !ok {
		return false
	}
	delete(p.scanners, scannerID)
	return true
}

func (p *SimProvider) StartScan(scannerID uint8, settings ScanSettings, filters []ScanFilter) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.scanners[scannerID]
	if !ok {
		return errors.Errorf("unknown scanner %d", scannerID)
	}
	s.scanning = true
	cb := p.scannerCbs[s.callbackID]
	p.log.WithFields(logrus.Fields{
		"scanner_id": scannerID,
		"interval":   settings.Interval,
		"window":     settings.Window,
	}).Info("scan started")
	// One synthetic report so a freshly started scanner sees traffic.
	go cb.OnScanResult(ScanResult{
		Address:    "AA:BB:CC:DD:EE:FF",
		AddrType:   1,
		EventType:  0x1b,
		PrimaryPhy: uint8(LePhy1m),
		TxPower:    -7,
		Rssi:       -60,
		AdvData:    []byte{0x02, 0x01, 0x06},
	})
	return nil
}

func (p *SimProvider) StopScan(scannerID uint8) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.scanners[scannerID]
	if !ok {
		return errors.Errorf("unknown scanner %d", scannerID)
	}
	s.scanning = false
	return nil
}

// Advertising.

func (p *SimProvider) RegisterAdvertiserCallback(cb AdvertisingSetCallback) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextAdvCbID++
	id := p.nextAdvCbID
	p.advCbs[id] = cb
	return id
}

func (p *SimProvider) UnregisterAdvertiserCallback(callbackID uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.advCbs, callbackID)
	for id, set := range p.advSets {
		if set.callbackID == callbackID {
			delete(p.advSets, id)
		}
	}
}

func (p *SimProvider) StartAdvertisingSet(params AdvertisingSetParameters, advData AdvertiseData,
	scanResponse *AdvertiseData, periodicParams *PeriodicAdvertisingParameters,
	periodicData *AdvertiseData, duration int32, maxExtAdvEvents int32,
	callbackID uint32) (int32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cb, ok := p.advCbs[callbackID]
	if !ok {
		return AdvertiserIDUnassigned, errors.Errorf("unknown advertiser callback %d", callbackID)
	}
	p.nextAdvertiserID++
	id := p.nextAdvertiserID
	p.advSets[id] = &simAdvSet{callbackID: callbackID, params: params, enabled: true}
	p.log.WithField("advertiser_id", id).Info("advertising set started")
	go cb.OnAdvertisingSetStarted(id, id, params.TxPowerLevel, 0)
	return id, nil
}

func (p *SimProvider) advEvent(advertiserID int32, deliver func(cb AdvertisingSetCallback)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.advSets[advertiserID]
	if !ok {
		return errors.Errorf("unknown advertiser %d", advertiserID)
	}
	cb := p.advCbs[set.callbackID]
	go deliver(cb)
	return nil
}

func (p *SimProvider) StopAdvertisingSet(advertiserID int32) error {
	p.mu.Lock()
	set, ok := p.advSets[advertiserID]
	if !ok {
		p.mu.Unlock()
		return errors.Errorf("unknown advertiser %d", advertiserID)
	}
	delete(p.advSets, advertiserID)
	cb := p.advCbs[set.callbackID]
	p.mu.Unlock()
	if cb != nil {
		go cb.OnAdvertisingSetStopped(advertiserID)
	}
	return nil
}

func (p *SimProvider) GetOwnAddress(advertiserID int32) error {
	addr := p.ownAddr
	return p.advEvent(advertiserID, func(cb AdvertisingSetCallback) {
		cb.OnOwnAddressRead(advertiserID, 0, addr)
	})
}

func (p *SimProvider) EnableAdvertisingSet(advertiserID int32, enable bool, duration int32, maxExtAdvEvents int32) error {
	return p.advEvent(advertiserID, func(cb AdvertisingSetCallback) {
		cb.OnAdvertisingEnabled(advertiserID, enable, 0)
	})
}

func (p *SimProvider) SetAdvertisingData(advertiserID int32, data AdvertiseData) error {
	return p.advEvent(advertiserID, func(cb AdvertisingSetCallback) {
		cb.OnAdvertisingDataSet(advertiserID, 0)
	})
}

func (p *SimProvider) SetScanResponseData(advertiserID int32, data AdvertiseData) error {
	return p.advEvent(advertiserID, func(cb AdvertisingSetCallback) {
		cb.OnScanResponseDataSet(advertiserID, 0)
	})
}

func (p *SimProvider) SetAdvertisingParameters(advertiserID int32, params AdvertisingSetParameters) error {
	return p.advEvent(advertiserID, func(cb AdvertisingSetCallback) {
		cb.OnAdvertisingParametersUpdated(advertiserID, params.TxPowerLevel, 0)
	})
}

func (p *SimProvider) SetPeriodicAdvertisingParameters(advertiserID int32, params PeriodicAdvertisingParameters) error {
	return p.advEvent(advertiserID, func(cb AdvertisingSetCallback) {
		cb.OnPeriodicAdvertisingParametersUpdated(advertiserID, 0)
	})
}

func (p *SimProvider) SetPeriodicAdvertisingData(advertiserID int32, data AdvertiseData) error {
	return p.advEvent(advertiserID, func(cb AdvertisingSetCallback) {
		cb.OnPeriodicAdvertisingDataSet(advertiserID, 0)
	})
}

func (p *SimProvider) SetPeriodicAdvertisingEnable(advertiserID int32, enable bool) error {
	return p.advEvent(advertiserID, func(cb AdvertisingSetCallback) {
		cb.OnPeriodicAdvertisingEnabled(advertiserID, enable, 0)
	})
}

// GATT client.

func (p *SimProvider) RegisterClient(appUuid string, cb GattClientCallback, eattSupport bool) error {
	parsed, err := uuid.Parse(appUuid)
	if err != nil {
		return errors.Wrap(err, "app uuid")
	}
	p.mu.Lock()
	p.nextClientID++
	id := p.nextClientID
	p.clients[id] = &simClient{appUuid: Uuid(parsed), cb: cb, conns: make(map[string]bool)}
	p.mu.Unlock()
	go cb.OnClientRegistered(GattStatusSuccess, id)
	return nil
}

func (p *SimProvider) UnregisterClient(clientID int32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.clients[clientID]; !ok {
		return errors.Errorf("unknown client %d", clientID)
	}
	delete(p.clients, clientID)
	return nil
}

func (p *SimProvider) client(clientID int32) (*simClient, error) {
	c, ok := p.clients[clientID]
	if !ok {
		return nil, errors.Errorf("unknown client %d", clientID)
	}
	return c, nil
}

func (p *SimProvider) clientEvent(clientID int32, deliver func(cb GattClientCallback)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, err := p.client(clientID)
	if err != nil {
		return err
	}
	go deliver(c.cb)
	return nil
}

func (p *SimProvider) ClientConnect(clientID int32, addr string, isDirect bool, transport int32, opportunistic bool, phy int32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, err := p.client(clientID)
	if err != nil {
		return err
	}
	c.conns[addr] = true
	go c.cb.OnClientConnectionState(GattStatusSuccess, clientID, true, addr)
	return nil
}

func (p *SimProvider) ClientDisconnect(clientID int32, addr string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, err := p.client(clientID)
	if err != nil {
		return err
	}
	delete(c.conns, addr)
	go c.cb.OnClientConnectionState(GattStatusSuccess, clientID, false, addr)
	return nil
}

func (p *SimProvider) RefreshDevice(clientID int32, addr string) error {
	return p.clientEvent(clientID, func(cb GattClientCallback) {
		cb.OnServiceChanged(addr)
	})
}

func (p *SimProvider) DiscoverServices(clientID int32, addr string) error {
	db := p.db
	return p.clientEvent(clientID, func(cb GattClientCallback) {
		cb.OnSearchComplete(addr, db, GattStatusSuccess)
	})
}

func (p *SimProvider) DiscoverServiceByUuid(clientID int32, addr string, svcUuid string) error {
	parsed, err := uuid.Parse(svcUuid)
	if err != nil {
		return errors.Wrap(err, "service uuid")
	}
	var match []GattService
	for _, s := range p.db {
		if s.Uuid == Uuid(parsed) {
			match = append(match, s)
		}
	}
	status := GattStatusSuccess
	if len(match) == 0 {
		status = GattStatusNotFound
	}
	return p.clientEvent(clientID, func(cb GattClientCallback) {
		cb.OnSearchComplete(addr, match, status)
	})
}

func (p *SimProvider) ReadCharacteristic(clientID int32, addr string, handle int32, authReq int32) error {
	return p.clientEvent(clientID, func(cb GattClientCallback) {
		cb.OnCharacteristicRead(addr, GattStatusSuccess, handle, []byte{0x42})
	})
}

func (p *SimProvider) ReadUsingCharacteristicUuid(clientID int32, addr string, charUuid string, startHandle int32, endHandle int32, authReq int32) error {
	if _, err := uuid.Parse(charUuid); err != nil {
		return errors.Wrap(err, "characteristic uuid")
	}
	return p.clientEvent(clientID, func(cb GattClientCallback) {
		cb.OnCharacteristicRead(addr, GattStatusSuccess, startHandle, []byte{0x42})
	})
}

func (p *SimProvider) WriteCharacteristic(clientID int32, addr string, handle int32, writeType GattWriteType, authReq int32, value []byte) GattWriteRequestStatus {
	if len(value) > attMaxValueLen {
		return WriteInvalidLengthFail
	}
	p.mu.Lock()
	c, err := p.client(clientID)
	if err != nil || !c.conns[addr] {
		p.mu.Unlock()
		return WriteRequestFail
	}
	if ch := p.characteristicAt(handle); ch != nil && ch.Permissions&permWrite == 0 {
		p.mu.Unlock()
		return WritePermissionFail
	}
	key := rwKey{clientID, addr}
	if q, open := p.txns[key]; open {
		// Reliable write in progress: queue instead of sending.
		p.txns[key] = append(q, queuedWrite{handle, writeType, append([]byte(nil), value...)})
		p.mu.Unlock()
		return WriteSuccess
	}
	wk := writeKey{clientID, addr, handle}
	if p.inflight[wk] {
		p.mu.Unlock()
		return WriteBusyFail
	}
	p.inflight[wk] = true
	cb := c.cb
	p.mu.Unlock()

	go func() {
		cb.OnCharacteristicWrite(addr, GattStatusSuccess, handle)
		p.mu.Lock()
		delete(p.inflight, wk)
		p.mu.Unlock()
	}()
	return WriteSuccess
}

func (p *SimProvider) ReadDescriptor(clientID int32, addr string, handle int32, authReq int32) error {
	return p.clientEvent(clientID, func(cb GattClientCallback) {
		cb.OnDescriptorRead(addr, GattStatusSuccess, handle, []byte{0x00, 0x00})
	})
}

func (p *SimProvider) WriteDescriptor(clientID int32, addr string, handle int32, authReq int32, value []byte) error {
	if len(value) > attMaxValueLen {
		return errors.New("descriptor value too long")
	}
	return p.clientEvent(clientID, func(cb GattClientCallback) {
		cb.OnDescriptorWrite(addr, GattStatusSuccess, handle)
	})
}

func (p *SimProvider) RegisterForNotification(clientID int32, addr string, handle int32, enable bool) error {
	if !enable {
		p.mu.Lock()
		defer p.mu.Unlock()
		_, err := p.client(clientID)
		return err
	}
	// Confirm the subscription with one notification.
	return p.clientEvent(clientID, func(cb GattClientCallback) {
		cb.OnNotify(addr, handle, []byte{0x01})
	})
}

func (p *SimProvider) BeginReliableWrite(clientID int32, addr string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.client(clientID); err != nil {
		return err
	}
	key := rwKey{clientID, addr}
	if _, open := p.txns[key]; open {
		return errors.Errorf("reliable write already in progress for %s", addr)
	}
	p.txns[key] = []queuedWrite{}
	return nil
}

func (p *SimProvider) EndReliableWrite(clientID int32, addr string, execute bool) error {
	p.mu.Lock()
	key := rwKey{clientID, addr}
	q, open := p.txns[key]
	if !open {
		p.mu.Unlock()
		return errors.Errorf("no reliable write in progress for %s", addr)
	}
	delete(p.txns, key)
	var cb GattClientCallback
	if c, err := p.client(clientID); err == nil {
		cb = c.cb
	}
	if execute {
		p.committed[key] = append(p.committed[key], q...)
	}
	p.mu.Unlock()
	if cb != nil {
		status := GattStatusSuccess
		go cb.OnExecuteWrite(addr, status)
	}
	return nil
}

// CommittedWrites reports the values committed by executed reliable
// writes against one peer, in order.
func (p *SimProvider) CommittedWrites(clientID int32, addr string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out [][]byte
	for _, w := range p.committed[rwKey{clientID, addr}] {
		out = append(out, append([]byte(nil), w.value...))
	}
	return out
}

func (p *SimProvider) ReadRemoteRssi(clientID int32, addr string) error {
	return p.clientEvent(clientID, func(cb GattClientCallback) {
		cb.OnReadRemoteRssi(addr, -60, GattStatusSuccess)
	})
}

func (p *SimProvider) ConfigureMtu(clientID int32, addr string, mtu int32) error {
	if mtu < 23 || mtu > 517 {
		return errors.Errorf("mtu %d out of range", mtu)
	}
	return p.clientEvent(clientID, func(cb GattClientCallback) {
		cb.OnConfigureMtu(addr, mtu, GattStatusSuccess)
	})
}

func (p *SimProvider) ConnectionParameterUpdate(clientID int32, addr string, minInterval int32, maxInterval int32,
	latency int32, timeout int32, minCeLen uint16, maxCeLen uint16) error {
	if minInterval > maxInterval {
		return errors.New("invalid connection interval range")
	}
	return p.clientEvent(clientID, func(cb GattClientCallback) {
		cb.OnConnectionUpdated(addr, minInterval, latency, timeout, GattStatusSuccess)
	})
}

func (p *SimProvider) ClientSetPreferredPhy(clientID int32, addr string, txPhy LePhy, rxPhy LePhy, phyOptions int32) error {
	return p.clientEvent(clientID, func(cb GattClientCallback) {
		cb.OnPhyUpdate(addr, txPhy, rxPhy, GattStatusSuccess)
	})
}

func (p *SimProvider) ClientReadPhy(clientID int32, addr string) error {
	return p.clientEvent(clientID, func(cb GattClientCallback) {
		cb.OnPhyRead(addr, LePhy1m, LePhy1m, GattStatusSuccess)
	})
}

// String summarizes live handle counts, for the monitor surface.
func (p *SimProvider) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("scanners=%d adv_sets=%d clients=%d", len(p.scanners), len(p.advSets), len(p.clients))
}
