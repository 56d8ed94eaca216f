package bluetooth

import "github.com/pkg/errors"

// ErrUnimplemented marks an operation that is declared on the bus
// interface but not backed by any logic yet. It is distinct from a
// provider rejection so callers (and tests) can tell "not supported"
// apart from "rejected at runtime".
var ErrUnimplemented = errors.New("capability not implemented")

// ScannerCallback receives scanner events. Implementations forward
// them; they never block the provider.
type ScannerCallback interface {
	OnScannerRegistered(uuid Uuid, scannerID uint8, status GattStatus)
	OnScanResult(result ScanResult)
}

// AdvertisingSetCallback receives advertising-set events.
type AdvertisingSetCallback interface {
	OnAdvertisingSetStarted(regID int32, advertiserID int32, txPower int32, status int32)
	OnOwnAddressRead(advertiserID int32, addressType int32, address string)
	OnAdvertisingSetStopped(advertiserID int32)
	OnAdvertisingEnabled(advertiserID int32, enable bool, status int32)
	OnAdvertisingDataSet(advertiserID int32, status int32)
	OnScanResponseDataSet(advertiserID int32, status int32)
	OnAdvertisingParametersUpdated(advertiserID int32, txPower int32, status int32)
	OnPeriodicAdvertisingParametersUpdated(advertiserID int32, status int32)
	OnPeriodicAdvertisingDataSet(advertiserID int32, status int32)
	OnPeriodicAdvertisingEnabled(advertiserID int32, enable bool, status int32)
}

// GattClientCallback receives GATT client events.
type GattClientCallback interface {
	OnClientRegistered(status GattStatus, clientID int32)
	OnClientConnectionState(status GattStatus, clientID int32, connected bool, addr string)
	OnPhyUpdate(addr string, txPhy LePhy, rxPhy LePhy, status GattStatus)
	OnPhyRead(addr string, txPhy LePhy, rxPhy LePhy, status GattStatus)
	OnSearchComplete(addr string, services []GattService, status GattStatus)
	OnCharacteristicRead(addr string, status GattStatus, handle int32, value []byte)
	OnCharacteristicWrite(addr string, status GattStatus, handle int32)
	OnExecuteWrite(addr string, status GattStatus)
	OnDescriptorRead(addr string, status GattStatus, handle int32, value []byte)
	OnDescriptorWrite(addr string, status GattStatus, handle int32)
	OnNotify(addr string, handle int32, value []byte)
	OnReadRemoteRssi(addr string, rssi int32, status GattStatus)
	OnConfigureMtu(addr string, mtu int32, status GattStatus)
	OnConnectionUpdated(addr string, interval int32, latency int32, timeout int32, status GattStatus)
	OnServiceChanged(addr string)
}

// Provider is the Bluetooth control-plane: the scan engine, advertising
// scheduler and GATT/ATT engine live behind it. Every method is a
// non-blocking enqueue; results arrive through the callback registered
// for the actor. Handles (callback ids, scanner ids, advertiser ids,
// client ids) are allocated by the provider and opaque to the caller.
// A returned error is a provider rejection and is passed through to the
// remote caller unmodified.
type Provider interface {
	// Scanning.
	RegisterScannerCallback(cb ScannerCallback) uint32
	UnregisterScannerCallback(callbackID uint32) bool
	RegisterScanner(callbackID uint32) (Uuid, error)
	UnregisterScanner(scannerID uint8) bool
	StartScan(scannerID uint8, settings ScanSettings, filters []ScanFilter) error
	StopScan(scannerID uint8) error

	// Advertising.
	RegisterAdvertiserCallback(cb AdvertisingSetCallback) uint32
	UnregisterAdvertiserCallback(callbackID uint32)
	StartAdvertisingSet(params AdvertisingSetParameters, advData AdvertiseData,
		scanResponse *AdvertiseData, periodicParams *PeriodicAdvertisingParameters,
		periodicData *AdvertiseData, duration int32, maxExtAdvEvents int32,
		callbackID uint32) (int32, error)
	StopAdvertisingSet(advertiserID int32) error
	GetOwnAddress(advertiserID int32) error
	EnableAdvertisingSet(advertiserID int32, enable bool, duration int32, maxExtAdvEvents int32) error
	SetAdvertisingData(advertiserID int32, data AdvertiseData) error
	SetScanResponseData(advertiserID int32, data AdvertiseData) error
	SetAdvertisingParameters(advertiserID int32, params AdvertisingSetParameters) error
	SetPeriodicAdvertisingParameters(advertiserID int32, params PeriodicAdvertisingParameters) error
	SetPeriodicAdvertisingData(advertiserID int32, data AdvertiseData) error
	SetPeriodicAdvertisingEnable(advertiserID int32, enable bool) error

	// GATT client.
	RegisterClient(appUuid string, cb GattClientCallback, eattSupport bool) error
	UnregisterClient(clientID int32) error
	ClientConnect(clientID int32, addr string, isDirect bool, transport int32, opportunistic bool, phy int32) error
	ClientDisconnect(clientID int32, addr string) error
	RefreshDevice(clientID int32, addr string) error
	DiscoverServices(clientID int32, addr string) error
	DiscoverServiceByUuid(clientID int32, addr string, uuid string) error
	ReadCharacteristic(clientID int32, addr string, handle int32, authReq int32) error
	ReadUsingCharacteristicUuid(clientID int32, addr string, uuid string, startHandle int32, endHandle int32, authReq int32) error
	WriteCharacteristic(clientID int32, addr string, handle int32, writeType GattWriteType, authReq int32, value []byte) GattWriteRequestStatus
	ReadDescriptor(clientID int32, addr string, handle int32, authReq int32) error
	WriteDescriptor(clientID int32, addr string, handle int32, authReq int32, value []byte) error
	RegisterForNotification(clientID int32, addr string, handle int32, enable bool) error
	BeginReliableWrite(clientID int32, addr string) error
	EndReliableWrite(clientID int32, addr string, execute bool) error
	ReadRemoteRssi(clientID int32, addr string) error
	ConfigureMtu(clientID int32, addr string, mtu int32) error
	ConnectionParameterUpdate(clientID int32, addr string, minInterval int32, maxInterval int32,
		latency int32, timeout int32, minCeLen uint16, maxCeLen uint16) error
	ClientSetPreferredPhy(clientID int32, addr string, txPhy LePhy, rxPhy LePhy, phyOptions int32) error
	ClientReadPhy(clientID int32, addr string) error
}
