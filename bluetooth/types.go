package bluetooth

import (
	"encoding/hex"
	"strings"
)

// Uuid is a 128-bit Bluetooth UUID. It crosses the bus as a byte
// sequence of exactly 16 bytes; anything else is rejected by the wire
// layer rather than truncated or padded.
type Uuid [16]byte

// String renders the UUID in the canonical 8-4-4-4-12 form.
func (u Uuid) String() string {
	var b strings.Builder
	s := hex.EncodeToString(u[:])
	b.WriteString(s[0:8])
	b.WriteByte('-')
	b.WriteString(s[8:12])
	b.WriteByte('-')
	b.WriteString(s[12:16])
	b.WriteByte('-')
	b.WriteString(s[16:20])
	b.WriteByte('-')
	b.WriteString(s[20:32])
	return b.String()
}

// GattStatus is the status code carried by GATT client events. The
// values are the ATT error codes the control-plane provider reports,
// plus the stack-internal "generic error" value.
type GattStatus uint32

const (
	GattStatusSuccess            GattStatus = 0x00
	GattStatusInvalidHandle      GattStatus = 0x01
	GattStatusReadNotPermitted   GattStatus = 0x02
	GattStatusWriteNotPermitted  GattStatus = 0x03
	GattStatusInvalidPdu         GattStatus = 0x04
	GattStatusInsufAuthn         GattStatus = 0x05
	GattStatusReqNotSupported    GattStatus = 0x06
	GattStatusInvalidOffset      GattStatus = 0x07
	GattStatusInsufAuthz         GattStatus = 0x08
	GattStatusPrepareQueueFull   GattStatus = 0x09
	GattStatusNotFound           GattStatus = 0x0a
	GattStatusNotLong            GattStatus = 0x0b
	GattStatusInsufKeySize       GattStatus = 0x0c
	GattStatusInvalidAttrLen     GattStatus = 0x0d
	GattStatusErrUnlikely        GattStatus = 0x0e
	GattStatusInsufEncryption    GattStatus = 0x0f
	GattStatusUnsupportGroupType GattStatus = 0x10
	GattStatusInsufResource      GattStatus = 0x11
	GattStatusError              GattStatus = 0x85
)

// GattWriteType selects how a characteristic write is carried at the
// ATT layer. Values match the Android constants.
type GattWriteType uint32

const (
	GattWriteTypeInvalid    GattWriteType = 0
	GattWriteTypeNoResponse GattWriteType = 1
	GattWriteTypeDefault    GattWriteType = 2
	GattWriteTypeSigned     GattWriteType = 4
)

// GattWriteRequestStatus is the synchronous admission result of
// WriteCharacteristic. It says whether the request was accepted
// locally, not how the write eventually fared on air; that arrives
// later via OnCharacteristicWrite.
type GattWriteRequestStatus uint32

const (
	WriteSuccess           GattWriteRequestStatus = 0
	WriteRequestFail       GattWriteRequestStatus = 1
	WriteBusyFail          GattWriteRequestStatus = 2
	WriteInvalidLengthFail GattWriteRequestStatus = 3
	WritePermissionFail    GattWriteRequestStatus = 4
)

// LePhy identifies an LE physical layer.
type LePhy uint32

const (
	LePhyInvalid LePhy = 0
	LePhy1m      LePhy = 1
	LePhy2m      LePhy = 2
	LePhyCoded   LePhy = 3
)

// ScanType selects active or passive scanning.
type ScanType uint32

const (
	ScanTypeActive  ScanType = 0
	ScanTypePassive ScanType = 1
)

// ServiceType distinguishes primary and secondary GATT services.
type ServiceType uint32

const (
	ServiceTypePrimary   ServiceType = 0
	ServiceTypeSecondary ServiceType = 1
)

// AdvertiserIDUnassigned is the reserved advertiser id meaning the
// provider has not assigned one yet. Real ids are non-negative; the
// assigned value is delivered through OnAdvertisingSetStarted.
const AdvertiserIDUnassigned int32 = -1

// GattDescriptor is a leaf descriptor of a characteristic.
type GattDescriptor struct {
	Uuid        Uuid
	InstanceID  int32
	Permissions int32
}

// GattCharacteristic owns its descriptors.
type GattCharacteristic struct {
	Uuid        Uuid
	InstanceID  int32
	Properties  int32
	Permissions int32
	KeySize     int32
	WriteType   GattWriteType
	Descriptors []GattDescriptor
}

// GattService owns its whole subtree. Included services are held by
// value; the tree is acyclic by construction.
type GattService struct {
	Uuid             Uuid
	InstanceID       int32
	ServiceType      ServiceType
	Characteristics  []GattCharacteristic
	IncludedServices []GattService
}

// RSSISettings bounds the RSSI band a scanner is interested in.
type RSSISettings struct {
	LowThreshold  int32
	HighThreshold int32
}

// ScanSettings configures one scan session.
type ScanSettings struct {
	Interval     int32
	Window       int32
	ScanType     ScanType
	RSSISettings RSSISettings
}

// ScanFilter carries filter criteria. No predicate fields exist yet;
// it crosses the bus as an empty aggregate.
type ScanFilter struct{}

// ScanResult is one advertisement report delivered to a scanner.
type ScanResult struct {
	Address        string
	AddrType       uint8
	EventType      uint16
	PrimaryPhy     uint8
	SecondaryPhy   uint8
	AdvertisingSid uint8
	TxPower        int8
	Rssi           int8
	PeriodicAdvInt uint16
	AdvData        []byte
}

// AdvertisingSetParameters configures one advertising set.
type AdvertisingSetParameters struct {
	Connectable    bool
	Scannable      bool
	IsLegacy       bool
	IsAnonymous    bool
	IncludeTxPower bool
	PrimaryPhy     int32
	SecondaryPhy   int32
	Interval       int32
	TxPowerLevel   int32
	OwnAddressType int32
}

// AdvertiseData is the payload of an advertisement or scan response.
type AdvertiseData struct {
	ServiceUuids           []string
	SolicitUuids           []string
	TransportDiscoveryData [][]byte
	ManufacturerData       map[int32][]byte
	ServiceData            map[string][]byte
	IncludeTxPowerLevel    bool
	IncludeDeviceName      bool
}

// PeriodicAdvertisingParameters configures the periodic advertising
// train of an advertising set.
type PeriodicAdvertisingParameters struct {
	IncludeTxPower bool
	Interval       int32
}
