package wire

import (
	"github.com/godbus/dbus/v5"

	"github.com/btlinux/gattd/bluetooth"
)

// UuidToWire encodes a UUID as its 16 raw bytes.
func UuidToWire(u bluetooth.Uuid) []byte {
	return append([]byte(nil), u[:]...)
}

// UuidFromWire decodes a UUID, rejecting any length other than 16.
func UuidFromWire(data []byte) (bluetooth.Uuid, error) {
	var u bluetooth.Uuid
	if len(data) != len(u) {
		return u, fieldErr(ErrLengthMismatch, "uuid")
	}
	copy(u[:], data)
	return u, nil
}

// GattWriteTypeFromWire validates the write-type values the provider
// supports.
func GattWriteTypeFromWire(v uint32) (bluetooth.GattWriteType, error) {
	switch t := bluetooth.GattWriteType(v); t {
	case bluetooth.GattWriteTypeInvalid,
		bluetooth.GattWriteTypeNoResponse,
		bluetooth.GattWriteTypeDefault,
		bluetooth.GattWriteTypeSigned:
		return t, nil
	}
	return 0, fieldErr(ErrInvalidEnum, "write_type")
}

// ScanTypeFromWire validates a scan type.
func ScanTypeFromWire(v uint32) (bluetooth.ScanType, error) {
	switch t := bluetooth.ScanType(v); t {
	case bluetooth.ScanTypeActive, bluetooth.ScanTypePassive:
		return t, nil
	}
	return 0, fieldErr(ErrInvalidEnum, "scan_type")
}

// LePhyFromWire validates an LE PHY value.
func LePhyFromWire(v uint32) (bluetooth.LePhy, error) {
	switch p := bluetooth.LePhy(v); p {
	case bluetooth.LePhyInvalid, bluetooth.LePhy1m, bluetooth.LePhy2m, bluetooth.LePhyCoded:
		return p, nil
	}
	return 0, fieldErr(ErrInvalidEnum, "phy")
}

// ServiceTypeFromWire validates a GATT service type.
func ServiceTypeFromWire(v uint32) (bluetooth.ServiceType, error) {
	switch t := bluetooth.ServiceType(v); t {
	case bluetooth.ServiceTypePrimary, bluetooth.ServiceTypeSecondary:
		return t, nil
	}
	return 0, fieldErr(ErrInvalidEnum, "service_type")
}

func DescriptorToWire(d bluetooth.GattDescriptor) Props {
	return Props{
		"uuid":        dbus.MakeVariant(UuidToWire(d.Uuid)),
		"instance_id": dbus.MakeVariant(d.InstanceID),
		"permissions": dbus.MakeVariant(d.Permissions),
	}
}

func DescriptorFromWire(m Props) (bluetooth.GattDescriptor, error) {
	var d bluetooth.GattDescriptor
	raw, err := propBytes(m, "uuid")
	if err != nil {
		return d, err
	}
	if d.Uuid, err = UuidFromWire(raw); err != nil {
		return d, err
	}
	if d.InstanceID, err = propInt32(m, "instance_id"); err != nil {
		return d, err
	}
	if d.Permissions, err = propInt32(m, "permissions"); err != nil {
		return d, err
	}
	return d, nil
}

func CharacteristicToWire(c bluetooth.GattCharacteristic) Props {
	descriptors := make([]map[string]dbus.Variant, 0, len(c.Descriptors))
	for _, d := range c.Descriptors {
		descriptors = append(descriptors, DescriptorToWire(d))
	}
	return Props{
		"uuid":        dbus.MakeVariant(UuidToWire(c.Uuid)),
		"instance_id": dbus.MakeVariant(c.InstanceID),
		"properties":  dbus.MakeVariant(c.Properties),
		"permissions": dbus.MakeVariant(c.Permissions),
		"key_size":    dbus.MakeVariant(c.KeySize),
		"write_type":  dbus.MakeVariant(uint32(c.WriteType)),
		"descriptors": dbus.MakeVariant(descriptors),
	}
}

func CharacteristicFromWire(m Props) (bluetooth.GattCharacteristic, error) {
	var c bluetooth.GattCharacteristic
	raw, err := propBytes(m, "uuid")
	if err != nil {
		return c, err
	}
	if c.Uuid, err = UuidFromWire(raw); err != nil {
		return c, err
	}
	if c.InstanceID, err = propInt32(m, "instance_id"); err != nil {
		return c, err
	}
	if c.Properties, err = propInt32(m, "properties"); err != nil {
		return c, err
	}
	if c.Permissions, err = propInt32(m, "permissions"); err != nil {
		return c, err
	}
	if c.KeySize, err = propInt32(m, "key_size"); err != nil {
		return c, err
	}
	wt, err := propUint32(m, "write_type")
	if err != nil {
		return c, err
	}
	if c.WriteType, err = GattWriteTypeFromWire(wt); err != nil {
		return c, err
	}
	descriptors, err := propDictList(m, "descriptors")
	if err != nil {
		return c, err
	}
	for _, dm := range descriptors {
		d, err := DescriptorFromWire(dm)
		if err != nil {
			return c, fieldErr(err, "descriptors")
		}
		c.Descriptors = append(c.Descriptors, d)
	}
	return c, nil
}

func ServiceToWire(s bluetooth.GattService) Props {
	characteristics := make([]map[string]dbus.Variant, 0, len(s.Characteristics))
	for _, c := range s.Characteristics {
		characteristics = append(characteristics, CharacteristicToWire(c))
	}
	included := make([]map[string]dbus.Variant, 0, len(s.IncludedServices))
	for _, inc := range s.IncludedServices {
		included = append(included, ServiceToWire(inc))
	}
	return Props{
		"uuid":              dbus.MakeVariant(UuidToWire(s.Uuid)),
		"instance_id":       dbus.MakeVariant(s.InstanceID),
		"service_type":      dbus.MakeVariant(uint32(s.ServiceType)),
		"characteristics":   dbus.MakeVariant(characteristics),
		"included_services": dbus.MakeVariant(included),
	}
}

func ServiceFromWire(m Props) (bluetooth.GattService, error) {
	var s bluetooth.GattService
	raw, err := propBytes(m, "uuid")
	if err != nil {
		return s, err
	}
	if s.Uuid, err = UuidFromWire(raw); err != nil {
		return s, err
	}
	if s.InstanceID, err = propInt32(m, "instance_id"); err != nil {
		return s, err
	}
	st, err := propUint32(m, "service_type")
	if err != nil {
		return s, err
	}
	if s.ServiceType, err = ServiceTypeFromWire(st); err != nil {
		return s, err
	}
	characteristics, err := propDictList(m, "characteristics")
	if err != nil {
		return s, err
	}
	for _, cm := range characteristics {
		c, err := CharacteristicFromWire(cm)
		if err != nil {
			return s, fieldErr(err, "characteristics")
		}
		s.Characteristics = append(s.Characteristics, c)
	}
	included, err := propDictList(m, "included_services")
	if err != nil {
		return s, err
	}
	for _, im := range included {
		inc, err := ServiceFromWire(im)
		if err != nil {
			return s, fieldErr(err, "included_services")
		}
		s.IncludedServices = append(s.IncludedServices, inc)
	}
	return s, nil
}

// ServicesToWire encodes a service list the way OnSearchComplete
// carries it.
func ServicesToWire(services []bluetooth.GattService) []map[string]dbus.Variant {
	out := make([]map[string]dbus.Variant, 0, len(services))
	for _, s := range services {
		out = append(out, ServiceToWire(s))
	}
	return out
}

func RSSISettingsToWire(r bluetooth.RSSISettings) Props {
	return Props{
		"low_threshold":  dbus.MakeVariant(r.LowThreshold),
		"high_threshold": dbus.MakeVariant(r.HighThreshold),
	}
}

func RSSISettingsFromWire(m Props) (bluetooth.RSSISettings, error) {
	var r bluetooth.RSSISettings
	var err error
	if r.LowThreshold, err = propInt32(m, "low_threshold"); err != nil {
		return r, err
	}
	if r.HighThreshold, err = propInt32(m, "high_threshold"); err != nil {
		return r, err
	}
	return r, nil
}

func ScanSettingsToWire(s bluetooth.ScanSettings) Props {
	return Props{
		"interval":      dbus.MakeVariant(s.Interval),
		"window":        dbus.MakeVariant(s.Window),
		"scan_type":     dbus.MakeVariant(uint32(s.ScanType)),
		"rssi_settings": dbus.MakeVariant(RSSISettingsToWire(s.RSSISettings)),
	}
}

func ScanSettingsFromWire(m Props) (bluetooth.ScanSettings, error) {
	var s bluetooth.ScanSettings
	var err error
	if s.Interval, err = propInt32(m, "interval"); err != nil {
		return s, err
	}
	if s.Window, err = propInt32(m, "window"); err != nil {
		return s, err
	}
	st, err := propUint32(m, "scan_type")
	if err != nil {
		return s, err
	}
	if s.ScanType, err = ScanTypeFromWire(st); err != nil {
		return s, err
	}
	rm, err := propDict(m, "rssi_settings")
	if err != nil {
		return s, err
	}
	if s.RSSISettings, err = RSSISettingsFromWire(rm); err != nil {
		return s, fieldErr(err, "rssi_settings")
	}
	return s, nil
}

// ScanFilterToWire encodes the (currently empty) filter aggregate.
func ScanFilterToWire(bluetooth.ScanFilter) Props {
	return Props{}
}

func ScanFilterFromWire(Props) (bluetooth.ScanFilter, error) {
	return bluetooth.ScanFilter{}, nil
}

func ScanFiltersFromWire(dicts []map[string]dbus.Variant) ([]bluetooth.ScanFilter, error) {
	filters := make([]bluetooth.ScanFilter, 0, len(dicts))
	for _, d := range dicts {
		f, err := ScanFilterFromWire(d)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return filters, nil
}

func ScanResultToWire(r bluetooth.ScanResult) Props {
	return Props{
		"address":          dbus.MakeVariant(r.Address),
		"addr_type":        dbus.MakeVariant(r.AddrType),
		"event_type":       dbus.MakeVariant(r.EventType),
		"primary_phy":      dbus.MakeVariant(r.PrimaryPhy),
		"secondary_phy":    dbus.MakeVariant(r.SecondaryPhy),
		"advertising_sid":  dbus.MakeVariant(r.AdvertisingSid),
		"tx_power":         dbus.MakeVariant(int16(r.TxPower)),
		"rssi":             dbus.MakeVariant(int16(r.Rssi)),
		"periodic_adv_int": dbus.MakeVariant(r.PeriodicAdvInt),
		"adv_data":         dbus.MakeVariant(append([]byte(nil), r.AdvData...)),
	}
}

func ScanResultFromWire(m Props) (bluetooth.ScanResult, error) {
	var r bluetooth.ScanResult
	var err error
	if r.Address, err = propString(m, "address"); err != nil {
		return r, err
	}
	if r.AddrType, err = propByte(m, "addr_type"); err != nil {
		return r, err
	}
	if r.EventType, err = propUint16(m, "event_type"); err != nil {
		return r, err
	}
	if r.PrimaryPhy, err = propByte(m, "primary_phy"); err != nil {
		return r, err
	}
	if r.SecondaryPhy, err = propByte(m, "secondary_phy"); err != nil {
		return r, err
	}
	if r.AdvertisingSid, err = propByte(m, "advertising_sid"); err != nil {
		return r, err
	}
	txPower, err := propInt16(m, "tx_power")
	if err != nil {
		return r, err
	}
	r.TxPower = int8(txPower)
	rssi, err := propInt16(m, "rssi")
	if err != nil {
		return r, err
	}
	r.Rssi = int8(rssi)
	if r.PeriodicAdvInt, err = propUint16(m, "periodic_adv_int"); err != nil {
		return r, err
	}
	if r.AdvData, err = propBytes(m, "adv_data"); err != nil {
		return r, err
	}
	return r, nil
}

func AdvertisingSetParametersToWire(p bluetooth.AdvertisingSetParameters) Props {
	return Props{
		"connectable":      dbus.MakeVariant(p.Connectable),
		"scannable":        dbus.MakeVariant(p.Scannable),
		"is_legacy":        dbus.MakeVariant(p.IsLegacy),
		"is_anonymous":     dbus.MakeVariant(p.IsAnonymous),
		"include_tx_power": dbus.MakeVariant(p.IncludeTxPower),
		"primary_phy":      dbus.MakeVariant(p.PrimaryPhy),
		"secondary_phy":    dbus.MakeVariant(p.SecondaryPhy),
		"interval":         dbus.MakeVariant(p.Interval),
		"tx_power_level":   dbus.MakeVariant(p.TxPowerLevel),
		"own_address_type": dbus.MakeVariant(p.OwnAddressType),
	}
}

func AdvertisingSetParametersFromWire(m Props) (bluetooth.AdvertisingSetParameters, error) {
	var p bluetooth.AdvertisingSetParameters
	var err error
	if p.Connectable, err = propBool(m, "connectable"); err != nil {
		return p, err
	}
	if p.Scannable, err = propBool(m, "scannable"); err != nil {
		return p, err
	}
	if p.IsLegacy, err = propBool(m, "is_legacy"); err != nil {
		return p, err
	}
	if p.IsAnonymous, err = propBool(m, "is_anonymous"); err != nil {
		return p, err
	}
	if p.IncludeTxPower, err = propBool(m, "include_tx_power"); err != nil {
		return p, err
	}
	if p.PrimaryPhy, err = propInt32(m, "primary_phy"); err != nil {
		return p, err
	}
	if p.SecondaryPhy, err = propInt32(m, "secondary_phy"); err != nil {
		return p, err
	}
	if p.Interval, err = propInt32(m, "interval"); err != nil {
		return p, err
	}
	if p.TxPowerLevel, err = propInt32(m, "tx_power_level"); err != nil {
		return p, err
	}
	if p.OwnAddressType, err = propInt32(m, "own_address_type"); err != nil {
		return p, err
	}
	return p, nil
}

func AdvertiseDataToWire(d bluetooth.AdvertiseData) Props {
	tdd := make([][]byte, 0, len(d.TransportDiscoveryData))
	for _, b := range d.TransportDiscoveryData {
		tdd = append(tdd, append([]byte(nil), b...))
	}
	manufacturer := make(map[int32][]byte, len(d.ManufacturerData))
	for k, v := range d.ManufacturerData {
		manufacturer[k] = append([]byte(nil), v...)
	}
	service := make(map[string][]byte, len(d.ServiceData))
	for k, v := range d.ServiceData {
		service[k] = append([]byte(nil), v...)
	}
	return Props{
		"service_uuids":            dbus.MakeVariant(append([]string(nil), d.ServiceUuids...)),
		"solicit_uuids":            dbus.MakeVariant(append([]string(nil), d.SolicitUuids...)),
		"transport_discovery_data": dbus.MakeVariant(tdd),
		"manufacturer_data":        dbus.MakeVariant(manufacturer),
		"service_data":             dbus.MakeVariant(service),
		"include_tx_power_level":   dbus.MakeVariant(d.IncludeTxPowerLevel),
		"include_device_name":      dbus.MakeVariant(d.IncludeDeviceName),
	}
}

func AdvertiseDataFromWire(m Props) (bluetooth.AdvertiseData, error) {
	var d bluetooth.AdvertiseData
	var err error
	if d.ServiceUuids, err = propStrings(m, "service_uuids"); err != nil {
		return d, err
	}
	if d.SolicitUuids, err = propStrings(m, "solicit_uuids"); err != nil {
		return d, err
	}
	if d.TransportDiscoveryData, err = propByteLists(m, "transport_discovery_data"); err != nil {
		return d, err
	}
	if d.ManufacturerData, err = propManufacturerData(m, "manufacturer_data"); err != nil {
		return d, err
	}
	if d.ServiceData, err = propServiceData(m, "service_data"); err != nil {
		return d, err
	}
	if d.IncludeTxPowerLevel, err = propBool(m, "include_tx_power_level"); err != nil {
		return d, err
	}
	if d.IncludeDeviceName, err = propBool(m, "include_device_name"); err != nil {
		return d, err
	}
	return d, nil
}

// OptionalAdvertiseDataFromWire treats the empty dictionary as the
// native "no value" representation.
func OptionalAdvertiseDataFromWire(m Props) (*bluetooth.AdvertiseData, error) {
	if len(m) == 0 {
		return nil, nil
	}
	d, err := AdvertiseDataFromWire(m)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func OptionalAdvertiseDataToWire(d *bluetooth.AdvertiseData) Props {
	if d == nil {
		return Props{}
	}
	return AdvertiseDataToWire(*d)
}

func PeriodicAdvertisingParametersToWire(p bluetooth.PeriodicAdvertisingParameters) Props {
	return Props{
		"include_tx_power": dbus.MakeVariant(p.IncludeTxPower),
		"interval":         dbus.MakeVariant(p.Interval),
	}
}

func PeriodicAdvertisingParametersFromWire(m Props) (bluetooth.PeriodicAdvertisingParameters, error) {
	var p bluetooth.PeriodicAdvertisingParameters
	var err error
	if p.IncludeTxPower, err = propBool(m, "include_tx_power"); err != nil {
		return p, err
	}
	if p.Interval, err = propInt32(m, "interval"); err != nil {
		return p, err
	}
	return p, nil
}

// OptionalPeriodicParametersFromWire treats the empty dictionary as
// absent.
func OptionalPeriodicParametersFromWire(m Props) (*bluetooth.PeriodicAdvertisingParameters, error) {
	if len(m) == 0 {
		return nil, nil
	}
	p, err := PeriodicAdvertisingParametersFromWire(m)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
