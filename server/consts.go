package server

// Names below are the wire contract; remote peers match on them
// exactly.
const (
	BusName    = "org.chromium.bluetooth"
	ObjectPath = "/org/chromium/bluetooth/gatt"

	GattInterface                = "org.chromium.bluetooth.BluetoothGatt"
	GattCallbackInterface        = "org.chromium.bluetooth.BluetoothGattCallback"
	ScannerCallbackInterface     = "org.chromium.bluetooth.ScannerCallback"
	AdvertisingCallbackInterface = "org.chromium.bluetooth.AdvertisingSetCallback"
)

// D-Bus error names returned by the exporter.
const (
	errInvalidArguments = "org.chromium.bluetooth.Error.InvalidArguments"
	errFailed           = "org.chromium.bluetooth.Error.Failed"
	errUnimplemented    = "org.chromium.bluetooth.Error.Unimplemented"
)
