// Package wire converts domain values to and from their D-Bus
// representations. Composite records cross the bus as a{sv}
// dictionaries keyed by snake_case field names, enums as uint32, the
// 16-byte UUID as ay. The to-wire direction is total; the from-wire
// direction validates and fails with a marshal error instead of
// truncating or panicking.
package wire

import (
	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
)

// Marshal error sentinels. Aggregate conversions wrap these with the
// failing field's name so the caller can tell which field was bad.
var (
	ErrLengthMismatch = errors.New("wire: length mismatch")
	ErrInvalidEnum    = errors.New("wire: invalid enum value")
	ErrMissingField   = errors.New("wire: missing field")
	ErrFieldType      = errors.New("wire: unexpected field type")
)

// Props is the a{sv} dictionary form of a composite record.
type Props = map[string]dbus.Variant

func fieldErr(sentinel error, field string) error {
	return errors.Wrap(sentinel, "field "+field)
}

func propBool(m Props, field string) (bool, error) {
	v, ok := m[field]
	if !ok {
		return false, fieldErr(ErrMissingField, field)
	}
	b, ok := v.Value().(bool)
	if !ok {
		return false, fieldErr(ErrFieldType, field)
	}
	return b, nil
}

func propInt32(m Props, field string) (int32, error) {
	v, ok := m[field]
	if !ok {
		return 0, fieldErr(ErrMissingField, field)
	}
	n, ok := v.Value().(int32)
	if !ok {
		return 0, fieldErr(ErrFieldType, field)
	}
	return n, nil
}

func propUint32(m Props, field string) (uint32, error) {
	v, ok := m[field]
	if !ok {
		return 0, fieldErr(ErrMissingField, field)
	}
	n, ok := v.Value().(uint32)
	if !ok {
		return 0, fieldErr(ErrFieldType, field)
	}
	return n, nil
}

func propByte(m Props, field string) (uint8, error) {
	v, ok := m[field]
	if !ok {
		return 0, fieldErr(ErrMissingField, field)
	}
	n, ok := v.Value().(uint8)
	if !ok {
		return 0, fieldErr(ErrFieldType, field)
	}
	return n, nil
}

func propUint16(m Props, field string) (uint16, error) {
	v, ok := m[field]
	if !ok {
		return 0, fieldErr(ErrMissingField, field)
	}
	n, ok := v.Value().(uint16)
	if !ok {
		return 0, fieldErr(ErrFieldType, field)
	}
	return n, nil
}

func propInt16(m Props, field string) (int16, error) {
	v, ok := m[field]
	if !ok {
		return 0, fieldErr(ErrMissingField, field)
	}
	n, ok := v.Value().(int16)
	if !ok {
		return 0, fieldErr(ErrFieldType, field)
	}
	return n, nil
}

func propString(m Props, field string) (string, error) {
	v, ok := m[field]
	if !ok {
		return "", fieldErr(ErrMissingField, field)
	}
	s, ok := v.Value().(string)
	if !ok {
		return "", fieldErr(ErrFieldType, field)
	}
	return s, nil
}

func propBytes(m Props, field string) ([]byte, error) {
	v, ok := m[field]
	if !ok {
		return nil, fieldErr(ErrMissingField, field)
	}
	b, ok := v.Value().([]byte)
	if !ok {
		return nil, fieldErr(ErrFieldType, field)
	}
	return b, nil
}

func propStrings(m Props, field string) ([]string, error) {
	v, ok := m[field]
	if !ok {
		return nil, fieldErr(ErrMissingField, field)
	}
	s, ok := v.Value().([]string)
	if !ok {
		return nil, fieldErr(ErrFieldType, field)
	}
	return s, nil
}

func propByteLists(m Props, field string) ([][]byte, error) {
	v, ok := m[field]
	if !ok {
		return nil, fieldErr(ErrMissingField, field)
	}
	b, ok := v.Value().([][]byte)
	if !ok {
		return nil, fieldErr(ErrFieldType, field)
	}
	return b, nil
}

func propDict(m Props, field string) (Props, error) {
	v, ok := m[field]
	if !ok {
		return nil, fieldErr(ErrMissingField, field)
	}
	d, ok := v.Value().(map[string]dbus.Variant)
	if !ok {
		return nil, fieldErr(ErrFieldType, field)
	}
	return d, nil
}

func propDictList(m Props, field string) ([]map[string]dbus.Variant, error) {
	v, ok := m[field]
	if !ok {
		return nil, fieldErr(ErrMissingField, field)
	}
	d, ok := v.Value().([]map[string]dbus.Variant)
	if !ok {
		return nil, fieldErr(ErrFieldType, field)
	}
	return d, nil
}

func propManufacturerData(m Props, field string) (map[int32][]byte, error) {
	v, ok := m[field]
	if !ok {
		return nil, fieldErr(ErrMissingField, field)
	}
	d, ok := v.Value().(map[int32][]byte)
	if !ok {
		return nil, fieldErr(ErrFieldType, field)
	}
	return d, nil
}

func propServiceData(m Props, field string) (map[string][]byte, error) {
	v, ok := m[field]
	if !ok {
		return nil, fieldErr(ErrMissingField, field)
	}
	d, ok := v.Value().(map[string][]byte)
	if !ok {
		return nil, fieldErr(ErrFieldType, field)
	}
	return d, nil
}
