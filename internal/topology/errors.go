package topology

import "fmt"

// ErrorKind classifies a topology load failure.
type ErrorKind int

const (
	// KindUnreadable means the topology file could not be read.
	KindUnreadable ErrorKind = iota
	// KindMalformed means the document is not valid YAML or has the wrong shape.
	KindMalformed
	// KindUnknownDevice means a coil names a device that is not declared.
	KindUnknownDevice
	// KindDuplicateDevice means a device name is declared twice.
	KindDuplicateDevice
	// KindDuplicateCoil means a coil name is declared twice.
	KindDuplicateCoil
	// KindDuplicateAddress means two devices share a bus address, or two coils
	// of one device share a coil address.
	KindDuplicateAddress
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnreadable:
		return "unreadable"
	case KindMalformed:
		return "malformed"
	case KindUnknownDevice:
		return "unknown device"
	case KindDuplicateDevice:
		return "duplicate device"
	case KindDuplicateCoil:
		return "duplicate coil"
	case KindDuplicateAddress:
		return "duplicate address"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// ConfigError describes why a topology was rejected.
type ConfigError struct {
	Kind ErrorKind

	// Coil and Device name the offending entries where applicable.
	Coil   string
	Device string

	// Line is the 1-based document line of the offending entry, or 0.
	Line int

	// Err is the underlying cause for unreadable and malformed documents.
	Err error
}

func (e *ConfigError) Error() string {
	var msg string
	switch e.Kind {
	case KindUnknownDevice:
		msg = fmt.Sprintf("coil %q references unknown device %q", e.Coil, e.Device)
	case KindDuplicateDevice:
		msg = fmt.Sprintf("device %q is declared more than once", e.Device)
	case KindDuplicateCoil:
		msg = fmt.Sprintf("coil %q is declared more than once", e.Coil)
	case KindDuplicateAddress:
		if e.Coil != "" {
			msg = fmt.Sprintf("coil %q reuses a coil address of device %q", e.Coil, e.Device)
		} else {
			msg = fmt.Sprintf("device %q reuses a bus address", e.Device)
		}
	default:
		msg = e.Kind.String()
		if e.Err != nil {
			msg += ": " + e.Err.Error()
		}
	}
	if e.Line > 0 {
		return fmt.Sprintf("topology: line %d: %s", e.Line, msg)
	}
	return "topology: " + msg
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
