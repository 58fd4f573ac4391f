package bus

import (
	"fmt"
	"time"
)

// Register map of the relay cards.
const (
	// RegisterHardwareVersion holds the card's hardware revision.
	RegisterHardwareVersion uint16 = 0x20
	// RegisterDeviceAddress holds the card's Modbus unit address.
	RegisterDeviceAddress uint16 = 0x4000
)

// Address limits of a Modbus serial line.
const (
	BroadcastAddress     uint8 = 0
	FirstReservedAddress uint8 = 248
)

// DefaultExchangeTimeout bounds one request/response exchange.
const DefaultExchangeTimeout = time.Second

// Op is a single bus operation. The concrete types are ReadHardwareVersion,
// WriteCoil and SetDeviceAddress.
type Op interface {
	// Target is the unit address the request is sent to.
	Target() uint8
	// Kind is a short stable name used in logs, traces, and metrics.
	Kind() string
	String() string

	isOp()
}

// ReadHardwareVersion reads the version register of a device.
type ReadHardwareVersion struct {
	DeviceAddr uint8
}

func (o ReadHardwareVersion) Target() uint8 { return o.DeviceAddr }
func (o ReadHardwareVersion) Kind() string  { return "read_hardware_version" }
func (o ReadHardwareVersion) String() string {
	return fmt.Sprintf("read hardware version of device %d", o.DeviceAddr)
}
func (ReadHardwareVersion) isOp() {}

// WriteCoil switches one relay output.
type WriteCoil struct {
	DeviceAddr uint8
	CoilAddr   uint16
	Value      bool
}

func (o WriteCoil) Target() uint8 { return o.DeviceAddr }
func (o WriteCoil) Kind() string  { return "write_coil" }
func (o WriteCoil) String() string {
	state := "off"
	if o.Value {
		state = "on"
	}
	return fmt.Sprintf("write coil %d of device %d %s", o.CoilAddr, o.DeviceAddr, state)
}
func (WriteCoil) isOp() {}

// SetDeviceAddress reprograms a device's unit address.
type SetDeviceAddress struct {
	OldAddr uint8
	NewAddr uint8
}

func (o SetDeviceAddress) Target() uint8 { return o.OldAddr }
func (o SetDeviceAddress) Kind() string  { return "set_device_address" }
func (o SetDeviceAddress) String() string {
	return fmt.Sprintf("set address of device %d to %d", o.OldAddr, o.NewAddr)
}
func (SetDeviceAddress) isOp() {}

// Result describes a finished exchange.
type Result struct {
	Op Op

	// HardwareVersion is set by ReadHardwareVersion.
	HardwareVersion uint16

	Started  time.Time
	Duration time.Duration
}

// Outcome is what Submit delivers.
type Outcome struct {
	Result Result
	Err    error
}

// CommitFunc runs on the exchange goroutine once the outcome is known,
// whether or not anyone is still waiting for it. The bus is held until it
// returns, so commits are applied in wire order. It must not block or submit
// operations.
type CommitFunc func(Result, error)
