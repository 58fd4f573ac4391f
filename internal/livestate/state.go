package livestate

import (
	"sync"

	"github.com/nerrad567/dorfbus/internal/topology"
)

// CoilValue is the believed output state of a relay.
type CoilValue string

const (
	On      CoilValue = "on"
	Off     CoilValue = "off"
	Unknown CoilValue = "unknown"
)

// ValueOf maps a boolean switch request onto a CoilValue.
func ValueOf(on bool) CoilValue {
	if on {
		return On
	}
	return Off
}

// DeviceState is the live view of one relay card.
type DeviceState struct {
	device *topology.Device

	mu         sync.RWMutex
	version    uint16
	hasVersion bool
	seen       bool
}

// DeviceSnapshot is a point-in-time copy of a DeviceState.
type DeviceSnapshot struct {
	Name        string  `json:"name"`
	Address     uint8   `json:"modbus-address"`
	Description string  `json:"description,omitempty"`
	Version     *uint16 `json:"version"`
	Seen        bool    `json:"seen"`
}

// Device returns the static device description.
func (d *DeviceState) Device() *topology.Device {
	return d.device
}

// Version returns the hardware version from the last successful probe.
// ok is false when the device has not been probed successfully since the last reset.
func (d *DeviceState) Version() (version uint16, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version, d.hasVersion
}

// Seen reports whether the last probe of the device succeeded.
func (d *DeviceState) Seen() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.seen
}

// MarkSeen records a successful probe.
func (d *DeviceState) MarkSeen(version uint16) {
	d.mu.Lock()
	d.version = version
	d.hasVersion = true
	d.seen = true
	d.mu.Unlock()
}

// MarkUnseen records a failed probe and reports whether the device had been seen before.
func (d *DeviceState) MarkUnseen() (wasSeen bool) {
	d.mu.Lock()
	wasSeen = d.seen
	d.version = 0
	d.hasVersion = false
	d.seen = false
	d.mu.Unlock()
	return wasSeen
}

// Snapshot copies the current device state.
func (d *DeviceState) Snapshot() DeviceSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	snap := DeviceSnapshot{
		Name:        d.device.Name,
		Address:     d.device.Address,
		Description: d.device.Description,
		Seen:        d.seen,
	}
	if d.hasVersion {
		v := d.version
		snap.Version = &v
	}
	return snap
}

// CoilState is the live view of one relay output.
type CoilState struct {
	coil   *topology.Coil
	device *DeviceState

	mu     sync.RWMutex
	status CoilValue
}

// CoilSnapshot is a point-in-time copy of a CoilState.
type CoilSnapshot struct {
	Name     string    `json:"name"`
	Device   string    `json:"device"`
	DeviceID uint8     `json:"device-id"`
	CoilID   uint16    `json:"coil-id"`
	Status   CoilValue `json:"status"`
}

// Coil returns the static coil description.
func (c *CoilState) Coil() *topology.Coil {
	return c.coil
}

// Device returns the state of the owning device. The store owns both entries.
func (c *CoilState) Device() *DeviceState {
	return c.device
}

// Status returns the believed output state.
func (c *CoilState) Status() CoilValue {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// SetStatus stores a new output state and returns the previous one.
func (c *CoilState) SetStatus(v CoilValue) (prev CoilValue) {
	c.mu.Lock()
	prev = c.status
	c.status = v
	c.mu.Unlock()
	return prev
}

// Snapshot copies the current coil state.
func (c *CoilState) Snapshot() CoilSnapshot {
	return CoilSnapshot{
		Name:     c.coil.Name,
		Device:   c.coil.Device,
		DeviceID: c.device.device.Address,
		CoilID:   c.coil.Address,
		Status:   c.Status(),
	}
}
