package topology

import (
	"encoding/json"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// ResetPolicy is the value a coil is driven to after a bus-wide reset.
type ResetPolicy string

const (
	ResetOn       ResetPolicy = "on"
	ResetOff      ResetPolicy = "off"
	ResetDoNotSet ResetPolicy = "do-not-set"
)

// UnmarshalYAML accepts on, off and do-not-set. An empty value means do-not-set.
func (p *ResetPolicy) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch ResetPolicy(s) {
	case ResetOn, ResetOff, ResetDoNotSet:
		*p = ResetPolicy(s)
	case "":
		*p = ResetDoNotSet
	default:
		return fmt.Errorf("line %d: invalid default-status %q (want on, off or do-not-set)", value.Line, s)
	}
	return nil
}

// Device is a relay card on the bus.
type Device struct {
	Name        string `json:"-"`
	Address     uint8  `json:"modbus-address"`
	Description string `json:"description"`
}

// Coil is a single relay output of a device.
type Coil struct {
	Name          string      `json:"-"`
	Device        string      `json:"device"`
	Address       uint16      `json:"address"`
	Description   string      `json:"description"`
	DefaultStatus ResetPolicy `json:"default-status"`
	Tags          []string    `json:"tags"`
}

// Topology is the validated, immutable bus description.
type Topology struct {
	devices     map[string]*Device
	coils       map[string]*Coil
	tags        map[string][]string
	byAddress   map[uint8]*Device
	deviceNames []string
	coilNames   []string
	tagNames    []string
}

// Device returns the device with the given name.
func (t *Topology) Device(name string) (*Device, bool) {
	d, ok := t.devices[name]
	return d, ok
}

// DeviceByAddress returns the device configured at a bus address.
func (t *Topology) DeviceByAddress(addr uint8) (*Device, bool) {
	d, ok := t.byAddress[addr]
	return d, ok
}

// Coil returns the coil with the given name.
func (t *Topology) Coil(name string) (*Coil, bool) {
	c, ok := t.coils[name]
	return c, ok
}

// Devices returns all devices ordered by name.
func (t *Topology) Devices() []*Device {
	out := make([]*Device, 0, len(t.deviceNames))
	for _, name := range t.deviceNames {
		out = append(out, t.devices[name])
	}
	return out
}

// Coils returns all coils ordered by name.
func (t *Topology) Coils() []*Coil {
	out := make([]*Coil, 0, len(t.coilNames))
	for _, name := range t.coilNames {
		out = append(out, t.coils[name])
	}
	return out
}

// Tags returns all tag labels in sorted order.
func (t *Topology) Tags() []string {
	return append([]string(nil), t.tagNames...)
}

// TagCoils returns the names of the coils carrying a tag, ordered by coil name.
func (t *Topology) TagCoils(tag string) ([]string, bool) {
	names, ok := t.tags[tag]
	if !ok {
		return nil, false
	}
	return append([]string(nil), names...), true
}

// MarshalJSON renders the topology in its document shape.
func (t *Topology) MarshalJSON() ([]byte, error) {
	doc := struct {
		Devices map[string]*Device  `json:"devices"`
		Coils   map[string]*Coil    `json:"coils"`
		Tags    map[string][]string `json:"tags"`
	}{t.devices, t.coils, t.tags}
	return json.Marshal(doc)
}

func newTopology(devices map[string]*Device, coils map[string]*Coil) *Topology {
	t := &Topology{
		devices:   devices,
		coils:     coils,
		tags:      make(map[string][]string),
		byAddress: make(map[uint8]*Device, len(devices)),
	}

	for name, d := range devices {
		t.deviceNames = append(t.deviceNames, name)
		t.byAddress[d.Address] = d
	}
	sort.Strings(t.deviceNames)

	for name := range coils {
		t.coilNames = append(t.coilNames, name)
	}
	sort.Strings(t.coilNames)

	// Walking coils in name order keeps every tag's member list sorted.
	for _, name := range t.coilNames {
		for _, tag := range coils[name].Tags {
			t.tags[tag] = append(t.tags[tag], name)
		}
	}
	for tag := range t.tags {
		t.tagNames = append(t.tagNames, tag)
	}
	sort.Strings(t.tagNames)

	return t
}
