package livestate

import (
	"errors"
	"fmt"

	"github.com/nerrad567/dorfbus/internal/topology"
)

// ErrNotFound is returned when a device, coil, or tag name does not resolve.
var ErrNotFound = errors.New("not found")

// Store is the live state of every device and coil in a topology.
type Store struct {
	topo    *topology.Topology
	devices map[string]*DeviceState
	coils   map[string]*CoilState
	tags    map[string][]*CoilState

	deviceOrder []*DeviceState
	coilOrder   []*CoilState
}

// Snapshot is a consistent-per-entry copy of the whole store.
type Snapshot struct {
	Devices map[string]DeviceSnapshot `json:"devices"`
	Coils   map[string]CoilSnapshot   `json:"coils"`
	Tags    map[string][]string       `json:"tags"`
}

// Build creates the initial live state for a topology: every coil unknown,
// every device unprobed.
func Build(topo *topology.Topology) *Store {
	s := &Store{
		topo:    topo,
		devices: make(map[string]*DeviceState),
		coils:   make(map[string]*CoilState),
		tags:    make(map[string][]*CoilState),
	}

	for _, d := range topo.Devices() {
		ds := &DeviceState{device: d}
		s.devices[d.Name] = ds
		s.deviceOrder = append(s.deviceOrder, ds)
	}

	for _, c := range topo.Coils() {
		cs := &CoilState{
			coil:   c,
			device: s.devices[c.Device],
			status: Unknown,
		}
		s.coils[c.Name] = cs
		s.coilOrder = append(s.coilOrder, cs)
	}

	for _, tag := range topo.Tags() {
		names, _ := topo.TagCoils(tag)
		members := make([]*CoilState, 0, len(names))
		for _, name := range names {
			members = append(members, s.coils[name])
		}
		s.tags[tag] = members
	}

	return s
}

// Topology returns the topology the store was built from.
func (s *Store) Topology() *topology.Topology {
	return s.topo
}

// Device resolves a device by name.
func (s *Store) Device(name string) (*DeviceState, error) {
	d, ok := s.devices[name]
	if !ok {
		return nil, fmt.Errorf("device %q: %w", name, ErrNotFound)
	}
	return d, nil
}

// DeviceByAddress resolves a configured device by bus address.
func (s *Store) DeviceByAddress(addr uint8) (*DeviceState, bool) {
	d, ok := s.topo.DeviceByAddress(addr)
	if !ok {
		return nil, false
	}
	return s.devices[d.Name], true
}

// Coil resolves a coil by name.
func (s *Store) Coil(name string) (*CoilState, error) {
	c, ok := s.coils[name]
	if !ok {
		return nil, fmt.Errorf("coil %q: %w", name, ErrNotFound)
	}
	return c, nil
}

// Tag returns the coils carrying a tag, ordered by coil name.
func (s *Store) Tag(name string) ([]*CoilState, error) {
	members, ok := s.tags[name]
	if !ok {
		return nil, fmt.Errorf("tag %q: %w", name, ErrNotFound)
	}
	return append([]*CoilState(nil), members...), nil
}

// Devices returns all device states ordered by name.
func (s *Store) Devices() []*DeviceState {
	return append([]*DeviceState(nil), s.deviceOrder...)
}

// Coils returns all coil states ordered by name.
func (s *Store) Coils() []*CoilState {
	return append([]*CoilState(nil), s.coilOrder...)
}

// Tags returns all tag names in sorted order.
func (s *Store) Tags() []string {
	return s.topo.Tags()
}

// ResetAll forgets everything learned from the hardware. No bus access.
func (s *Store) ResetAll() {
	for _, c := range s.coilOrder {
		c.SetStatus(Unknown)
	}
	for _, d := range s.deviceOrder {
		d.MarkUnseen()
	}
}

// Snapshot copies the whole store for reporting.
func (s *Store) Snapshot() Snapshot {
	snap := Snapshot{
		Devices: make(map[string]DeviceSnapshot, len(s.deviceOrder)),
		Coils:   make(map[string]CoilSnapshot, len(s.coilOrder)),
		Tags:    make(map[string][]string, len(s.tags)),
	}
	for _, d := range s.deviceOrder {
		snap.Devices[d.device.Name] = d.Snapshot()
	}
	for _, c := range s.coilOrder {
		snap.Coils[c.coil.Name] = c.Snapshot()
	}
	for tag, members := range s.tags {
		names := make([]string, 0, len(members))
		for _, c := range members {
			names = append(names, c.coil.Name)
		}
		snap.Tags[tag] = names
	}
	return snap
}
