package topology

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

type document struct {
	Devices map[string]deviceDoc `yaml:"devices"`
	Coils   map[string]coilDoc   `yaml:"coils"`
}

type deviceDoc struct {
	Description   string `yaml:"description"`
	ModbusAddress uint8  `yaml:"modbus-address"`
}

type coilDoc struct {
	Device        string      `yaml:"device"`
	Address       uint16      `yaml:"address"`
	Description   string      `yaml:"description"`
	DefaultStatus ResetPolicy `yaml:"default-status"`
	Tags          []string    `yaml:"tags"`
}

// Load reads and validates the topology document at path.
//
// Returns:
//   - *Topology: the validated topology
//   - error: a *ConfigError describing the first problem found
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Kind: KindUnreadable, Err: err}
	}
	return Parse(data)
}

// Parse validates a topology document held in memory.
func Parse(data []byte) (*Topology, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &ConfigError{Kind: KindMalformed, Err: err}
	}
	if len(root.Content) == 0 {
		return newTopology(map[string]*Device{}, map[string]*Coil{}), nil
	}

	// Decoding into maps would also fail on repeated keys, but only with an
	// untyped message. Walk the tree first so callers learn which name repeats.
	if err := checkDuplicateNames(root.Content[0]); err != nil {
		return nil, err
	}

	var doc document
	if err := root.Decode(&doc); err != nil {
		return nil, &ConfigError{Kind: KindMalformed, Err: err}
	}

	return build(&doc)
}

func checkDuplicateNames(doc *yaml.Node) error {
	if doc.Kind != yaml.MappingNode {
		return &ConfigError{Kind: KindMalformed, Line: doc.Line, Err: fmt.Errorf("top level must be a mapping")}
	}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		section := doc.Content[i+1]
		switch doc.Content[i].Value {
		case "devices":
			if err := checkUniqueKeys(section, KindDuplicateDevice); err != nil {
				return err
			}
		case "coils":
			if err := checkUniqueKeys(section, KindDuplicateCoil); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkUniqueKeys(section *yaml.Node, kind ErrorKind) error {
	if section.Kind != yaml.MappingNode {
		return nil
	}
	seen := make(map[string]bool, len(section.Content)/2)
	for i := 0; i+1 < len(section.Content); i += 2 {
		key := section.Content[i]
		if seen[key.Value] {
			cerr := &ConfigError{Kind: kind, Line: key.Line}
			if kind == KindDuplicateDevice {
				cerr.Device = key.Value
			} else {
				cerr.Coil = key.Value
			}
			return cerr
		}
		seen[key.Value] = true
	}
	return nil
}

func build(doc *document) (*Topology, error) {
	devices := make(map[string]*Device, len(doc.Devices))
	deviceAt := make(map[uint8]string, len(doc.Devices))

	for _, name := range sortedKeys(doc.Devices) {
		d := doc.Devices[name]
		if _, taken := deviceAt[d.ModbusAddress]; taken {
			return nil, &ConfigError{Kind: KindDuplicateAddress, Device: name}
		}
		deviceAt[d.ModbusAddress] = name
		devices[name] = &Device{
			Name:        name,
			Address:     d.ModbusAddress,
			Description: d.Description,
		}
	}

	coils := make(map[string]*Coil, len(doc.Coils))
	coilAt := make(map[string]map[uint16]bool, len(devices))

	for _, name := range sortedKeys(doc.Coils) {
		c := doc.Coils[name]
		if _, ok := devices[c.Device]; !ok {
			return nil, &ConfigError{Kind: KindUnknownDevice, Coil: name, Device: c.Device}
		}

		used := coilAt[c.Device]
		if used == nil {
			used = make(map[uint16]bool)
			coilAt[c.Device] = used
		}
		if used[c.Address] {
			return nil, &ConfigError{Kind: KindDuplicateAddress, Coil: name, Device: c.Device}
		}
		used[c.Address] = true

		tags, err := normaliseTags(c.Tags)
		if err != nil {
			return nil, &ConfigError{Kind: KindMalformed, Coil: name, Err: fmt.Errorf("coil %q: %w", name, err)}
		}

		policy := c.DefaultStatus
		if policy == "" {
			policy = ResetDoNotSet
		}

		coils[name] = &Coil{
			Name:          name,
			Device:        c.Device,
			Address:       c.Address,
			Description:   c.Description,
			DefaultStatus: policy,
			Tags:          tags,
		}
	}

	return newTopology(devices, coils), nil
}

// normaliseTags drops repeated labels, keeping first occurrence order.
func normaliseTags(tags []string) ([]string, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag == "" {
			return nil, fmt.Errorf("empty tag label")
		}
		if seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
