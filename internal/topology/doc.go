// Package topology loads the static description of the relay bus.
//
// A topology names every relay card (device) on the RS-485 line together with
// its Modbus unit address, every coil (relay output) on those cards, and the
// tags that group coils for bulk switching. It is parsed once at startup and
// never mutated afterwards, so a *Topology may be shared freely between
// goroutines.
//
// The document format is YAML:
//
//	devices:
//	  barn-card:
//	    modbus-address: 1
//	    description: "8-channel card in the barn"
//	coils:
//	  barn-light:
//	    device: barn-card
//	    address: 0
//	    default-status: off   # on, off or do-not-set (default)
//	    tags: [lights, barn]
//
// Load rejects documents whose coils reference unknown devices, that repeat a
// device or coil name, or that reuse a bus address. Failures are reported as
// *ConfigError so callers can inspect the offending names.
package topology
