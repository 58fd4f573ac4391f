package executor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nerrad567/dorfbus/internal/bus"
	"github.com/nerrad567/dorfbus/internal/livestate"
)

// GetDevice returns the cached state of a configured device.
func (e *Executor) GetDevice(name string) (livestate.DeviceSnapshot, error) {
	d, err := e.store.Device(name)
	if err != nil {
		return livestate.DeviceSnapshot{}, err
	}
	return d.Snapshot(), nil
}

// ProbeDeviceIdentity reads the hardware version of the unit at addr.
//
// The address does not have to belong to a configured device. When it does,
// that device's live state is updated with the outcome. Concurrent probes of
// one address share a single bus exchange.
func (e *Executor) ProbeDeviceIdentity(ctx context.Context, addr uint8) (uint16, error) {
	source := SourceFrom(ctx)
	ch := e.probes.DoChan(strconv.Itoa(int(addr)), func() (any, error) {
		o := <-e.bus.Submit(bus.ReadHardwareVersion{DeviceAddr: addr}, e.commitProbe(addr, source))
		return o.Result.HardwareVersion, o.Err
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return 0, r.Err
		}
		return r.Val.(uint16), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// readIdentity is ProbeDeviceIdentity without coalescing. The read is always
// queued after everything already submitted.
func (e *Executor) readIdentity(ctx context.Context, addr uint8) (uint16, error) {
	ch := e.bus.Submit(bus.ReadHardwareVersion{DeviceAddr: addr}, e.commitProbe(addr, SourceFrom(ctx)))
	select {
	case o := <-ch:
		return o.Result.HardwareVersion, o.Err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (e *Executor) commitProbe(addr uint8, source string) bus.CommitFunc {
	return func(res bus.Result, err error) {
		d, ok := e.store.DeviceByAddress(addr)
		if !ok {
			return
		}

		var wasSeen bool
		if err == nil {
			wasSeen = d.Seen()
			d.MarkSeen(res.HardwareVersion)
		} else {
			wasSeen = d.MarkUnseen()
			if wasSeen {
				// The card may have lost power, which drops every relay.
				e.logger.Warn("device stopped answering, coil states now unknown",
					"device", d.Device().Name, "address", addr, "error", err)
				for _, c := range e.coilsOf(d) {
					e.markUnknown(c, source)
				}
			}
		}

		e.notifyDevice(DeviceChange{
			Device:  d.Snapshot(),
			WasSeen: wasSeen,
			Source:  source,
			Err:     err,
			At:      time.Now(),
		})
	}
}

// AssignDeviceAddress reprograms the unit at oldAddr to answer at newAddr and
// returns the hardware version read back from the new address by a fresh
// probe issued after the write.
//
// The request is refused with ErrAddressInvalid, before anything is sent, when
// either address is the broadcast or a reserved address, when both are equal,
// or when a configured device is currently answering at newAddr.
func (e *Executor) AssignDeviceAddress(ctx context.Context, oldAddr, newAddr uint8) (uint16, error) {
	if err := e.checkAddressChange(oldAddr, newAddr); err != nil {
		return 0, err
	}

	source := SourceFrom(ctx)
	op := bus.SetDeviceAddress{OldAddr: oldAddr, NewAddr: newAddr}
	ch := e.bus.Submit(op, func(_ bus.Result, err error) {
		if err != nil {
			return
		}
		e.logger.Info("device address changed", "old_address", oldAddr, "new_address", newAddr, "source", source)
		if d, ok := e.store.DeviceByAddress(oldAddr); ok {
			wasSeen := d.MarkUnseen()
			e.notifyDevice(DeviceChange{Device: d.Snapshot(), WasSeen: wasSeen, Source: source, At: time.Now()})
		}
	})

	select {
	case o := <-ch:
		if o.Err != nil {
			return 0, o.Err
		}
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	// A coalesced probe could join one whose read went out before the rename.
	return e.readIdentity(ctx, newAddr)
}

func (e *Executor) checkAddressChange(oldAddr, newAddr uint8) error {
	for _, a := range []uint8{oldAddr, newAddr} {
		if a == bus.BroadcastAddress {
			return fmt.Errorf("%w: %d is the broadcast address", ErrAddressInvalid, a)
		}
		if a >= bus.FirstReservedAddress {
			return fmt.Errorf("%w: %d is reserved", ErrAddressInvalid, a)
		}
	}
	if oldAddr == newAddr {
		return fmt.Errorf("%w: old and new address are both %d", ErrAddressInvalid, oldAddr)
	}
	if d, ok := e.store.DeviceByAddress(newAddr); ok && d.Seen() {
		return fmt.Errorf("%w: %d is in use by device %q", ErrAddressInvalid, newAddr, d.Device().Name)
	}
	return nil
}
