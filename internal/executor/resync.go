package executor

import (
	"context"
	"time"

	"github.com/nerrad567/dorfbus/internal/livestate"
	"github.com/nerrad567/dorfbus/internal/topology"
)

// ResyncAll forgets everything learned from the hardware, then probes every
// configured device in name order.
//
// A device that does not answer is logged and left unseen; the sweep goes on.
// The only error returned is ctx's, when it ends before the sweep finishes.
func (e *Executor) ResyncAll(ctx context.Context) error {
	source := SourceFrom(ctx)
	e.resetAll(source)

	devices := e.store.Devices()
	seen := 0
	for _, d := range devices {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := d.Device().Name
		version, err := e.ProbeDeviceIdentity(ctx, d.Device().Address)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			e.logger.Warn("device did not answer during resync", "device", name, "address", d.Device().Address, "error", err)
			continue
		}
		seen++
		e.logger.Info("device found", "device", name, "address", d.Device().Address, "hardware_version", version)
	}

	e.logger.Info("resync finished", "devices", len(devices), "seen", seen, "source", source)
	return nil
}

func (e *Executor) resetAll(source string) {
	coils := e.store.Coils()
	devices := e.store.Devices()

	prevCoil := make([]livestate.CoilValue, len(coils))
	for i, c := range coils {
		prevCoil[i] = c.Status()
	}
	prevSeen := make([]bool, len(devices))
	for i, d := range devices {
		prevSeen[i] = d.Seen()
	}

	e.store.ResetAll()

	now := time.Now()
	for i, c := range coils {
		if prevCoil[i] != livestate.Unknown {
			e.notifyCoil(CoilChange{Coil: c.Snapshot(), Previous: prevCoil[i], Source: source, At: now})
		}
	}
	for i, d := range devices {
		if prevSeen[i] {
			e.notifyDevice(DeviceChange{Device: d.Snapshot(), WasSeen: true, Source: source, At: now})
		}
	}
}

// ApplyDefaults drives every coil with an on or off default-status to that
// value, one write at a time in coil name order. Coils whose device is not
// seen are skipped and reported with ErrDeviceUnseen.
//
// Per-coil failures are reported in the outcomes; the returned error is only
// set when ctx ends first.
func (e *Executor) ApplyDefaults(ctx context.Context) ([]CoilOutcome, error) {
	return e.applyDefaults(ctx, e.store.Coils())
}

func (e *Executor) applyDefaults(ctx context.Context, coils []*livestate.CoilState) ([]CoilOutcome, error) {
	var outcomes []CoilOutcome
	for _, c := range coils {
		var on bool
		switch c.Coil().DefaultStatus {
		case topology.ResetOn:
			on = true
		case topology.ResetOff:
			on = false
		default:
			continue
		}

		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		if !c.Device().Seen() {
			outcomes = append(outcomes, CoilOutcome{Coil: c.Snapshot(), Err: ErrDeviceUnseen})
			continue
		}

		err := e.setCoil(ctx, c, on)
		if err != nil {
			e.logger.Warn("applying default status failed", "coil", c.Coil().Name, "error", err)
		}
		outcomes = append(outcomes, CoilOutcome{Coil: c.Snapshot(), Err: err})
	}
	return outcomes, nil
}

// Sweep probes every configured device without resetting anything first.
//
// Devices that stop answering have their coils marked unknown. When
// DefaultsOnRecovery is set, a device that answers again after being unseen
// gets its coil defaults re-applied.
func (e *Executor) Sweep(ctx context.Context) error {
	for _, d := range e.store.Devices() {
		if err := ctx.Err(); err != nil {
			return err
		}
		wasSeen := d.Seen()
		_, err := e.ProbeDeviceIdentity(ctx, d.Device().Address)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			continue
		}
		if !wasSeen && e.defaultsOnRecovery {
			e.logger.Info("device answering again, re-applying defaults", "device", d.Device().Name)
			if _, err := e.applyDefaults(ctx, e.coilsOf(d)); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunPeriodicSweep calls Sweep every interval until ctx ends.
func (e *Executor) RunPeriodicSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("periodic sweep failed", "error", err)
			}
		}
	}
}

func (e *Executor) coilsOf(d *livestate.DeviceState) []*livestate.CoilState {
	var out []*livestate.CoilState
	for _, c := range e.store.Coils() {
		if c.Device() == d {
			out = append(out, c)
		}
	}
	return out
}
