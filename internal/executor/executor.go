package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/dorfbus/internal/bus"
	"github.com/nerrad567/dorfbus/internal/livestate"
)

// Bus is the part of the coordinator the executor uses.
type Bus interface {
	Submit(op bus.Op, commit bus.CommitFunc) <-chan bus.Outcome
}

// Logger is the logging surface the executor needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// CoilChange describes a committed coil write or reset.
type CoilChange struct {
	Coil     livestate.CoilSnapshot
	Previous livestate.CoilValue
	Source   string
	Err      error
	At       time.Time
}

// DeviceChange describes a committed probe outcome or reset.
type DeviceChange struct {
	Device  livestate.DeviceSnapshot
	WasSeen bool
	Source  string
	Err     error
	At      time.Time
}

// Listener hears about every state change. Methods run on bus exchange
// goroutines and should return quickly.
type Listener interface {
	CoilChanged(CoilChange)
	DeviceChanged(DeviceChange)
}

// Options configures an Executor.
type Options struct {
	Store  *livestate.Store
	Bus    Bus
	Logger Logger

	// DefaultsOnRecovery re-applies default coil states to a device that
	// answers again after having dropped off the bus.
	DefaultsOnRecovery bool
}

// Executor runs relay operations against the bus and keeps live state current.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Executor struct {
	store              *livestate.Store
	bus                Bus
	logger             Logger
	defaultsOnRecovery bool

	probes singleflight.Group

	listenersMu sync.RWMutex
	listeners   []Listener
}

// New creates an Executor. Store and Bus are required.
func New(opts Options) (*Executor, error) {
	if opts.Store == nil {
		return nil, errors.New("executor: store is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("executor: bus is required")
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &Executor{
		store:              opts.Store,
		bus:                opts.Bus,
		logger:             opts.Logger,
		defaultsOnRecovery: opts.DefaultsOnRecovery,
	}, nil
}

// Store returns the live state the executor maintains.
func (e *Executor) Store() *livestate.Store {
	return e.store
}

// AddListener registers l for state change notifications.
func (e *Executor) AddListener(l Listener) {
	e.listenersMu.Lock()
	e.listeners = append(e.listeners, l)
	e.listenersMu.Unlock()
}

func (e *Executor) notifyCoil(c CoilChange) {
	e.listenersMu.RLock()
	defer e.listenersMu.RUnlock()
	for _, l := range e.listeners {
		l.CoilChanged(c)
	}
}

func (e *Executor) notifyDevice(d DeviceChange) {
	e.listenersMu.RLock()
	defer e.listenersMu.RUnlock()
	for _, l := range e.listeners {
		l.DeviceChanged(d)
	}
}

// GetCoil returns the cached state of a coil. It never touches the bus.
func (e *Executor) GetCoil(name string) (livestate.CoilSnapshot, error) {
	c, err := e.store.Coil(name)
	if err != nil {
		return livestate.CoilSnapshot{}, err
	}
	return c.Snapshot(), nil
}

// SetCoil switches a coil and waits for the outcome or for ctx to end.
//
// Once submitted the write completes regardless of ctx; its result is
// recorded in live state either way. On failure the coil becomes unknown and
// the returned error wraps bus.ErrTimeout or the transport error.
func (e *Executor) SetCoil(ctx context.Context, name string, on bool) (livestate.CoilSnapshot, error) {
	c, err := e.store.Coil(name)
	if err != nil {
		return livestate.CoilSnapshot{}, err
	}
	err = e.setCoil(ctx, c, on)
	return c.Snapshot(), err
}

func (e *Executor) setCoil(ctx context.Context, c *livestate.CoilState, on bool) error {
	op := bus.WriteCoil{
		DeviceAddr: c.Device().Device().Address,
		CoilAddr:   c.Coil().Address,
		Value:      on,
	}
	source := SourceFrom(ctx)

	ch := e.bus.Submit(op, func(_ bus.Result, err error) {
		value := livestate.Unknown
		if err == nil {
			value = livestate.ValueOf(on)
		}
		prev := c.SetStatus(value)
		if err != nil {
			e.logger.Warn("coil write failed, state unknown",
				"coil", c.Coil().Name, "device", c.Coil().Device, "error", err)
		}
		e.notifyCoil(CoilChange{
			Coil:     c.Snapshot(),
			Previous: prev,
			Source:   source,
			Err:      err,
			At:       time.Now(),
		})
	})

	select {
	case o := <-ch:
		return o.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// markUnknown forces a coil to unknown without bus access.
func (e *Executor) markUnknown(c *livestate.CoilState, source string) {
	prev := c.SetStatus(livestate.Unknown)
	if prev == livestate.Unknown {
		return
	}
	e.notifyCoil(CoilChange{
		Coil:     c.Snapshot(),
		Previous: prev,
		Source:   source,
		At:       time.Now(),
	})
}
