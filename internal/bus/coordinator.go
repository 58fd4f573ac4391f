package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Logger is the logging surface the coordinator needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Observer is told about every finished exchange. It runs on the exchange
// goroutine while the bus is still held, so it must not block or submit
// operations.
type Observer func(Result, error)

// Options configures a Coordinator.
type Options struct {
	// Timeout bounds each exchange. Defaults to DefaultExchangeTimeout.
	Timeout time.Duration
	Logger  Logger
}

// Stats are cumulative exchange counters.
type Stats struct {
	Exchanges    uint64    `json:"exchanges"`
	Failures     uint64    `json:"failures"`
	Timeouts     uint64    `json:"timeouts"`
	LastExchange time.Time `json:"last_exchange"`
}

// Coordinator owns the bus connection and runs one exchange at a time.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Coordinator struct {
	conn    Conn
	timeout time.Duration
	logger  Logger

	// gate admits one raw exchange. It is released by the goroutine that
	// performed the raw call, once that call has returned.
	gate chan struct{}

	obsMu     sync.RWMutex
	observers []Observer

	lifeMu sync.Mutex
	closed bool
	wg     sync.WaitGroup

	exchanges atomic.Uint64
	failures  atomic.Uint64
	timeouts  atomic.Uint64
	lastNanos atomic.Int64
}

// NewCoordinator takes ownership of conn.
func NewCoordinator(conn Conn, opts Options) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultExchangeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &Coordinator{
		conn:    conn,
		timeout: opts.Timeout,
		logger:  opts.Logger,
		gate:    make(chan struct{}, 1),
	}
}

// Timeout returns the per-exchange timeout.
func (c *Coordinator) Timeout() time.Duration {
	return c.timeout
}

// Observe registers fn to be called after every exchange.
func (c *Coordinator) Observe(fn Observer) {
	c.obsMu.Lock()
	c.observers = append(c.observers, fn)
	c.obsMu.Unlock()
}

// Submit queues op for execution and returns immediately.
//
// The exchange runs on its own goroutine and is not affected by anything the
// caller does afterwards. When it finishes, commit (if non-nil) is called with
// the result before the next exchange may start, then the outcome is sent on
// the returned channel. The channel is
// buffered and receives exactly one value, so callers may stop listening at
// any time.
func (c *Coordinator) Submit(op Op, commit CommitFunc) <-chan Outcome {
	out := make(chan Outcome, 1)

	c.lifeMu.Lock()
	if c.closed {
		c.lifeMu.Unlock()
		out <- Outcome{Result: Result{Op: op}, Err: &Error{Op: op, Err: ErrClosed}}
		return out
	}
	c.wg.Add(1)
	c.lifeMu.Unlock()

	go func() {
		defer c.wg.Done()
		res, release, err := c.exchange(op)
		if commit != nil {
			commit(res, err)
		}
		release()
		out <- Outcome{Result: res, Err: err}
	}()

	return out
}

// Execute runs op and waits for its outcome or for ctx to end. When ctx ends
// first the exchange still completes in the background.
func (c *Coordinator) Execute(ctx context.Context, op Op) (Result, error) {
	select {
	case o := <-c.Submit(op, nil):
		return o.Result, o.Err
	case <-ctx.Done():
		return Result{Op: op}, ctx.Err()
	}
}

type rawOutcome struct {
	version uint16
	err     error
}

// exchange runs op on the wire and returns with the bus still held. Observers
// run before it returns; the caller commits and then calls release, so state
// changes land in wire order. After a timeout, release leaves the bus held
// until the overrunning raw call returns.
func (c *Coordinator) exchange(op Op) (Result, func(), error) {
	c.gate <- struct{}{}

	res := Result{Op: op, Started: time.Now()}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)

	done := make(chan rawOutcome, 1)
	go func() {
		defer cancel()
		v, err := c.perform(ctx, op)
		done <- rawOutcome{version: v, err: err}
	}()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	var err error
	release := func() { <-c.gate }
	select {
	case raw := <-done:
		res.HardwareVersion = raw.version
		err = raw.err
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrTimeout
		}
	case <-timer.C:
		err = ErrTimeout
		c.logger.Warn("bus exchange overran its timeout, holding bus until it returns",
			"op", op.Kind(), "target", op.Target(), "timeout", c.timeout)
		release = func() {
			go func() {
				<-done
				<-c.gate
			}()
		}
	}
	res.Duration = time.Since(res.Started)

	if err != nil {
		err = &Error{Op: op, Err: err}
	}
	c.record(res, err)
	return res, release, err
}

func (c *Coordinator) perform(ctx context.Context, op Op) (uint16, error) {
	switch o := op.(type) {
	case ReadHardwareVersion:
		c.conn.SetTargetAddress(o.DeviceAddr)
		regs, err := c.conn.ReadHoldingRegisters(ctx, RegisterHardwareVersion, 1)
		if err != nil {
			return 0, err
		}
		if len(regs) == 0 {
			return 0, ErrEmptyResponse
		}
		return regs[0], nil

	case WriteCoil:
		c.conn.SetTargetAddress(o.DeviceAddr)
		return 0, c.conn.WriteSingleCoil(ctx, o.CoilAddr, o.Value)

	case SetDeviceAddress:
		c.conn.SetTargetAddress(o.OldAddr)
		err := c.conn.WriteSingleRegister(ctx, RegisterDeviceAddress, uint16(o.NewAddr))
		// The card switches address before replying, so the reply comes from
		// the new address and fails request matching.
		if errors.Is(err, ErrInvalidResponse) {
			return 0, nil
		}
		return 0, err
	}
	return 0, errors.New("unsupported operation")
}

func (c *Coordinator) record(res Result, err error) {
	c.exchanges.Add(1)
	c.lastNanos.Store(res.Started.Add(res.Duration).UnixNano())
	if err != nil {
		c.failures.Add(1)
		if errors.Is(err, ErrTimeout) {
			c.timeouts.Add(1)
		}
		c.logger.Debug("bus exchange failed", "op", res.Op.Kind(), "target", res.Op.Target(), "error", err)
	}

	c.obsMu.RLock()
	observers := c.observers
	c.obsMu.RUnlock()
	for _, fn := range observers {
		fn(res, err)
	}
}

// Stats returns a snapshot of the exchange counters.
func (c *Coordinator) Stats() Stats {
	s := Stats{
		Exchanges: c.exchanges.Load(),
		Failures:  c.failures.Load(),
		Timeouts:  c.timeouts.Load(),
	}
	if n := c.lastNanos.Load(); n != 0 {
		s.LastExchange = time.Unix(0, n)
	}
	return s
}

// Close rejects new operations, waits for accepted ones to finish, then closes
// the connection. A raw call still stuck past its timeout is given one more
// timeout period to return before the connection is closed under it.
func (c *Coordinator) Close() error {
	c.lifeMu.Lock()
	if c.closed {
		c.lifeMu.Unlock()
		return nil
	}
	c.closed = true
	c.lifeMu.Unlock()

	c.wg.Wait()

	select {
	case c.gate <- struct{}{}:
	case <-time.After(c.timeout):
		c.logger.Warn("closing bus connection with an exchange still in flight")
	}
	return c.conn.Close()
}
