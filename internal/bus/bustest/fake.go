// Package bustest provides an instrumented in-memory bus.Conn for tests.
package bustest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Raw call kinds recorded by FakeConn.
const (
	ReadHoldingRegisters = "read_holding_registers"
	WriteSingleRegister  = "write_single_register"
	WriteSingleCoil      = "write_single_coil"
)

// Call is one raw request seen by a FakeConn.
type Call struct {
	Kind  string
	Unit  uint8
	Addr  uint16
	Value uint16 // register value, or 0xFF00/0x0000 for coils
	Count uint16
}

// Responder decides the reply to a call. It may block; ctx ends when the
// exchange deadline passes.
type Responder func(ctx context.Context, c Call) ([]uint16, error)

// FakeConn is a bus.Conn that records every call and detects overlapping use.
//
// With no Responder, reads from units listed in Versions return that version,
// reads from any other unit stay silent until the deadline, and writes succeed.
type FakeConn struct {
	// Versions maps unit address to the hardware version it reports.
	Versions map[uint8]uint16
	// Delay is added to every call before responding.
	Delay time.Duration
	// Respond overrides the default behaviour when set.
	Respond Responder

	mu     sync.Mutex
	unit   uint8
	calls  []Call
	closed bool

	inFlight atomic.Int32
	overlaps atomic.Int32
	peak     atomic.Int32
}

// NewFakeConn returns a FakeConn answering version probes from versions.
func NewFakeConn(versions map[uint8]uint16) *FakeConn {
	if versions == nil {
		versions = map[uint8]uint16{}
	}
	return &FakeConn{Versions: versions}
}

// SetTargetAddress implements bus.Conn.
func (f *FakeConn) SetTargetAddress(addr uint8) {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	f.unit = addr
	f.mu.Unlock()
}

// ReadHoldingRegisters implements bus.Conn.
func (f *FakeConn) ReadHoldingRegisters(ctx context.Context, addr, count uint16) ([]uint16, error) {
	f.enter()
	defer f.leave()
	c := f.record(Call{Kind: ReadHoldingRegisters, Addr: addr, Count: count})
	return f.reply(ctx, c)
}

// WriteSingleRegister implements bus.Conn.
func (f *FakeConn) WriteSingleRegister(ctx context.Context, addr, value uint16) error {
	f.enter()
	defer f.leave()
	c := f.record(Call{Kind: WriteSingleRegister, Addr: addr, Value: value})
	_, err := f.reply(ctx, c)
	return err
}

// WriteSingleCoil implements bus.Conn.
func (f *FakeConn) WriteSingleCoil(ctx context.Context, addr uint16, on bool) error {
	f.enter()
	defer f.leave()
	value := uint16(0x0000)
	if on {
		value = 0xFF00
	}
	c := f.record(Call{Kind: WriteSingleCoil, Addr: addr, Value: value})
	_, err := f.reply(ctx, c)
	return err
}

// Close implements bus.Conn.
func (f *FakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// SetVersion makes unit addr answer version probes with v.
func (f *FakeConn) SetVersion(addr uint8, v uint16) {
	f.mu.Lock()
	f.Versions[addr] = v
	f.mu.Unlock()
}

// Unplug makes unit addr stop answering.
func (f *FakeConn) Unplug(addr uint8) {
	f.mu.Lock()
	delete(f.Versions, addr)
	f.mu.Unlock()
}

// Calls returns a copy of every raw request so far.
func (f *FakeConn) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsOf returns the recorded requests of one kind.
func (f *FakeConn) CallsOf(kind string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// Overlaps is the number of times a call started while another was running.
func (f *FakeConn) Overlaps() int {
	return int(f.overlaps.Load())
}

// Peak is the highest number of simultaneous calls observed.
func (f *FakeConn) Peak() int {
	return int(f.peak.Load())
}

// Closed reports whether Close was called.
func (f *FakeConn) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeConn) enter() {
	n := f.inFlight.Add(1)
	if n > 1 {
		f.overlaps.Add(1)
	}
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
}

func (f *FakeConn) leave() {
	f.inFlight.Add(-1)
}

func (f *FakeConn) record(c Call) Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.Unit = f.unit
	f.calls = append(f.calls, c)
	return c
}

func (f *FakeConn) reply(ctx context.Context, c Call) ([]uint16, error) {
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.Respond != nil {
		return f.Respond(ctx, c)
	}
	if c.Kind != ReadHoldingRegisters {
		return nil, nil
	}
	f.mu.Lock()
	v, ok := f.Versions[c.Unit]
	f.mu.Unlock()
	if !ok {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return []uint16{v}, nil
}

// Silent blocks until the exchange deadline, like a unit that never answers.
func Silent(ctx context.Context) ([]uint16, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
