package bus

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/grid-x/modbus"
	"github.com/grid-x/serial"
)

// SerialOptions configures an RTU connection.
type SerialOptions struct {
	Path     string
	BaudRate int
	DataBits int
	Parity   string
	StopBits int

	// Timeout is the transport-level read deadline. Keep it at or below the
	// coordinator's exchange timeout.
	Timeout time.Duration

	RS485 RS485Options

	// Logger receives frame-level transport logging when set.
	Logger Logger
}

// RS485Options mirrors the transceiver direction control of the serial driver.
type RS485Options struct {
	Enabled            bool
	DelayRTSBeforeSend time.Duration
	DelayRTSAfterSend  time.Duration
	RTSHighDuringSend  bool
	RTSHighAfterSend   bool
	RxDuringTx         bool
}

// RTUConn is a Conn over a Modbus-RTU serial line.
type RTUConn struct {
	handler *modbus.RTUClientHandler
	client  modbus.Client
}

// printfLogger adapts Logger to the transport's Printf interface.
type printfLogger struct {
	l Logger
}

func (p printfLogger) Printf(format string, v ...interface{}) {
	p.l.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "modbus")
}

// OpenRTU opens the serial port described by opts.
func OpenRTU(opts SerialOptions) (*RTUConn, error) {
	h := modbus.NewRTUClientHandler(opts.Path)
	h.BaudRate = opts.BaudRate
	h.DataBits = opts.DataBits
	h.Parity = opts.Parity
	h.StopBits = opts.StopBits
	if opts.Timeout > 0 {
		h.Timeout = opts.Timeout
	}
	// The coordinator holds the line for the whole process lifetime.
	h.IdleTimeout = 0
	h.RS485 = serial.RS485Config{
		Enabled:            opts.RS485.Enabled,
		DelayRtsBeforeSend: opts.RS485.DelayRTSBeforeSend,
		DelayRtsAfterSend:  opts.RS485.DelayRTSAfterSend,
		RtsHighDuringSend:  opts.RS485.RTSHighDuringSend,
		RtsHighAfterSend:   opts.RS485.RTSHighAfterSend,
		RxDuringTx:         opts.RS485.RxDuringTx,
	}
	if opts.Logger != nil {
		h.Logger = printfLogger{l: opts.Logger}
	}

	if err := h.Connect(context.Background()); err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", opts.Path, err)
	}

	return &RTUConn{
		handler: h,
		client:  modbus.NewClient(h),
	}, nil
}

// SetTargetAddress implements Conn.
func (c *RTUConn) SetTargetAddress(addr uint8) {
	c.handler.SetSlave(addr)
}

// ReadHoldingRegisters implements Conn.
func (c *RTUConn) ReadHoldingRegisters(ctx context.Context, addr, count uint16) ([]uint16, error) {
	raw, err := c.client.ReadHoldingRegisters(ctx, addr, count)
	if err != nil {
		return nil, classify(err)
	}
	regs := make([]uint16, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		regs = append(regs, binary.BigEndian.Uint16(raw[i:]))
	}
	return regs, nil
}

// WriteSingleRegister implements Conn.
func (c *RTUConn) WriteSingleRegister(ctx context.Context, addr, value uint16) error {
	_, err := c.client.WriteSingleRegister(ctx, addr, value)
	return classify(err)
}

// WriteSingleCoil implements Conn.
func (c *RTUConn) WriteSingleCoil(ctx context.Context, addr uint16, on bool) error {
	value := uint16(0x0000)
	if on {
		value = 0xFF00
	}
	_, err := c.client.WriteSingleCoil(ctx, addr, value)
	return classify(err)
}

// Close implements Conn.
func (c *RTUConn) Close() error {
	return c.handler.Close()
}

// classify maps transport errors that mean "a reply arrived but does not
// belong to this request" onto ErrInvalidResponse. Modbus exceptions and I/O
// errors pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "does not match") || strings.Contains(msg, "response data is empty") {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return err
}
