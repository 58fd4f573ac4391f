package bus

import "context"

// Conn is a raw Modbus connection. Implementations need not be safe for
// concurrent use; the Coordinator never overlaps calls.
type Conn interface {
	// SetTargetAddress selects the unit address for the following requests.
	SetTargetAddress(addr uint8)

	ReadHoldingRegisters(ctx context.Context, addr, count uint16) ([]uint16, error)
	WriteSingleRegister(ctx context.Context, addr, value uint16) error
	WriteSingleCoil(ctx context.Context, addr uint16, on bool) error

	Close() error
}
