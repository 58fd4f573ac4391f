package bus_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/dorfbus/internal/bus"
	"github.com/nerrad567/dorfbus/internal/bus/bustest"
)

func TestTraceWriter_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	tw := bus.NewTraceWriter(&buf, nil)

	fake := bustest.NewFakeConn(map[uint8]uint16{1: 0x0203})
	c := newCoordinator(t, fake, 20*time.Millisecond)
	c.Observe(tw.Observe)

	_, err := c.Execute(context.Background(), bus.ReadHardwareVersion{DeviceAddr: 1})
	require.NoError(t, err)
	_, err = c.Execute(context.Background(), bus.ReadHardwareVersion{DeviceAddr: 5})
	require.Error(t, err)

	var records []bus.TraceRecord
	require.NoError(t, bus.ReadTrace(&buf, func(rec bus.TraceRecord) error {
		records = append(records, rec)
		return nil
	}))

	require.Len(t, records, 2)
	assert.Equal(t, "read_hardware_version", records[0].Op)
	assert.Equal(t, uint8(1), records[0].Target)
	assert.Equal(t, uint16(0x0203), records[0].Version)
	assert.Empty(t, records[0].Error)
	assert.False(t, records[0].Started.IsZero())

	assert.Equal(t, uint8(5), records[1].Target)
	assert.True(t, records[1].Timeout)
	assert.NotEmpty(t, records[1].Error)
}

func TestOpenTraceFile_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.trace")
	rec := bus.Result{Op: bus.WriteCoil{DeviceAddr: 1, CoilAddr: 2, Value: true}, Started: time.Now()}

	for i := 0; i < 2; i++ {
		tw, err := bus.OpenTraceFile(path, nil)
		require.NoError(t, err)
		tw.Observe(rec, nil)
		require.NoError(t, tw.Close())
	}

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	count := 0
	require.NoError(t, bus.ReadTrace(f, func(r bus.TraceRecord) error {
		count++
		assert.Equal(t, "write_coil", r.Op)
		return nil
	}))
	assert.Equal(t, 2, count)
}
