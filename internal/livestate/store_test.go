package livestate

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/dorfbus/internal/topology"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	topo, err := topology.Parse([]byte(`
devices:
  card-a:
    modbus-address: 1
  card-b:
    modbus-address: 7
coils:
  lamp:
    device: card-a
    address: 0
    tags: [lights]
  heater:
    device: card-b
    address: 2
  porch:
    device: card-b
    address: 3
    tags: [lights]
`))
	require.NoError(t, err)
	return Build(topo)
}

func TestBuild_InitialState(t *testing.T) {
	s := testStore(t)

	for _, c := range s.Coils() {
		assert.Equal(t, Unknown, c.Status(), "coil %s", c.Coil().Name)
	}
	for _, d := range s.Devices() {
		_, ok := d.Version()
		assert.False(t, ok, "device %s should have no version", d.Device().Name)
		assert.False(t, d.Seen())
	}
}

func TestStore_Lookups(t *testing.T) {
	s := testStore(t)

	lamp, err := s.Coil("lamp")
	require.NoError(t, err)
	assert.Equal(t, "card-a", lamp.Device().Device().Name)

	dev, err := s.Device("card-b")
	require.NoError(t, err)
	assert.Equal(t, uint8(7), dev.Device().Address)

	byAddr, ok := s.DeviceByAddress(7)
	require.True(t, ok)
	assert.Same(t, dev, byAddr)

	_, ok = s.DeviceByAddress(99)
	assert.False(t, ok)

	lights, err := s.Tag("lights")
	require.NoError(t, err)
	require.Len(t, lights, 2)
	assert.Equal(t, "lamp", lights[0].Coil().Name)
	assert.Equal(t, "porch", lights[1].Coil().Name)

	_, err = s.Coil("nope")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.Device("nope")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.Tag("nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCoilState_SharesDeviceEntry(t *testing.T) {
	s := testStore(t)

	heater, _ := s.Coil("heater")
	porch, _ := s.Coil("porch")
	dev, _ := s.Device("card-b")

	assert.Same(t, dev, heater.Device())
	assert.Same(t, heater.Device(), porch.Device())

	dev.MarkSeen(0x0102)
	v, ok := porch.Device().Version()
	assert.True(t, ok)
	assert.Equal(t, uint16(0x0102), v)
}

func TestDeviceState_Transitions(t *testing.T) {
	s := testStore(t)
	dev, _ := s.Device("card-a")

	dev.MarkSeen(3)
	snap := dev.Snapshot()
	require.NotNil(t, snap.Version)
	assert.Equal(t, uint16(3), *snap.Version)
	assert.True(t, snap.Seen)

	assert.True(t, dev.MarkUnseen(), "device was seen before")
	assert.False(t, dev.MarkUnseen(), "device was already unseen")

	snap = dev.Snapshot()
	assert.Nil(t, snap.Version)
	assert.False(t, snap.Seen)
}

func TestCoilState_SetStatus(t *testing.T) {
	s := testStore(t)
	lamp, _ := s.Coil("lamp")

	assert.Equal(t, Unknown, lamp.SetStatus(On))
	assert.Equal(t, On, lamp.SetStatus(Off))
	assert.Equal(t, Off, lamp.Status())

	snap := lamp.Snapshot()
	assert.Equal(t, CoilSnapshot{Name: "lamp", Device: "card-a", DeviceID: 1, CoilID: 0, Status: Off}, snap)
}

func TestStore_ResetAll(t *testing.T) {
	s := testStore(t)
	for _, c := range s.Coils() {
		c.SetStatus(On)
	}
	for _, d := range s.Devices() {
		d.MarkSeen(1)
	}

	s.ResetAll()

	for _, c := range s.Coils() {
		assert.Equal(t, Unknown, c.Status())
	}
	for _, d := range s.Devices() {
		assert.False(t, d.Seen())
		_, ok := d.Version()
		assert.False(t, ok)
	}
}

func TestStore_Snapshot(t *testing.T) {
	s := testStore(t)
	lamp, _ := s.Coil("lamp")
	lamp.SetStatus(On)

	snap := s.Snapshot()
	assert.Len(t, snap.Devices, 2)
	assert.Len(t, snap.Coils, 3)
	assert.Equal(t, On, snap.Coils["lamp"].Status)
	assert.Equal(t, Unknown, snap.Coils["heater"].Status)
	assert.Equal(t, []string{"lamp", "porch"}, snap.Tags["lights"])
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := testStore(t)
	lamp, _ := s.Coil("lamp")
	dev := lamp.Device()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				lamp.SetStatus(ValueOf((i+j)%2 == 0))
				dev.MarkSeen(uint16(j))
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = s.Snapshot()
				_ = lamp.Status()
				_, _ = dev.Version()
			}
		}()
	}
	wg.Wait()

	st := lamp.Status()
	assert.True(t, st == On || st == Off)
}

func TestValueOf(t *testing.T) {
	assert.Equal(t, On, ValueOf(true))
	assert.Equal(t, Off, ValueOf(false))
}
