package discovery

import (
	"net"
	"testing"

	"github.com/enbility/zeroconf/v3"
	"github.com/stretchr/testify/assert"
)

func TestServiceInfoTXT(t *testing.T) {
	info := ServiceInfo{Instance: "dorfbus-barn", Port: 8080, GatewayID: "barn", Version: "1.0.0", Devices: 3}
	assert.Equal(t, []string{"gateway=barn", "api=/api/v1", "devices=3", "version=1.0.0"}, info.TXT())

	info.Version = ""
	assert.NotContains(t, info.TXT(), "version=")
}

func TestAdvertiseValidates(t *testing.T) {
	a := NewAdvertiser("")
	assert.Error(t, a.Advertise(ServiceInfo{Port: 8080}))
	assert.Error(t, a.Advertise(ServiceInfo{Instance: "x"}))
	a.Stop()
}

func TestGatewayFromEntry(t *testing.T) {
	e := &zeroconf.ServiceEntry{}
	e.Instance = "dorfbus-barn"
	e.HostName = "barn.local."
	e.Port = 8080
	e.Text = []string{"gateway=barn", "api=/api/v1", "version=1.2.0", "garbage"}
	e.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}

	g := gatewayFromEntry(e)
	assert.Equal(t, "barn", g.GatewayID)
	assert.Equal(t, "1.2.0", g.Version)
	assert.Equal(t, []string{"192.168.1.20"}, g.Addresses)
	assert.Equal(t, "http://192.168.1.20:8080/api/v1", g.URL())

	g.Addresses = nil
	assert.Equal(t, "http://barn.local:8080/api/v1", g.URL())
}

func TestMergeAddresses(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, mergeAddresses([]string{"a", "b"}, []string{"b", "c"}))
}
