// Package discovery announces the gateway over mDNS and finds other
// gateways on the local network.
package discovery

import (
	"context"
	"fmt"
	"net"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/enbility/zeroconf/v3"
)

const (
	// ServiceType is the DNS-SD service type of the HTTP API.
	ServiceType = "_dorfbus._tcp"

	// Domain is the mDNS domain.
	Domain = "local."

	// APIPath is advertised in the api TXT record.
	APIPath = "/api/v1"
)

// ServiceInfo describes the advertised gateway.
type ServiceInfo struct {
	Instance  string
	Port      int
	GatewayID string
	Version   string
	Devices   int
}

// TXT returns the TXT records for info in a stable order.
func (info ServiceInfo) TXT() []string {
	txt := []string{
		"gateway=" + info.GatewayID,
		"api=" + APIPath,
		"devices=" + strconv.Itoa(info.Devices),
	}
	if info.Version != "" {
		txt = append(txt, "version="+info.Version)
	}
	return txt
}

// Advertiser publishes the gateway service record.
type Advertiser struct {
	iface string

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewAdvertiser creates an advertiser bound to iface, or to every interface
// when iface is empty.
func NewAdvertiser(iface string) *Advertiser {
	return &Advertiser{iface: iface}
}

func interfaces(name string) []net.Interface {
	if name == "" {
		return nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil
	}
	return []net.Interface{*iface}
}

// Advertise starts announcing info, replacing any earlier announcement.
func (a *Advertiser) Advertise(info ServiceInfo) error {
	if info.Instance == "" {
		return fmt.Errorf("discovery: instance name is required")
	}
	if info.Port <= 0 {
		return fmt.Errorf("discovery: invalid port %d", info.Port)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	server, err := zeroconf.Register(info.Instance, ServiceType, Domain, info.Port, info.TXT(), interfaces(a.iface))
	if err != nil {
		return fmt.Errorf("registering mdns service: %w", err)
	}
	a.server = server
	return nil
}

// Stop withdraws the announcement.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// Gateway is a gateway found by Browse.
type Gateway struct {
	Instance  string
	Host      string
	Port      int
	Addresses []string
	GatewayID string
	API       string
	Version   string
}

// URL returns the base API URL of the gateway.
func (g Gateway) URL() string {
	host := g.Host
	if len(g.Addresses) > 0 {
		host = g.Addresses[0]
	}
	return "http://" + net.JoinHostPort(strings.TrimSuffix(host, "."), strconv.Itoa(g.Port)) + g.API
}

// Browse collects gateways until ctx ends. Use a context with a timeout.
// Records from several interfaces are merged by instance name.
func Browse(ctx context.Context, iface string) ([]Gateway, error) {
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	var opts []zeroconf.ClientOption
	if ifs := interfaces(iface); ifs != nil {
		opts = append(opts, zeroconf.SelectIfaces(ifs))
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- zeroconf.Browse(ctx, ServiceType, Domain, entries, removed, opts...)
	}()

	found := make(map[string]Gateway)
loop:
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			g := gatewayFromEntry(e)
			if prev, exists := found[g.Instance]; exists {
				g.Addresses = mergeAddresses(prev.Addresses, g.Addresses)
			}
			found[g.Instance] = g
		case e, ok := <-removed:
			if !ok {
				removed = nil
				continue
			}
			delete(found, e.Instance)
		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				return nil, fmt.Errorf("browsing mdns: %w", err)
			}
			errCh = nil
		case <-ctx.Done():
			break loop
		}
	}

	out := make([]Gateway, 0, len(found))
	for _, g := range found {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}

func mergeAddresses(existing, more []string) []string {
	for _, a := range more {
		if !slices.Contains(existing, a) {
			existing = append(existing, a)
		}
	}
	return existing
}

func gatewayFromEntry(e *zeroconf.ServiceEntry) Gateway {
	g := Gateway{
		Instance: e.Instance,
		Host:     e.HostName,
		Port:     e.Port,
		API:      APIPath,
	}
	for _, ip := range e.AddrIPv4 {
		g.Addresses = append(g.Addresses, ip.String())
	}
	for _, ip := range e.AddrIPv6 {
		g.Addresses = append(g.Addresses, ip.String())
	}
	for _, kv := range e.Text {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch key {
		case "gateway":
			g.GatewayID = value
		case "api":
			g.API = value
		case "version":
			g.Version = value
		}
	}
	return g
}
