// Package mdns provides optional mDNS/Bonjour advertisement of the dev
// backend and discovery of backends on the local network.
//
// The advertisement includes:
//   - Service type: _chatsync._tcp
//   - TXT records with protocol version, name, and whether auth is required
//
// Discovery only reveals presence; a token is still needed when the backend
// requires auth.
package mdns

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the mDNS service type for chatsync backends.
// Follows the standard Bonjour naming convention: _<service>._<protocol>
const ServiceType = "_chatsync._tcp"

// ProtocolVersion identifies the mDNS protocol version for compatibility.
const ProtocolVersion = "1"

// Config holds configuration for mDNS advertisement.
type Config struct {
	// Port is the backend port to advertise (e.g., 8000).
	Port int

	// RequireAuth is published so clients know to ask for a token.
	RequireAuth bool

	// Name is a human-readable name for this backend.
	// Defaults to the system hostname if empty.
	Name string
}

// Advertiser manages mDNS/DNS-SD service registration.
type Advertiser struct {
	config Config
	server *zeroconf.Server
	mu     sync.Mutex
}

// NewAdvertiser creates a new mDNS advertiser with the given configuration.
func NewAdvertiser(cfg Config) *Advertiser {
	return &Advertiser{
		config: cfg,
	}
}

// Start begins advertising the service via mDNS.
//
// Start is safe to call multiple times; subsequent calls are no-ops
// if already running.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}

	name := a.config.Name
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			name = "chatsync"
		} else {
			name = hostname
		}
	}

	server, err := zeroconf.Register(
		name,        // Instance name (e.g., "dev-laptop")
		ServiceType, // Service type
		"local.",    // Domain
		a.config.Port,
		txtRecords(name, a.config.RequireAuth),
		nil, // Network interfaces (nil = all)
	)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	a.server = server
	return nil
}

// Stop stops the mDNS advertisement and unregisters the service.
// It is safe to call Stop multiple times or on an advertiser that
// was never started.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// IsRunning returns true if the advertiser is currently running.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// DiscoveredHost represents a backend found via mDNS discovery.
type DiscoveredHost struct {
	// Name is the human-readable name of the backend.
	Name string

	// Host is the IP address or hostname.
	Host string

	// Port is the backend port.
	Port int

	// Version is the protocol version.
	Version string

	// RequireAuth reports whether the backend wants a bearer token.
	RequireAuth bool
}

// URL returns the server_url a client should use for this backend.
func (h DiscoveredHost) URL() string {
	return "http://" + net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// Discover searches for chatsync backends on the local network until ctx
// is done.
func Discover(ctx context.Context) ([]DiscoveredHost, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		hosts []DiscoveredHost
		mu    sync.Mutex
		wg    sync.WaitGroup
	)

	entries := make(chan *zeroconf.ServiceEntry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			host := DiscoveredHost{
				Name: entry.Instance,
				Port: entry.Port,
			}

			// Prefer IPv4 address
			if len(entry.AddrIPv4) > 0 {
				host.Host = entry.AddrIPv4[0].String()
			} else if len(entry.AddrIPv6) > 0 {
				host.Host = entry.AddrIPv6[0].String()
			}

			parseTXT(&host, entry.Text)

			mu.Lock()
			hosts = append(hosts, host)
			mu.Unlock()
		}
	}()

	err = resolver.Browse(ctx, ServiceType, "local.", entries)
	if err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-ctx.Done()

	// zeroconf closes entries when ctx is done.
	wg.Wait()

	return hosts, nil
}

func txtRecords(name string, requireAuth bool) []string {
	authFlag := "0"
	if requireAuth {
		authFlag = "1"
	}
	return []string{
		"version=" + ProtocolVersion,
		"name=" + name,
		"auth=" + authFlag,
	}
}

// parseTXT applies known TXT keys to host and ignores the rest.
func parseTXT(host *DiscoveredHost, txt []string) {
	for _, rec := range txt {
		key, value, ok := strings.Cut(rec, "=")
		if !ok {
			continue
		}
		switch key {
		case "version":
			host.Version = value
		case "name":
			if value != "" {
				host.Name = value
			}
		case "auth":
			host.RequireAuth = value == "1"
		}
	}
}
