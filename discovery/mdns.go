// Package discovery advertises and finds relays on the local network via mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_p2pdrop._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultScanTimeout bounds a relay lookup.
	DefaultScanTimeout = 3 * time.Second
	// DefaultSignalingPath is advertised so clients can build the websocket URL.
	DefaultSignalingPath = "/ws"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls relay advertisement and lookup.
type Config struct {
	Service     string
	Domain      string
	Version     int
	ScanTimeout time.Duration

	InstanceName string
	Port         int
	RelayID      string

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAdvertise() error {
	if strings.TrimSpace(c.InstanceName) == "" {
		return errors.New("instance name is required")
	}
	if c.Port <= 0 {
		return errors.New("port must be > 0")
	}
	return nil
}

// Broadcaster advertises a relay via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers the relay service.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	txt := []string{
		"version=" + strconv.Itoa(cfg.Version),
		"path=" + DefaultSignalingPath,
	}
	if cfg.RelayID != "" {
		txt = append(txt, "relay_id="+cfg.RelayID)
	}

	server, err := cfg.registerFn(cfg.InstanceName, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Broadcaster{server: server}, nil
}

// Stop stops mDNS broadcasting.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// Advertise broadcasts the relay on port until ctx is done.
func Advertise(ctx context.Context, config Config, port int) error {
	config.Port = port
	broadcaster, err := StartBroadcaster(config)
	if err != nil {
		return err
	}
	defer broadcaster.Stop()

	<-ctx.Done()
	return nil
}
