package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

// ErrNoRelay indicates that no relay answered within the scan window.
var ErrNoRelay = errors.New("discovery: no relay found")

// DiscoveredRelay is a relay advertised on the LAN.
type DiscoveredRelay struct {
	Instance  string
	RelayID   string
	Version   int
	HostName  string
	Port      int
	Addresses []string
}

// URL returns the relay's HTTP base URL using its first address.
func (r DiscoveredRelay) URL() string {
	host := strings.TrimSuffix(r.HostName, ".")
	if len(r.Addresses) > 0 {
		host = r.Addresses[0]
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(r.Port))
}

// ScanRelays browses for one scan window and returns every relay found,
// sorted by instance name.
func ScanRelays(ctx context.Context, config Config) ([]DiscoveredRelay, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredRelay)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				relay, ok := parseEntry(entry, cfg.Version)
				if !ok {
					continue
				}
				collected[relay.Instance] = relay
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return nil, fmt.Errorf("browse mDNS: %w", err)
	}

	<-scanCtx.Done()
	<-collectorDone

	out := make([]DiscoveredRelay, 0, len(collected))
	for _, relay := range collected {
		out = append(out, relay)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })

	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}

// LookupRelay returns the base URL of the first relay found on the LAN.
func LookupRelay(ctx context.Context, config Config) (string, error) {
	relays, err := ScanRelays(ctx, config)
	if err != nil {
		return "", err
	}
	if len(relays) == 0 {
		return "", ErrNoRelay
	}
	return relays[0].URL(), nil
}

func parseEntry(entry *zeroconf.ServiceEntry, wantVersion int) (DiscoveredRelay, bool) {
	txt := txtToMap(entry.Text)

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}
	if version != wantVersion || entry.Port <= 0 {
		return DiscoveredRelay{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" && len(addresses) == 0 {
		return DiscoveredRelay{}, false
	}

	return DiscoveredRelay{
		Instance:  name,
		RelayID:   txt["relay_id"],
		Version:   version,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
