package discovery

import (
	"context"
	"net"
	"sync"
	"time"
)

// DNSProvider resolves service instances from DNS A records rather than
// the shared store. It is read-only: Register/Deregister are
// unsupported, since instance membership is owned by whatever manages
// the DNS zone (grounded on the original DnsDiscoveryProvider, which
// raises NotImplementedError for the same reason). Results are cached
// for cacheTTL to avoid a lookup per request.
type DNSProvider struct {
	domain   string
	cacheTTL time.Duration
	resolver *net.Resolver

	mu    sync.Mutex
	cache map[string]dnsCacheEntry
}

type dnsCacheEntry struct {
	instances []*Instance
	expiresAt time.Time
}

// NewDNSProvider builds a DNSProvider that resolves "<service>.<domain>"
// A records, caching results for cacheTTL (default 60s if <= 0).
func NewDNSProvider(domain string, cacheTTL time.Duration) *DNSProvider {
	if cacheTTL <= 0 {
		cacheTTL = 60 * time.Second
	}
	return &DNSProvider{domain: domain, cacheTTL: cacheTTL, resolver: net.DefaultResolver, cache: make(map[string]dnsCacheEntry)}
}

// Instances resolves service's A records into unweighted, status-unknown
// instances (DNS carries no health signal — the active Prober must cover
// health for DNS-sourced instances).
func (d *DNSProvider) Instances(ctx context.Context, service string) ([]*Instance, error) {
	d.mu.Lock()
	if entry, ok := d.cache[service]; ok && nowFunc().Before(entry.expiresAt) {
		d.mu.Unlock()
		return entry.instances, nil
	}
	d.mu.Unlock()

	host := service + "." + d.domain
	addrs, err := d.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}

	instances := make([]*Instance, 0, len(addrs))
	for _, addr := range addrs {
		instances = append(instances, &Instance{
			ID:       service + "-" + addr.IP.String(),
			Name:     service,
			Endpoint: Endpoint{Host: addr.IP.String(), Port: 80, Protocol: "http", Path: "/"},
			Status:   StatusUnknown,
			Weight:   100,
		})
	}

	d.mu.Lock()
	d.cache[service] = dnsCacheEntry{instances: instances, expiresAt: nowFunc().Add(d.cacheTTL)}
	d.mu.Unlock()

	return instances, nil
}
