package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tagvault/filestore/internal/logging"
)

// Resolver discovers peer addresses for a DNS alias (a Docker Swarm /
// Kubernetes headless service name resolving to one A record per replica),
// falling back to a persistent Cache when DNS resolution fails.
type Resolver struct {
	cache    *Cache
	group    singleflight.Group
	resolver *net.Resolver
}

// NewResolver builds a Resolver backed by cache. A nil cache is valid; it
// simply disables the DNS-failure fallback.
func NewResolver(cache *Cache) *Resolver {
	return &Resolver{cache: cache, resolver: net.DefaultResolver}
}

// Discover resolves hostname:port to every live peer address via DNS,
// falling back to cached addresses if DNS fails. Concurrent calls for the
// same hostname:port collapse into a single lookup via singleflight.
func (r *Resolver) Discover(ctx context.Context, hostname string, port int) ([]string, error) {
	key := bucketKey(hostname, port)
	log := logging.WithComponent("discovery")

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.discoverDNSOnly(ctx, hostname, port)
	})

	if err == nil {
		peers := v.([]string)
		if r.cache != nil && len(peers) > 0 {
			r.cache.Update(hostname, port, peers)
		}
		return peers, nil
	}

	log.Warn().Err(err).Str("hostname", hostname).Int("port", port).
		Msg("DNS discovery failed, falling back to peer cache")

	if r.cache == nil {
		return nil, err
	}

	cached := r.cache.Get(hostname, port)
	if len(cached) == 0 {
		log.Warn().Str("hostname", hostname).Int("port", port).
			Msg("no cached peers available")
	}
	return cached, nil
}

// discoverDNSOnly resolves hostname via DNS with no cache fallback,
// returning sorted, deduplicated "ip:port" addresses.
func (r *Resolver) discoverDNSOnly(ctx context.Context, hostname string, port int) ([]string, error) {
	if hostname == "" {
		return nil, fmt.Errorf("discovery: hostname cannot be empty")
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("discovery: invalid port %d", port)
	}

	ips, err := r.resolver.LookupIPAddr(ctx, hostname)
	if err != nil {
		return nil, fmt.Errorf("discovery: DNS lookup for %q: %w", hostname, err)
	}

	unique := make(map[string]struct{}, len(ips))
	for _, ipAddr := range ips {
		if v4 := ipAddr.IP.To4(); v4 != nil {
			unique[v4.String()] = struct{}{}
		}
	}

	addrs := make([]string, 0, len(unique))
	for ip := range unique {
		addrs = append(addrs, fmt.Sprintf("%s:%d", ip, port))
	}
	sort.Strings(addrs)

	logging.WithComponent("discovery").Info().
		Str("hostname", hostname).Int("port", port).Int("count", len(addrs)).
		Msg("DNS discovery completed")

	return addrs, nil
}

// RefreshLoop periodically re-resolves every (hostname, port) pair and
// prunes cache entries older than staleness, until ctx is canceled.
func (r *Resolver) RefreshLoop(ctx context.Context, interval, staleness time.Duration, targets []Target) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, t := range targets {
				if peers, err := r.discoverDNSOnly(ctx, t.Hostname, t.Port); err == nil && r.cache != nil {
					r.cache.Update(t.Hostname, t.Port, peers)
				}
				if r.cache != nil {
					r.cache.PruneStale(t.Hostname, t.Port, staleness)
				}
			}
		}
	}
}

// Target names one hostname:port pair the refresh loop keeps warm.
type Target struct {
	Hostname string
	Port     int
}
