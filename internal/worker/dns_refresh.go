package worker

import (
	"context"
	"time"

	"github.com/rs/dnscache"
)

const defaultDNSRefresh = 5 * time.Minute

// DNSRefresher periodically refreshes the origin DNS cache and evicts
// entries that were not used since the previous refresh.
type DNSRefresher struct {
	resolver *dnscache.Resolver
	every    time.Duration
}

// NewDNSRefresher creates a DNSRefresher for resolver.
func NewDNSRefresher(resolver *dnscache.Resolver, every time.Duration) *DNSRefresher {
	if every <= 0 {
		every = defaultDNSRefresh
	}
	return &DNSRefresher{resolver: resolver, every: every}
}

// Name returns the worker identifier.
func (d *DNSRefresher) Name() string { return "dns_refresh" }

// Run refreshes the cache on every tick until ctx is cancelled.
func (d *DNSRefresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.resolver.Refresh(true)
		case <-ctx.Done():
			return nil
		}
	}
}
