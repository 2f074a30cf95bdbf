package worker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/dnscache"
)

func TestDNSRefresher_StopsOnCancel(t *testing.T) {
	t.Parallel()
	d := NewDNSRefresher(&dnscache.Resolver{}, 10*time.Millisecond)
	if d.Name() != "dns_refresh" {
		t.Errorf("name = %q", d.Name())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// Let a few refresh ticks run against the empty cache.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("refresher did not stop after cancel")
	}
}

func TestDNSRefresher_DefaultInterval(t *testing.T) {
	t.Parallel()
	d := NewDNSRefresher(&dnscache.Resolver{}, 0)
	if d.every != defaultDNSRefresh {
		t.Errorf("every = %v, want %v", d.every, defaultDNSRefresh)
	}
}
