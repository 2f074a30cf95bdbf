package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	imgcache "github.com/ryzup/imgcache/internal"
	"github.com/ryzup/imgcache/internal/blobstore/memory"
	"github.com/ryzup/imgcache/internal/imagecache"
	"github.com/ryzup/imgcache/internal/testutil"
)

const heroURL = "https://ryzup.test/assets/images/hero.jpg"

func newLifecycle(t *testing.T) (*Lifecycle, *testutil.CountingStorage, *testutil.FakeNetwork) {
	t.Helper()
	storage := testutil.NewCountingStorage(memory.New(100))
	network := testutil.NewFakeNetwork()
	network.Serve(heroURL, testutil.Image(heroURL, "hero"))
	l := New(Options{
		Storage:       storage,
		Network:       network,
		Writer:        &testutil.SyncWriter{},
		AssetPrefixes: []string{"/assets/images/"},
	})
	return l, storage, network
}

func heroRequest(t *testing.T) *imgcache.Request {
	t.Helper()
	req, err := imgcache.NewRequest(http.MethodGet, heroURL, http.Header{"Sec-Fetch-Dest": {"image"}})
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestLifecycle_NoGenerationBypasses(t *testing.T) {
	t.Parallel()
	l, storage, _ := newLifecycle(t)
	ctx := context.Background()

	if l.Current() != nil {
		t.Fatal("expected no generation")
	}
	out, err := l.Fetch(ctx, heroRequest(t))
	if err != nil || out.Intercepted() {
		t.Errorf("fetch = %+v, %v; want bypass", out, err)
	}
	if _, err := l.Status(ctx); !errors.Is(err, imgcache.ErrNotActive) {
		t.Errorf("status err = %v, want ErrNotActive", err)
	}
	if err := l.Ready(ctx); !errors.Is(err, imgcache.ErrNotActive) {
		t.Errorf("ready err = %v, want ErrNotActive", err)
	}
	if storage.Accesses() != 0 {
		t.Error("store touched without a generation")
	}
}

func TestLifecycle_Deploy(t *testing.T) {
	t.Parallel()
	l, _, network := newLifecycle(t)
	ctx := context.Background()

	gen, err := l.Deploy(ctx, "v1")
	if err != nil {
		t.Fatal(err)
	}
	if gen.ID == "" || gen.Proxy.Phase() != imagecache.PhaseActive {
		t.Fatalf("generation = %+v", gen)
	}
	if l.Current() != gen {
		t.Error("deployed generation should be current")
	}

	for range 2 {
		if _, err := l.Fetch(ctx, heroRequest(t)); err != nil {
			t.Fatal(err)
		}
	}
	if got := network.Calls(heroURL); got != 1 {
		t.Errorf("network calls = %d, want 1", got)
	}

	st, err := l.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Version != "v1" || st.Phase != "active" || st.Entries != 1 || st.Generation != gen.ID {
		t.Errorf("status = %+v", st)
	}
	if len(st.AssetPrefixes) != 1 || len(st.Stores) != 1 {
		t.Errorf("status = %+v", st)
	}
	if err := l.Ready(ctx); err != nil {
		t.Errorf("ready: %v", err)
	}
}

func TestLifecycle_DeployDefaultVersion(t *testing.T) {
	t.Parallel()
	l, _, _ := newLifecycle(t)
	gen, err := l.Deploy(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if gen.Proxy.Version() != imagecache.DefaultVersion {
		t.Errorf("version = %q", gen.Proxy.Version())
	}
}

func TestLifecycle_RedeploySameVersionIsIdempotent(t *testing.T) {
	t.Parallel()
	l, _, _ := newLifecycle(t)
	ctx := context.Background()

	first, err := l.Deploy(ctx, "v1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Fetch(ctx, heroRequest(t)); err != nil {
		t.Fatal(err)
	}
	second, err := l.Deploy(ctx, "v1")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("redeploy of the active version should keep the generation")
	}
	st, _ := l.Status(ctx)
	if st.Entries != 1 {
		t.Errorf("entries = %d, want 1", st.Entries)
	}
}

func TestLifecycle_NewVersionSwapsAndCleansUp(t *testing.T) {
	t.Parallel()
	l, storage, network := newLifecycle(t)
	ctx := context.Background()

	v1, err := l.Deploy(ctx, "v1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Fetch(ctx, heroRequest(t)); err != nil {
		t.Fatal(err)
	}

	v2, err := l.Deploy(ctx, "v2")
	if err != nil {
		t.Fatal(err)
	}
	if l.Current() != v2 {
		t.Fatal("v2 should be current")
	}
	if v1.Proxy.Phase() != imagecache.PhaseRedundant {
		t.Errorf("v1 phase = %s, want redundant", v1.Proxy.Phase())
	}
	names, _ := storage.Names(ctx)
	if len(names) != 1 || names[0] != "v2" {
		t.Errorf("names = %v, want [v2]", names)
	}

	out, err := l.Fetch(ctx, heroRequest(t))
	if err != nil {
		t.Fatal(err)
	}
	if out.Source != imgcache.SourceNetwork {
		t.Errorf("source = %v, want MISS after version bump", out.Source)
	}
	if got := network.Calls(heroURL); got != 2 {
		t.Errorf("network calls = %d, want 2", got)
	}
}

func TestLifecycle_InstallFailureKeepsPrevious(t *testing.T) {
	t.Parallel()
	l, storage, _ := newLifecycle(t)
	ctx := context.Background()

	v1, err := l.Deploy(ctx, "v1")
	if err != nil {
		t.Fatal(err)
	}
	storage.FailOpen(true)
	if _, err := l.Deploy(ctx, "v2"); !errors.Is(err, testutil.ErrInjected) {
		t.Fatalf("err = %v, want ErrInjected", err)
	}
	if l.Current() != v1 || v1.Proxy.Phase() != imagecache.PhaseActive {
		t.Error("failed deploy must leave v1 active")
	}
}

func TestLifecycle_CleanupFailureStillActivates(t *testing.T) {
	t.Parallel()
	l, storage, _ := newLifecycle(t)
	ctx := context.Background()

	if _, err := l.Deploy(ctx, "v1"); err != nil {
		t.Fatal(err)
	}
	storage.FailDelete("v1")
	gen, err := l.Deploy(ctx, "v2")
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(gen.CleanupErr, testutil.ErrInjected) {
		t.Errorf("cleanup err = %v", gen.CleanupErr)
	}
	st, err := l.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Version != "v2" || st.CleanupError == "" {
		t.Errorf("status = %+v", st)
	}
}

func TestLifecycle_ConcurrentDeploysAreSerialized(t *testing.T) {
	t.Parallel()
	l, storage, _ := newLifecycle(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, v := range []string{"a", "b", "c", "d"} {
		wg.Go(func() {
			if _, err := l.Deploy(ctx, v); err != nil {
				t.Error(err)
			}
		})
	}
	wg.Wait()

	names, _ := storage.Names(ctx)
	cur := l.Current().Proxy.Version()
	if len(names) != 1 || names[0] != cur {
		t.Errorf("names = %v, current = %q", names, cur)
	}
}

func TestLifecycle_StoresAndDeleteStore(t *testing.T) {
	t.Parallel()
	l, storage, _ := newLifecycle(t)
	ctx := context.Background()

	if _, err := l.Deploy(ctx, "v2"); err != nil {
		t.Fatal(err)
	}
	// A stale store appearing after activation, e.g. from another replica.
	if _, err := storage.Open(ctx, "v1"); err != nil {
		t.Fatal(err)
	}

	stores, err := l.Stores(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []StoreInfo{{Name: "v1"}, {Name: "v2", Current: true}}
	if len(stores) != len(want) || stores[0] != want[0] || stores[1] != want[1] {
		t.Errorf("stores = %+v, want %+v", stores, want)
	}

	if err := l.DeleteStore(ctx, "v2"); !errors.Is(err, imgcache.ErrConflict) {
		t.Errorf("delete current err = %v, want ErrConflict", err)
	}
	if err := l.DeleteStore(ctx, "v1"); err != nil {
		t.Errorf("delete stale: %v", err)
	}
	if err := l.DeleteStore(ctx, "v1"); !errors.Is(err, imgcache.ErrNotFound) {
		t.Errorf("delete missing err = %v, want ErrNotFound", err)
	}
}
