package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/rproxy/internal/catalog"
)

type fakeFetcher struct {
	mu    sync.Mutex
	nodes map[string][]catalog.Node
	errs  map[string]error
}

func (f *fakeFetcher) GetServiceNodes(_ context.Context, service string) ([]catalog.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[service]; err != nil {
		return nil, err
	}
	return f.nodes[service], nil
}

func (f *fakeFetcher) set(service string, nodes []catalog.Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes[service] = nodes
}

func TestWatcherPublishesOnlyOnChange(t *testing.T) {
	fetcher := &fakeFetcher{nodes: map[string][]catalog.Node{
		"web": {{NodeName: "n1", Address: "10.0.0.1", ServicePort: 80}},
	}, errs: map[string]error{}}
	changes := make(chan Change, 4)
	clock := clockwork.NewFakeClock()

	w, err := New(Config{
		Fetcher:   fetcher,
		Upstreams: []string{"web"},
		Interval:  time.Second,
		Clock:     clock,
		Changes:   changes,
	})
	require.NoError(t, err)

	w.tick(context.Background())
	select {
	case c := <-changes:
		require.Equal(t, "web", c.Upstream)
	default:
		t.Fatal("expected a change on first tick")
	}

	w.tick(context.Background())
	select {
	case c := <-changes:
		t.Fatalf("unexpected change on unchanged peer set: %+v", c)
	default:
	}

	fetcher.set("web", []catalog.Node{{NodeName: "n2", Address: "10.0.0.2", ServicePort: 80}})
	w.tick(context.Background())
	select {
	case c := <-changes:
		require.Equal(t, "10.0.0.2", c.Peers[0].Address)
	default:
		t.Fatal("expected a change after peer set mutated")
	}
}

func TestWatcherKeepsPreviousCacheOnFetchError(t *testing.T) {
	fetcher := &fakeFetcher{
		nodes: map[string][]catalog.Node{"web": {{Address: "10.0.0.1", ServicePort: 80}}},
		errs:  map[string]error{},
	}
	changes := make(chan Change, 4)
	w, err := New(Config{Fetcher: fetcher, Upstreams: []string{"web"}, Interval: time.Second, Changes: changes})
	require.NoError(t, err)

	w.tick(context.Background())
	<-changes // drain the first publish

	fetcher.errs["web"] = errFetch
	w.tick(context.Background())
	select {
	case c := <-changes:
		t.Fatalf("unexpected change while fetch is failing: %+v", c)
	default:
	}
}

func TestPeerSetsEqualIsOrderAndMultiplicitySensitive(t *testing.T) {
	a := []catalog.Node{{Address: "1"}, {Address: "2"}}
	b := []catalog.Node{{Address: "2"}, {Address: "1"}}
	require.False(t, peerSetsEqual(a, b))
	require.True(t, peerSetsEqual(a, a))

	c := []catalog.Node{{Address: "1"}, {Address: "1"}}
	require.False(t, peerSetsEqual(a, c))
}

func TestRunExitsOnContextCancel(t *testing.T) {
	fetcher := &fakeFetcher{nodes: map[string][]catalog.Node{}, errs: map[string]error{}}
	clock := clockwork.NewFakeClock()
	w, err := New(Config{
		Fetcher:   fetcher,
		Upstreams: nil,
		Interval:  time.Second,
		Clock:     clock,
		Changes:   make(chan Change, 1),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after cancellation")
	}
}

var errFetch = &fetchError{}

type fetchError struct{}

func (*fetchError) Error() string { return "fetch failed" }
