/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package discovery is the Discovery Watcher (spec §4.4): a ticking loop
// that fans out one bounded-concurrency fetch per configured upstream,
// compares each result against a local cache, and emits a per-upstream
// changed event only when the peer set actually differs (P1/D2).
// Grounded on lib/srv/discovery/kube_watcher.go's reconciler-diff loop and
// its golang.org/x/sync/errgroup + concurrency-limit idiom (there: limit 5,
// here: limit 16 per spec §4.4).
package discovery

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/gravitational/rproxy/internal/catalog"
)

// maxConcurrentFetches caps active per-upstream fetches within one tick
// (spec §4.4 step 2).
const maxConcurrentFetches = 16

// Fetcher is the subset of the Catalog Client the watcher needs; an
// interface so tests can fake catalog responses without a live Consul.
type Fetcher interface {
	GetServiceNodes(ctx context.Context, service string) ([]catalog.Node, error)
}

// Change is one "upstream changed" event (spec §4.4 step 3).
type Change struct {
	Upstream string
	Peers    []catalog.Node
}

// Config configures the watcher.
type Config struct {
	Fetcher  Fetcher
	Upstreams []string // distinct upstream names, deduplicated by the caller
	Interval time.Duration
	Clock    clockwork.Clock
	Log      logrus.FieldLogger
	// Changes is the bounded channel (capacity 1, spec §5) the watcher
	// publishes to; the consumer blocking when behind provides the
	// natural coalescing spec §5 calls for.
	Changes chan<- Change
}

func (c *Config) checkAndSetDefaults() error {
	if c.Fetcher == nil {
		return trace.BadParameter("Fetcher is required")
	}
	if c.Interval <= 0 {
		return trace.BadParameter("Interval must be positive")
	}
	if c.Changes == nil {
		return trace.BadParameter("Changes channel is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	return nil
}

// Watcher runs the tick loop described in spec §4.4.
type Watcher struct {
	cfg   Config
	cache map[string][]catalog.Node
}

// New builds a Watcher.
func New(cfg Config) (*Watcher, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Watcher{cfg: cfg, cache: make(map[string][]catalog.Node)}, nil
}

// Run executes the tick loop until ctx is canceled (the broadcast shutdown
// signal of spec §5).
func (w *Watcher) Run(ctx context.Context) error {
	for {
		w.tick(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-w.cfg.Clock.After(w.cfg.Interval):
		}
	}
}

// tick runs one iteration: step 1-3 of spec §4.4.
func (w *Watcher) tick(ctx context.Context) {
	sem := semaphore.NewWeighted(maxConcurrentFetches)
	results := make(chan struct {
		upstream string
		peers    []catalog.Node
		err      error
	}, len(w.cfg.Upstreams))

	for _, upstream := range w.cfg.Upstreams {
		upstream := upstream
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		go func() {
			defer sem.Release(1)
			peers, err := w.cfg.Fetcher.GetServiceNodes(ctx, upstream)
			results <- struct {
				upstream string
				peers    []catalog.Node
				err      error
			}{upstream, peers, err}
		}()
	}

	for range w.cfg.Upstreams {
		r := <-results
		if r.err != nil {
			// D3 (independence): one upstream's failure never suppresses
			// another's update; the cache is left untouched so the next
			// tick retries.
			w.cfg.Log.WithError(r.err).WithField("upstream", r.upstream).
				Warn("discovery fetch failed, keeping previous peer set")
			continue
		}
		w.publishIfChanged(ctx, r.upstream, r.peers)
	}
}

// publishIfChanged implements P1/D2: equal peer sets (order + multiplicity)
// produce no event.
func (w *Watcher) publishIfChanged(ctx context.Context, upstream string, peers []catalog.Node) {
	if peerSetsEqual(w.cache[upstream], peers) {
		return
	}
	w.cache[upstream] = peers

	select {
	case w.cfg.Changes <- Change{Upstream: upstream, Peers: peers}:
	case <-ctx.Done():
	}
}

// peerSetsEqual compares order AND multiplicity, per spec §3
// (UpstreamPeerSet equality); no sort is applied, matching the catalog's
// authoritative ordering.
func peerSetsEqual(a, b []catalog.Node) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
