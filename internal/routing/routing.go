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

// Package routing is the Routing Table and Balancer Builder (spec §4.5): a
// host -> upstream resolution table plus per-upstream round-robin picker
// state, rebuilt atomically per upstream key as the Discovery Watcher
// reports deltas. Grounded on the teacher's "shared, read-only handle"
// design note (spec §9: readers never block writers) and on
// lib/srv/app/transport.go's pattern of a small, validated config struct
// per subsystem.
package routing

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gravitational/trace"

	"github.com/gravitational/rproxy/internal/catalog"
	"github.com/gravitational/rproxy/internal/discovery"
)

// ConsulUIUpstream is the pre-seeded administrative upstream name (spec
// §3, invariant R2); it is never named by discovery, so it is never
// removed by discovery updates.
const ConsulUIUpstream = "consul-ui"

// Picker is a round-robin peer-selection state machine over a fixed
// endpoint list (spec §4.5). Its internal counter is a per-upstream atomic
// integer modulo the current peer count.
type Picker struct {
	endpoints []string
	counter   uint64
}

// NewPicker builds a Picker over the given endpoints. It returns an error
// if endpoints is empty, so the Builder can leave the previous balancer in
// place rather than replace it with a broken one (spec §4.5 edge case).
func NewPicker(endpoints []string) (*Picker, error) {
	if len(endpoints) == 0 {
		return nil, trace.BadParameter("cannot build a picker with zero endpoints")
	}
	cp := make([]string, len(endpoints))
	copy(cp, endpoints)
	return &Picker{endpoints: cp}, nil
}

// Next returns the next endpoint in round-robin order.
func (p *Picker) Next() string {
	i := atomic.AddUint64(&p.counter, 1) - 1
	return p.endpoints[i%uint64(len(p.endpoints))]
}

// Endpoints returns the picker's endpoint list, for the stats surface.
func (p *Picker) Endpoints() []string {
	out := make([]string, len(p.endpoints))
	copy(out, p.endpoints)
	return out
}

// Table is the concurrent host->upstream routing table (spec §3). One
// RWMutex guards both maps: readers share it, and a writer holds it
// exclusively, so a writer waits for in-flight readers and readers wait for
// the writer. Writers mutate one upstream key at a time, which suffices
// because there is no invariant crossing keys (spec §5).
type Table struct {
	mu         sync.RWMutex
	nodes      map[string][]catalog.Node
	balancers  map[string]*Picker
	hostRoutes []HostRoute
}

// HostRoute is a configured (host_substring, upstream_name) pair (spec §3).
type HostRoute struct {
	HostSubstring string
	Upstream      string
}

// NewTable builds an empty table pre-seeded with the static consul-ui
// upstream (spec §3 invariant R2, SPEC_FULL.md supplemented feature #1),
// and the configured host routes used for resolution.
func NewTable(hostRoutes []HostRoute, staticConsulAgentIPPort string) (*Table, error) {
	t := &Table{
		nodes:      make(map[string][]catalog.Node),
		balancers:  make(map[string]*Picker),
		hostRoutes: hostRoutes,
	}
	picker, err := NewPicker([]string{staticConsulAgentIPPort})
	if err != nil {
		return nil, trace.Wrap(err, "seeding %v upstream", ConsulUIUpstream)
	}
	t.balancers[ConsulUIUpstream] = picker
	return t, nil
}

// ApplyDelta is the Balancer Builder: it applies one Discovery Watcher
// delta event to the table, atomically replacing the nodes and balancer
// entries for a single upstream key (spec §4.5). If the new peer list
// can't build a picker (zero endpoints — which the Discovery Watcher never
// actually delivers, spec §4.5), the previous balancer for that key is left
// unchanged.
func (t *Table) ApplyDelta(upstream string, peers []catalog.Node) {
	endpoints := make([]string, 0, len(peers))
	for _, p := range peers {
		endpoints = append(endpoints, p.Endpoint())
	}

	picker, err := NewPicker(endpoints)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[upstream] = peers
	if err == nil {
		t.balancers[upstream] = picker
	}
}

// Pick returns a shared, read-only reference that stays valid until
// dropped (spec §4.5): callers should call Next() on it for a single
// request rather than re-resolving per hop.
func (t *Table) Pick(upstream string) (*Picker, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.balancers[upstream]
	return p, ok
}

// ResolveUpstream implements resolve_upstream(host) (spec §4.5, P3): scans
// host_to_upstream in insertion order, returning the value of the first
// entry whose key is a substring of host.
func (t *Table) ResolveUpstream(host string) (string, bool) {
	for _, r := range t.hostRoutes {
		if contains(host, r.HostSubstring) {
			return r.Upstream, true
		}
	}
	return "", false
}

func contains(host, substr string) bool {
	if substr == "" {
		return true
	}
	for i := 0; i+len(substr) <= len(host); i++ {
		if host[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// NodesOf returns the last-observed peer set for an upstream (spec §3,
// RoutingTable.nodes); used by tests.
func (t *Table) NodesOf(upstream string) ([]catalog.Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[upstream]
	return n, ok
}

// ConsumeChanges is the routing-table mutation consumer of spec §5: it
// reads the bounded channel of capacity 1 fed by the Discovery Watcher and
// applies each delta in the order received (per-upstream ordering
// guarantee of spec §5; across upstreams no order is guaranteed). It
// returns when ctx is canceled.
func (t *Table) ConsumeChanges(ctx context.Context, changes <-chan discovery.Change) {
	for {
		select {
		case c, ok := <-changes:
			if !ok {
				return
			}
			t.ApplyDelta(c.Upstream, c.Peers)
		case <-ctx.Done():
			return
		}
	}
}

// Snapshot renders the current upstream -> endpoint-list view, the thin
// collaborator interface the stats endpoint consumes (SPEC_FULL.md
// supplemented feature #3; spec §1 scopes the endpoint itself out).
func (t *Table) Snapshot() map[string][]string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string][]string, len(t.balancers))
	for upstream, picker := range t.balancers {
		out[upstream] = picker.Endpoints()
	}
	return out
}
