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

// Package selfregister is the Self-Register lifecycle (spec §4.8): on
// startup, add this instance's own IP to each configured FQDN's A-record
// set (preserving and de-duplicating); on graceful shutdown, remove it.
// FQDN order is shuffled as jitter against thundering-herd contention when
// many proxies start simultaneously. Grounded directly on original_source's
// route53.rs (register_ip_route53/deregister_ip_route53 shuffle + per-FQDN
// independent processing) translated into the teacher's context-scoped,
// trace.Wrap-every-error client shape.
package selfregister

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"strings"

	"github.com/gravitational/trace"

	"github.com/gravitational/rproxy/internal/dnsclient"
)

// ownIPEndpoint is the external echo endpoint used to resolve this
// instance's public IPv4 address (spec §4.8, §6).
const ownIPEndpoint = "http://checkip.amazonaws.com"

// ResolveOwnIP performs a single HTTP GET against the echo endpoint;
// failure here is fatal at startup (spec §6, §7: IpResolve).
func ResolveOwnIP(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ownIPEndpoint, nil)
	if err != nil {
		return "", trace.Wrap(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", trace.Wrap(err, "resolving own IP")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", trace.Wrap(err, "reading own-IP response body")
	}
	return strings.TrimSpace(string(body)), nil
}

// DNS is the subset of the DNS Client the lifecycle needs.
type DNS interface {
	ListRecords(ctx context.Context, zoneID, startName string) ([]dnsclient.RecordSet, error)
	UpsertARecord(ctx context.Context, zoneID, fqdn string, values []string) error
}

// Lifecycle runs the startup/shutdown register-IP loops.
type Lifecycle struct {
	dns    DNS
	zoneID string
	fqdns  []string
	ownIP  string
}

// New builds a Lifecycle.
func New(dns DNS, zoneID string, fqdns []string, ownIP string) *Lifecycle {
	return &Lifecycle{dns: dns, zoneID: zoneID, fqdns: fqdns, ownIP: ownIP}
}

// Register adds ownIP to each FQDN's A-record set, in randomised order
// (spec §4.8). It is synchronous and blocking, called after the listeners
// are bound and before the supervisor starts serving on them.
func (l *Lifecycle) Register(ctx context.Context) error {
	return l.mutate(ctx, addIP)
}

// Deregister removes ownIP from each FQDN's A-record set, in randomised
// order, run from the supervisor's shutdown signal.
func (l *Lifecycle) Deregister(ctx context.Context) error {
	return l.mutate(ctx, removeIP)
}

func (l *Lifecycle) mutate(ctx context.Context, mutate func(ip string, values []string) []string) error {
	order := make([]int, len(l.fqdns))
	for i := range order {
		order[i] = i
	}
	rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	var firstErr error
	for _, idx := range order {
		fqdn := l.fqdns[idx]
		if err := l.mutateOne(ctx, fqdn, mutate); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (l *Lifecycle) mutateOne(ctx context.Context, fqdn string, mutate func(ip string, values []string) []string) error {
	sets, err := l.dns.ListRecords(ctx, l.zoneID, fqdn)
	if err != nil {
		return trace.Wrap(err, "listing records for %v", fqdn)
	}

	// Open Question #4 (SPEC_FULL.md), applied symmetrically with
	// internal/reconciler: ListRecords returns the record set whose name is
	// lexicographically >= fqdn, not necessarily fqdn itself. An FQDN with
	// no A-record yet (exactly the case Register exists to handle) makes
	// sets[0] some unrelated name; trusting it as "existing" would merge
	// this instance's IP onto, and then overwrite, that unrelated record.
	var existing []string
	if len(sets) > 0 && dnsclient.NamesMatch(sets[0].Name, fqdn) {
		existing = sets[0].Values
	}

	newValues := mutate(l.ownIP, existing)
	if err := l.dns.UpsertARecord(ctx, l.zoneID, fqdn, newValues); err != nil {
		return trace.Wrap(err, "upserting %v", fqdn)
	}
	return nil
}

// addIP appends ip if absent, de-duplicating the self entry (spec §4.8).
func addIP(ip string, values []string) []string {
	out := make([]string, 0, len(values)+1)
	found := false
	for _, v := range values {
		if v == ip {
			if found {
				continue // de-dup a pre-existing duplicate of our own IP
			}
			found = true
		}
		out = append(out, v)
	}
	if !found {
		out = append(out, ip)
	}
	return out
}

// removeIP drops every occurrence of ip from values.
func removeIP(ip string, values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != ip {
			out = append(out, v)
		}
	}
	return out
}
