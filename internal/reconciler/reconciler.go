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

// Package reconciler is the DNS Reconciler (spec §4.7), run inline by the
// Leader Coordinator on every tick it holds the lock: for each configured
// FQDN, compare its current Route 53 A-record value set against the live
// catalog peer set for the product, and upsert on mismatch. Grounded on
// other_examples' Route53 list/change batching idiom and the teacher's
// per-item independence convention (lib/srv/discovery/kube_watcher.go logs
// and continues rather than aborting the whole reconcile pass on one
// failure).
package reconciler

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/gravitational/rproxy/internal/catalog"
	"github.com/gravitational/rproxy/internal/dnsclient"
)

// Catalog is the subset of the Catalog Client the reconciler needs.
type Catalog interface {
	GetServiceNodes(ctx context.Context, service string) ([]catalog.Node, error)
}

// DNS is the subset of the DNS Client the reconciler needs.
type DNS interface {
	ListRecords(ctx context.Context, zoneID, startName string) ([]dnsclient.RecordSet, error)
	UpsertARecord(ctx context.Context, zoneID, fqdn string, values []string) error
}

// Config configures the Reconciler.
type Config struct {
	Catalog     Catalog
	DNS         DNS
	ZoneID      string
	ProductName string
	FQDNs       []string
	Log         logrus.FieldLogger
}

// Reconciler implements spec §4.7, leader-only by construction: it is only
// ever invoked from within the Leader Coordinator's LEADER-state tick.
type Reconciler struct {
	cfg Config
}

// New builds a Reconciler.
func New(cfg Config) *Reconciler {
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	return &Reconciler{cfg: cfg}
}

// ReconcileOnce runs one pass over every configured FQDN, independently
// (spec §4.7 step 5: do not short-circuit across FQDNs).
func (r *Reconciler) ReconcileOnce(ctx context.Context) {
	peers, err := r.cfg.Catalog.GetServiceNodes(ctx, r.cfg.ProductName)
	if err != nil {
		// Step 1: fetch failure skips this tick entirely (no DNS write for
		// any FQDN), since "desired" can't be computed.
		r.cfg.Log.WithError(err).Warn("reconciler: failed to fetch catalog peers, skipping this tick")
		return
	}

	desiredValues := make([]string, 0, len(peers))
	for _, p := range peers {
		desiredValues = append(desiredValues, p.Address)
	}
	desired := dnsclient.SortedValues(desiredValues)

	for _, fqdn := range r.cfg.FQDNs {
		r.reconcileOne(ctx, fqdn, desired, desiredValues)
	}
}

func (r *Reconciler) reconcileOne(ctx context.Context, fqdn string, desired, desiredValues []string) {
	sets, err := r.cfg.DNS.ListRecords(ctx, r.cfg.ZoneID, fqdn)
	if err != nil {
		r.cfg.Log.WithError(err).WithField("fqdn", fqdn).Warn("reconciler: list_records failed, skipping this FQDN")
		return
	}

	// Open Question #4 (SPEC_FULL.md): verify the first set's name matches
	// fqdn before trusting it as "current"; on mismatch treat the FQDN as
	// absent so the upsert below creates it.
	var current []string
	if len(sets) > 0 && dnsclient.NamesMatch(sets[0].Name, fqdn) {
		current = dnsclient.SortedValues(sets[0].Values)
	}

	if equalStrings(desired, current) {
		return
	}

	if err := r.cfg.DNS.UpsertARecord(ctx, r.cfg.ZoneID, fqdn, desiredValues); err != nil {
		r.cfg.Log.WithError(err).WithField("fqdn", fqdn).Warn("reconciler: upsert_a_record failed")
	}
}

func equalStrings(a, b []string) bool {
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
