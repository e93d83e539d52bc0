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

// Package dataplane is the thin reverse-proxy data plane spec §1 names as
// an external collaborator ("the core invokes it through a thin
// select_peer(upstream) contract") — connection pooling, buffering and
// retries are explicitly out of scope, so this wraps a single
// github.com/gravitational/oxy/forward.Forwarder (the teacher's own data-
// plane forwarder, lib/srv/app/transport.go) behind resolve-then-pick.
// Also hosts the stats endpoint's handler (spec §1 scopes its design out,
// but SPEC_FULL.md names the Snapshot() surface it reads).
package dataplane

import (
	"encoding/json"
	"net/http"

	"github.com/gravitational/oxy/forward"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/rproxy/internal/authgate"
	"github.com/gravitational/rproxy/internal/routing"
)

// Table is the subset of the Routing Table the data plane consults per
// request.
type Table interface {
	ResolveUpstream(host string) (string, bool)
	Pick(upstream string) (*routing.Picker, bool)
	Snapshot() map[string][]string
}

// Handler is the request-ingress HTTP handler: Auth Gate, then host
// resolution (spec §4.5), then forward to the picked peer (spec §1, §7
// UpstreamMissing/HostUnresolved).
type Handler struct {
	table     Table
	gate      *authgate.Gate
	forwarder *forward.Forwarder
	log       logrus.FieldLogger
}

// NewHandler builds a Handler.
func NewHandler(table Table, gate *authgate.Gate, log logrus.FieldLogger) (*Handler, error) {
	fwd, err := forward.New()
	if err != nil {
		return nil, trace.Wrap(err, "building forwarder")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{table: table, gate: gate, forwarder: fwd, log: log}, nil
}

// ServeHTTP implements the request-ingress path of spec §4.9/§4.5: Auth
// Gate first, then routing-table resolution, then forwarding.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := requestHost(r)

	if h.gate != nil && host != "" && h.gate.AppliesTo(host) {
		switch h.gate.Decide(r) {
		case authgate.DecisionRedirectToSSO:
			h.gate.RedirectToSSO(w, r)
			return
		case authgate.DecisionExchange:
			h.gate.Exchange(r.Context(), w, r)
			return
		case authgate.DecisionProceed:
			// fall through to routing
		}
	}

	if host == "" {
		http.Error(w, "", http.StatusServiceUnavailable) // spec §7 HostUnresolved
		return
	}

	upstream, ok := h.table.ResolveUpstream(host)
	if !ok {
		http.Error(w, "", http.StatusServiceUnavailable) // spec §7 HostUnresolved
		return
	}

	picker, ok := h.table.Pick(upstream)
	if !ok {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("502 Bad Gateway\n")) // spec §7 UpstreamMissing
		return
	}

	r.URL.Scheme = "http"
	r.URL.Host = picker.Next()
	h.forwarder.ServeHTTP(w, r)
}

// requestHost parses the request's Host header (stripping :port) per spec
// §4.5; falls back to the request URI's authority.
func requestHost(r *http.Request) string {
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	if i := hostPortSplit(host); i >= 0 {
		return host[:i]
	}
	return host
}

func hostPortSplit(host string) int {
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return i
		}
		if host[i] == ']' { // IPv6 literal with no port
			return -1
		}
	}
	return -1
}

// StatsHandler renders the Routing Table's snapshot as JSON (SPEC_FULL.md
// supplemented feature #3, grounded on original_source/web.rs's stats
// handler). Bound to its own address, not the plain HTTP port, resolving
// spec.md §9 Open Question #5.
func StatsHandler(table Table) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "OK",
			"nodes":  table.Snapshot(),
		})
	}
}
