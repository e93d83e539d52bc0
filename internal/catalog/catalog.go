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

// Package catalog is the Catalog Client (spec §4.1): it reads service nodes
// and exposes the KV-lock primitives the Leader Coordinator drives.
// Grounded on the real ecosystem client for this store,
// github.com/hashicorp/consul/api (see other_examples' hashicorp/nomad
// consul client for the import shape), and on the teacher's HTTP-client
// wrapper convention of context-scoped methods that trace.Wrap every
// transport error (api/client/client.go, lib/auth/clt.go).
package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/gravitational/trace"
)

// SessionTTL is the fixed TTL used for every leader-election session,
// per spec §4.1.
const SessionTTL = "1000s"

// lockKeyFmt is the fixed lock path, product-namespaced.
const lockKeyFmt = "service/%s/leader"

// Node is the immutable record of one catalog service node. Equality is
// structural over all three fields (spec §3, CatalogNode).
type Node struct {
	NodeName    string
	Address     string
	ServicePort uint64
}

// Endpoint renders "{address}:{service_port}" per spec §4.5.
func (n Node) Endpoint() string {
	return fmt.Sprintf("%s:%d", n.Address, n.ServicePort)
}

// Client talks to Consul's catalog, session and KV HTTP APIs.
type Client struct {
	consul *consulapi.Client
}

// New builds a Client against the given Consul base URL.
func New(consulURL string) (*Client, error) {
	cfg := consulapi.DefaultConfig()
	cfg.Address = consulURL
	c, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, trace.Wrap(err, "building consul client")
	}
	return &Client{consul: c}, nil
}

// GetServiceNodes implements get_service_nodes(service) -> UpstreamPeerSet.
// It fails with a CatalogFetch-class error on transport failure and a
// CatalogEmpty-class error when the node list is empty (spec §4.1 treats
// that as an error, not a valid empty set).
func (c *Client) GetServiceNodes(ctx context.Context, service string) ([]Node, error) {
	services, _, err := c.consul.Catalog().Service(service, "", (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, trace.Wrap(err, "fetching catalog nodes for %v", service)
	}
	if len(services) == 0 {
		return nil, trace.NotFound("catalog returned zero nodes for %v", service)
	}

	nodes := make([]Node, 0, len(services))
	for _, s := range services {
		nodes = append(nodes, Node{
			NodeName:    s.Node,
			Address:     s.Address,
			ServicePort: uint64(s.ServicePort),
		})
	}
	return nodes, nil
}

// CreateSession implements create_session(name, ttl) -> session_id.
func (c *Client) CreateSession(ctx context.Context, name string) (string, error) {
	id, _, err := c.consul.Session().Create(&consulapi.SessionEntry{
		Name: name,
		TTL:  SessionTTL,
	}, (&consulapi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return "", trace.Wrap(err, "creating consul session")
	}
	return id, nil
}

// RenewSession implements renew_session(session_id) -> ok. Callers must
// invoke this strictly more often than SessionTTL (spec §4.1).
func (c *Client) RenewSession(ctx context.Context, sessionID string) error {
	_, _, err := c.consul.Session().Renew(sessionID, (&consulapi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return trace.Wrap(err, "renewing consul session %v", sessionID)
	}
	return nil
}

// lockPayload is the literal body written to the lock key, matching spec
// §6's {"Node":"<product>","Ip":"<ip or 0.0.0.0>"} wire shape.
type lockPayload struct {
	Node string `json:"Node"`
	IP   string `json:"Ip"`
}

// AcquireLock implements acquire_lock(key, session_id, payload) -> bool.
func (c *Client) AcquireLock(ctx context.Context, product, sessionID, ip string) (bool, error) {
	value, err := json.Marshal(lockPayload{Node: product, IP: ip})
	if err != nil {
		return false, trace.Wrap(err)
	}
	pair := &consulapi.KVPair{
		Key:     fmt.Sprintf(lockKeyFmt, product),
		Value:   value,
		Session: sessionID,
	}
	acquired, _, err := c.consul.KV().Acquire(pair, (&consulapi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return false, trace.Wrap(err, "acquiring lock for session %v", sessionID)
	}
	return acquired, nil
}

// ReleaseLock implements release_lock(key, session_id, payload) -> bool.
// Best-effort per spec §4.1: callers should log failures, not retry.
func (c *Client) ReleaseLock(ctx context.Context, product, sessionID string) (bool, error) {
	value, err := json.Marshal(lockPayload{Node: product, IP: "0.0.0.0"})
	if err != nil {
		return false, trace.Wrap(err)
	}
	pair := &consulapi.KVPair{
		Key:     fmt.Sprintf(lockKeyFmt, product),
		Value:   value,
		Session: sessionID,
	}
	released, _, err := c.consul.KV().Release(pair, (&consulapi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return false, trace.Wrap(err, "releasing lock for session %v", sessionID)
	}
	return released, nil
}
