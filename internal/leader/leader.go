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

// Package leader is the Leader Coordinator (spec §4.6): session create and
// renew, lock acquire/release, and the is_leader state flag that the DNS
// Reconciler gates on. Grounded on lib/services/local/presence.go's
// AcquireSemaphore lease loop (retry-with-jittered-backoff on contention,
// branch-by-error-kind dispatch) and on the teacher's mutex-guarded small
// field (spec §5: LeaderState.session_id is held only for the duration of
// an atomic read/write of a small string).
package leader

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// state is the per-tick state machine of spec §4.6's diagram.
type state int

const (
	stateStart state = iota
	stateAcquiring
	stateLeader
	stateFollower
)

// Consul is the subset of the Catalog Client the coordinator needs.
type Consul interface {
	CreateSession(ctx context.Context, name string) (string, error)
	RenewSession(ctx context.Context, sessionID string) error
	AcquireLock(ctx context.Context, product, sessionID, ip string) (bool, error)
	ReleaseLock(ctx context.Context, product, sessionID string) (bool, error)
}

// Reconciler is run once per tick while this instance is leader (spec §4.6a).
type Reconciler interface {
	ReconcileOnce(ctx context.Context)
}

// Config configures the coordinator.
type Config struct {
	Consul     Consul
	Reconciler Reconciler
	Product    string
	OwnIP      string
	Interval   time.Duration
	Clock      clockwork.Clock
	Log        logrus.FieldLogger
}

func (c *Config) checkAndSetDefaults() error {
	if c.Consul == nil {
		return trace.BadParameter("Consul is required")
	}
	if c.Reconciler == nil {
		return trace.BadParameter("Reconciler is required")
	}
	if c.Product == "" {
		return trace.BadParameter("Product is required")
	}
	if c.Interval <= 0 {
		return trace.BadParameter("Interval must be positive")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	return nil
}

// Coordinator runs the state machine of spec §4.6 and exposes IsLeader() as
// a read-only accessor for other components (spec §3, LeaderState).
type Coordinator struct {
	cfg Config

	mu        sync.Mutex
	sessionID string
	isLeader  bool
}

// New builds a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Coordinator{cfg: cfg}, nil
}

// IsLeader reports whether this instance currently holds the lock.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLeader
}

func (c *Coordinator) setSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

func (c *Coordinator) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Coordinator) setLeader(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isLeader = v
}

// Run drives the tick loop until ctx is canceled, then releases the lock
// synchronously before returning (spec §5 cancellation model).
func (c *Coordinator) Run(ctx context.Context) error {
	st := stateStart

	for {
		select {
		case <-ctx.Done():
			c.shutdown(context.Background())
			return nil
		default:
		}

		st = c.step(ctx, st)

		select {
		case <-ctx.Done():
			c.shutdown(context.Background())
			return nil
		case <-c.cfg.Clock.After(c.cfg.Interval):
		}
	}
}

// step runs one tick of the state machine and returns the next state.
func (c *Coordinator) step(ctx context.Context, st state) state {
	if st == stateStart {
		name := c.cfg.Product + "-" + uuid.NewString()
		id, err := c.cfg.Consul.CreateSession(ctx, name)
		if err != nil {
			c.cfg.Log.WithError(err).Warn("leader: session create failed, retrying next tick")
			return stateStart
		}
		c.setSession(id)
		st = stateAcquiring
	}

	sessionID := c.session()

	switch st {
	case stateAcquiring, stateFollower:
		acquired, err := c.cfg.Consul.AcquireLock(ctx, c.cfg.Product, sessionID, c.cfg.OwnIP)
		if err != nil {
			c.cfg.Log.WithError(err).Warn("leader: lock acquire failed, retrying next tick")
		}
		if err != nil || !acquired {
			// A follower keeps its session alive so the next acquisition
			// attempt has a valid session to present.
			c.setLeader(false)
			if err := c.cfg.Consul.RenewSession(ctx, sessionID); err != nil {
				c.cfg.Log.WithError(err).Warn("leader: session renew failed, restarting acquisition")
				c.setSession("")
				return stateStart
			}
			return stateFollower
		}
		c.setLeader(true)
		st = stateLeader
		fallthrough

	case stateLeader:
		c.cfg.Reconciler.ReconcileOnce(ctx)

		if err := c.cfg.Consul.RenewSession(ctx, sessionID); err != nil {
			// Open Question #1 (SPEC_FULL.md): renewal failure restarts
			// acquisition from scratch next tick, rather than leaving a
			// stale LEADER belief in place until the session's TTL expires
			// server-side.
			c.cfg.Log.WithError(err).Warn("leader: session renew failed, restarting acquisition")
			c.setLeader(false)
			c.setSession("")
			return stateStart
		}
		return stateLeader
	}

	return st
}

// shutdown releases the held lock, best-effort (spec §4.1: release_lock is
// best-effort; spec §5: done synchronously on the shutdown signal).
func (c *Coordinator) shutdown(ctx context.Context) {
	sessionID := c.session()
	if sessionID == "" {
		return
	}
	if _, err := c.cfg.Consul.ReleaseLock(ctx, c.cfg.Product, sessionID); err != nil {
		c.cfg.Log.WithError(err).Warn("leader: release lock failed during shutdown")
	}
	c.setLeader(false)
}
