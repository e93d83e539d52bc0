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

// Package supervisor is the process-wide task runner of spec §5/§11: it
// starts every long-lived background task (Discovery Watcher, routing-table
// mutation consumer, Leader Coordinator, TLS listener(s), stats endpoint),
// watches one broadcast shutdown signal, and runs the synchronous teardown
// hooks (Self-Register deregistration) before returning. Grounded on
// lib/service/listeners.go's per-role listener registry (the named-listener
// table here plays the same role for HTTP servers) and on
// lib/srv/discovery/kube_watcher.go's golang.org/x/sync/errgroup fan-out,
// reused here to fan out the top-level task set instead of per-upstream
// fetches.
package supervisor

import (
	"context"
	"net"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Task is a long-lived background job; it must return promptly once ctx is
// canceled (spec §5's "abort at their next suspension point").
type Task func(ctx context.Context) error

// ShutdownHook runs synchronously, in registration order, after the
// broadcast shutdown signal fires and before Run returns (spec §5: Leader
// Coordinator lock release and Self-Register IP removal are both done this
// way, though the Leader Coordinator does its own release internally and
// is registered as a Task, not a ShutdownHook).
type ShutdownHook func(ctx context.Context) error

// namedServer pairs an *http.Server with the listener it owns, the plain-HTTP
// and stats listeners and the TLS listener of spec §5 item 4-5.
type namedServer struct {
	name     string
	server   *http.Server
	listener net.Listener
}

// Supervisor starts and stops every background task of spec §5/§11.
type Supervisor struct {
	log logrus.FieldLogger

	tasks   []Task
	servers []namedServer
	hooks   []ShutdownHook
}

// New builds a Supervisor. log may be nil, in which case the standard
// logrus logger is used.
func New(log logrus.FieldLogger) *Supervisor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Supervisor{log: log}
}

// RegisterFunc registers a long-lived loop task, teleport's name for the
// same idea (process.RegisterFunc in the teacher's service package).
func (s *Supervisor) RegisterFunc(task Task) {
	s.tasks = append(s.tasks, task)
}

// RegisterServer registers an HTTP(S) server bound to a listener; the
// supervisor serves it and shuts it down gracefully on the broadcast signal.
// name is used only for logging (lib/service/listeners.go's ListenerType
// plays the same diagnostic role).
func (s *Supervisor) RegisterServer(name string, server *http.Server, ln net.Listener) {
	s.servers = append(s.servers, namedServer{name: name, server: server, listener: ln})
}

// OnShutdown registers a teardown hook run synchronously after the
// broadcast signal, before Run returns (spec §5: Self-Register
// deregistration).
func (s *Supervisor) OnShutdown(hook ShutdownHook) {
	s.hooks = append(s.hooks, hook)
}

// Run starts every registered task and server, blocks until ctx is
// canceled, then shuts every server down gracefully, runs the shutdown
// hooks in registration order, and waits for every task to return.
//
// A task or server returning a non-nil error after ctx is canceled is
// logged, not propagated; only a failure that happens before cancellation
// (a task that exits on its own, unexpectedly) is returned to the caller,
// matching spec §5's distinction between an orderly shutdown and a
// background task crashing.
func (s *Supervisor) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	for _, task := range s.tasks {
		task := task
		group.Go(func() error {
			return task(groupCtx)
		})
	}

	for _, ns := range s.servers {
		ns := ns
		group.Go(func() error {
			err := ns.server.Serve(ns.listener)
			if err != nil && err != http.ErrServerClosed {
				return trace.Wrap(err, "server %v exited", ns.name)
			}
			return nil
		})
	}

	<-groupCtx.Done()
	s.shutdown(context.Background())

	err := group.Wait()
	if err != nil && ctx.Err() == nil {
		return trace.Wrap(err)
	}
	if err != nil {
		s.log.WithError(err).Warn("supervisor: task or server failed during shutdown")
	}
	return nil
}

// shutdown stops every registered server and runs the shutdown hooks; it
// never returns early on a single failure so every component gets a chance
// to tear down (spec §5: "on signal, every background task" acts,
// independently of the others' outcomes).
func (s *Supervisor) shutdown(ctx context.Context) {
	for _, ns := range s.servers {
		if err := ns.server.Shutdown(ctx); err != nil {
			s.log.WithError(err).WithField("server", ns.name).Warn("supervisor: graceful server shutdown failed")
		}
	}

	for _, hook := range s.hooks {
		if err := hook(ctx); err != nil {
			s.log.WithError(err).Warn("supervisor: shutdown hook failed")
		}
	}
}
