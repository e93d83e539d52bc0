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

// Package retryutils provides the jittered backoff helper used by the
// cert-bootstrap retry loop (spec §4.3). Grounded on the call-site shape of teleport's own
// api/utils/retryutils package (lib/srv/heartbeatv2.go, lib/services/local/
// presence.go use NewLinear/jitter functions); that package isn't itself in
// the retrieved pack, so this is a fresh, narrower implementation built to
// match how its callers use it.
package retryutils

import (
	"context"
	"math/rand"
	"time"

	"github.com/gravitational/trace"
)

// Jitter perturbs a duration; used the way teleport's retryutils.Jitter
// functional type is used (NewHalfJitter, NewSeventhJitter, ...).
type Jitter func(time.Duration) time.Duration

// NewHalfJitter returns a duration in [d/2, d).
func NewHalfJitter() Jitter {
	return func(d time.Duration) time.Duration {
		if d <= 0 {
			return 0
		}
		return d/2 + time.Duration(rand.Int63n(int64(d)-int64(d)/2))
	}
}

// NewFullJitter returns a duration in [0, d).
func NewFullJitter() Jitter {
	return func(d time.Duration) time.Duration {
		if d <= 0 {
			return 0
		}
		return time.Duration(rand.Int63n(int64(d)))
	}
}

// Config configures an exponential backoff sequence.
type Config struct {
	// First is the delay before the first retry.
	First time.Duration
	// Max is the maximum number of attempts, including the first.
	Max int
	// Jitter perturbs each computed delay; defaults to NewHalfJitter.
	Jitter Jitter
}

func (c *Config) checkAndSetDefaults() error {
	if c.First <= 0 {
		return trace.BadParameter("First must be positive")
	}
	if c.Max <= 0 {
		return trace.BadParameter("Max must be positive")
	}
	if c.Jitter == nil {
		c.Jitter = NewHalfJitter()
	}
	return nil
}

// Do runs fn up to cfg.Max times, sleeping an exponentially growing,
// jittered delay between attempts. It returns the last error if every
// attempt fails, or nil on the first success. Used by the secret client's
// cert-bootstrap retry (§4.3: 10ms base, 4 attempts).
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}

	var lastErr error
	delay := cfg.First
	for attempt := 0; attempt < cfg.Max; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(cfg.Jitter(delay)):
			case <-ctx.Done():
				return trace.Wrap(ctx.Err())
			}
			delay *= 2
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return trace.Wrap(lastErr, "exhausted %v attempts", cfg.Max)
}
