// Copyright 2024 The hpfeeds-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// package supervisor provides an OTP-style supervisor for managing the
// lifecycle of concurrent actors.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/turtacn/hpfeeds-go/pkg/actor"
	"github.com/turtacn/hpfeeds-go/pkg/metrics"
)

// RestartStrategy defines the restart behavior for a supervised child actor.
type RestartStrategy int

const (
	// RestartPermanent indicates that the child actor should always be restarted.
	RestartPermanent RestartStrategy = iota
	// RestartTransient indicates that the child actor should be restarted only if
	// it terminates abnormally (i.e., with an error or a panic).
	RestartTransient
	// RestartTemporary indicates that the child actor should never be restarted.
	RestartTemporary
)

func (r RestartStrategy) String() string {
	switch r {
	case RestartPermanent:
		return "permanent"
	case RestartTransient:
		return "transient"
	case RestartTemporary:
		return "temporary"
	default:
		return fmt.Sprintf("strategy(%d)", int(r))
	}
}

// Spec describes a child actor managed by a supervisor.
type Spec struct {
	// ID is a unique identifier for the child actor, used for logging and
	// the restart metric.
	ID string
	// Actor is the actor instance to be supervised.
	Actor actor.Actor
	// Restart defines the restart strategy for this child.
	Restart RestartStrategy
}

// Options tunes restart pacing.
type Options struct {
	// Backoff is the delay before the first restart. It doubles on each
	// consecutive failure up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
	Logger     *slog.Logger
}

// Supervisor defines the interface for a supervisor process.
type Supervisor interface {
	// Start begins the supervision of a set of child actors.
	Start(ctx context.Context, specs []Spec) error
	// StartChild starts and supervises a single child actor dynamically.
	StartChild(ctx context.Context, spec Spec)
	// Wait blocks until every child has stopped for good.
	Wait()
}

// OneForOneSupervisor implements a one-for-one supervision strategy.
// If a child process terminates, only that process is restarted.
type OneForOneSupervisor struct {
	opts Options
	log  *slog.Logger
	wg   sync.WaitGroup
}

// NewOneForOneSupervisor creates a new one-for-one supervisor.
func NewOneForOneSupervisor(opts Options) *OneForOneSupervisor {
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.MaxBackoff < opts.Backoff {
		opts.MaxBackoff = 30 * opts.Backoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &OneForOneSupervisor{opts: opts, log: logger}
}

// Start launches the initial set of supervised children. This method is non-blocking.
func (s *OneForOneSupervisor) Start(ctx context.Context, specs []Spec) error {
	if len(specs) == 0 {
		return fmt.Errorf("no child specs provided")
	}
	for _, spec := range specs {
		s.StartChild(ctx, spec)
	}
	return nil
}

// StartChild launches and monitors a single new child actor in its own goroutine.
func (s *OneForOneSupervisor) StartChild(ctx context.Context, spec Spec) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorChild(ctx, spec)
	}()
}

// Wait blocks until every child has stopped and will not be restarted.
func (s *OneForOneSupervisor) Wait() {
	s.wg.Wait()
}

// monitorChild is the internal loop that monitors a single child actor.
// It handles actor termination, panics, and restart logic.
func (s *OneForOneSupervisor) monitorChild(ctx context.Context, spec Spec) {
	log := s.log.With("actor", spec.ID)
	delay := s.opts.Backoff

	for {
		started := time.Now()
		err := s.startActor(ctx, spec)

		// If the supervisor's context is done, do not restart.
		if ctx.Err() != nil {
			log.Debug("actor stopped with supervisor", "error", err)
			return
		}

		shouldRestart := false
		switch spec.Restart {
		case RestartPermanent:
			shouldRestart = true
		case RestartTransient:
			shouldRestart = err != nil
		}
		if !shouldRestart {
			log.Info("actor terminated, not restarting", "strategy", spec.Restart.String(), "error", err)
			return
		}

		// A child that ran for a while before failing starts over at the
		// initial delay.
		if time.Since(started) >= s.opts.MaxBackoff {
			delay = s.opts.Backoff
		}
		metrics.SupervisorRestartsTotal.WithLabelValues(spec.ID).Inc()
		log.Warn("actor terminated, restarting", "error", err, "delay", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		delay = min(delay*2, s.opts.MaxBackoff)
	}
}

// startActor runs the actor's Start method, turning a panic into an error.
func (s *OneForOneSupervisor) startActor(ctx context.Context, spec Spec) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actor %s panicked: %v", spec.ID, r)
		}
	}()
	s.log.Debug("starting actor", "actor", spec.ID)
	return spec.Actor.Start(ctx)
}
