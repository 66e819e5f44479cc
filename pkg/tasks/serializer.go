// Copyright 2024 The referd authors
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

// Package tasks provides per-dialog serializers: ordered task queues that
// replace shared-state locking for everything touching one dialog's state.
package tasks

import (
	"context"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/frostbyte73/core"
	"github.com/google/uuid"
	"github.com/livekit/protocol/logger"
	"github.com/pkg/errors"

	"github.com/sipcore/referd/pkg/internal/queue"
)

var (
	ErrClosed = errors.New("serializer closed")
	// ErrWouldDeadlock is returned by SubmitSync when called from a task
	// already running on the same serializer.
	ErrWouldDeadlock = errors.New("synchronous submit from own serializer task")
)

// Serializer runs submitted tasks one at a time, in submission order, on a
// dedicated worker goroutine.
type Serializer struct {
	name string
	log  logger.Logger

	mu   sync.Mutex
	cond *sync.Cond
	q    *queue.Queue[func()]

	worker atomic.Uint64 // goroutine id of the worker while it runs a task
	closed core.Fuse
	done   chan struct{}
}

// NewSerializer creates a serializer and starts its worker. The prefix is
// used for logging only; a unique suffix is appended.
func NewSerializer(prefix string, log logger.Logger) *Serializer {
	if log == nil {
		log = logger.GetLogger()
	}
	name := prefix + "-" + uuid.NewString()[:8]
	s := &Serializer{
		name: name,
		log:  log.WithValues("serializer", name),
		q:    queue.New[func()](),
		done: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *Serializer) Name() string { return s.name }

func (s *Serializer) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for s.q.Len() == 0 && !s.closed.IsBroken() {
			s.cond.Wait()
		}
		task, ok := s.q.TryPop()
		s.mu.Unlock()
		if !ok {
			return
		}
		s.runTask(task)
	}
}

func (s *Serializer) runTask(task func()) {
	s.worker.Store(goroutineID())
	defer s.worker.Store(0)
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("task panicked", nil, "panic", r)
		}
	}()
	task()
}

// SubmitAsync enqueues a task for FIFO execution and returns immediately.
func (s *Serializer) SubmitAsync(task func()) error {
	s.mu.Lock()
	if s.closed.IsBroken() {
		s.mu.Unlock()
		return ErrClosed
	}
	s.q.Push(task)
	s.mu.Unlock()
	s.cond.Signal()
	return nil
}

// SubmitSync enqueues a task and blocks until it has run, returning the
// task's error. It must never be called from a task already executing on
// this serializer; a best-effort guard returns ErrWouldDeadlock in that
// case instead of hanging forever.
func (s *Serializer) SubmitSync(ctx context.Context, task func() error) error {
	if s.worker.Load() == goroutineID() {
		return ErrWouldDeadlock
	}
	done := make(chan struct{})
	var err error
	if serr := s.SubmitAsync(func() {
		err = task()
		close(done)
	}); serr != nil {
		return serr
	}
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks, runs everything already queued, and waits
// for the worker to exit. Safe to call more than once.
func (s *Serializer) Close() {
	s.closed.Once(func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	<-s.done
}

// goroutineID parses the current goroutine id from the stack header. Used
// only for deadlock detection; never for scheduling.
func goroutineID() uint64 {
	var buf [32]byte
	n := runtime.Stack(buf[:], false)
	fields := strings.Fields(string(buf[:n]))
	if len(fields) < 2 {
		return 0
	}
	id, _ := strconv.ParseUint(fields[1], 10, 64)
	return id
}
