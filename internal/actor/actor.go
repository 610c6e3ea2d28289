/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

// Package actor provides the single-threaded mailbox abstraction every
// scheduler component is built on: one goroutine per actor draining a
// buffered queue of closures, with futures for deferred replies. It is
// the in-process stand-in for the actor runtime the spec treats as an
// external collaborator — a real deployment could swap this for a
// network-addressed actor system without touching component logic.
package actor

import (
	"context"
	"sync"
)

// Mailbox runs submitted functions one at a time, in submission order,
// on a single background goroutine. It is the non-preemptive handler
// loop every component (ResourceView, ScheduleQueue, BundleManager,
// LeaseKeeper, each service) owns exactly one of.
type Mailbox struct {
	queue  chan func()
	done   chan struct{}
	closed chan struct{}
	once   sync.Once
}

// NewMailbox starts a new mailbox with the given queue depth.
func NewMailbox(depth int) *Mailbox {
	if depth <= 0 {
		depth = 256
	}
	m := &Mailbox{
		queue:  make(chan func(), depth),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Mailbox) run() {
	defer close(m.closed)
	for {
		select {
		case fn := <-m.queue:
			fn()
		case <-m.done:
			// Drain whatever is left so pending Cast calls don't block
			// forever on a full channel, then exit.
			for {
				select {
				case fn := <-m.queue:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Cast enqueues fn to run on the mailbox goroutine and returns immediately.
// Use for fire-and-forget handlers (e.g. timer callbacks, notifications).
func (m *Mailbox) Cast(fn func()) {
	select {
	case m.queue <- fn:
	case <-m.done:
	}
}

// Call enqueues fn and blocks the caller until it has run, returning
// fn's result. The mailbox's own handler loop is never blocked by Call;
// it only blocks the caller's goroutine.
func Call[T any](m *Mailbox, fn func() T) T {
	resultCh := make(chan T, 1)
	m.Cast(func() {
		resultCh <- fn()
	})
	return <-resultCh
}

// Stop signals the run loop to drain and exit. Safe to call multiple times.
func (m *Mailbox) Stop() {
	m.once.Do(func() {
		close(m.done)
	})
	<-m.closed
}

// Future is a single-assignment, multi-reader completion value —
// the Go analogue of litebus::Promise/Future used throughout the
// original actor engine for deferred replies.
type Future[T any] struct {
	ch   chan struct{}
	once sync.Once
	val  T
}

// NewFuture creates an unresolved future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{ch: make(chan struct{})}
}

// Resolve sets the future's value. Only the first call has effect.
func (f *Future[T]) Resolve(v T) {
	f.once.Do(func() {
		f.val = v
		close(f.ch)
	})
}

// IsResolved reports whether Resolve has already been called.
func (f *Future[T]) IsResolved() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the future resolves or ctx is done, returning the
// zero value and ctx.Err() on timeout/cancellation.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.ch:
		return f.val, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Defer schedules fn to run on m once f resolves, passing the resolved
// value. This is the Go equivalent of litebus::Defer(aid, continuation)
// used to bounce a continuation back onto the owning actor's mailbox.
func Defer[T any](f *Future[T], m *Mailbox, fn func(T)) {
	go func() {
		<-f.ch
		m.Cast(func() {
			fn(f.val)
		})
	}()
}
