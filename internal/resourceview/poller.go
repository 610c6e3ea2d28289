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

package resourceview

import (
	"context"
	"log/slog"
	"time"

	"github.com/fnsched/core/internal/actor"
	"github.com/fnsched/core/internal/telemetry"
)

// defaultMaxConcurrencyPull bounds how many children can have a pull
// in flight at once when the caller doesn't override it.
const defaultMaxConcurrencyPull = 100

// defaultPullResourceCycle is the poll period applied when the caller
// doesn't override it.
const defaultPullResourceCycle = time.Second

// pullTimeoutFactor: a pull that hasn't replied after
// interval*pullTimeoutFactor is reset and re-queued (spec.md §4.2).
const pullTimeoutFactor = 3

type pollInfo struct {
	id               string
	latestPulledTime time.Time
}

// ResourcePoller coalesces "pull current view" requests to a set of
// children: one in flight per child, bounded total concurrency, fixed
// period, reset-on-reply-or-timeout (spec.md §4.2).
type ResourcePoller struct {
	mailbox *actor.Mailbox
	logger  *slog.Logger

	sendPullResource func(id string)
	delegateReset    func(id string)

	interval       time.Duration
	maxConcurrency int

	underlayers map[string]*pollInfo
	pulling     map[string]*time.Timer // timeout timer per in-flight id
	queue       []*pollInfo            // FIFO of candidates to consider

	nextTick *time.Timer
	stopped  bool
}

// NewResourcePoller builds a poller. interval <= 0 and maxConcurrency
// <= 0 fall back to the package defaults. sendPullResource is invoked
// once per promoted child per cycle; delegateReset is invoked when a
// pull's timeout fires.
func NewResourcePoller(sendPullResource, delegateReset func(id string), interval time.Duration, maxConcurrency int, logger *slog.Logger) *ResourcePoller {
	if interval <= 0 {
		interval = defaultPullResourceCycle
	}
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrencyPull
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResourcePoller{
		mailbox:          actor.NewMailbox(0),
		logger:           logger,
		sendPullResource: sendPullResource,
		delegateReset:    delegateReset,
		interval:         interval,
		maxConcurrency:   maxConcurrency,
		underlayers:      make(map[string]*pollInfo),
		pulling:          make(map[string]*time.Timer),
	}
}

// Start arms the first TryPullResource tick.
func (p *ResourcePoller) Start() {
	actor.Call(p.mailbox, func() struct{} {
		p.scheduleNextLocked()
		return struct{}{}
	})
}

// Stop cancels the pending tick and the actor loop.
func (p *ResourcePoller) Stop() {
	actor.Call(p.mailbox, func() struct{} {
		p.stopped = true
		if p.nextTick != nil {
			p.nextTick.Stop()
		}
		for _, t := range p.pulling {
			t.Stop()
		}
		p.pulling = make(map[string]*time.Timer)
		return struct{}{}
	})
	p.mailbox.Stop()
}

// Add registers a child to poll, eligible immediately.
func (p *ResourcePoller) Add(id string) {
	actor.Call(p.mailbox, func() struct{} {
		if _, exists := p.underlayers[id]; exists {
			return struct{}{}
		}
		info := &pollInfo{id: id, latestPulledTime: time.Time{}}
		p.underlayers[id] = info
		p.queue = append(p.queue, info)
		return struct{}{}
	})
}

// Del unregisters a child; any in-flight pull timeout for it is
// cancelled.
func (p *ResourcePoller) Del(id string) {
	actor.Call(p.mailbox, func() struct{} {
		if _, ok := p.underlayers[id]; !ok {
			return struct{}{}
		}
		delete(p.underlayers, id)
		if t, ok := p.pulling[id]; ok {
			t.Stop()
			delete(p.pulling, id)
		}
		return struct{}{}
	})
}

// Reset is called on reply, or on a failure indicating the pull is
// done: it re-enqueues the child with latestPulledTime = now.
func (p *ResourcePoller) Reset(id string) {
	actor.Call(p.mailbox, func() struct{} {
		info, ok := p.underlayers[id]
		if !ok {
			return struct{}{}
		}
		info.latestPulledTime = time.Now()
		if t, inFlight := p.pulling[id]; inFlight {
			t.Stop()
			delete(p.pulling, id)
			p.queue = append(p.queue, info)
		}
		return struct{}{}
	})
}

// TryPullResource promotes eligible children (time since last pull >=
// interval) into the in-flight set up to maxConcurrency, emits one
// pull each, and arms a per-pull timeout at interval*3 that on fire
// calls Reset(id). Exported for tests driving the loop deterministically.
func (p *ResourcePoller) TryPullResource() {
	actor.Call(p.mailbox, func() struct{} {
		p.tryPullLocked()
		return struct{}{}
	})
}

func (p *ResourcePoller) tryPullLocked() {
	now := time.Now()
	var notReachTime []*pollInfo

	for len(p.pulling) < p.maxConcurrency && len(p.queue) > 0 {
		info := p.queue[0]
		p.queue = p.queue[1:]

		if _, alive := p.underlayers[info.id]; !alive {
			continue
		}
		if now.Sub(info.latestPulledTime) < p.interval {
			notReachTime = append(notReachTime, info)
			continue
		}

		id := info.id
		p.sendPullResource(id)
		p.pulling[id] = time.AfterFunc(p.interval*pullTimeoutFactor, func() {
			p.logger.Warn("pull timeout, reset to pull", "id", id)
			telemetry.RecordPullTimeout(context.Background(), id)
			p.delegateReset(id)
		})
	}

	p.queue = append(p.queue, notReachTime...)
	p.scheduleNextLocked()
}

func (p *ResourcePoller) scheduleNextLocked() {
	if p.stopped {
		return
	}
	p.nextTick = time.AfterFunc(p.interval, func() {
		p.mailbox.Cast(p.tryPullLocked)
	})
}
