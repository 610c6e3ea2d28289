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

// Package schedulequeue implements the {WAITING, PENDING, RUNNING}
// state machine that drives placement decisions (spec.md §4.3).
package schedulequeue

import (
	"context"
	"log/slog"
	"time"

	"github.com/fnsched/core/internal/actor"
	"github.com/fnsched/core/internal/fnerrors"
	"github.com/fnsched/core/internal/resourceview"
	"github.com/fnsched/core/internal/telemetry"
	"github.com/fnsched/core/pkg/model"
)

// State is one of the three ScheduleQueue states.
type State int

const (
	StateWaiting State = iota
	StatePending
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "WAITING"
	case StatePending:
		return "PENDING"
	case StateRunning:
		return "RUNNING"
	default:
		return "UNKNOWN"
	}
}

// entry is one in-flight item with its resolution promise.
type entry struct {
	item    *model.QueueItem
	promise *actor.Future[model.ScheduleResponse]
}

// Queue is the per-tier ScheduleQueue actor.
type Queue struct {
	mailbox *actor.Mailbox
	view    *resourceview.View
	logger  *slog.Logger

	state   State
	running map[string]*entry
	pending []*entry

	hasResourceUpdated bool
	consuming          bool
}

// New builds a Queue consulting view for placement decisions.
func New(view *resourceview.View, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		mailbox: actor.NewMailbox(0),
		view:    view,
		logger:  logger,
		state:   StateWaiting,
		running: make(map[string]*entry),
	}
}

// Stop tears down the actor loop.
func (q *Queue) Stop() { q.mailbox.Stop() }

// State returns the queue's current state.
func (q *Queue) State() State {
	return actor.Call(q.mailbox, func() State { return q.state })
}

// Submit enqueues item and waits until it is placed or cancelled, or
// until ctx is done. Submit does not expand group items (the consume
// loop skips an item with no Instance); use SubmitGroup for those.
func (q *Queue) Submit(ctx context.Context, item *model.QueueItem) (model.ScheduleResponse, error) {
	future := actor.Call(q.mailbox, func() *actor.Future[model.ScheduleResponse] {
		return q.enqueueLocked(item)
	})
	return future.Wait(ctx)
}

// SubmitGroup places every child of group, sharing group's CancelTag
// across all children so that cancelling the group cancels every
// outstanding child in one shot. GroupPolicy decides how partial
// failure is handled (spec.md §4.3 "group items"):
//   - ALL_OR_NOTHING: the first child failure fires the shared
//     CancelTag, unwinding every other child, and the group resolves
//     with that failure's status.
//   - BEST_EFFORT: all children run to completion; the group succeeds
//     if the number placed falls within RangeOption, else the group
//     itself reports CodeScheduleConflicted (callers decide whether to
//     unwind the partial placements).
// Timeout, if non-zero, bounds the whole group.
func (q *Queue) SubmitGroup(ctx context.Context, group *model.QueueItem) (map[string]model.ScheduleResponse, fnerrors.Status) {
	if !group.IsGroup() {
		return nil, fnerrors.New(fnerrors.CodeParameterError, "queue item %s is not a group", group.RequestID)
	}
	if group.CancelTag == nil {
		group.CancelTag = model.NewCancelTag()
	}

	if group.Timeout > 0 {
		deadline, cancel := context.WithTimeout(ctx, time.Duration(group.Timeout)*time.Millisecond)
		defer cancel()
		ctx = deadline
	}

	children := group.InstanceItems
	results := make(map[string]model.ScheduleResponse, len(children))
	futures := make(map[string]*actor.Future[model.ScheduleResponse], len(children))

	for _, child := range children {
		if child.CancelTag == nil {
			child.CancelTag = group.CancelTag
		}
		futures[child.RequestID] = actor.Call(q.mailbox, func() *actor.Future[model.ScheduleResponse] {
			return q.enqueueLocked(child)
		})
	}

	var failed fnerrors.Status
	for id, f := range futures {
		resp, err := f.Wait(ctx)
		if err != nil {
			group.CancelTag.Fire()
			failed = fnerrors.New(fnerrors.CodeRequestTimeout, "group %s: %s", group.RequestID, err)
			results[id] = resp
			continue
		}
		results[id] = resp
		if fnerrors.Code(resp.Code) != fnerrors.CodeOK && group.GroupPolicy != model.GroupPolicyBestEffort && failed.Code == "" {
			failed = fnerrors.Status{Code: fnerrors.Code(resp.Code), Message: resp.Message}
			group.CancelTag.Fire()
		}
	}

	if group.GroupPolicy == model.GroupPolicyBestEffort {
		placed := 0
		for _, r := range results {
			if fnerrors.Code(r.Code) == fnerrors.CodeOK {
				placed++
			}
		}
		if placed < group.RangeOption.Min || (group.RangeOption.Max > 0 && placed > group.RangeOption.Max) {
			return results, fnerrors.New(fnerrors.CodeScheduleConflicted,
				"group %s placed %d of [%d,%d] required", group.RequestID, placed, group.RangeOption.Min, group.RangeOption.Max)
		}
		return results, fnerrors.OK
	}

	if failed.Code != "" {
		return results, failed
	}
	return results, fnerrors.OK
}

func (q *Queue) enqueueLocked(item *model.QueueItem) *actor.Future[model.ScheduleResponse] {
	e := &entry{item: item, promise: actor.NewFuture[model.ScheduleResponse]()}
	q.running[item.RequestID] = e
	q.state = StateRunning

	if item.CancelTag != nil {
		actor.Defer(cancelFuture(item.CancelTag), q.mailbox, func(struct{}) {
			q.cancelLocked(item.RequestID)
		})
	}

	if !q.consuming {
		q.consuming = true
		q.mailbox.Cast(q.requestConsumerLocked)
	}
	return e.promise
}

// cancelFuture adapts a CancelTag's channel into an actor.Future so it
// composes with Defer; CancelTag already implements the same
// one-shot-signal shape Future does, just without a payload.
func cancelFuture(tag *model.CancelTag) *actor.Future[struct{}] {
	f := actor.NewFuture[struct{}]()
	go func() {
		<-tag.Done()
		f.Resolve(struct{}{})
	}()
	return f
}

func (q *Queue) cancelLocked(requestID string) {
	if e, ok := q.running[requestID]; ok {
		delete(q.running, requestID)
		e.promise.Resolve(model.ScheduleResponse{
			RequestID: requestID,
			Code:      string(fnerrors.CodeScheduleCanceled),
			Message:   "schedule canceled",
		})
		q.reconcileStateLocked()
		return
	}
	for i, e := range q.pending {
		if e.item.RequestID == requestID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			e.promise.Resolve(model.ScheduleResponse{
				RequestID: requestID,
				Code:      string(fnerrors.CodeScheduleCanceled),
				Message:   "schedule canceled",
			})
			q.reconcileStateLocked()
			return
		}
	}
}

// NotifyResourceUpdated marks the view as changed since the last
// consume pass, causing the next RequestConsumer to re-evaluate
// PENDING items against a fresh snapshot.
func (q *Queue) NotifyResourceUpdated() {
	q.mailbox.Cast(func() {
		q.hasResourceUpdated = true
		if q.state == StatePending {
			q.activatePendingLocked()
		}
	})
}

// activatePendingLocked merges pending items back into running so the
// next consume pass reconsiders them.
func (q *Queue) activatePendingLocked() {
	if len(q.pending) == 0 {
		return
	}
	for _, e := range q.pending {
		q.running[e.item.RequestID] = e
	}
	q.pending = nil
	q.state = StateRunning
	if !q.consuming {
		q.consuming = true
		q.mailbox.Cast(q.requestConsumerLocked)
	}
}

// requestConsumerLocked is the consume loop body: one pass over the
// running set per invocation, re-posting itself until running is
// empty (spec.md §4.3 "Consume protocol").
func (q *Queue) requestConsumerLocked() {
	if len(q.running) == 0 {
		q.consuming = false
		q.reconcileStateLocked()
		return
	}

	for id, e := range q.running {
		if e.item.CancelTag != nil && e.item.CancelTag.Fired() {
			continue // resolved by the cancel Defer callback already
		}
		req := e.item.Instance
		if req == nil {
			continue // group items are placed child-by-child by the caller
		}
		strategy := ByPolicy(req.ScheduleOption.Policy)
		unitID, status := strategy.Place(q.view, req)
		if status.IsError() {
			continue // stays in running; reconsidered on next resource update
		}

		if status := q.view.AddInstances(map[string]*model.InstanceInfo{
			req.ID: {
				ID:        req.ID,
				UnitID:    unitID,
				Resources: req.Resources,
				Labels:    req.Labels,
				TenantID:  req.TenantID,
			},
		}); status.IsError() {
			continue // unit filled by a concurrent placement; retry next pass
		}

		delete(q.running, id)
		e.promise.Resolve(model.ScheduleResponse{
			RequestID:       id,
			UnitID:          unitID,
			Code:            string(fnerrors.CodeOK),
			UpdateResources: q.view.GetResourceViewChanges(),
		})
	}

	q.hasResourceUpdated = false
	if len(q.running) == 0 {
		q.consuming = false
		q.reconcileStateLocked()
		return
	}

	// Nothing left to do until a resource update arrives; move the
	// remainder to pending and wait rather than busy-looping.
	for id, e := range q.running {
		q.pending = append(q.pending, e)
		delete(q.running, id)
	}
	q.consuming = false
	q.reconcileStateLocked()
}

func (q *Queue) reconcileStateLocked() {
	switch {
	case len(q.running) > 0:
		q.state = StateRunning
	case len(q.pending) > 0:
		q.state = StatePending
	default:
		q.state = StateWaiting
	}
	telemetry.RecordQueueDepth(context.Background(), q.view.Snapshot().ID, len(q.running), len(q.pending))
}

// PendingCount/RunningCount expose queue depth for telemetry.
func (q *Queue) PendingCount() int {
	return actor.Call(q.mailbox, func() int { return len(q.pending) })
}

func (q *Queue) RunningCount() int {
	return actor.Call(q.mailbox, func() int { return len(q.running) })
}
