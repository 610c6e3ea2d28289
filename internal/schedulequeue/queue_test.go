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

package schedulequeue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fnsched/core/internal/fnerrors"
	"github.com/fnsched/core/internal/resourceview"
	"github.com/fnsched/core/pkg/model"
)

func newAgentView(t *testing.T, owner string) *resourceview.View {
	t.Helper()
	view := resourceview.New(owner, "v1", true)
	t.Cleanup(view.Stop)

	agent := model.NewResourceUnit("A1", owner)
	agent.Capacity["cpu"] = model.ResourceValue{Kind: model.KindScalar, Scalar: 4}
	agent.Allocatable["cpu"] = model.ResourceValue{Kind: model.KindScalar, Scalar: 4}
	agent.Capacity["mem"] = model.ResourceValue{Kind: model.KindScalar, Scalar: 8}
	agent.Allocatable["mem"] = model.ResourceValue{Kind: model.KindScalar, Scalar: 8}
	require.False(t, view.AddResourceUnit(agent).IsError())
	return view
}

// TestSubmitSingleInstanceSuccess exercises spec.md §8's S1: a single
// instance request against one agent with ample capacity places onto
// that agent, deducts allocatable, and carries the resulting
// Modification in UpdateResources.
func TestSubmitSingleInstanceSuccess(t *testing.T) {
	view := newAgentView(t, "L1")
	// A1's registration Addition counts as already reported, so the
	// response carries only the placement's own change.
	view.GetResourceViewChanges()
	q := New(view, nil)
	t.Cleanup(q.Stop)

	item := &model.QueueItem{
		RequestID: "r1",
		Instance: &model.InstanceRequest{
			ID: "i1",
			Resources: model.ResourceMap{
				"cpu": {Kind: model.KindScalar, Scalar: 1},
				"mem": {Kind: model.KindScalar, Scalar: 2},
			},
			ScheduleOption: model.ScheduleOption{Policy: "first-fit"},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := q.Submit(ctx, item)
	require.NoError(t, err)

	assert.Equal(t, string(fnerrors.CodeOK), resp.Code)
	assert.Equal(t, "A1", resp.UnitID)
	require.NotNil(t, resp.UpdateResources)
	assert.Len(t, resp.UpdateResources.Changes, 1)
	assert.Equal(t, model.ChangeModification, resp.UpdateResources.Changes[0].Kind)
	assert.Equal(t, "A1", resp.UpdateResources.Changes[0].UnitID)

	snap := view.Snapshot()
	assert.Equal(t, float64(3), snap.Fragment["A1"].Allocatable["cpu"].Scalar)
	assert.Equal(t, float64(6), snap.Fragment["A1"].Allocatable["mem"].Scalar)
	assert.Contains(t, snap.Fragment["A1"].Instances, "i1")
}

// TestSubmitNoFitStaysPendingThenPlaces verifies the PENDING/RUNNING
// handoff: a request that doesn't fit moves the queue to PENDING, and
// a subsequent NotifyResourceUpdated (after capacity frees up) wakes
// the consume loop and resolves it.
func TestSubmitNoFitStaysPendingThenPlaces(t *testing.T) {
	view := resourceview.New("L1", "v1", true)
	t.Cleanup(view.Stop)
	agent := model.NewResourceUnit("A1", "L1")
	agent.Capacity["cpu"] = model.ResourceValue{Kind: model.KindScalar, Scalar: 1}
	agent.Allocatable["cpu"] = model.ResourceValue{Kind: model.KindScalar, Scalar: 0}
	require.False(t, view.AddResourceUnit(agent).IsError())

	q := New(view, nil)
	t.Cleanup(q.Stop)

	item := &model.QueueItem{
		RequestID: "r1",
		Instance: &model.InstanceRequest{
			ID:        "i1",
			Resources: model.ResourceMap{"cpu": {Kind: model.KindScalar, Scalar: 1}},
		},
	}

	done := make(chan model.ScheduleResponse, 1)
	go func() {
		resp, err := q.Submit(context.Background(), item)
		require.NoError(t, err)
		done <- resp
	}()

	require.Eventually(t, func() bool {
		return q.State() == StatePending
	}, time.Second, 5*time.Millisecond)

	// Simulate a capacity change by adding a second, roomier agent and
	// notifying the queue, the same way a PullResource-driven update
	// would wake a pending consume pass.
	agent2 := model.NewResourceUnit("A2", "L1")
	agent2.Capacity["cpu"] = model.ResourceValue{Kind: model.KindScalar, Scalar: 4}
	agent2.Allocatable["cpu"] = model.ResourceValue{Kind: model.KindScalar, Scalar: 4}
	require.False(t, view.AddResourceUnit(agent2).IsError())
	q.NotifyResourceUpdated()

	select {
	case resp := <-done:
		assert.Equal(t, string(fnerrors.CodeOK), resp.Code)
		assert.Equal(t, "A2", resp.UnitID)
	case <-time.After(time.Second):
		t.Fatal("request never resolved after resource update")
	}
}

// TestSubmitCancel verifies a fired CancelTag resolves the promise
// with CodeScheduleCanceled instead of leaving it to time out.
func TestSubmitCancel(t *testing.T) {
	view := resourceview.New("L1", "v1", true)
	t.Cleanup(view.Stop)
	agent := model.NewResourceUnit("A1", "L1")
	agent.Capacity["cpu"] = model.ResourceValue{Kind: model.KindScalar, Scalar: 1}
	agent.Allocatable["cpu"] = model.ResourceValue{Kind: model.KindScalar, Scalar: 0}
	require.False(t, view.AddResourceUnit(agent).IsError())

	q := New(view, nil)
	t.Cleanup(q.Stop)

	tag := model.NewCancelTag()
	item := &model.QueueItem{
		RequestID: "r1",
		CancelTag: tag,
		Instance: &model.InstanceRequest{
			ID:        "i1",
			Resources: model.ResourceMap{"cpu": {Kind: model.KindScalar, Scalar: 1}},
		},
	}

	done := make(chan model.ScheduleResponse, 1)
	go func() {
		resp, err := q.Submit(context.Background(), item)
		require.NoError(t, err)
		done <- resp
	}()

	require.Eventually(t, func() bool {
		return q.State() != StateWaiting
	}, time.Second, 5*time.Millisecond)

	tag.Fire()

	select {
	case resp := <-done:
		assert.Equal(t, string(fnerrors.CodeScheduleCanceled), resp.Code)
	case <-time.After(time.Second):
		t.Fatal("cancellation never resolved the promise")
	}
}

// TestSubmitGroupBestEffort verifies GroupPolicy BEST_EFFORT accepts a
// partial placement within RangeOption instead of failing the group.
func TestSubmitGroupBestEffort(t *testing.T) {
	view := newAgentView(t, "L1")
	q := New(view, nil)
	t.Cleanup(q.Stop)

	group := &model.QueueItem{
		RequestID:   "g1",
		GroupPolicy: model.GroupPolicyBestEffort,
		RangeOption: model.RangeOption{Min: 1, Max: 2},
		InstanceItems: []*model.QueueItem{
			{RequestID: "g1-0", Instance: &model.InstanceRequest{
				ID:        "i0",
				Resources: model.ResourceMap{"cpu": {Kind: model.KindScalar, Scalar: 1}},
			}},
			{RequestID: "g1-1", Instance: &model.InstanceRequest{
				ID:        "i1",
				Resources: model.ResourceMap{"cpu": {Kind: model.KindScalar, Scalar: 100}},
			}},
		},
	}

	results, status := q.SubmitGroup(context.Background(), group)
	require.False(t, status.IsError())
	assert.Equal(t, string(fnerrors.CodeOK), results["g1-0"].Code)
}
