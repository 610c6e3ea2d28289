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

package bundlemanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fnsched/core/internal/fnerrors"
	"github.com/fnsched/core/internal/kvstore"
	"github.com/fnsched/core/internal/resourceview"
	"github.com/fnsched/core/internal/schedulequeue"
	"github.com/fnsched/core/pkg/model"
)

// memKV is a minimal in-memory kvstore.Client implementing Put, Get
// and Delete, the calls BundleManager makes (persistBundles and Sync);
// the rest of the interface is inert stubs.
type memKV struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemKV() *memKV { return &memKV{values: make(map[string]string)} }

func (k *memKV) Put(ctx context.Context, key, value string, opts kvstore.PutOptions) (kvstore.PutResult, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.values[key] = value
	return kvstore.PutResult{}, nil
}

func (k *memKV) Get(ctx context.Context, key string, opts kvstore.GetOptions) (kvstore.GetResult, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.values[key]
	if !ok {
		return kvstore.GetResult{}, nil
	}
	return kvstore.GetResult{Kvs: []kvstore.KV{{Key: key, Value: v}}}, nil
}

func (k *memKV) Delete(ctx context.Context, key string, opts kvstore.DeleteOptions) (kvstore.DeleteResult, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.values, key)
	return kvstore.DeleteResult{}, nil
}

func (k *memKV) Commit(ctx context.Context, txn kvstore.Txn) (kvstore.TxnResult, error) {
	return kvstore.TxnResult{Succeeded: true}, nil
}

func (k *memKV) Watch(ctx context.Context, key string, opts kvstore.WatchOptions, cb kvstore.WatchCallback) (kvstore.Watcher, error) {
	return nil, nil
}

func (k *memKV) Grant(ctx context.Context, ttlSeconds int64) (kvstore.LeaseGrantResult, error) {
	return kvstore.LeaseGrantResult{}, nil
}

func (k *memKV) KeepAliveOnce(ctx context.Context, leaseID int64) (kvstore.LeaseKeepAliveResult, error) {
	return kvstore.LeaseKeepAliveResult{}, nil
}

func (k *memKV) Revoke(ctx context.Context, leaseID int64) error { return nil }

// newBundleTestEnv wires a BundleManager against one resource group
// "g1" containing a single agent A1 with 4 cpu, scheduling through a
// real schedulequeue.Queue exactly as cmd/domainscheduler does.
func newBundleTestEnv(t *testing.T, reserveToBindTimeout time.Duration) (*BundleManager, *resourceview.View) {
	t.Helper()
	view := resourceview.New("g1", "v1", true)
	t.Cleanup(view.Stop)

	agent := model.NewResourceUnit("A1", "g1")
	agent.Capacity["cpu"] = model.ResourceValue{Kind: model.KindScalar, Scalar: 4}
	agent.Allocatable["cpu"] = model.ResourceValue{Kind: model.KindScalar, Scalar: 4}
	require.False(t, view.AddResourceUnit(agent).IsError())

	queue := schedulequeue.New(view, nil)
	t.Cleanup(queue.Stop)

	resolve := func(rGroupName string) *resourceview.View {
		if rGroupName == "" || rGroupName == "g1" {
			return view
		}
		return nil
	}

	m := New("node1", newMemKV(), resolve, queue, reserveToBindTimeout, nil)
	t.Cleanup(m.Stop)
	return m, view
}

func reserveReq(requestID, instanceID string, cpu float64) *model.ScheduleRequest {
	return &model.ScheduleRequest{
		RequestID: requestID,
		Instance: model.InstanceRequest{
			ID:             instanceID,
			Resources:      model.ResourceMap{"cpu": {Kind: model.KindScalar, Scalar: cpu}},
			ScheduleOption: model.ScheduleOption{RGroup: "g1"},
		},
	}
}

// TestReserveBindHappyPath exercises spec.md §8's S2: Reserve selects
// an agent and deducts a virtual placeholder, Bind persists the
// bundle and materializes its ResourceUnit, and a repeat Reserve for
// the same requestId returns the cached selection without any further
// deduction.
func TestReserveBindHappyPath(t *testing.T) {
	m, view := newBundleTestEnv(t, time.Minute)
	req := reserveReq("r2", "b1", 2)

	resp, status := m.Reserve(context.Background(), req)
	require.False(t, status.IsError())
	assert.Equal(t, "A1", resp.UnitID)
	assert.Equal(t, float64(2), view.Snapshot().Fragment["A1"].Allocatable["cpu"].Scalar)

	bindResp, status := m.Bind(context.Background(), req)
	require.False(t, status.IsError())
	assert.Equal(t, "A1", bindResp.UnitID)

	snap := view.Snapshot()
	_, hasBundleUnit := snap.Fragment["b1"]
	assert.True(t, hasBundleUnit, "bind should materialize the bundle as its own ResourceUnit")

	// Re-send Reserve: returns the cached selection, no extra deduction.
	resp2, status := m.Reserve(context.Background(), req)
	require.False(t, status.IsError())
	assert.Equal(t, "A1", resp2.UnitID)
	assert.Equal(t, float64(2), view.Snapshot().Fragment["A1"].Allocatable["cpu"].Scalar)
}

// TestReserveTimeoutReleasesPlaceholder exercises spec.md §8's S3: a
// Reserve left un-bound past reserveToBindTimeoutMs has its virtual
// placeholder released and its reservation dropped, so a later Bind
// for the same requestId fails with CodeInnerSystemError.
func TestReserveTimeoutReleasesPlaceholder(t *testing.T) {
	m, view := newBundleTestEnv(t, 20*time.Millisecond)
	req := reserveReq("r3", "b2", 2)

	resp, status := m.Reserve(context.Background(), req)
	require.False(t, status.IsError())
	assert.Equal(t, "A1", resp.UnitID)
	assert.Equal(t, float64(2), view.Snapshot().Fragment["A1"].Allocatable["cpu"].Scalar)

	require.Eventually(t, func() bool {
		return view.Snapshot().Fragment["A1"].Allocatable["cpu"].Scalar == float64(4)
	}, time.Second, 5*time.Millisecond, "placeholder should be released once the bind deadline passes")

	_, status = m.Bind(context.Background(), req)
	assert.True(t, status.IsError())
	assert.Equal(t, fnerrors.CodeInnerSystemError, status.Code)
}
