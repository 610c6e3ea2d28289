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

package abnormal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestKVExplorerResolvesExistingLeaderOnStart verifies Start picks up
// a leader value already present in the KV store.
func TestKVExplorerResolvesExistingLeaderOnStart(t *testing.T) {
	kv := newFakeWatchableKV()
	kv.put(leaderKey, "domain-a:7100")

	e := NewKVExplorer("domain-a:7100", kv, nil)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)

	assert.True(t, e.IsLeader())
	assert.Equal(t, "domain-a:7100", e.LeaderAddress())
}

// TestKVExplorerFollowsLeaderChange verifies a later write to the
// leader key updates IsLeader/LeaderAddress and notifies subscribers.
func TestKVExplorerFollowsLeaderChange(t *testing.T) {
	kv := newFakeWatchableKV()
	kv.put(leaderKey, "domain-a:7100")

	e := NewKVExplorer("domain-b:7100", kv, nil)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)

	assert.False(t, e.IsLeader())

	changes := make(chan string, 4)
	e.Subscribe(func(addr string) { changes <- addr })

	select {
	case addr := <-changes:
		assert.Equal(t, "domain-a:7100", addr, "Subscribe replays the current leader immediately")
	case <-time.After(time.Second):
		t.Fatal("Subscribe never replayed the current leader")
	}

	kv.put(leaderKey, "domain-b:7100")

	require.Eventually(t, func() bool { return e.IsLeader() }, time.Second, 5*time.Millisecond)

	select {
	case addr := <-changes:
		assert.Equal(t, "domain-b:7100", addr)
	case <-time.After(time.Second):
		t.Fatal("subscriber never notified of the leader change")
	}
}
