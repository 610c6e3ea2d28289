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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fnsched/core/internal/kvstore"
)

type fixedLister struct{ n atomic.Int64 }

func (l *fixedLister) LocalInstanceCount() int { return int(l.n.Load()) }

// TestProcessorFencesImmediatelyIfKeyAlreadyPresent verifies a fence
// key already written before Start is observed fences the node
// without waiting for a watch event.
func TestProcessorFencesImmediatelyIfKeyAlreadyPresent(t *testing.T) {
	kv := newFakeWatchableKV()
	kv.put(fenceKey("n1"), "n2")

	lister := &fixedLister{}
	fenced := make(chan struct{})
	p := New("n1", kv, lister, func() { close(fenced) }, nil, WithPollInterval(5*time.Millisecond))

	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Stop)

	select {
	case <-fenced:
	case <-time.After(time.Second):
		t.Fatal("onFence never called for a pre-existing fence key")
	}

	res, err := kv.Get(context.Background(), fenceKey("n1"), kvstore.GetOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Kvs, "fence key should be cleared once the drain/fence sequence completes")
}

// TestProcessorWaitsForDrainBeforeFencing verifies the node does not
// complete self-teardown while LocalInstanceCount is still nonzero,
// and does once it drains.
func TestProcessorWaitsForDrainBeforeFencing(t *testing.T) {
	kv := newFakeWatchableKV()
	kv.put(fenceKey("n1"), "n2")

	lister := &fixedLister{}
	lister.n.Store(2)
	fenced := make(chan struct{})
	p := New("n1", kv, lister, func() { close(fenced) }, nil, WithPollInterval(5*time.Millisecond))

	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Stop)

	select {
	case <-fenced:
		t.Fatal("onFence fired before instances drained")
	case <-time.After(50 * time.Millisecond):
	}

	lister.n.Store(0)

	select {
	case <-fenced:
	case <-time.After(time.Second):
		t.Fatal("onFence never fired after draining to zero")
	}
}

// TestProcessorFencesOnWatchEvent verifies a fence key that arrives
// after Start (via Watch, not an initial Get) triggers the same
// teardown sequence.
func TestProcessorFencesOnWatchEvent(t *testing.T) {
	kv := newFakeWatchableKV()
	lister := &fixedLister{}
	fenced := make(chan struct{})
	p := New("n1", kv, lister, func() { close(fenced) }, nil, WithPollInterval(5*time.Millisecond))

	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Stop)

	kv.put(fenceKey("n1"), "n2")

	select {
	case <-fenced:
	case <-time.After(time.Second):
		t.Fatal("onFence never fired after the fence key was put via watch")
	}
}
