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
	"log/slog"
	"sync"

	"github.com/fnsched/core/internal/kvstore"
)

// Explorer is the leadership seam the domain service consults to
// decide whether to handle a schedule request itself or forward it
// upward. Leader election itself is a given, supplied elsewhere; this
// package only implements the consumer side.
type Explorer interface {
	IsLeader() bool
	LeaderAddress() string
	OnLeaderChanged(addr string)
}

// KVExplorer is an Explorer backed by a single `/yr/leader` key: its
// value is the address of the node currently holding leadership. A
// node is its own leader exactly when the key's value equals selfAddr.
type KVExplorer struct {
	selfAddr string
	kv       kvstore.Client
	logger   *slog.Logger

	mu       sync.RWMutex
	leader   string
	watcher  kvstore.Watcher
	onChange []func(string)
}

const leaderKey = "/yr/leader"

// NewKVExplorer builds a KVExplorer watching /yr/leader.
func NewKVExplorer(selfAddr string, kv kvstore.Client, logger *slog.Logger) *KVExplorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &KVExplorer{selfAddr: selfAddr, kv: kv, logger: logger}
}

// Start resolves the current leader and arms a watch for changes.
func (e *KVExplorer) Start(ctx context.Context) error {
	res, err := e.kv.Get(ctx, leaderKey, kvstore.GetOptions{})
	if err == nil && len(res.Kvs) > 0 {
		e.setLeader(res.Kvs[0].Value)
	}

	watcher, err := e.kv.Watch(ctx, leaderKey, kvstore.WatchOptions{KeepExisting: true}, func(events []kvstore.WatchEvent, synced bool) {
		for _, ev := range events {
			switch ev.Type {
			case kvstore.WatchPut:
				e.setLeader(ev.Kv.Value)
			case kvstore.WatchDelete:
				e.setLeader("")
			}
		}
	})
	if err != nil {
		return err
	}
	e.watcher = watcher
	return nil
}

// Stop closes the underlying watch.
func (e *KVExplorer) Stop() {
	if e.watcher != nil {
		e.watcher.Close()
	}
}

// IsLeader reports whether this node currently holds leadership.
func (e *KVExplorer) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.leader == e.selfAddr
}

// LeaderAddress returns the last known leader address, possibly empty.
func (e *KVExplorer) LeaderAddress() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.leader
}

// OnLeaderChanged invokes every callback registered through Subscribe
// with addr; setLeader calls it whenever the leader address changes.
// Callbacks run synchronously on the calling goroutine (the watch
// delivery goroutine for KV-driven changes); callers that need
// actor-mailbox affinity should Cast from inside their callback.
func (e *KVExplorer) OnLeaderChanged(addr string) {
	e.mu.Lock()
	callbacks := append([]func(string){}, e.onChange...)
	e.mu.Unlock()
	for _, cb := range callbacks {
		cb(addr)
	}
}

// Subscribe registers cb to run on every leader change, including the
// current value if one is already known.
func (e *KVExplorer) Subscribe(cb func(addr string)) {
	e.mu.Lock()
	e.onChange = append(e.onChange, cb)
	current := e.leader
	e.mu.Unlock()
	if current != "" {
		cb(current)
	}
}

func (e *KVExplorer) setLeader(addr string) {
	e.mu.Lock()
	changed := e.leader != addr
	e.leader = addr
	e.mu.Unlock()
	if changed {
		e.logger.Info("leader changed", "leader", addr)
		e.OnLeaderChanged(addr)
	}
}
