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
	"sync"

	"github.com/fnsched/core/internal/kvstore"
)

// fakeWatchableKV is a minimal in-memory kvstore.Client supporting
// Get/Put/Delete plus a single registered Watch callback per key —
// the slice this package's Processor/KVExplorer actually drive.
type fakeWatchableKV struct {
	mu       sync.Mutex
	values   map[string]string
	watchers map[string][]kvstore.WatchCallback
}

func newFakeWatchableKV() *fakeWatchableKV {
	return &fakeWatchableKV{values: make(map[string]string), watchers: make(map[string][]kvstore.WatchCallback)}
}

type fakeWatcher struct {
	close func()
}

func (w *fakeWatcher) Close() error {
	w.close()
	return nil
}

func (k *fakeWatchableKV) Put(ctx context.Context, key, value string, opts kvstore.PutOptions) (kvstore.PutResult, error) {
	k.mu.Lock()
	k.values[key] = value
	cbs := append([]kvstore.WatchCallback{}, k.watchers[key]...)
	k.mu.Unlock()
	for _, cb := range cbs {
		if cb != nil {
			cb([]kvstore.WatchEvent{{Type: kvstore.WatchPut, Kv: kvstore.KV{Key: key, Value: value}}}, true)
		}
	}
	return kvstore.PutResult{}, nil
}

func (k *fakeWatchableKV) Get(ctx context.Context, key string, opts kvstore.GetOptions) (kvstore.GetResult, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.values[key]
	if !ok {
		return kvstore.GetResult{}, nil
	}
	return kvstore.GetResult{Kvs: []kvstore.KV{{Key: key, Value: v}}}, nil
}

func (k *fakeWatchableKV) Delete(ctx context.Context, key string, opts kvstore.DeleteOptions) (kvstore.DeleteResult, error) {
	k.mu.Lock()
	_, existed := k.values[key]
	delete(k.values, key)
	cbs := append([]kvstore.WatchCallback{}, k.watchers[key]...)
	k.mu.Unlock()
	if existed {
		for _, cb := range cbs {
			if cb != nil {
				cb([]kvstore.WatchEvent{{Type: kvstore.WatchDelete, Kv: kvstore.KV{Key: key}}}, true)
			}
		}
	}
	return kvstore.DeleteResult{}, nil
}

func (k *fakeWatchableKV) Commit(ctx context.Context, txn kvstore.Txn) (kvstore.TxnResult, error) {
	return kvstore.TxnResult{Succeeded: true}, nil
}

func (k *fakeWatchableKV) Watch(ctx context.Context, key string, opts kvstore.WatchOptions, cb kvstore.WatchCallback) (kvstore.Watcher, error) {
	k.mu.Lock()
	k.watchers[key] = append(k.watchers[key], cb)
	idx := len(k.watchers[key]) - 1
	k.mu.Unlock()
	return &fakeWatcher{close: func() {
		k.mu.Lock()
		defer k.mu.Unlock()
		if idx < len(k.watchers[key]) {
			k.watchers[key][idx] = nil
		}
	}}, nil
}

func (k *fakeWatchableKV) Grant(ctx context.Context, ttlSeconds int64) (kvstore.LeaseGrantResult, error) {
	return kvstore.LeaseGrantResult{}, nil
}

func (k *fakeWatchableKV) KeepAliveOnce(ctx context.Context, leaseID int64) (kvstore.LeaseKeepAliveResult, error) {
	return kvstore.LeaseKeepAliveResult{}, nil
}

func (k *fakeWatchableKV) Revoke(ctx context.Context, leaseID int64) error { return nil }

func (k *fakeWatchableKV) put(key, value string) {
	_, _ = k.Put(context.Background(), key, value, kvstore.PutOptions{})
}
