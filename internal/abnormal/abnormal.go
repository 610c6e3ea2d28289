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

// Package abnormal implements the self-fence protocol: if another node
// has claimed this node's identity key in the KV store, this node
// tears down (spec.md §4.7). It also carries the Explorer seam the
// domain/local services consult to know whether they are the current
// leader, without implementing leader election itself.
package abnormal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fnsched/core/internal/kvstore"
)

func fenceKey(id string) string {
	return fmt.Sprintf("/yr/abnormal/localscheduler/%s", id)
}

// InstanceLister reports how many locally-owned instances are still
// live. AbnormalProcessor polls this until it drains to zero before
// completing self-teardown, so in-flight work is not abandoned
// mid-flight.
type InstanceLister interface {
	LocalInstanceCount() int
}

// Processor watches /yr/abnormal/localscheduler/{id} for this node's
// own identity and tears the node down if it ever appears — meaning
// some other process has decided this node's claim is dead and has
// taken over its identity.
type Processor struct {
	id        string
	kv        kvstore.Client
	logger    *slog.Logger
	lister    InstanceLister
	onFence   func()
	pollEvery time.Duration

	watcher kvstore.Watcher
}

// Option tweaks Processor construction.
type Option func(*Processor)

// WithPollInterval overrides the default drain-poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(p *Processor) { p.pollEvery = d }
}

// New builds a Processor for node id. onFence is invoked once the
// node has fully drained and the fence key has been cleaned up — the
// caller is expected to raise a process-terminating signal from it.
func New(id string, kv kvstore.Client, lister InstanceLister, onFence func(), logger *slog.Logger, opts ...Option) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		id:        id,
		kv:        kv,
		logger:    logger,
		lister:    lister,
		onFence:   onFence,
		pollEvery: time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start checks the fence key once; if already present it fences
// immediately, otherwise it arms a watch so a later PUT triggers the
// same sequence.
func (p *Processor) Start(ctx context.Context) error {
	key := fenceKey(p.id)
	res, err := p.kv.Get(ctx, key, kvstore.GetOptions{})
	if err != nil {
		return fmt.Errorf("failed to check fence key %s: %w", key, err)
	}
	if len(res.Kvs) > 0 {
		p.logger.Warn("fence key already present at startup, self-fencing", "key", key)
		go p.fence(context.Background())
		return nil
	}

	watcher, err := p.kv.Watch(ctx, key, kvstore.WatchOptions{}, func(events []kvstore.WatchEvent, synced bool) {
		for _, ev := range events {
			if ev.Type == kvstore.WatchPut {
				p.logger.Warn("fence key observed via watch, self-fencing", "key", key)
				go p.fence(context.Background())
				return
			}
		}
	})
	if err != nil {
		return fmt.Errorf("failed to watch fence key %s: %w", key, err)
	}
	p.watcher = watcher
	return nil
}

// Stop closes the watch without fencing.
func (p *Processor) Stop() {
	if p.watcher != nil {
		p.watcher.Close()
	}
}

func (p *Processor) fence(ctx context.Context) {
	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()
	for p.lister.LocalInstanceCount() > 0 {
		<-ticker.C
	}

	key := fenceKey(p.id)
	if _, err := p.kv.Delete(ctx, key, kvstore.DeleteOptions{}); err != nil {
		p.logger.Error("failed to clear fence key after drain", "key", key, "error", err)
	}
	if p.onFence != nil {
		p.onFence()
	}
}
