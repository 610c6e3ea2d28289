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

// Package leasekeeper advertises presence in the KV store: grant a
// lease, put the key under it, keep the lease alive, and on any
// failure re-grant and re-put with backoff (spec.md §4.6 / §6).
package leasekeeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fnsched/core/internal/actor"
	"github.com/fnsched/core/internal/fnerrors"
	"github.com/fnsched/core/internal/kvstore"
	"github.com/fnsched/core/internal/telemetry"
)

// defaultLeaseIntervalMs is used whenever ttl/leaseTimeDivisor rounds
// to zero.
const defaultLeaseIntervalMs = 10000

// leaseTimeDivisor derives the keep-alive/retry cadence from the TTL:
// interval = ttl / leaseTimeDivisor.
const leaseTimeDivisor = 6

// keepAliveTimeoutDivisor derives the keep-alive call's own deadline:
// timeout = ttl / (leaseTimeDivisor * keepAliveTimeoutDivisor).
const keepAliveTimeoutDivisor = 2

// Keeper owns a set of (key, value, ttl) advertisements, each backed
// by its own Redis-style lease, grounded on
// original_source/.../lease_actor.cpp's PutWithLease/KeepAliveOnce/
// RetryPutWithLease state machine.
type Keeper struct {
	mailbox *actor.Mailbox
	kv      kvstore.Client
	logger  *slog.Logger

	mu       sync.Mutex
	leaseIDs map[string]int64
	timers   map[string]*time.Timer
}

// New builds a Keeper over kv. logger may be nil (defaults to
// slog.Default()).
func New(kv kvstore.Client, logger *slog.Logger) *Keeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{
		mailbox:  actor.NewMailbox(0),
		kv:       kv,
		logger:   logger,
		leaseIDs: make(map[string]int64),
		timers:   make(map[string]*time.Timer),
	}
}

// Stop cancels every pending timer and the actor loop. It does not
// revoke leases; callers wanting clean shutdown should Revoke first.
func (k *Keeper) Stop() {
	k.mu.Lock()
	for _, t := range k.timers {
		t.Stop()
	}
	k.timers = make(map[string]*time.Timer)
	k.mu.Unlock()
	k.mailbox.Stop()
}

func interval(ttlMs int64) time.Duration {
	d := ttlMs / leaseTimeDivisor
	if d <= 0 {
		return time.Duration(defaultLeaseIntervalMs) * time.Millisecond
	}
	return time.Duration(d) * time.Millisecond
}

func keepAliveTimeout(ttlMs int64) time.Duration {
	d := ttlMs / (leaseTimeDivisor * keepAliveTimeoutDivisor)
	if d <= 0 {
		return time.Duration(defaultLeaseIntervalMs) * time.Millisecond
	}
	return time.Duration(d) * time.Millisecond
}

func (k *Keeper) cancelTimer(key string) {
	k.mu.Lock()
	t, ok := k.timers[key]
	delete(k.timers, key)
	k.mu.Unlock()
	if ok {
		t.Stop()
	}
}

func (k *Keeper) armTimer(key string, d time.Duration, fn func()) {
	k.mu.Lock()
	k.timers[key] = time.AfterFunc(d, fn)
	k.mu.Unlock()
}

func (k *Keeper) leaseID(key string) (int64, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	id, ok := k.leaseIDs[key]
	return id, ok
}

// PutWithLease grants (or reuses) a lease for key and puts value
// under it, then arms the keep-alive loop. ttlMs must be >= 0.
func (k *Keeper) PutWithLease(ctx context.Context, key, value string, ttlMs int64) fnerrors.Status {
	if ttlMs < 0 {
		return fnerrors.New(fnerrors.CodeParameterError, "ttl is less than zero")
	}
	grantStatus := k.checkLeaseIDExist(ctx, key, ttlMs)
	return k.put(ctx, grantStatus, key, value, ttlMs)
}

func (k *Keeper) checkLeaseIDExist(ctx context.Context, key string, ttlMs int64) fnerrors.Status {
	if _, ok := k.leaseID(key); ok {
		return fnerrors.OK
	}
	k.cancelTimer(key)

	resp, err := k.kv.Grant(ctx, ttlMs/1000)
	if err != nil {
		k.logger.Error("failed to grant lease", "key", key, "error", err)
		return fnerrors.New(fnerrors.CodeMetaStorageGrantErr, "key: %s", key)
	}
	k.mu.Lock()
	k.leaseIDs[key] = resp.LeaseID
	k.mu.Unlock()
	k.logger.Info("granted lease from meta store", "leaseId", resp.LeaseID, "key", key)
	return fnerrors.OK
}

func (k *Keeper) put(ctx context.Context, status fnerrors.Status, key, value string, ttlMs int64) fnerrors.Status {
	if status.IsError() {
		k.logger.Warn("failed to get lease id", "key", key)
		k.armTimer(key, interval(ttlMs), func() { k.retryPutWithLease(key, value, ttlMs) })
		return status
	}

	leaseID, _ := k.leaseID(key)
	_, err := k.kv.Put(ctx, key, value, kvstore.PutOptions{LeaseID: leaseID})
	if err != nil {
		k.logger.Error("failed to put key with lease", "key", key, "error", err)
		k.armTimer(key, interval(ttlMs), func() { k.retryPutWithLease(key, value, ttlMs) })
		return fnerrors.New(fnerrors.CodeMetaStoragePutErr, "key: %s", key)
	}

	k.armTimer(key, interval(ttlMs), func() { k.keepAliveOnce(key, value, ttlMs) })
	return fnerrors.OK
}

func (k *Keeper) keepAliveOnce(key, value string, ttlMs int64) {
	leaseID, ok := k.leaseID(key)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), keepAliveTimeout(ttlMs))
	defer cancel()

	resp, err := k.kv.KeepAliveOnce(ctx, leaseID)
	if err != nil || resp.TTL == 0 {
		k.logger.Warn("lease keep alive failed, try to re-put", "leaseId", leaseID)
		k.retryPutWithLease(key, value, ttlMs)
		return
	}
	k.logger.Debug("keep lease once success", "leaseId", leaseID)
	k.armTimer(key, interval(ttlMs), func() { k.keepAliveOnce(key, value, ttlMs) })
}

func (k *Keeper) retryPutWithLease(key, value string, ttlMs int64) {
	k.logger.Warn("try to re-put with lease", "key", key)
	telemetry.RecordLeaseRetry(context.Background(), key)
	k.cancelTimer(key)
	k.mu.Lock()
	delete(k.leaseIDs, key)
	k.mu.Unlock()

	k.mailbox.Cast(func() {
		k.PutWithLease(context.Background(), key, value, ttlMs)
	})
}

// Revoke drops key's lease and cancels its keep-alive timer.
func (k *Keeper) Revoke(ctx context.Context, key string) fnerrors.Status {
	leaseID, ok := k.leaseID(key)
	if !ok {
		k.logger.Error("failed to revoke key, lease not found", "key", key)
		return fnerrors.New(fnerrors.CodeLeaseIDNotFound, "key: %s", key)
	}

	k.cancelTimer(key)
	if err := k.kv.Revoke(ctx, leaseID); err != nil {
		k.logger.Error("failed to revoke lease", "key", key, "error", err)
		return fnerrors.New(fnerrors.CodeMetaStorageRevokeErr, "key: %s", key)
	}
	k.mu.Lock()
	delete(k.leaseIDs, key)
	k.mu.Unlock()
	return fnerrors.OK
}
