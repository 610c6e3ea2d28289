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

// Package kvstore defines the key-value contract the scheduler consumes
// from its metric-store backend (spec.md §6), and a concrete
// Redis-backed implementation under redisstore.
package kvstore

import "context"

// KV is one key's value plus the revision it was last written at.
type KV struct {
	Key      string
	Value    string
	ModRevision int64
	LeaseID  int64
}

// PutOptions configures a Put call.
type PutOptions struct {
	LeaseID int64
	PrevKv  bool
}

// PutResult carries the previous value when PrevKv was requested.
type PutResult struct {
	PrevValue *KV
}

// GetOptions configures a Get call.
type GetOptions struct {
	Prefix bool
}

// GetResult is the response to Get.
type GetResult struct {
	Kvs     []KV
	Revision int64
}

// DeleteOptions configures a Delete call.
type DeleteOptions struct {
	Prefix bool
	PrevKv bool
}

// DeleteResult is the response to Delete.
type DeleteResult struct {
	Deleted   int64
	PrevKvs   []KV
}

// CompareOp is the relational operator a txn Compare uses.
type CompareOp int

const (
	CompareEqual CompareOp = iota
	CompareNotEqual
	CompareGreater
	CompareLess
)

// Compare is one txn guard: compare key's ModRevision against Value.
type Compare struct {
	Key    string
	Op     CompareOp
	ModRevision int64
}

// Op is one operation inside a txn's then/else branch.
type Op struct {
	IsDelete bool
	Put      struct {
		Key     string
		Value   string
		LeaseID int64
	}
	Delete struct {
		Key    string
		Prefix bool
	}
}

// PutOp builds a txn Put operation.
func PutOp(key, value string, leaseID int64) Op {
	op := Op{}
	op.Put.Key, op.Put.Value, op.Put.LeaseID = key, value, leaseID
	return op
}

// DeleteOp builds a txn Delete operation.
func DeleteOp(key string, prefix bool) Op {
	op := Op{IsDelete: true}
	op.Delete.Key, op.Delete.Prefix = key, prefix
	return op
}

// Txn is a compare-and-swap batch (spec.md §6's Commit).
type Txn struct {
	Compares []Compare
	Then     []Op
	Else     []Op
}

// TxnResult reports whether the compares all held.
type TxnResult struct {
	Succeeded bool
}

// WatchEvent is one key mutation delivered to a Watch callback.
type WatchEvent struct {
	Type    WatchEventType
	Kv      KV
	PrevKv  *KV
}

// WatchEventType discriminates a WatchEvent.
type WatchEventType int

const (
	WatchPut WatchEventType = iota
	WatchDelete
)

// WatchOptions configures a Watch call.
type WatchOptions struct {
	Prefix       bool
	KeepExisting bool
}

// Watcher is a live subscription; Close stops delivering events.
type Watcher interface {
	Close() error
}

// WatchCallback is invoked with a batch of events. synced is true once
// the initial catch-up snapshot has been delivered (relevant only when
// KeepExisting is set).
type WatchCallback func(events []WatchEvent, synced bool)

// LeaseGrantResult is the response to Grant.
type LeaseGrantResult struct {
	LeaseID int64
	TTL     int64
}

// LeaseKeepAliveResult is the response to KeepAliveOnce.
type LeaseKeepAliveResult struct {
	TTL int64
}

// Client is the KV store contract spec.md §6 assumes the metric-store
// backend provides.
type Client interface {
	Put(ctx context.Context, key, value string, opts PutOptions) (PutResult, error)
	Get(ctx context.Context, key string, opts GetOptions) (GetResult, error)
	Delete(ctx context.Context, key string, opts DeleteOptions) (DeleteResult, error)
	Commit(ctx context.Context, txn Txn) (TxnResult, error)
	Watch(ctx context.Context, key string, opts WatchOptions, cb WatchCallback) (Watcher, error)
	Grant(ctx context.Context, ttlSeconds int64) (LeaseGrantResult, error)
	KeepAliveOnce(ctx context.Context, leaseID int64) (LeaseKeepAliveResult, error)
	Revoke(ctx context.Context, leaseID int64) error
}
