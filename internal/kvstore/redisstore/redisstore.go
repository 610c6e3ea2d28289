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

// Package redisstore backs the kvstore.Client contract with Redis:
// plain SET/GET/DEL for data, SET+PX/PEXPIRE for lease-scoped keys,
// keyspace notifications for Watch, and a non-atomic compare-then-
// write sequence of ordinary commands for Commit.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fnsched/core/internal/kvstore"
	redisutil "github.com/fnsched/core/utils/redis"
)

// Store implements kvstore.Client over a single Redis database.
type Store struct {
	client *goredis.Client
	seqKey string
}

// New wraps an already-connected Redis client.
func New(rc *redisutil.RedisClient) *Store {
	return &Store{client: rc.Client(), seqKey: "fnsched:lease_seq"}
}

func leaseMetaKey(id int64) string { return fmt.Sprintf("fnsched:lease:%d", id) }
func leaseKeysKey(id int64) string { return fmt.Sprintf("fnsched:lease:%d:keys", id) }

func (s *Store) bumpRevision(ctx context.Context, key string) {
	s.client.HIncrBy(ctx, "fnsched:revisions", key, 1)
}

func (s *Store) revisionOf(ctx context.Context, key string) int64 {
	v, err := s.client.HGet(ctx, "fnsched:revisions", key).Result()
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

// Put implements kvstore.Client.
func (s *Store) Put(ctx context.Context, key, value string, opts kvstore.PutOptions) (kvstore.PutResult, error) {
	var result kvstore.PutResult
	if opts.PrevKv {
		if prev, err := s.client.Get(ctx, key).Result(); err == nil {
			result.PrevValue = &kvstore.KV{Key: key, Value: prev, ModRevision: s.revisionOf(ctx, key)}
		} else if !errors.Is(err, goredis.Nil) {
			return result, err
		}
	}

	if opts.LeaseID > 0 {
		ttlRaw, err := s.client.HGet(ctx, leaseMetaKey(opts.LeaseID), "ttl").Result()
		if err != nil {
			return result, fmt.Errorf("lease %d not found: %w", opts.LeaseID, err)
		}
		ttlSeconds, _ := strconv.ParseInt(ttlRaw, 10, 64)
		if err := s.client.Set(ctx, key, value, time.Duration(ttlSeconds)*time.Second).Err(); err != nil {
			return result, err
		}
		s.client.SAdd(ctx, leaseKeysKey(opts.LeaseID), key)
	} else {
		if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
			return result, err
		}
	}
	s.bumpRevision(ctx, key)
	return result, nil
}

// Get implements kvstore.Client.
func (s *Store) Get(ctx context.Context, key string, opts kvstore.GetOptions) (kvstore.GetResult, error) {
	if !opts.Prefix {
		v, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, goredis.Nil) {
			return kvstore.GetResult{}, nil
		}
		if err != nil {
			return kvstore.GetResult{}, err
		}
		return kvstore.GetResult{Kvs: []kvstore.KV{{Key: key, Value: v, ModRevision: s.revisionOf(ctx, key)}}}, nil
	}

	var result kvstore.GetResult
	iter := s.client.Scan(ctx, 0, key+"*", 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		v, err := s.client.Get(ctx, k).Result()
		if err != nil {
			continue
		}
		result.Kvs = append(result.Kvs, kvstore.KV{Key: k, Value: v, ModRevision: s.revisionOf(ctx, k)})
	}
	return result, iter.Err()
}

// Delete implements kvstore.Client.
func (s *Store) Delete(ctx context.Context, key string, opts kvstore.DeleteOptions) (kvstore.DeleteResult, error) {
	var keys []string
	if opts.Prefix {
		iter := s.client.Scan(ctx, 0, key+"*", 0).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return kvstore.DeleteResult{}, err
		}
	} else {
		keys = []string{key}
	}
	if len(keys) == 0 {
		return kvstore.DeleteResult{}, nil
	}

	var result kvstore.DeleteResult
	if opts.PrevKv {
		for _, k := range keys {
			if v, err := s.client.Get(ctx, k).Result(); err == nil {
				result.PrevKvs = append(result.PrevKvs, kvstore.KV{Key: k, Value: v})
			}
		}
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return result, err
	}
	result.Deleted = n
	return result, nil
}

// Commit implements kvstore.Client's compare-and-branch transaction.
// Compares and the chosen branch's ops run as separate Redis round
// trips, not inside a single EVAL: each op already goes through Put/
// Delete's own lease and revision bookkeeping, which would have to be
// reimplemented in Lua to gain true atomicity. A concurrent writer can
// change a compared key between the compare and the writes.
func (s *Store) Commit(ctx context.Context, txn kvstore.Txn) (kvstore.TxnResult, error) {
	ok := true
	for _, c := range txn.Compares {
		got := s.revisionOf(ctx, c.Key)
		switch c.Op {
		case kvstore.CompareEqual:
			ok = got == c.ModRevision
		case kvstore.CompareNotEqual:
			ok = got != c.ModRevision
		case kvstore.CompareGreater:
			ok = got > c.ModRevision
		case kvstore.CompareLess:
			ok = got < c.ModRevision
		}
		if !ok {
			break
		}
	}

	ops := txn.Then
	if !ok {
		ops = txn.Else
	}
	for _, op := range ops {
		if op.IsDelete {
			if _, err := s.Delete(ctx, op.Delete.Key, kvstore.DeleteOptions{Prefix: op.Delete.Prefix}); err != nil {
				return kvstore.TxnResult{Succeeded: ok}, err
			}
			continue
		}
		if _, err := s.Put(ctx, op.Put.Key, op.Put.Value, kvstore.PutOptions{LeaseID: op.Put.LeaseID}); err != nil {
			return kvstore.TxnResult{Succeeded: ok}, err
		}
	}
	return kvstore.TxnResult{Succeeded: ok}, nil
}

// redisWatcher wraps a pubsub subscription.
type redisWatcher struct {
	sub *goredis.PubSub
}

func (w *redisWatcher) Close() error { return w.sub.Close() }

// Watch subscribes to keyspace notifications for the given key or
// prefix. Requires the Redis server configured with
// `notify-keyspace-events KEA` (or at least `Kg$`).
func (s *Store) Watch(ctx context.Context, key string, opts kvstore.WatchOptions, cb kvstore.WatchCallback) (kvstore.Watcher, error) {
	db := s.client.Options().DB
	pattern := fmt.Sprintf("__keyspace@%d__:*", db)
	sub := s.client.PSubscribe(ctx, pattern)

	if opts.KeepExisting {
		existing, err := s.Get(ctx, key, kvstore.GetOptions{Prefix: opts.Prefix})
		if err != nil {
			sub.Close()
			return nil, err
		}
		events := make([]kvstore.WatchEvent, 0, len(existing.Kvs))
		for _, kv := range existing.Kvs {
			events = append(events, kvstore.WatchEvent{Type: kvstore.WatchPut, Kv: kv})
		}
		cb(events, true)
	} else {
		cb(nil, true)
	}

	go func() {
		ch := sub.Channel()
		for msg := range ch {
			k := strings.TrimPrefix(msg.Channel, fmt.Sprintf("__keyspace@%d__:", db))
			matched := k == key
			if opts.Prefix {
				matched = strings.HasPrefix(k, key)
			}
			if !matched {
				continue
			}
			eventType := kvstore.WatchPut
			if msg.Payload == "del" || msg.Payload == "expired" {
				eventType = kvstore.WatchDelete
			}
			var kv kvstore.KV
			if eventType == kvstore.WatchPut {
				if v, err := s.client.Get(ctx, k).Result(); err == nil {
					kv = kvstore.KV{Key: k, Value: v, ModRevision: s.revisionOf(ctx, k)}
				}
			} else {
				kv = kvstore.KV{Key: k}
			}
			cb([]kvstore.WatchEvent{{Type: eventType, Kv: kv}}, true)
		}
	}()

	return &redisWatcher{sub: sub}, nil
}

// Grant implements kvstore.Client: allocates a monotonic lease id and
// records its TTL for later Put/KeepAliveOnce calls.
func (s *Store) Grant(ctx context.Context, ttlSeconds int64) (kvstore.LeaseGrantResult, error) {
	id, err := s.client.Incr(ctx, s.seqKey).Result()
	if err != nil {
		return kvstore.LeaseGrantResult{}, err
	}
	if err := s.client.HSet(ctx, leaseMetaKey(id), "ttl", ttlSeconds).Err(); err != nil {
		return kvstore.LeaseGrantResult{}, err
	}
	return kvstore.LeaseGrantResult{LeaseID: id, TTL: ttlSeconds}, nil
}

// KeepAliveOnce refreshes the TTL of every key currently associated
// with leaseID, implementing the "real" keep-alive: Redis's own
// per-key expiry is the mechanism that actually drops abandoned data.
func (s *Store) KeepAliveOnce(ctx context.Context, leaseID int64) (kvstore.LeaseKeepAliveResult, error) {
	ttlRaw, err := s.client.HGet(ctx, leaseMetaKey(leaseID), "ttl").Result()
	if err != nil {
		return kvstore.LeaseKeepAliveResult{}, fmt.Errorf("lease %d not found: %w", leaseID, err)
	}
	ttlSeconds, _ := strconv.ParseInt(ttlRaw, 10, 64)

	keys, err := s.client.SMembers(ctx, leaseKeysKey(leaseID)).Result()
	if err != nil {
		return kvstore.LeaseKeepAliveResult{}, err
	}
	for _, k := range keys {
		s.client.PExpire(ctx, k, time.Duration(ttlSeconds)*time.Second)
	}
	return kvstore.LeaseKeepAliveResult{TTL: ttlSeconds}, nil
}

// Revoke deletes every key owned by leaseID plus the lease's own
// metadata.
func (s *Store) Revoke(ctx context.Context, leaseID int64) error {
	keys, err := s.client.SMembers(ctx, leaseKeysKey(leaseID)).Result()
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return err
		}
	}
	return s.client.Del(ctx, leaseKeysKey(leaseID), leaseMetaKey(leaseID)).Err()
}
