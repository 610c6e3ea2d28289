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

package resourceview

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fnsched/core/pkg/model"
)

// bucketDeciles is the number of occupancy buckets a scalar resource's
// allocatable/capacity ratio is quantized into for the fast-fit index.
const bucketDeciles = 10

// maxTrackedBuckets bounds how many distinct (resource, decile) keys the
// view keeps indexed at once. Large, long-lived trees that churn
// occupancy deciles frequently would otherwise grow this index without
// bound; the LRU evicts the least-recently-touched bucket key and the
// strategy layer falls back to a linear scan for any unit that isn't
// currently indexed.
const maxTrackedBuckets = 4096

// bucketIndex maintains the root's fast-fit index: for each currently
// tracked (resource, decile) bucket, the set of child unit ids whose
// allocatable/capacity ratio for that resource currently falls in it.
type bucketIndex struct {
	cache *lru.Cache[model.BucketKey, map[string]struct{}]
}

func newBucketIndex() *bucketIndex {
	c, _ := lru.New[model.BucketKey, map[string]struct{}](maxTrackedBuckets)
	return &bucketIndex{cache: c}
}

func decileOf(allocatable, capacity float64) int {
	if capacity <= 0 {
		return 0
	}
	ratio := allocatable / capacity
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	d := int(ratio * bucketDeciles)
	if d > bucketDeciles {
		d = bucketDeciles
	}
	return d
}

// remove drops unitID from every bucket it was previously filed under.
func (b *bucketIndex) remove(unitID string) {
	for _, key := range b.cache.Keys() {
		if members, ok := b.cache.Peek(key); ok {
			if _, present := members[unitID]; present {
				delete(members, unitID)
			}
		}
	}
}

// reindex recomputes the bucket membership for one unit across all of
// its scalar resources, given its current capacity/allocatable.
func (b *bucketIndex) reindex(unitID string, capacity, allocatable model.ResourceMap) {
	b.remove(unitID)
	for name, cap := range capacity {
		if cap.Kind != model.KindScalar {
			continue
		}
		var allocScalar float64
		if av, ok := allocatable[name]; ok && av.Kind == model.KindScalar {
			allocScalar = av.Scalar
		}
		key := model.BucketKey{Resource: name, Decile: decileOf(allocScalar, cap.Scalar)}
		members, ok := b.cache.Get(key)
		if !ok {
			members = make(map[string]struct{})
		}
		members[unitID] = struct{}{}
		b.cache.Add(key, members)
	}
}

// candidates returns unit ids currently indexed in a `resource` bucket
// at or above minDecile, most-free bucket first.
// A nil/empty return means "index has no opinion" — callers must fall
// back to a full scan rather than treat it as "no fit".
func (b *bucketIndex) candidates(resource string, minDecile int) []string {
	var out []string
	for d := bucketDeciles; d >= minDecile; d-- {
		key := model.BucketKey{Resource: resource, Decile: d}
		if members, ok := b.cache.Peek(key); ok {
			for id := range members {
				out = append(out, id)
			}
		}
	}
	return out
}
