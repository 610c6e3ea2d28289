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

package model

// PlacementTarget discriminates what a schedule request is placing.
type PlacementTarget string

const (
	TargetInstance PlacementTarget = "INSTANCE"
	TargetBundle   PlacementTarget = "BUNDLE"
)

// ScheduleOption carries the policy tag and, for bundle placements,
// the owning resource group.
type ScheduleOption struct {
	Policy           string // "first-fit" | "bin-pack"
	RGroup           string
	ParentRGroup     string
	Target           PlacementTarget
}

// InstanceRequest is the placement ask embedded in a ScheduleRequest.
type InstanceRequest struct {
	ID             string
	Resources      ResourceMap
	Labels         map[string]string
	TenantID       string
	ScheduleOption ScheduleOption
}

// ScheduleRequest is one schedule ask (spec.md §3).
type ScheduleRequest struct {
	RequestID string
	TraceID   string
	Instance  InstanceRequest
	Contexts  map[string]string
}

// ScheduleResponse is the reply to a ScheduleRequest (spec.md §3).
type ScheduleResponse struct {
	RequestID       string
	UnitID          string
	Code            string
	Message         string
	UpdateResources *ResourceUnitChanges
	Contexts        map[string]string
}

// GroupPolicy selects how a group item's children are placed.
type GroupPolicy string

const (
	GroupPolicyAllOrNothing GroupPolicy = "ALL_OR_NOTHING"
	GroupPolicyBestEffort   GroupPolicy = "BEST_EFFORT"
)

// RangeOption bounds how many of a group's instance items must succeed.
type RangeOption struct {
	Min int
	Max int
}

// QueueItem is one unit of work in the ScheduleQueue: either a single
// instance item, or a group item wrapping several (spec.md §3).
type QueueItem struct {
	RequestID string
	CancelTag *CancelTag

	// Instance item fields.
	Instance *InstanceRequest

	// Group item fields (Instance is nil when these are set).
	InstanceItems []*QueueItem
	RangeOption   RangeOption
	GroupPolicy   GroupPolicy
	GroupReqID    string
	Timeout       int64 // milliseconds
}

// IsGroup reports whether this item is a group item.
func (q *QueueItem) IsGroup() bool {
	return q.Instance == nil && len(q.InstanceItems) > 0
}

// CancelTag is a one-shot signal observed by queue loops and
// reservation timers: a cooperative, race-safe "cancel requested" flag
// plus the promise it resolves when fired after the fact.
type CancelTag struct {
	fired chan struct{}
}

// NewCancelTag returns an unfired tag.
func NewCancelTag() *CancelTag {
	return &CancelTag{fired: make(chan struct{})}
}

// Fire marks the tag as cancelled. Safe to call multiple times or
// concurrently; only the first call has effect.
func (c *CancelTag) Fire() {
	select {
	case <-c.fired:
	default:
		close(c.fired)
	}
}

// Fired reports whether Fire has been called.
func (c *CancelTag) Fired() bool {
	select {
	case <-c.fired:
		return true
	default:
		return false
	}
}

// Done returns the underlying channel for use in a select statement.
func (c *CancelTag) Done() <-chan struct{} {
	return c.fired
}
