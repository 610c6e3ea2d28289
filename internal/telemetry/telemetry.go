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

// Package telemetry names and records the scheduler-specific metrics
// on top of utils/metrics-go's MetricCreator: schedule latency, queue
// depth, reservation timeouts, lease retries, and resource-pull
// behavior. It owns no OTel wiring of its own — InitMetricCreator is
// called once at process startup by cmd/.
package telemetry

import (
	"context"
	"sync"
	"time"

	metrics "github.com/fnsched/core/utils/metrics-go"
)

const (
	scheduleLatencyMetric      = "fnsched_schedule_latency_ms"
	queueDepthMetric           = "fnsched_queue_depth"
	reservationTimeoutMetric   = "fnsched_reservation_timeouts_total"
	leaseRetryMetric           = "fnsched_lease_retries_total"
	pullTimeoutMetric          = "fnsched_pull_timeouts_total"
	resourceviewPullBytesMetric = "fnsched_resourceview_pull_bytes"
)

// RecordScheduleLatency records how long a Schedule/SubmitGroup call
// took to resolve, tagged by outcome code.
func RecordScheduleLatency(ctx context.Context, d time.Duration, code string) {
	mc := metrics.GetMetricCreator()
	if mc == nil {
		return
	}
	_ = mc.RecordHistogram(ctx, scheduleLatencyMetric, float64(d.Milliseconds()), "ms",
		"latency of a schedule request from submission to resolution", map[string]string{"code": code})
}

// lastQueueDepth holds the depth last published per rGroup, so the
// up-down counter is fed only the change and its sum is the current depth.
var lastQueueDepth sync.Map // rGroup -> int64

// RecordQueueDepth publishes the current running+pending count of a
// ScheduleQueue, tagged by the owning resource group.
func RecordQueueDepth(ctx context.Context, rGroup string, running, pending int) {
	mc := metrics.GetMetricCreator()
	if mc == nil {
		return
	}
	depth := int64(running + pending)
	prev, _ := lastQueueDepth.Swap(rGroup, depth)
	last, _ := prev.(int64)
	_ = mc.RecordUpDownCounter(ctx, queueDepthMetric, depth-last, "items",
		"items currently tracked by a schedule queue", map[string]string{"rGroup": rGroup, "state": "total"})
}

// RecordReservationTimeout counts a Reserve that expired before a
// matching Bind arrived (spec.md §8 scenario S3).
func RecordReservationTimeout(ctx context.Context, rGroup string) {
	mc := metrics.GetMetricCreator()
	if mc == nil {
		return
	}
	_ = mc.RecordCounter(ctx, reservationTimeoutMetric, 1, "1",
		"reservations released after reserveToBindTimeoutMs with no Bind", map[string]string{"rGroup": rGroup})
}

// RecordLeaseRetry counts a LeaseKeeper RetryPutWithLease invocation.
func RecordLeaseRetry(ctx context.Context, key string) {
	mc := metrics.GetMetricCreator()
	if mc == nil {
		return
	}
	_ = mc.RecordCounter(ctx, leaseRetryMetric, 1, "1",
		"lease put/keepalive retries", map[string]string{"key": key})
}

// RecordPullTimeout counts a ResourcePoller pull that exceeded its
// deadline.
func RecordPullTimeout(ctx context.Context, unitID string) {
	mc := metrics.GetMetricCreator()
	if mc == nil {
		return
	}
	_ = mc.RecordCounter(ctx, pullTimeoutMetric, 1, "1",
		"resource pulls that exceeded their deadline", map[string]string{"unitId": unitID})
}

// RecordResourceViewPullBytes records the size of a reporter delta
// payload pulled from a child ResourceView, distinguishing an
// incremental merge from a full-snapshot response (spec.md §8
// boundary behaviors).
func RecordResourceViewPullBytes(ctx context.Context, unitID string, bytes int, fullSnapshot bool) {
	mc := metrics.GetMetricCreator()
	if mc == nil {
		return
	}
	kind := "incremental"
	if fullSnapshot {
		kind = "snapshot"
	}
	_ = mc.RecordHistogram(ctx, resourceviewPullBytesMetric, float64(bytes), "By",
		"size of a resource view pull response", map[string]string{"unitId": unitID, "kind": kind})
}
