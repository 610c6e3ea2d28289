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

// Package transport carries the one genuine network boundary in this
// scheduler: domain tier <-> local tier. Every other message pair
// spec.md §6 names (Reserve/OnReserve, Bind/OnBind, ...) is exchanged
// between actors living in the same process and stays an in-process
// internal/actor call; only Register/Registered, Schedule/
// ResponseSchedule, TryCancelSchedule/TryCancelResponse, and the
// Heartbeat ping/pong stream cross a process boundary and need a wire
// format here.
package transport

import "github.com/fnsched/core/pkg/model"

// RegisterRequest is sent by a local (or a child domain) to its
// upstream on startup (spec.md §4.5 "Registration").
type RegisterRequest struct {
	Name            string
	Address         string
	ResourceUnitMap map[string]*model.ResourceUnit
}

// RegisteredResponse is the upstream's reply. A Topology naming a
// different leader address triggers a follow-up Register to that
// leader.
type RegisteredResponse struct {
	Code     string
	Message  string
	Topology Topology
}

// Topology carries the current leader address as known by the node
// that answered a Register call.
type Topology struct {
	LeaderAddress string
	Members       []string
}

// ScheduleRequest/ScheduleResponse carry a schedule ask across the
// wire; ScheduleResponse reuses model.ScheduleResponse's shape.
type ScheduleRequest = model.ScheduleRequest
type ScheduleResponse = model.ScheduleResponse

// TryCancelScheduleRequest asks the receiving tier to forward a
// cancellation to the instance- or group-controller owning id.
type TryCancelScheduleRequest struct {
	ID     string
	Type   string
	Reason string
	MsgID  string
}

// TryCancelScheduleResponse unconditionally echoes MsgID.
type TryCancelScheduleResponse struct {
	MsgID string
}

// HeartbeatPing is sent upstream by the node driving the ping/pong
// loop; HeartbeatPong is the reply. A missed pong within
// receivedPingTimeout triggers PingPongLost on the sender (spec.md
// §4.5 "Heartbeat").
type HeartbeatPing struct {
	From     string
	Sequence uint64
}

type HeartbeatPong struct {
	From     string
	Sequence uint64
}
