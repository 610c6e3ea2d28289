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

package domainservice

import (
	"context"
	"strconv"
	"time"

	"github.com/fnsched/core/internal/kvstore"
	"github.com/fnsched/core/pkg/model"
)

// RunPutReadyRes periodically recounts ready agents across this
// domain's own ResourceView and publishes the count to ready_agent_count
// (spec.md §6). Only the current leader publishes; a non-leader tick is
// skipped rather than erroring, since leadership can flip between
// ticks. Returns only when ctx is cancelled.
func (s *Service) RunPutReadyRes(ctx context.Context) {
	if s.view == nil || s.kv == nil {
		return
	}
	ticker := time.NewTicker(s.cfg.PutReadyResCycle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.isLeader() {
				s.putReadyRes(ctx)
			}
		}
	}
}

// putReadyRes recomputes the ready-agent set and, only when the number
// of ready agents changed since the last publication, writes the new
// count and logs which
// agents were gained/lost (mirrors DoPutReadyRes's change-gated Put).
func (s *Service) putReadyRes(ctx context.Context) {
	curReady := make(map[string]struct{})
	countReadyAgents(s.view.Snapshot(), curReady)
	count := len(curReady)

	s.readyMu.Lock()
	prevCount := s.prevReadyCount
	prevReady := s.prevReadyAgent
	if count == prevCount {
		s.readyMu.Unlock()
		return
	}
	s.prevReadyCount = count
	s.prevReadyAgent = curReady
	s.readyMu.Unlock()

	s.logger.Info("ready agent count changed", "name", s.cfg.Name, "from", prevCount, "to", count)
	for agent := range prevReady {
		if _, ok := curReady[agent]; !ok {
			s.logger.Info("ready agent lost", "name", s.cfg.Name, "agent", agent)
		}
	}
	for agent := range curReady {
		if _, ok := prevReady[agent]; !ok {
			s.logger.Info("ready agent gained", "name", s.cfg.Name, "agent", agent)
		}
	}

	if _, err := s.kv.Put(ctx, readyAgentCountKey, strconv.Itoa(count), kvstore.PutOptions{}); err != nil {
		s.logger.Warn("failed to publish ready agent count", "name", s.cfg.Name, "error", err)
	}
}

// countReadyAgents walks unit's fragment recursively, adding every leaf
// unit (one with no sub-fragment of its own, i.e. an agent rather than
// an intermediate resource group) whose status is still StatusNormal
// into ready. Units mid-removal or still recovering never count.
func countReadyAgents(unit *model.ResourceUnit, ready map[string]struct{}) {
	if unit == nil {
		return
	}
	for id, child := range unit.Fragment {
		if child == nil {
			continue
		}
		if len(child.Fragment) == 0 {
			if child.Status == model.StatusNormal {
				ready[id] = struct{}{}
			}
			continue
		}
		countReadyAgents(child, ready)
	}
}
