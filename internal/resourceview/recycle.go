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
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/fnsched/core/pkg/model"
)

// idleToRecycleLabel is the per-agent label the idle-recycle algorithm
// reads off a unit's own Labels (spec.md §4.1).
const idleToRecycleLabel = "yr-idle-to-recycle"

// DisableFunc is the registered executor-disable callback invoked when
// an agent's idle (or tenant-reuse) timer fires.
type DisableFunc func(unitID string)

// RecycleManager implements the idle-recycle and tenant-affinity
// algorithm from spec.md §4.1 and exercised by scenario S6: an agent
// carrying `yr-idle-to-recycle=N` is disabled N seconds after its
// relevant instance population drops to zero, unless an add cancels
// the timer first.
type RecycleManager struct {
	logger               *slog.Logger
	enableTenantAffinity bool
	disable              DisableFunc

	mu     sync.Mutex
	timers map[string]*time.Timer
	used   map[string]map[string]struct{} // unitID -> tenantIDs ever placed there
}

// NewRecycleManager builds a manager. logger may be nil (defaults to
// slog.Default()); disable may be nil (disable becomes a no-op besides
// the view-side status/fragment changes).
func NewRecycleManager(enableTenantAffinity bool, disable DisableFunc, logger *slog.Logger) *RecycleManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecycleManager{
		logger:               logger,
		enableTenantAffinity: enableTenantAffinity,
		disable:              disable,
		timers:               make(map[string]*time.Timer),
		used:                 make(map[string]map[string]struct{}),
	}
}

// parseIdleToRecycle interprets the raw label value per spec.md §4.1:
// missing/"0" -> disabled; "unlimited" -> never (enabled=false,
// never=true); a positive integer -> that many seconds; anything else
// is logged and treated as "0".
func parseIdleToRecycle(raw string, present bool, logger *slog.Logger) (seconds int, never bool, enabled bool) {
	if !present || raw == "" || raw == "0" {
		return 0, false, false
	}
	if raw == "unlimited" {
		return 0, true, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		logger.Warn("invalid yr-idle-to-recycle label value, treating as disabled", "value", raw)
		return 0, false, false
	}
	return n, false, true
}

// OnInstancesChanged re-evaluates every touched unit's recycle state.
// Implements RecycleHooks.
func (r *RecycleManager) OnInstancesChanged(v *View, unitIDs []string) {
	for _, id := range unitIDs {
		r.evaluate(v, id)
	}
}

// OnStatusTransition re-arms the recycle evaluation when an agent comes
// back from RECOVERING to NORMAL. Implements RecycleHooks.
func (r *RecycleManager) OnStatusTransition(v *View, unitID string, from, to model.UnitStatus) {
	if from == model.StatusRecovering && to == model.StatusNormal {
		r.evaluate(v, unitID)
	}
}

func (r *RecycleManager) evaluate(v *View, unitID string) {
	unit, ok := v.root.Fragment[unitID]
	if !ok {
		// unit already gone (e.g. deleted outright); drop any pending timer.
		r.cancel(unitID)
		return
	}

	raw, present := unit.Labels[idleToRecycleLabel]
	seconds, never, enabled := parseIdleToRecycle(raw, present, r.logger)
	if never {
		r.cancel(unitID)
		return
	}

	anyInstances := len(unit.Instances) > 0
	tenantsPresent := make(map[string]struct{}, len(unit.Instances))
	for _, inst := range unit.Instances {
		tenantsPresent[inst.TenantID] = struct{}{}
		if r.enableTenantAffinity {
			r.markUsed(unitID, inst.TenantID)
		}
	}

	if r.enableTenantAffinity {
		usedTenants := r.usedTenantsLocked(unitID)
		stillActive := false
		for t := range usedTenants {
			if _, live := tenantsPresent[t]; live {
				stillActive = true
				break
			}
		}
		if stillActive {
			r.cancel(unitID)
			return
		}
		if len(usedTenants) > 0 && enabled {
			r.arm(v, unitID, seconds)
		}
		return
	}

	if anyInstances {
		r.cancel(unitID)
		return
	}
	if enabled {
		r.arm(v, unitID, seconds)
	}
}

func (r *RecycleManager) markUsed(unitID, tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.used[unitID]
	if !ok {
		set = make(map[string]struct{})
		r.used[unitID] = set
	}
	set[tenantID] = struct{}{}
}

func (r *RecycleManager) usedTenantsLocked(unitID string) map[string]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used[unitID]
}

func (r *RecycleManager) arm(v *View, unitID string, seconds int) {
	r.mu.Lock()
	if _, exists := r.timers[unitID]; exists {
		r.mu.Unlock()
		return
	}
	t := time.AfterFunc(time.Duration(seconds)*time.Second, func() {
		r.mu.Lock()
		delete(r.timers, unitID)
		r.mu.Unlock()
		v.disableUnit(unitID, r.disable)
	})
	r.timers[unitID] = t
	r.mu.Unlock()
}

func (r *RecycleManager) cancel(unitID string) {
	r.mu.Lock()
	t, ok := r.timers[unitID]
	delete(r.timers, unitID)
	r.mu.Unlock()
	if ok {
		t.Stop()
	}
}
