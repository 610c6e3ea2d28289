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

package schedulequeue

import (
	"github.com/fnsched/core/internal/fnerrors"
	"github.com/fnsched/core/internal/resourceview"
	"github.com/fnsched/core/pkg/model"
)

// Strategy picks a placement for one instance request against a
// coherent resource-view snapshot. Implementations must not mutate
// the snapshot; committing a placement goes through the caller's
// BundleManager/View instead (spec.md §4.3's "policy layer").
type Strategy interface {
	// Place returns the chosen unit id, or a non-OK status (typically
	// CodeScheduleConflicted) when nothing currently fits.
	Place(view *resourceview.View, req *model.InstanceRequest) (unitID string, status fnerrors.Status)
}

// resourceFits reports whether unit has at least req's resources
// free in its allocatable map, for the scalar/counter/set kinds.
func resourceFits(allocatable model.ResourceMap, req model.ResourceMap) bool {
	for name, want := range req {
		have, ok := allocatable[name]
		if !ok {
			return false
		}
		switch want.Kind {
		case model.KindScalar:
			if have.Scalar < want.Scalar {
				return false
			}
		case model.KindCounter:
			for k, n := range want.Counter {
				if have.Counter[k] < n {
					return false
				}
			}
		case model.KindSet:
			for k := range want.Set {
				if _, present := have.Set[k]; !present {
					return false
				}
			}
		case model.KindVector:
			free := 0
			for _, e := range have.Vector {
				if e.TakenBy == "" {
					free++
				}
			}
			if free < len(want.Vector) {
				return false
			}
		}
	}
	return true
}

// primaryScalarRatio picks the dominant scalar resource named in req
// (the one with the largest requested quantity) and its current
// allocatable/capacity ratio, for bucket-index lookups. Returns
// ("", 0, false) if req has no scalar resource.
func primaryScalarRatio(unit *model.ResourceUnit, req model.ResourceMap) (string, float64, bool) {
	var name string
	var want float64
	for n, v := range req {
		if v.Kind == model.KindScalar && v.Scalar > want {
			name, want = n, v.Scalar
		}
	}
	if name == "" {
		return "", 0, false
	}
	capacity, ok := unit.Capacity[name]
	if !ok || capacity.Scalar <= 0 {
		return name, 0, true
	}
	return name, want / capacity.Scalar, true
}

// FirstFit returns the first child unit (in Snapshot's, i.e. map,
// iteration order) whose allocatable resources satisfy req, preferring
// the bucket index's fast-fit candidates when a dominant scalar
// resource can be identified.
type FirstFit struct{}

func (FirstFit) Place(view *resourceview.View, req *model.InstanceRequest) (string, fnerrors.Status) {
	snap := view.Snapshot()

	if name, minRatio, ok := primaryScalarRatio(snap, req.Resources); ok && name != "" {
		for _, id := range view.FastFitCandidates(name, minRatio) {
			unit, exists := snap.Fragment[id]
			if !exists || unit.Status != model.StatusNormal {
				continue
			}
			if resourceFits(unit.Allocatable, req.Resources) {
				return id, fnerrors.OK
			}
		}
	}

	for id, unit := range snap.Fragment {
		if unit.Status != model.StatusNormal {
			continue
		}
		if resourceFits(unit.Allocatable, req.Resources) {
			return id, fnerrors.OK
		}
	}
	return "", fnerrors.New(fnerrors.CodeScheduleConflicted, "no unit fits request %s", req.ID)
}

// BinPack returns the tightest-fitting child unit (least slack on the
// dominant scalar resource among units that fit), packing instances
// onto already-busy units before spreading onto idle ones.
type BinPack struct{}

func (BinPack) Place(view *resourceview.View, req *model.InstanceRequest) (string, fnerrors.Status) {
	snap := view.Snapshot()

	bestID := ""
	bestSlack := -1.0
	for id, unit := range snap.Fragment {
		if unit.Status != model.StatusNormal {
			continue
		}
		if !resourceFits(unit.Allocatable, req.Resources) {
			continue
		}
		name, _, _ := primaryScalarRatio(unit, req.Resources)
		slack := unit.Allocatable[name].Scalar - req.Resources[name].Scalar
		if bestID == "" || slack < bestSlack {
			bestID, bestSlack = id, slack
		}
	}
	if bestID == "" {
		return "", fnerrors.New(fnerrors.CodeScheduleConflicted, "no unit fits request %s", req.ID)
	}
	return bestID, fnerrors.OK
}

// ByPolicy resolves a spec.md ScheduleOption.Policy string tag to a
// Strategy. Unknown tags fall back to FirstFit.
func ByPolicy(policy string) Strategy {
	switch policy {
	case "bin-pack":
		return BinPack{}
	default:
		return FirstFit{}
	}
}
