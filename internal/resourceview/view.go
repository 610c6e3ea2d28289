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

// Package resourceview implements the hierarchical, delta-synchronized
// resource tree described in spec.md §4.1, plus the ResourcePoller
// (§4.2) that rate-limits pulls against it.
package resourceview

import (
	"github.com/fnsched/core/internal/actor"
	"github.com/fnsched/core/internal/fnerrors"
	"github.com/fnsched/core/pkg/model"
)

// logEntry is one recorded change, tagged with the revision at which
// it became visible.
type logEntry struct {
	revision uint64
	change   model.ResourceUnitChange
}

// RecycleHooks lets the owner wire idle-recycle behavior into the view
// without the view depending on an executor/agent-disable package.
// See recycle.go for the default implementation.
type RecycleHooks interface {
	// OnInstancesChanged is invoked after every AddInstances/
	// DeleteInstances call, given the unit ids touched.
	OnInstancesChanged(v *View, unitIDs []string)
	// OnStatusTransition is invoked after UpdateUnitStatus.
	OnStatusTransition(v *View, unitID string, from, to model.UnitStatus)
}

// View is one tier's live resource snapshot (spec.md §4.1).
type View struct {
	mailbox *actor.Mailbox

	// isLocal gates whether AddResourceUnit appends an Addition change:
	// true for a local tier's own view of its agents, false for a
	// domain-side mirror of a local's reported subtree.
	isLocal bool

	owner        string
	viewInitTime string
	revision     uint64
	reported     uint64

	root    *model.ResourceUnit
	buckets *bucketIndex
	log     []logEntry

	recycle RecycleHooks
}

// New creates an empty view. owner identifies the tier ("local-A1",
// domain's mirror key, ...); viewInitTime is the incarnation token,
// re-minted on reset/restart per spec.md §3.
func New(owner, viewInitTime string, isLocal bool) *View {
	return &View{
		mailbox:      actor.NewMailbox(0),
		isLocal:      isLocal,
		owner:        owner,
		viewInitTime: viewInitTime,
		root:         model.NewResourceUnit(owner, owner),
		buckets:      newBucketIndex(),
	}
}

// SetRecycleHooks installs the idle-recycle/tenant-affinity callback
// set. Nil disables recycle behavior.
func (v *View) SetRecycleHooks(h RecycleHooks) {
	actor.Call(v.mailbox, func() struct{} {
		v.recycle = h
		return struct{}{}
	})
}

// Stop shuts down the view's actor loop.
func (v *View) Stop() { v.mailbox.Stop() }

// Revision returns the current revision number.
func (v *View) Revision() uint64 {
	return actor.Call(v.mailbox, func() uint64 { return v.revision })
}

// ViewInitTime returns the view's current incarnation token.
func (v *View) ViewInitTime() string {
	return actor.Call(v.mailbox, func() string { return v.viewInitTime })
}

// Snapshot returns a deep copy of the root unit for read-only use
// (e.g. by the ScheduleQueue's strategy layer).
func (v *View) Snapshot() *model.ResourceUnit {
	return actor.Call(v.mailbox, func() *model.ResourceUnit { return v.root.Clone() })
}

// FastFitCandidates returns child unit ids the bucket index currently
// believes have at least minRatio of `resource` free, most-free-first.
// A nil/empty result means the index has no opinion (every bucket at
// or above minDecile is empty or untracked) — callers fall back to a
// full scan over Snapshot() rather than conclude "no fit".
func (v *View) FastFitCandidates(resource string, minRatio float64) []string {
	return actor.Call(v.mailbox, func() []string {
		minDecile := int(minRatio * bucketDeciles)
		return v.buckets.candidates(resource, minDecile)
	})
}

// bumpLocked increments the revision by exactly one and returns the new
// value. Every mutating call goes through this so "revision is
// non-decreasing, strictly +1 per mutation" always holds.
func (v *View) bumpLocked() uint64 {
	v.revision++
	return v.revision
}

func (v *View) appendLocked(rev uint64, c model.ResourceUnitChange) {
	v.log = append(v.log, logEntry{revision: rev, change: c})
}

func validUnit(u *model.ResourceUnit) fnerrors.Status {
	if u == nil || u.ID == "" {
		return fnerrors.New(fnerrors.CodeParameterError, "resource unit id is empty")
	}
	if u.Capacity == nil || u.Allocatable == nil {
		return fnerrors.New(fnerrors.CodeParameterError, "capacity/allocatable must be non-nil for unit %s", u.ID)
	}
	for name, c := range u.Capacity {
		if c.Kind == model.KindScalar && c.Scalar < 0 {
			return fnerrors.New(fnerrors.CodeParameterError, "negative capacity for %s on unit %s", name, u.ID)
		}
	}
	return fnerrors.OK
}

// AddResourceUnit adds u as a new direct child of the root
// (spec.md §4.1).
func (v *View) AddResourceUnit(u *model.ResourceUnit) fnerrors.Status {
	return actor.Call(v.mailbox, func() fnerrors.Status {
		if st := validUnit(u); st.IsError() {
			return st
		}
		if _, exists := v.root.Fragment[u.ID]; exists {
			return fnerrors.New(fnerrors.CodeParameterError, "duplicate resource unit id %s", u.ID)
		}
		u.OwnerID = v.owner
		v.root.Fragment[u.ID] = u
		mergeCapacityInto(v.root, u)
		v.buckets.reindex(u.ID, u.Capacity, u.Allocatable)

		rev := v.bumpLocked()
		if v.isLocal {
			v.appendLocked(rev, model.ResourceUnitChange{
				Kind: model.ChangeAddition, UnitID: u.ID, Unit: u.Clone(),
			})
		}
		return fnerrors.OK
	})
}

// DeleteResourceUnit removes the child identified by id.
func (v *View) DeleteResourceUnit(id string) fnerrors.Status {
	return actor.Call(v.mailbox, func() fnerrors.Status {
		u, ok := v.root.Fragment[id]
		if !ok {
			return fnerrors.New(fnerrors.CodeParameterError, "resource unit %s not found", id)
		}
		subtractCapacityFrom(v.root, u)
		delete(v.root.Fragment, id)
		v.buckets.remove(id)

		rev := v.bumpLocked()
		v.appendLocked(rev, model.ResourceUnitChange{Kind: model.ChangeDeletion, UnitID: id})
		return fnerrors.OK
	})
}

// AddInstances places instances described by the given infos (keyed
// by instance id) into their respective unit's fragment, atomically
// within a single revision bump. The view subtracts resources
// unconditionally; admission checks (allocatable containment) are the
// strategy layer's responsibility, not the view's (spec.md §4.1).
func (v *View) AddInstances(infos map[string]*model.InstanceInfo) fnerrors.Status {
	return actor.Call(v.mailbox, func() fnerrors.Status {
		for id, info := range infos {
			if info.UnitID == "" {
				return fnerrors.New(fnerrors.CodeParameterError, "instance %s missing unitId", id)
			}
			if _, ok := v.root.Fragment[info.UnitID]; !ok {
				return fnerrors.New(fnerrors.CodeParameterError, "unit %s not found for instance %s", info.UnitID, id)
			}
		}

		rev := v.bumpLocked()
		touched := make([]string, 0, len(infos))
		for id, info := range infos {
			unit := v.root.Fragment[info.UnitID]
			subtractResources(unit.Allocatable, info.Resources)
			unit.Instances[id] = info
			v.root.Instances[id] = info
			v.buckets.reindex(unit.ID, unit.Capacity, unit.Allocatable)

			v.appendLocked(rev, model.ResourceUnitChange{
				Kind:   model.ChangeModification,
				UnitID: unit.ID,
				Modification: model.Modification{
					Instances: []model.InstanceChange{{Kind: model.InstanceAdded, Instance: info}},
				},
			})
			touched = append(touched, unit.ID)
		}
		if v.recycle != nil {
			v.recycle.OnInstancesChanged(v, touched)
		}
		return fnerrors.OK
	})
}

// DeleteInstances removes the named instances. virtual marks a
// compensating removal of a reservation placeholder rather than a
// real instance teardown; it does not change the view's bookkeeping,
// only informs callers' own accounting.
func (v *View) DeleteInstances(ids []string, virtual bool) fnerrors.Status {
	return actor.Call(v.mailbox, func() fnerrors.Status {
		infos := make(map[string]*model.InstanceInfo, len(ids))
		for _, id := range ids {
			info, ok := v.root.Instances[id]
			if !ok {
				return fnerrors.New(fnerrors.CodeParameterError, "instance %s not found", id)
			}
			infos[id] = info
		}

		rev := v.bumpLocked()
		touched := make([]string, 0, len(ids))
		for id, info := range infos {
			unit := v.root.Fragment[info.UnitID]
			if unit == nil {
				continue
			}
			addResources(unit.Allocatable, info.Resources)
			delete(unit.Instances, id)
			delete(v.root.Instances, id)
			v.buckets.reindex(unit.ID, unit.Capacity, unit.Allocatable)

			v.appendLocked(rev, model.ResourceUnitChange{
				Kind:   model.ChangeModification,
				UnitID: unit.ID,
				Modification: model.Modification{
					Instances: []model.InstanceChange{{Kind: model.InstanceDeleted, Instance: info}},
				},
			})
			touched = append(touched, unit.ID)
		}
		if v.recycle != nil {
			v.recycle.OnInstancesChanged(v, touched)
		}
		_ = virtual
		return fnerrors.OK
	})
}

// UpdateType selects the kind of UpdateResourceUnit mutation.
type UpdateType int

const (
	UpdateActual UpdateType = iota
)

// UpdateResourceUnit applies an UPDATE_ACTUAL mutation: replaces one
// child's actualUse and reconciles the root aggregate. Other update
// types are rejected (spec.md §4.1).
func (v *View) UpdateResourceUnit(u *model.ResourceUnit, t UpdateType) fnerrors.Status {
	return actor.Call(v.mailbox, func() fnerrors.Status {
		if t != UpdateActual {
			return fnerrors.New(fnerrors.CodeParameterError, "unsupported update type")
		}
		child, ok := v.root.Fragment[u.ID]
		if !ok {
			return fnerrors.New(fnerrors.CodeParameterError, "resource unit %s not found", u.ID)
		}
		child.ActualUse = u.ActualUse.Clone()
		reconcileActualUse(v.root)
		v.bumpLocked() // private bookkeeping: revision advances, no change logged
		return fnerrors.OK
	})
}

// UpdateUnitStatus records a status transition as a Modification
// change. Transitions are unconstrained (no DAG enforced); a
// RECOVERING -> NORMAL transition re-arms the idle-recycle timer via
// the installed RecycleHooks, if any.
func (v *View) UpdateUnitStatus(id string, status model.UnitStatus) fnerrors.Status {
	return actor.Call(v.mailbox, func() fnerrors.Status {
		unit, ok := v.root.Fragment[id]
		if !ok {
			return fnerrors.New(fnerrors.CodeParameterError, "resource unit %s not found", id)
		}
		from := unit.Status
		unit.Status = status

		rev := v.bumpLocked()
		v.appendLocked(rev, model.ResourceUnitChange{
			Kind:   model.ChangeModification,
			UnitID: id,
			Modification: model.Modification{StatusChanged: true, NewStatus: status},
		})

		if v.recycle != nil && from == model.StatusRecovering && status == model.StatusNormal {
			v.recycle.OnStatusTransition(v, id, from, status)
		}
		return fnerrors.OK
	})
}

// GetResourceViewChanges returns the merged delta over
// (lastReportedRevision, currentRevision] and advances
// lastReportedRevision to currentRevision.
func (v *View) GetResourceViewChanges() *model.ResourceUnitChanges {
	return actor.Call(v.mailbox, func() *model.ResourceUnitChanges {
		start := v.reported
		end := v.revision
		merged := v.mergeRangeLocked(start, end)
		v.reported = end
		return &model.ResourceUnitChanges{
			StartRevision:     start,
			EndRevision:       end,
			LocalID:           v.owner,
			LocalViewInitTime: v.viewInitTime,
			Changes:           merged,
		}
	})
}

func (v *View) mergeRangeLocked(start, end uint64) []model.ResourceUnitChange {
	var windowed []model.ResourceUnitChange
	for _, e := range v.log {
		if e.revision > start && e.revision <= end {
			windowed = append(windowed, e.change)
		}
	}
	return model.MergeRevisionRange(windowed)
}

// Reset re-mints the view's incarnation token, clearing revision
// history. Called on process restart or explicit view reset.
func (v *View) Reset(newViewInitTime string) {
	actor.Call(v.mailbox, func() struct{} {
		v.viewInitTime = newViewInitTime
		v.revision = 0
		v.reported = 0
		v.log = nil
		v.root = model.NewResourceUnit(v.owner, v.owner)
		v.buckets = newBucketIndex()
		return struct{}{}
	})
}

// disableUnit implements "Disable" from spec.md §4.1's idle-recycle
// algorithm: transition to TO_BE_DELETED, remove from fragment, then
// invoke the registered executor-disable callback. Called from the
// RecycleManager's timer goroutine, never from within the mailbox
// loop itself, so the two Call round-trips below cannot deadlock.
func (v *View) disableUnit(unitID string, cb DisableFunc) {
	v.UpdateUnitStatus(unitID, model.StatusToBeDeleted)
	v.DeleteResourceUnit(unitID)
	if cb != nil {
		cb(unitID)
	}
}

func mergeCapacityInto(root, child *model.ResourceUnit) {
	addResources(root.Capacity, child.Capacity)
	addResources(root.Allocatable, child.Allocatable)
	for k, vals := range child.NodeLabels {
		dst, ok := root.NodeLabels[k]
		if !ok {
			dst = make(map[string]int)
			root.NodeLabels[k] = dst
		}
		for val, n := range vals {
			dst[val] += n
		}
	}
}

func subtractCapacityFrom(root, child *model.ResourceUnit) {
	subtractResources(root.Capacity, child.Capacity)
	subtractResources(root.Allocatable, child.Allocatable)
	for k, vals := range child.NodeLabels {
		dst, ok := root.NodeLabels[k]
		if !ok {
			continue
		}
		for val, n := range vals {
			dst[val] -= n
			if dst[val] <= 0 {
				delete(dst, val)
			}
		}
		if len(dst) == 0 {
			delete(root.NodeLabels, k)
		}
	}
}

func reconcileActualUse(root *model.ResourceUnit) {
	sum := make(model.ResourceMap)
	for _, child := range root.Fragment {
		if child.ActualUse == nil {
			continue
		}
		addResources(sum, child.ActualUse)
	}
	root.ActualUse = sum
}

// addResources adds src into dst in place, restricted to the non-vector
// resources per spec.md §3's invariant; vector/set membership is
// managed explicitly by callers that know instance-level semantics.
func addResources(dst model.ResourceMap, src model.ResourceMap) {
	for name, v := range src {
		cur, ok := dst[name]
		if !ok {
			dst[name] = model.CloneResourceValue(v)
			continue
		}
		switch v.Kind {
		case model.KindScalar:
			cur.Scalar += v.Scalar
		case model.KindCounter:
			if cur.Counter == nil {
				cur.Counter = make(map[string]float64)
			}
			for k, n := range v.Counter {
				cur.Counter[k] += n
			}
		case model.KindSet:
			if cur.Set == nil {
				cur.Set = make(map[string]struct{})
			}
			for k := range v.Set {
				cur.Set[k] = struct{}{}
			}
		case model.KindVector:
			cur.Vector = append(cur.Vector, v.Vector...)
		}
		dst[name] = cur
	}
}

func subtractResources(dst model.ResourceMap, src model.ResourceMap) {
	for name, v := range src {
		cur, ok := dst[name]
		if !ok {
			continue
		}
		switch v.Kind {
		case model.KindScalar:
			cur.Scalar -= v.Scalar
		case model.KindCounter:
			for k, n := range v.Counter {
				cur.Counter[k] -= n
				if cur.Counter[k] <= 0 {
					delete(cur.Counter, k)
				}
			}
		case model.KindSet:
			for k := range v.Set {
				delete(cur.Set, k)
			}
		case model.KindVector:
			taken := make(map[string]bool, len(v.Vector))
			for _, e := range v.Vector {
				taken[e.ID] = true
			}
			kept := cur.Vector[:0]
			for _, e := range cur.Vector {
				if !taken[e.ID] {
					kept = append(kept, e)
				}
			}
			cur.Vector = kept
		}
		dst[name] = cur
	}
}
