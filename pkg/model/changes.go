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

// ChangeKind tags which variant a ResourceUnitChange carries.
type ChangeKind int

const (
	ChangeAddition ChangeKind = iota
	ChangeDeletion
	ChangeModification
)

// InstanceChangeKind tags an instance-level change inside a Modification.
type InstanceChangeKind int

const (
	InstanceAdded InstanceChangeKind = iota
	InstanceDeleted
)

// InstanceChange is one instance add/delete recorded inside a
// Modification change.
type InstanceChange struct {
	Kind     InstanceChangeKind
	Instance *InstanceInfo
}

// Modification carries an optional status change plus zero or more
// instance changes for one resource unit.
type Modification struct {
	StatusChanged bool
	NewStatus     UnitStatus
	Instances     []InstanceChange
}

// IsEmpty reports whether this modification carries no information at
// all, meaning it should be dropped from a merged range (spec.md §4.1).
func (m Modification) IsEmpty() bool {
	return !m.StatusChanged && len(m.Instances) == 0
}

// ResourceUnitChange is one of Addition/Deletion/Modification for a
// single resourceUnitId (spec.md §3).
type ResourceUnitChange struct {
	Kind         ChangeKind
	UnitID       string
	Unit         *ResourceUnit // set for ChangeAddition
	Modification Modification  // set for ChangeModification
}

// ResourceUnitChanges is a revision-range delta export (spec.md §3).
type ResourceUnitChanges struct {
	StartRevision    uint64
	EndRevision      uint64
	LocalID          string
	LocalViewInitTime string
	Changes          []ResourceUnitChange
}

// IsEmpty reports a zero-byte payload: no changes and a no-op range.
func (c *ResourceUnitChanges) IsEmpty() bool {
	return len(c.Changes) == 0 && c.StartRevision == c.EndRevision
}

// mergeModifications implements the Modify+Modify -> Modify(merged) rule:
// status change from the later entry wins if present, instance changes
// concatenate and then Add/Delete pairs for the same instance id cancel.
func mergeModifications(a, b Modification) Modification {
	out := Modification{StatusChanged: a.StatusChanged, NewStatus: a.NewStatus}
	if b.StatusChanged {
		out.StatusChanged = true
		out.NewStatus = b.NewStatus
	}

	byInstance := make(map[string][]InstanceChange)
	order := make([]string, 0)
	record := func(ic InstanceChange) {
		id := ic.Instance.ID
		if _, ok := byInstance[id]; !ok {
			order = append(order, id)
		}
		byInstance[id] = append(byInstance[id], ic)
	}
	for _, ic := range a.Instances {
		record(ic)
	}
	for _, ic := range b.Instances {
		record(ic)
	}

	for _, id := range order {
		chs := byInstance[id]
		// Add_k followed by Delete_k cancels; any other combination
		// collapses to the last recorded change for that instance.
		if len(chs) >= 2 {
			first, last := chs[0], chs[len(chs)-1]
			if first.Kind == InstanceAdded && last.Kind == InstanceDeleted {
				continue
			}
		}
		out.Instances = append(out.Instances, chs[len(chs)-1])
	}
	return out
}

// MergeChange folds `next` onto the accumulated `acc` for the same
// unit id, applying spec.md §3's merge algebra:
//
//	Add + Modify  -> Add(updated)
//	Add + Delete  -> (nothing: ok=false)
//	Modify + Delete -> Delete
//	Modify + Modify -> Modify(merged)
//	Delete + Add  -> Add (a unit removed then re-added within the range)
//
// ok is false when the fold annihilates the entry entirely (Add+Delete).
func MergeChange(acc, next ResourceUnitChange) (ResourceUnitChange, bool) {
	switch {
	case acc.Kind == ChangeAddition && next.Kind == ChangeModification:
		updated := acc.Unit.Clone()
		applyModificationToUnit(updated, next.Modification)
		return ResourceUnitChange{Kind: ChangeAddition, UnitID: acc.UnitID, Unit: updated}, true

	case acc.Kind == ChangeAddition && next.Kind == ChangeDeletion:
		return ResourceUnitChange{}, false

	case acc.Kind == ChangeModification && next.Kind == ChangeDeletion:
		return ResourceUnitChange{Kind: ChangeDeletion, UnitID: acc.UnitID}, true

	case acc.Kind == ChangeModification && next.Kind == ChangeModification:
		merged := mergeModifications(acc.Modification, next.Modification)
		if merged.IsEmpty() {
			return ResourceUnitChange{}, false
		}
		return ResourceUnitChange{Kind: ChangeModification, UnitID: acc.UnitID, Modification: merged}, true

	case acc.Kind == ChangeDeletion && next.Kind == ChangeAddition:
		return next, true

	case acc.Kind == ChangeDeletion && next.Kind == ChangeModification:
		// A modification to a unit already folded as deleted in this
		// range is moot; the deletion wins.
		return acc, true

	default:
		// Addition+Addition, Deletion+Deletion, Modification+Addition:
		// not reachable under well-formed input; keep the later entry.
		return next, true
	}
}

func applyModificationToUnit(u *ResourceUnit, m Modification) {
	if m.StatusChanged {
		u.Status = m.NewStatus
	}
	for _, ic := range m.Instances {
		switch ic.Kind {
		case InstanceAdded:
			u.Instances[ic.Instance.ID] = ic.Instance
		case InstanceDeleted:
			delete(u.Instances, ic.Instance.ID)
		}
	}
}

// MergeRevisionRange folds a sequence of changes (ordered by arrival,
// not necessarily grouped) into the merged-per-unit output ordered by
// first appearance of each resourceUnitId, per spec.md's "Key
// algorithm — revision-range merge".
func MergeRevisionRange(changes []ResourceUnitChange) []ResourceUnitChange {
	order := make([]string, 0)
	acc := make(map[string]ResourceUnitChange)
	present := make(map[string]bool)

	for _, c := range changes {
		if cur, ok := acc[c.UnitID]; ok {
			merged, ok := MergeChange(cur, c)
			if !ok {
				delete(acc, c.UnitID)
				present[c.UnitID] = false
				continue
			}
			acc[c.UnitID] = merged
			present[c.UnitID] = true
			continue
		}
		acc[c.UnitID] = c
		present[c.UnitID] = true
		order = append(order, c.UnitID)
	}

	out := make([]ResourceUnitChange, 0, len(order))
	for _, id := range order {
		if !present[id] {
			continue
		}
		out = append(out, acc[id])
	}
	return out
}
