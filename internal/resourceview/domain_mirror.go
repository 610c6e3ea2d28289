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
	"context"
	"encoding/json"

	"github.com/fnsched/core/internal/actor"
	"github.com/fnsched/core/internal/fnerrors"
	"github.com/fnsched/core/internal/telemetry"
	"github.com/fnsched/core/pkg/model"
)

// localRecord is the domain's per-reporter bookkeeping: the
// incarnation token and revision cursor it last accepted from one
// local, plus the set of unit ids currently attributed to it (so a
// viewInitTime change can be rolled back cleanly).
type localRecord struct {
	viewInitTime     string
	revisionInDomain uint64
	pendingCache     *model.ResourceUnitChanges
	needRecoverView  bool
	unitIDs          map[string]struct{}
}

// DomainMirror is the domain-side half of ResourceView: it answers
// PullResource calls from locals wanting the domain's aggregated
// delta, and ReportResource calls carrying a local's own delta
// (spec.md §4.1).
type DomainMirror struct {
	mailbox *actor.Mailbox
	view    *View
	poller  *ResourcePoller
	locals  map[string]*localRecord
}

// NewDomainMirror wraps view (which must have been constructed with
// isLocal=false) with the domain-side pull/report protocol.
func NewDomainMirror(view *View, poller *ResourcePoller) *DomainMirror {
	return &DomainMirror{
		mailbox: actor.NewMailbox(0),
		view:    view,
		poller:  poller,
		locals:  make(map[string]*localRecord),
	}
}

// Stop tears down the mirror's own actor loop (not the underlying
// View's, which the caller owns).
func (d *DomainMirror) Stop() { d.mailbox.Stop() }

func (d *DomainMirror) recordFor(from string) *localRecord {
	rec, ok := d.locals[from]
	if !ok {
		rec = &localRecord{unitIDs: make(map[string]struct{})}
		d.locals[from] = rec
	}
	return rec
}

// PullResource answers a local's request for the domain's view of
// its own subtree since `version`. A viewInitTime mismatch (including
// first contact) triggers a full resend; otherwise the merged delta
// strictly after version is returned. See spec.md §4.1.
func (d *DomainMirror) PullResource(from string, version uint64, localViewInitTime string) *model.ResourceUnitChanges {
	fullSnapshot := false
	result := actor.Call(d.mailbox, func() *model.ResourceUnitChanges {
		rec := d.recordFor(from)

		if rec.viewInitTime != localViewInitTime {
			rec.viewInitTime = localViewInitTime
			rec.revisionInDomain = d.view.Revision()
			rec.needRecoverView = false
			fullSnapshot = true
			return &model.ResourceUnitChanges{
				StartRevision:     0,
				EndRevision:       rec.revisionInDomain,
				LocalID:           from,
				LocalViewInitTime: d.view.ViewInitTime(),
				Changes:           d.view.fullSnapshotOwnedBy(from),
			}
		}

		current := d.view.Revision()
		changes := d.view.mergeRangeOwnedBy(from, version, current)
		return &model.ResourceUnitChanges{
			StartRevision:     version,
			EndRevision:       current,
			LocalID:           from,
			LocalViewInitTime: d.view.ViewInitTime(),
			Changes:           changes,
		}
	})
	if payload, err := json.Marshal(result.Changes); err == nil {
		telemetry.RecordResourceViewPullBytes(context.Background(), from, len(payload), fullSnapshot)
	}
	return result
}

// ReportResource applies a local's reported delta. See spec.md §4.1
// steps (a)-(f).
func (d *DomainMirror) ReportResource(from string, payload *model.ResourceUnitChanges) fnerrors.Status {
	return actor.Call(d.mailbox, func() fnerrors.Status {
		rec, known := d.locals[from]
		if !known {
			return fnerrors.New(fnerrors.CodeParameterError, "unknown reporter %s", from)
		}

		restarting := payload.LocalViewInitTime != rec.viewInitTime
		if !restarting && payload.StartRevision != rec.revisionInDomain {
			if rec.pendingCache != nil && payload.StartRevision == rec.pendingCache.StartRevision {
				// Re-delivery of the same batch already cached; accept idempotently.
				return fnerrors.OK
			} else {
				return fnerrors.New(fnerrors.CodeParameterError,
					"startRevision %d does not match expected %d for reporter %s",
					payload.StartRevision, rec.revisionInDomain, from)
			}
		}

		if restarting {
			for id := range rec.unitIDs {
				d.view.DeleteResourceUnit(id)
			}
			rec.unitIDs = make(map[string]struct{})
			rec.viewInitTime = payload.LocalViewInitTime
			rec.revisionInDomain = 0
		}

		for _, change := range payload.Changes {
			if st := d.applyReportedChange(rec, change); st.IsError() {
				rec.needRecoverView = true
				return st
			}
		}

		rec.revisionInDomain = payload.EndRevision
		rec.pendingCache = payload
		rec.needRecoverView = false

		if d.poller != nil {
			d.poller.Reset(from)
		}
		return fnerrors.OK
	})
}

func (d *DomainMirror) applyReportedChange(rec *localRecord, c model.ResourceUnitChange) fnerrors.Status {
	switch c.Kind {
	case model.ChangeAddition:
		st := d.view.AddResourceUnit(c.Unit)
		if st.IsError() {
			return st
		}
		rec.unitIDs[c.UnitID] = struct{}{}
		return fnerrors.OK
	case model.ChangeDeletion:
		st := d.view.DeleteResourceUnit(c.UnitID)
		delete(rec.unitIDs, c.UnitID)
		return st
	case model.ChangeModification:
		if c.Modification.StatusChanged {
			if st := d.view.UpdateUnitStatus(c.UnitID, c.Modification.NewStatus); st.IsError() {
				return st
			}
		}
		if len(c.Modification.Instances) > 0 {
			toAdd := make(map[string]*model.InstanceInfo)
			var toDelete []string
			for _, ic := range c.Modification.Instances {
				switch ic.Kind {
				case model.InstanceAdded:
					toAdd[ic.Instance.ID] = ic.Instance
				case model.InstanceDeleted:
					toDelete = append(toDelete, ic.Instance.ID)
				}
			}
			if len(toAdd) > 0 {
				if st := d.view.AddInstances(toAdd); st.IsError() {
					return st
				}
			}
			if len(toDelete) > 0 {
				if st := d.view.DeleteInstances(toDelete, false); st.IsError() {
					return st
				}
			}
		}
		return fnerrors.OK
	default:
		return fnerrors.New(fnerrors.CodeParameterError, "unknown change kind for unit %s", c.UnitID)
	}
}

// NeedsRecovery reports whether the last ReportResource from `from`
// failed to apply, meaning the next pull should request a full
// snapshot (spec.md §4.1 "Failure semantics").
func (d *DomainMirror) NeedsRecovery(from string) bool {
	return actor.Call(d.mailbox, func() bool {
		rec, ok := d.locals[from]
		return ok && rec.needRecoverView
	})
}

// fullSnapshotOwnedBy returns Addition-only changes for every unit
// currently attributed to owner.
func (v *View) fullSnapshotOwnedBy(owner string) []model.ResourceUnitChange {
	return actor.Call(v.mailbox, func() []model.ResourceUnitChange {
		var out []model.ResourceUnitChange
		for id, u := range v.root.Fragment {
			if u.OwnerID == owner {
				out = append(out, model.ResourceUnitChange{Kind: model.ChangeAddition, UnitID: id, Unit: u.Clone()})
			}
		}
		return out
	})
}

// mergeRangeOwnedBy merges the change log over (start, end] and keeps
// only entries for units currently (or formerly) owned by owner.
func (v *View) mergeRangeOwnedBy(owner string, start, end uint64) []model.ResourceUnitChange {
	return actor.Call(v.mailbox, func() []model.ResourceUnitChange {
		merged := v.mergeRangeLocked(start, end)
		var out []model.ResourceUnitChange
		for _, c := range merged {
			if u, ok := v.root.Fragment[c.UnitID]; ok && u.OwnerID == owner {
				out = append(out, c)
				continue
			}
			if c.Kind == model.ChangeDeletion {
				// Deleted units are gone from Fragment; include them
				// conservatively since ownership can't be re-checked.
				out = append(out, c)
			}
		}
		return out
	})
}
