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

// Package bundlemanager implements the two-phase Reserve/Bind
// protocol for resource-group bundles, keyed by requestId, persisting
// the authoritative bundle set to the KV store under
// /yr/bundle/{nodeId} (spec.md §4.4).
package bundlemanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fnsched/core/internal/actor"
	"github.com/fnsched/core/internal/fnerrors"
	"github.com/fnsched/core/internal/kvstore"
	"github.com/fnsched/core/internal/resourceview"
	"github.com/fnsched/core/internal/telemetry"
	"github.com/fnsched/core/pkg/model"
)

const reportAbnormalRetryInterval = time.Second

func bundleStoreKey(nodeID string) string {
	return fmt.Sprintf("/yr/bundle/%s", nodeID)
}

// Scheduler is the placement decision source a BundleManager reserves
// against — in practice an internal/schedulequeue.Queue scoped to the
// bundle's parent resource group.
type Scheduler interface {
	Submit(ctx context.Context, item *model.QueueItem) (model.ScheduleResponse, error)
}

// ViewResolver returns the resourceview.View backing a named resource
// group, or nil if none is registered.
type ViewResolver func(rGroupName string) *resourceview.View

// reservedContext mirrors ReservedContext from the original actor: the
// placement result, the bind deadline timer, and the bundle it would
// produce if bound before the timer fires.
type reservedContext struct {
	unitID    string
	ownerID   string
	bundle    *model.Bundle
	timer     *time.Timer
	parentRG  string
}

// BundleManager is the per-node actor owning the bundle set and the
// reserve/bind state machine.
type BundleManager struct {
	mailbox *actor.Mailbox
	logger  *slog.Logger

	nodeID               string
	reserveToBindTimeout time.Duration

	kv          kvstore.Client
	resolveView ViewResolver
	scheduler   Scheduler

	bundles      map[string]*model.Bundle
	agentBundles map[string]map[string]struct{}
	reserved     map[string]*reservedContext

	persistMu        sync.Mutex
	persisting       bool
	pendingPersist   *actor.Future[fnerrors.Status]
}

// New builds a BundleManager for nodeID. resolveView maps a resource
// group name to the resourceview.View it should reserve/bind against;
// scheduler is consulted for placement decisions.
func New(nodeID string, kv kvstore.Client, resolveView ViewResolver, scheduler Scheduler, reserveToBindTimeout time.Duration, logger *slog.Logger) *BundleManager {
	if logger == nil {
		logger = slog.Default()
	}
	if reserveToBindTimeout <= 0 {
		reserveToBindTimeout = 30 * time.Second
	}
	return &BundleManager{
		mailbox:              actor.NewMailbox(0),
		logger:               logger,
		nodeID:                nodeID,
		reserveToBindTimeout: reserveToBindTimeout,
		kv:                   kv,
		resolveView:          resolveView,
		scheduler:            scheduler,
		bundles:              make(map[string]*model.Bundle),
		agentBundles:         make(map[string]map[string]struct{}),
		reserved:             make(map[string]*reservedContext),
	}
}

// Stop tears down the actor loop, cancelling any armed bind timers.
func (m *BundleManager) Stop() {
	actor.Call(m.mailbox, func() struct{} {
		for _, rc := range m.reserved {
			rc.timer.Stop()
		}
		return struct{}{}
	})
	m.mailbox.Stop()
}

// Sync loads the authoritative bundle set from the KV store,
// replacing the in-memory map — the restart-recovery path (spec.md
// §4.4 "Persistence discipline").
func (m *BundleManager) Sync(ctx context.Context) fnerrors.Status {
	loaded, status := m.getBundles(ctx)
	if status.IsError() {
		return status
	}
	actor.Call(m.mailbox, func() struct{} {
		m.bundles = make(map[string]*model.Bundle)
		m.agentBundles = make(map[string]map[string]struct{})
		for _, b := range loaded {
			m.addBundleLocked(b)
		}
		return struct{}{}
	})
	return fnerrors.OK
}

func (m *BundleManager) addBundleLocked(b *model.Bundle) {
	m.bundles[b.BundleID] = b
	set, ok := m.agentBundles[b.FunctionAgentID]
	if !ok {
		set = make(map[string]struct{})
		m.agentBundles[b.FunctionAgentID] = set
	}
	set[b.BundleID] = struct{}{}
}

func (m *BundleManager) deleteBundleLocked(bundleID string) {
	b, ok := m.bundles[bundleID]
	if !ok {
		m.logger.Warn("tried to delete non-existent bundle", "bundleId", bundleID)
		return
	}
	if set, ok := m.agentBundles[b.FunctionAgentID]; ok {
		delete(set, bundleID)
		if len(set) == 0 {
			delete(m.agentBundles, b.FunctionAgentID)
		}
	}
	delete(m.bundles, bundleID)
}

// Reserve runs step 1-2 of the two-phase protocol: schedule the
// instance request against its parent resource group (the scheduler's
// own placement deducts the instance's resources in that view) and
// arm a bind-by deadline. A repeat Reserve for the same requestId
// re-arms the timer and replies with the cached placement instead of
// rescheduling; once the bundle is bound, a repeat Reserve replies
// with the bound placement and arms no timer.
func (m *BundleManager) Reserve(ctx context.Context, req *model.ScheduleRequest) (model.ScheduleResponse, fnerrors.Status) {
	if existing, ok := m.getReserved(req.RequestID); ok {
		m.logger.Info("bundle already reserved, re-arming bind timer",
			"requestId", req.RequestID, "unitId", existing.unitID, "ownerId", existing.ownerID)
		m.rearmTimer(req.RequestID, req)
		return m.reservedResponse(req, existing), fnerrors.OK
	}
	if bound := actor.Call(m.mailbox, func() *model.Bundle { return m.bundles[req.Instance.ID] }); bound != nil {
		rc := &reservedContext{unitID: bound.FunctionAgentID, parentRG: req.Instance.ScheduleOption.RGroup}
		return m.reservedResponse(req, rc), fnerrors.OK
	}

	item := &model.QueueItem{RequestID: req.RequestID, Instance: &req.Instance}
	resp, err := m.scheduler.Submit(ctx, item)
	if err != nil {
		return model.ScheduleResponse{RequestID: req.RequestID}, fnerrors.New(fnerrors.CodeRequestTimeout, "reserve %s: %s", req.RequestID, err)
	}
	if fnerrors.Code(resp.Code) != fnerrors.CodeOK {
		m.logger.Warn("failed to reserve bundle", "requestId", req.RequestID, "code", resp.Code, "message", resp.Message)
		return resp, fnerrors.Status{Code: fnerrors.Code(resp.Code), Message: resp.Message}
	}

	// m.scheduler.Submit already placed req.Instance.ID into the parent
	// view non-virtually (schedulequeue.Queue's own commit) and
	// deducted its resources — reserving here must not deduct a second
	// time against the same id.
	parentRG := req.Instance.ScheduleOption.RGroup

	bundle := genBundle(req, resp.UnitID)
	rc := &reservedContext{unitID: resp.UnitID, ownerID: req.Instance.ScheduleOption.RGroup, bundle: bundle, parentRG: parentRG}
	rc.timer = time.AfterFunc(m.reserveToBindTimeout, func() { m.timeoutToBind(req.RequestID, req) })
	m.putReserved(req.RequestID, rc)

	return m.reservedResponse(req, rc), fnerrors.OK
}

func (m *BundleManager) reservedResponse(req *model.ScheduleRequest, rc *reservedContext) model.ScheduleResponse {
	var changes *model.ResourceUnitChanges
	if view := m.resolveView(rc.parentRG); view != nil {
		changes = view.GetResourceViewChanges()
	}
	return model.ScheduleResponse{
		RequestID:       req.RequestID,
		UnitID:          rc.unitID,
		Code:            string(fnerrors.CodeOK),
		UpdateResources: changes,
		Contexts:        req.Contexts,
	}
}

func (m *BundleManager) getReserved(requestID string) (*reservedContext, bool) {
	rc := actor.Call(m.mailbox, func() *reservedContext {
		return m.reserved[requestID]
	})
	return rc, rc != nil
}

func (m *BundleManager) putReserved(requestID string, rc *reservedContext) {
	actor.Call(m.mailbox, func() struct{} {
		m.reserved[requestID] = rc
		return struct{}{}
	})
}

func (m *BundleManager) rearmTimer(requestID string, req *model.ScheduleRequest) {
	actor.Call(m.mailbox, func() struct{} {
		rc, ok := m.reserved[requestID]
		if !ok {
			return struct{}{}
		}
		rc.timer.Stop()
		rc.timer = time.AfterFunc(m.reserveToBindTimeout, func() { m.timeoutToBind(requestID, req) })
		return struct{}{}
	})
}

// timeoutToBind releases an un-bound reservation's virtual placeholder
// instance once the bind deadline passes without a Bind call.
func (m *BundleManager) timeoutToBind(requestID string, req *model.ScheduleRequest) {
	rc := actor.Call(m.mailbox, func() *reservedContext {
		rc := m.reserved[requestID]
		delete(m.reserved, requestID)
		return rc
	})
	if rc == nil {
		return
	}
	m.logger.Warn("reserved resource timed out before bind, releasing", "requestId", requestID)
	telemetry.RecordReservationTimeout(context.Background(), req.Instance.ScheduleOption.RGroup)
	if view := m.resolveView(rc.parentRG); view != nil {
		view.DeleteInstances([]string{req.Instance.ID}, true)
	}
}

// UnReserve compensates a Reserve that will not be followed by a Bind:
// drop the virtual placeholder instance and the cached reservation.
func (m *BundleManager) UnReserve(ctx context.Context, req *model.ScheduleRequest) (model.ScheduleResponse, fnerrors.Status) {
	if view := m.resolveView(req.Instance.ScheduleOption.RGroup); view != nil {
		view.DeleteInstances([]string{req.Instance.ID}, true)
	}
	actor.Call(m.mailbox, func() struct{} {
		if rc, ok := m.reserved[req.RequestID]; ok {
			rc.timer.Stop()
			delete(m.reserved, req.RequestID)
		}
		return struct{}{}
	})
	return model.ScheduleResponse{
		RequestID:       req.RequestID,
		Code:            string(fnerrors.CodeOK),
		UpdateResources: m.collectChanges(req.Instance.ScheduleOption.RGroup),
	}, fnerrors.OK
}

// Bind persists the bundle set, materializes the bundle's own
// ResourceUnit in the bundle's resource-group view, and clears the
// bind timer (spec.md §4.4 "Bind"). The unit is added as a direct
// child of that view's root; it is not nested under the selected
// unit. The steps run as separate mailbox calls around the KV write,
// so other calls on this BundleManager can interleave between them.
func (m *BundleManager) Bind(ctx context.Context, req *model.ScheduleRequest) (model.ScheduleResponse, fnerrors.Status) {
	rc, ok := m.getReserved(req.RequestID)
	if !ok {
		m.logger.Info("failed to bind bundle, reservation not found", "requestId", req.RequestID)
		return model.ScheduleResponse{RequestID: req.RequestID}, fnerrors.New(fnerrors.CodeInnerSystemError, "no reservation for %s", req.RequestID)
	}
	rc.timer.Stop()

	actor.Call(m.mailbox, func() struct{} {
		m.addBundleLocked(rc.bundle)
		delete(m.reserved, req.RequestID)
		return struct{}{}
	})

	if status := m.persistBundles(ctx); status.IsError() {
		m.logger.Error("failed to persist bundle on bind", "requestId", req.RequestID, "error", status.Error())
		actor.Call(m.mailbox, func() struct{} { m.deleteBundleLocked(rc.bundle.BundleID); return struct{}{} })
		return model.ScheduleResponse{RequestID: req.RequestID, Code: string(status.Code), Message: status.Message}, status
	}

	if view := m.resolveView(rc.bundle.RGroupName); view != nil {
		view.AddResourceUnit(genResourceUnit(rc.bundle))
	}

	return model.ScheduleResponse{
		RequestID:       req.RequestID,
		UnitID:          rc.unitID,
		Code:            string(fnerrors.CodeOK),
		UpdateResources: m.collectChanges(rc.bundle.RGroupName),
	}, fnerrors.OK
}

// UnBind compensates a committed Bind: remove the materialized
// ResourceUnit and the parent's virtual placeholder instance, persist.
func (m *BundleManager) UnBind(ctx context.Context, req *model.ScheduleRequest) (model.ScheduleResponse, fnerrors.Status) {
	bundleID := req.Instance.ID
	actor.Call(m.mailbox, func() struct{} { m.deleteBundleLocked(bundleID); return struct{}{} })

	status := m.persistBundles(ctx)
	if status.IsError() {
		return model.ScheduleResponse{RequestID: req.RequestID, Code: string(status.Code), Message: status.Message}, status
	}

	rGroup := req.Instance.ScheduleOption.RGroup
	parentRGroup := req.Instance.ScheduleOption.ParentRGroup
	if view := m.resolveView(rGroup); view != nil {
		view.DeleteResourceUnit(bundleID)
	}
	if view := m.resolveView(parentRGroup); view != nil {
		view.DeleteInstances([]string{bundleID}, true)
	}

	return model.ScheduleResponse{
		RequestID:       req.RequestID,
		Code:            string(fnerrors.CodeOK),
		UpdateResources: m.collectChanges(rGroup),
	}, fnerrors.OK
}

// RemoveBundle deletes every bundle owned by tenantID under rGroupName
// and transitively their descendants (bundles whose ParentID equals
// the removed one), force-deleting any INSTANCE-target instances they
// carried, then persists once (spec.md §4.4 "RemoveBundle").
func (m *BundleManager) RemoveBundle(ctx context.Context, rGroupName, tenantID string, forceDeleteInstance func(instanceID string)) fnerrors.Status {
	actor.Call(m.mailbox, func() struct{} {
		var toDelete []string
		for id, b := range m.bundles {
			if b.RGroupName == rGroupName && b.TenantID == tenantID {
				toDelete = append(toDelete, id)
			}
		}
		for _, id := range toDelete {
			m.removeBundleByIDLocked(id, forceDeleteInstance)
		}
		return struct{}{}
	})
	return m.persistBundles(ctx)
}

func (m *BundleManager) removeBundleByIDLocked(bundleID string, forceDeleteInstance func(instanceID string)) {
	var descendants []string
	for id, b := range m.bundles {
		if b.ParentID == bundleID {
			descendants = append(descendants, id)
		}
	}
	for _, d := range descendants {
		m.removeBundleByIDLocked(d, forceDeleteInstance)
	}

	b, ok := m.bundles[bundleID]
	if !ok {
		return
	}
	if view := m.resolveView(b.RGroupName); view != nil {
		if snap := view.Snapshot(); snap != nil {
			if unit, exists := snap.Fragment[bundleID]; exists {
				for id, inst := range unit.Instances {
					if !inst.Virtual && forceDeleteInstance != nil {
						forceDeleteInstance(id)
					}
				}
			}
		}
		view.DeleteResourceUnit(bundleID)
	}
	if view := m.resolveView(b.ParentRGroupName); view != nil {
		view.DeleteInstances([]string{bundleID}, true)
	}
	m.deleteBundleLocked(bundleID)
}

// ReportAgentAbnormal notifies ack (typically a resource-group manager
// RPC) of every bundle owned by agentID and, once acked, removes them
// from this node's bundle set and persists. It retries at a fixed
// interval forever until ack succeeds — matching the original's
// "retries run at a fixed back-off until ack" (spec.md §4.4).
func (m *BundleManager) ReportAgentAbnormal(ctx context.Context, agentID string, ack func(ctx context.Context, bundleIDs []string) fnerrors.Status) fnerrors.Status {
	ids := actor.Call(m.mailbox, func() []string {
		set, ok := m.agentBundles[agentID]
		if !ok {
			return nil
		}
		out := make([]string, 0, len(set))
		for id := range set {
			out = append(out, id)
		}
		return out
	})
	if len(ids) == 0 {
		m.logger.Warn("notify agent failed, no bundles on record", "agentId", agentID)
		return fnerrors.OK
	}

	for {
		if ctx.Err() != nil {
			return fnerrors.AsStatus(ctx.Err())
		}
		status := ack(ctx, ids)
		if status.IsOK() {
			break
		}
		m.logger.Warn("report agent abnormal not yet acked, retrying", "agentId", agentID, "error", status.Error())
		time.Sleep(reportAbnormalRetryInterval)
	}

	actor.Call(m.mailbox, func() struct{} {
		for _, id := range ids {
			b, ok := m.bundles[id]
			if !ok {
				continue
			}
			if view := m.resolveView(b.ParentRGroupName); view != nil {
				view.DeleteInstances([]string{id}, true)
			}
			if view := m.resolveView(b.RGroupName); view != nil {
				view.DeleteResourceUnit(id)
			}
			m.deleteBundleLocked(id)
		}
		return struct{}{}
	})
	return m.persistBundles(ctx)
}

func (m *BundleManager) collectChanges(rGroup string) *model.ResourceUnitChanges {
	view := m.resolveView(rGroup)
	if view == nil {
		return nil
	}
	return view.GetResourceViewChanges()
}

// persistBundles implements the "one-in-flight, one-pending" write
// discipline: a write already underway absorbs any further request
// instead of enqueuing unbounded writes (spec.md §4.4 "Persistence
// discipline").
func (m *BundleManager) persistBundles(ctx context.Context) fnerrors.Status {
	m.persistMu.Lock()
	if m.persisting {
		if m.pendingPersist == nil {
			m.pendingPersist = actor.NewFuture[fnerrors.Status]()
		}
		pending := m.pendingPersist
		m.persistMu.Unlock()
		status, err := pending.Wait(ctx)
		if err != nil {
			return fnerrors.AsStatus(err)
		}
		return status
	}
	m.persisting = true
	m.persistMu.Unlock()

	return m.doPersist(ctx)
}

func (m *BundleManager) doPersist(ctx context.Context) fnerrors.Status {
	snapshot := actor.Call(m.mailbox, func() map[string]*model.Bundle {
		out := make(map[string]*model.Bundle, len(m.bundles))
		for k, v := range m.bundles {
			out[k] = v
		}
		return out
	})

	status := m.putBundles(ctx, snapshot)

	m.persistMu.Lock()
	pending := m.pendingPersist
	m.pendingPersist = nil
	m.persistMu.Unlock()
	if pending != nil {
		// Another write queued while this one was in flight; run it
		// once more so the pending caller observes the latest state,
		// then resolve its future with that result.
		pending.Resolve(m.doPersist(ctx))
		return status
	}

	m.persistMu.Lock()
	m.persisting = false
	m.persistMu.Unlock()
	return status
}

func (m *BundleManager) putBundles(ctx context.Context, bundles map[string]*model.Bundle) fnerrors.Status {
	key := bundleStoreKey(m.nodeID)
	if len(bundles) == 0 {
		if _, err := m.kv.Delete(ctx, key, kvstore.DeleteOptions{}); err != nil {
			return fnerrors.New(fnerrors.CodeInnerSystemError, "failed to delete bundle set at %s: %s", key, err)
		}
		return fnerrors.OK
	}

	payload, err := json.Marshal(model.BundleSet{Bundles: bundles})
	if err != nil {
		return fnerrors.New(fnerrors.CodeInnerSystemError, "failed to marshal bundle set: %s", err)
	}
	if _, err := m.kv.Put(ctx, key, string(payload), kvstore.PutOptions{}); err != nil {
		return fnerrors.New(fnerrors.CodeInnerSystemError, "failed to put bundle set at %s: %s", key, err)
	}
	return fnerrors.OK
}

func (m *BundleManager) getBundles(ctx context.Context) (map[string]*model.Bundle, fnerrors.Status) {
	key := bundleStoreKey(m.nodeID)
	res, err := m.kv.Get(ctx, key, kvstore.GetOptions{})
	if err != nil {
		return nil, fnerrors.New(fnerrors.CodeInnerSystemError, "failed to get bundle set at %s: %s", key, err)
	}
	if len(res.Kvs) == 0 {
		return map[string]*model.Bundle{}, fnerrors.OK
	}
	var set model.BundleSet
	if err := json.Unmarshal([]byte(res.Kvs[0].Value), &set); err != nil {
		m.logger.Warn("failed to parse persisted bundle set", "key", key, "error", err)
		return map[string]*model.Bundle{}, fnerrors.OK
	}
	if set.Bundles == nil {
		set.Bundles = make(map[string]*model.Bundle)
	}
	return set.Bundles, fnerrors.OK
}

// genBundle builds the Bundle a successful reservation would produce,
// BundleID format mirroring the instance id the schedule request named
// (spec.md §3's bundleId convention is owned by the caller).
func genBundle(req *model.ScheduleRequest, unitID string) *model.Bundle {
	return &model.Bundle{
		BundleID:         req.Instance.ID,
		RGroupName:       req.Instance.ScheduleOption.RGroup,
		ParentRGroupName: req.Instance.ScheduleOption.ParentRGroup,
		FunctionAgentID:  unitID,
		TenantID:         req.Instance.TenantID,
		ParentID:         unitID,
		Resources:        req.Instance.Resources,
		Labels:           req.Instance.Labels,
	}
}

// genResourceUnit materializes a bundle's own ResourceUnit, capacity
// and allocatable both set to the bundle's reserved resources, ready
// for Bind to add under the root of the bundle's resource-group view.
func genResourceUnit(b *model.Bundle) *model.ResourceUnit {
	unit := model.NewResourceUnit(b.BundleID, b.FunctionAgentID)
	unit.Capacity = b.Resources.Clone()
	unit.Allocatable = b.Resources.Clone()
	for k, v := range b.Labels {
		unit.Labels[k] = v
	}
	if b.TenantID != "" {
		unit.Labels["tenantId"] = b.TenantID
	}
	return unit
}
