// Copyright 2024 New Vector Ltd.
// Copyright 2019, 2020 The Matrix.org Foundation C.I.C.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package state computes room state at any DAG vertex and resolves forks
// between conflicting state at sibling extremities.
package state

import (
	"context"
	"fmt"
	"sort"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/sirupsen/logrus"

	"github.com/matrixcore/homeserver/roomserver/types"
)

// Storage is the subset of the Event Store the resolver
// needs: loading state blocks/snapshots and the events they reference.
// Kept narrow so this package never depends on the postgres/sqlite3
// storage packages directly.
type Storage interface {
	StateEntriesForTuples(ctx context.Context, stateBlockNIDs []types.StateBlockNID, stateKeyTuples []types.StateKeyTuple) ([]types.StateEntryList, error)
	StateBlockNIDs(ctx context.Context, stateSnapshotNIDs []types.StateSnapshotNID) ([]types.StateBlockNIDList, error)
	Events(ctx context.Context, roomNID types.RoomNID, eventNIDs []types.EventNID) ([]types.Event, error)
	EventNIDs(ctx context.Context, eventIDs []string) (map[string]types.EventNID, error)
	EventStateKeyNIDs(ctx context.Context, targets []string) (map[string]types.EventStateKeyNID, error)
	EventTypeNID(ctx context.Context, eventType string) (types.EventTypeNID, error)
	AddState(ctx context.Context, roomNID types.RoomNID, blockNIDs []types.StateBlockNID, entries []types.StateEntry) (types.StateSnapshotNID, error)
}

// Authoriser is the narrow view of the Event Authoriser that the resolver
// invokes while replaying conflicted events.
type Authoriser interface {
	Check(ctx context.Context, event gomatrixserverlib.PDU, authEvents []gomatrixserverlib.PDU) error
}

// StateResolution computes and resolves room state. It holds no mutable
// fields; every method is safe for concurrent use by many rooms at once
// since the room-level single-writer lock lives in roomserver/internal, not
// here
type StateResolution struct {
	db         Storage
	authoriser Authoriser
	roomInfo   types.RoomInfo
}

// NewStateResolution constructs a resolver bound to one room's storage and
// version-specific authoriser.
func NewStateResolution(db Storage, authoriser Authoriser, roomInfo types.RoomInfo) StateResolution {
	return StateResolution{db: db, authoriser: authoriser, roomInfo: roomInfo}
}

// LoadStateAtSnapshot returns the full (type,state_key)->event_nid map for a
// previously computed state snapshot by walking its state-block chain. Where
// blocks hold different entries for one tuple, the entry with the highest
// event NID is kept.
func (v StateResolution) LoadStateAtSnapshot(ctx context.Context, stateNID types.StateSnapshotNID) ([]types.StateEntry, error) {
	blockNIDLists, err := v.db.StateBlockNIDs(ctx, []types.StateSnapshotNID{stateNID})
	if err != nil {
		return nil, fmt.Errorf("LoadStateAtSnapshot: %w", err)
	}
	if len(blockNIDLists) != 1 {
		return nil, fmt.Errorf("LoadStateAtSnapshot: expected one block list, got %d", len(blockNIDLists))
	}
	blockNIDs := uniqueStateBlockNIDs(blockNIDLists[0].StateBlockNIDs)
	if len(blockNIDs) == 0 {
		return nil, nil
	}
	entryLists, err := v.db.StateEntriesForTuples(ctx, blockNIDs, nil)
	if err != nil {
		return nil, fmt.Errorf("LoadStateAtSnapshot: %w", err)
	}
	return flattenAndDedupe(entryLists), nil
}

// LoadStateAtEvent returns the resolved state immediately before the named
// event was applied, i.e. the snapshot referenced by its StateAtEvent row.
func (v StateResolution) LoadStateAtEvent(ctx context.Context, stateAtEvent types.StateAtEvent) ([]types.StateEntry, error) {
	if stateAtEvent.BeforeStateSnapshotNID == 0 {
		return nil, nil
	}
	return v.LoadStateAtSnapshot(ctx, stateAtEvent.BeforeStateSnapshotNID)
}

// LoadCombinedStateAfterEvents merges the before-state of several sibling
// extremities into one slice per input, ready to be partitioned into
// unconflicted/conflicted sets by resolveConflictsV2.
func (v StateResolution) LoadCombinedStateAfterEvents(ctx context.Context, states []types.StateAtEvent) ([][]types.StateEntry, error) {
	result := make([][]types.StateEntry, len(states))
	for i, s := range states {
		entries, err := v.LoadStateAtEvent(ctx, s)
		if err != nil {
			return nil, err
		}
		if !s.IsRejected {
			entries = append(entries, s.StateEntry)
		}
		result[i] = flattenAndDedupe([]types.StateEntryList{{StateEntries: entries}})
	}
	return result, nil
}

// DifferenceBetweeenStateSnapshots returns the entries of `before` whose key
// is absent from `after` or maps to another event (removed), and the entries
// of `after` whose key is absent from `before` or maps to another event
// (added). The extra "e" in the name is
// intentional, matching existing grep aliases elsewhere in the codebase.
func DifferenceBetweeenStateSnapshots(before, after []types.StateEntry) (removed, added []types.StateEntry) {
	beforeMap := newStateEntryMap(before)
	afterMap := newStateEntryMap(after)

	for _, e := range before {
		if nid, ok := afterMap.lookup(e.StateKeyTuple); !ok || nid != e.EventNID {
			removed = append(removed, e)
		}
	}
	for _, e := range after {
		if nid, ok := beforeMap.lookup(e.StateKeyTuple); !ok || nid != e.EventNID {
			added = append(added, e)
		}
	}
	return
}

// calculateStateAfterManyEvents computes the resolved state following a
// batch of new events sharing the same set of prior forward extremities,
// dispatching to the room-version-appropriate resolution algorithm when the
// inputs disagree.
func (v StateResolution) calculateStateAfterManyEvents(ctx context.Context, states []types.StateAtEvent) ([]types.StateEntry, error) {
	combined, err := v.LoadCombinedStateAfterEvents(ctx, states)
	if err != nil {
		return nil, err
	}
	if len(combined) == 1 {
		return combined[0], nil
	}
	switch v.roomInfo.RoomVersion {
	case gomatrixserverlib.RoomVersionV1, gomatrixserverlib.RoomVersionV2:
		return v.resolveConflictsV1(ctx, combined)
	default:
		return v.resolveConflictsV2(ctx, combined)
	}
}

// CalculateAndStoreStateBeforeEvent resolves the state preceding a new
// event from its prev_events' after-states and interns the result as a new
// state snapshot (state group).
func (v StateResolution) CalculateAndStoreStateBeforeEvent(ctx context.Context, event gomatrixserverlib.PDU, roomNID types.RoomNID, prevStates []types.StateAtEvent) (types.StateSnapshotNID, error) {
	entries, err := v.calculateStateAfterManyEvents(ctx, prevStates)
	if err != nil {
		return 0, err
	}
	return v.storeStateEntries(ctx, roomNID, entries)
}

// CalculateAndStoreStateAfterEvents does the same but additionally overlays
// the new events themselves when they carry a state_key. A state event
// only replaces the prior one in resolved state, never mutating it.
func (v StateResolution) CalculateAndStoreStateAfterEvents(ctx context.Context, roomNID types.RoomNID, prevState []types.StateEntry, newStateEvents []types.StateEntry) (types.StateSnapshotNID, error) {
	merged := flattenAndDedupe([]types.StateEntryList{
		{StateEntries: prevState},
		{StateEntries: newStateEvents},
	})
	return v.storeStateEntries(ctx, roomNID, merged)
}

func (v StateResolution) storeStateEntries(ctx context.Context, roomNID types.RoomNID, entries []types.StateEntry) (types.StateSnapshotNID, error) {
	sort.Sort(stateEntrySorter(entries))
	entries = findDuplicateStateKeysKeepLast(entries)
	return v.db.AddState(ctx, roomNID, nil, entries)
}

func (v StateResolution) loadStateEvents(ctx context.Context, entries []types.StateEntry) ([]gomatrixserverlib.PDU, error) {
	nids := make([]types.EventNID, len(entries))
	for i, e := range entries {
		nids[i] = e.EventNID
	}
	events, err := v.db.Events(ctx, v.roomInfo.RoomNID, nids)
	if err != nil {
		return nil, err
	}
	pdus := make([]gomatrixserverlib.PDU, len(events))
	for i, e := range events {
		pdus[i] = e.PDU
	}
	return pdus, nil
}

// loadStateEventsByNID is loadStateEvents keyed by EventNID, used wherever
// the resolver needs to look an event back up after reordering a slice of
// entries (sorting PDUs directly loses the NID association).
func (v StateResolution) loadStateEventsByNID(ctx context.Context, entries []types.StateEntry) (map[types.EventNID]gomatrixserverlib.PDU, error) {
	nids := make([]types.EventNID, len(entries))
	for i, e := range entries {
		nids[i] = e.EventNID
	}
	events, err := v.db.Events(ctx, v.roomInfo.RoomNID, nids)
	if err != nil {
		return nil, err
	}
	out := make(map[types.EventNID]gomatrixserverlib.PDU, len(events))
	for _, e := range events {
		out[e.EventNID] = e.PDU
	}
	return out, nil
}

// stateKeyTuplesNeeded converts gomatrixserverlib's string-keyed
// "what state is needed to authorise this event" description into the
// NID-keyed tuples the storage layer indexes on.
func (v *StateResolution) stateKeyTuplesNeeded(stateKeyNIDMap map[string]types.EventStateKeyNID, stateNeeded gomatrixserverlib.StateNeeded) []types.StateKeyTuple {
	var tuples []types.StateKeyTuple
	if stateNeeded.Create {
		tuples = append(tuples, types.StateKeyTuple{EventTypeNID: types.MRoomCreateNID, EventStateKeyNID: types.EmptyStateKeyNID})
	}
	if stateNeeded.PowerLevels {
		tuples = append(tuples, types.StateKeyTuple{EventTypeNID: types.MRoomPowerLevelsNID, EventStateKeyNID: types.EmptyStateKeyNID})
	}
	if stateNeeded.JoinRules {
		tuples = append(tuples, types.StateKeyTuple{EventTypeNID: types.MRoomJoinRulesNID, EventStateKeyNID: types.EmptyStateKeyNID})
	}
	for _, member := range stateNeeded.Member {
		if nid, ok := stateKeyNIDMap[member]; ok {
			tuples = append(tuples, types.StateKeyTuple{EventTypeNID: types.MRoomMemberNID, EventStateKeyNID: nid})
		}
	}
	for _, token := range stateNeeded.ThirdPartyInvite {
		if nid, ok := stateKeyNIDMap[token]; ok {
			tuples = append(tuples, types.StateKeyTuple{EventTypeNID: types.MRoomThirdPartyInviteNID, EventStateKeyNID: nid})
		}
	}
	return tuples
}

// ---- unconflicted/conflicted partition helpers ----

// partitionStateEntries splits several state maps into the keys every input
// agrees on and the keys that are conflicted (disagree, or absent from some
// input).
func partitionStateEntries(inputs [][]types.StateEntry) (unconflicted []types.StateEntry, conflicted []types.StateEntry) {
	seen := map[types.StateKeyTuple][]types.EventNID{}
	order := []types.StateKeyTuple{}
	for _, input := range inputs {
		present := map[types.StateKeyTuple]bool{}
		for _, e := range input {
			if _, ok := seen[e.StateKeyTuple]; !ok {
				order = append(order, e.StateKeyTuple)
			}
			seen[e.StateKeyTuple] = append(seen[e.StateKeyTuple], e.EventNID)
			present[e.StateKeyTuple] = true
		}
		// mark tuples missing from this input too, by appending a sentinel 0
		for tuple := range seen {
			if !present[tuple] {
				seen[tuple] = append(seen[tuple], 0)
			}
		}
	}
	for _, tuple := range order {
		nids := seen[tuple]
		agree := true
		for _, n := range nids[1:] {
			if n != nids[0] {
				agree = false
				break
			}
		}
		if agree && nids[0] != 0 {
			unconflicted = append(unconflicted, types.StateEntry{StateKeyTuple: tuple, EventNID: nids[0]})
		} else {
			for _, input := range inputs {
				for _, e := range input {
					if e.StateKeyTuple == tuple {
						conflicted = append(conflicted, e)
					}
				}
			}
		}
	}
	return
}

// resolveConflictsV1 implements the legacy (room version 1/2) resolution:
// order conflicted state purely by depth then event_id, no power-event
// pass. Kept for the rooms that still use these versions.
func (v StateResolution) resolveConflictsV1(ctx context.Context, inputs [][]types.StateEntry) ([]types.StateEntry, error) {
	unconflicted, conflicted := partitionStateEntries(inputs)
	if len(conflicted) == 0 {
		return unconflicted, nil
	}
	byNID, err := v.loadStateEventsByNID(ctx, conflicted)
	if err != nil {
		return nil, err
	}

	// Order conflicted events by ascending (depth, event_id); the last one
	// per tuple in this order wins.
	ordered := append([]types.StateEntry{}, conflicted...)
	sort.SliceStable(ordered, func(i, j int) bool {
		pi, pj := byNID[ordered[i].EventNID], byNID[ordered[j].EventNID]
		if pi == nil || pj == nil {
			return false
		}
		if pi.Depth() != pj.Depth() {
			return pi.Depth() < pj.Depth()
		}
		return pi.EventID() < pj.EventID()
	})

	winner := map[types.StateKeyTuple]types.EventNID{}
	for _, e := range ordered {
		winner[e.StateKeyTuple] = e.EventNID
	}
	for tuple, nid := range winner {
		unconflicted = append(unconflicted, types.StateEntry{StateKeyTuple: tuple, EventNID: nid})
	}
	return unconflicted, nil
}

// isPowerEventType classifies an event type as a "power event": the
// create/power_levels/join_rules events. It sees only the type, so
// membership events, kicks and bans included, are never power events here.
func isPowerEventType(typeNID types.EventTypeNID) bool {
	switch typeNID {
	case types.MRoomCreateNID, types.MRoomPowerLevelsNID, types.MRoomJoinRulesNID:
		return true
	default:
		return false
	}
}

// resolveConflictsV2 implements the modern state resolution algorithm: full
// conflicted set (auth closure), power-event ordering (sortPowerEvents),
// mainline ordering of the remainder, authorisation-checked replay.
func (v StateResolution) resolveConflictsV2(ctx context.Context, inputs [][]types.StateEntry) ([]types.StateEntry, error) {
	unconflicted, conflicted := partitionStateEntries(inputs)
	if len(conflicted) == 0 {
		return unconflicted, nil
	}

	fullConflicted, err := v.fullConflictedSet(ctx, conflicted)
	if err != nil {
		return nil, err
	}

	var powerEntries, otherEntries []types.StateEntry
	for _, e := range fullConflicted {
		if isPowerEventType(e.EventTypeNID) {
			powerEntries = append(powerEntries, e)
		} else {
			otherEntries = append(otherEntries, e)
		}
	}

	powerPairs, err := v.entryPDUPairs(ctx, powerEntries)
	if err != nil {
		return nil, err
	}
	sortPowerEvents(powerPairs)

	resolved := cloneEntries(unconflicted)
	resolvedMap := stateEntryMapFromSlice(resolved)

	for _, p := range powerPairs {
		authEvents, aerr := v.authEventsForResolution(ctx, p.pdu, resolvedMap)
		if aerr != nil {
			return nil, aerr
		}
		if err := v.authoriser.Check(ctx, p.pdu, authEvents); err != nil {
			logrus.WithError(err).WithField("event_id", p.pdu.EventID()).Debug("state resolution: dropping power event that failed authorisation")
			continue
		}
		resolved = upsertEntry(resolved, p.entry)
		resolvedMap[p.entry.StateKeyTuple] = p.entry.EventNID
	}

	mainline := buildMainline(powerPairs)
	otherPairs, err := v.entryPDUPairs(ctx, otherEntries)
	if err != nil {
		return nil, err
	}
	mainlineOrder(otherPairs, mainline)

	for _, p := range otherPairs {
		authEvents, aerr := v.authEventsForResolution(ctx, p.pdu, resolvedMap)
		if aerr != nil {
			return nil, aerr
		}
		if err := v.authoriser.Check(ctx, p.pdu, authEvents); err != nil {
			continue
		}
		resolved = upsertEntry(resolved, p.entry)
		resolvedMap[p.entry.StateKeyTuple] = p.entry.EventNID
	}

	// Step 8: re-overlay the original conflicted event at each key where it
	// remains authorisation-valid against the fully resolved output.
	conflictedPairs, err := v.entryPDUPairs(ctx, conflicted)
	if err != nil {
		return nil, err
	}
	for _, p := range conflictedPairs {
		authEvents, aerr := v.authEventsForResolution(ctx, p.pdu, resolvedMap)
		if aerr != nil {
			continue
		}
		if err := v.authoriser.Check(ctx, p.pdu, authEvents); err == nil {
			resolved = upsertEntry(resolved, p.entry)
			resolvedMap[p.entry.StateKeyTuple] = p.entry.EventNID
		}
	}

	return resolved, nil
}

// fullConflictedSet is the conflicted set plus its transitive auth-event
// closure, restricted to state events. Auth events are resolved to their
// interned NIDs through the Event Store, which is the only place that
// maintains the event_id -> EventNID mapping.
func (v StateResolution) fullConflictedSet(ctx context.Context, conflicted []types.StateEntry) ([]types.StateEntry, error) {
	seen := make(map[types.EventNID]bool, len(conflicted))
	result := append([]types.StateEntry{}, conflicted...)
	for _, e := range conflicted {
		seen[e.EventNID] = true
	}

	queue := append([]types.StateEntry{}, conflicted...)
	for len(queue) > 0 {
		pdus, err := v.loadStateEvents(ctx, queue)
		if err != nil {
			return nil, err
		}
		var next []types.StateEntry
		for _, pdu := range pdus {
			authNIDs, err := v.db.EventNIDs(ctx, pdu.AuthEventIDs())
			if err != nil {
				return nil, err
			}
			for _, nid := range authNIDs {
				if seen[nid] {
					continue
				}
				seen[nid] = true
				events, err := v.db.Events(ctx, v.roomInfo.RoomNID, []types.EventNID{nid})
				if err != nil {
					return nil, err
				}
				for _, ev := range events {
					if !types.IsStateEvent(ev.PDU) {
						continue
					}
					typeNID, err := v.db.EventTypeNID(ctx, ev.PDU.Type())
					if err != nil {
						return nil, err
					}
					stateKeyNIDs, err := v.db.EventStateKeyNIDs(ctx, []string{*ev.PDU.StateKey()})
					if err != nil {
						return nil, err
					}
					entry := types.StateEntry{
						StateKeyTuple: types.StateKeyTuple{
							EventTypeNID:     typeNID,
							EventStateKeyNID: stateKeyNIDs[*ev.PDU.StateKey()],
						},
						EventNID: ev.EventNID,
					}
					result = append(result, entry)
					next = append(next, entry)
				}
			}
		}
		queue = next
	}
	return result, nil
}

// entryPDU pairs a StateEntry with its parsed event so sorts never need to
// re-derive the association afterwards.
type entryPDU struct {
	entry types.StateEntry
	pdu   gomatrixserverlib.PDU
}

func (v StateResolution) entryPDUPairs(ctx context.Context, entries []types.StateEntry) ([]entryPDU, error) {
	byNID, err := v.loadStateEventsByNID(ctx, entries)
	if err != nil {
		return nil, err
	}
	pairs := make([]entryPDU, 0, len(entries))
	for _, e := range entries {
		if pdu, ok := byNID[e.EventNID]; ok {
			pairs = append(pairs, entryPDU{entry: e, pdu: pdu})
		}
	}
	return pairs, nil
}

// sortPowerEvents orders power events by senderPower descending, breaking
// ties by origin_server_ts ascending then event_id lexicographically. As
// senderPower is 0 for every sender, the tie-break alone decides the order.
func sortPowerEvents(pairs []entryPDU) {
	sort.SliceStable(pairs, func(i, j int) bool {
		pi, pj := senderPower(pairs[i].pdu), senderPower(pairs[j].pdu)
		if pi != pj {
			return pi > pj // reverse power: highest power first
		}
		if pairs[i].pdu.OriginServerTS() != pairs[j].pdu.OriginServerTS() {
			return pairs[i].pdu.OriginServerTS() < pairs[j].pdu.OriginServerTS()
		}
		return pairs[i].pdu.EventID() < pairs[j].pdu.EventID()
	})
}

// senderPower is the key sortPowerEvents sorts on. It returns 0 for every
// sender: no power level is looked up, neither in m.room.power_levels nor
// in the event's auth events.
func senderPower(pdu gomatrixserverlib.PDU) int64 {
	return 0
}

// buildMainline records each power event's position in its already-sorted
// slice, giving non-power conflicted events a stable reference ordering
func buildMainline(pairs []entryPDU) map[string]int {
	mainline := make(map[string]int, len(pairs))
	for i, p := range pairs {
		mainline[p.pdu.EventID()] = i
	}
	return mainline
}

func mainlineOrder(pairs []entryPDU, mainline map[string]int) {
	sort.SliceStable(pairs, func(a, b int) bool {
		ea, eb := pairs[a].pdu, pairs[b].pdu
		ma, oka := mainline[ea.EventID()]
		mb, okb := mainline[eb.EventID()]
		if oka && okb && ma != mb {
			return ma < mb
		}
		if ea.OriginServerTS() != eb.OriginServerTS() {
			return ea.OriginServerTS() < eb.OriginServerTS()
		}
		return ea.EventID() < eb.EventID()
	})
}

func (v StateResolution) authEventsForResolution(ctx context.Context, pdu gomatrixserverlib.PDU, resolved map[types.StateKeyTuple]types.EventNID) ([]gomatrixserverlib.PDU, error) {
	nids := make([]types.EventNID, 0, len(resolved))
	for _, nid := range resolved {
		nids = append(nids, nid)
	}
	events, err := v.db.Events(ctx, v.roomInfo.RoomNID, nids)
	if err != nil {
		return nil, err
	}
	out := make([]gomatrixserverlib.PDU, len(events))
	for i, e := range events {
		out[i] = e.PDU
	}
	return out, nil
}

func upsertEntry(entries []types.StateEntry, e types.StateEntry) []types.StateEntry {
	for i, existing := range entries {
		if existing.StateKeyTuple == e.StateKeyTuple {
			entries[i] = e
			return entries
		}
	}
	return append(entries, e)
}

func cloneEntries(entries []types.StateEntry) []types.StateEntry {
	out := make([]types.StateEntry, len(entries))
	copy(out, entries)
	return out
}

func stateEntryMapFromSlice(entries []types.StateEntry) map[types.StateKeyTuple]types.EventNID {
	m := make(map[types.StateKeyTuple]types.EventNID, len(entries))
	for _, e := range entries {
		m[e.StateKeyTuple] = e.EventNID
	}
	return m
}

// ---- low-level sorted-slice helpers (binary search "maps") ----

// findDuplicateStateKeys returns the subset of entries whose StateKeyTuple
// appears more than once, preserving input order. Only the tests call it;
// storeStateEntries dedupes with findDuplicateStateKeysKeepLast.
func findDuplicateStateKeys(entries []types.StateEntry) []types.StateEntry {
	counts := map[types.StateKeyTuple]int{}
	for _, e := range entries {
		counts[e.StateKeyTuple]++
	}
	var out []types.StateEntry
	for _, e := range entries {
		if counts[e.StateKeyTuple] > 1 {
			out = append(out, e)
		}
	}
	return out
}

// findDuplicateStateKeysKeepLast collapses a sorted slice so only the last
// entry per StateKeyTuple survives, used when interning a freshly merged
// state snapshot (the last writer for each tuple is authoritative).
func findDuplicateStateKeysKeepLast(entries []types.StateEntry) []types.StateEntry {
	out := entries[:0:0]
	for i, e := range entries {
		if i+1 < len(entries) && entries[i+1].StateKeyTuple == e.StateKeyTuple {
			continue
		}
		out = append(out, e)
	}
	return out
}

func flattenAndDedupe(lists []types.StateEntryList) []types.StateEntry {
	var all []types.StateEntry
	for _, l := range lists {
		all = append(all, l.StateEntries...)
	}
	sort.Sort(stateEntrySorter(all))
	return findDuplicateStateKeysKeepLast(all)
}

// UniqueStateSnapshotNIDs sorts and deduplicates a slice of snapshot NIDs.
func UniqueStateSnapshotNIDs(nids []types.StateSnapshotNID) []types.StateSnapshotNID {
	if nids == nil {
		return nil
	}
	out := append([]types.StateSnapshotNID{}, nids...)
	sort.Sort(stateNIDSorter(out))
	return dedupeSorted(out)
}

func uniqueStateBlockNIDs(nids []types.StateBlockNID) []types.StateBlockNID {
	if nids == nil {
		return nil
	}
	out := append([]types.StateBlockNID{}, nids...)
	sort.Sort(stateBlockNIDSorter(out))
	return dedupeSortedBlock(out)
}

func dedupeSorted(nids []types.StateSnapshotNID) []types.StateSnapshotNID {
	out := nids[:0:0]
	for i, n := range nids {
		if i == 0 || n != nids[i-1] {
			out = append(out, n)
		}
	}
	return out
}

func dedupeSortedBlock(nids []types.StateBlockNID) []types.StateBlockNID {
	out := nids[:0:0]
	for i, n := range nids {
		if i == 0 || n != nids[i-1] {
			out = append(out, n)
		}
	}
	return out
}

// stateEntryMap is a slice of StateEntry sorted by StateKeyTuple, supporting
// binary-search lookup without building a real Go map (keeps iteration
// order deterministic, per spec DESIGN NOTES).
type stateEntryMap []types.StateEntry

func (m stateEntryMap) lookup(key types.StateKeyTuple) (eventNID types.EventNID, ok bool) {
	i := sort.Search(len(m), func(i int) bool {
		return !m[i].StateKeyTuple.LessThan(key)
	})
	if i < len(m) && m[i].StateKeyTuple == key {
		return m[i].EventNID, true
	}
	return 0, false
}

func newStateEntryMap(entries []types.StateEntry) stateEntryMap {
	out := append([]types.StateEntry{}, entries...)
	sort.Sort(stateEntryByStateKeySorter(out))
	return stateEntryMap(out)
}

// eventMap is a slice of Event sorted by EventNID, supporting binary-search
// lookup by NID.
type eventMap []types.Event

func (m eventMap) lookup(eventNID types.EventNID) (event types.Event, ok bool) {
	i := sort.Search(len(m), func(i int) bool { return m[i].EventNID >= eventNID })
	if i < len(m) && m[i].EventNID == eventNID {
		return m[i], true
	}
	return types.Event{}, false
}

// stateBlockNIDListMap is sorted by StateSnapshotNID.
type stateBlockNIDListMap []types.StateBlockNIDList

func (m stateBlockNIDListMap) lookup(stateSnapshotNID types.StateSnapshotNID) (stateBlockNIDs []types.StateBlockNID, ok bool) {
	i := sort.Search(len(m), func(i int) bool { return m[i].StateSnapshotNID >= stateSnapshotNID })
	if i < len(m) && m[i].StateSnapshotNID == stateSnapshotNID {
		return m[i].StateBlockNIDs, true
	}
	return nil, false
}

// stateEntryListMap is sorted by StateBlockNID.
type stateEntryListMap []types.StateEntryList

func (m stateEntryListMap) lookup(stateBlockNID types.StateBlockNID) (stateEntries []types.StateEntry, ok bool) {
	i := sort.Search(len(m), func(i int) bool { return m[i].StateBlockNID >= stateBlockNID })
	if i < len(m) && m[i].StateBlockNID == stateBlockNID {
		return m[i].StateEntries, true
	}
	return nil, false
}

// ---- sort.Interface implementations ----

// stateEntrySorter orders by StateKeyTuple then EventNID.
type stateEntrySorter []types.StateEntry

func (s stateEntrySorter) Len() int      { return len(s) }
func (s stateEntrySorter) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s stateEntrySorter) Less(i, j int) bool {
	if s[i].StateKeyTuple != s[j].StateKeyTuple {
		return s[i].StateKeyTuple.LessThan(s[j].StateKeyTuple)
	}
	return s[i].EventNID < s[j].EventNID
}

// stateEntryByStateKeySorter orders by StateKeyTuple only; sort.Sort with it
// does not keep the input order of entries with equal tuples.
type stateEntryByStateKeySorter []types.StateEntry

func (s stateEntryByStateKeySorter) Len() int      { return len(s) }
func (s stateEntryByStateKeySorter) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s stateEntryByStateKeySorter) Less(i, j int) bool {
	return s[i].StateKeyTuple.LessThan(s[j].StateKeyTuple)
}

type stateNIDSorter []types.StateSnapshotNID

func (s stateNIDSorter) Len() int           { return len(s) }
func (s stateNIDSorter) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s stateNIDSorter) Less(i, j int) bool { return s[i] < s[j] }

type stateBlockNIDSorter []types.StateBlockNID

func (s stateBlockNIDSorter) Len() int           { return len(s) }
func (s stateBlockNIDSorter) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s stateBlockNIDSorter) Less(i, j int) bool { return s[i] < s[j] }
