package catalog

import (
	"fmt"

	"mediasync/internal/api"
)

// Item is one entry in the ordered replica list: either a persisted
// replica or a pending draft, never both.
type Item struct {
	Replica *api.Replica
	Draft   *ReplicaDraft
}

// IsDraft reports whether the item is a pending draft.
func (it Item) IsDraft() bool { return it.Draft != nil }

// Name returns the display name of the item.
func (it Item) Name() string {
	if it.Draft != nil {
		return it.Draft.Name
	}
	return it.Replica.Name
}

// ValidationError describes one draft that blocks submission.
type ValidationError struct {
	TempID string
	Name   string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("draft %q: %s", e.Name, e.Reason)
}

// DraftList owns the authoritative ordered list of pending drafts and
// already-persisted replicas for one medium. Not safe for concurrent
// use; during an upload batch the list belongs to the orchestrator and
// nothing else may mutate it.
type DraftList struct {
	items []Item

	// pendingRemoval holds IDs of persisted replicas marked for removal.
	// They stay in items (rendered struck-through) until restored or the
	// batch commit deletes them.
	pendingRemoval map[string]struct{}

	// renameGuard, when set, blocks renames for drafts whose upload is
	// in flight. Installed by the orchestrator for the batch duration.
	renameGuard func(tempID string) bool
}

// NewDraftList builds a list seeded with the medium's persisted
// replicas in display order.
func NewDraftList(replicas []api.Replica) *DraftList {
	items := make([]Item, 0, len(replicas))
	for i := range replicas {
		r := replicas[i]
		items = append(items, Item{Replica: &r})
	}
	return &DraftList{
		items:          items,
		pendingRemoval: make(map[string]struct{}),
	}
}

// Append adds drafts to the end of the list.
func (l *DraftList) Append(drafts ...*ReplicaDraft) {
	for _, d := range drafts {
		l.items = append(l.items, Item{Draft: d})
	}
}

// Len returns the total number of items, including those pending removal.
func (l *DraftList) Len() int { return len(l.items) }

// Items returns a snapshot copy of the ordered list.
func (l *DraftList) Items() []Item {
	out := make([]Item, len(l.items))
	copy(out, l.items)
	return out
}

// MoveUp swaps the item with its predecessor. No-op at index 0 or out
// of range.
func (l *DraftList) MoveUp(i int) {
	if i <= 0 || i >= len(l.items) {
		return
	}
	l.items[i-1], l.items[i] = l.items[i], l.items[i-1]
}

// MoveDown swaps the item with its successor. No-op at the last index
// or out of range.
func (l *DraftList) MoveDown(i int) {
	if i < 0 || i >= len(l.items)-1 {
		return
	}
	l.items[i], l.items[i+1] = l.items[i+1], l.items[i]
}

// Remove removes the item at i. A draft is deleted outright; a
// persisted replica is added to the pending-removal set and stays in
// the list until restored or committed.
func (l *DraftList) Remove(i int) {
	if i < 0 || i >= len(l.items) {
		return
	}

	it := l.items[i]
	if it.IsDraft() {
		l.items = append(l.items[:i], l.items[i+1:]...)
		return
	}

	l.pendingRemoval[it.Replica.ID] = struct{}{}
}

// Restore takes a persisted replica out of the pending-removal set.
func (l *DraftList) Restore(replicaID string) {
	delete(l.pendingRemoval, replicaID)
}

// PendingRemoval reports whether the replica is marked for removal.
func (l *DraftList) PendingRemoval(replicaID string) bool {
	_, ok := l.pendingRemoval[replicaID]
	return ok
}

// PendingRemovals returns the replicas currently marked for removal,
// in list order.
func (l *DraftList) PendingRemovals() []*api.Replica {
	var out []*api.Replica
	for _, it := range l.items {
		if it.Replica != nil && l.PendingRemoval(it.Replica.ID) {
			out = append(out, it.Replica)
		}
	}
	return out
}

// setRenameGuard installs or clears the in-flight rename block.
func (l *DraftList) setRenameGuard(guard func(tempID string) bool) {
	l.renameGuard = guard
}

// Rename replaces the draft with the given TempID in place, preserving
// its position. Persisted replicas cannot be renamed here, and a draft
// whose upload is in flight is rejected.
func (l *DraftList) Rename(tempID, newName string) error {
	if l.renameGuard != nil && l.renameGuard(tempID) {
		return fmt.Errorf("draft %s is uploading and cannot be renamed", tempID)
	}

	for i, it := range l.items {
		if it.Draft == nil || it.Draft.TempID != tempID {
			continue
		}
		l.items[i] = Item{Draft: it.Draft.Rename(newName)}
		return nil
	}

	return fmt.Errorf("no draft with temp id %s", tempID)
}

// VisiblePosition returns the 1-based position and total of the item at
// i among currently visible items, excluding anything in the
// pending-removal set. Recomputed on every call; never stored. visible
// is false when the item itself is pending removal or out of range.
func (l *DraftList) VisiblePosition(i int) (pos, total int, visible bool) {
	if i < 0 || i >= len(l.items) {
		return 0, l.visibleCount(), false
	}

	for j := 0; j <= i; j++ {
		it := l.items[j]
		if it.Replica != nil && l.PendingRemoval(it.Replica.ID) {
			if j == i {
				return 0, l.visibleCount(), false
			}
			continue
		}
		pos++
	}

	return pos, l.visibleCount(), true
}

func (l *DraftList) visibleCount() int {
	n := 0
	for _, it := range l.items {
		if it.Replica != nil && l.PendingRemoval(it.Replica.ID) {
			continue
		}
		n++
	}
	return n
}

// Validate checks the submission gate: every draft name must be
// non-empty and no two drafts may share a name. Persisted replicas are
// exempt from the uniqueness check. The returned slice is empty when
// submission may proceed; nothing here touches the network.
func (l *DraftList) Validate() []ValidationError {
	var errs []ValidationError

	seen := make(map[string]bool)
	for _, it := range l.items {
		if it.Draft == nil {
			continue
		}

		d := it.Draft
		if d.Name == "" {
			errs = append(errs, ValidationError{TempID: d.TempID, Reason: "name must not be empty"})
			continue
		}
		if seen[d.Name] {
			errs = append(errs, ValidationError{TempID: d.TempID, Name: d.Name, Reason: "duplicate draft name"})
			continue
		}
		seen[d.Name] = true
	}

	return errs
}

// ApplyResults merges settled batch results back into the list:
// successfully uploaded drafts are replaced in place by their persisted
// replicas, failed and aborted drafts stay as drafts unchanged. results
// must be parallel to the items snapshot the batch was started with.
func (l *DraftList) ApplyResults(results []UploadResult) {
	if len(results) != len(l.items) {
		return
	}

	for i, res := range results {
		if !l.items[i].IsDraft() {
			continue
		}
		if res.Status == StatusDone && res.Replica != nil {
			l.items[i] = Item{Replica: res.Replica}
		}
	}
}

// CommitRemovals drops the replicas whose server-side deletion
// succeeded and clears their removal marks.
func (l *DraftList) CommitRemovals(deletedIDs map[string]bool) {
	kept := l.items[:0]
	for _, it := range l.items {
		if it.Replica != nil && deletedIDs[it.Replica.ID] {
			delete(l.pendingRemoval, it.Replica.ID)
			continue
		}
		kept = append(kept, it)
	}
	l.items = kept
}

// Rollback reorders the persisted replicas to the given server ordering
// and appends surviving drafts after them in their current order.
// Removal marks are cleared; the list reflects the pre-commit server
// state the caller last knew.
func (l *DraftList) Rollback(orderedIDs []string) {
	byID := make(map[string]*api.Replica)
	var drafts []Item
	for _, it := range l.items {
		if it.Replica != nil {
			byID[it.Replica.ID] = it.Replica
		} else {
			drafts = append(drafts, it)
		}
	}

	items := make([]Item, 0, len(l.items))
	for _, id := range orderedIDs {
		if r, ok := byID[id]; ok {
			items = append(items, Item{Replica: r})
			delete(byID, id)
		}
	}
	// Replicas the snapshot does not know about (just uploaded) keep
	// their position after the known ones.
	for _, it := range l.items {
		if it.Replica != nil {
			if _, orphan := byID[it.Replica.ID]; orphan {
				items = append(items, it)
				delete(byID, it.Replica.ID)
			}
		}
	}

	l.items = append(items, drafts...)
	l.pendingRemoval = make(map[string]struct{})
}

// OrderedReplicaIDs returns the IDs of persisted replicas in list
// order, excluding the given set.
func (l *DraftList) OrderedReplicaIDs(exclude map[string]bool) []string {
	var ids []string
	for _, it := range l.items {
		if it.Replica == nil {
			continue
		}
		if exclude[it.Replica.ID] {
			continue
		}
		ids = append(ids, it.Replica.ID)
	}
	return ids
}
