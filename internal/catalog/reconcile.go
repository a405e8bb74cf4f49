package catalog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mediasync/internal/api"
	"mediasync/internal/state"
)

// ErrCommitDeclined means the user declined the removal confirmation;
// the commit was abandoned with no side effects.
var ErrCommitDeclined = errors.New("commit declined")

// ConfirmRemovalFunc asks the user whether removed replicas should
// have their underlying stored objects deleted too (true) or be kept
// and only detached (false). proceed=false aborts the whole commit.
type ConfirmRemovalFunc func(ctx context.Context, removed []*api.Replica) (deleteObjects, proceed bool, err error)

// orderingStore is the subset of the local state store the reconciler
// uses for committed-ordering snapshots.
type orderingStore interface {
	SetOrdering(mediumID string, o state.Ordering) error
	GetOrdering(mediumID string) (*state.Ordering, error)
}

// Reconciler merges settled batch results into the draft list,
// executes deferred replica removals behind a confirmation gate, and
// persists the final ordering.
type Reconciler struct {
	api    ReplicaAPI
	store  orderingStore
	logger *slog.Logger
}

// NewReconciler creates a reconciler. store may be nil to disable
// ordering snapshots (rollback then falls back to the medium's last
// fetched replica order).
func NewReconciler(client ReplicaAPI, store orderingStore, logger *slog.Logger) *Reconciler {
	return &Reconciler{api: client, store: store, logger: logger}
}

// Commit finalizes one settled batch:
//
//  1. merges results into the list (uploaded drafts become replicas,
//     failed ones stay drafts for a later retry),
//  2. gates pending removals on a single confirmation; declining
//     aborts with ErrCommitDeclined and no side effects,
//  3. deletes removed replicas concurrently, tolerating individual
//     failures (a failed delete keeps that replica in the ordering),
//  4. persists the final ordering.
//
// On ordering failure the visible list rolls back to the pre-commit
// server state last known and a single error surfaces; replicas
// created by the batch are never rolled back, they exist server-side.
func (r *Reconciler) Commit(ctx context.Context, medium *api.Medium, list *DraftList, results []UploadResult, confirm ConfirmRemovalFunc) error {
	list.ApplyResults(results)

	removed := list.PendingRemovals()
	deleteObjects := false

	if len(removed) > 0 {
		var proceed bool
		var err error
		deleteObjects, proceed, err = confirm(ctx, removed)
		if err != nil {
			return err
		}
		if !proceed {
			return ErrCommitDeclined
		}
	}

	deleted := r.deleteRemoved(ctx, removed, deleteObjects)

	finalIDs := list.OrderedReplicaIDs(deleted)

	updated, err := r.api.UpdateMediumOrdering(ctx, medium.ID, finalIDs, medium.CreatedAt)
	if err != nil {
		r.rollback(medium, list)
		return err
	}

	list.CommitRemovals(deleted)

	if r.store != nil {
		snapshot := state.Ordering{ReplicaIDs: finalIDs, CommittedAt: time.Now()}
		if err := r.store.SetOrdering(medium.ID, snapshot); err != nil {
			r.logger.Warn("failed to persist ordering snapshot",
				slog.String("medium", medium.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	r.logger.Info("batch committed",
		slog.String("medium", medium.ID),
		slog.Int("replicas", len(updated.Replicas)),
		slog.Int("deleted", len(deleted)),
	)

	return nil
}

// deleteRemoved issues the deletions concurrently and waits for all of
// them, returning the set of replica IDs whose deletion succeeded.
func (r *Reconciler) deleteRemoved(ctx context.Context, removed []*api.Replica, deleteObjects bool) map[string]bool {
	deleted := make(map[string]bool, len(removed))
	if len(removed) == 0 {
		return deleted
	}

	var mu sync.Mutex
	var g errgroup.Group

	for _, rep := range removed {
		rep := rep
		g.Go(func() error {
			if err := r.api.DeleteReplica(ctx, rep.ID, deleteObjects); err != nil {
				// The replica still exists server-side; it stays in
				// the final ordering.
				r.logger.Warn("replica deletion failed",
					slog.String("replica", rep.ID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			mu.Lock()
			deleted[rep.ID] = true
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	return deleted
}

// rollback restores the visible list to the pre-commit server state:
// the last committed ordering snapshot when one exists, otherwise the
// replica order the medium was last fetched with.
func (r *Reconciler) rollback(medium *api.Medium, list *DraftList) {
	var orderedIDs []string

	if r.store != nil {
		if snap, err := r.store.GetOrdering(medium.ID); err != nil {
			r.logger.Warn("failed to load ordering snapshot",
				slog.String("medium", medium.ID),
				slog.String("error", err.Error()),
			)
		} else if snap != nil {
			orderedIDs = snap.ReplicaIDs
		}
	}

	if orderedIDs == nil {
		for _, rep := range medium.Replicas {
			orderedIDs = append(orderedIDs, rep.ID)
		}
	}

	list.Rollback(orderedIDs)
}
