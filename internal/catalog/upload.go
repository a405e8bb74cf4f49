package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mediasync/internal/api"
)

// ReplicaAPI is the subset of the remote client the orchestrator and
// reconciler call. Extracted for testability.
type ReplicaAPI interface {
	CreateReplica(ctx context.Context, mediumID, destPath string, blob []byte, overwrite bool, onProgress api.ProgressFunc) (*api.Replica, error)
	DeleteReplica(ctx context.Context, id string, deleteObject bool) error
	UpdateMediumOrdering(ctx context.Context, mediumID string, replicaIDs []string, createdAt time.Time) (*api.Medium, error)
}

// ReplicaWatch is the readiness view the orchestrator awaits on.
type ReplicaWatch interface {
	AwaitReplica(ctx context.Context, replicaID string) (*api.Replica, error)
	Close() error
}

// WatchOpener opens the event stream for one medium. One watch is
// opened per batch, before the first upload starts, and closed when
// the batch settles.
type WatchOpener func(ctx context.Context, mediumID string) (ReplicaWatch, error)

// batchScope is the shared cancellation scope for one batch. A new
// batch always gets a fresh scope; aborting a settled batch's stale
// scope can never affect a later one.
type batchScope struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Orchestrator runs upload batches: per-draft concurrent uploads with
// progress, interactive conflict negotiation, and readiness
// reconciliation against the medium event stream.
type Orchestrator struct {
	api       ReplicaAPI
	openWatch WatchOpener
	store     *BatchStore
	conflicts chan *Conflict
	logger    *slog.Logger

	scopeMu sync.Mutex
	scope   *batchScope
}

// NewOrchestrator creates an orchestrator talking through client and
// watching through openWatch.
func NewOrchestrator(client ReplicaAPI, openWatch WatchOpener, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		api:       client,
		openWatch: openWatch,
		store:     NewBatchStore(),
		conflicts: make(chan *Conflict, 16),
		logger:    logger,
	}
}

// Conflicts delivers unresolved naming conflicts in insertion order.
// The consumer resolves each via its Overwrite or Cancel method; the
// order of resolution is free.
func (o *Orchestrator) Conflicts() <-chan *Conflict {
	return o.conflicts
}

// Store exposes the batch state store for subscribers (UI, CLI
// progress rendering).
func (o *Orchestrator) Store() *BatchStore {
	return o.store
}

// Abort cancels the current batch's scope, if any. In-flight network
// operations reject promptly; affected drafts land in aborted, never
// error. Drafts already done stay done.
func (o *Orchestrator) Abort() {
	o.scopeMu.Lock()
	defer o.scopeMu.Unlock()
	if o.scope != nil {
		o.scope.cancel()
	}
}

// DestinationPath joins the container and draft name into the upload
// destination, percent-encoding each path segment independently. A
// literal '%' in a name round-trips (it is escaped, never conflated
// with an existing escape sequence), and a '/' inside a name cannot
// open a sub-path beyond the container level being edited.
func DestinationPath(container, name string) string {
	segments := strings.Split(strings.Trim(container, "/"), "/")
	encoded := make([]string, 0, len(segments)+1)
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		encoded = append(encoded, url.PathEscape(seg))
	}
	encoded = append(encoded, url.PathEscape(name))
	return strings.Join(encoded, "/")
}

// UploadBatch uploads every pending draft in items concurrently and
// returns one settled result per item, preserving input index order
// regardless of completion order. Persisted replicas pass through
// untouched. The batch settles only once every draft completed or
// permanently failed; per-draft failures become state, never an error
// from this method. The only errors returned are the pre-network
// validation gate and a failure to open the event stream.
func (o *Orchestrator) UploadBatch(ctx context.Context, mediumID, container string, list *DraftList) ([]UploadResult, error) {
	if errs := list.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("validation failed for %d draft(s): %w", len(errs), errs[0])
	}

	items := list.Items()

	// Fresh cancellation scope; replace, never mutate, so cancelling a
	// prior batch's scope stays inert.
	scope := &batchScope{}
	scope.ctx, scope.cancel = context.WithCancel(ctx)
	o.scopeMu.Lock()
	o.scope = scope
	o.scopeMu.Unlock()
	defer scope.cancel()

	o.store.Reset()

	// Renames are disallowed while a draft's upload is in flight.
	list.setRenameGuard(func(tempID string) bool {
		return o.store.State().Active(tempID)
	})
	defer list.setRenameGuard(nil)

	watch, err := o.openWatch(scope.ctx, mediumID)
	if err != nil {
		return nil, fmt.Errorf("opening medium event stream: %w", err)
	}
	defer watch.Close()

	results := make([]UploadResult, len(items))

	var g errgroup.Group
	for i, it := range items {
		if !it.IsDraft() {
			results[i] = UploadResult{Status: StatusDone, Replica: it.Replica}
			continue
		}

		draft := it.Draft
		idx := i
		g.Go(func() error {
			// Individual failures settle into the result slot; the
			// batch always waits for all.
			results[idx] = o.uploadOne(scope.ctx, mediumID, container, draft, watch)
			return nil
		})
	}

	_ = g.Wait()

	o.logger.Info("batch settled",
		slog.String("medium", mediumID),
		slog.Int("items", len(items)),
	)

	return results, nil
}

// uploadOne drives a single draft through the per-draft machine:
// uploading -> creating -> done, with side exits to aborted and error
// and the conflict sub-state on an occupied destination.
func (o *Orchestrator) uploadOne(ctx context.Context, mediumID, container string, draft *ReplicaDraft, watch ReplicaWatch) UploadResult {
	// A batch cancelled before this draft started leaves it untouched.
	if ctx.Err() != nil {
		return UploadResult{Status: StatusIdle, Draft: draft}
	}

	dest := DestinationPath(container, draft.Name)

	onProgress := func(loaded, total int64) {
		if loaded >= total {
			// Bytes finished transferring; the remote side is still
			// finalizing the replica.
			o.store.Dispatch(EventCreating{TempID: draft.TempID})
			return
		}
		// The transport total includes multipart framing; scale onto
		// the file size so the draft keeps one denominator throughout.
		scaled := loaded
		if total > 0 {
			scaled = loaded * draft.Size / total
		}
		o.store.Dispatch(EventUploading{TempID: draft.TempID, Loaded: scaled, Total: draft.Size})
	}

	overwrite := false
	for attempt := 0; ; attempt++ {
		if attempt == 0 {
			o.store.Dispatch(EventUploading{TempID: draft.TempID, Loaded: 0, Total: draft.Size})
		} else {
			o.store.Dispatch(EventRetrying{TempID: draft.TempID, Total: draft.Size})
		}

		replica, err := o.api.CreateReplica(ctx, mediumID, dest, draft.Blob, overwrite, onProgress)
		if err != nil {
			if ctx.Err() != nil {
				return o.settleAborted(draft)
			}

			var exists *api.AlreadyExistsError
			if errors.As(err, &exists) {
				// Only one overwrite retry per conflict; a second
				// conflict on the retry is terminal.
				if attempt > 0 {
					return o.settleError(draft, fmt.Errorf("destination still occupied after overwrite: %w", exists))
				}

				resolution, ok := o.negotiate(ctx, draft, exists)
				if !ok || resolution == ResolutionCancel {
					return o.settleAborted(draft)
				}
				overwrite = true
				continue
			}

			return o.settleError(draft, err)
		}

		// Bytes accepted is not done: wait for the server's readiness
		// signal so downstream consumers only ever see usable replicas.
		o.store.Dispatch(EventCreating{TempID: draft.TempID})

		ready, err := watch.AwaitReplica(ctx, replica.ID)
		if err != nil {
			if ctx.Err() != nil {
				return o.settleAborted(draft)
			}
			return o.settleError(draft, fmt.Errorf("awaiting readiness: %w", err))
		}

		o.store.Dispatch(EventDone{TempID: draft.TempID})
		o.logger.Info("replica uploaded",
			slog.String("name", draft.Name),
			slog.String("replica", ready.ID),
		)
		return UploadResult{Status: StatusDone, Replica: ready, Draft: draft}
	}
}

// negotiate queues a conflict for the user and blocks this draft until
// it is resolved or the batch is cancelled. ok is false on
// cancellation.
func (o *Orchestrator) negotiate(ctx context.Context, draft *ReplicaDraft, exists *api.AlreadyExistsError) (Resolution, bool) {
	conflict := newConflict(draft, exists.Entry)

	select {
	case o.conflicts <- conflict:
	case <-ctx.Done():
		return ResolutionCancel, false
	}

	select {
	case r := <-conflict.resolved:
		return r, true
	case <-ctx.Done():
		return ResolutionCancel, false
	}
}

func (o *Orchestrator) settleAborted(draft *ReplicaDraft) UploadResult {
	o.store.Dispatch(EventAborted{TempID: draft.TempID})
	o.logger.Info("upload aborted", slog.String("name", draft.Name))
	return UploadResult{Status: StatusAborted, Draft: draft}
}

func (o *Orchestrator) settleError(draft *ReplicaDraft, err error) UploadResult {
	o.store.Dispatch(EventError{TempID: draft.TempID, Err: err})
	o.logger.Warn("upload failed",
		slog.String("name", draft.Name),
		slog.String("error", err.Error()),
	)
	return UploadResult{Status: StatusError, Draft: draft, Err: err}
}
