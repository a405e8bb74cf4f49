package catalog

import "sync"

// Event is one state transition input for a batch. Events are keyed by
// the draft's TempID.
type Event interface {
	tempID() string
}

// EventUploading reports transfer progress. The first one moves the
// draft from idle to uploading.
type EventUploading struct {
	TempID string
	Loaded int64
	Total  int64
}

// EventRetrying marks the start of an overwrite retry: the previous
// attempt's transfer is void and the draft re-enters uploading, even
// from creating.
type EventRetrying struct {
	TempID string
	Total  int64
}

// EventCreating marks the transfer finished with the server still
// finalizing.
type EventCreating struct{ TempID string }

// EventDone marks the replica ready.
type EventDone struct{ TempID string }

// EventAborted marks a user-driven cancellation.
type EventAborted struct{ TempID string }

// EventError marks a terminal failure.
type EventError struct {
	TempID string
	Err    error
}

func (e EventUploading) tempID() string { return e.TempID }
func (e EventRetrying) tempID() string  { return e.TempID }
func (e EventCreating) tempID() string  { return e.TempID }
func (e EventDone) tempID() string      { return e.TempID }
func (e EventAborted) tempID() string   { return e.TempID }
func (e EventError) tempID() string     { return e.TempID }

// BatchState is an immutable snapshot of every draft's upload state in
// the current batch. Drafts with no entry are idle.
type BatchState struct {
	entries map[string]UploadState
}

// NewBatchState returns an empty snapshot.
func NewBatchState() BatchState {
	return BatchState{entries: map[string]UploadState{}}
}

// Get returns the state for a TempID. ok is false for idle drafts.
func (s BatchState) Get(tempID string) (UploadState, bool) {
	st, ok := s.entries[tempID]
	return st, ok
}

// Active reports whether the draft has a non-terminal, non-idle state.
// The rename control is disabled exactly while this is true.
func (s BatchState) Active(tempID string) bool {
	st, ok := s.entries[tempID]
	return ok && !st.Status.Terminal()
}

// Len returns the number of tracked drafts.
func (s BatchState) Len() int { return len(s.entries) }

// with returns a copy of the snapshot with one entry replaced.
func (s BatchState) with(tempID string, st UploadState) BatchState {
	next := make(map[string]UploadState, len(s.entries)+1)
	for k, v := range s.entries {
		next[k] = v
	}
	next[tempID] = st
	return BatchState{entries: next}
}

// Reduce applies one event to a snapshot and returns the next snapshot.
// Pure function: the input snapshot is never mutated. Terminal states
// are sticky, so an abort firing after a draft is done leaves it done.
func Reduce(s BatchState, ev Event) BatchState {
	id := ev.tempID()
	cur, tracked := s.entries[id]
	if tracked && cur.Status.Terminal() {
		return s
	}

	switch ev := ev.(type) {
	case EventUploading:
		// Progress never moves a draft backwards out of creating.
		if tracked && cur.Status == StatusCreating {
			return s
		}
		return s.with(id, UploadState{
			Status:   StatusUploading,
			Progress: &Progress{Loaded: ev.Loaded, Total: ev.Total},
		})

	case EventRetrying:
		return s.with(id, UploadState{
			Status:   StatusUploading,
			Progress: &Progress{Loaded: 0, Total: ev.Total},
		})

	case EventCreating:
		st := UploadState{Status: StatusCreating}
		if tracked && cur.Progress != nil {
			st.Progress = &Progress{Loaded: cur.Progress.Total, Total: cur.Progress.Total}
		}
		return s.with(id, st)

	case EventDone:
		return s.with(id, UploadState{Status: StatusDone})

	case EventAborted:
		return s.with(id, UploadState{Status: StatusAborted})

	case EventError:
		return s.with(id, UploadState{Status: StatusError, Err: ev.Err})

	default:
		return s
	}
}

// BatchStore holds the current batch snapshot and notifies subscribers
// on every transition. Dispatch is safe for concurrent use; snapshots
// handed to subscribers are immutable.
type BatchStore struct {
	mu    sync.Mutex
	state BatchState
	subs  []func(BatchState)
}

// NewBatchStore returns a store with an empty snapshot.
func NewBatchStore() *BatchStore {
	return &BatchStore{state: NewBatchState()}
}

// Dispatch reduces the event into the current snapshot and notifies
// subscribers with the result.
func (b *BatchStore) Dispatch(ev Event) {
	b.mu.Lock()
	b.state = Reduce(b.state, ev)
	snapshot := b.state
	subs := b.subs
	b.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}

// Reset clears all per-draft state. Called when a new batch starts;
// UploadState is transient and scoped to one batch.
func (b *BatchStore) Reset() {
	b.mu.Lock()
	b.state = NewBatchState()
	b.mu.Unlock()
}

// State returns the current snapshot.
func (b *BatchStore) State() BatchState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Subscribe registers a callback invoked after every transition.
func (b *BatchStore) Subscribe(fn func(BatchState)) {
	b.mu.Lock()
	b.subs = append(b.subs, fn)
	b.mu.Unlock()
}
