// Package catalog implements the replica upload pipeline: file intake,
// geometry probing, draft list management, concurrent upload
// orchestration with interactive conflict negotiation, and batch
// completion reconciliation against the remote catalog API.
package catalog

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"mediasync/internal/api"
)

// Status is the upload state of one draft within a batch. A draft with
// no entry in the batch state is idle.
type Status string

const (
	// StatusIdle is the zero value: the draft has no upload state. A
	// batch cancelled before a draft started leaves it idle, untouched.
	StatusIdle Status = ""
	// StatusUploading means bytes are being transferred.
	StatusUploading Status = "uploading"
	// StatusCreating means all bytes were transferred and the server is
	// finalizing the replica.
	StatusCreating Status = "creating"
	// StatusDone means the server reported the replica ready.
	StatusDone Status = "done"
	// StatusAborted means the user cancelled this draft's upload, either
	// through batch cancellation or a conflict resolution.
	StatusAborted Status = "aborted"
	// StatusError means the upload failed for any non-cancellation reason.
	StatusError Status = "error"
)

// Terminal reports whether a status is final for the batch.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusAborted || s == StatusError
}

// Progress is a byte-level transfer progress pair.
type Progress struct {
	Loaded int64
	Total  int64
}

// UploadState is the transient per-draft state for one batch, keyed by
// the draft's TempID.
type UploadState struct {
	Status   Status
	Progress *Progress
	Err      error
}

// ReplicaDraft is a locally-held, not-yet-uploaded replica candidate.
// TempID is opaque and stable for the session; it is never reused
// across drafts, so status entries cannot be misattributed after
// reordering or removal.
type ReplicaDraft struct {
	TempID       string
	Name         string
	Source       string
	Size         int64
	Width        int
	Height       int
	LastModified time.Time
	Blob         []byte
}

// NewDraft creates a draft with a fresh TempID.
func NewDraft(name string, blob []byte, lastModified time.Time) *ReplicaDraft {
	return &ReplicaDraft{
		TempID:       uuid.NewString(),
		Name:         name,
		Size:         int64(len(blob)),
		LastModified: lastModified,
		Blob:         blob,
	}
}

// Rename returns a copy of the draft with the new name, preserving
// TempID and everything else.
func (d *ReplicaDraft) Rename(name string) *ReplicaDraft {
	renamed := *d
	renamed.Name = name
	return &renamed
}

// Resolution is the user's answer to a naming conflict.
type Resolution int

const (
	// ResolutionCancel aborts the conflicted draft's upload.
	ResolutionCancel Resolution = iota
	// ResolutionOverwrite retries the upload with overwrite enabled.
	ResolutionOverwrite
)

// Conflict is one outstanding naming-conflict negotiation. The
// orchestrator suspends only the conflicted draft's upload until
// Overwrite or Cancel is called; sibling uploads continue undisturbed.
type Conflict struct {
	Draft *ReplicaDraft
	// Existing describes the object occupying the destination path, or
	// nil when the server provided no descriptor.
	Existing *api.ExistingEntry

	once     sync.Once
	resolved chan Resolution
}

func newConflict(draft *ReplicaDraft, existing *api.ExistingEntry) *Conflict {
	return &Conflict{
		Draft:    draft,
		Existing: existing,
		resolved: make(chan Resolution, 1),
	}
}

// Overwrite resolves the conflict by retrying with overwrite enabled.
// Only the first resolution wins.
func (c *Conflict) Overwrite() {
	c.once.Do(func() { c.resolved <- ResolutionOverwrite })
}

// Cancel resolves the conflict by aborting the draft's upload.
func (c *Conflict) Cancel() {
	c.once.Do(func() { c.resolved <- ResolutionCancel })
}

// UploadResult is the settled outcome for one batch item, parallel to
// the input order. Exactly one of Replica (success or passthrough) or
// Draft (error or aborted, preserved unchanged for a later retry) is
// meaningful alongside Status.
type UploadResult struct {
	Status  Status
	Replica *api.Replica
	Draft   *ReplicaDraft
	Err     error
}
