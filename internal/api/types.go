package api

import (
	"fmt"
	"time"
)

// Phase is the server-reported processing stage of a replica. The
// server may introduce new intermediate phases at any time; anything
// other than PhaseReady and PhaseError means "still processing".
type Phase string

const (
	PhasePending  Phase = "pending"
	PhaseUploaded Phase = "uploaded"
	PhaseReady    Phase = "ready"
	PhaseError    Phase = "error"
)

// ReplicaStatus carries the processing state reported by the server.
type ReplicaStatus struct {
	Phase   Phase  `json:"phase"`
	Message string `json:"message,omitempty"`
}

// Replica is a server-persisted representation of one uploaded file
// belonging to a medium. Immutable from the client's perspective except
// for DisplayOrder, which may be reordered locally before committing.
type Replica struct {
	ID           string        `json:"id"`
	URL          string        `json:"url"`
	OriginalURL  string        `json:"original_url"`
	Name         string        `json:"name"`
	Size         int64         `json:"size"`
	Width        int           `json:"width,omitempty"`
	Height       int           `json:"height,omitempty"`
	DisplayOrder int           `json:"display_order"`
	Status       ReplicaStatus `json:"status"`
}

// Medium is the media item replicas attach to.
type Medium struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	Replicas  []Replica `json:"replicas,omitempty"`
}

// ExistingEntry describes the object already occupying a destination
// path, as reported by the server alongside an "already exists" error.
type ExistingEntry struct {
	Name       string    `json:"name"`
	URLRef     string    `json:"url_ref"`
	Kind       string    `json:"kind"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	AccessedAt time.Time `json:"accessed_at"`
}

// AlreadyExistsError is returned by CreateReplica when overwrite is
// false and the destination path is occupied. Entry is nil when the
// server did not include a descriptor for the occupying object.
type AlreadyExistsError struct {
	URL   string         `json:"url"`
	Entry *ExistingEntry `json:"entry,omitempty"`
}

func (e *AlreadyExistsError) Error() string {
	if e.Entry != nil {
		return fmt.Sprintf("destination already exists: %s (%s, %d bytes)", e.URL, e.Entry.Name, e.Entry.Size)
	}
	return fmt.Sprintf("destination already exists: %s", e.URL)
}
