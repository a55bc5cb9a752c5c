package core

import "time"

// Checkpoint describes an immutable on-disk copy of the live store,
// identified by an opaque id under the engine's checkpoint root.
type Checkpoint struct {
	ID           string
	Dir          string
	LastModified time.Time
}
