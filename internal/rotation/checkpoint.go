package rotation

import (
	"context"
	"time"
)

// Step is the last completed step of a target's rotation.
type Step string

const (
	StepIdle Step = "idle"
	// StepRotating records the intent to rename before the rename happens.
	StepRotating   Step = "rotating"
	StepRenamed    Step = "renamed"
	StepCompressed Step = "compressed"
)

// Checkpoint is the persisted rotation progress of one target.
type Checkpoint struct {
	Path string `json:"path"`
	Step Step   `json:"last_step"`
	// Rotated is the uncompressed rotated file name of the rotation in
	// progress.
	Rotated   string    `json:"rotated,omitempty"`
	Timestamp time.Time `json:"last_timestamp"`
	// LastRotatedAt is when the last completed rename happened.
	LastRotatedAt time.Time `json:"last_rotated_at,omitempty"`
	// TrackedSince is when the target was first seen non-empty. It is the
	// age base of a target that has never been rotated.
	TrackedSince time.Time `json:"tracked_since,omitempty"`
}

// InProgress reports whether a rotation was interrupted before pruning.
func (c Checkpoint) InProgress() bool {
	return c.Step != "" && c.Step != StepIdle
}

type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, path string) (Checkpoint, bool, error)
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
}
