package model

import "time"

// Record is one row of the key-value state table.
type Record struct {
	Key       string `db:"state_key"`
	Value     []byte `db:"state_value"`
	UpdatedAt int64  `db:"updated_at"`
}

// Updated returns UpdatedAt as a time.
func (r Record) Updated() time.Time {
	return time.Unix(0, r.UpdatedAt).UTC()
}
