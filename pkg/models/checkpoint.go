package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

type CheckpointKind string

const (
	WaveCompleteCheckpoint CheckpointKind = "wave_complete"
	UnitCompleteCheckpoint CheckpointKind = "unit_complete"
	ManualCheckpoint       CheckpointKind = "manual"
)

// CheckpointPolicy controls when the scheduler writes checkpoints.
type CheckpointPolicy string

const (
	CheckpointEveryWave CheckpointPolicy = "every_wave"
	CheckpointEveryUnit CheckpointPolicy = "every_unit"
	CheckpointManual    CheckpointPolicy = "manual"
)

// Checkpoint is an append-only snapshot of run progress used for
// resume-after-crash. The state blob holds identifiers only.
type Checkpoint struct {
	ID        int64           `json:"id" db:"id"`         // Auto-incremented checkpoint ID
	RunID     int64           `json:"run_id" db:"run_id"` // Owning workflow run
	Seq       int             `json:"seq" db:"seq"`       // Ascending per run; the wave ordinal for wave checkpoints
	Kind      CheckpointKind  `json:"kind" db:"kind"`     // "wave_complete", "unit_complete", "manual"
	State     CheckpointState `json:"state" db:"state"`   // Unit ids by bucket, stored as JSONB
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// CheckpointState lists unit ids by progress bucket. Artifact content never
// appears here.
type CheckpointState struct {
	Completed []string `json:"completed,omitempty"`
	Skipped   []string `json:"skipped,omitempty"`
	Awaiting  []string `json:"awaiting,omitempty"`
	Failed    []string `json:"failed,omitempty"`
	Pending   []string `json:"pending,omitempty"`
}

// Value serializes the state as JSON for the database driver.
func (s CheckpointState) Value() (driver.Value, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "marshal checkpoint state")
	}
	return string(b), nil
}

// Scan restores the state from its JSON column.
func (s *CheckpointState) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*s = CheckpointState{}
		return nil
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return errors.Errorf("cannot scan checkpoint state from %T", src)
	}
}
