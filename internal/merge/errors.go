package merge

import (
	"errors"
	"fmt"
)

// ErrExternalStoreMissing means the analysis service has not produced a
// per-video database at the expected path.
var ErrExternalStoreMissing = errors.New("analysis database not found")

type Phase string

const (
	PhaseAttach     Phase = "attach"
	PhaseCopyStats  Phase = "copy-stats"
	PhaseCopyEvents Phase = "copy-events"
	PhaseCommit     Phase = "commit"
)

// MergeError reports the phase in which a merge failed. Any failure after
// the transaction began has been rolled back.
type MergeError struct {
	Phase   Phase
	VideoID string
	Err     error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge %s for video %s: %v", e.Phase, e.VideoID, e.Err)
}

func (e *MergeError) Unwrap() error {
	return e.Err
}
