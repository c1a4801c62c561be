// Package errkind centralizes the error-kind classification table from
// spec.md §7 in one place instead of re-deriving it from scattered errors.Is/
// status-code checks the way the teacher does in pkg/repository/github.go
// and pkg/lifecycle/state.go. Its one caller is the scheduler, which logs
// the kind of every failed task.
package errkind

import (
	"errors"

	"github.com/eessi/ingestion-controlplane/pkg/gitstate"
	"github.com/eessi/ingestion-controlplane/pkg/objectstore"
)

// Kind is one of the error categories spec.md §7 lists, each with its own
// resolution policy.
type Kind int

const (
	// KindUnknown is any error not recognized by Classify; callers should
	// treat it the same as KindTransient (log and retry next run).
	KindUnknown Kind = iota
	// KindTransient covers object-storage, git-host, and webhook transport
	// failures: log a warning and abandon this task for this run.
	KindTransient
	// KindMissingSibling covers a metadata file without a payload or vice
	// versa. Classify reports it for any objectstore.ErrNotFound, such as a
	// HEAD or GET of an object that is absent from the bucket.
	KindMissingSibling
	// KindVerificationFailed covers signature-absent-when-required,
	// signature-invalid, and checksum-mismatch: open a tracking issue, leave
	// the artifact in its current state.
	KindVerificationFailed
	// KindIngestFailed covers a non-zero ingest script exit: open a tracking
	// issue with full argv/stdout/stderr, state unchanged.
	KindIngestFailed
	// KindBranchWithoutPR triggers self-repair: delete the branch, redo the
	// transition.
	KindBranchWithoutPR
	// KindSequenceRace means the caller must retry on the next scheduler
	// pass.
	KindSequenceRace
	// KindUnknownState means the git layout is corrupted; no-op, operator
	// intervention required.
	KindUnknownState
	// KindPidfileBusy means another run already holds the singleton lock;
	// exit with a distinct non-zero code.
	KindPidfileBusy
)

// Classify maps err onto the spec.md §7 error-kind table.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, objectstore.ErrNotFound):
		return KindMissingSibling
	case errors.Is(err, gitstate.ErrNotFound):
		return KindTransient
	default:
		return KindUnknown
	}
}
