// Package path holds the directory and file name constants that make up the
// persisted state layout of the staging git repository (spec.md §6).
package path

const (
	// NewDir holds metadata files for artifacts that have not yet been staged.
	NewDir = "new"
	// StagedDir holds metadata files whose payload and metadata have been
	// downloaded and had their signatures verified, but that have not yet
	// been approved.
	StagedDir = "staged"
	// ApprovedDir holds metadata files awaiting or past PR approval.
	ApprovedDir = "approved"
	// RejectedDir holds metadata files for artifacts whose PR was closed
	// without merging.
	RejectedDir = "rejected"
	// IngestedDir holds metadata files that have been published.
	IngestedDir = "ingested"
)

// StateDirs lists the individual-mode state directories in the order they
// are scanned during state discovery. Order does not affect correctness
// (spec.md §4.5 invariant 1 requires at most one match across all of them)
// but a stable order makes UNKNOWN-detection logs reproducible.
var StateDirs = []string{NewDir, StagedDir, ApprovedDir, RejectedDir, IngestedDir}

const (
	// TaskDescriptionFile is the name of the file holding the raw metadata
	// document within a grouped-mode sequence directory.
	TaskDescriptionFile = "TaskDescription"
	// TaskStateFile is the name of the file holding the textual state name
	// within a grouped-mode sequence directory.
	TaskStateFile = "TaskState"
	// TaskSummaryFile is the name of the optional rendered contents overview
	// persisted alongside a grouped-mode task.
	TaskSummaryFile = "TaskSummary.html"
)
