// Package task parses the metadata document carried alongside every
// artifact and the `eessi-<VERSION>-<COMPONENT>-<OS>-<ARCH>-<TIMESTAMP>.<SUFFIX>`
// filename convention it is keyed by (spec.md §3), grounded on
// original_source/eessi_task_description.py and
// original_source/eessi_task_action.py.
package task

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Action is the operation a task's metadata document requests. An absent
// task.action field defaults to ActionAdd (spec.md §3).
type Action int

const (
	ActionAdd Action = iota
	ActionDelete
	ActionUpdate
	ActionNop
	ActionUnknown
)

func (a Action) String() string {
	switch a {
	case ActionAdd:
		return "add"
	case ActionDelete:
		return "delete"
	case ActionUpdate:
		return "update"
	case ActionNop:
		return "nop"
	default:
		return "unknown"
	}
}

// ParseAction maps the metadata document's task.action string onto an
// Action, grounded on original_source/eessi_task_action.py's EESSITaskAction
// enum.
func ParseAction(s string) Action {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "add":
		return ActionAdd
	case "delete":
		return ActionDelete
	case "update":
		return ActionUpdate
	case "nop":
		return ActionNop
	default:
		return ActionUnknown
	}
}

// Payload is the `payload` section of a metadata document.
type Payload struct {
	Filename  string `json:"filename"`
	SHA256Sum string `json:"sha256sum"`
}

// Link2PR is the `link2pr` section of a metadata document, identifying the
// originating source pull request that produced this artifact.
type Link2PR struct {
	Repo string `json:"repo"`
	PR   int    `json:"pr"`
}

// Uploader is the optional `uploader` section of a metadata document.
type Uploader struct {
	Username string `json:"username"`
}

// taskSection is the optional `task` section of a metadata document.
type taskSection struct {
	Action string `json:"action"`
}

// Metadata is the decoded JSON metadata document signed alongside an
// artifact's payload (spec.md §3).
type Metadata struct {
	Payload  Payload  `json:"payload"`
	Link2PR  Link2PR  `json:"link2pr"`
	Uploader Uploader `json:"uploader"`
	Task     taskSection `json:"task"`
}

// ParseMetadata decodes a metadata document from its JSON bytes.
func ParseMetadata(data []byte) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing metadata document: %w", err)
	}
	return &m, nil
}

// Action returns the task's requested action, defaulting to ActionAdd when
// the metadata document omits task.action.
func (m *Metadata) Action() Action {
	return ParseAction(m.Task.Action)
}

// GroupKey returns the (sourceRepo, sourcePR) grouping key artifacts sharing
// an originating source pull request are collected under (spec.md §3).
func (m *Metadata) GroupKey() (repo string, pr int) {
	return m.Link2PR.Repo, m.Link2PR.PR
}

// Filename is the decomposed `eessi-<VERSION>-<COMPONENT>-<OS>-<ARCH>-<TIMESTAMP>.<SUFFIX>`
// metadata key naming convention (spec.md §3), grounded on
// original_source/eessi_task_description.py's get_metadata_file_components.
type Filename struct {
	Version      string
	Component    string
	OS           string
	Architecture string
	Timestamp    string
	Suffix       string
}

// ParseFilename decomposes a metadata key into its named components. Per
// spec.md §3, the suffix is everything after the first dot of the *last*
// hyphen-separated segment, so the split proceeds hyphen-first: the
// architecture component may itself contain one or two hyphens, so it is
// whatever remains between the OS field and the timestamp segment.
func ParseFilename(name string) (Filename, error) {
	parts := strings.Split(name, "-")
	if len(parts) < 6 || parts[0] != "eessi" {
		return Filename{}, fmt.Errorf("filename %q does not match the eessi-VERSION-COMPONENT-OS-ARCH-TIMESTAMP convention", name)
	}

	last := parts[len(parts)-1]
	firstDot := strings.Index(last, ".")
	if firstDot < 0 {
		return Filename{}, fmt.Errorf("filename %q has no suffix", name)
	}
	timestamp, suffix := last[:firstDot], last[firstDot+1:]
	if _, err := strconv.ParseInt(timestamp, 10, 64); err != nil {
		return Filename{}, fmt.Errorf("filename %q has a non-numeric timestamp component %q", name, timestamp)
	}

	return Filename{
		Version:      parts[1],
		Component:    parts[2],
		OS:           parts[3],
		Architecture: strings.Join(parts[4:len(parts)-1], "-"),
		Timestamp:    timestamp,
		Suffix:       suffix,
	}, nil
}

// Format reassembles a Filename into its canonical string form, inverse to
// ParseFilename over valid inputs (SPEC_FULL.md §8 testable property 9).
func (f Filename) Format() string {
	return fmt.Sprintf("eessi-%s-%s-%s-%s-%s.%s", f.Version, f.Component, f.OS, f.Architecture, f.Timestamp, f.Suffix)
}

// DataKey returns the payload object key for a metadata key name.
func DataKey(metadataKey, metaExt string) string {
	return strings.TrimSuffix(metadataKey, "."+metaExt)
}

// SigKey returns the detached-signature object key for any object key.
func SigKey(key, sigExt string) string {
	return key + "." + sigExt
}
