// Package mirror is the local-object mirror (spec.md §4.2): it downloads a
// remote data file and its signature twin into deterministic local paths,
// gated by a download Mode, and persists the remote ETag of each file
// alongside it as a `.etag` sidecar. Grounded on
// original_source/eessi_data_object.py's EESSIDataAndSignatureObject and
// remote_storage.py's DownloadMode enum, generalized onto the teacher's
// pkg/filesystem billy.Filesystem usage for all local path handling.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/eessi/ingestion-controlplane/pkg/filesystem"
	"github.com/eessi/ingestion-controlplane/pkg/logger"
	"github.com/eessi/ingestion-controlplane/pkg/objectstore"
	"github.com/eessi/ingestion-controlplane/pkg/task"

	"github.com/go-git/go-billy/v5"
)

// Mode selects the download gating policy (spec.md §4.2).
type Mode int

const (
	// Force always downloads both files.
	Force Mode = iota
	// CheckRemote downloads iff either local artifact or its sidecar is
	// missing, or the remote ETag differs from the recorded sidecar.
	CheckRemote
	// CheckLocal downloads iff either local file is missing.
	CheckLocal
)

// Pair mirrors a remote data object and its detached signature to the local
// filesystem rooted at downloadDir, preserving the remote key's directory
// structure.
type Pair struct {
	client objectstore.Client
	bucket string
	fs     billy.Filesystem

	DataKey string
	SigKey  string

	// LocalDataPath and LocalSigPath are relative to the mirror's
	// filesystem root (downloadDir).
	LocalDataPath string
	LocalSigPath  string
}

// NewPair constructs a Pair for the given data key, deriving the signature
// key and both local paths the way original_source/eessi_data_object.py
// does in its constructor.
func NewPair(client objectstore.Client, bucket, downloadDir, dataKey, sigExt string) *Pair {
	sigKey := task.SigKey(dataKey, sigExt)
	return &Pair{
		client:        client,
		bucket:        bucket,
		fs:            filesystem.GetFilesystem(downloadDir),
		DataKey:       dataKey,
		SigKey:        sigKey,
		LocalDataPath: strings.TrimPrefix(dataKey, "/"),
		LocalSigPath:  strings.TrimPrefix(sigKey, "/"),
	}
}

// LocalDataAbsPath returns the absolute on-disk path of the mirrored data file.
func (p *Pair) LocalDataAbsPath() string {
	return filesystem.GetAbsPath(p.fs, p.LocalDataPath)
}

// LocalSigAbsPath returns the absolute on-disk path of the mirrored signature file.
func (p *Pair) LocalSigAbsPath() string {
	return filesystem.GetAbsPath(p.fs, p.LocalSigPath)
}

func etagPath(path string) string {
	return path + ".etag"
}

func (p *Pair) readLocalETag(path string) (string, bool) {
	f, err := p.fs.Open(etagPath(path))
	if err != nil {
		return "", false
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

func (p *Pair) writeLocalETag(ctx context.Context, path, etag string) {
	f, err := filesystem.CreateFileAndDirs(p.fs, etagPath(path))
	if err != nil {
		logger.Log(ctx, slog.LevelWarn, "failed to write etag sidecar", logger.Err(err), slog.String("path", etagPath(path)))
		return
	}
	defer f.Close()
	if _, err := f.Write([]byte(etag)); err != nil {
		// Non-fatal: spec.md §4.2 requires the next run simply re-download.
		logger.Log(ctx, slog.LevelWarn, "failed to write etag sidecar", logger.Err(err), slog.String("path", etagPath(path)))
	}
}

func (p *Pair) removeArtifact(path string) {
	filesystem.RemoveAll(p.fs, path)
	filesystem.RemoveAll(p.fs, etagPath(path))
}

// shouldDownload evaluates mode against the current local state, following
// spec.md §4.2's exact policy for each mode.
func (p *Pair) shouldDownload(ctx context.Context, mode Mode) (bool, error) {
	switch mode {
	case Force:
		return true, nil
	case CheckLocal:
		haveData, err := filesystem.PathExists(p.fs, p.LocalDataPath)
		if err != nil {
			return false, err
		}
		haveSig, err := filesystem.PathExists(p.fs, p.LocalSigPath)
		if err != nil {
			return false, err
		}
		return !haveData || !haveSig, nil
	case CheckRemote:
		haveData, err := filesystem.PathExists(p.fs, p.LocalDataPath)
		if err != nil {
			return false, err
		}
		haveSig, err := filesystem.PathExists(p.fs, p.LocalSigPath)
		if err != nil {
			return false, err
		}
		dataETag, haveDataETag := p.readLocalETag(p.LocalDataPath)
		sigETag, haveSigETag := p.readLocalETag(p.LocalSigPath)
		if !haveData || !haveSig || !haveDataETag || !haveSigETag {
			return true, nil
		}
		remoteData, err := p.client.Head(ctx, p.bucket, p.DataKey)
		if err != nil {
			return false, fmt.Errorf("heading %s: %w", p.DataKey, err)
		}
		remoteSig, err := p.client.Head(ctx, p.bucket, p.SigKey)
		if err != nil {
			return false, fmt.Errorf("heading %s: %w", p.SigKey, err)
		}
		return remoteData.ETag != dataETag || remoteSig.ETag != sigETag, nil
	default:
		return false, fmt.Errorf("unknown download mode %d", mode)
	}
}

// Sync downloads the pair according to mode, reporting whether a download
// actually occurred. Download contract (spec.md §4.2): data is downloaded
// first; on success, the signature is attempted. If the signature download
// fails and sigRequired is true, both artifacts and sidecars are removed and
// the error is surfaced; if sigRequired is false, only the signature-side
// artifacts are cleaned up and the call still reports success.
func (p *Pair) Sync(ctx context.Context, mode Mode, sigRequired bool) (downloaded bool, err error) {
	need, err := p.shouldDownload(ctx, mode)
	if err != nil {
		return false, err
	}
	if !need {
		return false, nil
	}

	dataMeta, err := p.client.Head(ctx, p.bucket, p.DataKey)
	if err != nil {
		return false, fmt.Errorf("heading data object %s: %w", p.DataKey, err)
	}
	if err := p.client.Get(ctx, p.bucket, p.DataKey, p.LocalDataAbsPath()); err != nil {
		return false, fmt.Errorf("downloading data object %s: %w", p.DataKey, err)
	}
	p.writeLocalETag(ctx, p.LocalDataPath, dataMeta.ETag)
	logger.LogScope(ctx, slog.LevelInfo, logger.ScopeDownload, "downloaded data object", slog.String("key", p.DataKey))

	sigMeta, err := p.client.Head(ctx, p.bucket, p.SigKey)
	if err != nil {
		return p.handleSignatureFailure(ctx, sigRequired, err)
	}
	if err := p.client.Get(ctx, p.bucket, p.SigKey, p.LocalSigAbsPath()); err != nil {
		return p.handleSignatureFailure(ctx, sigRequired, err)
	}
	p.writeLocalETag(ctx, p.LocalSigPath, sigMeta.ETag)
	logger.LogScope(ctx, slog.LevelInfo, logger.ScopeDownload, "downloaded signature object", slog.String("key", p.SigKey))

	return true, nil
}

func (p *Pair) handleSignatureFailure(ctx context.Context, sigRequired bool, cause error) (bool, error) {
	if sigRequired {
		p.removeArtifact(p.LocalDataPath)
		p.removeArtifact(p.LocalSigPath)
		return false, fmt.Errorf("signature download required but failed for %s: %w", p.SigKey, cause)
	}
	p.removeArtifact(p.LocalSigPath)
	logger.LogScope(ctx, slog.LevelWarn, logger.ScopeDownload, "signature download failed, continuing without it",
		slog.String("key", p.SigKey), logger.Err(cause))
	return true, nil
}

// ErrUnknownMode is returned by ParseMode for unrecognized mode strings.
var ErrUnknownMode = errors.New("unknown download mode")

// ParseMode parses a download mode name from configuration or CLI flags.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "force":
		return Force, nil
	case "check-remote", "check_remote":
		return CheckRemote, nil
	case "check-local", "check_local", "":
		return CheckLocal, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}
