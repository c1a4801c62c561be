// Package scheduler is the top-level poll loop (spec.md §4.1, §5): for every
// configured staging bucket it lists objects, pairs each metadata key with
// its payload, and drives the pair through pkg/state's state machine, one
// bucket per goroutine and strictly serial within a bucket. Grounded on
// original_source/automated_ingestion.py's main loop, which likewise
// processes each bucket independently and each tarball within a bucket in
// sequence.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/eessi/ingestion-controlplane/pkg/config"
	"github.com/eessi/ingestion-controlplane/pkg/errkind"
	"github.com/eessi/ingestion-controlplane/pkg/logger"
	"github.com/eessi/ingestion-controlplane/pkg/objectstore"
	"github.com/eessi/ingestion-controlplane/pkg/state"
)

// Bucket names one configured staging bucket and the content distribution
// filesystem repository it feeds (spec.md §6's aws.staging_buckets mapping).
type Bucket struct {
	Name      string
	CvmfsRepo string
}

// Handler drives a single state.Task to completion; *state.Deps satisfies it
// via its Handle method.
type Handler interface {
	Handle(ctx context.Context, t state.Task) error
}

// Run polls every bucket concurrently (one goroutine each), building the
// (payload, metadata) task pairs for each and handing them to handle in
// order, strictly serially within a bucket. It returns once every bucket has
// been fully processed or ctx is cancelled.
func Run(ctx context.Context, objects objectstore.Client, buckets []Bucket, metaExt string, handle Handler) error {
	var wg sync.WaitGroup
	errs := make([]error, len(buckets))

	for i, b := range buckets {
		wg.Add(1)
		go func(i int, b Bucket) {
			defer wg.Done()
			errs[i] = runBucket(ctx, objects, b, metaExt, handle)
		}(i, b)
	}
	wg.Wait()

	var combined []string
	for i, err := range errs {
		if err != nil {
			combined = append(combined, fmt.Sprintf("%s: %v", buckets[i].Name, err))
		}
	}
	if len(combined) > 0 {
		return fmt.Errorf("scheduler: %d bucket(s) failed: %s", len(combined), strings.Join(combined, "; "))
	}
	return nil
}

// runBucket lists a single bucket, pairs its keys, and processes every
// resulting task in sequence, stopping early if ctx is cancelled between
// tasks (cancellation is checked at task boundaries, never mid-handler,
// spec.md §5).
func runBucket(ctx context.Context, objects objectstore.Client, b Bucket, metaExt string, handle Handler) error {
	tasks, err := discoverTasks(ctx, objects, b, metaExt)
	if err != nil {
		return err
	}

	logger.LogScope(ctx, slog.LevelInfo, logger.ScopeTaskOps, "discovered tasks",
		slog.String("bucket", b.Name), slog.Int("count", len(tasks)))

	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := handle.Handle(ctx, t); err != nil {
			// Every task failure is classified per spec.md §7's error-kind
			// table: transient transport errors are expected to clear up on
			// the next scheduled pass, so this run simply moves on to the
			// next task rather than aborting the whole bucket.
			kind := errkind.Classify(err)
			logger.LogScope(ctx, slog.LevelError, logger.ScopeTaskOps, "task failed, continuing with next task",
				slog.String("bucket", b.Name), slog.String("key", t.MetaKey), slog.Int("errorKind", int(kind)), logger.Err(err))
		}
	}
	return nil
}

// discoverTasks lists every object key in the bucket and pairs each metadata
// key (one ending in "."+metaExt) with its sibling payload key. A metadata
// key with no matching payload key is logged and skipped: spec.md §4.1
// requires a task to only ever be constructed from a complete pair.
func discoverTasks(ctx context.Context, objects objectstore.Client, b Bucket, metaExt string) ([]state.Task, error) {
	keys, errs := objects.List(ctx, b.Name)

	present := map[string]bool{}
	var metaKeys []string
	for k := range keys {
		present[k.Key] = true
		if strings.HasSuffix(k.Key, "."+metaExt) {
			metaKeys = append(metaKeys, k.Key)
		}
	}
	if err := <-errs; err != nil {
		return nil, fmt.Errorf("listing bucket %s: %w", b.Name, err)
	}

	tasks := make([]state.Task, 0, len(metaKeys))
	for _, metaKey := range metaKeys {
		dataKey := strings.TrimSuffix(metaKey, "."+metaExt)
		if !present[dataKey] {
			logger.LogScope(ctx, slog.LevelWarn, logger.ScopeTaskOps, "metadata key has no matching payload, skipping",
				slog.String("bucket", b.Name), slog.String("metaKey", metaKey))
			continue
		}
		tasks = append(tasks, state.Task{
			Bucket:    b.Name,
			CvmfsRepo: b.CvmfsRepo,
			DataKey:   dataKey,
			MetaKey:   metaKey,
		})
	}
	return tasks, nil
}

// BucketsFromConfig converts the aws.staging_buckets configuration mapping
// (bucket name -> CVMFS repo) into a stable-ordered slice, sorted by bucket
// name so repeated runs process buckets in the same order.
func BucketsFromConfig(cfg *config.Config) []Bucket {
	buckets := make([]Bucket, 0, len(cfg.AWS.StagingBuckets))
	for name, repo := range cfg.AWS.StagingBuckets {
		buckets = append(buckets, Bucket{Name: name, CvmfsRepo: repo})
	}
	for i := 1; i < len(buckets); i++ {
		for j := i; j > 0 && buckets[j-1].Name > buckets[j].Name; j-- {
			buckets[j-1], buckets[j] = buckets[j], buckets[j-1]
		}
	}
	return buckets
}
