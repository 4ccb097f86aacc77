// Package indexer implements the image operations exposed to the tool
// server and the command line: processing, search, statistics and
// duplicate detection.
package indexer

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/localrivet/imagecontext/internal/compat"
	"github.com/localrivet/imagecontext/internal/errortypes"
	"github.com/localrivet/imagecontext/internal/extract"
	"github.com/localrivet/imagecontext/internal/imagestore"
	"github.com/localrivet/imagecontext/internal/lifecycle"
	"github.com/localrivet/imagecontext/internal/telemetry"
	"github.com/localrivet/imagecontext/internal/util"
	"golang.org/x/sync/errgroup"
)

// DefaultSearchResults is used when a search asks for no particular count.
const DefaultSearchResults = 5

// Extractor describes image files.
type Extractor interface {
	Extract(ctx context.Context, path string) (*extract.Features, error)
}

// Scanner lists the image files of a directory.
type Scanner interface {
	Scan(dir string) ([]string, error)
}

// Options configure an Indexer.
type Options struct {
	Workers            int
	DuplicateThreshold float64
	Logger             *slog.Logger
	Metrics            *telemetry.MetricsCollector
}

// Indexer runs image operations against the managed store.
type Indexer struct {
	manager   *lifecycle.Manager
	extractor Extractor
	scanner   Scanner
	workers   int
	threshold float64
	logger    *slog.Logger
	metrics   *telemetry.MetricsCollector
}

// ProcessResult is the outcome of processing one image.
type ProcessResult struct {
	ID      string `json:"id"`
	Path    string `json:"image_path"`
	Skipped bool   `json:"skipped"`
}

// ItemError is a per-image failure inside a batch.
type ItemError struct {
	Path  string `json:"image_path"`
	Error string `json:"error"`
}

// BatchResult aggregates a directory run.
type BatchResult struct {
	BatchID   string        `json:"batch_id"`
	Directory string        `json:"directory"`
	Total     int           `json:"total"`
	Processed int           `json:"processed"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Errors    []ItemError   `json:"errors,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// SearchHit is one search result.
type SearchHit struct {
	ID       string   `json:"id"`
	Path     string   `json:"image_path"`
	Caption  string   `json:"caption"`
	Objects  []string `json:"objects"`
	Distance float64  `json:"distance"`
}

// Stats describes the store.
type Stats struct {
	Count          int                        `json:"count"`
	CollectionName string                     `json:"collection_name"`
	StorePath      string                     `json:"store_path"`
	State          lifecycle.State            `json:"state"`
	Identity       *compat.CollectionIdentity `json:"identity,omitempty"`
}

// New creates an indexer.
func New(manager *lifecycle.Manager, extractor Extractor, scanner Scanner, opts Options) *Indexer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Indexer{
		manager:   manager,
		extractor: extractor,
		scanner:   scanner,
		workers:   workers,
		threshold: opts.DuplicateThreshold,
		logger:    logger.With("component", "indexer"),
		metrics:   opts.Metrics,
	}
}

// store returns the open store or a typed error explaining why it is not
// usable.
func (x *Indexer) store() (*imagestore.Store, error) {
	st, err := x.manager.Store()
	if err == nil {
		return st, nil
	}
	if x.manager.State() == lifecycle.StateBlocked {
		if v := x.manager.LastVerdict(); v != nil {
			return nil, errortypes.IncompatibleError(&imagestore.IncompatibleModelError{Verdict: *v},
				"embedding model is incompatible with the collection; clear and rebuild to continue")
		}
	}
	return nil, errortypes.StoreUnavailableError(err, "image store is not available")
}

// Process extracts and stores one image. An already processed path is
// skipped unless force is set.
func (x *Indexer) Process(ctx context.Context, path string, force bool) (ProcessResult, error) {
	path = filepath.Clean(strings.TrimSpace(path))
	if path == "." || path == "" {
		return ProcessResult{}, errortypes.ValidationError(errors.New("image path is required"), "invalid request")
	}
	res := ProcessResult{ID: util.PathID(path), Path: path}

	st, err := x.store()
	if err != nil {
		return res, err
	}

	if !force {
		exists, err := st.Exists(ctx, path)
		if err != nil {
			return res, err
		}
		if exists {
			x.metrics.IncrementCounter(telemetry.MetricIndexerSkipped, 1)
			x.logger.Debug("Image already processed", "path", path)
			res.Skipped = true
			return res, nil
		}
	}

	start := time.Now()
	features, err := x.extractor.Extract(ctx, path)
	if err != nil {
		return res, err
	}
	rec := features.Record()
	if err := st.Upsert(ctx, rec); err != nil {
		return res, err
	}

	x.metrics.IncrementCounter(telemetry.MetricIndexerProcessed, 1)
	x.metrics.Since(telemetry.MetricIndexerTime, start)
	x.logger.Info("Processed image", "path", path, "id", rec.ID)
	return res, nil
}

// structural reports whether err must abort a batch instead of being
// counted against a single image.
func structural(err error) bool {
	return errortypes.IsIncompatibleError(err) ||
		errortypes.IsStoreUnavailableError(err) ||
		errortypes.IsModelLoadError(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// ProcessDirectory processes every supported image under dir with a
// bounded number of workers. Per-image failures are collected; store,
// compatibility and model load failures abort the batch and are returned
// with the partial result.
func (x *Indexer) ProcessDirectory(ctx context.Context, dir string, force bool) (result BatchResult, err error) {
	result = BatchResult{BatchID: uuid.New().String(), Directory: dir}
	start := time.Now()
	defer func() { result.Duration = time.Since(start) }()

	if _, err := x.store(); err != nil {
		return result, err
	}

	files, scanErr := x.scanner.Scan(dir)
	if scanErr != nil {
		return result, errortypes.ValidationError(scanErr, "cannot scan directory").WithField("directory", dir)
	}
	result.Total = len(files)
	logger := x.logger.With("batch_id", result.BatchID, "directory", dir)
	logger.Info("Processing directory", "files", len(files), "workers", x.workers)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.workers)
	for _, file := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := x.Process(gctx, file, force)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil && structural(err):
				return err
			case err != nil:
				result.Failed++
				result.Errors = append(result.Errors, ItemError{Path: file, Error: err.Error()})
				x.metrics.IncrementCounter(telemetry.MetricIndexerFailed, 1)
				logger.Warn("Failed to process image", "path", file, "error", err)
			case res.Skipped:
				result.Skipped++
			default:
				result.Processed++
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("Directory processing aborted", "error", err,
			"processed", result.Processed, "failed", result.Failed)
		return result, err
	}

	logger.Info("Directory processed",
		"processed", result.Processed, "skipped", result.Skipped, "failed", result.Failed)
	return result, nil
}

// Search returns the k stored images closest to text.
func (x *Indexer) Search(ctx context.Context, text string, k int) ([]SearchHit, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errortypes.ValidationError(errors.New("query text is required"), "invalid request")
	}
	if k <= 0 {
		k = DefaultSearchResults
	}

	st, err := x.store()
	if err != nil {
		return nil, err
	}
	hits, err := st.Query(ctx, text, k)
	if err != nil {
		return nil, err
	}

	results := make([]SearchHit, 0, len(hits))
	for _, h := range hits {
		results = append(results, SearchHit{
			ID:       h.Record.ID,
			Path:     h.Record.Path,
			Caption:  h.Record.Caption,
			Objects:  h.Record.Objects,
			Distance: h.Distance,
		})
	}
	return results, nil
}

// Get returns a stored record by id, or nil when it does not exist.
func (x *Indexer) Get(ctx context.Context, id string) (*imagestore.Record, error) {
	st, err := x.store()
	if err != nil {
		return nil, err
	}
	return st.Get(ctx, id)
}

// GetByPath returns the stored record for path, or nil.
func (x *Indexer) GetByPath(ctx context.Context, path string) (*imagestore.Record, error) {
	st, err := x.store()
	if err != nil {
		return nil, err
	}
	return st.GetByPath(ctx, filepath.Clean(path))
}

// List returns stored records in insertion order.
func (x *Indexer) List(ctx context.Context, limit, offset int) ([]imagestore.Record, error) {
	st, err := x.store()
	if err != nil {
		return nil, err
	}
	return st.List(ctx, limit, offset)
}

// Stats reports the store size and state. A store that was never opened is
// opened in degraded mode, which needs no model load.
func (x *Indexer) Stats(ctx context.Context) (Stats, error) {
	if x.manager.State() == lifecycle.StateUninitialized {
		if _, err := x.manager.Open(ctx, true); err != nil {
			return Stats{State: x.manager.State()}, err
		}
	}

	stats := Stats{
		State:          x.manager.State(),
		CollectionName: x.manager.Collection(),
		StorePath:      x.manager.Path(),
	}
	st, err := x.manager.Store()
	if err != nil {
		return stats, nil
	}
	if ci, ok := st.Identity(); ok {
		stats.Identity = &ci
	}

	n, err := st.Count(ctx)
	if err != nil {
		return stats, err
	}
	stats.Count = n
	return stats, nil
}

// ProcessedPaths returns the path of every stored image.
func (x *Indexer) ProcessedPaths(ctx context.Context) ([]string, error) {
	st, err := x.store()
	if err != nil {
		return nil, err
	}
	return st.ProcessedPaths(ctx)
}

// Remove deletes the stored records of the given paths and returns how
// many existed.
func (x *Indexer) Remove(ctx context.Context, paths ...string) (int, error) {
	st, err := x.store()
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(paths))
	for _, p := range paths {
		ids = append(ids, util.PathID(filepath.Clean(p)))
	}
	return st.Delete(ctx, ids...)
}

// RemoveIDs deletes the records with the given ids and returns how many
// existed.
func (x *Indexer) RemoveIDs(ctx context.Context, ids ...string) (int, error) {
	st, err := x.store()
	if err != nil {
		return 0, err
	}
	return st.Delete(ctx, ids...)
}

// ClearAll deletes every stored image but keeps the collection and the
// model identity recorded on it.
func (x *Indexer) ClearAll(ctx context.Context) (int, error) {
	st, err := x.store()
	if err != nil {
		return 0, err
	}
	removed, err := st.ClearAll(ctx)
	if err != nil {
		return 0, err
	}
	x.logger.Warn("Cleared all stored images", "removed", removed)
	return removed, nil
}
