// Package imagestore keeps processed image records in a persistent vector
// collection and guards the collection against vectors from a different
// embedding model.
package imagestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/localrivet/imagecontext/internal/compat"
	"github.com/localrivet/imagecontext/internal/embedding"
	"github.com/localrivet/imagecontext/internal/errortypes"
	"github.com/localrivet/imagecontext/internal/telemetry"
	"github.com/localrivet/imagecontext/internal/util"
	"github.com/localrivet/imagecontext/internal/vectordb"
)

// Provider is the embedding model the store writes and queries with.
type Provider interface {
	compat.IdentitySource
	Name() string
	Encode(ctx context.Context, texts []string) ([][]float32, error)
}

// Hit is a query result.
type Hit struct {
	Record   Record  `json:"record"`
	Distance float64 `json:"distance"`
}

// Store is the image record collection. Data operations share the gate;
// Initialize and Rebuild hold it exclusively.
type Store struct {
	client   *vectordb.Client
	provider Provider
	checker  *compat.Checker
	name     string
	logger   *slog.Logger
	metrics  *telemetry.MetricsCollector

	gate   sync.RWMutex
	col    *vectordb.Collection
	absent bool
}

// New creates a store for the named collection. Nothing is opened until
// Initialize.
func New(client *vectordb.Client, provider Provider, name string, logger *slog.Logger, metrics *telemetry.MetricsCollector) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client:   client,
		provider: provider,
		checker:  compat.NewChecker(client, provider, name, logger, metrics),
		name:     name,
		logger:   logger.With("component", "imagestore", "collection", name),
		metrics:  metrics,
	}
}

// Name returns the collection name.
func (s *Store) Name() string {
	return s.name
}

// Path returns the persistent store directory.
func (s *Store) Path() string {
	return s.client.Path()
}

// Checker returns the compatibility checker bound to this store.
func (s *Store) Checker() *compat.Checker {
	return s.checker
}

// Initialize opens the collection. Unless skipCheck is set, the configured
// model is verified first and an incompatible store is never opened; a
// missing collection is created with the model identity already recorded.
// With skipCheck a missing collection is left absent: reads see an empty
// store and the first Upsert creates it together with the identity. The
// verdict is zero when the check is skipped.
func (s *Store) Initialize(ctx context.Context, skipCheck bool) (compat.Verdict, error) {
	s.gate.Lock()
	defer s.gate.Unlock()

	s.col, s.absent = nil, false
	if skipCheck {
		s.logger.Warn("Opening collection without compatibility check")
		col, err := s.client.GetCollection(ctx, s.name)
		if vectordb.IsNotFound(err) {
			s.logger.Info("Collection does not exist yet; it is created on the first write")
			s.absent = true
			return compat.Verdict{}, nil
		}
		if err != nil {
			return compat.Verdict{}, err
		}
		s.col = col
		return compat.Verdict{}, nil
	}

	verdict := s.checker.Check(ctx)
	if !verdict.Compatible {
		return verdict, verdictError(verdict)
	}

	if verdict.Reason == compat.ReasonNoExistingCollection {
		if _, err := s.create(ctx); err != nil {
			return verdict, err
		}
		return verdict, nil
	}
	col, err := s.client.GetCollection(ctx, s.name)
	if err != nil {
		return verdict, err
	}
	s.col = col
	return verdict, nil
}

// create makes the collection with the configured model identity in its
// metadata, so it never exists without one. The gate must be held
// exclusively.
func (s *Store) create(ctx context.Context) (compat.CollectionIdentity, error) {
	id, err := s.provider.Identity(ctx)
	if err != nil {
		return compat.CollectionIdentity{}, err
	}
	ci := compat.FromEmbedding(id)

	col, err := s.client.CreateCollection(ctx, s.name, ci.Metadata())
	if err != nil {
		return compat.CollectionIdentity{}, err
	}
	s.col, s.absent = col, false
	s.logger.Info("Created collection",
		"model_name", ci.ModelName, "model_dimension", ci.ModelDimension, "model_device", ci.ModelDevice)
	return ci, nil
}

// verdictError converts a failed verdict. Model load and store failures
// found while checking propagate as themselves.
func verdictError(v compat.Verdict) error {
	if v.Reason == compat.ReasonCheckError &&
		(errortypes.IsModelLoadError(v.Err) || errortypes.IsStoreUnavailableError(v.Err)) {
		return v.Err
	}
	return errortypes.IncompatibleError(&IncompatibleModelError{Verdict: v},
		"embedding model is incompatible with the collection").
		WithField("collection", v.Collection).
		WithField("reason", string(v.Reason))
}

func (s *Store) collection() (*vectordb.Collection, error) {
	if s.col == nil {
		return nil, ErrNotInitialized
	}
	return s.col, nil
}

// Initialized reports whether the collection is open, or was found absent
// by an unchecked Initialize.
func (s *Store) Initialized() bool {
	s.gate.RLock()
	defer s.gate.RUnlock()
	return s.col != nil || s.absent
}

// Absent reports whether an unchecked Initialize found no collection and
// nothing has been written since.
func (s *Store) Absent() bool {
	s.gate.RLock()
	defer s.gate.RUnlock()
	return s.absent
}

// materialize creates a collection found absent by an unchecked Initialize.
func (s *Store) materialize(ctx context.Context) error {
	s.gate.RLock()
	absent := s.absent
	s.gate.RUnlock()
	if !absent {
		return nil
	}

	s.gate.Lock()
	defer s.gate.Unlock()
	if !s.absent {
		return nil
	}
	_, err := s.create(ctx)
	return err
}

// RecordIdentity writes the configured model identity into the collection
// metadata, loading the model if the dimension is not known yet.
func (s *Store) RecordIdentity(ctx context.Context) (compat.CollectionIdentity, error) {
	s.gate.Lock()
	defer s.gate.Unlock()
	return s.recordIdentity(ctx)
}

func (s *Store) recordIdentity(ctx context.Context) (compat.CollectionIdentity, error) {
	col, err := s.collection()
	if err != nil {
		return compat.CollectionIdentity{}, err
	}

	id, err := s.provider.Identity(ctx)
	if err != nil {
		return compat.CollectionIdentity{}, err
	}
	ci := compat.FromEmbedding(id)

	if err := col.ModifyMetadata(ctx, ci.Metadata()); err != nil {
		return compat.CollectionIdentity{}, err
	}
	s.logger.Info("Recorded collection identity",
		"model_name", ci.ModelName, "model_dimension", ci.ModelDimension, "model_device", ci.ModelDevice)
	return ci, nil
}

// Identity returns the identity recorded on the open collection.
func (s *Store) Identity() (compat.CollectionIdentity, bool) {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if s.col == nil {
		return compat.CollectionIdentity{}, false
	}
	ci, ok, err := compat.ParseIdentity(s.col.Metadata)
	if err != nil {
		return compat.CollectionIdentity{}, false
	}
	return ci, ok
}

// Upsert embeds the record's combined text and writes it, replacing any
// record with the same id. The vector is refused when the collection has a
// recorded identity that disagrees with it.
func (s *Store) Upsert(ctx context.Context, rec *Record) error {
	if rec == nil || rec.Path == "" {
		return errortypes.ValidationError(errors.New("record path is required"), "invalid record")
	}
	if rec.ID == "" {
		rec.ID = util.PathID(rec.Path)
	}
	if rec.CombinedText == "" {
		rec.CombinedText = CombineText(rec.Caption, rec.Objects)
	}
	if err := s.materialize(ctx); err != nil {
		return err
	}

	s.gate.RLock()
	defer s.gate.RUnlock()

	col, err := s.collection()
	if err != nil {
		return err
	}

	vec, err := s.provider.Encode(ctx, []string{rec.CombinedText})
	if err != nil {
		return err
	}
	if err := s.guard(col, vec[0]); err != nil {
		return err
	}
	rec.Vector = vec[0]

	row, err := rec.toRow()
	if err != nil {
		return errortypes.InternalError(err, "failed to encode record metadata").WithField("record_id", rec.ID)
	}
	if err := col.Upsert(ctx, []vectordb.Row{row}); err != nil {
		return err
	}

	s.metrics.IncrementCounter(telemetry.MetricStoreUpserts, 1)
	s.logger.Debug("Upserted record", "record_id", rec.ID, "path", rec.Path)
	return nil
}

func (s *Store) guard(col *vectordb.Collection, vec []float32) error {
	stored, ok, err := compat.ParseIdentity(col.Metadata)
	if err != nil || !ok {
		return nil
	}
	name := s.provider.Name()
	if stored.ModelName == name && (stored.ModelDimension == 0 || stored.ModelDimension == len(vec)) {
		return nil
	}

	candidate := compat.CollectionIdentity{ModelName: name, ModelDimension: len(vec)}
	reason := compat.ReasonDimensionMismatch
	if stored.ModelName != name {
		reason = compat.ReasonModelNameMismatch
	}
	return verdictError(compat.Verdict{
		Reason:     reason,
		Collection: s.name,
		Message:    fmt.Sprintf("refusing to write a vector from %s into a collection built with %s", candidate, stored),
		Stored:     &stored,
		Candidate:  &candidate,
	})
}

// Get returns the record with the given id, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()

	if s.absent {
		return nil, nil
	}
	col, err := s.collection()
	if err != nil {
		return nil, err
	}
	rows, err := col.Get(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	rec := fromRow(rows[0])
	return &rec, nil
}

// GetByPath returns the record for path, or nil when it was not processed.
func (s *Store) GetByPath(ctx context.Context, path string) (*Record, error) {
	return s.Get(ctx, util.PathID(path))
}

// Exists reports whether path has been processed.
func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	rec, err := s.GetByPath(ctx, path)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// List returns records in insertion order. A limit of zero or less returns
// every record.
func (s *Store) List(ctx context.Context, limit, offset int) ([]Record, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()

	if s.absent {
		return []Record{}, nil
	}
	col, err := s.collection()
	if err != nil {
		return nil, err
	}
	rows, err := col.List(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, fromRow(row))
	}
	return records, nil
}

// ProcessedPaths returns the path of every stored record.
func (s *Store) ProcessedPaths(ctx context.Context) ([]string, error) {
	records, err := s.List(ctx, 0, 0)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.Path != "" {
			paths = append(paths, rec.Path)
		}
	}
	return paths, nil
}

// Query embeds text and returns up to k records by ascending cosine distance.
func (s *Store) Query(ctx context.Context, text string, k int) ([]Hit, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()

	if s.absent {
		return []Hit{}, nil
	}
	col, err := s.collection()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	vec, err := s.provider.Encode(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	matches, err := col.Query(ctx, vec[0], k)
	if err != nil {
		return nil, err
	}
	s.metrics.IncrementCounter(telemetry.MetricStoreQueries, 1)
	s.metrics.Since(telemetry.MetricStoreQueryTime, start)

	hits := make([]Hit, 0, len(matches))
	for _, m := range matches {
		hits = append(hits, Hit{Record: fromRow(m.Row), Distance: m.Distance})
	}
	return hits, nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()

	if s.absent {
		return 0, nil
	}
	col, err := s.collection()
	if err != nil {
		return 0, err
	}
	n, err := col.Count(ctx)
	if err != nil {
		return 0, err
	}
	s.metrics.SetGauge(telemetry.MetricStoreRecords, float64(n))
	return n, nil
}

// Delete removes the records with the given ids and returns how many existed.
func (s *Store) Delete(ctx context.Context, ids ...string) (int, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()

	if s.absent {
		return 0, nil
	}
	col, err := s.collection()
	if err != nil {
		return 0, err
	}
	return col.Delete(ctx, ids)
}

// ClearAll deletes every record. The collection and its recorded identity
// are kept.
func (s *Store) ClearAll(ctx context.Context) (int, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()

	if s.absent {
		return 0, nil
	}
	col, err := s.collection()
	if err != nil {
		return 0, err
	}
	removed, err := col.DeleteAll(ctx)
	if err != nil {
		return 0, err
	}
	s.logger.Info("Cleared collection records", "removed", removed)
	return removed, nil
}

// Rebuild deletes and recreates the collection with the configured model
// identity recorded on it. The model is loaded before anything is deleted.
// It holds the gate exclusively, so no other operation interleaves with it.
func (s *Store) Rebuild(ctx context.Context) (compat.CollectionIdentity, error) {
	s.gate.Lock()
	defer s.gate.Unlock()

	if _, err := s.provider.Identity(ctx); err != nil {
		return compat.CollectionIdentity{}, err
	}

	s.logger.Warn("Rebuilding collection; all records will be removed")
	s.col, s.absent = nil, false

	if err := s.client.DeleteCollection(ctx, s.name); err != nil {
		return compat.CollectionIdentity{}, err
	}
	return s.create(ctx)
}

var _ Provider = (*embedding.Provider)(nil)
