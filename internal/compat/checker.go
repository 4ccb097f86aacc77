// Package compat decides whether the configured embedding model may write
// into an existing persistent collection.
package compat

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/localrivet/imagecontext/internal/embedding"
	"github.com/localrivet/imagecontext/internal/telemetry"
	"github.com/localrivet/imagecontext/internal/vectordb"
)

// Reason explains a Verdict.
type Reason string

// Verdict reasons
const (
	ReasonNoExistingCollection Reason = "no_existing_collection"
	ReasonUnreadableMetadata   Reason = "unreadable_metadata"
	ReasonModelNameMismatch    Reason = "model_name_mismatch"
	ReasonDimensionMismatch    Reason = "dimension_mismatch"
	ReasonCompatible           Reason = "compatible"
	ReasonCheckError           Reason = "check_error"
)

// Verdict is the outcome of a compatibility check.
type Verdict struct {
	Compatible bool                `json:"compatible"`
	Reason     Reason              `json:"reason"`
	Message    string              `json:"message"`
	Collection string              `json:"collection"`
	Stored     *CollectionIdentity `json:"current_identity,omitempty"`
	Candidate  *CollectionIdentity `json:"candidate_identity,omitempty"`
	Err        error               `json:"-"`
	Error      string              `json:"error,omitempty"`
}

// RequiresClearing reports whether the collection must be rebuilt before
// the configured model may write to it.
func (v Verdict) RequiresClearing() bool {
	return !v.Compatible
}

// CollectionReader is the read-only view of the store the checker needs.
type CollectionReader interface {
	ListCollections(ctx context.Context) ([]string, error)
	GetCollection(ctx context.Context, name string) (*vectordb.Collection, error)
}

// IdentitySource reports the identity of the configured embedding model.
type IdentitySource interface {
	Info() embedding.ModelInfo
	Identity(ctx context.Context) (embedding.Identity, error)
}

// Checker compares a collection's recorded identity with the configured
// model. It never creates or modifies collections.
type Checker struct {
	reader     CollectionReader
	source     IdentitySource
	collection string
	logger     *slog.Logger
	metrics    *telemetry.MetricsCollector
}

// NewChecker creates a checker for the named collection.
func NewChecker(reader CollectionReader, source IdentitySource, collection string, logger *slog.Logger, metrics *telemetry.MetricsCollector) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		reader:     reader,
		source:     source,
		collection: collection,
		logger:     logger.With("component", "compat", "collection", collection),
		metrics:    metrics,
	}
}

// Check produces a verdict. Any failure to read the store or compute the
// candidate identity yields an incompatible check_error verdict.
func (c *Checker) Check(ctx context.Context) Verdict {
	v := c.check(ctx)
	v.Collection = c.collection
	if v.Err != nil {
		v.Error = v.Err.Error()
	}

	c.metrics.IncrementCounter(telemetry.MetricCompatChecks, 1)
	if !v.Compatible {
		c.metrics.IncrementCounter(telemetry.MetricCompatIncompatible, 1)
		c.logger.Warn("Collection is not compatible with the configured embedding model",
			"reason", v.Reason, "message", v.Message)
	} else {
		c.logger.Info("Compatibility check passed", "reason", v.Reason)
	}
	return v
}

func (c *Checker) check(ctx context.Context) Verdict {
	names, err := c.reader.ListCollections(ctx)
	if err != nil {
		return c.checkError(err, nil)
	}
	if !slices.Contains(names, c.collection) {
		return c.noCollection()
	}

	col, err := c.reader.GetCollection(ctx, c.collection)
	if vectordb.IsNotFound(err) {
		return c.noCollection()
	}
	if err != nil {
		return c.checkError(err, nil)
	}

	stored, ok, err := ParseIdentity(col.Metadata)
	if err != nil {
		return c.checkError(fmt.Errorf("collection %q: %w", c.collection, err), nil)
	}
	if !ok {
		return Verdict{
			Compatible: false,
			Reason:     ReasonUnreadableMetadata,
			Message: fmt.Sprintf("collection %q has no recorded embedding model; "+
				"it cannot be verified against %s and must be cleared and rebuilt",
				c.collection, c.pendingCandidate()),
			Candidate: ptr(c.pendingCandidate()),
		}
	}

	id, err := c.source.Identity(ctx)
	if err != nil {
		return c.checkError(err, &stored)
	}
	candidate := FromEmbedding(id)

	switch {
	case stored.ModelName != candidate.ModelName:
		return Verdict{
			Compatible: false,
			Reason:     ReasonModelNameMismatch,
			Message: fmt.Sprintf("collection %q was built with %s but the configured model is %s; "+
				"clear and rebuild the collection to switch models",
				c.collection, stored, candidate),
			Stored:    &stored,
			Candidate: &candidate,
		}
	case stored.ModelDimension == 0 || candidate.ModelDimension == 0 ||
		stored.ModelDimension != candidate.ModelDimension:
		return Verdict{
			Compatible: false,
			Reason:     ReasonDimensionMismatch,
			Message: fmt.Sprintf("collection %q stores vectors from %s but model %s now produces dimension %d; "+
				"clear and rebuild the collection",
				c.collection, stored, candidate.ModelName, candidate.ModelDimension),
			Stored:    &stored,
			Candidate: &candidate,
		}
	default:
		return Verdict{
			Compatible: true,
			Reason:     ReasonCompatible,
			Message:    fmt.Sprintf("collection %q matches %s", c.collection, candidate),
			Stored:     &stored,
			Candidate:  &candidate,
		}
	}
}

func (c *Checker) noCollection() Verdict {
	return Verdict{
		Compatible: true,
		Reason:     ReasonNoExistingCollection,
		Message:    fmt.Sprintf("collection %q does not exist yet", c.collection),
		Candidate:  ptr(c.pendingCandidate()),
	}
}

func (c *Checker) checkError(err error, stored *CollectionIdentity) Verdict {
	return Verdict{
		Compatible: false,
		Reason:     ReasonCheckError,
		Message:    fmt.Sprintf("compatibility of collection %q could not be verified: %v", c.collection, err),
		Stored:     stored,
		Err:        err,
	}
}

// pendingCandidate describes the configured model without loading it.
func (c *Checker) pendingCandidate() CollectionIdentity {
	info := c.source.Info()
	return CollectionIdentity{
		ModelName:      info.Name,
		ModelDimension: info.Dimension,
		ModelDevice:    info.Device,
	}
}

func ptr[T any](v T) *T {
	return &v
}
