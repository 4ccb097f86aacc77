package indexer

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/localrivet/imagecontext/internal/errortypes"
	"github.com/localrivet/imagecontext/internal/imagestore"
	"github.com/localrivet/imagecontext/internal/util"
)

// duplicateCandidates is how many neighbours are considered per image.
const duplicateCandidates = 50

// DuplicateGroup is an image and the stored images similar to it.
type DuplicateGroup struct {
	RepresentativeID   string    `json:"representative_id"`
	RepresentativePath string    `json:"representative_path"`
	DuplicateIDs       []string  `json:"duplicate_ids"`
	Paths              []string  `json:"duplicate_paths"`
	SimilarityScores   []float64 `json:"similarity_scores"`
}

func (x *Indexer) resolveThreshold(threshold float64) (float64, error) {
	if threshold == 0 {
		threshold = x.threshold
	}
	if threshold <= 0 || threshold > 1 {
		return 0, errortypes.ValidationError(errors.New("threshold must be in (0, 1]"), "invalid threshold").
			WithField("threshold", threshold)
	}
	return threshold, nil
}

// FindDuplicates returns the stored images whose similarity to the image at
// path is at least threshold. A zero threshold uses the configured default.
// A stored image reuses its recorded text; any other image is extracted
// first but not stored.
func (x *Indexer) FindDuplicates(ctx context.Context, path string, threshold float64) (*DuplicateGroup, error) {
	threshold, err := x.resolveThreshold(threshold)
	if err != nil {
		return nil, err
	}
	st, err := x.store()
	if err != nil {
		return nil, err
	}

	path = filepath.Clean(path)
	text := ""
	rec, err := st.GetByPath(ctx, path)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		text = rec.CombinedText
	} else {
		features, err := x.extractor.Extract(ctx, path)
		if err != nil {
			return nil, err
		}
		text = features.CombinedText()
	}

	group := &DuplicateGroup{RepresentativeID: util.PathID(path), RepresentativePath: path}
	hits, err := st.Query(ctx, text, duplicateCandidates)
	if err != nil {
		return nil, err
	}
	for _, h := range hits {
		if h.Record.ID == group.RepresentativeID {
			continue
		}
		if score := 1 - h.Distance; score >= threshold {
			group.add(h.Record, score)
		}
	}
	return group, nil
}

// ScanDuplicates groups every stored image with its near duplicates. Each
// image belongs to at most one group.
func (x *Indexer) ScanDuplicates(ctx context.Context, threshold float64) ([]DuplicateGroup, error) {
	threshold, err := x.resolveThreshold(threshold)
	if err != nil {
		return nil, err
	}
	st, err := x.store()
	if err != nil {
		return nil, err
	}

	records, err := st.List(ctx, 0, 0)
	if err != nil {
		return nil, err
	}

	assigned := make(map[string]bool, len(records))
	var groups []DuplicateGroup
	for _, rec := range records {
		if assigned[rec.ID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return groups, err
		}

		hits, err := st.Query(ctx, rec.CombinedText, duplicateCandidates)
		if err != nil {
			return groups, err
		}

		group := DuplicateGroup{RepresentativeID: rec.ID, RepresentativePath: rec.Path}
		for _, h := range hits {
			if h.Record.ID == rec.ID || assigned[h.Record.ID] {
				continue
			}
			if score := 1 - h.Distance; score >= threshold {
				group.add(h.Record, score)
				assigned[h.Record.ID] = true
			}
		}
		if len(group.DuplicateIDs) > 0 {
			assigned[rec.ID] = true
			groups = append(groups, group)
		}
	}

	x.logger.Info("Duplicate scan finished", "records", len(records), "groups", len(groups), "threshold", threshold)
	return groups, nil
}

func (g *DuplicateGroup) add(rec imagestore.Record, score float64) {
	g.DuplicateIDs = append(g.DuplicateIDs, rec.ID)
	g.Paths = append(g.Paths, rec.Path)
	g.SimilarityScores = append(g.SimilarityScores, score)
}
