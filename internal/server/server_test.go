package server

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/localrivet/imagecontext/internal/compat"
	"github.com/localrivet/imagecontext/internal/embedding"
	"github.com/localrivet/imagecontext/internal/extract"
	"github.com/localrivet/imagecontext/internal/imagestore"
	"github.com/localrivet/imagecontext/internal/indexer"
	"github.com/localrivet/imagecontext/internal/lifecycle"
	"github.com/localrivet/imagecontext/internal/telemetry"
	"github.com/localrivet/imagecontext/internal/tools"
	"github.com/localrivet/imagecontext/internal/util"
	"github.com/localrivet/imagecontext/internal/vectordb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nameExtractor captions an image with its base name.
type nameExtractor struct{}

func (nameExtractor) Extract(ctx context.Context, path string) (*extract.Features, error) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return &extract.Features{
		Path:     path,
		Caption:  "a photo of a " + strings.ReplaceAll(name, "_", " "),
		Metadata: extract.Metadata{Filename: filepath.Base(path), Format: "JPEG"},
	}, nil
}

func provider(t *testing.T, name string, dim int) *embedding.Provider {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	require.NoError(t, embedding.WriteManifest(dir, embedding.Manifest{Name: name, Dimension: dim, Lowercase: true, NGram: 1}))
	return embedding.NewProvider(dir, embedding.NewHashingBackend(), embedding.Options{})
}

func newTestServer(t *testing.T, client *vectordb.Client, p *embedding.Provider) *MCPImageToolServer {
	t.Helper()
	metrics := telemetry.NewMetricsCollector()
	manager := lifecycle.NewManager(imagestore.New(client, p, "images", nil, metrics), nil, metrics)
	_, err := manager.Open(context.Background(), false)
	require.NoError(t, err)

	scanner := extract.NewScanner(extract.ScanOptions{Recursive: true, Formats: []string{".jpg"}})
	idx := indexer.New(manager, nameExtractor{}, scanner, indexer.Options{Workers: 2, DuplicateThreshold: 0.95, Metrics: metrics})
	s := NewImageToolServer(idx, manager, metrics, nil)
	require.NoError(t, s.Initialize())
	return s
}

func openClient(t *testing.T) *vectordb.Client {
	t.Helper()
	c, err := vectordb.Open(t.TempDir(), 2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func writeImages(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	return dir
}

func TestInitializeRequiresDependencies(t *testing.T) {
	s := NewImageToolServer(nil, nil, nil, nil)
	assert.Error(t, s.Initialize())
	assert.Error(t, s.Start())
}

func TestProcessAndSearchTools(t *testing.T) {
	s := newTestServer(t, openClient(t), provider(t, "m", 256))
	dir := writeImages(t, "red_dog.jpg", "blue_car.jpg")

	resp, err := s.handleProcessImage(nil, tools.ProcessImageRequest{ImagePath: filepath.Join(dir, "red_dog.jpg")})
	require.NoError(t, err)
	assert.Equal(t, tools.StatusSuccess, resp.Status)
	assert.Equal(t, util.PathID(filepath.Join(dir, "red_dog.jpg")), resp.ID)
	assert.False(t, resp.Skipped)

	batch, err := s.handleProcessDirectory(nil, tools.ProcessDirectoryRequest{Directory: dir})
	require.NoError(t, err)
	assert.Equal(t, tools.StatusSuccess, batch.Status)
	require.NotNil(t, batch.Batch)
	assert.Equal(t, 2, batch.Batch.Total)
	assert.Equal(t, 1, batch.Batch.Processed)
	assert.Equal(t, 1, batch.Batch.Skipped)

	search, err := s.handleSearchImages(nil, tools.SearchImagesRequest{Query: "red dog"})
	require.NoError(t, err)
	assert.Equal(t, tools.StatusSuccess, search.Status)
	require.Len(t, search.Results, 2)
	assert.Equal(t, "a photo of a red dog", search.Results[0].Caption)

	empty, err := s.handleSearchImages(nil, tools.SearchImagesRequest{})
	require.NoError(t, err)
	assert.Equal(t, tools.StatusError, empty.Status)
	assert.Equal(t, ErrorCodeValidation, empty.ErrorCode)
	assert.NotNil(t, empty.Results)
}

func TestGetAndListTools(t *testing.T) {
	s := newTestServer(t, openClient(t), provider(t, "m", 64))
	dir := writeImages(t, "cat.jpg")
	path := filepath.Join(dir, "cat.jpg")
	_, err := s.handleProcessImage(nil, tools.ProcessImageRequest{ImagePath: path})
	require.NoError(t, err)

	byPath, err := s.handleGetImage(nil, tools.GetImageRequest{ImagePath: path})
	require.NoError(t, err)
	assert.True(t, byPath.Found)
	require.NotNil(t, byPath.Image)
	assert.Equal(t, "a photo of a cat", byPath.Image.Caption)

	byID, err := s.handleGetImage(nil, tools.GetImageRequest{ID: util.PathID(path)})
	require.NoError(t, err)
	assert.True(t, byID.Found)

	missing, err := s.handleGetImage(nil, tools.GetImageRequest{ID: "nope"})
	require.NoError(t, err)
	assert.Equal(t, tools.StatusSuccess, missing.Status)
	assert.False(t, missing.Found)

	both, err := s.handleGetImage(nil, tools.GetImageRequest{ID: "a", ImagePath: "/b.jpg"})
	require.NoError(t, err)
	assert.Equal(t, ErrorCodeValidation, both.ErrorCode)

	list, err := s.handleListImages(nil, tools.ListImagesRequest{})
	require.NoError(t, err)
	assert.Len(t, list.Images, 1)

	bad, err := s.handleListImages(nil, tools.ListImagesRequest{Offset: -1})
	require.NoError(t, err)
	assert.Equal(t, ErrorCodeValidation, bad.ErrorCode)
}

func TestStatsTool(t *testing.T) {
	s := newTestServer(t, openClient(t), provider(t, "m", 32))

	resp, err := s.handleImageStats(nil, tools.ImageStatsRequest{IncludeMetrics: true})
	require.NoError(t, err)
	assert.Equal(t, tools.StatusSuccess, resp.Status)
	require.NotNil(t, resp.Stats)
	assert.Equal(t, "images", resp.Stats.CollectionName)
	assert.Equal(t, lifecycle.StateReady, resp.Stats.State)
	assert.NotEmpty(t, resp.Metrics)

	plain, err := s.handleImageStats(nil, tools.ImageStatsRequest{})
	require.NoError(t, err)
	assert.Empty(t, plain.Metrics)
}

func TestModelSwitchThroughTools(t *testing.T) {
	client := openClient(t)
	first := newTestServer(t, client, provider(t, "modelX", 384))
	dir := writeImages(t, "dog.jpg")
	_, err := first.handleProcessImage(nil, tools.ProcessImageRequest{ImagePath: filepath.Join(dir, "dog.jpg")})
	require.NoError(t, err)

	s := newTestServer(t, client, provider(t, "modelY", 768))

	check, err := s.handleCheckCompatibility(nil, tools.CheckCompatibilityRequest{})
	require.NoError(t, err)
	assert.Equal(t, tools.StatusSuccess, check.Status)
	assert.True(t, check.RequiresClearing)
	require.NotNil(t, check.Verdict)
	assert.Equal(t, compat.ReasonModelNameMismatch, check.Verdict.Reason)

	blocked, err := s.handleProcessImage(nil, tools.ProcessImageRequest{ImagePath: filepath.Join(dir, "dog.jpg"), Force: true})
	require.NoError(t, err)
	assert.Equal(t, tools.StatusError, blocked.Status)
	assert.Equal(t, ErrorCodeIncompatible, blocked.ErrorCode)
	assert.Contains(t, blocked.Error, "768")

	refused, err := s.handleClearAndRebuild(nil, tools.ClearAndRebuildRequest{Confirmation: "yes"})
	require.NoError(t, err)
	assert.Equal(t, ErrorCodeValidation, refused.ErrorCode)
	assert.False(t, refused.Success)

	rebuilt, err := s.handleClearAndRebuild(nil, tools.ClearAndRebuildRequest{Confirmation: tools.ConfirmationPhrase})
	require.NoError(t, err)
	assert.Equal(t, tools.StatusSuccess, rebuilt.Status)
	assert.True(t, rebuilt.Success)
	require.NotNil(t, rebuilt.NewIdentity)
	assert.Equal(t, 768, rebuilt.NewIdentity.ModelDimension)

	processed, err := s.handleProcessImage(nil, tools.ProcessImageRequest{ImagePath: filepath.Join(dir, "dog.jpg")})
	require.NoError(t, err)
	assert.Equal(t, tools.StatusSuccess, processed.Status)
	assert.False(t, processed.Skipped)
}

func TestFindDuplicatesTool(t *testing.T) {
	s := newTestServer(t, openClient(t), provider(t, "m", 256))
	dir := writeImages(t, "red_dog.jpg", "blue_car.jpg")
	copyDir := filepath.Join(dir, "copy")
	require.NoError(t, os.MkdirAll(copyDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(copyDir, "red_dog.jpg"), []byte("x"), 0o644))

	_, err := s.handleProcessDirectory(nil, tools.ProcessDirectoryRequest{Directory: dir})
	require.NoError(t, err)

	one, err := s.handleFindDuplicates(nil, tools.FindDuplicatesRequest{ImagePath: filepath.Join(dir, "red_dog.jpg")})
	require.NoError(t, err)
	assert.Equal(t, tools.StatusSuccess, one.Status)
	require.Len(t, one.Groups, 1)
	assert.Equal(t, []string{filepath.Join(copyDir, "red_dog.jpg")}, one.Groups[0].Paths)

	all, err := s.handleFindDuplicates(nil, tools.FindDuplicatesRequest{})
	require.NoError(t, err)
	require.Len(t, all.Groups, 1)
	assert.Len(t, all.Groups[0].DuplicateIDs, 1)

	bad, err := s.handleFindDuplicates(nil, tools.FindDuplicatesRequest{Threshold: 2})
	require.NoError(t, err)
	assert.Equal(t, ErrorCodeValidation, bad.ErrorCode)
}

func TestDeleteAndClearTools(t *testing.T) {
	s := newTestServer(t, openClient(t), provider(t, "m", 64))
	dir := writeImages(t, "a.jpg", "b.jpg", "c.jpg")
	_, err := s.handleProcessDirectory(nil, tools.ProcessDirectoryRequest{Directory: dir})
	require.NoError(t, err)

	del, err := s.handleDeleteImage(nil, tools.DeleteImageRequest{ImagePath: filepath.Join(dir, "a.jpg")})
	require.NoError(t, err)
	assert.Equal(t, tools.StatusSuccess, del.Status)
	assert.True(t, del.Deleted)

	again, err := s.handleDeleteImage(nil, tools.DeleteImageRequest{ID: util.PathID(filepath.Join(dir, "a.jpg"))})
	require.NoError(t, err)
	assert.False(t, again.Deleted)

	refused, err := s.handleClearImages(nil, tools.ClearImagesRequest{})
	require.NoError(t, err)
	assert.Equal(t, ErrorCodeValidation, refused.ErrorCode)

	cleared, err := s.handleClearImages(nil, tools.ClearImagesRequest{Confirmation: tools.ConfirmationPhrase})
	require.NoError(t, err)
	assert.Equal(t, tools.StatusSuccess, cleared.Status)
	assert.Equal(t, 2, cleared.Removed)

	check, err := s.handleCheckCompatibility(nil, tools.CheckCompatibilityRequest{})
	require.NoError(t, err)
	assert.False(t, check.RequiresClearing)
}

func TestStopCancelsToolOperations(t *testing.T) {
	s := newTestServer(t, openClient(t), provider(t, "m", 64))
	dir := writeImages(t, "a.jpg", "b.jpg")

	require.NoError(t, s.Stop())

	resp, err := s.handleProcessDirectory(nil, tools.ProcessDirectoryRequest{Directory: dir})
	require.NoError(t, err)
	assert.Equal(t, tools.StatusError, resp.Status)
	assert.Equal(t, ErrorCodeCanceled, resp.ErrorCode)
	require.NotNil(t, resp.Batch)
	assert.Zero(t, resp.Batch.Processed)
}
