// Package extract turns image files into captions, object tags and file
// metadata. The vision model calls sit behind the Captioner and
// ObjectDetector interfaces.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/localrivet/imagecontext/internal/errortypes"
	"github.com/localrivet/imagecontext/internal/imagestore"
)

// Captioner describes an image in one sentence.
type Captioner interface {
	Caption(ctx context.Context, image []byte) (string, error)
}

// ObjectDetector reports which of the given categories appear in an image,
// in category order.
type ObjectDetector interface {
	DetectObjects(ctx context.Context, image []byte, categories []string) ([]string, error)
}

// Metadata describes the image file.
type Metadata struct {
	Filename string          `json:"filename"`
	Size     imagestore.Size `json:"size"`
	Format   string          `json:"format"`
	FileSize int64           `json:"file_size"`
}

// Features are the extracted descriptions of one image.
type Features struct {
	Path     string   `json:"image_path"`
	Caption  string   `json:"caption"`
	Objects  []string `json:"objects"`
	Metadata Metadata `json:"metadata"`
}

// CombinedText is the text embedded for the image.
func (f *Features) CombinedText() string {
	return imagestore.CombineText(f.Caption, f.Objects)
}

// Record converts the features into a store record.
func (f *Features) Record() *imagestore.Record {
	return imagestore.NewRecord(f.Path, f.Caption, f.Objects, f.Metadata.Format, f.Metadata.Size)
}

// Options configure an Extractor.
type Options struct {
	MaxCaptionLength int
	ObjectCategories []string
	SupportedFormats []string
	Logger           *slog.Logger
}

// Extractor runs the captioner and object detector over image files.
type Extractor struct {
	captioner  Captioner
	detector   ObjectDetector
	maxCaption int
	categories []string
	formats    map[string]bool
	logger     *slog.Logger
}

// NewExtractor creates an extractor.
func NewExtractor(captioner Captioner, detector ObjectDetector, opts Options) *Extractor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		captioner:  captioner,
		detector:   detector,
		maxCaption: opts.MaxCaptionLength,
		categories: opts.ObjectCategories,
		formats:    formatSet(opts.SupportedFormats),
		logger:     logger.With("component", "extract"),
	}
}

// IsSupported reports whether path has a supported image extension.
func (e *Extractor) IsSupported(path string) bool {
	return e.formats[strings.ToLower(filepath.Ext(path))]
}

// Extract reads the image at path and describes it.
func (e *Extractor) Extract(ctx context.Context, path string) (*Features, error) {
	if !e.IsSupported(path) {
		return nil, errortypes.ValidationError(
			fmt.Errorf("unsupported image format %q", filepath.Ext(path)), "unsupported image").
			WithField("path", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errortypes.NotFoundError(err, "image file not found").WithField("path", path)
		}
		return nil, errortypes.InternalError(err, "failed to read image").WithField("path", path)
	}

	md := ReadMetadata(path, data)

	caption, err := e.captioner.Caption(ctx, data)
	if err != nil {
		return nil, errortypes.ExternalError(err, "failed to caption image").WithField("path", path)
	}
	caption = TrimCaption(caption, e.maxCaption)

	var objects []string
	if e.detector != nil && len(e.categories) > 0 {
		objects, err = e.detector.DetectObjects(ctx, data, e.categories)
		if err != nil {
			return nil, errortypes.ExternalError(err, "failed to detect objects").WithField("path", path)
		}
	}

	e.logger.Debug("Extracted image features", "path", path, "objects", len(objects))
	return &Features{
		Path:     path,
		Caption:  caption,
		Objects:  objects,
		Metadata: md,
	}, nil
}

func formatSet(formats []string) map[string]bool {
	set := make(map[string]bool, len(formats))
	for _, f := range formats {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		if !strings.HasPrefix(f, ".") {
			f = "." + f
		}
		set[f] = true
	}
	return set
}
