// Package tools defines the request and response schemas of the image
// context MCP tools.
package tools

import (
	"github.com/localrivet/imagecontext/internal/compat"
	"github.com/localrivet/imagecontext/internal/imagestore"
	"github.com/localrivet/imagecontext/internal/indexer"
)

const (
	// ToolProcessImage is the name of the process_image MCP tool
	ToolProcessImage = "process_image"

	// ToolProcessDirectory is the name of the process_directory MCP tool
	ToolProcessDirectory = "process_directory"

	// ToolSearchImages is the name of the search_images MCP tool
	ToolSearchImages = "search_images"

	// ToolGetImage is the name of the get_image MCP tool
	ToolGetImage = "get_image"

	// ToolListImages is the name of the list_images MCP tool
	ToolListImages = "list_images"

	// ToolImageStats is the name of the image_stats MCP tool
	ToolImageStats = "image_stats"

	// ToolCheckCompatibility is the name of the check_compatibility MCP tool
	ToolCheckCompatibility = "check_compatibility"

	// ToolClearAndRebuild is the name of the clear_and_rebuild MCP tool
	ToolClearAndRebuild = "clear_and_rebuild"

	// ToolFindDuplicates is the name of the find_duplicates MCP tool
	ToolFindDuplicates = "find_duplicates"

	// ToolDeleteImage is the name of the delete_image MCP tool
	ToolDeleteImage = "delete_image"

	// ToolClearImages is the name of the clear_images MCP tool
	ToolClearImages = "clear_images"

	// DefaultSearchLimit is used when search_images gives no limit
	DefaultSearchLimit = indexer.DefaultSearchResults

	// DefaultListLimit is used when list_images gives no limit
	DefaultListLimit = 50

	// ConfirmationPhrase must be sent with clear_and_rebuild and clear_images
	ConfirmationPhrase = "confirm"

	// StatusSuccess and StatusError are the two response statuses
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result carries the common status fields of every response.
type Result struct {
	// Status is "success" or "error"
	Status string `json:"status"`

	// Error contains an error message if Status is "error"
	Error string `json:"error,omitempty"`

	// ErrorCode classifies the error if Status is "error"
	ErrorCode string `json:"error_code,omitempty"`
}

// Failed reports whether the response carries an error.
func (r Result) Failed() bool {
	return r.Status == StatusError
}

// ProcessImageRequest defines the input schema for process_image tool
type ProcessImageRequest struct {
	// ImagePath is the image file to describe and store
	ImagePath string `json:"image_path"`

	// Force reprocesses an image that is already stored
	Force bool `json:"force,omitempty"`
}

// ProcessImageResponse defines the output schema for process_image tool
type ProcessImageResponse struct {
	Result
	ID      string `json:"id,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
}

// ProcessDirectoryRequest defines the input schema for process_directory tool
type ProcessDirectoryRequest struct {
	Directory string `json:"directory"`
	Force     bool   `json:"force,omitempty"`
}

// ProcessDirectoryResponse defines the output schema for process_directory
// tool. A batch aborted by a structural failure still reports its partial
// counts.
type ProcessDirectoryResponse struct {
	Result
	Batch *indexer.BatchResult `json:"batch,omitempty"`
}

// SearchImagesRequest defines the input schema for search_images tool
type SearchImagesRequest struct {
	// Query is the text to match against image descriptions
	Query string `json:"query"`

	// Limit is the maximum number of results to return
	// If not specified, DefaultSearchLimit will be used
	Limit int `json:"limit,omitempty"`
}

// SearchImagesResponse defines the output schema for search_images tool
type SearchImagesResponse struct {
	Result
	Results []indexer.SearchHit `json:"results"`
}

// GetImageRequest defines the input schema for get_image tool. Exactly one
// of ID and ImagePath must be set.
type GetImageRequest struct {
	ID        string `json:"id,omitempty"`
	ImagePath string `json:"image_path,omitempty"`
}

// GetImageResponse defines the output schema for get_image tool. Found is
// false when the image has not been processed.
type GetImageResponse struct {
	Result
	Found bool               `json:"found"`
	Image *imagestore.Record `json:"image,omitempty"`
}

// ListImagesRequest defines the input schema for list_images tool
type ListImagesRequest struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// ListImagesResponse defines the output schema for list_images tool
type ListImagesResponse struct {
	Result
	Images []imagestore.Record `json:"images"`
}

// ImageStatsRequest defines the input schema for image_stats tool
type ImageStatsRequest struct {
	IncludeMetrics bool `json:"include_metrics,omitempty"`
}

// ImageStatsResponse defines the output schema for image_stats tool
type ImageStatsResponse struct {
	Result
	Stats   *indexer.Stats `json:"stats,omitempty"`
	Metrics string         `json:"metrics,omitempty"`
}

// CheckCompatibilityRequest defines the input schema for check_compatibility tool
type CheckCompatibilityRequest struct{}

// CheckCompatibilityResponse defines the output schema for check_compatibility tool
type CheckCompatibilityResponse struct {
	Result
	Verdict          *compat.Verdict `json:"verdict,omitempty"`
	RequiresClearing bool            `json:"requires_clearing"`
}

// ClearAndRebuildRequest defines the input schema for clear_and_rebuild tool
type ClearAndRebuildRequest struct {
	// Confirmation is a required field to confirm the operation
	// Must be set to "confirm" to prevent accidental clearing
	Confirmation string `json:"confirmation"`
}

// ClearAndRebuildResponse defines the output schema for clear_and_rebuild tool
type ClearAndRebuildResponse struct {
	Result
	Success     bool                       `json:"success"`
	NewIdentity *compat.CollectionIdentity `json:"new_identity,omitempty"`
}

// FindDuplicatesRequest defines the input schema for find_duplicates tool.
// With ImagePath the near duplicates of that image are returned; without
// it every stored image is grouped.
type FindDuplicatesRequest struct {
	ImagePath string `json:"image_path,omitempty"`

	// Threshold is the minimum similarity in (0, 1]; 0 uses the configured default
	Threshold float64 `json:"threshold,omitempty"`
}

// FindDuplicatesResponse defines the output schema for find_duplicates tool
type FindDuplicatesResponse struct {
	Result
	Groups []indexer.DuplicateGroup `json:"groups"`
}

// DeleteImageRequest defines the input schema for delete_image tool.
// Exactly one of ID and ImagePath must be set.
type DeleteImageRequest struct {
	ID        string `json:"id,omitempty"`
	ImagePath string `json:"image_path,omitempty"`
}

// DeleteImageResponse defines the output schema for delete_image tool
type DeleteImageResponse struct {
	Result
	Deleted bool `json:"deleted"`
}

// ClearImagesRequest defines the input schema for clear_images tool
type ClearImagesRequest struct {
	// Confirmation must be set to "confirm" to prevent accidental clearing
	Confirmation string `json:"confirmation"`
}

// ClearImagesResponse defines the output schema for clear_images tool.
// The collection and its model identity are kept.
type ClearImagesResponse struct {
	Result
	Removed int `json:"removed"`
}
