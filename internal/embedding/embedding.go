// Package embedding wraps text embedding models behind a lazily loaded,
// identity-reporting Provider.
package embedding

import (
	"context"
	"errors"
	"strings"
)

// DeviceCPU is the device every load can fall back to.
const DeviceCPU = "cpu"

// ErrDeviceUnavailable is returned by backends that cannot place a model on
// the requested device.
var ErrDeviceUnavailable = errors.New("device unavailable")

// ErrModelUnavailable is returned by backends that cannot resolve or fetch
// the model itself. No other device can help, so the fallback chain stops.
var ErrModelUnavailable = errors.New("model unavailable")

// Identity describes the model that produced a set of vectors.
type Identity struct {
	Name      string `json:"name"`
	Dimension int    `json:"dimension"`
	Device    string `json:"device"`
}

// LoadSpec describes one load attempt.
type LoadSpec struct {
	// Model is a local model directory or a remote model identifier.
	Model string
	// Device is the requested device for this attempt.
	Device string
	// Explicit asks the backend to pin the model to Device rather than
	// letting the runtime choose a placement.
	Explicit bool
	// CacheDir is an optional directory holding downloaded models.
	CacheDir string
	// LocalFilesOnly forbids fetching models that are not already present.
	LocalFilesOnly bool
}

// Backend acquires models.
type Backend interface {
	// Name identifies the backend in logs and reports.
	Name() string
	// Load resolves and loads the model described by spec.
	Load(ctx context.Context, spec LoadSpec) (Model, error)
}

// Model encodes text with a loaded embedding model.
type Model interface {
	Encode(ctx context.Context, texts []string) ([][]float32, error)
	Close() error
}

// IsCPU reports whether device names the CPU.
func IsCPU(device string) bool {
	return strings.EqualFold(strings.TrimSpace(device), DeviceCPU)
}
