package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/localrivet/imagecontext/internal/errortypes"
	"github.com/localrivet/imagecontext/internal/telemetry"
)

// ProbeText is encoded to measure the model dimension.
const ProbeText = "dimension probe"

// Options configure a Provider.
type Options struct {
	Device         string
	CacheDir       string
	LocalFilesOnly bool
	Logger         *slog.Logger
	Metrics        *telemetry.MetricsCollector
}

// ModelInfo is a non-loading snapshot of the provider state.
type ModelInfo struct {
	Name      string `json:"model_name"`
	Backend   string `json:"backend"`
	Device    string `json:"device"`
	Dimension int    `json:"dimension,omitempty"`
	CacheDir  string `json:"cache_folder,omitempty"`
	Loaded    bool   `json:"loaded"`
}

type loadedModel struct {
	model    Model
	device   string
	loadTime time.Duration
}

type placement struct {
	device   string
	explicit bool
	stage    string
}

// Provider wraps a single named embedding model. The model is acquired on
// first use and reused afterwards.
type Provider struct {
	name      string
	device    string
	cacheDir  string
	localOnly bool
	backend   Backend
	logger    *slog.Logger
	metrics   *telemetry.MetricsCollector

	mu        sync.Mutex
	loaded    atomic.Pointer[loadedModel]
	dimension atomic.Int64
}

// NewProvider creates a provider for the named model. Nothing is loaded
// until EnsureLoaded, Encode or Identity is called.
func NewProvider(name string, backend Backend, opts Options) *Provider {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	device := strings.TrimSpace(opts.Device)
	if device == "" {
		device = DeviceCPU
	}
	return &Provider{
		name:      name,
		device:    device,
		cacheDir:  opts.CacheDir,
		localOnly: opts.LocalFilesOnly,
		backend:   backend,
		logger:    logger.With("component", "embedding", "model", name),
		metrics:   opts.Metrics,
	}
}

// Name returns the configured model identifier.
func (p *Provider) Name() string {
	return p.name
}

// IsLoaded reports whether the model has been acquired.
func (p *Provider) IsLoaded() bool {
	return p.loaded.Load() != nil
}

// Info reports the provider state without triggering a load.
func (p *Provider) Info() ModelInfo {
	info := ModelInfo{
		Name:      p.name,
		Backend:   p.backend.Name(),
		Device:    p.device,
		Dimension: int(p.dimension.Load()),
		CacheDir:  p.cacheDir,
	}
	if lm := p.loaded.Load(); lm != nil {
		info.Loaded = true
		info.Device = lm.device
	}
	return info
}

// EnsureLoaded acquires the model if it is not loaded yet. Concurrent
// callers wait for a single load. A failed load is not memoized.
func (p *Provider) EnsureLoaded(ctx context.Context) error {
	_, err := p.ensureLoaded(ctx)
	return err
}

func (p *Provider) ensureLoaded(ctx context.Context) (*loadedModel, error) {
	if lm := p.loaded.Load(); lm != nil {
		return lm, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if lm := p.loaded.Load(); lm != nil {
		return lm, nil
	}

	lm, err := p.load(ctx)
	if err != nil {
		return nil, err
	}
	p.loaded.Store(lm)
	return lm, nil
}

// placements lists the device attempts in order: the configured device,
// the same device pinned explicitly, then the CPU.
func (p *Provider) placements() []placement {
	if IsCPU(p.device) {
		return []placement{{device: DeviceCPU, stage: "configured"}}
	}
	return []placement{
		{device: p.device, stage: "configured"},
		{device: p.device, explicit: true, stage: "explicit"},
		{device: DeviceCPU, stage: "cpu"},
	}
}

func (p *Provider) load(ctx context.Context) (*loadedModel, error) {
	p.logger.Info("Loading embedding model", "backend", p.backend.Name(), "device", p.device)
	start := time.Now()

	attempts := p.placements()
	var errs []error
	for i, at := range attempts {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		model, err := p.backend.Load(ctx, LoadSpec{
			Model:          p.name,
			Device:         at.device,
			Explicit:       at.explicit,
			CacheDir:       p.cacheDir,
			LocalFilesOnly: p.localOnly,
		})
		if err == nil {
			elapsed := time.Since(start)
			if at.device != p.device {
				p.logger.Warn("Embedding model loaded on fallback device",
					"requested_device", p.device, "device", at.device)
			}
			p.logger.Info("Embedding model loaded",
				"device", at.device, "stage", at.stage, "duration", elapsed)
			p.metrics.IncrementCounter(telemetry.MetricEmbeddingLoads, 1)
			p.metrics.RecordTimer(telemetry.MetricEmbeddingLoadTime, elapsed)
			p.metrics.RecordTimestamp(telemetry.MetricEmbeddingLastLoad)
			return &loadedModel{model: model, device: at.device, loadTime: elapsed}, nil
		}

		errs = append(errs, fmt.Errorf("%s load on %s: %w", at.stage, at.device, err))
		if errors.Is(err, ErrModelUnavailable) {
			p.logger.Warn("Embedding model could not be resolved; not trying other devices",
				"stage", at.stage, "device", at.device, "error", err)
			break
		}
		if i+1 < len(attempts) {
			next := attempts[i+1]
			p.logger.Warn("Embedding model load failed, falling back",
				"from_stage", at.stage, "from_device", at.device,
				"to_stage", next.stage, "to_device", next.device,
				"error", err)
			p.metrics.IncrementCounter(telemetry.MetricEmbeddingFallbacks, 1)
		}
	}

	err := errortypes.ModelLoadError(errors.Join(errs...),
		fmt.Sprintf("failed to load embedding model %q", p.name)).
		WithField("model", p.name).
		WithField("device", p.device).
		WithField("backend", p.backend.Name())
	p.logger.Error("Embedding model could not be loaded", "error", err)
	return nil, err
}

// Encode returns one vector per text. All vectors share the model dimension.
func (p *Provider) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	lm, err := p.ensureLoaded(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	vectors, err := lm.model.Encode(ctx, texts)
	if err != nil {
		return nil, errortypes.ExternalError(err, "failed to encode text").
			WithField("model", p.name).
			WithField("count", len(texts))
	}
	p.metrics.RecordTimer(telemetry.MetricEmbeddingEncodeTime, time.Since(start))

	if len(vectors) != len(texts) {
		return nil, errortypes.InternalError(
			fmt.Errorf("model returned %d vectors for %d texts", len(vectors), len(texts)),
			"embedding count mismatch")
	}

	dim := len(vectors[0])
	for i, v := range vectors {
		if len(v) == 0 || len(v) != dim {
			return nil, errortypes.InternalError(
				fmt.Errorf("vector %d has dimension %d, expected %d", i, len(v), dim),
				"inconsistent embedding dimension")
		}
	}
	p.dimension.CompareAndSwap(0, int64(dim))

	return vectors, nil
}

// EncodeOne encodes a single text.
func (p *Provider) EncodeOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.Encode(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Identity returns the model name, dimension and effective device. The
// dimension is measured by encoding ProbeText when it is not known yet,
// which loads the model.
func (p *Provider) Identity(ctx context.Context) (Identity, error) {
	lm, err := p.ensureLoaded(ctx)
	if err != nil {
		return Identity{}, err
	}

	if p.dimension.Load() == 0 {
		if _, err := p.Encode(ctx, []string{ProbeText}); err != nil {
			return Identity{}, err
		}
	}

	return Identity{
		Name:      p.name,
		Dimension: int(p.dimension.Load()),
		Device:    lm.device,
	}, nil
}

// Close releases the loaded model. A later call loads it again.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	lm := p.loaded.Swap(nil)
	if lm == nil {
		return nil
	}
	return lm.model.Close()
}
