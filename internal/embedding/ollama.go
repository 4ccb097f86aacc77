package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"golang.org/x/time/rate"
)

// OllamaBackend loads remote embedding models served by an Ollama server.
type OllamaBackend struct {
	client  *api.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewOllamaBackend creates a backend for the server at host. A
// requestsPerSecond of zero or less disables rate limiting.
func NewOllamaBackend(host string, timeout time.Duration, requestsPerSecond float64, logger *slog.Logger) (*OllamaBackend, error) {
	base, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{Timeout: timeout}
	return &OllamaBackend{
		client:  api.NewClient(base, httpClient),
		limiter: NewLimiter(requestsPerSecond),
		logger:  logger.With("component", "ollama"),
	}, nil
}

// NewLimiter returns a limiter allowing requestsPerSecond calls, or an
// unlimited one when requestsPerSecond <= 0.
func NewLimiter(requestsPerSecond float64) *rate.Limiter {
	if requestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
}

// Client exposes the underlying API client so other adapters can share it.
func (b *OllamaBackend) Client() *api.Client {
	return b.client
}

// Limiter exposes the shared rate limiter.
func (b *OllamaBackend) Limiter() *rate.Limiter {
	return b.limiter
}

// Name implements Backend.
func (b *OllamaBackend) Name() string {
	return "ollama"
}

// Load implements Backend. The model is resolved on the server, pulled when
// missing (unless LocalFilesOnly), and warmed up on the requested device so
// placement failures surface here rather than on first use.
func (b *OllamaBackend) Load(ctx context.Context, spec LoadSpec) (Model, error) {
	if err := b.resolve(ctx, spec); err != nil {
		return nil, err
	}

	options, err := DeviceOptions(spec.Device, spec.Explicit)
	if err != nil {
		return nil, err
	}

	m := &ollamaModel{backend: b, name: spec.Model, options: options}
	if _, err := m.Encode(ctx, []string{ProbeText}); err != nil {
		return nil, fmt.Errorf("warm-up on %s failed: %w", spec.Device, err)
	}
	return m, nil
}

func (b *OllamaBackend) resolve(ctx context.Context, spec LoadSpec) error {
	_, err := b.client.Show(ctx, &api.ShowRequest{Model: spec.Model})
	if err == nil {
		return nil
	}

	var statusErr api.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		return fmt.Errorf("%w: failed to resolve model %q: %w", ErrModelUnavailable, spec.Model, err)
	}
	if spec.LocalFilesOnly {
		return fmt.Errorf("%w: model %q is not available locally and remote downloads are disabled", ErrModelUnavailable, spec.Model)
	}

	b.logger.Info("Pulling embedding model", "model", spec.Model)
	err = b.client.Pull(ctx, &api.PullRequest{Model: spec.Model}, func(p api.ProgressResponse) error {
		b.logger.Debug("Pull progress", "model", spec.Model, "status", p.Status,
			"completed", p.Completed, "total", p.Total)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: failed to pull model %q: %w", ErrModelUnavailable, spec.Model, err)
	}
	return nil
}

// DeviceOptions maps a device request to Ollama runtime options. The CPU
// disables GPU offload; an explicit "cuda:N" pins the main GPU.
func DeviceOptions(device string, explicit bool) (map[string]interface{}, error) {
	d := strings.ToLower(strings.TrimSpace(device))
	if d == "" || d == DeviceCPU {
		return map[string]interface{}{"num_gpu": 0}, nil
	}
	if !explicit {
		return nil, nil
	}

	index := 0
	if _, suffix, ok := strings.Cut(d, ":"); ok {
		n, err := strconv.Atoi(suffix)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: cannot parse device %q", ErrDeviceUnavailable, device)
		}
		index = n
	}
	return map[string]interface{}{"main_gpu": index}, nil
}

type ollamaModel struct {
	backend *OllamaBackend
	name    string
	options map[string]interface{}
}

func (m *ollamaModel) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		if err := m.backend.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := m.backend.client.Embeddings(ctx, &api.EmbeddingRequest{
			Model:   m.name,
			Prompt:  text,
			Options: m.options,
		})
		if err != nil {
			return nil, err
		}
		if len(resp.Embedding) == 0 {
			return nil, fmt.Errorf("model %q returned an empty embedding", m.name)
		}

		vec := make([]float32, len(resp.Embedding))
		for i, x := range resp.Embedding {
			vec[i] = float32(x)
		}
		out = append(out, vec)
	}
	return out, nil
}

func (m *ollamaModel) Close() error {
	return nil
}

// NewBackendFor selects the backend for a model identifier: an existing
// local directory is served by the hashing backend, anything else is
// treated as a remote model name.
func NewBackendFor(identifier, cacheDir, host string, timeout time.Duration, requestsPerSecond float64, logger *slog.Logger) (Backend, error) {
	if IsLocalModel(identifier, cacheDir) {
		return NewHashingBackend(), nil
	}
	return NewOllamaBackend(host, timeout, requestsPerSecond, logger)
}
