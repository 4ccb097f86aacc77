package embedding

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// ManifestFile is the file describing a local hashing model directory.
const ManifestFile = "model.json"

// Manifest describes a local feature-hashing text model.
type Manifest struct {
	Name      string `json:"name"`
	Dimension int    `json:"dimension"`
	Lowercase bool   `json:"lowercase"`
	// NGram adds joined word n-grams up to this size (1 = words only).
	NGram int `json:"ngram"`
}

// WriteManifest creates dir if needed and writes m into it.
func WriteManifest(dir string, m Manifest) error {
	if m.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive, got %d", m.Dimension)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ManifestFile), data, 0o644)
}

// HashingBackend loads deterministic feature-hashing models from local
// directories. It runs on the CPU only.
type HashingBackend struct{}

// NewHashingBackend returns a HashingBackend.
func NewHashingBackend() *HashingBackend {
	return &HashingBackend{}
}

// Name implements Backend.
func (b *HashingBackend) Name() string {
	return "hashing"
}

// Load implements Backend.
func (b *HashingBackend) Load(ctx context.Context, spec LoadSpec) (Model, error) {
	if !IsCPU(spec.Device) {
		return nil, fmt.Errorf("%w: %q (hashing models run on cpu only)", ErrDeviceUnavailable, spec.Device)
	}

	dir, err := resolveModelDir(spec.Model, spec.CacheDir)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read model manifest: %w", ErrModelUnavailable, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: failed to parse model manifest: %w", ErrModelUnavailable, err)
	}
	if m.Dimension <= 0 {
		return nil, fmt.Errorf("%w: model manifest %s has invalid dimension %d", ErrModelUnavailable, dir, m.Dimension)
	}
	if m.NGram <= 0 {
		m.NGram = 1
	}

	return &hashingModel{manifest: m}, nil
}

func resolveModelDir(model, cacheDir string) (string, error) {
	candidates := []string{model}
	if cacheDir != "" && !filepath.IsAbs(model) {
		candidates = append(candidates, filepath.Join(cacheDir, model))
	}
	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir, nil
		}
	}
	return "", fmt.Errorf("%w: model directory %q not found", ErrModelUnavailable, model)
}

// IsLocalModel reports whether identifier names an existing model directory.
func IsLocalModel(identifier, cacheDir string) bool {
	_, err := resolveModelDir(identifier, cacheDir)
	return err == nil
}

type hashingModel struct {
	manifest Manifest
}

func (m *hashingModel) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = m.encode(text)
	}
	return out, nil
}

func (m *hashingModel) encode(text string) []float32 {
	vec := make([]float32, m.manifest.Dimension)
	for _, feature := range m.features(text) {
		sum := md5.Sum([]byte(feature))
		bucket := binary.LittleEndian.Uint32(sum[:4]) % uint32(len(vec))
		if sum[4]&1 == 1 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}
	Normalize(vec)
	return vec
}

func (m *hashingModel) features(text string) []string {
	if m.manifest.Lowercase {
		text = strings.ToLower(text)
	}
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	features := append([]string(nil), words...)
	for n := 2; n <= m.manifest.NGram; n++ {
		for i := 0; i+n <= len(words); i++ {
			features = append(features, strings.Join(words[i:i+n], " "))
		}
	}
	return features
}

func (m *hashingModel) Close() error {
	return nil
}
