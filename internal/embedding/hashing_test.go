package embedding

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHashingModelDir(t *testing.T, dim int) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "mini-hash")
	require.NoError(t, WriteManifest(dir, Manifest{Name: "mini-hash", Dimension: dim, Lowercase: true, NGram: 2}))
	return dir
}

func TestHashingBackendLoad(t *testing.T) {
	dir := newHashingModelDir(t, 64)
	b := NewHashingBackend()

	tests := []struct {
		name    string
		spec    LoadSpec
		wantErr error
	}{
		{"absolute dir", LoadSpec{Model: dir, Device: "cpu"}, nil},
		{"cache dir relative", LoadSpec{Model: "mini-hash", Device: "cpu", CacheDir: filepath.Dir(dir)}, nil},
		{"gpu unavailable", LoadSpec{Model: dir, Device: "cuda"}, ErrDeviceUnavailable},
		{"missing dir", LoadSpec{Model: filepath.Join(dir, "nope"), Device: "cpu"}, ErrModelUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := b.Load(context.Background(), tt.spec)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			require.NotNil(t, m)
		})
	}

	assert.True(t, IsLocalModel(dir, ""))
	assert.False(t, IsLocalModel("all-minilm", ""))
}

func TestHashingModelEncode(t *testing.T) {
	dir := newHashingModelDir(t, 64)
	m, err := NewHashingBackend().Load(context.Background(), LoadSpec{Model: dir, Device: "cpu"})
	require.NoError(t, err)

	vectors, err := m.Encode(context.Background(), []string{
		"A dog on the beach. Objects: dog, water",
		"a DOG on the beach. objects: dog, water",
		"City skyline at night. Objects: building, sky",
		"",
	})
	require.NoError(t, err)
	require.Len(t, vectors, 4)
	for _, v := range vectors {
		assert.Len(t, v, 64)
	}

	assert.Equal(t, vectors[0], vectors[1], "lowercase manifest folds case")

	same, err := CosineSimilarity(vectors[0], vectors[1])
	require.NoError(t, err)
	assert.InDelta(t, 1.0, same, 1e-6)

	other, err := CosineSimilarity(vectors[0], vectors[2])
	require.NoError(t, err)
	assert.Less(t, other, 0.9)

	for _, x := range vectors[3] {
		assert.Zero(t, x)
	}
}

func TestProviderWithHashingBackendFallsBackToCPU(t *testing.T) {
	dir := newHashingModelDir(t, 32)
	p := NewProvider(dir, NewHashingBackend(), Options{Device: "cuda"})

	id, err := p.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Identity{Name: dir, Dimension: 32, Device: "cpu"}, id)
}

func TestWriteManifestRejectsBadDimension(t *testing.T) {
	err := WriteManifest(t.TempDir(), Manifest{Name: "bad"})
	assert.Error(t, err)
}
