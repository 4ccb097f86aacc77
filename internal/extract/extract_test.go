package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/localrivet/imagecontext/internal/errortypes"
	"github.com/localrivet/imagecontext/internal/imagestore"
	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestTrimCaption(t *testing.T) {
	tests := []struct {
		name    string
		caption string
		max     int
		want    string
	}{
		{name: "short", caption: "a dog on grass", max: 100, want: "a dog on grass"},
		{name: "whitespace collapsed", caption: "  a  dog\non grass ", max: 100, want: "a dog on grass"},
		{name: "no limit", caption: "a dog on grass", max: 0, want: "a dog on grass"},
		{name: "sentence boundary", caption: "A dog. It runs across the long green field", max: 20, want: "A dog."},
		{name: "word boundary", caption: "a small brown dog running", max: 15, want: "a small..."},
		{name: "single long word", caption: "abcdefghijklmnop", max: 10, want: "abcdefg..."},
		{name: "tiny limit", caption: "abcdefghijklmnop", max: 2, want: "ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TrimCaption(tt.caption, tt.max)
			assert.Equal(t, tt.want, got)
			if tt.max > 0 {
				assert.LessOrEqual(t, len(got), tt.max)
			}
		})
	}
}

func TestMatchCategories(t *testing.T) {
	categories := []string{"person", "car", "dog", "cat", "tree"}
	tests := []struct {
		answer string
		want   []string
	}{
		{"Dog, person.", []string{"person", "dog"}},
		{"none", nil},
		{"a cathedral and a carpet", nil},
		{"tree\ncar\ncar", []string{"car", "tree"}},
	}
	for _, tt := range tests {
		t.Run(tt.answer, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchCategories(tt.answer, categories))
		})
	}

	assert.Equal(t, []string{"traffic light"}, MatchCategories("a Traffic  Light", []string{"traffic light", "light bulb"}))
}

func TestReadMetadata(t *testing.T) {
	md := ReadMetadata("/photos/red.png", pngBytes(t, 4, 3))
	assert.Equal(t, "red.png", md.Filename)
	assert.Equal(t, "PNG", md.Format)
	assert.Equal(t, imagestore.Size{Width: 4, Height: 3}, md.Size)
	assert.Positive(t, md.FileSize)

	unknown := ReadMetadata("/photos/thing.webp", []byte("not decodable"))
	assert.Equal(t, "WEBP", unknown.Format)
	assert.Equal(t, imagestore.Size{}, unknown.Size)
}

type fakeVision struct {
	caption string
	objects []string
	err     error
}

func (f *fakeVision) Caption(ctx context.Context, image []byte) (string, error) {
	return f.caption, f.err
}

func (f *fakeVision) DetectObjects(ctx context.Context, image []byte, categories []string) ([]string, error) {
	return f.objects, f.err
}

func TestExtractor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dog.png")
	writeFile(t, path, pngBytes(t, 8, 6))

	vision := &fakeVision{caption: "a dog sitting on a wooden floor near a window", objects: []string{"dog"}}
	e := NewExtractor(vision, vision, Options{
		MaxCaptionLength: 20,
		ObjectCategories: []string{"dog", "cat"},
		SupportedFormats: []string{".png", "JPG"},
	})

	assert.True(t, e.IsSupported("x.PNG"))
	assert.True(t, e.IsSupported("x.jpg"))
	assert.False(t, e.IsSupported("x.txt"))

	f, err := e.Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, path, f.Path)
	assert.LessOrEqual(t, len(f.Caption), 20)
	assert.Equal(t, []string{"dog"}, f.Objects)
	assert.Equal(t, imagestore.Size{Width: 8, Height: 6}, f.Metadata.Size)
	assert.Equal(t, f.Caption+". Objects: dog", f.CombinedText())

	rec := f.Record()
	assert.Equal(t, f.CombinedText(), rec.CombinedText)
	assert.Equal(t, "PNG", rec.Format)
}

func TestExtractorErrors(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "a.png")
	writeFile(t, good, pngBytes(t, 1, 1))

	ok := &fakeVision{caption: "x"}
	e := NewExtractor(ok, ok, Options{SupportedFormats: []string{".png"}})

	_, err := e.Extract(context.Background(), filepath.Join(dir, "a.txt"))
	assert.True(t, errortypes.IsValidationError(err))

	_, err = e.Extract(context.Background(), filepath.Join(dir, "missing.png"))
	assert.True(t, errortypes.IsType(err, errortypes.ErrorTypeNotFound))

	failing := &fakeVision{err: errors.New("model offline")}
	e = NewExtractor(failing, failing, Options{SupportedFormats: []string{".png"}})
	_, err = e.Extract(context.Background(), good)
	assert.True(t, errortypes.IsType(err, errortypes.ErrorTypeExternal))
}

func TestScanner(t *testing.T) {
	root := t.TempDir()
	for _, p := range []string{
		"a.jpg", "b.PNG", "notes.txt", ".hidden.jpg",
		"one/c.jpg", "one/two/d.gif", "one/two/three/e.png",
	} {
		writeFile(t, filepath.Join(root, p), []byte("x"))
	}

	rel := func(paths []string) []string {
		out := make([]string, len(paths))
		for i, p := range paths {
			r, err := filepath.Rel(root, p)
			require.NoError(t, err)
			out[i] = filepath.ToSlash(r)
		}
		return out
	}
	formats := []string{".jpg", ".png", ".gif"}

	tests := []struct {
		name string
		opts ScanOptions
		want []string
	}{
		{
			name: "flat",
			opts: ScanOptions{Formats: formats},
			want: []string{"a.jpg", "b.PNG"},
		},
		{
			name: "depth limited",
			opts: ScanOptions{Recursive: true, MaxDepth: 2, Formats: formats},
			want: []string{"a.jpg", "b.PNG", "one/c.jpg", "one/two/d.gif"},
		},
		{
			name: "unlimited",
			opts: ScanOptions{Recursive: true, Formats: formats},
			want: []string{"a.jpg", "b.PNG", "one/c.jpg", "one/two/d.gif", "one/two/three/e.png"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files, err := NewScanner(tt.opts).Scan(root)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rel(files))
		})
	}

	_, err := NewScanner(ScanOptions{}).Scan(filepath.Join(root, "a.jpg"))
	assert.Error(t, err)
}

func TestScannerSymlinks(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	writeFile(t, filepath.Join(outside, "linked.jpg"), []byte("x"))
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	// A loop back to the root must not be followed forever.
	require.NoError(t, os.Symlink(root, filepath.Join(outside, "loop")))

	files, err := NewScanner(ScanOptions{Recursive: true, Formats: []string{".jpg"}}).Scan(root)
	require.NoError(t, err)
	assert.Empty(t, files)

	files, err = NewScanner(ScanOptions{Recursive: true, FollowSymlinks: true, Formats: []string{".jpg"}}).Scan(root)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "linked.jpg", filepath.Base(files[0]))
}

func TestOllamaVision(t *testing.T) {
	var prompts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req api.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) != 1 {
			http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
			return
		}
		assert.Len(t, req.Messages[0].Images, 1)
		prompts = append(prompts, req.Messages[0].Content)

		answer := "A cat sleeping on a couch."
		if strings.Contains(req.Messages[0].Content, "Which of these") {
			answer = "cat, furniture"
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model":   req.Model,
			"message": map[string]string{"role": "assistant", "content": answer},
			"done":    true,
		})
	}))
	defer srv.Close()

	base, err := url.Parse(srv.URL)
	require.NoError(t, err)
	v := NewOllamaVision(api.NewClient(base, srv.Client()), nil, "llava", nil)

	caption, err := v.Caption(context.Background(), []byte("img"))
	require.NoError(t, err)
	assert.Equal(t, "A cat sleeping on a couch.", caption)

	objects, err := v.DetectObjects(context.Background(), []byte("img"), []string{"dog", "furniture", "cat"})
	require.NoError(t, err)
	assert.Equal(t, []string{"furniture", "cat"}, objects)
	assert.Len(t, prompts, 2)
}
