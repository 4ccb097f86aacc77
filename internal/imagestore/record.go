package imagestore

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/localrivet/imagecontext/internal/util"
	"github.com/localrivet/imagecontext/internal/vectordb"
)

// Record metadata keys
const (
	metaPath     = "image_path"
	metaCaption  = "caption"
	metaFilename = "filename"
	metaObjects  = "objects"
	metaSize     = "size"
	metaFormat   = "format"
)

// Size is an image size in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// ParseSize parses a "WxH" size. Malformed input yields the zero size.
func ParseSize(s string) Size {
	var size Size
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%dx%d", &size.Width, &size.Height); err != nil {
		return Size{}
	}
	return size
}

// Record is one processed image.
type Record struct {
	ID           string    `json:"id"`
	Path         string    `json:"image_path"`
	Filename     string    `json:"filename"`
	Format       string    `json:"format"`
	Size         Size      `json:"size"`
	Caption      string    `json:"caption"`
	Objects      []string  `json:"objects"`
	CombinedText string    `json:"combined_text"`
	Vector       []float32 `json:"-"`
}

// NewRecord builds a record for path. The id is derived from the path and
// the combined text from the caption and objects.
func NewRecord(path, caption string, objects []string, format string, size Size) *Record {
	return &Record{
		ID:           util.PathID(path),
		Path:         path,
		Filename:     filepath.Base(path),
		Format:       format,
		Size:         size,
		Caption:      caption,
		Objects:      objects,
		CombinedText: CombineText(caption, objects),
	}
}

// CombineText produces the text that is embedded for an image.
func CombineText(caption string, objects []string) string {
	if len(objects) == 0 {
		return caption
	}
	return fmt.Sprintf("%s. Objects: %s", caption, strings.Join(objects, ", "))
}

func (r *Record) toRow() (vectordb.Row, error) {
	objects := r.Objects
	if objects == nil {
		objects = []string{}
	}
	encoded, err := json.Marshal(objects)
	if err != nil {
		return vectordb.Row{}, err
	}

	return vectordb.Row{
		ID:       r.ID,
		Document: r.CombinedText,
		Metadata: map[string]string{
			metaPath:     r.Path,
			metaCaption:  r.Caption,
			metaFilename: r.Filename,
			metaObjects:  string(encoded),
			metaSize:     r.Size.String(),
			metaFormat:   r.Format,
		},
		Embedding: r.Vector,
	}, nil
}

func fromRow(row vectordb.Row) Record {
	md := row.Metadata
	rec := Record{
		ID:           row.ID,
		Path:         md[metaPath],
		Filename:     md[metaFilename],
		Format:       md[metaFormat],
		Size:         ParseSize(md[metaSize]),
		Caption:      md[metaCaption],
		CombinedText: row.Document,
		Vector:       row.Embedding,
	}
	if raw := md[metaObjects]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Objects); err != nil {
			rec.Objects = nil
		}
	}
	return rec
}
