package extract

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"

	"github.com/localrivet/imagecontext/internal/imagestore"
)

// ReadMetadata describes the image file at path from its contents. Formats
// without a registered decoder are named after the file extension and get
// a zero size.
func ReadMetadata(path string, data []byte) Metadata {
	md := Metadata{
		Filename: filepath.Base(path),
		FileSize: int64(len(data)),
		Format:   strings.ToUpper(strings.TrimPrefix(filepath.Ext(path), ".")),
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return md
	}
	md.Format = strings.ToUpper(format)
	md.Size = imagestore.Size{Width: cfg.Width, Height: cfg.Height}
	return md
}
