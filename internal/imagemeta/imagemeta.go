// ABOUTME: Image inspection for composed and downloaded images
// ABOUTME: Uses registered decoders for size and counts GIF frames for animation

package imagemeta

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// ErrUnsupported is returned for data that is not a recognized image.
var ErrUnsupported = errors.New("unsupported image format")

// Info describes an image.
type Info struct {
	Width    int
	Height   int
	MimeType string
	Animated bool
}

var mimeTypes = map[string]string{
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
}

// Inspect reads the image header of data. A GIF is animated when it has
// more than one frame.
func Inspect(data []byte) (Info, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return Info{}, ErrUnsupported
		}
		return Info{}, fmt.Errorf("reading image header: %w", err)
	}

	mt, ok := mimeTypes[format]
	if !ok {
		return Info{}, fmt.Errorf("%s: %w", format, ErrUnsupported)
	}
	info := Info{Width: cfg.Width, Height: cfg.Height, MimeType: mt}

	if format == "gif" {
		g, err := gif.DecodeAll(bytes.NewReader(data))
		if err != nil {
			return Info{}, fmt.Errorf("decoding gif: %w", err)
		}
		info.Animated = len(g.Image) > 1
	}
	return info, nil
}
