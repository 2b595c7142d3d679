package media

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// Dimensions is the decoded width/height of an image, sniffed without a
// full decode (image.DecodeConfig only reads the header).
type Dimensions struct {
	Width  int
	Height int
	Format string
}

// SniffDimensions decodes just enough of data to report its image format
// and pixel dimensions, registering the decoders for every format the
// supplier catalogs and caption uploads arrive in (JPEG/PNG/GIF via the
// standard library, WebP/BMP via golang.org/x/image). It returns an error
// for data that isn't a recognizable image, letting callers reject a
// corrupt or non-image attachment before spending an AI analysis call on
// it (§4.5.4).
func SniffDimensions(data []byte) (Dimensions, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Dimensions{}, fmt.Errorf("not a recognizable image: %w", err)
	}
	return Dimensions{Width: cfg.Width, Height: cfg.Height, Format: format}, nil
}
