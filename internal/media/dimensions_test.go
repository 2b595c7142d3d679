package media

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func TestSniffDimensionsDecodesPNGHeader(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 12, 8))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}

	dims, err := SniffDimensions(buf.Bytes())
	if err != nil {
		t.Fatalf("SniffDimensions: %v", err)
	}
	if dims.Width != 12 || dims.Height != 8 || dims.Format != "png" {
		t.Fatalf("dims = %+v", dims)
	}
}

func TestSniffDimensionsRejectsNonImageData(t *testing.T) {
	if _, err := SniffDimensions([]byte("not an image")); err == nil {
		t.Fatalf("SniffDimensions(garbage) should fail")
	}
}
