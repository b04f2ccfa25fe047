// ABOUTME: Image header probing and thumbnail rendering for media derivatives.
// ABOUTME: Decodes JPEG, PNG, GIF and WebP; scales with x/image/draw and encodes JPEG.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"

	// Register decoders for image.Decode / image.DecodeConfig.
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ErrUnsupportedImage is returned when the input is not a decodable image.
var ErrUnsupportedImage = errors.New("unsupported image format")

// maxPixels bounds decoded image area so a small, highly compressed file
// cannot exhaust memory.
const maxPixels = 50_000_000

// Probe reads image dimensions from the leading bytes of a payload. ok is
// false when head is not a recognised image header.
func Probe(head []byte) (width, height int, ok bool) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(head))
	if err != nil || cfg.Width <= 0 || cfg.Height <= 0 {
		return 0, 0, false
	}
	return cfg.Width, cfg.Height, true
}

// Thumbnail is a rendered derivative.
type Thumbnail struct {
	Data     []byte
	MimeType string
	Width    int
	Height   int
}

// RenderThumbnail decodes the image in r and scales it to fit within a
// size×size box, preserving aspect ratio and never upscaling. The result is
// JPEG encoded at the given quality.
func RenderThumbnail(r io.Reader, size, quality int) (*Thumbnail, error) {
	if size <= 0 {
		return nil, fmt.Errorf("thumbnail size must be positive, got %d", size)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	if cfg.Width*cfg.Height > maxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds pixel limit", ErrUnsupportedImage, cfg.Width, cfg.Height)
	}
	src, _, err := image.Decode(&buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}

	w, h := fit(src.Bounds().Dx(), src.Bounds().Dy(), size)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	// JPEG has no alpha; flatten transparent sources onto white.
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return &Thumbnail{Data: out.Bytes(), MimeType: "image/jpeg", Width: w, Height: h}, nil
}

// fit scales (w, h) down to fit a size×size box.
func fit(w, h, size int) (int, int) {
	if w <= size && h <= size {
		return w, h
	}
	if w >= h {
		return size, max(1, h*size/w)
	}
	return max(1, w*size/h), size
}
