package core

import (
	"bytes"
	"fmt"
	"image"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	DefaultMaxImageBytes = 10 * 1024 * 1024

	// Upper bound on decoded size, so that a small compressed file cannot
	// expand into an enormous bitmap in the worker.
	MaxImagePixels = 50_000_000
)

type ImageInfo struct {
	Format string
	Width  int
	Height int
}

func (i ImageInfo) ContentType() string {
	return "image/" + i.Format
}

// ValidateImage checks that data is a non empty image in one of the supported
// formats, without decoding the pixel data.
func ValidateImage(data []byte, maxBytes int64) (ImageInfo, error) {
	if len(data) == 0 {
		return ImageInfo{}, fmt.Errorf("%w: empty file", ErrInvalidPayload)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return ImageInfo{}, fmt.Errorf("%w: file of %d bytes exceeds limit of %d bytes", ErrInvalidPayload, len(data), maxBytes)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ImageInfo{}, fmt.Errorf("%w: not a decodable image: %v", ErrInvalidPayload, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return ImageInfo{}, fmt.Errorf("%w: image has no pixels", ErrInvalidPayload)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxImagePixels {
		return ImageInfo{}, fmt.Errorf("%w: image of %dx%d exceeds %d pixels", ErrInvalidPayload, cfg.Width, cfg.Height, MaxImagePixels)
	}

	return ImageInfo{Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}

func DecodeImage(data []byte) (image.Image, ImageInfo, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, ImageInfo{}, fmt.Errorf("error decoding image: %w", err)
	}
	bounds := img.Bounds()
	return img, ImageInfo{Format: format, Width: bounds.Dx(), Height: bounds.Dy()}, nil
}

// acceptableContentType reports whether a declared upload content type may
// hold an image. Clients that do not know the type send nothing or a generic
// binary type, and the payload itself is checked by ValidateImage.
func acceptableContentType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	return ct == "" || ct == "application/octet-stream" || strings.HasPrefix(ct, "image/")
}
