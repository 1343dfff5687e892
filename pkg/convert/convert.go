// Package convert normalizes arbitrary input images into bounded-size JPEG
// scratch files suitable for inference. Decoding always starts from raw
// bytes, never from filesystem path extension guessing.
package convert

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrDecode is returned when input bytes cannot be decoded as an image.
var ErrDecode = errors.New("convert: undecodable image data")

// DecodeBytes decodes an image from raw bytes. Registered decoders (JPEG,
// PNG, GIF, BMP, TIFF, WebP) are tried first, then the explicit WebP decoder
// as a fallback for files the registry rejects.
func DecodeBytes(data []byte) (image.Image, error) {
	if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	return nil, ErrDecode
}

// DecodeFile reads a file and decodes it via DecodeBytes.
func DecodeFile(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeBytes(data)
}

// FitLongSide resizes img preserving aspect ratio so that the longer of
// width/height equals longSide. The shorter side scales proportionally,
// rounded to the nearest pixel by the resampler.
func FitLongSide(img image.Image, longSide int) image.Image {
	b := img.Bounds()
	if longSide <= 0 || (b.Dx() == 0 || b.Dy() == 0) {
		return img
	}
	if b.Dx() >= b.Dy() {
		return imaging.Resize(img, longSide, 0, imaging.Lanczos)
	}
	return imaging.Resize(img, 0, longSide, imaging.Lanczos)
}

// ToJPEG converts the file at srcPath into a resized JPEG inside dstDir and
// returns the scratch path. The output name is the source stem with a .jpg
// extension, so the scratch file is always distinct from the original upload.
func ToJPEG(srcPath, dstDir string, longSide, quality int) (string, error) {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return "", fmt.Errorf("read source: %w", err)
	}
	img, err := DecodeBytes(data)
	if err != nil {
		return "", err
	}

	resized := FitLongSide(img, longSide)

	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	stem := strings.TrimSuffix(filepath.Base(srcPath), filepath.Ext(srcPath))
	outPath := filepath.Join(dstDir, stem+".jpg")
	if err := imaging.Save(resized, outPath, imaging.JPEGQuality(quality)); err != nil {
		return "", fmt.Errorf("save converted image: %w", err)
	}
	return outPath, nil
}
