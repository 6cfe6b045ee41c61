// Package raster converts downloaded GeoTIFF rasters into displayable PNGs.
package raster

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"strings"

	"golang.org/x/image/tiff"
)

// ToPNG decodes the raster at tifPath, treats its first three bands as RGB
// and writes a PNG next to it. Rasters that are not already 8-bit are
// linearly rescaled so the darkest sample maps to 0 and the brightest to 255;
// this stretch is the intended normalization for display, not a lossless
// conversion.
func ToPNG(tifPath string) (string, error) {
	f, err := os.Open(tifPath)
	if err != nil {
		return "", fmt.Errorf("open raster: %w", err)
	}
	defer f.Close()

	img, err := tiff.Decode(f)
	if err != nil {
		return "", fmt.Errorf("decode raster: %w", err)
	}

	pngPath := strings.TrimSuffix(tifPath, ".tif") + ".png"
	out, err := os.Create(pngPath)
	if err != nil {
		return "", fmt.Errorf("create png: %w", err)
	}
	defer out.Close()

	if err := png.Encode(out, normalize(img)); err != nil {
		return "", fmt.Errorf("encode png: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("flush png: %w", err)
	}
	return pngPath, nil
}

// normalize returns an 8-bit RGB rendition of img. Images decoded into 8-bit
// models pass through untouched; deeper models get a min-max stretch across
// the three color channels.
func normalize(img image.Image) image.Image {
	switch img.(type) {
	case *image.RGBA, *image.NRGBA, *image.Gray, *image.Paletted, *image.CMYK, *image.YCbCr:
		return img
	}
	return stretch(img)
}

func stretch(img image.Image) *image.NRGBA {
	bounds := img.Bounds()

	min := uint32(1<<16 - 1)
	max := uint32(0)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			for _, v := range [3]uint32{r, g, b} {
				if v < min {
					min = v
				}
				if v > max {
					max = v
				}
			}
		}
	}

	span := max - min
	scale := func(v uint32) uint8 {
		if span == 0 {
			return 0
		}
		return uint8((v - min) * 255 / span)
	}

	out := image.NewNRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			out.SetNRGBA(x, y, color.NRGBA{R: scale(r), G: scale(g), B: scale(b), A: 255})
		}
	}
	return out
}
