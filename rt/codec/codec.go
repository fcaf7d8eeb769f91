// Package codec moves float RGBA images between host memory and image files.
package codec

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"github.com/gekko3d/hybridrt"
)

// Image is a linear float RGBA image, four floats per pixel.
type Image struct {
	Width, Height int
	Pix           []float32
	// BottomUp is set when row 0 of Pix is the bottom row, as in the
	// renderer's accumulation buffer.
	BottomUp bool
}

func NewImage(width, height int) Image {
	return Image{Width: width, Height: height, Pix: make([]float32, width*height*4)}
}

// At returns the pixel at (x, y) with y counted from the top.
func (m Image) At(x, y int) [4]float32 {
	if m.BottomUp {
		y = m.Height - 1 - y
	}
	i := (y*m.Width + x) * 4
	return [4]float32{m.Pix[i], m.Pix[i+1], m.Pix[i+2], m.Pix[i+3]}
}

func (m Image) validate() error {
	if m.Width < 1 || m.Height < 1 {
		return hybridrt.Configf("image.size", "must be at least 1x1, got %dx%d", m.Width, m.Height)
	}
	if len(m.Pix) < m.Width*m.Height*4 {
		return hybridrt.Configf("image.pix", "%d floats for %dx%d pixels", len(m.Pix), m.Width, m.Height)
	}
	return nil
}

type Codec interface {
	Encode(path string, img Image) error
	Decode(path string) (Image, error)
}

// Images encodes .png (8-bit sRGB) and .tif/.tiff (16-bit sRGB) and decodes
// any of png, tiff and bmp.
type Images struct {
	Logger hybridrt.Logger
}

var _ Codec = Images{}

// CheckOutput reports whether Encode can write path, judging by its
// extension alone.
func CheckOutput(path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".tif", ".tiff":
		return nil
	}
	return hybridrt.Configf("file", "unsupported image format %q (use .png, .tif or .tiff)", filepath.Ext(path))
}

func (c Images) Encode(path string, img Image) error {
	if err := img.validate(); err != nil {
		return err
	}
	if err := CheckOutput(path); err != nil {
		return err
	}
	ext := strings.ToLower(filepath.Ext(path))

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if ext == ".png" {
		err = png.Encode(f, toNRGBA(img))
	} else {
		err = tiff.Encode(f, toNRGBA64(img), &tiff.Options{Compression: tiff.Deflate})
	}
	if err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	hybridrt.OrNop(c.Logger).Infof("wrote %s (%dx%d)", path, img.Width, img.Height)
	return nil
}

func (c Images) Decode(path string) (Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return Image{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	src, format, err := image.Decode(f)
	if err != nil {
		return Image{}, fmt.Errorf("decode %s: %w", path, err)
	}
	b := src.Bounds()
	out := NewImage(b.Dx(), b.Dy())
	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			p := color.NRGBA64Model.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA64)
			i := (y*out.Width + x) * 4
			out.Pix[i+0] = toLinear(float32(p.R) / 0xffff)
			out.Pix[i+1] = toLinear(float32(p.G) / 0xffff)
			out.Pix[i+2] = toLinear(float32(p.B) / 0xffff)
			out.Pix[i+3] = float32(p.A) / 0xffff
		}
	}
	hybridrt.OrNop(c.Logger).Debugf("decoded %s image %s (%dx%d)", format, path, out.Width, out.Height)
	return out, nil
}

func toNRGBA(img Image) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, img.Width, img.Height))
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			c := img.At(x, y)
			p := dst.PixOffset(x, y)
			for k := 0; k < 3; k++ {
				dst.Pix[p+k] = uint8(quantize(toSRGB(c[k]), 0xff))
			}
			dst.Pix[p+3] = 0xff
		}
	}
	return dst
}

func toNRGBA64(img Image) *image.NRGBA64 {
	dst := image.NewNRGBA64(image.Rect(0, 0, img.Width, img.Height))
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			c := img.At(x, y)
			dst.SetNRGBA64(x, y, color.NRGBA64{
				R: uint16(quantize(toSRGB(c[0]), 0xffff)),
				G: uint16(quantize(toSRGB(c[1]), 0xffff)),
				B: uint16(quantize(toSRGB(c[2]), 0xffff)),
				A: 0xffff,
			})
		}
	}
	return dst
}

func quantize(v float32, scale float32) uint32 {
	if !(v > 0) {
		return 0
	}
	if v >= 1 {
		return uint32(scale)
	}
	return uint32(v*scale + 0.5)
}

func toSRGB(v float32) float32 {
	if !(v > 0) {
		return 0
	}
	if v <= 0.0031308 {
		return 12.92 * v
	}
	return float32(1.055*math.Pow(float64(v), 1/2.4) - 0.055)
}

func toLinear(v float32) float32 {
	if v <= 0.04045 {
		return v / 12.92
	}
	return float32(math.Pow((float64(v)+0.055)/1.055, 2.4))
}
