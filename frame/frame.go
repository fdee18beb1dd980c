// Package frame holds raw camera frames and their conversion to images.
package frame

import (
	"fmt"
	"image"
	"image/color"
)

// PixelFormat is the byte layout of a packed 24-bit frame.
type PixelFormat uint8

const (
	RGB24 PixelFormat = iota
	BGR24
)

func (p PixelFormat) String() string {
	switch p {
	case RGB24:
		return "rgb24"
	case BGR24:
		return "bgr24"
	default:
		return "unknown"
	}
}

// BytesPerPixel of every supported format.
const BytesPerPixel = 3

type Frame struct {
	Data   []byte
	Width  uint32
	Height uint32
	Format PixelFormat
}

// Size is the expected length of Data for a width x height frame.
func Size(width, height uint32) int {
	return int(width) * int(height) * BytesPerPixel
}

// Validate checks that Data matches the frame dimensions.
func (f Frame) Validate() error {
	if f.Width == 0 || f.Height == 0 {
		return fmt.Errorf("frame has no dimensions: %dx%d", f.Width, f.Height)
	}
	if want := Size(f.Width, f.Height); len(f.Data) != want {
		return fmt.Errorf("frame size mismatch: got %d, expected %d for %dx%d",
			len(f.Data), want, f.Width, f.Height)
	}
	return nil
}

// Decode converts a packed frame into an RGBA image.
func Decode(f Frame) (*image.RGBA, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	width, height := int(f.Width), int(f.Height)
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	r, b := 0, 2
	if f.Format == BGR24 {
		r, b = 2, 0 // BGR -> RGB
	}
	for p, i := 0, 0; p < width*height; p++ {
		img.Pix[i+0] = f.Data[p*3+r]
		img.Pix[i+1] = f.Data[p*3+1]
		img.Pix[i+2] = f.Data[p*3+b]
		img.Pix[i+3] = 255
		i += 4
	}
	return img, nil
}

// Encode packs an image back into an RGB24 frame.
func Encode(img image.Image) Frame {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	data := make([]byte, 0, width*height*BytesPerPixel)
	if rgba, ok := img.(*image.RGBA); ok && bounds.Min == (image.Point{}) {
		for i := 0; i < len(rgba.Pix); i += 4 {
			data = append(data, rgba.Pix[i], rgba.Pix[i+1], rgba.Pix[i+2])
		}
	} else {
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				r, g, b, _ := img.At(x, y).RGBA()
				data = append(data, byte(r>>8), byte(g>>8), byte(b>>8))
			}
		}
	}
	return Frame{Data: data, Width: uint32(width), Height: uint32(height), Format: RGB24}
}

// Image draws straight into the packed bytes of a frame.
type Image struct {
	f    Frame
	r, b int
}

// NewImage wraps f. Changes made through the image are visible in f.Data.
func NewImage(f Frame) (*Image, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	m := &Image{f: f, r: 0, b: 2}
	if f.Format == BGR24 {
		m.r, m.b = 2, 0
	}
	return m, nil
}

func (m *Image) ColorModel() color.Model { return color.RGBAModel }

func (m *Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, int(m.f.Width), int(m.f.Height))
}

func (m *Image) offset(x, y int) int {
	return (y*int(m.f.Width) + x) * BytesPerPixel
}

func (m *Image) At(x, y int) color.Color {
	if !(image.Point{x, y}.In(m.Bounds())) {
		return color.RGBA{}
	}
	i := m.offset(x, y)
	return color.RGBA{R: m.f.Data[i+m.r], G: m.f.Data[i+1], B: m.f.Data[i+m.b], A: 255}
}

func (m *Image) Set(x, y int, c color.Color) {
	r, g, b, _ := c.RGBA()
	m.SetRGBA64(x, y, color.RGBA64{R: uint16(r), G: uint16(g), B: uint16(b), A: 0xffff})
}

func (m *Image) RGBA64At(x, y int) color.RGBA64 {
	if !(image.Point{x, y}.In(m.Bounds())) {
		return color.RGBA64{}
	}
	i := m.offset(x, y)
	r, g, b := uint16(m.f.Data[i+m.r]), uint16(m.f.Data[i+1]), uint16(m.f.Data[i+m.b])
	return color.RGBA64{R: r<<8 | r, G: g<<8 | g, B: b<<8 | b, A: 0xffff}
}

func (m *Image) SetRGBA64(x, y int, c color.RGBA64) {
	if !(image.Point{x, y}.In(m.Bounds())) {
		return
	}
	i := m.offset(x, y)
	m.f.Data[i+m.r] = uint8(c.R >> 8)
	m.f.Data[i+1] = uint8(c.G >> 8)
	m.f.Data[i+m.b] = uint8(c.B >> 8)
}
