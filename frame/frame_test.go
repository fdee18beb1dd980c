package frame

import (
	"bytes"
	"image"
	"image/color"
	"testing"
)

func TestDecodeSwapsBGR(t *testing.T) {
	f := Frame{Data: []byte{1, 2, 3, 4, 5, 6}, Width: 2, Height: 1, Format: BGR24}
	img, err := Decode(f)
	if err != nil {
		t.Fatal(err)
	}
	got := img.RGBAAt(0, 0)
	want := color.RGBA{R: 3, G: 2, B: 1, A: 255}
	if got != want {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestDecodeEncodeRGB(t *testing.T) {
	data := []byte{10, 20, 30, 40, 50, 60, 70, 80, 90, 100, 110, 120}
	f := Frame{Data: data, Width: 2, Height: 2, Format: RGB24}
	img, err := Decode(f)
	if err != nil {
		t.Fatal(err)
	}
	back := Encode(img)
	if !bytes.Equal(back.Data, data) {
		t.Errorf("expected %v, got %v", data, back.Data)
	}
	if back.Width != 2 || back.Height != 2 {
		t.Errorf("unexpected dimensions %dx%d", back.Width, back.Height)
	}
}

func TestEncodeSubImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(2, 2, color.RGBA{R: 9, G: 8, B: 7, A: 255})
	sub := img.SubImage(image.Rect(2, 2, 4, 4))
	f := Encode(sub)
	if f.Width != 2 || f.Height != 2 {
		t.Fatalf("unexpected dimensions %dx%d", f.Width, f.Height)
	}
	if !bytes.Equal(f.Data[:3], []byte{9, 8, 7}) {
		t.Errorf("expected first pixel 9,8,7, got %v", f.Data[:3])
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		frame   Frame
		wantErr bool
	}{
		{"ok", Frame{Data: make([]byte, 12), Width: 2, Height: 2}, false},
		{"short", Frame{Data: make([]byte, 11), Width: 2, Height: 2}, true},
		{"no dimensions", Frame{Data: nil}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.frame.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestImageWritesThrough(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6}
	f := Frame{Data: data, Width: 2, Height: 1, Format: BGR24}
	img, err := NewImage(f)
	if err != nil {
		t.Fatal(err)
	}
	if got := img.At(0, 0); got != (color.RGBA{R: 3, G: 2, B: 1, A: 255}) {
		t.Errorf("unexpected pixel %v", got)
	}
	img.Set(1, 0, color.RGBA{R: 9, G: 8, B: 7, A: 255})
	if !bytes.Equal(data[3:], []byte{7, 8, 9}) {
		t.Errorf("expected bgr bytes 7,8,9 in the frame, got %v", data[3:])
	}
	img.Set(5, 5, color.White) // out of bounds
	if img.Bounds() != image.Rect(0, 0, 2, 1) {
		t.Errorf("unexpected bounds %v", img.Bounds())
	}
}

func TestNewImageRejectsBadFrame(t *testing.T) {
	if _, err := NewImage(Frame{Data: []byte{1}, Width: 2, Height: 2}); err == nil {
		t.Error("expected size mismatch error")
	}
}
