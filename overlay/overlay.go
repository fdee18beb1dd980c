// Package overlay burns the capture time and vehicle telemetry into video
// frames before they are encoded.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"strzcam.com/blackbox/frame"
	"strzcam.com/blackbox/retention"
	"strzcam.com/blackbox/telemetry"
)

// Timestamp box geometry, in pixels.
const (
	BoxWidth     = 165
	BoxHeight    = 20
	RightOffset  = 10
	BottomOffset = 10
)

const (
	lineHeight = 14
	textInset  = 4
)

var face = basicfont.Face7x13

// Label formats t the way it is burnt into a frame.
func Label(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05") + " UTC"
}

// TimestampBox returns the rectangle of the timestamp label in a frame of
// the given size.
func TimestampBox(width, height int) image.Rectangle {
	return image.Rect(
		width-BoxWidth-RightOffset, height-BoxHeight-BottomOffset,
		width-RightOffset, height-BottomOffset,
	)
}

// DrawTimestamp paints the label for t in the bottom-right corner.
func DrawTimestamp(img draw.Image, t time.Time) {
	b := img.Bounds()
	box := TimestampBox(b.Dx(), b.Dy()).Add(b.Min)
	draw.Draw(img, box, image.Black, image.Point{}, draw.Src)
	drawText(img, box.Min.X+textInset, box.Max.Y-textInset-2, Label(t))
}

// DrawLines paints lines in a black panel in the top-left corner.
func DrawLines(img draw.Image, lines []string) {
	if len(lines) == 0 {
		return
	}
	widest := 0
	for _, l := range lines {
		if w := font.MeasureString(face, l).Ceil(); w > widest {
			widest = w
		}
	}
	b := img.Bounds()
	panel := image.Rect(0, 0, widest+2*textInset, len(lines)*lineHeight+2*textInset).Add(b.Min).Intersect(b)
	draw.Draw(img, panel, image.Black, image.Point{}, draw.Src)
	for i, l := range lines {
		drawText(img, panel.Min.X+textInset, panel.Min.Y+textInset+(i+1)*lineHeight-3, l)
	}
}

func drawText(img draw.Image, x, y int, s string) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

// Align picks the telemetry record shown on every frame. Frames and
// telemetry must be in timestamp order.
//
// A record is shown on a frame when both timestamps round to the same
// second and the record was taken no later than the frame. The latest such
// record wins. Frames with no matching record keep the previous frame's
// record; frames before the first match get nil, which renders as N/A.
func Align(frames []retention.Sample[frame.Frame], records []retention.Sample[telemetry.Record]) []telemetry.Record {
	out := make([]telemetry.Record, len(frames))
	var current telemetry.Record
	eligible := 0
	for i, f := range frames {
		for eligible < len(records) && !records[eligible].At.After(f.At) {
			eligible++
		}
		second := f.RoundedSecond()
		for j := eligible - 1; j >= 0; j-- {
			rs := records[j].RoundedSecond()
			if rs == second {
				current = records[j].Payload
				break
			}
			if rs < second {
				break
			}
		}
		out[i] = current
	}
	return out
}

// Apply draws the timestamp, and the telemetry panel when records is
// non-empty, into the frames' own buffers.
func Apply(frames []retention.Sample[frame.Frame], records []retention.Sample[telemetry.Record]) error {
	var aligned []telemetry.Record
	if len(records) > 0 {
		aligned = Align(frames, records)
	}
	for i, f := range frames {
		img, err := frame.NewImage(f.Payload)
		if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		DrawTimestamp(img, f.At)
		if aligned != nil {
			DrawLines(img, aligned[i].Lines())
		}
	}
	return nil
}
