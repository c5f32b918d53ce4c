package model

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
)

// rgbImage adapts a packed RGB24 Frame payload to image.Image without a
// copy into image.NRGBA, since frames can be several megabytes.
type rgbImage struct {
	data          []byte
	width, height int
}

func (r *rgbImage) ColorModel() color.Model { return color.RGBAModel }

func (r *rgbImage) Bounds() image.Rectangle {
	return image.Rect(0, 0, r.width, r.height)
}

func (r *rgbImage) At(x, y int) color.Color {
	i := (y*r.width + x) * 3
	if i+2 >= len(r.data) {
		return color.RGBA{}
	}
	return color.RGBA{R: r.data[i], G: r.data[i+1], B: r.data[i+2], A: 0xff}
}

// JPEG encodes the frame's RGB payload as a JPEG at the given quality
// (1-100), for the representative keyframe sent to the session store and
// the Session Archiver.
func (f Frame) JPEG(quality int) ([]byte, error) {
	img := &rgbImage{data: f.Data, width: int(f.Width), height: int(f.Height)}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
