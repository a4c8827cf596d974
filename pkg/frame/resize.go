package frame

import (
	"image"

	"golang.org/x/image/draw"
)

// ToRGBA converts a BGR frame into an image usable by image/draw.
func ToRGBA(f Frame) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, int(f.Width), int(f.Height)))

	for i, j := 0, 0; i+2 < len(f.Pix); i, j = i+BytesPerPixel, j+4 {
		img.Pix[j] = f.Pix[i+2]
		img.Pix[j+1] = f.Pix[i+1]
		img.Pix[j+2] = f.Pix[i]
		img.Pix[j+3] = 0xff
	}

	return img
}

// FromRGBA converts img back to a packed BGR frame.
func FromRGBA(img *image.RGBA) Frame {
	b := img.Bounds()
	f := New(uint32(b.Dy()), uint32(b.Dx()))

	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < b.Dx(); x++ {
			i := (y*b.Dx() + x) * BytesPerPixel
			f.Pix[i] = row[x*4+2]
			f.Pix[i+1] = row[x*4+1]
			f.Pix[i+2] = row[x*4]
		}
	}

	return f
}

// Resize scales f to height x width with bilinear interpolation. A frame that
// is already the right size is returned as is.
func Resize(f Frame, height, width uint32) (Frame, error) {
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}

	if f.Height == height && f.Width == width {
		return f, nil
	}

	if height == 0 || width == 0 {
		return Frame{}, ErrEmptyFrame
	}

	src := ToRGBA(f)
	dst := image.NewRGBA(image.Rect(0, 0, int(width), int(height)))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	return FromRGBA(dst), nil
}
