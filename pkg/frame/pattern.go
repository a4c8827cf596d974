package frame

// SMPTE style bars in BGR order.
var barColors = [7][3]uint8{
	{192, 192, 192}, // gray
	{0, 192, 192},   // yellow
	{192, 192, 0},   // cyan
	{0, 192, 0},     // green
	{192, 0, 192},   // magenta
	{0, 0, 192},     // red
	{192, 0, 0},     // blue
}

// ColorBars returns a frame filled with vertical color bars shifted right by
// offset pixels, so successive offsets give a moving picture.
func ColorBars(height, width uint32, offset int) Frame {
	f := New(height, width)

	barWidth := int(width) / len(barColors)
	if barWidth == 0 {
		barWidth = 1
	}

	w := int(width)
	for x := 0; x < w; x++ {
		idx := (((x+offset)%w + w) % w) / barWidth
		if idx >= len(barColors) {
			idx = len(barColors) - 1
		}
		c := barColors[idx]

		for y := 0; y < int(height); y++ {
			i := (y*w + x) * BytesPerPixel
			f.Pix[i] = c[0]
			f.Pix[i+1] = c[1]
			f.Pix[i+2] = c[2]
		}
	}

	return f
}

// Fill returns a frame where every pixel is the given BGR triple.
func Fill(height, width uint32, b, g, r uint8) Frame {
	f := New(height, width)
	for i := 0; i < len(f.Pix); i += BytesPerPixel {
		f.Pix[i] = b
		f.Pix[i+1] = g
		f.Pix[i+2] = r
	}

	return f
}
