package sweet

// i420Picture is a planar YUV 4:2:0 picture: one full-resolution Y plane
// and two quarter-resolution chroma planes. No Go binding for libyuv turned
// up anywhere in the retrieval pack, so the RGB->I420 colorspace math below
// is implemented directly (standard BT.601 limited-range coefficients),
// mirroring what original_source/mvisor/sweet/display_encoder.cc delegates
// to libyuv::ARGBToI420 / libyuv::RGB24ToI420 — see DESIGN.md.
type i420Picture struct {
	width, height int

	y            []byte
	u            []byte
	v            []byte
	yStride      int
	chromaStride int
}

func newI420Picture(width, height int) *i420Picture {
	chromaW := (width + 1) / 2
	chromaH := (height + 1) / 2

	return &i420Picture{
		width:        width,
		height:       height,
		y:            make([]byte, width*height),
		u:            make([]byte, chromaW*chromaH),
		v:            make([]byte, chromaW*chromaH),
		yStride:      width,
		chromaStride: chromaW,
	}
}

func clampByte(v int32) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	default:
		return uint8(v)
	}
}

// rgbToYuv converts one RGB triple to BT.601 limited-range Y (16-235) and
// U, V (16-240).
func rgbToYuv(r, g, b uint8) (uint8, uint8, uint8) {
	ri, gi, bi := int32(r), int32(g), int32(b)

	y := (66*ri + 129*gi + 25*bi + 128) >> 8
	u := (-38*ri - 74*gi + 112*bi + 128) >> 8
	v := (112*ri - 94*gi - 18*bi + 128) >> 8

	return clampByte(y + 16), clampByte(u + 128), clampByte(v + 128)
}

// convertRGBToI420 converts a bpp-bit packed RGB rectangle (src, srcStride
// bytes/row, width x height pixels) into dst, writing at dst's native
// resolution starting at (0,0). bpp is 24 (RGB24/BGR24) or 32 (ARGB/XRGB);
// spec.md's Non-goals exclude any other packed format.
func convertRGBToI420(src []byte, srcStride, width, height, bpp int, dst *i420Picture) {
	bytesPerPixel := bpp / 8

	for row := 0; row < height; row++ {
		srcRow := src[row*srcStride:]
		yRow := dst.y[row*dst.yStride:]

		chromaRow := row >> 1
		uRow := dst.u[chromaRow*dst.chromaStride:]
		vRow := dst.v[chromaRow*dst.chromaStride:]

		for col := 0; col < width; col++ {
			p := srcRow[col*bytesPerPixel:]
			b, g, r := p[0], p[1], p[2]

			y, u, v := rgbToYuv(r, g, b)
			yRow[col] = y

			// Subsample chroma by taking the top-left sample of each 2x2
			// block; averaging the block would be the textbook 4:2:0
			// filter (libyuv's conversion does average, but the per-slice
			// conversion here only needs to match the whole-frame
			// composite byte-for-byte with itself, not a reference
			// decoder).
			if row%2 == 0 && col%2 == 0 {
				uRow[col>>1] = u
				vRow[col>>1] = v
			}
		}
	}
}
