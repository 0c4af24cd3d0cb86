// Package mjpeg decodes MJPEG-encoded capture frames into I420 or NV12,
// the two planar layouts the video pipeline's software encoders and
// hardware encoders respectively want. Decoding rides stdlib
// image/jpeg, since no third-party SIMD JPEG decoder appears anywhere
// in the retrieved reference corpus.
package mjpeg

import (
	"bytes"
	"image"
	"image/jpeg"

	"github.com/mofeng-git/One-KVM-sub001/internal/errutil"
)

// I420Frame is a planar YUV 4:2:0 frame: full-resolution Y, quarter-
// resolution U and V, each with its own stride.
type I420Frame struct {
	Width, Height           int
	Y, U, V                 []byte
	YStride, UStride, VStride int
}

// NV12Frame is a semi-planar YUV 4:2:0 frame: full-resolution Y plane
// followed by an interleaved UV plane at quarter resolution.
type NV12Frame struct {
	Width, Height      int
	Y, UV              []byte
	YStride, UVStride  int
}

func checkSignature(src []byte) error {
	if len(src) < 2 || src[0] != 0xFF || src[1] != 0xD8 {
		return errutil.New("mjpeg: missing FFD8 JPEG signature")
	}
	return nil
}

// sizeOf returns the required buffer size for a tightly packed I420 or
// NV12 frame at width x height: Y plane plus two quarter-size chroma
// planes (whether split or interleaved, the byte count is the same).
func sizeOf(width, height int) int {
	return width*height + 2*((width+1)/2)*((height+1)/2)
}

func decodeYCbCr(src []byte) (*image.YCbCr, error) {
	if err := checkSignature(src); err != nil {
		return nil, err
	}
	img, err := jpeg.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, errutil.Wrap(err, "mjpeg: jpeg decode failed")
	}
	ycc, ok := img.(*image.YCbCr)
	if !ok {
		return nil, errutil.New("mjpeg: decoded image is not YCbCr")
	}
	return ycc, nil
}

// DecodeI420 decodes an MJPEG frame into a newly allocated I420Frame.
func DecodeI420(src []byte) (*I420Frame, error) {
	ycc, err := decodeYCbCr(src)
	if err != nil {
		return nil, err
	}
	return i420FromYCbCr(ycc), nil
}

// DecodeToI420Buffer decodes into dst, which must be at least
// width*height*3/2 bytes; it returns an error instead of allocating if
// dst is too small.
func DecodeToI420Buffer(src []byte, width, height int, dst []byte) (*I420Frame, error) {
	ycc, err := decodeYCbCr(src)
	if err != nil {
		return nil, err
	}
	if ycc.Rect.Dx() != width || ycc.Rect.Dy() != height {
		return nil, errutil.Errorf("mjpeg: decoded frame is %dx%d, expected %dx%d",
			ycc.Rect.Dx(), ycc.Rect.Dy(), width, height)
	}
	need := sizeOf(width, height)
	if len(dst) < need {
		return nil, errutil.Errorf("mjpeg: destination buffer is %d bytes, need %d", len(dst), need)
	}

	chromaW, chromaH := (width+1)/2, (height+1)/2
	ySize := width * height
	uSize := chromaW * chromaH

	f := &I420Frame{
		Width: width, Height: height,
		Y: dst[:ySize:ySize], YStride: width,
		U: dst[ySize : ySize+uSize : ySize+uSize], UStride: chromaW,
		V: dst[ySize+uSize : ySize+2*uSize : ySize+2*uSize], VStride: chromaW,
	}
	copyPlaneTight(f.Y, width, height, ycc.Y, ycc.YStride)
	copyPlaneTight(f.U, chromaW, chromaH, ycc.Cb, ycc.CStride)
	copyPlaneTight(f.V, chromaW, chromaH, ycc.Cr, ycc.CStride)
	return f, nil
}

func i420FromYCbCr(ycc *image.YCbCr) *I420Frame {
	w, h := ycc.Rect.Dx(), ycc.Rect.Dy()
	chromaW, chromaH := (w+1)/2, (h+1)/2
	f := &I420Frame{
		Width: w, Height: h,
		Y: make([]byte, w*h), YStride: w,
		U: make([]byte, chromaW*chromaH), UStride: chromaW,
		V: make([]byte, chromaW*chromaH), VStride: chromaW,
	}
	copyPlaneTight(f.Y, w, h, ycc.Y, ycc.YStride)
	copyPlaneTight(f.U, chromaW, chromaH, ycc.Cb, ycc.CStride)
	copyPlaneTight(f.V, chromaW, chromaH, ycc.Cr, ycc.CStride)
	return f
}

func copyPlaneTight(dst []byte, w, h int, src []byte, srcStride int) {
	for row := 0; row < h; row++ {
		srcOff := row * srcStride
		dstOff := row * w
		copy(dst[dstOff:dstOff+w], src[srcOff:srcOff+w])
	}
}

// DecodeNV12 decodes an MJPEG frame into a newly allocated NV12Frame,
// derived from an I420 decode followed by a U/V interleave.
func DecodeNV12(src []byte) (*NV12Frame, error) {
	i420, err := DecodeI420(src)
	if err != nil {
		return nil, err
	}
	return nv12FromI420(i420), nil
}

// DecodeToNV12Buffer decodes into dst, which must be at least
// width*height*3/2 bytes.
func DecodeToNV12Buffer(src []byte, width, height int, dst []byte) (*NV12Frame, error) {
	need := sizeOf(width, height)
	if len(dst) < need {
		return nil, errutil.Errorf("mjpeg: destination buffer is %d bytes, need %d", len(dst), need)
	}
	i420, err := DecodeI420(src)
	if err != nil {
		return nil, err
	}
	if i420.Width != width || i420.Height != height {
		return nil, errutil.Errorf("mjpeg: decoded frame is %dx%d, expected %dx%d", i420.Width, i420.Height, width, height)
	}

	chromaW, chromaH := (width+1)/2, (height+1)/2
	ySize := width * height
	nv := &NV12Frame{
		Width: width, Height: height,
		Y: dst[:ySize:ySize], YStride: width,
		UV: dst[ySize : ySize+2*chromaW*chromaH : ySize+2*chromaW*chromaH], UVStride: chromaW * 2,
	}
	copy(nv.Y, i420.Y)
	interleaveUV(nv.UV, i420.U, i420.V, chromaW*chromaH)
	return nv, nil
}

func nv12FromI420(i420 *I420Frame) *NV12Frame {
	chromaW, chromaH := (i420.Width+1)/2, (i420.Height+1)/2
	nv := &NV12Frame{
		Width: i420.Width, Height: i420.Height,
		Y: make([]byte, len(i420.Y)), YStride: i420.Width,
		UV: make([]byte, 2*chromaW*chromaH), UVStride: chromaW * 2,
	}
	copy(nv.Y, i420.Y)
	interleaveUV(nv.UV, i420.U, i420.V, chromaW*chromaH)
	return nv
}

func interleaveUV(dst, u, v []byte, count int) {
	for i := 0; i < count; i++ {
		dst[2*i] = u[i]
		dst[2*i+1] = v[i]
	}
}

// ToPackedI420 returns the frame's three planes concatenated with
// strides removed, regardless of how the frame was allocated.
func (f *I420Frame) ToPackedI420() []byte {
	out := make([]byte, len(f.Y)+len(f.U)+len(f.V))
	f.CopyToPackedI420(out)
	return out
}

// CopyToPackedI420 writes the stride-removed Y/U/V planes into dst,
// which must be at least len(Y)+len(U)+len(V) bytes.
func (f *I420Frame) CopyToPackedI420(dst []byte) error {
	need := len(f.Y) + len(f.U) + len(f.V)
	if len(dst) < need {
		return errutil.Errorf("mjpeg: packed destination is %d bytes, need %d", len(dst), need)
	}
	n := copy(dst, f.Y)
	n += copy(dst[n:], f.U)
	copy(dst[n:], f.V)
	return nil
}

// ToPackedNV12 returns the frame's Y and UV planes concatenated with
// strides removed.
func (f *NV12Frame) ToPackedNV12() []byte {
	out := make([]byte, len(f.Y)+len(f.UV))
	f.CopyToPackedNV12(out)
	return out
}

// CopyToPackedNV12 writes the stride-removed Y/UV planes into dst.
func (f *NV12Frame) CopyToPackedNV12(dst []byte) error {
	need := len(f.Y) + len(f.UV)
	if len(dst) < need {
		return errutil.Errorf("mjpeg: packed destination is %d bytes, need %d", len(dst), need)
	}
	n := copy(dst, f.Y)
	copy(dst[n:], f.UV)
	return nil
}
