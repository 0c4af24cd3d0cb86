package mjpeg

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
)

func encodeTestJPEG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode test jpeg: %v", err)
	}
	return buf.Bytes()
}

func TestDecodeI420Dimensions(t *testing.T) {
	src := encodeTestJPEG(t, 32, 24)
	f, err := DecodeI420(src)
	if err != nil {
		t.Fatalf("DecodeI420: %v", err)
	}
	if f.Width != 32 || f.Height != 24 {
		t.Errorf("dimensions = %dx%d, want 32x24", f.Width, f.Height)
	}
	if len(f.Y) != 32*24 {
		t.Errorf("len(Y) = %d, want %d", len(f.Y), 32*24)
	}
	if len(f.U) != 16*12 || len(f.V) != 16*12 {
		t.Errorf("chroma plane sizes = %d/%d, want %d", len(f.U), len(f.V), 16*12)
	}
}

func TestDecodeRejectsBadSignature(t *testing.T) {
	if _, err := DecodeI420([]byte{0x00, 0x01, 0x02}); err == nil {
		t.Fatal("expected error for non-JPEG input")
	}
}

func TestDecodeToI420BufferTooSmall(t *testing.T) {
	src := encodeTestJPEG(t, 16, 16)
	dst := make([]byte, 4)
	if _, err := DecodeToI420Buffer(src, 16, 16, dst); err == nil {
		t.Fatal("expected error for undersized destination buffer")
	}
}

func TestDecodeToI420BufferZeroAlloc(t *testing.T) {
	src := encodeTestJPEG(t, 16, 16)
	dst := make([]byte, sizeOf(16, 16))
	f, err := DecodeToI420Buffer(src, 16, 16, dst)
	if err != nil {
		t.Fatalf("DecodeToI420Buffer: %v", err)
	}
	if &f.Y[0] != &dst[0] {
		t.Error("expected Y plane to alias the caller-provided buffer")
	}
}

func TestDecodeToI420BufferDimensionMismatch(t *testing.T) {
	src := encodeTestJPEG(t, 16, 16)
	dst := make([]byte, sizeOf(32, 32))
	if _, err := DecodeToI420Buffer(src, 32, 32, dst); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestDecodeNV12InterleavesChroma(t *testing.T) {
	src := encodeTestJPEG(t, 16, 16)
	i420, err := DecodeI420(src)
	if err != nil {
		t.Fatalf("DecodeI420: %v", err)
	}
	nv, err := DecodeNV12(src)
	if err != nil {
		t.Fatalf("DecodeNV12: %v", err)
	}
	if len(nv.UV) != len(i420.U)+len(i420.V) {
		t.Fatalf("len(UV) = %d, want %d", len(nv.UV), len(i420.U)+len(i420.V))
	}
	for i := range i420.U {
		if nv.UV[2*i] != i420.U[i] || nv.UV[2*i+1] != i420.V[i] {
			t.Fatalf("UV interleave mismatch at chroma pixel %d", i)
			break
		}
	}
}

func TestToPackedI420RoundTrip(t *testing.T) {
	src := encodeTestJPEG(t, 16, 16)
	f, err := DecodeI420(src)
	if err != nil {
		t.Fatalf("DecodeI420: %v", err)
	}
	packed := f.ToPackedI420()
	if len(packed) != len(f.Y)+len(f.U)+len(f.V) {
		t.Errorf("packed length = %d, want %d", len(packed), len(f.Y)+len(f.U)+len(f.V))
	}
	if !bytes.Equal(packed[:len(f.Y)], f.Y) {
		t.Error("packed Y plane mismatch")
	}
}

func TestCopyToPackedNV12TooSmall(t *testing.T) {
	src := encodeTestJPEG(t, 16, 16)
	nv, err := DecodeNV12(src)
	if err != nil {
		t.Fatalf("DecodeNV12: %v", err)
	}
	if err := nv.CopyToPackedNV12(make([]byte, 1)); err == nil {
		t.Fatal("expected error for undersized packed destination")
	}
}
