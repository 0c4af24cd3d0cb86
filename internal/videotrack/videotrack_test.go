package videotrack

import "testing"

func annexB(nalTypeByte byte, payload ...byte) []byte {
	out := []byte{0, 0, 0, 1, nalTypeByte}
	return append(out, payload...)
}

func TestCodecMimeTypes(t *testing.T) {
	cases := map[Codec]string{
		CodecH264: "video/H264",
		CodecH265: "video/H265",
		CodecVP8:  "video/VP8",
		CodecVP9:  "video/VP9",
	}
	for codec, want := range cases {
		if got := codec.MimeType(); got != want {
			t.Errorf("%s.MimeType() = %q, want %q", codec, got, want)
		}
	}
}

func TestCodecClockRateAlwaysNinetyKHz(t *testing.T) {
	for _, c := range []Codec{CodecH264, CodecH265, CodecVP8, CodecVP9} {
		if c.ClockRate() != 90000 {
			t.Errorf("%s.ClockRate() = %d, want 90000", c, c.ClockRate())
		}
	}
}

func TestCodecUsesNALUnits(t *testing.T) {
	if !CodecH264.UsesNALUnits() || !CodecH265.UsesNALUnits() {
		t.Error("H264/H265 should use NAL units")
	}
	if CodecVP8.UsesNALUnits() || CodecVP9.UsesNALUnits() {
		t.Error("VP8/VP9 should not use NAL units")
	}
}

func TestVP8KeyframeDetection(t *testing.T) {
	if !IsVP8Keyframe([]byte{0x00}) {
		t.Error("expected 0x00 to be a keyframe")
	}
	if IsVP8Keyframe([]byte{0x01}) {
		t.Error("expected 0x01 to not be a keyframe")
	}
	if IsVP8Keyframe(nil) {
		t.Error("empty data should not be a keyframe")
	}
}

func TestVP9KeyframeDetection(t *testing.T) {
	if !IsVP9Keyframe([]byte{0x00}) {
		t.Error("expected bit 2 clear to be a keyframe")
	}
	if IsVP9Keyframe([]byte{0x04}) {
		t.Error("expected bit 2 set to not be a keyframe")
	}
}

func TestH265NALTypeExtraction(t *testing.T) {
	// VPS: type 32 -> header byte 0x40 (32<<1)
	vpsHeader := byte(32 << 1)
	if got := (vpsHeader >> 1) & 0x3F; got != 32 {
		t.Errorf("VPS nal_type = %d, want 32", got)
	}
	// IDR_W_RADL: type 19 -> header byte 0x26
	idrHeader := byte(19 << 1)
	if got := (idrHeader >> 1) & 0x3F; got != 19 {
		t.Errorf("IDR nal_type = %d, want 19", got)
	}
}

func TestIsH265KeyframeDetectsIDR(t *testing.T) {
	data := annexB(byte(19 << 1))
	if !IsH265Keyframe(data) {
		t.Error("expected IDR_W_RADL NAL to be detected as keyframe")
	}
	nonIDR := annexB(byte(1 << 1))
	if IsH265Keyframe(nonIDR) {
		t.Error("non-IDR NAL should not be detected as keyframe")
	}
}

func TestSplitAnnexBFourByteStartCodes(t *testing.T) {
	data := append(annexB(7, 0xAA, 0xBB), annexB(8, 0xCC)...)
	nals := splitAnnexB(data)
	if len(nals) != 2 {
		t.Fatalf("got %d NALs, want 2", len(nals))
	}
	if nals[0][0] != 7 || nals[1][0] != 8 {
		t.Errorf("unexpected NAL types: %v, %v", nals[0][0], nals[1][0])
	}
}

func TestSplitAnnexBThreeByteStartCode(t *testing.T) {
	data := []byte{0, 0, 1, 7, 0xAA}
	nals := splitAnnexB(data)
	if len(nals) != 1 || nals[0][0] != 7 {
		t.Fatalf("unexpected split result: %v", nals)
	}
}

func TestNewTrackAndWriteFrameDirect(t *testing.T) {
	track, err := New(CodecVP8, "video0", "one-kvm-stream")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if track.Codec() != CodecVP8 {
		t.Errorf("Codec() = %v, want VP8", track.Codec())
	}

	if err := track.WriteFrame([]byte{0x00, 0x01, 0x02}, true); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	stats := track.Stats()
	if stats.FramesSent != 1 || stats.KeyframesSent != 1 || stats.BytesSent != 3 {
		t.Errorf("unexpected stats after one keyframe: %+v", stats)
	}
}

func TestWriteFrameEmptyIsNoop(t *testing.T) {
	track, err := New(CodecH264, "video0", "one-kvm-stream")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := track.WriteFrame(nil, false); err != nil {
		t.Fatalf("WriteFrame(nil): %v", err)
	}
	if track.Stats().FramesSent != 0 {
		t.Error("expected no frames sent for empty input")
	}
}

func TestWriteH264InjectsCachedParameterSets(t *testing.T) {
	track, err := New(CodecH264, "video0", "one-kvm-stream")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	spsPPS := append(annexB(h264SPS, 0x01), annexB(h264PPS, 0x02)...)
	if err := track.WriteFrame(spsPPS, false); err != nil {
		t.Fatalf("WriteFrame(sps/pps): %v", err)
	}

	idrOnly := annexB(h264IDRSlice, 0xFF)
	if err := track.WriteFrame(idrOnly, true); err != nil {
		t.Fatalf("WriteFrame(idr): %v", err)
	}

	if track.h264.sps == nil || track.h264.pps == nil {
		t.Fatal("expected SPS/PPS to be cached after first frame")
	}

	// First frame: SPS (2 bytes) + PPS (2). Second frame: the cached SPS
	// and PPS are sent ahead of the 2-byte IDR slice, 6 bytes in all.
	if got := track.Stats().BytesSent; got != 10 {
		t.Errorf("BytesSent = %d, want 10 (cached SPS/PPS injected before the IDR)", got)
	}
}

func TestWriteFrameSkipsAUDAndFiller(t *testing.T) {
	track, err := New(CodecH264, "video0", "one-kvm-stream")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data := append(annexB(h264AUD), annexB(h264NonIDRSlice, 0x01)...)
	if err := track.WriteFrame(data, false); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if track.Stats().FramesSent != 1 {
		t.Errorf("expected exactly one frame counted (AUD dropped), got %+v", track.Stats())
	}
}
