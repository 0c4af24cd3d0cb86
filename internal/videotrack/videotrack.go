// Package videotrack wraps a pion WebRTC TrackLocalStaticSample with
// per-codec frame handling: NAL-unit parsing and parameter-set caching
// for H264/H265, direct frame forwarding for VP8/VP9.
package videotrack

import (
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/mofeng-git/One-KVM-sub001/internal/errutil"
)

// Codec identifies the negotiated video codec carried by a Track.
type Codec string

const (
	CodecH264 Codec = "H264"
	CodecH265 Codec = "H265"
	CodecVP8  Codec = "VP8"
	CodecVP9  Codec = "VP9"
)

// MimeType returns the RTCRtpCodecCapability MIME type for this codec.
func (c Codec) MimeType() string {
	switch c {
	case CodecH264:
		return webrtc.MimeTypeH264
	case CodecH265:
		return webrtc.MimeTypeH265
	case CodecVP8:
		return webrtc.MimeTypeVP8
	case CodecVP9:
		return webrtc.MimeTypeVP9
	default:
		return ""
	}
}

// ClockRate is 90kHz for every video codec this module carries.
func (c Codec) ClockRate() uint32 { return 90000 }

// SDPFmtpLine returns the fmtp parameters this codec needs negotiated.
func (c Codec) SDPFmtpLine() string {
	if c == CodecH264 {
		return "level-asymmetry-allowed=1;packetization-mode=1"
	}
	return ""
}

// UsesNALUnits reports whether frames for this codec are Annex-B NAL
// streams (H264/H265) rather than single opaque encoded frames (VP8/VP9).
func (c Codec) UsesNALUnits() bool { return c == CodecH264 || c == CodecH265 }

// H264 NAL unit types (nal_type = byte & 0x1F).
const (
	h264NonIDRSlice = 1
	h264IDRSlice    = 5
	h264SPS         = 7
	h264PPS         = 8
	h264AUD         = 9
	h264Filler      = 12
)

// H265 NAL unit types (nal_type = (byte>>1) & 0x3F).
const (
	h265IDRWRADL = 19
	h265IDRNLP   = 20
	h265CRANUT   = 21
	h265VPS      = 32
	h265SPS      = 33
	h265PPS      = 34
	h265AUD      = 35
	h265FDNUT    = 38
)

func isH265IDR(nalType byte) bool {
	return nalType == h265IDRWRADL || nalType == h265IDRNLP || nalType == h265CRANUT
}

// IsVP8Keyframe reports whether an encoded VP8 frame is a keyframe:
// bit 0 of the first byte is clear.
func IsVP8Keyframe(data []byte) bool {
	return len(data) > 0 && data[0]&0x01 == 0
}

// IsVP9Keyframe reports whether an encoded VP9 frame is a keyframe:
// bit 2 of the first byte is clear.
func IsVP9Keyframe(data []byte) bool {
	return len(data) > 0 && data[0]&0x04 == 0
}

// IsH265Keyframe scans an Annex-B H265 access unit for an IDR/CRA NAL.
func IsH265Keyframe(data []byte) bool {
	for _, nal := range splitAnnexB(data) {
		if len(nal) == 0 {
			continue
		}
		nalType := (nal[0] >> 1) & 0x3F
		if isH265IDR(nalType) {
			return true
		}
	}
	return false
}

// Stats are the running per-track counters, read with Stats().
type Stats struct {
	FramesSent    uint64
	BytesSent     uint64
	KeyframesSent uint64
	Errors        uint64
}

type h264Params struct {
	sps, pps []byte
}

type h265Params struct {
	vps, sps, pps []byte
}

// Track wraps a TrackLocalStaticSample with codec-specific frame
// handling and NAL parameter-set caching.
type Track struct {
	local *webrtc.TrackLocalStaticSample
	codec Codec

	statsMu sync.Mutex
	stats   Stats

	h264Mu sync.Mutex
	h264   h264Params

	h265Mu sync.Mutex
	h265   h265Params

	writeFailures uint32
	log           *log.Logger
}

// New creates a Track for codec, with the given track/stream IDs.
func New(codec Codec, trackID, streamID string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:    codec.MimeType(),
		ClockRate:   codec.ClockRate(),
		SDPFmtpLine: codec.SDPFmtpLine(),
	}, trackID, streamID)
	if err != nil {
		return nil, errutil.Wrapf(err, "create local track for %s failed", codec)
	}
	return &Track{
		local: local,
		codec: codec,
		log:   log.New(os.Stderr, "videotrack: ", log.LstdFlags),
	}, nil
}

// Local returns the underlying TrackLocal for AddTrack on a peer
// connection.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

// Codec returns the track's negotiated codec.
func (t *Track) Codec() Codec { return t.codec }

// Stats returns a snapshot of the running counters.
func (t *Track) Stats() Stats {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	return t.stats
}

// WriteFrame sends one encoded frame, dispatching on codec. Empty
// frames are silently dropped. duration is only used by pion for
// timestamp spacing, not as wall time; every sample is stamped with a
// fixed 1s duration matching the per-frame RTP timestamp advance the
// underlying codec packetizers expect.
func (t *Track) WriteFrame(data []byte, isKeyframe bool) error {
	if len(data) == 0 {
		return nil
	}
	switch t.codec {
	case CodecH264:
		return t.writeH264(data, isKeyframe)
	case CodecH265:
		return t.writeH265(data, isKeyframe)
	default:
		return t.writeDirect(data, isKeyframe)
	}
}

func (t *Track) writeDirect(data []byte, isKeyframe bool) error {
	err := t.writeSample(data)
	t.recordStats(len(data), isKeyframe)
	return err
}

func (t *Track) writeH264(data []byte, isKeyframe bool) error {
	nals := splitAnnexB(data)
	var kept [][]byte
	hasSPS, hasPPS, hasIDR := false, false, false

	for _, nal := range nals {
		if len(nal) == 0 {
			continue
		}
		nalType := nal[0] & 0x1F
		if nalType == h264AUD || nalType == h264Filler {
			continue
		}
		switch nalType {
		case h264IDRSlice:
			hasIDR = true
		case h264SPS:
			hasSPS = true
			t.h264Mu.Lock()
			t.h264.sps = append([]byte(nil), nal...)
			t.h264Mu.Unlock()
		case h264PPS:
			hasPPS = true
			t.h264Mu.Lock()
			t.h264.pps = append([]byte(nil), nal...)
			t.h264Mu.Unlock()
		}
		kept = append(kept, nal)
	}

	if hasIDR && (!hasSPS || !hasPPS) {
		t.h264Mu.Lock()
		sps, pps := t.h264.sps, t.h264.pps
		t.h264Mu.Unlock()
		var injected [][]byte
		if !hasSPS && sps != nil {
			injected = append(injected, sps)
		}
		if !hasPPS && pps != nil {
			injected = append(injected, pps)
		}
		if len(injected) > 0 {
			kept = append(injected, kept...)
		}
	}

	return t.sendNALs(kept, isKeyframe)
}

func (t *Track) writeH265(data []byte, isKeyframe bool) error {
	nals := splitAnnexB(data)
	var kept [][]byte
	hasVPS, hasSPS, hasPPS, hasIDR := false, false, false, false

	for _, nal := range nals {
		if len(nal) == 0 {
			continue
		}
		nalType := (nal[0] >> 1) & 0x3F
		if nalType == h265AUD || nalType == h265FDNUT {
			continue
		}
		switch {
		case nalType == h265VPS:
			hasVPS = true
			t.h265Mu.Lock()
			t.h265.vps = append([]byte(nil), nal...)
			t.h265Mu.Unlock()
		case nalType == h265SPS:
			hasSPS = true
			t.h265Mu.Lock()
			t.h265.sps = append([]byte(nil), nal...)
			t.h265Mu.Unlock()
		case nalType == h265PPS:
			hasPPS = true
			t.h265Mu.Lock()
			t.h265.pps = append([]byte(nil), nal...)
			t.h265Mu.Unlock()
		case isH265IDR(nalType):
			hasIDR = true
		}
		kept = append(kept, nal)
	}

	if hasIDR && (!hasVPS || !hasSPS || !hasPPS) {
		t.h265Mu.Lock()
		vps, sps, pps := t.h265.vps, t.h265.sps, t.h265.pps
		t.h265Mu.Unlock()
		var injected [][]byte
		if !hasVPS && vps != nil {
			injected = append(injected, vps)
		}
		if !hasSPS && sps != nil {
			injected = append(injected, sps)
		}
		if !hasPPS && pps != nil {
			injected = append(injected, pps)
		}
		if len(injected) > 0 {
			kept = append(injected, kept...)
		}
	}

	return t.sendNALs(kept, isKeyframe)
}

func (t *Track) sendNALs(nals [][]byte, isKeyframe bool) error {
	var totalBytes int
	for _, nal := range nals {
		if err := t.writeSample(nal); err != nil {
			atomic.AddUint32(&t.writeFailures, 1)
			if t.writeFailures%100 == 1 {
				t.log.Printf("write_sample failed (no peer?): %v", err)
			}
		}
		totalBytes += len(nal)
	}
	if len(nals) > 0 {
		t.recordStats(totalBytes, isKeyframe)
	}
	return nil
}

func (t *Track) writeSample(data []byte) error {
	return t.local.WriteSample(media.Sample{Data: data, Duration: time.Second})
}

func (t *Track) recordStats(bytesSent int, isKeyframe bool) {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	t.stats.FramesSent++
	t.stats.BytesSent += uint64(bytesSent)
	if isKeyframe {
		t.stats.KeyframesSent++
	}
}

// splitAnnexB splits an Annex-B byte stream into individual NAL units,
// stripping 3- or 4-byte start codes.
func splitAnnexB(data []byte) [][]byte {
	var starts []int
	var codeLens []int
	for i := 0; i+3 <= len(data); {
		if i+4 <= len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 0 && data[i+3] == 1 {
			starts = append(starts, i+4)
			codeLens = append(codeLens, 4)
			i += 4
			continue
		}
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			starts = append(starts, i+3)
			codeLens = append(codeLens, 3)
			i += 3
			continue
		}
		i++
	}
	if len(starts) == 0 {
		return nil
	}
	nals := make([][]byte, 0, len(starts))
	for i, start := range starts {
		end := len(data)
		if i+1 < len(starts) {
			end = starts[i+1] - codeLens[i+1]
		}
		if start < end {
			nals = append(nals, data[start:end])
		}
	}
	return nals
}
