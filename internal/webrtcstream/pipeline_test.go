package webrtcstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mofeng-git/One-KVM-sub001/internal/videotrack"
)

// fakeEncoder records every Encode call so tests can assert the
// keyframe-forcing policy without a real codec backend.
type fakeEncoder struct {
	mu       sync.Mutex
	codec    videotrack.Codec
	calls    []bool // forceKeyframe per call
	failNext bool
	closed   bool
}

func newFakeEncoder(codec videotrack.Codec) (Encoder, error) {
	return &fakeEncoder{codec: codec}, nil
}

func (f *fakeEncoder) Codec() videotrack.Codec { return f.codec }

func (f *fakeEncoder) Encode(frame RawFrame, forceKeyframe bool) (EncodedSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return EncodedSample{}, errors.New("forced failure")
	}
	f.calls = append(f.calls, forceKeyframe)
	return EncodedSample{Data: frame.Data, IsKeyframe: forceKeyframe, Codec: f.codec}, nil
}

func (f *fakeEncoder) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeEncoder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeEncoder) forcedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, forced := range f.calls {
		if forced {
			n++
		}
	}
	return n
}

func (f *fakeEncoder) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPipelineFirstSampleIsKeyframe(t *testing.T) {
	p := NewPipeline(newFakeEncoder)
	defer p.Close()

	cp, err := p.acquireCodec(videotrack.CodecH264)
	if err != nil {
		t.Fatalf("acquireCodec: %v", err)
	}
	defer p.releaseCodec(videotrack.CodecH264)

	recv := cp.out.Subscribe()
	defer recv.Close()

	p.PushFrame(RawFrame{Data: []byte{1}, Width: 640, Height: 480, Sequence: 1})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sample, err := recv.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !sample.IsKeyframe {
		t.Error("first sample after acquireCodec should be a keyframe")
	}
}

func TestPipelineResolutionChangeForcesKeyframe(t *testing.T) {
	p := NewPipeline(newFakeEncoder)
	defer p.Close()

	cp, _ := p.acquireCodec(videotrack.CodecH264)
	defer p.releaseCodec(videotrack.CodecH264)
	recv := cp.out.Subscribe()
	defer recv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	p.PushFrame(RawFrame{Data: []byte{1}, Width: 640, Height: 480, Sequence: 1})
	first, err := recv.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv first: %v", err)
	}
	if !first.IsKeyframe {
		t.Fatal("first sample should be keyframe")
	}

	p.PushFrame(RawFrame{Data: []byte{2}, Width: 640, Height: 480, Sequence: 2})
	second, err := recv.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv second: %v", err)
	}
	if second.IsKeyframe {
		t.Fatal("unchanged resolution should not force a keyframe")
	}

	p.PushFrame(RawFrame{Data: []byte{3}, Width: 1280, Height: 720, Sequence: 3})
	third, err := recv.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv third: %v", err)
	}
	if !third.IsKeyframe {
		t.Error("resolution change should force a keyframe")
	}
}

func TestPipelineRequestKeyframeForForcesNextSample(t *testing.T) {
	p := NewPipeline(newFakeEncoder)
	defer p.Close()

	cp, _ := p.acquireCodec(videotrack.CodecVP8)
	defer p.releaseCodec(videotrack.CodecVP8)
	recv := cp.out.Subscribe()
	defer recv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	p.PushFrame(RawFrame{Data: []byte{1}, Width: 640, Height: 480})
	if _, err := recv.Recv(ctx); err != nil {
		t.Fatalf("Recv: %v", err)
	}

	p.RequestKeyframeFor(videotrack.CodecVP8)
	p.PushFrame(RawFrame{Data: []byte{2}, Width: 640, Height: 480})
	sample, err := recv.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if !sample.IsKeyframe {
		t.Error("RequestKeyframeFor should force the next sample to be a keyframe")
	}
}

func TestPipelineEncodeErrorRequestsKeyframe(t *testing.T) {
	p := NewPipeline(newFakeEncoder)
	defer p.Close()

	cp, _ := p.acquireCodec(videotrack.CodecH264)
	defer p.releaseCodec(videotrack.CodecH264)
	recv := cp.out.Subscribe()
	defer recv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Drain the session-start keyframe.
	p.PushFrame(RawFrame{Data: []byte{1}, Width: 640, Height: 480})
	if _, err := recv.Recv(ctx); err != nil {
		t.Fatalf("Recv: %v", err)
	}

	fe := cp.currentEncoder().(*fakeEncoder)
	fe.mu.Lock()
	fe.failNext = true
	fe.mu.Unlock()

	p.PushFrame(RawFrame{Data: []byte{2}, Width: 640, Height: 480})
	waitFor(t, func() bool { return !fe.failNext })

	p.PushFrame(RawFrame{Data: []byte{3}, Width: 640, Height: 480})
	sample, err := recv.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv after failure: %v", err)
	}
	if !sample.IsKeyframe {
		t.Error("sample following an encode failure should be forced to a keyframe")
	}
}

func TestPipelineReconfigureSwapsEncoderAndForcesKeyframe(t *testing.T) {
	p := NewPipeline(newFakeEncoder)
	defer p.Close()

	cp, _ := p.acquireCodec(videotrack.CodecH264)
	defer p.releaseCodec(videotrack.CodecH264)
	recv := cp.out.Subscribe()
	defer recv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	p.PushFrame(RawFrame{Data: []byte{1}, Width: 640, Height: 480})
	if _, err := recv.Recv(ctx); err != nil {
		t.Fatalf("Recv: %v", err)
	}

	oldEncoder := cp.currentEncoder().(*fakeEncoder)

	if err := p.Reconfigure(newFakeEncoder); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	waitFor(t, oldEncoder.isClosed)

	p.PushFrame(RawFrame{Data: []byte{2}, Width: 640, Height: 480})
	sample, err := recv.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv after reconfigure: %v", err)
	}
	if !sample.IsKeyframe {
		t.Error("sample following Reconfigure should be forced to a keyframe")
	}
	if cp.currentEncoder() == Encoder(oldEncoder) {
		t.Error("Reconfigure should have swapped in a new encoder instance")
	}
}

func TestPipelineReleaseCodecStopsEncodeLoop(t *testing.T) {
	p := NewPipeline(newFakeEncoder)
	defer p.Close()

	cp, _ := p.acquireCodec(videotrack.CodecH264)
	enc := cp.currentEncoder().(*fakeEncoder)

	p.releaseCodec(videotrack.CodecH264)

	if !enc.isClosed() {
		t.Error("releaseCodec should close the encoder once refcount drops to zero")
	}

	p.mu.Lock()
	_, stillTracked := p.codecs[videotrack.CodecH264]
	p.mu.Unlock()
	if stillTracked {
		t.Error("releaseCodec should remove the codec from the pipeline's map")
	}
}

func TestPipelineRefCountSharesCodecPipeline(t *testing.T) {
	p := NewPipeline(newFakeEncoder)
	defer p.Close()

	cp1, _ := p.acquireCodec(videotrack.CodecH264)
	cp2, _ := p.acquireCodec(videotrack.CodecH264)
	if cp1 != cp2 {
		t.Fatal("acquiring the same codec twice should return the same codecPipeline")
	}

	p.releaseCodec(videotrack.CodecH264)
	if cp1.currentEncoder().(*fakeEncoder).isClosed() {
		t.Error("encoder should stay open while a second reference is held")
	}

	p.releaseCodec(videotrack.CodecH264)
	waitFor(t, cp1.currentEncoder().(*fakeEncoder).isClosed)
}
