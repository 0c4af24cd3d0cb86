package webrtcstream

import (
	"context"
	"log"
	"os"
	"sync"

	"github.com/mofeng-git/One-KVM-sub001/internal/errutil"
	"github.com/mofeng-git/One-KVM-sub001/internal/videotrack"
)

// RawFrame is one decoded capture frame handed from the capture/decode
// side (V4L2 + MJPEG) to the encoder stage.
type RawFrame struct {
	Data        []byte
	Width       int
	Height      int
	Sequence    uint32
	PixelFormat string // "I420" or "NV12"
}

// EncodedSample is one codec-encoded frame ready for RTP packetization
// by a videotrack.Track.
type EncodedSample struct {
	Data       []byte
	IsKeyframe bool
	Codec      videotrack.Codec
}

// Encoder turns raw frames into codec-encoded samples. No concrete
// hardware or software encoder backend (x264, libvpx, V4L2 M2M, ...)
// appears anywhere in the retrieved reference corpus, so this module
// only defines the boundary the pipeline drives; wiring a real backend
// behind it is outside this module's scope.
type Encoder interface {
	Codec() videotrack.Codec
	// Encode returns the encoded sample for frame. forceKeyframe asks
	// the encoder to emit a keyframe regardless of its own cadence.
	Encode(frame RawFrame, forceKeyframe bool) (EncodedSample, error)
	Close() error
}

// codecPipeline is the shared encoder + output broadcast for one
// negotiated codec, reference-counted by the sessions using it.
type codecPipeline struct {
	codec    videotrack.Codec
	encMu    sync.RWMutex
	encoder  Encoder
	out      *Broadcast[EncodedSample]
	refCount int

	stateMu    sync.Mutex
	forceNext  bool
	lastWidth  int
	lastHeight int

	cancel context.CancelFunc
	done   chan struct{}
}

func (cp *codecPipeline) requestKeyframe() {
	cp.stateMu.Lock()
	cp.forceNext = true
	cp.stateMu.Unlock()
}

// checkResolutionChanged records frame's dimensions and reports whether they
// changed from the previously seen frame (ignoring the very first
// frame, which has nothing to differ from).
func (cp *codecPipeline) checkResolutionChanged(width, height int) bool {
	cp.stateMu.Lock()
	defer cp.stateMu.Unlock()
	changed := (cp.lastWidth != 0 || cp.lastHeight != 0) && (width != cp.lastWidth || height != cp.lastHeight)
	cp.lastWidth, cp.lastHeight = width, height
	return changed
}

func (cp *codecPipeline) resetResolution() {
	cp.stateMu.Lock()
	cp.lastWidth, cp.lastHeight = 0, 0
	cp.stateMu.Unlock()
}

func (cp *codecPipeline) swapEncoder(enc Encoder) Encoder {
	cp.encMu.Lock()
	old := cp.encoder
	cp.encoder = enc
	cp.encMu.Unlock()
	return old
}

func (cp *codecPipeline) currentEncoder() Encoder {
	cp.encMu.RLock()
	defer cp.encMu.RUnlock()
	return cp.encoder
}

func (cp *codecPipeline) consumeForce() bool {
	cp.stateMu.Lock()
	force := cp.forceNext
	cp.forceNext = false
	cp.stateMu.Unlock()
	return force
}

// EncoderFactory builds an Encoder for a codec, called each time a
// codec pipeline needs to be (re)created.
type EncoderFactory func(codec videotrack.Codec) (Encoder, error)

// Pipeline owns the raw-frame broadcast and one codecPipeline per
// actively negotiated codec, all fed by a single PushFrame call per
// captured frame (mirroring one capture source driving every session).
type Pipeline struct {
	raw *Broadcast[RawFrame]

	newEncoder EncoderFactory

	mu      sync.Mutex
	codecs  map[videotrack.Codec]*codecPipeline
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	log     *log.Logger
}

// NewPipeline creates a pipeline that builds encoders with newEncoder on
// demand, one per distinct codec a session negotiates.
func NewPipeline(newEncoder EncoderFactory) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		raw:        NewBroadcast[RawFrame](),
		newEncoder: newEncoder,
		codecs:     make(map[videotrack.Codec]*codecPipeline),
		ctx:        ctx,
		cancel:     cancel,
		log:        log.New(os.Stderr, "webrtcstream: ", log.LstdFlags),
	}
}

// PushFrame publishes one captured, decoded frame to the raw broadcast;
// the per-codec encoder tasks pick it up independently.
func (p *Pipeline) PushFrame(frame RawFrame) {
	p.raw.Publish(frame)
}

// acquireCodec returns the shared codecPipeline for codec, creating its
// encoder and encode loop on first use. The first sample a new pipeline
// encodes is forced to be a keyframe.
func (p *Pipeline) acquireCodec(codec videotrack.Codec) (*codecPipeline, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cp, ok := p.codecs[codec]; ok {
		cp.refCount++
		return cp, nil
	}

	enc, err := p.newEncoder(codec)
	if err != nil {
		return nil, errutil.Wrapf(err, "create encoder for %s failed", codec)
	}
	codecCtx, codecCancel := context.WithCancel(p.ctx)
	cp := &codecPipeline{
		codec:    codec,
		encoder:  enc,
		out:      NewBroadcast[EncodedSample](),
		refCount: 1,
		forceNext: true,
		cancel:   codecCancel,
		done:     make(chan struct{}),
	}
	p.codecs[codec] = cp
	p.runEncodeLoop(cp, codecCtx)
	return cp, nil
}

func (p *Pipeline) releaseCodec(codec videotrack.Codec) {
	p.mu.Lock()
	cp, ok := p.codecs[codec]
	if !ok {
		p.mu.Unlock()
		return
	}
	cp.refCount--
	if cp.refCount > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.codecs, codec)
	p.mu.Unlock()

	cp.cancel()
	<-cp.done
	cp.currentEncoder().Close()
}

// runEncodeLoop drives cp's encoder off the shared raw broadcast until
// codecCtx is cancelled (by releaseCodec or the pipeline's own Close).
func (p *Pipeline) runEncodeLoop(cp *codecPipeline, codecCtx context.Context) {
	recv := p.raw.Subscribe()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer recv.Close()
		defer close(cp.done)
		for {
			frame, err := recv.Recv(codecCtx)
			if err != nil {
				return
			}
			forceKeyframe := cp.consumeForce()
			if cp.checkResolutionChanged(frame.Width, frame.Height) {
				forceKeyframe = true
			}

			sample, err := cp.currentEncoder().Encode(frame, forceKeyframe)
			if err != nil {
				p.log.Printf("%s encode failed for frame %d: %v", cp.codec, frame.Sequence, err)
				cp.requestKeyframe()
				continue
			}
			cp.out.Publish(sample)
		}
	}()
}

// RequestKeyframeFor forces the next encoded sample for codec to be a
// keyframe — used for PLI/FIR from a peer, codec switch, or receiver
// lag.
func (p *Pipeline) RequestKeyframeFor(codec videotrack.Codec) {
	p.mu.Lock()
	cp, ok := p.codecs[codec]
	p.mu.Unlock()
	if ok {
		cp.requestKeyframe()
	}
}

// Reconfigure rebuilds the encoder for every currently active codec
// using the new factory (device, resolution, fps, bitrate preset, codec
// backend, or encoder backend changed) and forces a keyframe on each,
// per the renegotiation keyframe policy. It does not touch existing
// sessions' peer connections or tracks; the caller renegotiates SDP
// separately, and only when the RTP payload type actually changed.
func (p *Pipeline) Reconfigure(newEncoder EncoderFactory) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.newEncoder = newEncoder

	for codec, cp := range p.codecs {
		enc, err := newEncoder(codec)
		if err != nil {
			return errutil.Wrapf(err, "rebuild encoder for %s failed", codec)
		}
		old := cp.swapEncoder(enc)
		old.Close()
		cp.resetResolution()
		cp.requestKeyframe()
	}
	return nil
}

// Close stops every encode loop and releases every encoder.
func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for codec, cp := range p.codecs {
		cp.currentEncoder().Close()
		delete(p.codecs, codec)
	}
}
