package webrtcstream

import (
	"context"
	"log"
	"os"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"

	"github.com/mofeng-git/One-KVM-sub001/internal/errutil"
	"github.com/mofeng-git/One-KVM-sub001/internal/videotrack"
)

// SessionConfig configures one WebRTC session's ICE behavior.
type SessionConfig struct {
	ICEServers []webrtc.ICEServer
}

// Session is one negotiated peer connection streaming a single codec
// pulled from the shared Pipeline's per-codec broadcast.
type Session struct {
	id     string
	pc     *webrtc.PeerConnection
	track  *videotrack.Track
	codec  videotrack.Codec
	pipe   *Pipeline
	cp     *codecPipeline

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *log.Logger

	mu     sync.Mutex
	closed bool
}

// NewSession creates a peer connection, adds a track for codec, and
// starts forwarding the codec's shared encoded-sample broadcast to it.
// The first published sample is forced to be a keyframe, per the
// session-start keyframe policy.
func NewSession(id string, pipe *Pipeline, codec videotrack.Codec, cfg SessionConfig) (*Session, error) {
	cp, err := pipe.acquireCodec(codec)
	if err != nil {
		return nil, err
	}

	api := webrtc.NewAPI()
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		pipe.releaseCodec(codec)
		return nil, errutil.Wrap(err, "create peer connection failed")
	}

	track, err := videotrack.New(codec, "video0", "one-kvm-stream")
	if err != nil {
		pc.Close()
		pipe.releaseCodec(codec)
		return nil, err
	}

	sender, err := pc.AddTrack(track.Local())
	if err != nil {
		pc.Close()
		pipe.releaseCodec(codec)
		return nil, errutil.Wrap(err, "add track failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:     id,
		pc:     pc,
		track:  track,
		codec:  codec,
		pipe:   pipe,
		cp:     cp,
		ctx:    ctx,
		cancel: cancel,
		log:    log.New(os.Stderr, "webrtcstream: ", log.LstdFlags),
	}

	cp.requestKeyframe() // session-start keyframe policy
	s.runForwardLoop()
	s.runRTCPReader(sender)
	return s, nil
}

// PeerConnection returns the underlying pion PeerConnection for SDP/ICE
// wiring by the caller.
func (s *Session) PeerConnection() *webrtc.PeerConnection { return s.pc }

// Stats returns the session's track statistics.
func (s *Session) Stats() videotrack.Stats { return s.track.Stats() }

// RequestKeyframe forces the next encoded sample on this session's
// codec to be a keyframe — used for an explicit refresh request from
// the admin surface, independent of RTCP PLI/FIR.
func (s *Session) RequestKeyframe() { s.cp.requestKeyframe() }

// runForwardLoop subscribes to the codec pipeline's encoded-sample
// broadcast and writes each sample to this session's track. On a Lagged
// error it asks the codec pipeline for a keyframe and drops samples until
// one arrives, so the first sample written after a gap is a keyframe.
func (s *Session) runForwardLoop() {
	recv := s.cp.out.Subscribe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer recv.Close()
		awaitKeyframe := false
		for {
			sample, err := recv.Recv(s.ctx)
			if err != nil {
				if _, lagged := err.(*Lagged); lagged {
					s.cp.requestKeyframe()
					awaitKeyframe = true
					continue
				}
				return
			}
			if awaitKeyframe && !sample.IsKeyframe {
				continue
			}
			awaitKeyframe = false
			if err := s.track.WriteFrame(sample.Data, sample.IsKeyframe); err != nil {
				s.log.Printf("session %s: write frame failed: %v", s.id, err)
			}
		}
	}()
}

// runRTCPReader drains sender's RTCP feedback and requests a keyframe
// whenever the remote peer sends a PictureLossIndication or
// FullIntraRequest.
func (s *Session) runRTCPReader(sender *webrtc.RTPSender) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		buf := make([]byte, 1500)
		for {
			n, _, err := sender.Read(buf)
			if err != nil {
				return
			}
			packets, err := rtcp.Unmarshal(buf[:n])
			if err != nil {
				continue
			}
			for _, pkt := range packets {
				switch pkt.(type) {
				case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
					s.cp.requestKeyframe()
				}
			}
		}
	}()
}

// Close tears down the peer connection and releases the pipeline's
// reference to this session's codec.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.pipe.releaseCodec(s.codec)
	return s.pc.Close()
}
