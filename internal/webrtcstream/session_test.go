package webrtcstream

import (
	"testing"

	"github.com/mofeng-git/One-KVM-sub001/internal/videotrack"
)

func TestNewSessionForcesStartupKeyframe(t *testing.T) {
	p := NewPipeline(newFakeEncoder)
	defer p.Close()

	s, err := NewSession("sess-1", p, videotrack.CodecH264, SessionConfig{})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	if !s.cp.consumeForce() {
		t.Error("NewSession should leave a pending forced keyframe for the session's codec")
	}
}

func TestSessionRequestKeyframeForcesCodecPipeline(t *testing.T) {
	p := NewPipeline(newFakeEncoder)
	defer p.Close()

	s, err := NewSession("sess-2", p, videotrack.CodecVP8, SessionConfig{})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	s.cp.consumeForce() // clear the startup flag set by NewSession

	s.RequestKeyframe()
	if !s.cp.consumeForce() {
		t.Error("RequestKeyframe should force the next sample on this session's codec pipeline")
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	p := NewPipeline(newFakeEncoder)
	defer p.Close()

	s, err := NewSession("sess-3", p, videotrack.CodecH264, SessionConfig{})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
}

func TestSessionCloseReleasesCodecReference(t *testing.T) {
	p := NewPipeline(newFakeEncoder)
	defer p.Close()

	s1, err := NewSession("sess-4a", p, videotrack.CodecH264, SessionConfig{})
	if err != nil {
		t.Fatalf("NewSession s1: %v", err)
	}
	s2, err := NewSession("sess-4b", p, videotrack.CodecH264, SessionConfig{})
	if err != nil {
		t.Fatalf("NewSession s2: %v", err)
	}

	if s1.cp != s2.cp {
		t.Fatal("sessions negotiating the same codec should share one codecPipeline")
	}

	if err := s1.Close(); err != nil {
		t.Fatalf("Close s1: %v", err)
	}

	p.mu.Lock()
	_, stillTracked := p.codecs[videotrack.CodecH264]
	p.mu.Unlock()
	if !stillTracked {
		t.Error("codec pipeline should stay alive while a second session still references it")
	}

	if err := s2.Close(); err != nil {
		t.Fatalf("Close s2: %v", err)
	}
	waitFor(t, func() bool {
		p.mu.Lock()
		_, ok := p.codecs[videotrack.CodecH264]
		p.mu.Unlock()
		return !ok
	})
}
