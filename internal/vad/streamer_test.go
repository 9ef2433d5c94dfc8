package vad

import (
	"errors"
	"testing"

	vadprovider "github.com/MrWong99/glyphoxa/pkg/provider/vad"
)

// scriptedSession replays a fixed sequence of VADEventTypes, one per
// ProcessFrame call, repeating the last entry once the script is exhausted.
type scriptedSession struct {
	script  []vadprovider.VADEventType
	idx     int
	resets  int
	closed  bool
}

func (s *scriptedSession) ProcessFrame(frame []byte) (vadprovider.VADEvent, error) {
	if len(frame) != DefaultFrameBytes {
		return vadprovider.VADEvent{}, errors.New("unexpected frame size")
	}
	t := s.script[s.idx]
	if s.idx < len(s.script)-1 {
		s.idx++
	}
	return vadprovider.VADEvent{Type: t}, nil
}

func (s *scriptedSession) Reset()      { s.resets++; s.idx = 0 }
func (s *scriptedSession) Close() error { s.closed = true; return nil }

type scriptedEngine struct {
	session *scriptedSession
}

func (e *scriptedEngine) NewSession(cfg vadprovider.Config) (vadprovider.SessionHandle, error) {
	return e.session, nil
}

func silenceThenSpeech(nSilence, nSpeech int) []vadprovider.VADEventType {
	var out []vadprovider.VADEventType
	for i := 0; i < nSilence; i++ {
		out = append(out, vadprovider.VADSilence)
	}
	for i := 0; i < nSpeech; i++ {
		out = append(out, vadprovider.VADSpeechContinue)
	}
	return out
}

func feedFrames(t *testing.T, s *Streamer, n int) []Edge {
	t.Helper()
	frame := make([]byte, DefaultFrameBytes)
	var edges []Edge
	for i := 0; i < n; i++ {
		edge, err := s.Feed(frame)
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		edges = append(edges, edge)
	}
	return edges
}

func TestStreamer_SpeechOnsetFiresAfterBargeInFrames(t *testing.T) {
	sess := &scriptedSession{script: silenceThenSpeech(0, 10)}
	s, err := New(&scriptedEngine{session: sess}, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	edges := feedFrames(t, s, DefaultBargeInFrames)
	onsetCount := 0
	for i, e := range edges {
		if e == EdgeSpeechOnset {
			onsetCount++
			if i != DefaultBargeInFrames-1 {
				t.Errorf("onset fired at frame %d, want frame %d", i, DefaultBargeInFrames-1)
			}
		}
	}
	if onsetCount != 1 {
		t.Errorf("onset fired %d times, want 1", onsetCount)
	}
	if !s.IsSpeaking() {
		t.Error("IsSpeaking() = false after onset")
	}
}

func TestStreamer_OnsetFiresOnlyOncePerTurn(t *testing.T) {
	sess := &scriptedSession{script: silenceThenSpeech(0, 20)}
	s, err := New(&scriptedEngine{session: sess}, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	edges := feedFrames(t, s, 20)
	count := 0
	for _, e := range edges {
		if e == EdgeSpeechOnset {
			count++
		}
	}
	if count != 1 {
		t.Errorf("onset fired %d times across sustained speech, want exactly 1", count)
	}
}

func TestStreamer_TurnEndAfterSustainedSilence(t *testing.T) {
	script := silenceThenSpeech(0, DefaultBargeInFrames)
	for i := 0; i < DefaultSilenceEndFrames; i++ {
		script = append(script, vadprovider.VADSilence)
	}
	sess := &scriptedSession{script: script}
	s, err := New(&scriptedEngine{session: sess}, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	edges := feedFrames(t, s, len(script))
	var sawOnset, sawEnd bool
	for _, e := range edges {
		switch e {
		case EdgeSpeechOnset:
			sawOnset = true
		case EdgeTurnEnd:
			sawEnd = true
		}
	}
	if !sawOnset {
		t.Error("expected speech onset edge")
	}
	if !sawEnd {
		t.Error("expected turn end edge")
	}
	if s.IsSpeaking() {
		t.Error("IsSpeaking() = true after turn end")
	}
}

func TestStreamer_Reset_ClearsStateAndBuffer(t *testing.T) {
	sess := &scriptedSession{script: silenceThenSpeech(0, DefaultBargeInFrames)}
	s, err := New(&scriptedEngine{session: sess}, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	feedFrames(t, s, DefaultBargeInFrames)
	if !s.IsSpeaking() {
		t.Fatal("expected speaking before reset")
	}

	s.Reset()
	if s.IsSpeaking() {
		t.Error("IsSpeaking() = true after Reset")
	}
	if sess.resets != 1 {
		t.Errorf("underlying session Reset called %d times, want 1", sess.resets)
	}
	if len(s.buf) != 0 {
		t.Errorf("partial-frame buffer not cleared: %d bytes remain", len(s.buf))
	}
}

func TestStreamer_Feed_PartialFrameIsBuffered(t *testing.T) {
	sess := &scriptedSession{script: []vadprovider.VADEventType{vadprovider.VADSilence}}
	s, err := New(&scriptedEngine{session: sess}, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	half := make([]byte, DefaultFrameBytes/2)
	edge, err := s.Feed(half)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if edge != EdgeNone {
		t.Errorf("edge = %v for a partial frame, want EdgeNone", edge)
	}
	if len(s.buf) != DefaultFrameBytes/2 {
		t.Errorf("buffered %d bytes, want %d", len(s.buf), DefaultFrameBytes/2)
	}
}

func TestStreamer_Close_ClosesUnderlyingSession(t *testing.T) {
	sess := &scriptedSession{script: []vadprovider.VADEventType{vadprovider.VADSilence}}
	s, err := New(&scriptedEngine{session: sess}, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !sess.closed {
		t.Error("underlying session was not closed")
	}
}
