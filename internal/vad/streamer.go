// Package vad wraps a [vad.SessionHandle] with the turn-edge detection state
// machine used by the per-session turn pipeline: fixed-size frame buffering,
// speech-onset (barge-in) detection, and sustained-silence turn-end detection.
package vad

import (
	"errors"
	"fmt"

	vadprovider "github.com/MrWong99/glyphoxa/pkg/provider/vad"
)

// Defaults for a 16 kHz mono 16-bit PCM stream framed into 32 ms windows
// (512 samples = 1024 bytes per frame).
const (
	DefaultSampleRate       = 16000
	DefaultFrameSizeMs      = 32
	DefaultFrameBytes       = 1024
	DefaultSpeechThreshold  = 0.5
	DefaultBargeInFrames    = 2  // 64 ms to trigger onset
	DefaultSilenceEndFrames = 40 // 1.28 s sustained silence to end a turn
)

// ErrShortFrame reports a partial window. Feed does not return it: a partial
// window is buffered until a later call completes it.
var ErrShortFrame = errors.New("vad: frame buffer holds a partial window")

// Edge enumerates the two edge events a Streamer can emit.
type Edge int

const (
	// EdgeNone means no edge fired for this frame.
	EdgeNone Edge = iota
	// EdgeSpeechOnset fires once per turn, the first time sustained speech is observed.
	EdgeSpeechOnset
	// EdgeTurnEnd fires once per speech run, after sustained silence follows speech.
	EdgeTurnEnd
)

// Config configures a Streamer's edge-detection thresholds. Zero values
// select the package defaults.
type Config struct {
	SampleRate        int
	FrameSizeMs       int
	SpeechThreshold   float64
	BargeInFrames     int
	SilenceEndFrames  int
}

func (c Config) withDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.FrameSizeMs == 0 {
		c.FrameSizeMs = DefaultFrameSizeMs
	}
	if c.SpeechThreshold == 0 {
		c.SpeechThreshold = DefaultSpeechThreshold
	}
	if c.BargeInFrames == 0 {
		c.BargeInFrames = DefaultBargeInFrames
	}
	if c.SilenceEndFrames == 0 {
		c.SilenceEndFrames = DefaultSilenceEndFrames
	}
	return c
}

// Streamer consumes raw little-endian PCM, forwards fixed-size windows to a
// [vadprovider.SessionHandle], and tracks the consecutive speech/silence run
// lengths needed to detect turn edges.
//
// Streamer is not safe for concurrent use; each session owns exactly one
// Streamer driven serially from the inbound audio loop.
type Streamer struct {
	cfg     Config
	session vadprovider.SessionHandle

	buf []byte // partial-frame carry buffer

	consecutiveSpeech  int
	consecutiveSilence int
	isSpeaking         bool
	bargeInFiredTurn   bool

	frameBytes int
}

// New creates a Streamer backed by a fresh session from engine.
func New(engine vadprovider.Engine, cfg Config) (*Streamer, error) {
	cfg = cfg.withDefaults()
	session, err := engine.NewSession(vadprovider.Config{
		SampleRate:       cfg.SampleRate,
		FrameSizeMs:      cfg.FrameSizeMs,
		SpeechThreshold:  cfg.SpeechThreshold,
		SilenceThreshold: cfg.SpeechThreshold * 0.7,
	})
	if err != nil {
		return nil, fmt.Errorf("vad: create session: %w", err)
	}
	return &Streamer{
		cfg:        cfg,
		session:    session,
		frameBytes: cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2, // 16-bit samples
	}, nil
}

// Feed appends raw PCM bytes to the internal buffer, processes every complete
// window it now contains, and returns the edge that fired (at most one per
// call — a window boundary between onset and turn-end within the same Feed
// call only reports the first one; callers process frames at ~32ms cadence
// so this never drops a real edge).
func (s *Streamer) Feed(data []byte) (Edge, error) {
	s.buf = append(s.buf, data...)

	var fired Edge
	for len(s.buf) >= s.frameBytes {
		window := s.buf[:s.frameBytes]
		s.buf = s.buf[s.frameBytes:]

		edge, err := s.processWindow(window)
		if err != nil {
			return EdgeNone, err
		}
		if edge != EdgeNone && fired == EdgeNone {
			fired = edge
		}
	}
	return fired, nil
}

func (s *Streamer) processWindow(window []byte) (Edge, error) {
	event, err := s.session.ProcessFrame(window)
	if err != nil {
		return EdgeNone, fmt.Errorf("vad: process frame: %w", err)
	}

	isSpeech := event.Type == vadprovider.VADSpeechStart || event.Type == vadprovider.VADSpeechContinue

	if isSpeech {
		s.consecutiveSpeech++
		s.consecutiveSilence = 0
	} else {
		s.consecutiveSilence++
		s.consecutiveSpeech = 0
	}

	switch {
	case !s.isSpeaking && s.consecutiveSpeech >= s.cfg.BargeInFrames:
		s.isSpeaking = true
		if !s.bargeInFiredTurn {
			s.bargeInFiredTurn = true
			return EdgeSpeechOnset, nil
		}
	case s.isSpeaking && s.consecutiveSilence >= s.cfg.SilenceEndFrames:
		s.isSpeaking = false
		s.bargeInFiredTurn = false
		s.consecutiveSpeech = 0
		s.consecutiveSilence = 0
		return EdgeTurnEnd, nil
	}

	return EdgeNone, nil
}

// Reset clears all accumulated detection state and the partial-frame buffer,
// without closing the underlying session. Call this after VAD audio is
// suppressed during TTS playback, per the 500ms post-TTS grace window.
func (s *Streamer) Reset() {
	s.buf = s.buf[:0]
	s.consecutiveSpeech = 0
	s.consecutiveSilence = 0
	s.isSpeaking = false
	s.bargeInFiredTurn = false
	s.session.Reset()
}

// IsSpeaking reports whether the streamer currently believes speech is
// ongoing (used by the orchestrator to decide whether to forward frames to
// STT eagerly).
func (s *Streamer) IsSpeaking() bool {
	return s.isSpeaking
}

// Close releases the underlying session.
func (s *Streamer) Close() error {
	return s.session.Close()
}
