package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

// Constraints selects which local tracks to capture.
type Constraints struct {
	Audio bool
	Video bool
}

// LocalMedia is a set of captured local tracks.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	HasVideo() bool
	// Stop releases the capture devices. Safe to call more than once.
	Stop()
}

// MediaSource captures local media.
type MediaSource interface {
	Acquire(ctx context.Context, c Constraints) (LocalMedia, error)
}

// acquire tries audio+video first and falls back once to audio only. With
// audioOnly set the first attempt is skipped.
func acquire(ctx context.Context, src MediaSource, audioOnly bool) (LocalMedia, error) {
	if !audioOnly {
		m, err := src.Acquire(ctx, Constraints{Audio: true, Video: true})
		if err == nil {
			return m, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	m, err := src.Acquire(ctx, Constraints{Audio: true})
	if err != nil {
		return nil, &MediaError{AudioOnly: true, Err: err}
	}
	return m, nil
}

const opusFrame = 20 * time.Millisecond

// opus TOC byte for a silent 20ms frame
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticSource produces generated tracks for headless participants. Audio
// carries opus silence; the video track is negotiated but sends no frames.
type SyntheticSource struct {
	NoCamera     bool
	NoMicrophone bool
	StreamID     string
}

// Acquire implements MediaSource.
func (s SyntheticSource) Acquire(ctx context.Context, c Constraints) (LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Audio && s.NoMicrophone {
		return nil, fmt.Errorf("microphone: %w", ErrNoDevice)
	}
	if c.Video && s.NoCamera {
		return nil, fmt.Errorf("camera: %w", ErrNoDevice)
	}
	streamID := s.StreamID
	if streamID == "" {
		streamID = "probe"
	}

	m := &syntheticMedia{stop: make(chan struct{})}
	if c.Audio {
		audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", streamID)
		if err != nil {
			return nil, fmt.Errorf("audio track: %w", err)
		}
		m.audio = audio
		m.tracks = append(m.tracks, audio)
	}
	if c.Video {
		video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "video", streamID)
		if err != nil {
			return nil, fmt.Errorf("video track: %w", err)
		}
		m.video = true
		m.tracks = append(m.tracks, video)
	}
	if m.audio != nil {
		m.wg.Add(1)
		go m.pump()
	}
	return m, nil
}

type syntheticMedia struct {
	audio  *webrtc.TrackLocalStaticSample
	video  bool
	tracks []webrtc.TrackLocal
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func (m *syntheticMedia) Tracks() []webrtc.TrackLocal { return m.tracks }

func (m *syntheticMedia) HasVideo() bool { return m.video }

func (m *syntheticMedia) Stop() {
	m.once.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *syntheticMedia) pump() {
	defer m.wg.Done()
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			// samples are dropped until the track is bound to a connection
			_ = m.audio.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrame})
		}
	}
}
