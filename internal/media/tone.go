package media

import (
	"context"
	"math"
	"math/bits"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	toneSampleRate = 8000
	toneFrameMS    = 20
	toneSamples    = toneSampleRate * toneFrameMS / 1000
	tonePayloadTyp = 8 // PCMA
	alawSilence    = 0xD5
)

// ToneSource is a synthetic capture source: a G.711 A-law sine tone
// packetized as RTP at 20ms intervals. It stands in for a microphone in
// headless clients and tests, and doubles as the test-tone the user can
// play into a call.
type ToneSource struct {
	track  *webrtc.TrackLocalStaticRTP
	freq   float64
	muted  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
}

// NewToneSource creates the source and its RTP track. freq is the tone
// frequency in Hz; 440 is a sensible default.
func NewToneSource(freq float64) (*ToneSource, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMA, ClockRate: toneSampleRate},
		"audio", "mesh-"+uuid.NewString(),
	)
	if err != nil {
		return nil, err
	}
	return &ToneSource{track: track, freq: freq, done: make(chan struct{})}, nil
}

func (s *ToneSource) Track() webrtc.TrackLocal { return s.track }

func (s *ToneSource) SetMuted(muted bool) { s.muted.Store(muted) }
func (s *ToneSource) Muted() bool         { return s.muted.Load() }

// Start begins pacing RTP packets until ctx is cancelled or Close is
// called. Muted frames are A-law silence, keeping timestamps and NAT
// bindings warm.
func (s *ToneSource) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

func (s *ToneSource) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(toneFrameMS * time.Millisecond)
	defer ticker.Stop()

	var seq uint16
	var ts uint32
	ssrc := uuid.New().ID()
	phase := 0.0
	step := 2 * math.Pi * s.freq / toneSampleRate

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		payload := make([]byte, toneSamples)
		if s.muted.Load() {
			for i := range payload {
				payload[i] = alawSilence
			}
		} else {
			for i := range payload {
				sample := int16(math.Sin(phase) * 0.5 * math.MaxInt16)
				phase += step
				payload[i] = alawEncode(sample)
			}
		}

		packet := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    tonePayloadTyp,
				SequenceNumber: seq,
				Timestamp:      ts,
				SSRC:           ssrc,
			},
			Payload: payload,
		}
		seq++
		ts += toneSamples

		if err := s.track.WriteRTP(packet); err != nil {
			log.Debug().Err(err).Str("module", "media").Msg("tone write")
		}
	}
}

func (s *ToneSource) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// alawEncode converts one 16-bit PCM sample to G.711 A-law.
func alawEncode(sample int16) byte {
	sign := byte(0x80)
	if sample < 0 {
		sample = ^sample
		sign = 0
	}
	if sample > 32635 {
		sample = 32635
	}
	var compressed byte
	if sample >= 256 {
		exponent := bits.Len16(uint16(sample)) - 8
		mantissa := byte((sample >> (exponent + 3)) & 0x0F)
		compressed = byte(exponent)<<4 | mantissa
	} else {
		compressed = byte(sample >> 4)
	}
	return (compressed | sign) ^ 0x55
}
