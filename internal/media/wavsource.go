// Package media feeds local audio into the mesh: a .WAV file played as a
// PCMU track.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/oov/audio/resampler"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/Honorable-Knights-of-the-Roundtable/roundmesh/internal/utils"
)

var ErrInvalidWAV = errors.New("not a valid .WAV file")

const (
	PCMU_SAMPLE_RATE       = 8000
	DEFAULT_FRAME_DURATION = 20 * time.Millisecond

	resampleQuality = 10
)

// SampleWriter receives encoded frames, e.g. a *webrtc.TrackLocalStaticSample.
type SampleWriter interface {
	WriteSample(sample media.Sample) error
}

type WAVSourceOptions struct {
	// Duration of each frame written. Defaults to DEFAULT_FRAME_DURATION.
	FrameDuration time.Duration

	// Start over at the end of the file instead of returning
	Loop bool

	Logger *slog.Logger
}

// WAVSource plays a .WAV file as 8kHz mono μ-law frames. The whole file is
// decoded and converted up front.
type WAVSource struct {
	logger  *slog.Logger
	options WAVSourceOptions
	frames  [][]byte
}

// OpenWAV loads the .WAV file at path. Any sample rate, bit depth or
// channel count is accepted; channels are mixed down and the audio is
// resampled to PCMU_SAMPLE_RATE.
func OpenWAV(path string, options WAVSourceOptions) (*WAVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return LoadWAV(f, options)
}

func LoadWAV(r io.ReadSeeker, options WAVSourceOptions) (*WAVSource, error) {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.FrameDuration <= 0 {
		options.FrameDuration = DEFAULT_FRAME_DURATION
	}
	logger := options.Logger.With("wav source uuid", uuid.New())

	decoder := wav.NewDecoder(r)
	if !decoder.IsValidFile() {
		return nil, ErrInvalidWAV
	}
	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decoding .WAV file: %w", err)
	}

	channels := int(decoder.NumChans)
	sampleRate := int(decoder.SampleRate)
	bitDepth := int(decoder.BitDepth)
	if channels <= 0 || sampleRate <= 0 || bitDepth <= 0 {
		return nil, fmt.Errorf("%w: %d channels at %dHz, %d bit", ErrInvalidWAV, channels, sampleRate, bitDepth)
	}

	mono := downmix(buf.Data, channels, float32(math.Pow(2, float64(bitDepth-1))))
	if sampleRate != PCMU_SAMPLE_RATE {
		mono = resample(mono, sampleRate, PCMU_SAMPLE_RATE)
	}

	samplesPerFrame := int(PCMU_SAMPLE_RATE * options.FrameDuration / time.Second)
	if samplesPerFrame <= 0 {
		return nil, fmt.Errorf("frame duration %v too short", options.FrameDuration)
	}

	frames := make([][]byte, 0, len(mono)/samplesPerFrame+1)
	for start := 0; start < len(mono); start += samplesPerFrame {
		end := min(start+samplesPerFrame, len(mono))
		frame := make([]byte, end-start)
		for i, sample := range mono[start:end] {
			frame[i] = LinearToMulaw(toInt16(sample))
		}
		frames = append(frames, frame)
	}

	logger.Debug(
		"loaded audio file",
		"sampleRate", sampleRate,
		"channels", channels,
		"bitDepth", bitDepth,
		"frames", len(frames),
	)
	return &WAVSource{logger: logger, options: options, frames: frames}, nil
}

// Frames is the number of frames one pass over the file writes.
func (s *WAVSource) Frames() int {
	return len(s.frames)
}

// Play writes one frame per frame duration to sink until the file ends or
// ctx is cancelled. With Loop set it only returns on cancellation or a
// write error.
func (s *WAVSource) Play(ctx context.Context, sink SampleWriter) error {
	if len(s.frames) == 0 {
		return nil
	}

	ticker := time.NewTicker(s.options.FrameDuration)
	defer ticker.Stop()

	s.logger.Debug("playing audio")
	for {
		for _, frame := range s.frames {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			err := sink.WriteSample(media.Sample{Data: frame, Duration: s.options.FrameDuration})
			if err != nil {
				return fmt.Errorf("writing audio sample: %w", err)
			}
		}
		if !s.options.Loop {
			s.logger.Debug("finished playing")
			return nil
		}
	}
}

// NewAudioTrack creates the PCMU track a WAVSource plays into.
func NewAudioTrack(id, streamID string) (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(utils.CodecMap["CodecPCMU8000Mono"], id, streamID)
}

// --------------------------------------------------------------------------------

// downmix averages interleaved integer samples into normalised mono.
func downmix(data []int, channels int, fullScale float32) []float32 {
	mono := make([]float32, len(data)/channels)
	for i := range mono {
		var sum float32
		for c := range channels {
			sum += float32(data[i*channels+c])
		}
		mono[i] = sum / float32(channels) / fullScale
	}
	return mono
}

func resample(in []float32, from, to int) []float32 {
	r := resampler.New(1, from, to, resampleQuality)
	out := make([]float32, 0, len(in)*to/from+1)
	buf := make([]float32, 4096)
	for len(in) > 0 {
		read, written := r.ProcessFloat32(0, in, buf)
		out = append(out, buf[:written]...)
		if read == 0 && written == 0 {
			break
		}
		in = in[read:]
	}
	return out
}

func toInt16(sample float32) int16 {
	scaled := sample * math.MaxInt16
	switch {
	case scaled > math.MaxInt16:
		return math.MaxInt16
	case scaled < math.MinInt16:
		return math.MinInt16
	default:
		return int16(scaled)
	}
}
