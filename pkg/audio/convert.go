package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrUnsupportedFormat is returned by [FormatConverter.Convert] when the
// source format cannot be converted to the target.
var ErrUnsupportedFormat = errors.New("audio: unsupported format")

// Sample-rate bounds accepted from capture hardware.
const (
	MinSampleRate = 8000
	MaxSampleRate = 96000
)

// Supported reports whether f can be converted to a mono target.
func (f Format) Supported() bool {
	return f.SampleRate >= MinSampleRate && f.SampleRate <= MaxSampleRate &&
		f.Channels >= 1 && f.Channels <= 8
}

// FormatConverter converts capture chunks to a target mono format. It logs
// once when the source differs from the target. Create one per stream; it is
// not designed for shared use across goroutines.
type FormatConverter struct {
	Target Format

	warnedMismatch sync.Once
}

// Convert downmixes frame to mono and then resamples it to the target rate.
// Downmixing first keeps the resampler working on a single channel.
// A frame that already matches the target is returned unchanged.
func (c *FormatConverter) Convert(frame AudioFrame) (AudioFrame, error) {
	if c.Target.Channels != 1 {
		return AudioFrame{}, fmt.Errorf("%w: target must be mono, got %d channels", ErrUnsupportedFormat, c.Target.Channels)
	}
	src := frame.Format()
	if !src.Supported() {
		return AudioFrame{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, src)
	}
	if len(frame.Data)%(BytesPerSample*frame.Channels) != 0 {
		return AudioFrame{}, fmt.Errorf("audio: %d bytes is not a whole number of %d-channel samples", len(frame.Data), frame.Channels)
	}
	if src == c.Target {
		return frame, nil
	}

	c.warnedMismatch.Do(func() {
		slog.Debug("audio: converting capture format", "from", src.String(), "to", c.Target.String())
	})

	pcm := frame.Data
	if frame.Channels > 1 {
		pcm = Downmix(pcm, frame.Channels)
	}
	pcm = ResampleMono16(pcm, frame.SampleRate, c.Target.SampleRate)

	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   1,
		Timestamp:  frame.Timestamp,
	}, nil
}

// Downmix averages interleaved channels into a single channel. The
// accumulator is int32 so that summing full-scale samples cannot overflow.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	stride := channels * BytesPerSample
	frames := len(pcm) / stride
	out := make([]byte, frames*BytesPerSample)
	for i := range frames {
		var sum int32
		base := i * stride
		for ch := range channels {
			off := base + ch*BytesPerSample
			sum += int32(int16(uint16(pcm[off]) | uint16(pcm[off+1])<<8))
		}
		putSample(out, i, clamp16(sum/int32(channels)))
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. If the rates match the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < BytesPerSample {
		return pcm
	}
	srcSamples := len(pcm) / BytesPerSample
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*BytesPerSample)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := sampleAt(pcm, idx)
		s1 := s0
		if idx+1 < srcSamples {
			s1 = sampleAt(pcm, idx+1)
		}
		putSample(out, i, int16(float64(s0)*(1-frac)+float64(s1)*frac))
	}
	return out
}

// String renders f as e.g. "48000Hz stereo".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(uint16(pcm[i*BytesPerSample]) | uint16(pcm[i*BytesPerSample+1])<<8)
}

func putSample(pcm []byte, i int, s int16) {
	pcm[i*BytesPerSample] = byte(s)
	pcm[i*BytesPerSample+1] = byte(uint16(s) >> 8)
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
