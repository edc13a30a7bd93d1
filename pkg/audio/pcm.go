package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Levels returns the RMS energy and the peak absolute amplitude of s16le pcm,
// both normalised to [0, 1]. It does not allocate.
func Levels(pcm []byte) (rms, peak float64) {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0, 0
	}
	var sumSq float64
	var maxAbs int32
	for i := range n {
		s := int32(sampleAt(pcm, i))
		if s < 0 {
			s = -s
		}
		if s > maxAbs {
			maxAbs = s
		}
		f := float64(s)
		sumSq += f * f
	}
	rms = math.Sqrt(sumSq/float64(n)) / 32768.0
	peak = float64(maxAbs) / 32768.0
	if peak > 1 {
		peak = 1
	}
	return rms, peak
}

// Silence returns a zeroed frame of duration d in format f.
func Silence(f Format, d time.Duration) AudioFrame {
	return AudioFrame{
		Data:       make([]byte, f.FrameBytes(d)),
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
	}
}

// WAVHeaderSize is the length of the canonical 44-byte RIFF/WAVE header.
const WAVHeaderSize = 44

// EncodeWAV wraps s16le pcm in a canonical RIFF/WAVE container so that batch
// transcription endpoints can detect the format.
func EncodeWAV(pcm []byte, f Format) []byte {
	out := make([]byte, WAVHeaderSize+len(pcm))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(out[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(f.BytesPerSecond()))
	binary.LittleEndian.PutUint16(out[32:34], uint16(f.Channels*BytesPerSample))
	binary.LittleEndian.PutUint16(out[34:36], 16)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[WAVHeaderSize:], pcm)
	return out
}

// IsWAV reports whether b starts with a RIFF/WAVE header.
func IsWAV(b []byte) bool {
	return len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WAVE"
}
