// Package audio holds the PCM frame type shared by every stage of the voice
// pipeline together with the conversion helpers used by capture and playback.
//
// All audio in tutorvox is little-endian signed 16-bit PCM. Capture frames are
// normalised to [CaptureFormat] (16 kHz mono) before they reach VAD or the STT
// bridge; synthesised speech arrives at [PlaybackFormat] (24 kHz mono).
package audio

import "time"

// BytesPerSample is the width of one s16le sample.
const BytesPerSample = 2

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

var (
	// CaptureFormat is the format every capture frame is converted to.
	CaptureFormat = Format{SampleRate: 16000, Channels: 1}

	// PlaybackFormat is the format synthesised speech is delivered in.
	PlaybackFormat = Format{SampleRate: 24000, Channels: 1}
)

// BytesPerSecond returns the PCM byte rate of f.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * BytesPerSample
}

// FrameBytes returns the number of bytes in a frame of duration d.
// The result is always a whole number of samples across all channels.
func (f Format) FrameBytes(d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * f.Channels * BytesPerSample
}

// AudioFrame is a fixed-length buffer of PCM samples. A frame is treated as
// immutable once produced: stages hand it to the next stage and must not
// modify Data afterwards.
type AudioFrame struct {
	// Data is s16le PCM.
	Data []byte

	// SampleRate in Hz (16000 for capture, 24000 for playback).
	SampleRate int

	// Channels is 1 for every frame the pipeline produces.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format returns the frame's sample format.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration returns the playback length of the frame. Frames with an unknown
// format report zero.
func (f AudioFrame) Duration() time.Duration {
	bps := f.Format().BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(len(f.Data)) * int64(time.Second) / int64(bps))
}
