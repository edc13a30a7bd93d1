package audio

import "time"

// DefaultFrameDuration is the capture packet length fed to VAD and STT.
const DefaultFrameDuration = 20 * time.Millisecond

// Framer packetizes a continuous PCM stream into fixed-size frames. Partial
// input is carried over between calls to [Framer.Push] so that every emitted
// frame has exactly the configured size.
//
// Framer is not safe for concurrent use.
type Framer struct {
	format    Format
	size      int
	pending   []byte
	timestamp time.Duration
	frameDur  time.Duration
}

// NewFramer returns a Framer emitting frames of duration d in format f. A
// non-positive d selects [DefaultFrameDuration].
func NewFramer(f Format, d time.Duration) *Framer {
	if d <= 0 {
		d = DefaultFrameDuration
	}
	size := f.FrameBytes(d)
	if size <= 0 {
		size = f.Channels * BytesPerSample
	}
	return &Framer{
		format:   f,
		size:     size,
		pending:  make([]byte, 0, size*2),
		frameDur: d,
	}
}

// FrameSize returns the size in bytes of each emitted frame.
func (fr *Framer) FrameSize() int { return fr.size }

// Push appends pcm to the internal buffer and calls emit once per complete
// frame, in order. Each emitted frame owns its Data slice.
func (fr *Framer) Push(pcm []byte, emit func(AudioFrame)) {
	fr.pending = append(fr.pending, pcm...)
	for len(fr.pending) >= fr.size {
		data := make([]byte, fr.size)
		copy(data, fr.pending[:fr.size])
		fr.pending = fr.pending[fr.size:]
		emit(AudioFrame{
			Data:       data,
			SampleRate: fr.format.SampleRate,
			Channels:   fr.format.Channels,
			Timestamp:  fr.timestamp,
		})
		fr.timestamp += fr.frameDur
	}
	// Compact so the backing array does not grow without bound.
	if cap(fr.pending) > fr.size*4 {
		fr.pending = append(make([]byte, 0, fr.size*2), fr.pending...)
	}
}

// Flush emits any buffered remainder zero-padded to a full frame. It is a
// no-op when nothing is buffered.
func (fr *Framer) Flush(emit func(AudioFrame)) {
	if len(fr.pending) == 0 {
		return
	}
	pad := make([]byte, fr.size-len(fr.pending))
	fr.Push(pad, emit)
}

// Buffered returns the number of bytes held back waiting for a full frame.
func (fr *Framer) Buffered() int { return len(fr.pending) }
