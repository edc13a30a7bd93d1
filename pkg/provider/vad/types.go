package vad

// VADEvent represents a voice activity detection result for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Level is the normalised RMS energy of the frame (0.0–1.0).
	Level float64

	// Peak is the normalised peak absolute amplitude of the frame (0.0–1.0).
	Peak float64
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSilence indicates no speech is active.
	VADSilence VADEventType = iota

	// VADSpeechStart indicates speech has just begun. It is reported exactly
	// once per activation.
	VADSpeechStart

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended. It is reported exactly once
	// per activation.
	VADSpeechEnd
)

// String returns the wire name used in logs and client status messages.
func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	default:
		return "silence"
	}
}
