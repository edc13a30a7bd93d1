package generation

import "github.com/MrWong99/tutorvox/pkg/audio"

// Role identifies who produced a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation history.
type Message struct {
	Role Role
	Text string
}

// ChunkKind tags a [Chunk].
type ChunkKind int

const (
	// ChunkText carries a fragment of the reply text.
	ChunkText ChunkKind = iota

	// ChunkAudio carries synthesised speech.
	ChunkAudio

	// ChunkTurnComplete marks the end of a reply.
	ChunkTurnComplete

	// ChunkInterrupted marks a reply that was abandoned before completion.
	ChunkInterrupted
)

// String returns the lower-case kind name.
func (k ChunkKind) String() string {
	switch k {
	case ChunkText:
		return "text"
	case ChunkAudio:
		return "audio"
	case ChunkTurnComplete:
		return "turn_complete"
	case ChunkInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Chunk is one unit of generated output.
type Chunk struct {
	Kind ChunkKind

	// Text is set for ChunkText.
	Text string

	// Audio is set for ChunkAudio, normally 24 kHz mono.
	Audio audio.AudioFrame
}
