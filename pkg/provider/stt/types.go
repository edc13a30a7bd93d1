package stt

import "time"

// Transcript represents a speech-to-text result from an STT provider.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the provider
	// does not report confidence.
	Confidence float64

	// Words contains per-word detail when available.
	Words []WordDetail
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost represents a keyword to boost in STT recognition, such as
// vocabulary from the lesson's reading material.
type KeywordBoost struct {
	// Keyword is the text to boost.
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}

// EventKind tags a [TranscriptEvent].
type EventKind int

const (
	// KindBegin reports that the provider session is open.
	KindBegin EventKind = iota

	// KindPartial is an interim hypothesis. Later events with the same
	// TurnOrder supersede it.
	KindPartial

	// KindFinal is an authoritative transcript. Finals are never retracted.
	KindFinal

	// KindError reports a provider failure. Err is set.
	KindError

	// KindClosed reports that the provider connection has ended. Err carries
	// the close cause when known.
	KindClosed
)

// String returns the lower-case kind name.
func (k EventKind) String() string {
	switch k {
	case KindBegin:
		return "begin"
	case KindPartial:
		return "partial"
	case KindFinal:
		return "final"
	case KindError:
		return "error"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TranscriptEvent is the single normalised event shape every provider adapter
// produces.
type TranscriptEvent struct {
	Kind EventKind

	// Transcript is populated for KindPartial and KindFinal.
	Transcript

	// TurnOrder is the provider's utterance index. Partials and the final for
	// one utterance share a TurnOrder.
	TurnOrder int

	// SessionID is the relay session the event belongs to. Providers leave it
	// empty; the bridge stamps it.
	SessionID string

	// ProviderSessionID is the provider's own session identifier, set on
	// KindBegin when available.
	ProviderSessionID string

	// Err is set for KindError and optionally for KindClosed.
	Err error
}
