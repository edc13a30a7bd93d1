package relay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/MrWong99/tutorvox/internal/fault"
	"github.com/MrWong99/tutorvox/internal/playback"
)

// Upstream control message types.
const (
	msgStop  = "stop"
	msgText  = "text"
	msgFlush = "flush"
)

// Downstream message types.
const (
	msgReady       = "ready"
	msgTranscript  = "transcript"
	msgStatus      = "status"
	msgAudio       = "audio"
	msgInterrupted = "interrupted"
	msgError       = "error"
	msgClosed      = "closed"
)

// statusFallback is sent in addition to the conversation states when capture
// runs in segment mode although the client asked for streaming.
const statusFallback = "fallback"

// clientMessage is any JSON text frame the browser sends.
type clientMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func decodeClientMessage(b []byte) (clientMessage, error) {
	var m clientMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fault.New(fault.KindMalformed, "decode client message", err)
	}
	switch m.Type {
	case msgStop, msgFlush:
	case msgText:
		if m.Text == "" {
			return m, fault.New(fault.KindMalformed, "decode client message", fmt.Errorf("text message without text"))
		}
	default:
		return m, fault.New(fault.KindMalformed, "decode client message", fmt.Errorf("unknown message type %q", m.Type))
	}
	return m, nil
}

type readyMessage struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	Mode       string `json:"mode"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sampleRate"`
}

type transcriptMessage struct {
	Type  string `json:"type"`
	Role  string `json:"role"`
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

type statusMessage struct {
	Type   string `json:"type"`
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

type audioMessage struct {
	Type       string `json:"type"`
	Audio      string `json:"audio"`
	SampleRate int    `json:"sampleRate"`
	Seq        uint64 `json:"seq"`
}

func newAudioMessage(s playback.Slot) audioMessage {
	return audioMessage{
		Type:       msgAudio,
		Audio:      base64.StdEncoding.EncodeToString(s.Frame.Data),
		SampleRate: s.Frame.SampleRate,
		Seq:        s.Seq,
	}
}

// interruptedMessage tells the client to drop buffered audio up to and
// including Seq.
type interruptedMessage struct {
	Type string `json:"type"`
	Seq  uint64 `json:"seq"`
}

type errorMessage struct {
	Type string `json:"type"`
	fault.ClientError
}

func newErrorMessage(err error) errorMessage {
	return errorMessage{Type: msgError, ClientError: fault.ToClient(err)}
}

type closedMessage struct {
	Type        string `json:"type"`
	Reason      string `json:"reason"`
	MinutesUsed int    `json:"minutesUsed"`
}
