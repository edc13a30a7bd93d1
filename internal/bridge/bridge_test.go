package bridge_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/tutorvox/internal/bridge"
	"github.com/MrWong99/tutorvox/internal/capture"
	"github.com/MrWong99/tutorvox/internal/fault"
	"github.com/MrWong99/tutorvox/internal/resilience"
	"github.com/MrWong99/tutorvox/pkg/audio"
	"github.com/MrWong99/tutorvox/pkg/provider/stt"
	"github.com/MrWong99/tutorvox/pkg/provider/stt/mock"
)

// plainSession hides the mock's KeepAlive method.
type plainSession struct{ stt.SessionHandle }

func frame(b byte) audio.AudioFrame {
	return audio.AudioFrame{Data: []byte{b, b}, SampleRate: 16000, Channels: 1}
}

func nextEvent(t *testing.T, b *bridge.Bridge) stt.TranscriptEvent {
	t.Helper()
	select {
	case ev, ok := <-b.Events():
		if !ok {
			t.Fatal("events closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return stt.TranscriptEvent{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func blockUntil(t *testing.T, clock *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, n); err != nil {
		t.Fatalf("waiting for %d clock waiters: %v", n, err)
	}
}

func TestSend_FlushesPreHandshakeFramesInOrder(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	p := &mock.Provider{Session: sess, Gate: make(chan struct{})}
	b := bridge.New(p, bridge.Config{SessionID: "s1"})
	defer b.Close()

	b.Start(context.Background())
	for i := byte(1); i <= 3; i++ {
		b.Send(frame(i))
	}
	if b.Open() {
		t.Fatal("bridge open before handshake")
	}
	close(p.Gate)
	waitFor(t, "open", b.Open)
	b.Send(frame(9))

	got := sess.Received()
	want := []byte{1, 2, 3, 9}
	if len(got) != len(want) {
		t.Fatalf("received %d chunks, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i][0] != w {
			t.Fatalf("chunk %d = %d, want %d", i, got[i][0], w)
		}
	}
}

func TestSend_RingDropsOldest(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	p := &mock.Provider{Session: sess, Gate: make(chan struct{})}
	b := bridge.New(p, bridge.Config{SessionID: "s1", RingSize: 2})
	defer b.Close()

	b.Start(context.Background())
	for i := byte(1); i <= 4; i++ {
		b.Send(frame(i))
	}
	if b.Dropped() != 2 {
		t.Fatalf("Dropped = %d, want 2", b.Dropped())
	}
	close(p.Gate)
	waitFor(t, "open", b.Open)

	got := sess.Received()
	if len(got) != 2 || got[0][0] != 3 || got[1][0] != 4 {
		t.Fatalf("received %v, want frames 3 and 4", got)
	}
}

func TestEvents_ForwardedInOrderThenClosed(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	b := bridge.New(&mock.Provider{Session: sess}, bridge.Config{SessionID: "s1"})
	defer b.Close()
	b.Start(context.Background())
	waitFor(t, "open", b.Open)

	sess.Emit(stt.TranscriptEvent{Kind: stt.KindPartial, Transcript: stt.Transcript{Text: "ho"}})
	sess.Emit(stt.TranscriptEvent{Kind: stt.KindFinal, Transcript: stt.Transcript{Text: "hola", IsFinal: true}})
	sess.End()

	for _, want := range []struct {
		kind stt.EventKind
		text string
	}{
		{stt.KindPartial, "ho"},
		{stt.KindFinal, "hola"},
		{stt.KindClosed, ""},
	} {
		ev := nextEvent(t, b)
		if ev.Kind != want.kind || ev.Text != want.text {
			t.Fatalf("event = %v %q, want %v %q", ev.Kind, ev.Text, want.kind, want.text)
		}
		if ev.SessionID != "s1" {
			t.Errorf("SessionID = %q, want s1", ev.SessionID)
		}
	}
	if b.Open() {
		t.Error("bridge still open after provider close")
	}
}

func TestStart_HandshakeTimeout(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	p := &mock.Provider{Gate: make(chan struct{})}
	b := bridge.New(p, bridge.Config{SessionID: "s1"}, bridge.WithClock(clock))
	defer b.Close()

	b.Start(context.Background())
	b.Send(frame(1))
	blockUntil(t, clock, 1)
	clock.Advance(bridge.DefaultHandshakeTimeout)

	ev := nextEvent(t, b)
	if ev.Kind != stt.KindError || !errors.Is(ev.Err, fault.ErrHandshakeTimeout) {
		t.Fatalf("event = %v %v, want handshake timeout error", ev.Kind, ev.Err)
	}
	if fault.KindOf(ev.Err) != fault.KindProvider {
		t.Errorf("KindOf = %v, want provider", fault.KindOf(ev.Err))
	}
	if c := fault.ToClient(ev.Err); !c.Retryable {
		t.Errorf("client error %+v not retryable", c)
	}
	if ev := nextEvent(t, b); ev.Kind != stt.KindClosed {
		t.Fatalf("second event = %v, want closed", ev.Kind)
	}
}

func TestStart_SharedBreakerFailsFast(t *testing.T) {
	t.Parallel()

	breakers := resilience.NewBreakerSet(resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute})
	boom := errors.New("401 unauthorized")

	first := bridge.New(&mock.Provider{StartStreamErr: boom}, bridge.Config{SessionID: "a"},
		bridge.WithBreaker(breakers.Get("assemblyai")))
	defer first.Close()
	first.Start(context.Background())
	if ev := nextEvent(t, first); ev.Kind != stt.KindError || !errors.Is(ev.Err, boom) {
		t.Fatalf("first bridge event = %v %v", ev.Kind, ev.Err)
	}

	p := &mock.Provider{}
	second := bridge.New(p, bridge.Config{SessionID: "b"}, bridge.WithBreaker(breakers.Get("assemblyai")))
	defer second.Close()
	second.Start(context.Background())
	if ev := nextEvent(t, second); ev.Kind != stt.KindError || !errors.Is(ev.Err, resilience.ErrCircuitOpen) {
		t.Fatalf("second bridge event = %v %v, want circuit open", ev.Kind, ev.Err)
	}
	if p.CallCount() != 0 {
		t.Errorf("provider called %d times through an open breaker", p.CallCount())
	}
}

func TestKeepAlive_UsesProviderKeepAliveWhenIdle(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	sess := mock.NewSession()
	b := bridge.New(&mock.Provider{Session: sess}, bridge.Config{SessionID: "s1"}, bridge.WithClock(clock))
	defer b.Close()
	b.Start(context.Background())
	waitFor(t, "open", b.Open)

	// Nothing is sent before the first real frame.
	clock.Advance(time.Minute)
	if sess.KeepAlives() != 0 {
		t.Fatal("keepalive before first frame")
	}

	b.Send(frame(1))
	blockUntil(t, clock, 1)
	clock.Advance(bridge.DefaultKeepAliveInterval)
	blockUntil(t, clock, 1)
	if got := sess.KeepAlives(); got != 1 {
		t.Fatalf("keepalives = %d, want 1", got)
	}

	// A forwarded frame postpones the next keepalive.
	clock.Advance(4 * time.Second)
	b.Send(frame(2))
	clock.Advance(4 * time.Second)
	blockUntil(t, clock, 1)
	if got := sess.KeepAlives(); got != 1 {
		t.Fatalf("keepalives = %d after activity, want 1", got)
	}
	clock.Advance(4 * time.Second)
	blockUntil(t, clock, 1)
	if got := sess.KeepAlives(); got != 2 {
		t.Fatalf("keepalives = %d, want 2", got)
	}
}

func TestKeepAlive_SendsSilenceWithoutKeepAliver(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	sess := mock.NewSession()
	b := bridge.New(&mock.Provider{Session: plainSession{sess}}, bridge.Config{SessionID: "s1"}, bridge.WithClock(clock))
	defer b.Close()
	b.Start(context.Background())
	waitFor(t, "open", b.Open)

	b.Send(frame(1))
	blockUntil(t, clock, 1)
	clock.Advance(bridge.DefaultKeepAliveInterval)
	blockUntil(t, clock, 1)

	got := sess.Received()
	if len(got) != 2 {
		t.Fatalf("received %d chunks, want frame plus silence", len(got))
	}
	silence := got[1]
	if len(silence) != 3200 {
		t.Fatalf("silence length = %d, want 3200", len(silence))
	}
	for _, v := range silence {
		if v != 0 {
			t.Fatal("keepalive chunk is not silent")
		}
	}
	if sess.KeepAlives() != 0 {
		t.Error("KeepAlive called on a session that does not expose it")
	}
}

func TestSubmitSegment_UploadsWAVAndEmitsFinal(t *testing.T) {
	t.Parallel()

	u := &mock.Uploader{Result: stt.Transcript{Text: "bonjour", Confidence: 0.9}}
	b := bridge.New(&mock.Provider{}, bridge.Config{
		SessionID: "s1",
		Stream:    stt.StreamConfig{Language: "fr"},
	}, bridge.WithUploader(u))
	defer b.Close()

	seg := capture.Segment{PCM: make([]byte, 3200), Format: audio.CaptureFormat, Reason: capture.ReasonSpeechEnd}
	if err := b.SubmitSegment(seg); err != nil {
		t.Fatalf("SubmitSegment: %v", err)
	}
	ev := nextEvent(t, b)
	if ev.Kind != stt.KindFinal || ev.Text != "bonjour" || !ev.IsFinal || ev.TurnOrder != 0 {
		t.Fatalf("event = %+v", ev)
	}
	if u.Calls() != 1 {
		t.Fatalf("uploader calls = %d", u.Calls())
	}
	sent := u.Segments[0]
	if !audio.IsWAV(sent.Audio) || len(sent.Audio) != 44+3200 {
		t.Errorf("uploaded %d bytes, want a 3244-byte WAV", len(sent.Audio))
	}
	if sent.Language != "fr" {
		t.Errorf("language = %q, want fr", sent.Language)
	}

	u.Err = stt.ErrPollTimeout
	if err := b.SubmitSegment(seg); err != nil {
		t.Fatalf("SubmitSegment: %v", err)
	}
	ev = nextEvent(t, b)
	if ev.Kind != stt.KindError || !errors.Is(ev.Err, fault.ErrPollTimeout) {
		t.Fatalf("event = %v %v, want poll timeout", ev.Kind, ev.Err)
	}
}

func TestSubmitSegment_NoUploader(t *testing.T) {
	t.Parallel()

	b := bridge.New(&mock.Provider{}, bridge.Config{})
	defer b.Close()
	err := b.SubmitSegment(capture.Segment{PCM: []byte{1, 2}, Format: audio.CaptureFormat})
	if !errors.Is(err, bridge.ErrNoUploader) {
		t.Fatalf("SubmitSegment = %v, want ErrNoUploader", err)
	}
}

func TestClose_DuringHandshake(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Gate: make(chan struct{})}
	b := bridge.New(p, bridge.Config{SessionID: "s1"})
	b.Start(context.Background())
	b.Send(frame(1))
	waitFor(t, "StartStream call", func() bool { return p.CallCount() == 1 })

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-b.Events(); ok {
		t.Fatal("events still open after Close")
	}
	b.Send(frame(2))
	if b.Open() {
		t.Error("bridge open after Close")
	}
}

func TestClose_ClosesProviderSession(t *testing.T) {
	t.Parallel()

	sess := mock.NewSession()
	b := bridge.New(&mock.Provider{Session: sess}, bridge.Config{})
	b.Start(context.Background())
	waitFor(t, "open", b.Open)
	_ = b.Close()
	if sess.CloseCallCount != 1 {
		t.Fatalf("session closed %d times, want 1", sess.CloseCallCount)
	}
}
