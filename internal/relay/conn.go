package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/tutorvox/internal/orchestrator"
	"github.com/MrWong99/tutorvox/internal/playback"
)

const (
	ctrlBuffer  = 256
	audioBuffer = 64
)

var (
	_ orchestrator.Notifier = (*downstream)(nil)
	_ playback.Sink         = (*downstream)(nil)
)

// downstream is everything the server sends to one client. Control messages
// always go out before queued audio, so an interrupted notice is never stuck
// behind speech the client is about to discard.
type downstream struct {
	conn         *websocket.Conn
	ctx          context.Context
	writeTimeout time.Duration
	sessionID    string

	ctrl  chan any
	audio chan playback.Slot

	// lastSeq is the highest audio sequence number handed to the writer.
	lastSeq atomic.Uint64
}

func newDownstream(ctx context.Context, conn *websocket.Conn, sessionID string, writeTimeout time.Duration) *downstream {
	return &downstream{
		conn:         conn,
		ctx:          ctx,
		writeTimeout: writeTimeout,
		sessionID:    sessionID,
		ctrl:         make(chan any, ctrlBuffer),
		audio:        make(chan playback.Slot, audioBuffer),
	}
}

// send queues a control message. It gives up when the session is over.
func (d *downstream) send(msg any) {
	select {
	case d.ctrl <- msg:
	case <-d.ctx.Done():
	}
}

// OnTranscript implements orchestrator.Notifier.
func (d *downstream) OnTranscript(t orchestrator.Transcript) {
	d.send(transcriptMessage{Type: msgTranscript, Role: t.Role, Text: t.Text, Final: t.Final})
}

// OnStatus implements orchestrator.Notifier. Terminal states are reported by
// the closed message instead.
func (d *downstream) OnStatus(s orchestrator.State) {
	if s.Terminal() || s == orchestrator.StateIdle {
		return
	}
	d.send(statusMessage{Type: msgStatus, State: s.String()})
}

// OnInterrupted implements orchestrator.Notifier.
func (d *downstream) OnInterrupted() {
	d.send(interruptedMessage{Type: msgInterrupted, Seq: d.lastSeq.Load()})
}

// Deliver implements playback.Sink.
func (d *downstream) Deliver(s playback.Slot) {
	select {
	case d.audio <- s:
		d.lastSeq.Store(s.Seq)
	case <-d.ctx.Done():
	}
}

// OnClear implements playback.Sink. Audio not yet written is dropped here;
// the client drops what it already buffered when it sees interrupted.
func (d *downstream) OnClear() {
	for {
		select {
		case <-d.audio:
		default:
			return
		}
	}
}

// run writes queued messages until ctx is done or a write fails.
func (d *downstream) run(ctx context.Context) error {
	for {
		select {
		case msg := <-d.ctrl:
			if err := d.write(ctx, msg); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case msg := <-d.ctrl:
			if err := d.write(ctx, msg); err != nil {
				return err
			}
		case s := <-d.audio:
			if err := d.write(ctx, newAudioMessage(s)); err != nil {
				return err
			}
		}
	}
}

// flush writes control messages still queued after the session ended, such
// as the final transcript of the last reply.
func (d *downstream) flush(ctx context.Context) {
	for {
		select {
		case msg := <-d.ctrl:
			if err := d.write(ctx, msg); err != nil {
				slog.Debug("relay: flush downstream", "session_id", d.sessionID, "err", err)
				return
			}
		default:
			return
		}
	}
}

func (d *downstream) write(ctx context.Context, msg any) error {
	// Cancelling a write context closes the connection; only the timeout may
	// abort a write.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, d.conn, msg); err != nil {
		return fmt.Errorf("relay: write %T: %w", msg, err)
	}
	return nil
}
